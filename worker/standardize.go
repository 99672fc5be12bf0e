package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/safeh2o/swot-analysis-web/internal/blobstore"
	"github.com/safeh2o/swot-analysis-web/internal/datapoint"
	"github.com/safeh2o/swot-analysis-web/internal/jobs"
	"github.com/safeh2o/swot-analysis-web/internal/store"
)

// handleStandardizeJob parses every file of an upload into tagged datapoints
// and replaces the upload's previous import.
func (w *worker) handleStandardizeJob(ctx context.Context, job jobs.Envelope) (jobExecutionResult, error) {
	payload, err := job.Standardize()
	if err != nil {
		w.logger.Printf("standardize payload decode failed job_id=%s trace_id=%s err=%v", job.JobID, job.TraceID, err)
		return jobExecutionResult{}, jobs.Permanent(fmt.Errorf("%w: %w", errInvalidPayload, err))
	}
	uploadID, _ := primitive.ObjectIDFromHex(payload.UploadID)

	var upload store.Upload
	err = w.withRetry(ctx, job, "upload lookup", func(ctx context.Context) error {
		var err error
		upload, err = w.uploads.Get(ctx, uploadID)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobExecutionResult{}, jobs.Permanent(err)
		}
		return jobExecutionResult{}, err
	}

	if err := w.uploads.SetStatus(ctx, uploadID, store.UploadProcessing, ""); err != nil {
		return jobExecutionResult{}, err
	}

	var objects []blobstore.Object
	err = w.withRetry(ctx, job, "upload listing", func(ctx context.Context) error {
		var err error
		objects, err = w.blobs.List(ctx, upload.ContainerName, payload.UploadID)
		return err
	})
	if err != nil {
		return jobExecutionResult{}, w.failUpload(ctx, uploadID, err)
	}
	if len(objects) == 0 {
		return jobExecutionResult{}, w.failUpload(ctx, uploadID, fmt.Errorf("no files under %s/%s: %w", upload.ContainerName, payload.UploadID, blobstore.ErrNotFound))
	}
	w.reportProgress(ctx, job, 30, fmt.Sprintf("parsing %d files", len(objects)))

	tags := upload.Tags()
	var records []datapoint.Record
	for i, obj := range objects {
		data, err := w.readBlob(ctx, job, upload.ContainerName, obj.Name)
		if err != nil {
			return jobExecutionResult{}, w.failUpload(ctx, uploadID, err)
		}

		dps, err := datapoint.ParseFile(obj.Name, bytes.NewReader(data))
		if err != nil {
			w.metrics.files.WithLabelValues("rejected").Inc()
			return jobExecutionResult{}, w.failUpload(ctx, uploadID, jobs.Permanent(fmt.Errorf("%s: %w", obj.Name, err)))
		}
		w.metrics.files.WithLabelValues("parsed").Inc()
		w.metrics.datapoints.WithLabelValues("parsed").Add(float64(len(dps)))
		records = append(records, tags.TagAll(dps)...)

		w.logger.Printf("file parsed job_id=%s upload_id=%s file=%s datapoints=%d", job.JobID, payload.UploadID, obj.Name, len(dps))
		w.reportProgress(ctx, job, 30+40*(i+1)/len(objects), fmt.Sprintf("parsed %d of %d files", i+1, len(objects)))
	}

	inserted, err := w.datapoints.ReplaceUpload(ctx, uploadID, records, w.cfg.InsertBatch)
	if err != nil {
		return jobExecutionResult{}, err
	}
	w.metrics.datapoints.WithLabelValues("stored").Add(float64(inserted))

	if err := w.uploads.MarkReady(ctx, uploadID, len(objects), inserted); err != nil {
		return jobExecutionResult{}, err
	}

	return jobExecutionResult{
		Input: map[string]any{
			"upload_id":      payload.UploadID,
			"container_name": upload.ContainerName,
		},
		Output: map[string]any{
			"fieldsite":  upload.Fieldsite.Hex(),
			"files":      len(objects),
			"datapoints": inserted,
		},
		Message: fmt.Sprintf("standardized %d datapoints from %d files", inserted, len(objects)),
	}, nil
}

// readBlob downloads one uploaded file into memory. Retries stop at a missing object.
func (w *worker) readBlob(ctx context.Context, job jobs.Envelope, bucket, name string) ([]byte, error) {
	var data []byte
	err := w.withRetry(ctx, job, "blob read", func(ctx context.Context) error {
		rc, err := w.blobs.Open(ctx, bucket, name)
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err = io.ReadAll(rc)
		return err
	})
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, jobs.Permanent(fmt.Errorf("%s/%s: %w", bucket, name, err))
	}
	return data, err
}

// failUpload marks the upload failed when cause is permanent and returns cause.
// Transient failures leave the upload processing for the redelivery.
func (w *worker) failUpload(ctx context.Context, id primitive.ObjectID, cause error) error {
	if errors.Is(cause, blobstore.ErrNotFound) && !errors.Is(cause, jobs.ErrPermanent) {
		cause = jobs.Permanent(cause)
	}
	if !errors.Is(cause, jobs.ErrPermanent) {
		return cause
	}
	if err := w.uploads.SetStatus(context.WithoutCancel(ctx), id, store.UploadFailed, failureMessage(cause)); err != nil {
		w.logger.Printf("upload status write failed upload_id=%s err=%v", id.Hex(), err)
	}
	return cause
}
