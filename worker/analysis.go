package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/safeh2o/swot-analysis-web/internal/datapoint"
	"github.com/safeh2o/swot-analysis-web/internal/jobs"
	"github.com/safeh2o/swot-analysis-web/internal/launcher"
	"github.com/safeh2o/swot-analysis-web/internal/store"
)

// handleAnalysisJob builds the dataset input CSV from the fieldsite's
// datapoints, uploads it and starts one analysis container per method.
func (w *worker) handleAnalysisJob(ctx context.Context, job jobs.Envelope) (jobExecutionResult, error) {
	payload, err := job.Analysis()
	if err != nil {
		w.logger.Printf("analysis payload decode failed job_id=%s trace_id=%s err=%v", job.JobID, job.TraceID, err)
		return jobExecutionResult{}, jobs.Permanent(fmt.Errorf("%w: %w", errInvalidPayload, err))
	}
	datasetID, _ := primitive.ObjectIDFromHex(payload.DatasetID)

	methods := w.enabledMethods(payload.Methods)
	if len(methods) == 0 {
		return jobExecutionResult{}, jobs.Permanent(fmt.Errorf("%w: none of methods %v is enabled", errInvalidPayload, payload.Methods))
	}

	var dataset store.Dataset
	err = w.withRetry(ctx, job, "dataset lookup", func(ctx context.Context) error {
		var err error
		dataset, err = w.datasets.Get(ctx, datasetID)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobExecutionResult{}, jobs.Permanent(err)
		}
		return jobExecutionResult{}, err
	}

	records, err := w.datapoints.FindWindow(ctx, dataset.Fieldsite, dataset.StartDate, dataset.EndDate)
	if err != nil {
		return jobExecutionResult{}, err
	}
	if len(records) == 0 {
		cause := jobs.Permanent(fmt.Errorf("dataset %s: no datapoints for fieldsite %s in range", payload.DatasetID, dataset.Fieldsite.Hex()))
		w.failMethods(ctx, datasetID, methods, failureMessage(cause))
		return jobExecutionResult{}, cause
	}
	w.reportProgress(ctx, job, 35, fmt.Sprintf("resolving %d datapoints", len(records)))

	resolved := w.resolver.Resolve(records)
	w.metrics.datapoints.WithLabelValues("resolved").Add(float64(len(resolved)))

	var buf bytes.Buffer
	if err := (datapoint.Serializer{}).Write(&buf, resolved, true); err != nil {
		return jobExecutionResult{}, fmt.Errorf("serialize dataset %s: %w", payload.DatasetID, err)
	}

	blobName := payload.DatasetID + ".csv"
	err = w.withRetry(ctx, job, "dataset upload", func(ctx context.Context) error {
		return w.blobs.Put(ctx, w.cfg.Analysis.SourceBucket, blobName, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "text/csv")
	})
	if err != nil {
		return jobExecutionResult{}, err
	}
	if err := w.datasets.RecordBuild(ctx, datasetID, blobName, len(resolved)); err != nil {
		return jobExecutionResult{}, err
	}
	w.logger.Printf(
		"dataset built job_id=%s dataset_id=%s blob=%s/%s datapoints_in=%d datapoints_out=%d",
		job.JobID,
		payload.DatasetID,
		w.cfg.Analysis.SourceBucket,
		blobName,
		len(records),
		len(resolved),
	)
	w.reportProgress(ctx, job, 55, "dataset built")

	containers := map[string]any{}
	for _, method := range methods {
		if err := w.datasets.SetAnalysisStatus(ctx, datasetID, method, store.AnalysisStatus{Message: "queued"}); err != nil {
			return jobExecutionResult{}, err
		}
		if w.launcher == nil {
			w.logger.Printf("analysis launch skipped job_id=%s dataset_id=%s method=%s reason=launcher-disabled", job.JobID, payload.DatasetID, method)
			continue
		}

		req := launcher.Request{
			JobID:        job.JobID,
			DatasetID:    payload.DatasetID,
			Method:       method,
			BlobName:     blobName,
			SourceBucket: w.cfg.Analysis.SourceBucket,
			DestBucket:   w.cfg.Analysis.DestBucket,
		}
		var containerID string
		err := w.withRetry(ctx, job, "container launch", func(ctx context.Context) error {
			var err error
			containerID, err = w.launcher.Launch(ctx, req)
			return err
		})
		if err != nil {
			w.metrics.containers.WithLabelValues(method, "failed").Inc()
			w.failMethods(ctx, datasetID, []string{method}, fmt.Sprintf("launch failed: %v", err))
			return jobExecutionResult{}, fmt.Errorf("launch %s analysis: %w", method, err)
		}
		w.metrics.containers.WithLabelValues(method, "started").Inc()
		containers[method] = containerID
	}

	return jobExecutionResult{
		Input: map[string]any{
			"dataset_id": payload.DatasetID,
			"methods":    methods,
		},
		Output: map[string]any{
			"fieldsite":      dataset.Fieldsite.Hex(),
			"blob_name":      blobName,
			"source_bucket":  w.cfg.Analysis.SourceBucket,
			"datapoints_in":  len(records),
			"datapoints_out": len(resolved),
			"containers":     containers,
		},
		Message: fmt.Sprintf("dataset built with %d datapoints; analysis queued for %v", len(resolved), methods),
	}, nil
}

// enabledMethods keeps the requested methods this worker is configured to run.
func (w *worker) enabledMethods(requested []string) []string {
	var out []string
	for _, m := range requested {
		if slices.Contains(w.cfg.Analysis.Methods, m) {
			out = append(out, m)
		}
	}
	return out
}

// failMethods records a terminal failure for each method on the dataset.
func (w *worker) failMethods(ctx context.Context, id primitive.ObjectID, methods []string, message string) {
	failed := false
	for _, method := range methods {
		err := w.datasets.SetAnalysisStatus(context.WithoutCancel(ctx), id, method, store.AnalysisStatus{Success: &failed, Message: message})
		if err != nil {
			w.logger.Printf("analysis status write failed dataset_id=%s method=%s err=%v", id.Hex(), method, err)
		}
	}
}
