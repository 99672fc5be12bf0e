package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/safeh2o/swot-analysis-web/internal/blobstore"
	"github.com/safeh2o/swot-analysis-web/internal/datapoint"
	"github.com/safeh2o/swot-analysis-web/internal/jobs"
	"github.com/safeh2o/swot-analysis-web/internal/jobstatus"
	"github.com/safeh2o/swot-analysis-web/internal/store"
)

// Error codes recorded with failed jobs.
const (
	codeSchemaMismatch   = "SCHEMA_MISMATCH"
	codeNotFound         = "NOT_FOUND"
	codeInvalidPayload   = "INVALID_PAYLOAD"
	codeProcessingFailed = "JOB_PROCESSING_FAILED"
)

// processFetchedMessage validates, routes, tracks progress, persists results, and commits offsets.
func (w *worker) processFetchedMessage(ctx context.Context, msg kafka.Message) error {
	job, err := jobs.Decode(msg.Value)
	if err != nil {
		w.logger.Printf(
			"dropping invalid message topic=%s partition=%d offset=%d key=%s err=%v",
			msg.Topic,
			msg.Partition,
			msg.Offset,
			string(msg.Key),
			err,
		)
		w.metrics.dropped.WithLabelValues("invalid_envelope").Inc()
		return w.commitMessage(msg, "drop-invalid-message")
	}

	handler, ok := w.handlers[job.JobType]
	if !ok {
		w.logger.Printf(
			"dropping unsupported job_type job_id=%s trace_id=%s job_type=%s",
			job.JobID,
			job.TraceID,
			job.JobType,
		)
		w.metrics.dropped.WithLabelValues("unsupported_job_type").Inc()
		return w.commitMessage(msg, "drop-unsupported-job-type")
	}

	processCtx, cancel := context.WithTimeout(ctx, w.cfg.ProcessTimeout)
	defer cancel()

	startedAt := time.Now().UTC()
	done := w.metrics.startAttempt(job.JobType)
	w.logger.Printf("processing started job_id=%s trace_id=%s job_type=%s", job.JobID, job.TraceID, job.JobType)

	if err := w.updateStatus(processCtx, job, jobstatus.StateRunning, 20, "job started", "", ""); err != nil {
		done(outcomeFailed)
		return fmt.Errorf("status update failed (20%%): %w", err)
	}

	result, err := handler(processCtx, job)
	if err != nil {
		if errors.Is(err, jobs.ErrPermanent) {
			done(outcomeRejected)
			return w.rejectJob(ctx, msg, job, startedAt, err)
		}
		done(outcomeFailed)
		_ = w.updateStatus(context.WithoutCancel(ctx), job, jobstatus.StateRunning, 50, "job attempt failed; retrying", errorCode(err), err.Error())
		w.logger.Printf(
			"processing failed job_id=%s trace_id=%s job_type=%s err=%v (offset not committed; message will be redelivered)",
			job.JobID,
			job.TraceID,
			job.JobType,
			err,
		)
		return err
	}

	if err := w.updateStatus(processCtx, job, jobstatus.StateRunning, 80, "persisting final result", "", ""); err != nil {
		done(outcomeFailed)
		return fmt.Errorf("status update failed (80%%): %w", err)
	}

	doc := store.JobResult{
		SchemaVersion: jobs.SchemaVersion,
		JobID:         job.JobID,
		JobType:       job.JobType,
		Input:         result.Input,
		Output:        result.Output,
		FinalState:    jobstatus.StateCompleted,
		StartedAt:     startedAt.Format(time.RFC3339),
		CompletedAt:   time.Now().UTC().Format(time.RFC3339),
		TraceID:       job.TraceID,
	}
	if err := w.persistResult(processCtx, job, doc); err != nil {
		done(outcomeFailed)
		return err
	}

	completionMessage := strings.TrimSpace(result.Message)
	if completionMessage == "" {
		completionMessage = "job completed"
	}
	if err := w.updateStatus(processCtx, job, jobstatus.StateCompleted, 100, completionMessage, "", ""); err != nil {
		done(outcomeFailed)
		return fmt.Errorf("status update failed (100%%): %w", err)
	}

	if err := w.commitMessage(msg, "processed"); err != nil {
		done(outcomeFailed)
		return err
	}

	done(outcomeCompleted)
	w.logger.Printf("processing completed job_id=%s trace_id=%s job_type=%s", job.JobID, job.TraceID, job.JobType)
	return nil
}

// rejectJob records a failure that redelivery cannot fix and commits past it.
func (w *worker) rejectJob(ctx context.Context, msg kafka.Message, job jobs.Envelope, startedAt time.Time, cause error) error {
	code := errorCode(cause)
	w.logger.Printf(
		"processing rejected job_id=%s trace_id=%s job_type=%s code=%s err=%v (offset committed; not retryable)",
		job.JobID,
		job.TraceID,
		job.JobType,
		code,
		cause,
	)

	persistCtx, cancel := context.WithTimeout(ctx, w.cfg.CommitTimeout)
	defer cancel()

	doc := store.JobResult{
		SchemaVersion: jobs.SchemaVersion,
		JobID:         job.JobID,
		JobType:       job.JobType,
		Input:         map[string]any{"payload": string(job.Payload)},
		Output:        map[string]any{},
		FinalState:    jobstatus.StateFailed,
		StartedAt:     startedAt.Format(time.RFC3339),
		CompletedAt:   time.Now().UTC().Format(time.RFC3339),
		Error:         &store.JobError{Code: code, Message: failureMessage(cause)},
		TraceID:       job.TraceID,
	}
	if err := w.persistResult(persistCtx, job, doc); err != nil {
		return err
	}
	if err := w.updateStatus(persistCtx, job, jobstatus.StateFailed, 100, "job failed", code, failureMessage(cause)); err != nil {
		return fmt.Errorf("status update failed (rejected): %w", err)
	}
	return w.commitMessage(msg, "rejected")
}

// persistResult upserts the final document; a replay finds the first one in place.
func (w *worker) persistResult(ctx context.Context, job jobs.Envelope, doc store.JobResult) error {
	inserted, err := w.resultStore.Upsert(ctx, doc)
	if err != nil {
		return fmt.Errorf("mongo upsert failed: %w", err)
	}
	if inserted {
		w.logger.Printf("mongo result inserted job_id=%s trace_id=%s job_type=%s final_state=%s", job.JobID, job.TraceID, job.JobType, doc.FinalState)
	} else {
		w.logger.Printf("mongo result already exists (idempotent replay) job_id=%s trace_id=%s job_type=%s", job.JobID, job.TraceID, job.JobType)
	}
	return nil
}

// updateStatus writes a single Redis status update record for the given job.
func (w *worker) updateStatus(ctx context.Context, job jobs.Envelope, state string, progress int, message, errorCode, errorMessage string) error {
	if w.statusStore == nil {
		return errors.New("status store is not configured")
	}

	record := jobstatus.Record{
		JobID:           job.JobID,
		TraceID:         job.TraceID,
		State:           state,
		ProgressPercent: progress,
		Message:         message,
		UpdatedAt:       time.Now().UTC(),
		ErrorCode:       errorCode,
		ErrorMessage:    errorMessage,
	}

	if err := w.statusStore.Upsert(ctx, record); err != nil {
		w.logger.Printf("status store write failed job_id=%s trace_id=%s state=%s progress=%d err=%v", job.JobID, job.TraceID, state, progress, err)
		return err
	}

	w.logger.Printf("status updated job_id=%s trace_id=%s state=%s progress=%d", job.JobID, job.TraceID, state, progress)
	return nil
}

// reportProgress writes an intermediate running status. Failures are logged only.
func (w *worker) reportProgress(ctx context.Context, job jobs.Envelope, progress int, message string) {
	_ = w.updateStatus(ctx, job, jobstatus.StateRunning, progress, message, "", "")
}

// commitMessage records consumer progress only after a message reaches a terminal outcome.
func (w *worker) commitMessage(msg kafka.Message, reason string) error {
	commitCtx, cancel := context.WithTimeout(context.Background(), w.cfg.CommitTimeout)
	defer cancel()

	if err := w.consumer.CommitMessages(commitCtx, msg); err != nil {
		w.logger.Printf(
			"offset commit failed reason=%s topic=%s partition=%d offset=%d key=%s err=%v",
			reason,
			msg.Topic,
			msg.Partition,
			msg.Offset,
			string(msg.Key),
			err,
		)
		return err
	}

	w.logger.Printf(
		"offset committed reason=%s topic=%s partition=%d offset=%d key=%s",
		reason,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		string(msg.Key),
	)
	return nil
}

// errorCode classifies a handler error for the status hash and result document.
func errorCode(err error) string {
	var mismatch *datapoint.SchemaMismatchError
	switch {
	case errors.As(err, &mismatch), errors.Is(err, datapoint.ErrEmptyFile):
		return codeSchemaMismatch
	case errors.Is(err, store.ErrNotFound), errors.Is(err, blobstore.ErrNotFound):
		return codeNotFound
	case errors.Is(err, errInvalidPayload):
		return codeInvalidPayload
	default:
		return codeProcessingFailed
	}
}

// failureMessage is the user facing text of a handler error.
func failureMessage(err error) string {
	return strings.TrimPrefix(err.Error(), jobs.ErrPermanent.Error()+": ")
}

// errInvalidPayload marks payload validation failures.
var errInvalidPayload = errors.New("invalid payload")

// withRetry runs op until it succeeds, returns a non-retryable error or
// exhausts the configured attempts.
func (w *worker) withRetry(ctx context.Context, job jobs.Envelope, what string, op func(context.Context) error) error {
	maxAttempts := w.cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				w.logger.Printf("%s recovered job_id=%s trace_id=%s attempt=%d/%d", what, job.JobID, job.TraceID, attempt, maxAttempts)
			}
			return nil
		}

		lastErr = err
		if !isRetryableError(err) {
			w.logger.Printf("%s non-retryable failure job_id=%s trace_id=%s attempt=%d/%d err=%v", what, job.JobID, job.TraceID, attempt, maxAttempts, err)
			return err
		}
		if attempt >= maxAttempts {
			break
		}

		backoff := calculateRetryBackoff(w.cfg.Retry.InitialBackoff, w.cfg.Retry.MaxBackoff, attempt)
		w.logger.Printf("%s transient failure job_id=%s trace_id=%s attempt=%d/%d retry_in=%s err=%v", what, job.JobID, job.TraceID, attempt, maxAttempts, backoff, err)
		if err := sleepWithContext(ctx, backoff); err != nil {
			return err
		}
	}

	w.logger.Printf("%s exhausted retries job_id=%s trace_id=%s attempts=%d err=%v", what, job.JobID, job.TraceID, maxAttempts, lastErr)
	return lastErr
}

// isRetryableError reports whether another attempt could succeed.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, jobs.ErrPermanent) || errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, store.ErrNotFound) {
		return false
	}
	return true
}

// calculateRetryBackoff computes exponential retry delay with optional max cap.
func calculateRetryBackoff(initial, max time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		if delay > time.Duration(math.MaxInt64/2) {
			delay = time.Duration(math.MaxInt64)
			break
		}
		delay *= 2
	}

	if max > 0 && delay > max {
		return max
	}
	return delay
}
