package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/safeh2o/swot-analysis-web/internal/jobs"
	"github.com/safeh2o/swot-analysis-web/internal/jobstatus"
)

// analyzeRequest is the optional body of an analyze submission.
type analyzeRequest struct {
	Methods []string `json:"methods"`
}

// submitJobResponse acknowledges an accepted job.
type submitJobResponse struct {
	JobID       string `json:"job_id"`
	TraceID     string `json:"trace_id"`
	JobType     string `json:"job_type"`
	State       string `json:"state"`
	SubmittedAt string `json:"submitted_at"`
	Message     string `json:"message"`
}

// handleStandardize queues a standardize job for one upload.
func (a *app) handleStandardize(w http.ResponseWriter, r *http.Request) {
	uploadID := strings.TrimSpace(r.PathValue("upload_id"))
	if err := jobs.ValidateObjectID("upload_id", uploadID); err != nil {
		a.logger.Printf("standardize request invalid upload_id=%q err=%v", uploadID, err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	a.submit(w, r, jobs.TypeStandardize, jobs.StandardizePayload{UploadID: uploadID})
}

// handleAnalyze queues an analysis job for one dataset. The body may name
// the methods to run; an empty body runs every method.
func (a *app) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	if err := jobs.ValidateObjectID("dataset_id", datasetID); err != nil {
		a.logger.Printf("analyze request invalid dataset_id=%q err=%v", datasetID, err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	var req analyzeRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	methods, err := jobs.NormalizeMethods(req.Methods)
	if err != nil {
		a.logger.Printf("analyze request invalid methods=%v err=%v", req.Methods, err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	a.submit(w, r, jobs.TypeAnalysis, jobs.AnalysisPayload{DatasetID: datasetID, Methods: methods})
}

func (a *app) submit(w http.ResponseWriter, r *http.Request, jobType string, payload any) {
	env, err := a.enqueueJob(r.Context(), jobType, payload)
	if err != nil {
		a.logger.Printf("submit job enqueue failed job_type=%s err=%v", jobType, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	a.metrics.submissions.WithLabelValues(jobType).Inc()

	w.Header().Set("Location", fmt.Sprintf("/v1/jobs/%s/status", env.JobID))
	writeJSON(w, http.StatusAccepted, submitJobResponse{
		JobID:       env.JobID,
		TraceID:     env.TraceID,
		JobType:     env.JobType,
		State:       jobstatus.StateQueued,
		SubmittedAt: env.SubmittedAt,
		Message:     "job accepted",
	})
	a.logger.Printf("submit job accepted job_id=%s trace_id=%s job_type=%s", env.JobID, env.TraceID, env.JobType)
}

// enqueueJob writes the queued status and publishes the envelope. A failed
// publish leaves a failed status behind for pollers.
func (a *app) enqueueJob(parentCtx context.Context, jobType string, payload any) (jobs.Envelope, error) {
	now := time.Now().UTC()
	env, err := jobs.New(jobType, payload, now)
	if err != nil {
		a.logger.Printf("enqueue envelope build failed job_type=%s: %v", jobType, err)
		return jobs.Envelope{}, errors.New("failed to encode job")
	}

	a.logger.Printf("enqueue start job_id=%s trace_id=%s job_type=%s", env.JobID, env.TraceID, jobType)
	ctx, cancel := context.WithTimeout(parentCtx, a.cfg.RequestTimeout)
	defer cancel()

	if err := a.statuses.Upsert(ctx, jobstatus.Record{
		JobID:     env.JobID,
		TraceID:   env.TraceID,
		State:     jobstatus.StateQueued,
		Message:   "job queued",
		UpdatedAt: now,
	}); err != nil {
		a.logger.Printf("enqueue redis queued status write failed job_id=%s: %v", env.JobID, err)
		return jobs.Envelope{}, errors.New("failed to initialize job status")
	}

	body, err := json.Marshal(env)
	if err != nil {
		a.logger.Printf("enqueue kafka payload marshal failed job_id=%s: %v", env.JobID, err)
		return jobs.Envelope{}, errors.New("failed to encode job")
	}

	topic := jobs.TopicFor(jobType, a.cfg.KafkaTopic, a.cfg.KafkaTopicTemplate)
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(env.JobID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "schema-version", Value: []byte(jobs.SchemaVersion)},
			{Key: "job-type", Value: []byte(jobType)},
		},
	}

	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		a.logger.Printf("enqueue kafka publish failed job_id=%s job_type=%s topic=%s err=%v", env.JobID, jobType, topic, err)
		a.metrics.publishFailures.Inc()
		a.writeFailedEnqueueStatus(env)
		return jobs.Envelope{}, errors.New("failed to enqueue job")
	}

	a.logger.Printf("enqueue success job_id=%s trace_id=%s job_type=%s topic=%s", env.JobID, env.TraceID, jobType, topic)
	return env, nil
}

// writeFailedEnqueueStatus marks a job as failed when the Kafka publish fails.
func (a *app) writeFailedEnqueueStatus(env jobs.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel()

	if err := a.statuses.Upsert(ctx, jobstatus.Record{
		JobID:        env.JobID,
		TraceID:      env.TraceID,
		State:        jobstatus.StateFailed,
		Message:      "failed to enqueue job",
		UpdatedAt:    time.Now().UTC(),
		ErrorCode:    "KAFKA_PUBLISH_FAILED",
		ErrorMessage: "job could not be published",
	}); err != nil {
		a.logger.Printf("redis failed enqueue status write failed job_id=%s err=%v", env.JobID, err)
	}
}
