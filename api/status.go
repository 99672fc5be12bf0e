package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/safeh2o/swot-analysis-web/internal/jobs"
	"github.com/safeh2o/swot-analysis-web/internal/jobstatus"
	"github.com/safeh2o/swot-analysis-web/internal/workergrpc"
)

var (
	errStatusRequestTimeout = errors.New("status request timed out")
	errStatusNotFound       = errors.New("job status not found")
)

// handleJobStatus fetches latest job state through RabbitMQ request-reply,
// falling back to the worker's gRPC lookup when the broker round trip fails.
func (a *app) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if _, err := uuid.Parse(jobID); err != nil {
		a.logger.Printf("status request invalid job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "job_id must be a valid UUID"})
		return
	}

	reply, err := a.requester.RequestStatus(r.Context(), jobID)
	if err != nil && !errors.Is(err, errStatusNotFound) && a.progress != nil {
		if direct, directErr := a.statusOverGRPC(r.Context(), jobID); directErr == nil {
			a.logger.Printf("status request served over grpc job_id=%s rabbit_err=%v", jobID, err)
			reply, err = direct, nil
			if direct.State == jobstatus.StateNotFound {
				err = errStatusNotFound
			}
		} else {
			a.logger.Printf("status grpc fallback failed job_id=%s err=%v", jobID, directErr)
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, errStatusNotFound):
			a.logger.Printf("status request job not found job_id=%s", jobID)
			writeJSON(w, http.StatusNotFound, reply)
		case errors.Is(err, errStatusRequestTimeout):
			a.logger.Printf("status request timeout job_id=%s", jobID)
			a.metrics.statusTimeouts.Inc()
			writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "status request timed out"})
		default:
			a.logger.Printf("status request failed job_id=%s err=%v", jobID, err)
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "failed to fetch job status"})
		}
		return
	}

	writeJSON(w, http.StatusOK, reply)
	a.logger.Printf("status request success job_id=%s state=%s progress=%d", reply.JobID, reply.State, reply.ProgressPercent)
}

// statusOverGRPC reads the job status straight from the worker when the
// RabbitMQ round trip fails.
func (a *app) statusOverGRPC(ctx context.Context, jobID string) (jobstatus.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	reply, err := a.progress.GetJobStatus(ctx, &workergrpc.GetJobStatusRequest{JobID: jobID})
	if err != nil {
		return jobstatus.Snapshot{}, err
	}
	return snapshotFromReply(reply), nil
}

func snapshotFromReply(reply *workergrpc.JobStatusReply) jobstatus.Snapshot {
	snap := jobstatus.Snapshot{
		JobID:           reply.JobID,
		State:           reply.State,
		ProgressPercent: int(reply.ProgressPercent),
		Message:         reply.Message,
		Timestamp:       reply.Timestamp,
	}
	if strings.TrimSpace(snap.Timestamp) == "" {
		snap.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return snap
}

// rabbitStatusClient asks the worker for job status over a correlated
// RabbitMQ request and an exclusive reply queue per call.
type rabbitStatusClient struct {
	conn    *amqp.Connection
	queue   string
	timeout time.Duration
	logger  *log.Logger
}

// RequestStatus sends one correlated request and waits for the matching reply.
func (c *rabbitStatusClient) RequestStatus(parentCtx context.Context, jobID string) (jobstatus.Snapshot, error) {
	requestID := uuid.NewString()
	requestedAt := time.Now().UTC()


	ch, err := c.conn.Channel()
	if err != nil {
		return jobstatus.Snapshot{}, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	defer func() {
		if closeErr := ch.Close(); closeErr != nil {
			c.logger.Printf("status request channel close failed: %v", closeErr)
		}
	}()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return jobstatus.Snapshot{}, fmt.Errorf("request queue declare failed: %w", err)
	}
	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return jobstatus.Snapshot{}, fmt.Errorf("reply queue declare failed: %w", err)
	}
	deliveries, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return jobstatus.Snapshot{}, fmt.Errorf("reply consumer setup failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(parentCtx, c.timeout)
	defer cancel()

	request, err := jobstatus.CheckRequest{
		JobID:       jobID,
		RequestID:   requestID,
		RequestedAt: requestedAt.Format(time.RFC3339),
	}.Publishing(replyQueue.Name)
	if err != nil {
		return jobstatus.Snapshot{}, err
	}
	if err := ch.PublishWithContext(ctx, "", c.queue, false, false, request); err != nil {
		return jobstatus.Snapshot{}, fmt.Errorf("status request publish failed: %w", err)
	}

	c.logger.Printf("status request published job_id=%s request_id=%s", jobID, requestID)
	return awaitStatusReply(ctx, deliveries, requestID, c.logger)
}

// awaitStatusReply returns the first reply matching requestID.
func awaitStatusReply(ctx context.Context, deliveries <-chan amqp.Delivery, requestID string, logger *log.Logger) (jobstatus.Snapshot, error) {
	for {
		select {
		case <-ctx.Done():
			return jobstatus.Snapshot{}, errStatusRequestTimeout
		case d, ok := <-deliveries:
			if !ok {
				return jobstatus.Snapshot{}, errors.New("reply consumer closed")
			}
			if strings.TrimSpace(d.CorrelationId) != requestID {
				logger.Printf("ignoring mismatched correlation reply expected=%s got=%s", requestID, d.CorrelationId)
				continue
			}

			var reply jobstatus.Snapshot
			if err := jobs.DecodeObject(d.Body, &reply); err != nil {
				return jobstatus.Snapshot{}, fmt.Errorf("invalid status reply payload: %w", err)
			}
			if strings.TrimSpace(reply.Timestamp) == "" {
				reply.Timestamp = time.Now().UTC().Format(time.RFC3339)
			}
			if reply.State == jobstatus.StateNotFound {
				return reply, errStatusNotFound
			}
			return reply, nil
		}
	}
}
