package main

import (
	"context"
	"log"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/safeh2o/swot-analysis-web/internal/jobstatus"
	"github.com/safeh2o/swot-analysis-web/internal/workergrpc"
)

// Bounds of the subscription poll interval.
const (
	defaultPollInterval = time.Second
	minPollInterval     = 100 * time.Millisecond
	maxPollInterval     = 10 * time.Second
)

// statusSnapshotter reads the latest status projection of a job.
type statusSnapshotter interface {
	Snapshot(ctx context.Context, jobID string) (jobstatus.Snapshot, error)
}

// statusServer serves job status over gRPC from the Redis status hash.
type statusServer struct {
	workergrpc.UnimplementedWorkerStatusServer
	status  statusSnapshotter
	logger  *log.Logger
	metrics *workerMetrics
}

// GetJobStatus returns the latest snapshot of one job.
func (s *statusServer) GetJobStatus(ctx context.Context, in *workergrpc.GetJobStatusRequest) (*workergrpc.JobStatusReply, error) {
	s.metrics.grpcRequests.WithLabelValues("GetJobStatus").Inc()

	jobID := strings.TrimSpace(in.JobID)
	if jobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}

	snap, err := s.status.Snapshot(ctx, jobID)
	if err != nil {
		s.logger.Printf("grpc status lookup failed job_id=%s err=%v", jobID, err)
		return nil, status.Errorf(codes.Unavailable, "status lookup failed: %v", err)
	}
	return toReply(snap), nil
}

// SubscribeJobProgress streams a snapshot whenever the status changes and
// ends after a terminal state.
func (s *statusServer) SubscribeJobProgress(in *workergrpc.SubscribeJobProgressRequest, stream workergrpc.WorkerStatus_SubscribeJobProgressServer) error {
	s.metrics.grpcRequests.WithLabelValues("SubscribeJobProgress").Inc()

	jobID := strings.TrimSpace(in.JobID)
	if jobID == "" {
		return status.Error(codes.InvalidArgument, "job_id is required")
	}
	interval := pollInterval(in.PollIntervalMS)
	ctx := stream.Context()

	s.logger.Printf("grpc progress subscription started job_id=%s poll_interval=%s", jobID, interval)

	var last *workergrpc.JobStatusReply
	for {
		snap, err := s.status.Snapshot(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Printf("grpc progress lookup failed job_id=%s err=%v", jobID, err)
			return status.Errorf(codes.Unavailable, "status lookup failed: %v", err)
		}

		reply := toReply(snap)
		if last == nil || changed(last, reply) {
			if err := stream.Send(reply); err != nil {
				return err
			}
			last = reply
		}
		if jobstatus.IsTerminal(reply.State) {
			s.logger.Printf("grpc progress subscription finished job_id=%s state=%s", jobID, reply.State)
			return nil
		}

		if err := sleepWithContext(ctx, interval); err != nil {
			return nil
		}
	}
}

func toReply(snap jobstatus.Snapshot) *workergrpc.JobStatusReply {
	return &workergrpc.JobStatusReply{
		JobID:           snap.JobID,
		State:           snap.State,
		ProgressPercent: int32(snap.ProgressPercent),
		Message:         snap.Message,
		Timestamp:       snap.Timestamp,
	}
}

func changed(a, b *workergrpc.JobStatusReply) bool {
	return a.State != b.State || a.ProgressPercent != b.ProgressPercent || a.Message != b.Message
}

func pollInterval(ms int32) time.Duration {
	if ms <= 0 {
		return defaultPollInterval
	}
	d := time.Duration(ms) * time.Millisecond
	if d < minPollInterval {
		return minPollInterval
	}
	if d > maxPollInterval {
		return maxPollInterval
	}
	return d
}
