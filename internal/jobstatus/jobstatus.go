// Package jobstatus keeps the transient per-job status hash in Redis and
// projects it into the status snapshot served to clients.
package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job states.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateNotFound  = "not_found"
)

// hashClient is the subset of *redis.Client the store needs.
type hashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Record is one status update.
type Record struct {
	JobID           string
	TraceID         string
	State           string
	ProgressPercent int
	Message         string
	UpdatedAt       time.Time
	ErrorCode       string
	ErrorMessage    string
}

// Snapshot is the client facing view of the latest status.
type Snapshot struct {
	JobID           string `json:"job_id"`
	State           string `json:"state"`
	ProgressPercent int    `json:"progress_percent"`
	Message         string `json:"message"`
	Timestamp       string `json:"timestamp"`
}

// Store persists status records into the job:<id>:status hash.
type Store struct {
	client hashClient
	ttl    time.Duration
	logger *log.Logger
}

// NewStore returns a store writing through client. Every write refreshes ttl.
func NewStore(client hashClient, ttl time.Duration, logger *log.Logger) *Store {
	return &Store{client: client, ttl: ttl, logger: logger}
}

// Key returns the Redis key holding a job's status.
func Key(jobID string) string {
	return fmt.Sprintf("job:%s:status", jobID)
}

// Upsert writes the status fields and refreshes the key TTL. Error fields are
// cleared when the record carries no error code.
func (s *Store) Upsert(ctx context.Context, status Record) error {
	if s == nil || s.client == nil {
		return errors.New("status store is not configured")
	}

	key := Key(status.JobID)
	fields := map[string]any{
		"job_id":           status.JobID,
		"trace_id":         status.TraceID,
		"state":            status.State,
		"progress_percent": status.ProgressPercent,
		"updated_at":       status.UpdatedAt.UTC().Format(time.RFC3339),
		"message":          status.Message,
	}
	if status.ErrorCode != "" {
		fields["error_code"] = status.ErrorCode
		fields["error_message"] = status.ErrorMessage
	}

	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", key, err)
	}
	if status.ErrorCode == "" {
		if err := s.client.HDel(ctx, key, "error_code", "error_message").Err(); err != nil {
			s.logger.Printf("redis HDEL optional error fields failed key=%s err=%v", key, err)
		}
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis EXPIRE %s: %w", key, err)
	}
	return nil
}

// Read fetches the raw status hash. found is false when the key does not exist.
func (s *Store) Read(ctx context.Context, jobID string) (values map[string]string, found bool, err error) {
	if s == nil || s.client == nil {
		return nil, false, errors.New("status store is not configured")
	}
	values, err = s.client.HGetAll(ctx, Key(jobID)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(values) == 0 {
		return nil, false, nil
	}
	return values, true, nil
}

// Snapshot loads the latest status and projects it for clients. Unknown jobs
// report StateNotFound.
func (s *Store) Snapshot(ctx context.Context, jobID string) (Snapshot, error) {
	status, found, err := s.Read(ctx, jobID)
	if err != nil {
		return Snapshot{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if !found {
		return Snapshot{
			JobID:     jobID,
			State:     StateNotFound,
			Message:   "job not found",
			Timestamp: now,
		}, nil
	}

	state := strings.ToLower(strings.TrimSpace(status["state"]))
	if state == "" {
		state = StateNotFound
	}
	message := strings.TrimSpace(status["message"])
	if message == "" {
		message = "status available"
	}
	if detail := strings.TrimSpace(status["error_message"]); detail != "" && state == StateFailed {
		message = message + ": " + detail
	}

	return Snapshot{
		JobID:           jobID,
		State:           state,
		ProgressPercent: ParseProgressPercent(status["progress_percent"]),
		Message:         message,
		Timestamp:       now,
	}, nil
}

// ParseProgressPercent converts a stored progress value into 0..100.
func ParseProgressPercent(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

// IsTerminal reports whether no further updates follow state.
func IsTerminal(state string) bool {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case StateCompleted, StateFailed, StateNotFound:
		return true
	default:
		return false
	}
}
