package store

import (
	"context"
	"fmt"
	"log"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// JobResult is the durable final record of one job.
type JobResult struct {
	SchemaVersion string         `bson:"schema_version"`
	JobID         string         `bson:"job_id"`
	JobType       string         `bson:"job_type"`
	Input         map[string]any `bson:"input"`
	Output        map[string]any `bson:"output"`
	FinalState    string         `bson:"final_state"`
	StartedAt     string         `bson:"started_at"`
	CompletedAt   string         `bson:"completed_at"`
	Error         *JobError      `bson:"error"`
	TraceID       string         `bson:"trace_id"`
}

// JobError is the terminal error of a failed job.
type JobError struct {
	Code    string `bson:"code"`
	Message string `bson:"message"`
}

// JobResultStore writes final results with an idempotent upsert on job_id.
type JobResultStore struct {
	collection *mongo.Collection
	logger     *log.Logger
}

// Upsert inserts the first final result for a job and no-ops on replay.
func (s *JobResultStore) Upsert(ctx context.Context, doc JobResult) (bool, error) {
	res, err := s.collection.UpdateOne(
		ctx,
		bson.M{"job_id": doc.JobID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("upsert job result %s: %w", doc.JobID, err)
	}
	return res.UpsertedCount > 0, nil
}

func (s *JobResultStore) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("job_id_unique"),
	})
	if err != nil {
		return err
	}
	s.logger.Printf("mongo index ensured collection=%s index=job_id_unique", s.collection.Name())
	return nil
}
