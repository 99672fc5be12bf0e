// Package store holds the MongoDB collections of the pipeline: uploads,
// standardized datapoints, datasets and durable job results.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/safeh2o/swot-analysis-web/internal/config"
	"github.com/safeh2o/swot-analysis-web/internal/datapoint"
)

// ErrNotFound is returned when a referenced document does not exist.
var ErrNotFound = errors.New("document not found")

// Upload states.
const (
	UploadPending    = "pending"
	UploadProcessing = "processing"
	UploadReady      = "ready"
	UploadFailed     = "failed"
)

// Upload is one batch of files a user submitted for a fieldsite.
type Upload struct {
	ID             primitive.ObjectID `bson:"_id"`
	ContainerName  string             `bson:"containerName"`
	Fieldsite      primitive.ObjectID `bson:"fieldsite"`
	DateUploaded   time.Time          `bson:"dateUploaded"`
	Overwriting    bool               `bson:"overwriting"`
	Status         string             `bson:"status,omitempty"`
	Error          string             `bson:"error,omitempty"`
	FileCount      int                `bson:"fileCount,omitempty"`
	DatapointCount int                `bson:"datapointCount,omitempty"`
}

// Tags returns the attributes copied onto every datapoint of the upload.
func (u Upload) Tags() datapoint.Tags {
	return datapoint.Tags{
		Upload:       u.ID,
		Fieldsite:    u.Fieldsite,
		DateUploaded: u.DateUploaded,
		Overwriting:  u.Overwriting,
	}
}

// AnalysisStatus is the outcome of one analysis method on a dataset. Success is
// nil while the analysis is queued or running.
type AnalysisStatus struct {
	Success   *bool     `bson:"success"`
	Message   string    `bson:"message"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// Dataset selects the datapoints of one fieldsite within an optional window.
type Dataset struct {
	ID             primitive.ObjectID        `bson:"_id"`
	Fieldsite      primitive.ObjectID        `bson:"fieldsite"`
	StartDate      *time.Time                `bson:"startDate,omitempty"`
	EndDate        *time.Time                `bson:"endDate,omitempty"`
	BlobName       string                    `bson:"blobName,omitempty"`
	DatapointCount int                       `bson:"datapointCount,omitempty"`
	Status         map[string]AnalysisStatus `bson:"status,omitempty"`
}

// Stores bundles every collection of one database.
type Stores struct {
	Uploads    *UploadStore
	Datapoints *DatapointStore
	Datasets   *DatasetStore
	JobResults *JobResultStore
}

// Open binds the stores to db and ensures their indexes.
func Open(ctx context.Context, db *mongo.Database, names config.Collections, logger *log.Logger) (*Stores, error) {
	s := &Stores{
		Uploads:    &UploadStore{collection: db.Collection(names.Uploads)},
		Datapoints: &DatapointStore{collection: db.Collection(names.Datapoints), logger: logger},
		Datasets:   &DatasetStore{collection: db.Collection(names.Datasets)},
		JobResults: &JobResultStore{collection: db.Collection(names.JobResults), logger: logger},
	}
	if err := s.Datapoints.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("datapoints indexes: %w", err)
	}
	if err := s.JobResults.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("job_results indexes: %w", err)
	}
	return s, nil
}

// Connect dials MongoDB and pings it within cfg.ConnectTimeout.
func Connect(ctx context.Context, cfg config.Mongo) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}
	return client, nil
}

// UploadStore reads and updates upload documents.
type UploadStore struct {
	collection *mongo.Collection
}

// Get loads one upload.
func (s *UploadStore) Get(ctx context.Context, id primitive.ObjectID) (Upload, error) {
	var u Upload
	if err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Upload{}, fmt.Errorf("upload %s: %w", id.Hex(), ErrNotFound)
		}
		return Upload{}, fmt.Errorf("find upload %s: %w", id.Hex(), err)
	}
	return u, nil
}

// SetStatus records a lifecycle state. message is stored as the error text and
// cleared when empty.
func (s *UploadStore) SetStatus(ctx context.Context, id primitive.ObjectID, status, message string) error {
	update := bson.M{"$set": bson.M{"status": status}}
	if message != "" {
		update["$set"].(bson.M)["error"] = message
	} else {
		update["$unset"] = bson.M{"error": ""}
	}
	return s.update(ctx, id, update)
}

// MarkReady records the import counts and sets the upload ready.
func (s *UploadStore) MarkReady(ctx context.Context, id primitive.ObjectID, files, datapoints int) error {
	return s.update(ctx, id, bson.M{
		"$set":   bson.M{"status": UploadReady, "fileCount": files, "datapointCount": datapoints},
		"$unset": bson.M{"error": ""},
	})
}

func (s *UploadStore) update(ctx context.Context, id primitive.ObjectID, update bson.M) error {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update upload %s: %w", id.Hex(), err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("upload %s: %w", id.Hex(), ErrNotFound)
	}
	return nil
}

// DatasetStore reads and updates dataset documents.
type DatasetStore struct {
	collection *mongo.Collection
}

// NewDatasetStore binds a dataset store to one collection of db.
func NewDatasetStore(db *mongo.Database, name string) *DatasetStore {
	return &DatasetStore{collection: db.Collection(name)}
}

// Get loads one dataset.
func (s *DatasetStore) Get(ctx context.Context, id primitive.ObjectID) (Dataset, error) {
	var d Dataset
	if err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Dataset{}, fmt.Errorf("dataset %s: %w", id.Hex(), ErrNotFound)
		}
		return Dataset{}, fmt.Errorf("find dataset %s: %w", id.Hex(), err)
	}
	return d, nil
}

// RecordBuild stores the name of the serialized input blob and its size.
func (s *DatasetStore) RecordBuild(ctx context.Context, id primitive.ObjectID, blobName string, datapoints int) error {
	return s.update(ctx, id, bson.M{"$set": bson.M{"blobName": blobName, "datapointCount": datapoints}})
}

// SetAnalysisStatus writes status.<method>.
func (s *DatasetStore) SetAnalysisStatus(ctx context.Context, id primitive.ObjectID, method string, status AnalysisStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	return s.update(ctx, id, bson.M{"$set": bson.M{"status." + method: status}})
}

func (s *DatasetStore) update(ctx context.Context, id primitive.ObjectID, update bson.M) error {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update dataset %s: %w", id.Hex(), err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("dataset %s: %w", id.Hex(), ErrNotFound)
	}
	return nil
}
