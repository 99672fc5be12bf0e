package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/safeh2o/swot-analysis-web/internal/datapoint"
)

// DatapointStore holds standardized datapoints tagged with their upload.
type DatapointStore struct {
	collection *mongo.Collection
	logger     *log.Logger
}

func (s *DatapointStore) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "fieldsite", Value: 1}, {Key: "tsDate", Value: 1}},
			Options: options.Index().SetName("fieldsite_tsDate"),
		},
		{
			Keys:    bson.D{{Key: "upload", Value: 1}},
			Options: options.Index().SetName("upload"),
		},
	})
	if err != nil {
		return err
	}
	s.logger.Printf("mongo index ensured collection=%s index=fieldsite_tsDate,upload", s.collection.Name())
	return nil
}

// ReplaceUpload removes any datapoints previously imported for upload, then
// inserts records in batches of at most batch documents. Replaying an import
// therefore never duplicates its datapoints.
func (s *DatapointStore) ReplaceUpload(ctx context.Context, upload primitive.ObjectID, records []datapoint.Record, batch int) (int, error) {
	del, err := s.collection.DeleteMany(ctx, bson.M{"upload": upload})
	if err != nil {
		return 0, fmt.Errorf("delete datapoints of upload %s: %w", upload.Hex(), err)
	}
	if del.DeletedCount > 0 {
		s.logger.Printf("previous import removed upload_id=%s datapoints=%d", upload.Hex(), del.DeletedCount)
	}

	inserted := 0
	for _, chunk := range batches(records, batch) {
		docs := make([]any, len(chunk))
		for i := range chunk {
			docs[i] = chunk[i]
		}
		res, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
		if err != nil {
			return inserted, fmt.Errorf("insert datapoints of upload %s: %w", upload.Hex(), err)
		}
		inserted += len(res.InsertedIDs)
	}
	return inserted, nil
}

// FindWindow returns the datapoints of fieldsite whose tsDate lies within
// [start, end], in insertion order. A nil bound leaves that side open.
func (s *DatapointStore) FindWindow(ctx context.Context, fieldsite primitive.ObjectID, start, end *time.Time) ([]datapoint.Record, error) {
	cur, err := s.collection.Find(ctx, windowFilter(fieldsite, start, end), options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find datapoints of fieldsite %s: %w", fieldsite.Hex(), err)
	}
	var out []datapoint.Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode datapoints of fieldsite %s: %w", fieldsite.Hex(), err)
	}
	return out, nil
}

func windowFilter(fieldsite primitive.ObjectID, start, end *time.Time) bson.M {
	filter := bson.M{"fieldsite": fieldsite}
	if start == nil && end == nil {
		return filter
	}
	window := bson.M{}
	if start != nil {
		window["$gte"] = start.UTC()
	}
	if end != nil {
		window["$lte"] = end.UTC()
	}
	filter["tsDate"] = window
	return filter
}

func batches(records []datapoint.Record, size int) [][]datapoint.Record {
	if size < 1 {
		size = len(records)
	}
	var out [][]datapoint.Record
	for len(records) > 0 {
		n := min(size, len(records))
		out = append(out, records[:n])
		records = records[n:]
	}
	return out
}
