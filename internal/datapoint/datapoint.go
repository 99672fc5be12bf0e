// Package datapoint normalizes instrument export files into measurement records,
// resolves duplicate records across uploads and renders them back to CSV.
package datapoint

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Datapoint is one normalized tapstand/household measurement pair.
// Nil fields are values that were missing or could not be parsed.
type Datapoint struct {
	TsDate *time.Time `bson:"tsDate" json:"tsDate"`
	HhDate *time.Time `bson:"hhDate" json:"hhDate"`
	TsFrc  *float64   `bson:"tsFrc" json:"tsFrc"`
	HhFrc  *float64   `bson:"hhFrc" json:"hhFrc"`
	TsCond *int       `bson:"tsCond" json:"tsCond"`
	TsTemp *int       `bson:"tsTemp" json:"tsTemp"`
}

// Record is a persisted Datapoint tagged with the upload it came from.
type Record struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	Datapoint    `bson:",inline"`
	Upload       primitive.ObjectID `bson:"upload" json:"upload"`
	Fieldsite    primitive.ObjectID `bson:"fieldsite" json:"fieldsite"`
	DateUploaded time.Time          `bson:"dateUploaded" json:"dateUploaded"`
	Overwriting  bool               `bson:"overwriting" json:"overwriting"`
}

// Tags carries the upload attributes stamped on every record of one upload.
type Tags struct {
	Upload       primitive.ObjectID
	Fieldsite    primitive.ObjectID
	DateUploaded time.Time
	Overwriting  bool
}

// Tag wraps dp into a Record carrying t.
func (t Tags) Tag(dp Datapoint) Record {
	return Record{
		Datapoint:    dp,
		Upload:       t.Upload,
		Fieldsite:    t.Fieldsite,
		DateUploaded: t.DateUploaded,
		Overwriting:  t.Overwriting,
	}
}

// TagAll tags every datapoint of one upload, preserving order.
func (t Tags) TagAll(dps []Datapoint) []Record {
	out := make([]Record, 0, len(dps))
	for _, dp := range dps {
		out = append(out, t.Tag(dp))
	}
	return out
}

// Key is the deduplication identity of a datapoint.
type Key struct {
	tsSet bool
	ts    int64
	hhSet bool
	hh    int64
}

// Key returns the (tsDate, hhDate) identity of dp. Two nulls compare equal.
func (dp Datapoint) Key() Key {
	var k Key
	if dp.TsDate != nil {
		k.tsSet = true
		k.ts = dp.TsDate.UnixMicro()
	}
	if dp.HhDate != nil {
		k.hhSet = true
		k.hh = dp.HhDate.UnixMicro()
	}
	return k
}

// SameIdentity reports whether dp and other share both timestamps.
func (dp Datapoint) SameIdentity(other Datapoint) bool {
	return dp.Key() == other.Key()
}
