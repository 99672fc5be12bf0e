// Package jobs defines the Kafka job envelope shared by the api and worker,
// the typed payloads of each job type and their validation.
package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SchemaVersion is the only envelope version this module produces and accepts.
const SchemaVersion = "1.0"

// Supported job types.
const (
	TypeStandardize = "standardize"
	TypeAnalysis    = "analysis"
)

// Analysis methods, one container image each.
const (
	MethodANN = "ann"
	MethodEO  = "eo"
)

// DefaultTopicTemplate maps a job type to its topic.
const DefaultTopicTemplate = "jobs.%s.v1"

// SupportedTypes lists the job types the worker can route.
var SupportedTypes = []string{TypeStandardize, TypeAnalysis}

// SupportedMethods lists the analysis methods a job may request.
var SupportedMethods = []string{MethodANN, MethodEO}

// ErrPermanent marks a failure that redelivery cannot fix. The worker records
// the job as failed and commits the offset.
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Envelope is the canonical Kafka job message.
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	JobID         string          `json:"job_id"`
	JobType       string          `json:"job_type"`
	SubmittedAt   string          `json:"submitted_at"`
	TraceID       string          `json:"trace_id"`
	Payload       json.RawMessage `json:"payload"`
}

// StandardizePayload asks the worker to parse every file of one upload.
type StandardizePayload struct {
	UploadID string `json:"upload_id"`
}

// AnalysisPayload asks the worker to build and analyze one dataset.
type AnalysisPayload struct {
	DatasetID string   `json:"dataset_id"`
	Methods   []string `json:"methods,omitempty"`
}

// New builds an envelope with fresh job and trace ids.
func New(jobType string, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload: %w", err)
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		JobID:         uuid.NewString(),
		JobType:       jobType,
		SubmittedAt:   now.UTC().Format(time.RFC3339),
		TraceID:       uuid.NewString(),
		Payload:       raw,
	}, nil
}

// Decode validates and parses an envelope.
func Decode(raw []byte) (Envelope, error) {
	if len(raw) == 0 {
		return Envelope{}, errors.New("empty message payload")
	}

	var msg Envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Envelope{}, fmt.Errorf("decode failed: %w", err)
	}

	msg.SchemaVersion = strings.TrimSpace(msg.SchemaVersion)
	msg.JobID = strings.TrimSpace(msg.JobID)
	msg.JobType = strings.ToLower(strings.TrimSpace(msg.JobType))
	msg.SubmittedAt = strings.TrimSpace(msg.SubmittedAt)
	msg.TraceID = strings.TrimSpace(msg.TraceID)

	if msg.SchemaVersion != "" && msg.SchemaVersion != SchemaVersion {
		return Envelope{}, fmt.Errorf("unsupported schema_version: %s", msg.SchemaVersion)
	}
	if msg.JobID == "" {
		return Envelope{}, errors.New("job_id is required")
	}
	if msg.JobType == "" {
		return Envelope{}, errors.New("job_type is required")
	}
	if msg.SubmittedAt == "" {
		return Envelope{}, errors.New("submitted_at is required")
	}
	if msg.TraceID == "" {
		return Envelope{}, errors.New("trace_id is required")
	}
	if len(msg.Payload) == 0 {
		return Envelope{}, errors.New("payload is required")
	}
	if _, err := time.Parse(time.RFC3339, msg.SubmittedAt); err != nil {
		return Envelope{}, fmt.Errorf("submitted_at must be RFC3339: %w", err)
	}
	return msg, nil
}

// DecodeObject decodes one JSON value strictly and rejects trailing tokens.
func DecodeObject(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values are not allowed")
	}
	return nil
}

// Standardize decodes and validates the payload of a standardize job.
func (e Envelope) Standardize() (StandardizePayload, error) {
	var p StandardizePayload
	if err := DecodeObject(e.Payload, &p); err != nil {
		return StandardizePayload{}, fmt.Errorf("invalid standardize payload: %w", err)
	}
	p.UploadID = strings.TrimSpace(p.UploadID)
	if err := ValidateObjectID("upload_id", p.UploadID); err != nil {
		return StandardizePayload{}, err
	}
	return p, nil
}

// Analysis decodes and validates the payload of an analysis job. An empty
// method list selects every supported method.
func (e Envelope) Analysis() (AnalysisPayload, error) {
	var p AnalysisPayload
	if err := DecodeObject(e.Payload, &p); err != nil {
		return AnalysisPayload{}, fmt.Errorf("invalid analysis payload: %w", err)
	}
	p.DatasetID = strings.TrimSpace(p.DatasetID)
	if err := ValidateObjectID("dataset_id", p.DatasetID); err != nil {
		return AnalysisPayload{}, err
	}
	methods, err := NormalizeMethods(p.Methods)
	if err != nil {
		return AnalysisPayload{}, err
	}
	p.Methods = methods
	return p, nil
}

// ValidateObjectID reports whether value is a 24 character hex document id.
func ValidateObjectID(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !primitive.IsValidObjectID(value) {
		return fmt.Errorf("%s must be a 24 character hex object id", field)
	}
	return nil
}

// NormalizeMethods lowercases, validates and deduplicates analysis methods.
func NormalizeMethods(methods []string) ([]string, error) {
	if len(methods) == 0 {
		return slices.Clone(SupportedMethods), nil
	}
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if !slices.Contains(SupportedMethods, m) {
			return nil, fmt.Errorf("unsupported analysis method: %s", m)
		}
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return slices.Clone(SupportedMethods), nil
	}
	return out, nil
}

// NormalizeTypes validates configured job types and removes duplicates.
func NormalizeTypes(jobTypes []string) ([]string, error) {
	if len(jobTypes) == 0 {
		return nil, errors.New("at least one job type is required")
	}

	normalized := make([]string, 0, len(jobTypes))
	for _, jobType := range jobTypes {
		jobType = strings.ToLower(strings.TrimSpace(jobType))
		if jobType == "" {
			continue
		}
		if !slices.Contains(SupportedTypes, jobType) {
			return nil, fmt.Errorf("unsupported job type: %s", jobType)
		}
		if !slices.Contains(normalized, jobType) {
			normalized = append(normalized, jobType)
		}
	}
	if len(normalized) == 0 {
		return nil, errors.New("at least one supported job type is required")
	}
	return normalized, nil
}

// TopicFor returns the topic a job type is published on.
func TopicFor(jobType, overrideTopic, topicTemplate string) string {
	if overrideTopic != "" {
		return overrideTopic
	}
	if strings.Contains(topicTemplate, "%s") {
		return fmt.Sprintf(topicTemplate, jobType)
	}
	return topicTemplate
}

// ResolveTopics returns the distinct topics for jobTypes.
func ResolveTopics(jobTypes []string, overrideTopic, topicTemplate string) []string {
	if overrideTopic != "" {
		return []string{overrideTopic}
	}

	topics := make([]string, 0, len(jobTypes))
	for _, jobType := range jobTypes {
		topic := TopicFor(jobType, "", topicTemplate)
		if !slices.Contains(topics, topic) {
			topics = append(topics, topic)
		}
	}
	return topics
}
