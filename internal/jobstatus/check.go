package jobstatus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// CheckRequest asks the worker for a job's status over RabbitMQ request/reply.
// The reply body is a Snapshot.
type CheckRequest struct {
	JobID       string `json:"job_id"`
	RequestID   string `json:"request_id"`
	RequestedAt string `json:"requested_at"`
}

// DecodeCheckRequest validates and parses a status request body.
func DecodeCheckRequest(raw []byte) (CheckRequest, error) {
	var req CheckRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return CheckRequest{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return CheckRequest{}, errors.New("multiple JSON values are not allowed")
	}

	req.JobID = strings.TrimSpace(req.JobID)
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.RequestedAt = strings.TrimSpace(req.RequestedAt)

	if req.JobID == "" {
		return CheckRequest{}, errors.New("job_id is required")
	}
	if req.RequestID == "" {
		return CheckRequest{}, errors.New("request_id is required")
	}
	if req.RequestedAt == "" {
		return CheckRequest{}, errors.New("requested_at is required")
	}
	if _, err := time.Parse(time.RFC3339, req.RequestedAt); err != nil {
		return CheckRequest{}, fmt.Errorf("requested_at must be RFC3339: %w", err)
	}
	return req, nil
}

// Publishing wraps r as the RabbitMQ request whose answer goes to replyTo.
func (r CheckRequest) Publishing(replyTo string) (amqp.Publishing, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("check request encode failed: %w", err)
	}
	at, _ := time.Parse(time.RFC3339, r.RequestedAt)
	return amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: r.RequestID,
		ReplyTo:       replyTo,
		Body:          body,
		Timestamp:     at,
	}, nil
}

// ErrInvalidCheck marks a check delivery that can never be answered.
var ErrInvalidCheck = errors.New("invalid status check")

// Check is a status request read off a delivery, with its reply routing.
type Check struct {
	CheckRequest
	CorrelationID string
	ReplyTo       string
}

// ReadCheck validates the routing properties and body of d. Every error wraps
// ErrInvalidCheck.
func ReadCheck(d amqp.Delivery) (Check, error) {
	c := Check{
		CorrelationID: strings.TrimSpace(d.CorrelationId),
		ReplyTo:       strings.TrimSpace(d.ReplyTo),
	}
	if c.CorrelationID == "" || c.ReplyTo == "" {
		return c, fmt.Errorf("%w: missing correlation_id/reply_to correlation_id=%q reply_to=%q", ErrInvalidCheck, c.CorrelationID, c.ReplyTo)
	}
	req, err := DecodeCheckRequest(d.Body)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCheck, err)
	}
	c.CheckRequest = req
	return c, nil
}

// Answer renders snap as the correlated reply to c.
func (c Check) Answer(snap Snapshot, at time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("%w: reply encode failed: %v", ErrInvalidCheck, err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: c.CorrelationID,
		ReplyTo:       c.ReplyTo,
		Body:          body,
		Timestamp:     at.UTC(),
	}, nil
}
