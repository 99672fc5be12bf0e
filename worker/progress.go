package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/safeh2o/swot-analysis-web/internal/jobstatus"
)

// maxReconnectBackoff caps the delay between broken responder sessions.
const maxReconnectBackoff = time.Minute

// checkOutcome is how a status check delivery is settled.
type checkOutcome int

const (
	checkAnswered checkOutcome = iota
	checkDropped
	checkRetry
)

func (o checkOutcome) String() string {
	switch o {
	case checkAnswered:
		return "answered"
	case checkDropped:
		return "dropped"
	default:
		return "retry"
	}
}

// replyPublisher publishes one correlated reply.
type replyPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// runProgressResponder answers RabbitMQ status checks until ctx ends. Broken
// sessions are reopened with a backoff that grows until a session serves a check.
func (w *worker) runProgressResponder(ctx context.Context) error {
	failures := 0
	for {
		served, err := w.serveStatusChecks(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if served > 0 {
			failures = 0
		}
		failures++

		backoff := calculateRetryBackoff(w.cfg.Rabbit.ReconnectBackoff, maxReconnectBackoff, failures)
		w.logger.Printf("status check session failed served=%d failures=%d err=%v; reconnecting after=%s", served, failures, err, backoff)
		if err := sleepWithContext(ctx, backoff); err != nil {
			return nil
		}
	}
}

// serveStatusChecks consumes one channel until ctx ends or the channel breaks,
// and reports how many checks it settled.
func (w *worker) serveStatusChecks(ctx context.Context) (int, error) {
	ch, err := w.openProgressChannel()
	if err != nil {
		return 0, err
	}

	deliveries, err := ch.Consume(w.cfg.Rabbit.RequestQueue, w.cfg.Rabbit.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("rabbitmq consume setup failed: %w", err)
	}
	w.logger.Printf("status checks consuming queue=%s prefetch=%d", w.cfg.Rabbit.RequestQueue, w.cfg.Rabbit.Prefetch)

	served := 0
	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(w.cfg.Rabbit.ConsumerTag, false); err != nil {
				w.logger.Printf("status check consumer cancel failed: %v", err)
			}
			return served, nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return served, nil
				}
				return served, errors.New("rabbitmq deliveries channel closed unexpectedly")
			}
			w.settleCheck(d, w.answerStatusCheck(ctx, ch, d))
			served++
		}
	}
}

// openProgressChannel replaces the worker's progress channel with a fresh one.
func (w *worker) openProgressChannel() (*amqp.Channel, error) {
	if w.rabbitConn == nil {
		return nil, errors.New("rabbitmq connection is not configured")
	}
	if w.rabbitChan != nil && !w.rabbitChan.IsClosed() {
		_ = w.rabbitChan.Close()
	}

	ch, err := w.rabbitConn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if err := configureProgressChannel(ch, w.cfg.Rabbit); err != nil {
		_ = ch.Close()
		return nil, err
	}
	w.rabbitChan = ch
	return ch, nil
}

func (w *worker) settleCheck(d amqp.Delivery, outcome checkOutcome) {
	var err error
	if outcome == checkRetry {
		err = d.Nack(false, true)
	} else {
		err = d.Ack(false)
	}
	if err != nil {
		w.logger.Printf("status check settle failed delivery_tag=%d outcome=%s err=%v", d.DeliveryTag, outcome, err)
	}
}

// answerStatusCheck looks up the requested job and publishes its snapshot to
// the reply queue. Unanswerable checks are dropped; lookup and publish
// failures are retried.
func (w *worker) answerStatusCheck(ctx context.Context, pub replyPublisher, d amqp.Delivery) checkOutcome {
	w.metrics.rabbitRequests.Inc()

	check, err := jobstatus.ReadCheck(d)
	if err != nil {
		w.logger.Printf("dropping status check delivery_tag=%d err=%v", d.DeliveryTag, err)
		return checkDropped
	}
	if check.RequestID != check.CorrelationID {
		w.logger.Printf("status check correlation mismatch request_id=%s correlation_id=%s job_id=%s", check.RequestID, check.CorrelationID, check.JobID)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, w.cfg.CommitTimeout)
	defer cancel()

	snap, err := w.statusStore.Snapshot(lookupCtx, check.JobID)
	if err != nil {
		w.logger.Printf("status check lookup failed correlation_id=%s job_id=%s err=%v", check.CorrelationID, check.JobID, err)
		return checkRetry
	}
	reply, err := check.Answer(snap, time.Now())
	if err != nil {
		w.logger.Printf("dropping status check correlation_id=%s job_id=%s err=%v", check.CorrelationID, check.JobID, err)
		return checkDropped
	}
	if err := pub.PublishWithContext(lookupCtx, "", check.ReplyTo, false, false, reply); err != nil {
		w.logger.Printf("status check reply failed correlation_id=%s job_id=%s err=%v", check.CorrelationID, check.JobID, err)
		return checkRetry
	}

	w.logger.Printf("status check answered correlation_id=%s job_id=%s state=%s progress=%d", check.CorrelationID, snap.JobID, snap.State, snap.ProgressPercent)
	return checkAnswered
}
