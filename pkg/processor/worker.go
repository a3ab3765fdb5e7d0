// Package processor runs the background delivery worker that drains the
// outbox queue.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/metrika-bridge/pkg/config"
	"github.com/zoff-tech/metrika-bridge/pkg/metrika"
	"github.com/zoff-tech/metrika-bridge/pkg/store"
)

// Sender performs a single delivery attempt.
type Sender interface {
	Send(ctx context.Context, p metrika.Payload) error
}

// Worker drains the outbox queue and delivers payloads to the measurement
// endpoint. Exactly one Worker runs per process; the queue does no row
// claiming.
type Worker struct {
	queue  store.QueueRepository
	states store.DealStateRepository
	sender Sender
	tracer trace.Tracer
	log    *slog.Logger

	batchSize     int
	pollInterval  time.Duration
	maxAttempts   int
	retryBackoff  time.Duration
	errorCooldown time.Duration
}

func NewWorker(queue store.QueueRepository, states store.DealStateRepository, sender Sender, cfg *config.Settings, log *slog.Logger) *Worker {
	return &Worker{
		queue:         queue,
		states:        states,
		sender:        sender,
		tracer:        otel.Tracer("metrika-bridge"),
		log:           log,
		batchSize:     cfg.Worker.BatchSize,
		pollInterval:  cfg.Worker.PollInterval,
		maxAttempts:   cfg.Metrika.MaxAttempts,
		retryBackoff:  cfg.Metrika.RetryBackoff,
		errorCooldown: 500 * time.Millisecond,
	}
}

// Run polls the queue until ctx is canceled. Faults in the outer loop
// (storage unreachable) pause the loop and resume; faults in one item are
// contained to that item.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker_started")
	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := w.queue.FetchBatch(ctx, w.batchSize)
		if err != nil {
			w.log.Error("worker_loop_error", "error", err)
			if !w.pause(ctx, w.pollInterval) {
				return
			}
			continue
		}
		if len(batch) == 0 {
			if !w.pause(ctx, w.pollInterval) {
				return
			}
			continue
		}

		for _, item := range batch {
			if ctx.Err() != nil {
				return
			}
			w.handleItem(ctx, item)
		}
	}
}

func (w *Worker) handleItem(ctx context.Context, item store.QueueItem) {
	ctx, span := w.tracer.Start(ctx, "DeliverQueueItem", trace.WithAttributes(
		attribute.Int64("item.id", item.ID),
		attribute.Int64("item.deal_id", item.DealID),
		attribute.String("item.event_type", item.EventType),
	))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("panic: %v", rec)
			span.SetStatus(codes.Error, msg)
			w.log.Error("event_send_panic", "queue_id", item.ID, "error", msg)
			if err := w.queue.MarkError(ctx, item.ID, 1, msg); err != nil {
				w.log.Error("mark_error_failed", "queue_id", item.ID, "error", err)
			}
			w.pause(ctx, w.errorCooldown)
		}
	}()

	attempts, err := w.deliver(ctx, metrika.Payload(item.Payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.log.Error("event_send_failed", "queue_id", item.ID, "attempts", attempts, "error", err)
		if markErr := w.queue.MarkError(ctx, item.ID, attempts, err.Error()); markErr != nil {
			w.log.Error("mark_error_failed", "queue_id", item.ID, "error", markErr)
		}
		w.pause(ctx, w.errorCooldown)
		return
	}

	if err := w.queue.MarkSent(ctx, item.ID); err != nil {
		w.log.Error("mark_sent_failed", "queue_id", item.ID, "error", err)
		return
	}
	w.resyncHash(ctx, item)
	w.log.Info("event_sent", "queue_id", item.ID, "deal_id", item.DealID, "type", item.EventType)
}

// deliver retries with exponential backoff (retryBackoff * 2^(n-1)) up to
// maxAttempts. A rejection from the endpoint stops retrying immediately.
func (w *Worker) deliver(ctx context.Context, p metrika.Payload) (int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.retryBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := w.sender.Send(ctx, p)
		if errors.Is(err, metrika.ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(w.maxAttempts-1)), ctx))
	return attempts, err
}

// resyncHash refreshes the deal's last-sent hash after a confirmed send if
// it drifted from what the resolver recorded at enqueue time.
func (w *Worker) resyncHash(ctx context.Context, item store.QueueItem) {
	hash := metrika.Hash(metrika.Payload(item.Payload))
	state, err := w.states.GetDealState(ctx, item.DealID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.log.Error("state_resync_failed", "deal_id", item.DealID, "error", err)
		}
		return
	}
	if state.LastSentHash == hash {
		return
	}
	if err := w.states.UpdateLastSentHash(ctx, item.DealID, hash); err != nil {
		w.log.Error("state_resync_failed", "deal_id", item.DealID, "error", err)
	}
}

// pause sleeps for d, returning false when ctx was canceled first.
func (w *Worker) pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
