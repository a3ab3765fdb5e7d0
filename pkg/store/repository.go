package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// DealStateRepository persists per-deal processing state.
type DealStateRepository interface {
	// GetDealState returns the state row for the deal, or ErrNotFound.
	GetDealState(ctx context.Context, dealID int64) (*DealState, error)
	// UpsertDealState overwrites stage and hash and fills lock fields only
	// if they are still null. The fill-if-null merge must be a single
	// atomic statement so that two concurrent resolutions cannot both win
	// the lock.
	UpsertDealState(ctx context.Context, up DealStateUpsert) error
	// UpdateLastSentHash refreshes the stored hash after a confirmed send.
	UpdateLastSentHash(ctx context.Context, dealID int64, hash string) error
}

// QueueRepository persists the delivery outbox.
//
// FetchBatch does no row claiming: the design assumes exactly one delivery
// worker per deployment. Running more than one worker requires adding
// row-level leasing first.
type QueueRepository interface {
	// Enqueue inserts a new queued item.
	Enqueue(ctx context.Context, dealID int64, eventType string, payload map[string]string) error
	// FetchBatch returns up to limit queued items, oldest first.
	FetchBatch(ctx context.Context, limit int) ([]QueueItem, error)
	// MarkSent records a successful delivery.
	MarkSent(ctx context.Context, id int64) error
	// MarkError parks the item terminally, recording the attempt count and
	// the last error message. Error items are never re-queued automatically.
	MarkError(ctx context.Context, id int64, attempts int, lastError string) error
}

// RoutingRepository reads the persisted routing table.
type RoutingRepository interface {
	// ActiveRoutes returns all active routing entries.
	ActiveRoutes(ctx context.Context) ([]RoutingEntry, error)
}

// Repository is the full durable-store surface shared by the webhook path
// and the delivery worker.
type Repository interface {
	DealStateRepository
	QueueRepository
	RoutingRepository

	// EnsureSchema creates the tables if they do not exist yet.
	EnsureSchema(ctx context.Context) error
	Close() error
}
