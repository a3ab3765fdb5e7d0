package store

import "time"

// Status represents the status of an outbox queue item.
type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusError  Status = "error"
)

// QueueItem is one row of the delivery outbox. Items move from queued to
// sent or to error; error rows stay parked until resubmitted externally.
type QueueItem struct {
	ID        int64             `json:"id"`
	DealID    int64             `json:"deal_id"`
	EventType string            `json:"event_type"`
	Payload   map[string]string `json:"payload"`
	Status    Status            `json:"status"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	SentAt    time.Time         `json:"sent_at,omitempty"`
}
