package store

import "time"

// DealState is the persistent record tracking what was last processed for a
// deal. Rows are append/update only, never deleted.
type DealState struct {
	DealID       int64     `json:"deal_id"`
	LastStageID  string    `json:"last_stage_id"`
	LastSentHash string    `json:"last_sent_hash"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Lock fields are write-once: once a deal has been routed, every later
	// resolution reuses them verbatim. Zero values mean no lock yet.
	LockedCounterID int64  `json:"locked_counter_id,omitempty"`
	LockedToken     string `json:"locked_token,omitempty"`
	LockedKey       string `json:"locked_key,omitempty"`
}

// Locked reports whether a sticky route has been recorded for the deal.
func (s *DealState) Locked() bool {
	return s.LockedCounterID > 0 && s.LockedToken != ""
}

// DealStateUpsert is the argument to UpsertDealState. Stage and hash are
// overwritten unconditionally; lock fields only fill previously-null columns
// (first writer wins).
type DealStateUpsert struct {
	DealID          int64
	LastStageID     string
	LastSentHash    string
	LockedCounterID int64
	LockedToken     string
	LockedKey       string
}
