package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLiteRepository implements Repository for single-node deployments and
// tests. Same contract as the postgres backend, sqlite placeholder and
// upsert syntax.
type SQLiteRepository struct {
	db *sql.DB
}

func (s *SQLiteRepository) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQLite); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

func (s *SQLiteRepository) GetDealState(ctx context.Context, dealID int64) (*DealState, error) {
	var (
		state         DealState
		lockedCounter sql.NullInt64
		lockedToken   sql.NullString
		lockedKey     sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT deal_id, last_stage_id, last_sent_hash, locked_counter_id, locked_token, locked_key, updated_at
         FROM deal_state WHERE deal_id=?`, dealID).Scan(
		&state.DealID, &state.LastStageID, &state.LastSentHash,
		&lockedCounter, &lockedToken, &lockedKey, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deal state: %w", err)
	}
	state.LockedCounterID = lockedCounter.Int64
	state.LockedToken = lockedToken.String
	state.LockedKey = lockedKey.String
	return &state, nil
}

func (s *SQLiteRepository) UpsertDealState(ctx context.Context, up DealStateUpsert) error {
	// Single statement, same fill-if-null semantics as the postgres backend.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deal_state
           (deal_id, last_stage_id, last_sent_hash, locked_counter_id, locked_token, locked_key, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
         ON CONFLICT (deal_id) DO UPDATE SET
           last_stage_id     = excluded.last_stage_id,
           last_sent_hash    = excluded.last_sent_hash,
           locked_counter_id = COALESCE(deal_state.locked_counter_id, excluded.locked_counter_id),
           locked_token      = COALESCE(deal_state.locked_token, excluded.locked_token),
           locked_key        = COALESCE(deal_state.locked_key, excluded.locked_key),
           updated_at        = CURRENT_TIMESTAMP`,
		up.DealID, up.LastStageID, up.LastSentHash,
		nullInt64(up.LockedCounterID), nullString(up.LockedToken), nullString(up.LockedKey))
	if err != nil {
		return fmt.Errorf("failed to upsert deal state: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) UpdateLastSentHash(ctx context.Context, dealID int64, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deal_state SET last_sent_hash=?, updated_at=CURRENT_TIMESTAMP WHERE deal_id=?`, hash, dealID)
	if err != nil {
		return fmt.Errorf("failed to update last sent hash: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) Enqueue(ctx context.Context, dealID int64, eventType string, payload map[string]string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metrika_queue (deal_id, event_type, payload, status) VALUES (?, ?, ?, 'queued')`,
		dealID, eventType, string(raw))
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) FetchBatch(ctx context.Context, limit int) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, deal_id, event_type, payload, status, attempts, last_error, created_at, sent_at
         FROM metrika_queue WHERE status='queued' ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch batch: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (s *SQLiteRepository) MarkSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE metrika_queue SET status='sent', sent_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark sent: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) MarkError(ctx context.Context, id int64, attempts int, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE metrika_queue SET status='error', attempts=?, last_error=? WHERE id=?`,
		attempts, truncateError(lastError), id)
	if err != nil {
		return fmt.Errorf("failed to mark error: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) ActiveRoutes(ctx context.Context) ([]RoutingEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, counter_id, token FROM metrika_routing WHERE is_active=1`)
	if err != nil {
		return nil, fmt.Errorf("failed to load routing: %w", err)
	}
	defer rows.Close()

	var entries []RoutingEntry
	for rows.Next() {
		e := RoutingEntry{Active: true}
		if err := rows.Scan(&e.Key, &e.CounterID, &e.Token); err != nil {
			return nil, fmt.Errorf("failed to scan routing entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Repository = (*SQLiteRepository)(nil)
