package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
)

const tracerName = "metrika-bridge"

// PostgresRepository implements Repository on top of database/sql with the
// lib/pq driver.
type PostgresRepository struct {
	db *sql.DB
}

func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaPostgres); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

func (p *PostgresRepository) GetDealState(ctx context.Context, dealID int64) (*DealState, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "GetDealState")
	defer span.End()

	const q = `SELECT deal_id, last_stage_id, last_sent_hash, locked_counter_id, locked_token, locked_key, updated_at
               FROM deal_state WHERE deal_id=$1`
	start := time.Now()

	var (
		state         DealState
		lockedCounter sql.NullInt64
		lockedToken   sql.NullString
		lockedKey     sql.NullString
	)
	err := p.db.QueryRowContext(ctx, q, dealID).Scan(
		&state.DealID, &state.LastStageID, &state.LastSentHash,
		&lockedCounter, &lockedToken, &lockedKey, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get deal state: %w", err)
	}
	state.LockedCounterID = lockedCounter.Int64
	state.LockedToken = lockedToken.String
	state.LockedKey = lockedKey.String

	addDBStatsToSpan(span, "postgresql", q, 1, time.Since(start))
	return &state, nil
}

// UpsertDealState is the single atomic statement behind sticky routing: the
// COALESCE on the lock columns makes the first writer win and every later
// upsert a no-op for those columns.
func (p *PostgresRepository) UpsertDealState(ctx context.Context, up DealStateUpsert) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "UpsertDealState")
	defer span.End()

	const q = `INSERT INTO deal_state
                 (deal_id, last_stage_id, last_sent_hash, locked_counter_id, locked_token, locked_key, updated_at)
               VALUES ($1, $2, $3, $4, $5, $6, NOW())
               ON CONFLICT (deal_id) DO UPDATE SET
                 last_stage_id     = EXCLUDED.last_stage_id,
                 last_sent_hash    = EXCLUDED.last_sent_hash,
                 locked_counter_id = COALESCE(deal_state.locked_counter_id, EXCLUDED.locked_counter_id),
                 locked_token      = COALESCE(deal_state.locked_token, EXCLUDED.locked_token),
                 locked_key        = COALESCE(deal_state.locked_key, EXCLUDED.locked_key),
                 updated_at        = NOW()`
	start := time.Now()

	_, err := p.db.ExecContext(ctx, q,
		up.DealID, up.LastStageID, up.LastSentHash,
		nullInt64(up.LockedCounterID), nullString(up.LockedToken), nullString(up.LockedKey))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert deal state: %w", err)
	}

	addDBStatsToSpan(span, "postgresql", q, 1, time.Since(start))
	return nil
}

func (p *PostgresRepository) UpdateLastSentHash(ctx context.Context, dealID int64, hash string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE deal_state SET last_sent_hash=$1, updated_at=NOW() WHERE deal_id=$2`, hash, dealID)
	if err != nil {
		return fmt.Errorf("failed to update last sent hash: %w", err)
	}
	return nil
}

func (p *PostgresRepository) Enqueue(ctx context.Context, dealID int64, eventType string, payload map[string]string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Enqueue")
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	const q = `INSERT INTO metrika_queue (deal_id, event_type, payload, status) VALUES ($1, $2, $3, 'queued')`
	start := time.Now()
	if _, err := p.db.ExecContext(ctx, q, dealID, eventType, string(raw)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to enqueue: %w", err)
	}

	addDBStatsToSpan(span, "postgresql", q, 1, time.Since(start))
	return nil
}

func (p *PostgresRepository) FetchBatch(ctx context.Context, limit int) ([]QueueItem, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "FetchBatch")
	defer span.End()

	const q = `SELECT id, deal_id, event_type, payload, status, attempts, last_error, created_at, sent_at
               FROM metrika_queue WHERE status='queued' ORDER BY id LIMIT $1`
	start := time.Now()

	rows, err := p.db.QueryContext(ctx, q, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch batch: %w", err)
	}
	defer rows.Close()

	items, err := scanQueueItems(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", q, len(items), time.Since(start))
	return items, nil
}

func (p *PostgresRepository) MarkSent(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE metrika_queue SET status='sent', sent_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark sent: %w", err)
	}
	return nil
}

func (p *PostgresRepository) MarkError(ctx context.Context, id int64, attempts int, lastError string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE metrika_queue SET status='error', attempts=$1, last_error=$2 WHERE id=$3`,
		attempts, truncateError(lastError), id)
	if err != nil {
		return fmt.Errorf("failed to mark error: %w", err)
	}
	return nil
}

func (p *PostgresRepository) ActiveRoutes(ctx context.Context) ([]RoutingEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key, counter_id, token FROM metrika_routing WHERE is_active=TRUE`)
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

func scanQueueItems(rows *sql.Rows) ([]QueueItem, error) {
	var items []QueueItem
	for rows.Next() {
		var (
			item      QueueItem
			raw       string
			lastError sql.NullString
			sentAt    sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.DealID, &item.EventType, &raw,
			&item.Status, &item.Attempts, &lastError, &item.CreatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &item.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for item %d: %w", item.ID, err)
		}
		item.LastError = lastError.String
		item.SentAt = sentAt.Time
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v > 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

var _ Repository = (*PostgresRepository)(nil)
