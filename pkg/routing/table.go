// Package routing resolves normalized routing keys to measurement counters.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zoff-tech/metrika-bridge/pkg/config"
	"github.com/zoff-tech/metrika-bridge/pkg/store"
)

// ErrNoRoute is returned when neither the table nor the default policy can
// resolve a key.
var ErrNoRoute = errors.New("routing: no route for key")

// Entry is a resolved route.
type Entry struct {
	CounterID int64
	Token     string
	Key       string
}

// Table is a read-mostly cache over the persisted routing set merged with
// static overrides. Lookups older than the staleness window trigger a
// synchronous reload; concurrent reloads are idempotent (last writer wins,
// the map is swapped whole, never mutated in place).
type Table struct {
	repo   store.RoutingRepository
	static map[string]Entry
	ttl    time.Duration
	log    *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	cache    map[string]Entry
	loadedAt time.Time
}

func NewTable(repo store.RoutingRepository, cfg config.RoutingSettings, log *slog.Logger) *Table {
	static := make(map[string]Entry, len(cfg.Static))
	for _, r := range cfg.Static {
		key := Normalize(r.Key)
		static[key] = Entry{CounterID: r.CounterID, Token: r.Token, Key: key}
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Table{
		repo:   repo,
		static: static,
		ttl:    ttl,
		log:    log,
		now:    time.Now,
	}
}

// Normalize trims and lowercases a routing key.
func Normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Refresh reloads the cache from the store and re-applies static overrides.
func (t *Table) Refresh(ctx context.Context) error {
	entries, err := t.repo.ActiveRoutes(ctx)
	if err != nil {
		return fmt.Errorf("routing refresh: %w", err)
	}

	next := make(map[string]Entry, len(entries)+len(t.static))
	for _, e := range entries {
		key := Normalize(e.Key)
		next[key] = Entry{CounterID: e.CounterID, Token: e.Token, Key: key}
	}
	// Static overrides win on key collision.
	for key, e := range t.static {
		next[key] = e
	}

	t.mu.Lock()
	t.cache = next
	t.loadedAt = t.now()
	t.mu.Unlock()

	t.log.Info("routing_refreshed", "count", len(next))
	return nil
}

// Pick resolves a normalized key. A miss is reported as ErrNoRoute and left
// to the caller's default policy.
func (t *Table) Pick(ctx context.Context, key string) (Entry, error) {
	t.mu.RLock()
	stale := t.cache == nil || t.now().Sub(t.loadedAt) > t.ttl
	t.mu.RUnlock()

	if stale {
		if err := t.Refresh(ctx); err != nil {
			t.mu.RLock()
			loaded := t.cache != nil
			t.mu.RUnlock()
			if !loaded {
				return Entry{}, err
			}
			// A stale cache is safe to serve; only log the failed reload.
			t.log.Warn("routing_refresh_failed", "error", err)
		}
	}

	norm := Normalize(key)
	t.mu.RLock()
	entry, ok := t.cache[norm]
	t.mu.RUnlock()
	if !ok {
		t.log.Warn("routing_miss", "key", norm)
		return Entry{}, fmt.Errorf("%w: %q", ErrNoRoute, norm)
	}
	return entry, nil
}
