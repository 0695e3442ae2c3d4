// Package store implements the tiered message store: an append-only
// Redis Stream cache fronting a durable Postgres table, written through a
// bounded persist queue and drained by a periodic batch persister.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chatfanout/platform/internal/v1/bus"
	"github.com/chatfanout/platform/internal/v1/errs"
	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/chatfanout/platform/internal/v1/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Message is a room message as surfaced to readers, independent of which
// tier it was served from.
type Message struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// PendingMessage is a message awaiting a server-assigned id.
type PendingMessage struct {
	UserID    string
	Content   string
	Timestamp int64
}

// Store is the tiered writer/reader over the routing store's cache tier
// and a Postgres durable tier.
type Store struct {
	bus *bus.Service
	db  *pgxpool.Pool
}

// New wires a Store to its cache and durable backends. db may be nil in
// tests that only exercise the cache tier.
func New(busSvc *bus.Service, db *pgxpool.Pool) *Store {
	return &Store{bus: busSvc, db: db}
}

// StoreTiered appends each message to the cache Stream and enqueues it for
// durable persistence. Every message is assigned a cache id (ID field) on
// return. Returns an error if any append or enqueue fails; prior appends
// within the same call are not rolled back — callers may safely retry
// with the same content (idempotent re-send is expected by the writer
// contract).
func (s *Store) StoreTiered(ctx context.Context, roomID string, msgs []PendingMessage) ([]Message, error) {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		rec := bus.StreamRecord{RoomID: roomID, UserID: m.UserID, Content: m.Content, Timestamp: m.Timestamp}
		id, err := s.bus.AppendMessage(ctx, roomID, rec)
		if err != nil {
			return out, fmt.Errorf("append message to cache: %w", err)
		}
		if err := s.bus.EnqueuePersist(ctx, id, rec); err != nil {
			return out, fmt.Errorf("enqueue durable write: %w", err)
		}
		out = append(out, Message{ID: id, RoomID: roomID, UserID: m.UserID, Content: m.Content, Timestamp: m.Timestamp})
	}
	return out, nil
}

// GetRoomHistoryTiered reads up to count recent messages for roomID,
// newest first. cursor, if non-empty, is the last-seen message id; results
// are exclusive of it. The cache is read first; if it returns fewer than
// count, the shortfall is backfilled from the durable store, de-duplicated
// by message id (cache entries win). hasMore is true iff the page filled.
func (s *Store) GetRoomHistoryTiered(ctx context.Context, roomID string, count int64, cursor string) (msgs []Message, hasMore bool, err error) {
	cached, err := s.bus.RecentMessages(ctx, roomID, count, cursor)
	if err != nil {
		return nil, false, fmt.Errorf("read cache history: %w", err)
	}

	seen := make(map[string]struct{}, len(cached))
	for _, c := range cached {
		msgs = append(msgs, Message{ID: c.ID, RoomID: c.RoomID, UserID: c.UserID, Content: c.Content, Timestamp: c.Timestamp})
		seen[c.ID] = struct{}{}
	}

	if int64(len(msgs)) >= count || s.db == nil {
		return msgs, int64(len(msgs)) >= count, nil
	}

	remaining := count - int64(len(msgs))
	rows, err := s.db.Query(ctx,
		`SELECT redis_id, room_id, user_id, content, timestamp FROM messages
		 WHERE room_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		roomID, remaining)
	if err != nil {
		return msgs, len(msgs) > 0, fmt.Errorf("%w: durable history query: %v", errs.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Content, &m.Timestamp); err != nil {
			return msgs, len(msgs) > 0, fmt.Errorf("scan durable row: %w", err)
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		msgs = append(msgs, m)
		seen[m.ID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return msgs, len(msgs) > 0, fmt.Errorf("iterate durable rows: %w", err)
	}

	return msgs, int64(len(msgs)) >= count, nil
}

// Persister drains the persist queue into Postgres on a fixed cadence.
type Persister struct {
	store     *Store
	batchSize int64
	interval  time.Duration
	firstFire time.Duration
}

// NewPersister builds a batch persister. firstFire controls the delay of
// the first tick (spec: T+5s); interval controls the steady-state cadence
// (spec: 10s).
func NewPersister(s *Store, batchSize int, interval, firstFire time.Duration) *Persister {
	return &Persister{store: s, batchSize: int64(batchSize), interval: interval, firstFire: firstFire}
}

// Run drives the timer loop until ctx is cancelled. It uses a reset
// time.Timer rather than a time.Ticker so the first-fire delay can differ
// from the steady-state interval and cancellation is a single ctx.Done()
// select.
func (p *Persister) Run(ctx context.Context) {
	timer := time.NewTimer(p.firstFire)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.tick(ctx)
			timer.Reset(p.interval)
		}
	}
}

func (p *Persister) tick(ctx context.Context) {
	entries, err := p.store.bus.DequeuePersistBatch(ctx, p.batchSize)
	if err != nil {
		logging.GetLogger().Error("persister: failed to read persist queue", zap.Error(err))
		metrics.PersisterTicksTotal.WithLabelValues("dequeue_failed").Inc()
		return
	}
	if len(entries) == 0 {
		metrics.PersisterTicksTotal.WithLabelValues("empty").Inc()
		return
	}

	metrics.PersisterBatchSize.Observe(float64(len(entries)))

	if p.store.db == nil {
		logging.GetLogger().Warn("persister: no durable store configured, leaving queue intact")
		metrics.PersisterTicksTotal.WithLabelValues("no_durable_store").Inc()
		return
	}

	if err := p.insertBatch(ctx, entries); err != nil {
		logging.GetLogger().Error("persister: batch insert failed, retrying next tick", zap.Error(err), zap.Int("batch_size", len(entries)))
		metrics.PersisterTicksTotal.WithLabelValues("insert_failed").Inc()
		return
	}

	if err := p.store.bus.TrimPersistQueue(ctx, int64(len(entries))); err != nil {
		logging.GetLogger().Error("persister: commit succeeded but queue trim failed", zap.Error(err))
		metrics.PersisterTicksTotal.WithLabelValues("trim_failed").Inc()
		return
	}

	metrics.PersisterTicksTotal.WithLabelValues("ok").Inc()
}

// insertBatch issues a single multi-row INSERT ... ON CONFLICT (redis_id)
// DO NOTHING, so a batch re-processed after a crash (queue not yet
// trimmed) never double-inserts.
func (p *Persister) insertBatch(ctx context.Context, entries []bus.PersistEntry) error {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{e.RedisID, e.RoomID, e.UserID, e.Content, e.Timestamp})
	}

	query := `INSERT INTO messages (redis_id, room_id, user_id, content, timestamp) VALUES `
	args := make([]any, 0, len(rows)*5)
	for i, r := range rows {
		if i > 0 {
			query += ", "
		}
		base := i * 5
		query += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, r...)
	}
	query += " ON CONFLICT (redis_id) DO NOTHING"

	_, err := p.store.db.Exec(ctx, query, args...)
	return err
}
