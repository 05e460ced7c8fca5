package publish

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const outboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	analysis_id  TEXT NOT NULL UNIQUE,
	topic        TEXT NOT NULL,
	msg_key      TEXT NOT NULL,
	payload      BLOB NOT NULL,
	staged_at    TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	delivered_at TEXT
);
CREATE INDEX IF NOT EXISTS outbox_pending ON outbox (delivered_at) WHERE delivered_at IS NULL;
`

// Staged is one undelivered outbox row.
type Staged struct {
	ID         int64
	AnalysisID string
	Topic      string
	Key        string
	Payload    []byte
	Attempts   int
}

// Outbox stages events durably before broker delivery. A crash between
// staging and delivery is recovered by the replayer; duplicate staging of
// the same analysis_id is a no-op, giving at-least-once with dedupe at the
// source.
type Outbox struct {
	db    *sql.DB
	clock func() time.Time
}

// NewOutbox wraps an open SQLite handle.
func NewOutbox(db *sql.DB) *Outbox {
	return &Outbox{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (o *Outbox) WithClock(clock func() time.Time) *Outbox {
	o.clock = clock
	return o
}

// Migrate applies the outbox schema.
func (o *Outbox) Migrate(ctx context.Context) error {
	if _, err := o.db.ExecContext(ctx, outboxSchema); err != nil {
		return fmt.Errorf("publish: migrate outbox: %w", err)
	}
	return nil
}

// Stage inserts the event if its analysis_id is unseen.
func (o *Outbox) Stage(ctx context.Context, analysisID, topic, key string, payload []byte) error {
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO outbox (analysis_id, topic, msg_key, payload, staged_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (analysis_id) DO NOTHING`,
		analysisID, topic, key, payload, o.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("publish: stage event: %w", err)
	}
	return nil
}

// MarkDelivered records successful broker delivery.
func (o *Outbox) MarkDelivered(ctx context.Context, analysisID string) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE outbox SET delivered_at = $1 WHERE analysis_id = $2 AND delivered_at IS NULL`,
		o.clock().UTC().Format(time.RFC3339Nano), analysisID)
	if err != nil {
		return fmt.Errorf("publish: mark delivered: %w", err)
	}
	return nil
}

// RecordAttempt bumps the delivery attempt counter.
func (o *Outbox) RecordAttempt(ctx context.Context, analysisID string) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1 WHERE analysis_id = $1`, analysisID)
	if err != nil {
		return fmt.Errorf("publish: record attempt: %w", err)
	}
	return nil
}

// Pending returns up to limit undelivered rows, oldest first.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]Staged, error) {
	rows, err := o.db.QueryContext(ctx,
		`SELECT id, analysis_id, topic, msg_key, payload, attempts
		 FROM outbox WHERE delivered_at IS NULL ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("publish: load pending: %w", err)
	}
	defer rows.Close()

	var out []Staged
	for rows.Next() {
		var s Staged
		if err := rows.Scan(&s.ID, &s.AnalysisID, &s.Topic, &s.Key, &s.Payload, &s.Attempts); err != nil {
			return nil, fmt.Errorf("publish: scan pending: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PendingCount reports the undelivered backlog size.
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE delivered_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("publish: count pending: %w", err)
	}
	return n, nil
}
