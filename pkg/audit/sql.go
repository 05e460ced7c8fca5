package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Dialect selects backend-specific DDL. Placeholders use $N, which both
// PostgreSQL and SQLite accept.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// recorded_at is stored as RFC 3339 text on both backends so the timestamp
// the content hash was computed over round-trips byte-exactly.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	sequence_number BIGINT PRIMARY KEY,
	record_id       TEXT NOT NULL UNIQUE,
	analysis_id     TEXT NOT NULL UNIQUE,
	claim_id        TEXT NOT NULL,
	recorded_at     TEXT NOT NULL,
	report          JSONB NOT NULL,
	content_hash    CHAR(64) NOT NULL,
	previous_hash   CHAR(64) NOT NULL,
	chain_hash      CHAR(64) NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_records_claim_id ON audit_records (claim_id);

CREATE OR REPLACE FUNCTION audit_records_immutable() RETURNS trigger AS $fn$
BEGIN
	RAISE EXCEPTION 'audit_records is append-only';
END;
$fn$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_records_no_update ON audit_records;
CREATE TRIGGER audit_records_no_update
	BEFORE UPDATE OR DELETE ON audit_records
	FOR EACH ROW EXECUTE FUNCTION audit_records_immutable();
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	sequence_number INTEGER PRIMARY KEY,
	record_id       TEXT NOT NULL UNIQUE,
	analysis_id     TEXT NOT NULL UNIQUE,
	claim_id        TEXT NOT NULL,
	recorded_at     TEXT NOT NULL,
	report          TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	previous_hash   TEXT NOT NULL,
	chain_hash      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_records_claim_id ON audit_records (claim_id);

CREATE TRIGGER IF NOT EXISTS audit_records_no_update
	BEFORE UPDATE ON audit_records
BEGIN
	SELECT RAISE(ABORT, 'audit_records is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_records_no_delete
	BEFORE DELETE ON audit_records
BEGIN
	SELECT RAISE(ABORT, 'audit_records is append-only');
END;
`

// SQLStore is the durable audit backend over database/sql. Appends are
// serialized through a single writer: sequence allocation and chain linking
// happen inside one transaction under a store-level mutex.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	writeMu sync.Mutex
	clock   func() time.Time
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// Migrate applies the append-only schema, including the triggers that reject
// UPDATE and DELETE.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ddl := sqliteSchema
	if s.dialect == DialectPostgres {
		ddl = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Append commits one record at the next sequence number.
func (s *SQLStore) Append(ctx context.Context, entry Entry) (*Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: begin append: %w", err)
	}
	defer tx.Rollback()

	var seq uint64
	prev := GenesisHash
	row := tx.QueryRowContext(ctx,
		`SELECT sequence_number, chain_hash FROM audit_records ORDER BY sequence_number DESC LIMIT 1`)
	switch err := row.Scan(&seq, &prev); {
	case errors.Is(err, sql.ErrNoRows):
		seq, prev = 0, GenesisHash
	case err != nil:
		return nil, fmt.Errorf("audit: read chain head: %w", err)
	}

	rec := Record{
		SequenceNumber: seq + 1,
		AnalysisID:     entry.AnalysisID,
		ClaimID:        entry.ClaimID,
		Timestamp:      s.clock().UTC(),
		Report:         entry.Report,
	}
	if err := seal(&rec, prev); err != nil {
		return nil, fmt.Errorf("audit: seal record: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_records
			(sequence_number, record_id, analysis_id, claim_id, recorded_at, report, content_hash, previous_hash, chain_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.SequenceNumber, rec.RecordID, rec.AnalysisID, rec.ClaimID,
		rec.Timestamp.Format(time.RFC3339Nano), []byte(rec.Report),
		rec.ContentHash, rec.PreviousHash, rec.ChainHash)
	if err != nil {
		return nil, fmt.Errorf("audit: insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit: commit append: %w", err)
	}
	return &rec, nil
}

// Latest returns the newest record, or nil on an empty chain.
func (s *SQLStore) Latest(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence_number, record_id, analysis_id, claim_id, recorded_at, report, content_hash, previous_hash, chain_hash
		 FROM audit_records ORDER BY sequence_number DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Range returns records with from <= sequence <= to, ascending. A zero to
// means "to the end".
func (s *SQLStore) Range(ctx context.Context, from, to uint64) ([]Record, error) {
	if from == 0 {
		from = 1
	}
	q := `SELECT sequence_number, record_id, analysis_id, claim_id, recorded_at, report, content_hash, previous_hash, chain_hash
		 FROM audit_records WHERE sequence_number >= $1`
	args := []any{from}
	if to > 0 {
		q += ` AND sequence_number <= $2`
		args = append(args, to)
	}
	q += ` ORDER BY sequence_number ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: range query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var ts string
	var report []byte
	err := row.Scan(&rec.SequenceNumber, &rec.RecordID, &rec.AnalysisID, &rec.ClaimID,
		&ts, &report, &rec.ContentHash, &rec.PreviousHash, &rec.ChainHash)
	if err != nil {
		return nil, err
	}
	rec.Report = report
	rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("audit: parse recorded_at: %w", err)
	}
	return &rec, nil
}
