// Package audit persists the append-only, hash-chained record of every
// analysis. Records are immutable once written; integrity is verifiable
// offline from the records alone.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clearpath-health/dcal/pkg/canonicalize"
)

// GenesisHash seeds the chain before the first record.
var GenesisHash = strings.Repeat("0", 64)

// Entry is the caller-supplied content of one audit record.
type Entry struct {
	AnalysisID string          `json:"analysis_id"`
	ClaimID    string          `json:"claim_id"`
	Report     json.RawMessage `json:"report"`
}

// Record is one committed link in the chain.
type Record struct {
	RecordID       string          `json:"record_id"`
	SequenceNumber uint64          `json:"sequence_number"`
	AnalysisID     string          `json:"analysis_id"`
	ClaimID        string          `json:"claim_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Report         json.RawMessage `json:"report"`
	ContentHash    string          `json:"content_hash"`
	PreviousHash   string          `json:"previous_hash"`
	ChainHash      string          `json:"chain_hash"`
}

// contentDigest is the canonical form hashed into ContentHash. Timestamp is
// pinned to RFC 3339 nanoseconds in UTC so the hash is reproducible from a
// stored record.
type contentDigest struct {
	AnalysisID string          `json:"analysis_id"`
	ClaimID    string          `json:"claim_id"`
	Timestamp  string          `json:"timestamp"`
	Report     json.RawMessage `json:"report"`
}

// ContentHash computes the canonical hash of a record's content fields.
func ContentHash(analysisID, claimID string, ts time.Time, report json.RawMessage) (string, error) {
	return canonicalize.CanonicalHash(contentDigest{
		AnalysisID: analysisID,
		ClaimID:    claimID,
		Timestamp:  ts.UTC().Format(time.RFC3339Nano),
		Report:     report,
	})
}

// seal fills the derived fields of a record under construction.
func seal(rec *Record, previousHash string) error {
	ch, err := ContentHash(rec.AnalysisID, rec.ClaimID, rec.Timestamp, rec.Report)
	if err != nil {
		return err
	}
	rec.ContentHash = ch
	rec.PreviousHash = previousHash
	rec.ChainHash = canonicalize.ChainHash(ch, previousHash)
	if rec.RecordID == "" {
		rec.RecordID = uuid.NewString()
	}
	return nil
}

// Store is the append-only audit backend. Append commits one record and
// returns it with all derived fields populated; sequence numbers are dense
// and start at 1.
type Store interface {
	Append(ctx context.Context, entry Entry) (*Record, error)
	Latest(ctx context.Context) (*Record, error)
	Range(ctx context.Context, from, to uint64) ([]Record, error)
}
