// Package trace accumulates the per-claim decision trace: ordered stage
// markers, ordered decision entries, and a lock-time integrity hash. A trace
// is owned exclusively by its in-flight claim, so it carries no locking; it
// becomes immutable once Lock is called and every later write is an error.
package trace

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clearpath-health/dcal/pkg/canonicalize"
)

// ErrLocked is returned for any write attempted after the trace is locked.
var ErrLocked = errors.New("trace: locked")

// StageMarker records one pipeline stage boundary.
type StageMarker struct {
	Stage     string         `json:"stage"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration_ns"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
}

// Decision records one synthesis decision with its reason.
type Decision struct {
	DecisionType string         `json:"decision_type"`
	Reason       string         `json:"reason"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Trace is the decision trace for a single claim.
type Trace struct {
	TraceID   string
	ClaimID   string
	stages    []StageMarker
	decisions []Decision
	locked    bool
	integrity string
	clock     func() time.Time
}

// New creates a trace for a claim with a fresh UUIDv4 trace id. The trace id
// doubles as the correlation id on every log line and outbound event.
func New(claimID string) *Trace {
	return &Trace{
		TraceID: uuid.NewString(),
		ClaimID: claimID,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *Trace) WithClock(clock func() time.Time) *Trace {
	t.clock = clock
	return t
}

// RecordStage appends a stage marker.
func (t *Trace) RecordStage(stage, status string, duration time.Duration, details map[string]any) error {
	if t.locked {
		return ErrLocked
	}
	t.stages = append(t.stages, StageMarker{
		Stage:     stage,
		Timestamp: t.clock().UTC(),
		Duration:  duration,
		Status:    status,
		Details:   details,
	})
	return nil
}

// RecordDecision appends a decision entry.
func (t *Trace) RecordDecision(decisionType, reason string, details map[string]any) error {
	if t.locked {
		return ErrLocked
	}
	t.decisions = append(t.decisions, Decision{
		DecisionType: decisionType,
		Reason:       reason,
		Details:      details,
		Timestamp:    t.clock().UTC(),
	})
	return nil
}

// Lock seals the trace and computes its integrity hash over the canonical
// serialization. Locking an already-locked trace returns the same hash.
func (t *Trace) Lock() (string, error) {
	if t.locked {
		return t.integrity, nil
	}

	hash, err := canonicalize.CanonicalHash(t.Snapshot())
	if err != nil {
		return "", err
	}
	t.locked = true
	t.integrity = hash
	return hash, nil
}

// Locked reports whether the trace has been sealed.
func (t *Trace) Locked() bool { return t.locked }

// IntegrityHash returns the lock-time hash, empty before Lock.
func (t *Trace) IntegrityHash() string { return t.integrity }

// Stages returns a copy of the recorded stage markers.
func (t *Trace) Stages() []StageMarker {
	out := make([]StageMarker, len(t.stages))
	copy(out, t.stages)
	return out
}

// Decisions returns a copy of the recorded decision entries.
func (t *Trace) Decisions() []Decision {
	out := make([]Decision, len(t.decisions))
	copy(out, t.decisions)
	return out
}

// Snapshot is the serializable trace form attached to the Intelligence
// Report. The integrity hash is computed over exactly this structure,
// excluding the hash itself.
type SnapshotData struct {
	TraceID   string        `json:"trace_id"`
	ClaimID   string        `json:"claim_id"`
	Stages    []StageMarker `json:"stages"`
	Decisions []Decision    `json:"decisions"`
}

// Snapshot returns the serializable form of the trace.
func (t *Trace) Snapshot() SnapshotData {
	return SnapshotData{
		TraceID:   t.TraceID,
		ClaimID:   t.ClaimID,
		Stages:    t.Stages(),
		Decisions: t.Decisions(),
	}
}
