// Package publish delivers analysis results downstream: fire-and-forget from
// the pipeline's point of view, at-least-once on the wire through a durable
// outbox. Consumers dedupe on analysis_id.
package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clearpath-health/dcal/pkg/synthesis"
)

// EventVersion is the published event schema version.
const EventVersion = "1.0.0"

// Error codes carried on ErrorEvents.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeSchemaVersion    = "SCHEMA_VERSION_MISMATCH"
	ErrCodeSignature        = "SIGNATURE_INVALID"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeUnavailable      = "SERVICE_UNAVAILABLE"
	ErrCodeAlreadyProcessed = "CLAIM_ALREADY_PROCESSED"

	// Degraded-analysis reason codes carried on fallback reports.
	ErrCodeBudgetExceeded  = "BUDGET_EXCEEDED"
	ErrCodeSynthesisFailed = "SYNTHESIS_ERROR"
)

// AnalyzedEvent is the claims.analyzed payload: the routing summary up front
// for queue consumers, the full report attached for systems of record.
type AnalyzedEvent struct {
	EventVersion   string    `json:"event_version"`
	AnalysisID     string    `json:"analysis_id"`
	ClaimID        string    `json:"claim_id"`
	TraceID        string    `json:"trace_id"`
	Timestamp      time.Time `json:"timestamp"`
	Recommendation string    `json:"recommendation"`
	RiskScore      float64   `json:"risk_score"`
	Confidence     float64   `json:"confidence"`
	Queue          string    `json:"queue"`
	Priority       string    `json:"priority"`
	SLADeadline    time.Time `json:"sla_deadline"`

	Report *synthesis.IntelligenceReport `json:"report"`
}

// NewAnalyzedEvent lifts a report into its wire event.
func NewAnalyzedEvent(rep *synthesis.IntelligenceReport) *AnalyzedEvent {
	return &AnalyzedEvent{
		EventVersion:   EventVersion,
		AnalysisID:     rep.AnalysisID,
		ClaimID:        rep.ClaimID,
		TraceID:        rep.TraceID,
		Timestamp:      rep.Timestamp,
		Recommendation: string(rep.Recommendation),
		RiskScore:      rep.RiskScore,
		Confidence:     rep.Confidence,
		Queue:          string(rep.Routing.Queue),
		Priority:       string(rep.Routing.Priority),
		SLADeadline:    rep.Routing.SLADeadline,
		Report:         rep,
	}
}

// Encode serializes the event.
func (e *AnalyzedEvent) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("publish: encode analyzed event: %w", err)
	}
	return b, nil
}

// ErrorEvent is the claims.analysis.errors payload for claims that never
// produced a report.
type ErrorEvent struct {
	EventVersion string         `json:"event_version"`
	ClaimID      string         `json:"claim_id,omitempty"`
	TraceID      string         `json:"trace_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	ErrorCode    string         `json:"error_code"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
}

// Encode serializes the event.
func (e *ErrorEvent) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("publish: encode error event: %w", err)
	}
	return b, nil
}
