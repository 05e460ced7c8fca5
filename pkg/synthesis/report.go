// Package synthesis combines the rule-engine and ML gate outputs into a
// single Intelligence Report: the recommendation, its risk and confidence,
// the queue routing with an SLA deadline, and the sealed decision trace.
package synthesis

import (
	"sync/atomic"
	"time"

	"github.com/clearpath-health/dcal/pkg/ml"
	"github.com/clearpath-health/dcal/pkg/rules"
	"github.com/clearpath-health/dcal/pkg/trace"
)

// Recommendation is the advisory verdict attached to a report. The backend
// decides; this layer only recommends.
type Recommendation string

const (
	RecommendAutoApprove  Recommendation = "AUTO_APPROVE"
	RecommendAutoDecline  Recommendation = "AUTO_DECLINE"
	RecommendManualReview Recommendation = "MANUAL_REVIEW"
)

// Queue is a named work queue. AUTO_PROCESS is the no-touch lane for
// auto-approved claims; everything else is a human review queue.
type Queue string

const (
	QueueAutoProcess        Queue = "AUTO_PROCESS"
	QueueStandardReview     Queue = "STANDARD_REVIEW"
	QueueSeniorReview       Queue = "SENIOR_REVIEW"
	QueueFraudInvestigation Queue = "FRAUD_INVESTIGATION"
	QueueMedicalDirector    Queue = "MEDICAL_DIRECTOR"
	QueueComplianceReview   Queue = "COMPLIANCE_REVIEW"
)

// Priority orders work within a queue.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Rank returns the urgency position of p; lower is more urgent.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// RiskIndicator is one unified risk signal. Rule triggers and ML anomalies
// land here on a common severity scale.
type RiskIndicator struct {
	Code        string `json:"code"`
	Severity    string `json:"severity"` // CRITICAL, HIGH, MEDIUM, LOW
	Source      string `json:"source"`   // RULE, ML, SYNTHESIS
	Description string `json:"description"`
}

var indicatorSeverityRank = map[string]int{
	"CRITICAL": 0,
	"HIGH":     1,
	"MEDIUM":   2,
	"LOW":      3,
}

// HistoricalContext summarizes the member's claim-history window attached to
// the analysis context.
type HistoricalContext struct {
	ClaimCount      int     `json:"claim_count"`
	TotalBilled     float64 `json:"total_billed"`
	LastServiceDate string  `json:"last_service_date,omitempty"`
}

// RelatedClaim points at a historical claim relevant to this analysis.
type RelatedClaim struct {
	ClaimID     string  `json:"claim_id"`
	Relation    string  `json:"relation"` // SAME_PROVIDER, SAME_MEMBER, POSSIBLE_DUPLICATE
	ServiceDate string  `json:"service_date,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
}

// Routing is where a report was sent and by when it must be worked.
type Routing struct {
	Queue       Queue     `json:"queue"`
	Priority    Priority  `json:"priority"`
	SLADeadline time.Time `json:"sla_deadline"`
	// FallbackApplied marks capacity-driven rerouting.
	FallbackApplied bool   `json:"fallback_applied,omitempty"`
	FallbackReason  string `json:"fallback_reason,omitempty"`
}

// IntelligenceReport is the complete output for one analyzed claim. It is
// what gets audited, published, and consumed downstream.
type IntelligenceReport struct {
	AnalysisID     string         `json:"analysis_id"`
	ClaimID        string         `json:"claim_id"`
	TraceID        string         `json:"trace_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Recommendation Recommendation `json:"recommendation"`
	RiskScore      float64        `json:"risk_score"`
	Confidence     float64        `json:"confidence"`
	Routing        Routing        `json:"routing"`

	RuleOutcome    rules.AggregateOutcome `json:"rule_outcome"`
	RuleCounts     rules.Counts           `json:"rule_counts"`
	TriggeredRules []rules.Result         `json:"triggered_rules,omitempty"`
	RulesetVersion string                 `json:"ruleset_version"`
	EngineVersion  string                 `json:"engine_version"`

	MLRiskScore    float64         `json:"ml_risk_score"`
	MLConfidence   float64         `json:"ml_confidence"`
	TopRiskFactors []ml.RiskFactor `json:"top_risk_factors,omitempty"`
	AnomalySummary []string        `json:"anomaly_summary,omitempty"`
	MLDegraded     bool            `json:"ml_degraded,omitempty"`

	PrimaryReasons    []string           `json:"primary_reasons"`
	SecondaryFactors  []string           `json:"secondary_factors,omitempty"`
	RiskIndicators    []RiskIndicator    `json:"risk_indicators,omitempty"`
	SuggestedActions  []string           `json:"suggested_actions,omitempty"`
	HistoricalContext *HistoricalContext `json:"historical_context,omitempty"`
	RelatedClaims     []RelatedClaim     `json:"related_claims,omitempty"`

	DegradationLevel string             `json:"degradation_level"`
	Trace            trace.SnapshotData `json:"trace"`
	TraceIntegrity   string             `json:"trace_integrity"`
}

// Thresholds are the tunable decision parameters. They are replaced as a
// whole snapshot; a claim in flight keeps the snapshot it started with.
type Thresholds struct {
	HighRisk             float64 `json:"high_risk"`
	MediumRisk           float64 `json:"medium_risk"`
	AutoApproveML        float64 `json:"auto_approve_ml"`
	MinConfidenceForAuto float64 `json:"min_confidence_for_auto"`
	AutoApproveMaxAmount float64 `json:"auto_approve_max_amount"`
	SeniorReviewAmount   float64 `json:"senior_review_amount"`
	RelatedClaimsTopN    int     `json:"related_claims_top_n"`
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighRisk:             0.70,
		MediumRisk:           0.50,
		AutoApproveML:        0.30,
		MinConfidenceForAuto: 0.85,
		AutoApproveMaxAmount: 10_000,
		SeniorReviewAmount:   50_000,
		RelatedClaimsTopN:    5,
	}
}

// ThresholdStore publishes threshold snapshots to concurrent readers.
type ThresholdStore struct {
	current atomic.Pointer[Thresholds]
}

// NewThresholdStore seeds the store with an initial snapshot.
func NewThresholdStore(t Thresholds) *ThresholdStore {
	s := &ThresholdStore{}
	s.current.Store(&t)
	return s
}

// Current returns the snapshot in effect.
func (s *ThresholdStore) Current() Thresholds {
	return *s.current.Load()
}

// Replace swaps in a new snapshot atomically.
func (s *ThresholdStore) Replace(t Thresholds) {
	s.current.Store(&t)
}
