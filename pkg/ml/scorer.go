// Package ml adapts opaque fraud-model scorers to the pipeline. Models are
// black boxes behind the Scorer interface; this package only defines how
// their outputs are fanned out, bounded, and combined. It never trains or
// introspects a model.
package ml

import (
	"context"
	"time"

	"github.com/clearpath-health/dcal/pkg/claims"
)

// RiskFactor is one model-attributed contribution to the risk score.
type RiskFactor struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
	Description  string  `json:"description,omitempty"`
}

// Anomaly is one model-detected irregularity.
type Anomaly struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"` // CRITICAL, HIGH, MEDIUM, LOW
	Description string `json:"description"`
}

// ModelResult is the scored output of a single model.
type ModelResult struct {
	ModelID           string        `json:"model_id"`
	ModelVersion      string        `json:"model_version"`
	ModelHash         string        `json:"model_hash"`
	RiskScore         float64       `json:"risk_score"` // [0,1]
	Confidence        float64       `json:"confidence"` // [0,1]
	RiskFactors       []RiskFactor  `json:"risk_factors,omitempty"`
	AnomalyIndicators []Anomaly     `json:"anomaly_indicators,omitempty"`
	ExecutionTime     time.Duration `json:"execution_time_ns"`
	Degraded          bool          `json:"degraded,omitempty"`
}

// Scorer is one opaque model. Score must honor ctx cancellation.
type Scorer interface {
	ModelID() string
	Score(ctx context.Context, cctx *claims.Context) (*ModelResult, error)
}

// Result is the combined ML gate output consumed by the synthesizer.
type Result struct {
	CombinedRiskScore  float64       `json:"combined_risk_score"`  // max across models: risk is worst-case
	CombinedConfidence float64       `json:"combined_confidence"`  // weighted mean, clamped to [0,1]
	Recommendation     string        `json:"recommendation"`       // advisory only
	ModelResults       []ModelResult `json:"model_results"`
	TopRiskFactors     []RiskFactor  `json:"top_risk_factors,omitempty"`
	AnomalySummary     []string      `json:"anomaly_summary,omitempty"`
	RequiresReview     bool          `json:"requires_review"`
}

// NeutralRiskScore is the contribution of a degraded or missing scorer.
const NeutralRiskScore = 0.5

// DegradedResult synthesizes the L1 stand-in when ML is skipped or every
// scorer is unhealthy: neutral risk, zero confidence, review forced.
func DegradedResult() *Result {
	return &Result{
		CombinedRiskScore:  NeutralRiskScore,
		CombinedConfidence: 0,
		Recommendation:     "REVIEW",
		RequiresReview:     true,
	}
}
