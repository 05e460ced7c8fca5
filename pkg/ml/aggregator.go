package ml

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clearpath-health/dcal/pkg/claims"
)

// AggregatorConfig bounds and weights the fan-out.
type AggregatorConfig struct {
	// PerModelTimeout caps a single scorer call.
	PerModelTimeout time.Duration
	// FanInCap caps the whole fan-out; in-flight scorers past it are
	// cancelled and counted as degraded contributions.
	FanInCap time.Duration
	// Weights by model id for the confidence mean; missing entries weigh 1.
	Weights map[string]float64
	// TopN bounds the combined risk-factor list.
	TopN int
	// HighRiskThreshold drives the advisory recommendation string.
	HighRiskThreshold float64
}

// DefaultAggregatorConfig returns the production defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		PerModelTimeout:   500 * time.Millisecond,
		FanInCap:          1 * time.Second,
		TopN:              10,
		HighRiskThreshold: 0.70,
	}
}

// FailureObserver is notified of per-scorer failures so the health fabric
// can trip circuit breakers without this package importing it.
type FailureObserver func(modelID string, err error)

// Aggregator fans a claim out to every configured scorer in parallel and
// combines their outputs.
type Aggregator struct {
	scorers   []Scorer
	cfg       AggregatorConfig
	onFailure FailureObserver
	logger    *slog.Logger
}

// NewAggregator constructs the ML gate over the given scorers.
func NewAggregator(scorers []Scorer, cfg AggregatorConfig) *Aggregator {
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	return &Aggregator{
		scorers: scorers,
		cfg:     cfg,
		logger:  slog.Default().With("component", "ml_aggregator"),
	}
}

// WithFailureObserver registers the breaker callback.
func (a *Aggregator) WithFailureObserver(fn FailureObserver) *Aggregator {
	a.onFailure = fn
	return a
}

// Evaluate scores the claim across all models. Scorer errors, timeouts, and
// cancellations never fail the gate; they become neutral zero-confidence
// contributions so a missing model can only push a claim toward review.
func (a *Aggregator) Evaluate(ctx context.Context, cctx *claims.Context) *Result {
	if len(a.scorers) == 0 {
		return DegradedResult()
	}

	fanCtx, cancel := context.WithTimeout(ctx, a.cfg.FanInCap)
	defer cancel()

	results := make([]*ModelResult, len(a.scorers))
	g, gctx := errgroup.WithContext(fanCtx)
	for i, s := range a.scorers {
		g.Go(func() error {
			mctx, mcancel := context.WithTimeout(gctx, a.cfg.PerModelTimeout)
			defer mcancel()

			start := time.Now()
			res, err := s.Score(mctx, cctx)
			if err != nil {
				a.logger.Warn("scorer degraded",
					"model_id", s.ModelID(), "error", err, "claim_id", cctx.Claim.ClaimID)
				if a.onFailure != nil {
					a.onFailure(s.ModelID(), err)
				}
				results[i] = &ModelResult{
					ModelID:       s.ModelID(),
					RiskScore:     NeutralRiskScore,
					Confidence:    0,
					ExecutionTime: time.Since(start),
					Degraded:      true,
				}
				return nil
			}
			res.ExecutionTime = time.Since(start)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait() // scorer goroutines never return errors; they degrade

	return a.combine(results)
}

func (a *Aggregator) combine(results []*ModelResult) *Result {
	out := &Result{ModelResults: make([]ModelResult, 0, len(results))}

	var weightSum, confSum float64
	factorByFeature := map[string]RiskFactor{}
	seenAnomaly := map[string]bool{}

	for _, r := range results {
		if r == nil {
			continue
		}
		out.ModelResults = append(out.ModelResults, *r)

		if r.RiskScore > out.CombinedRiskScore {
			out.CombinedRiskScore = r.RiskScore
		}

		w := 1.0
		if cw, ok := a.cfg.Weights[r.ModelID]; ok {
			w = cw
		}
		weightSum += w
		confSum += w * r.Confidence

		for _, f := range r.RiskFactors {
			prev, ok := factorByFeature[f.Feature]
			if !ok || math.Abs(f.Contribution) > math.Abs(prev.Contribution) {
				factorByFeature[f.Feature] = f
			}
		}
		for _, an := range r.AnomalyIndicators {
			if !seenAnomaly[an.Description] {
				seenAnomaly[an.Description] = true
				out.AnomalySummary = append(out.AnomalySummary, an.Description)
			}
			if an.Severity == "CRITICAL" || an.Severity == "HIGH" {
				out.RequiresReview = true
			}
		}
	}

	if weightSum > 0 {
		out.CombinedConfidence = clamp01(confSum / weightSum)
	}
	out.CombinedRiskScore = clamp01(out.CombinedRiskScore)
	sort.Strings(out.AnomalySummary)

	factors := make([]RiskFactor, 0, len(factorByFeature))
	for _, f := range factorByFeature {
		factors = append(factors, f)
	}
	// Order by absolute contribution, feature name as deterministic tiebreak.
	sort.Slice(factors, func(i, j int) bool {
		ai, aj := math.Abs(factors[i].Contribution), math.Abs(factors[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return factors[i].Feature < factors[j].Feature
	})
	if len(factors) > a.cfg.TopN {
		factors = factors[:a.cfg.TopN]
	}
	out.TopRiskFactors = factors

	if out.CombinedRiskScore >= a.cfg.HighRiskThreshold {
		out.Recommendation = "DECLINE"
		out.RequiresReview = true
	} else {
		out.Recommendation = "APPROVE"
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
