package synthesis

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/clearpath-health/dcal/pkg/claims"
	"github.com/clearpath-health/dcal/pkg/health"
	"github.com/clearpath-health/dcal/pkg/rules"
	"github.com/clearpath-health/dcal/pkg/trace"
)

func genEngineResult(outcome rules.AggregateOutcome, sev rules.Severity, cat rules.Category) *rules.EngineResult {
	rr := &rules.EngineResult{
		AggregateOutcome: outcome,
		Counts:           rules.Counts{Evaluated: 5, Passed: 5},
		RulesetVersion:   "2026.08.1",
		EngineVersion:    "1.0.0",
		Timestamp:        synthNow,
	}
	if outcome == rules.AggregatePass {
		return rr
	}
	o := rules.OutcomeFlag
	if outcome == rules.AggregateFail {
		o = rules.OutcomeFail
	}
	rr.Counts.Passed = 4
	rr.Triggered = []rules.Result{{
		RuleID:   "R-GEN",
		Category: cat,
		Severity: sev,
		Outcome:  o,
		Message:  "rule condition matched",
	}}
	return rr
}

func synthesizeFor(outcome rules.AggregateOutcome, sev rules.Severity, cat rules.Category, risk, conf, amount float64) *IntelligenceReport {
	s := newTestSynthesizer()
	claim := synthClaim()
	claim.BilledAmount = amount
	tr := trace.New(claim.ClaimID).WithClock(func() time.Time { return synthNow })
	rep, err := s.Synthesize(claims.NewContext(claim, synthNow),
		genEngineResult(outcome, sev, cat), mlResult(risk, conf), tr, health.LevelL0)
	if err != nil {
		return nil
	}
	return rep
}

// Whatever the ML side says, a failed rule never produces an approval: the
// claim is declined, or handed to senior review when the combined confidence
// is too low to decline automatically.
func TestRuleFailureNeverApprovesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("failed rules decline or escalate", prop.ForAll(
		func(risk, conf, amount float64, sevIdx, catIdx int) bool {
			sev := []rules.Severity{rules.SeverityCritical, rules.SeverityMajor, rules.SeverityMinor, rules.SeverityInfo}[sevIdx]
			cat := []rules.Category{
				rules.CategoryPolicyCoverage, rules.CategoryDuplicateDetection,
				rules.CategoryMedicalNecessity, rules.CategoryCompliance,
			}[catIdx]
			rep := synthesizeFor(rules.AggregateFail, sev, cat, risk, conf, amount)
			if rep == nil {
				return false
			}
			switch rep.Recommendation {
			case RecommendAutoDecline:
				return rep.Confidence >= DefaultThresholds().MinConfidenceForAuto
			case RecommendManualReview:
				return rep.Confidence < DefaultThresholds().MinConfidenceForAuto &&
					rep.Routing.Queue == QueueSeniorReview
			default:
				return false
			}
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(1, 200_000),
		gen.IntRange(0, 3),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

// An approval only ever comes out of the narrow corridor: rules passed, ML
// risk under the ceiling, confidence over the floor, amount under the cap,
// and the claim lands in the no-touch lane.
func TestAutoApproveCorridorProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	outcomes := []rules.AggregateOutcome{rules.AggregatePass, rules.AggregateFlag, rules.AggregateFail}

	properties.Property("auto-approve implies every gate passed", prop.ForAll(
		func(risk, conf, amount float64, outIdx int) bool {
			outcome := outcomes[outIdx]
			rep := synthesizeFor(outcome, rules.SeverityMajor, rules.CategoryBenefitLimits, risk, conf, amount)
			if rep == nil {
				return false
			}
			if rep.Recommendation != RecommendAutoApprove {
				return true
			}
			th := DefaultThresholds()
			return outcome == rules.AggregatePass &&
				risk < th.AutoApproveML &&
				rep.Confidence >= th.MinConfidenceForAuto &&
				amount <= th.AutoApproveMaxAmount &&
				rep.Routing.Queue == QueueAutoProcess
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(1, 200_000),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
