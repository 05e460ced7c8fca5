package rules

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearpath-health/dcal/pkg/claims"
	"github.com/clearpath-health/dcal/pkg/expr"
)

var engineNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func engineClaim() *claims.Claim {
	return &claims.Claim{
		ClaimID:      "CLM-2026-000000001",
		PolicyID:     "POL-1",
		ProviderID:   "PRV-1",
		MemberIDHash: strings.Repeat("ab", 32),
		ProcedureCodes: []claims.ProcedureCode{
			{Code: "99213", CodeType: claims.CodeTypeCPT, Quantity: 1, LineAmount: 120},
		},
		DiagnosisCodes: []claims.DiagnosisCode{{Code: "J06.9", Sequence: 1}},
		BilledAmount:   120,
		ServiceDate:    engineNow.AddDate(0, 0, -2),
		ClaimType:      claims.ClaimTypeProfessional,
	}
}

func newTestEngine(t *testing.T, defs ...Definition) *Engine {
	t.Helper()
	store := NewStore()
	require.NoError(t, store.Load(testArtifact(t, defs...)))
	ev, err := expr.NewEvaluator()
	require.NoError(t, err)
	ev.WithClock(func() time.Time { return engineNow })
	return NewEngine(store, ev, DefaultEngineConfig()).
		WithClock(func() time.Time { return engineNow })
}

func runEngine(t *testing.T, e *Engine) *EngineResult {
	t.Helper()
	res, err := e.Evaluate(context.Background(), claims.NewContext(engineClaim(), engineNow))
	require.NoError(t, err)
	return res
}

func condRule(t *testing.T, id string, cat Category, sev Severity, cond string) Definition {
	d := baseRule(id, cat, sev)
	d.ConditionExpression = cond
	return checksummed(t, d)
}

func TestAllRulesPass(t *testing.T) {
	e := newTestEngine(t,
		condRule(t, "R-1", CategoryPolicyCoverage, SeverityMajor, `claim.billed_amount >= 0.0`),
		condRule(t, "R-2", CategoryCodingValidation, SeverityMinor, `size(claim.procedure_codes) > 0`),
	)
	res := runEngine(t, e)
	assert.Equal(t, AggregatePass, res.AggregateOutcome)
	assert.Equal(t, 2, res.Counts.Passed)
	assert.Empty(t, res.Triggered)
}

func TestCriticalFalseFails(t *testing.T) {
	e := newTestEngine(t,
		condRule(t, "DUP-001", CategoryDuplicateDetection, SeverityCritical, `claim.billed_amount > 1000.0`),
	)
	res := runEngine(t, e)
	assert.Equal(t, AggregateFail, res.AggregateOutcome)
	require.Len(t, res.Triggered, 1)
	assert.Equal(t, OutcomeFail, res.Triggered[0].Outcome)
}

func TestNonCriticalFalseFlags(t *testing.T) {
	e := newTestEngine(t,
		condRule(t, "R-1", CategoryBenefitLimits, SeverityMajor, `claim.billed_amount > 1000.0`),
	)
	res := runEngine(t, e)
	assert.Equal(t, AggregateFlag, res.AggregateOutcome)
	require.Len(t, res.Triggered, 1)
	assert.Equal(t, OutcomeFlag, res.Triggered[0].Outcome)
}

func TestCriticalFailureSkipsLaterNonCritical(t *testing.T) {
	e := newTestEngine(t,
		condRule(t, "A-CRIT", CategoryCritical, SeverityCritical, `false`),
		condRule(t, "B-LATER", CategoryCustom, SeverityMinor, `true`),
		condRule(t, "C-CRIT2", CategoryDuplicateDetection, SeverityCritical, `true`),
	)
	res := runEngine(t, e)
	assert.Equal(t, AggregateFail, res.AggregateOutcome)

	byID := map[string]Result{}
	for _, r := range res.AllResults {
		byID[r.RuleID] = r
	}
	assert.Equal(t, OutcomeFail, byID["A-CRIT"].Outcome)
	assert.Equal(t, OutcomeSkip, byID["B-LATER"].Outcome, "non-critical after critical failure is skipped")
	assert.Equal(t, OutcomePass, byID["C-CRIT2"].Outcome, "critical rules still run")
	assert.Equal(t, SkipReasonCriticalPrecedence, byID["B-LATER"].Details["skip_reason"])
}

func TestUnparseableCriticalRuleFlagsNotFails(t *testing.T) {
	e := newTestEngine(t,
		condRule(t, "R-BROKEN", CategoryCritical, SeverityCritical, `claim.billed_amount >`),
	)
	res := runEngine(t, e)
	require.Len(t, res.AllResults, 1)
	assert.Equal(t, OutcomeFlag, res.AllResults[0].Outcome,
		"a broken expression must FLAG, never FAIL")
	assert.Equal(t, AggregateFlag, res.AggregateOutcome, "aggregate must not be PASS")
	assert.Contains(t, res.AllResults[0].Details, "error")
}

func TestUnknownNameFlags(t *testing.T) {
	e := newTestEngine(t,
		condRule(t, "R-UNKNOWN", CategoryCustom, SeverityMajor, `backend.secret == "x"`),
	)
	res := runEngine(t, e)
	assert.Equal(t, OutcomeFlag, res.AllResults[0].Outcome)
	assert.Equal(t, AggregateFlag, res.AggregateOutcome)
}

func TestEngineBudgetTruncation(t *testing.T) {
	defs := make([]Definition, 0, 20)
	for i := 0; i < 20; i++ {
		defs = append(defs, condRule(t, ruleID(i), CategoryCustom, SeverityMinor, `true`))
	}
	store := NewStore()
	require.NoError(t, store.Load(testArtifact(t, defs...)))
	ev, err := expr.NewEvaluator()
	require.NoError(t, err)

	cfg := DefaultEngineConfig()
	cfg.EngineBudget = -1 * time.Millisecond // exhausted before the first rule
	e := NewEngine(store, ev, cfg).WithClock(func() time.Time { return engineNow })

	res := runEngine(t, e)
	assert.True(t, res.Truncated)
	assert.Equal(t, 20, res.Counts.Skipped)
	assert.Equal(t, AggregateFlag, res.AggregateOutcome, "truncated run never reports PASS")
	for _, r := range res.AllResults {
		assert.Equal(t, OutcomeSkip, r.Outcome)
		assert.Equal(t, SkipReasonEngineTimeout, r.Details["skip_reason"])
	}
}

func ruleID(i int) string {
	return "R-" + string(rune('A'+i/10)) + string(rune('0'+i%10))
}

func TestResultRecordsExecutionMetadata(t *testing.T) {
	e := newTestEngine(t,
		condRule(t, "R-META", CategoryTemporalValidation, SeverityMajor, `within_days(claim.service_date, 30)`),
	)
	res := runEngine(t, e)
	rr := res.AllResults[0]
	assert.Equal(t, "1.0.0", rr.RuleVersion)
	assert.Equal(t, `within_days(claim.service_date, 30)`, rr.ExpressionEvaluated)
	assert.Equal(t, "CLM-2026-000000001", rr.InputSnapshot["claim_id"])
	assert.NotZero(t, res.ExecutionTime)
}

// TestAggregateInvariant checks the aggregate law over arbitrary outcome
// mixes: FAIL iff any rule failed, else FLAG iff any flagged, else PASS;
// skipped rules never change the aggregate of a non-truncated run.
func TestAggregateInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("aggregate follows outcome counts", prop.ForAll(
		func(passed, failed, flagged, skipped int) bool {
			c := Counts{
				Evaluated: passed + failed + flagged,
				Passed:    passed,
				Failed:    failed,
				Flagged:   flagged,
				Skipped:   skipped,
			}
			got := aggregate(c, false)
			switch {
			case failed > 0:
				return got == AggregateFail
			case flagged > 0:
				return got == AggregateFlag
			default:
				return got == AggregatePass
			}
		},
		gen.IntRange(0, 50),
		gen.IntRange(0, 50),
		gen.IntRange(0, 50),
		gen.IntRange(0, 50),
	))

	properties.Property("truncated run never reports PASS", prop.ForAll(
		func(passed, skipped int) bool {
			c := Counts{Evaluated: passed, Passed: passed, Skipped: skipped}
			return aggregate(c, true) != AggregatePass
		},
		gen.IntRange(0, 50),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

func TestDeterministicResults(t *testing.T) {
	e := newTestEngine(t,
		condRule(t, "R-1", CategoryPolicyCoverage, SeverityMajor, `claim.billed_amount < 1000.0`),
		condRule(t, "R-2", CategoryCodingValidation, SeverityMinor, `size(claim.diagnosis_codes) <= 25`),
	)
	first := runEngine(t, e)
	for i := 0; i < 10; i++ {
		again := runEngine(t, e)
		assert.Equal(t, first.AggregateOutcome, again.AggregateOutcome)
		assert.Equal(t, first.Counts, again.Counts)
		require.Len(t, again.AllResults, len(first.AllResults))
		for j := range first.AllResults {
			assert.Equal(t, first.AllResults[j].RuleID, again.AllResults[j].RuleID)
			assert.Equal(t, first.AllResults[j].Outcome, again.AllResults[j].Outcome)
		}
	}
}
