package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearpath-health/dcal/pkg/claims"
	"github.com/clearpath-health/dcal/pkg/expr"
)

// EngineConfig bounds a rule-engine run.
type EngineConfig struct {
	// RuleTimeout caps one rule evaluation; on expiry the rule FLAGs.
	RuleTimeout time.Duration
	// EngineBudget caps the whole run; on expiry remaining rules SKIP with
	// reason ENGINE_TIMEOUT and the aggregate is forced off PASS.
	EngineBudget time.Duration
	// EngineVersion is stamped onto every result for audit.
	EngineVersion string
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RuleTimeout:   10 * time.Millisecond,
		EngineBudget:  50 * time.Millisecond,
		EngineVersion: "1.0.0",
	}
}

// SkipReasonCriticalPrecedence marks rules skipped because a CRITICAL rule
// already failed.
const SkipReasonCriticalPrecedence = "CRITICAL_RULE_FAILED"

// SkipReasonEngineTimeout marks rules skipped because the engine budget ran
// out.
const SkipReasonEngineTimeout = "ENGINE_TIMEOUT"

// Engine evaluates the applicable rules of the current snapshot against one
// claim. Evaluation within a claim is strictly sequential: ordering is part
// of the semantics. The engine itself is pure CPU — no I/O, no suspension.
type Engine struct {
	store     *Store
	evaluator *expr.Evaluator
	cfg       EngineConfig
	logger    *slog.Logger
	clock     func() time.Time
}

// NewEngine constructs a rule engine over the given store and evaluator.
func NewEngine(store *Store, evaluator *expr.Evaluator, cfg EngineConfig) *Engine {
	return &Engine{
		store:     store,
		evaluator: evaluator,
		cfg:       cfg,
		logger:    slog.Default().With("component", "rule_engine"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Evaluate runs all applicable rules in order and aggregates the outcome.
func (e *Engine) Evaluate(ctx context.Context, cctx *claims.Context) (*EngineResult, error) {
	snap := e.store.Current()
	if snap == nil {
		return nil, errors.New("rules: no ruleset loaded")
	}

	now := e.clock()
	started := time.Now() // monotonic; budget accounting stays correct under an injected clock
	applicable := snap.GetApplicable(string(cctx.Claim.ClaimType), cctx.Claim.Jurisdiction, now)

	res := &EngineResult{
		EngineVersion:  e.cfg.EngineVersion,
		RulesetVersion: snap.Ruleset.Version,
		Timestamp:      now.UTC(),
		AllResults:     make([]Result, 0, len(applicable)),
	}

	criticalFailed := false
	budgetExhausted := false

	for _, rule := range applicable {
		if !budgetExhausted && time.Since(started) > e.cfg.EngineBudget {
			budgetExhausted = true
			res.Truncated = true
		}

		var rr Result
		switch {
		case budgetExhausted:
			rr = skipped(rule, SkipReasonEngineTimeout)
		case criticalFailed && rule.Severity != SeverityCritical:
			rr = skipped(rule, SkipReasonCriticalPrecedence)
		default:
			rr = e.evaluateRule(ctx, rule, cctx)
		}

		if rr.Outcome == OutcomeFail && rule.Severity == SeverityCritical {
			criticalFailed = true
		}

		res.AllResults = append(res.AllResults, rr)
		switch rr.Outcome {
		case OutcomePass:
			res.Counts.Evaluated++
			res.Counts.Passed++
		case OutcomeFail:
			res.Counts.Evaluated++
			res.Counts.Failed++
			res.Triggered = append(res.Triggered, rr)
		case OutcomeFlag:
			res.Counts.Evaluated++
			res.Counts.Flagged++
			res.Triggered = append(res.Triggered, rr)
		case OutcomeSkip:
			res.Counts.Skipped++
		}
	}

	res.AggregateOutcome = aggregate(res.Counts, res.Truncated)
	res.ExecutionTime = time.Since(started)

	e.logger.Debug("rule engine run complete",
		"claim_id", cctx.Claim.ClaimID,
		"ruleset_version", res.RulesetVersion,
		"aggregate", res.AggregateOutcome,
		"evaluated", res.Counts.Evaluated,
		"skipped", res.Counts.Skipped,
		"truncated", res.Truncated,
	)
	return res, nil
}

// aggregate applies the invariants: FAIL iff any rule failed, else FLAG iff
// any rule flagged, else PASS. Skips never change the aggregate — except
// that a truncated run must not report PASS, so it degrades to FLAG.
func aggregate(c Counts, truncated bool) AggregateOutcome {
	switch {
	case c.Failed > 0:
		return AggregateFail
	case c.Flagged > 0:
		return AggregateFlag
	case truncated:
		return AggregateFlag
	default:
		return AggregatePass
	}
}

func (e *Engine) evaluateRule(ctx context.Context, rule Definition, cctx *claims.Context) Result {
	rr := Result{
		RuleID:              rule.RuleID,
		RuleVersion:         rule.Version,
		Category:            rule.Category,
		Severity:            rule.Severity,
		ExpressionEvaluated: rule.ConditionExpression,
		ParameterValues:     rule.Parameters,
		InputSnapshot:       inputSnapshot(cctx),
		Tags:                rule.Tags,
	}

	ruleCtx, cancel := context.WithTimeout(ctx, e.cfg.RuleTimeout)
	defer cancel()

	start := time.Now()
	ok, err := e.evaluator.Evaluate(ruleCtx, rule.ConditionExpression, cctx.Activation(rule.Parameters))
	rr.ExecutionTime = time.Since(start)

	if err != nil {
		// Evaluation problems never hard-fail a claim; they flag it for a
		// human instead, so a broken rule cannot auto-decline or let the
		// aggregate report PASS.
		rr.Outcome = OutcomeFlag
		rr.Message = fmt.Sprintf("rule %s could not be evaluated", rule.RuleID)
		rr.Details = map[string]any{"error": err.Error()}
		e.logger.Warn("rule evaluation error",
			"rule_id", rule.RuleID, "rule_version", rule.Version, "error", err)
		return rr
	}

	if ok {
		rr.Outcome = OutcomePass
		rr.Message = fmt.Sprintf("%s passed", rule.Name)
		return rr
	}

	// Condition false: CRITICAL rules fail the claim, everything else flags.
	if rule.Severity == SeverityCritical {
		rr.Outcome = OutcomeFail
	} else {
		rr.Outcome = OutcomeFlag
	}
	rr.Message = rule.Name
	return rr
}

func skipped(rule Definition, reason string) Result {
	return Result{
		RuleID:              rule.RuleID,
		RuleVersion:         rule.Version,
		Category:            rule.Category,
		Severity:            rule.Severity,
		Outcome:             OutcomeSkip,
		Message:             reason,
		Details:             map[string]any{"skip_reason": reason},
		ExpressionEvaluated: rule.ConditionExpression,
		Tags:                rule.Tags,
	}
}

// inputSnapshot captures the claim-identifying subset recorded with every
// rule result. Parameters are recorded separately on the result.
func inputSnapshot(cctx *claims.Context) map[string]any {
	return map[string]any{
		"claim_id":      cctx.Claim.ClaimID,
		"claim_type":    string(cctx.Claim.ClaimType),
		"billed_amount": cctx.Claim.BilledAmount,
		"service_date":  cctx.Claim.ServiceDate.UTC().Format("2006-01-02"),
		"evaluated_on":  cctx.Today.Format("2006-01-02"),
	}
}
