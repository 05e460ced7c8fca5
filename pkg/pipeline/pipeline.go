// Package pipeline orchestrates one claim's path through the system:
// admission, rule evaluation, ML scoring, synthesis, audit, and publication,
// under cascading time budgets and the current degradation level. The level
// is read once at admission; a claim runs end to end at the level it
// started with.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearpath-health/dcal/pkg/audit"
	"github.com/clearpath-health/dcal/pkg/claims"
	"github.com/clearpath-health/dcal/pkg/health"
	"github.com/clearpath-health/dcal/pkg/ingest"
	"github.com/clearpath-health/dcal/pkg/ml"
	"github.com/clearpath-health/dcal/pkg/publish"
	"github.com/clearpath-health/dcal/pkg/rules"
	"github.com/clearpath-health/dcal/pkg/synthesis"
	"github.com/clearpath-health/dcal/pkg/trace"
)

// Budgets are the cascading stage budgets. The total bounds the whole run;
// stage budgets bound individual phases inside it.
type Budgets struct {
	Total     time.Duration
	Synthesis time.Duration
	Audit     time.Duration
	Publish   time.Duration
}

// DefaultBudgets returns the production defaults. Rule and ML budgets live
// on their own components.
func DefaultBudgets() Budgets {
	return Budgets{
		Total:     2 * time.Second,
		Synthesis: 100 * time.Millisecond,
		Audit:     200 * time.Millisecond,
		Publish:   100 * time.Millisecond,
	}
}

// ErrParked marks a claim held for redelivery: its offset must not be
// committed.
var ErrParked = errors.New("pipeline: claim parked")

// ContextLoader enriches a claim with reference data (policy, provider,
// member history, tariffs) before evaluation. The default loader returns an
// empty context; deployments wire their read replicas here.
type ContextLoader func(ctx context.Context, c *claims.Claim, today time.Time) (*claims.Context, error)

// OutcomeObserver sees every terminal outcome and the wall time it took.
type OutcomeObserver func(out *Outcome, elapsed time.Duration)

// Journal records reports that cannot be audited or published, for
// operator-driven replay after recovery. The emergency-bypass level writes
// every report here before parking the claim.
type Journal interface {
	Record(ctx context.Context, rep *synthesis.IntelligenceReport) error
}

// Outcome is the terminal result of processing one envelope.
type Outcome struct {
	State  synthesis.State
	Report *synthesis.IntelligenceReport
	// Rejection is set when State is REJECTED or DROPPED.
	Rejection *ingest.Rejection
}

// Pipeline wires the stages together.
type Pipeline struct {
	ingestor    *ingest.Ingestor
	engine      *rules.Engine
	aggregator  *ml.Aggregator
	synthesizer *synthesis.Synthesizer
	auditStore  audit.Store
	publisher   *publish.Publisher
	degradation *health.Manager
	breakers    *health.Registry
	loader      ContextLoader
	observer    OutcomeObserver
	journal     Journal
	budgets     Budgets
	logger      *slog.Logger
	clock       func() time.Time
}

// New assembles the pipeline.
func New(
	ingestor *ingest.Ingestor,
	engine *rules.Engine,
	aggregator *ml.Aggregator,
	synthesizer *synthesis.Synthesizer,
	auditStore audit.Store,
	publisher *publish.Publisher,
	degradation *health.Manager,
	breakers *health.Registry,
	budgets Budgets,
) *Pipeline {
	return &Pipeline{
		ingestor:    ingestor,
		engine:      engine,
		aggregator:  aggregator,
		synthesizer: synthesizer,
		auditStore:  auditStore,
		publisher:   publisher,
		degradation: degradation,
		breakers:    breakers,
		loader: func(_ context.Context, c *claims.Claim, today time.Time) (*claims.Context, error) {
			return claims.NewContext(c, today), nil
		},
		budgets: budgets,
		logger:  slog.Default().With("component", "pipeline"),
		clock:   time.Now,
	}
}

// WithContextLoader wires the reference-data loader.
func (p *Pipeline) WithContextLoader(loader ContextLoader) *Pipeline {
	if loader != nil {
		p.loader = loader
	}
	return p
}

// WithClock overrides the clock for deterministic testing.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// WithOutcomeObserver wires a callback invoked for every classified outcome,
// including parked ones.
func (p *Pipeline) WithOutcomeObserver(fn OutcomeObserver) *Pipeline {
	p.observer = fn
	return p
}

// WithJournal wires the local report journal used at the emergency-bypass
// level.
func (p *Pipeline) WithJournal(j Journal) *Pipeline {
	p.journal = j
	return p
}

// Process runs one raw envelope through the full pipeline. The returned
// Outcome is terminal; ErrParked (alone among errors) means the offset must
// not be committed.
func (p *Pipeline) Process(ctx context.Context, raw []byte) (*Outcome, error) {
	start := time.Now()
	out, err := p.process(ctx, raw)
	if out != nil && p.observer != nil {
		p.observer(out, time.Since(start))
	}
	return out, err
}

func (p *Pipeline) process(ctx context.Context, raw []byte) (*Outcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.budgets.Total)
	defer cancel()

	level := p.degradation.Current()

	// Admission.
	adm, err := p.ingestor.Admit(runCtx, raw)
	if err != nil {
		if rej, ok := ingest.AsRejection(err); ok {
			return p.reject(ctx, rej)
		}
		// Rate gate or cancellation: redeliver later.
		return nil, fmt.Errorf("pipeline: admission: %w", err)
	}

	tr := trace.New(adm.Claim.ClaimID).WithClock(p.clock)
	_ = tr.RecordStage("INGESTED", "OK", 0, map[string]any{
		"payload_hash":     adm.PayloadHash,
		"degradation":      level.String(),
		"envelope_created": adm.EnvelopeTimestamp,
	})

	cctx, err := p.loader(runCtx, adm.Claim, p.clock())
	if err != nil {
		// Reference data unavailable: hold the claim for redelivery rather
		// than analyze it blind.
		p.logger.Error("context load failed, parking claim",
			"claim_id", adm.Claim.ClaimID, "error", err)
		return &Outcome{State: synthesis.StateParked}, ErrParked
	}

	// At L4 and above automated analysis is suspended: every claim goes to a
	// human, but intake keeps flowing.
	if level >= health.LevelL4 {
		return p.manualOnly(ctx, cctx, tr, level)
	}

	rep, err := p.analyze(runCtx, cctx, tr, level)
	if err != nil {
		return nil, err
	}
	return p.finish(ctx, rep)
}

// manualOnly is the L4/L5 executor: rules and ML are bypassed and the claim
// is routed to a review queue with a priority driven by its amount. At L5
// the audit chain is down too, so the report is journaled locally and the
// claim parked for replay instead of being published.
func (p *Pipeline) manualOnly(ctx context.Context, cctx *claims.Context, tr *trace.Trace, level health.Level) (*Outcome, error) {
	_ = tr.RecordStage("RULES", "SKIPPED", 0, map[string]any{"reason": "degraded operation"})
	_ = tr.RecordStage("ML", "SKIPPED", 0, map[string]any{"reason": "degraded operation"})

	rep, err := p.synthesizer.ManualReview(cctx, tr, level, publish.ErrCodeUnavailable,
		"automated analysis suspended under degraded operation", false)
	if err != nil {
		return nil, err
	}

	if level >= health.LevelL5 {
		if p.journal != nil {
			if err := p.journal.Record(ctx, rep); err != nil {
				p.logger.Error("journal write failed", "claim_id", rep.ClaimID, "error", err)
			}
		}
		p.logger.Warn("emergency bypass: report journaled, claim parked",
			"claim_id", rep.ClaimID, "analysis_id", rep.AnalysisID)
		return &Outcome{State: synthesis.StateParked, Report: rep}, ErrParked
	}
	return p.finish(ctx, rep)
}

// finish commits the report to the audit chain and hands it to the
// publisher. The audit commit strictly precedes any external delivery.
func (p *Pipeline) finish(ctx context.Context, rep *synthesis.IntelligenceReport) (*Outcome, error) {
	if err := p.commitAudit(ctx, rep); err != nil {
		p.breakers.Get(health.DepAudit).Record(false)
		p.logger.Error("audit append failed, parking claim",
			"claim_id", rep.ClaimID, "analysis_id", rep.AnalysisID, "error", err)
		return &Outcome{State: synthesis.StateParked, Report: rep}, ErrParked
	}
	p.breakers.Get(health.DepAudit).Record(true)

	p.deliver(ctx, rep)
	p.logger.Info("claim analyzed",
		"claim_id", rep.ClaimID,
		"trace_id", rep.TraceID,
		"analysis_id", rep.AnalysisID,
		"recommendation", rep.Recommendation,
		"queue", rep.Routing.Queue,
	)
	return &Outcome{State: synthesis.StatePublished, Report: rep}, nil
}

// analyze runs rules, ML, and synthesis, degrading to a safe fallback
// report on internal failure or budget exhaustion.
func (p *Pipeline) analyze(ctx context.Context, cctx *claims.Context, tr *trace.Trace, level health.Level) (*synthesis.IntelligenceReport, error) {
	ruleStart := time.Now()
	ruleRes, err := p.engine.Evaluate(ctx, cctx)
	if err != nil {
		p.breakers.Get(health.DepRuleEngine).Record(false)
		_ = tr.RecordStage("RULES", "ERROR", time.Since(ruleStart), map[string]any{"error": err.Error()})
		return p.fallbackReport(cctx, tr, level, publish.ErrCodeInternal, "rule engine unavailable")
	}
	p.breakers.Get(health.DepRuleEngine).Record(true)
	_ = tr.RecordStage("RULES", string(ruleRes.AggregateOutcome), ruleRes.ExecutionTime, map[string]any{
		"ruleset_version": ruleRes.RulesetVersion,
		"evaluated":       ruleRes.Counts.Evaluated,
		"skipped":         ruleRes.Counts.Skipped,
	})

	var mlRes *ml.Result
	if level >= health.LevelL1 {
		mlRes = ml.DegradedResult()
		_ = tr.RecordStage("ML", "SKIPPED", 0, map[string]any{"reason": "degraded operation"})
	} else {
		mlStart := time.Now()
		mlRes = p.aggregator.Evaluate(ctx, cctx)
		if !anyModelDegraded(mlRes) {
			p.breakers.Get(health.DepML).Record(true)
		}
		_ = tr.RecordStage("ML", "OK", time.Since(mlStart), map[string]any{
			"combined_risk":       mlRes.CombinedRiskScore,
			"combined_confidence": mlRes.CombinedConfidence,
		})
	}

	if ctx.Err() != nil {
		// Total budget exhausted before synthesis: never guess under time
		// pressure, hand the claim to a human.
		return p.fallbackReport(cctx, tr, level, publish.ErrCodeBudgetExceeded, "analysis budget exhausted")
	}

	// Synthesis is pure CPU and runs inline; the stage budget is advisory
	// and overruns are surfaced rather than aborted.
	synthStart := time.Now()
	rep, synthErr := p.synthesizer.Synthesize(cctx, ruleRes, mlRes, tr, level)
	if synthErr != nil {
		p.breakers.Get(health.DepDecision).Record(false)
		return p.fallbackReport(cctx, tr, level, publish.ErrCodeSynthesisFailed, synthErr.Error())
	}
	p.breakers.Get(health.DepDecision).Record(true)
	if elapsed := time.Since(synthStart); elapsed > p.budgets.Synthesis {
		p.logger.Warn("synthesis over budget",
			"claim_id", rep.ClaimID, "elapsed", elapsed, "budget", p.budgets.Synthesis)
	}
	return rep, nil
}

// fallbackReport builds the conservative stand-in report used when a stage
// fails: manual review, never an auto decision. Internal failures escalate
// to senior hands.
func (p *Pipeline) fallbackReport(cctx *claims.Context, tr *trace.Trace, level health.Level, code, detail string) (*synthesis.IntelligenceReport, error) {
	escalate := code == publish.ErrCodeSynthesisFailed || code == publish.ErrCodeInternal
	return p.synthesizer.ManualReview(cctx, tr, level, code, detail, escalate)
}

// commitAudit appends the report to the chain under the audit budget. It
// uses a fresh deadline: the audit write must not be starved by earlier
// stages eating the total budget.
func (p *Pipeline) commitAudit(ctx context.Context, rep *synthesis.IntelligenceReport) error {
	auditCtx, cancel := context.WithTimeout(ctx, p.budgets.Audit)
	defer cancel()

	body, err := canonicalReport(rep)
	if err != nil {
		return err
	}
	_, err = p.auditStore.Append(auditCtx, audit.Entry{
		AnalysisID: rep.AnalysisID,
		ClaimID:    rep.ClaimID,
		Report:     body,
	})
	return err
}

// deliver stages the event durably, then hands it to the publisher without
// blocking past the publish budget. A missed enqueue is recovered by the
// outbox replayer.
func (p *Pipeline) deliver(ctx context.Context, rep *synthesis.IntelligenceReport) {
	stageCtx, cancel := context.WithTimeout(ctx, p.budgets.Publish)
	defer cancel()

	if err := p.publisher.Stage(stageCtx, rep); err != nil {
		p.logger.Error("event staging failed", "analysis_id", rep.AnalysisID, "error", err)
	}
	if err := p.publisher.Enqueue(stageCtx, rep); err != nil {
		p.logger.Warn("publisher backlogged, event left to replayer",
			"analysis_id", rep.AnalysisID, "error", err)
	}
}

// reject publishes the error event for a classified rejection and returns
// the terminal outcome. Rejections commit: replaying them cannot succeed.
func (p *Pipeline) reject(ctx context.Context, rej *ingest.Rejection) (*Outcome, error) {
	state := synthesis.StateRejected
	code := publish.ErrCodeValidation
	switch rej.Reason {
	case ingest.ReasonSignatureInvalid:
		code = publish.ErrCodeSignature
	case ingest.ReasonUnsupportedVersion:
		code = publish.ErrCodeSchemaVersion
	case ingest.ReasonStaleTimestamp, ingest.ReasonDuplicate:
		code = publish.ErrCodeAlreadyProcessed
		state = synthesis.StateDropped
	}

	ev := &publish.ErrorEvent{
		EventVersion: publish.EventVersion,
		Timestamp:    p.clock().UTC(),
		ErrorCode:    code,
		Message:      rej.Detail,
	}
	if err := p.publisher.PublishError(ctx, ev); err != nil {
		p.logger.Error("error event publish failed", "error", err)
	}

	if rej.SecurityAlert {
		p.logger.Warn("security-relevant rejection", "reason", rej.Reason)
	} else {
		p.logger.Info("claim rejected", "reason", rej.Reason)
	}
	return &Outcome{State: state, Rejection: rej}, nil
}

func anyModelDegraded(res *ml.Result) bool {
	if len(res.ModelResults) == 0 {
		return true
	}
	for _, m := range res.ModelResults {
		if m.Degraded {
			return true
		}
	}
	return false
}

func canonicalReport(rep *synthesis.IntelligenceReport) ([]byte, error) {
	body, err := json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode report for audit: %w", err)
	}
	return body, nil
}
