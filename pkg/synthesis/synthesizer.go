package synthesis

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clearpath-health/dcal/pkg/claims"
	"github.com/clearpath-health/dcal/pkg/health"
	"github.com/clearpath-health/dcal/pkg/ml"
	"github.com/clearpath-health/dcal/pkg/rules"
	"github.com/clearpath-health/dcal/pkg/trace"
)

// TagFraud marks a rule whose failure or flag is a fraud signal regardless
// of category.
const TagFraud = "FRAUD"

// Severity weights feeding the rule-side risk contribution when the
// aggregate is FLAG. An aggregate FAIL pins the rule risk to 1.0.
var severityWeight = map[rules.Severity]float64{
	rules.SeverityCritical: 1.0,
	rules.SeverityMajor:    0.7,
	rules.SeverityMinor:    0.4,
	rules.SeverityInfo:     0.1,
}

// ruleIndicatorSeverity maps rule severities onto the unified indicator
// scale shared with ML anomalies.
var ruleIndicatorSeverity = map[rules.Severity]string{
	rules.SeverityCritical: "CRITICAL",
	rules.SeverityMajor:    "HIGH",
	rules.SeverityMinor:    "MEDIUM",
	rules.SeverityInfo:     "LOW",
}

// skipConfidenceDiscount is applied to the rule-side confidence when any
// rule was skipped: the picture is incomplete, so certainty drops.
const skipConfidenceDiscount = 0.9

// Synthesizer turns rule and ML outputs into an Intelligence Report.
type Synthesizer struct {
	thresholds *ThresholdStore
	router     *Router
	logger     *slog.Logger
	clock      func() time.Time
	newID      func() string
}

// NewSynthesizer constructs the decision engine.
func NewSynthesizer(thresholds *ThresholdStore, router *Router) *Synthesizer {
	return &Synthesizer{
		thresholds: thresholds,
		router:     router,
		logger:     slog.Default().With("component", "synthesizer"),
		clock:      time.Now,
		newID:      uuid.NewString,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Synthesizer) WithClock(clock func() time.Time) *Synthesizer {
	s.clock = clock
	return s
}

// WithIDGenerator overrides analysis-id generation for deterministic testing.
func (s *Synthesizer) WithIDGenerator(fn func() string) *Synthesizer {
	s.newID = fn
	return s
}

// verdict is the outcome of the decision precedence. An empty queue defers
// the assignment to the router's ordered mapping.
type verdict struct {
	rec      Recommendation
	queue    Queue
	priority Priority
	source   string // RULE, ML, SYNTHESIS
	reason   string
}

// Synthesize builds the report for one claim and seals its trace. level is
// the degradation level the claim was admitted at; at L2 and above the
// auto-approve ML ceiling is halved.
func (s *Synthesizer) Synthesize(
	cctx *claims.Context,
	ruleRes *rules.EngineResult,
	mlRes *ml.Result,
	tr *trace.Trace,
	level health.Level,
) (*IntelligenceReport, error) {
	th := s.thresholds.Current()
	now := s.clock().UTC()

	rep := &IntelligenceReport{
		AnalysisID:       s.newID(),
		ClaimID:          cctx.Claim.ClaimID,
		TraceID:          tr.TraceID,
		Timestamp:        now,
		RuleOutcome:      ruleRes.AggregateOutcome,
		RuleCounts:       ruleRes.Counts,
		TriggeredRules:   ruleRes.Triggered,
		RulesetVersion:   ruleRes.RulesetVersion,
		EngineVersion:    ruleRes.EngineVersion,
		MLRiskScore:      mlRes.CombinedRiskScore,
		MLConfidence:     mlRes.CombinedConfidence,
		TopRiskFactors:   mlRes.TopRiskFactors,
		AnomalySummary:   mlRes.AnomalySummary,
		MLDegraded:       mlDegraded(mlRes),
		DegradationLevel: level.String(),
	}

	rep.RiskScore = combinedRisk(ruleRes, mlRes)
	rep.Confidence = combinedConfidence(ruleRes, mlRes)

	v := s.decide(rep, ruleRes, mlRes, th, level, cctx.Claim.BilledAmount, tr)
	rep.Recommendation = v.rec
	_ = tr.RecordDecision("RECOMMENDATION", v.reason, map[string]any{
		"recommendation": string(v.rec),
		"risk_score":     rep.RiskScore,
		"confidence":     rep.Confidence,
	})

	routing, err := s.router.Route(rep, ruleRes, v.queue, v.priority, th, cctx.Claim.BilledAmount, now)
	if err != nil {
		return nil, fmt.Errorf("synthesis: route report: %w", err)
	}
	rep.Routing = routing
	_ = tr.RecordDecision("ROUTING", "queue assigned", map[string]any{
		"queue":    string(routing.Queue),
		"priority": string(routing.Priority),
		"fallback": routing.FallbackApplied,
	})

	buildNarrative(rep, ruleRes, mlRes, v)
	rep.HistoricalContext = historicalContext(cctx)
	rep.RelatedClaims = relatedClaims(cctx, th.RelatedClaimsTopN)

	integrity, err := tr.Lock()
	if err != nil {
		return nil, fmt.Errorf("synthesis: lock trace: %w", err)
	}
	rep.Trace = tr.Snapshot()
	rep.TraceIntegrity = integrity

	s.logger.Info("report synthesized",
		"claim_id", rep.ClaimID,
		"trace_id", rep.TraceID,
		"recommendation", rep.Recommendation,
		"queue", rep.Routing.Queue,
		"risk_score", rep.RiskScore,
		"confidence", rep.Confidence,
	)
	return rep, nil
}

// ManualReview builds the conservative stand-in report used when analysis
// cannot run: no rule or ML evidence, a human gets the claim, and the
// priority scales with the billed amount. escalate forces senior hands, used
// for internal failures.
func (s *Synthesizer) ManualReview(
	cctx *claims.Context,
	tr *trace.Trace,
	level health.Level,
	code, detail string,
	escalate bool,
) (*IntelligenceReport, error) {
	th := s.thresholds.Current()
	now := s.clock().UTC()
	amount := cctx.Claim.BilledAmount

	queue := QueueStandardReview
	priority := PriorityLow
	switch {
	case escalate:
		queue, priority = QueueSeniorReview, PriorityHigh
	case amount > th.SeniorReviewAmount:
		queue, priority = QueueSeniorReview, PriorityHigh
	case amount > th.AutoApproveMaxAmount:
		priority = PriorityMedium
	}

	_ = tr.RecordDecision("FALLBACK", detail, map[string]any{"code": code})
	routing, err := s.router.Assigned(queue, priority, now)
	if err != nil {
		return nil, fmt.Errorf("synthesis: route fallback: %w", err)
	}

	integrity, err := tr.Lock()
	if err != nil {
		return nil, fmt.Errorf("synthesis: lock fallback trace: %w", err)
	}

	return &IntelligenceReport{
		AnalysisID:     s.newID(),
		ClaimID:        cctx.Claim.ClaimID,
		TraceID:        tr.TraceID,
		Timestamp:      now,
		Recommendation: RecommendManualReview,
		RiskScore:      ml.NeutralRiskScore,
		Confidence:     0,
		Routing:        routing,
		MLDegraded:     true,
		PrimaryReasons: []string{fmt.Sprintf("[SYNTHESIS] %s", detail)},
		RiskIndicators: []RiskIndicator{{
			Code:        code,
			Severity:    "HIGH",
			Source:      "SYNTHESIS",
			Description: detail,
		}},
		SuggestedActions: suggestedActions(RecommendManualReview, routing.Queue),
		DegradationLevel: level.String(),
		Trace:            tr.Snapshot(),
		TraceIntegrity:   integrity,
	}, nil
}

// decide applies the decision precedence: the rule verdict outranks ML, ML
// thresholds order the rest, and the confidence gate and amount guardrail
// can demote an auto decision to manual review.
func (s *Synthesizer) decide(
	rep *IntelligenceReport,
	ruleRes *rules.EngineResult,
	mlRes *ml.Result,
	th Thresholds,
	level health.Level,
	amount float64,
	tr *trace.Trace,
) verdict {
	switch ruleRes.AggregateOutcome {
	case rules.AggregateFail:
		v := verdict{
			rec:      RecommendAutoDecline,
			queue:    QueueStandardReview,
			priority: PriorityHigh,
			source:   "RULE",
			reason:   "rule failure",
		}
		if fraudTriggered(ruleRes, true) {
			v.queue, v.priority = QueueFraudInvestigation, PriorityCritical
			v.reason = "rule failure with fraud signal"
		}
		if rep.Confidence < th.MinConfidenceForAuto {
			_ = tr.RecordDecision("CONFIDENCE_OVERRIDE", "auto-decline withheld", map[string]any{
				"confidence": rep.Confidence,
				"required":   th.MinConfidenceForAuto,
			})
			return verdict{
				rec:      RecommendManualReview,
				queue:    QueueSeniorReview,
				priority: v.priority,
				source:   "SYNTHESIS",
				reason:   "rule failure below the auto-decline confidence floor",
			}
		}
		return v

	case rules.AggregateFlag:
		return verdict{
			rec:      RecommendManualReview,
			priority: priorityFromRisk(rep.RiskScore, th),
			source:   "RULE",
			reason:   "flagged rules require review",
		}
	}

	// Rules passed: the ML gate decides.
	autoML := th.AutoApproveML
	if level >= health.LevelL2 {
		// Conservative mode halves the auto-approve ceiling.
		autoML /= 2
	}
	r := mlRes.CombinedRiskScore
	switch {
	case r >= th.HighRisk:
		return verdict{rec: RecommendManualReview, priority: PriorityHigh, source: "ML",
			reason: "combined risk at or above the high-risk threshold"}
	case r >= th.MediumRisk:
		return verdict{rec: RecommendManualReview, priority: PriorityMedium, source: "ML",
			reason: "combined risk at or above the medium-risk threshold"}
	case r >= autoML || mlRes.RequiresReview:
		return verdict{rec: RecommendManualReview, priority: PriorityLow, source: "ML",
			reason: "combined risk above the auto-approve threshold"}
	}

	// Auto-approve candidate: confidence gate, then amount guardrail.
	if rep.Confidence < th.MinConfidenceForAuto {
		_ = tr.RecordDecision("CONFIDENCE_OVERRIDE", "auto-approve withheld", map[string]any{
			"confidence": rep.Confidence,
			"required":   th.MinConfidenceForAuto,
		})
		return verdict{rec: RecommendManualReview, queue: QueueStandardReview, priority: PriorityLow,
			source: "SYNTHESIS", reason: "confidence below the auto-decision floor"}
	}
	if amount > th.AutoApproveMaxAmount {
		return verdict{rec: RecommendManualReview, queue: QueueSeniorReview, priority: PriorityLow,
			source: "SYNTHESIS", reason: "amount above the auto-approve ceiling"}
	}
	return verdict{rec: RecommendAutoApprove, queue: QueueAutoProcess, priority: PriorityLow,
		source: "ML", reason: "all auto-approve gates satisfied"}
}

// combinedRisk merges the rule-side and ML-side risk. An aggregate FAIL pins
// the rule risk to 1.0; a FLAG contributes the strongest triggered severity
// weight. When present, the rule risk is weighted at 0.6 and the worse of
// the two sides wins.
func combinedRisk(ruleRes *rules.EngineResult, mlRes *ml.Result) float64 {
	ruleRisk := 0.0
	switch ruleRes.AggregateOutcome {
	case rules.AggregateFail:
		ruleRisk = 1.0
	case rules.AggregateFlag:
		for _, r := range ruleRes.Triggered {
			if w := severityWeight[r.Severity]; w > ruleRisk {
				ruleRisk = w
			}
		}
	}
	if ruleRisk > 0 {
		return clamp01(math.Max(ruleRisk*0.6, mlRes.CombinedRiskScore))
	}
	return clamp01(mlRes.CombinedRiskScore)
}

// combinedConfidence is the geometric mean of the two sides, so either side
// losing certainty pulls the whole down. Skipped rules discount the rule
// side: the claim was not fully examined.
func combinedConfidence(ruleRes *rules.EngineResult, mlRes *ml.Result) float64 {
	ruleConf := 1.0
	if ruleRes.HadSkips() || ruleRes.Truncated {
		ruleConf = skipConfidenceDiscount
	}
	return clamp01(math.Sqrt(ruleConf * mlRes.CombinedConfidence))
}

// fraudTriggered reports whether any triggered rule carries the fraud tag or
// the duplicate-detection category. failedOnly restricts the scan to FAIL
// outcomes, the form the decline path cares about.
func fraudTriggered(ruleRes *rules.EngineResult, failedOnly bool) bool {
	for _, r := range ruleRes.Triggered {
		if failedOnly && r.Outcome != rules.OutcomeFail {
			continue
		}
		if r.Category == rules.CategoryDuplicateDetection {
			return true
		}
		for _, tag := range r.Tags {
			if tag == TagFraud {
				return true
			}
		}
	}
	return false
}

func mlDegraded(mlRes *ml.Result) bool {
	if len(mlRes.ModelResults) == 0 {
		return true
	}
	for _, m := range mlRes.ModelResults {
		if m.Degraded {
			return true
		}
	}
	return false
}

// buildNarrative fills the explanation fields: primary reasons prefixed by
// source, secondary factors from PASSed non-INFO rules and ML anomaly
// summaries, unified risk indicators, and the suggested next steps.
func buildNarrative(rep *IntelligenceReport, ruleRes *rules.EngineResult, mlRes *ml.Result, v verdict) {
	for _, r := range ruleRes.Triggered {
		rep.PrimaryReasons = append(rep.PrimaryReasons, fmt.Sprintf("[%s] %s", r.RuleID, triggerMessage(r)))
	}
	if v.source != "RULE" {
		rep.PrimaryReasons = append(rep.PrimaryReasons, fmt.Sprintf("[%s] %s", v.source, v.reason))
	}

	for _, r := range ruleRes.AllResults {
		if r.Outcome == rules.OutcomePass && r.Severity != rules.SeverityInfo {
			rep.SecondaryFactors = append(rep.SecondaryFactors, fmt.Sprintf("[%s] passed", r.RuleID))
		}
	}
	rep.SecondaryFactors = append(rep.SecondaryFactors, mlRes.AnomalySummary...)

	rep.RiskIndicators = buildRiskIndicators(ruleRes, mlRes, rep)
	rep.SuggestedActions = suggestedActions(rep.Recommendation, rep.Routing.Queue)
}

func buildRiskIndicators(ruleRes *rules.EngineResult, mlRes *ml.Result, rep *IntelligenceReport) []RiskIndicator {
	var out []RiskIndicator
	for _, r := range ruleRes.Triggered {
		out = append(out, RiskIndicator{
			Code:        r.RuleID,
			Severity:    ruleIndicatorSeverity[r.Severity],
			Source:      "RULE",
			Description: triggerMessage(r),
		})
	}
	for _, m := range mlRes.ModelResults {
		for _, a := range m.AnomalyIndicators {
			out = append(out, RiskIndicator{
				Code:        a.Type,
				Severity:    a.Severity,
				Source:      "ML",
				Description: a.Description,
			})
		}
	}
	if rep.MLDegraded {
		out = append(out, RiskIndicator{
			Code:        "ML_DEGRADED",
			Severity:    "HIGH",
			Source:      "SYNTHESIS",
			Description: "one or more scoring models were unavailable; neutral scores substituted",
		})
	}
	if ruleRes.Truncated {
		out = append(out, RiskIndicator{
			Code:        "RULES_TRUNCATED",
			Severity:    "HIGH",
			Source:      "SYNTHESIS",
			Description: "rule evaluation exceeded its budget; unevaluated rules were skipped",
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := indicatorRank(out[i].Severity), indicatorRank(out[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return out[i].Code < out[j].Code
	})
	return out
}

func indicatorRank(severity string) int {
	if r, ok := indicatorSeverityRank[severity]; ok {
		return r
	}
	return len(indicatorSeverityRank)
}

func triggerMessage(r rules.Result) string {
	if r.Message != "" {
		return r.Message
	}
	return "rule condition matched"
}

func suggestedActions(rec Recommendation, queue Queue) []string {
	switch {
	case rec == RecommendAutoApprove:
		return []string{"Release for automatic processing"}
	case rec == RecommendAutoDecline && queue == QueueFraudInvestigation:
		return []string{"Open a fraud investigation case", "Hold payment pending investigation"}
	case rec == RecommendAutoDecline:
		return []string{"Issue a decline notice citing the failed rules"}
	case queue == QueueFraudInvestigation:
		return []string{"Assign a fraud investigator", "Request supporting documentation"}
	case queue == QueueMedicalDirector:
		return []string{"Obtain a medical director opinion on necessity"}
	case queue == QueueComplianceReview:
		return []string{"Verify policy coverage and regulatory terms"}
	case queue == QueueSeniorReview:
		return []string{"Assign a senior reviewer"}
	default:
		return []string{"Review the listed findings before adjudication"}
	}
}

func historicalContext(cctx *claims.Context) *HistoricalContext {
	if len(cctx.History) == 0 {
		return nil
	}
	hc := &HistoricalContext{ClaimCount: len(cctx.History)}
	for _, h := range cctx.History {
		if amt, ok := h["billed_amount"].(float64); ok {
			hc.TotalBilled += amt
		}
		if d, ok := h["service_date"].(string); ok && d > hc.LastServiceDate {
			hc.LastServiceDate = d
		}
	}
	return hc
}

// relatedClaims surfaces up to topN historical claims tied to this one,
// duplicates first, then most recent.
func relatedClaims(cctx *claims.Context, topN int) []RelatedClaim {
	if topN <= 0 || len(cctx.History) == 0 {
		return nil
	}

	type scored struct {
		rc   RelatedClaim
		dup  bool
		date string
	}
	var candidates []scored
	for _, h := range cctx.History {
		id, _ := h["claim_id"].(string)
		if id == "" || id == cctx.Claim.ClaimID {
			continue
		}
		date, _ := h["service_date"].(string)
		amount, _ := h["billed_amount"].(float64)
		provider, _ := h["provider_id"].(string)

		relation := "SAME_MEMBER"
		dup := false
		if sameProcedures(h, cctx.Claim) && date == cctx.Claim.ServiceDate.UTC().Format("2006-01-02") {
			relation = "POSSIBLE_DUPLICATE"
			dup = true
		} else if provider != "" && provider == cctx.Claim.ProviderID {
			relation = "SAME_PROVIDER"
		}
		candidates = append(candidates, scored{
			rc:   RelatedClaim{ClaimID: id, Relation: relation, ServiceDate: date, Amount: amount},
			dup:  dup,
			date: date,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].dup != candidates[j].dup {
			return candidates[i].dup
		}
		if candidates[i].date != candidates[j].date {
			return candidates[i].date > candidates[j].date
		}
		return candidates[i].rc.ClaimID < candidates[j].rc.ClaimID
	})
	if len(candidates) > topN {
		candidates = candidates[:topN]
	}
	out := make([]RelatedClaim, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.rc)
	}
	return out
}

func sameProcedures(h map[string]any, claim *claims.Claim) bool {
	raw, ok := h["procedure_codes"].([]any)
	if !ok || len(raw) != len(claim.ProcedureCodes) {
		return false
	}
	seen := map[string]bool{}
	for _, v := range raw {
		if code, ok := v.(string); ok {
			seen[code] = true
		}
	}
	for _, p := range claim.ProcedureCodes {
		if !seen[p.Code] {
			return false
		}
	}
	return true
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
