// Package rules implements the deterministic first gate of the pipeline:
// versioned, checksummed rule definitions served from immutable ruleset
// snapshots, and an engine that evaluates them in fixed category order
// against a claim context.
package rules

import (
	"time"

	"github.com/clearpath-health/dcal/pkg/canonicalize"
)

// Category orders rule evaluation. Categories run in the order declared by
// CategoryOrder; within a category, rules run in rule_id order.
type Category string

const (
	CategoryCritical            Category = "CRITICAL"
	CategoryPolicyCoverage      Category = "POLICY_COVERAGE"
	CategoryProviderEligibility Category = "PROVIDER_ELIGIBILITY"
	CategoryTariffCompliance    Category = "TARIFF_COMPLIANCE"
	CategoryCodingValidation    Category = "CODING_VALIDATION"
	CategoryTemporalValidation  Category = "TEMPORAL_VALIDATION"
	CategoryDuplicateDetection  Category = "DUPLICATE_DETECTION"
	CategoryBenefitLimits       Category = "BENEFIT_LIMITS"
	CategoryCustom              Category = "CUSTOM"

	// Additional routing-relevant categories recognized by the queue router.
	CategoryMedicalNecessity Category = "MEDICAL_NECESSITY"
	CategoryCompliance       Category = "COMPLIANCE"
)

// CategoryOrder is the fixed evaluation order.
var CategoryOrder = []Category{
	CategoryCritical,
	CategoryPolicyCoverage,
	CategoryProviderEligibility,
	CategoryTariffCompliance,
	CategoryCodingValidation,
	CategoryTemporalValidation,
	CategoryDuplicateDetection,
	CategoryBenefitLimits,
	CategoryCustom,
}

// categoryRank maps categories to their evaluation position. Categories not
// in CategoryOrder sort after CUSTOM, keeping ordering total.
var categoryRank = func() map[Category]int {
	m := make(map[Category]int, len(CategoryOrder))
	for i, c := range CategoryOrder {
		m[c] = i
	}
	return m
}()

// Rank returns the evaluation position of c.
func (c Category) Rank() int {
	if r, ok := categoryRank[c]; ok {
		return r
	}
	return len(CategoryOrder)
}

// Severity grades a rule.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityMajor    Severity = "MAJOR"
	SeverityMinor    Severity = "MINOR"
	SeverityInfo     Severity = "INFO"
)

// Outcome is the per-rule evaluation result.
type Outcome string

const (
	OutcomePass Outcome = "PASS"
	OutcomeFail Outcome = "FAIL"
	OutcomeFlag Outcome = "FLAG"
	OutcomeSkip Outcome = "SKIP"
)

// AggregateOutcome summarizes a full engine run.
type AggregateOutcome string

const (
	AggregatePass AggregateOutcome = "PASS"
	AggregateFail AggregateOutcome = "FAIL"
	AggregateFlag AggregateOutcome = "FLAG"
)

// Applicability scopes a rule to claim types and jurisdictions. Empty slices
// mean "all".
type Applicability struct {
	ClaimTypes    []string `json:"claim_types,omitempty"`
	Jurisdictions []string `json:"jurisdictions,omitempty"`
}

// Definition is an immutable versioned rule. New logic always means a new
// version; a Definition never mutates in place.
type Definition struct {
	RuleID              string         `json:"rule_id"`
	Version             string         `json:"version"` // semver
	Name                string         `json:"name"`
	Category            Category       `json:"category"`
	Severity            Severity       `json:"severity"`
	Enabled             bool           `json:"enabled"`
	ConditionExpression string         `json:"condition_expression"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	AppliesTo           Applicability  `json:"applies_to"`
	Tags                []string       `json:"tags,omitempty"`
	EffectiveDate       time.Time      `json:"effective_date"`
	ExpirationDate      *time.Time     `json:"expiration_date,omitempty"`
	Checksum            string         `json:"checksum"`
}

// HasTag reports whether the rule carries the given tag.
func (d *Definition) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ComputeChecksum returns the SHA-256 hex digest over the canonical JSON of
// the rule's identity-bearing fields. The stored checksum must match this on
// every load.
func ComputeChecksum(d *Definition) (string, error) {
	return canonicalize.CanonicalHash(struct {
		RuleID              string         `json:"rule_id"`
		Version             string         `json:"version"`
		ConditionExpression string         `json:"condition_expression"`
		Parameters          map[string]any `json:"parameters"`
	}{
		RuleID:              d.RuleID,
		Version:             d.Version,
		ConditionExpression: d.ConditionExpression,
		Parameters:          d.Parameters,
	})
}

// RulesetStatus is the lifecycle state of a ruleset version.
type RulesetStatus string

const (
	RulesetDraft      RulesetStatus = "DRAFT"
	RulesetTesting    RulesetStatus = "TESTING"
	RulesetCanary     RulesetStatus = "CANARY"
	RulesetActive     RulesetStatus = "ACTIVE"
	RulesetDeprecated RulesetStatus = "DEPRECATED"
)

// Ruleset is an immutable versioned bundle of rules. Exactly one ruleset is
// ACTIVE per environment.
type Ruleset struct {
	Version     string        `json:"version"`
	Status      RulesetStatus `json:"status"`
	RuleIDs     []string      `json:"rule_ids"`
	ActivatedAt time.Time     `json:"activated_at"`
}

// Result is the evaluation record of one rule against one claim.
type Result struct {
	RuleID              string         `json:"rule_id"`
	RuleVersion         string         `json:"rule_version"`
	Category            Category       `json:"category"`
	Outcome             Outcome        `json:"outcome"`
	Severity            Severity       `json:"severity"`
	Message             string         `json:"message"`
	Details             map[string]any `json:"details,omitempty"`
	ExecutionTime       time.Duration  `json:"execution_time_ns"`
	InputSnapshot       map[string]any `json:"input_snapshot,omitempty"`
	ExpressionEvaluated string         `json:"expression_evaluated"`
	ParameterValues     map[string]any `json:"parameter_values,omitempty"`
	Tags                []string       `json:"tags,omitempty"`
}

// Counts summarizes per-rule outcomes.
type Counts struct {
	Evaluated int `json:"evaluated"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Flagged   int `json:"flagged"`
	Skipped   int `json:"skipped"`
}

// EngineResult aggregates one full rule-engine run.
type EngineResult struct {
	AggregateOutcome AggregateOutcome `json:"aggregate_outcome"`
	Counts           Counts           `json:"counts"`
	Triggered        []Result         `json:"triggered"`
	AllResults       []Result         `json:"all_results"`
	EngineVersion    string           `json:"engine_version"`
	RulesetVersion   string           `json:"ruleset_version"`
	ExecutionTime    time.Duration    `json:"execution_time_ns"`
	Timestamp        time.Time        `json:"timestamp"`
	Truncated        bool             `json:"truncated,omitempty"`
}

// HadSkips reports whether any rule was skipped; the synthesizer discounts
// rule confidence when this is true.
func (r *EngineResult) HadSkips() bool {
	return r.Counts.Skipped > 0
}
