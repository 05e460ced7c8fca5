package claims

import "time"

// Context is the read-only evaluation context handed to the rule engine and
// ML scorers for one pipeline invocation. It bundles the claim with the
// reference data the rules may address: policy, provider, member history
// window, and tariff references. All maps are built once and never mutated
// afterwards; the expression evaluator only ever reads from them.
type Context struct {
	Claim    *Claim
	Policy   map[string]any
	Provider map[string]any
	Member   map[string]any
	History  []map[string]any
	Tariff   map[string]any

	// Today is the evaluation date, injected for determinism. Every
	// date-relative expression function resolves against this value.
	Today time.Time
}

// NewContext builds an evaluation context for one claim.
func NewContext(claim *Claim, today time.Time) *Context {
	return &Context{
		Claim:    claim,
		Policy:   map[string]any{},
		Provider: map[string]any{},
		Member:   map[string]any{},
		History:  []map[string]any{},
		Tariff:   map[string]any{},
		Today:    today.UTC().Truncate(24 * time.Hour),
	}
}

// Activation returns the closed set of root names addressable from rule
// expressions. Anything outside this set is a hard evaluation error.
func (c *Context) Activation(params map[string]any) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"claim":    c.claimMap(),
		"policy":   c.Policy,
		"provider": c.Provider,
		"member":   c.Member,
		"history":  c.historyList(),
		"tariff":   c.Tariff,
		"params":   params,
	}
}

func (c *Context) claimMap() map[string]any {
	procs := make([]any, 0, len(c.Claim.ProcedureCodes))
	for _, p := range c.Claim.ProcedureCodes {
		mods := make([]any, 0, len(p.Modifiers))
		for _, m := range p.Modifiers {
			mods = append(mods, m)
		}
		procs = append(procs, map[string]any{
			"code":        p.Code,
			"code_type":   string(p.CodeType),
			"quantity":    int64(p.Quantity),
			"modifiers":   mods,
			"line_amount": p.LineAmount,
		})
	}
	diags := make([]any, 0, len(c.Claim.DiagnosisCodes))
	for _, d := range c.Claim.DiagnosisCodes {
		diags = append(diags, map[string]any{
			"code":     d.Code,
			"sequence": int64(d.Sequence),
		})
	}

	m := map[string]any{
		"claim_id":        c.Claim.ClaimID,
		"policy_id":       c.Claim.PolicyID,
		"provider_id":     c.Claim.ProviderID,
		"member_id_hash":  c.Claim.MemberIDHash,
		"procedure_codes": procs,
		"diagnosis_codes": diags,
		"billed_amount":   c.Claim.BilledAmount,
		"service_date":    c.Claim.ServiceDate,
		"claim_type":      string(c.Claim.ClaimType),
		"jurisdiction":    c.Claim.Jurisdiction,
	}
	if c.Claim.ServiceDateEnd != nil {
		m["service_date_end"] = *c.Claim.ServiceDateEnd
	}
	if c.Claim.AdmissionDate != nil {
		m["admission_date"] = *c.Claim.AdmissionDate
	}
	if c.Claim.DischargeDate != nil {
		m["discharge_date"] = *c.Claim.DischargeDate
	}
	return m
}

func (c *Context) historyList() []any {
	hist := make([]any, 0, len(c.History))
	for _, h := range c.History {
		hist = append(hist, h)
	}
	return hist
}
