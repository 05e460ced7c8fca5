package claims

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func validClaim() *Claim {
	return &Claim{
		ClaimID:      "CLM-2026-000000001",
		PolicyID:     "POL-42",
		ProviderID:   "PRV-7",
		MemberIDHash: strings.Repeat("ab", 32),
		ProcedureCodes: []ProcedureCode{
			{Code: "99213", CodeType: CodeTypeCPT, Quantity: 1, LineAmount: 120.00},
		},
		DiagnosisCodes: []DiagnosisCode{
			{Code: "J06.9", Sequence: 1},
		},
		BilledAmount: 120.00,
		ServiceDate:  testNow.AddDate(0, 0, -2),
		ClaimType:    ClaimTypeProfessional,
	}
}

func newTestValidator() *Validator {
	return NewValidator().WithClock(func() time.Time { return testNow })
}

func TestValidateCleanClaim(t *testing.T) {
	res := newTestValidator().Validate(validClaim())
	require.True(t, res.Valid, "errors: %v", res.Errors)
	assert.Empty(t, res.Errors)
}

func TestValidateClaimIDFormat(t *testing.T) {
	for _, id := range []string{"", "CLM-26-000001", "CLM-2026-12345", "claim-2026-000001", "CLM-2026-1234567890123"} {
		c := validClaim()
		c.ClaimID = id
		res := newTestValidator().Validate(c)
		assert.False(t, res.Valid, "claim_id %q should be rejected", id)
	}
}

func TestValidateMemberHash(t *testing.T) {
	c := validClaim()
	c.MemberIDHash = strings.ToUpper(c.MemberIDHash)
	res := newTestValidator().Validate(c)
	assert.False(t, res.Valid, "uppercase hex must be rejected")
}

func TestValidateProcedureBounds(t *testing.T) {
	c := validClaim()
	c.ProcedureCodes = nil
	assert.False(t, newTestValidator().Validate(c).Valid)

	c = validClaim()
	c.ProcedureCodes[0].Quantity = 1000
	assert.False(t, newTestValidator().Validate(c).Valid)

	c = validClaim()
	c.ProcedureCodes[0].Modifiers = []string{"25", "59", "76", "77", "91"}
	assert.False(t, newTestValidator().Validate(c).Valid)

	c = validClaim()
	c.ProcedureCodes[0].LineAmount = -1
	assert.False(t, newTestValidator().Validate(c).Valid)
}

func TestValidateDiagnosisSequence(t *testing.T) {
	c := validClaim()
	c.DiagnosisCodes = []DiagnosisCode{
		{Code: "J06.9", Sequence: 1},
		{Code: "E11.9", Sequence: 3}, // gap
	}
	res := newTestValidator().Validate(c)
	assert.False(t, res.Valid)

	c = validClaim()
	c.DiagnosisCodes = []DiagnosisCode{{Code: "not-a-code", Sequence: 1}}
	assert.False(t, newTestValidator().Validate(c).Valid)
}

func TestValidateBilledAmountBounds(t *testing.T) {
	c := validClaim()
	c.BilledAmount = MaxBilledAmount
	assert.True(t, newTestValidator().Validate(c).Valid, "exact maximum is allowed")

	c.BilledAmount = MaxBilledAmount + 0.01
	assert.False(t, newTestValidator().Validate(c).Valid)

	c.BilledAmount = -0.01
	assert.False(t, newTestValidator().Validate(c).Valid)
}

func TestValidateServiceDates(t *testing.T) {
	c := validClaim()
	c.ServiceDate = testNow.AddDate(0, 0, 2)
	assert.False(t, newTestValidator().Validate(c).Valid, "future service date rejected")

	c = validClaim()
	end := c.ServiceDate.AddDate(0, 0, -1)
	c.ServiceDateEnd = &end
	assert.False(t, newTestValidator().Validate(c).Valid, "end before start rejected")
}

func TestValidateInstitutionalDates(t *testing.T) {
	c := validClaim()
	c.ClaimType = ClaimTypeInstitutional
	adm := c.ServiceDate.AddDate(0, 0, -3)
	dis := c.ServiceDate.AddDate(0, 0, 1)
	c.AdmissionDate = &adm
	c.DischargeDate = &dis
	assert.True(t, newTestValidator().Validate(c).Valid)

	badAdm := c.ServiceDate.AddDate(0, 0, 1)
	c.AdmissionDate = &badAdm
	assert.False(t, newTestValidator().Validate(c).Valid)

	c = validClaim()
	c.AdmissionDate = &adm
	assert.False(t, newTestValidator().Validate(c).Valid,
		"admission date on non-institutional claim rejected")
}

func TestActivationClosedRootSet(t *testing.T) {
	cctx := NewContext(validClaim(), testNow)
	act := cctx.Activation(map[string]any{"limit": 3})

	for _, root := range []string{"claim", "policy", "provider", "member", "history", "tariff", "params"} {
		assert.Contains(t, act, root)
	}
	assert.Len(t, act, 7, "no roots beyond the closed set")

	claim := act["claim"].(map[string]any)
	assert.Equal(t, "CLM-2026-000000001", claim["claim_id"])
	assert.Equal(t, 120.00, claim["billed_amount"])
}
