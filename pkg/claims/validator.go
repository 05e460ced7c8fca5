package claims

import (
	"fmt"
	"regexp"
	"time"
)

// ValidationError describes a single structural violation.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult is the outcome of claim validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var (
	claimIDPattern    = regexp.MustCompile(`^CLM-\d{4}-\d{6,12}$`)
	memberHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	icd10cmPattern    = regexp.MustCompile(`^[A-TV-Z][0-9][0-9A-Z](\.[0-9A-Z]{1,4})?$`)
)

var validClaimTypes = map[ClaimType]bool{
	ClaimTypeProfessional:  true,
	ClaimTypeInstitutional: true,
	ClaimTypeDental:        true,
	ClaimTypePharmacy:      true,
	ClaimTypeVision:        true,
}

var validCodeTypes = map[CodeType]bool{
	CodeTypeCPT:      true,
	CodeTypeHCPCS:    true,
	CodeTypeICD10PCS: true,
	CodeTypeCDT:      true,
	CodeTypeNDC:      true,
}

// Validator validates claims for structural correctness. Fail-closed: any
// violation rejects the claim before it reaches the rule engine.
type Validator struct {
	clock func() time.Time
}

// NewValidator creates a claim validator.
func NewValidator() *Validator {
	return &Validator{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Validate checks every structural contract of the claim model.
func (v *Validator) Validate(c *Claim) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if !claimIDPattern.MatchString(c.ClaimID) {
		v.addError(result, "claim_id", "INVALID_FORMAT",
			fmt.Sprintf("claim_id %q does not match CLM-YYYY-<6..12 digits>", c.ClaimID))
	}
	v.requireNonEmpty(result, "policy_id", c.PolicyID)
	v.requireNonEmpty(result, "provider_id", c.ProviderID)

	if !memberHashPattern.MatchString(c.MemberIDHash) {
		v.addError(result, "member_id_hash", "INVALID_FORMAT",
			"member_id_hash must be 64 lowercase hex characters")
	}

	if !validClaimTypes[c.ClaimType] {
		v.addError(result, "claim_type", "INVALID_VALUE",
			fmt.Sprintf("invalid claim type %q", c.ClaimType))
	}

	v.validateProcedures(result, c.ProcedureCodes)
	v.validateDiagnoses(result, c.DiagnosisCodes)
	v.validateAmounts(result, c)
	v.validateDates(result, c)

	return result
}

func (v *Validator) validateProcedures(result *ValidationResult, procs []ProcedureCode) {
	if len(procs) == 0 {
		v.addError(result, "procedure_codes", "REQUIRED",
			"at least one procedure code is required")
		return
	}
	if len(procs) > MaxProcedureLines {
		v.addError(result, "procedure_codes", "TOO_MANY",
			fmt.Sprintf("at most %d procedure lines are allowed", MaxProcedureLines))
	}

	for i, p := range procs {
		if p.Code == "" {
			v.addError(result, fmt.Sprintf("procedure_codes[%d].code", i), "REQUIRED",
				"code is required")
		}
		if !validCodeTypes[p.CodeType] {
			v.addError(result, fmt.Sprintf("procedure_codes[%d].code_type", i), "INVALID_VALUE",
				fmt.Sprintf("invalid code type %q", p.CodeType))
		}
		if p.Quantity < 1 || p.Quantity > 999 {
			v.addError(result, fmt.Sprintf("procedure_codes[%d].quantity", i), "OUT_OF_RANGE",
				"quantity must be in [1,999]")
		}
		if len(p.Modifiers) > MaxModifiers {
			v.addError(result, fmt.Sprintf("procedure_codes[%d].modifiers", i), "TOO_MANY",
				fmt.Sprintf("at most %d modifiers are allowed", MaxModifiers))
		}
		if p.LineAmount < 0 {
			v.addError(result, fmt.Sprintf("procedure_codes[%d].line_amount", i), "OUT_OF_RANGE",
				"line_amount must be non-negative")
		}
	}
}

func (v *Validator) validateDiagnoses(result *ValidationResult, diags []DiagnosisCode) {
	if len(diags) > MaxDiagnosisCodes {
		v.addError(result, "diagnosis_codes", "TOO_MANY",
			fmt.Sprintf("at most %d diagnosis codes are allowed", MaxDiagnosisCodes))
	}

	for i, d := range diags {
		if !icd10cmPattern.MatchString(d.Code) {
			v.addError(result, fmt.Sprintf("diagnosis_codes[%d].code", i), "INVALID_FORMAT",
				fmt.Sprintf("code %q does not match the ICD-10-CM pattern", d.Code))
		}
		if d.Sequence != i+1 {
			v.addError(result, fmt.Sprintf("diagnosis_codes[%d].sequence", i), "OUT_OF_ORDER",
				fmt.Sprintf("sequence must be contiguous from 1, got %d at position %d", d.Sequence, i))
		}
	}
}

func (v *Validator) validateAmounts(result *ValidationResult, c *Claim) {
	if c.BilledAmount < 0 {
		v.addError(result, "billed_amount", "OUT_OF_RANGE",
			"billed_amount must be non-negative")
	}
	if c.BilledAmount > MaxBilledAmount {
		v.addError(result, "billed_amount", "OUT_OF_RANGE",
			fmt.Sprintf("billed_amount exceeds maximum %.2f", MaxBilledAmount))
	}
}

func (v *Validator) validateDates(result *ValidationResult, c *Claim) {
	today := v.clock().UTC().Truncate(24 * time.Hour)

	if c.ServiceDate.IsZero() {
		v.addError(result, "service_date", "REQUIRED", "service_date is required")
		return
	}
	if c.ServiceDate.After(today.Add(24*time.Hour - time.Nanosecond)) {
		v.addError(result, "service_date", "IN_FUTURE",
			"service_date must not be in the future")
	}
	if c.ServiceDateEnd != nil && c.ServiceDateEnd.Before(c.ServiceDate) {
		v.addError(result, "service_date_end", "INVALID_WINDOW",
			"service_date_end must not precede service_date")
	}

	if c.ClaimType == ClaimTypeInstitutional {
		if c.AdmissionDate != nil && c.AdmissionDate.After(c.ServiceDate) {
			v.addError(result, "admission_date", "INVALID_WINDOW",
				"admission_date must not be after service_date")
		}
		if c.DischargeDate != nil && c.DischargeDate.Before(c.ServiceDate) {
			v.addError(result, "discharge_date", "INVALID_WINDOW",
				"discharge_date must not be before service_date")
		}
	} else if c.AdmissionDate != nil || c.DischargeDate != nil {
		v.addError(result, "admission_date", "NOT_APPLICABLE",
			"admission and discharge dates apply to institutional claims only")
	}
}

func (v *Validator) requireNonEmpty(result *ValidationResult, field, value string) {
	if value == "" {
		v.addError(result, field, "REQUIRED", fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) addError(result *ValidationResult, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{
		Field:   field,
		Code:    code,
		Message: message,
	})
}
