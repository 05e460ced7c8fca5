// Package claims defines the sanitized claim model consumed by the analysis
// pipeline and its fail-closed structural validator. A Claim is immutable
// after construction; the pipeline never sees raw member identity, only the
// member_id_hash carried on the event.
package claims

import "time"

// ClaimType categorizes the claim form.
type ClaimType string

const (
	ClaimTypeProfessional  ClaimType = "PROFESSIONAL"
	ClaimTypeInstitutional ClaimType = "INSTITUTIONAL"
	ClaimTypeDental        ClaimType = "DENTAL"
	ClaimTypePharmacy      ClaimType = "PHARMACY"
	ClaimTypeVision        ClaimType = "VISION"
)

// CodeType identifies the coding system of a procedure line.
type CodeType string

const (
	CodeTypeCPT      CodeType = "CPT"
	CodeTypeHCPCS    CodeType = "HCPCS"
	CodeTypeICD10PCS CodeType = "ICD10_PCS"
	CodeTypeCDT      CodeType = "CDT"
	CodeTypeNDC      CodeType = "NDC"
)

// ProcedureCode is one billed service line.
type ProcedureCode struct {
	Code       string   `json:"code"`
	CodeType   CodeType `json:"code_type"`
	Quantity   int      `json:"quantity"`
	Modifiers  []string `json:"modifiers,omitempty"`
	LineAmount float64  `json:"line_amount"`
}

// DiagnosisCode is one ICD-10-CM diagnosis; sequence 1 is primary.
type DiagnosisCode struct {
	Code     string `json:"code"`
	Sequence int    `json:"sequence"`
}

// Claim is the sanitized input to the pipeline.
type Claim struct {
	ClaimID        string          `json:"claim_id"`
	PolicyID       string          `json:"policy_id"`
	ProviderID     string          `json:"provider_id"`
	MemberIDHash   string          `json:"member_id_hash"`
	ProcedureCodes []ProcedureCode `json:"procedure_codes"`
	DiagnosisCodes []DiagnosisCode `json:"diagnosis_codes"`
	BilledAmount   float64         `json:"billed_amount"`
	ServiceDate    time.Time       `json:"service_date"`
	ServiceDateEnd *time.Time      `json:"service_date_end,omitempty"`
	ClaimType      ClaimType       `json:"claim_type"`
	Jurisdiction   string          `json:"jurisdiction,omitempty"`

	// Institutional claims only.
	AdmissionDate *time.Time `json:"admission_date,omitempty"`
	DischargeDate *time.Time `json:"discharge_date,omitempty"`
}

// MaxBilledAmount is the upper bound accepted for billed_amount.
const MaxBilledAmount = 99_999_999.99

// MaxProcedureLines bounds procedure_codes length.
const MaxProcedureLines = 999

// MaxDiagnosisCodes bounds diagnosis_codes length.
const MaxDiagnosisCodes = 25

// MaxModifiers bounds modifiers per procedure line.
const MaxModifiers = 4
