// Package ingest admits claim events into the pipeline: envelope signature
// verification, schema validation, freshness and replay checks, idempotency,
// and rate limiting. Everything here fails closed; a claim that cannot be
// positively admitted is rejected with a classified reason.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clearpath-health/dcal/pkg/canonicalize"
	"github.com/clearpath-health/dcal/pkg/claims"
)

// EnvelopeVersion is the wire version this build accepts.
const EnvelopeVersion = "1.0.0"

// MaxClockSkew bounds how far an envelope timestamp may sit from now, in
// either direction.
const MaxClockSkew = 10 * time.Minute

// Envelope is the signed wrapper around every submitted claim.
type Envelope struct {
	EnvelopeVersion string          `json:"envelope_version"`
	Timestamp       time.Time       `json:"timestamp"`
	Signature       string          `json:"signature"`
	Payload         json.RawMessage `json:"payload"`
}

// Sign computes the envelope signature: HMAC-SHA256 over the canonical form
// of the payload, hex encoded. Producers and the verifier share this.
func Sign(payload []byte, key []byte) (string, error) {
	canonical, err := canonicalize.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("ingest: canonicalize payload: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature checks the envelope signature in constant time.
func VerifySignature(env *Envelope, key []byte) error {
	want, err := Sign(env.Payload, key)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(env.Signature)) {
		return errSignature
	}
	return nil
}

// PayloadHash returns the canonical hash of the payload, used as the
// idempotency fingerprint.
func PayloadHash(payload []byte) (string, error) {
	canonical, err := canonicalize.Transform(payload)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(canonical), nil
}

// wireClaim is the payload shape on the wire: dates travel as YYYY-MM-DD.
type wireClaim struct {
	ClaimID        string `json:"claim_id"`
	PolicyID       string `json:"policy_id"`
	ProviderID     string `json:"provider_id"`
	MemberIDHash   string `json:"member_id_hash"`
	ProcedureCodes []struct {
		Code       string   `json:"code"`
		CodeType   string   `json:"code_type"`
		Quantity   int      `json:"quantity"`
		Modifiers  []string `json:"modifiers"`
		LineAmount float64  `json:"line_amount"`
	} `json:"procedure_codes"`
	DiagnosisCodes []struct {
		Code     string `json:"code"`
		Sequence int    `json:"sequence"`
	} `json:"diagnosis_codes"`
	BilledAmount   float64 `json:"billed_amount"`
	ServiceDate    string  `json:"service_date"`
	ServiceDateEnd string  `json:"service_date_end"`
	ClaimType      string  `json:"claim_type"`
	Jurisdiction   string  `json:"jurisdiction"`
	AdmissionDate  string  `json:"admission_date"`
	DischargeDate  string  `json:"discharge_date"`
}

const wireDateLayout = "2006-01-02"

// DecodeClaim converts a validated payload into the internal claim model.
func DecodeClaim(payload []byte) (*claims.Claim, error) {
	var w wireClaim
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("ingest: decode claim: %w", err)
	}

	c := &claims.Claim{
		ClaimID:      w.ClaimID,
		PolicyID:     w.PolicyID,
		ProviderID:   w.ProviderID,
		MemberIDHash: w.MemberIDHash,
		BilledAmount: w.BilledAmount,
		ClaimType:    claims.ClaimType(w.ClaimType),
		Jurisdiction: w.Jurisdiction,
	}
	for _, p := range w.ProcedureCodes {
		c.ProcedureCodes = append(c.ProcedureCodes, claims.ProcedureCode{
			Code:       p.Code,
			CodeType:   claims.CodeType(p.CodeType),
			Quantity:   p.Quantity,
			Modifiers:  p.Modifiers,
			LineAmount: p.LineAmount,
		})
	}
	for _, d := range w.DiagnosisCodes {
		c.DiagnosisCodes = append(c.DiagnosisCodes, claims.DiagnosisCode{
			Code:     d.Code,
			Sequence: d.Sequence,
		})
	}

	var err error
	if c.ServiceDate, err = parseWireDate(w.ServiceDate, "service_date"); err != nil {
		return nil, err
	}
	if c.ServiceDateEnd, err = parseOptionalWireDate(w.ServiceDateEnd, "service_date_end"); err != nil {
		return nil, err
	}
	if c.AdmissionDate, err = parseOptionalWireDate(w.AdmissionDate, "admission_date"); err != nil {
		return nil, err
	}
	if c.DischargeDate, err = parseOptionalWireDate(w.DischargeDate, "discharge_date"); err != nil {
		return nil, err
	}
	return c, nil
}

func parseWireDate(s, field string) (time.Time, error) {
	t, err := time.ParseInLocation(wireDateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("ingest: %s: %w", field, err)
	}
	return t, nil
}

func parseOptionalWireDate(s, field string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseWireDate(s, field)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
