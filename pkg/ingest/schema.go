package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// claimPayloadSchema is the JSON Schema every submitted claim payload must
// satisfy before the structural validator sees it. Schema rejection is cheap
// and catches malformed producers early; the validator enforces the deeper
// cross-field rules.
const claimPayloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://clearpath-health.com/schemas/claim-payload-1.0.0.json",
  "type": "object",
  "required": [
    "claim_id", "policy_id", "provider_id", "member_id_hash",
    "procedure_codes", "diagnosis_codes", "billed_amount",
    "service_date", "claim_type"
  ],
  "properties": {
    "claim_id": {"type": "string", "pattern": "^CLM-[0-9]{4}-[0-9]{6,12}$"},
    "policy_id": {"type": "string", "minLength": 1},
    "provider_id": {"type": "string", "minLength": 1},
    "member_id_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "procedure_codes": {
      "type": "array",
      "minItems": 1,
      "maxItems": 999,
      "items": {
        "type": "object",
        "required": ["code", "code_type", "quantity", "line_amount"],
        "properties": {
          "code": {"type": "string", "minLength": 1},
          "code_type": {"enum": ["CPT", "HCPCS", "ICD10_PCS", "CDT", "NDC"]},
          "quantity": {"type": "integer", "minimum": 1},
          "modifiers": {"type": "array", "maxItems": 4, "items": {"type": "string"}},
          "line_amount": {"type": "number", "minimum": 0}
        }
      }
    },
    "diagnosis_codes": {
      "type": "array",
      "minItems": 1,
      "maxItems": 25,
      "items": {
        "type": "object",
        "required": ["code", "sequence"],
        "properties": {
          "code": {"type": "string", "minLength": 3},
          "sequence": {"type": "integer", "minimum": 1}
        }
      }
    },
    "billed_amount": {"type": "number", "minimum": 0, "maximum": 99999999.99},
    "service_date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "service_date_end": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "claim_type": {"enum": ["PROFESSIONAL", "INSTITUTIONAL", "DENTAL", "PHARMACY", "VISION"]},
    "jurisdiction": {"type": "string"},
    "admission_date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "discharge_date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"}
  }
}`

var payloadSchema = jsonschema.MustCompileString(
	"claim-payload-1.0.0.json", claimPayloadSchema)

// ValidatePayloadSchema checks the raw payload against the claim schema.
func ValidatePayloadSchema(payload []byte) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("ingest: payload is not valid JSON: %w", err)
	}
	if err := payloadSchema.Validate(doc); err != nil {
		return fmt.Errorf("ingest: payload schema violation: %w", err)
	}
	return nil
}
