package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/clearpath-health/dcal/pkg/claims"
)

// Reject reasons. Every rejection carries exactly one.
const (
	ReasonSignatureInvalid = "SIGNATURE_INVALID"
	ReasonSchemaInvalid    = "SCHEMA_INVALID"
	ReasonStaleTimestamp   = "STALE_TIMESTAMP"
	ReasonUnsupportedVersion = "UNSUPPORTED_VERSION"
	ReasonDuplicate        = "DUPLICATE"
	ReasonValidationFailed = "VALIDATION_FAILED"
)

var errSignature = errors.New("ingest: signature mismatch")

// ErrRateLimited marks an admission that could not clear the rate gate
// before its deadline. It is backpressure, not a rejection: the envelope is
// redelivered.
var ErrRateLimited = errors.New("ingest: rate limited")

// Rejection is a classified admission failure. SecurityAlert marks reasons
// that page security rather than engineering.
type Rejection struct {
	Reason        string
	Detail        string
	SecurityAlert bool
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("ingest: rejected (%s): %s", r.Reason, r.Detail)
}

// AsRejection extracts a *Rejection from an error chain.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// Config tunes the ingestor.
type Config struct {
	// SigningKey verifies envelope signatures. Loaded from the environment,
	// never logged.
	SigningKey []byte
	// MaxSkew bounds envelope timestamp drift.
	MaxSkew time.Duration
	// RatePerSecond and Burst bound admission throughput. The limiter waits
	// rather than drops: backpressure propagates to the broker offset.
	RatePerSecond float64
	Burst         int
	// IdempotencyWindow is the LRU capacity of seen (claim, payload) pairs.
	IdempotencyWindow int
}

// DefaultConfig returns the production defaults.
func DefaultConfig(signingKey []byte) Config {
	return Config{
		SigningKey:        signingKey,
		MaxSkew:           MaxClockSkew,
		RatePerSecond:     1000,
		Burst:             5000,
		IdempotencyWindow: 1_000_000,
	}
}

// Admitted is the output of a successful admission.
type Admitted struct {
	Claim *claims.Claim
	// PayloadHash fingerprints the canonical payload; with the claim id it
	// forms the idempotency key.
	PayloadHash string
	// EnvelopeTimestamp is the producer-side submission time.
	EnvelopeTimestamp time.Time
}

// Ingestor admits raw envelope bytes into the pipeline.
type Ingestor struct {
	cfg       Config
	limiter   *rate.Limiter
	seen      *lru.Cache[string, struct{}]
	validator *claims.Validator
	logger    *slog.Logger
	clock     func() time.Time
}

// NewIngestor constructs the admission gate.
func NewIngestor(cfg Config) (*Ingestor, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("ingest: signing key is required")
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = 1_000_000
	}
	seen, err := lru.New[string, struct{}](cfg.IdempotencyWindow)
	if err != nil {
		return nil, fmt.Errorf("ingest: idempotency cache: %w", err)
	}
	return &Ingestor{
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		seen:      seen,
		validator: claims.NewValidator(),
		logger:    slog.Default().With("component", "ingestor"),
		clock:     time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing. The validator
// shares it so date-window checks line up.
func (in *Ingestor) WithClock(clock func() time.Time) *Ingestor {
	in.clock = clock
	in.validator.WithClock(clock)
	return in
}

// Admit verifies and validates one raw envelope. The order is fixed: rate
// gate, envelope decode, version, signature, freshness, idempotency, schema,
// structural validation. Signature runs before anything derived from the
// payload is trusted.
func (in *Ingestor) Admit(ctx context.Context, raw []byte) (*Admitted, error) {
	if err := in.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &Rejection{Reason: ReasonSchemaInvalid, Detail: "envelope is not valid JSON"}
	}
	if env.EnvelopeVersion != EnvelopeVersion {
		return nil, &Rejection{
			Reason: ReasonUnsupportedVersion,
			Detail: fmt.Sprintf("envelope_version %q, want %q", env.EnvelopeVersion, EnvelopeVersion),
		}
	}

	if err := VerifySignature(&env, in.cfg.SigningKey); err != nil {
		in.logger.Warn("envelope signature rejected")
		return nil, &Rejection{
			Reason:        ReasonSignatureInvalid,
			Detail:        "envelope signature does not verify",
			SecurityAlert: true,
		}
	}

	now := in.clock().UTC()
	if drift := now.Sub(env.Timestamp.UTC()); drift > in.cfg.MaxSkew || drift < -in.cfg.MaxSkew {
		return nil, &Rejection{
			Reason: ReasonStaleTimestamp,
			Detail: fmt.Sprintf("envelope timestamp drift %s exceeds %s", drift, in.cfg.MaxSkew),
		}
	}

	if err := ValidatePayloadSchema(env.Payload); err != nil {
		return nil, &Rejection{Reason: ReasonSchemaInvalid, Detail: err.Error()}
	}

	c, err := DecodeClaim(env.Payload)
	if err != nil {
		return nil, &Rejection{Reason: ReasonSchemaInvalid, Detail: err.Error()}
	}

	hash, err := PayloadHash(env.Payload)
	if err != nil {
		return nil, &Rejection{Reason: ReasonSchemaInvalid, Detail: err.Error()}
	}
	idemKey := c.ClaimID + ":" + hash
	if _, dup := in.seen.Get(idemKey); dup {
		return nil, &Rejection{
			Reason: ReasonDuplicate,
			Detail: fmt.Sprintf("claim %s already admitted with identical payload", c.ClaimID),
		}
	}

	if res := in.validator.Validate(c); !res.Valid {
		return nil, &Rejection{
			Reason: ReasonValidationFailed,
			Detail: res.Errors[0].Error(),
		}
	}

	// Marked seen only after full admission: a rejected envelope may be
	// corrected and resubmitted under the same claim id.
	in.seen.Add(idemKey, struct{}{})

	in.logger.Debug("claim admitted",
		"claim_id", c.ClaimID, "claim_type", c.ClaimType, "payload_hash", hash)
	return &Admitted{
		Claim:             c,
		PayloadHash:       hash,
		EnvelopeTimestamp: env.Timestamp.UTC(),
	}, nil
}
