// Package feedback consumes reviewer verdicts on analyzed claims and turns
// them into labeled training examples. The pipeline never trains models
// itself; it only emits the labels for the offline training system.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clearpath-health/dcal/pkg/broker"
)

// FeedbackType classifies how the human verdict relates to the pipeline's
// recommendation.
type FeedbackType string

const (
	FeedbackCorrect       FeedbackType = "CORRECT_PREDICTION"
	FeedbackFalsePositive FeedbackType = "FALSE_POSITIVE"
	FeedbackFalseNegative FeedbackType = "FALSE_NEGATIVE"
	FeedbackPartial       FeedbackType = "PARTIAL_AGREEMENT"
	FeedbackRuleOverride  FeedbackType = "RULE_OVERRIDE"
	FeedbackMLOverride    FeedbackType = "ML_OVERRIDE"
)

// ReviewEvent is the claims.reviewed payload.
type ReviewEvent struct {
	EventVersion string    `json:"event_version"`
	AnalysisID   string    `json:"analysis_id"`
	ClaimID      string    `json:"claim_id"`
	Timestamp    time.Time `json:"timestamp"`
	// ReviewerToken authenticates the reviewer; HS256, subject is the
	// reviewer id.
	ReviewerToken string `json:"reviewer_token"`
	// Decision is the reviewer's verdict: APPROVED, DECLINED, ADJUSTED.
	Decision string `json:"decision"`
	// Recommendation is the pipeline recommendation being reviewed.
	Recommendation string `json:"recommendation"`
	// OverrideTarget names what the reviewer overrode: RULES, ML, or empty.
	OverrideTarget string         `json:"override_target,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Adjustments    map[string]any `json:"adjustments,omitempty"`
}

// Example is one labeled training record.
type Example struct {
	AnalysisID     string         `json:"analysis_id"`
	ClaimID        string         `json:"claim_id"`
	ReviewerID     string         `json:"reviewer_id"`
	ReviewedAt     time.Time      `json:"reviewed_at"`
	Recommendation string         `json:"recommendation"`
	Decision       string         `json:"decision"`
	FeedbackType   FeedbackType   `json:"feedback_type"`
	Adjustments    map[string]any `json:"adjustments,omitempty"`
}

// TrainingSink persists labeled examples.
type TrainingSink interface {
	Write(ctx context.Context, ex *Example) error
}

var (
	errNoToken     = errors.New("feedback: reviewer token missing")
	errBadDecision = errors.New("feedback: unrecognized decision")
)

// Classify maps a reviewer verdict against the pipeline recommendation.
func Classify(recommendation, decision, overrideTarget string) (FeedbackType, error) {
	switch overrideTarget {
	case "RULES":
		return FeedbackRuleOverride, nil
	case "ML":
		return FeedbackMLOverride, nil
	}

	switch decision {
	case "APPROVED":
		switch recommendation {
		case "AUTO_APPROVE":
			return FeedbackCorrect, nil
		case "AUTO_DECLINE", "ESCALATE":
			return FeedbackFalsePositive, nil
		default:
			return FeedbackCorrect, nil
		}
	case "DECLINED":
		switch recommendation {
		case "AUTO_DECLINE", "ESCALATE":
			return FeedbackCorrect, nil
		case "AUTO_APPROVE":
			return FeedbackFalseNegative, nil
		default:
			return FeedbackCorrect, nil
		}
	case "ADJUSTED":
		return FeedbackPartial, nil
	default:
		return "", fmt.Errorf("%w: %q", errBadDecision, decision)
	}
}

// Consumer verifies review events and writes training examples.
type Consumer struct {
	source      broker.Source
	sink        TrainingSink
	reviewerKey []byte
	logger      *slog.Logger
}

// NewConsumer constructs the feedback consumer. reviewerKey verifies HS256
// reviewer tokens.
func NewConsumer(source broker.Source, sink TrainingSink, reviewerKey []byte) *Consumer {
	return &Consumer{
		source:      source,
		sink:        sink,
		reviewerKey: reviewerKey,
		logger:      slog.Default().With("component", "feedback_consumer"),
	}
}

// Run consumes until ctx is cancelled. Malformed or unauthenticated events
// are logged and committed past; they never wedge the partition.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.source.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("feedback: fetch: %w", err)
		}

		if err := c.Process(ctx, msg.Value); err != nil {
			c.logger.Warn("review event dropped", "error", err, "offset", msg.Offset)
		}
		if err := c.source.Commit(ctx, msg.Partition, msg.Offset); err != nil {
			return fmt.Errorf("feedback: commit: %w", err)
		}
	}
}

// Process verifies one raw review event and writes its training example.
func (c *Consumer) Process(ctx context.Context, raw []byte) error {
	var ev ReviewEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("feedback: decode review event: %w", err)
	}

	reviewerID, err := c.verifyReviewer(ev.ReviewerToken)
	if err != nil {
		return err
	}

	ft, err := Classify(ev.Recommendation, ev.Decision, ev.OverrideTarget)
	if err != nil {
		return err
	}

	ex := &Example{
		AnalysisID:     ev.AnalysisID,
		ClaimID:        ev.ClaimID,
		ReviewerID:     reviewerID,
		ReviewedAt:     ev.Timestamp.UTC(),
		Recommendation: ev.Recommendation,
		Decision:       ev.Decision,
		FeedbackType:   ft,
		Adjustments:    ev.Adjustments,
	}
	if err := c.sink.Write(ctx, ex); err != nil {
		return fmt.Errorf("feedback: write example: %w", err)
	}

	c.logger.Debug("feedback recorded",
		"analysis_id", ev.AnalysisID, "feedback_type", ft, "reviewer_id", reviewerID)
	return nil
}

// verifyReviewer validates the HS256 token and returns its subject.
func (c *Consumer) verifyReviewer(token string) (string, error) {
	if token == "" {
		return "", errNoToken
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return c.reviewerKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("feedback: reviewer token: %w", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("feedback: reviewer token has no subject")
	}
	return sub, nil
}
