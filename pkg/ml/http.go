package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/clearpath-health/dcal/pkg/claims"
)

// scoreRequest is the wire payload sent to a model endpoint. The model sees
// the same view of the claim the rule engine does.
type scoreRequest struct {
	Claim    *claims.Claim    `json:"claim"`
	Policy   map[string]any   `json:"policy,omitempty"`
	Provider map[string]any   `json:"provider,omitempty"`
	Member   map[string]any   `json:"member,omitempty"`
	History  []map[string]any `json:"history,omitempty"`
	Today    string           `json:"today"`
}

// HTTPScorer calls a remote model serving endpoint. The endpoint receives the
// claim context as JSON and answers with a ModelResult; anything else is a
// scorer error, which the aggregator degrades to a neutral contribution.
type HTTPScorer struct {
	id     string
	url    string
	client *http.Client
}

// NewHTTPScorer constructs a scorer for one model endpoint. The client
// timeout is a backstop; the aggregator's per-model context is the real
// bound.
func NewHTTPScorer(id, url string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		id:  id,
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// ModelID implements Scorer.
func (s *HTTPScorer) ModelID() string { return s.id }

// Score implements Scorer.
func (s *HTTPScorer) Score(ctx context.Context, cctx *claims.Context) (*ModelResult, error) {
	body, err := json.Marshal(scoreRequest{
		Claim:    cctx.Claim,
		Policy:   cctx.Policy,
		Provider: cctx.Provider,
		Member:   cctx.Member,
		History:  cctx.History,
		Today:    cctx.Today.Format("2006-01-02"),
	})
	if err != nil {
		return nil, fmt.Errorf("ml: encode score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ml: build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ml: score %s: %w", s.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ml: score %s: endpoint returned %d", s.id, resp.StatusCode)
	}

	var res ModelResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("ml: decode score response from %s: %w", s.id, err)
	}
	if res.ModelID == "" {
		res.ModelID = s.id
	}
	if res.RiskScore < 0 || res.RiskScore > 1 {
		return nil, fmt.Errorf("ml: score %s: risk score %.3f out of range", s.id, res.RiskScore)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return nil, fmt.Errorf("ml: score %s: confidence %.3f out of range", s.id, res.Confidence)
	}
	return &res, nil
}
