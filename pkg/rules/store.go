package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ErrChecksumMismatch means a rule artifact does not match its stored
// checksum. This is a hard integrity failure: the store refuses the load.
var ErrChecksumMismatch = errors.New("rules: checksum mismatch")

// ErrNoActiveRuleset means the artifact does not contain exactly one ACTIVE
// ruleset.
var ErrNoActiveRuleset = errors.New("rules: artifact must contain exactly one ACTIVE ruleset")

// Artifact is the on-disk ruleset bundle: every ruleset version plus the
// full rule catalog they reference.
type Artifact struct {
	Rulesets []Ruleset    `json:"rulesets"`
	Rules    []Definition `json:"rules"`
}

// Snapshot is an immutable, fully verified view of the ACTIVE ruleset.
// Readers hold a snapshot for the duration of one claim; a reload swaps the
// store's snapshot pointer atomically and never mutates a published one.
type Snapshot struct {
	Ruleset Ruleset
	rules   []Definition // evaluation order: category rank, then rule_id
}

// Rules returns the ordered rule definitions of the snapshot.
func (s *Snapshot) Rules() []Definition {
	return s.rules
}

// GetApplicable returns the enabled, effective rules whose applicability
// covers the claim type and jurisdiction at the given instant, preserving
// evaluation order.
func (s *Snapshot) GetApplicable(claimType, jurisdiction string, now time.Time) []Definition {
	out := make([]Definition, 0, len(s.rules))
	for _, r := range s.rules {
		if !r.Enabled {
			continue
		}
		if now.Before(r.EffectiveDate) {
			continue
		}
		if r.ExpirationDate != nil && !now.Before(*r.ExpirationDate) {
			continue
		}
		if !matches(r.AppliesTo.ClaimTypes, claimType) {
			continue
		}
		if !matches(r.AppliesTo.Jurisdictions, jurisdiction) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func matches(scope []string, value string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		if s == value {
			return true
		}
	}
	return false
}

// Store loads ruleset artifacts and serves the current ACTIVE snapshot.
// Copy-on-reload: Load builds a complete new snapshot and swaps the pointer;
// in-flight readers keep the one they started with.
type Store struct {
	snapshot atomic.Pointer[Snapshot]
}

// NewStore creates an empty store; Load must succeed before Current is used.
func NewStore() *Store {
	return &Store{}
}

// LoadFile reads, verifies, and atomically installs a ruleset artifact.
// Any rule failing checksum or version validation fails the whole load and
// leaves the previous snapshot in place.
func (s *Store) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("rules: read artifact: %w", err)
	}
	var artifact Artifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return fmt.Errorf("rules: parse artifact: %w", err)
	}
	return s.Load(&artifact)
}

// Load verifies the artifact and installs its ACTIVE ruleset.
func (s *Store) Load(artifact *Artifact) error {
	snap, err := buildSnapshot(artifact)
	if err != nil {
		return err
	}
	s.snapshot.Store(snap)
	return nil
}

// Current returns the installed snapshot, or nil before the first Load.
func (s *Store) Current() *Snapshot {
	return s.snapshot.Load()
}

func buildSnapshot(artifact *Artifact) (*Snapshot, error) {
	var active *Ruleset
	for i := range artifact.Rulesets {
		rs := &artifact.Rulesets[i]
		if rs.Status == RulesetActive {
			if active != nil {
				return nil, ErrNoActiveRuleset
			}
			active = rs
		}
	}
	if active == nil {
		return nil, ErrNoActiveRuleset
	}

	// Verify every rule in the catalog, not just the active ones: a
	// corrupted artifact is refused wholesale.
	byID := make(map[string]Definition, len(artifact.Rules))
	for i := range artifact.Rules {
		r := artifact.Rules[i]
		if _, err := semver.NewVersion(r.Version); err != nil {
			return nil, fmt.Errorf("rules: rule %s has invalid version %q: %w", r.RuleID, r.Version, err)
		}
		computed, err := ComputeChecksum(&r)
		if err != nil {
			return nil, fmt.Errorf("rules: checksum rule %s: %w", r.RuleID, err)
		}
		if computed != r.Checksum {
			return nil, fmt.Errorf("%w: rule %s v%s (stored %s, computed %s)",
				ErrChecksumMismatch, r.RuleID, r.Version, r.Checksum, computed)
		}

		// Keep the highest version per rule_id.
		if prev, ok := byID[r.RuleID]; ok {
			pv := semver.MustParse(prev.Version)
			cv := semver.MustParse(r.Version)
			if cv.LessThan(pv) {
				continue
			}
		}
		byID[r.RuleID] = r
	}

	ordered := make([]Definition, 0, len(active.RuleIDs))
	for _, id := range active.RuleIDs {
		r, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("rules: active ruleset %s references unknown rule %s", active.Version, id)
		}
		ordered = append(ordered, r)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := ordered[i], ordered[j]
		if ri.Category.Rank() != rj.Category.Rank() {
			return ri.Category.Rank() < rj.Category.Rank()
		}
		return ri.RuleID < rj.RuleID
	})

	return &Snapshot{Ruleset: *active, rules: ordered}, nil
}
