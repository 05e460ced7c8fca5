package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeNow = time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

func checksummed(t *testing.T, d Definition) Definition {
	t.Helper()
	sum, err := ComputeChecksum(&d)
	require.NoError(t, err)
	d.Checksum = sum
	return d
}

func testArtifact(t *testing.T, defs ...Definition) *Artifact {
	t.Helper()
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		ids = append(ids, d.RuleID)
	}
	return &Artifact{
		Rulesets: []Ruleset{{
			Version:     "2026.08.1",
			Status:      RulesetActive,
			RuleIDs:     ids,
			ActivatedAt: storeNow,
		}},
		Rules: defs,
	}
}

func baseRule(id string, cat Category, sev Severity) Definition {
	return Definition{
		RuleID:              id,
		Version:             "1.0.0",
		Name:                id,
		Category:            cat,
		Severity:            sev,
		Enabled:             true,
		ConditionExpression: "true",
		EffectiveDate:       storeNow.AddDate(-1, 0, 0),
	}
}

func TestLoadVerifiesChecksums(t *testing.T) {
	good := checksummed(t, baseRule("R-001", CategoryCustom, SeverityMinor))

	store := NewStore()
	require.NoError(t, store.Load(testArtifact(t, good)))
	require.NotNil(t, store.Current())

	bad := good
	bad.ConditionExpression = "false" // content changed, checksum stale
	err := NewStore().Load(testArtifact(t, bad))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestLoadRequiresExactlyOneActiveRuleset(t *testing.T) {
	r := checksummed(t, baseRule("R-001", CategoryCustom, SeverityMinor))

	art := testArtifact(t, r)
	art.Rulesets[0].Status = RulesetDraft
	assert.ErrorIs(t, NewStore().Load(art), ErrNoActiveRuleset)

	art = testArtifact(t, r)
	art.Rulesets = append(art.Rulesets, Ruleset{Version: "2026.08.2", Status: RulesetActive, RuleIDs: []string{"R-001"}})
	assert.ErrorIs(t, NewStore().Load(art), ErrNoActiveRuleset)
}

func TestLoadRejectsInvalidSemver(t *testing.T) {
	r := baseRule("R-001", CategoryCustom, SeverityMinor)
	r.Version = "not-semver"
	r = checksummed(t, r)
	assert.Error(t, NewStore().Load(testArtifact(t, r)))
}

func TestFailedReloadKeepsPreviousSnapshot(t *testing.T) {
	good := checksummed(t, baseRule("R-001", CategoryCustom, SeverityMinor))
	store := NewStore()
	require.NoError(t, store.Load(testArtifact(t, good)))
	before := store.Current()

	bad := good
	bad.Checksum = "deadbeef"
	require.Error(t, store.Load(testArtifact(t, bad)))
	assert.Same(t, before, store.Current(), "reload failure must not disturb readers")
}

func TestGetApplicableFilters(t *testing.T) {
	scoped := baseRule("R-SCOPED", CategoryPolicyCoverage, SeverityMajor)
	scoped.AppliesTo = Applicability{ClaimTypes: []string{"DENTAL"}, Jurisdictions: []string{"CA"}}
	scoped = checksummed(t, scoped)

	disabled := baseRule("R-DISABLED", CategoryCustom, SeverityMinor)
	disabled.Enabled = false
	disabled = checksummed(t, disabled)

	expired := baseRule("R-EXPIRED", CategoryCustom, SeverityMinor)
	exp := storeNow.AddDate(0, -1, 0)
	expired.ExpirationDate = &exp
	expired = checksummed(t, expired)

	future := baseRule("R-FUTURE", CategoryCustom, SeverityMinor)
	future.EffectiveDate = storeNow.AddDate(0, 1, 0)
	future = checksummed(t, future)

	universal := checksummed(t, baseRule("R-ALL", CategoryCustom, SeverityMinor))

	store := NewStore()
	require.NoError(t, store.Load(testArtifact(t, scoped, disabled, expired, future, universal)))

	got := store.Current().GetApplicable("PROFESSIONAL", "NY", storeNow)
	ids := make([]string, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.RuleID)
	}
	assert.Equal(t, []string{"R-ALL"}, ids)

	got = store.Current().GetApplicable("DENTAL", "CA", storeNow)
	assert.Len(t, got, 2, "scoped rule applies to dental CA claims")
}

func TestSnapshotOrderingByCategoryThenRuleID(t *testing.T) {
	defs := []Definition{
		checksummed(t, baseRule("Z-CUSTOM", CategoryCustom, SeverityMinor)),
		checksummed(t, baseRule("B-DUP", CategoryDuplicateDetection, SeverityCritical)),
		checksummed(t, baseRule("A-CRIT", CategoryCritical, SeverityCritical)),
		checksummed(t, baseRule("A-DUP", CategoryDuplicateDetection, SeverityMajor)),
	}
	store := NewStore()
	require.NoError(t, store.Load(testArtifact(t, defs...)))

	var ids []string
	for _, r := range store.Current().Rules() {
		ids = append(ids, r.RuleID)
	}
	assert.Equal(t, []string{"A-CRIT", "A-DUP", "B-DUP", "Z-CUSTOM"}, ids)
}

func TestChecksumRoundTrip(t *testing.T) {
	d := baseRule("R-RT", CategoryBenefitLimits, SeverityMajor)
	d.Parameters = map[string]any{"limit": 12, "window_days": 365}
	sum1, err := ComputeChecksum(&d)
	require.NoError(t, err)
	sum2, err := ComputeChecksum(&d)
	require.NoError(t, err)
	assert.Equal(t, sum1, sum2)
	assert.Len(t, sum1, 64)

	d.Parameters["limit"] = 13
	sum3, err := ComputeChecksum(&d)
	require.NoError(t, err)
	assert.NotEqual(t, sum1, sum3)
}

func TestHighestVersionWinsPerRuleID(t *testing.T) {
	v1 := checksummed(t, baseRule("R-V", CategoryCustom, SeverityMinor))
	v2 := baseRule("R-V", CategoryCustom, SeverityMinor)
	v2.Version = "1.1.0"
	v2.ConditionExpression = "claim.billed_amount >= 0.0"
	v2 = checksummed(t, v2)

	art := &Artifact{
		Rulesets: []Ruleset{{Version: "2026.08.1", Status: RulesetActive, RuleIDs: []string{"R-V"}}},
		Rules:    []Definition{v1, v2},
	}
	store := NewStore()
	require.NoError(t, store.Load(art))
	require.Len(t, store.Current().Rules(), 1)
	assert.Equal(t, "1.1.0", store.Current().Rules()[0].Version)
}
