package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestRecordAndLock(t *testing.T) {
	tr := New("CLM-2026-000000001").WithClock(fixedClock())

	require.NoError(t, tr.RecordStage("RULES_STARTED", "OK", 0, nil))
	require.NoError(t, tr.RecordStage("RULES_COMPLETED", "OK", 12*time.Millisecond, map[string]any{"evaluated": 4}))
	require.NoError(t, tr.RecordDecision("RULE_PRECEDENCE", "aggregate PASS", nil))

	hash, err := tr.Lock()
	require.NoError(t, err)
	assert.Len(t, hash, 64)
	assert.True(t, tr.Locked())
	assert.Equal(t, hash, tr.IntegrityHash())
}

func TestLockIsIdempotent(t *testing.T) {
	tr := New("CLM-2026-000000002").WithClock(fixedClock())
	require.NoError(t, tr.RecordStage("RECEIVED", "OK", 0, nil))

	h1, err := tr.Lock()
	require.NoError(t, err)
	h2, err := tr.Lock()
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "locking twice yields the identical integrity hash")
}

func TestWriteAfterLockFails(t *testing.T) {
	tr := New("CLM-2026-000000003").WithClock(fixedClock())
	_, err := tr.Lock()
	require.NoError(t, err)

	assert.ErrorIs(t, tr.RecordStage("LATE", "OK", 0, nil), ErrLocked)
	assert.ErrorIs(t, tr.RecordDecision("LATE", "too late", nil), ErrLocked)
}

func TestSnapshotPreservesOrder(t *testing.T) {
	tr := New("CLM-2026-000000004").WithClock(fixedClock())
	stages := []string{"RECEIVED", "VALIDATED", "RULES_STARTED", "RULES_COMPLETED"}
	for _, s := range stages {
		require.NoError(t, tr.RecordStage(s, "OK", 0, nil))
	}

	snap := tr.Snapshot()
	require.Len(t, snap.Stages, len(stages))
	for i, s := range stages {
		assert.Equal(t, s, snap.Stages[i].Stage)
	}
}

func TestDistinctTracesGetDistinctIDs(t *testing.T) {
	a := New("CLM-2026-000000005")
	b := New("CLM-2026-000000005")
	assert.NotEqual(t, a.TraceID, b.TraceID)
}
