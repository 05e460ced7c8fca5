package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var auditNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func testEntry(i int) Entry {
	return Entry{
		AnalysisID: fmt.Sprintf("an-%03d", i),
		ClaimID:    fmt.Sprintf("CLM-2026-%09d", i),
		Report:     json.RawMessage(fmt.Sprintf(`{"recommendation":"MANUAL_REVIEW","risk_score":0.%02d}`, i)),
	}
}

func seededStore(t *testing.T, n int) *MemoryStore {
	t.Helper()
	s := NewMemoryStore().WithClock(func() time.Time { return auditNow })
	for i := 1; i <= n; i++ {
		_, err := s.Append(context.Background(), testEntry(i))
		require.NoError(t, err)
	}
	return s
}

func TestAppendChainsRecords(t *testing.T) {
	s := seededStore(t, 3)
	recs, err := s.Range(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, uint64(1), recs[0].SequenceNumber)
	assert.Equal(t, GenesisHash, recs[0].PreviousHash)
	for i := 1; i < len(recs); i++ {
		assert.Equal(t, recs[i-1].ChainHash, recs[i].PreviousHash)
		assert.Equal(t, recs[i-1].SequenceNumber+1, recs[i].SequenceNumber)
	}
	for _, r := range recs {
		assert.Len(t, r.ContentHash, 64)
		assert.Len(t, r.ChainHash, 64)
		assert.NotEmpty(t, r.RecordID)
	}
}

func TestLatest(t *testing.T) {
	s := NewMemoryStore()
	latest, err := s.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest, "empty chain has no head")

	s = seededStore(t, 5)
	latest, err = s.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), latest.SequenceNumber)
}

func TestRangeBounds(t *testing.T) {
	s := seededStore(t, 5)
	ctx := context.Background()

	recs, err := s.Range(ctx, 2, 4)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(2), recs[0].SequenceNumber)

	recs, err = s.Range(ctx, 4, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "zero upper bound runs to the end")

	recs, err = s.Range(ctx, 9, 12)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestVerifyIntactChain(t *testing.T) {
	s := seededStore(t, 10)
	res, err := Verify(context.Background(), s, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, uint64(10), res.Checked)
}

// tamperedStore wraps a MemoryStore and mutates one record on read, the way
// an attacker with database access would.
type tamperedStore struct {
	*MemoryStore
	mutate func(recs []Record)
}

func (s *tamperedStore) Range(ctx context.Context, from, to uint64) ([]Record, error) {
	recs, err := s.MemoryStore.Range(ctx, from, to)
	if err == nil {
		s.mutate(recs)
	}
	return recs, err
}

func TestVerifyDetectsContentTampering(t *testing.T) {
	s := &tamperedStore{MemoryStore: seededStore(t, 5), mutate: func(recs []Record) {
		recs[2].Report = json.RawMessage(`{"recommendation":"AUTO_APPROVE"}`)
	}}
	res, err := Verify(context.Background(), s, 0, 0)
	require.NoError(t, err)
	require.False(t, res.OK())
	assert.Equal(t, BreakContentHashMismatch, res.Broken[0].Kind)
	assert.Equal(t, uint64(3), res.Broken[0].SequenceNumber)
}

func TestVerifyDetectsRewrittenLink(t *testing.T) {
	s := &tamperedStore{MemoryStore: seededStore(t, 5), mutate: func(recs []Record) {
		// Re-seal record 3 with forged content: its own hashes are consistent
		// but record 4 no longer chains from it.
		recs[2].Report = json.RawMessage(`{"recommendation":"AUTO_APPROVE"}`)
		require.NoError(t, seal(&recs[2], recs[1].ChainHash))
	}}
	res, err := Verify(context.Background(), s, 0, 0)
	require.NoError(t, err)
	require.False(t, res.OK())
	assert.Equal(t, BreakPrevHashMismatch, res.Broken[0].Kind)
	assert.Equal(t, uint64(4), res.Broken[0].SequenceNumber)
}

func TestVerifyDetectsGapAndBadGenesis(t *testing.T) {
	s := &tamperedStore{MemoryStore: seededStore(t, 5), mutate: func(recs []Record) {
		recs[1].SequenceNumber = 7
		recs[0].PreviousHash = "ff" + recs[0].PreviousHash[2:]
	}}
	res, err := Verify(context.Background(), s, 0, 0)
	require.NoError(t, err)
	require.False(t, res.OK())

	kinds := map[string]bool{}
	for _, b := range res.Broken {
		kinds[b.Kind] = true
	}
	assert.True(t, kinds[BreakGap])
	assert.True(t, kinds[BreakPrevHashMismatch], "first record must chain from genesis")
	assert.True(t, kinds[BreakChainHashMismatch], "forged previous hash breaks the chain hash")
}

func TestContentHashDependsOnEveryField(t *testing.T) {
	base, err := ContentHash("an-1", "CLM-2026-000000001", auditNow, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	h, err := ContentHash("an-2", "CLM-2026-000000001", auditNow, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.NotEqual(t, base, h)

	h, err = ContentHash("an-1", "CLM-2026-000000001", auditNow.Add(time.Nanosecond), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.NotEqual(t, base, h)

	h, err = ContentHash("an-1", "CLM-2026-000000001", auditNow, json.RawMessage(`{"a":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, base, h)
}

// TestChainProperty appends an arbitrary batch of entries and checks the
// whole chain always verifies clean.
func TestChainProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("any append sequence verifies", prop.ForAll(
		func(payloads []string) bool {
			s := NewMemoryStore().WithClock(func() time.Time { return auditNow })
			for i, p := range payloads {
				body, _ := json.Marshal(map[string]string{"note": p})
				_, err := s.Append(context.Background(), Entry{
					AnalysisID: fmt.Sprintf("an-%d", i),
					ClaimID:    fmt.Sprintf("CLM-2026-%09d", i),
					Report:     body,
				})
				if err != nil {
					return false
				}
			}
			res, err := Verify(context.Background(), s, 0, 0)
			return err == nil && res.OK() && res.Checked == uint64(len(payloads))
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
