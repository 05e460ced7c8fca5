package publish

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/clearpath-health/dcal/pkg/broker"
	"github.com/clearpath-health/dcal/pkg/synthesis"
)

var pubNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func testOutbox(t *testing.T) *Outbox {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	o := NewOutbox(db).WithClock(func() time.Time { return pubNow })
	require.NoError(t, o.Migrate(context.Background()))
	return o
}

func testReport(analysisID string) *synthesis.IntelligenceReport {
	return &synthesis.IntelligenceReport{
		AnalysisID:     analysisID,
		ClaimID:        "CLM-2026-000000001",
		TraceID:        "trace-1",
		Timestamp:      pubNow,
		Recommendation: synthesis.RecommendManualReview,
		RiskScore:      0.55,
		Confidence:     0.9,
		Routing: synthesis.Routing{
			Queue:       synthesis.QueueStandardReview,
			Priority:    synthesis.PriorityMedium,
			SLADeadline: pubNow.Add(72 * time.Hour),
		},
	}
}

func TestOutboxStageAndDeliver(t *testing.T) {
	o := testOutbox(t)
	ctx := context.Background()

	require.NoError(t, o.Stage(ctx, "an-1", broker.TopicClaimAnalyzed, "CLM-1", []byte(`{}`)))
	require.NoError(t, o.Stage(ctx, "an-2", broker.TopicClaimAnalyzed, "CLM-2", []byte(`{}`)))

	pending, err := o.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "an-1", pending[0].AnalysisID, "oldest first")

	require.NoError(t, o.MarkDelivered(ctx, "an-1"))
	n, err := o.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutboxStageDedupesByAnalysisID(t *testing.T) {
	o := testOutbox(t)
	ctx := context.Background()
	require.NoError(t, o.Stage(ctx, "an-1", broker.TopicClaimAnalyzed, "CLM-1", []byte(`{"v":1}`)))
	require.NoError(t, o.Stage(ctx, "an-1", broker.TopicClaimAnalyzed, "CLM-1", []byte(`{"v":2}`)))

	pending, err := o.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []byte(`{"v":1}`), pending[0].Payload, "first staging wins")
}

func TestOutboxRecordAttempt(t *testing.T) {
	o := testOutbox(t)
	ctx := context.Background()
	require.NoError(t, o.Stage(ctx, "an-1", broker.TopicClaimAnalyzed, "CLM-1", []byte(`{}`)))
	require.NoError(t, o.RecordAttempt(ctx, "an-1"))
	require.NoError(t, o.RecordAttempt(ctx, "an-1"))

	pending, err := o.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, pending[0].Attempts)
}

// flakySink fails the first n publishes.
type flakySink struct {
	mu       sync.Mutex
	failures int
	accepted []*broker.Message
}

func (s *flakySink) Publish(_ context.Context, msg *broker.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("broker unavailable")
	}
	s.accepted = append(s.accepted, msg)
	return nil
}

func (s *flakySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accepted)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.ReplayInterval = time.Hour // replay driven manually in tests
	return cfg
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	o := testOutbox(t)
	sink := &flakySink{failures: 2}
	p := NewPublisher(sink, o, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	require.NoError(t, p.Enqueue(ctx, testReport("an-1")))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	n, err := o.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "delivered event leaves the outbox backlog")

	cancel()
	<-done
}

func TestExhaustedAttemptsStayPendingAndReplay(t *testing.T) {
	o := testOutbox(t)
	sink := &flakySink{failures: 100}
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	p := NewPublisher(sink, o, cfg)

	var observed []bool
	p.WithDeliveryObserver(func(_ string, ok bool) { observed = append(observed, ok) })

	ctx := context.Background()
	p.deliver(ctx, NewAnalyzedEvent(testReport("an-1")))

	n, err := o.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "undelivered event survives in the outbox")
	assert.Equal(t, []bool{false}, observed)

	sink.mu.Lock()
	sink.failures = 0
	sink.mu.Unlock()
	replayed, err := p.ReplayPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	n, err = o.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueBackpressure(t *testing.T) {
	o := testOutbox(t)
	cfg := fastConfig()
	cfg.QueueDepth = 1
	p := NewPublisher(&flakySink{}, o, cfg) // no worker running

	require.NoError(t, p.Enqueue(context.Background(), testReport("an-1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Enqueue(ctx, testReport("an-2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded, "full queue blocks instead of dropping")
}

func TestPublishErrorEvent(t *testing.T) {
	sink := &flakySink{}
	p := NewPublisher(sink, testOutbox(t), fastConfig())

	err := p.PublishError(context.Background(), &ErrorEvent{
		EventVersion: EventVersion,
		ClaimID:      "CLM-2026-000000001",
		Timestamp:    pubNow,
		ErrorCode:    ErrCodeValidation,
		Message:      "billed_amount must be non-negative",
	})
	require.NoError(t, err)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, broker.TopicAnalysisErrors, sink.accepted[0].Topic)
}

func TestAnalyzedEventCarriesRoutingSummary(t *testing.T) {
	ev := NewAnalyzedEvent(testReport("an-1"))
	assert.Equal(t, EventVersion, ev.EventVersion)
	assert.Equal(t, "STANDARD_REVIEW", ev.Queue)
	assert.Equal(t, "MEDIUM", ev.Priority)
	body, err := ev.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(body), `"analysis_id":"an-1"`)
}
