package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clearpath-health/dcal/pkg/broker"
	"github.com/clearpath-health/dcal/pkg/synthesis"
)

// Config tunes the publisher.
type Config struct {
	// QueueDepth bounds the in-flight channel. Enqueue blocks when full, so
	// publisher lag becomes pipeline backpressure instead of lost events.
	QueueDepth int
	// MaxAttempts caps immediate retries; past it the event stays in the
	// outbox for the replayer.
	MaxAttempts int
	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration
	// ReplayInterval is how often the replayer re-drives the backlog.
	ReplayInterval time.Duration
	// ReplayBatch is the max rows per replay sweep.
	ReplayBatch int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QueueDepth:     1024,
		MaxAttempts:    5,
		BaseBackoff:    100 * time.Millisecond,
		ReplayInterval: 30 * time.Second,
		ReplayBatch:    256,
	}
}

// DeliveryObserver is notified of terminal delivery outcomes so the health
// fabric can track the publisher breaker.
type DeliveryObserver func(analysisID string, success bool)

// Publisher stages reports durably and drives them to the broker. The caller
// path is Enqueue only; delivery, retry, and replay happen on background
// workers.
type Publisher struct {
	cfg      Config
	sink     broker.Sink
	outbox   *Outbox
	queue    chan *AnalyzedEvent
	observer DeliveryObserver
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewPublisher constructs the publisher over a broker sink and outbox.
func NewPublisher(sink broker.Sink, outbox *Outbox, cfg Config) *Publisher {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	return &Publisher{
		cfg:    cfg,
		sink:   sink,
		outbox: outbox,
		queue:  make(chan *AnalyzedEvent, cfg.QueueDepth),
		logger: slog.Default().With("component", "publisher"),
	}
}

// WithDeliveryObserver registers the breaker callback.
func (p *Publisher) WithDeliveryObserver(fn DeliveryObserver) *Publisher {
	p.observer = fn
	return p
}

// Stage durably records the report's event before any delivery attempt.
// Callers that must not lose the event on a crash stage first, then Enqueue.
func (p *Publisher) Stage(ctx context.Context, rep *synthesis.IntelligenceReport) error {
	ev := NewAnalyzedEvent(rep)
	body, err := ev.Encode()
	if err != nil {
		return err
	}
	return p.outbox.Stage(ctx, ev.AnalysisID, broker.TopicClaimAnalyzed, ev.ClaimID, body)
}

// Enqueue hands a report to the publisher. It blocks when the queue is full:
// that is the backpressure contract with the pipeline.
func (p *Publisher) Enqueue(ctx context.Context, rep *synthesis.IntelligenceReport) error {
	select {
	case p.queue <- NewAnalyzedEvent(rep):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish: enqueue: %w", ctx.Err())
	}
}

// PublishError sends an ErrorEvent directly; error events are advisory and
// carry no outbox durability.
func (p *Publisher) PublishError(ctx context.Context, ev *ErrorEvent) error {
	body, err := ev.Encode()
	if err != nil {
		return err
	}
	return p.sink.Publish(ctx, &broker.Message{
		Topic: broker.TopicAnalysisErrors,
		Key:   ev.ClaimID,
		Value: body,
	})
}

// Run starts the delivery worker and the outbox replayer; it returns when
// ctx is cancelled and both workers have drained.
func (p *Publisher) Run(ctx context.Context) {
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.deliverLoop(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.replayLoop(ctx)
	}()
	p.wg.Wait()
}

func (p *Publisher) deliverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.deliver(ctx, ev)
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, ev *AnalyzedEvent) {
	body, err := ev.Encode()
	if err != nil {
		p.logger.Error("undeliverable event", "analysis_id", ev.AnalysisID, "error", err)
		return
	}
	if err := p.outbox.Stage(ctx, ev.AnalysisID, broker.TopicClaimAnalyzed, ev.ClaimID, body); err != nil {
		// Staging failure is survivable: deliver anyway, the event just
		// loses crash durability.
		p.logger.Error("outbox staging failed", "analysis_id", ev.AnalysisID, "error", err)
	}
	p.attemptDelivery(ctx, ev.AnalysisID, broker.TopicClaimAnalyzed, ev.ClaimID, body)
}

// attemptDelivery drives one event to the broker with capped exponential
// backoff. On exhaustion the event remains pending in the outbox.
func (p *Publisher) attemptDelivery(ctx context.Context, analysisID, topic, key string, body []byte) {
	backoff := p.cfg.BaseBackoff
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		_ = p.outbox.RecordAttempt(ctx, analysisID)
		err := p.sink.Publish(ctx, &broker.Message{Topic: topic, Key: key, Value: body})
		if err == nil {
			if err := p.outbox.MarkDelivered(ctx, analysisID); err != nil {
				p.logger.Error("delivered but not marked", "analysis_id", analysisID, "error", err)
			}
			if p.observer != nil {
				p.observer(analysisID, true)
			}
			return
		}

		p.logger.Warn("delivery attempt failed",
			"analysis_id", analysisID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	p.logger.Error("delivery attempts exhausted, left for replay", "analysis_id", analysisID)
	if p.observer != nil {
		p.observer(analysisID, false)
	}
}

func (p *Publisher) replayLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReplayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.ReplayPending(ctx); err != nil {
				p.logger.Error("outbox replay failed", "error", err)
			} else if n > 0 {
				p.logger.Info("outbox replay complete", "replayed", n)
			}
		}
	}
}

// ReplayPending re-drives every undelivered outbox row once. Returns how
// many rows were delivered.
func (p *Publisher) ReplayPending(ctx context.Context) (int, error) {
	staged, err := p.outbox.Pending(ctx, p.cfg.ReplayBatch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, s := range staged {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		_ = p.outbox.RecordAttempt(ctx, s.AnalysisID)
		if err := p.sink.Publish(ctx, &broker.Message{Topic: s.Topic, Key: s.Key, Value: s.Payload}); err != nil {
			p.logger.Warn("replay delivery failed", "analysis_id", s.AnalysisID, "error", err)
			continue
		}
		if err := p.outbox.MarkDelivered(ctx, s.AnalysisID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}
