// Package broker abstracts the event transport. Sources deliver messages in
// partition order with explicit offset commits; sinks publish fire-and-forget.
// The in-memory implementation backs tests and single-node deployments.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Topic names used across the pipeline.
const (
	TopicClaimSubmitted = "claims.submitted"
	TopicClaimAnalyzed  = "claims.analyzed"
	TopicClaimReviewed  = "claims.reviewed"
	TopicAnalysisErrors = "claims.analysis.errors"
)

// Message is one transported event.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Timestamp time.Time
	Headers   map[string]string
}

// Source consumes one topic. Fetch blocks until a message past the committed
// offset is available or ctx is done. Commit acknowledges processing through
// the given offset; an uncommitted message is redelivered after restart.
type Source interface {
	Fetch(ctx context.Context) (*Message, error)
	Commit(ctx context.Context, partition int, offset int64) error
}

// Sink publishes to one topic. Publish is asynchronous from the caller's
// point of view; delivery guarantees come from the outbox in front of it.
type Sink interface {
	Publish(ctx context.Context, msg *Message) error
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("broker: closed")

// partition is one ordered in-memory log.
type partition struct {
	messages  []Message
	committed int64 // offset of the next uncommitted message
	delivered int64 // offset of the next undelivered message
}

// MemoryBroker is the in-process transport: per-topic partitioned FIFO logs
// with offset tracking.
type MemoryBroker struct {
	mu         sync.Mutex
	cond       *sync.Cond
	partitions int
	topics     map[string][]*partition
	closed     bool
	clock      func() time.Time
}

// NewMemoryBroker constructs a broker with the given partition count per
// topic. Keys hash to partitions so per-claim ordering holds.
func NewMemoryBroker(partitions int) *MemoryBroker {
	if partitions <= 0 {
		partitions = 1
	}
	b := &MemoryBroker{
		partitions: partitions,
		topics:     map[string][]*partition{},
		clock:      time.Now,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// WithClock overrides the clock for deterministic testing.
func (b *MemoryBroker) WithClock(clock func() time.Time) *MemoryBroker {
	b.clock = clock
	return b
}

func (b *MemoryBroker) topic(name string) []*partition {
	parts, ok := b.topics[name]
	if !ok {
		parts = make([]*partition, b.partitions)
		for i := range parts {
			parts[i] = &partition{}
		}
		b.topics[name] = parts
	}
	return parts
}

func (b *MemoryBroker) partitionFor(key string) int {
	if key == "" {
		return 0
	}
	h := 0
	for _, c := range key {
		h = h*31 + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h % b.partitions
}

// Publish appends the message to its key's partition.
func (b *MemoryBroker) Publish(_ context.Context, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	p := b.partitionFor(msg.Key)
	part := b.topic(msg.Topic)[p]

	stored := *msg
	stored.Partition = p
	stored.Offset = int64(len(part.messages))
	if stored.Timestamp.IsZero() {
		stored.Timestamp = b.clock().UTC()
	}
	part.messages = append(part.messages, stored)
	b.cond.Broadcast()
	return nil
}

// Close wakes all blocked consumers.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Subscribe returns a Source over one topic. Each Source has its own
// delivery cursor; this is a single-consumer-group model.
func (b *MemoryBroker) Subscribe(topic string) Source {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topic(topic)
	return &memorySource{broker: b, topic: topic}
}

type memorySource struct {
	broker *MemoryBroker
	topic  string
}

// Fetch returns the next undelivered message across partitions, blocking
// until one arrives.
func (s *memorySource) Fetch(ctx context.Context) (*Message, error) {
	b := s.broker

	// Wake the cond wait when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b.closed {
			return nil, ErrClosed
		}
		for _, part := range b.topics[s.topic] {
			if part.delivered < int64(len(part.messages)) {
				msg := part.messages[part.delivered]
				part.delivered++
				return &msg, nil
			}
		}
		b.cond.Wait()
	}
}

// Commit acknowledges processing through offset on the partition. Committing
// backwards is a no-op.
func (s *memorySource) Commit(_ context.Context, partitionIdx int, offset int64) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	parts := b.topics[s.topic]
	if partitionIdx < 0 || partitionIdx >= len(parts) {
		return errors.New("broker: unknown partition")
	}
	if next := offset + 1; next > parts[partitionIdx].committed {
		parts[partitionIdx].committed = next
	}
	return nil
}

// Rewind resets delivery to the committed offset on every partition,
// simulating a consumer restart.
func (b *MemoryBroker) Rewind(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, part := range b.topics[topic] {
		part.delivered = part.committed
	}
	b.cond.Broadcast()
}

// Messages returns a copy of everything published to a topic, for tests.
func (b *MemoryBroker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, part := range b.topics[topic] {
		out = append(out, part.messages...)
	}
	return out
}
