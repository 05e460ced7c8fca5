package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// streamAPI is the slice of the Redis client the broker needs. *redis.Client
// satisfies it; tests substitute a fake.
type streamAPI interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// RedisBroker moves the pipeline topics onto Redis Streams: one stream per
// topic, one consumer group per deployment. Publishing is XADD; a Source is
// an XREADGROUP loop whose Commit XACKs, so unacknowledged entries return to
// the pending list and are redelivered after a restart.
type RedisBroker struct {
	client   streamAPI
	group    string
	consumer string
	prefix   string
	block    time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// NewRedisBroker constructs a broker over an existing client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return newRedisBroker(client)
}

func newRedisBroker(client streamAPI) *RedisBroker {
	return &RedisBroker{
		client:   client,
		group:    "dcal",
		consumer: "dcal-" + uuid.NewString(),
		prefix:   "dcal:stream:",
		block:    time.Second,
		clock:    time.Now,
		logger:   slog.Default().With("component", "redis_broker"),
	}
}

// WithGroup overrides the consumer group name.
func (b *RedisBroker) WithGroup(group string) *RedisBroker {
	b.group = group
	return b
}

func (b *RedisBroker) stream(topic string) string {
	return b.prefix + topic
}

// Publish appends the message to its topic's stream.
func (b *RedisBroker) Publish(ctx context.Context, msg *Message) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = b.clock().UTC()
	}
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(msg.Topic),
		Values: map[string]any{
			"key":   msg.Key,
			"value": msg.Value,
			"ts":    strconv.FormatInt(ts.UnixMilli(), 10),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("broker: xadd %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe returns a Source over one topic. The source first drains this
// consumer's pending entries (deliveries that were never acknowledged), then
// follows new entries.
func (b *RedisBroker) Subscribe(topic string) Source {
	return &redisSource{
		broker:  b,
		topic:   topic,
		cursor:  "0",
		pending: map[int64]string{},
	}
}

type redisSource struct {
	broker *RedisBroker
	topic  string
	// cursor is "0" while replaying the pending list, ">" afterwards.
	cursor  string
	ensured bool
	// next is the local monotonic offset handed out with each message;
	// pending maps offsets to their stream entry ids until Commit acks them.
	next    int64
	pending map[int64]string
}

func (s *redisSource) ensureGroup(ctx context.Context) error {
	if s.ensured {
		return nil
	}
	err := s.broker.client.XGroupCreateMkStream(ctx, s.broker.stream(s.topic), s.broker.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker: create group on %s: %w", s.topic, err)
	}
	s.ensured = true
	return nil
}

// Fetch blocks until an entry is available or ctx is done.
func (s *redisSource) Fetch(ctx context.Context) (*Message, error) {
	if err := s.ensureGroup(ctx); err != nil {
		return nil, err
	}
	b := s.broker
	stream := b.stream(s.topic)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{stream, s.cursor},
			Count:    1,
			Block:    b.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("broker: xreadgroup %s: %w", s.topic, err)
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			if s.cursor == "0" {
				// Pending list drained; follow new entries from here on.
				s.cursor = ">"
				continue
			}
			continue
		}
		return s.decode(res[0].Messages[0]), nil
	}
}

func (s *redisSource) decode(entry redis.XMessage) *Message {
	msg := &Message{Topic: s.topic, Offset: s.next}
	if k, ok := entry.Values["key"].(string); ok {
		msg.Key = k
	}
	if v, ok := entry.Values["value"].(string); ok {
		msg.Value = []byte(v)
	}
	if raw, ok := entry.Values["ts"].(string); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			msg.Timestamp = time.UnixMilli(ms).UTC()
		}
	}
	s.pending[s.next] = entry.ID
	s.next++
	return msg
}

// Commit acknowledges everything delivered through offset. Stream entries
// have no partitions; the argument exists to satisfy the Source contract.
func (s *redisSource) Commit(ctx context.Context, _ int, offset int64) error {
	var offsets []int64
	for off := range s.pending {
		if off <= offset {
			offsets = append(offsets, off)
		}
	}
	if len(offsets) == 0 {
		return nil
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	ids := make([]string, 0, len(offsets))
	for _, off := range offsets {
		ids = append(ids, s.pending[off])
	}
	if err := s.broker.client.XAck(ctx, s.broker.stream(s.topic), s.broker.group, ids...).Err(); err != nil {
		return fmt.Errorf("broker: xack %s: %w", s.topic, err)
	}
	for _, off := range offsets {
		delete(s.pending, off)
	}
	return nil
}
