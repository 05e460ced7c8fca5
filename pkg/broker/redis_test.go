package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStreams scripts XReadGroup responses and records everything else.
type fakeStreams struct {
	adds     []*redis.XAddArgs
	groupErr error
	cursors  []string
	reads    [][]redis.XStream
	acks     [][]string
}

func (f *fakeStreams) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.adds = append(f.adds, a)
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("1-1")
	return cmd
}

func (f *fakeStreams) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.groupErr != nil {
		cmd.SetErr(f.groupErr)
	} else {
		cmd.SetVal("OK")
	}
	return cmd
}

func (f *fakeStreams) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.cursors = append(f.cursors, a.Streams[1])
	cmd := redis.NewXStreamSliceCmd(ctx)
	if len(f.reads) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	next := f.reads[0]
	f.reads = f.reads[1:]
	cmd.SetVal(next)
	return cmd
}

func (f *fakeStreams) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.acks = append(f.acks, ids)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(ids)))
	return cmd
}

func entry(id, key, value string) redis.XStream {
	return redis.XStream{
		Stream: "dcal:stream:claims.submitted",
		Messages: []redis.XMessage{{
			ID: id,
			Values: map[string]any{
				"key":   key,
				"value": value,
				"ts":    "1787745600000",
			},
		}},
	}
}

func TestRedisBrokerPublishUsesTopicStream(t *testing.T) {
	fake := &fakeStreams{}
	b := newRedisBroker(fake)

	err := b.Publish(context.Background(), &Message{
		Topic: TopicClaimAnalyzed,
		Key:   "CLM-2026-000000001",
		Value: []byte(`{"analysis_id":"an-1"}`),
	})
	require.NoError(t, err)
	require.Len(t, fake.adds, 1)
	assert.Equal(t, "dcal:stream:claims.analyzed", fake.adds[0].Stream)
	assert.Equal(t, "CLM-2026-000000001", fake.adds[0].Values.(map[string]any)["key"])
}

func TestRedisSourceDrainsPendingThenFollows(t *testing.T) {
	fake := &fakeStreams{reads: [][]redis.XStream{
		{entry("1-1", "k1", "a")},
		{{Stream: "dcal:stream:claims.submitted"}}, // pending list exhausted
		{entry("2-1", "k2", "b")},
	}}
	src := newRedisBroker(fake).Subscribe(TopicClaimSubmitted)
	ctx := context.Background()

	msg, err := src.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "k1", msg.Key)
	assert.Equal(t, []byte("a"), msg.Value)
	assert.Equal(t, int64(0), msg.Offset)
	assert.Equal(t, time.UnixMilli(1787745600000).UTC(), msg.Timestamp)

	msg, err = src.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "k2", msg.Key)
	assert.Equal(t, int64(1), msg.Offset)

	assert.Equal(t, []string{"0", "0", ">"}, fake.cursors,
		"the pending list is replayed before new entries")
}

func TestRedisSourceCommitAcksThroughOffset(t *testing.T) {
	fake := &fakeStreams{reads: [][]redis.XStream{
		{entry("1-1", "k1", "a")},
		{entry("1-2", "k2", "b")},
	}}
	src := newRedisBroker(fake).Subscribe(TopicClaimSubmitted)
	ctx := context.Background()

	_, err := src.Fetch(ctx)
	require.NoError(t, err)
	msg, err := src.Fetch(ctx)
	require.NoError(t, err)

	require.NoError(t, src.Commit(ctx, msg.Partition, msg.Offset))
	require.Len(t, fake.acks, 1)
	assert.Equal(t, []string{"1-1", "1-2"}, fake.acks[0])

	require.NoError(t, src.Commit(ctx, msg.Partition, msg.Offset))
	assert.Len(t, fake.acks, 1, "nothing left to acknowledge")
}

func TestRedisSourceToleratesExistingGroup(t *testing.T) {
	fake := &fakeStreams{
		groupErr: errors.New("BUSYGROUP Consumer Group name already exists"),
		reads:    [][]redis.XStream{{entry("1-1", "k1", "a")}},
	}
	src := newRedisBroker(fake).Subscribe(TopicClaimSubmitted)

	msg, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "k1", msg.Key)
}

func TestRedisSourceSurfacesGroupCreationFailure(t *testing.T) {
	fake := &fakeStreams{groupErr: errors.New("connection refused")}
	src := newRedisBroker(fake).Subscribe(TopicClaimSubmitted)

	_, err := src.Fetch(context.Background())
	assert.Error(t, err)
}
