package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchforge/patchforge/internal/domain/model"
)

func TestDistributor_PublishPersistsAndBuffers(t *testing.T) {
	logs := newFakeLogStore()
	dist := NewDistributor(DistributorOption{Logs: logs})
	ctx := context.Background()

	dist.Publish(ctx, "o/r#1", model.LineText, "hello")
	dist.Publish(ctx, "o/r#1", model.LineTool, "Bash")

	recent := dist.Recent("o/r#1")
	require.Len(t, recent, 2)
	assert.Equal(t, "hello", recent[0].Content)
	assert.Equal(t, model.LineTool, recent[1].Kind)

	persisted, err := logs.LogsAfter(ctx, "o/r#1", 0, 10)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, int64(1), persisted[0].Seq)
}

func TestDistributor_RingEvictsOldest(t *testing.T) {
	dist := NewDistributor(DistributorOption{Logs: newFakeLogStore(), RingSize: 3})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		dist.Publish(ctx, "o/r#1", model.LineText, fmt.Sprintf("line %d", i))
	}

	recent := dist.Recent("o/r#1")
	require.Len(t, recent, 3)
	assert.Equal(t, "line 3", recent[0].Content)
	assert.Equal(t, "line 5", recent[2].Content)
}

func TestDistributor_SubscribeReceivesInOrder(t *testing.T) {
	dist := NewDistributor(DistributorOption{Logs: newFakeLogStore()})
	ctx := context.Background()

	sub := dist.Subscribe("o/r#1")
	defer sub.Close()

	dist.Publish(ctx, "o/r#1", model.LineText, "first")
	dist.Publish(ctx, "o/r#1", model.LineText, "second")

	assert.Equal(t, "first", (<-sub.C).Content)
	assert.Equal(t, "second", (<-sub.C).Content)
}

func TestDistributor_ClosedSubscriptionStopsReceiving(t *testing.T) {
	dist := NewDistributor(DistributorOption{Logs: newFakeLogStore()})
	ctx := context.Background()

	sub := dist.Subscribe("o/r#1")
	sub.Close()
	sub.Close() // idempotent

	dist.Publish(ctx, "o/r#1", model.LineText, "after close")
	select {
	case line := <-sub.C:
		t.Fatalf("received %q after close", line.Content)
	default:
	}
}

func TestDistributor_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	dist := NewDistributor(DistributorOption{Logs: newFakeLogStore(), RingSize: 2})
	ctx := context.Background()

	sub := dist.Subscribe("o/r#1")
	defer sub.Close()

	// Channel capacity equals ring size; overflow lines are dropped live but
	// remain in the durable log.
	for i := 0; i < 5; i++ {
		dist.Publish(ctx, "o/r#1", model.LineText, "x")
	}
	assert.Len(t, dist.Recent("o/r#1"), 2)
}

func TestDistributor_PublishSurvivesLogFailure(t *testing.T) {
	logs := newFakeLogStore()
	logs.fail = fmt.Errorf("db down")
	dist := NewDistributor(DistributorOption{Logs: logs})

	dist.Publish(context.Background(), "o/r#1", model.LineText, "kept in memory")
	require.Len(t, dist.Recent("o/r#1"), 1)
}

func TestDistributor_ReleaseDropsStream(t *testing.T) {
	dist := NewDistributor(DistributorOption{Logs: newFakeLogStore()})
	dist.Publish(context.Background(), "o/r#1", model.LineText, "x")

	assert.True(t, dist.HasStream("o/r#1"))
	dist.Release("o/r#1")
	assert.False(t, dist.HasStream("o/r#1"))
	assert.Empty(t, dist.Recent("o/r#1"))
}
