//go:build integration

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-kb/internal/memory"
)

func TestEventBusRoundTrip(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	bus, err := NewEventBus(ctx, "redis://"+endpoint, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	subCtx, cancel := context.WithCancel(ctx)
	events := bus.Subscribe(subCtx, "0xbus")

	// Subscribe reads from "$"; give the first XREAD time to block.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, bus.Publish(ctx, &BuildEvent{Owner: "0xother", BuildType: memory.BuildFull}))
	require.NoError(t, bus.Publish(ctx, &BuildEvent{
		Owner:     "0xbus",
		BuildType: memory.BuildIncremental,
		RunStats:  RunStats{TotalChunks: 3, SuccessfulChunks: 2, FailedChunks: 1, BuiltRecordCount: 13},
	}))

	select {
	case ev := <-events:
		assert.Equal(t, "0xbus", ev.Owner)
		assert.Equal(t, memory.BuildIncremental, ev.BuildType)
		assert.Equal(t, 13, ev.BuiltRecordCount)
	case <-time.After(10 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	for range events {
	}
}
