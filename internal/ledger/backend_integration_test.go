//go:build integration

package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestRedisBackend(t *testing.T) {
	rdb := startRedis(t)
	c := New(NewRedisBackend(rdb), Options{WriteTimeout: 5 * time.Second}, zap.NewNop())
	ctx := context.Background()

	ids, err := c.GetMemoryIDs(ctx, "0xredis")
	require.NoError(t, err)
	assert.Empty(t, ids)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := c.SaveMemoryID(ctx, "0xredis", id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	ids, err = c.GetMemoryIDs(ctx, "0xredis")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, ids)

	again, err := c.SaveMemoryID(ctx, "0xredis", "a")
	require.NoError(t, err)
	assert.True(t, again.AlreadyExists)

	del, err := c.DeleteBatchMemoryIDs(ctx, "0xredis", []string{"b", "d", "zz"})
	require.NoError(t, err)
	assert.Equal(t, 2, del.DeletedCount)
	assert.NotEmpty(t, del.TxHash)

	ids, err = c.GetMemoryIDs(ctx, "0xredis")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids)

	// Every write appended one stream entry.
	n, err := rdb.XLen(ctx, streamPrefix+"0xredis").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}
