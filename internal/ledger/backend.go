package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
)

const streamPrefix = "ledger:"

// RedisBackend keeps each owner's history in an append-only Redis Stream.
// Every write appends the full id set; the entry id is the tx hash and the
// newest entry is the current state.
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

// Read implements Backend.
func (r *RedisBackend) Read(ctx context.Context, owner string) (State, error) {
	msgs, err := r.rdb.XRevRangeN(ctx, streamPrefix+owner, "+", "-", 1).Result()
	if err != nil {
		return State{}, err
	}
	if len(msgs) == 0 {
		return State{IDs: []string{}}, nil
	}

	raw, ok := msgs[0].Values["ids"].(string)
	if !ok {
		return State{}, fmt.Errorf("ledger entry %s has no ids", msgs[0].ID)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return State{}, fmt.Errorf("decode ledger entry %s: %w", msgs[0].ID, err)
	}
	return State{IDs: ids, TxHash: msgs[0].ID}, nil
}

// Write implements Backend.
func (r *RedisBackend) Write(ctx context.Context, owner string, ids []string) (WriteReceipt, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return WriteReceipt{}, err
	}
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamPrefix + owner,
		Values: map[string]interface{}{
			"ids":   string(data),
			"count": len(ids),
		},
	}).Result()
	if err != nil {
		return WriteReceipt{}, err
	}
	return WriteReceipt{TxHash: id}, nil
}

// MemoryBackend is an in-process Backend for tests and deployments without
// a ledger.
type MemoryBackend struct {
	mu     sync.Mutex
	state  map[string][]string
	writes map[string]int
	seq    int
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		state:  make(map[string][]string),
		writes: make(map[string]int),
	}
}

// Read implements Backend.
func (m *MemoryBackend) Read(ctx context.Context, owner string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, ok := m.state[owner]
	if !ok {
		return State{IDs: []string{}}, nil
	}
	return State{IDs: slices.Clone(ids), TxHash: m.hash(owner)}, nil
}

// Write implements Backend.
func (m *MemoryBackend) Write(ctx context.Context, owner string, ids []string) (WriteReceipt, error) {
	if err := ctx.Err(); err != nil {
		return WriteReceipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.writes[owner]++
	m.state[owner] = slices.Clone(ids)
	return WriteReceipt{TxHash: m.hash(owner)}, nil
}

// Writes returns how many writes owner has received.
func (m *MemoryBackend) Writes(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[owner]
}

func (m *MemoryBackend) hash(owner string) string {
	return fmt.Sprintf("mem-%s-%d", owner, m.writes[owner])
}
