package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/nuka-kb/internal/knowledge"
	"github.com/nidhogg/nuka-kb/internal/memory"
)

// memStore is an in-memory RecordStore + HistoryStore.
type memStore struct {
	mu      sync.Mutex
	records map[string]*memory.Record
	history []*memory.HistoryEntry

	listErr    error
	historyErr error
	stampErr   error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*memory.Record)}
}

func (m *memStore) add(owner string, n, tokens int) []*memory.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	offset := len(m.records)
	var out []*memory.Record
	for i := 0; i < n; i++ {
		tc := tokens
		r := &memory.Record{
			ID:         fmt.Sprintf("%s-r%03d", owner, offset+i),
			Owner:      owner,
			Text:       fmt.Sprintf("record %d of %s", offset+i, owner),
			TokenCount: &tc,
			CreatedAt:  base.Add(time.Duration(offset+i) * time.Second),
		}
		m.records[r.ID] = r
		out = append(out, r)
	}
	return out
}

func (m *memStore) ListPending(ctx context.Context, owner string) ([]*memory.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*memory.Record
	for _, r := range m.records {
		if r.Owner == owner && r.BuiltAt == nil {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memStore) StampBuilt(ctx context.Context, owner string, ids []string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stampErr != nil {
		return 0, m.stampErr
	}
	var n int64
	for _, id := range ids {
		if r, ok := m.records[id]; ok && r.Owner == owner {
			t := at
			r.BuiltAt = &t
			n++
		}
	}
	return n, nil
}

func (m *memStore) ResetBuilt(ctx context.Context, owner string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		if r.Owner == owner && r.BuiltAt != nil {
			r.BuiltAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountRecords(ctx context.Context, owner string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total, pending int
	for _, r := range m.records {
		if r.Owner != owner {
			continue
		}
		total++
		if r.BuiltAt == nil {
			pending++
		}
	}
	return total, pending, nil
}

func (m *memStore) InsertHistory(ctx context.Context, e *memory.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return m.historyErr
	}
	cp := *e
	m.history = append(m.history, &cp)
	return nil
}

func (m *memStore) ListHistory(ctx context.Context, owner string, limit int) ([]*memory.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*memory.HistoryEntry
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		if m.history[i].Owner == owner {
			out = append(out, m.history[i])
		}
	}
	return out, nil
}

func (m *memStore) pendingIDs(owner string) []string {
	recs, _ := m.ListPending(context.Background(), owner)
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

func (m *memStore) entries() []*memory.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*memory.HistoryEntry(nil), m.history...)
}

// graph is an in-memory ArtifactStore that the fake builder writes into.
type graph struct {
	mu        sync.Mutex
	snapshots map[string]*knowledge.Snapshot
	seq       int
	snapErr   error
}

func newGraph() *graph {
	return &graph{snapshots: make(map[string]*knowledge.Snapshot)}
}

func (g *graph) Snapshot(ctx context.Context, owner string) (knowledge.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.snapErr != nil {
		return knowledge.Snapshot{}, g.snapErr
	}
	s, ok := g.snapshots[owner]
	if !ok {
		return knowledge.Snapshot{}, nil
	}
	return knowledge.Snapshot{
		ConstantIDs:  append([]string(nil), s.ConstantIDs...),
		PredicateIDs: append([]string(nil), s.PredicateIDs...),
		FactIDs:      append([]string(nil), s.FactIDs...),
	}, nil
}

func (g *graph) Counts(ctx context.Context, owner string) (knowledge.Counts, error) {
	s, _ := g.Snapshot(ctx, owner)
	return knowledge.Counts{
		Constants:  len(s.ConstantIDs),
		Predicates: len(s.PredicateIDs),
		Facts:      len(s.FactIDs),
	}, nil
}

func (g *graph) DeleteByOwner(ctx context.Context, owner string) (knowledge.Counts, error) {
	c, _ := g.Counts(ctx, owner)
	g.mu.Lock()
	delete(g.snapshots, owner)
	g.mu.Unlock()
	return c, nil
}

// addFor creates one constant and one fact per record line in document,
// named after the line so rebuilds produce the same artifact set.
func (g *graph) addFor(owner, document string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.snapshots[owner]
	if !ok {
		s = &knowledge.Snapshot{}
		g.snapshots[owner] = s
	}
	for _, line := range strings.Split(document, "\n\n") {
		g.seq++
		s.ConstantIDs = append(s.ConstantIDs, "c:"+line)
		s.FactIDs = append(s.FactIDs, "f:"+line)
	}
}

// fakeBuilder writes artifacts into a graph and fails documents that match
// failOn.
type fakeBuilder struct {
	graph *graph

	mu     sync.Mutex
	failOn func(document string) bool
	calls  int
}

var errBuilderDown = errors.New("builder unavailable")

func (b *fakeBuilder) BuildAndSave(ctx context.Context, document, owner string) error {
	b.mu.Lock()
	b.calls++
	fail := b.failOn != nil && b.failOn(document)
	b.mu.Unlock()
	if fail {
		return errBuilderDown
	}
	b.graph.addFor(owner, document)
	return nil
}

func (b *fakeBuilder) setFailOn(f func(string) bool) {
	b.mu.Lock()
	b.failOn = f
	b.mu.Unlock()
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []*BuildEvent
	err    error
}

func (c *capturePublisher) Publish(ctx context.Context, ev *BuildEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}
