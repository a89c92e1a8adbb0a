package token

import (
	"strings"
	"testing"

	"github.com/nidhogg/nuka-kb/internal/memory"
)

func TestHeuristicEstimate(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 2000), 500},
	}
	for _, c := range cases {
		if got := (Heuristic{}).Estimate(c.text); got != c.want {
			t.Errorf("Estimate(%d bytes) = %d, want %d", len(c.text), got, c.want)
		}
	}
}

func TestHeuristicMonotonic(t *testing.T) {
	prev := 0
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("word ")
		got := (Heuristic{}).Estimate(b.String())
		if got < prev {
			t.Fatalf("estimate decreased at %d: %d < %d", i, got, prev)
		}
		prev = got
	}
}

func TestRecordTokensPrefersPrecomputed(t *testing.T) {
	n := 42
	rec := &memory.Record{Text: "short", TokenCount: &n}
	if got := RecordTokens(rec, Heuristic{}); got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	rec.TokenCount = nil
	if got := RecordTokens(rec, nil); got != 2 {
		t.Errorf("fallback got %d, want 2", got)
	}
}

func TestNewUnknownKind(t *testing.T) {
	if _, ok := New("bogus", nil).(Heuristic); !ok {
		t.Error("expected heuristic for unknown kind")
	}
}
