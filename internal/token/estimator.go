// Package token approximates token counts for memory records that were
// ingested without a precomputed count.
package token

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-kb/internal/memory"
)

// Estimator approximates the number of tokens in a piece of text. Results
// must be deterministic and never decrease as the text grows.
type Estimator interface {
	Estimate(text string) int
}

// Heuristic estimates ~4 bytes per token for mixed CJK/English text.
type Heuristic struct{}

// Estimate implements Estimator.
func (Heuristic) Estimate(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// DefaultEncoding is the BPE used by the tiktoken estimator.
const DefaultEncoding = "cl100k_base"

// Tiktoken counts tokens with a real BPE encoding. The encoding is loaded
// lazily on first use; if it cannot be loaded every call falls back to
// Heuristic.
type Tiktoken struct {
	encoding string
	logger   *zap.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktoken creates a tiktoken-backed estimator for the named encoding.
func NewTiktoken(encoding string, logger *zap.Logger) *Tiktoken {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Tiktoken{encoding: encoding, logger: logger}
}

// Estimate implements Estimator.
func (t *Tiktoken) Estimate(text string) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.logger.Warn("tiktoken encoding unavailable, using heuristic",
				zap.String("encoding", t.encoding), zap.Error(err))
			return
		}
		t.enc = enc
	})
	if t.enc == nil {
		return Heuristic{}.Estimate(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// New returns the estimator named by kind ("tiktoken" or "heuristic").
// Unknown kinds get the heuristic.
func New(kind string, logger *zap.Logger) Estimator {
	if kind == "tiktoken" {
		return NewTiktoken(DefaultEncoding, logger)
	}
	return Heuristic{}
}

// RecordTokens returns the precomputed count of rec when present, otherwise
// the estimate of its text.
func RecordTokens(rec *memory.Record, est Estimator) int {
	if rec.TokenCount != nil {
		return *rec.TokenCount
	}
	if est == nil {
		est = Heuristic{}
	}
	return est.Estimate(rec.Text)
}
