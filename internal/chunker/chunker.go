// Package chunker packs ordered pending records into bounded batches for a
// single Builder call.
package chunker

import (
	"strings"

	"github.com/nidhogg/nuka-kb/internal/memory"
	"github.com/nidhogg/nuka-kb/internal/token"
)

const (
	DefaultMaxRecords = 10
	DefaultMaxTokens  = 10000
)

// separator joins record texts inside a chunk document.
const separator = "\n\n"

// Options bounds each chunk.
type Options struct {
	MaxRecords int
	MaxTokens  int
}

// DefaultOptions returns the default chunk bounds.
func DefaultOptions() Options {
	return Options{
		MaxRecords: DefaultMaxRecords,
		MaxTokens:  DefaultMaxTokens,
	}
}

// Chunk is an ordered batch of records. It is never persisted.
type Chunk struct {
	Records    []*memory.Record
	TokenTotal int
	RecordIDs  []string
}

// Len returns the number of records in the chunk.
func (c *Chunk) Len() int {
	return len(c.Records)
}

// Document renders the chunk as one chronological text.
func (c *Chunk) Document() string {
	var buf strings.Builder
	for i, r := range c.Records {
		if i > 0 {
			buf.WriteString(separator)
		}
		buf.WriteString(r.Text)
	}
	return buf.String()
}

// Split partitions records (already ordered oldest first) with greedy forward
// bin-packing. A chunk always opens with the next record, so a single record
// larger than MaxTokens becomes a one-record chunk instead of being dropped.
func Split(records []*memory.Record, opts Options, est token.Estimator) []*Chunk {
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultMaxRecords
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if est == nil {
		est = token.Heuristic{}
	}

	var chunks []*Chunk
	var cur *Chunk
	for _, r := range records {
		n := token.RecordTokens(r, est)
		if cur != nil && cur.Len() < opts.MaxRecords && cur.TokenTotal+n <= opts.MaxTokens {
			cur.add(r, n)
			continue
		}
		cur = &Chunk{}
		cur.add(r, n)
		chunks = append(chunks, cur)
	}
	return chunks
}

func (c *Chunk) add(r *memory.Record, tokens int) {
	c.Records = append(c.Records, r)
	c.RecordIDs = append(c.RecordIDs, r.ID)
	c.TokenTotal += tokens
}
