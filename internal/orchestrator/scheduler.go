package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-kb/internal/chunker"
	"github.com/nidhogg/nuka-kb/internal/memory"
)

// DefaultConcurrency is the default wave width.
const DefaultConcurrency = 3

// chunkRunner builds one chunk and always returns a settled outcome.
type chunkRunner interface {
	Build(ctx context.Context, chunk *chunker.Chunk, owner string, bt memory.BuildType) *ChunkOutcome
}

// Scheduler runs chunks in sequential waves of at most concurrency chunks.
// Every chunk of a wave must settle before the next wave starts, which caps
// the load on the Builder. A failing chunk never cancels anything else.
type Scheduler struct {
	runner      chunkRunner
	concurrency int
	logger      *zap.Logger
}

// NewScheduler creates a wave scheduler.
func NewScheduler(runner chunkRunner, concurrency int, logger *zap.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Scheduler{
		runner:      runner,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run builds all chunks and aggregates their outcomes. Outcomes are returned
// in chunk order. If ctx ends between waves the remaining chunks are not
// started and count as failed, leaving their records pending.
func (s *Scheduler) Run(ctx context.Context, chunks []*chunker.Chunk, owner string, bt memory.BuildType) (RunStats, []*ChunkOutcome) {
	outcomes := make([]*ChunkOutcome, len(chunks))

	for start := 0; start < len(chunks); start += s.concurrency {
		end := min(start+s.concurrency, len(chunks))

		if err := ctx.Err(); err != nil {
			s.logger.Warn("build run cancelled, skipping remaining chunks",
				zap.String("owner", owner),
				zap.Int("skipped", len(chunks)-start),
				zap.Error(err))
			for i := start; i < len(chunks); i++ {
				o := &ChunkOutcome{Index: i, RecordIDs: chunks[i].RecordIDs, Delta: emptyDelta()}
				o.fail(ErrSkipped)
				outcomes[i] = o
			}
			break
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				o := s.runner.Build(ctx, chunks[i], owner, bt)
				o.Index = i
				outcomes[i] = o
			}(i)
		}
		wg.Wait()

		s.logger.Debug("wave settled",
			zap.String("owner", owner),
			zap.Int("from", start),
			zap.Int("to", end-1))
	}

	return aggregate(outcomes), outcomes
}

func aggregate(outcomes []*ChunkOutcome) RunStats {
	stats := RunStats{TotalChunks: len(outcomes)}
	for _, o := range outcomes {
		if o.Success {
			stats.SuccessfulChunks++
			stats.BuiltRecordCount += len(o.RecordIDs)
		} else {
			stats.FailedChunks++
		}
	}
	return stats
}
