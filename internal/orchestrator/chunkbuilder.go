package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-kb/internal/builder"
	"github.com/nidhogg/nuka-kb/internal/chunker"
	"github.com/nidhogg/nuka-kb/internal/knowledge"
	"github.com/nidhogg/nuka-kb/internal/memory"
)

const tracerName = "github.com/nidhogg/nuka-kb/internal/orchestrator"

// persistTimeout bounds the history write and record stamping after the
// Builder returned. They run detached from the caller's context so that a
// cancelled trigger does not throw away a build that already happened.
const persistTimeout = 30 * time.Second

// ChunkBuilder drives one chunk through the external Builder, writes its
// history entry and stamps its records on success.
type ChunkBuilder struct {
	records   RecordStore
	history   HistoryStore
	artifacts ArtifactStore
	builder   builder.Builder
	timeout   time.Duration
	tracer    trace.Tracer
	now       func() time.Time
	logger    *zap.Logger
}

// NewChunkBuilder creates a ChunkBuilder. A zero timeout means the Builder
// call is bounded only by the caller's context.
func NewChunkBuilder(
	records RecordStore,
	history HistoryStore,
	artifacts ArtifactStore,
	b builder.Builder,
	timeout time.Duration,
	logger *zap.Logger,
) *ChunkBuilder {
	return &ChunkBuilder{
		records:   records,
		history:   history,
		artifacts: artifacts,
		builder:   b,
		timeout:   timeout,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		logger:    logger,
	}
}

// Build runs a single chunk. It never returns an error: every failure is
// folded into the outcome so sibling chunks are unaffected.
func (cb *ChunkBuilder) Build(ctx context.Context, chunk *chunker.Chunk, owner string, bt memory.BuildType) *ChunkOutcome {
	start := cb.now()
	out := &ChunkOutcome{Delta: emptyDelta()}
	if chunk == nil || chunk.Len() == 0 {
		out.fail(ErrEmptyChunk)
		return out
	}
	out.RecordIDs = chunk.RecordIDs

	ctx, span := cb.tracer.Start(ctx, "chunk.build", trace.WithAttributes(
		attribute.String("owner", owner),
		attribute.String("build_type", string(bt)),
		attribute.Int("records", chunk.Len()),
		attribute.Int("tokens", chunk.TokenTotal),
	))
	defer span.End()

	delta, err := cb.invoke(ctx, chunk, owner)
	out.Duration = cb.now().Sub(start)
	if err != nil {
		out.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		cb.recordFailure(ctx, chunk, owner, bt, out)
		return out
	}
	out.Delta = delta

	if err := cb.recordSuccess(ctx, chunk, owner, bt, out); err != nil {
		out.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out
	}

	out.Success = true
	span.SetAttributes(
		attribute.Int("new_constants", len(delta.ConstantIDs)),
		attribute.Int("new_predicates", len(delta.PredicateIDs)),
		attribute.Int("new_facts", len(delta.FactIDs)),
	)
	return out
}

// invoke snapshots, calls the Builder and diffs.
func (cb *ChunkBuilder) invoke(ctx context.Context, chunk *chunker.Chunk, owner string) (knowledge.Delta, error) {
	before, err := cb.artifacts.Snapshot(ctx, owner)
	if err != nil {
		return knowledge.Delta{}, fmt.Errorf("snapshot before build: %w", err)
	}

	bctx := ctx
	if cb.timeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, cb.timeout)
		defer cancel()
	}
	if err := cb.builder.BuildAndSave(bctx, chunk.Document(), owner); err != nil {
		return knowledge.Delta{}, fmt.Errorf("build and save: %w", err)
	}

	after, err := cb.artifacts.Snapshot(ctx, owner)
	if err != nil {
		// The build happened; only attribution is lost.
		cb.logger.Warn("snapshot after build failed, attributing nothing",
			zap.String("owner", owner), zap.Error(err))
		return emptyDelta(), nil
	}
	return knowledge.Diff(before, after), nil
}

func (cb *ChunkBuilder) recordSuccess(ctx context.Context, chunk *chunker.Chunk, owner string, bt memory.BuildType, out *ChunkOutcome) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	entry := cb.entry(chunk, owner, bt, out)
	entry.Status = memory.StatusSuccess
	entry.NewConstantIDs = out.Delta.ConstantIDs
	entry.NewPredicateIDs = out.Delta.PredicateIDs
	entry.NewFactIDs = out.Delta.FactIDs
	if err := cb.history.InsertHistory(pctx, entry); err != nil {
		// Without a success entry the records must stay pending.
		return fmt.Errorf("write build history: %w", err)
	}

	n, err := cb.records.StampBuilt(pctx, owner, chunk.RecordIDs, cb.now().UTC())
	if err != nil {
		err = fmt.Errorf("stamp records built: %w", err)
		cb.compensate(pctx, chunk, owner, bt, out, err)
		return err
	}
	if int(n) != chunk.Len() {
		// Records deleted mid-build are simply gone; nothing to retry.
		cb.logger.Warn("stamped fewer records than chunk size",
			zap.String("owner", owner),
			zap.Int64("stamped", n),
			zap.Int("chunk_records", chunk.Len()))
	}

	cb.logger.Debug("chunk built",
		zap.String("owner", owner),
		zap.Int("records", chunk.Len()),
		zap.Int("new_constants", len(out.Delta.ConstantIDs)),
		zap.Int("new_predicates", len(out.Delta.PredicateIDs)),
		zap.Int("new_facts", len(out.Delta.FactIDs)),
		zap.Duration("took", out.Duration))
	return nil
}

// recordFailure writes a failed entry. Audit is best effort here: the
// records stay pending either way.
func (cb *ChunkBuilder) recordFailure(ctx context.Context, chunk *chunker.Chunk, owner string, bt memory.BuildType, out *ChunkOutcome) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	entry := cb.entry(chunk, owner, bt, out)
	entry.Status = memory.StatusFailed
	entry.ErrorMessage = out.Error
	if err := cb.history.InsertHistory(pctx, entry); err != nil {
		cb.logger.Warn("failed to write history for failed chunk",
			zap.String("owner", owner),
			zap.Strings("record_ids", chunk.RecordIDs),
			zap.Error(err))
	}

	cb.logger.Warn("chunk build failed",
		zap.String("owner", owner),
		zap.Int("records", chunk.Len()),
		zap.String("error", out.Error))
}

// compensate appends a failed entry after a success entry whose records
// could not be stamped. The records stay pending, so the latest entry for
// them must say so.
func (cb *ChunkBuilder) compensate(ctx context.Context, chunk *chunker.Chunk, owner string, bt memory.BuildType, out *ChunkOutcome, cause error) {
	entry := cb.entry(chunk, owner, bt, out)
	entry.Status = memory.StatusFailed
	entry.ErrorMessage = cause.Error()
	if err := cb.history.InsertHistory(ctx, entry); err != nil {
		cb.logger.Warn("failed to write compensating history entry",
			zap.String("owner", owner),
			zap.Strings("record_ids", chunk.RecordIDs),
			zap.Error(err))
	}
}

func (cb *ChunkBuilder) entry(chunk *chunker.Chunk, owner string, bt memory.BuildType, out *ChunkOutcome) *memory.HistoryEntry {
	return &memory.HistoryEntry{
		Owner:           owner,
		DocumentText:    chunk.Document(),
		RecordIDs:       chunk.RecordIDs,
		TokenCount:      chunk.TokenTotal,
		RecordCount:     chunk.Len(),
		BuildType:       bt,
		NewConstantIDs:  []string{},
		NewFactIDs:      []string{},
		NewPredicateIDs: []string{},
		DurationMs:      out.Duration.Milliseconds(),
		CreatedAt:       cb.now().UTC(),
	}
}

func (o *ChunkOutcome) fail(err error) {
	o.Success = false
	o.Err = err
	o.Error = err.Error()
}

func emptyDelta() knowledge.Delta {
	return knowledge.Delta{
		ConstantIDs:  []string{},
		PredicateIDs: []string{},
		FactIDs:      []string{},
	}
}
