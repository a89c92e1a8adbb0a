// Package orchestrator turns pending memory records into knowledge artifacts:
// it selects pending records, packs them into chunks, runs the chunks
// through the Builder in bounded waves and reports what happened.
//
// There is no retry scheduler. A chunk that fails leaves its records
// pending, and the next incremental trigger picks them up again. An unbuilt
// record is normal "not yet processed" state, not an error.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-kb/internal/chunker"
	"github.com/nidhogg/nuka-kb/internal/memory"
	"github.com/nidhogg/nuka-kb/internal/token"
)

// ownerRe accepts wallet addresses and other opaque tenant ids.
var ownerRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,127}$`)

// ValidateOwner rejects malformed owner ids.
func ValidateOwner(owner string) error {
	if !ownerRe.MatchString(owner) {
		return fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	}
	return nil
}

// Orchestrator is the entry point for incremental and full builds.
// Concurrent runs for the same owner are not serialised: two runs may both
// select a record before either stamps it, which costs a duplicate Builder
// call but never loses data.
type Orchestrator struct {
	records   RecordStore
	history   HistoryStore
	artifacts ArtifactStore
	scheduler *Scheduler
	chunkOpts chunker.Options
	estimator token.Estimator
	events    EventPublisher
	logger    *zap.Logger
}

// New creates an orchestrator. events may be nil.
func New(
	records RecordStore,
	history HistoryStore,
	artifacts ArtifactStore,
	scheduler *Scheduler,
	chunkOpts chunker.Options,
	estimator token.Estimator,
	events EventPublisher,
	logger *zap.Logger,
) *Orchestrator {
	if estimator == nil {
		estimator = token.Heuristic{}
	}
	return &Orchestrator{
		records:   records,
		history:   history,
		artifacts: artifacts,
		scheduler: scheduler,
		chunkOpts: chunkOpts,
		estimator: estimator,
		events:    events,
		logger:    logger,
	}
}

// RunIncremental builds every pending record of owner.
func (o *Orchestrator) RunIncremental(ctx context.Context, owner string) (*Summary, error) {
	if err := ValidateOwner(owner); err != nil {
		return nil, err
	}
	sum := &Summary{Owner: owner, BuildType: memory.BuildIncremental, StartedAt: time.Now()}
	if err := o.run(ctx, sum); err != nil {
		return nil, err
	}
	return sum, nil
}

// RunFull deletes owner's artifacts, marks every record pending again and
// rebuilds everything. It is the only operation that clears built_at.
func (o *Orchestrator) RunFull(ctx context.Context, owner string) (*Summary, error) {
	if err := ValidateOwner(owner); err != nil {
		return nil, err
	}
	sum := &Summary{Owner: owner, BuildType: memory.BuildFull, StartedAt: time.Now()}

	deleted, err := o.artifacts.DeleteByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("delete artifacts: %w", err)
	}
	sum.DeletedArtifacts = &deleted

	reset, err := o.records.ResetBuilt(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("reset records: %w", err)
	}
	sum.ResetRecords = reset

	o.logger.Info("full rebuild reset",
		zap.String("owner", owner),
		zap.Int("deleted_artifacts", deleted.Total()),
		zap.Int64("reset_records", reset))

	if err := o.run(ctx, sum); err != nil {
		return nil, err
	}
	return sum, nil
}

func (o *Orchestrator) run(ctx context.Context, sum *Summary) error {
	pending, err := o.records.ListPending(ctx, sum.Owner)
	if err != nil {
		return fmt.Errorf("select pending records: %w", err)
	}
	if len(pending) == 0 {
		sum.Duration = time.Since(sum.StartedAt)
		o.logger.Debug("no pending records", zap.String("owner", sum.Owner))
		return nil
	}

	chunks := chunker.Split(pending, o.chunkOpts, o.estimator)
	o.logger.Info("build started",
		zap.String("owner", sum.Owner),
		zap.String("type", string(sum.BuildType)),
		zap.Int("pending", len(pending)),
		zap.Int("chunks", len(chunks)))

	stats, outcomes := o.scheduler.Run(ctx, chunks, sum.Owner, sum.BuildType)
	sum.RunStats = stats
	sum.Chunks = outcomes
	sum.Duration = time.Since(sum.StartedAt)

	o.logger.Info("build finished",
		zap.String("owner", sum.Owner),
		zap.String("type", string(sum.BuildType)),
		zap.Int("chunks", stats.TotalChunks),
		zap.Int("succeeded", stats.SuccessfulChunks),
		zap.Int("failed", stats.FailedChunks),
		zap.Int("built_records", stats.BuiltRecordCount),
		zap.Duration("took", sum.Duration))

	o.publish(ctx, sum)
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, sum *Summary) {
	if o.events == nil {
		return
	}
	ev := &BuildEvent{
		Owner:      sum.Owner,
		BuildType:  sum.BuildType,
		RunStats:   sum.RunStats,
		FinishedAt: time.Now().UTC(),
	}
	if err := o.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("publish build event failed",
			zap.String("owner", sum.Owner), zap.Error(err))
	}
}

// Owner states observable from the store. Runs are not tracked, so an owner
// with chunks in flight still reports pending.
const (
	StateIdle    = "idle"
	StatePending = "pending"
)

// Status reports owner's record and artifact counts and the latest history
// entry.
func (o *Orchestrator) Status(ctx context.Context, owner string) (*Status, error) {
	if err := ValidateOwner(owner); err != nil {
		return nil, err
	}
	total, pending, err := o.records.CountRecords(ctx, owner)
	if err != nil {
		return nil, err
	}
	counts, err := o.artifacts.Counts(ctx, owner)
	if err != nil {
		return nil, err
	}
	st := &Status{Owner: owner, State: StateIdle, TotalRecords: total, Pending: pending, Artifacts: counts}
	if pending > 0 {
		st.State = StatePending
	}

	last, err := o.history.ListHistory(ctx, owner, 1)
	if err != nil {
		return nil, err
	}
	if len(last) > 0 {
		st.LastBuild = last[0]
	}
	return st, nil
}

// History lists owner's most recent history entries.
func (o *Orchestrator) History(ctx context.Context, owner string, limit int) ([]*memory.HistoryEntry, error) {
	if err := ValidateOwner(owner); err != nil {
		return nil, err
	}
	return o.history.ListHistory(ctx, owner, limit)
}
