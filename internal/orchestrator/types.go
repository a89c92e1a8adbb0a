package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/nidhogg/nuka-kb/internal/knowledge"
	"github.com/nidhogg/nuka-kb/internal/memory"
)

var (
	// ErrInvalidOwner rejects a build before any side effect.
	ErrInvalidOwner = errors.New("invalid owner")
	// ErrEmptyChunk rejects a chunk with no records.
	ErrEmptyChunk = errors.New("empty chunk")
	// ErrSkipped marks chunks never started because the run was cancelled.
	ErrSkipped = errors.New("chunk skipped: run cancelled")
)

// RecordStore is the subset of the document store the pipeline needs.
type RecordStore interface {
	ListPending(ctx context.Context, owner string) ([]*memory.Record, error)
	StampBuilt(ctx context.Context, owner string, ids []string, at time.Time) (int64, error)
	ResetBuilt(ctx context.Context, owner string) (int64, error)
	CountRecords(ctx context.Context, owner string) (total, pending int, err error)
}

// HistoryStore persists and lists build history entries.
type HistoryStore interface {
	InsertHistory(ctx context.Context, e *memory.HistoryEntry) error
	ListHistory(ctx context.Context, owner string, limit int) ([]*memory.HistoryEntry, error)
}

// ArtifactStore reads artifact ids and clears an owner's knowledge base.
type ArtifactStore interface {
	Snapshot(ctx context.Context, owner string) (knowledge.Snapshot, error)
	Counts(ctx context.Context, owner string) (knowledge.Counts, error)
	DeleteByOwner(ctx context.Context, owner string) (knowledge.Counts, error)
}

// EventPublisher receives one event per finished run.
type EventPublisher interface {
	Publish(ctx context.Context, ev *BuildEvent) error
}

// ChunkOutcome is the settled result of one chunk build.
type ChunkOutcome struct {
	Index     int             `json:"index"`
	RecordIDs []string        `json:"record_ids"`
	Success   bool            `json:"success"`
	Err       error           `json:"-"`
	Error     string          `json:"error,omitempty"`
	Delta     knowledge.Delta `json:"delta"`
	Duration  time.Duration   `json:"duration"`
}

// RunStats aggregates the outcomes of all chunks of one run.
type RunStats struct {
	TotalChunks      int `json:"total_chunks"`
	SuccessfulChunks int `json:"successful_chunks"`
	FailedChunks     int `json:"failed_chunks"`
	BuiltRecordCount int `json:"built_record_count"`
}

// Summary is returned by every build trigger. Partial failure is reported
// through the chunk counts, never as an error.
type Summary struct {
	Owner     string           `json:"owner"`
	BuildType memory.BuildType `json:"build_type"`
	RunStats
	DeletedArtifacts *knowledge.Counts `json:"deleted_artifact_counts,omitempty"`
	ResetRecords     int64             `json:"reset_record_count,omitempty"`
	Chunks           []*ChunkOutcome   `json:"chunks,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	Duration         time.Duration     `json:"duration"`
}

// Status describes an owner's build state.
type Status struct {
	Owner        string               `json:"owner"`
	State        string               `json:"state"`
	TotalRecords int                  `json:"total_records"`
	Pending      int                  `json:"pending_records"`
	Artifacts    knowledge.Counts     `json:"artifacts"`
	LastBuild    *memory.HistoryEntry `json:"last_build,omitempty"`
}

// BuildEvent is published after each run.
type BuildEvent struct {
	Owner     string           `json:"owner"`
	BuildType memory.BuildType `json:"build_type"`
	RunStats
	FinishedAt time.Time `json:"finished_at"`
}
