package memory

import (
	"time"
)

// Record is a free-text memory appended by ingestion. A nil BuiltAt means
// the record is pending and will be picked up by the next incremental build.
type Record struct {
	ID         string     `json:"id"`
	Owner      string     `json:"owner"`
	Text       string     `json:"text"`
	TokenCount *int       `json:"token_count,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	BuiltAt    *time.Time `json:"built_at,omitempty"`
}

// Pending reports whether the record has not been built yet.
func (r *Record) Pending() bool {
	return r.BuiltAt == nil
}

// BuildType distinguishes incremental runs from full rebuilds.
type BuildType string

const (
	BuildIncremental BuildType = "incremental"
	BuildFull        BuildType = "full"
)

// BuildStatus is the outcome recorded for one chunk attempt.
type BuildStatus string

const (
	StatusSuccess BuildStatus = "success"
	StatusFailed  BuildStatus = "failed"
)

// HistoryEntry is the append-only audit row written once per chunk attempt.
type HistoryEntry struct {
	ID              string      `json:"id"`
	Owner           string      `json:"owner"`
	DocumentText    string      `json:"document_text"`
	RecordIDs       []string    `json:"record_ids"`
	TokenCount      int         `json:"token_count"`
	RecordCount     int         `json:"record_count"`
	BuildType       BuildType   `json:"build_type"`
	Status          BuildStatus `json:"status"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	NewConstantIDs  []string    `json:"new_constant_ids"`
	NewFactIDs      []string    `json:"new_fact_ids"`
	NewPredicateIDs []string    `json:"new_predicate_ids"`
	DurationMs      int64       `json:"duration_ms"`
	CreatedAt       time.Time   `json:"created_at"`
}
