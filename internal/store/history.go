package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/nuka-kb/internal/memory"
)

// InsertHistory appends an audit entry. Entries are never updated.
func (s *Store) InsertHistory(ctx context.Context, e *memory.HistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO build_history (
			id, owner, document_text, record_ids, token_count, record_count,
			build_type, status, error_message,
			new_constant_ids, new_fact_ids, new_predicate_ids,
			duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.Owner, e.DocumentText, nonNil(e.RecordIDs), e.TokenCount, e.RecordCount,
		string(e.BuildType), string(e.Status), e.ErrorMessage,
		nonNil(e.NewConstantIDs), nonNil(e.NewFactIDs), nonNil(e.NewPredicateIDs),
		e.DurationMs, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert build history: %w", err)
	}
	return nil
}

// ListHistory returns owner's most recent history entries, newest first.
func (s *Store) ListHistory(ctx context.Context, owner string, limit int) ([]*memory.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, owner, document_text, record_ids, token_count, record_count,
		       build_type, status, error_message,
		       new_constant_ids, new_fact_ids, new_predicate_ids,
		       duration_ms, created_at
		FROM build_history
		WHERE owner = $1
		ORDER BY created_at DESC
		LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list build history: %w", err)
	}
	defer rows.Close()

	var entries []*memory.HistoryEntry
	for rows.Next() {
		var e memory.HistoryEntry
		if err := rows.Scan(
			&e.ID, &e.Owner, &e.DocumentText, &e.RecordIDs, &e.TokenCount, &e.RecordCount,
			&e.BuildType, &e.Status, &e.ErrorMessage,
			&e.NewConstantIDs, &e.NewFactIDs, &e.NewPredicateIDs,
			&e.DurationMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan build history: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
