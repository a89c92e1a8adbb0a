package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-kb/internal/memory"
)

const recordColumns = `id, owner, text, token_count, created_at, built_at`

// CreateRecord inserts a new pending record. ID and CreatedAt are filled in
// when empty.
func (s *Store) CreateRecord(ctx context.Context, r *memory.Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO memory_records (id, owner, text, token_count, created_at, built_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.Owner, r.Text, r.TokenCount, r.CreatedAt, r.BuiltAt,
	)
	if err != nil {
		return fmt.Errorf("create record %s: %w", r.ID, err)
	}
	return nil
}

// ListPending returns owner's records without a build timestamp, oldest
// first.
func (s *Store) ListPending(ctx context.Context, owner string) ([]*memory.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM memory_records
		WHERE owner = $1 AND built_at IS NULL
		ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("list pending records: %w", err)
	}
	return collectRecords(rows)
}

// ListRecords returns all of owner's records, oldest first.
func (s *Store) ListRecords(ctx context.Context, owner string) ([]*memory.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM memory_records
		WHERE owner = $1
		ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return collectRecords(rows)
}

// CountRecords returns owner's total and pending record counts.
func (s *Store) CountRecords(ctx context.Context, owner string) (total, pending int, err error) {
	err = s.db.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE built_at IS NULL)
		FROM memory_records WHERE owner = $1`, owner,
	).Scan(&total, &pending)
	if err != nil {
		return 0, 0, fmt.Errorf("count records: %w", err)
	}
	return total, pending, nil
}

// PendingOwners lists owners that have at least one pending record.
func (s *Store) PendingOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT owner FROM memory_records
		WHERE built_at IS NULL ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("list pending owners: %w", err)
	}
	owners, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan pending owners: %w", err)
	}
	return owners, nil
}

// StampBuilt sets built_at on every listed record of owner and returns the
// number of rows updated.
func (s *Store) StampBuilt(ctx context.Context, owner string, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE memory_records SET built_at = $1
		WHERE owner = $2 AND id = ANY($3)`,
		at, owner, ids)
	if err != nil {
		return 0, fmt.Errorf("stamp built: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetBuilt clears built_at on all of owner's records. Only a full rebuild
// calls this.
func (s *Store) ResetBuilt(ctx context.Context, owner string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE memory_records SET built_at = NULL
		WHERE owner = $1 AND built_at IS NOT NULL`, owner)
	if err != nil {
		return 0, fmt.Errorf("reset built: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteRecords removes the listed records of owner.
func (s *Store) DeleteRecords(ctx context.Context, owner string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx,
		`DELETE FROM memory_records WHERE owner = $1 AND id = ANY($2)`, owner, ids)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectRecords(rows pgx.Rows) ([]*memory.Record, error) {
	defer rows.Close()

	var out []*memory.Record
	for rows.Next() {
		var (
			r      memory.Record
			tokens *int32
		)
		if err := rows.Scan(&r.ID, &r.Owner, &r.Text, &tokens, &r.CreatedAt, &r.BuiltAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if tokens != nil {
			n := int(*tokens)
			r.TokenCount = &n
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
