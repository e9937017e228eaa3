package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shopping-cart-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// Offset returns the stored position of a projection for a tag, 0 if none
func (s *Store) Offset(ctx context.Context, projection, tag string) (int64, error) {
	return readOffset(ctx, s.db, projection, tag)
}

// SaveOffset stores the position of a projection for a tag
func (s *Store) SaveOffset(ctx context.Context, projection, tag string, position int64) error {
	return writeOffset(ctx, s.db, projection, tag, position, s.now().UnixMilli())
}

// AdvanceOffsetTx moves an offset from one position to the next inside a
// transaction. It reports false, without writing, when the stored position
// is no longer from.
func (s *Store) AdvanceOffsetTx(ctx context.Context, tx *sqlx.Tx, projection, tag string, from, to int64) (bool, error) {
	var (
		res sql.Result
		err error
	)
	now := s.now().UnixMilli()
	if from == 0 {
		// a missing row is position 0
		res, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO projection_offsets (projection_name, tag, position, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (projection_name, tag)
			DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at
			WHERE projection_offsets.position = ?`),
			projection, tag, to, now, from)
	} else {
		res, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE projection_offsets SET position = ?, updated_at = ?
			WHERE projection_name = ? AND tag = ? AND position = ?`),
			to, now, projection, tag, from)
	}
	if err != nil {
		return false, fmt.Errorf("failed to advance offset %s/%s: %w", projection, tag, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to advance offset %s/%s: %w", projection, tag, err)
	}
	return n == 1, nil
}

// ListOffsets returns every stored projection offset
func (s *Store) ListOffsets(ctx context.Context) ([]models.ProjectionOffset, error) {
	var offsets []models.ProjectionOffset
	err := s.db.SelectContext(ctx, &offsets,
		"SELECT projection_name, tag, position, updated_at FROM projection_offsets ORDER BY projection_name, tag")
	if err != nil {
		return nil, fmt.Errorf("failed to list offsets: %w", err)
	}
	return offsets, nil
}

func readOffset(ctx context.Context, q sqlx.ExtContext, projection, tag string) (int64, error) {
	var position int64
	err := sqlx.GetContext(ctx, q, &position, q.Rebind(
		"SELECT position FROM projection_offsets WHERE projection_name = ? AND tag = ?"),
		projection, tag)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read offset %s/%s: %w", projection, tag, err)
	}
	return position, nil
}

func writeOffset(ctx context.Context, e sqlx.ExtContext, projection, tag string, position, now int64) error {
	_, err := e.ExecContext(ctx, e.Rebind(`
		INSERT INTO projection_offsets (projection_name, tag, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name, tag)
		DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`),
		projection, tag, position, now)
	if err != nil {
		return fmt.Errorf("failed to save offset %s/%s: %w", projection, tag, err)
	}
	return nil
}
