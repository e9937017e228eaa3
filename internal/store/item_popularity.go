package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shopping-cart-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// FindItemPopularity loads a popularity row, nil when the item was never added
func (s *Store) FindItemPopularity(ctx context.Context, q sqlx.ExtContext, itemID string) (*models.ItemPopularity, error) {
	var pop models.ItemPopularity
	err := sqlx.GetContext(ctx, q, &pop, q.Rebind(
		"SELECT item_id, version, count FROM item_popularity WHERE item_id = ?"), itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item popularity %s: %w", itemID, err)
	}
	return &pop, nil
}

// SaveItemPopularity inserts or updates a row guarded by its version. A row
// with version 0 is new. The saved row, with its new version, is returned.
func (s *Store) SaveItemPopularity(ctx context.Context, e sqlx.ExtContext, pop models.ItemPopularity) (models.ItemPopularity, error) {
	if pop.Version == 0 {
		_, err := e.ExecContext(ctx, e.Rebind(
			"INSERT INTO item_popularity (item_id, version, count) VALUES (?, 1, ?)"),
			pop.ItemID, pop.Count)
		if err != nil {
			if isConstraintError(err) {
				return pop, staleVersion(pop)
			}
			return pop, fmt.Errorf("failed to insert item popularity %s: %w", pop.ItemID, err)
		}
		pop.Version = 1
		return pop, nil
	}

	res, err := e.ExecContext(ctx, e.Rebind(
		"UPDATE item_popularity SET count = ?, version = version + 1 WHERE item_id = ? AND version = ?"),
		pop.Count, pop.ItemID, pop.Version)
	if err != nil {
		return pop, fmt.Errorf("failed to update item popularity %s: %w", pop.ItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pop, fmt.Errorf("failed to update item popularity %s: %w", pop.ItemID, err)
	}
	if n == 0 {
		return pop, staleVersion(pop)
	}
	pop.Version++
	return pop, nil
}

// GetItemPopularity returns the count of an item, 0 when it is unknown
func (s *Store) GetItemPopularity(ctx context.Context, itemID string) (uint64, error) {
	pop, err := s.FindItemPopularity(ctx, s.db, itemID)
	if err != nil {
		return 0, err
	}
	if pop == nil || pop.Count < 0 {
		return 0, nil
	}
	return uint64(pop.Count), nil
}

func staleVersion(pop models.ItemPopularity) error {
	return models.NewError(models.CodeConcurrentWriteConflict,
		"item popularity %s changed concurrently (version %d)", pop.ItemID, pop.Version)
}
