package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shopping-cart-service/internal/journal"
	"shopping-cart-service/internal/models"

	"github.com/google/uuid"
)

type journalRow struct {
	Position  int64  `db:"position"`
	CartID    string `db:"cart_id"`
	SeqNr     int64  `db:"seq_nr"`
	Tag       string `db:"tag"`
	EventID   string `db:"event_id"`
	EventType string `db:"event_type"`
	Payload   string `db:"payload"`
	CreatedAt int64  `db:"created_at"`
}

func (r journalRow) envelope() (models.EventEnvelope, error) {
	event, err := models.UnmarshalEvent(r.EventType, []byte(r.Payload))
	if err != nil {
		return models.EventEnvelope{}, fmt.Errorf("event at position %d: %w", r.Position, err)
	}
	return models.EventEnvelope{
		Position:  r.Position,
		CartID:    r.CartID,
		SeqNr:     r.SeqNr,
		Tag:       r.Tag,
		EventID:   r.EventID,
		Timestamp: time.UnixMilli(r.CreatedAt),
		Event:     event,
	}, nil
}

const journalColumns = "position, cart_id, seq_nr, tag, event_id, event_type, payload, created_at"

// Append stores events for a cart after checking that expectedSeq is the
// last sequence number in the journal. The unique (cart_id, seq_nr) key
// catches writers that race past the check.
func (s *Store) Append(ctx context.Context, cartID string, expectedSeq int64, events ...models.Event) ([]models.EventEnvelope, error) {
	tag := s.tagger.TagFor(cartID)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, models.WrapError(models.CodePersistenceError, "failed to begin append", err)
	}
	defer tx.Rollback()

	if s.driver == DriverPostgres {
		// positions of one tag become visible in the order they are allocated
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", tag); err != nil {
			return nil, models.WrapError(models.CodePersistenceError, "failed to lock tag", err)
		}
	}

	var last int64
	err = tx.GetContext(ctx, &last,
		tx.Rebind("SELECT COALESCE(MAX(seq_nr), 0) FROM event_journal WHERE cart_id = ?"), cartID)
	if err != nil {
		return nil, models.WrapError(models.CodePersistenceError, "failed to read last sequence number", err)
	}
	if last != expectedSeq {
		return nil, journal.ErrConflict(cartID, expectedSeq, last)
	}

	insert := tx.Rebind(`
		INSERT INTO event_journal (cart_id, seq_nr, tag, event_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING position`)

	now := s.now()
	out := make([]models.EventEnvelope, 0, len(events))
	for i, event := range events {
		eventType, payload, err := models.MarshalEvent(event)
		if err != nil {
			return nil, models.WrapError(models.CodePersistenceError, "failed to encode event", err)
		}

		env := models.EventEnvelope{
			CartID:    cartID,
			SeqNr:     expectedSeq + int64(i) + 1,
			Tag:       tag,
			EventID:   uuid.New().String(),
			Timestamp: time.UnixMilli(now.UnixMilli()),
			Event:     event,
		}

		err = tx.GetContext(ctx, &env.Position, insert,
			env.CartID, env.SeqNr, env.Tag, env.EventID, eventType, string(payload), now.UnixMilli())
		if err != nil {
			if isConstraintError(err) {
				return nil, journal.ErrConflict(cartID, expectedSeq, -1)
			}
			return nil, models.WrapError(models.CodePersistenceError, "failed to insert event", err)
		}
		out = append(out, env)
	}

	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return nil, journal.ErrConflict(cartID, expectedSeq, -1)
		}
		return nil, models.WrapError(models.CodePersistenceError, "failed to commit append", err)
	}
	return out, nil
}

// ReadCart returns the events of a cart after afterSeq
func (s *Store) ReadCart(ctx context.Context, cartID string, afterSeq int64) ([]models.EventEnvelope, error) {
	var rows []journalRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT "+journalColumns+" FROM event_journal WHERE cart_id = ? AND seq_nr > ? ORDER BY seq_nr"),
		cartID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to read cart %s: %w", cartID, err)
	}
	return toEnvelopes(rows)
}

// ReadByTag returns up to limit events of a tag after afterPosition
func (s *Store) ReadByTag(ctx context.Context, tag string, afterPosition int64, limit int) ([]models.EventEnvelope, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []journalRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT "+journalColumns+" FROM event_journal WHERE tag = ? AND position > ? ORDER BY position LIMIT ?"),
		tag, afterPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read tag %s: %w", tag, err)
	}
	return toEnvelopes(rows)
}

func toEnvelopes(rows []journalRow) ([]models.EventEnvelope, error) {
	out := make([]models.EventEnvelope, 0, len(rows))
	for _, r := range rows {
		env, err := r.envelope()
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// SaveSnapshot stores a snapshot and prunes all but the latest keep
func (s *Store) SaveSnapshot(ctx context.Context, snapshot models.Snapshot, keep int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO cart_snapshots (cart_id, seq_nr, state, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cart_id, seq_nr) DO UPDATE SET state = excluded.state, created_at = excluded.created_at`),
		snapshot.CartID, snapshot.SeqNr, string(snapshot.State), snapshot.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	if keep > 0 {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM cart_snapshots
			WHERE cart_id = ? AND seq_nr NOT IN (
				SELECT seq_nr FROM cart_snapshots WHERE cart_id = ? ORDER BY seq_nr DESC LIMIT ?
			)`),
			snapshot.CartID, snapshot.CartID, keep)
		if err != nil {
			return fmt.Errorf("failed to prune snapshots: %w", err)
		}
	}

	return tx.Commit()
}

// LatestSnapshot returns the newest snapshot of a cart, or nil
func (s *Store) LatestSnapshot(ctx context.Context, cartID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.db.GetContext(ctx, &snap, s.db.Rebind(
		"SELECT cart_id, seq_nr, state, created_at FROM cart_snapshots WHERE cart_id = ? ORDER BY seq_nr DESC LIMIT 1"),
		cartID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &snap, nil
}

// CountSnapshots returns how many snapshots are retained for a cart
func (s *Store) CountSnapshots(ctx context.Context, cartID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind("SELECT COUNT(*) FROM cart_snapshots WHERE cart_id = ?"), cartID)
	return n, err
}

var _ journal.Store = (*Store)(nil)
