// Package journal defines the append-only event log carts are sourced from
// and the snapshot store used to shorten recovery.
package journal

import (
	"context"

	"shopping-cart-service/internal/models"
)

// Journal is the durable, ordered, per-cart event log.
type Journal interface {
	// Append stores events for a cart. expectedSeq is the sequence number of
	// the last event the writer has seen; the events get expectedSeq+1,
	// expectedSeq+2, ... A mismatch fails with a ConcurrentWriteConflict.
	Append(ctx context.Context, cartID string, expectedSeq int64, events ...models.Event) ([]models.EventEnvelope, error)

	// ReadCart returns the events of one cart with a sequence number greater
	// than afterSeq, in sequence order.
	ReadCart(ctx context.Context, cartID string, afterSeq int64) ([]models.EventEnvelope, error)

	// ReadByTag returns up to limit events carrying tag with a global
	// position greater than afterPosition, in append order.
	ReadByTag(ctx context.Context, tag string, afterPosition int64, limit int) ([]models.EventEnvelope, error)
}

// SnapshotStore keeps periodic cart state snapshots.
type SnapshotStore interface {
	// SaveSnapshot stores a snapshot and keeps only the latest keep
	// snapshots of that cart.
	SaveSnapshot(ctx context.Context, snapshot models.Snapshot, keep int) error

	// LatestSnapshot returns the most recent snapshot of a cart, or nil.
	LatestSnapshot(ctx context.Context, cartID string) (*models.Snapshot, error)
}

// Store is everything a cart entity needs to persist and recover.
type Store interface {
	Journal
	SnapshotStore
}

// ErrConflict builds the error returned when expectedSeq is stale.
func ErrConflict(cartID string, expected, actual int64) error {
	return models.NewError(models.CodeConcurrentWriteConflict,
		"concurrent write on cart %s: expected sequence %d, journal at %d", cartID, expected, actual)
}
