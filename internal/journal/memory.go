package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"shopping-cart-service/internal/models"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It keeps the same ordering and
// conflict rules as the SQL journal.
type MemoryStore struct {
	mu        sync.RWMutex
	tagger    Tagger
	events    []models.EventEnvelope
	lastSeq   map[string]int64
	snapshots map[string][]models.Snapshot
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore(tagger Tagger) *MemoryStore {
	return &MemoryStore{
		tagger:    tagger,
		lastSeq:   make(map[string]int64),
		snapshots: make(map[string][]models.Snapshot),
		now:       time.Now,
	}
}

// Append implements Journal.
func (m *MemoryStore) Append(ctx context.Context, cartID string, expectedSeq int64, events ...models.Event) ([]models.EventEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.WrapError(models.CodePersistenceError, "append cancelled", err)
	}
	for _, e := range events {
		if _, _, err := models.MarshalEvent(e); err != nil {
			return nil, models.WrapError(models.CodePersistenceError, "invalid event", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if last := m.lastSeq[cartID]; last != expectedSeq {
		return nil, ErrConflict(cartID, expectedSeq, last)
	}

	tag := m.tagger.TagFor(cartID)
	out := make([]models.EventEnvelope, 0, len(events))
	for i, e := range events {
		env := models.EventEnvelope{
			Position:  int64(len(m.events)) + 1,
			CartID:    cartID,
			SeqNr:     expectedSeq + int64(i) + 1,
			Tag:       tag,
			EventID:   uuid.New().String(),
			Timestamp: m.now(),
			Event:     e,
		}
		m.events = append(m.events, env)
		out = append(out, env)
	}
	m.lastSeq[cartID] = expectedSeq + int64(len(events))
	return out, nil
}

// ReadCart implements Journal.
func (m *MemoryStore) ReadCart(ctx context.Context, cartID string, afterSeq int64) ([]models.EventEnvelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.EventEnvelope
	for _, env := range m.events {
		if env.CartID == cartID && env.SeqNr > afterSeq {
			out = append(out, env)
		}
	}
	return out, nil
}

// ReadByTag implements Journal.
func (m *MemoryStore) ReadByTag(ctx context.Context, tag string, afterPosition int64, limit int) ([]models.EventEnvelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.EventEnvelope
	for _, env := range m.events {
		if limit > 0 && len(out) >= limit {
			break
		}
		if env.Tag == tag && env.Position > afterPosition {
			out = append(out, env)
		}
	}
	return out, nil
}

// SaveSnapshot implements SnapshotStore.
func (m *MemoryStore) SaveSnapshot(ctx context.Context, snapshot models.Snapshot, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.snapshots[snapshot.CartID]
	replaced := false
	for i := range snaps {
		if snaps[i].SeqNr == snapshot.SeqNr {
			snaps[i] = snapshot
			replaced = true
		}
	}
	if !replaced {
		snaps = append(snaps, snapshot)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].SeqNr < snaps[j].SeqNr })
	if keep > 0 && len(snaps) > keep {
		snaps = snaps[len(snaps)-keep:]
	}
	m.snapshots[snapshot.CartID] = snaps
	return nil
}

// LatestSnapshot implements SnapshotStore.
func (m *MemoryStore) LatestSnapshot(ctx context.Context, cartID string) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.snapshots[cartID]
	if len(snaps) == 0 {
		return nil, nil
	}
	s := snaps[len(snaps)-1]
	return &s, nil
}

// Snapshots returns the retained snapshots of a cart, oldest first.
func (m *MemoryStore) Snapshots(cartID string) []models.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Snapshot(nil), m.snapshots[cartID]...)
}
