// Package projection replays tagged journal events into sinks.
//
// Every (projection, tag) pair is consumed by one sequential worker that
// pulls batches after its stored offset, applies them in journal order and
// advances the offset. ExactlyOnce couples the sink write and the offset in
// one SQL transaction; AtLeastOnce saves the offset after the sink call
// returns, so a crash in between delivers the event again.
package projection

import (
	"context"
	"database/sql"
	"time"

	"shopping-cart-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// Source is the cursor-based read side of the journal.
type Source interface {
	ReadByTag(ctx context.Context, tag string, afterPosition int64, limit int) ([]models.EventEnvelope, error)
}

// Handler applies an event with an effect outside the offset store.
type Handler interface {
	Process(ctx context.Context, env models.EventEnvelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env models.EventEnvelope) error

// Process implements Handler.
func (f HandlerFunc) Process(ctx context.Context, env models.EventEnvelope) error {
	return f(ctx, env)
}

// TxHandler applies an event inside the transaction that also stores the
// offset.
type TxHandler interface {
	Process(ctx context.Context, tx *sqlx.Tx, env models.EventEnvelope) error
}

// OffsetStore persists offsets for at-least-once projections.
type OffsetStore interface {
	Offset(ctx context.Context, projection, tag string) (int64, error)
	SaveOffset(ctx context.Context, projection, tag string, position int64) error
}

// TxOffsetStore persists offsets inside caller transactions.
// AdvanceOffsetTx is a compare-and-set: it reports false when the stored
// offset is no longer from, which means another worker got there first.
type TxOffsetStore interface {
	Offset(ctx context.Context, projection, tag string) (int64, error)
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	AdvanceOffsetTx(ctx context.Context, tx *sqlx.Tx, projection, tag string, from, to int64) (bool, error)
}

// Settings tunes a projection worker.
type Settings struct {
	BatchSize    int
	PollInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	Jitter       float64
}

// DefaultSettings restarts failed workers after 1s, doubling up to 30s.
func DefaultSettings() Settings {
	return Settings{
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		MinBackoff:   time.Second,
		MaxBackoff:   30 * time.Second,
		Jitter:       0.1,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.BatchSize <= 0 {
		s.BatchSize = d.BatchSize
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.MinBackoff <= 0 {
		s.MinBackoff = d.MinBackoff
	}
	if s.MaxBackoff < s.MinBackoff {
		s.MaxBackoff = s.MinBackoff
	}
	if s.Jitter < 0 {
		s.Jitter = 0
	}
	return s
}
