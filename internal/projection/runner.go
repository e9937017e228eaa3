package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shopping-cart-service/internal/models"
	"shopping-cart-service/internal/util"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Lease keeps a projection worker running on one node at a time. It is
// satisfied by the cart lease registries.
type Lease interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (string, error)
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

var (
	// ErrOffsetMoved means another worker committed past the offset the
	// batch was read from. The rest of the batch is dropped.
	ErrOffsetMoved = errors.New("projection offset moved")

	// ErrLeaseLost means the worker's lease lapsed during a batch.
	ErrLeaseLost = errors.New("projection lease lost")
)

// Projection is one sequential worker for a (name, tag) pair.
type Projection struct {
	name     string
	tag      string
	source   Source
	settings Settings

	load  func(ctx context.Context) (int64, error)
	apply func(ctx context.Context, from int64, env models.EventEnvelope) error

	lease    Lease
	owner    string
	leaseTTL time.Duration

	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) bool
}

// ExactlyOnce builds a worker that runs handler and the offset update in
// one transaction per event. The offset is advanced first, only from the
// position the event was read after, so a stale worker commits nothing.
func ExactlyOnce(name, tag string, source Source, offsets TxOffsetStore, handler TxHandler, settings Settings) *Projection {
	p := newProjection(name, tag, source, settings)
	p.load = func(ctx context.Context) (int64, error) {
		return offsets.Offset(ctx, name, tag)
	}
	p.apply = func(ctx context.Context, from int64, env models.EventEnvelope) error {
		tx, err := offsets.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		advanced, err := offsets.AdvanceOffsetTx(ctx, tx, name, tag, from, env.Position)
		if err != nil {
			return err
		}
		if !advanced {
			return ErrOffsetMoved
		}
		if err := handler.Process(ctx, tx, env); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}
	return p
}

// AtLeastOnce builds a worker that saves the offset after handler returns.
// An event whose offset save fails is delivered again.
func AtLeastOnce(name, tag string, source Source, offsets OffsetStore, handler Handler, settings Settings) *Projection {
	p := newProjection(name, tag, source, settings)
	p.load = func(ctx context.Context) (int64, error) {
		return offsets.Offset(ctx, name, tag)
	}
	p.apply = func(ctx context.Context, _ int64, env models.EventEnvelope) error {
		if err := handler.Process(ctx, env); err != nil {
			return err
		}
		return offsets.SaveOffset(ctx, name, tag, env.Position)
	}
	return p
}

func newProjection(name, tag string, source Source, settings Settings) *Projection {
	return &Projection{
		name:     name,
		tag:      tag,
		source:   source,
		settings: settings.withDefaults(),
		logger:   util.GetLogger().With(zap.String("projection", name), zap.String("tag", tag)),
		sleep:    sleepContext,
	}
}

// WithLease makes the worker hold a lease named after its (name, tag)
// while it runs. Workers on other nodes wait for it to lapse.
func (p *Projection) WithLease(lease Lease, owner string, ttl time.Duration) *Projection {
	p.lease = lease
	p.owner = owner
	p.leaseTTL = ttl
	return p
}

// Name returns the projection name.
func (p *Projection) Name() string {
	return p.name
}

// Tag returns the tag this worker consumes.
func (p *Projection) Tag() string {
	return p.tag
}

// Run polls and applies events until ctx is cancelled. A failed batch is
// retried from the last committed offset after an exponential backoff.
func (p *Projection) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.settings.MinBackoff
	b.MaxInterval = p.settings.MaxBackoff
	b.RandomizationFactor = p.settings.Jitter
	b.Reset()

	defer p.releaseLease()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !p.holdsLease(ctx) {
			if !p.sleep(ctx, p.settings.PollInterval) {
				return nil
			}
			continue
		}

		n, err := p.Poll(ctx)
		if errors.Is(err, ErrLeaseLost) {
			p.logger.Info("Projection lease lost, batch abandoned", zap.Int("applied", n))
			if !p.sleep(ctx, p.settings.PollInterval) {
				return nil
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			util.ProjectionFailuresTotal.WithLabelValues(p.name, p.tag).Inc()
			wait := b.NextBackOff()
			p.logger.Warn("Projection failed, restarting from last offset",
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
			if !p.sleep(ctx, wait) {
				return nil
			}
			continue
		}

		if n > 0 {
			b.Reset()
		}
		if n < p.settings.BatchSize {
			if !p.sleep(ctx, p.settings.PollInterval) {
				return nil
			}
		}
	}
}

// Poll applies one batch of events after the committed offset and returns
// how many were applied. It stops at the first failure. With a lease, the
// lease is renewed before every event and the batch ends with ErrLeaseLost
// once it cannot be. A batch overtaken by another worker ends early
// without an error.
func (p *Projection) Poll(ctx context.Context) (int, error) {
	offset, err := p.load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load offset: %w", err)
	}

	batch, err := p.source.ReadByTag(ctx, p.tag, offset, p.settings.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read events: %w", err)
	}

	from := offset
	for i, env := range batch {
		if !p.renewLease(ctx) {
			return i, ErrLeaseLost
		}
		if err := p.apply(ctx, from, env); err != nil {
			if errors.Is(err, ErrOffsetMoved) {
				p.logger.Info("Offset moved by another worker, reloading",
					zap.Int64("position", env.Position))
				return i, nil
			}
			return i, fmt.Errorf("failed to process event at position %d: %w", env.Position, err)
		}
		from = env.Position
		util.ProjectionEventsTotal.WithLabelValues(p.name, p.tag).Inc()
		util.ProjectionOffset.WithLabelValues(p.name, p.tag).Set(float64(env.Position))
	}
	return len(batch), nil
}

func (p *Projection) leaseKey() string {
	return "projection:" + p.name + ":" + p.tag
}

func (p *Projection) holdsLease(ctx context.Context) bool {
	if p.lease == nil {
		return true
	}
	owner, err := p.lease.Acquire(ctx, p.leaseKey(), p.owner, p.leaseTTL)
	if err != nil {
		p.logger.Warn("Failed to acquire projection lease", zap.Error(err))
		return false
	}
	return owner == p.owner
}

func (p *Projection) renewLease(ctx context.Context) bool {
	if p.lease == nil {
		return true
	}
	ok, err := p.lease.Renew(ctx, p.leaseKey(), p.owner, p.leaseTTL)
	if err != nil {
		p.logger.Warn("Failed to renew projection lease", zap.Error(err))
		return false
	}
	return ok
}

func (p *Projection) releaseLease() {
	if p.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.lease.Release(ctx, p.leaseKey(), p.owner); err != nil {
		p.logger.Warn("Failed to release projection lease", zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
