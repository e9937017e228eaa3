package sharding

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"shopping-cart-service/internal/cart"
	"shopping-cart-service/internal/journal"
	"shopping-cart-service/internal/models"
	"shopping-cart-service/internal/util"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const shardCount = 64

// Config tunes a Router.
type Config struct {
	// NodeID identifies this node in the lease registry. Remote handles dial
	// it, so it is the node's advertised base URL.
	NodeID         string
	LeaseTTL       time.Duration
	PassivateAfter time.Duration
	SweepInterval  time.Duration

	RestartMinBackoff time.Duration
	RestartMaxBackoff time.Duration
	RestartJitter     float64

	Entity cart.Options
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:            nodeID,
		LeaseTTL:          30 * time.Second,
		PassivateAfter:    2 * time.Minute,
		SweepInterval:     10 * time.Second,
		RestartMinBackoff: 200 * time.Millisecond,
		RestartMaxBackoff: 5 * time.Second,
		RestartJitter:     0.1,
		Entity:            cart.DefaultOptions(),
	}
}

type entry struct {
	mu      sync.Mutex
	entity  *cart.Entity
	removed bool
	backoff *backoff.ExponentialBackOff
	retryAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Router maps cart IDs to their live instance, activating carts locally
// when this node wins their lease.
type Router struct {
	cfg    Config
	store  journal.Store
	leases LeaseRegistry
	dialer Dialer
	logger *zap.Logger
	now    func() time.Time
	closed atomic.Bool
	shards [shardCount]*shard
}

// NewRouter creates a router. dialer may be nil on a single-node setup, in
// which case carts leased to another node are Unavailable.
func NewRouter(cfg Config, store journal.Store, leases LeaseRegistry, dialer Dialer) *Router {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.LeaseTTL / 3
	}
	if cfg.RestartMinBackoff <= 0 {
		cfg.RestartMinBackoff = 200 * time.Millisecond
	}
	if cfg.RestartMaxBackoff < cfg.RestartMinBackoff {
		cfg.RestartMaxBackoff = cfg.RestartMinBackoff
	}

	r := &Router{
		cfg:    cfg,
		store:  store,
		leases: leases,
		dialer: dialer,
		logger: util.GetLogger().With(zap.String("node", cfg.NodeID)),
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return r
}

// NodeID returns the id this router registers leases under.
func (r *Router) NodeID() string {
	return r.cfg.NodeID
}

// Locate returns a handle to the live instance of a cart, activating it on
// this node when no other node owns it. Concurrent calls for one cart
// converge on a single instance.
func (r *Router) Locate(ctx context.Context, cartID string) (Handle, error) {
	if cartID == "" {
		return nil, models.NewError(models.CodeInvalidArgument, "cart id is required")
	}
	if r.closed.Load() {
		return nil, models.NewError(models.CodeUnavailable, "node %s is shutting down", r.cfg.NodeID)
	}

	for {
		en := r.entryFor(cartID)
		en.mu.Lock()
		if en.removed {
			en.mu.Unlock()
			continue
		}
		h, err := r.locateLocked(ctx, cartID, en)
		r.dropIfIdle(cartID, en)
		en.mu.Unlock()
		return h, err
	}
}

func (r *Router) locateLocked(ctx context.Context, cartID string, en *entry) (Handle, error) {
	if en.entity != nil {
		select {
		case <-en.entity.Done():
			en.entity = nil
		default:
			util.CartActivationsTotal.WithLabelValues("local").Inc()
			return localHandle{entity: en.entity, node: r.cfg.NodeID}, nil
		}
	}

	if wait := en.retryAt.Sub(r.now()); wait > 0 {
		util.CartActivationsTotal.WithLabelValues("backoff").Inc()
		return nil, models.NewError(models.CodeUnavailable, "cart %s is restarting, retry in %s", cartID, wait)
	}

	owner, err := r.leases.Acquire(ctx, leaseKey(cartID), r.cfg.NodeID, r.cfg.LeaseTTL)
	if err != nil {
		util.CartActivationsTotal.WithLabelValues("error").Inc()
		return nil, models.WrapError(models.CodeUnavailable, "failed to acquire lease for cart "+cartID, err)
	}

	if owner != r.cfg.NodeID {
		if IsForwarded(ctx) || r.dialer == nil {
			util.CartActivationsTotal.WithLabelValues("error").Inc()
			return nil, models.NewError(models.CodeUnavailable, "cart %s is owned by %s", cartID, owner)
		}
		util.CartActivationsTotal.WithLabelValues("remote").Inc()
		return r.dialer.Dial(owner, cartID), nil
	}

	opts := r.cfg.Entity
	opts.OnStop = func(e *cart.Entity) { r.onStop(cartID, en, e) }

	e, err := cart.Spawn(ctx, cartID, r.store, opts)
	if err != nil {
		util.CartActivationsTotal.WithLabelValues("error").Inc()
		r.scheduleRestart(en)
		r.releaseLease(cartID)
		r.logger.Error("Failed to activate cart", zap.String("cart_id", cartID), zap.Error(err))
		return nil, err
	}

	util.CartActivationsTotal.WithLabelValues("activated").Inc()
	r.logger.Debug("Cart activated", zap.String("cart_id", cartID))
	en.entity = e
	return localHandle{entity: e, node: r.cfg.NodeID}, nil
}

// Ask locates a cart and sends it a command. A handle that turns out to
// be stale is located once more.
func (r *Router) Ask(ctx context.Context, cartID string, cmd cart.Command) (models.CartSummary, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		h, err := r.Locate(ctx, cartID)
		if err != nil {
			return models.CartSummary{}, err
		}

		summary, err := h.Ask(ctx, cmd)
		if err != nil && errors.Is(err, cart.ErrStopped) {
			lastErr = err
			continue
		}
		return summary, err
	}
	return models.CartSummary{}, lastErr
}

// onStop runs on the stopped entity's goroutine.
func (r *Router) onStop(cartID string, en *entry, e *cart.Entity) {
	en.mu.Lock()
	if en.entity == e {
		en.entity = nil
	}
	if e.Err() != nil {
		r.scheduleRestart(en)
	} else {
		en.backoff = nil
		en.retryAt = time.Time{}
	}
	// released before the entry can be dropped, so a fresh activation
	// never races this release
	if en.entity == nil {
		r.releaseLease(cartID)
	}
	r.dropIfIdle(cartID, en)
	en.mu.Unlock()
}

// dropIfIdle forgets an entry with no live entity and no pending restart.
// It must be called with en.mu held.
func (r *Router) dropIfIdle(cartID string, en *entry) {
	if en.entity != nil || en.backoff != nil {
		return
	}
	sh := r.shardFor(cartID)
	sh.mu.Lock()
	if sh.entries[cartID] == en {
		delete(sh.entries, cartID)
	}
	sh.mu.Unlock()
	en.removed = true
}

// scheduleRestart must be called with en.mu held.
func (r *Router) scheduleRestart(en *entry) {
	if en.backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.cfg.RestartMinBackoff
		b.MaxInterval = r.cfg.RestartMaxBackoff
		b.RandomizationFactor = r.cfg.RestartJitter
		b.Reset()
		en.backoff = b
	}
	en.retryAt = r.now().Add(en.backoff.NextBackOff())
}

func (r *Router) releaseLease(cartID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.leases.Release(ctx, leaseKey(cartID), r.cfg.NodeID); err != nil {
		r.logger.Warn("Failed to release cart lease", zap.String("cart_id", cartID), zap.Error(err))
	}
}

// Run renews the leases of live carts and passivates idle ones until ctx
// is cancelled.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep does one pass of lease renewal and idle passivation.
func (r *Router) Sweep(ctx context.Context) {
	now := r.now()
	for cartID, e := range r.liveEntities() {
		if r.cfg.PassivateAfter > 0 && e.IdleFor(now) >= r.cfg.PassivateAfter {
			util.CartPassivationsTotal.WithLabelValues("idle").Inc()
			e.Stop()
			continue
		}

		ok, err := r.leases.Renew(ctx, leaseKey(cartID), r.cfg.NodeID, r.cfg.LeaseTTL)
		if err != nil || !ok {
			// another node may already own the cart
			util.CartPassivationsTotal.WithLabelValues("lease_lost").Inc()
			r.logger.Warn("Lost cart lease, stopping entity", zap.String("cart_id", cartID), zap.Error(err))
			e.Stop()
		}
	}
}

// Shutdown stops every local cart and waits for them until ctx expires.
func (r *Router) Shutdown(ctx context.Context) error {
	r.closed.Store(true)

	live := r.liveEntities()
	for _, e := range live {
		util.CartPassivationsTotal.WithLabelValues("shutdown").Inc()
		e.Stop()
	}
	for cartID, e := range live {
		select {
		case <-e.Done():
		case <-ctx.Done():
			return fmt.Errorf("cart %s did not stop: %w", cartID, ctx.Err())
		}
	}
	return nil
}

// ActiveCount returns the number of carts live on this node.
func (r *Router) ActiveCount() int {
	return len(r.liveEntities())
}

// IsActive reports whether a cart is live on this node.
func (r *Router) IsActive(cartID string) bool {
	_, ok := r.liveEntities()[cartID]
	return ok
}

func (r *Router) liveEntities() map[string]*cart.Entity {
	entries := make(map[string]*entry)
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, en := range sh.entries {
			entries[id] = en
		}
		sh.mu.Unlock()
	}

	live := make(map[string]*cart.Entity, len(entries))
	for id, en := range entries {
		en.mu.Lock()
		e := en.entity
		en.mu.Unlock()
		if e == nil {
			continue
		}
		select {
		case <-e.Done():
		default:
			live[id] = e
		}
	}
	return live
}

func (r *Router) entryFor(cartID string) *entry {
	sh := r.shardFor(cartID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	en, ok := sh.entries[cartID]
	if !ok {
		en = &entry{}
		sh.entries[cartID] = en
	}
	return en
}

func (r *Router) shardFor(cartID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cartID))
	return r.shards[h.Sum32()%shardCount]
}

func leaseKey(cartID string) string {
	return "cart:" + cartID
}
