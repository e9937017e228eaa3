package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"shopping-cart-service/internal/journal"
	"shopping-cart-service/internal/models"
	"shopping-cart-service/internal/util"

	"go.uber.org/zap"
)

// ErrStopped is the cause of the Unavailable error returned for a request
// that reached an entity after it stopped. Such a request had no effect, so
// the caller may locate the cart again and resend it.
var ErrStopped = errors.New("cart entity stopped")

// Options tunes an entity.
type Options struct {
	SnapshotEvery int
	SnapshotKeep  int
	MailboxSize   int
	Clock         func() time.Time
	// OnStop is called from the entity goroutine once it has stopped.
	OnStop func(*Entity)
}

// DefaultOptions snapshots every 100 events and keeps the latest 3.
func DefaultOptions() Options {
	return Options{
		SnapshotEvery: 100,
		SnapshotKeep:  3,
		MailboxSize:   64,
		Clock:         time.Now,
	}
}

type request struct {
	cmd   Command
	reply chan result
}

type result struct {
	summary models.CartSummary
	err     error
}

// Entity is the single live instance of a cart. It owns the cart state and
// handles one command at a time from its mailbox.
type Entity struct {
	cartID string
	store  journal.Store
	opts   Options
	logger *zap.Logger

	// owned by the run goroutine
	state           *State
	seqNr           int64
	lastSnapshotSeq int64

	ctx        context.Context
	cancel     context.CancelFunc
	mailbox    chan request
	quit       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	lastActive atomic.Int64

	errMu sync.Mutex
	err   error
}

// Spawn recovers a cart from its latest snapshot and the events after it,
// then starts processing commands.
func Spawn(ctx context.Context, cartID string, store journal.Store, opts Options) (*Entity, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 64
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Entity{
		cartID:  cartID,
		store:   store,
		opts:    opts,
		logger:  util.GetLogger().With(zap.String("cart_id", cartID)),
		ctx:     baseCtx,
		cancel:  cancel,
		mailbox: make(chan request, opts.MailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := e.recover(ctx); err != nil {
		cancel()
		return nil, err
	}

	e.touch()
	util.ActiveCarts.Inc()
	go e.run()
	return e, nil
}

// CartID returns the id of the cart.
func (e *Entity) CartID() string {
	return e.cartID
}

// Ask enqueues a command and waits for its reply. When ctx expires first
// the caller gets Unavailable; a command already handed to the journal is
// not cancelled by that.
func (e *Entity) Ask(ctx context.Context, cmd Command) (models.CartSummary, error) {
	req := request{cmd: cmd, reply: make(chan result, 1)}

	select {
	case e.mailbox <- req:
	case <-e.done:
		return models.CartSummary{}, e.stoppedError()
	case <-ctx.Done():
		return models.CartSummary{}, e.timeoutError(ctx)
	}

	select {
	case res := <-req.reply:
		return res.summary, res.err
	case <-e.done:
		select {
		case res := <-req.reply:
			return res.summary, res.err
		default:
			return models.CartSummary{}, e.stoppedError()
		}
	case <-ctx.Done():
		return models.CartSummary{}, e.timeoutError(ctx)
	}
}

// Stop asks the entity to stop after the command in progress. It does not
// wait; use Done.
func (e *Entity) Stop() {
	e.stopOnce.Do(func() { close(e.quit) })
}

// Done is closed once the entity goroutine has exited.
func (e *Entity) Done() <-chan struct{} {
	return e.done
}

// Err returns the failure that stopped the entity, if any.
func (e *Entity) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// IdleFor returns how long the entity has not handled a command.
func (e *Entity) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.lastActive.Load()))
}

func (e *Entity) run() {
	defer e.finish()

	for {
		select {
		case <-e.quit:
			return
		case req := <-e.mailbox:
			res, stop := e.handle(req.cmd)
			req.reply <- res
			if stop {
				return
			}
		}
	}
}

func (e *Entity) finish() {
	e.cancel()
	close(e.done)
	util.ActiveCarts.Dec()

	if err := e.Err(); err != nil {
		e.logger.Warn("Cart entity stopped after failure", zap.Error(err))
	} else {
		e.logger.Debug("Cart entity stopped")
	}

	if e.opts.OnStop != nil {
		e.opts.OnStop(e)
	}
}

// handle runs one command. stop reports whether the entity must exit
// because its in-memory state can no longer be trusted.
func (e *Entity) handle(cmd Command) (res result, stop bool) {
	e.touch()
	name := CommandName(cmd)

	if _, ok := cmd.(Get); ok {
		util.CartCommandsTotal.WithLabelValues(name, "ok").Inc()
		return result{summary: e.state.Summary()}, false
	}

	event, err := Decide(e.cartID, e.state, cmd, e.opts.Clock())
	if err != nil {
		util.CartCommandsTotal.WithLabelValues(name, resultLabel(err)).Inc()
		return result{err: err}, false
	}

	envs, err := e.store.Append(e.ctx, e.cartID, e.seqNr, event)
	if err != nil {
		util.CartCommandsTotal.WithLabelValues(name, resultLabel(err)).Inc()

		if errors.Is(err, models.ErrConcurrentWriteConflict) {
			e.logger.Warn("Journal rejected append, reloading cart", zap.Int64("seq_nr", e.seqNr), zap.Error(err))
			if rerr := e.recover(e.ctx); rerr != nil {
				e.setErr(rerr)
				return result{err: rerr}, true
			}
			return result{err: err}, false
		}

		perr := models.WrapError(models.CodePersistenceError,
			fmt.Sprintf("failed to persist %s for cart %s", event.EventType(), e.cartID), err)
		e.setErr(perr)
		return result{err: perr}, true
	}

	for _, env := range envs {
		if err := e.state.Apply(env.Event); err != nil {
			e.setErr(err)
			return result{err: models.WrapError(models.CodePersistenceError, "failed to apply event", err)}, true
		}
		e.seqNr = env.SeqNr
	}
	util.EventsAppendedTotal.WithLabelValues(event.EventType()).Add(float64(len(envs)))
	util.CartCommandsTotal.WithLabelValues(name, "ok").Inc()

	e.maybeSnapshot()

	return result{summary: e.state.Summary()}, false
}

// recover rebuilds state from the latest snapshot plus the events after it.
func (e *Entity) recover(ctx context.Context) error {
	state := NewState()
	var seq, snapSeq int64

	snap, err := e.store.LatestSnapshot(ctx, e.cartID)
	if err != nil {
		return models.WrapError(models.CodePersistenceError, "failed to load cart snapshot", err)
	}
	if snap != nil {
		state, err = UnmarshalState(snap.State)
		if err != nil {
			return models.WrapError(models.CodePersistenceError, "failed to restore cart snapshot", err)
		}
		seq, snapSeq = snap.SeqNr, snap.SeqNr
	}

	envs, err := e.store.ReadCart(ctx, e.cartID, seq)
	if err != nil {
		return models.WrapError(models.CodePersistenceError, "failed to replay cart events", err)
	}
	for _, env := range envs {
		if err := state.Apply(env.Event); err != nil {
			return models.WrapError(models.CodePersistenceError, "failed to replay cart events", err)
		}
		seq = env.SeqNr
	}

	e.state, e.seqNr, e.lastSnapshotSeq = state, seq, snapSeq
	e.logger.Debug("Cart recovered",
		zap.Int64("snapshot_seq_nr", snapSeq),
		zap.Int("replayed_events", len(envs)))
	return nil
}

func (e *Entity) maybeSnapshot() {
	if e.opts.SnapshotEvery <= 0 || e.seqNr-e.lastSnapshotSeq < int64(e.opts.SnapshotEvery) {
		return
	}

	data, err := MarshalState(e.state)
	if err != nil {
		e.logger.Error("Failed to serialize cart snapshot", zap.Error(err))
		return
	}

	snap := models.Snapshot{
		CartID:    e.cartID,
		SeqNr:     e.seqNr,
		State:     data,
		CreatedAt: e.opts.Clock().UnixMilli(),
	}
	if err := e.store.SaveSnapshot(e.ctx, snap, e.opts.SnapshotKeep); err != nil {
		// the journal still holds every event, recovery just replays more
		e.logger.Warn("Failed to save cart snapshot", zap.Int64("seq_nr", e.seqNr), zap.Error(err))
		return
	}
	e.lastSnapshotSeq = e.seqNr
}

func (e *Entity) touch() {
	e.lastActive.Store(e.opts.Clock().UnixNano())
}

func (e *Entity) setErr(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	e.err = err
}

func (e *Entity) stoppedError() error {
	return models.WrapError(models.CodeUnavailable, "cart "+e.cartID+" is unavailable", ErrStopped)
}

func (e *Entity) timeoutError(ctx context.Context) error {
	return models.WrapError(models.CodeUnavailable, "cart "+e.cartID+" did not reply in time", ctx.Err())
}

func resultLabel(err error) string {
	code := models.CodeOf(err)
	if code == "" {
		return "error"
	}
	return strings.ToLower(string(code))
}
