package projection

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shopping-cart-service/internal/journal"
	"shopping-cart-service/internal/models"
	"shopping-cart-service/internal/sharding"
	"shopping-cart-service/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	seen     []int64
	failures map[int64]int
}

func newRecorder() *recorder {
	return &recorder{failures: make(map[int64]int)}
}

// failOn makes the next n deliveries of position fail.
func (r *recorder) failOn(position int64, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[position] = n
}

func (r *recorder) Process(_ context.Context, env models.EventEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures[env.Position] > 0 {
		r.failures[env.Position]--
		return errors.New("sink unavailable")
	}
	r.seen = append(r.seen, env.Position)
	return nil
}

func (r *recorder) positions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seen...)
}

type flakyOffsets struct {
	*MemoryOffsets
	failSaves int
}

func (f *flakyOffsets) SaveOffset(ctx context.Context, projection, tag string, position int64) error {
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("offset store unavailable")
	}
	return f.MemoryOffsets.SaveOffset(ctx, projection, tag, position)
}

func addItems(t *testing.T, j journal.Journal, cartID string, n int) []models.EventEnvelope {
	t.Helper()
	var out []models.EventEnvelope
	for i := 0; i < n; i++ {
		envs, err := j.Append(context.Background(), cartID, int64(i),
			models.ItemAdded{CartID: cartID, ItemID: fmt.Sprintf("item-%d", i), Quantity: 1})
		require.NoError(t, err)
		out = append(out, envs...)
	}
	return out
}

// cartsOnDistinctTags returns one cart id for each of the first two tags.
func cartsOnDistinctTags(tagger journal.Tagger) (string, string) {
	tags := tagger.Tags()
	var a, b string
	for i := 0; a == "" || b == ""; i++ {
		id := fmt.Sprintf("cart-%d", i)
		switch tagger.TagFor(id) {
		case tags[0]:
			if a == "" {
				a = id
			}
		case tags[1]:
			if b == "" {
				b = id
			}
		}
	}
	return a, b
}

func TestAtLeastOnceAppliesEventsInOrder(t *testing.T) {
	tagger := journal.NewTagger(1)
	j := journal.NewMemoryStore(tagger)
	first := addItems(t, j, "cart-1", 2)
	second := addItems(t, j, "cart-2", 1)

	rec := newRecorder()
	offsets := NewMemoryOffsets()
	p := AtLeastOnce("recorder", "carts-0", j, offsets, rec, Settings{BatchSize: 10})

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{first[0].Position, first[1].Position, second[0].Position}, rec.positions())

	offset, err := offsets.Offset(context.Background(), "recorder", "carts-0")
	require.NoError(t, err)
	assert.Equal(t, second[0].Position, offset)

	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFailedEventIsRetriedNotSkipped(t *testing.T) {
	j := journal.NewMemoryStore(journal.NewTagger(1))
	envs := addItems(t, j, "cart-1", 3)

	rec := newRecorder()
	rec.failOn(envs[1].Position, 1)
	p := AtLeastOnce("recorder", "carts-0", j, NewMemoryOffsets(), rec, Settings{BatchSize: 10})

	n, err := p.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)

	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{envs[0].Position, envs[1].Position, envs[2].Position}, rec.positions())
}

func TestOffsetSaveFailureRedeliversEvent(t *testing.T) {
	j := journal.NewMemoryStore(journal.NewTagger(1))
	envs := addItems(t, j, "cart-1", 1)

	rec := newRecorder()
	offsets := &flakyOffsets{MemoryOffsets: NewMemoryOffsets(), failSaves: 1}
	p := AtLeastOnce("recorder", "carts-0", j, offsets, rec, Settings{BatchSize: 10})

	_, err := p.Poll(context.Background())
	require.Error(t, err)

	_, err = p.Poll(context.Background())
	require.NoError(t, err)

	// delivered twice, never lost
	assert.Equal(t, []int64{envs[0].Position, envs[0].Position}, rec.positions())
}

func TestTagsProgressIndependently(t *testing.T) {
	tagger := journal.NewTagger(2)
	j := journal.NewMemoryStore(tagger)
	cartA, cartB := cartsOnDistinctTags(tagger)
	envsA := addItems(t, j, cartA, 1)
	envsB := addItems(t, j, cartB, 2)

	broken := newRecorder()
	broken.failOn(envsA[0].Position, 100)
	healthy := newRecorder()
	offsets := NewMemoryOffsets()

	pa := AtLeastOnce("recorder", tagger.TagFor(cartA), j, offsets, broken, Settings{})
	pb := AtLeastOnce("recorder", tagger.TagFor(cartB), j, offsets, healthy, Settings{})

	_, err := pa.Poll(context.Background())
	require.Error(t, err)

	n, err := pb.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{envsB[0].Position, envsB[1].Position}, healthy.positions())
}

func TestRunRetriesAfterBackoff(t *testing.T) {
	j := journal.NewMemoryStore(journal.NewTagger(1))
	envs := addItems(t, j, "cart-1", 3)

	rec := newRecorder()
	rec.failOn(envs[0].Position, 2)
	p := AtLeastOnce("recorder", "carts-0", j, NewMemoryOffsets(), rec, Settings{
		BatchSize:    2,
		PollInterval: time.Millisecond,
		MinBackoff:   time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewGroup(p).Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(rec.positions()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("projection did not stop")
	}
	assert.Equal(t, []int64{envs[0].Position, envs[1].Position, envs[2].Position}, rec.positions())
}

func TestLeaseKeepsOneWorkerPerTag(t *testing.T) {
	j := journal.NewMemoryStore(journal.NewTagger(1))
	leases := sharding.NewLocalRegistry()

	p1 := AtLeastOnce("recorder", "carts-0", j, NewMemoryOffsets(), newRecorder(), Settings{}).
		WithLease(leases, "node-1", time.Minute)
	p2 := AtLeastOnce("recorder", "carts-0", j, NewMemoryOffsets(), newRecorder(), Settings{}).
		WithLease(leases, "node-2", time.Minute)

	assert.True(t, p1.holdsLease(context.Background()))
	assert.False(t, p2.holdsLease(context.Background()))

	p1.releaseLease()
	assert.True(t, p2.holdsLease(context.Background()))
}

type countingTxHandler struct {
	s        *store.Store
	failNext bool
}

func (h *countingTxHandler) Process(ctx context.Context, tx *sqlx.Tx, env models.EventEnvelope) error {
	added, ok := env.Event.(models.ItemAdded)
	if !ok {
		return nil
	}
	pop, err := h.s.FindItemPopularity(ctx, tx, added.ItemID)
	if err != nil {
		return err
	}
	if pop == nil {
		pop = &models.ItemPopularity{ItemID: added.ItemID}
	}
	if _, err := h.s.SaveItemPopularity(ctx, tx, pop.ChangeCount(int64(added.Quantity))); err != nil {
		return err
	}
	if h.failNext {
		h.failNext = false
		return errors.New("crash after write")
	}
	return nil
}

func newSQLiteStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(store.DriverSQLite, filepath.Join(t.TempDir(), "cart.db"), journal.NewTagger(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestExactlyOnceRollsBackWriteWithOffset(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, "cart-1", 0, models.ItemAdded{CartID: "cart-1", ItemID: "foo", Quantity: 3})
	require.NoError(t, err)

	h := &countingTxHandler{s: s, failNext: true}
	p := ExactlyOnce("popularity", "carts-0", s, s, h, Settings{})

	_, err = p.Poll(ctx)
	require.Error(t, err)

	count, err := s.GetItemPopularity(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)

	offset, err := s.Offset(ctx, "popularity", "carts-0")
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)

	n, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	count, err = s.GetItemPopularity(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}

// interleavedSource runs between once, after a batch is read and before
// it is applied.
type interleavedSource struct {
	Source
	between func()
}

func (s *interleavedSource) ReadByTag(ctx context.Context, tag string, afterPosition int64, limit int) ([]models.EventEnvelope, error) {
	batch, err := s.Source.ReadByTag(ctx, tag, afterPosition, limit)
	if s.between != nil {
		f := s.between
		s.between = nil
		f()
	}
	return batch, err
}

func TestExactlyOnceWorkerWithStaleBatchCommitsNothing(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	envs, err := s.Append(ctx, "cart-1", 0, models.ItemAdded{CartID: "cart-1", ItemID: "foo", Quantity: 3})
	require.NoError(t, err)

	current := ExactlyOnce("popularity", "carts-0", s, s, &countingTxHandler{s: s}, Settings{})
	staleSource := &interleavedSource{Source: s, between: func() {
		n, err := current.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}}
	stale := ExactlyOnce("popularity", "carts-0", staleSource, s, &countingTxHandler{s: s}, Settings{})

	n, err := stale.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	count, err := s.GetItemPopularity(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	offset, err := s.Offset(ctx, "popularity", "carts-0")
	require.NoError(t, err)
	assert.Equal(t, envs[0].Position, offset)

	n, err = stale.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// expiringLease is held for a fixed number of renewals.
type expiringLease struct {
	mu       sync.Mutex
	renewals int
}

func (l *expiringLease) Acquire(_ context.Context, _, owner string, _ time.Duration) (string, error) {
	return owner, nil
}

func (l *expiringLease) Renew(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.renewals == 0 {
		return false, nil
	}
	l.renewals--
	return true, nil
}

func (l *expiringLease) Release(context.Context, string, string) error {
	return nil
}

func TestLeaseLostMidBatchStopsApplying(t *testing.T) {
	j := journal.NewMemoryStore(journal.NewTagger(1))
	envs := addItems(t, j, "cart-1", 3)

	rec := newRecorder()
	offsets := NewMemoryOffsets()
	p := AtLeastOnce("recorder", "carts-0", j, offsets, rec, Settings{BatchSize: 10}).
		WithLease(&expiringLease{renewals: 1}, "node-1", time.Minute)

	n, err := p.Poll(context.Background())
	require.ErrorIs(t, err, ErrLeaseLost)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{envs[0].Position}, rec.positions())

	offset, err := offsets.Offset(context.Background(), "recorder", "carts-0")
	require.NoError(t, err)
	assert.Equal(t, envs[0].Position, offset)
}

func TestRunResumesAfterLeaseLoss(t *testing.T) {
	j := journal.NewMemoryStore(journal.NewTagger(1))
	envs := addItems(t, j, "cart-1", 3)

	rec := newRecorder()
	lease := &expiringLease{renewals: 1}
	p := AtLeastOnce("recorder", "carts-0", j, NewMemoryOffsets(), rec, Settings{
		BatchSize:    10,
		PollInterval: time.Millisecond,
	}).WithLease(lease, "node-1", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(rec.positions()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	lease.mu.Lock()
	lease.renewals = 10
	lease.mu.Unlock()

	assert.Eventually(t, func() bool {
		return len(rec.positions()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("projection did not stop")
	}
	assert.Equal(t, []int64{envs[0].Position, envs[1].Position, envs[2].Position}, rec.positions())
}
