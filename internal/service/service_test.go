package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shopping-cart-service/internal/cart"
	"shopping-cart-service/internal/journal"
	"shopping-cart-service/internal/models"
	"shopping-cart-service/internal/projection"
	"shopping-cart-service/internal/sharding"
	"shopping-cart-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.NewStore(store.DriverSQLite, filepath.Join(t.TempDir(), "cart.db"), journal.NewTagger(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newRouter(t *testing.T, j journal.Store) *sharding.Router {
	t.Helper()

	r := sharding.NewRouter(sharding.DefaultConfig("node-1"), j, sharding.NewLocalRegistry(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

type fakePublisher struct {
	mu        sync.Mutex
	published []int64
	failOn    map[int64]bool
}

func (p *fakePublisher) PublishEvent(_ context.Context, env models.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn[env.Position] {
		delete(p.failOn, env.Position)
		return errors.New("broker not acknowledging")
	}
	p.published = append(p.published, env.Position)
	return nil
}

type orderCall struct {
	cartID string
	items  []models.OrderItem
}

type fakeOrders struct {
	calls    []orderCall
	accepted bool
	err      error
}

func (o *fakeOrders) Order(_ context.Context, cartID string, items []models.OrderItem) (bool, error) {
	if o.err != nil {
		return false, o.err
	}
	o.calls = append(o.calls, orderCall{cartID: cartID, items: items})
	return o.accepted, nil
}

type blockingRouter struct{}

func (blockingRouter) Ask(ctx context.Context, _ string, _ cart.Command) (models.CartSummary, error) {
	<-ctx.Done()
	return models.CartSummary{}, models.WrapError(models.CodeUnavailable, "no reply", ctx.Err())
}

type brokenPopularity struct{}

func (brokenPopularity) GetItemPopularity(context.Context, string) (uint64, error) {
	return 0, errors.New("database is down")
}

func TestItemPopularityCountsAcrossCarts(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "cart-1", 0, models.ItemAdded{CartID: "cart-1", ItemID: "foo", Quantity: 3})
	require.NoError(t, err)
	_, err = s.Append(ctx, "cart-2", 0,
		models.ItemAdded{CartID: "cart-2", ItemID: "foo", Quantity: 4},
		models.ItemAdded{CartID: "cart-2", ItemID: "bar", Quantity: 1})
	require.NoError(t, err)
	_, err = s.Append(ctx, "cart-1", 1, models.ItemRemoved{CartID: "cart-1", ItemID: "foo"})
	require.NoError(t, err)

	p := projection.ExactlyOnce(ItemPopularityProjection, "carts-0", s, s, NewItemPopularityHandler(s), projection.Settings{})

	n, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// a second pass starts after the committed offset and counts nothing twice
	n, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	svc := NewCartService(nil, s, time.Second)
	foo, err := svc.GetItemPopularity(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), foo)

	bar, err := svc.GetItemPopularity(ctx, "bar")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bar)

	unknown, err := svc.GetItemPopularity(ctx, "baz")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), unknown)
}

func TestPublishAdvancesOnlyAfterAck(t *testing.T) {
	j := journal.NewMemoryStore(journal.NewTagger(1))
	ctx := context.Background()

	envs, err := j.Append(ctx, "cart-1", 0,
		models.ItemAdded{CartID: "cart-1", ItemID: "foo", Quantity: 1},
		models.ItemQuantityAdjusted{CartID: "cart-1", ItemID: "foo", Quantity: 2},
		models.CheckedOut{CartID: "cart-1", EventTime: time.Now().UTC()})
	require.NoError(t, err)

	pub := &fakePublisher{failOn: map[int64]bool{envs[1].Position: true}}
	offsets := projection.NewMemoryOffsets()
	p := projection.AtLeastOnce(PublishEventsProjection, "carts-0", j, offsets, NewPublishEventsHandler(pub), projection.Settings{})

	_, err = p.Poll(ctx)
	require.Error(t, err)
	offset, err := offsets.Offset(ctx, PublishEventsProjection, "carts-0")
	require.NoError(t, err)
	assert.Equal(t, envs[0].Position, offset)

	_, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{envs[0].Position, envs[1].Position, envs[2].Position}, pub.published)
}

func TestSendOrderOnCheckout(t *testing.T) {
	j := journal.NewMemoryStore(journal.NewTagger(1))
	router := newRouter(t, j)
	svc := NewCartService(router, nil, time.Second)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, "cart-1", "foo", 42)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, "cart-1", "bar", 1)
	require.NoError(t, err)
	_, err = svc.Checkout(ctx, "cart-1")
	require.NoError(t, err)

	orders := &fakeOrders{accepted: true}
	p := projection.AtLeastOnce(SendOrderProjection, "carts-0", j, projection.NewMemoryOffsets(),
		NewSendOrderHandler(router, orders, time.Second), projection.Settings{})

	n, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, orders.calls, 1)
	assert.Equal(t, "cart-1", orders.calls[0].cartID)
	assert.Equal(t, []models.OrderItem{{ItemID: "bar", Quantity: 1}, {ItemID: "foo", Quantity: 42}}, orders.calls[0].items)
}

func TestSendOrderRetriesOnlyTransientFailures(t *testing.T) {
	j := journal.NewMemoryStore(journal.NewTagger(1))
	router := newRouter(t, j)
	ctx := context.Background()

	_, err := router.Ask(ctx, "cart-1", cart.AddItem{ItemID: "foo", Quantity: 1})
	require.NoError(t, err)
	envs, err := j.ReadCart(ctx, "cart-1", 0)
	require.NoError(t, err)
	_, err = router.Ask(ctx, "cart-1", cart.Checkout{})
	require.NoError(t, err)
	checkedOut, err := j.ReadCart(ctx, "cart-1", envs[0].SeqNr)
	require.NoError(t, err)
	require.Len(t, checkedOut, 1)

	down := &fakeOrders{err: errors.New("connection refused")}
	assert.Error(t, NewSendOrderHandler(router, down, time.Second).Process(ctx, checkedOut[0]))

	rejecting := &fakeOrders{accepted: false}
	assert.NoError(t, NewSendOrderHandler(router, rejecting, time.Second).Process(ctx, checkedOut[0]))
	assert.Len(t, rejecting.calls, 1)

	// other events never reach the order service
	assert.NoError(t, NewSendOrderHandler(router, rejecting, time.Second).Process(ctx, envs[0]))
	assert.Len(t, rejecting.calls, 1)
}

func TestCartServiceExampleFlow(t *testing.T) {
	router := newRouter(t, journal.NewMemoryStore(journal.NewTagger(journal.DefaultTagCount)))
	svc := NewCartService(router, nil, time.Second)
	ctx := context.Background()

	summary, err := svc.AddItem(ctx, "cart-1", "foo", 42)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"foo": 42}, summary.Items)

	_, err = svc.AddItem(ctx, "cart-1", "foo", 1)
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	_, err = svc.AdjustItemQuantity(ctx, "cart-1", "foo", 0)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	summary, err = svc.AdjustItemQuantity(ctx, "cart-1", "foo", 43)
	require.NoError(t, err)
	assert.Equal(t, 43, summary.Items["foo"])

	_, err = svc.RemoveItem(ctx, "cart-1", "bar")
	assert.ErrorIs(t, err, models.ErrNotFound)

	summary, err = svc.Checkout(ctx, "cart-1")
	require.NoError(t, err)
	assert.True(t, summary.CheckedOut)

	_, err = svc.Checkout(ctx, "cart-1")
	assert.ErrorIs(t, err, models.ErrInvalidState)

	summary, err = svc.Get(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"foo": 43}, summary.Items)

	_, err = svc.Checkout(ctx, "cart-2")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestCartServiceValidatesIDs(t *testing.T) {
	svc := NewCartService(blockingRouter{}, brokenPopularity{}, time.Second)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, "", "foo", 1)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = svc.RemoveItem(ctx, "cart-1", "")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = svc.GetItemPopularity(ctx, "foo")
	assert.ErrorIs(t, err, models.ErrUnavailable)
}

func TestCartServiceAppliesAskTimeout(t *testing.T) {
	svc := NewCartService(blockingRouter{}, nil, 20*time.Millisecond)

	start := time.Now()
	_, err := svc.Get(context.Background(), "cart-1")
	assert.ErrorIs(t, err, models.ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewProjectionGroupRunsEverySinkPerTag(t *testing.T) {
	s := newSQLStore(t)
	tags := journal.NewTagger(journal.DefaultTagCount).Tags()

	group := NewProjectionGroup(ProjectionDeps{
		Tags:       tags,
		Source:     s,
		Offsets:    s,
		Popularity: NewItemPopularityHandler(s),
		Publisher:  NewPublishEventsHandler(&fakePublisher{}),
		Orders:     NewSendOrderHandler(blockingRouter{}, &fakeOrders{}, time.Second),
	})
	assert.Equal(t, 3*len(tags), group.Len())

	onlyPopularity := NewProjectionGroup(ProjectionDeps{
		Tags:       tags,
		Source:     s,
		Offsets:    s,
		Popularity: NewItemPopularityHandler(s),
	})
	assert.Equal(t, len(tags), onlyPopularity.Len())
}
