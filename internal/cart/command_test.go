package cart

import (
	"testing"
	"time"

	"shopping-cart-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateWith(t *testing.T, events ...models.Event) *State {
	t.Helper()
	s := NewState()
	for _, e := range events {
		require.NoError(t, s.Apply(e))
	}
	return s
}

func TestDecide(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	withFoo := []models.Event{models.ItemAdded{CartID: "c", ItemID: "foo", Quantity: 2}}
	closed := append(withFoo, models.CheckedOut{CartID: "c", EventTime: now})

	tests := []struct {
		name    string
		history []models.Event
		cmd     Command
		want    models.Event
		wantErr error
	}{
		{
			name: "add new item",
			cmd:  AddItem{ItemID: "foo", Quantity: 42},
			want: models.ItemAdded{CartID: "c", ItemID: "foo", Quantity: 42},
		},
		{
			name:    "add existing item",
			history: withFoo,
			cmd:     AddItem{ItemID: "foo", Quantity: 1},
			wantErr: models.ErrAlreadyExists,
		},
		{
			name:    "add zero quantity",
			cmd:     AddItem{ItemID: "foo", Quantity: 0},
			wantErr: models.ErrInvalidArgument,
		},
		{
			name:    "add quantity too large",
			cmd:     AddItem{ItemID: "foo", Quantity: int(MaxQuantity + 1)},
			wantErr: models.ErrInvalidArgument,
		},
		{
			name: "add largest quantity",
			cmd:  AddItem{ItemID: "foo", Quantity: int(MaxQuantity)},
			want: models.ItemAdded{CartID: "c", ItemID: "foo", Quantity: int(MaxQuantity)},
		},
		{
			name:    "remove existing item",
			history: withFoo,
			cmd:     RemoveItem{ItemID: "foo"},
			want:    models.ItemRemoved{CartID: "c", ItemID: "foo"},
		},
		{
			name:    "remove missing item",
			cmd:     RemoveItem{ItemID: "foo"},
			wantErr: models.ErrNotFound,
		},
		{
			name:    "adjust existing item",
			history: withFoo,
			cmd:     AdjustItemQuantity{ItemID: "foo", Quantity: 5},
			want:    models.ItemQuantityAdjusted{CartID: "c", ItemID: "foo", Quantity: 5},
		},
		{
			name:    "adjust to zero",
			history: withFoo,
			cmd:     AdjustItemQuantity{ItemID: "foo", Quantity: 0},
			wantErr: models.ErrInvalidArgument,
		},
		{
			name:    "adjust quantity too large",
			history: withFoo,
			cmd:     AdjustItemQuantity{ItemID: "foo", Quantity: int(MaxQuantity + 1)},
			wantErr: models.ErrInvalidArgument,
		},
		{
			name:    "adjust missing item",
			cmd:     AdjustItemQuantity{ItemID: "foo", Quantity: 5},
			wantErr: models.ErrNotFound,
		},
		{
			name:    "checkout",
			history: withFoo,
			cmd:     Checkout{},
			want:    models.CheckedOut{CartID: "c", EventTime: now},
		},
		{
			name:    "checkout empty cart",
			cmd:     Checkout{},
			wantErr: models.ErrInvalidArgument,
		},
		{
			name:    "add after checkout",
			history: closed,
			cmd:     AddItem{ItemID: "bar", Quantity: 1},
			wantErr: models.ErrInvalidState,
		},
		{
			name:    "remove after checkout",
			history: closed,
			cmd:     RemoveItem{ItemID: "foo"},
			wantErr: models.ErrInvalidState,
		},
		{
			name:    "adjust after checkout",
			history: closed,
			cmd:     AdjustItemQuantity{ItemID: "foo", Quantity: 3},
			wantErr: models.ErrInvalidState,
		},
		{
			name:    "checkout twice",
			history: closed,
			cmd:     Checkout{},
			wantErr: models.ErrInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decide("c", stateWith(t, tt.history...), tt.cmd, now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStateSnapshotRoundTrip(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := stateWith(t,
		models.ItemAdded{CartID: "c", ItemID: "foo", Quantity: 2},
		models.ItemAdded{CartID: "c", ItemID: "bar", Quantity: 1},
		models.ItemRemoved{CartID: "c", ItemID: "bar"},
		models.CheckedOut{CartID: "c", EventTime: now},
	)

	data, err := MarshalState(s)
	require.NoError(t, err)
	restored, err := UnmarshalState(data)
	require.NoError(t, err)

	assert.Equal(t, s.Summary(), restored.Summary())
	assert.True(t, restored.IsCheckedOut())
	assert.Equal(t, map[string]int{"foo": 2}, restored.Summary().Items)
}
