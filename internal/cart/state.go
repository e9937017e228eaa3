package cart

import (
	"encoding/json"
	"fmt"
	"time"

	"shopping-cart-service/internal/models"
)

// State is the in-memory state of one cart. It is changed only by Apply.
type State struct {
	items      map[string]int
	checkedOut *time.Time
}

// NewState returns the empty state of a cart that has never seen a command.
func NewState() *State {
	return &State{items: make(map[string]int)}
}

// Apply folds one event into the state.
func (s *State) Apply(event models.Event) error {
	switch e := event.(type) {
	case models.ItemAdded:
		s.updateItemQuantity(e.ItemID, e.Quantity)
	case models.ItemRemoved:
		s.updateItemQuantity(e.ItemID, 0)
	case models.ItemQuantityAdjusted:
		s.updateItemQuantity(e.ItemID, e.Quantity)
	case models.CheckedOut:
		t := e.EventTime
		s.checkedOut = &t
	default:
		return fmt.Errorf("cannot apply unknown event %T", event)
	}
	return nil
}

func (s *State) updateItemQuantity(itemID string, quantity int) {
	if quantity == 0 {
		delete(s.items, itemID)
		return
	}
	s.items[itemID] = quantity
}

func (s *State) hasItem(itemID string) bool {
	_, ok := s.items[itemID]
	return ok
}

// IsEmpty reports whether the cart holds no items.
func (s *State) IsEmpty() bool {
	return len(s.items) == 0
}

// IsCheckedOut reports whether the cart is closed.
func (s *State) IsCheckedOut() bool {
	return s.checkedOut != nil
}

// Summary returns a copy of the state safe to hand to callers.
func (s *State) Summary() models.CartSummary {
	items := make(map[string]int, len(s.items))
	for k, v := range s.items {
		items[k] = v
	}
	summary := models.CartSummary{Items: items, CheckedOut: s.IsCheckedOut()}
	if s.checkedOut != nil {
		t := *s.checkedOut
		summary.CheckedOutAt = &t
	}
	return summary
}

type stateSnapshot struct {
	Items      map[string]int `json:"items"`
	CheckedOut *time.Time     `json:"checked_out,omitempty"`
}

// MarshalState serializes the state for a snapshot.
func MarshalState(s *State) ([]byte, error) {
	return json.Marshal(stateSnapshot{Items: s.items, CheckedOut: s.checkedOut})
}

// UnmarshalState restores a state from a snapshot.
func UnmarshalState(data []byte) (*State, error) {
	var snap stateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cart snapshot: %w", err)
	}
	s := NewState()
	for k, v := range snap.Items {
		s.items[k] = v
	}
	s.checkedOut = snap.CheckedOut
	return s, nil
}
