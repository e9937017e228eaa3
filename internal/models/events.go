package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types
const (
	EventTypeItemAdded            = "ItemAdded"
	EventTypeItemRemoved          = "ItemRemoved"
	EventTypeItemQuantityAdjusted = "ItemQuantityAdjusted"
	EventTypeCheckedOut           = "CheckedOut"
)

// Event is an immutable fact recorded for a single cart.
type Event interface {
	EventType() string
	GetCartID() string
}

// ItemAdded is recorded when an item is put into a cart
type ItemAdded struct {
	CartID   string `json:"cart_id"`
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// ItemRemoved is recorded when an item is taken out of a cart
type ItemRemoved struct {
	CartID string `json:"cart_id"`
	ItemID string `json:"item_id"`
}

// ItemQuantityAdjusted is recorded when the quantity of an item changes
type ItemQuantityAdjusted struct {
	CartID   string `json:"cart_id"`
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// CheckedOut is recorded when a cart is closed for further changes
type CheckedOut struct {
	CartID    string    `json:"cart_id"`
	EventTime time.Time `json:"event_time"`
}

func (ItemAdded) EventType() string            { return EventTypeItemAdded }
func (ItemRemoved) EventType() string          { return EventTypeItemRemoved }
func (ItemQuantityAdjusted) EventType() string { return EventTypeItemQuantityAdjusted }
func (CheckedOut) EventType() string           { return EventTypeCheckedOut }

func (e ItemAdded) GetCartID() string            { return e.CartID }
func (e ItemRemoved) GetCartID() string          { return e.CartID }
func (e ItemQuantityAdjusted) GetCartID() string { return e.CartID }
func (e CheckedOut) GetCartID() string           { return e.CartID }

// EventEnvelope is an event as stored in the journal.
type EventEnvelope struct {
	Position  int64     `json:"position"`
	CartID    string    `json:"cart_id"`
	SeqNr     int64     `json:"seq_nr"`
	Tag       string    `json:"tag"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Event     Event     `json:"-"`
}

// MarshalEvent encodes the payload of an event for storage.
func MarshalEvent(e Event) (string, []byte, error) {
	switch e.(type) {
	case ItemAdded, ItemRemoved, ItemQuantityAdjusted, CheckedOut:
	default:
		return "", nil, fmt.Errorf("unknown event type %T", e)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s: %w", e.EventType(), err)
	}
	return e.EventType(), data, nil
}

// UnmarshalEvent decodes a stored payload using its type discriminator.
func UnmarshalEvent(eventType string, data []byte) (Event, error) {
	var (
		event Event
		err   error
	)

	switch eventType {
	case EventTypeItemAdded:
		var e ItemAdded
		err = json.Unmarshal(data, &e)
		event = e
	case EventTypeItemRemoved:
		var e ItemRemoved
		err = json.Unmarshal(data, &e)
		event = e
	case EventTypeItemQuantityAdjusted:
		var e ItemQuantityAdjusted
		err = json.Unmarshal(data, &e)
		event = e
	case EventTypeCheckedOut:
		var e CheckedOut
		err = json.Unmarshal(data, &e)
		event = e
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", eventType, err)
	}
	return event, nil
}
