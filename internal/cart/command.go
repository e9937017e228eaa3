package cart

import (
	"time"

	"shopping-cart-service/internal/models"
)

// MaxQuantity is the largest quantity an item can have. Published events
// carry numbers as doubles, which hold integers exactly only up to 2^53.
const MaxQuantity int64 = 1 << 53

// Command is a request addressed to a single cart.
type Command interface {
	commandName() string
}

// AddItem puts a new item into the cart
type AddItem struct {
	ItemID   string
	Quantity int
}

// RemoveItem takes an item out of the cart
type RemoveItem struct {
	ItemID string
}

// AdjustItemQuantity changes the quantity of an item already in the cart
type AdjustItemQuantity struct {
	ItemID   string
	Quantity int
}

// Checkout closes the cart
type Checkout struct{}

// Get reads the cart; valid in every state
type Get struct{}

func (AddItem) commandName() string            { return "add_item" }
func (RemoveItem) commandName() string         { return "remove_item" }
func (AdjustItemQuantity) commandName() string { return "adjust_item_quantity" }
func (Checkout) commandName() string           { return "checkout" }
func (Get) commandName() string                { return "get" }

// CommandName returns a stable label for logs and metrics.
func CommandName(cmd Command) string {
	return cmd.commandName()
}

// Decide validates a mutating command against the current state and returns
// the event to persist. A non-nil error is a rejection; no event is produced.
func Decide(cartID string, state *State, cmd Command, now time.Time) (models.Event, error) {
	if state.IsCheckedOut() {
		return nil, rejectCheckedOut(cmd)
	}

	switch c := cmd.(type) {
	case AddItem:
		if state.hasItem(c.ItemID) {
			return nil, models.NewError(models.CodeAlreadyExists,
				"item '%s' was already added to this shopping cart", c.ItemID)
		}
		if err := validateQuantity(c.Quantity); err != nil {
			return nil, err
		}
		return models.ItemAdded{CartID: cartID, ItemID: c.ItemID, Quantity: c.Quantity}, nil

	case RemoveItem:
		if !state.hasItem(c.ItemID) {
			return nil, models.NewError(models.CodeNotFound,
				"item '%s' does not exist in the shopping cart", c.ItemID)
		}
		return models.ItemRemoved{CartID: cartID, ItemID: c.ItemID}, nil

	case AdjustItemQuantity:
		if !state.hasItem(c.ItemID) {
			return nil, models.NewError(models.CodeNotFound,
				"item '%s' does not exist in the shopping cart", c.ItemID)
		}
		if err := validateQuantity(c.Quantity); err != nil {
			return nil, err
		}
		return models.ItemQuantityAdjusted{CartID: cartID, ItemID: c.ItemID, Quantity: c.Quantity}, nil

	case Checkout:
		if state.IsEmpty() {
			return nil, models.NewError(models.CodeInvalidArgument, "cannot checkout an empty shopping cart")
		}
		return models.CheckedOut{CartID: cartID, EventTime: now.UTC()}, nil

	default:
		return nil, models.NewError(models.CodeInvalidArgument, "unsupported command %T", cmd)
	}
}

func validateQuantity(quantity int) error {
	if quantity <= 0 {
		return models.NewError(models.CodeInvalidArgument, "quantity must be greater than zero")
	}
	if int64(quantity) > MaxQuantity {
		return models.NewError(models.CodeInvalidArgument, "quantity must not exceed %d", MaxQuantity)
	}
	return nil
}

func rejectCheckedOut(cmd Command) error {
	var msg string
	switch cmd.(type) {
	case AddItem:
		msg = "can't add an item to an already checked out shopping cart"
	case RemoveItem:
		msg = "can't remove an item from an already checked out shopping cart"
	case AdjustItemQuantity:
		msg = "can't adjust the quantity of an item in an already checked out shopping cart"
	case Checkout:
		msg = "can't checkout an already checked out shopping cart"
	default:
		msg = "shopping cart is checked out"
	}
	return models.NewError(models.CodeInvalidState, "%s", msg)
}
