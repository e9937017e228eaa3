package models

import "time"

// CartSummary is the externally visible view of a cart
type CartSummary struct {
	Items        map[string]int `json:"items"`
	CheckedOut   bool           `json:"checked_out"`
	CheckedOutAt *time.Time     `json:"checked_out_at,omitempty"`
}

// ItemPopularity is the read-model row counting how often an item was added
type ItemPopularity struct {
	ItemID  string `db:"item_id" json:"item_id"`
	Version int64  `db:"version" json:"version"`
	Count   int64  `db:"count" json:"count"`
}

// ChangeCount returns a copy with count adjusted by delta. The version is
// left untouched so the save can detect concurrent updates.
func (p ItemPopularity) ChangeCount(delta int64) ItemPopularity {
	p.Count += delta
	return p
}

// ProjectionOffset is the durable cursor of one projection worker
type ProjectionOffset struct {
	ProjectionName string `db:"projection_name" json:"projection_name"`
	Tag            string `db:"tag" json:"tag"`
	Position       int64  `db:"position" json:"position"`
	UpdatedAt      int64  `db:"updated_at" json:"updated_at"`
}

// Snapshot is a serialized cart state at a given sequence number
type Snapshot struct {
	CartID    string `db:"cart_id"`
	SeqNr     int64  `db:"seq_nr"`
	State     []byte `db:"state"`
	CreatedAt int64  `db:"created_at"`
}

// OrderItem is one line of an order sent to the order service
type OrderItem struct {
	ItemID   string `json:"item_id" binding:"required"`
	Quantity int    `json:"quantity" binding:"required,min=1"`
}
