package service

import (
	"context"

	"shopping-cart-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// PopularityStore reads and writes item popularity rows inside a caller's
// transaction
type PopularityStore interface {
	FindItemPopularity(ctx context.Context, q sqlx.ExtContext, itemID string) (*models.ItemPopularity, error)
	SaveItemPopularity(ctx context.Context, e sqlx.ExtContext, pop models.ItemPopularity) (models.ItemPopularity, error)
}

// ItemPopularityHandler counts the units added per item. It runs
// exactly-once: the row update commits with the projection offset.
type ItemPopularityHandler struct {
	store PopularityStore
}

// NewItemPopularityHandler creates the popularity sink
func NewItemPopularityHandler(store PopularityStore) *ItemPopularityHandler {
	return &ItemPopularityHandler{store: store}
}

// Process implements projection.TxHandler. Only ItemAdded changes counts.
func (h *ItemPopularityHandler) Process(ctx context.Context, tx *sqlx.Tx, env models.EventEnvelope) error {
	added, ok := env.Event.(models.ItemAdded)
	if !ok {
		return nil
	}

	pop, err := h.store.FindItemPopularity(ctx, tx, added.ItemID)
	if err != nil {
		return err
	}
	if pop == nil {
		pop = &models.ItemPopularity{ItemID: added.ItemID}
	}

	// a version conflict rolls the transaction back and the event is retried
	_, err = h.store.SaveItemPopularity(ctx, tx, pop.ChangeCount(int64(added.Quantity)))
	return err
}
