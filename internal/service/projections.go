package service

import (
	"time"

	"shopping-cart-service/internal/projection"
)

// Projection names, also the keys of their stored offsets
const (
	ItemPopularityProjection = "item-popularity"
	PublishEventsProjection  = "publish-events"
	SendOrderProjection      = "send-order"
)

// OffsetStore keeps offsets for both delivery modes
type OffsetStore interface {
	projection.OffsetStore
	projection.TxOffsetStore
}

// ProjectionDeps wires the sinks to the journal. A nil sink is not run.
type ProjectionDeps struct {
	Tags     []string
	Source   projection.Source
	Offsets  OffsetStore
	Settings projection.Settings

	Popularity *ItemPopularityHandler
	Publisher  *PublishEventsHandler
	Orders     *SendOrderHandler

	// Lease, when set, keeps each (projection, tag) worker on one node
	Lease    projection.Lease
	NodeID   string
	LeaseTTL time.Duration
}

// NewProjectionGroup builds one worker per sink and tag
func NewProjectionGroup(deps ProjectionDeps) *projection.Group {
	group := projection.NewGroup()

	add := func(build func(tag string) *projection.Projection) {
		group.Add(projection.ForTags(deps.Tags, func(tag string) *projection.Projection {
			p := build(tag)
			if deps.Lease != nil {
				p.WithLease(deps.Lease, deps.NodeID, deps.LeaseTTL)
			}
			return p
		})...)
	}

	if deps.Popularity != nil {
		add(func(tag string) *projection.Projection {
			return projection.ExactlyOnce(ItemPopularityProjection, tag, deps.Source, deps.Offsets, deps.Popularity, deps.Settings)
		})
	}
	if deps.Publisher != nil {
		add(func(tag string) *projection.Projection {
			return projection.AtLeastOnce(PublishEventsProjection, tag, deps.Source, deps.Offsets, deps.Publisher, deps.Settings)
		})
	}
	if deps.Orders != nil {
		add(func(tag string) *projection.Projection {
			return projection.AtLeastOnce(SendOrderProjection, tag, deps.Source, deps.Offsets, deps.Orders, deps.Settings)
		})
	}
	return group
}
