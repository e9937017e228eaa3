package projection

import (
	"context"

	"shopping-cart-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Group runs a set of projection workers together.
type Group struct {
	projections []*Projection
}

// NewGroup creates a group from workers.
func NewGroup(projections ...*Projection) *Group {
	return &Group{projections: projections}
}

// Add appends workers to the group. It must not be called once Run started.
func (g *Group) Add(projections ...*Projection) {
	g.projections = append(g.projections, projections...)
}

// ForTags builds one worker per tag.
func ForTags(tags []string, build func(tag string) *Projection) []*Projection {
	out := make([]*Projection, 0, len(tags))
	for _, tag := range tags {
		out = append(out, build(tag))
	}
	return out
}

// Len returns the number of workers.
func (g *Group) Len() int {
	return len(g.projections)
}

// Run starts every worker and blocks until ctx is cancelled and all of
// them returned.
func (g *Group) Run(ctx context.Context) error {
	logger := util.GetLogger()
	logger.Info("Starting projections", zap.Int("workers", len(g.projections)))

	eg, ctx := errgroup.WithContext(ctx)
	for _, p := range g.projections {
		p := p
		eg.Go(func() error {
			return p.Run(ctx)
		})
	}
	err := eg.Wait()
	logger.Info("Projections stopped")
	return err
}
