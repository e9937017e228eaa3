package journal

import (
	"fmt"
	"hash/fnv"
)

// DefaultTagCount is the number of projection tags carts are spread over.
const DefaultTagCount = 5

const tagPrefix = "carts"

// Tagger assigns every cart to one of a fixed set of projection tags.
//
// The assignment is a pure function of the cart ID and the tag count, so all
// events of a cart land on the same tag for the lifetime of the cart. Changing
// the tag count on a live system moves existing carts to other tags while their
// history stays under the old ones: projections would miss or reorder events.
// A new tag count therefore needs a full re-tag migration of event_journal and
// a reset of projection_offsets before any node runs with it.
type Tagger struct {
	count int
}

// NewTagger returns a tagger over n tags. n < 1 falls back to DefaultTagCount.
func NewTagger(n int) Tagger {
	if n < 1 {
		n = DefaultTagCount
	}
	return Tagger{count: n}
}

// TagFor returns the tag of a cart.
func (t Tagger) TagFor(cartID string) string {
	return t.tag(t.index(cartID))
}

// Tags returns every tag in index order.
func (t Tagger) Tags() []string {
	tags := make([]string, t.size())
	for i := range tags {
		tags[i] = t.tag(i)
	}
	return tags
}

func (t Tagger) index(cartID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cartID))
	return int(h.Sum32() % uint32(t.size()))
}

func (t Tagger) size() int {
	if t.count < 1 {
		return DefaultTagCount
	}
	return t.count
}

func (t Tagger) tag(i int) string {
	return fmt.Sprintf("%s-%d", tagPrefix, i)
}
