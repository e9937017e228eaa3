// Package sharding locates the single live instance of a cart across nodes.
//
// Ownership of a cart is a lease in a LeaseRegistry: the node that wins the
// lease runs the entity, every other node forwards to it. Within a node a
// mutex per cart serialises activation, so a cart never has two live
// entities on the same node, and the lease keeps it from having one on two
// nodes. The journal's sequence check stays as the backstop for the window
// in which a lease expires under a node that has not noticed yet.
package sharding

import (
	"context"
	"sync"
	"time"
)

// LeaseRegistry is a compare-and-swap store of cart ownership.
type LeaseRegistry interface {
	// Acquire takes the lease for key if it is free and returns the current
	// owner, which is owner itself when the caller won or already held it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (string, error)

	// Renew extends a lease held by owner. It reports false when the lease
	// expired or belongs to someone else.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release drops the lease if owner holds it.
	Release(ctx context.Context, key, owner string) error
}

type lease struct {
	owner   string
	expires time.Time
}

// LocalRegistry is a LeaseRegistry for a single process.
type LocalRegistry struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewLocalRegistry creates an empty in-process registry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{leases: make(map[string]lease), now: time.Now}
}

// Acquire implements LeaseRegistry.
func (r *LocalRegistry) Acquire(_ context.Context, key, owner string, ttl time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if l, ok := r.leases[key]; ok && now.Before(l.expires) {
		if l.owner == owner {
			r.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
		}
		return l.owner, nil
	}
	r.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
	return owner, nil
}

// Renew implements LeaseRegistry.
func (r *LocalRegistry) Renew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	l, ok := r.leases[key]
	if !ok || l.owner != owner || !now.Before(l.expires) {
		return false, nil
	}
	r.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Release implements LeaseRegistry.
func (r *LocalRegistry) Release(_ context.Context, key, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.leases[key]; ok && l.owner == owner {
		delete(r.leases, key)
	}
	return nil
}
