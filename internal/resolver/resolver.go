// Package resolver maps remote addresses to domain names. Names are learned
// passively from a DNS resolver log and, for peers on the local network,
// looked up on demand in the background.
package resolver

import "net/netip"

// Resolver is the hot-path view of the domain cache.
type Resolver struct {
	cache    *Cache
	onDemand *OnDemand
}

// New creates a resolver over cache. onDemand may be nil to disable lookups.
func New(cache *Cache, onDemand *OnDemand) *Resolver {
	return &Resolver{cache: cache, onDemand: onDemand}
}

// Domain returns the cached name of addr without blocking. When local is set
// and addr has never been resolved, a background lookup is scheduled. A local
// peer's outcome is settled on first sight and outlives passive eviction.
func (r *Resolver) Domain(addr netip.Addr, local bool) (string, bool) {
	if !local {
		e, ok := r.cache.Get(addr)
		return e.Domain, ok && e.Resolved
	}
	if e, ok := r.cache.Settle(addr); ok {
		return e.Domain, e.Resolved
	}
	if r.onDemand != nil {
		r.onDemand.Request(addr)
	}
	return "", false
}

// Cache returns the underlying cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}
