package resolver

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
)

// Entry is a cached resolution outcome. An entry with Resolved unset is the
// negative sentinel: the address was looked up and no name was found.
type Entry struct {
	Domain   string
	Resolved bool
}

// Cache maps IPv4 addresses to domain names. Passive names live in a bounded
// LRU that may evict or expire them. Outcomes for local peers are settled in
// a separate map that is never evicted, so a peer is looked up at most once
// per run. Writers are serialized so an on-demand result can never replace a
// positive entry.
type Cache struct {
	mu  sync.Mutex
	lru *freelru.SyncedLRU[netip.Addr, Entry]

	settledMu sync.RWMutex
	settled   map[netip.Addr]Entry
}

func hashAddr(addr netip.Addr) uint32 {
	b := addr.As16()
	return uint32(xxhash.Sum64(b[:])) //nolint:gosec
}

// NewCache creates a cache holding up to size passive entries. A ttl of zero
// keeps them until they are evicted by size.
func NewCache(size uint32, ttl time.Duration) (*Cache, error) {
	lru, err := freelru.NewSynced[netip.Addr, Entry](size, hashAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create domain cache: %w", err)
	}
	if ttl > 0 {
		lru.SetLifetime(ttl)
	}
	return &Cache{lru: lru, settled: make(map[netip.Addr]Entry)}, nil
}

// Get returns the entry for addr. ok is false when addr was never resolved.
func (c *Cache) Get(addr netip.Addr) (Entry, bool) {
	if e, ok := c.lru.Get(addr); ok {
		return e, true
	}
	return c.settledEntry(addr)
}

// Settle returns the entry for a local peer and pins it, so the name survives
// eviction of the passive entry it came from.
func (c *Cache) Settle(addr netip.Addr) (Entry, bool) {
	if e, ok := c.settledEntry(addr); ok {
		return e, true
	}
	if _, ok := c.lru.Get(addr); !ok {
		return Entry{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(addr)
	if !ok {
		return Entry{}, false
	}
	c.settledMu.Lock()
	c.settled[addr] = e
	c.settledMu.Unlock()
	return e, true
}

func (c *Cache) settledEntry(addr netip.Addr) (Entry, bool) {
	c.settledMu.RLock()
	defer c.settledMu.RUnlock()
	e, ok := c.settled[addr]
	return e, ok
}

// Domain returns the resolved name for addr, if any.
func (c *Cache) Domain(addr netip.Addr) (string, bool) {
	e, ok := c.Get(addr)
	if !ok || !e.Resolved {
		return "", false
	}
	return e.Domain, true
}

// Set records a name learned from DNS traffic. The last write wins.
func (c *Cache) Set(addr netip.Addr, domain string) {
	e := Entry{Domain: domain, Resolved: true}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(addr, e)

	c.settledMu.Lock()
	if _, ok := c.settled[addr]; ok {
		c.settled[addr] = e
	}
	c.settledMu.Unlock()
}

// Store settles the outcome of an on-demand lookup. It reports false and
// keeps the existing name when addr already has a positive entry.
func (c *Cache) Store(addr netip.Addr, e Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settledMu.Lock()
	defer c.settledMu.Unlock()

	if cur, ok := c.lru.Peek(addr); ok && cur.Resolved {
		c.settled[addr] = cur
		return false
	}
	if cur, ok := c.settled[addr]; ok && cur.Resolved {
		return false
	}
	c.settled[addr] = e
	return true
}

// Len returns the number of passive entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Settled returns the number of settled local peers.
func (c *Cache) Settled() int {
	c.settledMu.RLock()
	defer c.settledMu.RUnlock()
	return len(c.settled)
}
