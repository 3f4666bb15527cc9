// Package flowaggregator accumulates classified packets into per-flow byte
// counters for the current window.
package flowaggregator

import (
	"net/netip"
	"sync"
	"time"

	"styx-dpi/internal/engine/classifier"
	"styx-dpi/internal/model"
)

// DomainSource returns the known name of an address without blocking. local
// reports whether the address is inside the local network.
type DomainSource interface {
	Domain(addr netip.Addr, local bool) (string, bool)
}

// Table holds the accumulators of one window.
type Table map[model.FlowKey]*model.FlowAccumulator

// FlowAggregator owns a live table that packets are added to and a spare
// table. Swap exchanges them under the same lock as Add, so every packet
// lands in exactly one window.
type FlowAggregator struct {
	mu      sync.Mutex
	flows   Table
	spare   Table
	domains DomainSource
}

// NewFlowAggregator creates an aggregator. domains may be nil.
func NewFlowAggregator(domains DomainSource) *FlowAggregator {
	return &FlowAggregator{
		flows:   make(Table),
		domains: domains,
	}
}

// Add folds one classified packet observed at ts into its flow.
func (fa *FlowAggregator) Add(r classifier.Result, ts time.Time) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	acc, ok := fa.flows[r.Key]
	if !ok {
		acc = &model.FlowAccumulator{Key: r.Key, FirstSeen: ts}
		fa.flows[r.Key] = acc
	}
	acc.SentBytes += r.Sent
	acc.ReceivedBytes += r.Received
	acc.Packets++
	acc.LastSeen = ts

	// The first port seen sticks unless a well-known service port shows up.
	switch {
	case !acc.ServicePort && r.Service != 0:
		acc.Port = r.Service
		acc.ServicePort = true
	case acc.Port == 0:
		acc.Port = r.Port
	}

	if acc.Domain == "" && fa.domains != nil {
		if name, ok := fa.domains.Domain(r.Key.Remote, r.Direction == model.Internal); ok {
			acc.Domain = name
		}
	}
}

// Swap returns the live table and replaces it with an empty one.
func (fa *FlowAggregator) Swap() Table {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	full := fa.flows
	if fa.spare != nil {
		fa.flows, fa.spare = fa.spare, nil
	} else {
		fa.flows = make(Table, len(full))
	}
	return full
}

// Recycle hands a flushed table back for reuse by a later Swap. The caller
// must not touch t afterwards.
func (fa *FlowAggregator) Recycle(t Table) {
	clear(t)
	fa.mu.Lock()
	if fa.spare == nil {
		fa.spare = t
	}
	fa.mu.Unlock()
}

// Len returns the number of flows in the live table.
func (fa *FlowAggregator) Len() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.flows)
}
