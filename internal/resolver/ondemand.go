package resolver

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"styx-dpi/internal/metrics"
)

// OnDemandConfig sizes the lookup worker pool.
type OnDemandConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds a single lookup. A lookup that runs out of time is
	// recorded as unresolved.
	Timeout time.Duration
}

// OnDemand resolves local peers in the background. Each address is looked up
// at most once; the outcome, positive or negative, is memoized in the cache.
type OnDemand struct {
	cache   *Cache
	backend Backend
	timeout time.Duration
	log     logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[netip.Addr]struct{}
	queue    chan netip.Addr
	workerWg sync.WaitGroup
}

// NewOnDemand starts cfg.Workers lookup workers.
func NewOnDemand(cache *Cache, backend Backend, cfg OnDemandConfig, log logrus.FieldLogger) *OnDemand {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &OnDemand{
		cache:    cache,
		backend:  backend,
		timeout:  cfg.Timeout,
		log:      log.WithField("component", "ondemand"),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[netip.Addr]struct{}),
		queue:    make(chan netip.Addr, cfg.QueueSize),
	}
	o.workerWg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go o.worker()
	}
	return o
}

// Request schedules a lookup of addr and returns immediately. It reports
// whether a new lookup was queued; addresses already cached or in flight are
// ignored, and a full queue drops the request so a later packet can retry.
func (o *OnDemand) Request(addr netip.Addr) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	if _, ok := o.inflight[addr]; ok {
		return false
	}
	if _, ok := o.cache.Settle(addr); ok {
		return false
	}

	select {
	case o.queue <- addr:
		o.inflight[addr] = struct{}{}
		return true
	default:
		metrics.LookupsTotal.WithLabelValues("dropped").Inc()
		o.log.WithField("addr", addr).Debug("lookup queue full, request dropped")
		return false
	}
}

// Close stops accepting requests, abandons queued lookups and waits for the
// workers to exit.
func (o *OnDemand) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()

	o.cancel()
	o.workerWg.Wait()
}

func (o *OnDemand) worker() {
	defer o.workerWg.Done()
	for addr := range o.queue {
		o.resolve(addr)
	}
}

func (o *OnDemand) resolve(addr netip.Addr) {
	defer func() {
		o.mu.Lock()
		delete(o.inflight, addr)
		o.mu.Unlock()
	}()

	if o.ctx.Err() != nil {
		return
	}
	// A passive reply may have landed while the request was queued.
	if _, ok := o.cache.Settle(addr); ok {
		return
	}

	name, err := o.lookup(addr)
	if o.ctx.Err() != nil {
		return
	}

	entry := Entry{}
	if err == nil && name != "" {
		entry = Entry{Domain: name, Resolved: true}
		metrics.LookupsTotal.WithLabelValues("resolved").Inc()
		o.log.WithFields(logrus.Fields{"addr": addr, "name": name}).Debug("resolved local peer")
	} else {
		metrics.LookupsTotal.WithLabelValues("unresolved").Inc()
		o.log.WithField("addr", addr).WithError(err).Debug("local peer unresolved")
	}
	o.cache.Store(addr, entry)
}

type lookupResult struct {
	name string
	err  error
}

// lookup runs the backend under the per-lookup timeout. The result is
// abandoned when the backend does not honour the deadline.
func (o *OnDemand) lookup(addr netip.Addr) (string, error) {
	ctx := o.ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(o.ctx, o.timeout)
		defer cancel()
	}

	res := make(chan lookupResult, 1)
	go func() {
		name, err := o.backend.Lookup(ctx, addr)
		res <- lookupResult{name: name, err: err}
	}()

	select {
	case r := <-res:
		return r.name, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
