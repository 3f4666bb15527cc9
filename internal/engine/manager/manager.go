package manager

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"styx-dpi/internal/capture"
	"styx-dpi/internal/config"
	"styx-dpi/internal/engine/classifier"
	"styx-dpi/internal/engine/flowaggregator"
	"styx-dpi/internal/engine/pipeline"
	"styx-dpi/internal/factory"
	"styx-dpi/internal/metrics"
	"styx-dpi/internal/model"
	"styx-dpi/internal/probe"
	"styx-dpi/internal/resolver"
	"styx-dpi/internal/sink"
	_ "styx-dpi/internal/writer/clickhouse" // Registers the clickhouse store
	_ "styx-dpi/internal/writer/snapshot"   // Registers the snapshot store
	_ "styx-dpi/internal/writer/sqlite"     // Registers the sqlite store
)

type options struct {
	feed    capture.Feed
	backend resolver.Backend
	writer  model.Writer
}

// Option overrides a component the manager would otherwise build from config.
type Option func(*options)

// WithFeed replaces the configured capture feed.
func WithFeed(f capture.Feed) Option {
	return func(o *options) { o.feed = f }
}

// WithBackend replaces the reverse lookup backends.
func WithBackend(b resolver.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithWriter replaces the configured store writer.
func WithWriter(w model.Writer) Option {
	return func(o *options) { o.writer = w }
}

// Manager wires the resolver feed and the capture pipeline together and owns
// their shutdown.
type Manager struct {
	log      logrus.FieldLogger
	cache    *resolver.Cache
	onDemand *resolver.OnDemand
	tailer   *resolver.LogTailer
	pipeline *pipeline.Pipeline
	sink     *sink.Sink
	metrics  *metrics.Server
}

// NewManager builds every component from cfg. Any configuration problem is
// reported here, before a task starts.
func NewManager(cfg *config.Config, log logrus.FieldLogger, opts ...Option) (m *Manager, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	networks, err := localNetworks(cfg)
	if err != nil {
		return nil, err
	}
	cls, err := classifier.New(networks...)
	if err != nil {
		return nil, err
	}
	log.WithField("networks", networks).Info("local networks")

	cache, err := resolver.NewCache(cfg.Resolver.CacheSize, cfg.Resolver.CacheTTL)
	if err != nil {
		return nil, err
	}

	backend := o.backend
	if backend == nil {
		backend, err = buildBackend(cfg.Resolver)
		if err != nil {
			return nil, err
		}
	}

	feed := o.feed
	if feed == nil {
		feed, err = buildFeed(cfg, log)
		if err != nil {
			return nil, err
		}
	}

	writer := o.writer
	if writer == nil {
		writer, err = factory.Create(cfg, log)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		if err != nil {
			_ = writer.Close()
		}
	}()

	var publisher model.Publisher
	if cfg.NATS.Enabled {
		publisher, err = probe.NewPublisher(cfg.NATS, log)
		if err != nil {
			return nil, err
		}
	}

	m = &Manager{log: log.WithField("component", "manager"), cache: cache}
	if backend != nil {
		m.onDemand = resolver.NewOnDemand(cache, backend, resolver.OnDemandConfig{
			Workers:   cfg.Resolver.Workers,
			QueueSize: cfg.Resolver.QueueSize,
			Timeout:   cfg.Resolver.LookupTimeout,
		}, log)
	}
	m.tailer = resolver.NewLogTailer(cfg.Resolver.DNSLogPath, cfg.Resolver.PollInterval, cache, log)

	agg := flowaggregator.NewFlowAggregator(resolver.New(cache, m.onDemand))
	m.sink = sink.New(writer, publisher, sink.Config{
		MaxRetries:             cfg.Store.MaxRetries,
		MaxConsecutiveFailures: cfg.Store.MaxConsecutiveFailures,
	}, log)
	m.pipeline = pipeline.New(feed, cls, agg, m.sink, pipeline.Config{FlushInterval: cfg.Aggregator.FlushInterval}, log)

	if cfg.Metrics.Enabled {
		m.metrics = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, log)
	}
	return m, nil
}

func localNetworks(cfg *config.Config) ([]netip.Prefix, error) {
	networks, err := cfg.Networks()
	if err != nil {
		return nil, &config.ValidationError{Key: "local_networks", Reason: err.Error()}
	}
	if len(networks) > 0 {
		return networks, nil
	}
	networks, err = classifier.InterfaceNetworks(cfg.Interface)
	if err != nil {
		return nil, &config.ValidationError{Key: "interface", Reason: err.Error()}
	}
	return networks, nil
}

func buildBackend(cfg config.ResolverConfig) (resolver.Backend, error) {
	var chain resolver.Chain
	if cfg.ReverseDNS {
		chain = append(chain, resolver.ReverseDNS{})
	}
	if cfg.NBTScanCommand != "" {
		nbt, err := resolver.NewNBTScan(cfg.NBTScanCommand, nil)
		if err != nil {
			return nil, &config.ValidationError{Key: "resolver.nbtscan_command", Reason: err.Error()}
		}
		chain = append(chain, nbt)
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

func buildFeed(cfg *config.Config, log logrus.FieldLogger) (capture.Feed, error) {
	switch cfg.Capture.Type {
	case "command":
		return capture.NewCommand(cfg.CaptureCommand(), log)
	case "stdin":
		return capture.NewReader(os.Stdin), nil
	case "file":
		if _, err := os.Stat(cfg.Capture.Path); err != nil {
			return nil, fmt.Errorf("failed to open capture file: %w", err)
		}
		return capture.NewFile(cfg.Capture.Path), nil
	case "pcap":
		if _, err := os.Stat(cfg.Capture.Path); err != nil {
			return nil, fmt.Errorf("failed to open capture file: %w", err)
		}
		return capture.NewPcap(cfg.Capture.Path), nil
	default:
		return nil, &config.ValidationError{Key: "capture.type", Reason: fmt.Sprintf("unknown capture type %q", cfg.Capture.Type)}
	}
}

// Run starts the DNS log tailer, the capture pipeline and, when enabled, the
// metrics server as one supervised group. The first failure stops the rest.
// Resources are released before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	defer m.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := m.tailer.Run(gctx); err != nil {
			return fmt.Errorf("dns log tailer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return m.pipeline.Run(gctx)
	})
	if m.metrics != nil {
		g.Go(func() error {
			return m.metrics.Run(gctx)
		})
	}

	m.log.Info("manager started")
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (m *Manager) close() {
	if m.onDemand != nil {
		m.onDemand.Close()
	}
	if err := m.sink.Close(); err != nil {
		m.log.WithError(err).Warn("failed to close store")
	}
	m.log.Info("manager stopped")
}
