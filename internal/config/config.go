package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. STYX_AGGREGATOR_FLUSH_INTERVAL for aggregator.flush_interval.
const EnvPrefix = "STYX"

// CaptureConfig selects the capture feed.
type CaptureConfig struct {
	// Type is one of "command", "stdin", "file" or "pcap".
	Type string `mapstructure:"type" yaml:"type"`
	// Command is the capture tool invocation; {interface} is substituted.
	Command string `mapstructure:"command" yaml:"command"`
	// Path is the input file for the "file" and "pcap" types.
	Path string `mapstructure:"path" yaml:"path"`
}

// ResolverConfig holds the domain resolver settings.
type ResolverConfig struct {
	DNSLogPath     string        `mapstructure:"dns_log_path" yaml:"dns_log_path"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	CacheSize      uint32        `mapstructure:"cache_size" yaml:"cache_size"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	LookupTimeout  time.Duration `mapstructure:"lookup_timeout" yaml:"lookup_timeout"`
	Workers        int           `mapstructure:"workers" yaml:"workers"`
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
	ReverseDNS     bool          `mapstructure:"reverse_dns" yaml:"reverse_dns"`
	NBTScanCommand string        `mapstructure:"nbtscan_command" yaml:"nbtscan_command"`
}

// AggregatorConfig holds the configuration for the flow aggregator.
type AggregatorConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// SQLiteConfig holds the sqlite writer settings.
type SQLiteConfig struct {
	Path  string `mapstructure:"path" yaml:"path"`
	NewDB bool   `mapstructure:"new_db" yaml:"new_db"`
}

// ClickHouseConfig holds the connection details for ClickHouse.
type ClickHouseConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Database string `mapstructure:"database" yaml:"database"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"-"`
}

// SnapshotConfig configures the file snapshot writer.
type SnapshotConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// StoreConfig selects and configures the persistence writer.
type StoreConfig struct {
	Type                   string           `mapstructure:"type" yaml:"type"`
	MaxRetries             uint64           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxConsecutiveFailures int              `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	SQLite                 SQLiteConfig     `mapstructure:"sqlite" yaml:"sqlite"`
	ClickHouse             ClickHouseConfig `mapstructure:"clickhouse" yaml:"clickhouse"`
	Snapshot               SnapshotConfig   `mapstructure:"snapshot" yaml:"snapshot"`
}

// NATSConfig configures the optional window publisher.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LogFileConfig configures rotating file output.
type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string        `mapstructure:"level" yaml:"level"`
	Format string        `mapstructure:"format" yaml:"format"`
	File   LogFileConfig `mapstructure:"file" yaml:"file"`
}

// APIConfig configures the read-only query service.
type APIConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Interface     string           `mapstructure:"interface" yaml:"interface"`
	LocalNetworks []string         `mapstructure:"local_networks" yaml:"local_networks"`
	Debug         bool             `mapstructure:"debug" yaml:"debug"`
	Capture       CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	Resolver      ResolverConfig   `mapstructure:"resolver" yaml:"resolver"`
	Aggregator    AggregatorConfig `mapstructure:"aggregator" yaml:"aggregator"`
	Store         StoreConfig      `mapstructure:"store" yaml:"store"`
	NATS          NATSConfig       `mapstructure:"nats" yaml:"nats"`
	Metrics       MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Log           LogConfig        `mapstructure:"log" yaml:"log"`
	API           APIConfig        `mapstructure:"api" yaml:"api"`
}

// ValidationError reports a configuration that cannot start the process.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Key, e.Reason)
}

// New returns a viper instance with every default registered and environment
// overrides enabled. Callers may bind flags on it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers default values for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("interface", "wlan0")
	v.SetDefault("local_networks", []string{})
	v.SetDefault("debug", false)

	v.SetDefault("capture.type", "command")
	v.SetDefault("capture.command", "tcpdump -i {interface} -n -nn -l")
	v.SetDefault("capture.path", "")

	v.SetDefault("resolver.dns_log_path", "/app/log/pihole.log")
	v.SetDefault("resolver.poll_interval", time.Second)
	v.SetDefault("resolver.cache_size", 65536)
	v.SetDefault("resolver.cache_ttl", time.Duration(0))
	v.SetDefault("resolver.lookup_timeout", 5*time.Second)
	v.SetDefault("resolver.workers", 4)
	v.SetDefault("resolver.queue_size", 256)
	v.SetDefault("resolver.reverse_dns", true)
	v.SetDefault("resolver.nbtscan_command", "nbtscan")

	v.SetDefault("aggregator.flush_interval", time.Second)

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.max_retries", 2)
	v.SetDefault("store.max_consecutive_failures", 3)
	v.SetDefault("store.sqlite.path", "data/styx-dpi.db")
	v.SetDefault("store.sqlite.new_db", false)
	v.SetDefault("store.clickhouse.host", "localhost")
	v.SetDefault("store.clickhouse.port", 9000)
	v.SetDefault("store.clickhouse.database", "default")
	v.SetDefault("store.snapshot.path", "data/snapshots")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "styx.traffic")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9108")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "log/styx-dpi.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("api.listen", "0.0.0.0:8192")
}

// Load reads the optional config file into v and unmarshals the result.
// It does not validate; call Validate before starting any task.
func Load(v *viper.Viper, filePath string) (*Config, error) {
	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Debug {
		cfg.Log.Level = "debug"
	}
	return &cfg, nil
}

// LoadConfig is a convenience wrapper loading defaults, environment and an optional file.
func LoadConfig(filePath string) (*Config, error) {
	return Load(New(), filePath)
}

// Validate checks the settings needed before either long-running task begins.
func (c *Config) Validate() error {
	var errs []error
	if c.Interface == "" && len(c.LocalNetworks) == 0 {
		errs = append(errs, &ValidationError{Key: "interface", Reason: "an interface or local_networks is required"})
	}
	if _, err := c.Networks(); err != nil {
		errs = append(errs, &ValidationError{Key: "local_networks", Reason: err.Error()})
	}
	switch c.Capture.Type {
	case "command":
		if strings.TrimSpace(c.Capture.Command) == "" {
			errs = append(errs, &ValidationError{Key: "capture.command", Reason: "must not be empty"})
		}
	case "stdin":
	case "file", "pcap":
		if c.Capture.Path == "" {
			errs = append(errs, &ValidationError{Key: "capture.path", Reason: "required for capture type " + c.Capture.Type})
		}
	default:
		errs = append(errs, &ValidationError{Key: "capture.type", Reason: fmt.Sprintf("unknown capture type %q", c.Capture.Type)})
	}
	if c.Aggregator.FlushInterval <= 0 {
		errs = append(errs, &ValidationError{Key: "aggregator.flush_interval", Reason: "must be a positive duration"})
	}
	if c.Resolver.DNSLogPath == "" {
		errs = append(errs, &ValidationError{Key: "resolver.dns_log_path", Reason: "must not be empty"})
	}
	if c.Resolver.PollInterval <= 0 {
		errs = append(errs, &ValidationError{Key: "resolver.poll_interval", Reason: "must be a positive duration"})
	}
	if c.Resolver.LookupTimeout <= 0 {
		errs = append(errs, &ValidationError{Key: "resolver.lookup_timeout", Reason: "must be a positive duration"})
	}
	if c.Resolver.CacheSize == 0 {
		errs = append(errs, &ValidationError{Key: "resolver.cache_size", Reason: "must be greater than zero"})
	}
	if c.Resolver.Workers <= 0 {
		errs = append(errs, &ValidationError{Key: "resolver.workers", Reason: "must be greater than zero"})
	}
	if c.Resolver.QueueSize <= 0 {
		errs = append(errs, &ValidationError{Key: "resolver.queue_size", Reason: "must be greater than zero"})
	}
	switch c.Store.Type {
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			errs = append(errs, &ValidationError{Key: "store.sqlite.path", Reason: "must not be empty"})
		}
	case "clickhouse":
		if c.Store.ClickHouse.Host == "" || c.Store.ClickHouse.Port <= 0 {
			errs = append(errs, &ValidationError{Key: "store.clickhouse", Reason: "host and port are required"})
		}
	case "snapshot":
		if c.Store.Snapshot.Path == "" {
			errs = append(errs, &ValidationError{Key: "store.snapshot.path", Reason: "must not be empty"})
		}
	default:
		errs = append(errs, &ValidationError{Key: "store.type", Reason: fmt.Sprintf("unknown store type %q", c.Store.Type)})
	}
	if c.Store.MaxConsecutiveFailures <= 0 {
		errs = append(errs, &ValidationError{Key: "store.max_consecutive_failures", Reason: "must be greater than zero"})
	}
	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Subject == "") {
		errs = append(errs, &ValidationError{Key: "nats", Reason: "url and subject are required when enabled"})
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, &ValidationError{Key: "log.level", Reason: fmt.Sprintf("unknown level %q", c.Log.Level)})
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, &ValidationError{Key: "log.format", Reason: "must be text or json"})
	}
	return errors.Join(errs...)
}

// Networks parses the configured local_networks override.
func (c *Config) Networks() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.LocalNetworks))
	for _, s := range c.LocalNetworks {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("bad prefix %q: %w", s, err)
		}
		if !p.Addr().Is4() {
			return nil, fmt.Errorf("prefix %q is not IPv4", s)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

// CaptureCommand returns the capture command with the interface substituted.
func (c *Config) CaptureCommand() string {
	return strings.ReplaceAll(c.Capture.Command, "{interface}", c.Interface)
}

// Marshal renders the effective configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config YAML: %w", err)
	}
	return out, nil
}
