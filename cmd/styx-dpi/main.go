package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"styx-dpi/internal/config"
	"styx-dpi/internal/engine/manager"
	"styx-dpi/internal/engine/pipeline"
	"styx-dpi/internal/log"
	"styx-dpi/internal/model"
	"styx-dpi/internal/probe"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "styx-dpi",
		Short: "Per-flow traffic accounting for a local network",
		Long: `styx-dpi reads a packet capture feed, classifies each packet against the
local address space, names remote peers from the DNS server log, and writes
per-flow byte counters to the store once per flush interval.

Examples:
  styx-dpi --interface eth0                       # capture with tcpdump on eth0
  styx-dpi -c styx.yaml --flush-interval 5s       # config file plus overrides
  STYX_CAPTURE_TYPE=stdin styx-dpi < lines.txt    # read tcpdump lines from stdin`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, configFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file path")
	flags.String("interface", "wlan0", "network interface to monitor")
	flags.String("db-path", "data/styx-dpi.db", "path to the SQLite database")
	flags.String("log-path", "/app/log/pihole.log", "path to the DNS server log")
	flags.Duration("flush-interval", 0, "aggregation window length")
	flags.Bool("debug", false, "enable debug logging")
	flags.Bool("new-db", false, "recreate the database, discarding any existing one")

	bindings := map[string]string{
		"interface":      "interface",
		"db-path":        "store.sqlite.path",
		"log-path":       "resolver.dns_log_path",
		"flush-interval": "aggregator.flush_interval",
		"debug":          "debug",
		"new-db":         "store.sqlite.new_db",
	}
	for flag, key := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	bindLegacyEnv(v)

	rootCmd.AddCommand(newConfigCmd(v, &configFile), newWatchCmd(v, &configFile))
	return rootCmd
}

// bindLegacyEnv keeps the unprefixed variables of earlier deployments working.
func bindLegacyEnv(v *viper.Viper) {
	legacy := map[string]string{
		"interface":             "INTERFACE",
		"store.sqlite.path":     "DB_PATH",
		"resolver.dns_log_path": "LOG_PATH",
	}
	for key, env := range legacy {
		_ = v.BindEnv(key, config.EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}
}

func loadConfig(v *viper.Viper, configFile string) (*config.Config, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	logger, err := log.New(cfg.Log)
	if err != nil {
		return err
	}

	m, err := manager.NewManager(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to start")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"interface": cfg.Interface,
		"capture":   cfg.Capture.Type,
		"store":     cfg.Store.Type,
	}).Info("styx-dpi started")

	err = m.Run(ctx)
	switch {
	case err == nil:
		logger.Info("shutdown complete")
		return nil
	case errors.Is(err, pipeline.ErrFeedEnded) && finiteFeed(cfg.Capture.Type):
		logger.Info("capture input exhausted, shutdown complete")
		return nil
	default:
		logger.WithError(err).Error("stopped on fatal error")
		return err
	}
}

// finiteFeed reports whether the capture type ends on its own.
func finiteFeed(captureType string) bool {
	return captureType == "file" || captureType == "pcap" || captureType == "stdin"
}

func newConfigCmd(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration is not valid: %w", err)
			}
			return nil
		},
	}
}

func newWatchCmd(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print flushed windows published on NATS",
		Long: `Subscribe to the window subject and print every persisted row as it is
published. Requires a running styx-dpi with nats.enabled set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			logger, err := log.New(cfg.Log)
			if err != nil {
				return err
			}

			sub, err := probe.NewSubscriber(cfg.NATS, logger)
			if err != nil {
				return err
			}
			defer sub.Close()

			out := cmd.OutOrStdout()
			err = sub.Start(func(rows []model.TrafficRow) {
				for _, r := range rows {
					domain := "-"
					if r.Domain != nil {
						domain = *r.Domain
					}
					fmt.Fprintf(out, "%s %s %s:%d sent=%d received=%d %s\n",
						r.Timestamp, r.LocalAddress, r.RemoteAddress, r.Port, r.BytesSent, r.BytesReceived, domain)
				}
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
}
