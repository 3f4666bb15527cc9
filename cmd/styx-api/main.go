package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"styx-dpi/internal/config"
	"styx-dpi/internal/log"
	"styx-dpi/internal/query"
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
		Use:   "styx-api",
		Short: "Read-only traffic summary API",
		Long: `styx-api serves grouped byte totals from the traffic store.

Endpoints (GET): /v1/domain, /v1/ip, /v1/interface, /v1/local, /v1/remote
Parameters: start_date, start_time, end_date, end_time, timezone, relative
(<n>[smhdy], exclusive with the absolute parameters) and client.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			logger, err := log.New(cfg.Log)
			if err != nil {
				return err
			}

			querier, err := query.New(cfg.Store)
			if err != nil {
				return fmt.Errorf("failed to create querier: %w", err)
			}
			defer querier.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			handler := query.NewHandler(querier, logger)
			if err := query.Serve(ctx, cfg.API.Listen, handler.Router(), logger.WithField("component", "api")); err != nil {
				return err
			}
			logger.Info("API server exited.")
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "config file path")
	flags.String("db-path", "data/styx-dpi.db", "path to the SQLite database")
	flags.String("listen", "0.0.0.0:8192", "address to listen for connections")
	flags.Bool("debug", false, "enable debug logging")
	for flag, key := range map[string]string{
		"db-path": "store.sqlite.path",
		"listen":  "api.listen",
		"debug":   "debug",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	_ = v.BindEnv("store.sqlite.path", config.EnvPrefix+"_STORE_SQLITE_PATH", "DB_PATH")
	return rootCmd
}
