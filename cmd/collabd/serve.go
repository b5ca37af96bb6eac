package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AltairaLabs/CollabKit/pkg/config"
)

// Flag name constants shared by commands
const (
	flagConfig   = "config"
	flagAddr     = "addr"
	flagLedger   = "ledger"
	flagLogLevel = "log-level"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration server",
	Long: `Run the collaboration server. Settings come from the optional
CollabServer manifest, then COLLABD_* environment variables and flags.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadServeConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP(flagConfig, "c", "", "CollabServer manifest (YAML, TOML or JSON)")
	serveCmd.Flags().String(flagAddr, "", "Listen address (overrides spec.server.addr)")
	serveCmd.Flags().String(flagLedger, "", "Ledger backend: memory, redis or sqlite")
	serveCmd.Flags().String(flagLogLevel, "", "Default log level")

	for _, name := range []string{flagConfig, flagAddr, flagLedger, flagLogLevel} {
		_ = viper.BindPFlag(name, serveCmd.Flags().Lookup(name))
	}
}

// loadServeConfig reads the manifest, if any, and applies overrides.
func loadServeConfig() (*config.CollabServerConfig, error) {
	var cfg *config.CollabServerConfig
	if path := viper.GetString(flagConfig); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if addr := viper.GetString(flagAddr); addr != "" {
		cfg.Spec.Server.Addr = addr
	}
	if backend := viper.GetString(flagLedger); backend != "" {
		cfg.Spec.Ledger.Backend = backend
	}
	if level := viper.GetString(flagLogLevel); level != "" {
		cfg.Spec.Logging.DefaultLevel = level
	} else if viper.GetBool("verbose") {
		cfg.Spec.Logging.DefaultLevel = config.LogLevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runServer wires cfg and serves until ctx is cancelled.
func runServer(ctx context.Context, cfg *config.CollabServerConfig) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Spec.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Spec.Server.Addr, errors.Join(err, a.close()))
	}
	return a.serve(ctx, ln)
}
