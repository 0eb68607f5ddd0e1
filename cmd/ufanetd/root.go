package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trymwestin/ufanet/internal/config"
	"github.com/trymwestin/ufanet/internal/metrics"
	"github.com/trymwestin/ufanet/pkg/ufanet"
)

// globalFlags holds the persistent flags shared by every subcommand.
type globalFlags struct {
	Config  string
	Verbose bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "ufanetd",
		Short: "Ufanet intercom and camera bridge",
		Long: `ufanetd keeps a Ufanet account's intercoms, cameras and contract
balance current and exposes them over an HTTP API and Home Assistant MQTT.

Configuration is read from a YAML file and overlaid with UFANET_*
environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("UFANET_CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	root.PersistentFlags().StringVar(&flags.Config, "config", defaultConfig, "Path to configuration file")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newServeCmd(flags),
		newCheckCmd(flags),
		newOpenCmd(flags),
		newSnapshotCmd(flags),
	)
	return root
}

// loadConfig reads and validates the configuration and builds the logger
// it describes.
func loadConfig(flags *globalFlags, stderr io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return cfg, nil, err
	}
	if flags.Verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	log, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

// newLogger builds the slog handler selected by log.level and log.format.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log: level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
}

func newService(cfg config.Config, m *metrics.Metrics, log *slog.Logger) (*ufanet.Service, error) {
	return ufanet.NewService(ufanet.Options{
		APIBase:        cfg.Ufanet.APIBase,
		Contract:       cfg.Ufanet.Contract,
		Password:       cfg.Ufanet.Password,
		PollInterval:   cfg.Ufanet.PollInterval,
		RequestTimeout: cfg.Ufanet.RequestTimeout,
		TokenSkew:      cfg.Ufanet.TokenSkew,
		Metrics:        m,
	}, log)
}
