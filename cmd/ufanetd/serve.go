package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/trymwestin/ufanet/internal/httpapi"
	"github.com/trymwestin/ufanet/internal/metrics"
	"github.com/trymwestin/ufanet/internal/mqtt"
)

const shutdownTimeout = 20 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the poller, HTTP API and MQTT bridge",
		Long: `Start polling the account and serve the HTTP API until interrupted.

The first poll runs immediately; later polls follow ufanet.poll_interval.
With mqtt.enabled, favorites are announced to Home Assistant as door
buttons and status sensors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags, cmd)
		},
	}
}

func runServe(ctx context.Context, flags *globalFlags, cmd *cobra.Command) error {
	cfg, log, err := loadConfig(flags, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	m := metrics.New("ufanet")
	svc, err := newService(cfg, m, log)
	if err != nil {
		return err
	}

	var pub mqtt.Publisher = mqtt.NewStubPublisher(log.With("component", "mqtt"))
	if cfg.MQTT.Enabled {
		pub = mqtt.NewHAPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			DeviceID:    cfg.MQTT.DeviceID,
		}, svc.Doors, svc.Snapshots, svc.Bus, log.With("component", "mqtt"))
	}

	api := httpapi.NewServer(svc.Coordinator, svc.Doors, svc.Tokens, svc.Bus, m.Handler(), cfg.HTTP.CORSAll, log.With("component", "http"))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	// Stop drains the in-flight cycle; the signal context must not cut it short.
	if err := svc.Coordinator.Start(context.WithoutCancel(ctx)); err != nil {
		_ = pub.Stop(context.Background())
		return fmt.Errorf("serve: %w", err)
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-srvErr:
		if err != nil {
			runErr = fmt.Errorf("serve: http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := svc.Coordinator.Stop(shutdownCtx); err != nil {
		log.Warn("coordinator did not stop cleanly", "error", err)
	}
	if err := pub.Stop(shutdownCtx); err != nil {
		log.Warn("MQTT publisher did not stop cleanly", "error", err)
	}
	log.Info("stopped")
	return runErr
}
