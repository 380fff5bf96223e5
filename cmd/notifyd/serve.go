package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/notifyd/internal/config"
	"github.com/alfredjeanlab/notifyd/internal/daemon"
	"github.com/alfredjeanlab/notifyd/internal/events"
	"github.com/alfredjeanlab/notifyd/internal/logging"
	"github.com/alfredjeanlab/notifyd/internal/metrics"
	"github.com/alfredjeanlab/notifyd/internal/store"
	"github.com/alfredjeanlab/notifyd/internal/store/postgres"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notification daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m := metrics.New(reg)

		var publisher events.Publisher
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				return err
			}
			publisher = pub
			logger.Info("event mirror enabled", "nats_url", cfg.NATSURL)
		} else {
			publisher = &events.NoopPublisher{}
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Error("error closing publisher", "err", err)
			}
		}()

		d := daemon.New(daemon.Options{
			Config:    cfg,
			Logger:    logger,
			Metrics:   m,
			Publisher: publisher,
			OpenStore: func(ctx context.Context) (store.Store, error) {
				s, err := postgres.New(ctx, cfg.DatabaseURL)
				if err != nil {
					return nil, err
				}
				return s, nil
			},
		})

		if cfg.MetricsAddr != "" {
			metricsServer := &http.Server{
				Addr:              cfg.MetricsAddr,
				Handler:           metrics.Handler(reg, d.Healthy),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				logger.Info("metrics server listening", "addr", cfg.MetricsAddr)
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server error", "err", err)
				}
			}()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := metricsServer.Shutdown(ctx); err != nil {
					logger.Error("metrics server shutdown error", "err", err)
				}
			}()
		}

		logger.Info("notifyd starting", "version", version, "listen", cfg.ListenAddr(), "path", cfg.StreamPath)
		return d.Run(cmd.Context())
	},
}
