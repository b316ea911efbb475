package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	_ "go.uber.org/automaxprocs"

	"github.com/socialpulse/realtime/internal/auth"
	"github.com/socialpulse/realtime/internal/cluster"
	"github.com/socialpulse/realtime/internal/compression"
	"github.com/socialpulse/realtime/internal/config"
	"github.com/socialpulse/realtime/internal/events"
	"github.com/socialpulse/realtime/internal/logging"
	"github.com/socialpulse/realtime/internal/perfmetrics"
	"github.com/socialpulse/realtime/internal/pool"
	"github.com/socialpulse/realtime/internal/server"
	"github.com/socialpulse/realtime/internal/sysmon"
	"github.com/socialpulse/realtime/internal/transport"
	"github.com/socialpulse/realtime/internal/types"
)

func main() {
	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Configuration failed")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	if cfg.ServerID == "" {
		hostname, _ := os.Hostname()
		cfg.ServerID = hostname
	}

	clock := clockwork.NewRealClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := sysmon.New(logger)
	monitor.Start(ctx, 10*time.Second)

	collectors := perfmetrics.NewCollectors()
	metrics := perfmetrics.NewEngine(perfmetrics.DefaultThresholds(), collectors, clock, logger)
	metrics.StartSnapshots(ctx, cfg.SnapshotInterval)
	metrics.OnAlert(func(alert types.Alert) {
		logger.Warn().
			Str("alert", alert.Type).
			Str("severity", string(alert.Severity)).
			Float64("value", alert.Value).
			Float64("threshold", alert.Threshold).
			Msg(alert.Message)
	})

	tracker := compression.NewTracker(compression.TrackerConfig{
		TimeCeiling: cfg.CompressionCeiling,
	}, clock, logger)
	tracker.OnAlert(func(alert types.Alert) {
		logger.Warn().
			Str("alert", alert.Type).
			Str("severity", string(alert.Severity)).
			Float64("value", alert.Value).
			Msg(alert.Message)
	})
	engine := compression.NewEngine(compression.EngineConfig{
		Enabled:   cfg.CompressionEnabled,
		Level:     cfg.CompressionLevel,
		Threshold: cfg.CompressionMinSize,
		Workers:   cfg.CompressionWorkers,
	}, tracker, monitor.LoadFactor, clock, logger)

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	gate := auth.NewGate(verifier, auth.GateConfig{
		MaxAttempts: cfg.MaxAuthAttempts,
		Window:      cfg.AuthWindow,
	}, clock, logger)
	gate.Revocations().StartPurge(ctx, 10*time.Minute)

	connPool := pool.New(pool.Config{
		MaxConnections:        cfg.MaxConnections,
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		WorkerCount:           cfg.WorkerCount,
		LoadBalancing:         cfg.LoadBalancing,
		RebalanceThreshold:    cfg.RebalanceThreshold,
		IdleTimeout:           cfg.IdleTimeout,
		DrainTimeout:          cfg.DrainTimeout,
	}, clock, logger)
	connPool.StartSweep(ctx, time.Minute)

	var clusterManager *cluster.Manager
	var bus *cluster.RedisBus
	if cfg.ClusterEnabled {
		bus, err = cluster.NewRedisBus(cfg.RedisURL, cfg.ReconnectBackoff, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid Redis URL")
		}
		if err := bus.Ping(ctx); err != nil {
			// Start anyway: the bus retries in the background and local
			// operation is unaffected.
			logger.Warn().Err(err).Msg("Cluster bus unreachable at startup")
		}

		clusterManager = cluster.NewManager(cluster.Config{
			ServerID:          cfg.ServerID,
			ServerURL:         cfg.ServerURL,
			MaxConnections:    cfg.MaxConnections,
			HeartbeatInterval: cfg.HeartbeatEvery,
			FailureTimeout:    cfg.FailureTimeout,
			BackupTTL:         cfg.BackupTTL,
		}, bus, func() (int, float64, float64) {
			sample := monitor.Current()
			return connPool.Count(), sample.CPUPercent, sample.MemoryPercent
		}, clock, logger)
	}

	srv := server.New(server.Options{
		Gate:    gate,
		Pool:    connPool,
		Cluster: clusterManager,
		Engine:  engine,
		Metrics: metrics,
		Clock:   clock,
		Logger:  logger,
		HubConfig: transport.HubConfig{
			UpgradeRate:  float64(cfg.MaxConnections) / 10,
			UpgradeBurst: cfg.MaxConnections / 10,
		},
	})

	if clusterManager != nil {
		if err := clusterManager.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("Cluster manager start failed, running single-node")
		}
	}

	// Mirror slow-moving gauges into the scrape registry.
	go func() {
		ticker := time.NewTicker(cfg.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collectors.CompressionRatio.Set(tracker.Aggregate().AvgRatio)
				gateStats := gate.Stats()
				collectors.AuthAttempts.Set(float64(gateStats.Attempts))
				collectors.AuthRateLimited.Set(float64(gateStats.RateLimited))
				collectors.AuthRevoked.Set(float64(gateStats.Revoked))
				gate.CleanupWindows()
				if clusterManager != nil {
					collectors.ClusterNodes.Set(float64(clusterManager.NodeCount()))
				}
			}
		}
	}()

	var subscriber *events.Subscriber
	if cfg.NATSEnabled {
		subscriber, err = events.NewSubscriber(events.SubscriberConfig{URL: cfg.NATSURL}, srv.HandleDomainEvent, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Upstream event bus unavailable, no inbound events")
		} else if err := subscriber.Start(); err != nil {
			logger.Error().Err(err).Msg("Upstream subscription failed")
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", srv.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpServer := &http.Server{Addr: cfg.Addr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", collectors.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Distribution server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics endpoint listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	// Block until shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+10*time.Second)
	defer shutdownCancel()

	if subscriber != nil {
		subscriber.Close()
	}

	forced := srv.Shutdown(shutdownCtx)
	logger.Info().Int("force_closed", forced).Msg("Drain complete")

	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	cancel()
	if bus != nil {
		bus.Close()
	}

	logger.Info().Msg("Shutdown complete")
}
