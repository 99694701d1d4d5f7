package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trymwestin/neakasa/internal/config"
	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/auth"
	"github.com/trymwestin/neakasa/internal/core/platform"
	"github.com/trymwestin/neakasa/internal/core/poller"
	"github.com/trymwestin/neakasa/internal/core/registry"
	"github.com/trymwestin/neakasa/internal/core/state"
	"github.com/trymwestin/neakasa/internal/homekit"
	"github.com/trymwestin/neakasa/internal/httpapi"
	"github.com/trymwestin/neakasa/internal/logging"
	"github.com/trymwestin/neakasa/internal/metrics"
	"github.com/trymwestin/neakasa/internal/mqtt"
	"github.com/trymwestin/neakasa/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, configPath)
	},
}

// loadConfig loads, sanitizes and validates the config and builds the logger.
func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("loading config: %w", err)
	}
	warnings := cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	log := logging.New(cfg.Log, version)
	for _, w := range warnings {
		log.Warn("config adjusted", "detail", w)
	}
	return cfg, log, nil
}

func newClient(cfg config.NeakasaConfig, m *metrics.Metrics, log *slog.Logger) *api.Client {
	hc := &http.Client{Timeout: 15 * time.Second}
	if m != nil {
		hc.Transport = m.Transport(http.DefaultTransport)
	}
	return api.NewClient(cfg.APIBase, auth.NewSession(), log.With("component", "api"), api.WithHTTPClient(hc))
}

// platformConfig converts the config section, dropping unknown feature keys.
func platformConfig(cfg config.NeakasaConfig, log *slog.Logger) platform.Config {
	overrides := make([]platform.DeviceOverride, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		o := platform.DeviceOverride{
			IotID:        d.IotID,
			DeviceName:   d.DeviceName,
			Name:         d.Name,
			PollInterval: d.PollInterval,
			Hidden:       d.Hidden,
			Features:     make(map[platform.Feature]bool, len(d.Features)),
		}
		for key, on := range d.Features {
			f := platform.Feature(key)
			if !platform.KnownFeature(f) {
				log.Warn("ignoring unknown feature in device override", "feature", key, "iot_id", d.IotID, "device_name", d.DeviceName)
				continue
			}
			o.Features[f] = on
		}
		overrides = append(overrides, o)
	}

	return platform.Config{
		Username:          cfg.Username,
		Password:          cfg.Password,
		PollInterval:      cfg.PollIntervalDuration(),
		StartupBehavior:   cfg.StartupBehavior,
		StartupDelay:      cfg.StartupDelayDuration(),
		DiscoveryInterval: cfg.DiscoveryIntervalDuration(),
		Overrides:         overrides,
	}
}

// lifecycle is a host that must be started before devices are registered.
type lifecycle interface {
	registry.Host
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

func run(ctx context.Context, path string) error {
	cfg, log, err := loadConfig(path)
	if err != nil {
		return err
	}
	log.Info("starting neakasad", "version", version, "commit", commit, "config", path)

	var m *metrics.Metrics
	var rec poller.Recorder
	if cfg.Metrics.Enabled {
		m = metrics.New()
		rec = m
	}

	bus := state.NewEventBus(log.With("component", "bus"))
	store := state.NewStore(bus, log.With("component", "state"))
	client := newClient(cfg.Neakasa, m, log)
	plat := platform.New(platformConfig(cfg.Neakasa, log), client, store, log.With("component", "platform"), rec)

	var hosts []lifecycle
	if cfg.MQTT.Enabled {
		hosts = append(hosts, mqtt.NewHost(mqtt.Config{
			Broker:          cfg.MQTT.Broker,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			ClientID:        cfg.MQTT.ClientID,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		}, plat, log.With("component", "mqtt")))
	}
	if cfg.HomeKit.Enabled {
		hosts = append(hosts, homekit.NewHost(homekit.Config{
			BridgeName:  cfg.HomeKit.BridgeName,
			Pin:         cfg.HomeKit.Pin,
			Port:        cfg.HomeKit.Port,
			StoragePath: cfg.HomeKit.StoragePath,
		}, plat, log.With("component", "homekit")))
	}

	for _, h := range hosts {
		if err := h.Start(ctx); err != nil {
			return fmt.Errorf("starting host: %w", err)
		}
		defer func(h lifecycle) {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := h.Stop(stopCtx); err != nil {
				log.Error("error stopping host", "error", err)
			}
		}(h)
		if err := plat.AddHost(h); err != nil {
			return fmt.Errorf("attaching host: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if m != nil {
		g.Go(func() error { return m.Run(gctx, bus) })
	}

	if cfg.InfluxDB.Enabled {
		exp, err := telemetry.Connect(ctx, telemetry.Config{
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: cfg.InfluxDB.FlushIntervalDuration(),
		}, log.With("component", "telemetry"))
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if err := exp.Close(); err != nil {
				log.Error("error closing InfluxDB", "error", err)
			}
		}()
		g.Go(func() error { return exp.Run(gctx, bus) })
	}

	if err := plat.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := plat.Stop(stopCtx); err != nil {
			log.Error("error stopping platform", "error", err)
		}
	}()

	if cfg.HTTP.Enabled {
		var metricsHandler http.Handler
		if m != nil {
			metricsHandler = m.Handler()
		}
		server := httpapi.NewServer(plat, store, bus, version, cfg.HTTP.CORSAll, metricsHandler, cfg.Metrics.Path, log.With("component", "http"))
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.Info("neakasad running")
	err = g.Wait()
	log.Info("shutting down")
	return err
}
