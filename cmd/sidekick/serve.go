package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/sidekick/internal/api"
	"github.com/nugget/sidekick/internal/buildinfo"
	"github.com/nugget/sidekick/internal/config"
	"github.com/nugget/sidekick/internal/health"
	"github.com/nugget/sidekick/internal/mqtt"
	"github.com/nugget/sidekick/internal/scheduler"
)

// runServe starts every long-running component and blocks until ctx
// is cancelled or SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stdout, level, cfg.LogFormat)
	logger.Info("starting sidekick", "version", buildinfo.Version, "config", cfgPath)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// --- MQTT events ---
	// The connection outlives the signal context so "offline" can be
	// published during shutdown.
	var pub *mqtt.Publisher
	mqttCtx, mqttCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer mqttCancel()
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		pub = mqtt.New(cfg.MQTT, mqtt.ClientID(cfg.MQTT.ClientID, instanceID), logger)
		go func() {
			if err := pub.Start(mqttCtx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		a.orch.SetEventPublisher(pub)
		a.events = pub
		logger.Info("mqtt events enabled", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt events disabled (not configured)")
	}

	// --- Telegram and the schedule dispatcher ---
	var (
		wg   sync.WaitGroup
		disp *scheduler.Dispatcher
	)
	if cfg.Telegram.Configured() {
		bridge := a.telegramBridge()
		wg.Add(1)
		go func() {
			defer wg.Done()
			bridge.Start(ctx)
		}()

		disp = a.dispatcher(bridge)
		if err := disp.Start(ctx); err != nil {
			return fmt.Errorf("start dispatcher: %w", err)
		}
	} else {
		logger.Warn("telegram not configured; bot and schedule delivery disabled")
	}

	// --- Dependency health ---
	monitor := health.NewMonitor(logger, func(st health.Status) {
		if pub != nil {
			evCtx, evCancel := context.WithTimeout(mqttCtx, 5*time.Second)
			defer evCancel()
			if err := pub.PublishEvent(evCtx, "health", st); err != nil {
				logger.Debug("health event not published", "error", err)
			}
		}
	})
	monitor.Watch(ctx, health.Check{Name: "llm", Probe: a.llm.Ping, Interval: 5 * time.Minute})
	if a.tg != nil {
		monitor.Watch(ctx, health.Check{
			Name:     "telegram",
			Probe:    func(ctx context.Context) error { _, err := a.tg.GetMe(ctx); return err },
			Interval: 5 * time.Minute,
		})
	}
	if pub != nil {
		monitor.Watch(ctx, health.Check{Name: "mqtt", Probe: pub.AwaitConnection, Interval: time.Minute})
	}

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen, logger)
	server.SetChat(a.orch)
	server.SetSchedules(a.schedules)
	server.SetHealth(monitor)
	if a.oauth != nil {
		server.SetOAuth(a.oauth)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
	}()

	serveErr := server.Start(ctx)
	if ctx.Err() == nil {
		// The server died on its own; bring the rest down with it.
		cancel()
	} else {
		serveErr = nil
	}

	if disp != nil {
		disp.Stop()
	}
	wg.Wait()
	monitor.Wait()

	if pub != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pub.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		stopCancel()
	}

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	logger.Info("sidekick stopped")
	return nil
}
