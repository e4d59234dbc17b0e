package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tritonnet/internal/api"
	"tritonnet/internal/clock"
	"tritonnet/internal/config"
	_ "tritonnet/internal/controllers"
	"tritonnet/internal/ha"
	"tritonnet/internal/integration"
	"tritonnet/internal/metrics"
	"tritonnet/internal/mqtt"
	"tritonnet/pkg/controller"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	settings, err := config.SettingsFromEnv(os.Getenv)
	if err != nil {
		logger.Fatal("Invalid settings", zap.Error(err))
	}

	logger.Info("Starting TritonNET climate bridge",
		zap.String("version", version),
		zap.String("broker", settings.MQTTBroker),
		zap.String("config_file", settings.ConfigFile),
		zap.String("controller", settings.Controller),
		zap.Strings("available_controllers", controller.Names()),
		zap.Bool("home_assistant", settings.HAEnabled()),
		zap.Bool("read_only", settings.ReadOnly))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load room configuration
	loader := config.NewLoader(settings.ConfigFile, logger)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal("Failed to load climate configuration", zap.Error(err))
	}

	// Connect to Home Assistant when configured
	var haClient ha.HAClient
	if settings.HAEnabled() {
		client := ha.NewClient(settings.HAURL, settings.HAToken, logger)
		if err := client.Connect(ctx); err != nil {
			logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
		}
		defer client.Disconnect()
		haClient = client
		logger.Info("Connected to Home Assistant")
	} else {
		logger.Info("Home Assistant connection not configured, registry reconciliation disabled")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector()
	if err := collector.Register(registry); err != nil {
		logger.Fatal("Failed to register metrics", zap.Error(err))
	}

	// MQTT connection and host bridge
	conn := mqtt.NewConn(mqtt.ConnConfig{
		Broker:            settings.MQTTBroker,
		Username:          settings.MQTTUsername,
		Password:          settings.MQTTPassword,
		AvailabilityTopic: mqtt.AvailabilityTopic(),
	}, logger)
	bridge := mqtt.NewBridge(conn, settings.DiscoveryPrefix, mqtt.NewDeviceInfo(version), logger)
	conn.SetHandler(bridge.HandleMessage)
	conn.OnConnect(bridge.Republish)

	if err := conn.Start(ctx); err != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}

	// Integration
	manager := integration.NewManager(integration.Options{
		Host:           bridge,
		HA:             haClient,
		Metrics:        collector,
		ControllerName: settings.Controller,
		ReadOnly:       settings.ReadOnly,
		Clock:          clock.NewRealClock(),
		Logger:         logger,
	})

	result, err := manager.Import(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to set up climate integration", zap.Error(err))
	}
	logger.Info("Climate integration ready", zap.String("result", string(result)))

	reload := func(ctx context.Context) (string, error) {
		cfg, err := loader.Load()
		if err != nil {
			return "", err
		}
		result, err := manager.Import(ctx, cfg)
		return string(result), err
	}

	// HTTP API
	apiServer := api.NewServer(manager, reload, metrics.Handler(registry), logger, settings.APIPort)
	if err := apiServer.Start(); err != nil {
		logger.Fatal("Failed to start HTTP API server", zap.Error(err))
	}

	// Setup signal handling for reload and graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	logger.Info("Application running. Press Ctrl+C to exit, send SIGHUP to reload.")

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		logger.Info("Reloading configuration")
		if result, err := reload(ctx); err != nil {
			logger.Error("Reload failed, keeping current configuration", zap.Error(err))
		} else {
			logger.Info("Configuration reloaded", zap.String("result", result))
		}
	}

	logger.Info("Shutting down gracefully...")

	if err := apiServer.Stop(); err != nil {
		logger.Error("Failed to stop HTTP API server", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Entities stay registered in Home Assistant; the will and the offline
	// message mark them unavailable.
	if err := conn.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop MQTT connection", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
