package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/devicectl"
	"github.com/fleetmend/backend/internal/utils"
	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "./config", "Path to the configuration directory")
	deviceID := flag.String("device", "", "Device ID to probe; empty subscribes to the whole fleet")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Set up logging
	logger, err := utils.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Create device-control manager
	manager := devicectl.NewManager(&cfg.DeviceControl, logger)

	// Create a context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info(fmt.Sprintf("Received signal %s, shutting down...", sig))
		cancel()
	}()

	// Register event handlers
	manager.SetTelemetryHandler(func(event *devicectl.Event) {
		logger.Info("Received telemetry event",
			zap.String("device_id", event.DeviceID),
			zap.String("metric", event.Metric),
			zap.Float64("value", event.Value),
			zap.Time("timestamp", event.Timestamp))
	})
	manager.SetStatusHandler(func(event *devicectl.Event) {
		online := false
		if event.Online != nil {
			online = *event.Online
		}
		logger.Info("Received status event",
			zap.String("device_id", event.DeviceID),
			zap.Bool("online", online),
			zap.String("firmware_version", event.FirmwareVersion))
	})

	// Connect to the gateway event stream
	if err := manager.Connect(); err != nil {
		logger.Error("Failed to connect to device-control stream", zap.Error(err))
		os.Exit(1)
	}
	defer manager.Disconnect()

	// Subscribe to gateway events
	if *deviceID != "" {
		err = manager.Subscribe(*deviceID)
	} else {
		err = manager.Subscribe()
	}
	if err != nil {
		logger.Error("Failed to subscribe to events", zap.Error(err))
		os.Exit(1)
	}

	// Probe the device over the command API when one was given
	if *deviceID != "" {
		status, err := manager.Status(ctx, *deviceID)
		if err != nil {
			logger.Error("Failed to query device status", zap.Error(err))
			os.Exit(1)
		}

		logger.Info("Device status",
			zap.String("device_id", status.DeviceID),
			zap.Bool("online", status.Online),
			zap.String("firmware_version", status.FirmwareVersion),
			zap.Int64("uptime_seconds", status.UptimeSeconds))
	}

	// Wait for gateway events
	logger.Info("Waiting for gateway events... Press Ctrl+C to exit")
	<-ctx.Done()

	logger.Info("Shutting down")
}
