package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	confluent "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/kafka"
	"github.com/fleetmend/backend/internal/utils"
	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "./config", "Path to the configuration directory")
	mode := flag.String("mode", "both", "Mode to run: producer, consumer, or both")
	topic := flag.String("topic", kafka.TopicDeviceTelemetry, "Topic to consume from")
	deviceID := flag.String("device", "kafka-test-device", "Device ID to produce readings for")
	metric := flag.String("metric", "temperature", "Metric name to produce readings for")
	baseValue := flag.Float64("value", 42.0, "Base metric value")
	drift := flag.Float64("drift", 0.5, "Per-message value drift, simulates degradation")
	messageCount := flag.Int("messages", 10, "Number of readings to produce")
	interval := flag.Int("interval", 1, "Interval between readings in seconds")
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

	// Create Kafka manager
	kafkaManager, err := kafka.NewManager(&cfg.Kafka, logger)
	if err != nil {
		logger.Fatal("Failed to create Kafka manager", zap.Error(err))
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// Handle consumer if needed
	if *mode == "consumer" || *mode == "both" {
		// Register message handler
		err = kafkaManager.AddConsumer(
			"kafka-test-consumer",
			[]string{*topic},
			map[string][]kafka.MessageHandler{
				*topic: {func(msg *confluent.Message) error {
					keyStr := ""
					if msg.Key != nil {
						keyStr = string(msg.Key)
					}

					logger.Info("Received message",
						zap.String("topic", *topic),
						zap.String("key", keyStr),
						zap.ByteString("value", msg.Value),
						zap.Time("timestamp", msg.Timestamp))
					return nil
				}},
			},
		)
		if err != nil {
			logger.Fatal("Failed to register message handler", zap.Error(err))
		}
	}

	// Start Kafka manager
	if err := kafkaManager.Start(); err != nil {
		logger.Fatal("Failed to start Kafka manager", zap.Error(err))
	}
	logger.Info("Kafka manager started")

	// Create wait group
	var wg sync.WaitGroup

	// Handle producer if needed
	if *mode == "producer" || *mode == "both" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			produceReadings(ctx, kafkaManager, logger, *deviceID, *metric, *baseValue, *drift, *messageCount, *interval)
		}()
	}

	// Wait for context cancellation or completion
	select {
	case <-ctx.Done():
		logger.Info("Context canceled, shutting down")
	case <-waitForCompletion(&wg):
		logger.Info("Production completed")
	}

	// Stop Kafka manager
	if err := kafkaManager.Stop(); err != nil {
		logger.Error("Failed to stop Kafka manager", zap.Error(err))
	}
	logger.Info("Kafka manager stopped")
}

// produceReadings produces synthetic telemetry readings for a single device.
// The value drifts upward each message so the readings eventually look like a
// degrading metric to the monitoring pipeline.
func produceReadings(ctx context.Context, kafkaManager *kafka.Manager, logger *utils.Logger, deviceID, metric string, base, drift float64, count, interval int) {
	logger.Info("Starting telemetry production",
		zap.String("device_id", deviceID),
		zap.String("metric", metric),
		zap.Int("count", count),
		zap.Int("interval", interval))

	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			logger.Info("Context canceled, stopping telemetry production")
			return
		default:
			value := base + float64(i)*drift

			err := kafkaManager.ProduceTelemetry(deviceID, metric, value, time.Now())
			if err != nil {
				logger.Error("Failed to produce reading",
					zap.Int("sequence", i),
					zap.Error(err))
			} else {
				logger.Info("Produced reading",
					zap.String("device_id", deviceID),
					zap.String("metric", metric),
					zap.Float64("value", value),
					zap.Int("sequence", i))
			}

			// Sleep for interval
			if i < count-1 && interval > 0 {
				time.Sleep(time.Duration(interval) * time.Second)
			}
		}
	}

	logger.Info("Telemetry production completed",
		zap.String("device_id", deviceID),
		zap.Int("count", count))
}

// waitForCompletion returns a channel that is closed when the wait group is done
func waitForCompletion(wg *sync.WaitGroup) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch
}
