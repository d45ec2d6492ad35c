package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/utils"
	"go.uber.org/zap"
)

// Topic constants for the application
const (
	TopicDeviceTelemetry   = "device-telemetry"
	TopicMaintenanceAlerts = "maintenance-alerts"
	TopicMaintenanceEvents = "maintenance-events"
	TopicDeviceReports     = "device-reports"
)

// telemetrySchema is enforced on every inbound telemetry message; messages
// that fail it are rejected by the handler and land on the topic's DLQ.
const telemetrySchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["deviceId", "metric", "value", "timestamp"],
	"properties": {
		"deviceId":  {"type": "string", "minLength": 1},
		"metric":    {"type": "string", "minLength": 1},
		"value":     {"type": "number"},
		"timestamp": {"type": "string", "format": "date-time"}
	}
}`

// Manager coordinates Kafka producers and consumers
type Manager struct {
	config           *config.KafkaConfig
	logger           *utils.Logger
	mainProducer     *Producer
	dlqProducer      *Producer
	validator        *utils.JSONSchemaValidator
	consumers        map[string]*Consumer
	consumerCtx      context.Context
	consumerCancel   context.CancelFunc
	wg               sync.WaitGroup
	mu               sync.Mutex
	isRunning        bool
	messageProcessed chan struct{}
}

// NewManager creates a new Kafka manager
func NewManager(cfg *config.KafkaConfig, logger *utils.Logger) (*Manager, error) {
	kafkaLogger := logger.Named("kafka_manager")

	// Create main producer
	mainProducer, err := NewProducer(cfg, kafkaLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create main producer: %w", err)
	}

	// Create DLQ producer
	dlqProducer, err := NewProducer(cfg, kafkaLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ producer: %w", err)
	}

	// Compile message schemas
	validator := utils.NewJSONSchemaValidator()
	if err := validator.LoadSchema("telemetry", telemetrySchema); err != nil {
		return nil, fmt.Errorf("failed to load telemetry schema: %w", err)
	}

	// Create context for consumers
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:           cfg,
		logger:           kafkaLogger,
		mainProducer:     mainProducer,
		dlqProducer:      dlqProducer,
		validator:        validator,
		consumers:        make(map[string]*Consumer),
		consumerCtx:      ctx,
		consumerCancel:   cancel,
		messageProcessed: make(chan struct{}, 100), // Buffer for processing signals
		isRunning:        false,
	}, nil
}

// Start initializes and starts all registered consumers
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("kafka manager is already running")
	}

	// Start consumers
	for name, consumer := range m.consumers {
		m.logger.Info("Starting consumer", zap.String("name", name))
		if err := consumer.Start(m.consumerCtx); err != nil {
			m.logger.Error("Failed to start consumer",
				zap.String("name", name),
				zap.Error(err))
			// Stop any consumers that were already started
			m.stopAllConsumers()
			return fmt.Errorf("failed to start consumer %s: %w", name, err)
		}
	}

	// Start message processed monitor
	m.wg.Add(1)
	go m.monitorProcessing()

	m.isRunning = true
	m.logger.Info("Kafka manager started")
	return nil
}

// AddConsumer creates and registers a consumer with specific handlers
func (m *Manager) AddConsumer(name string, topics []string, handlers map[string][]MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("cannot add consumer while manager is running")
	}

	// Check if consumer with this name already exists
	if _, exists := m.consumers[name]; exists {
		return fmt.Errorf("consumer with name %s already exists", name)
	}

	// Create consumer
	consumer, err := NewConsumer(m.config, m.logger, m.dlqProducer)
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", name, err)
	}

	// Register handlers
	for topic, topicHandlers := range handlers {
		for _, handler := range topicHandlers {
			consumer.RegisterHandler(topic, m.wrapHandler(handler))
		}
	}

	// Store consumer
	m.consumers[name] = consumer
	m.logger.Info("Added consumer",
		zap.String("name", name),
		zap.Strings("topics", topics))

	return nil
}

// wrapHandler wraps a message handler to signal when processing is complete
func (m *Manager) wrapHandler(handler MessageHandler) MessageHandler {
	return func(msg *kafka.Message) error {
		defer func() {
			select {
			case m.messageProcessed <- struct{}{}:
				// Signal sent
			default:
				// Channel buffer full, which is fine in high throughput
			}
		}()

		return handler(msg)
	}
}

// ProduceMessage sends a message to the specified topic
func (m *Manager) ProduceMessage(topic string, key string, value interface{}, headers map[string]string) error {
	message := &Message{
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
		Headers:   headers,
	}

	return m.mainProducer.Produce(topic, message)
}

// ProduceTelemetry publishes a metric sample to the telemetry topic
func (m *Manager) ProduceTelemetry(deviceID, metric string, value float64, timestamp time.Time) error {
	sample := map[string]interface{}{
		"deviceId":  deviceID,
		"metric":    metric,
		"value":     value,
		"timestamp": timestamp.Format(time.RFC3339),
	}

	return m.ProduceMessage(TopicDeviceTelemetry, deviceID, sample, nil)
}

// ProduceAlert publishes a maintenance alert to Kafka
func (m *Manager) ProduceAlert(deviceID, kind, severity, message string, details interface{}) error {
	alert := map[string]interface{}{
		"deviceId":  deviceID,
		"kind":      kind,
		"severity":  severity,
		"message":   message,
		"timestamp": time.Now().Format(time.RFC3339),
		"details":   details,
	}

	return m.ProduceMessage(TopicMaintenanceAlerts, deviceID, alert, nil)
}

// ProduceMaintenanceEvent publishes an agent state transition to Kafka
func (m *Manager) ProduceMaintenanceEvent(deviceID, kind, fromState, toState string) error {
	event := map[string]interface{}{
		"deviceId":  deviceID,
		"kind":      kind,
		"fromState": fromState,
		"toState":   toState,
		"timestamp": time.Now().Format(time.RFC3339),
	}

	return m.ProduceMessage(TopicMaintenanceEvents, deviceID, event, nil)
}

// ProduceDeviceReport publishes a refreshed device report to Kafka
func (m *Manager) ProduceDeviceReport(deviceID string, report interface{}) error {
	payload := map[string]interface{}{
		"deviceId":  deviceID,
		"timestamp": time.Now().Format(time.RFC3339),
		"report":    report,
	}

	return m.ProduceMessage(TopicDeviceReports, deviceID, payload, nil)
}

// RegisterTelemetryHandler registers a handler for inbound telemetry samples.
// Messages are validated against the telemetry schema before dispatch; invalid
// ones are returned as errors so the consumer routes them to the DLQ.
func (m *Manager) RegisterTelemetryHandler(name string, handler func(deviceID, metric string, value float64, timestamp time.Time) error) error {
	msgHandler := func(msg *kafka.Message) error {
		if err := m.validator.ValidateAgainstSchema("telemetry", json.RawMessage(msg.Value)); err != nil {
			return fmt.Errorf("telemetry message rejected: %w", err)
		}

		var sample struct {
			DeviceID  string  `json:"deviceId"`
			Metric    string  `json:"metric"`
			Value     float64 `json:"value"`
			Timestamp string  `json:"timestamp"`
		}

		if err := json.Unmarshal(msg.Value, &sample); err != nil {
			return fmt.Errorf("failed to unmarshal telemetry sample: %w", err)
		}

		timestamp, err := time.Parse(time.RFC3339, sample.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to parse timestamp: %w", err)
		}

		return handler(sample.DeviceID, sample.Metric, sample.Value, timestamp)
	}

	return m.AddConsumer(
		fmt.Sprintf("%s-device-telemetry", name),
		[]string{TopicDeviceTelemetry},
		map[string][]MessageHandler{
			TopicDeviceTelemetry: {msgHandler},
		},
	)
}

// RegisterMaintenanceEventHandler registers a handler for maintenance events,
// letting external tooling mirror agent transitions off the same topic
func (m *Manager) RegisterMaintenanceEventHandler(name string, handler func(deviceID, kind, fromState, toState string, timestamp time.Time) error) error {
	msgHandler := func(msg *kafka.Message) error {
		var event struct {
			DeviceID  string `json:"deviceId"`
			Kind      string `json:"kind"`
			FromState string `json:"fromState"`
			ToState   string `json:"toState"`
			Timestamp string `json:"timestamp"`
		}

		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal maintenance event: %w", err)
		}

		timestamp, err := time.Parse(time.RFC3339, event.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to parse timestamp: %w", err)
		}

		return handler(event.DeviceID, event.Kind, event.FromState, event.ToState, timestamp)
	}

	return m.AddConsumer(
		fmt.Sprintf("%s-maintenance-events", name),
		[]string{TopicMaintenanceEvents},
		map[string][]MessageHandler{
			TopicMaintenanceEvents: {msgHandler},
		},
	)
}

// monitorProcessing tracks and logs message processing metrics
func (m *Manager) monitorProcessing() {
	defer m.wg.Done()

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	messageCount := 0

	for {
		select {
		case <-m.consumerCtx.Done():
			m.logger.Info("Message processing monitor stopped")
			return

		case <-m.messageProcessed:
			messageCount++

		case <-ticker.C:
			if messageCount > 0 {
				m.logger.Info("Message processing statistics",
					zap.Int("processed_messages", messageCount),
					zap.String("interval", "1m"))
				messageCount = 0
			}
		}
	}
}

// stopAllConsumers stops all consumers
func (m *Manager) stopAllConsumers() {
	for name, consumer := range m.consumers {
		m.logger.Info("Stopping consumer", zap.String("name", name))
		consumer.Stop()
	}
}

// Stop stops the Kafka manager and all consumers
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return fmt.Errorf("kafka manager is not running")
	}

	// Cancel consumer context
	m.consumerCancel()

	// Stop all consumers
	m.stopAllConsumers()

	// Wait for all goroutines to finish
	m.wg.Wait()

	// Flush and close producers
	m.mainProducer.Flush(5000)
	m.mainProducer.Close()
	m.dlqProducer.Flush(5000)
	m.dlqProducer.Close()

	m.isRunning = false
	m.logger.Info("Kafka manager stopped")
	return nil
}

// IsRunning returns whether the Kafka manager is running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}
