package devicectl

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventHandler is a function that processes gateway events
type EventHandler func(event *Event)

// Event is a push message from the device-control gateway. Telemetry events
// carry a metric reading; status events carry the device's reported state.
type Event struct {
	Type            string    `json:"type"`
	DeviceID        string    `json:"device_id"`
	Metric          string    `json:"metric,omitempty"`
	Value           float64   `json:"value,omitempty"`
	Online          *bool     `json:"online,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Event types pushed by the gateway
const (
	EventTelemetry = "telemetry"
	EventStatus    = "status"
)

// EventStream provides a WebSocket connection to the device-control gateway
// for real-time telemetry and status events
type EventStream struct {
	config      *config.DeviceControlConfig
	logger      *utils.Logger
	conn        *websocket.Conn
	mu          sync.Mutex
	isConnected bool
	handlers    map[string]EventHandler
	ctx         context.Context
	cancel      context.CancelFunc
	backoff     time.Duration
	maxBackoff  time.Duration
}

// NewEventStream creates a new WebSocket event stream client
func NewEventStream(cfg *config.DeviceControlConfig, logger *utils.Logger) *EventStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventStream{
		config:     cfg,
		logger:     logger.Named("devicectl_stream"),
		handlers:   make(map[string]EventHandler),
		ctx:        ctx,
		cancel:     cancel,
		backoff:    1 * time.Second,
		maxBackoff: 60 * time.Second,
	}
}

// Connect establishes the WebSocket connection to the gateway
func (s *EventStream) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isConnected {
		return nil
	}

	wsURL := s.config.URL
	if strings.HasPrefix(wsURL, "https") {
		wsURL = "wss" + wsURL[5:]
	} else if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}
	wsURL = wsURL + "/api/v1/events"

	header := http.Header{}
	if s.config.APIToken != "" {
		header.Add("Authorization", "Bearer "+s.config.APIToken)
	} else if s.config.Username != "" && s.config.Password != "" {
		auth := s.config.Username + ":" + s.config.Password
		encoded := base64.StdEncoding.EncodeToString([]byte(auth))
		header.Add("Authorization", "Basic "+encoded)
	}

	s.logger.Info("Connecting to gateway event stream", zap.String("url", wsURL))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}

	s.conn = conn
	s.isConnected = true
	s.backoff = 1 * time.Second // Reset backoff on successful connection

	go s.handleMessages()

	return nil
}

// Disconnect closes the WebSocket connection
func (s *EventStream) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnected {
		return nil
	}

	s.cancel()

	err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		s.logger.Warn("Error while sending close message", zap.Error(err))
	}

	err = s.conn.Close()
	s.isConnected = false
	s.conn = nil

	return err
}

// IsConnected returns whether the stream is connected
func (s *EventStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isConnected
}

// Subscribe requests events for the given devices; no arguments means the whole fleet
func (s *EventStream) Subscribe(deviceIDs ...string) error {
	payload := map[string]interface{}{}
	if len(deviceIDs) > 0 {
		payload["devices"] = deviceIDs
	}
	return s.sendCommand("subscribe", payload)
}

// Unsubscribe cancels all subscriptions
func (s *EventStream) Unsubscribe() error {
	return s.sendCommand("unsubscribe", nil)
}

// RegisterHandler registers a handler for an event type. A key of
// "<type>.<deviceID>" matches one device; a bare type matches all devices.
func (s *EventStream) RegisterHandler(eventType string, handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = handler
}

// handleMessages reads the stream until the context is canceled, reconnecting
// with exponential backoff after a dropped connection
func (s *EventStream) handleMessages() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in event stream handler", zap.Any("recover", r))
		}
	}()

	s.logger.Info("Starting event stream handler")

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Event stream handler stopped due to context cancellation")
			return
		default:
		}

		if !s.IsConnected() {
			s.logger.Info("Event stream disconnected, attempting to reconnect",
				zap.Duration("backoff", s.backoff))

			time.Sleep(s.backoff)

			s.backoff = time.Duration(float64(s.backoff) * 1.5)
			if s.backoff > s.maxBackoff {
				s.backoff = s.maxBackoff
			}

			if err := s.Connect(); err != nil {
				s.logger.Error("Failed to reconnect event stream", zap.Error(err))
				continue
			}
		}

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.isConnected = false
			s.mu.Unlock()

			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				s.logger.Error("Event stream read error", zap.Error(err))
			} else {
				s.logger.Warn("Event stream closed", zap.Error(err))
			}
			continue
		}

		go s.processMessage(message)
	}
}

// processMessage dispatches a single gateway event to the most specific handler
func (s *EventStream) processMessage(message []byte) {
	var event Event
	if err := json.Unmarshal(message, &event); err != nil {
		s.logger.Error("Failed to unmarshal stream message",
			zap.Error(err),
			zap.String("message", string(message)))
		return
	}

	s.mu.Lock()
	handlers := s.handlers
	s.mu.Unlock()

	if event.DeviceID != "" {
		if handler, ok := handlers[event.Type+"."+event.DeviceID]; ok {
			handler(&event)
			return
		}
	}

	if handler, ok := handlers[event.Type]; ok {
		handler(&event)
		return
	}

	s.logger.Debug("No handler for event",
		zap.String("type", event.Type),
		zap.String("device_id", event.DeviceID))
}

// sendCommand sends a control frame to the gateway
func (s *EventStream) sendCommand(command string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnected {
		return fmt.Errorf("not connected to event stream")
	}

	cmd := map[string]interface{}{
		"type": command,
	}
	if payload != nil {
		cmd["payload"] = payload
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.isConnected = false
		return fmt.Errorf("failed to send command: %w", err)
	}

	return nil
}
