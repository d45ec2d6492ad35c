package devicectl

import (
	"context"
	"sync"

	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/utils"
)

// Manager is a composite service that bundles the command client and the
// event stream of the device-control gateway
type Manager struct {
	config       *config.DeviceControlConfig
	logger       *utils.Logger
	client       *Client
	stream       *EventStream
	eventHandler EventHandler
	mu           sync.RWMutex
}

// NewManager creates a new device-control manager combining command and stream access
func NewManager(cfg *config.DeviceControlConfig, logger *utils.Logger) *Manager {
	return &Manager{
		config: cfg,
		logger: logger.Named("devicectl_manager"),
		client: NewClient(cfg, logger),
		stream: NewEventStream(cfg, logger),
	}
}

// SetTelemetryHandler sets the callback for incoming telemetry events
func (m *Manager) SetTelemetryHandler(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHandler = handler
	m.stream.RegisterHandler(EventTelemetry, handler)
}

// SetStatusHandler sets the callback for device status events
func (m *Manager) SetStatusHandler(handler EventHandler) {
	m.stream.RegisterHandler(EventStatus, handler)
}

// Connect establishes the WebSocket event stream
func (m *Manager) Connect() error {
	return m.stream.Connect()
}

// Disconnect closes the WebSocket event stream
func (m *Manager) Disconnect() error {
	return m.stream.Disconnect()
}

// IsConnected returns whether the event stream is connected
func (m *Manager) IsConnected() bool {
	return m.stream.IsConnected()
}

// Subscribe requests events for the given devices; no arguments means the whole fleet
func (m *Manager) Subscribe(deviceIDs ...string) error {
	return m.stream.Subscribe(deviceIDs...)
}

// Unsubscribe cancels all stream subscriptions
func (m *Manager) Unsubscribe() error {
	return m.stream.Unsubscribe()
}

// ResetNetwork asks the device to cycle its network stack
func (m *Manager) ResetNetwork(ctx context.Context, deviceID string) error {
	return m.client.ResetNetwork(ctx, deviceID)
}

// RepairConfig asks the device to restore its configuration to the target profile
func (m *Manager) RepairConfig(ctx context.Context, deviceID, target string) error {
	return m.client.RepairConfig(ctx, deviceID, target)
}

// RestartService asks the device to restart its workload service
func (m *Manager) RestartService(ctx context.Context, deviceID string) error {
	return m.client.RestartService(ctx, deviceID)
}

// StageFirmware transfers a firmware artifact onto the device
func (m *Manager) StageFirmware(ctx context.Context, deviceID, version string) (*StagedArtifact, error) {
	return m.client.StageFirmware(ctx, deviceID, version)
}

// InstallFirmware asks the device to install the previously staged version
func (m *Manager) InstallFirmware(ctx context.Context, deviceID, version string) error {
	return m.client.InstallFirmware(ctx, deviceID, version)
}

// RollbackFirmware asks the device to reinstall a previously committed version
func (m *Manager) RollbackFirmware(ctx context.Context, deviceID, toVersion string) error {
	return m.client.RollbackFirmware(ctx, deviceID, toVersion)
}

// Status retrieves the gateway's current view of a device
func (m *Manager) Status(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	return m.client.Status(ctx, deviceID)
}
