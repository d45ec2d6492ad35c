package services

import (
	"context"
	"fmt"

	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/db"
	"github.com/fleetmend/backend/internal/devicectl"
	"github.com/fleetmend/backend/internal/firmware"
	"github.com/fleetmend/backend/internal/healing"
	"github.com/fleetmend/backend/internal/kafka"
	"github.com/fleetmend/backend/internal/maintenance"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/fleetmend/backend/internal/utils"
	"go.uber.org/zap"
)

// registerPageSize is the page size used when enrolling known devices at startup
const registerPageSize = 500

// ServiceProvider manages all services for the application
type ServiceProvider struct {
	logger           *utils.Logger
	config           *config.Config
	database         *db.Database
	kafkaManager     *kafka.Manager
	devicectlManager *devicectl.Manager
	orchestrator     *maintenance.Orchestrator

	userService      *UserService
	fleetService     *FleetService
	profileService   *ProfileService
	deviceService    *DeviceService
	historyService   *HistoryService
	alertService     *AlertService
	telemetryService *TelemetryService

	cancel context.CancelFunc
}

// NewServiceProvider creates a new service provider
func NewServiceProvider(
	logger *utils.Logger,
	config *config.Config,
	database *db.Database,
) *ServiceProvider {
	return &ServiceProvider{
		logger:   logger.Named("services"),
		config:   config,
		database: database,
	}
}

// Initialize wires and starts all services: the device-control adapter, the
// Kafka manager, the monitoring pipeline and agents, and the orchestrator
func (sp *ServiceProvider) Initialize(ctx context.Context) error {
	var err error
	ctx, sp.cancel = context.WithCancel(ctx)

	// Device-control gateway adapter
	sp.devicectlManager = devicectl.NewManager(&sp.config.DeviceControl, sp.logger)

	// Kafka manager, when enabled
	if sp.config.Kafka.Enabled {
		sp.kafkaManager, err = kafka.NewManager(&sp.config.Kafka, sp.logger)
		if err != nil {
			return fmt.Errorf("failed to create Kafka manager: %w", err)
		}
	}

	// Registry and account services
	sp.userService = NewUserService(sp.database, sp.logger)
	sp.fleetService = NewFleetService(sp.database, sp.logger)
	sp.profileService = NewProfileService(sp.database, sp.logger)
	sp.deviceService = NewDeviceService(sp.database, sp.logger)

	// Audit and alert sinks
	sp.historyService = NewHistoryService(sp.database, sp.logger, sp.kafkaManager)
	sp.alertService = NewAlertService(sp.database, sp.logger, sp.kafkaManager)

	// Monitoring pipeline
	detector := monitor.NewDetector(&sp.config.Monitor, sp.logger)
	scorer := monitor.NewScorer(&sp.config.Health)
	predictor := monitor.NewPredictor(&sp.config.Predictor)
	signals := maintenance.NewSignalAdapter(detector, scorer)

	// Self-healing agent with its diagnosis rule table
	rules := healing.DefaultRuleTable()
	if sp.config.Healing.RulesPath != "" {
		rules, err = healing.LoadRuleTable(sp.config.Healing.RulesPath)
		if err != nil {
			return fmt.Errorf("failed to load healing rule table: %w", err)
		}
	}
	executor := maintenance.NewGatewayExecutor(sp.devicectlManager, sp.deviceService)
	healer := healing.NewAgent(&sp.config.Healing, rules, signals, executor, sp.logger)

	// Firmware patch agent with its known-issue registry
	registry := firmware.NewRegistry()
	if sp.config.Firmware.KnownIssuesPath != "" {
		registry, err = firmware.LoadRegistry(sp.config.Firmware.KnownIssuesPath)
		if err != nil {
			return fmt.Errorf("failed to load known-issue registry: %w", err)
		}
	}
	patcher := firmware.NewAgent(&sp.config.Firmware, registry, sp.deviceService, sp.devicectlManager, signals, sp.logger)

	// Orchestrator with its alert and audit sinks
	sp.orchestrator = maintenance.NewOrchestrator(&sp.config.Maintenance, detector, scorer, predictor, healer, patcher, sp.logger)
	sp.orchestrator.SetAlerter(sp.alertService)
	sp.orchestrator.SetRecorder(sp.historyService)
	sp.deviceService.SetRegistrar(sp.orchestrator)

	// Telemetry ingestion paths
	sp.telemetryService = NewTelemetryService(sp.database, sp.logger, sp.kafkaManager, sp.devicectlManager, sp.profileService, sp.orchestrator)
	if err = sp.telemetryService.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize telemetry service: %w", err)
	}

	sp.alertService.Start(ctx)
	sp.historyService.Start(ctx)

	// Enroll every registered device so quiet devices are monitored too
	if err = sp.registerKnownDevices(); err != nil {
		return err
	}

	sp.orchestrator.Start(ctx)
	sp.logger.Info("Maintenance pipeline started")

	if sp.kafkaManager != nil {
		if err = sp.kafkaManager.Start(); err != nil {
			return fmt.Errorf("failed to start Kafka manager: %w", err)
		}
		sp.logger.Info("Kafka manager started")
	}

	// Connect to the device-control event stream and subscribe to the fleet
	if err = sp.devicectlManager.Connect(); err != nil {
		return fmt.Errorf("failed to connect to device-control stream: %w", err)
	}
	if err = sp.devicectlManager.Subscribe(); err != nil {
		return fmt.Errorf("failed to subscribe to device-control events: %w", err)
	}
	sp.logger.Info("Connected to device-control stream")

	sp.logger.Info("All services initialized successfully")
	return nil
}

// registerKnownDevices pages through the registry and registers every device
// with the orchestrator
func (sp *ServiceProvider) registerKnownDevices() error {
	page := 1
	registered := 0
	for {
		devices, total, err := sp.deviceService.List(page, registerPageSize)
		if err != nil {
			return fmt.Errorf("failed to list devices for registration: %w", err)
		}
		for i := range devices {
			sp.orchestrator.Register(devices[i].DeviceID)
			registered++
		}
		if len(devices) == 0 || int64(registered) >= total {
			break
		}
		page++
	}

	sp.logger.Info("Registered known devices", zap.Int("count", registered))
	return nil
}

// Shutdown performs a graceful shutdown of all services
func (sp *ServiceProvider) Shutdown() error {
	sp.logger.Info("Shutting down services")

	if sp.cancel != nil {
		sp.cancel()
	}

	// Stop the orchestrator first so no new commands or audit events are produced
	if sp.orchestrator != nil {
		sp.orchestrator.Stop()
	}

	// Stop Kafka manager if initialized
	if sp.kafkaManager != nil && sp.kafkaManager.IsRunning() {
		sp.logger.Info("Stopping Kafka manager")
		if err := sp.kafkaManager.Stop(); err != nil {
			sp.logger.Error("Failed to stop Kafka manager", zap.Error(err))
		}
	}

	// Disconnect from the device-control stream if connected
	if sp.devicectlManager != nil && sp.devicectlManager.IsConnected() {
		sp.logger.Info("Disconnecting from device-control stream")
		if err := sp.devicectlManager.Disconnect(); err != nil {
			sp.logger.Error("Failed to disconnect from device-control stream", zap.Error(err))
		}
	}

	sp.logger.Info("Services shut down successfully")
	return nil
}

// GetKafkaManager returns the Kafka manager; nil when Kafka is disabled
func (sp *ServiceProvider) GetKafkaManager() *kafka.Manager {
	return sp.kafkaManager
}

// GetDeviceControlManager returns the device-control manager
func (sp *ServiceProvider) GetDeviceControlManager() *devicectl.Manager {
	return sp.devicectlManager
}

// GetOrchestrator returns the maintenance orchestrator
func (sp *ServiceProvider) GetOrchestrator() *maintenance.Orchestrator {
	return sp.orchestrator
}

// GetUserService returns the user service
func (sp *ServiceProvider) GetUserService() *UserService {
	return sp.userService
}

// GetFleetService returns the fleet service
func (sp *ServiceProvider) GetFleetService() *FleetService {
	return sp.fleetService
}

// GetProfileService returns the profile service
func (sp *ServiceProvider) GetProfileService() *ProfileService {
	return sp.profileService
}

// GetDeviceService returns the device service
func (sp *ServiceProvider) GetDeviceService() *DeviceService {
	return sp.deviceService
}

// GetHistoryService returns the history service
func (sp *ServiceProvider) GetHistoryService() *HistoryService {
	return sp.historyService
}

// GetAlertService returns the alert service
func (sp *ServiceProvider) GetAlertService() *AlertService {
	return sp.alertService
}

// GetTelemetryService returns the telemetry service
func (sp *ServiceProvider) GetTelemetryService() *TelemetryService {
	return sp.telemetryService
}
