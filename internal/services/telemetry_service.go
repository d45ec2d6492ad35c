package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetmend/backend/internal/db"
	"github.com/fleetmend/backend/internal/db/repository"
	"github.com/fleetmend/backend/internal/devicectl"
	"github.com/fleetmend/backend/internal/kafka"
	"github.com/fleetmend/backend/internal/metrics"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/fleetmend/backend/internal/utils"
	"go.uber.org/zap"
)

// lastSeenInterval bounds how often a device's last-seen column is written
const lastSeenInterval = 30 * time.Second

// SampleSink receives validated metric samples for evaluation
type SampleSink interface {
	Ingest(sample monitor.MetricSample)
}

// TelemetryService funnels metric samples from every ingestion path into the
// monitoring pipeline: the Kafka telemetry topic, the device-control event
// stream and the HTTP push endpoint. Readings are checked against the
// device's registry entry and its profile schema before they count.
type TelemetryService struct {
	db           *db.Database
	logger       *utils.Logger
	kafkaManager *kafka.Manager
	devicectl    *devicectl.Manager
	deviceRepo   repository.DeviceRepository
	profiles     *ProfileService
	sink         SampleSink

	mu        sync.Mutex
	lastTouch map[string]time.Time
}

// NewTelemetryService creates a new telemetry service. kafkaManager and
// devicectlManager may be nil; the matching ingestion path is then inactive.
func NewTelemetryService(
	db *db.Database,
	logger *utils.Logger,
	kafkaManager *kafka.Manager,
	devicectlManager *devicectl.Manager,
	profiles *ProfileService,
	sink SampleSink,
) *TelemetryService {
	repoFactory := repository.NewRepositoryFactory(db.DB)
	return &TelemetryService{
		db:           db,
		logger:       logger.Named("telemetry_service"),
		kafkaManager: kafkaManager,
		devicectl:    devicectlManager,
		deviceRepo:   repoFactory.Device(),
		profiles:     profiles,
		sink:         sink,
		lastTouch:    make(map[string]time.Time),
	}
}

// Initialize registers the telemetry handlers on the Kafka consumer and the
// device-control event stream
func (s *TelemetryService) Initialize() error {
	if s.kafkaManager != nil {
		if err := s.kafkaManager.RegisterTelemetryHandler("telemetry-processor", s.handleKafkaSample); err != nil {
			return fmt.Errorf("failed to register telemetry handler: %w", err)
		}
	}

	if s.devicectl != nil {
		s.devicectl.SetTelemetryHandler(s.handleStreamEvent)
		s.devicectl.SetStatusHandler(s.handleStatusEvent)
	}

	return nil
}

// Ingest accepts one reading pushed over HTTP
func (s *TelemetryService) Ingest(deviceID, metric string, value float64, timestamp time.Time) error {
	return s.ingest(deviceID, metric, value, timestamp, "http")
}

// handleKafkaSample processes one reading from the telemetry topic. A
// returned error sends the message to the dead-letter queue.
func (s *TelemetryService) handleKafkaSample(deviceID, metric string, value float64, timestamp time.Time) error {
	return s.ingest(deviceID, metric, value, timestamp, "kafka")
}

// handleStreamEvent processes one reading from the device-control stream
func (s *TelemetryService) handleStreamEvent(event *devicectl.Event) {
	if err := s.ingest(event.DeviceID, event.Metric, event.Value, event.Timestamp, "stream"); err != nil {
		s.logger.Warn("Dropping stream telemetry",
			zap.String("device_id", event.DeviceID),
			zap.String("metric", event.Metric),
			zap.Error(err))
	}
}

// handleStatusEvent processes a device status event from the stream
func (s *TelemetryService) handleStatusEvent(event *devicectl.Event) {
	device, err := s.deviceRepo.GetByDeviceID(event.DeviceID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("Failed to resolve device for status event",
				zap.String("device_id", event.DeviceID),
				zap.Error(err))
		}
		return
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s.touchLastSeen(event.DeviceID, ts)

	if event.Online != nil && !*event.Online {
		s.logger.Info("Device reported offline", zap.String("device_id", event.DeviceID))
	}

	// The gateway's reported version should match the committed one; drift
	// means someone changed firmware outside the patch pipeline
	if event.FirmwareVersion != "" && event.FirmwareVersion != device.FirmwareVersion {
		s.logger.Warn("Device reports unexpected firmware version",
			zap.String("device_id", event.DeviceID),
			zap.String("reported", event.FirmwareVersion),
			zap.String("committed", device.FirmwareVersion))
	}
}

func (s *TelemetryService) ingest(deviceID, metric string, value float64, timestamp time.Time, source string) error {
	if deviceID == "" || metric == "" {
		return errors.New("device identifier and metric are required")
	}

	device, err := s.deviceRepo.GetByDeviceID(deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Readings from devices outside the registry carry no profile to
			// validate against; drop them instead of dead-lettering
			s.logger.Warn("Dropping telemetry for unknown device",
				zap.String("device_id", deviceID),
				zap.String("source", source))
			return nil
		}
		return fmt.Errorf("failed to resolve device %s: %w", deviceID, err)
	}

	if err := s.profiles.ValidateReading(&device.Profile, metric, value); err != nil {
		return fmt.Errorf("reading rejected by profile schema: %w", err)
	}

	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	s.touchLastSeen(deviceID, timestamp)
	metrics.SamplesIngested.WithLabelValues(source).Inc()

	s.sink.Ingest(monitor.MetricSample{
		DeviceID:  deviceID,
		Metric:    metric,
		Value:     value,
		Timestamp: timestamp,
	})

	return nil
}

// touchLastSeen updates the device's last-seen column, throttled so a busy
// device does not turn every sample into a write
func (s *TelemetryService) touchLastSeen(deviceID string, at time.Time) {
	s.mu.Lock()
	last, ok := s.lastTouch[deviceID]
	if ok && at.Sub(last) < lastSeenInterval {
		s.mu.Unlock()
		return
	}
	s.lastTouch[deviceID] = at
	s.mu.Unlock()

	if err := s.deviceRepo.TouchLastSeen(deviceID, at); err != nil {
		s.logger.Warn("Failed to update last-seen",
			zap.String("device_id", deviceID),
			zap.Error(err))
	}
}
