package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetmend/backend/internal/db"
	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/db/repository"
	"github.com/fleetmend/backend/internal/firmware"
	"github.com/fleetmend/backend/internal/healing"
	"github.com/fleetmend/backend/internal/kafka"
	"github.com/fleetmend/backend/internal/maintenance"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// auditEvent is one queued audit-trail entry
type auditEvent struct {
	kind      string // "anomaly", "healing", "patch", "report"
	deviceID  string
	at        time.Time
	anomaly   *monitor.Anomaly
	fromState string
	toState   string
	report    *maintenance.DeviceReport
}

// HistoryService persists the maintenance audit trail and serves history
// queries. It receives detected anomalies, agent state transitions and
// report snapshots from the pipeline; recording never blocks because events
// are queued and written by a background processor.
type HistoryService struct {
	db           *db.Database
	logger       *utils.Logger
	kafkaManager *kafka.Manager
	historyRepo  repository.HistoryRepository
	deviceRepo   repository.DeviceRepository
	queue        chan auditEvent

	// lastPlan tracks the last recorded patch plan per device; only the
	// processor goroutine touches it
	lastPlan map[string]string
}

// NewHistoryService creates a new history service. kafkaManager may be nil
// when Kafka is disabled; events are then only persisted.
func NewHistoryService(db *db.Database, logger *utils.Logger, kafkaManager *kafka.Manager) *HistoryService {
	repoFactory := repository.NewRepositoryFactory(db.DB)
	return &HistoryService{
		db:           db,
		logger:       logger.Named("history_service"),
		kafkaManager: kafkaManager,
		historyRepo:  repoFactory.History(),
		deviceRepo:   repoFactory.Device(),
		queue:        make(chan auditEvent, 256),
		lastPlan:     make(map[string]string),
	}
}

// Start launches the background processor draining the audit queue
func (s *HistoryService) Start(ctx context.Context) {
	go s.processQueue(ctx)
}

// AnomalyDetected records a detected anomaly
func (s *HistoryService) AnomalyDetected(deviceID string, anomaly monitor.Anomaly) {
	s.enqueue(auditEvent{kind: "anomaly", deviceID: deviceID, at: anomaly.Timestamp, anomaly: &anomaly})
}

// HealingTransition records a self-healing state transition
func (s *HistoryService) HealingTransition(deviceID string, from, to healing.State) {
	s.enqueue(auditEvent{
		kind:      "healing",
		deviceID:  deviceID,
		at:        time.Now(),
		fromState: string(from),
		toState:   string(to),
	})
}

// PatchTransition records a firmware patch stage transition
func (s *HistoryService) PatchTransition(deviceID string, from, to firmware.Stage) {
	s.enqueue(auditEvent{
		kind:      "patch",
		deviceID:  deviceID,
		at:        time.Now(),
		fromState: string(from),
		toState:   string(to),
	})
}

// ReportUpdated records a refreshed device report as a health snapshot
func (s *HistoryService) ReportUpdated(report maintenance.DeviceReport) {
	s.enqueue(auditEvent{kind: "report", deviceID: report.DeviceID, at: report.GeneratedAt, report: &report})
}

func (s *HistoryService) enqueue(event auditEvent) {
	select {
	case s.queue <- event:
	default:
		s.logger.Warn("Audit queue full, dropping event",
			zap.String("device_id", event.deviceID),
			zap.String("kind", event.kind))
	}
}

// processQueue writes queued audit events to the store and mirrors them to
// Kafka
func (s *HistoryService) processQueue(ctx context.Context) {
	s.logger.Info("Starting audit processor")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping audit processor")
			return

		case event := <-s.queue:
			if err := s.processEvent(event); err != nil {
				s.logger.Error("Failed to process audit event",
					zap.String("device_id", event.deviceID),
					zap.String("kind", event.kind),
					zap.Error(err))
			}
		}
	}
}

func (s *HistoryService) processEvent(event auditEvent) error {
	switch event.kind {
	case "anomaly":
		return s.recordAnomaly(event)
	case "healing", "patch":
		return s.recordTransition(event)
	case "report":
		return s.recordReport(event)
	default:
		return fmt.Errorf("unknown audit event kind: %s", event.kind)
	}
}

func (s *HistoryService) recordAnomaly(event auditEvent) error {
	record := &models.AnomalyRecord{
		Time:       event.anomaly.Timestamp,
		AnomalyID:  event.anomaly.ID,
		DeviceID:   event.deviceID,
		Metric:     event.anomaly.Metric,
		Value:      event.anomaly.Value,
		ZScore:     event.anomaly.ZScore,
		Severity:   string(event.anomaly.Severity),
		Confidence: event.anomaly.Confidence,
	}
	if err := s.historyRepo.InsertAnomaly(record); err != nil {
		return fmt.Errorf("failed to store anomaly: %w", err)
	}
	return nil
}

func (s *HistoryService) recordTransition(event auditEvent) error {
	record := &models.MaintenanceEvent{
		Time:      event.at,
		EventID:   uuid.NewString(),
		DeviceID:  event.deviceID,
		Kind:      event.kind,
		FromState: event.fromState,
		ToState:   event.toState,
	}
	if err := s.historyRepo.InsertMaintenanceEvent(record); err != nil {
		return fmt.Errorf("failed to store maintenance event: %w", err)
	}

	if s.kafkaManager != nil && s.kafkaManager.IsRunning() {
		err := s.kafkaManager.ProduceMaintenanceEvent(event.deviceID, event.kind, event.fromState, event.toState)
		if err != nil {
			s.logger.Error("Failed to produce maintenance event to Kafka",
				zap.String("device_id", event.deviceID),
				zap.Error(err))
		}
	}

	return nil
}

func (s *HistoryService) recordReport(event auditEvent) error {
	report := event.report

	snapshot := &models.HealthSnapshot{
		Time:               report.GeneratedAt,
		DeviceID:           report.DeviceID,
		Score:              report.Health,
		FailureProbability: report.Risk.Probability,
		Horizon:            string(report.Risk.Horizon),
		Slope:              report.Risk.Slope,
	}
	if err := s.historyRepo.InsertHealthSnapshot(snapshot); err != nil {
		return fmt.Errorf("failed to store health snapshot: %w", err)
	}

	// A finished patch plan appearing for the first time gets its summary row
	if p := report.LastPatch; p != nil && p.Status != firmware.StatusInProgress && s.lastPlan[report.DeviceID] != p.ID {
		s.lastPlan[report.DeviceID] = p.ID
		record := &models.PatchRecord{
			Time:          p.StartedAt,
			PlanID:        p.ID,
			DeviceID:      p.DeviceID,
			Model:         p.Model,
			FromVersion:   p.FromVersion,
			TargetVersion: p.TargetVersion,
			Status:        string(p.Status),
			Reason:        p.Reason,
		}
		if err := s.historyRepo.InsertPatchRecord(record); err != nil {
			s.logger.Error("Failed to store patch record",
				zap.String("plan_id", p.ID),
				zap.String("device_id", p.DeviceID),
				zap.Error(err))
		}
	}

	if s.kafkaManager != nil && s.kafkaManager.IsRunning() {
		if err := s.kafkaManager.ProduceDeviceReport(report.DeviceID, report); err != nil {
			s.logger.Error("Failed to produce device report to Kafka",
				zap.String("device_id", report.DeviceID),
				zap.Error(err))
		}
	}

	return nil
}

// verifyDevice checks the queried device exists in the fleet registry
func (s *HistoryService) verifyDevice(deviceID string) error {
	_, err := s.deviceRepo.GetByDeviceID(deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("device not found")
		}
		s.logger.Error("Failed to verify device exists", zap.String("device_id", deviceID), zap.Error(err))
		return errors.New("database error")
	}
	return nil
}

// GetAnomalies retrieves recorded anomalies for a device
func (s *HistoryService) GetAnomalies(deviceID string, start, end time.Time, severity string, limit int) ([]models.AnomalyRecord, error) {
	if err := s.verifyDevice(deviceID); err != nil {
		return nil, err
	}

	// Validate severity if provided
	if severity != "" {
		validSeverities := map[string]bool{
			"warning": true, "critical": true,
		}

		if !validSeverities[severity] {
			return nil, fmt.Errorf("invalid severity: %s", severity)
		}
	}

	anomalies, err := s.historyRepo.GetAnomalies(deviceID, start, end, severity, limit)
	if err != nil {
		s.logger.Error("Failed to get anomalies",
			zap.String("device_id", deviceID),
			zap.String("severity", severity),
			zap.Error(err))
		return nil, errors.New("failed to retrieve anomalies")
	}

	return anomalies, nil
}

// GetHealthHistory retrieves recorded health snapshots for a device
func (s *HistoryService) GetHealthHistory(deviceID string, start, end time.Time, limit int) ([]models.HealthSnapshot, error) {
	if err := s.verifyDevice(deviceID); err != nil {
		return nil, err
	}

	snapshots, err := s.historyRepo.GetHealthSnapshots(deviceID, start, end, limit)
	if err != nil {
		s.logger.Error("Failed to get health snapshots",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return nil, errors.New("failed to retrieve health history")
	}

	return snapshots, nil
}

// GetLatestHealth retrieves the most recent health snapshot for a device
func (s *HistoryService) GetLatestHealth(deviceID string) (*models.HealthSnapshot, error) {
	if err := s.verifyDevice(deviceID); err != nil {
		return nil, err
	}

	snapshot, err := s.historyRepo.GetLatestHealthSnapshot(deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("no health data recorded for this device")
		}
		s.logger.Error("Failed to get latest health snapshot",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return nil, errors.New("database error")
	}

	return snapshot, nil
}

// GetHealthTrend retrieves bucketed health statistics for a device
func (s *HistoryService) GetHealthTrend(deviceID string, start, end time.Time, interval string) ([]models.HealthTrendPoint, error) {
	if err := s.verifyDevice(deviceID); err != nil {
		return nil, err
	}

	// Validate interval
	validIntervals := map[string]bool{
		"1m": true, "5m": true, "15m": true, "30m": true,
		"1h": true, "6h": true, "12h": true,
		"1d": true, "1w": true, "1mon": true,
	}

	if !validIntervals[interval] {
		return nil, fmt.Errorf("invalid interval: %s", interval)
	}

	trend, err := s.historyRepo.GetHealthTrend(deviceID, start, end, interval)
	if err != nil {
		s.logger.Error("Failed to get health trend",
			zap.String("device_id", deviceID),
			zap.String("interval", interval),
			zap.Error(err))
		return nil, errors.New("failed to retrieve health trend")
	}

	return trend, nil
}

// GetMaintenanceEvents retrieves recorded agent state transitions for a device
func (s *HistoryService) GetMaintenanceEvents(deviceID string, kind string, start, end time.Time, limit int) ([]models.MaintenanceEvent, error) {
	if err := s.verifyDevice(deviceID); err != nil {
		return nil, err
	}

	// Validate kind if provided
	if kind != "" && kind != "healing" && kind != "patch" {
		return nil, fmt.Errorf("invalid event kind: %s", kind)
	}

	events, err := s.historyRepo.GetMaintenanceEvents(deviceID, kind, start, end, limit)
	if err != nil {
		s.logger.Error("Failed to get maintenance events",
			zap.String("device_id", deviceID),
			zap.String("kind", kind),
			zap.Error(err))
		return nil, errors.New("failed to retrieve maintenance events")
	}

	return events, nil
}

// GetPatchRecords retrieves finished patch plan summaries for a device
func (s *HistoryService) GetPatchRecords(deviceID string, start, end time.Time, limit int) ([]models.PatchRecord, error) {
	if err := s.verifyDevice(deviceID); err != nil {
		return nil, err
	}

	records, err := s.historyRepo.GetPatchRecords(deviceID, start, end, limit)
	if err != nil {
		s.logger.Error("Failed to get patch records",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return nil, errors.New("failed to retrieve patch records")
	}

	return records, nil
}
