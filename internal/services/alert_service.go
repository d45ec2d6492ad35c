package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetmend/backend/internal/db"
	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/db/repository"
	"github.com/fleetmend/backend/internal/firmware"
	"github.com/fleetmend/backend/internal/healing"
	"github.com/fleetmend/backend/internal/kafka"
	"github.com/fleetmend/backend/internal/metrics"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Alert kinds emitted by the maintenance pipeline
const (
	AlertKindCriticalAnomaly = "critical_anomaly"
	AlertKindHealingFailed   = "healing_failed"
	AlertKindPatchRolledBack = "patch_rolled_back"
	AlertKindPatchFatal      = "patch_fatal"
)

// AlertService receives alert events from the maintenance pipeline,
// persists them and mirrors them to the alert topic. Raising an alert never
// blocks: events are queued and written by a background processor.
type AlertService struct {
	db           *db.Database
	logger       *utils.Logger
	kafkaManager *kafka.Manager
	historyRepo  repository.HistoryRepository
	userRepo     repository.UserRepository
	queue        chan models.AlertRecord
}

// NewAlertService creates a new alert service. kafkaManager may be nil when
// Kafka is disabled; alerts are then only persisted.
func NewAlertService(db *db.Database, logger *utils.Logger, kafkaManager *kafka.Manager) *AlertService {
	repoFactory := repository.NewRepositoryFactory(db.DB)
	return &AlertService{
		db:           db,
		logger:       logger.Named("alert_service"),
		kafkaManager: kafkaManager,
		historyRepo:  repoFactory.History(),
		userRepo:     repoFactory.User(),
		queue:        make(chan models.AlertRecord, 100),
	}
}

// Start launches the background processor draining the alert queue
func (s *AlertService) Start(ctx context.Context) {
	go s.processQueue(ctx)
}

// CriticalAnomaly raises an alert for a critical anomaly
func (s *AlertService) CriticalAnomaly(deviceID string, anomaly monitor.Anomaly) {
	s.raise(deviceID, AlertKindCriticalAnomaly, "critical",
		fmt.Sprintf("Critical anomaly on %s: %s=%.2f (z-score %.1f)", deviceID, anomaly.Metric, anomaly.Value, anomaly.ZScore),
		anomaly)
}

// HealingFailed raises an alert for an exhausted self-healing session
func (s *AlertService) HealingFailed(deviceID string, session healing.Session) {
	s.raise(deviceID, AlertKindHealingFailed, "critical",
		fmt.Sprintf("Self-healing failed on %s: %s", deviceID, session.Reason),
		session)
}

// PatchRolledBack raises an alert for a firmware patch that was rolled back
func (s *AlertService) PatchRolledBack(deviceID string, plan firmware.PatchPlan) {
	s.raise(deviceID, AlertKindPatchRolledBack, "warning",
		fmt.Sprintf("Firmware patch on %s rolled back to %s: %s", deviceID, plan.FromVersion, plan.Reason),
		plan)
}

// PatchFatal raises an alert for a patch whose rollback failed
func (s *AlertService) PatchFatal(deviceID string, plan firmware.PatchPlan) {
	s.raise(deviceID, AlertKindPatchFatal, "critical",
		fmt.Sprintf("Firmware patch on %s needs operator intervention: %s", deviceID, plan.Reason),
		plan)
}

// raise queues an alert for persistence. When the queue is full the alert
// is dropped with a warning rather than stalling the pipeline.
func (s *AlertService) raise(deviceID, kind, severity, message string, details interface{}) {
	metrics.AlertsEmitted.WithLabelValues(kind).Inc()

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		s.logger.Warn("Failed to encode alert details", zap.String("kind", kind), zap.Error(err))
		detailsJSON = nil
	}

	record := models.AlertRecord{
		Time:        time.Now(),
		AlertID:     uuid.NewString(),
		DeviceID:    deviceID,
		Kind:        kind,
		Severity:    severity,
		Message:     message,
		DetailsJSON: string(detailsJSON),
	}

	select {
	case s.queue <- record:
	default:
		s.logger.Warn("Alert queue full, dropping alert",
			zap.String("device_id", deviceID),
			zap.String("kind", kind))
	}
}

// processQueue persists queued alerts and mirrors them to Kafka
func (s *AlertService) processQueue(ctx context.Context) {
	s.logger.Info("Starting alert processor")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping alert processor")
			return

		case record := <-s.queue:
			if err := s.historyRepo.InsertAlert(&record); err != nil {
				s.logger.Error("Failed to persist alert",
					zap.String("alert_id", record.AlertID),
					zap.String("device_id", record.DeviceID),
					zap.Error(err))
			}

			if s.kafkaManager != nil && s.kafkaManager.IsRunning() {
				err := s.kafkaManager.ProduceAlert(record.DeviceID, record.Kind, record.Severity,
					record.Message, json.RawMessage(record.DetailsJSON))
				if err != nil {
					s.logger.Error("Failed to produce alert to Kafka",
						zap.String("alert_id", record.AlertID),
						zap.Error(err))
				}
			}
		}
	}
}

// List retrieves alerts for a device within a time window
func (s *AlertService) List(deviceID string, start, end time.Time, severity string, limit int) ([]models.AlertRecord, error) {
	// Validate severity if provided
	if severity != "" {
		validSeverities := map[string]bool{
			"warning": true, "critical": true,
		}

		if !validSeverities[severity] {
			return nil, fmt.Errorf("invalid severity: %s", severity)
		}
	}

	alerts, err := s.historyRepo.GetAlerts(deviceID, start, end, severity, limit)
	if err != nil {
		s.logger.Error("Failed to get alerts",
			zap.String("device_id", deviceID),
			zap.String("severity", severity),
			zap.Error(err))
		return nil, errors.New("failed to retrieve alerts")
	}

	return alerts, nil
}

// Acknowledge marks an alert as acknowledged by the given user
func (s *AlertService) Acknowledge(alertID string, userID uint) error {
	// Resolve user name or email for ack attribution
	var ackBy string
	user, err := s.userRepo.GetByID(userID)
	if err != nil {
		s.logger.Warn("Failed to get user for alert acknowledgment",
			zap.Uint("user_id", userID),
			zap.Error(err))
		ackBy = fmt.Sprintf("user-%d", userID)
	} else if user.FirstName != "" && user.LastName != "" {
		ackBy = fmt.Sprintf("%s %s", user.FirstName, user.LastName)
	} else {
		ackBy = user.Email
	}

	err = s.historyRepo.AcknowledgeAlert(alertID, ackBy)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("alert not found or already acknowledged")
		}
		s.logger.Error("Failed to acknowledge alert",
			zap.String("alert_id", alertID),
			zap.String("ack_by", ackBy),
			zap.Error(err))
		return errors.New("failed to acknowledge alert")
	}

	return nil
}
