package repository

import (
	"time"

	"github.com/fleetmend/backend/internal/db/models"
	"gorm.io/gorm"
)

// HistoryRepository defines operations for managing maintenance history data
type HistoryRepository interface {
	Repository
	// Anomaly record operations
	InsertAnomaly(record *models.AnomalyRecord) error
	InsertAnomalyBatch(records []models.AnomalyRecord) error
	GetAnomalies(deviceID string, start, end time.Time, severity string, limit int) ([]models.AnomalyRecord, error)
	DeleteAnomalies(deviceID string, start, end time.Time) error

	// Health snapshot operations
	InsertHealthSnapshot(snapshot *models.HealthSnapshot) error
	InsertHealthBatch(snapshots []models.HealthSnapshot) error
	GetHealthSnapshots(deviceID string, start, end time.Time, limit int) ([]models.HealthSnapshot, error)
	GetLatestHealthSnapshot(deviceID string) (*models.HealthSnapshot, error)
	GetHealthTrend(deviceID string, start, end time.Time, interval string) ([]models.HealthTrendPoint, error)

	// Maintenance event operations
	InsertMaintenanceEvent(event *models.MaintenanceEvent) error
	GetMaintenanceEvents(deviceID string, kind string, start, end time.Time, limit int) ([]models.MaintenanceEvent, error)

	// Patch record operations
	InsertPatchRecord(record *models.PatchRecord) error
	GetPatchRecords(deviceID string, start, end time.Time, limit int) ([]models.PatchRecord, error)

	// Alert operations
	InsertAlert(alert *models.AlertRecord) error
	GetAlerts(deviceID string, start, end time.Time, severity string, limit int) ([]models.AlertRecord, error)
	AcknowledgeAlert(alertID string, ackBy string) error
	DeleteAlert(alertID string) error
}

// historyRepository implements HistoryRepository
type historyRepository struct {
	BaseRepository
}

// NewHistoryRepository creates a new maintenance history repository
func NewHistoryRepository(db *gorm.DB) HistoryRepository {
	return &historyRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// InsertAnomaly inserts a single anomaly record
func (r *historyRepository) InsertAnomaly(record *models.AnomalyRecord) error {
	err := r.GetDB().Create(record).Error
	return r.handleError(err)
}

// InsertAnomalyBatch inserts multiple anomaly records in a batch
func (r *historyRepository) InsertAnomalyBatch(records []models.AnomalyRecord) error {
	// Use a transaction for batches to ensure atomicity
	tx := r.GetDB().Begin()
	if tx.Error != nil {
		return r.handleError(tx.Error)
	}

	// Create batch insert
	if err := tx.CreateInBatches(records, 100).Error; err != nil {
		tx.Rollback()
		return r.handleError(err)
	}

	return r.handleError(tx.Commit().Error)
}

// GetAnomalies retrieves anomaly records for a specific device
func (r *historyRepository) GetAnomalies(deviceID string, start, end time.Time, severity string, limit int) ([]models.AnomalyRecord, error) {
	var records []models.AnomalyRecord

	query := r.GetDB().Where("device_id = ? AND time >= ? AND time <= ?", deviceID, start, end)

	if severity != "" {
		query = query.Where("severity = ?", severity)
	}

	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Order("time desc").Find(&records).Error
	if err != nil {
		return nil, r.handleError(err)
	}

	return records, nil
}

// DeleteAnomalies deletes anomaly records for a device within a time range
func (r *historyRepository) DeleteAnomalies(deviceID string, start, end time.Time) error {
	result := r.GetDB().Where("device_id = ? AND time >= ? AND time <= ?",
		deviceID, start, end).
		Delete(&models.AnomalyRecord{})

	return r.handleError(result.Error)
}

// InsertHealthSnapshot inserts a single health snapshot
func (r *historyRepository) InsertHealthSnapshot(snapshot *models.HealthSnapshot) error {
	err := r.GetDB().Create(snapshot).Error
	return r.handleError(err)
}

// InsertHealthBatch inserts multiple health snapshots in a batch
func (r *historyRepository) InsertHealthBatch(snapshots []models.HealthSnapshot) error {
	// Use a transaction for batches to ensure atomicity
	tx := r.GetDB().Begin()
	if tx.Error != nil {
		return r.handleError(tx.Error)
	}

	// Create batch insert
	if err := tx.CreateInBatches(snapshots, 100).Error; err != nil {
		tx.Rollback()
		return r.handleError(err)
	}

	return r.handleError(tx.Commit().Error)
}

// GetHealthSnapshots retrieves health snapshots for a specific device
func (r *historyRepository) GetHealthSnapshots(deviceID string, start, end time.Time, limit int) ([]models.HealthSnapshot, error) {
	var snapshots []models.HealthSnapshot

	query := r.GetDB().Where("device_id = ? AND time >= ? AND time <= ?", deviceID, start, end)

	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Order("time desc").Find(&snapshots).Error
	if err != nil {
		return nil, r.handleError(err)
	}

	return snapshots, nil
}

// GetLatestHealthSnapshot retrieves the latest health snapshot for a device
func (r *historyRepository) GetLatestHealthSnapshot(deviceID string) (*models.HealthSnapshot, error) {
	var snapshot models.HealthSnapshot
	err := r.GetDB().Where("device_id = ?", deviceID).
		Order("time desc").
		Limit(1).
		First(&snapshot).Error

	if err != nil {
		return nil, r.handleError(err)
	}

	return &snapshot, nil
}

// GetHealthTrend computes bucketed health statistics on the fly using
// TimescaleDB's time_bucket function
func (r *historyRepository) GetHealthTrend(deviceID string, start, end time.Time, interval string) ([]models.HealthTrendPoint, error) {
	var trend []models.HealthTrendPoint

	query := r.GetDB().Raw(`
		SELECT
			time_bucket(?::interval, time) as time_interval,
			? as device_id,
			MIN(score) as min_score,
			MAX(score) as max_score,
			AVG(score) as avg_score,
			MAX(failure_probability) as max_probability,
			COUNT(*) as count
		FROM health_snapshots
		WHERE device_id = ? AND time >= ? AND time <= ?
		GROUP BY time_bucket(?::interval, time)
		ORDER BY time_interval DESC
	`, interval, deviceID, deviceID, start, end, interval)

	err := query.Scan(&trend).Error
	if err != nil {
		return nil, r.handleError(err)
	}

	return trend, nil
}

// InsertMaintenanceEvent inserts a maintenance event
func (r *historyRepository) InsertMaintenanceEvent(event *models.MaintenanceEvent) error {
	err := r.GetDB().Create(event).Error
	return r.handleError(err)
}

// GetMaintenanceEvents retrieves maintenance events for a specific device
func (r *historyRepository) GetMaintenanceEvents(deviceID string, kind string, start, end time.Time, limit int) ([]models.MaintenanceEvent, error) {
	var events []models.MaintenanceEvent

	query := r.GetDB().Where("device_id = ? AND time >= ? AND time <= ?", deviceID, start, end)

	if kind != "" {
		query = query.Where("kind = ?", kind)
	}

	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Order("time desc").Find(&events).Error
	if err != nil {
		return nil, r.handleError(err)
	}

	return events, nil
}

// InsertPatchRecord inserts a patch record
func (r *historyRepository) InsertPatchRecord(record *models.PatchRecord) error {
	err := r.GetDB().Create(record).Error
	return r.handleError(err)
}

// GetPatchRecords retrieves patch records for a specific device
func (r *historyRepository) GetPatchRecords(deviceID string, start, end time.Time, limit int) ([]models.PatchRecord, error) {
	var records []models.PatchRecord

	query := r.GetDB().Where("device_id = ? AND time >= ? AND time <= ?", deviceID, start, end)

	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Order("time desc").Find(&records).Error
	if err != nil {
		return nil, r.handleError(err)
	}

	return records, nil
}

// InsertAlert inserts an alert record
func (r *historyRepository) InsertAlert(alert *models.AlertRecord) error {
	err := r.GetDB().Create(alert).Error
	return r.handleError(err)
}

// GetAlerts retrieves alert records for a specific device
func (r *historyRepository) GetAlerts(deviceID string, start, end time.Time, severity string, limit int) ([]models.AlertRecord, error) {
	var alerts []models.AlertRecord

	query := r.GetDB().Where("device_id = ? AND time >= ? AND time <= ?", deviceID, start, end)

	if severity != "" {
		query = query.Where("severity = ?", severity)
	}

	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Order("time desc").Find(&alerts).Error
	if err != nil {
		return nil, r.handleError(err)
	}

	return alerts, nil
}

// AcknowledgeAlert acknowledges an alert
func (r *historyRepository) AcknowledgeAlert(alertID string, ackBy string) error {
	result := r.GetDB().Model(&models.AlertRecord{}).
		Where("alert_id = ? AND acknowledged = false", alertID).
		Updates(map[string]interface{}{
			"acknowledged": true,
			"ack_by":       ackBy,
			"ack_time":     time.Now(),
		})

	if result.Error != nil {
		return r.handleError(result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteAlert deletes an alert
func (r *historyRepository) DeleteAlert(alertID string) error {
	result := r.GetDB().Where("alert_id = ?", alertID).Delete(&models.AlertRecord{})

	if result.Error != nil {
		return r.handleError(result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
