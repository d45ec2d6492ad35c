package models

import (
	"time"
)

// AnomalyRecord represents a detected anomaly persisted for review
type AnomalyRecord struct {
	Time       time.Time `gorm:"type:timestamptz;primaryKey;not null" json:"time"`
	AnomalyID  string    `gorm:"type:varchar(255);primaryKey;not null" json:"anomaly_id"`
	DeviceID   string    `gorm:"type:varchar(255);not null" json:"device_id"`
	Metric     string    `gorm:"type:varchar(255);not null" json:"metric"`
	Value      float64   `json:"value"`
	ZScore     float64   `json:"z_score"`
	Severity   string    `gorm:"type:varchar(20);not null" json:"severity"` // "warning", "critical"
	Confidence float64   `json:"confidence"`
}

// TableName overrides the table name for AnomalyRecord
func (AnomalyRecord) TableName() string {
	return "anomaly_records"
}

// HealthSnapshot represents a computed health score and the failure risk
// derived from it at that moment
type HealthSnapshot struct {
	Time               time.Time `gorm:"type:timestamptz;primaryKey;not null" json:"time"`
	DeviceID           string    `gorm:"type:varchar(255);primaryKey;not null" json:"device_id"`
	Score              float64   `json:"score"`
	FailureProbability float64   `json:"failure_probability"`
	Horizon            string    `gorm:"type:varchar(20)" json:"horizon"` // "immediate", "near_term", "long_term"
	Slope              float64   `json:"slope"`
}

// TableName overrides the table name for HealthSnapshot
func (HealthSnapshot) TableName() string {
	return "health_snapshots"
}

// HealthTrendPoint represents bucketed health statistics over an interval.
// Rows are computed on the fly with time_bucket, not stored.
type HealthTrendPoint struct {
	TimeInterval   time.Time `json:"time_interval"`
	DeviceID       string    `json:"device_id"`
	MinScore       float64   `json:"min_score"`
	MaxScore       float64   `json:"max_score"`
	AvgScore       float64   `json:"avg_score"`
	MaxProbability float64   `json:"max_probability"`
	Count          int       `json:"count"`
}

// MaintenanceEvent represents a state transition of a healing session or
// a firmware patch plan
type MaintenanceEvent struct {
	Time      time.Time `gorm:"type:timestamptz;primaryKey;not null" json:"time"`
	EventID   string    `gorm:"type:varchar(255);primaryKey;not null" json:"event_id"`
	DeviceID  string    `gorm:"type:varchar(255);not null" json:"device_id"`
	Kind      string    `gorm:"type:varchar(50);not null" json:"kind"` // "healing", "patch"
	FromState string    `gorm:"type:varchar(50)" json:"from_state"`
	ToState   string    `gorm:"type:varchar(50);not null" json:"to_state"`
}

// TableName overrides the table name for MaintenanceEvent
func (MaintenanceEvent) TableName() string {
	return "maintenance_events"
}

// PatchRecord represents the outcome of a finished firmware patch plan
type PatchRecord struct {
	Time          time.Time `gorm:"type:timestamptz;primaryKey;not null" json:"time"`
	PlanID        string    `gorm:"type:varchar(255);primaryKey;not null" json:"plan_id"`
	DeviceID      string    `gorm:"type:varchar(255);not null" json:"device_id"`
	Model         string    `gorm:"type:varchar(255)" json:"model"`
	FromVersion   string    `gorm:"type:varchar(100)" json:"from_version"`
	TargetVersion string    `gorm:"type:varchar(100)" json:"target_version"`
	Status        string    `gorm:"type:varchar(20);not null" json:"status"` // "committed", "rolled_back", "aborted", "fatal"
	Reason        string    `json:"reason,omitempty"`
}

// TableName overrides the table name for PatchRecord
func (PatchRecord) TableName() string {
	return "patch_records"
}

// AlertRecord represents a raised maintenance alert
type AlertRecord struct {
	Time         time.Time `gorm:"type:timestamptz;primaryKey;not null" json:"time"`
	AlertID      string    `gorm:"type:varchar(255);primaryKey;not null" json:"alert_id"`
	DeviceID     string    `gorm:"type:varchar(255);not null" json:"device_id"`
	Kind         string    `gorm:"type:varchar(50);not null" json:"kind"`     // "critical_anomaly", "healing_failed", "patch_rolled_back", "patch_fatal"
	Severity     string    `gorm:"type:varchar(20);not null" json:"severity"` // "warning", "critical"
	Message      string    `json:"message"`
	DetailsJSON  string    `gorm:"type:jsonb" json:"details_json,omitempty"`
	Acknowledged bool      `gorm:"default:false" json:"acknowledged"`
	AckBy        string    `json:"ack_by,omitempty"`
	AckTime      time.Time `gorm:"type:timestamptz" json:"ack_time,omitempty"`
}

// TableName overrides the table name for AlertRecord
func (AlertRecord) TableName() string {
	return "alert_records"
}
