package maintenance

import (
	"time"

	"github.com/fleetmend/backend/internal/firmware"
	"github.com/fleetmend/backend/internal/healing"
	"github.com/fleetmend/backend/internal/monitor"
)

// DeviceReport is a read-only snapshot of a device's maintenance posture:
// current health and risk, the recent anomaly window, and the latest
// remediation outcomes. Snapshots are never mutated after creation.
type DeviceReport struct {
	DeviceID          string              `json:"device_id"`
	GeneratedAt       time.Time           `json:"generated_at"`
	Health            float64             `json:"health"`
	Risk              monitor.FailureRisk `json:"risk"`
	RecentAnomalies   []monitor.Anomaly   `json:"recent_anomalies"`
	LastHealing       *healing.Session    `json:"last_healing,omitempty"`
	LastPatch         *firmware.PatchPlan `json:"last_patch,omitempty"`
	RemediationActive bool                `json:"remediation_active"`
	RequiresOperator  bool                `json:"requires_operator"`
}

// needsOperator reports whether the device is beyond automated remediation:
// either a patch went fatal, or healing failed and no patch stands in for it.
func needsOperator(session *healing.Session, plan *firmware.PatchPlan) bool {
	if plan != nil && plan.RequiresOperator() {
		return true
	}
	if session == nil || session.State != healing.StateFailed {
		return false
	}
	if plan == nil {
		return true
	}
	return plan.Status != firmware.StatusCommitted && plan.Status != firmware.StatusInProgress
}
