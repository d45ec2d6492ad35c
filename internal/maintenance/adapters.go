package maintenance

import (
	"context"
	"time"

	"github.com/fleetmend/backend/internal/devicectl"
	"github.com/fleetmend/backend/internal/healing"
	"github.com/fleetmend/backend/internal/monitor"
)

// configRepairTarget asks the gateway to restore the configuration defined
// by the device's profile
const configRepairTarget = "profile"

// SignalAdapter exposes the detector and scorer as the live signal source
// both agents diagnose and validate against
type SignalAdapter struct {
	detector *monitor.Detector
	scorer   *monitor.Scorer
}

// NewSignalAdapter creates a signal adapter over the monitoring pipeline
func NewSignalAdapter(detector *monitor.Detector, scorer *monitor.Scorer) *SignalAdapter {
	return &SignalAdapter{detector: detector, scorer: scorer}
}

// Health computes the device's current health from its live anomaly buffer
func (s *SignalAdapter) Health(deviceID string, now time.Time) float64 {
	return s.scorer.Score(deviceID, s.detector.Anomalies(deviceID), now).Score
}

// RecentAnomalies returns the device's current anomaly buffer
func (s *SignalAdapter) RecentAnomalies(deviceID string) []monitor.Anomaly {
	return s.detector.Anomalies(deviceID)
}

// ControlGateway is the slice of the device-control surface recovery actions use
type ControlGateway interface {
	ResetNetwork(ctx context.Context, deviceID string) error
	RepairConfig(ctx context.Context, deviceID, target string) error
	RestartService(ctx context.Context, deviceID string) error
	RollbackFirmware(ctx context.Context, deviceID, toVersion string) error
}

// VersionSource supplies the rollback target for the firmware rollback
// recovery action
type VersionSource interface {
	PreviousVersion(ctx context.Context, deviceID string) (string, error)
}

// GatewayExecutor maps recovery action types onto gateway calls
type GatewayExecutor struct {
	gateway  ControlGateway
	versions VersionSource
}

// NewGatewayExecutor creates the executor backing the self-healing agent
func NewGatewayExecutor(gateway ControlGateway, versions VersionSource) *GatewayExecutor {
	return &GatewayExecutor{gateway: gateway, versions: versions}
}

// Execute carries one recovery action to the device
func (e *GatewayExecutor) Execute(ctx context.Context, deviceID string, action healing.ActionType) error {
	switch action {
	case healing.ActionResetNetwork:
		return e.gateway.ResetNetwork(ctx, deviceID)
	case healing.ActionRepairConfig:
		return e.gateway.RepairConfig(ctx, deviceID, configRepairTarget)
	case healing.ActionRestartService:
		return e.gateway.RestartService(ctx, deviceID)
	case healing.ActionRollbackFirmware:
		version, err := e.versions.PreviousVersion(ctx, deviceID)
		if err != nil {
			return err
		}
		if version == "" {
			return &devicectl.Fault{Class: devicectl.FaultPermanent, Op: "rollback_firmware", Message: "no prior committed version"}
		}
		return e.gateway.RollbackFirmware(ctx, deviceID, version)
	default:
		return &devicectl.Fault{Class: devicectl.FaultPermanent, Op: string(action), Message: "unsupported recovery action"}
	}
}
