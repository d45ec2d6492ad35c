package firmware

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/devicectl"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stage identifies where a patch plan is in its pipeline
type Stage string

const (
	// StageAnalyze decides whether a patch is needed and picks the target version
	StageAnalyze Stage = "analyze"
	// StageStage transfers the artifact and verifies its integrity
	StageStage Stage = "stage"
	// StageApply installs the staged version; the device is interim until Commit
	StageApply Stage = "apply"
	// StageValidate runs functional and health checks within a bounded window
	StageValidate Stage = "validate"
	// StageCommit records the new version as current; terminal success
	StageCommit Stage = "commit"
	// StageRollback reinstalls the previously committed version
	StageRollback Stage = "rollback"
	// StageFatal marks a device needing manual intervention; never auto-retried
	StageFatal Stage = "fatal"
)

// PlanStatus is the overall outcome of a patch plan
type PlanStatus string

const (
	StatusInProgress PlanStatus = "in_progress"
	// StatusNotNeeded means analysis found nothing to patch; a no-op, not an error
	StatusNotNeeded PlanStatus = "not_needed"
	// StatusAborted means the plan stopped before touching the device
	StatusAborted PlanStatus = "aborted"
	// StatusCommitted means the target version is now the device's current version
	StatusCommitted PlanStatus = "committed"
	// StatusRolledBack means the device was restored to its pre-patch version
	StatusRolledBack PlanStatus = "rolled_back"
	// StatusFatal means rollback itself failed; operator action is mandatory
	StatusFatal PlanStatus = "fatal"
)

// StageChange records one transition in a plan's history
type StageChange struct {
	From Stage     `json:"from"`
	To   Stage     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// PatchPlan is the staged, rollback-capable firmware update process for one
// device. FromVersion is the committed version at plan start and stays the
// externally visible version until Commit.
type PatchPlan struct {
	ID            string        `json:"id"`
	DeviceID      string        `json:"device_id"`
	Model         string        `json:"model"`
	FromVersion   string        `json:"from_version"`
	TargetVersion string        `json:"target_version"`
	Checksum      string        `json:"checksum,omitempty"`
	Stage         Stage         `json:"stage"`
	Status        PlanStatus    `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	Transitions   []StageChange `json:"transitions"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at,omitempty"`
}

// RequiresOperator reports whether the plan left the device needing manual intervention
func (p *PatchPlan) RequiresOperator() bool {
	return p.Status == StatusFatal
}

// VersionStore is the bookkeeping authority for committed firmware versions.
// CommitVersion must atomically record the new current version and push the
// prior one onto the device's rollback history.
type VersionStore interface {
	CurrentVersion(ctx context.Context, deviceID string) (model string, version string, err error)
	CommitVersion(ctx context.Context, deviceID, version string) error
}

// Gateway carries staging, install and rollback commands to the device
type Gateway interface {
	StageFirmware(ctx context.Context, deviceID, version string) (*devicectl.StagedArtifact, error)
	InstallFirmware(ctx context.Context, deviceID, version string) error
	RollbackFirmware(ctx context.Context, deviceID, toVersion string) error
	Status(ctx context.Context, deviceID string) (*devicectl.DeviceStatus, error)
}

// SignalSource supplies post-install anomaly evidence for validation
type SignalSource interface {
	RecentAnomalies(deviceID string) []monitor.Anomaly
}

// TransitionFunc observes plan stage transitions
type TransitionFunc func(deviceID string, from, to Stage)

// Agent drives the staged firmware patch pipeline. The per-device
// maintenance worker guarantees a device never has two concurrent plans.
type Agent struct {
	cfg          *config.FirmwareConfig
	logger       *utils.Logger
	registry     *Registry
	store        VersionStore
	gateway      Gateway
	signals      SignalSource
	mu           sync.RWMutex
	plans        map[string]*PatchPlan
	onTransition TransitionFunc
}

// NewAgent creates a new firmware patch agent
func NewAgent(cfg *config.FirmwareConfig, registry *Registry, store VersionStore, gateway Gateway, signals SignalSource, logger *utils.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		logger:   logger.Named("firmware_patch"),
		registry: registry,
		store:    store,
		gateway:  gateway,
		signals:  signals,
		plans:    make(map[string]*PatchPlan),
	}
}

// OnTransition registers an observer for plan stage transitions
func (a *Agent) OnTransition(fn TransitionFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onTransition = fn
}

// Plan returns a snapshot of the device's current or most recent patch plan
func (a *Agent) Plan(deviceID string) (PatchPlan, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	plan, ok := a.plans[deviceID]
	if !ok {
		return PatchPlan{}, false
	}
	return a.snapshotLocked(plan), true
}

// Forget discards plan history for a deregistered device
func (a *Agent) Forget(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.plans, deviceID)
}

// Run executes one patch pipeline for a device. firmwareSymptoms is the
// number of recent anomalies the diagnosis attributed to firmware causes.
// The returned plan is terminal; a not-needed outcome is a normal no-op.
func (a *Agent) Run(ctx context.Context, deviceID string, firmwareSymptoms int) (PatchPlan, error) {
	plan := &PatchPlan{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Stage:     StageAnalyze,
		Status:    StatusInProgress,
		StartedAt: time.Now(),
	}
	a.mu.Lock()
	a.plans[deviceID] = plan
	a.mu.Unlock()

	if !a.analyze(ctx, plan, firmwareSymptoms) {
		return a.snapshot(plan), nil
	}

	a.logger.Info("Patch plan started",
		zap.String("device_id", deviceID),
		zap.String("from", plan.FromVersion),
		zap.String("target", plan.TargetVersion),
		zap.String("reason", plan.Reason))

	a.transition(plan, StageStage, "")
	if !a.stage(ctx, plan) {
		return a.snapshot(plan), nil
	}

	a.transition(plan, StageApply, "")
	installedAt := time.Now()
	if err := a.gateway.InstallFirmware(ctx, deviceID, plan.TargetVersion); err != nil {
		a.logger.Warn("Firmware install failed",
			zap.String("device_id", deviceID),
			zap.String("target", plan.TargetVersion),
			zap.Error(err))
		a.rollback(ctx, plan, "install failed: "+err.Error())
		return a.snapshot(plan), nil
	}

	a.transition(plan, StageValidate, "")
	if reason, ok := a.validate(ctx, plan, installedAt); !ok {
		a.rollback(ctx, plan, "validation failed: "+reason)
		return a.snapshot(plan), nil
	}

	a.transition(plan, StageCommit, "")
	if err := a.store.CommitVersion(ctx, deviceID, plan.TargetVersion); err != nil {
		// The device runs the new version but the bookkeeping write failed;
		// an operator must reconcile before any further automated patching.
		a.finish(plan, StageFatal, StatusFatal, "commit bookkeeping failed: "+err.Error())
		return a.snapshot(plan), err
	}

	a.logger.Info("Patch plan committed",
		zap.String("device_id", deviceID),
		zap.String("version", plan.TargetVersion))
	a.finishAt(plan, StageCommit, StatusCommitted, "")
	return a.snapshot(plan), nil
}

// analyze decides whether a patch is needed and selects the target version.
// Returns false when the pipeline should stop, with the plan already terminal.
func (a *Agent) analyze(ctx context.Context, plan *PatchPlan, firmwareSymptoms int) bool {
	model, current, err := a.store.CurrentVersion(ctx, plan.DeviceID)
	if err != nil {
		a.finishAt(plan, StageAnalyze, StatusAborted, "cannot determine current version: "+err.Error())
		return false
	}
	a.mu.Lock()
	plan.Model = model
	plan.FromVersion = current
	a.mu.Unlock()

	var target, reason string
	if issue := a.registry.IssueFor(model, current); issue != nil {
		target = issue.FixedIn
		if target == "" {
			if release, ok := a.registry.LatestStable(model); ok {
				target = release.Version
			}
		}
		if target == "" || target == current {
			a.finishAt(plan, StageAnalyze, StatusAborted, "known issue without an available fix: "+issue.Description)
			return false
		}
		reason = "known issue: " + issue.Description
	} else if firmwareSymptoms >= a.cfg.AnomalyThreshold {
		release, ok := a.registry.LatestStable(model)
		if !ok || release.Version == current {
			a.finishAt(plan, StageAnalyze, StatusNotNeeded, "no newer stable release")
			return false
		}
		target = release.Version
		reason = fmt.Sprintf("%d recent anomalies attributed to firmware", firmwareSymptoms)
	} else {
		a.finishAt(plan, StageAnalyze, StatusNotNeeded, "no firmware need indicated")
		return false
	}

	release, ok := a.registry.ReleaseFor(model, target)
	if !ok {
		a.finishAt(plan, StageAnalyze, StatusAborted, "target version "+target+" not in release catalog")
		return false
	}

	a.mu.Lock()
	plan.TargetVersion = target
	plan.Checksum = release.Checksum
	plan.Reason = reason
	a.mu.Unlock()
	return true
}

// stage transfers the artifact and verifies its integrity against the catalog
func (a *Agent) stage(ctx context.Context, plan *PatchPlan) bool {
	artifact, err := a.gateway.StageFirmware(ctx, plan.DeviceID, plan.TargetVersion)
	if err != nil {
		a.finishAt(plan, StageStage, StatusAborted, "staging failed: "+err.Error())
		return false
	}

	if !strings.EqualFold(artifact.Checksum, plan.Checksum) {
		a.logger.Warn("Staged artifact failed integrity check",
			zap.String("device_id", plan.DeviceID),
			zap.String("expected", plan.Checksum),
			zap.String("got", artifact.Checksum))
		a.finishAt(plan, StageStage, StatusAborted, "artifact integrity check failed")
		return false
	}
	return true
}

// validate runs the functional check after the settle delay, then watches for
// fresh critical anomalies through the validation window
func (a *Agent) validate(ctx context.Context, plan *PatchPlan, installedAt time.Time) (string, bool) {
	if !a.wait(ctx, time.Duration(a.cfg.SettleDelaySeconds)*time.Second) {
		return "canceled during settle delay", false
	}

	status, err := a.gateway.Status(ctx, plan.DeviceID)
	if err != nil {
		return "status check failed: " + err.Error(), false
	}
	if !status.Online {
		return "device offline after install", false
	}
	if status.FirmwareVersion != plan.TargetVersion {
		return fmt.Sprintf("device reports version %s, expected %s", status.FirmwareVersion, plan.TargetVersion), false
	}

	if !a.wait(ctx, time.Duration(a.cfg.ValidationSeconds)*time.Second) {
		return "canceled during validation window", false
	}

	for _, anomaly := range a.signals.RecentAnomalies(plan.DeviceID) {
		if anomaly.Severity == monitor.SeverityCritical && anomaly.Timestamp.After(installedAt) {
			return "critical anomaly on " + anomaly.Metric + " after install", false
		}
	}
	return "", true
}

// rollback reinstalls the previously committed version; if that fails the
// plan is fatal and is never retried automatically
func (a *Agent) rollback(ctx context.Context, plan *PatchPlan, reason string) {
	a.transition(plan, StageRollback, reason)

	if plan.FromVersion == "" {
		a.finish(plan, StageFatal, StatusFatal, "no committed version to roll back to")
		return
	}

	if err := a.gateway.RollbackFirmware(ctx, plan.DeviceID, plan.FromVersion); err != nil {
		a.logger.Error("Firmware rollback failed",
			zap.String("device_id", plan.DeviceID),
			zap.String("to", plan.FromVersion),
			zap.Error(err))
		a.finish(plan, StageFatal, StatusFatal, "rollback failed: "+err.Error())
		return
	}

	a.logger.Warn("Patch rolled back",
		zap.String("device_id", plan.DeviceID),
		zap.String("restored", plan.FromVersion),
		zap.String("reason", reason))
	a.finishAt(plan, StageRollback, StatusRolledBack, reason)
}

func (a *Agent) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// transition moves the plan to the next stage and notifies the observer
func (a *Agent) transition(plan *PatchPlan, to Stage, note string) {
	a.mu.Lock()
	from := plan.Stage
	plan.Stage = to
	plan.Transitions = append(plan.Transitions, StageChange{From: from, To: to, At: time.Now(), Note: note})
	fn := a.onTransition
	a.mu.Unlock()

	a.logger.Debug("Patch stage transition",
		zap.String("device_id", plan.DeviceID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	if fn != nil {
		fn(plan.DeviceID, from, to)
	}
}

// finish transitions to a terminal stage and closes the plan
func (a *Agent) finish(plan *PatchPlan, stage Stage, status PlanStatus, reason string) {
	a.transition(plan, stage, reason)
	a.close(plan, status, reason)
}

// finishAt closes the plan in its current stage without a further transition
func (a *Agent) finishAt(plan *PatchPlan, stage Stage, status PlanStatus, reason string) {
	a.mu.Lock()
	plan.Stage = stage
	a.mu.Unlock()
	a.close(plan, status, reason)
}

func (a *Agent) close(plan *PatchPlan, status PlanStatus, reason string) {
	a.mu.Lock()
	plan.Status = status
	if reason != "" {
		plan.Reason = reason
	}
	plan.EndedAt = time.Now()
	a.mu.Unlock()
}

func (a *Agent) snapshot(plan *PatchPlan) PatchPlan {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked(plan)
}

func (a *Agent) snapshotLocked(plan *PatchPlan) PatchPlan {
	out := *plan
	out.Transitions = make([]StageChange, len(plan.Transitions))
	copy(out.Transitions, plan.Transitions)
	return out
}
