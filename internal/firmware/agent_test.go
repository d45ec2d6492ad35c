package firmware_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/devicectl"
	"github.com/fleetmend/backend/internal/firmware"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu         sync.Mutex
	model      string
	version    string
	currentErr error
	commitErr  error
	committed  []string
}

func (s *fakeStore) CurrentVersion(ctx context.Context, deviceID string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentErr != nil {
		return "", "", s.currentErr
	}
	return s.model, s.version, nil
}

func (s *fakeStore) CommitVersion(ctx context.Context, deviceID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	s.committed = append(s.committed, version)
	s.version = version
	return nil
}

func (s *fakeStore) commits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.committed))
	copy(out, s.committed)
	return out
}

type fakeGateway struct {
	mu            sync.Mutex
	calls         []string
	reported      string
	online        bool
	holdVersion   bool
	stageChecksum string
	stageErr      error
	installErr    error
	rollbackErr   error
	statusErr     error
	onInstall     func()
}

func (g *fakeGateway) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *fakeGateway) callLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	copy(out, g.calls)
	return out
}

func (g *fakeGateway) StageFirmware(ctx context.Context, deviceID, version string) (*devicectl.StagedArtifact, error) {
	g.record("stage:" + version)
	if g.stageErr != nil {
		return nil, g.stageErr
	}
	return &devicectl.StagedArtifact{Version: version, Checksum: g.stageChecksum, SizeBytes: 4 << 20}, nil
}

func (g *fakeGateway) InstallFirmware(ctx context.Context, deviceID, version string) error {
	g.record("install:" + version)
	if g.installErr != nil {
		return g.installErr
	}
	g.mu.Lock()
	if !g.holdVersion {
		g.reported = version
	}
	fn := g.onInstall
	g.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (g *fakeGateway) RollbackFirmware(ctx context.Context, deviceID, toVersion string) error {
	g.record("rollback:" + toVersion)
	if g.rollbackErr != nil {
		return g.rollbackErr
	}
	g.mu.Lock()
	g.reported = toVersion
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) Status(ctx context.Context, deviceID string) (*devicectl.DeviceStatus, error) {
	g.record("status")
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return &devicectl.DeviceStatus{
		DeviceID:        deviceID,
		Online:          g.online,
		FirmwareVersion: g.reported,
		LastSeen:        time.Now(),
	}, nil
}

type fakeSignals struct {
	mu        sync.Mutex
	anomalies []monitor.Anomaly
}

func (s *fakeSignals) RecentAnomalies(deviceID string) []monitor.Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]monitor.Anomaly, len(s.anomalies))
	copy(out, s.anomalies)
	return out
}

func (s *fakeSignals) add(a monitor.Anomaly) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies = append(s.anomalies, a)
}

// testRegistry covers one model with a known-bad version range, a stable fix
// and a newer release candidate that must never be auto-selected.
func testRegistry() *firmware.Registry {
	return &firmware.Registry{
		Issues: []firmware.KnownIssue{
			{
				Model:       "vx-300",
				Versions:    []string{"2.1.0", "2.1.1"},
				Description: "watchdog starves under sustained telemetry load",
				FixedIn:     "2.2.0",
			},
		},
		Releases: []firmware.Release{
			{Model: "vx-300", Version: "2.3.0-rc1", Checksum: "cafe01", Stable: false},
			{Model: "vx-300", Version: "2.2.0", Checksum: "beef02", Stable: true},
			{Model: "vx-300", Version: "2.1.1", Checksum: "beef01", Stable: true},
		},
	}
}

func newTestAgent(reg *firmware.Registry, store *fakeStore, gateway *fakeGateway, signals *fakeSignals) *firmware.Agent {
	cfg := &config.FirmwareConfig{
		SettleDelaySeconds: 0,
		ValidationSeconds:  0,
		AnomalyThreshold:   5,
	}
	return firmware.NewAgent(cfg, reg, store, gateway, signals, utils.NewNopLogger())
}

func TestAgent_SuccessfulPatch(t *testing.T) {
	t.Run("Should commit after validation passes on a known-issue device", func(t *testing.T) {
		// Setup a device running a version covered by a known issue
		store := &fakeStore{model: "vx-300", version: "2.1.0"}
		gateway := &fakeGateway{online: true, stageChecksum: "beef02"}
		signals := &fakeSignals{}
		agent := newTestAgent(testRegistry(), store, gateway, signals)

		var stages []firmware.Stage
		agent.OnTransition(func(deviceID string, from, to firmware.Stage) {
			stages = append(stages, to)
		})

		plan, err := agent.Run(context.Background(), "device-1", 0)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusCommitted, plan.Status)
		assert.Equal(t, firmware.StageCommit, plan.Stage)
		assert.Equal(t, "2.1.0", plan.FromVersion)
		assert.Equal(t, "2.2.0", plan.TargetVersion)
		assert.Contains(t, plan.Reason, "known issue")
		assert.False(t, plan.RequiresOperator())

		// The target version is committed exactly once
		assert.Equal(t, []string{"2.2.0"}, store.commits())

		// Stage, apply and status check ran in order with no rollback
		assert.Equal(t, []string{"stage:2.2.0", "install:2.2.0", "status"}, gateway.callLog())

		// The pipeline walked stage -> apply -> validate -> commit
		assert.Equal(t, []firmware.Stage{
			firmware.StageStage,
			firmware.StageApply,
			firmware.StageValidate,
			firmware.StageCommit,
		}, stages)
	})

	t.Run("Should not commit the version before the commit stage", func(t *testing.T) {
		store := &fakeStore{model: "vx-300", version: "2.1.0"}
		gateway := &fakeGateway{online: true, stageChecksum: "beef02"}
		signals := &fakeSignals{}
		agent := newTestAgent(testRegistry(), store, gateway, signals)

		// At install time the bookkeeping must still show the old version
		gateway.onInstall = func() {
			assert.Empty(t, store.commits())
			_, version, err := store.CurrentVersion(context.Background(), "device-1")
			assert.NoError(t, err)
			assert.Equal(t, "2.1.0", version)
		}

		plan, err := agent.Run(context.Background(), "device-1", 0)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusCommitted, plan.Status)
	})

	t.Run("Should ignore critical anomalies predating the install", func(t *testing.T) {
		store := &fakeStore{model: "vx-300", version: "2.1.0"}
		gateway := &fakeGateway{online: true, stageChecksum: "beef02"}
		signals := &fakeSignals{}

		// The anomaly that prompted the patch happened before the install
		signals.add(monitor.Anomaly{
			DeviceID:  "device-1",
			Metric:    "restart_count",
			Severity:  monitor.SeverityCritical,
			Timestamp: time.Now().Add(-10 * time.Minute),
		})

		agent := newTestAgent(testRegistry(), store, gateway, signals)
		plan, err := agent.Run(context.Background(), "device-1", 0)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusCommitted, plan.Status)
	})
}

func TestAgent_Analyze(t *testing.T) {
	t.Run("Should be a no-op when nothing indicates a firmware need", func(t *testing.T) {
		store := &fakeStore{model: "vx-300", version: "2.2.0"}
		gateway := &fakeGateway{online: true, stageChecksum: "beef02"}
		agent := newTestAgent(testRegistry(), store, gateway, &fakeSignals{})

		plan, err := agent.Run(context.Background(), "device-1", 0)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusNotNeeded, plan.Status)
		assert.Equal(t, firmware.StageAnalyze, plan.Stage)
		assert.Empty(t, gateway.callLog())
		assert.Empty(t, store.commits())
	})

	t.Run("Should be a no-op when already on the latest stable release", func(t *testing.T) {
		store := &fakeStore{model: "vx-300", version: "2.2.0"}
		gateway := &fakeGateway{online: true, stageChecksum: "beef02"}
		agent := newTestAgent(testRegistry(), store, gateway, &fakeSignals{})

		// Symptom count above threshold, but no newer stable release exists
		plan, err := agent.Run(context.Background(), "device-1", 8)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusNotNeeded, plan.Status)
		assert.Contains(t, plan.Reason, "no newer stable release")
		assert.Empty(t, gateway.callLog())
	})

	t.Run("Should target the latest stable release when symptoms cross the threshold", func(t *testing.T) {
		// 2.0.5 is not covered by any known issue
		store := &fakeStore{model: "vx-300", version: "2.0.5"}
		gateway := &fakeGateway{online: true, stageChecksum: "beef02"}
		agent := newTestAgent(testRegistry(), store, gateway, &fakeSignals{})

		plan, err := agent.Run(context.Background(), "device-1", 5)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusCommitted, plan.Status)
		// The release candidate is newer but unstable and must be skipped
		assert.Equal(t, "2.2.0", plan.TargetVersion)
		assert.Contains(t, plan.Reason, "attributed to firmware")
	})

	t.Run("Should abort when the current version cannot be determined", func(t *testing.T) {
		store := &fakeStore{currentErr: errors.New("device not registered")}
		gateway := &fakeGateway{online: true}
		agent := newTestAgent(testRegistry(), store, gateway, &fakeSignals{})

		plan, err := agent.Run(context.Background(), "device-1", 0)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusAborted, plan.Status)
		assert.Contains(t, plan.Reason, "cannot determine current version")
		assert.Empty(t, gateway.callLog())
	})

	t.Run("Should abort when a known issue has no available fix", func(t *testing.T) {
		registry := &firmware.Registry{
			Issues: []firmware.KnownIssue{
				{Model: "mx-9", Versions: []string{"1.0.0"}, Description: "flash wear under heavy logging"},
			},
			Releases: []firmware.Release{
				{Model: "mx-9", Version: "1.1.0-beta", Checksum: "aa01", Stable: false},
			},
		}
		store := &fakeStore{model: "mx-9", version: "1.0.0"}
		gateway := &fakeGateway{online: true}
		agent := newTestAgent(registry, store, gateway, &fakeSignals{})

		plan, err := agent.Run(context.Background(), "device-1", 0)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusAborted, plan.Status)
		assert.Contains(t, plan.Reason, "known issue without an available fix")
		assert.Empty(t, gateway.callLog())
	})
}

func TestAgent_Staging(t *testing.T) {
	t.Run("Should abort without installing when the artifact checksum mismatches", func(t *testing.T) {
		store := &fakeStore{model: "vx-300", version: "2.1.0"}
		gateway := &fakeGateway{online: true, stageChecksum: "deadbeef"}
		agent := newTestAgent(testRegistry(), store, gateway, &fakeSignals{})

		plan, err := agent.Run(context.Background(), "device-1", 0)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusAborted, plan.Status)
		assert.Equal(t, firmware.StageStage, plan.Stage)
		assert.Contains(t, plan.Reason, "integrity")

		// The device was never touched beyond staging
		assert.Equal(t, []string{"stage:2.2.0"}, gateway.callLog())
		assert.Empty(t, store.commits())
	})

	t.Run("Should abort when staging fails", func(t *testing.T) {
		store := &fakeStore{model: "vx-300", version: "2.1.0"}
		gateway := &fakeGateway{online: true, stageErr: errors.New("artifact transfer interrupted")}
		agent := newTestAgent(testRegistry(), store, gateway, &fakeSignals{})

		plan, err := agent.Run(context.Background(), "device-1", 0)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusAborted, plan.Status)
		assert.Contains(t, plan.Reason, "staging failed")
		assert.NotContains(t, gateway.callLog(), "install:2.2.0")
	})
}

func TestAgent_Rollback(t *testing.T) {
	t.Run("Should roll back to the prior version when install fails", func(t *testing.T) {
		store := &fakeStore{model: "vx-300", version: "2.1.0"}
		gateway := &fakeGateway{online: true, stageChecksum: "beef02", installErr: errors.New("flash write rejected")}
		agent := newTestAgent(testRegistry(), store, gateway, &fakeSignals{})

		plan, err := agent.Run(context.Background(), "device-1", 0)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusRolledBack, plan.Status)
		assert.Equal(t, firmware.StageRollback, plan.Stage)
		assert.Contains(t, plan.Reason, "install failed")
		assert.False(t, plan.RequiresOperator())

		// Rollback restored exactly the pre-patch version, nothing was committed
		assert.Contains(t, gateway.callLog(), "rollback:2.1.0")
		assert.Empty(t, store.commits())
	})

	t.Run("Should roll back when the device is offline after install", func(t *testing.T) {
		store := &fakeStore{model: "vx-300", version: "2.1.0"}
		gateway := &fakeGateway{online: false, stageChecksum: "beef02"}
		agent := newTestAgent(testRegistry(), store, gateway, &fakeSignals{})

		plan, err := agent.Run(context.Background(), "device-1", 0)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusRolledBack, plan.Status)
		assert.Contains(t, plan.Reason, "offline")
		assert.Contains(t, gateway.callLog(), "rollback:2.1.0")
	})

	t.Run("Should roll back when the device reports the wrong version", func(t *testing.T) {
		store := &fakeStore{model: "vx-300", version: "2.1.0"}
		gateway := &fakeGateway{online: true, stageChecksum: "beef02", holdVersion: true, reported: "2.1.0"}
		agent := newTestAgent(testRegistry(), store, gateway, &fakeSignals{})

		plan, err := agent.Run(context.Background(), "device-1", 0)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusRolledBack, plan.Status)
		assert.Contains(t, plan.Reason, "expected 2.2.0")
	})

	t.Run("Should roll back when a critical anomaly appears after install", func(t *testing.T) {
		store := &fakeStore{model: "vx-300", version: "2.1.0"}
		signals := &fakeSignals{}
		gateway := &fakeGateway{online: true, stageChecksum: "beef02"}
		gateway.onInstall = func() {
			signals.add(monitor.Anomaly{
				DeviceID:  "device-1",
				Metric:    "error_rate",
				Severity:  monitor.SeverityCritical,
				Timestamp: time.Now().Add(time.Second),
			})
		}
		agent := newTestAgent(testRegistry(), store, gateway, signals)

		plan, err := agent.Run(context.Background(), "device-1", 0)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusRolledBack, plan.Status)
		assert.Contains(t, plan.Reason, "error_rate")
		assert.Contains(t, gateway.callLog(), "rollback:2.1.0")
		assert.Empty(t, store.commits())
	})

	t.Run("Should go fatal when rollback itself fails", func(t *testing.T) {
		store := &fakeStore{model: "vx-300", version: "2.1.0"}
		gateway := &fakeGateway{
			online:        true,
			stageChecksum: "beef02",
			installErr:    errors.New("flash write rejected"),
			rollbackErr:   &devicectl.Fault{Class: devicectl.FaultTransient, Op: "rollback_firmware", Message: "device unreachable"},
		}
		agent := newTestAgent(testRegistry(), store, gateway, &fakeSignals{})

		plan, err := agent.Run(context.Background(), "device-1", 0)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusFatal, plan.Status)
		assert.Equal(t, firmware.StageFatal, plan.Stage)
		assert.Contains(t, plan.Reason, "rollback failed")
		assert.True(t, plan.RequiresOperator())
	})

	t.Run("Should go fatal when there is no committed version to restore", func(t *testing.T) {
		// A device with no committed version history cannot be rolled back
		store := &fakeStore{model: "vx-300", version: ""}
		gateway := &fakeGateway{online: true, stageChecksum: "beef02", installErr: errors.New("flash write rejected")}
		agent := newTestAgent(testRegistry(), store, gateway, &fakeSignals{})

		plan, err := agent.Run(context.Background(), "device-1", 8)

		require.NoError(t, err)
		assert.Equal(t, firmware.StatusFatal, plan.Status)
		assert.Contains(t, plan.Reason, "no committed version")
		assert.NotContains(t, gateway.callLog(), "rollback:")
		assert.True(t, plan.RequiresOperator())
	})
}

func TestAgent_Commit(t *testing.T) {
	t.Run("Should go fatal when commit bookkeeping fails", func(t *testing.T) {
		store := &fakeStore{model: "vx-300", version: "2.1.0", commitErr: errors.New("database unavailable")}
		gateway := &fakeGateway{online: true, stageChecksum: "beef02"}
		agent := newTestAgent(testRegistry(), store, gateway, &fakeSignals{})

		plan, err := agent.Run(context.Background(), "device-1", 0)

		assert.Error(t, err)
		assert.Equal(t, firmware.StatusFatal, plan.Status)
		assert.Contains(t, plan.Reason, "commit bookkeeping failed")
		assert.True(t, plan.RequiresOperator())
	})
}

func TestAgent_PlanLifecycle(t *testing.T) {
	t.Run("Should expose the latest plan and forget it on request", func(t *testing.T) {
		store := &fakeStore{model: "vx-300", version: "2.1.0"}
		gateway := &fakeGateway{online: true, stageChecksum: "beef02"}
		agent := newTestAgent(testRegistry(), store, gateway, &fakeSignals{})

		_, err := agent.Run(context.Background(), "device-1", 0)
		require.NoError(t, err)

		plan, ok := agent.Plan("device-1")
		require.True(t, ok)
		assert.Equal(t, firmware.StatusCommitted, plan.Status)
		assert.False(t, plan.EndedAt.IsZero())
		assert.NotEmpty(t, plan.ID)

		agent.Forget("device-1")
		_, ok = agent.Plan("device-1")
		assert.False(t, ok)
	})
}
