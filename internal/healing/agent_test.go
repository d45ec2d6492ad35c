package healing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/devicectl"
	"github.com/fleetmend/backend/internal/healing"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSignals is a controllable stand-in for the live health/anomaly feed
type fakeSignals struct {
	mu        sync.Mutex
	health    float64
	anomalies []monitor.Anomaly
}

func (f *fakeSignals) Health(deviceID string, now time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakeSignals) RecentAnomalies(deviceID string) []monitor.Anomaly {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]monitor.Anomaly, len(f.anomalies))
	copy(out, f.anomalies)
	return out
}

func (f *fakeSignals) setHealth(h float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = h
}

func (f *fakeSignals) add(a monitor.Anomaly) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anomalies = append(f.anomalies, a)
}

// fakeExecutor records every action and answers from a scripted result table
type fakeExecutor struct {
	mu        sync.Mutex
	calls     []healing.ActionType
	results   map[healing.ActionType]error
	onSuccess func(action healing.ActionType)
}

func (f *fakeExecutor) Execute(ctx context.Context, deviceID string, action healing.ActionType) error {
	f.mu.Lock()
	f.calls = append(f.calls, action)
	err := f.results[action]
	onSuccess := f.onSuccess
	f.mu.Unlock()

	if err == nil && onSuccess != nil {
		onSuccess(action)
	}
	return err
}

func (f *fakeExecutor) callCount(action healing.ActionType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.calls {
		if c == action {
			count++
		}
	}
	return count
}

func newTestAgent(signals *fakeSignals, executor *fakeExecutor) *healing.Agent {
	cfg := &config.HealingConfig{
		MaxAttemptsPerAction: 2,
		SettleDelaySeconds:   0,
		ValidationSeconds:    0,
		RecoveryThreshold:    75.0,
	}
	return healing.NewAgent(cfg, healing.DefaultRuleTable(), signals, executor, utils.NewNopLogger())
}

func anomalyAt(metric string, severity monitor.Severity, ts time.Time) monitor.Anomaly {
	return monitor.Anomaly{
		ID:         metric + "-" + ts.Format(time.RFC3339Nano),
		DeviceID:   "dev-1",
		Metric:     metric,
		Severity:   severity,
		Confidence: 1.0,
		Timestamp:  ts,
	}
}

func TestAgent_HealthyDeviceResolvesWithoutAction(t *testing.T) {
	signals := &fakeSignals{health: 100}
	executor := &fakeExecutor{}
	agent := newTestAgent(signals, executor)

	session, err := agent.Run(context.Background(), "dev-1")

	require.NoError(t, err)
	assert.Equal(t, healing.StateResolved, session.State)
	assert.Equal(t, "no suspected causes", session.Reason)
	assert.Empty(t, executor.calls)
	assert.Equal(t, []healing.State{
		healing.StateIdle,
		healing.StateDiagnosing,
		healing.StateResolved,
	}, session.Trail)
}

func TestAgent_SuccessfulRecovery(t *testing.T) {
	now := time.Now()
	signals := &fakeSignals{health: 50}
	signals.add(anomalyAt("latency", monitor.SeverityWarning, now.Add(-2*time.Minute)))
	signals.add(anomalyAt("packet_loss", monitor.SeverityWarning, now.Add(-time.Minute)))

	executor := &fakeExecutor{}
	// Executing the action restores the device's health
	executor.onSuccess = func(healing.ActionType) { signals.setHealth(90) }
	agent := newTestAgent(signals, executor)

	var transitions []healing.State
	agent.OnTransition(func(deviceID string, from, to healing.State) {
		transitions = append(transitions, to)
	})

	session, err := agent.Run(context.Background(), "dev-1")

	require.NoError(t, err)
	assert.Equal(t, healing.StateResolved, session.State)
	assert.Equal(t, []healing.ActionType{healing.ActionResetNetwork}, executor.calls)

	require.NotNil(t, session.Action)
	assert.Equal(t, healing.ActionSucceeded, session.Action.Status)
	assert.Equal(t, "network_degradation", session.Action.Cause)
	assert.Equal(t, 1, session.Action.Attempts)

	assert.Equal(t, []healing.State{
		healing.StateDiagnosing,
		healing.StateSelectingAction,
		healing.StateExecuting,
		healing.StateValidating,
		healing.StateResolved,
	}, transitions)
}

func TestAgent_EscalatesLeastInvasiveFirst(t *testing.T) {
	now := time.Now()
	signals := &fakeSignals{health: 70}
	signals.add(anomalyAt("latency", monitor.SeverityWarning, now.Add(-2*time.Minute)))
	signals.add(anomalyAt("packet_loss", monitor.SeverityWarning, now.Add(-time.Minute)))

	executor := &fakeExecutor{
		results: map[healing.ActionType]error{
			healing.ActionResetNetwork: errors.New("gateway timeout"),
		},
	}
	executor.onSuccess = func(healing.ActionType) { signals.setHealth(90) }
	agent := newTestAgent(signals, executor)

	session, err := agent.Run(context.Background(), "dev-1")

	require.NoError(t, err)
	assert.Equal(t, healing.StateResolved, session.State)
	// Two failed attempts at the least invasive action, then escalation
	assert.Equal(t, []healing.ActionType{
		healing.ActionResetNetwork,
		healing.ActionResetNetwork,
		healing.ActionRestartService,
	}, executor.calls)
}

func TestAgent_FailsWhenActionsExhausted(t *testing.T) {
	now := time.Now()
	signals := &fakeSignals{health: 70}
	signals.add(anomalyAt("latency", monitor.SeverityWarning, now.Add(-2*time.Minute)))
	signals.add(anomalyAt("packet_loss", monitor.SeverityWarning, now.Add(-time.Minute)))

	executor := &fakeExecutor{
		results: map[healing.ActionType]error{
			healing.ActionResetNetwork:   errors.New("gateway timeout"),
			healing.ActionRestartService: errors.New("gateway timeout"),
		},
	}
	agent := newTestAgent(signals, executor)

	session, err := agent.Run(context.Background(), "dev-1")

	require.NoError(t, err)
	assert.Equal(t, healing.StateFailed, session.State)
	assert.Equal(t, "all candidate actions exhausted", session.Reason)

	// No (cause, action) pair is ever tried beyond its attempt budget
	assert.Equal(t, 2, executor.callCount(healing.ActionResetNetwork))
	assert.Equal(t, 2, executor.callCount(healing.ActionRestartService))
	assert.Len(t, executor.calls, 4)
}

func TestAgent_PermanentFailureSkipsRemainingAttempts(t *testing.T) {
	now := time.Now()
	signals := &fakeSignals{health: 70}
	signals.add(anomalyAt("latency", monitor.SeverityWarning, now.Add(-2*time.Minute)))
	signals.add(anomalyAt("packet_loss", monitor.SeverityWarning, now.Add(-time.Minute)))

	executor := &fakeExecutor{
		results: map[healing.ActionType]error{
			healing.ActionResetNetwork: &devicectl.Fault{
				Class:      devicectl.FaultPermanent,
				Op:         "reset_network",
				StatusCode: 422,
				Message:    "action not supported by device model",
			},
		},
	}
	executor.onSuccess = func(healing.ActionType) { signals.setHealth(90) }
	agent := newTestAgent(signals, executor)

	session, err := agent.Run(context.Background(), "dev-1")

	require.NoError(t, err)
	assert.Equal(t, healing.StateResolved, session.State)
	// The rejected action is not retried before escalating
	assert.Equal(t, []healing.ActionType{
		healing.ActionResetNetwork,
		healing.ActionRestartService,
	}, executor.calls)
}

func TestAgent_FatalFailureEndsSession(t *testing.T) {
	now := time.Now()
	signals := &fakeSignals{health: 70}
	signals.add(anomalyAt("latency", monitor.SeverityWarning, now.Add(-2*time.Minute)))
	signals.add(anomalyAt("packet_loss", monitor.SeverityWarning, now.Add(-time.Minute)))

	executor := &fakeExecutor{
		results: map[healing.ActionType]error{
			healing.ActionResetNetwork: &devicectl.Fault{
				Class:      devicectl.FaultFatal,
				Op:         "reset_network",
				StatusCode: 410,
				Message:    "device decommissioned",
			},
		},
	}
	agent := newTestAgent(signals, executor)

	session, err := agent.Run(context.Background(), "dev-1")

	require.NoError(t, err)
	assert.Equal(t, healing.StateFailed, session.State)
	assert.Contains(t, session.Reason, "fatal action failure")
	assert.Len(t, executor.calls, 1)
}

func TestAgent_ValidatesByNonRecurrence(t *testing.T) {
	now := time.Now()
	// Health stays below the recovery threshold, but the triggering
	// symptoms stop recurring after the action
	signals := &fakeSignals{health: 60}
	signals.add(anomalyAt("latency", monitor.SeverityWarning, now.Add(-2*time.Minute)))
	signals.add(anomalyAt("packet_loss", monitor.SeverityWarning, now.Add(-time.Minute)))

	executor := &fakeExecutor{}
	agent := newTestAgent(signals, executor)

	session, err := agent.Run(context.Background(), "dev-1")

	require.NoError(t, err)
	assert.Equal(t, healing.StateResolved, session.State)
	assert.Len(t, executor.calls, 1)
}

func TestAgent_RecurrenceFailsValidation(t *testing.T) {
	now := time.Now()
	signals := &fakeSignals{health: 70}
	signals.add(anomalyAt("latency", monitor.SeverityWarning, now.Add(-2*time.Minute)))
	signals.add(anomalyAt("packet_loss", monitor.SeverityWarning, now.Add(-time.Minute)))

	// Every action "succeeds" but the symptom keeps coming back
	executor := &fakeExecutor{}
	executor.onSuccess = func(healing.ActionType) {
		signals.add(anomalyAt("latency", monitor.SeverityWarning, time.Now().Add(time.Second)))
	}
	agent := newTestAgent(signals, executor)

	session, err := agent.Run(context.Background(), "dev-1")

	require.NoError(t, err)
	assert.Equal(t, healing.StateFailed, session.State)
	assert.Equal(t, 2, executor.callCount(healing.ActionResetNetwork))
	assert.Equal(t, 2, executor.callCount(healing.ActionRestartService))
}

func TestAgent_Diagnose(t *testing.T) {
	base := time.Now().Add(-10 * time.Minute)

	// Test case: recency breaks ties between equal-severity causes
	t.Run("Should rank the most recently symptomatic cause first on severity ties", func(t *testing.T) {
		signals := &fakeSignals{health: 70}
		signals.add(anomalyAt("latency", monitor.SeverityWarning, base))
		signals.add(anomalyAt("packet_loss", monitor.SeverityWarning, base.Add(time.Minute)))
		signals.add(anomalyAt("config_errors", monitor.SeverityWarning, base.Add(2*time.Minute)))
		signals.add(anomalyAt("error_rate", monitor.SeverityWarning, base.Add(3*time.Minute)))
		agent := newTestAgent(signals, &fakeExecutor{})

		diagnosis := agent.Diagnose("dev-1", time.Now())

		require.Len(t, diagnosis.Causes, 2)
		assert.Equal(t, "config_drift", diagnosis.Causes[0].Cause)
		assert.Equal(t, "network_degradation", diagnosis.Causes[1].Cause)
	})

	// Test case: a critical cause outranks fresher warnings
	t.Run("Should rank critical causes above more recent warnings", func(t *testing.T) {
		signals := &fakeSignals{health: 70}
		signals.add(anomalyAt("restart_count", monitor.SeverityCritical, base))
		signals.add(anomalyAt("latency", monitor.SeverityWarning, base.Add(time.Minute)))
		signals.add(anomalyAt("packet_loss", monitor.SeverityWarning, base.Add(2*time.Minute)))
		agent := newTestAgent(signals, &fakeExecutor{})

		diagnosis := agent.Diagnose("dev-1", time.Now())

		require.NotEmpty(t, diagnosis.Causes)
		assert.Equal(t, "service_crash", diagnosis.Causes[0].Cause)
		assert.Equal(t, monitor.SeverityCritical, diagnosis.Causes[0].Severity)
	})

	// Test case: broad degradation at low health points at the firmware
	t.Run("Should attribute broad low-health degradation to a firmware defect", func(t *testing.T) {
		signals := &fakeSignals{health: 50}
		signals.add(anomalyAt("voltage", monitor.SeverityCritical, base))
		signals.add(anomalyAt("flash_errors", monitor.SeverityCritical, base.Add(time.Minute)))
		signals.add(anomalyAt("boot_time", monitor.SeverityCritical, base.Add(2*time.Minute)))
		agent := newTestAgent(signals, &fakeExecutor{})

		diagnosis := agent.Diagnose("dev-1", time.Now())

		firmware := diagnosis.FirmwareCause()
		require.NotNil(t, firmware)
		assert.Equal(t, "firmware_defect", firmware.Cause)
		assert.Equal(t, 3, diagnosis.FirmwareSymptomCount())
	})
}

func TestAgent_SessionLifecycle(t *testing.T) {
	signals := &fakeSignals{health: 100}
	agent := newTestAgent(signals, &fakeExecutor{})

	_, err := agent.Run(context.Background(), "dev-1")
	require.NoError(t, err)

	// Test case: the last session stays visible for reporting
	t.Run("Should expose the most recent session", func(t *testing.T) {
		session, ok := agent.Session("dev-1")
		require.True(t, ok)
		assert.Equal(t, healing.StateResolved, session.State)
		assert.False(t, session.EndedAt.IsZero())
	})

	// Test case: deregistration discards session history
	t.Run("Should forget sessions for deregistered devices", func(t *testing.T) {
		agent.Forget("dev-1")
		_, ok := agent.Session("dev-1")
		assert.False(t, ok)
	})
}

func TestAgent_CanceledContext(t *testing.T) {
	now := time.Now()
	signals := &fakeSignals{health: 50}
	signals.add(anomalyAt("latency", monitor.SeverityWarning, now.Add(-2*time.Minute)))
	signals.add(anomalyAt("packet_loss", monitor.SeverityWarning, now.Add(-time.Minute)))
	agent := newTestAgent(signals, &fakeExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session, err := agent.Run(ctx, "dev-1")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, healing.StateFailed, session.State)
	assert.Contains(t, session.Reason, "canceled")
}
