package healing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/devicectl"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/fleetmend/backend/internal/utils"
	"go.uber.org/zap"
)

// State identifies where a healing session is in its lifecycle
type State string

const (
	// StateIdle is the resting state before a session starts
	StateIdle State = "idle"
	// StateDiagnosing maps current symptoms against the rule table
	StateDiagnosing State = "diagnosing"
	// StateSelectingAction picks the least invasive untried action
	StateSelectingAction State = "selecting_action"
	// StateExecuting invokes the device-control gateway
	StateExecuting State = "executing"
	// StateValidating checks whether the action restored the device
	StateValidating State = "validating"
	// StateResolved ends a session that healed the device or found nothing to heal
	StateResolved State = "resolved"
	// StateFailed ends a session that exhausted its options
	StateFailed State = "failed"
)

// Terminal reports whether a state ends the session
func (s State) Terminal() bool {
	return s == StateResolved || s == StateFailed
}

// ActionStatus tracks one recovery action through its lifecycle
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
)

// RecoveryAction is one concrete remediation attempt against a device
type RecoveryAction struct {
	Type        ActionType   `json:"type"`
	DeviceID    string       `json:"device_id"`
	Cause       string       `json:"cause"`
	Status      ActionStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// CauseFinding is one suspected root cause with its supporting symptoms
type CauseFinding struct {
	Cause       string            `json:"cause"`
	Severity    monitor.Severity  `json:"severity"`
	Firmware    bool              `json:"firmware"`
	Symptoms    []monitor.Anomaly `json:"symptoms"`
	LastSymptom time.Time         `json:"last_symptom"`
	Actions     []ActionType      `json:"actions"`
}

// recurs reports whether an anomaly looks like a recurrence of this cause's symptoms
func (c *CauseFinding) recurs(a monitor.Anomaly) bool {
	if len(c.Symptoms) == 0 {
		return true
	}
	for _, s := range c.Symptoms {
		if s.Metric == a.Metric {
			return true
		}
	}
	return false
}

// Diagnosis is the ranked set of suspected causes for a device's current symptoms
type Diagnosis struct {
	DeviceID  string         `json:"device_id"`
	Health    float64        `json:"health"`
	Causes    []CauseFinding `json:"causes"`
	CreatedAt time.Time      `json:"created_at"`
}

// FirmwareCause returns the highest-ranked cause attributed to a firmware defect
func (d *Diagnosis) FirmwareCause() *CauseFinding {
	for i := range d.Causes {
		if d.Causes[i].Firmware {
			return &d.Causes[i]
		}
	}
	return nil
}

// FirmwareSymptomCount counts anomalies supporting firmware-attributed causes
func (d *Diagnosis) FirmwareSymptomCount() int {
	count := 0
	for i := range d.Causes {
		if d.Causes[i].Firmware {
			count += len(d.Causes[i].Symptoms)
		}
	}
	return count
}

// Session is the record of one healing run for a device
type Session struct {
	DeviceID  string          `json:"device_id"`
	State     State           `json:"state"`
	Diagnosis *Diagnosis      `json:"diagnosis,omitempty"`
	Action    *RecoveryAction `json:"action,omitempty"`
	Trail     []State         `json:"trail"`
	Reason    string          `json:"reason,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
}

// SignalSource supplies the live health and anomaly signals the agent diagnoses from
type SignalSource interface {
	Health(deviceID string, now time.Time) float64
	RecentAnomalies(deviceID string) []monitor.Anomaly
}

// ActionExecutor carries a recovery action to the device-control gateway.
// Implementations retry transient failures internally; a returned error means
// the attempt's budget is spent.
type ActionExecutor interface {
	Execute(ctx context.Context, deviceID string, action ActionType) error
}

// TransitionFunc observes session state transitions
type TransitionFunc func(deviceID string, from, to State)

// Agent drives the diagnose-and-recover state machine for one device at a
// time per device. The caller (the per-device maintenance worker) guarantees
// a device never has two concurrent runs.
type Agent struct {
	cfg          *config.HealingConfig
	logger       *utils.Logger
	rules        *RuleTable
	signals      SignalSource
	executor     ActionExecutor
	mu           sync.RWMutex
	sessions     map[string]*Session
	onTransition TransitionFunc
}

// NewAgent creates a new self-healing agent
func NewAgent(cfg *config.HealingConfig, rules *RuleTable, signals SignalSource, executor ActionExecutor, logger *utils.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		logger:   logger.Named("self_healing"),
		rules:    rules,
		signals:  signals,
		executor: executor,
		sessions: make(map[string]*Session),
	}
}

// OnTransition registers an observer for session state transitions
func (a *Agent) OnTransition(fn TransitionFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onTransition = fn
}

// Session returns a snapshot of the device's current or most recent session
func (a *Agent) Session(deviceID string) (Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[deviceID]
	if !ok {
		return Session{}, false
	}
	return a.snapshotLocked(s), true
}

// Forget discards session history for a deregistered device
func (a *Agent) Forget(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, deviceID)
}

// Diagnose maps the device's current symptoms against the rule table and
// returns the suspected causes ranked by severity, most recent symptom first
// within a severity tier.
func (a *Agent) Diagnose(deviceID string, now time.Time) *Diagnosis {
	anomalies := a.signals.RecentAnomalies(deviceID)
	health := a.signals.Health(deviceID, now)

	var findings []CauseFinding
	for i := range a.rules.Rules {
		rule := &a.rules.Rules[i]
		symptoms, ok := rule.match(anomalies, health)
		if !ok {
			continue
		}
		findings = append(findings, CauseFinding{
			Cause:       rule.Cause,
			Severity:    maxSeverity(symptoms),
			Firmware:    rule.Firmware,
			Symptoms:    symptoms,
			LastSymptom: latestTimestamp(symptoms),
			Actions:     rule.Actions,
		})
	}

	sort.SliceStable(findings, func(i, j int) bool {
		ri, rj := severityRank(findings[i].Severity), severityRank(findings[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return findings[i].LastSymptom.After(findings[j].LastSymptom)
	})

	return &Diagnosis{
		DeviceID:  deviceID,
		Health:    health,
		Causes:    findings,
		CreatedAt: now,
	}
}

// Run executes one full healing cycle for a device and returns the terminal
// session. A diagnosis with no causes resolves immediately without touching
// the device.
func (a *Agent) Run(ctx context.Context, deviceID string) (Session, error) {
	session := &Session{
		DeviceID:  deviceID,
		State:     StateIdle,
		Trail:     []State{StateIdle},
		StartedAt: time.Now(),
	}
	a.mu.Lock()
	a.sessions[deviceID] = session
	a.mu.Unlock()

	a.transition(session, StateDiagnosing)
	diagnosis := a.Diagnose(deviceID, time.Now())
	a.mu.Lock()
	session.Diagnosis = diagnosis
	a.mu.Unlock()

	if len(diagnosis.Causes) == 0 {
		a.logger.Debug("Nothing to heal", zap.String("device_id", deviceID))
		a.finish(session, StateResolved, "no suspected causes")
		return a.snapshot(session), nil
	}

	a.logger.Info("Healing session started",
		zap.String("device_id", deviceID),
		zap.String("top_cause", diagnosis.Causes[0].Cause),
		zap.Int("causes", len(diagnosis.Causes)))

	attempts := make(map[string]int)
	for {
		if err := ctx.Err(); err != nil {
			a.finish(session, StateFailed, "canceled: "+err.Error())
			return a.snapshot(session), err
		}

		a.transition(session, StateSelectingAction)
		cause, actionType, ok := a.selectAction(diagnosis, attempts)
		if !ok {
			a.logger.Warn("Healing exhausted all candidate actions", zap.String("device_id", deviceID))
			a.finish(session, StateFailed, "all candidate actions exhausted")
			return a.snapshot(session), nil
		}

		key := cause.Cause + "/" + string(actionType)
		attempts[key]++
		action := &RecoveryAction{
			Type:      actionType,
			DeviceID:  deviceID,
			Cause:     cause.Cause,
			Status:    ActionPending,
			Attempts:  attempts[key],
			StartedAt: time.Now(),
		}
		a.mu.Lock()
		session.Action = action
		a.mu.Unlock()

		a.transition(session, StateExecuting)
		executedAt := time.Now()
		if err := a.execute(ctx, action); err != nil {
			class := devicectl.ClassOf(err)
			a.logger.Warn("Recovery action failed",
				zap.String("device_id", deviceID),
				zap.String("action", string(actionType)),
				zap.String("class", string(class)),
				zap.Error(err))

			if class == devicectl.FaultFatal {
				a.finish(session, StateFailed, "fatal action failure: "+err.Error())
				return a.snapshot(session), nil
			}
			if class == devicectl.FaultPermanent {
				// Definitive rejection, remaining attempts for this pair are pointless
				attempts[key] = a.cfg.MaxAttemptsPerAction
			}
			continue
		}

		a.transition(session, StateValidating)
		if a.validate(ctx, deviceID, cause, executedAt) {
			a.completeAction(action, ActionSucceeded)
			a.logger.Info("Healing session resolved",
				zap.String("device_id", deviceID),
				zap.String("action", string(actionType)),
				zap.String("cause", cause.Cause))
			a.finish(session, StateResolved, "")
			return a.snapshot(session), nil
		}
		a.completeAction(action, ActionFailed)
	}
}

// selectAction picks the least invasive untried action for the top-ranked
// cause that still has candidates, honoring the per-pair attempt budget
func (a *Agent) selectAction(diagnosis *Diagnosis, attempts map[string]int) (*CauseFinding, ActionType, bool) {
	for i := range diagnosis.Causes {
		cause := &diagnosis.Causes[i]
		for _, actionType := range a.rules.orderByInvasiveness(cause.Actions) {
			key := cause.Cause + "/" + string(actionType)
			if attempts[key] < a.cfg.MaxAttemptsPerAction {
				return cause, actionType, true
			}
		}
	}
	return nil, "", false
}

// execute carries the action to the gateway and records the outcome on it
func (a *Agent) execute(ctx context.Context, action *RecoveryAction) error {
	a.mu.Lock()
	action.Status = ActionExecuting
	a.mu.Unlock()

	a.logger.Info("Executing recovery action",
		zap.String("device_id", action.DeviceID),
		zap.String("action", string(action.Type)),
		zap.String("cause", action.Cause),
		zap.Int("attempt", action.Attempts))

	err := a.executor.Execute(ctx, action.DeviceID, action.Type)
	if err != nil {
		a.mu.Lock()
		action.Status = ActionFailed
		action.Error = err.Error()
		action.CompletedAt = time.Now()
		a.mu.Unlock()
	}
	return err
}

// validate waits out the settle delay and then accepts the action if health
// recovered past the threshold, or if the triggering symptoms did not recur
// within the validation window
func (a *Agent) validate(ctx context.Context, deviceID string, cause *CauseFinding, since time.Time) bool {
	if !a.wait(ctx, time.Duration(a.cfg.SettleDelaySeconds)*time.Second) {
		return false
	}

	if a.signals.Health(deviceID, time.Now()) >= a.cfg.RecoveryThreshold {
		return true
	}

	if !a.wait(ctx, time.Duration(a.cfg.ValidationSeconds)*time.Second) {
		return false
	}

	for _, anomaly := range a.signals.RecentAnomalies(deviceID) {
		if anomaly.Timestamp.After(since) && cause.recurs(anomaly) {
			return false
		}
	}
	return true
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

func (a *Agent) completeAction(action *RecoveryAction, status ActionStatus) {
	a.mu.Lock()
	action.Status = status
	action.CompletedAt = time.Now()
	a.mu.Unlock()
}

// transition moves the session to the next state and notifies the observer
func (a *Agent) transition(session *Session, to State) {
	a.mu.Lock()
	from := session.State
	session.State = to
	session.Trail = append(session.Trail, to)
	fn := a.onTransition
	a.mu.Unlock()

	a.logger.Debug("Healing state transition",
		zap.String("device_id", session.DeviceID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	if fn != nil {
		fn(session.DeviceID, from, to)
	}
}

// finish records the terminal state and reason
func (a *Agent) finish(session *Session, state State, reason string) {
	a.mu.Lock()
	session.Reason = reason
	session.EndedAt = time.Now()
	a.mu.Unlock()
	a.transition(session, state)
}

func (a *Agent) snapshot(session *Session) Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked(session)
}

// snapshotLocked copies the session for safe concurrent readers; the
// diagnosis is immutable once attached, the action is copied by value
func (a *Agent) snapshotLocked(session *Session) Session {
	out := Session{
		DeviceID:  session.DeviceID,
		State:     session.State,
		Diagnosis: session.Diagnosis,
		Reason:    session.Reason,
		StartedAt: session.StartedAt,
		EndedAt:   session.EndedAt,
	}
	if session.Action != nil {
		action := *session.Action
		out.Action = &action
	}
	out.Trail = make([]State, len(session.Trail))
	copy(out.Trail, session.Trail)
	return out
}
