package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/firmware"
	"github.com/fleetmend/backend/internal/healing"
	"github.com/fleetmend/backend/internal/metrics"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/fleetmend/backend/internal/utils"
	"go.uber.org/zap"
)

// Alerter receives the discrete alert events the pipeline emits.
// Implementations must not block; calls happen on ingestion and worker paths.
type Alerter interface {
	CriticalAnomaly(deviceID string, anomaly monitor.Anomaly)
	HealingFailed(deviceID string, session healing.Session)
	PatchRolledBack(deviceID string, plan firmware.PatchPlan)
	PatchFatal(deviceID string, plan firmware.PatchPlan)
}

// Recorder receives the audit trail: every detected anomaly, every agent
// state transition and the report snapshot produced after it.
// Implementations must not block.
type Recorder interface {
	AnomalyDetected(deviceID string, anomaly monitor.Anomaly)
	HealingTransition(deviceID string, from, to healing.State)
	PatchTransition(deviceID string, from, to firmware.Stage)
	ReportUpdated(report DeviceReport)
}

// Orchestrator coordinates the decision pipeline: it feeds samples to the
// detector, runs one evaluation worker per device, and drives the two
// remediation agents under a healing-first policy with at most one in-flight
// remediation per device.
type Orchestrator struct {
	cfg       *config.MaintenanceConfig
	logger    *utils.Logger
	detector  *monitor.Detector
	scorer    *monitor.Scorer
	predictor *monitor.Predictor
	healer    *healing.Agent
	patcher   *firmware.Agent

	mu       sync.RWMutex
	alerter  Alerter
	recorder Recorder
	workers  map[string]*worker
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// worker is the per-device actor record. All evaluation and remediation for
// its device runs on one goroutine; the mailbox coalesces bursts of samples
// into pending evaluation turns.
type worker struct {
	deviceID string
	mailbox  chan struct{}
	stop     chan struct{}
	haltOnce sync.Once

	mu            sync.Mutex
	history       []monitor.HealthPoint
	remediating   bool
	cooldownUntil time.Time
}

func (w *worker) halt() {
	w.haltOnce.Do(func() { close(w.stop) })
}

func (w *worker) drain() {
	for {
		select {
		case <-w.mailbox:
		default:
			return
		}
	}
}

// NewOrchestrator creates the orchestrator and hooks the agents' transition
// observers. Optional collaborators are attached with SetAlerter and
// SetRecorder before Start.
func NewOrchestrator(cfg *config.MaintenanceConfig, detector *monitor.Detector, scorer *monitor.Scorer, predictor *monitor.Predictor, healer *healing.Agent, patcher *firmware.Agent, logger *utils.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		logger:    logger.Named("maintenance"),
		detector:  detector,
		scorer:    scorer,
		predictor: predictor,
		healer:    healer,
		patcher:   patcher,
		workers:   make(map[string]*worker),
	}
	healer.OnTransition(o.onHealingTransition)
	patcher.OnTransition(o.onPatchTransition)
	return o
}

// SetAlerter attaches the alert sink; call before Start
func (o *Orchestrator) SetAlerter(a Alerter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.alerter = a
}

// SetRecorder attaches the audit sink; call before Start
func (o *Orchestrator) SetRecorder(r Recorder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorder = r
}

func (o *Orchestrator) alertSink() Alerter {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.alerter
}

func (o *Orchestrator) auditSink() Recorder {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.recorder
}

// Start launches an evaluation worker for every known device. Ingest may be
// called before Start; evaluation begins once started.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.started = true
	for _, w := range o.workers {
		o.wg.Add(1)
		go o.runWorker(w)
	}
	o.logger.Info("Maintenance orchestrator started", zap.Int("devices", len(o.workers)))
}

// Stop halts all workers and waits for in-flight work to finish
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel := o.cancel
	workers := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.Unlock()

	cancel()
	for _, w := range workers {
		w.halt()
	}
	o.wg.Wait()
	o.logger.Info("Maintenance orchestrator stopped")
}

// Register ensures a device is monitored. Devices are also registered
// implicitly on first observed sample.
func (o *Orchestrator) Register(deviceID string) {
	o.ensureWorker(deviceID)
}

// Deregister stops monitoring a device and discards its in-memory baselines,
// anomaly history and remediation records
func (o *Orchestrator) Deregister(deviceID string) {
	o.mu.Lock()
	w, ok := o.workers[deviceID]
	if ok {
		delete(o.workers, deviceID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	w.halt()
	o.detector.Forget(deviceID)
	o.healer.Forget(deviceID)
	o.patcher.Forget(deviceID)
	metrics.MonitoredDevices.Dec()
	metrics.DeviceHealth.DeleteLabelValues(deviceID)
	o.logger.Info("Device deregistered", zap.String("device_id", deviceID))
}

// Ingest records one metric sample and nudges the device's worker. It never
// blocks: recording is in-memory arithmetic, and when the mailbox is full the
// nudge is dropped because a pending evaluation already covers the sample.
func (o *Orchestrator) Ingest(sample monitor.MetricSample) {
	anomaly := o.detector.Record(sample)
	if anomaly != nil {
		metrics.AnomaliesDetected.WithLabelValues(string(anomaly.Severity)).Inc()
		if r := o.auditSink(); r != nil {
			r.AnomalyDetected(sample.DeviceID, *anomaly)
		}
		if anomaly.Severity == monitor.SeverityCritical {
			if a := o.alertSink(); a != nil {
				a.CriticalAnomaly(sample.DeviceID, *anomaly)
			}
		}
	}

	w := o.ensureWorker(sample.DeviceID)
	select {
	case w.mailbox <- struct{}{}:
	default:
		metrics.EvaluationsDropped.Inc()
	}
}

// Report assembles the device's current maintenance snapshot
func (o *Orchestrator) Report(deviceID string) (DeviceReport, bool) {
	o.mu.RLock()
	w, ok := o.workers[deviceID]
	o.mu.RUnlock()
	if !ok {
		return DeviceReport{}, false
	}
	return o.buildReport(w, time.Now()), true
}

func (o *Orchestrator) ensureWorker(deviceID string) *worker {
	o.mu.RLock()
	w, ok := o.workers[deviceID]
	o.mu.RUnlock()
	if ok {
		return w
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if w, ok = o.workers[deviceID]; ok {
		return w
	}
	w = &worker{
		deviceID: deviceID,
		mailbox:  make(chan struct{}, o.cfg.MailboxSize),
		stop:     make(chan struct{}),
	}
	o.workers[deviceID] = w
	metrics.MonitoredDevices.Inc()
	if o.started {
		o.wg.Add(1)
		go o.runWorker(w)
	}
	o.logger.Debug("Device registered", zap.String("device_id", deviceID))
	return w
}

func (o *Orchestrator) runWorker(w *worker) {
	defer o.wg.Done()

	interval := time.Duration(o.cfg.EvaluationSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.mailbox:
			w.drain()
			o.evaluate(w)
		case <-ticker.C:
			o.evaluate(w)
		}
	}
}

// evaluate runs one causally ordered anomaly -> health -> risk -> decision
// pass. The anomaly snapshot is taken first so the score and risk always
// reflect the sample that triggered the turn.
func (o *Orchestrator) evaluate(w *worker) {
	metrics.EvaluationsRun.Inc()
	now := time.Now()

	anomalies := o.detector.Anomalies(w.deviceID)
	health := o.scorer.Score(w.deviceID, anomalies, now)
	metrics.DeviceHealth.WithLabelValues(w.deviceID).Set(health.Score)

	w.mu.Lock()
	w.history = append(w.history, monitor.HealthPoint{At: now, Score: health.Score})
	if limit := o.predictor.WindowSize(); limit > 0 && len(w.history) > limit {
		w.history = w.history[len(w.history)-limit:]
	}
	history := make([]monitor.HealthPoint, len(w.history))
	copy(history, w.history)
	remediating := w.remediating
	inCooldown := now.Before(w.cooldownUntil)
	w.mu.Unlock()

	risk := o.predictor.Predict(w.deviceID, history, now)

	if risk.Probability < o.cfg.ActionThreshold {
		return
	}
	if remediating || inCooldown {
		return
	}
	o.remediate(w, risk)
}

// remediate runs the healing-first policy on the worker goroutine; the
// device's evaluations pause until it returns. Firmware patching follows
// only when healing fails or the diagnosis names a firmware cause.
func (o *Orchestrator) remediate(w *worker, risk monitor.FailureRisk) {
	w.mu.Lock()
	if w.remediating {
		w.mu.Unlock()
		return
	}
	w.remediating = true
	w.mu.Unlock()

	metrics.ActiveRemediations.Inc()
	defer func() {
		w.mu.Lock()
		w.remediating = false
		w.cooldownUntil = time.Now().Add(time.Duration(o.cfg.CooldownSeconds) * time.Second)
		w.mu.Unlock()
		metrics.ActiveRemediations.Dec()
	}()

	o.logger.Info("Remediation triggered",
		zap.String("device_id", w.deviceID),
		zap.Float64("probability", risk.Probability),
		zap.String("horizon", string(risk.Horizon)))

	session, err := o.healer.Run(o.ctx, w.deviceID)
	if err != nil {
		o.logger.Error("Healing session error",
			zap.String("device_id", w.deviceID),
			zap.Error(err))
	}
	metrics.HealingSessions.WithLabelValues(string(session.State)).Inc()

	if session.State == healing.StateFailed {
		if a := o.alertSink(); a != nil {
			a.HealingFailed(w.deviceID, session)
		}
	}
	if o.ctx.Err() != nil {
		return
	}

	needPatch := session.State == healing.StateFailed
	if !needPatch && session.Diagnosis != nil && session.Diagnosis.FirmwareCause() != nil {
		needPatch = true
	}
	if !needPatch {
		return
	}

	symptoms := 0
	if session.Diagnosis != nil {
		symptoms = session.Diagnosis.FirmwareSymptomCount()
	}

	plan, err := o.patcher.Run(o.ctx, w.deviceID, symptoms)
	if err != nil {
		o.logger.Error("Patch plan error",
			zap.String("device_id", w.deviceID),
			zap.Error(err))
	}
	metrics.PatchPlans.WithLabelValues(string(plan.Status)).Inc()

	switch plan.Status {
	case firmware.StatusRolledBack:
		if a := o.alertSink(); a != nil {
			a.PatchRolledBack(w.deviceID, plan)
		}
	case firmware.StatusFatal:
		if a := o.alertSink(); a != nil {
			a.PatchFatal(w.deviceID, plan)
		}
	}
}

func (o *Orchestrator) buildReport(w *worker, now time.Time) DeviceReport {
	anomalies := o.detector.Anomalies(w.deviceID)
	health := o.scorer.Score(w.deviceID, anomalies, now)

	w.mu.Lock()
	history := make([]monitor.HealthPoint, len(w.history))
	copy(history, w.history)
	remediating := w.remediating
	w.mu.Unlock()

	risk := o.predictor.Predict(w.deviceID, history, now)

	var lastHealing *healing.Session
	if s, ok := o.healer.Session(w.deviceID); ok {
		lastHealing = &s
	}
	var lastPatch *firmware.PatchPlan
	if p, ok := o.patcher.Plan(w.deviceID); ok {
		lastPatch = &p
	}

	if n := o.cfg.ReportAnomalyCount; n > 0 && len(anomalies) > n {
		anomalies = anomalies[len(anomalies)-n:]
	}

	return DeviceReport{
		DeviceID:          w.deviceID,
		GeneratedAt:       now,
		Health:            health.Score,
		Risk:              risk,
		RecentAnomalies:   anomalies,
		LastHealing:       lastHealing,
		LastPatch:         lastPatch,
		RemediationActive: remediating,
		RequiresOperator:  needsOperator(lastHealing, lastPatch),
	}
}

// onHealingTransition mirrors agent transitions into the audit trail and
// refreshes the device report after each one
func (o *Orchestrator) onHealingTransition(deviceID string, from, to healing.State) {
	r := o.auditSink()
	if r == nil {
		return
	}
	r.HealingTransition(deviceID, from, to)
	o.publishReport(deviceID, r)
}

func (o *Orchestrator) onPatchTransition(deviceID string, from, to firmware.Stage) {
	r := o.auditSink()
	if r == nil {
		return
	}
	r.PatchTransition(deviceID, from, to)
	o.publishReport(deviceID, r)
}

func (o *Orchestrator) publishReport(deviceID string, r Recorder) {
	report, ok := o.Report(deviceID)
	if ok {
		r.ReportUpdated(report)
	}
}
