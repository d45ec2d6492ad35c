package monitor

import (
	"math"
	"sync"
	"time"

	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Severity classifies how far an observation sits outside its baseline
type Severity string

const (
	// SeverityWarning marks an observation beyond the warning threshold
	SeverityWarning Severity = "warning"
	// SeverityCritical marks an observation beyond the critical threshold
	SeverityCritical Severity = "critical"
)

// MetricSample is a single telemetry observation reported by a device
type MetricSample struct {
	DeviceID  string    `json:"device_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Anomaly records an observation that deviated significantly from its baseline
type Anomaly struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	ZScore     float64   `json:"z_score"`
	Severity   Severity  `json:"severity"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Baseline is a read-only snapshot of the running estimate for one device metric
type Baseline struct {
	Mean        float64   `json:"mean"`
	Std         float64   `json:"std"`
	SampleCount int64     `json:"sample_count"`
	LastUpdate  time.Time `json:"last_update"`
}

type baselineKey struct {
	deviceID string
	metric   string
}

// baseline holds the evolving estimate for one device metric. Updates happen
// only under its own mutex, so devices and metrics never contend with each other.
type baseline struct {
	mu         sync.Mutex
	mean       float64
	variance   float64
	count      int64
	lastUpdate time.Time
}

// update folds a deviation d into the running estimate with weight w.
// With w = 1/count this is the exact Welford recurrence; with a fixed
// decay it becomes an exponentially weighted estimate.
func (b *baseline) update(d float64, w float64, at time.Time) {
	incr := w * d
	b.mean += incr
	b.variance = (1 - w) * (b.variance + d*incr)
	b.count++
	b.lastUpdate = at
}

// anomalyRing is a bounded, time-ordered buffer of anomalies for one device.
// The oldest entry is evicted when the retention size is exceeded.
type anomalyRing struct {
	mu      sync.Mutex
	entries []Anomaly
	size    int
}

func newAnomalyRing(size int) *anomalyRing {
	return &anomalyRing{size: size}
}

func (r *anomalyRing) append(a Anomaly) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, a)
	if len(r.entries) > r.size {
		r.entries = r.entries[len(r.entries)-r.size:]
	}
}

func (r *anomalyRing) snapshot() []Anomaly {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Anomaly, len(r.entries))
	copy(out, r.entries)
	return out
}

// Detector maintains per-device-per-metric baselines and flags samples that
// deviate beyond the configured z-score thresholds. Recording a sample is
// in-memory arithmetic under fine-grained locks and never blocks on I/O.
type Detector struct {
	cfg       *config.MonitorConfig
	logger    *utils.Logger
	mu        sync.RWMutex
	baselines map[baselineKey]*baseline
	buffers   map[string]*anomalyRing
}

// NewDetector creates a new anomaly detector
func NewDetector(cfg *config.MonitorConfig, logger *utils.Logger) *Detector {
	return &Detector{
		cfg:       cfg,
		logger:    logger.Named("anomaly_detector"),
		baselines: make(map[baselineKey]*baseline),
		buffers:   make(map[string]*anomalyRing),
	}
}

// Record folds a sample into its baseline and returns an anomaly if the
// sample is abnormal. Samples recorded before the warm-up threshold only
// train the baseline; an un-warmed baseline is an expected cold-start
// state, not an error.
func (d *Detector) Record(sample MetricSample) *Anomaly {
	entry := d.baselineEntry(sample.DeviceID, sample.Metric)

	entry.mu.Lock()

	if entry.count < int64(d.cfg.WarmupSamples) {
		entry.update(sample.Value-entry.mean, 1/float64(entry.count+1), sample.Timestamp)
		entry.mu.Unlock()
		return nil
	}

	std := math.Sqrt(entry.variance)
	effStd := math.Max(std, d.cfg.StdEpsilon)
	z := (sample.Value - entry.mean) / effStd

	severity, anomalous := d.classify(z)

	// Clip the excursion before folding it in, so one extreme sample cannot
	// drag the baseline to itself while persistent drift still accumulates.
	deviation := sample.Value - entry.mean
	limit := d.cfg.CapMultiplier * effStd
	if deviation > limit {
		deviation = limit
	} else if deviation < -limit {
		deviation = -limit
	}
	entry.update(deviation, d.cfg.Decay, sample.Timestamp)
	entry.mu.Unlock()

	if !anomalous {
		return nil
	}

	anomaly := Anomaly{
		ID:         uuid.NewString(),
		DeviceID:   sample.DeviceID,
		Metric:     sample.Metric,
		Value:      sample.Value,
		ZScore:     z,
		Severity:   severity,
		Confidence: math.Min(1, math.Abs(z)/d.cfg.CriticalZ),
		Timestamp:  sample.Timestamp,
	}

	d.buffer(sample.DeviceID).append(anomaly)

	d.logger.Debug("Anomaly detected",
		zap.String("device_id", anomaly.DeviceID),
		zap.String("metric", anomaly.Metric),
		zap.Float64("z_score", anomaly.ZScore),
		zap.String("severity", string(anomaly.Severity)))

	return &anomaly
}

// classify maps an absolute z-score to a severity tier
func (d *Detector) classify(z float64) (Severity, bool) {
	abs := math.Abs(z)
	switch {
	case abs >= d.cfg.CriticalZ:
		return SeverityCritical, true
	case abs >= d.cfg.WarningZ:
		return SeverityWarning, true
	default:
		return "", false
	}
}

// Anomalies returns a copy of the device's anomaly buffer, oldest first
func (d *Detector) Anomalies(deviceID string) []Anomaly {
	d.mu.RLock()
	ring, ok := d.buffers[deviceID]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	return ring.snapshot()
}

// LastAnomaly returns the most recent anomaly for a device, if any
func (d *Detector) LastAnomaly(deviceID string) (Anomaly, bool) {
	anomalies := d.Anomalies(deviceID)
	if len(anomalies) == 0 {
		return Anomaly{}, false
	}
	return anomalies[len(anomalies)-1], true
}

// BaselineFor returns a snapshot of the baseline for a device metric
func (d *Detector) BaselineFor(deviceID, metric string) (Baseline, bool) {
	d.mu.RLock()
	entry, ok := d.baselines[baselineKey{deviceID: deviceID, metric: metric}]
	d.mu.RUnlock()
	if !ok {
		return Baseline{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return Baseline{
		Mean:        entry.mean,
		Std:         math.Sqrt(entry.variance),
		SampleCount: entry.count,
		LastUpdate:  entry.lastUpdate,
	}, true
}

// Forget discards all baselines and buffered anomalies for a device
func (d *Detector) Forget(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.baselines {
		if key.deviceID == deviceID {
			delete(d.baselines, key)
		}
	}
	delete(d.buffers, deviceID)
}

// baselineEntry returns the baseline for a device metric, creating it on first use
func (d *Detector) baselineEntry(deviceID, metric string) *baseline {
	key := baselineKey{deviceID: deviceID, metric: metric}

	d.mu.RLock()
	entry, ok := d.baselines[key]
	d.mu.RUnlock()
	if ok {
		return entry
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok = d.baselines[key]; ok {
		return entry
	}
	entry = &baseline{}
	d.baselines[key] = entry
	return entry
}

// buffer returns the anomaly ring for a device, creating it on first use
func (d *Detector) buffer(deviceID string) *anomalyRing {
	d.mu.RLock()
	ring, ok := d.buffers[deviceID]
	d.mu.RUnlock()
	if ok {
		return ring
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if ring, ok = d.buffers[deviceID]; ok {
		return ring
	}
	ring = newAnomalyRing(d.cfg.AnomalyRetention)
	d.buffers[deviceID] = ring
	return ring
}
