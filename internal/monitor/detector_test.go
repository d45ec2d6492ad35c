package monitor_test

import (
	"sync"
	"testing"
	"time"

	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDetector creates a detector with a short warm-up suitable for tests
func newTestDetector(warmup, retention int) *monitor.Detector {
	cfg := &config.MonitorConfig{
		WarmupSamples:    warmup,
		WarningZ:         3.0,
		CriticalZ:        4.5,
		StdEpsilon:       1e-6,
		Decay:            0.05,
		CapMultiplier:    3.0,
		AnomalyRetention: retention,
	}
	return monitor.NewDetector(cfg, utils.NewNopLogger())
}

// feedConstant records n samples of the same value and returns the next free timestamp
func feedConstant(t *testing.T, d *monitor.Detector, deviceID, metric string, n int, value float64, start time.Time) time.Time {
	t.Helper()
	ts := start
	for i := 0; i < n; i++ {
		anomaly := d.Record(monitor.MetricSample{
			DeviceID:  deviceID,
			Metric:    metric,
			Value:     value,
			Timestamp: ts,
		})
		require.Nil(t, anomaly)
		ts = ts.Add(time.Second)
	}
	return ts
}

// feedAlternating records n samples alternating center-spread and center+spread,
// producing a baseline with mean=center and std=spread
func feedAlternating(t *testing.T, d *monitor.Detector, deviceID, metric string, n int, center, spread float64, start time.Time) time.Time {
	t.Helper()
	ts := start
	for i := 0; i < n; i++ {
		value := center - spread
		if i%2 == 1 {
			value = center + spread
		}
		d.Record(monitor.MetricSample{
			DeviceID:  deviceID,
			Metric:    metric,
			Value:     value,
			Timestamp: ts,
		})
		ts = ts.Add(time.Second)
	}
	return ts
}

func TestDetector_Warmup(t *testing.T) {
	detector := newTestDetector(10, 50)
	start := time.Now()

	// Test case: wildly varying samples during warm-up are never flagged
	t.Run("Should not flag any sample before warm-up completes", func(t *testing.T) {
		values := []float64{1, 1000, -500, 42, 9999, 0, -1, 300, 7, 123}
		ts := start
		for _, v := range values {
			anomaly := detector.Record(monitor.MetricSample{
				DeviceID:  "dev-1",
				Metric:    "temperature",
				Value:     v,
				Timestamp: ts,
			})
			assert.Nil(t, anomaly)
			ts = ts.Add(time.Second)
		}
	})

	// Test case: warm-up samples still train the baseline
	t.Run("Should accumulate samples into the baseline during warm-up", func(t *testing.T) {
		baseline, ok := detector.BaselineFor("dev-1", "temperature")
		assert.True(t, ok)
		assert.Equal(t, int64(10), baseline.SampleCount)
	})
}

func TestDetector_CriticalOutlier(t *testing.T) {
	detector := newTestDetector(10, 50)
	ts := feedConstant(t, detector, "dev-1", "temperature", 20, 50.0, time.Now())

	// Record an extreme outlier after a perfectly stable baseline
	anomaly := detector.Record(monitor.MetricSample{
		DeviceID:  "dev-1",
		Metric:    "temperature",
		Value:     500.0,
		Timestamp: ts,
	})

	t.Run("Should flag the outlier as critical with full confidence", func(t *testing.T) {
		require.NotNil(t, anomaly)
		assert.Equal(t, monitor.SeverityCritical, anomaly.Severity)
		assert.Equal(t, 1.0, anomaly.Confidence)
		assert.Greater(t, anomaly.ZScore, 4.5)
		assert.NotEmpty(t, anomaly.ID)
		assert.Equal(t, "dev-1", anomaly.DeviceID)
		assert.Equal(t, "temperature", anomaly.Metric)
		assert.Equal(t, 500.0, anomaly.Value)
	})

	t.Run("Should barely move the baseline mean", func(t *testing.T) {
		baseline, ok := detector.BaselineFor("dev-1", "temperature")
		require.True(t, ok)
		assert.InDelta(t, 50.0, baseline.Mean, 0.001)
	})

	t.Run("Should not flag a subsequent normal sample", func(t *testing.T) {
		followUp := detector.Record(monitor.MetricSample{
			DeviceID:  "dev-1",
			Metric:    "temperature",
			Value:     50.0,
			Timestamp: ts.Add(time.Second),
		})
		assert.Nil(t, followUp)
	})
}

func TestDetector_SeverityThresholds(t *testing.T) {
	// Each case uses a fresh detector whose baseline has mean 10 and std 1
	cases := []struct {
		name     string
		value    float64
		severity monitor.Severity
		flagged  bool
	}{
		{name: "Should not flag a sample below the warning threshold", value: 12.9, flagged: false},
		{name: "Should flag a warning just past the warning threshold", value: 13.1, severity: monitor.SeverityWarning, flagged: true},
		{name: "Should flag a warning between the thresholds", value: 13.5, severity: monitor.SeverityWarning, flagged: true},
		{name: "Should flag a critical past the critical threshold", value: 14.6, severity: monitor.SeverityCritical, flagged: true},
		{name: "Should flag a low-side excursion by absolute z-score", value: 6.5, severity: monitor.SeverityWarning, flagged: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			detector := newTestDetector(10, 50)
			ts := feedAlternating(t, detector, "dev-1", "load", 10, 10.0, 1.0, time.Now())

			anomaly := detector.Record(monitor.MetricSample{
				DeviceID:  "dev-1",
				Metric:    "load",
				Value:     tc.value,
				Timestamp: ts,
			})

			if !tc.flagged {
				assert.Nil(t, anomaly)
				return
			}
			require.NotNil(t, anomaly)
			assert.Equal(t, tc.severity, anomaly.Severity)
		})
	}
}

func TestDetector_WarningConfidence(t *testing.T) {
	detector := newTestDetector(10, 50)
	ts := feedAlternating(t, detector, "dev-1", "load", 10, 10.0, 1.0, time.Now())

	// A sample at z=3.5 sits between the thresholds
	anomaly := detector.Record(monitor.MetricSample{
		DeviceID:  "dev-1",
		Metric:    "load",
		Value:     13.5,
		Timestamp: ts,
	})

	require.NotNil(t, anomaly)
	assert.InDelta(t, 3.5, anomaly.ZScore, 0.01)
	// Confidence scales with the z-score relative to the critical threshold
	assert.InDelta(t, 3.5/4.5, anomaly.Confidence, 0.01)
}

func TestDetector_PersistentDrift(t *testing.T) {
	detector := newTestDetector(10, 50)
	ts := feedConstant(t, detector, "dev-1", "pressure", 10, 50.0, time.Now())

	// A sustained shift to a new operating level keeps pushing the capped
	// update in the same direction, so the baseline follows it over time
	for i := 0; i < 300; i++ {
		detector.Record(monitor.MetricSample{
			DeviceID:  "dev-1",
			Metric:    "pressure",
			Value:     500.0,
			Timestamp: ts,
		})
		ts = ts.Add(time.Second)
	}

	baseline, ok := detector.BaselineFor("dev-1", "pressure")
	require.True(t, ok)
	assert.Greater(t, baseline.Mean, 250.0)
	assert.Less(t, baseline.Mean, 500.0)
}

func TestDetector_IndependentBaselines(t *testing.T) {
	detector := newTestDetector(5, 50)
	start := time.Now()

	ts := feedConstant(t, detector, "dev-1", "temperature", 10, 50.0, start)
	feedConstant(t, detector, "dev-1", "humidity", 10, 30.0, start)
	feedConstant(t, detector, "dev-2", "temperature", 10, 50.0, start)

	// An outlier on one device metric must not disturb the others
	anomaly := detector.Record(monitor.MetricSample{
		DeviceID:  "dev-1",
		Metric:    "temperature",
		Value:     500.0,
		Timestamp: ts,
	})
	require.NotNil(t, anomaly)

	t.Run("Should keep other metrics of the same device unaffected", func(t *testing.T) {
		baseline, ok := detector.BaselineFor("dev-1", "humidity")
		require.True(t, ok)
		assert.InDelta(t, 30.0, baseline.Mean, 1e-9)
		assert.Equal(t, int64(10), baseline.SampleCount)
	})

	t.Run("Should keep the same metric of another device unaffected", func(t *testing.T) {
		baseline, ok := detector.BaselineFor("dev-2", "temperature")
		require.True(t, ok)
		assert.InDelta(t, 50.0, baseline.Mean, 1e-9)
	})

	t.Run("Should buffer the anomaly only for the affected device", func(t *testing.T) {
		assert.Len(t, detector.Anomalies("dev-1"), 1)
		assert.Empty(t, detector.Anomalies("dev-2"))
	})
}

func TestDetector_AnomalyRetention(t *testing.T) {
	detector := newTestDetector(2, 5)
	ts := feedConstant(t, detector, "dev-1", "temperature", 5, 50.0, time.Now())

	// Produce eight anomalies against a five-slot buffer
	for i := 0; i < 8; i++ {
		anomaly := detector.Record(monitor.MetricSample{
			DeviceID:  "dev-1",
			Metric:    "temperature",
			Value:     500.0 + float64(i),
			Timestamp: ts,
		})
		require.NotNil(t, anomaly)
		ts = ts.Add(time.Second)
	}

	anomalies := detector.Anomalies("dev-1")
	require.Len(t, anomalies, 5)
	// The oldest entries were evicted, newest first from the back
	assert.Equal(t, 503.0, anomalies[0].Value)
	assert.Equal(t, 507.0, anomalies[4].Value)

	last, ok := detector.LastAnomaly("dev-1")
	require.True(t, ok)
	assert.Equal(t, 507.0, last.Value)
}

func TestDetector_Forget(t *testing.T) {
	detector := newTestDetector(5, 50)
	ts := feedConstant(t, detector, "dev-1", "temperature", 10, 50.0, time.Now())

	anomaly := detector.Record(monitor.MetricSample{
		DeviceID:  "dev-1",
		Metric:    "temperature",
		Value:     500.0,
		Timestamp: ts,
	})
	require.NotNil(t, anomaly)

	detector.Forget("dev-1")

	t.Run("Should drop baselines and buffered anomalies", func(t *testing.T) {
		_, ok := detector.BaselineFor("dev-1", "temperature")
		assert.False(t, ok)
		assert.Empty(t, detector.Anomalies("dev-1"))
		_, ok = detector.LastAnomaly("dev-1")
		assert.False(t, ok)
	})

	t.Run("Should re-enter warm-up when the device returns", func(t *testing.T) {
		// The previously anomalous value trains the fresh baseline instead
		again := detector.Record(monitor.MetricSample{
			DeviceID:  "dev-1",
			Metric:    "temperature",
			Value:     500.0,
			Timestamp: ts.Add(time.Minute),
		})
		assert.Nil(t, again)

		baseline, ok := detector.BaselineFor("dev-1", "temperature")
		require.True(t, ok)
		assert.Equal(t, int64(1), baseline.SampleCount)
	})
}

func TestDetector_ConcurrentRecording(t *testing.T) {
	detector := newTestDetector(5, 50)
	devices := []string{"dev-1", "dev-2", "dev-3", "dev-4"}
	start := time.Now()

	var wg sync.WaitGroup
	for _, deviceID := range devices {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				detector.Record(monitor.MetricSample{
					DeviceID:  id,
					Metric:    "temperature",
					Value:     50.0,
					Timestamp: start.Add(time.Duration(i) * time.Second),
				})
			}
		}(deviceID)
	}
	wg.Wait()

	// Every device accumulated its full, independent sample count
	for _, deviceID := range devices {
		baseline, ok := detector.BaselineFor(deviceID, "temperature")
		require.True(t, ok)
		assert.Equal(t, int64(100), baseline.SampleCount)
	}
}
