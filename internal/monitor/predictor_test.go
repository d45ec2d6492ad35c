package monitor_test

import (
	"math"
	"testing"
	"time"

	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/stretchr/testify/assert"
)

func newTestPredictor(historySize int) *monitor.Predictor {
	return monitor.NewPredictor(&config.PredictorConfig{
		HistorySize:   historySize,
		CoeffBase:     6.0,
		CoeffSlope:    2.0,
		Offset:        3.0,
		ImmediateRisk: 0.75,
		NearTermRisk:  0.45,
	})
}

// healthSeries builds minute-spaced health points from the given scores, oldest first
func healthSeries(start time.Time, scores ...float64) []monitor.HealthPoint {
	points := make([]monitor.HealthPoint, len(scores))
	for i, s := range scores {
		points[i] = monitor.HealthPoint{At: start.Add(time.Duration(i) * time.Minute), Score: s}
	}
	return points
}

func TestPredictor_Predict(t *testing.T) {
	predictor := newTestPredictor(20)
	now := time.Now()
	start := now.Add(-time.Hour)

	// Test case: no history means no evidence of trouble
	t.Run("Should rate an unknown device as long-term low risk", func(t *testing.T) {
		risk := predictor.Predict("dev-1", nil, now)
		assert.Equal(t, monitor.HorizonLongTerm, risk.Horizon)
		assert.Less(t, risk.Probability, 0.45)
		assert.Equal(t, 0.0, risk.Slope)
	})

	// Test case: a flat, fully healthy trajectory stays low risk
	t.Run("Should rate a flat healthy device as long-term", func(t *testing.T) {
		history := healthSeries(start, 100, 100, 100, 100, 100)
		risk := predictor.Predict("dev-1", history, now)
		assert.Equal(t, monitor.HorizonLongTerm, risk.Horizon)
		assert.InDelta(t, 0.047, risk.Probability, 0.01)
	})

	// Test case: a degraded but stable device lands in the near-term band
	t.Run("Should rate a degraded stable device as near-term", func(t *testing.T) {
		history := healthSeries(start, 40, 40, 40, 40, 40)
		risk := predictor.Predict("dev-1", history, now)
		assert.Equal(t, monitor.HorizonNearTerm, risk.Horizon)
		assert.InDelta(t, 0.646, risk.Probability, 0.01)
	})

	// Test case: a steep decline pushes the device into the immediate band
	t.Run("Should rate a steeply declining device as immediate", func(t *testing.T) {
		history := healthSeries(start, 100, 90, 80, 70, 60, 50, 40, 30, 20, 10)
		risk := predictor.Predict("dev-1", history, now)
		assert.Equal(t, monitor.HorizonImmediate, risk.Horizon)
		assert.GreaterOrEqual(t, risk.Probability, 0.75)
		assert.InDelta(t, -10.0, risk.Slope, 0.01)
	})

	// Test case: at equal current health, a downward trend means higher risk
	t.Run("Should rate a declining device above a stable one at the same health", func(t *testing.T) {
		stable := predictor.Predict("dev-1", healthSeries(start, 40, 40, 40, 40, 40), now)
		declining := predictor.Predict("dev-1", healthSeries(start, 44, 43, 42, 41, 40), now)
		assert.Greater(t, declining.Probability, stable.Probability)
	})

	// Test case: improvement is not penalized
	t.Run("Should ignore an upward slope", func(t *testing.T) {
		improving := predictor.Predict("dev-1", healthSeries(start, 36, 37, 38, 39, 40), now)
		stable := predictor.Predict("dev-1", healthSeries(start, 40, 40, 40, 40, 40), now)
		assert.InDelta(t, stable.Probability, improving.Probability, 1e-9)
	})
}

func TestPredictor_Window(t *testing.T) {
	// A five-point window must ignore the older declining segment
	predictor := newTestPredictor(5)
	now := time.Now()
	start := now.Add(-time.Hour)

	history := healthSeries(start, 100, 90, 80, 70, 60, 60, 60, 60, 60, 60)
	risk := predictor.Predict("dev-1", history, now)

	assert.Equal(t, monitor.HorizonLongTerm, risk.Horizon)
	assert.Less(t, risk.Probability, 0.45)
	assert.InDelta(t, 0.0, risk.Slope, 1e-9)
}

func TestPredictor_Deterministic(t *testing.T) {
	predictor := newTestPredictor(20)
	now := time.Now()
	history := healthSeries(now.Add(-30*time.Minute), 90, 85, 70, 72, 60)

	first := predictor.Predict("dev-1", history, now)
	second := predictor.Predict("dev-1", history, now)

	assert.Equal(t, first, second)
}

func TestPredictor_DegenerateHistories(t *testing.T) {
	predictor := newTestPredictor(20)
	now := time.Now()

	// Test case: one point carries health but no trend
	t.Run("Should predict from a single point with zero slope", func(t *testing.T) {
		risk := predictor.Predict("dev-1", healthSeries(now, 20), now)
		assert.Equal(t, 0.0, risk.Slope)
		assert.Equal(t, monitor.HorizonImmediate, risk.Horizon)
	})

	// Test case: identical timestamps cannot support a regression
	t.Run("Should treat a window with no time spread as flat", func(t *testing.T) {
		history := []monitor.HealthPoint{
			{At: now, Score: 80},
			{At: now, Score: 60},
			{At: now, Score: 40},
		}
		risk := predictor.Predict("dev-1", history, now)
		assert.Equal(t, 0.0, risk.Slope)
		assert.False(t, math.IsNaN(risk.Probability))
	})
}
