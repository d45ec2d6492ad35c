package monitor

import (
	"math"
	"time"

	"github.com/fleetmend/backend/internal/config"
	"gonum.org/v1/gonum/stat"
)

// Horizon buckets a failure risk by how soon intervention is expected to matter
type Horizon string

const (
	// HorizonImmediate means failure is likely without prompt intervention
	HorizonImmediate Horizon = "immediate"
	// HorizonNearTerm means the device is degrading and should be scheduled for attention
	HorizonNearTerm Horizon = "near_term"
	// HorizonLongTerm means no intervention is currently indicated
	HorizonLongTerm Horizon = "long_term"
)

// HealthPoint is one observed health score in a device's history
type HealthPoint struct {
	At    time.Time `json:"at"`
	Score float64   `json:"score"`
}

// FailureRisk is the predicted probability that a device fails soon,
// bucketed into an intervention horizon
type FailureRisk struct {
	DeviceID    string    `json:"device_id"`
	Probability float64   `json:"probability"`
	Horizon     Horizon   `json:"horizon"`
	Slope       float64   `json:"slope"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Predictor estimates failure risk from a device's health trajectory.
// It fits a least-squares line through the recent history and combines the
// current health deficit with the downward trend through a logistic model.
// Predictions are pure functions of their inputs.
type Predictor struct {
	cfg *config.PredictorConfig
}

// NewPredictor creates a new failure predictor
func NewPredictor(cfg *config.PredictorConfig) *Predictor {
	return &Predictor{cfg: cfg}
}

// WindowSize returns how many history points a prediction consumes; callers
// keeping a health history need retain no more than this
func (p *Predictor) WindowSize() int {
	return p.cfg.HistorySize
}

// Predict computes the failure risk for a device from its health history,
// oldest first. Only the most recent configured window of points is used.
// An empty history is treated as a healthy, flat trajectory.
func (p *Predictor) Predict(deviceID string, history []HealthPoint, now time.Time) FailureRisk {
	if len(history) > p.cfg.HistorySize {
		history = history[len(history)-p.cfg.HistorySize:]
	}

	health := 100.0
	if len(history) > 0 {
		health = history[len(history)-1].Score
	}

	slope := p.slope(history)

	base := (100 - health) / 100
	decline := math.Max(0, -slope)
	x := p.cfg.CoeffBase*base + p.cfg.CoeffSlope*decline - p.cfg.Offset
	probability := 1 / (1 + math.Exp(-x))

	return FailureRisk{
		DeviceID:    deviceID,
		Probability: probability,
		Horizon:     p.horizon(probability),
		Slope:       slope,
		ComputedAt:  now,
	}
}

// slope fits a least-squares line through the history and returns its
// gradient in health units per minute. Fewer than two points, or a window
// with no time spread, yields a flat slope.
func (p *Predictor) slope(history []HealthPoint) float64 {
	if len(history) < 2 {
		return 0
	}

	origin := history[0].At
	xs := make([]float64, len(history))
	ys := make([]float64, len(history))
	spread := false
	for i, point := range history {
		xs[i] = point.At.Sub(origin).Minutes()
		ys[i] = point.Score
		if i > 0 && xs[i] != xs[0] {
			spread = true
		}
	}
	if !spread {
		return 0
	}

	_, beta := stat.LinearRegression(xs, ys, nil, false)
	return beta
}

func (p *Predictor) horizon(probability float64) Horizon {
	switch {
	case probability >= p.cfg.ImmediateRisk:
		return HorizonImmediate
	case probability >= p.cfg.NearTermRisk:
		return HorizonNearTerm
	default:
		return HorizonLongTerm
	}
}
