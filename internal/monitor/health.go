package monitor

import (
	"math"
	"time"

	"github.com/fleetmend/backend/internal/config"
)

// HealthScore is a point-in-time composite health value for a device,
// on a 0-100 scale where 100 is fully healthy
type HealthScore struct {
	DeviceID   string    `json:"device_id"`
	Score      float64   `json:"score"`
	ComputedAt time.Time `json:"computed_at"`
}

// Scorer converts a device's recent anomalies into a health score.
// Each anomaly contributes a penalty weighted by severity and confidence
// that decays exponentially with age, so devices recover as anomalies
// recede into the past.
type Scorer struct {
	cfg *config.HealthConfig
}

// NewScorer creates a new health scorer
func NewScorer(cfg *config.HealthConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes the health of a device from its buffered anomalies.
// A device with no recorded anomalies scores a full 100.
func (s *Scorer) Score(deviceID string, anomalies []Anomaly, now time.Time) HealthScore {
	total := 0.0
	for _, a := range anomalies {
		age := now.Sub(a.Timestamp).Seconds()
		if age < 0 {
			age = 0
		}
		decay := math.Exp(-age / float64(s.cfg.HalfLifeSeconds))
		total += s.severityWeight(a.Severity) * a.Confidence * decay * s.cfg.PenaltyFactor
	}

	score := 100 - total
	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}

	return HealthScore{
		DeviceID:   deviceID,
		Score:      score,
		ComputedAt: now,
	}
}

func (s *Scorer) severityWeight(severity Severity) float64 {
	if severity == SeverityCritical {
		return s.cfg.CriticalWeight
	}
	return s.cfg.WarningWeight
}
