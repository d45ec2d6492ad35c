package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/firmware"
	"github.com/fleetmend/backend/internal/healing"
	"github.com/fleetmend/backend/internal/maintenance"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/fleetmend/backend/internal/services"
	"github.com/fleetmend/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryService_AuditTrail(t *testing.T) {
	ts := testutil.NewTestSetup(t)
	defer ts.Cleanup()
	ts.SetupTestDatabase(
		&models.User{}, &models.Fleet{}, &models.FleetMember{},
		&models.DeviceProfile{}, &models.Device{},
		&models.AnomalyRecord{}, &models.HealthSnapshot{},
		&models.MaintenanceEvent{}, &models.PatchRecord{},
	)

	ownerID := ts.SeedTestUser("histsvc-owner@example.com", "password123", true)
	fleetID := ts.SeedTestFleet("histsvc-fleet", ownerID)
	ts.SeedTestDevice("histsvc-hub-1", "hub-m3", fleetID)

	svc := services.NewHistoryService(ts.DB, ts.Logger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)

	t.Run("Should persist detected anomalies", func(t *testing.T) {
		// Act
		svc.AnomalyDetected("histsvc-hub-1", monitor.Anomaly{
			ID:         "histsvc-an-1",
			DeviceID:   "histsvc-hub-1",
			Metric:     "latency",
			Value:      480,
			ZScore:     5.2,
			Severity:   monitor.SeverityWarning,
			Confidence: 0.96,
			Timestamp:  time.Now(),
		})

		// Assert
		require.Eventually(t, func() bool {
			anomalies, err := svc.GetAnomalies("histsvc-hub-1", start, end, "", 10)
			return err == nil && len(anomalies) == 1
		}, 2*time.Second, 20*time.Millisecond)

		anomalies, err := svc.GetAnomalies("histsvc-hub-1", start, end, "", 10)
		require.NoError(t, err)
		assert.Equal(t, "histsvc-an-1", anomalies[0].AnomalyID)
		assert.Equal(t, "latency", anomalies[0].Metric)
		assert.Equal(t, "warning", anomalies[0].Severity)
	})

	t.Run("Should persist agent transitions as maintenance events", func(t *testing.T) {
		// Act
		svc.HealingTransition("histsvc-hub-1", healing.StateIdle, healing.StateDiagnosing)
		svc.PatchTransition("histsvc-hub-1", firmware.StageAnalyze, firmware.StageStage)

		// Assert
		require.Eventually(t, func() bool {
			events, err := svc.GetMaintenanceEvents("histsvc-hub-1", "", start, end, 10)
			return err == nil && len(events) == 2
		}, 2*time.Second, 20*time.Millisecond)

		healingEvents, err := svc.GetMaintenanceEvents("histsvc-hub-1", "healing", start, end, 10)
		require.NoError(t, err)
		require.Len(t, healingEvents, 1)
		assert.Equal(t, string(healing.StateIdle), healingEvents[0].FromState)
		assert.Equal(t, string(healing.StateDiagnosing), healingEvents[0].ToState)
	})

	t.Run("Should snapshot reports and record each finished plan once", func(t *testing.T) {
		// Arrange
		plan := &firmware.PatchPlan{
			ID:            "histsvc-plan-1",
			DeviceID:      "histsvc-hub-1",
			Model:         "hub-m3",
			FromVersion:   "1.0.0",
			TargetVersion: "1.1.0",
			Status:        firmware.StatusCommitted,
			StartedAt:     time.Now(),
		}
		first := maintenance.DeviceReport{
			DeviceID:    "histsvc-hub-1",
			GeneratedAt: time.Now(),
			Health:      72.5,
			Risk: monitor.FailureRisk{
				DeviceID:    "histsvc-hub-1",
				Probability: 0.8,
				Horizon:     monitor.HorizonImmediate,
				Slope:       -1.2,
			},
			LastPatch: plan,
		}
		second := first
		second.GeneratedAt = first.GeneratedAt.Add(time.Second)
		second.Health = 90

		// Act: the same finished plan appears in both reports
		svc.ReportUpdated(first)
		svc.ReportUpdated(second)

		// Assert
		require.Eventually(t, func() bool {
			snapshots, err := svc.GetHealthHistory("histsvc-hub-1", start, end, 10)
			return err == nil && len(snapshots) == 2
		}, 2*time.Second, 20*time.Millisecond)

		latest, err := svc.GetLatestHealth("histsvc-hub-1")
		require.NoError(t, err)
		assert.InDelta(t, 90, latest.Score, 0.001)
		assert.InDelta(t, 0.8, latest.FailureProbability, 0.001)

		records, err := svc.GetPatchRecords("histsvc-hub-1", start, end, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "histsvc-plan-1", records[0].PlanID)
		assert.Equal(t, string(firmware.StatusCommitted), records[0].Status)
	})

	t.Run("Should reject queries for unknown devices", func(t *testing.T) {
		_, err := svc.GetAnomalies("histsvc-ghost", start, end, "", 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "device not found")
	})

	t.Run("Should reject invalid trend intervals", func(t *testing.T) {
		_, err := svc.GetHealthTrend("histsvc-hub-1", start, end, "7m")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid interval")
	})

	t.Run("Should reject invalid event kinds", func(t *testing.T) {
		_, err := svc.GetMaintenanceEvents("histsvc-hub-1", "reboot", start, end, 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid event kind")
	})
}
