package repository_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/db/repository"
	"github.com/fleetmend/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHistoryRepository_Records(t *testing.T) {
	// Setup test environment
	ts := testutil.NewTestSetup(t)
	defer ts.Cleanup()

	// Create tables for testing
	ts.SetupTestDatabase(
		&models.AnomalyRecord{},
		&models.HealthSnapshot{},
		&models.MaintenanceEvent{},
		&models.PatchRecord{},
		&models.AlertRecord{},
	)

	// Create repository
	repo := repository.NewHistoryRepository(ts.DB.DB)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Test case: Anomaly records
	t.Run("Should insert and query anomaly records in a window", func(t *testing.T) {
		// Build a batch spread over ten minutes for two devices
		var batch []models.AnomalyRecord
		for i := 0; i < 10; i++ {
			severity := "warning"
			if i%2 == 0 {
				severity = "critical"
			}
			batch = append(batch, models.AnomalyRecord{
				Time:       base.Add(time.Duration(i) * time.Minute),
				AnomalyID:  "anomaly-" + strconv.Itoa(i),
				DeviceID:   "pump-7",
				Metric:     "latency",
				Value:      500,
				ZScore:     5.2,
				Severity:   severity,
				Confidence: 0.9,
			})
		}
		batch = append(batch, models.AnomalyRecord{
			Time:      base,
			AnomalyID: "other-device",
			DeviceID:  "pump-8",
			Metric:    "latency",
			Severity:  "warning",
		})

		err := repo.InsertAnomalyBatch(batch)
		assert.NoError(t, err)

		// Query the full window for one device
		records, err := repo.GetAnomalies("pump-7", base, base.Add(time.Hour), "", 0)
		assert.NoError(t, err)
		assert.Len(t, records, 10)

		// Newest first
		assert.Equal(t, "anomaly-9", records[0].AnomalyID)

		// Severity filter
		criticals, err := repo.GetAnomalies("pump-7", base, base.Add(time.Hour), "critical", 0)
		assert.NoError(t, err)
		assert.Len(t, criticals, 5)

		// Limit applies
		limited, err := repo.GetAnomalies("pump-7", base, base.Add(time.Hour), "", 3)
		assert.NoError(t, err)
		assert.Len(t, limited, 3)

		// Window excludes later records
		early, err := repo.GetAnomalies("pump-7", base, base.Add(4*time.Minute), "", 0)
		assert.NoError(t, err)
		assert.Len(t, early, 5)
	})

	// Test case: Health snapshots
	t.Run("Should track health snapshots newest first", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			err := repo.InsertHealthSnapshot(&models.HealthSnapshot{
				Time:               base.Add(time.Duration(i) * time.Minute),
				DeviceID:           "pump-7",
				Score:              100 - float64(i*10),
				FailureProbability: float64(i) * 0.1,
				Horizon:            "long_term",
				Slope:              -1.5,
			})
			assert.NoError(t, err)
		}

		// Latest snapshot wins
		latest, err := repo.GetLatestHealthSnapshot("pump-7")
		assert.NoError(t, err)
		assert.Equal(t, 70.0, latest.Score)

		// Windowed query is newest first
		snapshots, err := repo.GetHealthSnapshots("pump-7", base, base.Add(time.Hour), 0)
		assert.NoError(t, err)
		assert.Len(t, snapshots, 4)
		assert.Equal(t, 70.0, snapshots[0].Score)

		// Unknown device reports not found
		_, err = repo.GetLatestHealthSnapshot("no-such-pump")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	// Test case: Maintenance events
	t.Run("Should record maintenance events and filter by kind", func(t *testing.T) {
		events := []models.MaintenanceEvent{
			{Time: base, EventID: "evt-1", DeviceID: "pump-7", Kind: "healing", FromState: "idle", ToState: "diagnosing"},
			{Time: base.Add(time.Second), EventID: "evt-2", DeviceID: "pump-7", Kind: "healing", FromState: "diagnosing", ToState: "planning"},
			{Time: base.Add(2 * time.Second), EventID: "evt-3", DeviceID: "pump-7", Kind: "patch", FromState: "analyze", ToState: "stage"},
		}
		for i := range events {
			err := repo.InsertMaintenanceEvent(&events[i])
			assert.NoError(t, err)
		}

		all, err := repo.GetMaintenanceEvents("pump-7", "", base, base.Add(time.Hour), 0)
		assert.NoError(t, err)
		assert.Len(t, all, 3)

		healing, err := repo.GetMaintenanceEvents("pump-7", "healing", base, base.Add(time.Hour), 0)
		assert.NoError(t, err)
		assert.Len(t, healing, 2)
	})

	// Test case: Patch records
	t.Run("Should store patch outcomes", func(t *testing.T) {
		err := repo.InsertPatchRecord(&models.PatchRecord{
			Time:          base,
			PlanID:        "plan-1",
			DeviceID:      "pump-7",
			Model:         "vx-300",
			FromVersion:   "2.1.0",
			TargetVersion: "2.2.0",
			Status:        "committed",
		})
		assert.NoError(t, err)

		records, err := repo.GetPatchRecords("pump-7", base, base.Add(time.Hour), 0)
		assert.NoError(t, err)
		assert.Len(t, records, 1)
		assert.Equal(t, "committed", records[0].Status)
		assert.Equal(t, "2.2.0", records[0].TargetVersion)
	})

	// Test case: Alerts
	t.Run("Should acknowledge alerts exactly once", func(t *testing.T) {
		err := repo.InsertAlert(&models.AlertRecord{
			Time:     base,
			AlertID:  "alert-1",
			DeviceID: "pump-7",
			Kind:     "healing_failed",
			Severity: "critical",
			Message:  "self-healing exhausted all planned actions",
		})
		assert.NoError(t, err)

		// First acknowledgement succeeds
		err = repo.AcknowledgeAlert("alert-1", "operator@example.com")
		assert.NoError(t, err)

		alerts, err := repo.GetAlerts("pump-7", base, base.Add(time.Hour), "critical", 0)
		assert.NoError(t, err)
		assert.Len(t, alerts, 1)
		assert.True(t, alerts[0].Acknowledged)
		assert.Equal(t, "operator@example.com", alerts[0].AckBy)

		// Second acknowledgement reports not found
		err = repo.AcknowledgeAlert("alert-1", "operator@example.com")
		assert.ErrorIs(t, err, repository.ErrNotFound)

		// Unknown alert reports not found
		err = repo.AcknowledgeAlert("no-such-alert", "operator@example.com")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}
