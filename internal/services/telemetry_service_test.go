package services_test

import (
	"sync"
	"testing"
	"time"

	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/fleetmend/backend/internal/services"
	"github.com/fleetmend/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records samples handed to the monitoring pipeline
type captureSink struct {
	mu      sync.Mutex
	samples []monitor.MetricSample
}

func (c *captureSink) Ingest(sample monitor.MetricSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, sample)
}

func (c *captureSink) all() []monitor.MetricSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]monitor.MetricSample, len(c.samples))
	copy(out, c.samples)
	return out
}

func TestTelemetryService_Ingest(t *testing.T) {
	ts := testutil.NewTestSetup(t)
	defer ts.Cleanup()
	ts.SetupTestDatabase(
		&models.User{}, &models.Fleet{}, &models.FleetMember{},
		&models.DeviceProfile{}, &models.Device{},
	)

	ownerID := ts.SeedTestUser("telemsvc-owner@example.com", "password123", true)
	fleetID := ts.SeedTestFleet("telemsvc-fleet", ownerID)

	// Profile with a schema restricting metric names and value range
	profile := &models.DeviceProfile{
		Name:           "telemsvc-sensor",
		TargetFirmware: "1.0.0",
		MetricsSchema:  models.JSON(strictMetricsSchema),
		CreatedBy:      ownerID,
	}
	require.NoError(t, ts.DB.DB.Create(profile).Error)

	device := &models.Device{
		DeviceID:        "telemsvc-dev-1",
		Name:            "telemsvc-dev-1",
		ProfileID:       profile.ID,
		FleetID:         fleetID,
		FirmwareVersion: "1.0.0",
	}
	require.NoError(t, ts.DB.DB.Create(device).Error)

	profiles := services.NewProfileService(ts.DB, ts.Logger)
	sink := &captureSink{}
	svc := services.NewTelemetryService(ts.DB, ts.Logger, nil, nil, profiles, sink)

	t.Run("Should forward valid readings to the pipeline", func(t *testing.T) {
		// Arrange
		at := time.Now().Add(-time.Minute)

		// Act
		err := svc.Ingest("telemsvc-dev-1", "temperature", 21.5, at)

		// Assert
		require.NoError(t, err)
		samples := sink.all()
		require.Len(t, samples, 1)
		assert.Equal(t, "telemsvc-dev-1", samples[0].DeviceID)
		assert.Equal(t, "temperature", samples[0].Metric)
		assert.InDelta(t, 21.5, samples[0].Value, 0.001)
		assert.True(t, samples[0].Timestamp.Equal(at))
	})

	t.Run("Should stamp readings missing a timestamp", func(t *testing.T) {
		// Arrange
		before := time.Now()

		// Act
		err := svc.Ingest("telemsvc-dev-1", "humidity", 40, time.Time{})

		// Assert
		require.NoError(t, err)
		samples := sink.all()
		require.Len(t, samples, 2)
		assert.False(t, samples[1].Timestamp.Before(before))
	})

	t.Run("Should drop readings from unknown devices", func(t *testing.T) {
		// Act
		err := svc.Ingest("telemsvc-ghost", "temperature", 21.5, time.Now())

		// Assert: dropped silently, nothing reaches the pipeline
		require.NoError(t, err)
		assert.Len(t, sink.all(), 2)
	})

	t.Run("Should reject readings the profile schema forbids", func(t *testing.T) {
		// Act
		err := svc.Ingest("telemsvc-dev-1", "vibration", 0.4, time.Now())

		// Assert
		require.Error(t, err)
		assert.Contains(t, err.Error(), "profile schema")
		assert.Len(t, sink.all(), 2)
	})

	t.Run("Should require a device identifier and metric", func(t *testing.T) {
		err := svc.Ingest("", "temperature", 1, time.Now())
		require.Error(t, err)

		err = svc.Ingest("telemsvc-dev-1", "", 1, time.Now())
		require.Error(t, err)
	})

	t.Run("Should record when the device was last seen", func(t *testing.T) {
		var stored models.Device
		require.NoError(t, ts.DB.DB.Where("device_id = ?", "telemsvc-dev-1").First(&stored).Error)
		assert.NotNil(t, stored.LastSeen)
	})
}
