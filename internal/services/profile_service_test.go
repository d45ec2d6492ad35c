package services_test

import (
	"testing"

	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/services"
	"github.com/fleetmend/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const strictMetricsSchema = `{
	"type": "object",
	"required": ["metric", "value"],
	"properties": {
		"metric": {"type": "string", "enum": ["temperature", "humidity"]},
		"value": {"type": "number", "maximum": 150}
	}
}`

func TestProfileService_Schemas(t *testing.T) {
	ts := testutil.NewTestSetup(t)
	defer ts.Cleanup()
	ts.SetupTestDatabase(&models.User{}, &models.DeviceProfile{})

	userID := ts.SeedTestUser("profsvc@example.com", "password123", true)
	svc := services.NewProfileService(ts.DB, ts.Logger)

	t.Run("Should apply the default reading schema when none is given", func(t *testing.T) {
		// Arrange
		profile := &models.DeviceProfile{Name: "profsvc-therm-a1", CreatedBy: userID}

		// Act
		require.NoError(t, svc.Create(profile))

		// Assert: the default schema accepts any metric name with a numeric value
		assert.NotEmpty(t, profile.MetricsSchema)
		assert.NoError(t, svc.ValidateReading(profile, "temperature", 21.5))
		assert.NoError(t, svc.ValidateReading(profile, "tilt", -3))
	})

	t.Run("Should reject a schema that does not compile", func(t *testing.T) {
		profile := &models.DeviceProfile{
			Name:          "profsvc-broken",
			CreatedBy:     userID,
			MetricsSchema: models.JSON(`{"type": 12}`),
		}

		err := svc.Create(profile)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid metrics schema")
	})

	t.Run("Should validate readings against a restrictive schema", func(t *testing.T) {
		// Arrange
		profile := &models.DeviceProfile{
			Name:          "profsvc-therm-b2",
			CreatedBy:     userID,
			MetricsSchema: models.JSON(strictMetricsSchema),
		}
		require.NoError(t, svc.Create(profile))

		// Act / Assert
		assert.NoError(t, svc.ValidateReading(profile, "temperature", 20))
		assert.NoError(t, svc.ValidateReading(profile, "humidity", 55))

		err := svc.ValidateReading(profile, "vibration", 1)
		require.Error(t, err)

		err = svc.ValidateReading(profile, "temperature", 500)
		require.Error(t, err)
	})

	t.Run("Should enforce profile name uniqueness", func(t *testing.T) {
		err := svc.Create(&models.DeviceProfile{Name: "profsvc-therm-a1", CreatedBy: userID})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("Should require an existing creator", func(t *testing.T) {
		err := svc.Create(&models.DeviceProfile{Name: "profsvc-orphan", CreatedBy: 99999})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid creator user")
	})
}
