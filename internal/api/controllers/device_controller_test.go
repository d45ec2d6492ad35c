package controllers_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/fleetmend/backend/internal/api/controllers"
	"github.com/fleetmend/backend/internal/api/middleware"
	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/devicectl"
	"github.com/fleetmend/backend/internal/firmware"
	"github.com/fleetmend/backend/internal/healing"
	"github.com/fleetmend/backend/internal/maintenance"
	"github.com/fleetmend/backend/internal/monitor"
	"github.com/fleetmend/backend/internal/services"
	"github.com/fleetmend/backend/internal/testutil"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, deviceID string, action healing.ActionType) error {
	return nil
}

type staticVersionStore struct{}

func (staticVersionStore) CurrentVersion(ctx context.Context, deviceID string) (string, string, error) {
	return "hub-m3", "1.0.0", nil
}

func (staticVersionStore) CommitVersion(ctx context.Context, deviceID, version string) error {
	return nil
}

type nullGateway struct{}

func (nullGateway) StageFirmware(ctx context.Context, deviceID, version string) (*devicectl.StagedArtifact, error) {
	return nil, nil
}

func (nullGateway) InstallFirmware(ctx context.Context, deviceID, version string) error { return nil }

func (nullGateway) RollbackFirmware(ctx context.Context, deviceID, toVersion string) error {
	return nil
}

func (nullGateway) Status(ctx context.Context, deviceID string) (*devicectl.DeviceStatus, error) {
	return &devicectl.DeviceStatus{Online: true}, nil
}

// newIdleOrchestrator wires a full pipeline that is never started, so no
// device has a report yet.
func newIdleOrchestrator() *maintenance.Orchestrator {
	logger := utils.NewNopLogger()

	detector := monitor.NewDetector(&config.MonitorConfig{
		WarmupSamples:    3,
		WarningZ:         3.0,
		CriticalZ:        4.5,
		StdEpsilon:       1e-6,
		Decay:            0.05,
		CapMultiplier:    3.0,
		AnomalyRetention: 10,
	}, logger)
	scorer := monitor.NewScorer(&config.HealthConfig{
		HalfLifeSeconds: 300,
		PenaltyFactor:   15.0,
		WarningWeight:   1.0,
		CriticalWeight:  2.0,
	})
	predictor := monitor.NewPredictor(&config.PredictorConfig{
		HistorySize:   20,
		CoeffBase:     6.0,
		CoeffSlope:    2.0,
		Offset:        3.0,
		ImmediateRisk: 0.75,
		NearTermRisk:  0.45,
	})

	signals := maintenance.NewSignalAdapter(detector, scorer)
	healer := healing.NewAgent(&config.HealingConfig{
		MaxAttemptsPerAction: 2,
		RecoveryThreshold:    75.0,
	}, healing.DefaultRuleTable(), signals, noopExecutor{}, logger)
	patcher := firmware.NewAgent(&config.FirmwareConfig{
		AnomalyThreshold: 5,
	}, &firmware.Registry{}, staticVersionStore{}, nullGateway{}, signals, logger)

	return maintenance.NewOrchestrator(&config.MaintenanceConfig{
		ActionThreshold:    0.6,
		EvaluationSeconds:  1,
		CooldownSeconds:    300,
		MailboxSize:        8,
		ReportAnomalyCount: 5,
	}, detector, scorer, predictor, healer, patcher, logger)
}

func TestDeviceController_CRUD(t *testing.T) {
	// Setup test environment
	ts := testutil.NewTestSetup(t)
	defer ts.Cleanup()

	ts.SetupTestDatabase(&models.User{}, &models.Fleet{}, &models.FleetMember{},
		&models.DeviceProfile{}, &models.Device{})

	ownerID := ts.SeedTestUser("devctrl-owner@example.com", "password123", false)
	fleetID := ts.SeedTestFleet("devctrl-fleet", ownerID)

	profile := &models.DeviceProfile{
		Name:           "devctrl-sensor",
		TargetFirmware: "1.0.0",
		CreatedBy:      ownerID,
	}
	require.NoError(t, ts.DB.DB.Create(profile).Error)

	deviceService := services.NewDeviceService(ts.DB, ts.Logger)
	deviceController := controllers.NewDeviceController(deviceService, newIdleOrchestrator(), ts.Logger)

	authMiddleware := middleware.NewAuthMiddleware(&ts.Config.JWT)
	apiV1 := ts.Router.Group("/api/v1", authMiddleware.RequireAuth())
	deviceController.RegisterRoutes(apiV1)

	headers := map[string]string{
		"Authorization": "Bearer " + ts.CreateTestAuthToken(ownerID, "devctrl-owner@example.com", models.RoleUser),
	}

	var deviceDBID float64

	t.Run("Should register a device", func(t *testing.T) {
		createRequest := map[string]interface{}{
			"device_id":        "devctrl-hub-1",
			"name":             "Line 3 hub",
			"profile_id":       profile.ID,
			"fleet_id":         fleetID,
			"firmware_version": "1.0.0",
			"metadata":         map[string]interface{}{"rack": "A4"},
		}

		resp := ts.ExecuteRequest("POST", "/api/v1/devices", createRequest, headers)

		assert.Equal(t, http.StatusCreated, resp.Code)

		var response map[string]interface{}
		ts.ParseResponse(resp, &response)

		assert.Equal(t, "devctrl-hub-1", response["device_id"])
		assert.Equal(t, "Line 3 hub", response["name"])
		assert.Equal(t, float64(ownerID), response["created_by"])

		deviceDBID = response["id"].(float64)
		assert.Greater(t, deviceDBID, float64(0))
	})

	t.Run("Should reject duplicate device identifiers", func(t *testing.T) {
		createRequest := map[string]interface{}{
			"device_id":  "devctrl-hub-1",
			"name":       "Duplicate hub",
			"profile_id": profile.ID,
			"fleet_id":   fleetID,
		}

		resp := ts.ExecuteRequest("POST", "/api/v1/devices", createRequest, headers)

		assert.Equal(t, http.StatusConflict, resp.Code)
	})

	t.Run("Should reject unknown profiles", func(t *testing.T) {
		createRequest := map[string]interface{}{
			"device_id":  "devctrl-hub-2",
			"name":       "Orphan hub",
			"profile_id": 999999,
			"fleet_id":   fleetID,
		}

		resp := ts.ExecuteRequest("POST", "/api/v1/devices", createRequest, headers)

		assert.Equal(t, http.StatusBadRequest, resp.Code)

		var response map[string]string
		ts.ParseResponse(resp, &response)
		assert.Contains(t, response["error"], "profile not found")
	})

	t.Run("Should get a device by ID", func(t *testing.T) {
		resp := ts.ExecuteRequest("GET", fmt.Sprintf("/api/v1/devices/%d", uint(deviceDBID)), nil, headers)

		assert.Equal(t, http.StatusOK, resp.Code)

		var response map[string]interface{}
		ts.ParseResponse(resp, &response)
		assert.Equal(t, "devctrl-hub-1", response["device_id"])
	})

	t.Run("Should return 404 for missing devices", func(t *testing.T) {
		resp := ts.ExecuteRequest("GET", "/api/v1/devices/999999", nil, headers)

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("Should update mutable fields only", func(t *testing.T) {
		updateRequest := map[string]interface{}{
			"name":        "Line 3 hub (relocated)",
			"description": "moved to rack B1",
		}

		resp := ts.ExecuteRequest("PUT", fmt.Sprintf("/api/v1/devices/%d", uint(deviceDBID)), updateRequest, headers)

		assert.Equal(t, http.StatusOK, resp.Code)

		var response map[string]interface{}
		ts.ParseResponse(resp, &response)
		assert.Equal(t, "Line 3 hub (relocated)", response["name"])
		assert.Equal(t, "moved to rack B1", response["description"])
		// Firmware stays under pipeline control
		assert.Equal(t, "1.0.0", response["firmware_version"])
	})

	t.Run("Should return 404 when no report exists yet", func(t *testing.T) {
		resp := ts.ExecuteRequest("GET", fmt.Sprintf("/api/v1/devices/%d/report", uint(deviceDBID)), nil, headers)

		assert.Equal(t, http.StatusNotFound, resp.Code)

		var response map[string]string
		ts.ParseResponse(resp, &response)
		assert.Contains(t, response["error"], "No report available")
	})

	t.Run("Should delete a device", func(t *testing.T) {
		resp := ts.ExecuteRequest("DELETE", fmt.Sprintf("/api/v1/devices/%d", uint(deviceDBID)), nil, headers)

		assert.Equal(t, http.StatusNoContent, resp.Code)

		getResp := ts.ExecuteRequest("GET", fmt.Sprintf("/api/v1/devices/%d", uint(deviceDBID)), nil, headers)
		assert.Equal(t, http.StatusNotFound, getResp.Code)
	})

	t.Run("Should require authentication", func(t *testing.T) {
		resp := ts.ExecuteRequest("GET", "/api/v1/devices", nil, nil)

		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})
}
