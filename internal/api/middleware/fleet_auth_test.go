package middleware_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/fleetmend/backend/internal/api/middleware"
	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/services"
	"github.com/fleetmend/backend/internal/testutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFleetAuthMiddleware_RequireFleetAccess(t *testing.T) {
	// Setup test environment
	ts := testutil.NewTestSetup(t)
	defer ts.Cleanup()

	ts.SetupTestDatabase(&models.User{}, &models.Fleet{}, &models.FleetMember{})

	// Seed users with different access levels
	ownerID := ts.SeedTestUser("fleetauth-owner@example.com", "password123", false)
	viewerID := ts.SeedTestUser("fleetauth-viewer@example.com", "password123", false)
	outsiderID := ts.SeedTestUser("fleetauth-outsider@example.com", "password123", false)
	adminID := ts.SeedTestUser("fleetauth-admin@example.com", "password123", true)

	fleetID := ts.SeedTestFleet("fleetauth-fleet", ownerID)
	require.NoError(t, ts.DB.DB.Create(&models.FleetMember{
		FleetID: fleetID,
		UserID:  viewerID,
		Role:    models.FleetRoleViewer,
	}).Error)

	fleetService := services.NewFleetService(ts.DB, ts.Logger)
	fleetAuth := middleware.NewFleetAuthMiddleware(fleetService)
	authMiddleware := middleware.NewAuthMiddleware(&ts.Config.JWT)

	// Viewer access is enough to read, owner access required to delete
	fleets := ts.Router.Group("/fleets", authMiddleware.RequireAuth())
	fleets.GET("/:id", fleetAuth.RequireFleetViewer(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "read granted"})
	})
	fleets.DELETE("/:id", fleetAuth.RequireFleetOwner(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "delete granted"})
	})

	authHeader := func(userID uint, email string, role models.Role) map[string]string {
		return map[string]string{
			"Authorization": "Bearer " + ts.CreateTestAuthToken(userID, email, role),
		}
	}
	fleetPath := fmt.Sprintf("/fleets/%d", fleetID)

	t.Run("Should allow a member with sufficient role", func(t *testing.T) {
		resp := ts.ExecuteRequest("GET", fleetPath, nil,
			authHeader(viewerID, "fleetauth-viewer@example.com", models.RoleUser))

		assert.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("Should deny a member below the required role", func(t *testing.T) {
		resp := ts.ExecuteRequest("DELETE", fleetPath, nil,
			authHeader(viewerID, "fleetauth-viewer@example.com", models.RoleUser))

		assert.Equal(t, http.StatusForbidden, resp.Code)

		var response map[string]string
		ts.ParseResponse(resp, &response)
		assert.Equal(t, "fleet_access_denied", response["code"])
	})

	t.Run("Should deny non-members", func(t *testing.T) {
		resp := ts.ExecuteRequest("GET", fleetPath, nil,
			authHeader(outsiderID, "fleetauth-outsider@example.com", models.RoleUser))

		assert.Equal(t, http.StatusForbidden, resp.Code)
	})

	t.Run("Should let owners through the owner gate", func(t *testing.T) {
		resp := ts.ExecuteRequest("DELETE", fleetPath, nil,
			authHeader(ownerID, "fleetauth-owner@example.com", models.RoleUser))

		assert.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("Should let admins bypass membership checks", func(t *testing.T) {
		resp := ts.ExecuteRequest("DELETE", fleetPath, nil,
			authHeader(adminID, "fleetauth-admin@example.com", models.RoleAdmin))

		assert.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("Should return 404 for unknown fleets", func(t *testing.T) {
		resp := ts.ExecuteRequest("GET", "/fleets/999999", nil,
			authHeader(ownerID, "fleetauth-owner@example.com", models.RoleUser))

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("Should reject malformed fleet IDs", func(t *testing.T) {
		resp := ts.ExecuteRequest("GET", "/fleets/not-a-number", nil,
			authHeader(ownerID, "fleetauth-owner@example.com", models.RoleUser))

		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})
}
