package middleware

import (
	"net/http"
	"strconv"

	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/services"
	"github.com/gin-gonic/gin"
)

// FleetAuthMiddleware handles fleet-level authorization
type FleetAuthMiddleware struct {
	fleetService *services.FleetService
}

// NewFleetAuthMiddleware creates a new fleet authorization middleware
func NewFleetAuthMiddleware(fleetService *services.FleetService) *FleetAuthMiddleware {
	return &FleetAuthMiddleware{
		fleetService: fleetService,
	}
}

// RequireFleetAccess ensures the user has the required access level to a fleet
func (fm *FleetAuthMiddleware) RequireFleetAccess(minRole models.FleetRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get fleet ID from URL parameter
		fleetID, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid fleet ID"})
			return
		}

		// Get user ID from context (set by RequireAuth middleware)
		userID, exists := c.Get("user_id")
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		// Admins have access to all fleets
		userRole, _ := c.Get("user_role")
		if userRole == string(models.RoleAdmin) {
			c.Next()
			return
		}

		hasAccess, err := fm.fleetService.CheckUserAccess(uint(fleetID), userID.(uint), minRole)
		if err != nil {
			if err.Error() == "fleet not found" {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Fleet not found"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify fleet access"})
			return
		}

		if !hasAccess {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Insufficient permissions for this fleet",
				"code":  "fleet_access_denied",
			})
			return
		}

		c.Next()
	}
}

// RequireFleetOwner ensures the user is an owner of the fleet
func (fm *FleetAuthMiddleware) RequireFleetOwner() gin.HandlerFunc {
	return fm.RequireFleetAccess(models.FleetRoleOwner)
}

// RequireFleetOperator ensures the user is at least an operator of the fleet
func (fm *FleetAuthMiddleware) RequireFleetOperator() gin.HandlerFunc {
	return fm.RequireFleetAccess(models.FleetRoleOperator)
}

// RequireFleetViewer ensures the user is at least a viewer of the fleet
func (fm *FleetAuthMiddleware) RequireFleetViewer() gin.HandlerFunc {
	return fm.RequireFleetAccess(models.FleetRoleViewer)
}
