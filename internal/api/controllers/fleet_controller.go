package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fleetmend/backend/internal/api/middleware"
	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/services"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// FleetResponse represents a fleet in responses
type FleetResponse struct {
	ID          uint                  `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Site        string                `json:"site"`
	CreatedBy   uint                  `json:"created_by"`
	CreatedAt   string                `json:"created_at"`
	UpdatedAt   string                `json:"updated_at"`
	Members     []FleetMemberResponse `json:"members,omitempty"`
}

// FleetMemberResponse represents a fleet member in responses
type FleetMemberResponse struct {
	ID        uint   `json:"id"`
	FleetID   uint   `json:"fleet_id"`
	UserID    uint   `json:"user_id"`
	Role      string `json:"role"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// CreateFleetRequest represents the request to create a fleet
type CreateFleetRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Site        string `json:"site"`
}

// UpdateFleetRequest represents the request to update a fleet
type UpdateFleetRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Site        string `json:"site"`
}

// AddMemberRequest represents the request to add a member to a fleet
type AddMemberRequest struct {
	UserID uint             `json:"user_id" binding:"required"`
	Role   models.FleetRole `json:"role" binding:"required"`
}

// UpdateMemberRequest represents the request to update a member's role
type UpdateMemberRequest struct {
	Role models.FleetRole `json:"role" binding:"required"`
}

// FleetController handles fleet management endpoints
type FleetController struct {
	fleetService *services.FleetService
	logger       *utils.Logger
}

// NewFleetController creates a new fleet controller
func NewFleetController(fleetService *services.FleetService, logger *utils.Logger) *FleetController {
	return &FleetController{
		fleetService: fleetService,
		logger:       logger.Named("fleet_controller"),
	}
}

// RegisterRoutes registers the controller's routes with the router group.
// Per-fleet routes are gated by the fleet role lattice; admins bypass it.
func (fc *FleetController) RegisterRoutes(router *gin.RouterGroup) {
	fleetAuth := middleware.NewFleetAuthMiddleware(fc.fleetService)

	fleets := router.Group("/fleets")
	{
		fleets.GET("", fc.ListFleets)
		fleets.POST("", fc.CreateFleet)
		fleets.GET("/:id", fleetAuth.RequireFleetViewer(), fc.GetFleet)
		fleets.PUT("/:id", fleetAuth.RequireFleetOperator(), fc.UpdateFleet)
		fleets.DELETE("/:id", fleetAuth.RequireFleetOwner(), fc.DeleteFleet)

		// Fleet members
		fleets.GET("/:id/members", fleetAuth.RequireFleetViewer(), fc.ListMembers)
		fleets.POST("/:id/members", fleetAuth.RequireFleetOwner(), fc.AddMember)
		fleets.PUT("/:id/members/:user_id", fleetAuth.RequireFleetOwner(), fc.UpdateMember)
		fleets.DELETE("/:id/members/:user_id", fleetAuth.RequireFleetOwner(), fc.RemoveMember)
	}
}

// ListFleets returns a paginated list of fleets the user has access to
// @Summary Get a list of fleets
// @Description Returns a paginated list of fleets the user has access to
// @Tags fleets
// @Accept json
// @Produce json
// @Security Bearer
// @Param page query int false "Page number (1-based)" default(1)
// @Param limit query int false "Page size" default(20)
// @Success 200 {object} []FleetResponse "Fleet list"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Server error"
// @Router /fleets [get]
func (fc *FleetController) ListFleets(c *gin.Context) {
	// Get current user ID
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	pagination := utils.GetPaginationFromContext(c)

	// Admins see all fleets, regular users only the ones they belong to
	userRole, _ := c.Get("user_role")
	isAdmin := userRole == string(models.RoleAdmin)

	var fleets []models.Fleet
	var total int64
	var listErr error

	if isAdmin {
		fleets, total, listErr = fc.fleetService.List(pagination.Page, pagination.Limit)
	} else {
		fleets, total, listErr = fc.fleetService.ListByUserID(userID.(uint), pagination.Page, pagination.Limit)
	}

	if listErr != nil {
		fc.logger.Error("Failed to list fleets", zap.Error(listErr))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve fleets"})
		return
	}

	// Map fleets to response objects
	response := make([]FleetResponse, len(fleets))
	for i, fleet := range fleets {
		response[i] = FleetResponse{
			ID:          fleet.ID,
			Name:        fleet.Name,
			Description: fleet.Description,
			Site:        fleet.Site,
			CreatedBy:   fleet.CreatedBy,
			CreatedAt:   fleet.CreatedAt.Format(time.RFC3339),
			UpdatedAt:   fleet.UpdatedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"fleets": response,
		"pagination": gin.H{
			"total": total,
			"page":  pagination.Page,
			"limit": pagination.Limit,
		},
	})
}

// CreateFleet creates a new fleet
// @Summary Create a new fleet
// @Description Creates a new fleet with the current user as owner
// @Tags fleets
// @Accept json
// @Produce json
// @Security Bearer
// @Param fleet body CreateFleetRequest true "Fleet information"
// @Success 201 {object} FleetResponse "Created fleet"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Server error"
// @Router /fleets [post]
func (fc *FleetController) CreateFleet(c *gin.Context) {
	// Get current user ID
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	var req CreateFleetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(c, err)
		return
	}

	// Create new fleet, the creator is seeded as its first owner
	fleet := &models.Fleet{
		Name:        req.Name,
		Description: req.Description,
		Site:        req.Site,
		CreatedBy:   userID.(uint),
	}

	if err := fc.fleetService.Create(fleet); err != nil {
		fc.logger.Error("Failed to create fleet", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create fleet"})
		return
	}

	c.JSON(http.StatusCreated, FleetResponse{
		ID:          fleet.ID,
		Name:        fleet.Name,
		Description: fleet.Description,
		Site:        fleet.Site,
		CreatedBy:   fleet.CreatedBy,
		CreatedAt:   fleet.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   fleet.UpdatedAt.Format(time.RFC3339),
	})
}

// GetFleet returns a fleet by ID
// @Summary Get fleet by ID
// @Description Returns a fleet by ID if the user has access
// @Tags fleets
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Fleet ID"
// @Success 200 {object} FleetResponse "Fleet details"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden"
// @Failure 404 {object} map[string]string "Fleet not found"
// @Failure 500 {object} map[string]string "Server error"
// @Router /fleets/{id} [get]
func (fc *FleetController) GetFleet(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid fleet ID"})
		return
	}

	fleet, err := fc.fleetService.GetByID(uint(id))
	if err != nil {
		if err.Error() == "fleet not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Fleet not found"})
			return
		}
		fc.logger.Error("Failed to get fleet", zap.Uint("fleet_id", uint(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve fleet"})
		return
	}

	// Get fleet members
	members, err := fc.fleetService.ListMembers(uint(id))
	if err != nil {
		fc.logger.Error("Failed to get fleet members", zap.Uint("fleet_id", uint(id)), zap.Error(err))
		// Don't return an error, continue with the fleet data
	}

	memberResponses := make([]FleetMemberResponse, 0)
	for _, member := range members {
		memberResponses = append(memberResponses, FleetMemberResponse{
			ID:        member.ID,
			FleetID:   member.FleetID,
			UserID:    member.UserID,
			Role:      string(member.Role),
			Email:     member.User.Email,
			FirstName: member.User.FirstName,
			LastName:  member.User.LastName,
		})
	}

	c.JSON(http.StatusOK, FleetResponse{
		ID:          fleet.ID,
		Name:        fleet.Name,
		Description: fleet.Description,
		Site:        fleet.Site,
		CreatedBy:   fleet.CreatedBy,
		CreatedAt:   fleet.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   fleet.UpdatedAt.Format(time.RFC3339),
		Members:     memberResponses,
	})
}

// UpdateFleet updates a fleet by ID
// @Summary Update fleet
// @Description Updates a fleet by ID if the user has operator access
// @Tags fleets
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Fleet ID"
// @Param fleet body UpdateFleetRequest true "Fleet information"
// @Success 200 {object} FleetResponse "Updated fleet"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden"
// @Failure 404 {object} map[string]string "Fleet not found"
// @Failure 500 {object} map[string]string "Server error"
// @Router /fleets/{id} [put]
func (fc *FleetController) UpdateFleet(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid fleet ID"})
		return
	}

	var req UpdateFleetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(c, err)
		return
	}

	fleet, err := fc.fleetService.GetByID(uint(id))
	if err != nil {
		if err.Error() == "fleet not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Fleet not found"})
			return
		}
		fc.logger.Error("Failed to get fleet", zap.Uint("fleet_id", uint(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve fleet"})
		return
	}

	// Update fleet fields
	if req.Name != "" {
		fleet.Name = req.Name
	}
	fleet.Description = req.Description
	fleet.Site = req.Site

	if err := fc.fleetService.Update(fleet); err != nil {
		fc.logger.Error("Failed to update fleet", zap.Uint("fleet_id", uint(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update fleet"})
		return
	}

	c.JSON(http.StatusOK, FleetResponse{
		ID:          fleet.ID,
		Name:        fleet.Name,
		Description: fleet.Description,
		Site:        fleet.Site,
		CreatedBy:   fleet.CreatedBy,
		CreatedAt:   fleet.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   fleet.UpdatedAt.Format(time.RFC3339),
	})
}

// DeleteFleet deletes a fleet by ID
// @Summary Delete fleet
// @Description Deletes a fleet by ID if the user is an owner or an admin
// @Tags fleets
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Fleet ID"
// @Success 200 {object} map[string]string "Fleet deleted successfully"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden"
// @Failure 404 {object} map[string]string "Fleet not found"
// @Failure 500 {object} map[string]string "Server error"
// @Router /fleets/{id} [delete]
func (fc *FleetController) DeleteFleet(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid fleet ID"})
		return
	}

	if err := fc.fleetService.Delete(uint(id)); err != nil {
		if err.Error() == "fleet not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Fleet not found"})
			return
		}
		fc.logger.Error("Failed to delete fleet", zap.Uint("fleet_id", uint(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete fleet"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Fleet deleted successfully"})
}

// ListMembers returns the members of a fleet
// @Summary List fleet members
// @Description Returns the members of a fleet if the user has access
// @Tags fleets
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Fleet ID"
// @Success 200 {object} []FleetMemberResponse "Fleet members"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden"
// @Failure 404 {object} map[string]string "Fleet not found"
// @Failure 500 {object} map[string]string "Server error"
// @Router /fleets/{id}/members [get]
func (fc *FleetController) ListMembers(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid fleet ID"})
		return
	}

	members, err := fc.fleetService.ListMembers(uint(id))
	if err != nil {
		if err.Error() == "fleet not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Fleet not found"})
			return
		}
		fc.logger.Error("Failed to list fleet members", zap.Uint("fleet_id", uint(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve fleet members"})
		return
	}

	response := make([]FleetMemberResponse, len(members))
	for i, member := range members {
		response[i] = FleetMemberResponse{
			ID:        member.ID,
			FleetID:   member.FleetID,
			UserID:    member.UserID,
			Role:      string(member.Role),
			Email:     member.User.Email,
			FirstName: member.User.FirstName,
			LastName:  member.User.LastName,
		}
	}

	c.JSON(http.StatusOK, gin.H{"members": response})
}

// AddMember adds a member to a fleet
// @Summary Add fleet member
// @Description Adds a member to a fleet if the user is an owner
// @Tags fleets
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Fleet ID"
// @Param member body AddMemberRequest true "Member information"
// @Success 201 {object} FleetMemberResponse "Added member"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden"
// @Failure 404 {object} map[string]string "Fleet not found"
// @Failure 409 {object} map[string]string "Member already exists"
// @Failure 500 {object} map[string]string "Server error"
// @Router /fleets/{id}/members [post]
func (fc *FleetController) AddMember(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid fleet ID"})
		return
	}

	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(c, err)
		return
	}

	member, err := fc.fleetService.AddMember(uint(id), req.UserID, req.Role)
	if err != nil {
		switch err.Error() {
		case "user already a member of fleet":
			c.JSON(http.StatusConflict, gin.H{"error": "User is already a member of this fleet"})
		case "fleet not found":
			c.JSON(http.StatusNotFound, gin.H{"error": "Fleet not found"})
		case "user not found":
			c.JSON(http.StatusBadRequest, gin.H{"error": "User not found"})
		default:
			fc.logger.Error("Failed to add member to fleet",
				zap.Uint("fleet_id", uint(id)),
				zap.Uint("user_id", req.UserID),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add member to fleet"})
		}
		return
	}

	c.JSON(http.StatusCreated, FleetMemberResponse{
		ID:        member.ID,
		FleetID:   member.FleetID,
		UserID:    member.UserID,
		Role:      string(member.Role),
		Email:     member.User.Email,
		FirstName: member.User.FirstName,
		LastName:  member.User.LastName,
	})
}

// UpdateMember updates a member's role in a fleet
// @Summary Update fleet member
// @Description Updates a member's role in a fleet if the user is an owner
// @Tags fleets
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Fleet ID"
// @Param user_id path int true "User ID"
// @Param member body UpdateMemberRequest true "Member information"
// @Success 200 {object} FleetMemberResponse "Updated member"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden"
// @Failure 404 {object} map[string]string "Fleet or member not found"
// @Failure 500 {object} map[string]string "Server error"
// @Router /fleets/{id}/members/{user_id} [put]
func (fc *FleetController) UpdateMember(c *gin.Context) {
	fleetID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid fleet ID"})
		return
	}

	memberUserID, err := strconv.ParseUint(c.Param("user_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	var req UpdateMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(c, err)
		return
	}

	member, err := fc.fleetService.UpdateMemberRole(uint(fleetID), uint(memberUserID), req.Role)
	if err != nil {
		switch err.Error() {
		case "member not found":
			c.JSON(http.StatusNotFound, gin.H{"error": "Member not found in fleet"})
		case "cannot demote the last owner":
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot change the role of the last owner"})
		default:
			fc.logger.Error("Failed to update member role",
				zap.Uint("fleet_id", uint(fleetID)),
				zap.Uint("user_id", uint(memberUserID)),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update member role"})
		}
		return
	}

	c.JSON(http.StatusOK, FleetMemberResponse{
		ID:        member.ID,
		FleetID:   member.FleetID,
		UserID:    member.UserID,
		Role:      string(member.Role),
		Email:     member.User.Email,
		FirstName: member.User.FirstName,
		LastName:  member.User.LastName,
	})
}

// RemoveMember removes a member from a fleet
// @Summary Remove fleet member
// @Description Removes a member from a fleet if the user is an owner
// @Tags fleets
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Fleet ID"
// @Param user_id path int true "User ID"
// @Success 200 {object} map[string]string "Member removed successfully"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden"
// @Failure 404 {object} map[string]string "Fleet or member not found"
// @Failure 500 {object} map[string]string "Server error"
// @Router /fleets/{id}/members/{user_id} [delete]
func (fc *FleetController) RemoveMember(c *gin.Context) {
	fleetID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid fleet ID"})
		return
	}

	memberUserID, err := strconv.ParseUint(c.Param("user_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	if err := fc.fleetService.RemoveMember(uint(fleetID), uint(memberUserID)); err != nil {
		switch err.Error() {
		case "member not found":
			c.JSON(http.StatusNotFound, gin.H{"error": "Member not found in fleet"})
		case "cannot remove the last owner":
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot remove the last owner from the fleet"})
		default:
			fc.logger.Error("Failed to remove member",
				zap.Uint("fleet_id", uint(fleetID)),
				zap.Uint("user_id", uint(memberUserID)),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove member from fleet"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Member removed successfully"})
}
