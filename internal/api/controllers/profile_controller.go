package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/services"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ProfileResponse represents a device profile in responses
type ProfileResponse struct {
	ID             uint            `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	MetricsSchema  json.RawMessage `json:"metrics_schema,omitempty"`
	TargetFirmware string          `json:"target_firmware"`
	CreatedBy      uint            `json:"created_by"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// CreateProfileRequest represents the request to create a device profile
type CreateProfileRequest struct {
	Name           string          `json:"name" binding:"required"`
	Description    string          `json:"description"`
	MetricsSchema  json.RawMessage `json:"metrics_schema"`
	TargetFirmware string          `json:"target_firmware"`
}

// UpdateProfileRequest represents the request to update a device profile
type UpdateProfileRequest struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	MetricsSchema  json.RawMessage `json:"metrics_schema"`
	TargetFirmware string          `json:"target_firmware"`
}

// ProfileController handles device profile endpoints
type ProfileController struct {
	profileService *services.ProfileService
	logger         *utils.Logger
}

// NewProfileController creates a new profile controller
func NewProfileController(profileService *services.ProfileService, logger *utils.Logger) *ProfileController {
	return &ProfileController{
		profileService: profileService,
		logger:         logger.Named("profile_controller"),
	}
}

// RegisterRoutes registers the controller's routes with the router group
func (pc *ProfileController) RegisterRoutes(router *gin.RouterGroup) {
	profiles := router.Group("/profiles")
	{
		profiles.POST("", pc.CreateProfile)
		profiles.GET("", pc.ListProfiles)
		profiles.GET("/:id", pc.GetProfile)
		profiles.PUT("/:id", pc.UpdateProfile)
		profiles.DELETE("/:id", pc.DeleteProfile)
	}
}

func toProfileResponse(profile *models.DeviceProfile) ProfileResponse {
	return ProfileResponse{
		ID:             profile.ID,
		Name:           profile.Name,
		Description:    profile.Description,
		MetricsSchema:  json.RawMessage(profile.MetricsSchema),
		TargetFirmware: profile.TargetFirmware,
		CreatedBy:      profile.CreatedBy,
		CreatedAt:      profile.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      profile.UpdatedAt.Format(time.RFC3339),
	}
}

// CreateProfile creates a new device profile
// @Summary Create device profile
// @Description Creates a new device profile with an optional metrics schema
// @Tags profiles
// @Accept json
// @Produce json
// @Security Bearer
// @Param profile body CreateProfileRequest true "Profile information"
// @Success 201 {object} ProfileResponse "Created profile"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 409 {object} map[string]string "Profile name already exists"
// @Failure 500 {object} map[string]string "Server error"
// @Router /profiles [post]
func (pc *ProfileController) CreateProfile(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	var req CreateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(c, err)
		return
	}

	// A schema is optional but must be valid JSON when present
	if len(req.MetricsSchema) > 0 && !json.Valid(req.MetricsSchema) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Metrics schema must be valid JSON"})
		return
	}

	profile := &models.DeviceProfile{
		Name:           req.Name,
		Description:    req.Description,
		MetricsSchema:  models.JSON(req.MetricsSchema),
		TargetFirmware: req.TargetFirmware,
		CreatedBy:      userID.(uint),
	}

	if err := pc.profileService.Create(profile); err != nil {
		switch {
		case err.Error() == "profile with this name already exists":
			c.JSON(http.StatusConflict, gin.H{"error": "A profile with this name already exists"})
		case strings.HasPrefix(err.Error(), "invalid metrics schema"):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case err.Error() == "invalid creator user":
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid creator user"})
		default:
			pc.logger.Error("Failed to create profile", zap.String("name", req.Name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create profile"})
		}
		return
	}

	c.JSON(http.StatusCreated, toProfileResponse(profile))
}

// ListProfiles returns a paginated list of device profiles
// @Summary List device profiles
// @Description Returns a paginated list of device profiles
// @Tags profiles
// @Accept json
// @Produce json
// @Security Bearer
// @Param page query int false "Page number (1-based)" default(1)
// @Param limit query int false "Page size" default(20)
// @Success 200 {object} utils.PaginatedResponse "Profile list"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Server error"
// @Router /profiles [get]
func (pc *ProfileController) ListProfiles(c *gin.Context) {
	pagination := utils.GetPaginationFromContext(c)

	profiles, total, err := pc.profileService.List(pagination.Page, pagination.Limit)
	if err != nil {
		pc.logger.Error("Failed to list profiles", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve profiles"})
		return
	}

	responses := make([]ProfileResponse, len(profiles))
	for i := range profiles {
		responses[i] = toProfileResponse(&profiles[i])
	}

	c.JSON(http.StatusOK, utils.NewPaginatedResponse(responses, pagination, int(total)))
}

// GetProfile returns a device profile by ID
// @Summary Get device profile
// @Description Returns a device profile by ID
// @Tags profiles
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Profile ID"
// @Success 200 {object} ProfileResponse "Profile details"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Profile not found"
// @Failure 500 {object} map[string]string "Server error"
// @Router /profiles/{id} [get]
func (pc *ProfileController) GetProfile(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid profile ID"})
		return
	}

	profile, err := pc.profileService.GetByID(uint(id))
	if err != nil {
		if err.Error() == "profile not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Profile not found"})
			return
		}
		pc.logger.Error("Failed to get profile", zap.Uint("profile_id", uint(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve profile"})
		return
	}

	c.JSON(http.StatusOK, toProfileResponse(profile))
}

// UpdateProfile updates a device profile by ID
// @Summary Update device profile
// @Description Updates a device profile by ID
// @Tags profiles
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Profile ID"
// @Param profile body UpdateProfileRequest true "Profile information"
// @Success 200 {object} ProfileResponse "Updated profile"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Profile not found"
// @Failure 409 {object} map[string]string "Profile name already exists"
// @Failure 500 {object} map[string]string "Server error"
// @Router /profiles/{id} [put]
func (pc *ProfileController) UpdateProfile(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid profile ID"})
		return
	}

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(c, err)
		return
	}

	if len(req.MetricsSchema) > 0 && !json.Valid(req.MetricsSchema) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Metrics schema must be valid JSON"})
		return
	}

	profile, err := pc.profileService.GetByID(uint(id))
	if err != nil {
		if err.Error() == "profile not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Profile not found"})
			return
		}
		pc.logger.Error("Failed to get profile", zap.Uint("profile_id", uint(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve profile"})
		return
	}

	if req.Name != "" {
		profile.Name = req.Name
	}
	if req.Description != "" {
		profile.Description = req.Description
	}
	if req.TargetFirmware != "" {
		profile.TargetFirmware = req.TargetFirmware
	}
	if len(req.MetricsSchema) > 0 {
		profile.MetricsSchema = models.JSON(req.MetricsSchema)
	}

	if err := pc.profileService.Update(profile); err != nil {
		switch {
		case err.Error() == "profile with this name already exists":
			c.JSON(http.StatusConflict, gin.H{"error": "A profile with this name already exists"})
		case strings.HasPrefix(err.Error(), "invalid metrics schema"):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			pc.logger.Error("Failed to update profile", zap.Uint("profile_id", uint(id)), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update profile"})
		}
		return
	}

	c.JSON(http.StatusOK, toProfileResponse(profile))
}

// DeleteProfile deletes a device profile by ID
// @Summary Delete device profile
// @Description Deletes a device profile by ID
// @Tags profiles
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Profile ID"
// @Success 204 "Profile deleted"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Profile not found"
// @Failure 500 {object} map[string]string "Server error"
// @Router /profiles/{id} [delete]
func (pc *ProfileController) DeleteProfile(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid profile ID"})
		return
	}

	if err := pc.profileService.Delete(uint(id)); err != nil {
		if err.Error() == "profile not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Profile not found"})
			return
		}
		pc.logger.Error("Failed to delete profile", zap.Uint("profile_id", uint(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete profile"})
		return
	}

	c.Status(http.StatusNoContent)
}
