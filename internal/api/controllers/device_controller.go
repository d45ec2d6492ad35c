package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/maintenance"
	"github.com/fleetmend/backend/internal/services"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CreateDeviceRequest represents the request to register a device
type CreateDeviceRequest struct {
	DeviceID        string          `json:"device_id" binding:"required"`
	Name            string          `json:"name" binding:"required"`
	Description     string          `json:"description"`
	ProfileID       uint            `json:"profile_id" binding:"required"`
	FleetID         uint            `json:"fleet_id" binding:"required"`
	FirmwareVersion string          `json:"firmware_version"`
	Metadata        json.RawMessage `json:"metadata"`
}

// UpdateDeviceRequest represents the request to update a device.
// Firmware versions are owned by the patch pipeline and cannot be
// edited here.
type UpdateDeviceRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
}

// ListDevicesResponse represents the paginated device list
type ListDevicesResponse struct {
	Devices []models.Device `json:"devices"`
	Total   int64           `json:"total"`
	Page    int             `json:"page"`
	Size    int             `json:"size"`
}

// DeviceController handles device registry endpoints
type DeviceController struct {
	deviceService *services.DeviceService
	orchestrator  *maintenance.Orchestrator
	logger        *utils.Logger
}

// NewDeviceController creates a new device controller
func NewDeviceController(deviceService *services.DeviceService, orchestrator *maintenance.Orchestrator, logger *utils.Logger) *DeviceController {
	return &DeviceController{
		deviceService: deviceService,
		orchestrator:  orchestrator,
		logger:        logger.Named("device_controller"),
	}
}

// RegisterRoutes registers the controller's routes with the router group
func (dc *DeviceController) RegisterRoutes(router *gin.RouterGroup) {
	devices := router.Group("/devices")
	{
		devices.POST("", dc.CreateDevice)
		devices.GET("", dc.ListDevices)
		devices.GET("/:id", dc.GetDevice)
		devices.PUT("/:id", dc.UpdateDevice)
		devices.DELETE("/:id", dc.DeleteDevice)
		devices.GET("/:id/report", dc.GetReport)
	}
}

// CreateDevice registers a new device
// @Summary Register device
// @Description Registers a new device and starts monitoring it
// @Tags devices
// @Accept json
// @Produce json
// @Security Bearer
// @Param device body CreateDeviceRequest true "Device information"
// @Success 201 {object} models.Device "Registered device"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 409 {object} map[string]string "Device identifier already exists"
// @Failure 500 {object} map[string]string "Server error"
// @Router /devices [post]
func (dc *DeviceController) CreateDevice(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	var req CreateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(c, err)
		return
	}

	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Metadata must be valid JSON"})
		return
	}

	device := &models.Device{
		DeviceID:        req.DeviceID,
		Name:            req.Name,
		Description:     req.Description,
		ProfileID:       req.ProfileID,
		FleetID:         req.FleetID,
		FirmwareVersion: req.FirmwareVersion,
		Metadata:        models.JSON(req.Metadata),
		CreatedBy:       userID.(uint),
	}

	if err := dc.deviceService.Create(device); err != nil {
		switch err.Error() {
		case "device with this identifier already exists":
			c.JSON(http.StatusConflict, gin.H{"error": "A device with this identifier already exists"})
		case "device profile not found":
			c.JSON(http.StatusBadRequest, gin.H{"error": "Device profile not found"})
		case "invalid firmware version":
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid firmware version"})
		case "device identifier is required", "device name is required",
			"device profile is required", "device fleet is required":
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			dc.logger.Error("Failed to create device", zap.String("device_id", req.DeviceID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create device"})
		}
		return
	}

	c.JSON(http.StatusCreated, device)
}

// ListDevices returns a paginated list of devices
// @Summary List devices
// @Description Returns a paginated list of devices, optionally filtered by fleet
// @Tags devices
// @Accept json
// @Produce json
// @Security Bearer
// @Param fleet_id query int false "Filter by fleet ID"
// @Param page query int false "Page number (1-based)" default(1)
// @Param limit query int false "Page size" default(20)
// @Success 200 {object} ListDevicesResponse "Device list"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Server error"
// @Router /devices [get]
func (dc *DeviceController) ListDevices(c *gin.Context) {
	pagination := utils.GetPaginationFromContext(c)

	var devices []models.Device
	var total int64
	var listErr error

	if fleetParam := c.Query("fleet_id"); fleetParam != "" {
		fleetID, err := strconv.ParseUint(fleetParam, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid fleet ID"})
			return
		}
		devices, total, listErr = dc.deviceService.ListByFleetID(uint(fleetID), pagination.Page, pagination.Limit)
	} else {
		devices, total, listErr = dc.deviceService.List(pagination.Page, pagination.Limit)
	}

	if listErr != nil {
		dc.logger.Error("Failed to list devices", zap.Error(listErr))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve devices"})
		return
	}

	c.JSON(http.StatusOK, ListDevicesResponse{
		Devices: devices,
		Total:   total,
		Page:    pagination.Page,
		Size:    pagination.Limit,
	})
}

// GetDevice returns a device by ID
// @Summary Get device
// @Description Returns a device by its database ID
// @Tags devices
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Device ID"
// @Success 200 {object} models.Device "Device details"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Device not found"
// @Failure 500 {object} map[string]string "Server error"
// @Router /devices/{id} [get]
func (dc *DeviceController) GetDevice(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid device ID"})
		return
	}

	device, err := dc.deviceService.GetByID(uint(id))
	if err != nil {
		if err.Error() == "device not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		dc.logger.Error("Failed to get device", zap.Uint("id", uint(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve device"})
		return
	}

	c.JSON(http.StatusOK, device)
}

// UpdateDevice updates a device by ID
// @Summary Update device
// @Description Updates a device's name, description and metadata
// @Tags devices
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Device ID"
// @Param device body UpdateDeviceRequest true "Device information"
// @Success 200 {object} models.Device "Updated device"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Device not found"
// @Failure 500 {object} map[string]string "Server error"
// @Router /devices/{id} [put]
func (dc *DeviceController) UpdateDevice(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid device ID"})
		return
	}

	var req UpdateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(c, err)
		return
	}

	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Metadata must be valid JSON"})
		return
	}

	device, err := dc.deviceService.GetByID(uint(id))
	if err != nil {
		if err.Error() == "device not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		dc.logger.Error("Failed to get device", zap.Uint("id", uint(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve device"})
		return
	}

	if req.Name != "" {
		device.Name = req.Name
	}
	if req.Description != "" {
		device.Description = req.Description
	}
	if len(req.Metadata) > 0 {
		device.Metadata = models.JSON(req.Metadata)
	}

	if err := dc.deviceService.Update(device); err != nil {
		dc.logger.Error("Failed to update device", zap.Uint("id", uint(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update device"})
		return
	}

	c.JSON(http.StatusOK, device)
}

// DeleteDevice removes a device by ID
// @Summary Delete device
// @Description Removes a device and stops monitoring it
// @Tags devices
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Device ID"
// @Success 204 "Device deleted"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Device not found"
// @Failure 500 {object} map[string]string "Server error"
// @Router /devices/{id} [delete]
func (dc *DeviceController) DeleteDevice(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid device ID"})
		return
	}

	if err := dc.deviceService.Delete(uint(id)); err != nil {
		if err.Error() == "device not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		dc.logger.Error("Failed to delete device", zap.Uint("id", uint(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete device"})
		return
	}

	c.Status(http.StatusNoContent)
}

// GetReport returns the latest maintenance report for a device
// @Summary Get device maintenance report
// @Description Returns the current health, risk and remediation snapshot for a device
// @Tags devices
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Device ID"
// @Success 200 {object} maintenance.DeviceReport "Maintenance report"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Device or report not found"
// @Failure 500 {object} map[string]string "Server error"
// @Router /devices/{id}/report [get]
func (dc *DeviceController) GetReport(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid device ID"})
		return
	}

	device, err := dc.deviceService.GetByID(uint(id))
	if err != nil {
		if err.Error() == "device not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		dc.logger.Error("Failed to get device", zap.Uint("id", uint(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve device"})
		return
	}

	report, ok := dc.orchestrator.Report(device.DeviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No report available for this device yet"})
		return
	}

	c.JSON(http.StatusOK, report)
}
