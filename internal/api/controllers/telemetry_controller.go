package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/fleetmend/backend/internal/services"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PushReadingRequest represents one telemetry reading pushed over HTTP.
// Value is a pointer so an explicit zero survives binding.
type PushReadingRequest struct {
	DeviceID  string    `json:"device_id" binding:"required"`
	Metric    string    `json:"metric" binding:"required"`
	Value     *float64  `json:"value" binding:"required"`
	Timestamp time.Time `json:"timestamp"`
}

// TelemetryController handles the HTTP telemetry ingestion path
type TelemetryController struct {
	telemetryService *services.TelemetryService
	deviceService    *services.DeviceService
	logger           *utils.Logger
}

// NewTelemetryController creates a new telemetry controller
func NewTelemetryController(
	telemetryService *services.TelemetryService,
	deviceService *services.DeviceService,
	logger *utils.Logger,
) *TelemetryController {
	return &TelemetryController{
		telemetryService: telemetryService,
		deviceService:    deviceService,
		logger:           logger.Named("telemetry_controller"),
	}
}

// RegisterRoutes registers the controller's routes with the router group
func (tc *TelemetryController) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/telemetry", tc.PushReading)
}

// PushReading accepts one telemetry reading for a registered device
// @Summary Push telemetry reading
// @Description Accepts one metric reading and feeds it into the monitoring pipeline
// @Tags telemetry
// @Accept json
// @Produce json
// @Security Bearer
// @Param reading body PushReadingRequest true "Telemetry reading"
// @Success 202 {object} map[string]string "Reading accepted"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Device not found"
// @Failure 422 {object} map[string]string "Reading rejected by profile schema"
// @Failure 500 {object} map[string]string "Server error"
// @Router /telemetry [post]
func (tc *TelemetryController) PushReading(c *gin.Context) {
	var req PushReadingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(c, err)
		return
	}

	// The ingestion pipeline silently drops unknown devices. HTTP
	// callers get an honest 404 instead.
	if _, err := tc.deviceService.GetByDeviceID(req.DeviceID); err != nil {
		if err.Error() == "device not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		tc.logger.Error("Failed to look up device", zap.String("device_id", req.DeviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to look up device"})
		return
	}

	if err := tc.telemetryService.Ingest(req.DeviceID, req.Metric, *req.Value, req.Timestamp); err != nil {
		if strings.Contains(err.Error(), "profile schema") {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		tc.logger.Error("Failed to ingest reading",
			zap.String("device_id", req.DeviceID),
			zap.String("metric", req.Metric),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to ingest reading"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
