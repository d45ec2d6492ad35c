package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fleetmend/backend/internal/services"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/gin-gonic/gin"
)

// AcknowledgeAlertRequest represents the request to acknowledge an alert
type AcknowledgeAlertRequest struct {
	AlertID string `json:"alert_id" binding:"required"`
}

// HistoryController handles maintenance history and alert endpoints.
// Devices are addressed by database ID in the path and resolved to
// their external identifier before hitting the history store.
type HistoryController struct {
	historyService *services.HistoryService
	alertService   *services.AlertService
	deviceService  *services.DeviceService
	logger         *utils.Logger
}

// NewHistoryController creates a new history controller
func NewHistoryController(
	historyService *services.HistoryService,
	alertService *services.AlertService,
	deviceService *services.DeviceService,
	logger *utils.Logger,
) *HistoryController {
	return &HistoryController{
		historyService: historyService,
		alertService:   alertService,
		deviceService:  deviceService,
		logger:         logger.Named("history_controller"),
	}
}

// RegisterRoutes registers the controller's routes with the router group
func (hc *HistoryController) RegisterRoutes(router *gin.RouterGroup) {
	history := router.Group("/devices/:id/history")
	{
		history.GET("/anomalies", hc.GetAnomalies)
		history.GET("/health", hc.GetHealthHistory)
		history.GET("/health/latest", hc.GetLatestHealth)
		history.GET("/health/trend", hc.GetHealthTrend)
		history.GET("/events", hc.GetMaintenanceEvents)
		history.GET("/patches", hc.GetPatchRecords)
	}

	alerts := router.Group("/devices/:id/alerts")
	{
		alerts.GET("", hc.GetAlerts)
		alerts.POST("/acknowledge", hc.AcknowledgeAlert)
	}
}

// resolveDevice maps the numeric path ID onto the device's external
// identifier used by the history store. Writes the error response and
// returns false when the device cannot be resolved.
func (hc *HistoryController) resolveDevice(c *gin.Context) (string, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid device ID"})
		return "", false
	}

	device, err := hc.deviceService.GetByID(uint(id))
	if err != nil {
		if err.Error() == "device not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return "", false
		}
		utils.HandleError(c, err, hc.logger)
		return "", false
	}

	return device.DeviceID, true
}

// parseTimeRange extracts the start and end query parameters,
// defaulting to the last 24 hours.
func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	now := time.Now()
	start := now.Add(-24 * time.Hour)
	end := now

	if startStr := c.Query("start"); startStr != "" {
		parsed, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return start, end, errors.New("invalid start time format, expected RFC3339")
		}
		start = parsed
	}

	if endStr := c.Query("end"); endStr != "" {
		parsed, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return start, end, errors.New("invalid end time format, expected RFC3339")
		}
		end = parsed
	}

	return start, end, nil
}

// parseHistoryLimit extracts the limit query parameter, defaulting to
// 100 and capping at 1000.
func parseHistoryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// GetAnomalies returns detected anomalies for a device
// @Summary Get device anomalies
// @Description Returns detected anomalies for a device within a time window
// @Tags history
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Device ID"
// @Param start query string false "Start time (RFC3339, default now-24h)"
// @Param end query string false "End time (RFC3339, default now)"
// @Param severity query string false "Filter by severity (warning, critical)"
// @Param limit query int false "Maximum results" default(100)
// @Success 200 {object} map[string]interface{} "Anomaly records"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Device not found"
// @Failure 500 {object} utils.ErrorResponse "Server error"
// @Router /devices/{id}/history/anomalies [get]
func (hc *HistoryController) GetAnomalies(c *gin.Context) {
	deviceID, ok := hc.resolveDevice(c)
	if !ok {
		return
	}

	start, end, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := parseHistoryLimit(c)
	severity := c.Query("severity")

	anomalies, err := hc.historyService.GetAnomalies(deviceID, start, end, severity, limit)
	if err != nil {
		switch {
		case strings.HasPrefix(err.Error(), "invalid severity"):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid severity. Valid values: warning, critical"})
		case err.Error() == "device not found":
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		default:
			utils.HandleError(c, err, hc.logger)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": anomalies,
		"meta": gin.H{
			"device_id": deviceID,
			"start":     start,
			"end":       end,
			"count":     len(anomalies),
		},
	})
}

// GetHealthHistory returns health score snapshots for a device
// @Summary Get device health history
// @Description Returns health score snapshots for a device within a time window
// @Tags history
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Device ID"
// @Param start query string false "Start time (RFC3339, default now-24h)"
// @Param end query string false "End time (RFC3339, default now)"
// @Param limit query int false "Maximum results" default(100)
// @Success 200 {object} map[string]interface{} "Health snapshots"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Device not found"
// @Failure 500 {object} utils.ErrorResponse "Server error"
// @Router /devices/{id}/history/health [get]
func (hc *HistoryController) GetHealthHistory(c *gin.Context) {
	deviceID, ok := hc.resolveDevice(c)
	if !ok {
		return
	}

	start, end, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := parseHistoryLimit(c)

	snapshots, err := hc.historyService.GetHealthHistory(deviceID, start, end, limit)
	if err != nil {
		if err.Error() == "device not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		utils.HandleError(c, err, hc.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": snapshots,
		"meta": gin.H{
			"device_id": deviceID,
			"start":     start,
			"end":       end,
			"count":     len(snapshots),
		},
	})
}

// GetLatestHealth returns the most recent health snapshot for a device
// @Summary Get latest device health
// @Description Returns the most recent health snapshot for a device
// @Tags history
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Device ID"
// @Success 200 {object} map[string]interface{} "Latest health snapshot"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Device or health data not found"
// @Failure 500 {object} utils.ErrorResponse "Server error"
// @Router /devices/{id}/history/health/latest [get]
func (hc *HistoryController) GetLatestHealth(c *gin.Context) {
	deviceID, ok := hc.resolveDevice(c)
	if !ok {
		return
	}

	snapshot, err := hc.historyService.GetLatestHealth(deviceID)
	if err != nil {
		switch err.Error() {
		case "device not found":
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		case "no health data recorded for this device":
			c.JSON(http.StatusNotFound, gin.H{"error": "No health data recorded for this device"})
		default:
			utils.HandleError(c, err, hc.logger)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": snapshot})
}

// GetHealthTrend returns bucketed health statistics for a device
// @Summary Get device health trend
// @Description Returns health statistics bucketed by interval for a device
// @Tags history
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Device ID"
// @Param start query string false "Start time (RFC3339, default now-24h)"
// @Param end query string false "End time (RFC3339, default now)"
// @Param interval query string false "Bucket interval (1m, 5m, 15m, 30m, 1h, 6h, 12h, 1d, 1w, 1mon)" default(1h)
// @Success 200 {object} map[string]interface{} "Health trend buckets"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Device not found"
// @Failure 500 {object} utils.ErrorResponse "Server error"
// @Router /devices/{id}/history/health/trend [get]
func (hc *HistoryController) GetHealthTrend(c *gin.Context) {
	deviceID, ok := hc.resolveDevice(c)
	if !ok {
		return
	}

	start, end, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	interval := c.DefaultQuery("interval", "1h")

	trend, err := hc.historyService.GetHealthTrend(deviceID, start, end, interval)
	if err != nil {
		switch {
		case strings.HasPrefix(err.Error(), "invalid interval"):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid interval. Valid values: 1m, 5m, 15m, 30m, 1h, 6h, 12h, 1d, 1w, 1mon",
			})
		case err.Error() == "device not found":
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		default:
			utils.HandleError(c, err, hc.logger)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": trend,
		"meta": gin.H{
			"device_id": deviceID,
			"start":     start,
			"end":       end,
			"interval":  interval,
			"count":     len(trend),
		},
	})
}

// GetMaintenanceEvents returns agent state transitions for a device
// @Summary Get device maintenance events
// @Description Returns recorded healing and patch state transitions for a device
// @Tags history
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Device ID"
// @Param start query string false "Start time (RFC3339, default now-24h)"
// @Param end query string false "End time (RFC3339, default now)"
// @Param kind query string false "Filter by event kind (healing, patch)"
// @Param limit query int false "Maximum results" default(100)
// @Success 200 {object} map[string]interface{} "Maintenance events"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Device not found"
// @Failure 500 {object} utils.ErrorResponse "Server error"
// @Router /devices/{id}/history/events [get]
func (hc *HistoryController) GetMaintenanceEvents(c *gin.Context) {
	deviceID, ok := hc.resolveDevice(c)
	if !ok {
		return
	}

	start, end, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := parseHistoryLimit(c)
	kind := c.Query("kind")

	events, err := hc.historyService.GetMaintenanceEvents(deviceID, kind, start, end, limit)
	if err != nil {
		switch {
		case strings.HasPrefix(err.Error(), "invalid event kind"):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event kind. Valid values: healing, patch"})
		case err.Error() == "device not found":
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		default:
			utils.HandleError(c, err, hc.logger)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": events,
		"meta": gin.H{
			"device_id": deviceID,
			"start":     start,
			"end":       end,
			"count":     len(events),
		},
	})
}

// GetPatchRecords returns finished patch plan summaries for a device
// @Summary Get device patch records
// @Description Returns finished firmware patch plan summaries for a device
// @Tags history
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Device ID"
// @Param start query string false "Start time (RFC3339, default now-24h)"
// @Param end query string false "End time (RFC3339, default now)"
// @Param limit query int false "Maximum results" default(100)
// @Success 200 {object} map[string]interface{} "Patch records"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Device not found"
// @Failure 500 {object} utils.ErrorResponse "Server error"
// @Router /devices/{id}/history/patches [get]
func (hc *HistoryController) GetPatchRecords(c *gin.Context) {
	deviceID, ok := hc.resolveDevice(c)
	if !ok {
		return
	}

	start, end, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := parseHistoryLimit(c)

	records, err := hc.historyService.GetPatchRecords(deviceID, start, end, limit)
	if err != nil {
		if err.Error() == "device not found" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		utils.HandleError(c, err, hc.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": records,
		"meta": gin.H{
			"device_id": deviceID,
			"start":     start,
			"end":       end,
			"count":     len(records),
		},
	})
}

// GetAlerts returns raised alerts for a device
// @Summary Get device alerts
// @Description Returns raised alerts for a device within a time window
// @Tags alerts
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Device ID"
// @Param start query string false "Start time (RFC3339, default now-24h)"
// @Param end query string false "End time (RFC3339, default now)"
// @Param severity query string false "Filter by severity (warning, critical)"
// @Param limit query int false "Maximum results" default(100)
// @Success 200 {object} map[string]interface{} "Alert records"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Device not found"
// @Failure 500 {object} utils.ErrorResponse "Server error"
// @Router /devices/{id}/alerts [get]
func (hc *HistoryController) GetAlerts(c *gin.Context) {
	deviceID, ok := hc.resolveDevice(c)
	if !ok {
		return
	}

	start, end, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := parseHistoryLimit(c)
	severity := c.Query("severity")

	alerts, err := hc.alertService.List(deviceID, start, end, severity, limit)
	if err != nil {
		if strings.HasPrefix(err.Error(), "invalid severity") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid severity. Valid values: warning, critical"})
			return
		}
		utils.HandleError(c, err, hc.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": alerts,
		"meta": gin.H{
			"device_id": deviceID,
			"start":     start,
			"end":       end,
			"count":     len(alerts),
		},
	})
}

// AcknowledgeAlert marks an alert as acknowledged by the current user
// @Summary Acknowledge alert
// @Description Marks an alert as acknowledged by the current user
// @Tags alerts
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "Device ID"
// @Param alert body AcknowledgeAlertRequest true "Alert to acknowledge"
// @Success 200 {object} map[string]string "Alert acknowledged"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Device or alert not found"
// @Failure 500 {object} utils.ErrorResponse "Server error"
// @Router /devices/{id}/alerts/acknowledge [post]
func (hc *HistoryController) AcknowledgeAlert(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	if _, ok := hc.resolveDevice(c); !ok {
		return
	}

	var req AcknowledgeAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(c, err)
		return
	}

	if err := hc.alertService.Acknowledge(req.AlertID, userID.(uint)); err != nil {
		if err.Error() == "alert not found or already acknowledged" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found or already acknowledged"})
			return
		}
		utils.HandleError(c, err, hc.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Alert acknowledged"})
}
