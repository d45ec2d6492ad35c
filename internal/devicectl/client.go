package devicectl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/utils"
	"go.uber.org/zap"
)

// FaultClass partitions control-plane failures by how callers must react
type FaultClass string

const (
	// FaultTransient covers timeouts and gateway-side hiccups; the call may be reissued
	FaultTransient FaultClass = "transient"
	// FaultPermanent covers definitive rejections; reissuing the same call cannot succeed
	FaultPermanent FaultClass = "permanent"
	// FaultFatal covers devices the gateway reports as beyond remote remediation
	FaultFatal FaultClass = "fatal"
)

// Fault is an error from the device-control gateway, tagged with its class
type Fault struct {
	Class      FaultClass
	Op         string
	StatusCode int
	Message    string
	Err        error
}

// Error returns the error message
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("device control %s failed (%s): %v", f.Op, f.Class, f.Err)
	}
	return fmt.Sprintf("device control %s failed (%s, status %d): %s", f.Op, f.Class, f.StatusCode, f.Message)
}

// Unwrap exposes the underlying cause
func (f *Fault) Unwrap() error {
	return f.Err
}

// ClassOf extracts the fault class from an error chain. Errors that did not
// originate from the gateway client are treated as transient, the safe
// assumption for an unreliable collaborator.
func ClassOf(err error) FaultClass {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.Class
	}
	return FaultTransient
}

// DeviceStatus is the gateway's view of one device
type DeviceStatus struct {
	DeviceID        string    `json:"device_id"`
	Online          bool      `json:"online"`
	FirmwareVersion string    `json:"firmware_version"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	LastSeen        time.Time `json:"last_seen"`
}

// StagedArtifact describes a firmware artifact the gateway has staged for a device
type StagedArtifact struct {
	Version   string `json:"version"`
	Checksum  string `json:"checksum"`
	SizeBytes int64  `json:"size_bytes"`
}

// Client issues remediation and firmware commands to the device-control gateway.
// Calls are retried with exponential backoff while the failure is transient.
type Client struct {
	config      *config.DeviceControlConfig
	httpClient  *http.Client
	logger      *utils.Logger
	baseURL     string
	authHeaders map[string]string
}

// NewClient creates a new device-control gateway client
func NewClient(cfg *config.DeviceControlConfig, logger *utils.Logger) *Client {
	httpClient := &http.Client{
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	authHeaders := make(map[string]string)
	if cfg.APIToken != "" {
		authHeaders["Authorization"] = "Bearer " + cfg.APIToken
	}

	return &Client{
		config:      cfg,
		httpClient:  httpClient,
		logger:      logger.Named("devicectl_client"),
		baseURL:     cfg.URL + "/api/v1",
		authHeaders: authHeaders,
	}
}

// ResetNetwork asks the device to cycle its network stack
func (c *Client) ResetNetwork(ctx context.Context, deviceID string) error {
	path := fmt.Sprintf("/devices/%s/actions/reset-network", deviceID)
	_, err := c.doRequest(ctx, http.MethodPost, "reset_network", path, nil)
	return err
}

// RepairConfig asks the device to restore its configuration to the given target profile
func (c *Client) RepairConfig(ctx context.Context, deviceID, target string) error {
	path := fmt.Sprintf("/devices/%s/actions/repair-config", deviceID)
	body := map[string]string{"target": target}
	_, err := c.doRequest(ctx, http.MethodPost, "repair_config", path, body)
	return err
}

// RestartService asks the device to restart its workload service
func (c *Client) RestartService(ctx context.Context, deviceID string) error {
	path := fmt.Sprintf("/devices/%s/actions/restart-service", deviceID)
	_, err := c.doRequest(ctx, http.MethodPost, "restart_service", path, nil)
	return err
}

// StageFirmware asks the gateway to transfer the artifact for the given
// version onto the device and returns what was staged, including the
// checksum computed on the receiving side.
func (c *Client) StageFirmware(ctx context.Context, deviceID, version string) (*StagedArtifact, error) {
	path := fmt.Sprintf("/devices/%s/firmware/stage", deviceID)
	body := map[string]string{"version": version}
	respBody, err := c.doRequest(ctx, http.MethodPost, "stage_firmware", path, body)
	if err != nil {
		return nil, err
	}

	var artifact StagedArtifact
	if err := json.Unmarshal(respBody, &artifact); err != nil {
		return nil, fmt.Errorf("failed to parse staged artifact response: %w", err)
	}
	return &artifact, nil
}

// InstallFirmware asks the device to install the previously staged version
func (c *Client) InstallFirmware(ctx context.Context, deviceID, version string) error {
	path := fmt.Sprintf("/devices/%s/firmware/install", deviceID)
	body := map[string]string{"version": version}
	_, err := c.doRequest(ctx, http.MethodPost, "install_firmware", path, body)
	return err
}

// RollbackFirmware asks the device to reinstall the given previously committed version
func (c *Client) RollbackFirmware(ctx context.Context, deviceID, toVersion string) error {
	path := fmt.Sprintf("/devices/%s/firmware/rollback", deviceID)
	body := map[string]string{"version": toVersion}
	_, err := c.doRequest(ctx, http.MethodPost, "rollback_firmware", path, body)
	return err
}

// Status retrieves the gateway's current view of a device
func (c *Client) Status(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	path := fmt.Sprintf("/devices/%s/status", deviceID)
	respBody, err := c.doRequest(ctx, http.MethodGet, "status", path, nil)
	if err != nil {
		return nil, err
	}

	var status DeviceStatus
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &status, nil
}

// doRequest performs an HTTP request against the gateway, retrying transient
// faults with exponential backoff up to the configured budget
func (c *Client) doRequest(ctx context.Context, method, op, path string, body interface{}) ([]byte, error) {
	var jsonData []byte
	if body != nil {
		var err error
		jsonData, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	backoff := time.Duration(c.config.RetryBackoffMs) * time.Millisecond
	maxBackoff := time.Duration(c.config.BackoffMaxMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryMax; attempt++ {
		if attempt > 0 {
			c.logger.Debug("Retrying gateway call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil, &Fault{Class: FaultTransient, Op: op, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		respBody, err := c.send(ctx, method, op, path, jsonData)
		if err == nil {
			return respBody, nil
		}
		lastErr = err

		if ClassOf(err) != FaultTransient || ctx.Err() != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

// send performs a single request/response exchange
func (c *Client) send(ctx context.Context, method, op, path string, jsonData []byte) ([]byte, error) {
	url := c.baseURL + path

	var bodyReader io.Reader
	if jsonData != nil {
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if jsonData != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	} else if c.config.Username != "" && c.config.Password != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}
	for key, value := range c.authHeaders {
		req.Header.Set(key, value)
	}

	c.logger.Debug("Sending request to device-control gateway",
		zap.String("method", method),
		zap.String("url", url),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Fault{Class: FaultTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Fault{Class: FaultTransient, Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		message := "unknown error"
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			message = errResp.Error
			if errResp.Message != "" {
				message += ": " + errResp.Message
			}
		} else if len(respBody) > 0 {
			message = string(respBody)
		}
		return nil, &Fault{
			Class:      classifyStatus(resp.StatusCode),
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    message,
		}
	}

	return respBody, nil
}

// classifyStatus maps an HTTP status to a fault class. The gateway answers
// 410 Gone for devices it has marked unserviceable.
func classifyStatus(status int) FaultClass {
	switch {
	case status == http.StatusGone:
		return FaultFatal
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return FaultTransient
	default:
		return FaultPermanent
	}
}
