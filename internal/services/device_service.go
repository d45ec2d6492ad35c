package services

import (
	"context"
	"errors"
	"time"

	"github.com/fleetmend/backend/internal/db"
	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/db/repository"
	"github.com/fleetmend/backend/internal/utils"
	"go.uber.org/zap"
)

// DeviceRegistrar is notified when devices enter or leave the fleet so the
// monitoring pipeline picks them up without waiting for first telemetry
type DeviceRegistrar interface {
	Register(deviceID string)
	Deregister(deviceID string)
}

// DeviceService handles device-related business logic. It is also the
// bookkeeping authority for committed firmware versions: the firmware agent
// reads and commits versions through it, and the rollback recovery action
// takes its target from the device's recorded firmware trail.
type DeviceService struct {
	db          *db.Database
	logger      *utils.Logger
	deviceRepo  repository.DeviceRepository
	profileRepo repository.ProfileRepository
	registrar   DeviceRegistrar
}

// NewDeviceService creates a new device service
func NewDeviceService(db *db.Database, logger *utils.Logger) *DeviceService {
	repoFactory := repository.NewRepositoryFactory(db.DB)
	return &DeviceService{
		db:          db,
		logger:      logger.Named("device_service"),
		deviceRepo:  repoFactory.Device(),
		profileRepo: repoFactory.Profile(),
	}
}

// SetRegistrar attaches the monitoring registrar; call before serving traffic
func (s *DeviceService) SetRegistrar(r DeviceRegistrar) {
	s.registrar = r
}

// Create adds a new device to the fleet and registers it for monitoring
func (s *DeviceService) Create(device *models.Device) error {
	// Validate device data
	if device.DeviceID == "" {
		return errors.New("device identifier is required")
	}

	if device.Name == "" {
		return errors.New("device name is required")
	}

	if device.ProfileID == 0 {
		return errors.New("device profile is required")
	}

	if device.FleetID == 0 {
		return errors.New("device fleet is required")
	}

	// Verify profile exists
	_, err := s.profileRepo.GetByID(device.ProfileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("device profile not found")
		}
		s.logger.Error("Failed to verify profile exists", zap.Uint("profile_id", device.ProfileID), zap.Error(err))
		return errors.New("database error")
	}

	// Establish the firmware trail when the device arrives with a version
	if device.FirmwareVersion != "" && len(device.FirmwareHistory) == 0 {
		if err := device.PushFirmware(device.FirmwareVersion); err != nil {
			return errors.New("invalid firmware version")
		}
	}

	err = s.deviceRepo.Create(device)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return errors.New("device with this identifier already exists")
		}
		s.logger.Error("Failed to create device", zap.String("device_id", device.DeviceID), zap.Error(err))
		return errors.New("failed to create device")
	}

	if s.registrar != nil {
		s.registrar.Register(device.DeviceID)
	}

	return nil
}

// GetByID retrieves a device by its database ID
func (s *DeviceService) GetByID(id uint) (*models.Device, error) {
	device, err := s.deviceRepo.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("device not found")
		}
		s.logger.Error("Failed to get device", zap.Uint("id", id), zap.Error(err))
		return nil, errors.New("database error")
	}

	return device, nil
}

// GetByDeviceID retrieves a device by its external identifier
func (s *DeviceService) GetByDeviceID(deviceID string) (*models.Device, error) {
	device, err := s.deviceRepo.GetByDeviceID(deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("device not found")
		}
		s.logger.Error("Failed to get device", zap.String("device_id", deviceID), zap.Error(err))
		return nil, errors.New("database error")
	}

	return device, nil
}

// List returns a paginated list of devices
func (s *DeviceService) List(page, pageSize int) ([]models.Device, int64, error) {
	offset := (page - 1) * pageSize
	devices, total, err := s.deviceRepo.List(offset, pageSize)
	if err != nil {
		s.logger.Error("Failed to list devices", zap.Error(err))
		return nil, 0, errors.New("database error")
	}

	return devices, total, nil
}

// ListByFleetID returns a paginated list of devices in a fleet
func (s *DeviceService) ListByFleetID(fleetID uint, page, pageSize int) ([]models.Device, int64, error) {
	offset := (page - 1) * pageSize
	devices, total, err := s.deviceRepo.ListByFleetID(fleetID, offset, pageSize)
	if err != nil {
		s.logger.Error("Failed to list fleet devices", zap.Uint("fleet_id", fleetID), zap.Error(err))
		return nil, 0, errors.New("database error")
	}

	return devices, total, nil
}

// Update updates a device's information
func (s *DeviceService) Update(device *models.Device) error {
	if device.ID == 0 {
		return errors.New("device ID is required")
	}

	if device.Name == "" {
		return errors.New("device name is required")
	}

	err := s.deviceRepo.Update(device)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("device not found")
		}
		s.logger.Error("Failed to update device", zap.Uint("id", device.ID), zap.Error(err))
		return errors.New("failed to update device")
	}

	return nil
}

// Delete removes a device from the fleet and stops monitoring it
func (s *DeviceService) Delete(id uint) error {
	device, err := s.deviceRepo.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("device not found")
		}
		s.logger.Error("Failed to get device", zap.Uint("id", id), zap.Error(err))
		return errors.New("database error")
	}

	if err := s.deviceRepo.Delete(id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("device not found")
		}
		s.logger.Error("Failed to delete device", zap.Uint("id", id), zap.Error(err))
		return errors.New("failed to delete device")
	}

	if s.registrar != nil {
		s.registrar.Deregister(device.DeviceID)
	}

	return nil
}

// TouchLastSeen records that the device was heard from
func (s *DeviceService) TouchLastSeen(deviceID string, at time.Time) error {
	return s.deviceRepo.TouchLastSeen(deviceID, at)
}

// CurrentVersion reports the device's hardware model and its committed
// firmware version. The profile name doubles as the model identifier.
func (s *DeviceService) CurrentVersion(ctx context.Context, deviceID string) (string, string, error) {
	device, err := s.deviceRepo.GetByDeviceID(deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", "", errors.New("device not found")
		}
		s.logger.Error("Failed to resolve firmware version", zap.String("device_id", deviceID), zap.Error(err))
		return "", "", errors.New("database error")
	}

	return device.Profile.Name, device.FirmwareVersion, nil
}

// CommitVersion records a newly committed firmware version, pushing the
// prior one onto the device's rollback trail
func (s *DeviceService) CommitVersion(ctx context.Context, deviceID, version string) error {
	if version == "" {
		return errors.New("firmware version is required")
	}

	err := s.deviceRepo.CommitFirmware(deviceID, version)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("device not found")
		}
		s.logger.Error("Failed to commit firmware version",
			zap.String("device_id", deviceID),
			zap.String("version", version),
			zap.Error(err))
		return errors.New("failed to commit firmware version")
	}

	s.logger.Info("Firmware version committed",
		zap.String("device_id", deviceID),
		zap.String("version", version))
	return nil
}

// PreviousVersion supplies the rollback target: the version committed
// before the device's current one. Empty when no earlier version exists.
func (s *DeviceService) PreviousVersion(ctx context.Context, deviceID string) (string, error) {
	device, err := s.deviceRepo.GetByDeviceID(deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", errors.New("device not found")
		}
		s.logger.Error("Failed to resolve previous firmware version", zap.String("device_id", deviceID), zap.Error(err))
		return "", errors.New("database error")
	}

	return device.PreviousFirmware(), nil
}
