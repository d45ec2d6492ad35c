package repository

import (
	"time"

	"github.com/fleetmend/backend/internal/db/models"
	"gorm.io/gorm"
)

// DeviceRepository defines operations for managing devices
type DeviceRepository interface {
	Repository
	Create(device *models.Device) error
	GetByID(id uint) (*models.Device, error)
	GetByDeviceID(deviceID string) (*models.Device, error)
	List(offset, limit int) ([]models.Device, int64, error)
	ListByFleetID(fleetID uint, offset, limit int) ([]models.Device, int64, error)
	Update(device *models.Device) error
	CommitFirmware(deviceID, version string) error
	TouchLastSeen(deviceID string, at time.Time) error
	Delete(id uint) error
}

// deviceRepository implements DeviceRepository
type deviceRepository struct {
	BaseRepository
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Create adds a new device to the database
func (r *deviceRepository) Create(device *models.Device) error {
	// Check if a device with the same external ID already exists
	var count int64
	if err := r.GetDB().Model(&models.Device{}).
		Where("device_id = ?", device.DeviceID).
		Count(&count).Error; err != nil {
		return r.handleError(err)
	}

	if count > 0 {
		return ErrConflict
	}

	err := r.GetDB().Create(device).Error
	return r.handleError(err)
}

// GetByID retrieves a device by its numeric ID
func (r *deviceRepository) GetByID(id uint) (*models.Device, error) {
	var device models.Device
	err := r.GetDB().Preload("Profile").Where("id = ?", id).First(&device).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return &device, nil
}

// GetByDeviceID retrieves a device by its external device identifier
func (r *deviceRepository) GetByDeviceID(deviceID string) (*models.Device, error) {
	var device models.Device
	err := r.GetDB().Preload("Profile").Where("device_id = ?", deviceID).First(&device).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return &device, nil
}

// List retrieves a paginated list of devices
func (r *deviceRepository) List(offset, limit int) ([]models.Device, int64, error) {
	var devices []models.Device
	var total int64

	// Get total count
	if err := r.GetDB().Model(&models.Device{}).Count(&total).Error; err != nil {
		return nil, 0, r.handleError(err)
	}

	// Get paginated devices
	err := r.GetDB().Offset(offset).Limit(limit).Order("id asc").Find(&devices).Error
	if err != nil {
		return nil, 0, r.handleError(err)
	}

	return devices, total, nil
}

// ListByFleetID retrieves a paginated list of devices in a fleet
func (r *deviceRepository) ListByFleetID(fleetID uint, offset, limit int) ([]models.Device, int64, error) {
	var devices []models.Device
	var total int64

	// Get total count for the fleet
	if err := r.GetDB().Model(&models.Device{}).
		Where("fleet_id = ?", fleetID).
		Count(&total).Error; err != nil {
		return nil, 0, r.handleError(err)
	}

	// Get paginated devices for the fleet
	err := r.GetDB().Where("fleet_id = ?", fleetID).
		Offset(offset).Limit(limit).Order("id asc").
		Find(&devices).Error
	if err != nil {
		return nil, 0, r.handleError(err)
	}

	return devices, total, nil
}

// Update updates a device's information
func (r *deviceRepository) Update(device *models.Device) error {
	// Check if device exists
	var existingDevice models.Device
	if err := r.GetDB().Where("id = ?", device.ID).First(&existingDevice).Error; err != nil {
		return r.handleError(err)
	}

	// Update only allowed fields
	err := r.GetDB().Model(device).Updates(map[string]interface{}{
		"name":        device.Name,
		"description": device.Description,
		"profile_id":  device.ProfileID,
		"fleet_id":    device.FleetID,
		"metadata":    device.Metadata,
	}).Error

	return r.handleError(err)
}

// CommitFirmware records a committed firmware version on the device's trail
// and makes it the current version
func (r *deviceRepository) CommitFirmware(deviceID, version string) error {
	var device models.Device
	if err := r.GetDB().Where("device_id = ?", deviceID).First(&device).Error; err != nil {
		return r.handleError(err)
	}

	if err := device.PushFirmware(version); err != nil {
		return ErrInvalidInput
	}

	err := r.GetDB().Model(&device).Updates(map[string]interface{}{
		"firmware_version": device.FirmwareVersion,
		"firmware_history": device.FirmwareHistory,
	}).Error

	return r.handleError(err)
}

// TouchLastSeen updates the last seen timestamp for a device
func (r *deviceRepository) TouchLastSeen(deviceID string, at time.Time) error {
	err := r.GetDB().Model(&models.Device{}).Where("device_id = ?", deviceID).
		UpdateColumn("last_seen", at).Error
	return r.handleError(err)
}

// Delete soft-deletes a device
func (r *deviceRepository) Delete(id uint) error {
	result := r.GetDB().Delete(&models.Device{}, id)
	if result.Error != nil {
		return r.handleError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
