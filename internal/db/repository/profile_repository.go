package repository

import (
	"github.com/fleetmend/backend/internal/db/models"
	"gorm.io/gorm"
)

// ProfileRepository defines operations for managing device profiles
type ProfileRepository interface {
	Repository
	Create(profile *models.DeviceProfile) error
	GetByID(id uint) (*models.DeviceProfile, error)
	GetByName(name string) (*models.DeviceProfile, error)
	List(offset, limit int) ([]models.DeviceProfile, int64, error)
	Update(profile *models.DeviceProfile) error
	Delete(id uint) error
}

// profileRepository implements ProfileRepository
type profileRepository struct {
	BaseRepository
}

// NewProfileRepository creates a new device profile repository
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Create adds a new device profile to the database
func (r *profileRepository) Create(profile *models.DeviceProfile) error {
	err := r.GetDB().Create(profile).Error
	return r.handleError(err)
}

// GetByID retrieves a device profile by ID
func (r *profileRepository) GetByID(id uint) (*models.DeviceProfile, error) {
	var profile models.DeviceProfile
	err := r.GetDB().Where("id = ?", id).First(&profile).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return &profile, nil
}

// GetByName retrieves a device profile by its model name
func (r *profileRepository) GetByName(name string) (*models.DeviceProfile, error) {
	var profile models.DeviceProfile
	err := r.GetDB().Where("name = ?", name).First(&profile).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return &profile, nil
}

// List retrieves a paginated list of device profiles
func (r *profileRepository) List(offset, limit int) ([]models.DeviceProfile, int64, error) {
	var profiles []models.DeviceProfile
	var total int64

	// Get total count
	if err := r.GetDB().Model(&models.DeviceProfile{}).Count(&total).Error; err != nil {
		return nil, 0, r.handleError(err)
	}

	// Get paginated profiles
	err := r.GetDB().Offset(offset).Limit(limit).Order("id asc").Find(&profiles).Error
	if err != nil {
		return nil, 0, r.handleError(err)
	}

	return profiles, total, nil
}

// Update updates a device profile's information
func (r *profileRepository) Update(profile *models.DeviceProfile) error {
	// Check if profile exists
	var existingProfile models.DeviceProfile
	if err := r.GetDB().Where("id = ?", profile.ID).First(&existingProfile).Error; err != nil {
		return r.handleError(err)
	}

	// Update the profile
	err := r.GetDB().Model(profile).Updates(map[string]interface{}{
		"name":            profile.Name,
		"description":     profile.Description,
		"metrics_schema":  profile.MetricsSchema,
		"target_firmware": profile.TargetFirmware,
	}).Error

	return r.handleError(err)
}

// Delete soft-deletes a device profile
func (r *profileRepository) Delete(id uint) error {
	result := r.GetDB().Delete(&models.DeviceProfile{}, id)
	if result.Error != nil {
		return r.handleError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
