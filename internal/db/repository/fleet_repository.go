package repository

import (
	"github.com/fleetmend/backend/internal/db/models"
	"gorm.io/gorm"
)

// FleetRepository defines operations for managing fleets
type FleetRepository interface {
	Repository
	Create(fleet *models.Fleet) error
	GetByID(id uint) (*models.Fleet, error)
	List(offset, limit int) ([]models.Fleet, int64, error)
	ListByUserID(userID uint, offset, limit int) ([]models.Fleet, int64, error)
	Update(fleet *models.Fleet) error
	Delete(id uint) error

	// Fleet members methods
	AddMember(fleetID, userID uint, role models.FleetRole) error
	UpdateMemberRole(fleetID, userID uint, role models.FleetRole) error
	RemoveMember(fleetID, userID uint) error
	ListMembers(fleetID uint) ([]models.FleetMember, error)
	GetMember(fleetID, userID uint) (*models.FleetMember, error)
	CheckUserAccess(fleetID, userID uint, minRequiredRole models.FleetRole) (bool, error)
}

// fleetRepository implements FleetRepository
type fleetRepository struct {
	BaseRepository
}

// NewFleetRepository creates a new fleet repository
func NewFleetRepository(db *gorm.DB) FleetRepository {
	return &fleetRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Create adds a new fleet to the database
func (r *fleetRepository) Create(fleet *models.Fleet) error {
	// Start a transaction
	tx := r.GetDB().Begin()
	if tx.Error != nil {
		return r.handleError(tx.Error)
	}

	// Create the fleet
	if err := tx.Create(fleet).Error; err != nil {
		tx.Rollback()
		return r.handleError(err)
	}

	// Add the creator as an owner
	member := models.FleetMember{
		FleetID: fleet.ID,
		UserID:  fleet.CreatedBy,
		Role:    models.FleetRoleOwner,
	}

	if err := tx.Create(&member).Error; err != nil {
		tx.Rollback()
		return r.handleError(err)
	}

	// Commit the transaction
	if err := tx.Commit().Error; err != nil {
		return r.handleError(err)
	}

	return nil
}

// GetByID retrieves a fleet by ID
func (r *fleetRepository) GetByID(id uint) (*models.Fleet, error) {
	var fleet models.Fleet
	err := r.GetDB().Where("id = ?", id).First(&fleet).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return &fleet, nil
}

// List retrieves a paginated list of fleets
func (r *fleetRepository) List(offset, limit int) ([]models.Fleet, int64, error) {
	var fleets []models.Fleet
	var total int64

	// Get total count
	if err := r.GetDB().Model(&models.Fleet{}).Count(&total).Error; err != nil {
		return nil, 0, r.handleError(err)
	}

	// Get paginated fleets
	err := r.GetDB().Offset(offset).Limit(limit).Order("id asc").Find(&fleets).Error
	if err != nil {
		return nil, 0, r.handleError(err)
	}

	return fleets, total, nil
}

// ListByUserID retrieves fleets where the user is a member
func (r *fleetRepository) ListByUserID(userID uint, offset, limit int) ([]models.Fleet, int64, error) {
	var fleets []models.Fleet
	var total int64

	// Get total count of fleets the user is a member of
	query := r.GetDB().Model(&models.Fleet{}).
		Joins("JOIN fleet_members ON fleet_members.fleet_id = fleets.id").
		Where("fleet_members.user_id = ?", userID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, r.handleError(err)
	}

	// Get paginated fleets the user is a member of
	err := query.Offset(offset).Limit(limit).Order("fleets.id asc").Find(&fleets).Error
	if err != nil {
		return nil, 0, r.handleError(err)
	}

	return fleets, total, nil
}

// Update updates a fleet's information
func (r *fleetRepository) Update(fleet *models.Fleet) error {
	// Check if fleet exists
	var existingFleet models.Fleet
	if err := r.GetDB().Where("id = ?", fleet.ID).First(&existingFleet).Error; err != nil {
		return r.handleError(err)
	}

	// Update only allowed fields
	err := r.GetDB().Model(fleet).Updates(map[string]interface{}{
		"name":        fleet.Name,
		"description": fleet.Description,
		"site":        fleet.Site,
	}).Error

	return r.handleError(err)
}

// Delete soft-deletes a fleet
func (r *fleetRepository) Delete(id uint) error {
	result := r.GetDB().Delete(&models.Fleet{}, id)
	if result.Error != nil {
		return r.handleError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMember adds a user to a fleet with the specified role
func (r *fleetRepository) AddMember(fleetID, userID uint, role models.FleetRole) error {
	// Check if fleet exists
	if _, err := r.GetByID(fleetID); err != nil {
		return err
	}

	// Check if user is already a member
	var count int64
	if err := r.GetDB().Model(&models.FleetMember{}).
		Where("fleet_id = ? AND user_id = ?", fleetID, userID).
		Count(&count).Error; err != nil {
		return r.handleError(err)
	}

	if count > 0 {
		return ErrConflict
	}

	// Add member
	member := models.FleetMember{
		FleetID: fleetID,
		UserID:  userID,
		Role:    role,
	}

	err := r.GetDB().Create(&member).Error
	return r.handleError(err)
}

// UpdateMemberRole updates a user's role in a fleet
func (r *fleetRepository) UpdateMemberRole(fleetID, userID uint, role models.FleetRole) error {
	result := r.GetDB().Model(&models.FleetMember{}).
		Where("fleet_id = ? AND user_id = ?", fleetID, userID).
		Update("role", role)

	if result.Error != nil {
		return r.handleError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveMember removes a user from a fleet
func (r *fleetRepository) RemoveMember(fleetID, userID uint) error {
	// First check if this is the last owner
	var ownerCount int64
	if err := r.GetDB().Model(&models.FleetMember{}).
		Where("fleet_id = ? AND role = ?", fleetID, models.FleetRoleOwner).
		Count(&ownerCount).Error; err != nil {
		return r.handleError(err)
	}

	// Check if we're removing an owner
	var targetMember models.FleetMember
	if err := r.GetDB().Where("fleet_id = ? AND user_id = ?", fleetID, userID).
		First(&targetMember).Error; err != nil {
		return r.handleError(err)
	}

	// Can't remove the last owner
	if ownerCount == 1 && targetMember.Role == models.FleetRoleOwner {
		return ErrInvalidInput
	}

	// Remove member
	result := r.GetDB().Where("fleet_id = ? AND user_id = ?", fleetID, userID).
		Delete(&models.FleetMember{})

	if result.Error != nil {
		return r.handleError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMembers lists all members of a fleet
func (r *fleetRepository) ListMembers(fleetID uint) ([]models.FleetMember, error) {
	var members []models.FleetMember
	err := r.GetDB().Preload("User").
		Where("fleet_id = ?", fleetID).
		Find(&members).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return members, nil
}

// GetMember gets a specific member from a fleet
func (r *fleetRepository) GetMember(fleetID, userID uint) (*models.FleetMember, error) {
	var member models.FleetMember
	err := r.GetDB().Preload("User").
		Where("fleet_id = ? AND user_id = ?", fleetID, userID).
		First(&member).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return &member, nil
}

// CheckUserAccess checks if a user has the required access level for a fleet
func (r *fleetRepository) CheckUserAccess(fleetID, userID uint, minRequiredRole models.FleetRole) (bool, error) {
	var member models.FleetMember
	err := r.GetDB().Where("fleet_id = ? AND user_id = ?", fleetID, userID).
		First(&member).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, nil
		}
		return false, r.handleError(err)
	}

	return member.HasPermission(minRequiredRole), nil
}
