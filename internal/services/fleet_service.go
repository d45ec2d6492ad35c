package services

import (
	"errors"

	"github.com/fleetmend/backend/internal/db"
	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/db/repository"
	"github.com/fleetmend/backend/internal/utils"
	"go.uber.org/zap"
)

// FleetService handles fleet-related business logic
type FleetService struct {
	db        *db.Database
	logger    *utils.Logger
	fleetRepo repository.FleetRepository
	userRepo  repository.UserRepository
}

// NewFleetService creates a new fleet service
func NewFleetService(db *db.Database, logger *utils.Logger) *FleetService {
	repoFactory := repository.NewRepositoryFactory(db.DB)
	return &FleetService{
		db:        db,
		logger:    logger.Named("fleet_service"),
		fleetRepo: repoFactory.Fleet(),
		userRepo:  repoFactory.User(),
	}
}

// Create adds a new fleet and adds the creator as an owner
func (s *FleetService) Create(fleet *models.Fleet) error {
	// Validate fleet data
	if fleet.Name == "" {
		return errors.New("fleet name is required")
	}

	if fleet.CreatedBy == 0 {
		return errors.New("fleet creator is required")
	}

	// Verify user exists
	_, err := s.userRepo.GetByID(fleet.CreatedBy)
	if err != nil {
		s.logger.Error("Failed to verify user exists", zap.Uint("user_id", fleet.CreatedBy), zap.Error(err))
		return errors.New("invalid creator user")
	}

	err = s.fleetRepo.Create(fleet)
	if err != nil {
		s.logger.Error("Failed to create fleet", zap.Error(err))
		return errors.New("failed to create fleet")
	}

	return nil
}

// GetByID retrieves a fleet by ID
func (s *FleetService) GetByID(id uint) (*models.Fleet, error) {
	fleet, err := s.fleetRepo.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("fleet not found")
		}
		s.logger.Error("Failed to get fleet", zap.Uint("id", id), zap.Error(err))
		return nil, errors.New("database error")
	}

	return fleet, nil
}

// List returns a paginated list of all fleets
func (s *FleetService) List(page, pageSize int) ([]models.Fleet, int64, error) {
	offset := (page - 1) * pageSize
	fleets, total, err := s.fleetRepo.List(offset, pageSize)
	if err != nil {
		s.logger.Error("Failed to list fleets", zap.Error(err))
		return nil, 0, errors.New("database error")
	}

	return fleets, total, nil
}

// ListByUserID returns a paginated list of fleets where the user is a member
func (s *FleetService) ListByUserID(userID uint, page, pageSize int) ([]models.Fleet, int64, error) {
	offset := (page - 1) * pageSize
	fleets, total, err := s.fleetRepo.ListByUserID(userID, offset, pageSize)
	if err != nil {
		s.logger.Error("Failed to list fleets by user ID", zap.Uint("user_id", userID), zap.Error(err))
		return nil, 0, errors.New("database error")
	}

	return fleets, total, nil
}

// Update updates a fleet's information
func (s *FleetService) Update(fleet *models.Fleet) error {
	// Validate fleet data
	if fleet.ID == 0 {
		return errors.New("fleet ID is required")
	}

	if fleet.Name == "" {
		return errors.New("fleet name is required")
	}

	err := s.fleetRepo.Update(fleet)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("fleet not found")
		}
		s.logger.Error("Failed to update fleet", zap.Uint("id", fleet.ID), zap.Error(err))
		return errors.New("failed to update fleet")
	}

	return nil
}

// Delete soft-deletes a fleet
func (s *FleetService) Delete(id uint) error {
	err := s.fleetRepo.Delete(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("fleet not found")
		}
		s.logger.Error("Failed to delete fleet", zap.Uint("id", id), zap.Error(err))
		return errors.New("failed to delete fleet")
	}

	return nil
}

// ListMembers returns all members of a fleet
func (s *FleetService) ListMembers(fleetID uint) ([]models.FleetMember, error) {
	members, err := s.fleetRepo.ListMembers(fleetID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("fleet not found")
		}
		s.logger.Error("Failed to list fleet members", zap.Uint("fleet_id", fleetID), zap.Error(err))
		return nil, errors.New("database error")
	}

	return members, nil
}

// AddMember adds a user to a fleet with a specific role
func (s *FleetService) AddMember(fleetID, userID uint, role models.FleetRole) (*models.FleetMember, error) {
	// Validate user exists
	_, err := s.userRepo.GetByID(userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("user not found")
		}
		s.logger.Error("Failed to verify user exists", zap.Uint("user_id", userID), zap.Error(err))
		return nil, errors.New("database error")
	}

	// Add member
	err = s.fleetRepo.AddMember(fleetID, userID, role)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, errors.New("user already a member of fleet")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("fleet not found")
		}
		s.logger.Error("Failed to add member to fleet",
			zap.Uint("fleet_id", fleetID),
			zap.Uint("user_id", userID),
			zap.Error(err))
		return nil, errors.New("failed to add member to fleet")
	}

	// Get the newly created member
	member, err := s.fleetRepo.GetMember(fleetID, userID)
	if err != nil {
		s.logger.Error("Failed to get fleet member after adding",
			zap.Uint("fleet_id", fleetID),
			zap.Uint("user_id", userID),
			zap.Error(err))
		return nil, errors.New("member added but failed to retrieve details")
	}

	return member, nil
}

// UpdateMemberRole updates a member's role in a fleet
func (s *FleetService) UpdateMemberRole(fleetID, userID uint, role models.FleetRole) (*models.FleetMember, error) {
	err := s.fleetRepo.UpdateMemberRole(fleetID, userID, role)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("member not found")
		}
		if errors.Is(err, repository.ErrInvalidInput) {
			return nil, errors.New("cannot demote the last owner")
		}
		s.logger.Error("Failed to update member role",
			zap.Uint("fleet_id", fleetID),
			zap.Uint("user_id", userID),
			zap.Error(err))
		return nil, errors.New("failed to update member role")
	}

	// Get the updated member
	member, err := s.fleetRepo.GetMember(fleetID, userID)
	if err != nil {
		s.logger.Error("Failed to get fleet member after update",
			zap.Uint("fleet_id", fleetID),
			zap.Uint("user_id", userID),
			zap.Error(err))
		return nil, errors.New("role updated but failed to retrieve member details")
	}

	return member, nil
}

// RemoveMember removes a user from a fleet
func (s *FleetService) RemoveMember(fleetID, userID uint) error {
	err := s.fleetRepo.RemoveMember(fleetID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("member not found")
		}
		if errors.Is(err, repository.ErrInvalidInput) {
			return errors.New("cannot remove the last owner")
		}
		s.logger.Error("Failed to remove member from fleet",
			zap.Uint("fleet_id", fleetID),
			zap.Uint("user_id", userID),
			zap.Error(err))
		return errors.New("failed to remove member from fleet")
	}

	return nil
}

// CheckUserAccess checks if a user has the required access level for a fleet
func (s *FleetService) CheckUserAccess(fleetID, userID uint, minRole models.FleetRole) (bool, error) {
	// Check if fleet exists
	_, err := s.fleetRepo.GetByID(fleetID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, errors.New("fleet not found")
		}
		s.logger.Error("Failed to verify fleet exists",
			zap.Uint("fleet_id", fleetID),
			zap.Error(err))
		return false, errors.New("database error")
	}

	hasAccess, err := s.fleetRepo.CheckUserAccess(fleetID, userID, minRole)
	if err != nil {
		s.logger.Error("Failed to check user access to fleet",
			zap.Uint("fleet_id", fleetID),
			zap.Uint("user_id", userID),
			zap.Error(err))
		return false, errors.New("failed to check fleet access")
	}

	return hasAccess, nil
}
