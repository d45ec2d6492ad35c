package services

import (
	"errors"

	"github.com/fleetmend/backend/internal/db"
	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/db/repository"
	"github.com/fleetmend/backend/internal/utils"
	"go.uber.org/zap"
)

// UserService handles operator account business logic
type UserService struct {
	db       *db.Database
	logger   *utils.Logger
	userRepo repository.UserRepository
}

// NewUserService creates a new user service
func NewUserService(db *db.Database, logger *utils.Logger) *UserService {
	repoFactory := repository.NewRepositoryFactory(db.DB)
	return &UserService{
		db:       db,
		logger:   logger.Named("user_service"),
		userRepo: repoFactory.User(),
	}
}

// Authenticate verifies user credentials and returns the user
func (s *UserService) Authenticate(email, password string) (*models.User, error) {
	user, err := s.userRepo.GetByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("invalid credentials")
		}
		s.logger.Error("Database error during authentication", zap.Error(err))
		return nil, errors.New("database error")
	}

	if !user.Active {
		return nil, errors.New("invalid credentials")
	}

	if !user.CheckPassword(password) {
		return nil, errors.New("invalid credentials")
	}

	return user, nil
}

// Create adds a new user
func (s *UserService) Create(user *models.User) error {
	if user.Email == "" {
		return errors.New("email is required")
	}

	if user.Password == "" {
		return errors.New("password is required")
	}

	err := s.userRepo.Create(user)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return errors.New("email already exists")
		}
		s.logger.Error("Database error creating user", zap.Error(err))
		return errors.New("failed to create user")
	}

	return nil
}

// GetByID retrieves a user by ID
func (s *UserService) GetByID(id uint) (*models.User, error) {
	user, err := s.userRepo.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("user not found")
		}
		s.logger.Error("Database error getting user by ID", zap.Uint("id", id), zap.Error(err))
		return nil, errors.New("database error")
	}

	return user, nil
}

// UpdateLastLogin updates the last login time for a user
func (s *UserService) UpdateLastLogin(id uint) error {
	if err := s.userRepo.UpdateLastLogin(id); err != nil {
		s.logger.Error("Database error updating last login", zap.Uint("id", id), zap.Error(err))
		return errors.New("database error")
	}
	return nil
}

// List returns a paginated list of users
func (s *UserService) List(page, pageSize int) ([]models.User, int64, error) {
	offset := (page - 1) * pageSize
	users, total, err := s.userRepo.List(offset, pageSize)
	if err != nil {
		s.logger.Error("Database error listing users", zap.Error(err))
		return nil, 0, errors.New("database error")
	}

	return users, total, nil
}

// Update updates a user's information
func (s *UserService) Update(user *models.User) error {
	if user.ID == 0 {
		return errors.New("user ID is required")
	}

	err := s.userRepo.Update(user)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("user not found")
		}
		s.logger.Error("Database error updating user", zap.Uint("id", user.ID), zap.Error(err))
		return errors.New("database error")
	}
	return nil
}

// ChangePassword updates a user's password after verifying the current one
func (s *UserService) ChangePassword(id uint, currentPassword, newPassword string) error {
	user, err := s.GetByID(id)
	if err != nil {
		return err
	}

	if !user.CheckPassword(currentPassword) {
		return errors.New("current password is incorrect")
	}

	if err := s.userRepo.ChangePassword(id, newPassword); err != nil {
		s.logger.Error("Database error updating password", zap.Uint("id", id), zap.Error(err))
		return errors.New("failed to update password")
	}

	return nil
}

// Delete soft-deletes a user
func (s *UserService) Delete(id uint) error {
	err := s.userRepo.Delete(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("user not found")
		}
		s.logger.Error("Database error deleting user", zap.Uint("id", id), zap.Error(err))
		return errors.New("database error")
	}
	return nil
}
