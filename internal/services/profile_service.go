package services

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fleetmend/backend/internal/db"
	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/db/repository"
	"github.com/fleetmend/backend/internal/utils"
	"go.uber.org/zap"
)

// ProfileService handles device profile business logic. Profiles carry each
// device model's metrics schema; the service compiles those schemas and
// validates incoming telemetry readings against them.
type ProfileService struct {
	db          *db.Database
	logger      *utils.Logger
	profileRepo repository.ProfileRepository
	userRepo    repository.UserRepository

	mu        sync.RWMutex
	validator *utils.JSONSchemaValidator
	loaded    map[uint]bool
}

// NewProfileService creates a new profile service
func NewProfileService(db *db.Database, logger *utils.Logger) *ProfileService {
	repoFactory := repository.NewRepositoryFactory(db.DB)
	return &ProfileService{
		db:          db,
		logger:      logger.Named("profile_service"),
		profileRepo: repoFactory.Profile(),
		userRepo:    repoFactory.User(),
		validator:   utils.NewJSONSchemaValidator(),
		loaded:      make(map[uint]bool),
	}
}

// defaultMetricsSchema builds the permissive reading schema used when a
// profile is created without one
func defaultMetricsSchema() (string, error) {
	return utils.NewJSONSchemaBuilder().
		SetTitle("telemetry-reading").
		SetDescription("One metric reading reported by a device").
		AddStringProperty("metric", true).
		AddNumberProperty("value", true).
		Build()
}

// Create adds a new device profile
func (s *ProfileService) Create(profile *models.DeviceProfile) error {
	// Validate profile data
	if profile.Name == "" {
		return errors.New("profile name is required")
	}

	if profile.CreatedBy == 0 {
		return errors.New("profile creator is required")
	}

	// Verify user exists
	_, err := s.userRepo.GetByID(profile.CreatedBy)
	if err != nil {
		s.logger.Error("Failed to verify user exists", zap.Uint("user_id", profile.CreatedBy), zap.Error(err))
		return errors.New("invalid creator user")
	}

	// Check if profile with same name already exists
	_, err = s.profileRepo.GetByName(profile.Name)
	if err == nil {
		return errors.New("profile with this name already exists")
	} else if !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("Error checking profile existence", zap.String("name", profile.Name), zap.Error(err))
		return errors.New("database error")
	}

	// A profile without a schema gets the default reading schema so
	// telemetry validation always has something to check against
	if len(profile.MetricsSchema) == 0 {
		schema, err := defaultMetricsSchema()
		if err != nil {
			s.logger.Error("Failed to build default metrics schema", zap.Error(err))
			return errors.New("failed to build default metrics schema")
		}
		profile.MetricsSchema = models.JSON(schema)
	} else if err := s.compileSchema(0, string(profile.MetricsSchema)); err != nil {
		return fmt.Errorf("invalid metrics schema: %w", err)
	}

	err = s.profileRepo.Create(profile)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return errors.New("profile with this name already exists")
		}
		s.logger.Error("Failed to create profile", zap.Error(err))
		return errors.New("failed to create profile")
	}

	return nil
}

// GetByID retrieves a profile by ID
func (s *ProfileService) GetByID(id uint) (*models.DeviceProfile, error) {
	profile, err := s.profileRepo.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("profile not found")
		}
		s.logger.Error("Failed to get profile", zap.Uint("id", id), zap.Error(err))
		return nil, errors.New("database error")
	}

	return profile, nil
}

// GetByName retrieves a profile by name
func (s *ProfileService) GetByName(name string) (*models.DeviceProfile, error) {
	profile, err := s.profileRepo.GetByName(name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("profile not found")
		}
		s.logger.Error("Failed to get profile by name", zap.String("name", name), zap.Error(err))
		return nil, errors.New("database error")
	}

	return profile, nil
}

// List returns a paginated list of profiles
func (s *ProfileService) List(page, pageSize int) ([]models.DeviceProfile, int64, error) {
	offset := (page - 1) * pageSize
	profiles, total, err := s.profileRepo.List(offset, pageSize)
	if err != nil {
		s.logger.Error("Failed to list profiles", zap.Error(err))
		return nil, 0, errors.New("database error")
	}

	return profiles, total, nil
}

// Update updates a profile's information
func (s *ProfileService) Update(profile *models.DeviceProfile) error {
	// Validate profile data
	if profile.ID == 0 {
		return errors.New("profile ID is required")
	}

	if profile.Name == "" {
		return errors.New("profile name is required")
	}

	// Check if profile exists
	existing, err := s.profileRepo.GetByID(profile.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("profile not found")
		}
		s.logger.Error("Failed to get profile", zap.Uint("id", profile.ID), zap.Error(err))
		return errors.New("database error")
	}

	// If name is changed, check if new name already exists
	if profile.Name != existing.Name {
		existingWithName, err := s.profileRepo.GetByName(profile.Name)
		if err == nil && existingWithName.ID != profile.ID {
			return errors.New("profile with this name already exists")
		} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("Error checking profile existence", zap.String("name", profile.Name), zap.Error(err))
			return errors.New("database error")
		}
	}

	// A changed schema must compile and replaces the cached one
	if len(profile.MetricsSchema) > 0 && string(profile.MetricsSchema) != string(existing.MetricsSchema) {
		if err := s.compileSchema(profile.ID, string(profile.MetricsSchema)); err != nil {
			return fmt.Errorf("invalid metrics schema: %w", err)
		}
	}

	err = s.profileRepo.Update(profile)
	if err != nil {
		s.logger.Error("Failed to update profile", zap.Uint("id", profile.ID), zap.Error(err))
		return errors.New("failed to update profile")
	}

	return nil
}

// Delete soft-deletes a profile
func (s *ProfileService) Delete(id uint) error {
	// Check if profile exists
	_, err := s.profileRepo.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("profile not found")
		}
		s.logger.Error("Failed to get profile", zap.Uint("id", id), zap.Error(err))
		return errors.New("database error")
	}

	err = s.profileRepo.Delete(id)
	if err != nil {
		s.logger.Error("Failed to delete profile", zap.Uint("id", id), zap.Error(err))
		return errors.New("failed to delete profile")
	}

	s.mu.Lock()
	delete(s.loaded, id)
	s.mu.Unlock()

	return nil
}

// ValidateReading checks one telemetry reading against the profile's
// metrics schema. Profiles without a schema accept every reading.
func (s *ProfileService) ValidateReading(profile *models.DeviceProfile, metric string, value float64) error {
	if profile == nil || len(profile.MetricsSchema) == 0 {
		return nil
	}

	if err := s.ensureSchema(profile); err != nil {
		return err
	}

	reading := map[string]interface{}{
		"metric": metric,
		"value":  value,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validator.ValidateAgainstSchema(schemaKey(profile.ID), reading)
}

// ensureSchema lazily compiles a profile's schema into the validator
func (s *ProfileService) ensureSchema(profile *models.DeviceProfile) error {
	s.mu.RLock()
	ok := s.loaded[profile.ID]
	s.mu.RUnlock()
	if ok {
		return nil
	}

	return s.compileSchema(profile.ID, string(profile.MetricsSchema))
}

// compileSchema loads a schema into the validator; id 0 is a scratch slot
// used to check schemas before their profile exists
func (s *ProfileService) compileSchema(id uint, schema string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validator.LoadSchema(schemaKey(id), schema); err != nil {
		return err
	}
	if id != 0 {
		s.loaded[id] = true
	}
	return nil
}

func schemaKey(id uint) string {
	return fmt.Sprintf("profile:%d", id)
}
