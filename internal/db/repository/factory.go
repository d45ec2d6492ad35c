package repository

import "gorm.io/gorm"

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db          *gorm.DB
	userRepo    UserRepository
	fleetRepo   FleetRepository
	deviceRepo  DeviceRepository
	profileRepo ProfileRepository
	historyRepo HistoryRepository
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(db *gorm.DB) *RepositoryFactory {
	return &RepositoryFactory{
		db: db,
	}
}

// User returns the user repository
func (f *RepositoryFactory) User() UserRepository {
	if f.userRepo == nil {
		f.userRepo = NewUserRepository(f.db)
	}
	return f.userRepo
}

// Fleet returns the fleet repository
func (f *RepositoryFactory) Fleet() FleetRepository {
	if f.fleetRepo == nil {
		f.fleetRepo = NewFleetRepository(f.db)
	}
	return f.fleetRepo
}

// Device returns the device repository
func (f *RepositoryFactory) Device() DeviceRepository {
	if f.deviceRepo == nil {
		f.deviceRepo = NewDeviceRepository(f.db)
	}
	return f.deviceRepo
}

// Profile returns the device profile repository
func (f *RepositoryFactory) Profile() ProfileRepository {
	if f.profileRepo == nil {
		f.profileRepo = NewProfileRepository(f.db)
	}
	return f.profileRepo
}

// History returns the maintenance history repository
func (f *RepositoryFactory) History() HistoryRepository {
	if f.historyRepo == nil {
		f.historyRepo = NewHistoryRepository(f.db)
	}
	return f.historyRepo
}
