package models

import (
	"time"

	"gorm.io/gorm"
)

// FleetRole represents a user's role within a fleet
type FleetRole string

const (
	// FleetRoleOwner has full access to the fleet
	FleetRoleOwner FleetRole = "owner"
	// FleetRoleOperator can manage devices and trigger maintenance but can't delete the fleet
	FleetRoleOperator FleetRole = "operator"
	// FleetRoleViewer can only view devices and reports
	FleetRoleViewer FleetRole = "viewer"
)

// Fleet represents a collection of devices managed together
type Fleet struct {
	ID          uint           `gorm:"primarykey" json:"id"`
	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	Site        string         `json:"site"`
	CreatedBy   uint           `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Members []FleetMember `gorm:"foreignKey:FleetID" json:"members,omitempty"`
	Devices []Device      `gorm:"foreignKey:FleetID" json:"devices,omitempty"`
}

// FleetMember represents a user's membership in a fleet
type FleetMember struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	FleetID   uint      `gorm:"not null" json:"fleet_id"`
	UserID    uint      `gorm:"not null" json:"user_id"`
	Role      FleetRole `gorm:"type:varchar(20);default:'viewer'" json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relationships
	User  User  `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Fleet Fleet `gorm:"foreignKey:FleetID" json:"fleet,omitempty"`
}

// HasPermission checks if the member has the required permission level for a fleet
func (m *FleetMember) HasPermission(requiredRole FleetRole) bool {
	switch m.Role {
	case FleetRoleOwner:
		return true
	case FleetRoleOperator:
		return requiredRole == FleetRoleOperator || requiredRole == FleetRoleViewer
	case FleetRoleViewer:
		return requiredRole == FleetRoleViewer
	default:
		return false
	}
}

// BeforeCreate hook for Fleet to set the created_by field if not set
func (f *Fleet) BeforeCreate(tx *gorm.DB) error {
	// Set created_by from the current user if not already set
	if f.CreatedBy == 0 {
		// Use GORM session value if available
		if userID, ok := tx.Statement.Context.Value("current_user_id").(uint); ok {
			f.CreatedBy = userID
		}
	}
	return nil
}
