package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// DeviceProfile describes a device model: the metrics it reports and the
// firmware line it runs. Profile names double as hardware model identifiers.
type DeviceProfile struct {
	ID             uint           `gorm:"primarykey" json:"id"`
	Name           string         `gorm:"uniqueIndex;not null" json:"name"`
	Description    string         `json:"description"`
	MetricsSchema  JSON           `gorm:"column:metrics_schema" json:"metrics_schema"`
	TargetFirmware string         `json:"target_firmware"`
	CreatedBy      uint           `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Devices []Device `gorm:"foreignKey:ProfileID" json:"devices,omitempty"`
}

// Device represents a monitored field device
type Device struct {
	ID              uint           `gorm:"primarykey" json:"id"`
	DeviceID        string         `gorm:"uniqueIndex;not null" json:"device_id"`
	Name            string         `gorm:"not null" json:"name"`
	Description     string         `json:"description"`
	ProfileID       uint           `gorm:"not null" json:"profile_id"`
	FleetID         uint           `gorm:"not null" json:"fleet_id"`
	FirmwareVersion string         `json:"firmware_version"`
	FirmwareHistory JSON           `gorm:"column:firmware_history" json:"firmware_history"`
	Metadata        JSON           `json:"metadata"`
	LastSeen        *time.Time     `gorm:"type:timestamptz" json:"last_seen,omitempty"`
	CreatedBy       uint           `json:"created_by"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Profile DeviceProfile `gorm:"foreignKey:ProfileID" json:"profile,omitempty"`
	Fleet   Fleet         `gorm:"foreignKey:FleetID" json:"fleet,omitempty"`
}

// FirmwareTrail decodes the ordered list of committed firmware versions,
// oldest first. The last entry matches FirmwareVersion.
func (d *Device) FirmwareTrail() []string {
	if len(d.FirmwareHistory) == 0 {
		return nil
	}
	var trail []string
	if err := json.Unmarshal(d.FirmwareHistory, &trail); err != nil {
		return nil
	}
	return trail
}

// PreviousFirmware returns the version committed before the current one,
// or an empty string when the device has no earlier committed version.
func (d *Device) PreviousFirmware() string {
	trail := d.FirmwareTrail()
	if len(trail) < 2 {
		return ""
	}
	return trail[len(trail)-2]
}

// PushFirmware records a newly committed firmware version, appending it to
// the trail and making it current. Re-committing the current version is a
// no-op so retries stay idempotent.
func (d *Device) PushFirmware(version string) error {
	if version == d.FirmwareVersion && len(d.FirmwareHistory) > 0 {
		return nil
	}
	trail := append(d.FirmwareTrail(), version)
	encoded, err := json.Marshal(trail)
	if err != nil {
		return err
	}
	d.FirmwareHistory = JSON(encoded)
	d.FirmwareVersion = version
	return nil
}

// JSON is a wrapper for json.RawMessage with methods to implement the Scanner and Valuer interfaces
type JSON json.RawMessage

// Value returns the JSON value to be stored in the database
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan scans a JSON value from the database
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = JSON("null")
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("invalid scan source for JSON")
	}

	*j = JSON(bytes)
	return nil
}

// MarshalJSON returns the JSON encoding of j
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON sets *j to a copy of data
func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return errors.New("JSON: UnmarshalJSON on nil pointer")
	}
	*j = JSON(data)
	return nil
}
