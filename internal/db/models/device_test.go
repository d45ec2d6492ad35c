package models_test

import (
	"testing"

	"github.com/fleetmend/backend/internal/db/models"
	"github.com/stretchr/testify/assert"
)

func TestDevice_FirmwareTrail(t *testing.T) {
	t.Run("Should start with an empty trail", func(t *testing.T) {
		device := &models.Device{DeviceID: "pump-1"}

		assert.Nil(t, device.FirmwareTrail())
		assert.Empty(t, device.PreviousFirmware())
	})

	t.Run("Should append committed versions in order", func(t *testing.T) {
		device := &models.Device{DeviceID: "pump-1"}

		assert.NoError(t, device.PushFirmware("2.1.0"))
		assert.NoError(t, device.PushFirmware("2.1.1"))
		assert.NoError(t, device.PushFirmware("2.2.0"))

		assert.Equal(t, "2.2.0", device.FirmwareVersion)
		assert.Equal(t, []string{"2.1.0", "2.1.1", "2.2.0"}, device.FirmwareTrail())
		assert.Equal(t, "2.1.1", device.PreviousFirmware())
	})

	t.Run("Should ignore re-committing the current version", func(t *testing.T) {
		device := &models.Device{DeviceID: "pump-1"}

		assert.NoError(t, device.PushFirmware("2.1.0"))
		assert.NoError(t, device.PushFirmware("2.1.0"))

		assert.Equal(t, []string{"2.1.0"}, device.FirmwareTrail())
	})

	t.Run("Should report no previous version with a single commit", func(t *testing.T) {
		device := &models.Device{DeviceID: "pump-1"}

		assert.NoError(t, device.PushFirmware("2.1.0"))

		assert.Empty(t, device.PreviousFirmware())
	})
}
