package repository_test

import (
	"testing"
	"time"

	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/db/repository"
	"github.com/fleetmend/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestFleetRepository_Members(t *testing.T) {
	// Setup test environment
	ts := testutil.NewTestSetup(t)
	defer ts.Cleanup()

	// Create tables for testing
	ts.SetupTestDatabase(&models.User{}, &models.Fleet{}, &models.FleetMember{})

	// Create repository
	repo := repository.NewFleetRepository(ts.DB.DB)

	ownerID := ts.SeedTestUser("fleet-owner@example.com", "password123", false)
	operatorID := ts.SeedTestUser("fleet-operator@example.com", "password123", false)
	outsiderID := ts.SeedTestUser("outsider@example.com", "password123", false)

	fleet := &models.Fleet{
		Name:      "Member Fleet",
		Site:      "plant-b",
		CreatedBy: ownerID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	err := repo.Create(fleet)
	assert.NoError(t, err)
	assert.NotZero(t, fleet.ID)

	// Test case: Creator becomes owner
	t.Run("Should add the creator as owner", func(t *testing.T) {
		member, err := repo.GetMember(fleet.ID, ownerID)

		assert.NoError(t, err)
		assert.Equal(t, models.FleetRoleOwner, member.Role)
	})

	// Test case: Member management
	t.Run("Should manage members", func(t *testing.T) {
		// Add a viewer
		err := repo.AddMember(fleet.ID, operatorID, models.FleetRoleViewer)
		assert.NoError(t, err)

		// Adding the same user again conflicts
		err = repo.AddMember(fleet.ID, operatorID, models.FleetRoleViewer)
		assert.ErrorIs(t, err, repository.ErrConflict)

		// Promote to operator
		err = repo.UpdateMemberRole(fleet.ID, operatorID, models.FleetRoleOperator)
		assert.NoError(t, err)

		members, err := repo.ListMembers(fleet.ID)
		assert.NoError(t, err)
		assert.Len(t, members, 2)
	})

	// Test case: Role hierarchy
	t.Run("Should enforce role hierarchy on access checks", func(t *testing.T) {
		// Owner passes any requirement
		ok, err := repo.CheckUserAccess(fleet.ID, ownerID, models.FleetRoleOperator)
		assert.NoError(t, err)
		assert.True(t, ok)

		// Operator cannot act as owner
		ok, err = repo.CheckUserAccess(fleet.ID, operatorID, models.FleetRoleOwner)
		assert.NoError(t, err)
		assert.False(t, ok)

		// Operator can view
		ok, err = repo.CheckUserAccess(fleet.ID, operatorID, models.FleetRoleViewer)
		assert.NoError(t, err)
		assert.True(t, ok)

		// Non-members have no access at all
		ok, err = repo.CheckUserAccess(fleet.ID, outsiderID, models.FleetRoleViewer)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	// Test case: Last owner protection
	t.Run("Should protect the last owner", func(t *testing.T) {
		// Removing the only owner is rejected
		err := repo.RemoveMember(fleet.ID, ownerID)
		assert.ErrorIs(t, err, repository.ErrInvalidInput)

		// After promoting a second owner the original can leave
		err = repo.UpdateMemberRole(fleet.ID, operatorID, models.FleetRoleOwner)
		assert.NoError(t, err)

		err = repo.RemoveMember(fleet.ID, ownerID)
		assert.NoError(t, err)

		members, err := repo.ListMembers(fleet.ID)
		assert.NoError(t, err)
		assert.Len(t, members, 1)
	})

	// Test case: Fleets by user
	t.Run("Should list fleets for a member", func(t *testing.T) {
		fleets, total, err := repo.ListByUserID(operatorID, 0, 10)

		assert.NoError(t, err)
		assert.GreaterOrEqual(t, total, int64(1))
		assert.NotEmpty(t, fleets)
		assert.Equal(t, "Member Fleet", fleets[0].Name)
	})
}
