package services_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/fleetmend/backend/internal/db/models"
	"github.com/fleetmend/backend/internal/services"
	"github.com/fleetmend/backend/internal/testutil"
)

func TestUserService_GetByID(t *testing.T) {
	ts := testutil.NewTestSetup(t)
	defer ts.Cleanup()

	ts.SetupTestDatabase(&models.User{})

	userService := services.NewUserService(ts.DB, ts.Logger)

	t.Run("Should return error for non-existent user", func(t *testing.T) {
		// Act
		user, err := userService.GetByID(999999)

		// Assert
		assert.Error(t, err)
		assert.Nil(t, user)
	})

	t.Run("Should return user when it exists", func(t *testing.T) {
		// Arrange
		created := &models.User{
			Email:     "usersvc-get@example.com",
			Password:  "password123",
			FirstName: "Grace",
			LastName:  "Hopper",
			Role:      models.RoleUser,
		}
		require.NoError(t, ts.DB.DB.Create(created).Error)

		// Act
		user, err := userService.GetByID(created.ID)

		// Assert
		require.NoError(t, err)
		require.NotNil(t, user)
		assert.Equal(t, created.ID, user.ID)
		assert.Equal(t, "usersvc-get@example.com", user.Email)
		assert.Equal(t, "Grace", user.FirstName)
		assert.Equal(t, "Hopper", user.LastName)
		assert.Equal(t, models.RoleUser, user.Role)
	})
}

func TestUserService_Authenticate(t *testing.T) {
	ts := testutil.NewTestSetup(t)
	defer ts.Cleanup()

	ts.SetupTestDatabase(&models.User{})

	userService := services.NewUserService(ts.DB, ts.Logger)

	t.Run("Should reject non-existent user", func(t *testing.T) {
		// Act
		user, err := userService.Authenticate("usersvc-ghost@example.com", "password123")

		// Assert
		assert.Error(t, err)
		assert.Nil(t, user)
		assert.Contains(t, err.Error(), "invalid credentials")
	})

	t.Run("Should authenticate user with correct password", func(t *testing.T) {
		// Arrange
		// Hash manually and skip hooks so BeforeCreate does not hash twice.
		hashed, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)
		require.NoError(t, err)

		created := &models.User{
			Email:     "usersvc-auth@example.com",
			Password:  string(hashed),
			FirstName: "Alan",
			LastName:  "Turing",
			Role:      models.RoleUser,
		}
		require.NoError(t, ts.DB.DB.Session(&gorm.Session{SkipHooks: true}).Create(created).Error)

		// Act
		user, err := userService.Authenticate("usersvc-auth@example.com", "password123")

		// Assert
		require.NoError(t, err)
		require.NotNil(t, user)
		assert.Equal(t, created.ID, user.ID)
		assert.Equal(t, "usersvc-auth@example.com", user.Email)
	})

	t.Run("Should reject wrong password", func(t *testing.T) {
		// Act
		user, err := userService.Authenticate("usersvc-auth@example.com", "wrong-password")

		// Assert
		assert.Error(t, err)
		assert.Nil(t, user)
		assert.Contains(t, err.Error(), "invalid credentials")
	})
}

func TestUserService_Create(t *testing.T) {
	ts := testutil.NewTestSetup(t)
	defer ts.Cleanup()

	ts.SetupTestDatabase(&models.User{})

	userService := services.NewUserService(ts.DB, ts.Logger)

	t.Run("Should create a new user", func(t *testing.T) {
		// Arrange
		user := &models.User{
			Email:     "usersvc-new@example.com",
			Password:  "password123",
			FirstName: "Ada",
			LastName:  "Lovelace",
			Role:      models.RoleUser,
		}

		// Act
		err := userService.Create(user)

		// Assert
		require.NoError(t, err)
		assert.NotZero(t, user.ID)

		var stored models.User
		require.NoError(t, ts.DB.DB.First(&stored, user.ID).Error)
		assert.Equal(t, "usersvc-new@example.com", stored.Email)
		assert.NotEqual(t, "password123", stored.Password)
	})

	t.Run("Should reject duplicate email", func(t *testing.T) {
		// Arrange
		duplicate := &models.User{
			Email:     "usersvc-new@example.com",
			Password:  "password456",
			FirstName: "Another",
			LastName:  "User",
			Role:      models.RoleUser,
		}

		// Act
		err := userService.Create(duplicate)

		// Assert
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "email already exists")
	})
}
