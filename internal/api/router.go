package api

import (
	"net/http"

	"github.com/fleetmend/backend/internal/api/controllers"
	"github.com/fleetmend/backend/internal/api/middleware"
	"github.com/fleetmend/backend/internal/config"
	"github.com/fleetmend/backend/internal/services"
	"github.com/fleetmend/backend/internal/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Router manages the API routes and controllers
type Router struct {
	engine              *gin.Engine
	logger              *utils.Logger
	config              *config.Config
	authMiddleware      *middleware.AuthMiddleware
	serviceProvider     *services.ServiceProvider
	apiV1               *gin.RouterGroup
	userController      *controllers.UserController
	fleetController     *controllers.FleetController
	profileController   *controllers.ProfileController
	deviceController    *controllers.DeviceController
	historyController   *controllers.HistoryController
	telemetryController *controllers.TelemetryController
}

// NewRouter creates a new Router instance
func NewRouter(
	config *config.Config,
	logger *utils.Logger,
	serviceProvider *services.ServiceProvider,
) *Router {
	// Set Gin mode based on environment
	if config.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	// Use the logger and recovery middleware
	engine.Use(gin.Recovery())
	engine.Use(middleware.LoggingMiddleware(logger))

	// Configure CORS
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "Origin"}
	engine.Use(cors.New(corsConfig))

	// Create JWT auth middleware
	authMiddleware := middleware.NewAuthMiddleware(&config.JWT)

	return &Router{
		engine:          engine,
		logger:          logger.Named("router"),
		config:          config,
		authMiddleware:  authMiddleware,
		serviceProvider: serviceProvider,
	}
}

// SetupRoutes configures all API routes. Services come from the provider
// so the controllers share the wired instances the pipeline uses.
func (r *Router) SetupRoutes() {
	// Health check endpoint (no auth required)
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	// Prometheus metrics endpoint (no auth required)
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version group, all main API routes are under /api/v1
	r.apiV1 = r.engine.Group("/api/v1")

	// Setup controllers
	authController := controllers.NewAuthController(r.serviceProvider.GetUserService(), &r.config.JWT, r.logger)
	r.userController = controllers.NewUserController(r.serviceProvider.GetUserService(), r.logger)
	r.fleetController = controllers.NewFleetController(r.serviceProvider.GetFleetService(), r.logger)
	r.profileController = controllers.NewProfileController(r.serviceProvider.GetProfileService(), r.logger)
	r.deviceController = controllers.NewDeviceController(
		r.serviceProvider.GetDeviceService(),
		r.serviceProvider.GetOrchestrator(),
		r.logger,
	)
	r.historyController = controllers.NewHistoryController(
		r.serviceProvider.GetHistoryService(),
		r.serviceProvider.GetAlertService(),
		r.serviceProvider.GetDeviceService(),
		r.logger,
	)
	r.telemetryController = controllers.NewTelemetryController(
		r.serviceProvider.GetTelemetryService(),
		r.serviceProvider.GetDeviceService(),
		r.logger,
	)

	// Register auth routes (no auth required)
	authController.RegisterRoutes(r.engine.Group("/api"))

	// Routes that require authentication
	authorizedRoutes := r.apiV1.Group("")
	authorizedRoutes.Use(r.authMiddleware.RequireAuth())

	r.userController.RegisterRoutes(authorizedRoutes)
	r.fleetController.RegisterRoutes(authorizedRoutes)
	r.profileController.RegisterRoutes(authorizedRoutes)
	r.deviceController.RegisterRoutes(authorizedRoutes)
	r.historyController.RegisterRoutes(authorizedRoutes)
	r.telemetryController.RegisterRoutes(authorizedRoutes)

	// Add Swagger documentation if not in production
	if !r.config.Server.IsProduction() {
		r.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	r.logger.Info("API routes setup completed")
}

// GetEngine returns the Gin engine
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
