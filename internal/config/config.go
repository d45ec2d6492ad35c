package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	DeviceControl DeviceControlConfig `mapstructure:"device_control"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Monitor       MonitorConfig       `mapstructure:"monitor"`
	Health        HealthConfig        `mapstructure:"health"`
	Predictor     PredictorConfig     `mapstructure:"predictor"`
	Healing       HealingConfig       `mapstructure:"healing"`
	Firmware      FirmwareConfig      `mapstructure:"firmware"`
	Maintenance   MaintenanceConfig   `mapstructure:"maintenance"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
	Environment  string `mapstructure:"environment"`
}

// DatabaseConfig holds database-specific configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	TimeZone string `mapstructure:"timezone"`
}

// DeviceControlConfig holds fleet gateway (device control) configuration
type DeviceControlConfig struct {
	URL            string `mapstructure:"url"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	APIToken       string `mapstructure:"api_token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RetryMax       int    `mapstructure:"retry_max"`
	RetryBackoffMs int    `mapstructure:"retry_backoff_ms"`
	BackoffMaxMs   int    `mapstructure:"backoff_max_ms"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Brokers        string `mapstructure:"brokers"`
	ConsumerGroup  string `mapstructure:"consumer_group"`
	SecurityEnable bool   `mapstructure:"security_enable"`
	SecurityUser   string `mapstructure:"security_user"`
	SecurityPass   string `mapstructure:"security_pass"`
}

// JWTConfig holds JWT authentication configuration
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	ExpirationHours        int    `mapstructure:"expiration_hours"`
	RefreshSecret          string `mapstructure:"refresh_secret"`
	RefreshExpirationHours int    `mapstructure:"refresh_expiration_hours"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// MonitorConfig holds anomaly detection configuration
type MonitorConfig struct {
	WarmupSamples    int     `mapstructure:"warmup_samples"`
	WarningZ         float64 `mapstructure:"warning_z"`
	CriticalZ        float64 `mapstructure:"critical_z"`
	StdEpsilon       float64 `mapstructure:"std_epsilon"`
	Decay            float64 `mapstructure:"decay"`
	CapMultiplier    float64 `mapstructure:"cap_multiplier"`
	AnomalyRetention int     `mapstructure:"anomaly_retention"`
}

// HealthConfig holds health scoring configuration
type HealthConfig struct {
	HalfLifeSeconds int     `mapstructure:"half_life_seconds"`
	PenaltyFactor   float64 `mapstructure:"penalty_factor"`
	WarningWeight   float64 `mapstructure:"warning_weight"`
	CriticalWeight  float64 `mapstructure:"critical_weight"`
}

// PredictorConfig holds failure prediction configuration
type PredictorConfig struct {
	HistorySize   int     `mapstructure:"history_size"`
	CoeffBase     float64 `mapstructure:"coeff_base"`
	CoeffSlope    float64 `mapstructure:"coeff_slope"`
	Offset        float64 `mapstructure:"offset"`
	ImmediateRisk float64 `mapstructure:"immediate_risk"`
	NearTermRisk  float64 `mapstructure:"near_term_risk"`
}

// HealingConfig holds self-healing configuration
type HealingConfig struct {
	MaxAttemptsPerAction int     `mapstructure:"max_attempts_per_action"`
	SettleDelaySeconds   int     `mapstructure:"settle_delay_seconds"`
	ValidationSeconds    int     `mapstructure:"validation_seconds"`
	RecoveryThreshold    float64 `mapstructure:"recovery_threshold"`
	RulesPath            string  `mapstructure:"rules_path"`
}

// FirmwareConfig holds firmware patching configuration
type FirmwareConfig struct {
	SettleDelaySeconds int    `mapstructure:"settle_delay_seconds"`
	ValidationSeconds  int    `mapstructure:"validation_seconds"`
	AnomalyThreshold   int    `mapstructure:"anomaly_threshold"`
	KnownIssuesPath    string `mapstructure:"known_issues_path"`
}

// MaintenanceConfig holds orchestrator configuration
type MaintenanceConfig struct {
	ActionThreshold    float64 `mapstructure:"action_threshold"`
	EvaluationSeconds  int     `mapstructure:"evaluation_seconds"`
	CooldownSeconds    int     `mapstructure:"cooldown_seconds"`
	MailboxSize        int     `mapstructure:"mailbox_size"`
	ReportAnomalyCount int     `mapstructure:"report_anomaly_count"`
}

// LoadConfig loads the application configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	// Set default configuration file path if not provided
	if configPath == "" {
		configPath = "./config"
	}

	// Initialize Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	// Set environment variable prefix for overrides
	v.SetEnvPrefix("FLEETMEND")

	// Set environment variable separator for nested structs
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read configuration from file
	if err := v.ReadInConfig(); err != nil {
		// If the configuration file is not found, that's fine, we'll use defaults and env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	// Set up environment variable binding
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Unmarshal configuration
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default values for the configuration
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 15)  // seconds
	v.SetDefault("server.write_timeout", 15) // seconds
	v.SetDefault("server.idle_timeout", 60)  // seconds
	v.SetDefault("server.environment", "development")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "fleetmend")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")

	// Device control gateway defaults
	v.SetDefault("device_control.url", "http://gateway:8090")
	v.SetDefault("device_control.timeout_seconds", 10)
	v.SetDefault("device_control.retry_max", 3)
	v.SetDefault("device_control.retry_backoff_ms", 500)
	v.SetDefault("device_control.backoff_max_ms", 5000)

	// Kafka defaults
	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", "kafka:9092")
	v.SetDefault("kafka.consumer_group", "fleetmend")
	v.SetDefault("kafka.security_enable", false)

	// JWT defaults
	v.SetDefault("jwt.expiration_hours", 24)
	v.SetDefault("jwt.refresh_expiration_hours", 168) // 7 days

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	// Anomaly detection defaults
	v.SetDefault("monitor.warmup_samples", 30)
	v.SetDefault("monitor.warning_z", 3.0)
	v.SetDefault("monitor.critical_z", 4.5)
	v.SetDefault("monitor.std_epsilon", 1e-6)
	v.SetDefault("monitor.decay", 0.05)
	v.SetDefault("monitor.cap_multiplier", 3.0)
	v.SetDefault("monitor.anomaly_retention", 50)

	// Health scoring defaults
	v.SetDefault("health.half_life_seconds", 300)
	v.SetDefault("health.penalty_factor", 15.0)
	v.SetDefault("health.warning_weight", 1.0)
	v.SetDefault("health.critical_weight", 2.0)

	// Failure prediction defaults
	v.SetDefault("predictor.history_size", 20)
	v.SetDefault("predictor.coeff_base", 6.0)
	v.SetDefault("predictor.coeff_slope", 2.0)
	v.SetDefault("predictor.offset", 3.0)
	v.SetDefault("predictor.immediate_risk", 0.75)
	v.SetDefault("predictor.near_term_risk", 0.45)

	// Self-healing defaults
	v.SetDefault("healing.max_attempts_per_action", 2)
	v.SetDefault("healing.settle_delay_seconds", 30)
	v.SetDefault("healing.validation_seconds", 120)
	v.SetDefault("healing.recovery_threshold", 75.0)

	// Firmware patching defaults
	v.SetDefault("firmware.settle_delay_seconds", 30)
	v.SetDefault("firmware.validation_seconds", 120)
	v.SetDefault("firmware.anomaly_threshold", 5)

	// Maintenance orchestration defaults
	v.SetDefault("maintenance.action_threshold", 0.6)
	v.SetDefault("maintenance.evaluation_seconds", 30)
	v.SetDefault("maintenance.cooldown_seconds", 300)
	v.SetDefault("maintenance.mailbox_size", 64)
	v.SetDefault("maintenance.report_anomaly_count", 10)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	// Validate JWT secrets are set
	if config.JWT.Secret == "" {
		// In development mode, set a default secret
		if config.Server.Environment == "development" {
			config.JWT.Secret = "development-jwt-secret-key-change-in-production"
		} else {
			return fmt.Errorf("JWT secret is required in non-development environments")
		}
	}

	if config.JWT.RefreshSecret == "" {
		// In development mode, set a default refresh secret
		if config.Server.Environment == "development" {
			config.JWT.RefreshSecret = "development-refresh-secret-key-change-in-production"
		} else {
			return fmt.Errorf("JWT refresh secret is required in non-development environments")
		}
	}

	// Validate database password is set
	if config.Database.Password == "" {
		// Check if it's available in environment variable
		dbPassword := os.Getenv("FLEETMEND_DATABASE_PASSWORD")
		if dbPassword == "" {
			if config.Server.Environment != "development" {
				return fmt.Errorf("database password is required in non-development environments")
			}
		} else {
			config.Database.Password = dbPassword
		}
	}

	// Detection thresholds must keep the severity tiers ordered
	if config.Monitor.WarningZ <= 0 || config.Monitor.CriticalZ <= config.Monitor.WarningZ {
		return fmt.Errorf("monitor thresholds must satisfy 0 < warning_z < critical_z")
	}

	if config.Monitor.WarmupSamples < 1 {
		return fmt.Errorf("monitor warm-up must be at least one sample")
	}

	if config.Predictor.ImmediateRisk <= config.Predictor.NearTermRisk {
		return fmt.Errorf("predictor thresholds must satisfy near_term_risk < immediate_risk")
	}

	return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode, c.TimeZone)
}

// IsProduction returns true if the environment is production
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if the environment is development
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsTest returns true if the environment is test
func (c *ServerConfig) IsTest() bool {
	return c.Environment == "test"
}
