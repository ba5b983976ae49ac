package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"tcshrink/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Pipeline PipelineConfig
	LogLevel string
}

// DatabaseConfig holds database connection settings. Persistence is optional;
// an empty URL disables it.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Enabled reports whether a database is configured
func (d DatabaseConfig) Enabled() bool {
	return d.URL != ""
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
}

// PipelineConfig holds the tunables of the shrinkage pipeline
type PipelineConfig struct {
	Lambda          float64 // p-value threshold of the π₀ proxy
	MinObservations int     // below this the π₀ fit refuses to run
	Pi0Method       string  // glm | stratified
	Pi0Floor        float64
	Bandwidth       float64 // 0 selects Silverman's rule
	MinDensity      float64
	DensityScope    string // global | stratum
	Workers         int
	LFDRThreshold   float64 // discoveries are rows with lfdr <= threshold
}

// DefaultPipelineConfig returns the defaults used when nothing is set
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Lambda:          0.5,
		MinObservations: 20,
		Pi0Method:       "glm",
		Pi0Floor:        0,
		Bandwidth:       0,
		MinDensity:      1e-12,
		DensityScope:    "global",
		Workers:         4,
		LFDRThreshold:   0.2,
	}
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	config := &Config{
		Database: loadDatabaseConfig(),
		Server:   loadServerConfig(),
		Pipeline: loadPipelineConfig(),
		LogLevel: getEnvOrDefault("LOG_LEVEL", "INFO"),
	}

	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MaxOpenConns:    getEnvIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		ConnMaxLifetime: getEnvDurationOrDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Port:         getEnvOrDefault("PORT", "8080"),
		ReadTimeout:  getEnvDurationOrDefault("HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getEnvDurationOrDefault("HTTP_WRITE_TIMEOUT", 60*time.Second),
		MaxBodyBytes: int64(getEnvIntOrDefault("HTTP_MAX_BODY_BYTES", 32<<20)),
	}
}

func loadPipelineConfig() PipelineConfig {
	d := DefaultPipelineConfig()
	return PipelineConfig{
		Lambda:          getEnvFloatOrDefault("TCS_LAMBDA", d.Lambda),
		MinObservations: getEnvIntOrDefault("TCS_MIN_OBSERVATIONS", d.MinObservations),
		Pi0Method:       strings.ToLower(getEnvOrDefault("TCS_PI0_METHOD", d.Pi0Method)),
		Pi0Floor:        getEnvFloatOrDefault("TCS_PI0_FLOOR", d.Pi0Floor),
		Bandwidth:       getEnvFloatOrDefault("TCS_BANDWIDTH", d.Bandwidth),
		MinDensity:      getEnvFloatOrDefault("TCS_MIN_DENSITY", d.MinDensity),
		DensityScope:    strings.ToLower(getEnvOrDefault("TCS_DENSITY_SCOPE", d.DensityScope)),
		Workers:         getEnvIntOrDefault("TCS_WORKERS", d.Workers),
		LFDRThreshold:   getEnvFloatOrDefault("TCS_LFDR_THRESHOLD", d.LFDRThreshold),
	}
}

// Validate checks the pipeline settings
func (p PipelineConfig) Validate() error {
	if p.Lambda <= 0 || p.Lambda >= 1 {
		return errors.ConfigInvalid("TCS_LAMBDA must be in (0,1)")
	}
	if p.MinObservations < 1 {
		return errors.ConfigInvalid("TCS_MIN_OBSERVATIONS must be positive")
	}
	switch p.Pi0Method {
	case "glm", "stratified":
	default:
		return errors.ConfigInvalid("TCS_PI0_METHOD must be glm or stratified")
	}
	if p.Pi0Floor < 0 || p.Pi0Floor > 1 {
		return errors.ConfigInvalid("TCS_PI0_FLOOR must be in [0,1]")
	}
	if p.Bandwidth < 0 {
		return errors.ConfigInvalid("TCS_BANDWIDTH must be >= 0")
	}
	if p.MinDensity <= 0 {
		return errors.ConfigInvalid("TCS_MIN_DENSITY must be > 0")
	}
	switch p.DensityScope {
	case "global", "stratum":
	default:
		return errors.ConfigInvalid("TCS_DENSITY_SCOPE must be global or stratum")
	}
	if p.Workers < 1 {
		return errors.ConfigInvalid("TCS_WORKERS must be >= 1")
	}
	if p.LFDRThreshold < 0 || p.LFDRThreshold > 1 {
		return errors.ConfigInvalid("TCS_LFDR_THRESHOLD must be in [0,1]")
	}
	return nil
}

func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return errors.ConfigInvalid("PORT is required")
	}
	if _, err := strconv.Atoi(config.Server.Port); err != nil {
		return errors.ConfigInvalid("PORT must be numeric")
	}
	return config.Pipeline.Validate()
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
