package configs

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Storage providers selectable via STORAGE_PROVIDER.
const (
	ProviderPostgres = "postgres"
	ProviderMySQL    = "mysql"
)

// Config holds all configuration for the EPCIS repository. Loaded once at
// startup; treated as immutable afterwards.
type Config struct {
	// Server
	Port string

	// Storage
	StorageProvider  string
	ConnectionString string
	CommandTimeout   time.Duration

	// Capture caps
	MaxEventsPerCall int
	CaptureSizeLimit int64

	// Query caps
	MaxEventsReturnedInQuery int

	// Pagination cursor signing
	PaginationSecret string

	// Subscriptions
	NATSURL string

	// Identity
	SuperUserTenant string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnv("PORT", "8080"),

		StorageProvider:  getEnv("STORAGE_PROVIDER", ProviderPostgres),
		ConnectionString: os.Getenv("DB_DSN"),
		CommandTimeout:   getEnvDuration("COMMAND_TIMEOUT", 30*time.Second),

		MaxEventsPerCall: getEnvInt("MAX_EVENTS_PER_CALL", 500),
		CaptureSizeLimit: int64(getEnvInt("CAPTURE_SIZE_LIMIT", 10*1024*1024)),

		MaxEventsReturnedInQuery: getEnvInt("MAX_EVENTS_RETURNED", 20000),

		PaginationSecret: os.Getenv("PAGINATION_SECRET"),

		NATSURL: os.Getenv("NATS_URL"),

		SuperUserTenant: os.Getenv("SUPERUSER_TENANT"),
	}

	switch cfg.StorageProvider {
	case ProviderPostgres, ProviderMySQL:
	default:
		return nil, fmt.Errorf("STORAGE_PROVIDER must be %q or %q, got %q",
			ProviderPostgres, ProviderMySQL, cfg.StorageProvider)
	}

	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("DB_DSN is required")
	}
	if cfg.PaginationSecret == "" {
		return nil, fmt.Errorf("PAGINATION_SECRET is required")
	}
	if cfg.MaxEventsPerCall <= 0 {
		return nil, fmt.Errorf("MAX_EVENTS_PER_CALL must be positive")
	}
	if cfg.MaxEventsReturnedInQuery <= 0 {
		return nil, fmt.Errorf("MAX_EVENTS_RETURNED must be positive")
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
