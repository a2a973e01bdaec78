// Package config loads process configuration from environment variables and
// runtime profiles from YAML files.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port         string
	LogLevel     string
	StoreBackend string // "memory" | "sqlite" | "postgres" (postgres covers budgets and metering; executions and the state log stay in SQLite)
	DatabaseURL  string
	SQLitePath   string
	RedisURL     string
	OTLPEndpoint string
	ProfilesDir  string
	Profile      string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		backend = "sqlite"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://skillrun@localhost:5432/skillrun?sslmode=disable"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "skillrun.db"
	}

	profilesDir := os.Getenv("PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	return &Config{
		Port:         port,
		LogLevel:     logLevel,
		StoreBackend: backend,
		DatabaseURL:  dbURL,
		SQLitePath:   sqlitePath,
		RedisURL:     os.Getenv("REDIS_URL"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		ProfilesDir:  profilesDir,
		Profile:      os.Getenv("RUNTIME_PROFILE"),
	}
}
