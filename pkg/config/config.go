package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port             string
	LogLevel         string
	DatabaseURL      string
	RedisAddr        string
	MirrorBaseURL    string
	CoSignerURL      string
	NetworkMode      string
	TokenTTL         time.Duration
	AttestationEvery time.Duration
	ArchiveBucket    string
	ArchiveEndpoint  string
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

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to a local SQLite file so the kernel works offline.
		dbURL = "file:warden.db?_pragma=journal_mode(WAL)"
	}

	mode := os.Getenv("NETWORK_MODE")
	if mode == "" {
		// Allowlist mode with no configured hosts still denies every
		// destination, so the default stays fail-safe.
		mode = "enterpriseAllowlist"
	}

	tokenTTL := durationEnv("TOKEN_TTL_SECONDS", 120*time.Second)
	attestEvery := durationEnv("ATTESTATION_INTERVAL_SECONDS", 5*time.Minute)

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DatabaseURL:      dbURL,
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		MirrorBaseURL:    os.Getenv("MIRROR_BASE_URL"),
		CoSignerURL:      os.Getenv("COSIGNER_URL"),
		NetworkMode:      mode,
		TokenTTL:         tokenTTL,
		AttestationEvery: attestEvery,
		ArchiveBucket:    os.Getenv("ARCHIVE_BUCKET"),
		ArchiveEndpoint:  os.Getenv("ARCHIVE_ENDPOINT"),
	}
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
