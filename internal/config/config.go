package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting of the API server
type Config struct {
	Port     string
	Env      string
	LogLevel string
	LogFile  string

	Database DatabaseConfig
	WhatsApp WhatsAppConfig
	Session  SessionConfig
	Sync     SyncConfig

	CORSOrigins []string
	SentryDSN   string
}

// DatabaseConfig selects the gorm dialect and its connection settings
type DatabaseConfig struct {
	Type     string // mysql, postgres or sqlite
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	URL      string // full DSN, overrides the discrete fields
}

// WhatsAppConfig controls where whatsmeow keeps its device stores
type WhatsAppConfig struct {
	StoreDriver   string // sqlite (per tenant file) or postgres (shared)
	StoreDSN      string
	SessionDir    string
	DefaultTenant string
}

// SessionConfig selects the backend that persists session blobs between restarts
type SessionConfig struct {
	Backend       string // file, database, mongo, s3, redis or none
	EncryptionKey string

	MongoURI      string
	MongoDatabase string

	S3Bucket   string
	S3Prefix   string
	S3Endpoint string
	AWSRegion  string
	AWSKeyID   string
	AWSSecret  string

	RedisURL string
}

// SyncConfig tunes the contact/message pipeline
type SyncConfig struct {
	BatchSize         int
	MessageLimit      int
	SyncMessages      bool
	AvatarRPS         float64
	ReconcileSchedule string
	ShutdownTimeout   time.Duration
}

// envFiles are loaded in order; values already present in the environment win
var envFiles = []string{".env", "env.production", "env.local"}

// Load reads the env files (if any) and builds the Config
func Load() *Config {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
	return FromEnv()
}

// FromEnv builds the Config from the current process environment only
func FromEnv() *Config {
	env := getEnv("APP_ENV", getEnv("NODE_ENV", "development"))

	return &Config{
		Port:     getEnv("PORT", "3000"),
		Env:      env,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
		Database: DatabaseConfig{
			Type:     getEnv("DB_TYPE", "sqlite"),
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnv("DB_PORT", ""),
			User:     getEnv("DB_USER", ""),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "wa_sync"),
			URL:      getEnv("DATABASE_URL", ""),
		},
		WhatsApp: WhatsAppConfig{
			StoreDriver:   getEnv("WA_STORE_DRIVER", "sqlite"),
			StoreDSN:      getEnv("WA_STORE_DSN", ""),
			SessionDir:    getEnv("WA_SESSION_DIR", "sessions"),
			DefaultTenant: getEnv("DEFAULT_TENANT", "default"),
		},
		Session: SessionConfig{
			Backend:       getEnv("SESSION_STORE", "file"),
			EncryptionKey: getEnv("SESSION_ENCRYPTION_KEY", ""),
			MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
			MongoDatabase: getEnv("MONGO_DATABASE", "whatsapp"),
			S3Bucket:      getEnv("S3_BUCKET", ""),
			S3Prefix:      getEnv("S3_PREFIX", "whatsapp-sessions/"),
			S3Endpoint:    getEnv("S3_ENDPOINT", ""),
			AWSRegion:     getEnv("AWS_REGION", "us-east-1"),
			AWSKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
			AWSSecret:     getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Sync: SyncConfig{
			BatchSize:         getEnvInt("SYNC_BATCH_SIZE", 50),
			MessageLimit:      getEnvInt("SYNC_MESSAGE_LIMIT", 100),
			SyncMessages:      getEnvBool("SYNC_MESSAGES", true),
			AvatarRPS:         getEnvFloat("AVATAR_RPS", 5),
			ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "@every 15m"),
			ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:3001")),
		SentryDSN:   getEnv("SENTRY_DSN", ""),
	}
}

// IsProduction reports whether the server runs with production defaults
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnv gets environment variable with fallback
func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
