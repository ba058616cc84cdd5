// Package config loads the application's configuration from a YAML file
// and environment variable overrides, grounded on the teacher's
// pkg/config package (same envdecode/godotenv/yaml.v3 stack).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the API Surface HTTP listener.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// FrontEndConfig controls the Front End poll listener, served separately
// from the API Surface since it carries untrusted agent traffic.
type FrontEndConfig struct {
	Host string `json:"host" env:"FRONTEND_HOST"`
	Port int    `json:"port" env:"FRONTEND_PORT"`
}

// DatabaseConfig controls persistence. Driver "memory" selects the
// in-memory Data Store; "postgres" selects the sqlx/lib-pq backend.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// BlobStoreConfig selects and configures the Blob Store backend.
type BlobStoreConfig struct {
	Backend   string `json:"backend" env:"BLOBSTORE_BACKEND"` // "disk", "memory" or "s3"
	DiskRoot  string `json:"disk_root" env:"BLOBSTORE_DISK_ROOT"`
	S3Bucket  string `json:"s3_bucket" env:"BLOBSTORE_S3_BUCKET"`
	S3Prefix  string `json:"s3_prefix" env:"BLOBSTORE_S3_PREFIX"`
	S3Region  string `json:"s3_region" env:"BLOBSTORE_S3_REGION"`
	S3Endpoint string `json:"s3_endpoint" env:"BLOBSTORE_S3_ENDPOINT"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
	Output string `json:"output" env:"LOG_OUTPUT"`
}

// AuthConfig controls API Surface authentication.
type AuthConfig struct {
	JWTSecret  string   `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
	AdminUsers []string `json:"admin_users"`
	APITokens  []string `json:"api_tokens"`
}

// CipherConfig controls the server's half of the Cipher Layer's pinned
// RSA keypair (spec.md §4.3). PrivateKeyPath/CommonName identify the server's own
// long-term identity; peer (agent) keys are pinned at enrollment time via
// the Enrollment handler, not configured here.
type CipherConfig struct {
	PrivateKeyPath string `json:"private_key_path" env:"CIPHER_PRIVATE_KEY_PATH"`
	CommonName     string `json:"common_name" env:"CIPHER_COMMON_NAME"`
	KeyBits        int    `json:"key_bits" env:"CIPHER_KEY_BITS"`
}

// HuntConfig controls the Hunt Dispatcher foreman.
type HuntConfig struct {
	ScanSchedule string `json:"scan_schedule" env:"HUNT_SCAN_SCHEDULE"`
}

// FlowEngineConfig controls the Flow Engine worker pool.
type FlowEngineConfig struct {
	WorkerPoolSize     int `json:"worker_pool_size" env:"FLOWENGINE_WORKER_POOL_SIZE"`
	ProcessingDeadline int `json:"processing_deadline_seconds" env:"FLOWENGINE_PROCESSING_DEADLINE_SECONDS"`
}

// RateLimitConfig holds token-bucket settings; neither the API Surface nor
// the Front End reads them.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" env:"RATELIMIT_REQUESTS_PER_SECOND"`
	Burst             int     `json:"burst" env:"RATELIMIT_BURST"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig     `json:"server"`
	FrontEnd    FrontEndConfig   `json:"frontend"`
	Database    DatabaseConfig   `json:"database"`
	BlobStore   BlobStoreConfig  `json:"blobstore"`
	Logging     LoggingConfig    `json:"logging"`
	Auth        AuthConfig       `json:"auth"`
	Cipher      CipherConfig     `json:"cipher"`
	Hunt        HuntConfig       `json:"hunt"`
	FlowEngine  FlowEngineConfig `json:"flowengine"`
	RateLimit   RateLimitConfig  `json:"ratelimit"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8081},
		FrontEnd: FrontEndConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		BlobStore: BlobStoreConfig{Backend: "disk", DiskRoot: "./data/blobs"},
		Logging:   LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Cipher:    CipherConfig{CommonName: "okapi-server", KeyBits: 3072, PrivateKeyPath: "./data/server.key"},
		Hunt:      HuntConfig{ScanSchedule: "@every 1m"},
		FlowEngine: FlowEngineConfig{
			WorkerPoolSize:     4,
			ProcessingDeadline: 600,
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 100, Burst: 200},
	}
}

// Load loads configuration from an optional YAML file (CONFIG_FILE, else
// ./configs/config.yaml) and environment variable overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
