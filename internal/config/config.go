package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// State backends for the checkpoint store and worker lock.
const (
	StateBackendFile  = "file"
	StateBackendRedis = "redis"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	LIMSBaseURL     string        `mapstructure:"LIMS_BASE_URL"`
	LIMSToken       string        `mapstructure:"LIMS_TOKEN"`
	LIMSJWTSecret   string        `mapstructure:"LIMS_JWT_SECRET"`
	LIMSJWTAudience string        `mapstructure:"LIMS_JWT_AUDIENCE"`
	LIMSTimeout     time.Duration `mapstructure:"LIMS_TIMEOUT"`
	LIMSMaxRetries  int           `mapstructure:"LIMS_MAX_RETRIES"`
	LIMSAckOutcomes bool          `mapstructure:"LIMS_ACK_OUTCOMES"`

	WorkerName    string        `mapstructure:"SYNC_WORKER_NAME"`
	PushBatchSize int           `mapstructure:"SYNC_PUSH_BATCH_SIZE"`
	PullLimit     int           `mapstructure:"SYNC_PULL_LIMIT"`
	SyncInterval  time.Duration `mapstructure:"SYNC_INTERVAL"`
	StateBackend  string        `mapstructure:"SYNC_STATE_BACKEND"`
	StateDir      string        `mapstructure:"SYNC_STATE_DIR"`
	LockTTL       time.Duration `mapstructure:"SYNC_LOCK_TTL"`

	ActorID         string `mapstructure:"SYNC_ACTOR_ID"`
	ActorUsername   string `mapstructure:"SYNC_ACTOR_USERNAME"`
	ActorLocationID string `mapstructure:"SYNC_ACTOR_LOCATION_ID"`

	PatientIdentifierTypes []string `mapstructure:"PATIENT_IDENTIFIER_TYPES"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("LIMS_TIMEOUT", "15s")
	v.SetDefault("LIMS_MAX_RETRIES", 3)
	v.SetDefault("SYNC_WORKER_NAME", "lims-order-sync")
	v.SetDefault("SYNC_PUSH_BATCH_SIZE", 50)
	v.SetDefault("SYNC_PULL_LIMIT", 100)
	v.SetDefault("SYNC_INTERVAL", "1m")
	v.SetDefault("SYNC_STATE_BACKEND", StateBackendFile)
	v.SetDefault("SYNC_STATE_DIR", "./var/labsync")
	v.SetDefault("SYNC_LOCK_TTL", "30m")
	v.SetDefault("SYNC_ACTOR_USERNAME", "lims_sync")
	v.SetDefault("PATIENT_IDENTIFIER_TYPES", "national_id,nhid")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "REDIS_URL",
		"LIMS_BASE_URL", "LIMS_TOKEN", "LIMS_JWT_SECRET", "LIMS_JWT_AUDIENCE", "LIMS_TIMEOUT",
		"LIMS_MAX_RETRIES", "LIMS_ACK_OUTCOMES",
		"SYNC_WORKER_NAME", "SYNC_PUSH_BATCH_SIZE", "SYNC_PULL_LIMIT", "SYNC_INTERVAL",
		"SYNC_STATE_BACKEND", "SYNC_STATE_DIR", "SYNC_LOCK_TTL",
		"SYNC_ACTOR_ID", "SYNC_ACTOR_USERNAME", "SYNC_ACTOR_LOCATION_ID",
		"PATIENT_IDENTIFIER_TYPES",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.PatientIdentifierTypes = splitList(strings.Join(cfg.PatientIdentifierTypes, ","))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.LIMSBaseURL == "" {
		return nil, fmt.Errorf("LIMS_BASE_URL is required")
	}

	if cfg.IsDev() && cfg.LIMSToken == "" && cfg.LIMSJWTSecret == "" {
		log.Println("WARNING: no LIMS_TOKEN or LIMS_JWT_SECRET configured; LIMS requests are unauthenticated.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	switch c.StateBackend {
	case StateBackendFile:
		if c.StateDir == "" {
			return fmt.Errorf("SYNC_STATE_DIR is required when SYNC_STATE_BACKEND is %q", StateBackendFile)
		}
	case StateBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SYNC_STATE_BACKEND is %q", StateBackendRedis)
		}
	default:
		return fmt.Errorf("SYNC_STATE_BACKEND must be %q or %q, got %q", StateBackendFile, StateBackendRedis, c.StateBackend)
	}
	if c.PushBatchSize <= 0 {
		return fmt.Errorf("SYNC_PUSH_BATCH_SIZE must be positive, got %d", c.PushBatchSize)
	}
	if c.PullLimit <= 0 {
		return fmt.Errorf("SYNC_PULL_LIMIT must be positive, got %d", c.PullLimit)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive, got %s", c.SyncInterval)
	}
	if c.WorkerName == "" {
		return fmt.Errorf("SYNC_WORKER_NAME is required")
	}
	if c.ActorID != "" {
		if _, err := uuid.Parse(c.ActorID); err != nil {
			return fmt.Errorf("SYNC_ACTOR_ID is not a valid UUID: %w", err)
		}
	}
	if c.ActorLocationID != "" {
		if _, err := uuid.Parse(c.ActorLocationID); err != nil {
			return fmt.Errorf("SYNC_ACTOR_LOCATION_ID is not a valid UUID: %w", err)
		}
	}
	if len(c.PatientIdentifierTypes) == 0 {
		return fmt.Errorf("PATIENT_IDENTIFIER_TYPES must name at least one identifier type")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
