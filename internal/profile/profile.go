package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// Unified LLM configuration (OpenAI-compatible protocol).
	// The graph extractor speaks the OpenAI chat-completions wire format,
	// so any compatible provider works.
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string
	LLMTimeout int // LLM request timeout in seconds (default: 120)

	// Redis configuration for the durable task queue. Empty RedisAddr
	// selects the in-memory queue (dev / single-process mode).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Async task subsystem configuration.
	WorkerCount              int // 0 means producer-only mode
	RecoveryInterval         int // sweeper cadence in seconds
	ProgressFlushMinInterval int // DB throttle for progress updates, milliseconds
	DefaultHandlerTimeout    int // seconds
	DefaultMaxAttempts       int
	MaxGroupBacklog          int // 0 means unlimited

	Mode        string
	Addr        string
	Port        int
	Data        string
	Driver      string
	DSN         string
	InstanceURL string
	Version     string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled returns true if an LLM API key is configured.
func (p *Profile) IsLLMEnabled() bool {
	return p.LLMAPIKey != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMAPIKey = getEnvOrDefault("ENGRAM_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("ENGRAM_LLM_BASE_URL", "https://api.openai.com/v1")
	p.LLMModel = getEnvOrDefault("ENGRAM_LLM_MODEL", "gpt-4o-mini")
	p.LLMTimeout = getEnvOrDefaultInt("ENGRAM_LLM_TIMEOUT_SECONDS", 120)

	p.RedisAddr = getEnvOrDefault("ENGRAM_REDIS_ADDR", "")
	p.RedisPassword = getEnvOrDefault("ENGRAM_REDIS_PASSWORD", "")
	p.RedisDB = getEnvOrDefaultInt("ENGRAM_REDIS_DB", 0)

	p.WorkerCount = getEnvOrDefaultInt("ENGRAM_WORKER_COUNT", 20)
	p.RecoveryInterval = getEnvOrDefaultInt("ENGRAM_RECOVERY_INTERVAL_SECONDS", 60)
	p.ProgressFlushMinInterval = getEnvOrDefaultInt("ENGRAM_PROGRESS_FLUSH_MIN_INTERVAL_MS", 1000)
	p.DefaultHandlerTimeout = getEnvOrDefaultInt("ENGRAM_DEFAULT_HANDLER_TIMEOUT_SECONDS", 60)
	p.DefaultMaxAttempts = getEnvOrDefaultInt("ENGRAM_DEFAULT_MAX_ATTEMPTS", 3)
	p.MaxGroupBacklog = getEnvOrDefaultInt("ENGRAM_MAX_GROUP_BACKLOG", 0)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.WorkerCount < 0 {
		return errors.Errorf("worker count must be >= 0, got %d", p.WorkerCount)
	}
	if p.RecoveryInterval <= 0 {
		p.RecoveryInterval = 60
	}
	if p.ProgressFlushMinInterval <= 0 {
		p.ProgressFlushMinInterval = 1000
	}
	if p.DefaultHandlerTimeout <= 0 {
		p.DefaultHandlerTimeout = 60
	}
	if p.DefaultMaxAttempts <= 0 {
		p.DefaultMaxAttempts = 3
	}

	if p.Driver != "postgres" && p.Driver != "sqlite" {
		return errors.Errorf("unsupported database driver %q", p.Driver)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("postgres driver requires a DSN")
	}

	if p.Driver == "sqlite" {
		if p.Data == "" {
			p.Data = "."
		}
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			return err
		}
		p.Data = dataDir
		if p.DSN == "" {
			dbFile := fmt.Sprintf("engram_%s.db", p.Mode)
			p.DSN = filepath.Join(dataDir, dbFile) + "?_time_format=sqlite"
		}
	}

	return nil
}
