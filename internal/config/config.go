// Package config loads the patchline configuration: a YAML file with
// environment-variable overrides for every key, so containers can run
// without a config file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Port        int    `yaml:"port"`
	ModelAPIKey string `yaml:"model_api_key"`
	Model       string `yaml:"model"`

	DBMode    string `yaml:"db_mode"`     // memory, file, sqlite
	DBDataDir string `yaml:"db_data_dir"`

	RepoURL string `yaml:"repo_url"`
	WorkDir string `yaml:"work_dir"`

	// SnapshotPaths lists the files covered by pre-modification
	// snapshots, relative to the work dir.
	SnapshotPaths []string `yaml:"snapshot_paths"`

	ChromePath  string   `yaml:"chrome_path"`
	ChromePaths []string `yaml:"chrome_paths"` // fallback search list

	Breaker BreakerConfig `yaml:"breaker"`

	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// BreakerConfig holds the admission thresholds.
type BreakerConfig struct {
	MaxDailyTokens     int `yaml:"max_daily_tokens"`
	MaxTaskTokens      int `yaml:"max_task_tokens"`
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	MaxRetries         int `yaml:"max_retries"`
	TokenWindowMS      int `yaml:"token_window_ms"`
	HalfOpenIntervalMS int `yaml:"half_open_interval_ms"`
}

// TokenWindow returns the rolling window as a duration.
func (b BreakerConfig) TokenWindow() time.Duration {
	if b.TokenWindowMS <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(b.TokenWindowMS) * time.Millisecond
}

// HalfOpenInterval returns the probe cooldown as a duration.
func (b BreakerConfig) HalfOpenInterval() time.Duration {
	if b.HalfOpenIntervalMS <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(b.HalfOpenIntervalMS) * time.Millisecond
}

// Default returns the baseline configuration before file and env
// overrides.
func Default() *Config {
	return &Config{
		Port:    8080,
		Model:   "claude-sonnet-4-5",
		DBMode:  "memory",
		WorkDir: ".patchline/work",
		ChromePaths: []string{
			"/usr/bin/google-chrome",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		},
		Breaker: BreakerConfig{
			MaxDailyTokens:     1_000_000,
			MaxTaskTokens:      100_000,
			MaxConcurrentTasks: 5,
			MaxRetries:         3,
		},
		LogLevel: "info",
	}
}

// Load reads the config file (if path is non-empty and exists), then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envInt("PORT", &c.Port)
	envStr("MODEL_API_KEY", &c.ModelAPIKey)
	envStr("MODEL_NAME", &c.Model)
	envStr("DB_MODE", &c.DBMode)
	envStr("DB_DATA_DIR", &c.DBDataDir)
	envStr("REPO_URL", &c.RepoURL)
	envStr("WORK_DIR", &c.WorkDir)
	envStr("CHROME_PATH", &c.ChromePath)
	if v := os.Getenv("SNAPSHOT_PATHS"); v != "" {
		c.SnapshotPaths = strings.Split(v, ",")
	}
	envInt("MAX_DAILY_TOKENS", &c.Breaker.MaxDailyTokens)
	envInt("MAX_TASK_TOKENS", &c.Breaker.MaxTaskTokens)
	envInt("MAX_CONCURRENT_TASKS", &c.Breaker.MaxConcurrentTasks)
	envInt("MAX_RETRIES", &c.Breaker.MaxRetries)
	envInt("TOKEN_WINDOW_MS", &c.Breaker.TokenWindowMS)
	envInt("HALF_OPEN_INTERVAL_MS", &c.Breaker.HalfOpenIntervalMS)
	envStr("LOG_FILE", &c.LogFile)
	envStr("LOG_LEVEL", &c.LogLevel)
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.DBMode {
	case "memory", "file", "sqlite":
	default:
		return fmt.Errorf("db_mode must be memory, file or sqlite, got %q", c.DBMode)
	}
	if (c.DBMode == "file" || c.DBMode == "sqlite") && c.DBDataDir == "" {
		return fmt.Errorf("db_data_dir is required for db_mode %s", c.DBMode)
	}
	if c.Breaker.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive")
	}
	return nil
}

// ChromeCandidates returns the explicit chrome path (if set) followed by
// the search list.
func (c *Config) ChromeCandidates() []string {
	if c.ChromePath != "" {
		return append([]string{c.ChromePath}, c.ChromePaths...)
	}
	return c.ChromePaths
}
