// Package config handles configuration loading and management for autopilot.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/autopilot/internal/knowledge"
	"github.com/ShayCichocki/autopilot/internal/llm"
	"github.com/ShayCichocki/autopilot/internal/orchestrator/policy"
	"github.com/ShayCichocki/autopilot/internal/workers"
)

// ProjectConfigName is the project-level override file, searched upward
// from the working directory.
const ProjectConfigName = ".autopilot.yaml"

// Config holds all configuration for autopilot.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Server    ServerConfig    `mapstructure:"server"`
	// StateDir holds the journal, debug log and signal files.
	StateDir string `mapstructure:"state_dir"`
	// Specializations replaces the built-in specialization table when set.
	Specializations []workers.Specialization `mapstructure:"specializations"`
}

// BackendConfig selects the reasoning backend.
type BackendConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	UseBedrock  bool    `mapstructure:"use_bedrock"`
	AWSRegion   string  `mapstructure:"aws_region"`
	AWSProfile  string  `mapstructure:"aws_profile"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// EngineConfig holds the orchestration policy knobs.
type EngineConfig struct {
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	StuckSweepInterval  time.Duration `mapstructure:"stuck_sweep_interval"`
	StuckAfter          time.Duration `mapstructure:"stuck_after"`
	CancelGrace         time.Duration `mapstructure:"cancel_grace"`
	MaxConcurrent       int           `mapstructure:"max_concurrent"`
	MaxWorkers          int           `mapstructure:"max_workers"`
	SpecialistCapacity  int           `mapstructure:"specialist_capacity"`
	BackendTimeout      time.Duration `mapstructure:"backend_timeout"`
	MaxRecoveryAttempts int           `mapstructure:"max_recovery_attempts"`
	SkipBackoff         time.Duration `mapstructure:"skip_backoff"`
	Review              bool          `mapstructure:"review"`
	ReviewThreshold     float64       `mapstructure:"review_threshold"`
	EventBuffer         int           `mapstructure:"event_buffer"`
}

// KnowledgeConfig locates the lesson store.
type KnowledgeConfig struct {
	Path      string        `mapstructure:"path"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// JournalConfig locates the audit journal. An empty path means
// journal.db under the state directory.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig holds HTTP transport settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (AUTOPILOT_*, ANTHROPIC_API_KEY, GOOGLE_API_KEY)
// 2. Project config (.autopilot.yaml in current directory or parent)
// 3. User config (~/.config/autopilot/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)
	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
// Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	bindEnv(v)
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Backend.APIKey = expandEnv(cfg.Backend.APIKey)
	cfg.Knowledge.Path = expandEnv(cfg.Knowledge.Path)
	cfg.Journal.Path = expandEnv(cfg.Journal.Path)
	cfg.StateDir = expandEnv(cfg.StateDir)
	return cfg, nil
}

// bindEnv maps AUTOPILOT_BACKEND_MODEL style variables onto keys.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("AUTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range knownKeys {
		v.BindEnv(key)
	}
}

// knownKeys lists every scalar key so AutomaticEnv sees them during Unmarshal.
var knownKeys = []string{
	"state_dir",
	"backend.provider", "backend.model", "backend.api_key", "backend.use_bedrock",
	"backend.aws_region", "backend.aws_profile", "backend.max_tokens", "backend.temperature",
	"engine.tick_interval", "engine.stuck_sweep_interval", "engine.stuck_after",
	"engine.cancel_grace", "engine.max_concurrent", "engine.max_workers",
	"engine.specialist_capacity", "engine.backend_timeout", "engine.max_recovery_attempts",
	"engine.skip_backoff", "engine.review", "engine.review_threshold", "engine.event_buffer",
	"knowledge.path", "knowledge.cache_size", "knowledge.cache_ttl",
	"journal.path", "server.addr",
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveTo(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveTo writes the configuration to path.
func SaveTo(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	v.Set("state_dir", cfg.StateDir)
	v.Set("backend.provider", cfg.Backend.Provider)
	v.Set("backend.model", cfg.Backend.Model)
	v.Set("backend.api_key", cfg.Backend.APIKey)
	v.Set("backend.use_bedrock", cfg.Backend.UseBedrock)
	v.Set("backend.aws_region", cfg.Backend.AWSRegion)
	v.Set("backend.aws_profile", cfg.Backend.AWSProfile)
	v.Set("backend.max_tokens", cfg.Backend.MaxTokens)
	v.Set("backend.temperature", cfg.Backend.Temperature)
	v.Set("engine.tick_interval", cfg.Engine.TickInterval.String())
	v.Set("engine.stuck_sweep_interval", cfg.Engine.StuckSweepInterval.String())
	v.Set("engine.stuck_after", cfg.Engine.StuckAfter.String())
	v.Set("engine.cancel_grace", cfg.Engine.CancelGrace.String())
	v.Set("engine.max_concurrent", cfg.Engine.MaxConcurrent)
	v.Set("engine.max_workers", cfg.Engine.MaxWorkers)
	v.Set("engine.specialist_capacity", cfg.Engine.SpecialistCapacity)
	v.Set("engine.backend_timeout", cfg.Engine.BackendTimeout.String())
	v.Set("engine.max_recovery_attempts", cfg.Engine.MaxRecoveryAttempts)
	v.Set("engine.skip_backoff", cfg.Engine.SkipBackoff.String())
	v.Set("engine.review", cfg.Engine.Review)
	v.Set("engine.review_threshold", cfg.Engine.ReviewThreshold)
	v.Set("engine.event_buffer", cfg.Engine.EventBuffer)
	v.Set("knowledge.path", cfg.Knowledge.Path)
	v.Set("knowledge.cache_size", cfg.Knowledge.CacheSize)
	v.Set("knowledge.cache_ttl", cfg.Knowledge.CacheTTL.String())
	v.Set("journal.path", cfg.Journal.Path)
	v.Set("server.addr", cfg.Server.Addr)
	if len(cfg.Specializations) > 0 {
		v.Set("specializations", cfg.Specializations)
	}

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("state_dir", def.StateDir)

	v.SetDefault("backend.provider", def.Backend.Provider)
	v.SetDefault("backend.model", def.Backend.Model)
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.use_bedrock", false)
	v.SetDefault("backend.aws_region", "")
	v.SetDefault("backend.aws_profile", "")
	v.SetDefault("backend.max_tokens", def.Backend.MaxTokens)
	v.SetDefault("backend.temperature", def.Backend.Temperature)

	v.SetDefault("engine.tick_interval", def.Engine.TickInterval.String())
	v.SetDefault("engine.stuck_sweep_interval", def.Engine.StuckSweepInterval.String())
	v.SetDefault("engine.stuck_after", def.Engine.StuckAfter.String())
	v.SetDefault("engine.cancel_grace", def.Engine.CancelGrace.String())
	v.SetDefault("engine.max_concurrent", def.Engine.MaxConcurrent)
	v.SetDefault("engine.max_workers", def.Engine.MaxWorkers)
	v.SetDefault("engine.specialist_capacity", def.Engine.SpecialistCapacity)
	v.SetDefault("engine.backend_timeout", def.Engine.BackendTimeout.String())
	v.SetDefault("engine.max_recovery_attempts", def.Engine.MaxRecoveryAttempts)
	v.SetDefault("engine.skip_backoff", def.Engine.SkipBackoff.String())
	v.SetDefault("engine.review", def.Engine.Review)
	v.SetDefault("engine.review_threshold", def.Engine.ReviewThreshold)
	v.SetDefault("engine.event_buffer", def.Engine.EventBuffer)

	v.SetDefault("knowledge.path", def.Knowledge.Path)
	v.SetDefault("knowledge.cache_size", def.Knowledge.CacheSize)
	v.SetDefault("knowledge.cache_ttl", def.Knowledge.CacheTTL.String())

	v.SetDefault("journal.path", "")
	v.SetDefault("server.addr", def.Server.Addr)
}

// getUserConfigDir returns the XDG config directory for autopilot.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "autopilot")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "autopilot")
	}
	return filepath.Join(home, ".config", "autopilot")
}

// findProjectConfig searches for .autopilot.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	p := policy.Default()
	return &Config{
		StateDir: ".autopilot",
		Backend: BackendConfig{
			MaxTokens:   p.Backend.MaxTokens,
			Temperature: p.Backend.Temperature,
		},
		Engine: EngineConfig{
			TickInterval:        p.Loop.TickInterval,
			StuckSweepInterval:  p.Loop.StuckSweepInterval,
			StuckAfter:          p.Loop.StuckAfter,
			CancelGrace:         p.Loop.CancelGrace,
			MaxConcurrent:       p.Concurrency.MaxConcurrent,
			MaxWorkers:          p.Concurrency.MaxWorkers,
			SpecialistCapacity:  p.Concurrency.SpecialistCapacity,
			BackendTimeout:      p.Concurrency.BackendTimeout,
			MaxRecoveryAttempts: p.Recovery.MaxAttempts,
			SkipBackoff:         p.Recovery.SkipBackoff,
			Review:              p.Review.Enabled,
			ReviewThreshold:     p.Review.Threshold,
			EventBuffer:         p.Events.BufferSize,
		},
		Knowledge: KnowledgeConfig{
			Path:      knowledge.DefaultPath(),
			CacheSize: 128,
			CacheTTL:  5 * time.Minute,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8321",
		},
	}
}

// Policy converts the engine settings into an orchestrator policy.
// Out-of-range values are clamped by the policy's own validation.
func (c *Config) Policy() *policy.Config {
	p := policy.Default()
	p.Loop.TickInterval = c.Engine.TickInterval
	p.Loop.StuckSweepInterval = c.Engine.StuckSweepInterval
	p.Loop.StuckAfter = c.Engine.StuckAfter
	p.Loop.CancelGrace = c.Engine.CancelGrace
	p.Concurrency.MaxConcurrent = c.Engine.MaxConcurrent
	p.Concurrency.MaxWorkers = c.Engine.MaxWorkers
	p.Concurrency.SpecialistCapacity = c.Engine.SpecialistCapacity
	p.Concurrency.BackendTimeout = c.Engine.BackendTimeout
	p.Recovery.MaxAttempts = c.Engine.MaxRecoveryAttempts
	p.Recovery.SkipBackoff = c.Engine.SkipBackoff
	p.Review.Enabled = c.Engine.Review
	p.Review.Threshold = c.Engine.ReviewThreshold
	p.Backend.MaxTokens = c.Backend.MaxTokens
	p.Backend.Temperature = c.Backend.Temperature
	p.Events.BufferSize = c.Engine.EventBuffer
	p.Validate()
	return p
}

// FactoryConfig returns the backend factory settings, resolving the API
// key from the environment when the config leaves it empty.
func (c *Config) FactoryConfig() llm.FactoryConfig {
	key, _ := GetAPIKey(c)
	return llm.FactoryConfig{
		Provider:   c.Backend.Provider,
		Model:      c.Backend.Model,
		APIKey:     key,
		UseBedrock: c.Backend.UseBedrock,
		AWSRegion:  c.Backend.AWSRegion,
		AWSProfile: c.Backend.AWSProfile,
		MaxTokens:  c.Backend.MaxTokens,
	}
}

// Table returns the configured specialization table, or the built-in one.
func (c *Config) Table() (workers.Table, error) {
	if len(c.Specializations) == 0 {
		return workers.DefaultTable, nil
	}
	t := workers.Table(c.Specializations)
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("specializations: %w", err)
	}
	return t, nil
}

// JournalPath returns the journal location.
func (c *Config) JournalPath() string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return filepath.Join(c.StateDir, "journal.db")
}
