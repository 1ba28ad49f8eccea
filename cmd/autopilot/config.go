package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/config"
)

var configGlobal bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify autopilot configuration.

Without arguments, displays the effective configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the value and saves it.

Values are saved to .autopilot.yaml in the current directory, or to
~/.config/autopilot/config.yaml with --global. Environment variables
such as AUTOPILOT_ENGINE_MAX_CONCURRENT override both.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch len(args) {
		case 0:
			displayAllConfig(cfg)
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			return setConfigKey(cfg, args[0], args[1])
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&configGlobal, "global", false, "Save to the user config instead of the project file")
}

// configField reads and writes one dot-notation key.
type configField struct {
	get func(*config.Config) string
	set func(*config.Config, string) error
}

func stringField(p func(*config.Config) *string) configField {
	return configField{
		get: func(c *config.Config) string { return *p(c) },
		set: func(c *config.Config, v string) error { *p(c) = v; return nil },
	}
}

func intField(key string, p func(*config.Config) *int) configField {
	return configField{
		get: func(c *config.Config) string { return strconv.Itoa(*p(c)) },
		set: func(c *config.Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			*p(c) = n
			return nil
		},
	}
}

func floatField(key string, p func(*config.Config) *float64) configField {
	return configField{
		get: func(c *config.Config) string { return strconv.FormatFloat(*p(c), 'g', -1, 64) },
		set: func(c *config.Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			*p(c) = f
			return nil
		},
	}
}

func boolField(key string, p func(*config.Config) *bool) configField {
	return configField{
		get: func(c *config.Config) string { return strconv.FormatBool(*p(c)) },
		set: func(c *config.Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid boolean for %s: %w", key, err)
			}
			*p(c) = b
			return nil
		},
	}
}

func durationField(key string, p func(*config.Config) *time.Duration) configField {
	return configField{
		get: func(c *config.Config) string { return p(c).String() },
		set: func(c *config.Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration for %s: %w", key, err)
			}
			*p(c) = d
			return nil
		},
	}
}

var configFields = map[string]configField{
	"state_dir":        stringField(func(c *config.Config) *string { return &c.StateDir }),
	"backend.provider": stringField(func(c *config.Config) *string { return &c.Backend.Provider }),
	"backend.model":    stringField(func(c *config.Config) *string { return &c.Backend.Model }),
	"backend.api_key": {
		get: func(c *config.Config) string { return config.MaskAPIKey(c.Backend.APIKey) },
		set: func(c *config.Config, v string) error {
			if !strings.HasPrefix(v, "${") {
				if err := config.ValidateAPIKey(c.Backend.Provider, v); err != nil {
					return err
				}
			}
			c.Backend.APIKey = v
			return nil
		},
	},
	"backend.use_bedrock":  boolField("backend.use_bedrock", func(c *config.Config) *bool { return &c.Backend.UseBedrock }),
	"backend.aws_region":   stringField(func(c *config.Config) *string { return &c.Backend.AWSRegion }),
	"backend.aws_profile":  stringField(func(c *config.Config) *string { return &c.Backend.AWSProfile }),
	"backend.max_tokens":   intField("backend.max_tokens", func(c *config.Config) *int { return &c.Backend.MaxTokens }),
	"backend.temperature":  floatField("backend.temperature", func(c *config.Config) *float64 { return &c.Backend.Temperature }),
	"engine.tick_interval": durationField("engine.tick_interval", func(c *config.Config) *time.Duration { return &c.Engine.TickInterval }),
	"engine.stuck_sweep_interval": durationField("engine.stuck_sweep_interval", func(c *config.Config) *time.Duration {
		return &c.Engine.StuckSweepInterval
	}),
	"engine.stuck_after":         durationField("engine.stuck_after", func(c *config.Config) *time.Duration { return &c.Engine.StuckAfter }),
	"engine.cancel_grace":        durationField("engine.cancel_grace", func(c *config.Config) *time.Duration { return &c.Engine.CancelGrace }),
	"engine.max_concurrent":      intField("engine.max_concurrent", func(c *config.Config) *int { return &c.Engine.MaxConcurrent }),
	"engine.max_workers":         intField("engine.max_workers", func(c *config.Config) *int { return &c.Engine.MaxWorkers }),
	"engine.specialist_capacity": intField("engine.specialist_capacity", func(c *config.Config) *int { return &c.Engine.SpecialistCapacity }),
	"engine.backend_timeout":     durationField("engine.backend_timeout", func(c *config.Config) *time.Duration { return &c.Engine.BackendTimeout }),
	"engine.max_recovery_attempts": intField("engine.max_recovery_attempts", func(c *config.Config) *int {
		return &c.Engine.MaxRecoveryAttempts
	}),
	"engine.skip_backoff":     durationField("engine.skip_backoff", func(c *config.Config) *time.Duration { return &c.Engine.SkipBackoff }),
	"engine.review":           boolField("engine.review", func(c *config.Config) *bool { return &c.Engine.Review }),
	"engine.review_threshold": floatField("engine.review_threshold", func(c *config.Config) *float64 { return &c.Engine.ReviewThreshold }),
	"engine.event_buffer":     intField("engine.event_buffer", func(c *config.Config) *int { return &c.Engine.EventBuffer }),
	"knowledge.path":          stringField(func(c *config.Config) *string { return &c.Knowledge.Path }),
	"knowledge.cache_size":    intField("knowledge.cache_size", func(c *config.Config) *int { return &c.Knowledge.CacheSize }),
	"knowledge.cache_ttl":     durationField("knowledge.cache_ttl", func(c *config.Config) *time.Duration { return &c.Knowledge.CacheTTL }),
	"journal.path":            stringField(func(c *config.Config) *string { return &c.Journal.Path }),
	"server.addr":             stringField(func(c *config.Config) *string { return &c.Server.Addr }),
}

func configKeys() []string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	for _, key := range configKeys() {
		fmt.Printf("%s: %s\n", key, configFields[key].get(cfg))
	}
	fmt.Printf("specializations: %d custom entries\n", len(cfg.Specializations))
	fmt.Printf("(api key source: %s)\n", config.GetAPIKeySource(cfg))
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	f, ok := configFields[strings.ToLower(key)]
	if !ok {
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
	return f.get(cfg), nil
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	f, ok := configFields[strings.ToLower(key)]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return f.set(cfg, value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) error {
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	path := config.ProjectConfigName
	save := func() error { return config.SaveTo(cfg, path) }
	if configGlobal {
		path = config.GetUserConfigPath()
		save = func() error { return config.Save(cfg) }
	}
	if err := save(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Set %s = %s (%s)\n", key, configFields[strings.ToLower(key)].get(cfg), path)
	return nil
}
