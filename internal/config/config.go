// Package config loads the framecmd command line configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the framecmd configuration. Values come from defaults, the
// config file, FRAMECMD_* environment variables and flags, in increasing
// precedence.
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Shaders ShaderConfig  `mapstructure:"shaders"`
	Frame   FrameConfig   `mapstructure:"frame"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type BackendConfig struct {
	// Name is a registered backend name. Empty selects the best one.
	Name     string `mapstructure:"name"`
	Validate bool   `mapstructure:"validate"`
	SPIRV    bool   `mapstructure:"spirv"`
}

type ShaderConfig struct {
	Dir          string        `mapstructure:"dir"`
	Watch        bool          `mapstructure:"watch"`
	FailureDelay time.Duration `mapstructure:"failure_delay"`
}

type FrameConfig struct {
	Width        uint32 `mapstructure:"width"`
	Height       uint32 `mapstructure:"height"`
	Buffers      int    `mapstructure:"buffers"`
	HeapCapacity int    `mapstructure:"heap_capacity"`
	SlotCapacity int    `mapstructure:"slot_capacity"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

var validLevels = []string{"debug", "info", "warn", "error"}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Shaders: ShaderConfig{
			Dir:          "shaders",
			FailureDelay: 500 * time.Millisecond,
		},
		Frame: FrameConfig{
			Width:   640,
			Height:  480,
			Buffers: 2,
		},
		Logging: LoggingConfig{Level: "warn"},
	}
}

// Load reads configuration into v and returns it. Flags bound to v take
// precedence over the file. A missing config file is not an error unless
// cfgFile names it explicitly.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "framecmd"))
		}
		v.SetConfigType("yaml")
		v.SetConfigName("framecmd")
	}

	v.SetEnvPrefix("FRAMECMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Shaders.Dir = expandPath(cfg.Shaders.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Frame.Width == 0 || c.Frame.Height == 0 {
		return errors.New("frame.width and frame.height must be positive")
	}
	if c.Frame.Buffers < 1 {
		return errors.New("frame.buffers must be at least 1")
	}
	if c.Frame.HeapCapacity < 0 || c.Frame.SlotCapacity < 0 {
		return errors.New("frame.heap_capacity and frame.slot_capacity must not be negative")
	}
	if c.Shaders.FailureDelay < 0 {
		return errors.New("shaders.failure_delay must not be negative")
	}
	if !slices.Contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelWarn
	}
	return l
}

func expandPath(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return os.ExpandEnv(path)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("backend.name", cfg.Backend.Name)
	v.SetDefault("backend.validate", cfg.Backend.Validate)
	v.SetDefault("backend.spirv", cfg.Backend.SPIRV)

	v.SetDefault("shaders.dir", cfg.Shaders.Dir)
	v.SetDefault("shaders.watch", cfg.Shaders.Watch)
	v.SetDefault("shaders.failure_delay", cfg.Shaders.FailureDelay)

	v.SetDefault("frame.width", cfg.Frame.Width)
	v.SetDefault("frame.height", cfg.Frame.Height)
	v.SetDefault("frame.buffers", cfg.Frame.Buffers)
	v.SetDefault("frame.heap_capacity", cfg.Frame.HeapCapacity)
	v.SetDefault("frame.slot_capacity", cfg.Frame.SlotCapacity)

	v.SetDefault("logging.level", cfg.Logging.Level)
}
