package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := DefaultConfig()
	if cfg.Frame != want.Frame || cfg.Shaders != want.Shaders || cfg.Logging != want.Logging {
		t.Errorf("cfg = %+v, want %+v", cfg, want)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "framecmd.yaml")
	text := `
backend:
  name: vulkan
  validate: true
shaders:
  dir: /tmp/shaders
  failure_delay: 2s
frame:
  width: 1280
  height: 720
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FRAMECMD_FRAME_BUFFERS", "3")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Name != "vulkan" || !cfg.Backend.Validate {
		t.Errorf("backend = %+v", cfg.Backend)
	}
	if cfg.Shaders.Dir != "/tmp/shaders" || cfg.Shaders.FailureDelay != 2*time.Second {
		t.Errorf("shaders = %+v", cfg.Shaders)
	}
	if cfg.Frame.Width != 1280 || cfg.Frame.Height != 720 || cfg.Frame.Buffers != 3 {
		t.Errorf("frame = %+v", cfg.Frame)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("SlogLevel = %v, want debug", cfg.SlogLevel())
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Fatal("Load of a missing explicit file succeeded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"zero width", func(c *Config) { c.Frame.Width = 0 }, "frame.width"},
		{"no buffers", func(c *Config) { c.Frame.Buffers = 0 }, "frame.buffers"},
		{"negative heap", func(c *Config) { c.Frame.HeapCapacity = -1 }, "heap_capacity"},
		{"negative delay", func(c *Config) { c.Shaders.FailureDelay = -time.Second }, "failure_delay"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want mention of %q", err, tt.want)
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}
