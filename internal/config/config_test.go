package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Pipeline.MatchThreshold != 1.0 {
		t.Errorf("Expected match threshold 1.0, got %v", cfg.Pipeline.MatchThreshold)
	}
	if cfg.Pipeline.InputSize != 112 {
		t.Errorf("Expected input size 112, got %d", cfg.Pipeline.InputSize)
	}
	if cfg.Server.Addr != ":8088" {
		t.Errorf("Expected server addr :8088, got %q", cfg.Server.Addr)
	}
	if cfg.Pipeline.DetectTimeout != 5*time.Second {
		t.Errorf("Expected detect timeout 5s, got %v", cfg.Pipeline.DetectTimeout)
	}
	if cfg.Facing() != types.FacingBack {
		t.Errorf("Expected back camera, got %v", cfg.Facing())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "facewatch.yaml")
	yaml := []byte(`
camera:
  rotation: 90
  facing: front
pipeline:
  detect_timeout: 750ms
mqtt:
  enabled: true
`)
	if err := os.WriteFile(path, yaml, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FACEWATCH_MQTT_TOPIC", "lab/faces")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Camera.Rotation != 90 || cfg.Facing() != types.FacingFront {
		t.Errorf("File values not applied: %+v", cfg.Camera)
	}
	if cfg.Pipeline.DetectTimeout != 750*time.Millisecond {
		t.Errorf("Expected 750ms timeout, got %v", cfg.Pipeline.DetectTimeout)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Topic != "lab/faces" {
		t.Errorf("Expected env to override topic, got %+v", cfg.MQTT)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(viper.New(), "")
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero width", func(c *Config) { c.Camera.Width = 0 }},
		{"bad facing", func(c *Config) { c.Camera.Facing = "sideways" }},
		{"zero input size", func(c *Config) { c.Pipeline.InputSize = 0 }},
		{"zero threshold", func(c *Config) { c.Pipeline.MatchThreshold = 0 }},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }},
		{"negative timeout", func(c *Config) { c.Pipeline.DetectTimeout = -time.Second }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "")

	cfg := &Config{DB: DBConfig{URL: "memory"}}
	if got := cfg.DatabaseURL(); got != "memory" {
		t.Errorf("Expected explicit URL, got %q", got)
	}

	cfg = &Config{DB: DBConfig{Host: "db", Port: 6543, User: "u", Password: "p", Name: "faces"}}
	if got := cfg.DatabaseURL(); got != "postgres://u:p@db:6543/faces" {
		t.Errorf("Unexpected URL %q", got)
	}

	cfg = &Config{DB: DBConfig{Port: 5432, Name: "facewatch"}}
	if got := cfg.DatabaseURL(); got != "postgres://localhost:5432/facewatch" {
		t.Errorf("Expected local default, got %q", got)
	}

	t.Setenv("POSTGRES_HOST", "pg")
	t.Setenv("POSTGRES_USER", "user")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "")
	t.Setenv("POSTGRES_PORT", "")
	if got := cfg.DatabaseURL(); got != "postgres://user:secret@pg:5432/facewatch" {
		t.Errorf("Expected URL from environment, got %q", got)
	}
}
