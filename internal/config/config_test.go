package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "weights not summing to one",
			mutate: func(c *Config) { c.Quality.GarbledWeight = 0.5 },
			field:  "quality weights",
		},
		{
			name:   "negative weight",
			mutate: func(c *Config) { c.Quality.DictionaryWeight = -0.1 },
			field:  "quality.dictionary_weight",
		},
		{
			name:   "empty language list",
			mutate: func(c *Config) { c.Quality.Languages = nil },
			field:  "quality.languages",
		},
		{
			name:   "threshold above one",
			mutate: func(c *Config) { c.Quality.FlagThreshold = 1.5 },
			field:  "quality.flag_threshold",
		},
		{
			name:   "margin wider than threshold",
			mutate: func(c *Config) { c.Quality.GrayZoneMargin = 0.9 },
			field:  "quality.gray_zone_margin",
		},
		{
			name:   "unknown device",
			mutate: func(c *Config) { c.Device.Preferred = "tpu" },
			field:  "device.preferred",
		},
		{
			name:   "zero per-page memory",
			mutate: func(c *Config) { c.Batch.MemoryPerPageMB = 0 },
			field:  "batch.memory_per_page_mb",
		},
		{
			name:   "zero document timeout",
			mutate: func(c *Config) { c.Pipeline.DocumentTimeout = 0 },
			field:  "pipeline.document_timeout",
		},
		{
			name:   "zero model ttl",
			mutate: func(c *Config) { c.Pipeline.ModelTTL = 0 },
			field:  "pipeline.model_ttl",
		},
		{
			name: "skip and always escalate together",
			mutate: func(c *Config) {
				c.Pipeline.AlwaysEscalate = true
				c.Pipeline.SkipEscalation = true
			},
			field: "pipeline.skip_escalation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			verr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}
}

func TestLoadFileOverridesEnv(t *testing.T) {
	t.Setenv("DOCOCR_FLAG_THRESHOLD", "0.7")
	t.Setenv("DOCOCR_DEVICE", "cpu")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	yml := `
quality:
  flag_threshold: 0.9
pipeline:
  document_timeout: 90s
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Quality.FlagThreshold != 0.9 {
		t.Errorf("expected file threshold 0.9 to override env, got %g", cfg.Quality.FlagThreshold)
	}
	// Env value survives for fields the file does not set.
	if cfg.Device.Preferred != "cpu" {
		t.Errorf("expected env device cpu, got %q", cfg.Device.Preferred)
	}
	if cfg.Pipeline.DocumentTimeout.Std() != 90*time.Second {
		t.Errorf("expected 90s document timeout, got %v", cfg.Pipeline.DocumentTimeout.Std())
	}
	// Untouched fields keep defaults.
	if cfg.Batch.MemoryPerPageMB != 512 {
		t.Errorf("expected default memory_per_page_mb 512, got %d", cfg.Batch.MemoryPerPageMB)
	}
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("DOCOCR_LANGUAGES", "en, de")
	t.Setenv("DOCOCR_ALWAYS_ESCALATE", "true")
	t.Setenv("DOCOCR_MODEL_TTL", "10m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Quality.Languages) != 2 || cfg.Quality.Languages[0] != "en" || cfg.Quality.Languages[1] != "de" {
		t.Errorf("expected languages [en de], got %v", cfg.Quality.Languages)
	}
	if !cfg.Pipeline.AlwaysEscalate {
		t.Error("expected always_escalate true from env")
	}
	if cfg.Pipeline.ModelTTL.Std() != 10*time.Minute {
		t.Errorf("expected 10m model ttl, got %v", cfg.Pipeline.ModelTTL.Std())
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yml")
	if err := os.WriteFile(path, []byte("quality:\n  garbled_weight: 0.9\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for weights not summing to 1.0")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
