// Package config loads and validates the processing configuration from a
// YAML file and DOCOCR_* environment variables.
//
// Resolution order: built-in defaults, then environment variables, then the
// config file. File values override environment values so a checked-in
// config is authoritative over whatever happens to be exported in the shell.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "90s" or "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// QualityConfig tunes the quality analyzer signals and decision thresholds.
type QualityConfig struct {
	// Languages lists expected document languages as ISO 639-1 codes.
	// The special value "auto" enables per-page language detection.
	Languages []string `yaml:"languages"`

	// Signal weights for the composite score. Must sum to 1.0.
	GarbledWeight    float64 `yaml:"garbled_weight"`
	DictionaryWeight float64 `yaml:"dictionary_weight"`
	ConfidenceWeight float64 `yaml:"confidence_weight"`

	// FlagThreshold is the composite score below which a page is escalated.
	FlagThreshold float64 `yaml:"flag_threshold"`
	// GrayZoneMargin marks scores within this distance of the threshold
	// (either side) as low-confidence decisions.
	GrayZoneMargin float64 `yaml:"gray_zone_margin"`
	// DisagreementThreshold is the per-signal-pair score difference above
	// which the pair is recorded as disagreeing.
	DisagreementThreshold float64 `yaml:"disagreement_threshold"`

	// NeutralConfidence substitutes for the confidence signal when the
	// producing engine reports no per-word confidences.
	NeutralConfidence float64 `yaml:"neutral_confidence"`
	// DictionaryTarget is the known-token fraction treated as a perfect
	// dictionary score. The base wordlists carry only high-frequency forms,
	// so clean prose tops out well below 100% known tokens.
	DictionaryTarget float64 `yaml:"dictionary_target"`

	// CustomWords extends the embedded wordlists with domain vocabulary
	// (product names, legal terms, non-English loanwords).
	CustomWords []string `yaml:"custom_words"`
}

// DeviceConfig selects and constrains the compute backend for escalation.
type DeviceConfig struct {
	// Preferred is "auto", "cuda", "metal", or "cpu".
	Preferred string `yaml:"preferred"`
	// Strict turns a failed validation of the preferred accelerator into an
	// error instead of a silent CPU fallback.
	Strict bool `yaml:"strict"`
}

// BatchConfig sizes escalation batches against available memory.
type BatchConfig struct {
	// MemoryPerPageMB is the estimated accelerator/host memory cost of one
	// page in an escalation batch. Empirical and hardware-dependent, so it
	// is a tunable rather than a constant.
	MemoryPerPageMB int `yaml:"memory_per_page_mb"`
	// MaxBatchPages caps batch size regardless of how much memory is free.
	MaxBatchPages int `yaml:"max_batch_pages"`
}

// PipelineConfig tunes the two-phase orchestration.
type PipelineConfig struct {
	// Workers bounds concurrent fast-engine documents. 0 derives the count
	// from CPU cores and PerWorkerThreads.
	Workers int `yaml:"workers"`
	// PerWorkerThreads is the fast engine's internal thread count per
	// invocation, used when deriving Workers from the core count.
	PerWorkerThreads int `yaml:"per_worker_threads"`
	// DocumentTimeout bounds one document's fast-engine invocation.
	DocumentTimeout Duration `yaml:"document_timeout"`
	// BatchTimeout bounds one escalation batch invocation.
	BatchTimeout Duration `yaml:"batch_timeout"`
	// AlwaysEscalate sends every page to the escalation engine regardless
	// of its quality score.
	AlwaysEscalate bool `yaml:"always_escalate"`
	// SkipEscalation stops after Phase 1, keeping fast-pass text for every
	// page. Mutually exclusive with AlwaysEscalate.
	SkipEscalation bool `yaml:"skip_escalation"`
	// ModelTTL is how long a loaded escalation model stays cached while idle.
	ModelTTL Duration `yaml:"model_ttl"`
}

// EscalationConfig tunes the escalation engine adapter.
type EscalationConfig struct {
	// Model overrides the escalation model name. Empty uses the default.
	Model string `yaml:"model"`
	// RenderDPI is the resolution pages are rasterized at for the model.
	RenderDPI int `yaml:"render_dpi"`
	// MaxImageDimension downscales rendered pages whose longest edge
	// exceeds this many pixels before upload.
	MaxImageDimension int `yaml:"max_image_dimension"`
}

// Config is the full processing configuration.
type Config struct {
	Quality    QualityConfig    `yaml:"quality"`
	Device     DeviceConfig     `yaml:"device"`
	Batch      BatchConfig      `yaml:"batch"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Escalation EscalationConfig `yaml:"escalation"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Quality: QualityConfig{
			Languages:             []string{"en"},
			GarbledWeight:         0.4,
			DictionaryWeight:      0.3,
			ConfidenceWeight:      0.3,
			FlagThreshold:         0.85,
			GrayZoneMargin:        0.05,
			DisagreementThreshold: 0.3,
			NeutralConfidence:     0.8,
			DictionaryTarget:      0.7,
		},
		Device: DeviceConfig{
			Preferred: "auto",
		},
		Batch: BatchConfig{
			MemoryPerPageMB: 512,
			MaxBatchPages:   64,
		},
		Pipeline: PipelineConfig{
			PerWorkerThreads: 1,
			DocumentTimeout:  Duration(5 * time.Minute),
			BatchTimeout:     Duration(10 * time.Minute),
			ModelTTL:         Duration(30 * time.Minute),
		},
		Escalation: EscalationConfig{
			RenderDPI:         150,
			MaxImageDimension: 1568,
		},
	}
}

// Load builds the configuration from defaults, DOCOCR_* environment
// variables, and (when path is non-empty) a YAML config file, in that
// order. The result is validated; callers treat an error as fatal.
func Load(path string) (Config, error) {
	cfg := Default()
	applyEnv(&cfg)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays DOCOCR_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DOCOCR_LANGUAGES"); v != "" {
		var langs []string
		for _, l := range strings.Split(v, ",") {
			if l = strings.TrimSpace(l); l != "" {
				langs = append(langs, l)
			}
		}
		if len(langs) > 0 {
			cfg.Quality.Languages = langs
		}
	}
	if v, ok := envFloat("DOCOCR_FLAG_THRESHOLD"); ok {
		cfg.Quality.FlagThreshold = v
	}
	if v := os.Getenv("DOCOCR_DEVICE"); v != "" {
		cfg.Device.Preferred = v
	}
	if v := os.Getenv("DOCOCR_STRICT_DEVICE"); v != "" {
		cfg.Device.Strict = v == "true" || v == "1"
	}
	if v, ok := envInt("DOCOCR_WORKERS"); ok {
		cfg.Pipeline.Workers = v
	}
	if v, ok := envInt("DOCOCR_MEMORY_PER_PAGE_MB"); ok {
		cfg.Batch.MemoryPerPageMB = v
	}
	if v, ok := envDuration("DOCOCR_DOCUMENT_TIMEOUT"); ok {
		cfg.Pipeline.DocumentTimeout = Duration(v)
	}
	if v, ok := envDuration("DOCOCR_BATCH_TIMEOUT"); ok {
		cfg.Pipeline.BatchTimeout = Duration(v)
	}
	if v, ok := envDuration("DOCOCR_MODEL_TTL"); ok {
		cfg.Pipeline.ModelTTL = Duration(v)
	}
	if v := os.Getenv("DOCOCR_ALWAYS_ESCALATE"); v != "" {
		cfg.Pipeline.AlwaysEscalate = v == "true" || v == "1"
	}
	if v := os.Getenv("DOCOCR_SKIP_ESCALATION"); v != "" {
		cfg.Pipeline.SkipEscalation = v == "true" || v == "1"
	}
	if v := os.Getenv("DOCOCR_MODEL"); v != "" {
		cfg.Escalation.Model = v
	}
}

func envFloat(name string) (float64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envDuration(name string) (time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
