package config

import (
	"fmt"
	"math"
)

// ValidationError describes a rejected configuration value. Configuration
// problems are fatal at startup, before any document is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// weightSumTolerance absorbs float literal rounding in hand-written configs
// (e.g. 0.4 + 0.3 + 0.3).
const weightSumTolerance = 1e-9

var knownDevices = map[string]bool{
	"auto":  true,
	"cuda":  true,
	"metal": true,
	"cpu":   true,
}

// Validate checks every tunable for internal consistency. The first
// violation is returned as a *ValidationError.
func (c *Config) Validate() error {
	q := c.Quality
	if len(q.Languages) == 0 {
		return &ValidationError{Field: "quality.languages", Message: "at least one language is required"}
	}
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"quality.garbled_weight", q.GarbledWeight},
		{"quality.dictionary_weight", q.DictionaryWeight},
		{"quality.confidence_weight", q.ConfidenceWeight},
	} {
		if w.value < 0 || w.value > 1 {
			return &ValidationError{Field: w.name, Message: fmt.Sprintf("must be in [0,1], got %g", w.value)}
		}
	}
	sum := q.GarbledWeight + q.DictionaryWeight + q.ConfidenceWeight
	if math.Abs(sum-1.0) > weightSumTolerance {
		return &ValidationError{
			Field:   "quality weights",
			Message: fmt.Sprintf("must sum to 1.0, got %g", sum),
		}
	}
	if q.FlagThreshold <= 0 || q.FlagThreshold > 1 {
		return &ValidationError{Field: "quality.flag_threshold", Message: fmt.Sprintf("must be in (0,1], got %g", q.FlagThreshold)}
	}
	if q.GrayZoneMargin < 0 || q.GrayZoneMargin >= q.FlagThreshold {
		return &ValidationError{Field: "quality.gray_zone_margin", Message: fmt.Sprintf("must be in [0, flag_threshold), got %g", q.GrayZoneMargin)}
	}
	if q.DisagreementThreshold <= 0 || q.DisagreementThreshold > 1 {
		return &ValidationError{Field: "quality.disagreement_threshold", Message: fmt.Sprintf("must be in (0,1], got %g", q.DisagreementThreshold)}
	}
	if q.NeutralConfidence < 0 || q.NeutralConfidence > 1 {
		return &ValidationError{Field: "quality.neutral_confidence", Message: fmt.Sprintf("must be in [0,1], got %g", q.NeutralConfidence)}
	}
	if q.DictionaryTarget <= 0 || q.DictionaryTarget > 1 {
		return &ValidationError{Field: "quality.dictionary_target", Message: fmt.Sprintf("must be in (0,1], got %g", q.DictionaryTarget)}
	}

	if !knownDevices[c.Device.Preferred] {
		return &ValidationError{Field: "device.preferred", Message: fmt.Sprintf("unknown device %q (auto, cuda, metal, cpu)", c.Device.Preferred)}
	}

	if c.Batch.MemoryPerPageMB <= 0 {
		return &ValidationError{Field: "batch.memory_per_page_mb", Message: fmt.Sprintf("must be positive, got %d", c.Batch.MemoryPerPageMB)}
	}
	if c.Batch.MaxBatchPages < 1 {
		return &ValidationError{Field: "batch.max_batch_pages", Message: fmt.Sprintf("must be at least 1, got %d", c.Batch.MaxBatchPages)}
	}

	p := c.Pipeline
	if p.Workers < 0 {
		return &ValidationError{Field: "pipeline.workers", Message: fmt.Sprintf("must be >= 0, got %d", p.Workers)}
	}
	if p.PerWorkerThreads < 1 {
		return &ValidationError{Field: "pipeline.per_worker_threads", Message: fmt.Sprintf("must be at least 1, got %d", p.PerWorkerThreads)}
	}
	if p.DocumentTimeout <= 0 {
		return &ValidationError{Field: "pipeline.document_timeout", Message: "must be positive"}
	}
	if p.BatchTimeout <= 0 {
		return &ValidationError{Field: "pipeline.batch_timeout", Message: "must be positive"}
	}
	if p.ModelTTL <= 0 {
		return &ValidationError{Field: "pipeline.model_ttl", Message: "must be positive"}
	}
	if p.AlwaysEscalate && p.SkipEscalation {
		return &ValidationError{Field: "pipeline.skip_escalation", Message: "cannot be combined with always_escalate"}
	}

	if c.Escalation.RenderDPI < 72 || c.Escalation.RenderDPI > 600 {
		return &ValidationError{Field: "escalation.render_dpi", Message: fmt.Sprintf("must be in [72,600], got %d", c.Escalation.RenderDPI)}
	}
	if c.Escalation.MaxImageDimension < 256 {
		return &ValidationError{Field: "escalation.max_image_dimension", Message: fmt.Sprintf("must be at least 256, got %d", c.Escalation.MaxImageDimension)}
	}

	return nil
}
