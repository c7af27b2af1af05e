package quality

import "fmt"

// scoreConfidence aggregates engine-reported per-word confidence into a page
// score. Engines that expose nothing (or empty pages) get the configured
// neutral default so the composite still reflects the other two signals
// instead of collapsing.
func (a *Analyzer) scoreConfidence(conf *Confidence) (float64, string) {
	if conf == nil || len(conf.WordConfidences) == 0 {
		return a.cfg.NeutralConfidence, "no engine confidence; neutral default"
	}

	sum := 0.0
	for _, c := range conf.WordConfidences {
		sum += clamp(c, 0, 1)
	}
	mean := sum / float64(len(conf.WordConfidences))
	return mean, fmt.Sprintf("mean of %d word confidences", len(conf.WordConfidences))
}
