package quality

import (
	"testing"

	"github.com/fpang/doc-ocr-cli/internal/config"
)

func hasStruggle(r Result, want string) bool {
	for _, s := range r.Struggles {
		if s == want {
			return true
		}
	}
	return false
}

func TestStruggleLowSignal(t *testing.T) {
	a := testAnalyzer(t, nil)
	r := a.Analyze("Page 3", nil)
	if !hasStruggle(r, StruggleLowSignal) {
		t.Errorf("expected %q for near-empty page, got %v", StruggleLowSignal, r.Struggles)
	}

	r = a.Analyze(cleanEnglish, nil)
	if hasStruggle(r, StruggleLowSignal) {
		t.Errorf("did not expect %q for full page", StruggleLowSignal)
	}
}

func TestStruggleScanQuality(t *testing.T) {
	a := testAnalyzer(t, nil)

	t.Run("garbled text with blurred scan", func(t *testing.T) {
		r := a.AnalyzeWithImage(garbledText, nil, &ImageSignals{BlurScore: 0.8, Contrast: 0.7})
		if !hasStruggle(r, StruggleScanQuality) {
			t.Errorf("expected %q, got %v (garbled=%g)", StruggleScanQuality, r.Struggles, r.Signals[SignalGarbled])
		}
	})

	t.Run("garbled text with low engine confidence", func(t *testing.T) {
		conf := &Confidence{WordConfidences: []float64{0.2, 0.3, 0.1, 0.25}}
		r := a.Analyze(garbledText, conf)
		if !hasStruggle(r, StruggleScanQuality) {
			t.Errorf("expected %q, got %v (garbled=%g)", StruggleScanQuality, r.Struggles, r.Signals[SignalGarbled])
		}
	})

	t.Run("clean text with blurred scan stays quiet", func(t *testing.T) {
		r := a.AnalyzeWithImage(cleanEnglish, nil, &ImageSignals{BlurScore: 0.8})
		if hasStruggle(r, StruggleScanQuality) {
			t.Errorf("did not expect %q for clean text", StruggleScanQuality)
		}
	})
}

func TestStruggleVocabularyMiss(t *testing.T) {
	a := testAnalyzer(t, nil)

	// Clean word shapes, confident engine, vocabulary the wordlist cannot
	// know. Kept under ten tokens so language detection stays out of it.
	conf := &Confidence{WordConfidences: []float64{0.95, 0.9, 0.92, 0.94, 0.91, 0.9}}
	r := a.Analyze("anodized flanges require calibrated dynamometer torque", conf)
	if !hasStruggle(r, StruggleVocabulary) {
		t.Errorf("expected %q, got %v (signals %v)", StruggleVocabulary, r.Struggles, r.Signals)
	}
}

func TestStruggleMultilingual(t *testing.T) {
	a := testAnalyzer(t, func(c *config.QualityConfig) {
		c.Languages = []string{"en"}
	})

	french := "Conformément aux dispositions contractuelles applicables, les paiements " +
		"correspondants seront effectués ultérieurement après vérification approfondie " +
		"des documents justificatifs transmis précédemment par les services compétents."

	r := a.Analyze(french, nil)
	if r.DetectedLanguage != "fr" {
		t.Skipf("language detector did not classify sample as French (got %q)", r.DetectedLanguage)
	}
	if !hasStruggle(r, StruggleMultilingual) {
		t.Errorf("expected %q, got %v (dictionary=%g garbled=%g)",
			StruggleMultilingual, r.Struggles, r.Signals[SignalDictionary], r.Signals[SignalGarbled])
	}
}

func TestStruggleSkew(t *testing.T) {
	a := testAnalyzer(t, nil)

	r := a.AnalyzeWithImage(cleanEnglish, nil, &ImageSignals{SkewDegrees: 4.5})
	if !hasStruggle(r, StruggleSkew) {
		t.Errorf("expected %q for skewed scan, got %v", StruggleSkew, r.Struggles)
	}

	r = a.AnalyzeWithImage(cleanEnglish, nil, &ImageSignals{SkewDegrees: -3.1})
	if !hasStruggle(r, StruggleSkew) {
		t.Errorf("expected %q for negative skew, got %v", StruggleSkew, r.Struggles)
	}

	r = a.AnalyzeWithImage(cleanEnglish, nil, &ImageSignals{SkewDegrees: 0.5})
	if hasStruggle(r, StruggleSkew) {
		t.Errorf("did not expect %q for straight scan", StruggleSkew)
	}
}
