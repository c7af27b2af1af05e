package gemini

import "os"

// Gemini Model IDs
//
// | Model Name               | API Model ID           | Use Case                      |
// |--------------------------|------------------------|-------------------------------|
// | Gemini 3.1 Pro (Preview) | gemini-3.1-pro-preview | Hardest layouts, handwriting  |
// | Gemini 3 Flash (Preview) | gemini-3-flash-preview | Best for speed + accuracy     |
// | Gemini 2.5 Pro           | gemini-2.5-pro         | Stable, high-reasoning tasks  |
// | Gemini 2.5 Flash         | gemini-2.5-flash       | Stable, balanced performance  |
// | Gemini 2.5 Flash-Lite    | gemini-2.5-flash-lite  | High-throughput, lowest cost  |
const (
	// ModelGemini31ProPreview handles the hardest layouts and handwriting (1M context).
	ModelGemini31ProPreview = "gemini-3.1-pro-preview"

	// ModelGemini3FlashPreview is best for speed + transcription accuracy.
	ModelGemini3FlashPreview = "gemini-3-flash-preview"

	// ModelGemini25Pro is stable, for high-reasoning tasks.
	ModelGemini25Pro = "gemini-2.5-pro"

	// ModelGemini25Flash is stable, balanced performance.
	ModelGemini25Flash = "gemini-2.5-flash"

	// ModelGemini25FlashLite is for high-throughput, lowest cost.
	ModelGemini25FlashLite = "gemini-2.5-flash-lite"
)

// DefaultModel is the default escalation model.
// Can be overridden via configuration or the GEMINI_MODEL environment variable.
const DefaultModel = ModelGemini3FlashPreview

// resolveModel returns the escalation model to use, resolved from:
// 1. The configured model name (if set)
// 2. GEMINI_MODEL environment variable (if set)
// 3. Default: gemini-3-flash-preview
func resolveModel(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("GEMINI_MODEL"); env != "" {
		return env
	}
	return DefaultModel
}
