// Package assets provides embedded static assets for the application.
//
// Prompt templates are stored as text files under prompts/ and embedded at
// compile time, so prompt wording can be reviewed and edited without touching
// Go code.

package assets

import (
	"bytes"
	_ "embed"
	"strings"
	"text/template"
)

// OCRSystemPrompt provides the transcription rules for the escalation model:
// exact transcription, reading order, and the strict JSON output contract.
//
//go:embed prompts/ocr-system.txt
var OCRSystemPrompt string

//go:embed prompts/ocr-page.txt
var ocrPageTemplate string

// Pre-parsed templates for efficiency. template.Must panics on malformed templates,
// catching errors at program startup rather than at call time.
var ocrPageTmpl = template.Must(template.New("ocr-page").Parse(ocrPageTemplate))

// PageTaskData holds the dynamic data injected into the page transcription prompt.
type PageTaskData struct {
	// PageCount is the number of page images attached to the request.
	PageCount int
	// Languages is a comma-separated list of expected document languages.
	// Empty string omits the language hint entirely.
	Languages string
}

// RenderPageTaskPrompt renders the per-request transcription prompt for the
// given number of attached page images and expected languages.
func RenderPageTaskPrompt(pageCount int, languages []string) string {
	var buf bytes.Buffer
	data := PageTaskData{
		PageCount: pageCount,
		Languages: strings.Join(languages, ", "),
	}
	// Template execution errors are not expected with our simple templates,
	// but we handle them gracefully by returning whatever was rendered.
	_ = ocrPageTmpl.Execute(&buf, data)
	return buf.String()
}
