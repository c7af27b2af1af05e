// Package gemini adapts the Gemini API as the escalation OCR engine. Flagged
// pages are sent as inline page images under a fixed transcription system
// prompt; the model returns one JSON entry per page, in request order.
//
// "Loading models" for a remote engine means building the API client,
// validating the key, and warming a server-side context cache holding the
// system prompt so repeated batches do not resend it. The returned handle
// owns that cache and deletes it on release.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/fpang/doc-ocr-cli/internal/assets"
	"github.com/fpang/doc-ocr-cli/internal/auth"
	"github.com/fpang/doc-ocr-cli/internal/config"
	"github.com/fpang/doc-ocr-cli/internal/device"
	"github.com/fpang/doc-ocr-cli/internal/jsonutil"
	"github.com/fpang/doc-ocr-cli/internal/metrics"
	"github.com/fpang/doc-ocr-cli/internal/ocr"
)

// maxOutputTokens must cover the largest batch: a dense page transcribes to
// roughly 1000-1500 tokens, and the default API limit truncates multi-page
// responses mid-array.
const maxOutputTokens = 65536

// cacheTTL bounds the server-side context cache holding the system prompt.
// The model cache manager reloads handles well before this expires.
const cacheTTL = 2 * time.Hour

// Engine is the escalation OCR engine.
type Engine struct {
	model     string
	languages []string
}

// New returns an engine using the configured model and expected document
// languages (for the transcription prompt's language hint).
func New(cfg config.EscalationConfig, languages []string) *Engine {
	return &Engine{
		model:     resolveModel(cfg.Model),
		languages: languages,
	}
}

// Name identifies the engine in errors and result metadata.
func (e *Engine) Name() string { return "gemini" }

// Model reports the resolved escalation model name.
func (e *Engine) Model() string { return e.model }

// modelHandle is the loaded-engine state: an authenticated client plus an
// optional server-side context cache name.
type modelHandle struct {
	client *genai.Client
	model  string
	cache  string
	dev    device.Info
}

func (h *modelHandle) Device() device.Info { return h.dev }

// Release deletes the server-side context cache. The client itself holds no
// connection state that needs teardown.
func (h *modelHandle) Release() error {
	if h.cache == "" {
		return nil
	}
	// The run context is gone by the time eviction happens; bound the
	// delete call independently.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := h.client.Caches.Delete(ctx, h.cache, nil); err != nil {
		return fmt.Errorf("deleting context cache %s: %w", h.cache, err)
	}
	log.Debug().Str("cache", h.cache).Msg("Context cache deleted")
	return nil
}

// LoadModels builds the API client and warms the transcription context
// cache. The device is recorded on the handle for result metadata; a remote
// engine has no per-device weights to move.
func (e *Engine) LoadModels(ctx context.Context, dev device.Info) (ocr.ModelHandle, error) {
	apiKey, err := auth.GetAPIKey()
	if err != nil {
		return nil, &ocr.EngineError{
			Engine: e.Name(),
			Op:     "load models",
			Class:  ocr.FailurePermanent,
			Err:    err,
		}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &ocr.EngineError{
			Engine: e.Name(),
			Op:     "load models",
			Class:  classify(err),
			Err:    err,
		}
	}

	handle := &modelHandle{client: client, model: e.model, dev: dev}

	// Warm a server-side cache for the system prompt. Unavailable caching
	// (token minimums, unsupported model) falls back to inline instructions.
	created, err := client.Caches.Create(ctx, e.model, &genai.CreateCachedContentConfig{
		SystemInstruction: systemInstruction(),
		TTL:               cacheTTL,
		DisplayName:       "ocr-escalation",
	})
	if err != nil {
		// Caching is an optimization; token minimums and unsupported
		// models reject it routinely.
		log.Debug().Err(err).Msg("Context cache unavailable, using inline system instruction")
	} else {
		handle.cache = created.Name
		log.Debug().
			Str("cache", created.Name).
			Str("model", e.model).
			Msg("Context cache created")
	}

	return handle, nil
}

// pageResult is one entry of the model's JSON response array.
type pageResult struct {
	// Page is the 1-based position of the image in the request, echoed
	// back by the model as an ordering check.
	Page int    `json:"page"`
	Text string `json:"text"`
}

// RecognizeBatch transcribes the page images in order. The response array
// index is the only mapping back to the request; the echoed page numbers
// are verified against it and any mismatch fails the batch.
func (e *Engine) RecognizeBatch(ctx context.Context, handle ocr.ModelHandle, pages []ocr.PageImage) ([]string, error) {
	h, ok := handle.(*modelHandle)
	if !ok {
		return nil, &ocr.EngineError{
			Engine: e.Name(),
			Op:     "recognize batch",
			Class:  ocr.FailurePermanent,
			Err:    fmt.Errorf("handle was not loaded by this engine"),
		}
	}
	if len(pages) == 0 {
		return nil, nil
	}

	parts := make([]*genai.Part, 0, len(pages)+1)
	for _, page := range pages {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: page.MIMEType,
				Data:     page.Data,
			},
		})
	}
	parts = append(parts, &genai.Part{
		Text: assets.RenderPageTaskPrompt(len(pages), e.languages),
	})

	genCfg := &genai.GenerateContentConfig{
		MaxOutputTokens: maxOutputTokens,
	}
	if h.cache != "" {
		genCfg.CachedContent = h.cache
	} else {
		genCfg.SystemInstruction = systemInstruction()
	}

	log.Debug().
		Str("model", h.model).
		Int("pages", len(pages)).
		Bool("cached_context", h.cache != "").
		Msg("Starting Gemini API call for batch transcription")

	contents := []*genai.Content{{Role: "user", Parts: parts}}
	callStart := time.Now()
	resp, err := h.client.Models.GenerateContent(ctx, h.model, contents, genCfg)
	elapsed := time.Since(callStart)

	m := metrics.New(metrics.Namespace).
		Dimension("Operation", "recognizeBatch").
		Timing("GeminiApiLatencyMs", elapsed).
		Count("GeminiApiCalls")
	if err != nil {
		m.Count("GeminiApiErrors")
	}
	m.Flush()

	if err != nil {
		return nil, &ocr.EngineError{
			Engine: e.Name(),
			Device: string(h.dev.Kind),
			Op:     "recognize batch",
			Class:  classify(err),
			Err:    err,
		}
	}
	if resp == nil {
		return nil, &ocr.EngineError{
			Engine: e.Name(),
			Device: string(h.dev.Kind),
			Op:     "recognize batch",
			Class:  ocr.FailureTransient,
			Err:    fmt.Errorf("empty response from API"),
		}
	}

	texts, err := parseBatchResponse(resp.Text(), len(pages))
	if err != nil {
		return nil, &ocr.EngineError{
			Engine: e.Name(),
			Device: string(h.dev.Kind),
			Op:     "recognize batch",
			Class:  ocr.FailurePermanent,
			Err:    err,
		}
	}

	log.Debug().
		Int("pages", len(texts)).
		Dur("duration", elapsed).
		Msg("Batch transcription complete")
	return texts, nil
}

// parseBatchResponse turns the model's JSON array into per-page texts in
// request order. The entry count must match the request exactly, and any
// echoed page number must agree with the entry's position.
func parseBatchResponse(raw string, pageCount int) ([]string, error) {
	results, err := jsonutil.ParseJSONArray[pageResult](raw, pageCount)
	if err != nil {
		return nil, fmt.Errorf("parsing transcription response: %w", err)
	}

	texts := make([]string, len(results))
	for i, r := range results {
		if r.Page != 0 && r.Page != i+1 {
			return nil, fmt.Errorf("response entry %d claims page %d, order cannot be trusted", i, r.Page)
		}
		texts[i] = r.Text
	}
	return texts, nil
}

// systemInstruction wraps the transcription system prompt as content.
func systemInstruction() *genai.Content {
	return &genai.Content{
		Parts: []*genai.Part{{Text: assets.OCRSystemPrompt}},
	}
}

// classify maps an API error to a failure class: server-side pressure and
// timeouts are retryable resource failures, auth and validation errors are
// permanent.
func classify(err error) ocr.FailureClass {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429, 500, 502, 503, 504:
			return ocr.FailureResource
		case 400, 401, 403, 404:
			return ocr.FailurePermanent
		}
	}
	return ocr.Classify(err)
}
