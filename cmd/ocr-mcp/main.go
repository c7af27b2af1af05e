// Package main implements a stdio MCP server exposing the OCR toolchain
// to agent clients.
//
// Two tools are registered:
//
//   - analyze_text: scores a block of OCR text and returns the quality
//     verdict (composite score, per-signal scores, flags, detected
//     language) without running any engine
//   - process_document: runs the full two-phase pipeline on one local
//     document and returns the run summary; artifacts are written under
//     the output directory
//
// The protocol runs over stdin/stdout, so every log line goes to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/doc-ocr-cli/internal/artifacts"
	"github.com/fpang/doc-ocr-cli/internal/config"
	"github.com/fpang/doc-ocr-cli/internal/device"
	"github.com/fpang/doc-ocr-cli/internal/document"
	"github.com/fpang/doc-ocr-cli/internal/logging"
	"github.com/fpang/doc-ocr-cli/internal/modelcache"
	"github.com/fpang/doc-ocr-cli/internal/ocr/gemini"
	"github.com/fpang/doc-ocr-cli/internal/ocr/poppler"
	"github.com/fpang/doc-ocr-cli/internal/ocr/tesseract"
	"github.com/fpang/doc-ocr-cli/internal/pipeline"
	"github.com/fpang/doc-ocr-cli/internal/progress"
	"github.com/fpang/doc-ocr-cli/internal/quality"
)

const serverVersion = "1.0.0"

var (
	configFlag string
	outFlag    string

	cfg      config.Config
	analyzer *quality.Analyzer

	pipeOnce sync.Once
	pipe     *pipeline.Pipeline
	pipeErr  error
)

var rootCmd = &cobra.Command{
	Use:   "ocr-mcp",
	Short: "MCP tool server for document OCR",
	Long: `Serve the OCR toolchain over the Model Context Protocol on stdio.

Two tools are exposed:
  analyze_text      score a block of OCR text without running any engine
  process_document  run the full two-phase pipeline on one local file

Register the binary in your MCP client configuration. Logs go to stderr
so stdout stays clean for the protocol.

Examples:
  ocr-mcp
  ocr-mcp --config ocr.yaml --out /tmp/ocr-artifacts`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "", "Path to a YAML config file")
	rootCmd.Flags().StringVarP(&outFlag, "out", "o", "ocr-output", "Directory for process_document artifacts")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	// .env values feed DOCOCR_* and GEMINI_* before logging and config
	// read them. A missing file is routine.
	_ = godotenv.Load()
	logging.Init()

	var err error
	cfg, err = config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	analyzer, err = quality.New(cfg.Quality)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build quality analyzer")
	}

	server := mcp.NewServer(&mcp.Implementation{Name: "doc-ocr", Version: serverVersion}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name: "analyze_text",
		Description: "Score OCR output text and report composite quality, per-signal scores, " +
			"detected language, and whether the page would be flagged for escalation.",
	}, analyzeText)
	mcp.AddTool(server, &mcp.Tool{
		Name: "process_document",
		Description: "Run two-phase OCR on a local document (PDF or image) and return the run " +
			"summary. Artifacts are written to the server's output directory.",
	}, processDocument)

	log.Info().Str("out", outFlag).Msg("MCP server listening on stdio")
	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		log.Fatal().Err(err).Msg("MCP server terminated")
	}
}

type analyzeTextInput struct {
	Text      string   `json:"text" jsonschema:"OCR text to score, one page"`
	Languages []string `json:"languages,omitempty" jsonschema:"expected languages as ISO 639-1 codes, defaults to the configured list"`
}

type analyzeTextOutput struct {
	Quality quality.Result `json:"quality"`
}

func analyzeText(ctx context.Context, req *mcp.CallToolRequest, in analyzeTextInput) (*mcp.CallToolResult, analyzeTextOutput, error) {
	var out analyzeTextOutput
	if strings.TrimSpace(in.Text) == "" {
		return nil, out, fmt.Errorf("text must not be empty")
	}

	a := analyzer
	if len(in.Languages) > 0 {
		// A per-call language list gets its own analyzer; wordlists load
		// per language, so an unknown code degrades to a warning.
		qcfg := cfg.Quality
		qcfg.Languages = in.Languages
		fresh, err := quality.New(qcfg)
		if err != nil {
			return nil, out, fmt.Errorf("build analyzer: %w", err)
		}
		a = fresh
	}

	out.Quality = a.Analyze(in.Text, nil)

	log.Info().
		Str("call", uuid.NewString()).
		Int("chars", len(in.Text)).
		Float64("composite", out.Quality.Composite).
		Bool("flagged", out.Quality.Flagged).
		Msg("analyze_text")
	return nil, out, nil
}

type processDocumentInput struct {
	Path string `json:"path" jsonschema:"path to a local PDF or image file"`
}

func processDocument(ctx context.Context, req *mcp.CallToolRequest, in processDocumentInput) (*mcp.CallToolResult, *artifacts.RunSummary, error) {
	if in.Path == "" {
		return nil, nil, fmt.Errorf("path must not be empty")
	}
	abs, err := filepath.Abs(in.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", in.Path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("%s is a directory, pass a single document", in.Path)
	}
	if ext := strings.ToLower(filepath.Ext(abs)); !document.IsSupported(ext) {
		return nil, nil, fmt.Errorf("unsupported document type %q", ext)
	}

	// The pipeline needs tesseract and poppler on PATH; analyze_text must
	// stay usable without them, so the build waits until first use.
	pipeOnce.Do(buildPipeline)
	if pipeErr != nil {
		return nil, nil, pipeErr
	}

	call := uuid.NewString()
	log.Info().Str("call", call).Str("path", abs).Msg("process_document")

	res, err := pipe.Run(ctx, []string{abs})
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: %w", err)
	}
	defer os.RemoveAll(res.WorkDir)

	summary, err := (&artifacts.LocalWriter{Dir: filepath.Join(outFlag, res.RunID)}).Write(res)
	if err != nil {
		return nil, nil, fmt.Errorf("write artifacts: %w", err)
	}

	log.Info().
		Str("call", call).
		Str("runId", summary.RunID).
		Int("pages", summary.Pages).
		Int("escalated", summary.Escalated).
		Msg("process_document complete")
	return nil, summary, nil
}

func buildPipeline() {
	if pipeErr = tesseract.CheckTesseractAvailable(); pipeErr != nil {
		return
	}
	if pipeErr = poppler.CheckPopplerAvailable(); pipeErr != nil {
		return
	}

	devices := device.NewManager(cfg.Device)
	esc := gemini.New(cfg.Escalation, cfg.Quality.Languages)
	obs := progress.NewMulti(progress.Logger{})
	models := modelcache.NewManager(devices, esc.LoadModels, cfg.Pipeline.ModelTTL.Std(), obs)

	// The server stays up between tool calls; an idle model is evicted by
	// the janitor rather than held for the life of the process.
	models.StartEvictionLoop(context.Background(), 0)

	pipe, pipeErr = pipeline.New(cfg, pipeline.Deps{
		Analyzer:   analyzer,
		Devices:    devices,
		Models:     models,
		Fast:       tesseract.New(cfg.Quality.Languages, cfg.Pipeline.PerWorkerThreads),
		Escalation: esc,
		Extractor:  poppler.Extractor{},
		Renderer:   poppler.Renderer{MaxDimension: cfg.Escalation.MaxImageDimension},
		Signals:    document.Prober{},
		Observer:   obs,
	})
}
