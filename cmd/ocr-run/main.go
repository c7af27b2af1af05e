package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"github.com/fpang/doc-ocr-cli/internal/artifacts"
	"github.com/fpang/doc-ocr-cli/internal/auth"
	"github.com/fpang/doc-ocr-cli/internal/cli"
	"github.com/fpang/doc-ocr-cli/internal/config"
	"github.com/fpang/doc-ocr-cli/internal/device"
	"github.com/fpang/doc-ocr-cli/internal/document"
	"github.com/fpang/doc-ocr-cli/internal/logging"
	"github.com/fpang/doc-ocr-cli/internal/modelcache"
	"github.com/fpang/doc-ocr-cli/internal/ocr"
	"github.com/fpang/doc-ocr-cli/internal/ocr/gemini"
	"github.com/fpang/doc-ocr-cli/internal/ocr/poppler"
	"github.com/fpang/doc-ocr-cli/internal/ocr/tesseract"
	"github.com/fpang/doc-ocr-cli/internal/pipeline"
	"github.com/fpang/doc-ocr-cli/internal/progress"
	"github.com/fpang/doc-ocr-cli/internal/quality"
)

// CLI flags
var (
	outFlag       string
	configFlag    string
	deviceFlag    string
	modelFlag     string
	languagesFlag string
	maxDepthFlag  int
	limitFlag     int
	workersFlag   int
	bundleFlag    bool
	pickFlag      bool
	escalateAll   bool
	noEscalation  bool
	strictDevice  bool
	jsonFlag      bool
	checkFlag     bool
)

// rootCmd is the main Cobra command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "ocr-run [path ...]",
	Short: "Two-phase OCR for scanned documents",
	Long: `OCR Run processes scanned PDFs and images through a fast local OCR pass,
scores every page for transcription quality, and escalates only the
struggling pages to a vision model for a second, more careful pass.

Paths may be files or directories; directories are scanned recursively for
supported documents (.pdf, .tif, .tiff, .png, .jpg, .jpeg). Each document
lands in the output directory as a searchable PDF copy, the full text, and
per-page quality scores, plus a run.json summary for the whole run.

Examples:
  ocr-run ./scans
  ocr-run invoice.pdf receipt.png -o ./ocr-output
  ocr-run ./archive --max-depth 2 --limit 50 --bundle
  ocr-run ./scans --model gemini-2.5-pro --device cuda --strict-device
  ocr-run ./scans --no-escalation --json > summary.json
  ocr-run --pick   # choose documents in a native file dialog
  ocr-run --check  # verify tesseract, poppler, and the API key, then exit`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVarP(&outFlag, "out", "o", "ocr-output", "Directory for result artifacts")
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "", "Path to a YAML config file")
	rootCmd.Flags().StringVar(&deviceFlag, "device", "", "Escalation device: auto, cuda, metal, or cpu")
	rootCmd.Flags().StringVarP(&modelFlag, "model", "m", "", "Escalation model (e.g. gemini-3-flash-preview, gemini-2.5-pro)")
	rootCmd.Flags().StringVar(&languagesFlag, "languages", "", "Expected document languages, comma-separated ISO 639-1 codes (or 'auto')")
	rootCmd.Flags().IntVar(&maxDepthFlag, "max-depth", 0, "Maximum recursion depth when scanning a directory (0 = unlimited)")
	rootCmd.Flags().IntVar(&limitFlag, "limit", 0, "Maximum documents to process (0 = unlimited)")
	rootCmd.Flags().IntVar(&workersFlag, "workers", 0, "Concurrent documents in the fast pass (0 = derive from CPU cores)")
	rootCmd.Flags().BoolVar(&bundleFlag, "bundle", false, "Also pack the artifacts into a single <run>.zip")
	rootCmd.Flags().BoolVar(&pickFlag, "pick", false, "Choose documents in a native file dialog")
	rootCmd.Flags().BoolVar(&escalateAll, "escalate-all", false, "Send every page to the escalation engine regardless of score")
	rootCmd.Flags().BoolVar(&noEscalation, "no-escalation", false, "Stop after the fast pass; keep its text even for flagged pages")
	rootCmd.Flags().BoolVar(&strictDevice, "strict-device", false, "Fail instead of falling back to CPU when the requested device is unavailable")
	rootCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the run summary as JSON on stdout instead of the banner")
	rootCmd.Flags().BoolVar(&checkFlag, "check", false, "Check the environment (tesseract, poppler, API key, device) and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runMain is the main execution logic called by Cobra.
func runMain(cmd *cobra.Command, args []string) {
	// .env values feed DOCOCR_* and GEMINI_* before logging and config
	// read them. A missing file is routine.
	_ = godotenv.Load()
	logging.Init()

	cfg := loadConfig()

	if checkFlag {
		os.Exit(runDoctor(cfg))
	}

	files := collectInputs(args)

	// Validate the API key up front: a dead key should fail here, not
	// after minutes of Phase 1 work.
	ctx, _ := cli.InitGeminiClient()

	pipe, esc, models := buildPipeline(cfg)

	if !jsonFlag {
		printHeader(cfg, esc, files)
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}

	start := time.Now()
	res, err := pipe.Run(ctx, paths)
	if err != nil {
		log.Fatal().Err(err).Msg("pipeline run failed")
	}
	defer os.RemoveAll(res.WorkDir)

	writer := &artifacts.LocalWriter{Dir: outFlag}
	summary, err := writer.Write(res)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to write artifacts")
	}

	if jsonFlag {
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to encode summary")
		}
		fmt.Println(string(out))
	} else {
		printSummary(summary, time.Since(start))
	}

	if bundleFlag {
		zipPath, size, err := artifacts.BundleWriter{}.Bundle(res.RunID, outFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to write bundle")
		}
		if jsonFlag {
			log.Info().Str("path", zipPath).Int64("sizeBytes", size).Msg("Bundle written")
		} else {
			fmt.Printf("📦 Bundle: %s (%.1f MB)\n", zipPath, float64(size)/(1024*1024))
		}
	}

	// The process is about to exit; the engine's remote resources are
	// released here rather than left to their server-side TTL.
	models.Invalidate()

	// Per-document failures are recorded in the summary and do not change
	// the exit code. Only a run with no usable output at all exits non-zero.
	if successCount(summary) == 0 {
		os.RemoveAll(res.WorkDir)
		os.Exit(1)
	}
}

// successCount reports how many documents completed the full pipeline.
func successCount(s *artifacts.RunSummary) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == string(ocr.JobDone) {
			n++
		}
	}
	return n
}

// loadConfig reads the configuration and overlays the CLI flags onto it.
func loadConfig() config.Config {
	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if deviceFlag != "" {
		cfg.Device.Preferred = deviceFlag
	}
	if strictDevice {
		cfg.Device.Strict = true
	}
	if modelFlag != "" {
		cfg.Escalation.Model = modelFlag
	}
	if escalateAll {
		cfg.Pipeline.AlwaysEscalate = true
	}
	if noEscalation {
		cfg.Pipeline.SkipEscalation = true
	}
	if workersFlag > 0 {
		cfg.Pipeline.Workers = workersFlag
	}
	if languagesFlag != "" {
		var langs []string
		for _, l := range strings.Split(languagesFlag, ",") {
			if l = strings.TrimSpace(l); l != "" {
				langs = append(langs, l)
			}
		}
		cfg.Quality.Languages = langs
	}

	// Flag overrides can invalidate a config that loaded cleanly.
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	return cfg
}

// collectInputs resolves the positional arguments (or the picker, or an
// interactive prompt) into the list of documents to process.
func collectInputs(args []string) []document.File {
	paths := args

	if pickFlag {
		picked, err := cli.PickDocuments()
		if err != nil {
			log.Fatal().Err(err).Msg("document picker failed")
		}
		if len(picked) == 0 {
			log.Fatal().Msg("no documents selected")
		}
		paths = picked
	}

	if len(paths) == 0 {
		dir := cli.PromptForDirectory()
		paths = []string{cli.ValidateAndResolveDirectory(dir)}
	}

	// A single directory argument honors --max-depth and --limit; explicit
	// file lists are taken as-is.
	if len(paths) == 1 {
		if info, err := os.Stat(paths[0]); err == nil && info.IsDir() {
			files, err := document.ScanWithOptions(paths[0], document.ScanOptions{
				MaxDepth: maxDepthFlag,
				Limit:    limitFlag,
			})
			if err != nil {
				log.Fatal().Err(err).Str("path", paths[0]).Msg("failed to scan directory")
			}
			if len(files) == 0 {
				log.Fatal().Str("path", paths[0]).Msg("no supported documents found in directory")
			}
			return files
		}
	}

	files, err := document.Collect(paths)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to collect documents")
	}
	if len(files) == 0 {
		log.Fatal().Msg("no supported documents found")
	}
	return files
}

// buildPipeline wires the engines, analyzer, device manager, and model
// cache into a ready pipeline.
func buildPipeline(cfg config.Config) (*pipeline.Pipeline, *gemini.Engine, *modelcache.Manager) {
	if err := tesseract.CheckTesseractAvailable(); err != nil {
		log.Fatal().Err(err).Msg("tesseract is required for the fast pass")
	}
	if err := poppler.CheckPopplerAvailable(); err != nil {
		log.Fatal().Err(err).Msg("poppler is required for PDF handling")
	}

	analyzer, err := quality.New(cfg.Quality)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build quality analyzer")
	}

	devices := device.NewManager(cfg.Device)
	esc := gemini.New(cfg.Escalation, cfg.Quality.Languages)
	obs := progress.NewMulti(progress.Logger{})
	models := modelcache.NewManager(devices, esc.LoadModels, cfg.Pipeline.ModelTTL.Std(), obs)

	pipe, err := pipeline.New(cfg, pipeline.Deps{
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
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}
	return pipe, esc, models
}

// printHeader displays the run configuration and the documents to process.
func printHeader(cfg config.Config, esc *gemini.Engine, files []document.File) {
	fmt.Println()
	fmt.Println("============================================")
	fmt.Println("📄 Document OCR")
	fmt.Println("============================================")
	fmt.Printf("Documents: %d\n", len(files))
	if limitFlag > 0 && len(files) == limitFlag {
		fmt.Printf("(limited to %d)\n", limitFlag)
	}
	fmt.Printf("Languages: %s\n", strings.Join(cfg.Quality.Languages, ", "))
	fmt.Printf("Escalation model: %s\n", esc.Model())
	fmt.Printf("Device: %s\n", cfg.Device.Preferred)
	fmt.Printf("Output: %s\n", outFlag)
	fmt.Println("--------------------------------------------")

	for i, f := range files {
		sizeMB := float64(f.Size) / (1024 * 1024)
		fmt.Printf("   %2d. %s (%.1f MB)\n", i+1, filepath.Base(f.Path), sizeMB)
	}

	fmt.Println("--------------------------------------------")
	fmt.Println("⏳ Running fast OCR pass...")
	fmt.Println()
}

// printSummary displays the run outcome.
func printSummary(s *artifacts.RunSummary, elapsed time.Duration) {
	fmt.Println()
	fmt.Println("✅ OCR Complete!")
	fmt.Println("============================================")
	fmt.Printf("Documents: %d  Pages: %d\n", s.Documents, s.Pages)
	fmt.Printf("Flagged: %d  Escalated: %d\n", s.Flagged, s.Escalated)
	if s.Pages > 0 {
		fmt.Printf("Escalation rate: %s\n", cli.FormatPercent(float64(s.Escalated)/float64(s.Pages)))
	}
	if s.Device != "" {
		fmt.Printf("Device: %s\n", s.Device)
	}
	fmt.Printf("Elapsed: %s\n", cli.FormatDurationShort(elapsed))

	for _, r := range s.Results {
		if r.Status != string(ocr.JobDone) {
			fmt.Printf("⚠️  %s: %s\n", filepath.Base(r.Path), r.Error)
		}
	}
	for _, bf := range s.BatchFailures {
		fmt.Printf("⚠️  escalation batch %d (%d pages): kept fast-pass text\n", bf.Batch, bf.Pages)
	}
	fmt.Printf("Artifacts: %s\n", outFlag)
}

// runDoctor checks the external dependencies and reports each one.
// Returns the process exit code.
func runDoctor(cfg config.Config) int {
	fmt.Println()
	fmt.Println("============================================")
	fmt.Println("🩺 Environment Check")
	fmt.Println("============================================")

	ok := true

	if err := tesseract.CheckTesseractAvailable(); err != nil {
		fmt.Printf("✗ tesseract: %v\n", err)
		ok = false
	} else {
		fmt.Println("✓ tesseract: available")
	}

	if err := poppler.CheckPopplerAvailable(); err != nil {
		fmt.Printf("✗ poppler: %v\n", err)
		ok = false
	} else {
		fmt.Println("✓ poppler: available")
	}

	ctx := context.Background()
	if apiKey, err := auth.GetAPIKey(); err != nil {
		fmt.Printf("✗ Gemini API key: %v\n", err)
		ok = false
	} else if client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}); err != nil {
		fmt.Printf("✗ Gemini client: %v\n", err)
		ok = false
	} else if err := auth.ValidateAPIKey(ctx, client); err != nil {
		fmt.Printf("✗ Gemini API key: %v\n", err)
		ok = false
	} else {
		fmt.Println("✓ Gemini API key: valid")
	}

	devices := device.NewManager(cfg.Device)
	if dev, err := devices.Detect(ctx); err != nil {
		fmt.Printf("✗ device: %v\n", err)
		ok = false
	} else {
		fmt.Printf("✓ device: %s (%s, %d MB)\n", dev.Kind, dev.Name, dev.MemoryMB)
	}

	fmt.Println("============================================")
	if !ok {
		return 1
	}
	return 0
}
