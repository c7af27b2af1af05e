package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/doc-ocr-cli/internal/cli"
	"github.com/fpang/doc-ocr-cli/internal/config"
	"github.com/fpang/doc-ocr-cli/internal/document"
	"github.com/fpang/doc-ocr-cli/internal/logging"
	"github.com/fpang/doc-ocr-cli/internal/ocr/poppler"
	"github.com/fpang/doc-ocr-cli/internal/quality"
)

// CLI flags
var (
	jsonFlag      bool
	configFlag    string
	languagesFlag string
)

// rootCmd is the main Cobra command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "ocr-score [file ...]",
	Short: "Score OCR text quality without running OCR",
	Long: `OCR Score runs only the quality analyzer: it reads existing text and
reports the per-page composite score, the individual signals, gray-zone
and disagreement markers, and struggle categories. No OCR engines run,
no device is probed, and nothing is uploaded.

Inputs:
  .txt          analyzed page by page (pages separated by form feeds)
  .pdf          text layer extracted per page with pdftotext
  image files   no text to score; scan-quality signals only

Examples:
  ocr-score output/invoice.txt
  ocr-score contract.pdf --languages en,de
  ocr-score scan-001.png
  ocr-score batch/*.pdf --json > scores.json`,
	Args: cobra.MinimumNArgs(1),
	Run:  runMain,
}

func init() {
	rootCmd.Flags().BoolVar(&jsonFlag, "json", false, "Emit raw analyzer results as JSON")
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "", "Path to a YAML config file")
	rootCmd.Flags().StringVar(&languagesFlag, "languages", "", "Expected document languages, comma-separated ISO 639-1 codes (or 'auto')")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// pageScore is one page's analyzer verdict.
type pageScore struct {
	Index  int            `json:"index"`
	Result quality.Result `json:"result"`
}

// docScore is one input file's scores.
type docScore struct {
	Path  string      `json:"path"`
	Pages []pageScore `json:"pages,omitempty"`
	Err   string      `json:"error,omitempty"`
}

// runMain is the main execution logic called by Cobra.
func runMain(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()
	logging.Init()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if languagesFlag != "" {
		var langs []string
		for _, l := range strings.Split(languagesFlag, ",") {
			if l = strings.TrimSpace(l); l != "" {
				langs = append(langs, l)
			}
		}
		cfg.Quality.Languages = langs
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
	}

	analyzer, err := quality.New(cfg.Quality)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build quality analyzer")
	}

	ctx := context.Background()
	docs := make([]docScore, 0, len(args))
	failed := false
	for _, path := range args {
		doc := scoreOne(ctx, analyzer, path)
		if doc.Err != "" {
			failed = true
		}
		docs = append(docs, doc)
	}

	if jsonFlag {
		out, err := json.MarshalIndent(docs, "", "  ")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to marshal results")
		}
		fmt.Println(string(out))
	} else {
		for _, doc := range docs {
			printDoc(doc)
		}
	}

	if failed {
		os.Exit(1)
	}
}

// scoreOne analyzes a single input file.
func scoreOne(ctx context.Context, analyzer *quality.Analyzer, path string) docScore {
	doc := docScore{Path: path}
	ext := strings.ToLower(filepath.Ext(path))

	switch {
	case ext == ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			doc.Err = err.Error()
			return doc
		}
		// Page texts are form-feed separated, the pdftotext convention the
		// run artifacts follow.
		text := strings.TrimRight(string(data), "\n")
		for i, page := range strings.Split(text, "\f") {
			doc.Pages = append(doc.Pages, pageScore{Index: i, Result: analyzer.Analyze(page, nil)})
		}

	case ext == ".pdf":
		if err := poppler.CheckPopplerAvailable(); err != nil {
			doc.Err = err.Error()
			return doc
		}
		ex := poppler.Extractor{}
		count, err := ex.PageCount(ctx, path)
		if err != nil {
			doc.Err = err.Error()
			return doc
		}
		for i := 0; i < count; i++ {
			text, err := ex.PageText(ctx, path, i)
			if err != nil {
				doc.Err = err.Error()
				return doc
			}
			doc.Pages = append(doc.Pages, pageScore{Index: i, Result: analyzer.Analyze(text, nil)})
		}

	case document.IsSupported(ext):
		// An image carries no text to score; the analyzer still reports
		// the scan-quality signals.
		sig, err := document.Prober{}.ProbeFile(path)
		if err != nil {
			doc.Err = err.Error()
			return doc
		}
		doc.Pages = append(doc.Pages, pageScore{Index: 0, Result: analyzer.AnalyzeWithImage("", nil, sig)})

	default:
		doc.Err = fmt.Sprintf("unsupported input type %q", ext)
	}

	return doc
}

// printDoc renders one document's scores for the terminal.
func printDoc(doc docScore) {
	fmt.Printf("📑 %s\n", doc.Path)
	if doc.Err != "" {
		fmt.Printf("   ⚠️  %s\n", doc.Err)
		return
	}

	for _, p := range doc.Pages {
		r := p.Result
		marker := "  "
		if r.Flagged {
			marker = "🚩"
		}
		fmt.Printf("   page %2d %s composite %s", p.Index+1, marker, cli.FormatPercent(r.Composite))
		for _, name := range []string{quality.SignalGarbled, quality.SignalDictionary, quality.SignalConfidence} {
			if v, ok := r.Signals[name]; ok {
				fmt.Printf("  %s %.2f", name, v)
			}
		}
		if r.DetectedLanguage != "" {
			fmt.Printf("  lang %s", r.DetectedLanguage)
		}
		if r.GrayZone {
			fmt.Print("  [gray zone]")
		}
		fmt.Println()

		for _, d := range r.Disagreements {
			fmt.Printf("        disagreement: %s vs %s (%.2f apart)\n", d.SignalA, d.SignalB, d.Magnitude)
		}
		if len(r.Struggles) > 0 {
			fmt.Printf("        struggles: %s\n", strings.Join(r.Struggles, ", "))
		}
	}
	fmt.Println()
}
