package artifacts

import (
	"archive/zip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fpang/doc-ocr-cli/internal/ocr"
	"github.com/fpang/doc-ocr-cli/internal/pipeline"
	"github.com/fpang/doc-ocr-cli/internal/quality"
)

func testResult(t *testing.T) *pipeline.Result {
	t.Helper()

	searchable := filepath.Join(t.TempDir(), "fast.pdf")
	if err := os.WriteFile(searchable, []byte("%PDF-1.4 searchable"), 0o644); err != nil {
		t.Fatalf("failed to write searchable copy: %v", err)
	}

	okJob := &ocr.DocumentJob{
		ID:         "doc-001",
		Path:       "/scans/invoice.pdf",
		OutputPath: searchable,
		Status:     ocr.JobDone,
		Pages: []ocr.Page{
			{Index: 0, Text: "page one text", Engine: ocr.EngineFast, Quality: quality.Result{Composite: 0.95}},
			{Index: 1, Text: "page two text", Engine: ocr.EngineEscalation, Quality: quality.Result{Composite: 0.62, Flagged: true}},
		},
	}
	badJob := &ocr.DocumentJob{
		ID:     "doc-002",
		Path:   "/scans/broken.pdf",
		Status: ocr.JobFailed,
		Err:    "tesseract: input is encrypted",
	}

	return &pipeline.Result{
		RunID:          "run-test01",
		State:          pipeline.StateDone,
		Jobs:           []*ocr.DocumentJob{okJob, badJob},
		Escalated:      1,
		Device:         "cpu",
		Phase1Duration: 2 * time.Second,
		TotalDuration:  3 * time.Second,
	}
}

func TestLocalWriterWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	w := &LocalWriter{Dir: dir}

	summary, err := w.Write(testResult(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Documents != 2 || summary.Pages != 2 {
		t.Errorf("expected 2 documents 2 pages, got %d/%d", summary.Documents, summary.Pages)
	}
	if summary.Flagged != 1 {
		t.Errorf("expected 1 flagged page, got %d", summary.Flagged)
	}
	if summary.Results[0].Escalated != 1 {
		t.Errorf("expected 1 escalated page, got %d", summary.Results[0].Escalated)
	}

	t.Run("pdf copy", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(dir, "invoice.pdf"))
		if err != nil {
			t.Fatalf("expected searchable PDF copy: %v", err)
		}
		if string(data) != "%PDF-1.4 searchable" {
			t.Errorf("unexpected PDF copy content: %q", data)
		}
	})

	t.Run("text artifact", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(dir, "invoice.txt"))
		if err != nil {
			t.Fatalf("expected text artifact: %v", err)
		}
		expected := "page one text\fpage two text\n"
		if string(data) != expected {
			t.Errorf("expected %q, got %q", expected, data)
		}
	})

	t.Run("quality artifact", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(dir, "invoice.quality.json"))
		if err != nil {
			t.Fatalf("expected quality artifact: %v", err)
		}
		var pages []pageQuality
		if err := json.Unmarshal(data, &pages); err != nil {
			t.Fatalf("quality artifact is not valid JSON: %v", err)
		}
		if len(pages) != 2 {
			t.Fatalf("expected 2 page entries, got %d", len(pages))
		}
		if pages[1].Engine != ocr.EngineEscalation {
			t.Errorf("expected escalation engine on page 1, got %s", pages[1].Engine)
		}
	})

	t.Run("run summary", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(dir, "run.json"))
		if err != nil {
			t.Fatalf("expected run summary: %v", err)
		}
		var got RunSummary
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("run summary is not valid JSON: %v", err)
		}
		if got.RunID != "run-test01" {
			t.Errorf("expected run ID run-test01, got %s", got.RunID)
		}
		if got.Results[1].Error == "" {
			t.Error("expected failed document to carry its error")
		}
		if got.Results[1].Artifacts.TextPath != "" {
			t.Error("expected no artifacts for failed document")
		}
	})
}

func TestLocalWriterNameCollision(t *testing.T) {
	res := testResult(t)
	res.Jobs[1] = &ocr.DocumentJob{
		ID:     "doc-002",
		Path:   "/other/invoice.pdf",
		Status: ocr.JobDone,
		Pages: []ocr.Page{
			{Index: 0, Text: "different invoice", Engine: ocr.EngineFast},
		},
	}

	dir := filepath.Join(t.TempDir(), "out")
	summary, err := (&LocalWriter{Dir: dir}).Write(res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Results[0].Artifacts.Base != "invoice" {
		t.Errorf("expected base invoice, got %s", summary.Results[0].Artifacts.Base)
	}
	if summary.Results[1].Artifacts.Base != "invoice-2" {
		t.Errorf("expected base invoice-2, got %s", summary.Results[1].Artifacts.Base)
	}
	if _, err := os.Stat(filepath.Join(dir, "invoice-2.txt")); err != nil {
		t.Errorf("expected deduplicated text artifact: %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"invoice", "invoice"},
		{"scan 2024-01", "scan 2024-01"},
		{"weird/§name", "weird--name"},
		{"", "document"},
		{strings.Repeat("a", 80), strings.Repeat("a", 50)},
	}

	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.expected {
			t.Errorf("sanitizeName(%q) = %q, expected %q", tt.in, got, tt.expected)
		}
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"invoice.pdf", "application/pdf"},
		{"invoice.txt", "text/plain; charset=utf-8"},
		{"run.json", "application/json"},
		{"bundle.ZIP", "application/zip"},
		{"mystery.bin", "application/octet-stream"},
	}

	for _, tt := range tests {
		if got := contentTypeFor(tt.name); got != tt.expected {
			t.Errorf("contentTypeFor(%q) = %q, expected %q", tt.name, got, tt.expected)
		}
	}
}

func TestBundleRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	if _, err := (&LocalWriter{Dir: dir}).Write(testResult(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	zipPath, size, err := BundleWriter{}.Bundle("run-test01", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size <= 0 {
		t.Errorf("expected positive bundle size, got %d", size)
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("failed to open bundle: %v", err)
	}
	defer zr.Close()

	entries := map[string]*zip.File{}
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	for _, name := range []string{"invoice.pdf", "invoice.txt", "invoice.quality.json", "run.json"} {
		if _, ok := entries[name]; !ok {
			t.Errorf("expected bundle entry %s, have %v", name, names(zr.File))
		}
	}

	entry := entries["invoice.txt"]
	if entry.Method != zipMethodZstd {
		t.Errorf("expected zstd method %d, got %d", zipMethodZstd, entry.Method)
	}

	rc, err := entry.Open()
	if err != nil {
		t.Fatalf("failed to open bundle entry: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("failed to read bundle entry: %v", err)
	}
	if !strings.Contains(string(data), "page one text") {
		t.Errorf("unexpected entry content: %q", data)
	}
}

func names(files []*zip.File) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name
	}
	return out
}
