package tesseract

import (
	"math"
	"strings"
	"testing"
)

func tsvLine(fields ...string) string {
	return strings.Join(fields, "\t")
}

const tsvHeader = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext"

func TestParseTSV(t *testing.T) {
	data := strings.Join([]string{
		tsvHeader,
		tsvLine("1", "1", "0", "0", "0", "0", "0", "0", "2550", "3300", "-1", ""),
		tsvLine("2", "1", "1", "0", "0", "0", "150", "200", "800", "50", "-1", ""),
		tsvLine("5", "1", "1", "1", "1", "1", "150", "200", "120", "40", "96.54", "Invoice"),
		tsvLine("5", "1", "1", "1", "1", "2", "290", "200", "80", "40", "91.20", "Total"),
		tsvLine("1", "2", "0", "0", "0", "0", "0", "0", "2550", "3300", "-1", ""),
		tsvLine("5", "2", "1", "1", "1", "1", "150", "200", "120", "40", "33.33", "garbled"),
		tsvLine("5", "2", "1", "1", "1", "2", "290", "200", "80", "40", "95.00", " "),
		"",
	}, "\n")

	pageCount, confidences, err := parseTSV(data)
	if err != nil {
		t.Fatalf("parseTSV failed: %v", err)
	}

	if pageCount != 2 {
		t.Errorf("expected 2 pages, got %d", pageCount)
	}

	page0 := confidences[0]
	if page0 == nil || len(page0.WordConfidences) != 2 {
		t.Fatalf("expected 2 word confidences for page 0, got %+v", page0)
	}
	if math.Abs(page0.WordConfidences[0]-0.9654) > 1e-9 {
		t.Errorf("expected first confidence 0.9654, got %g", page0.WordConfidences[0])
	}

	// The whitespace-only word on page 2 is dropped.
	page1 := confidences[1]
	if page1 == nil || len(page1.WordConfidences) != 1 {
		t.Fatalf("expected 1 word confidence for page 1, got %+v", page1)
	}
	if math.Abs(page1.WordConfidences[0]-0.3333) > 1e-9 {
		t.Errorf("expected confidence 0.3333, got %g", page1.WordConfidences[0])
	}
}

func TestParseTSVBlankPage(t *testing.T) {
	data := strings.Join([]string{
		tsvHeader,
		tsvLine("1", "1", "0", "0", "0", "0", "0", "0", "2550", "3300", "-1", ""),
		tsvLine("5", "1", "1", "1", "1", "1", "150", "200", "120", "40", "88.00", "word"),
		tsvLine("1", "2", "0", "0", "0", "0", "0", "0", "2550", "3300", "-1", ""),
		"",
	}, "\n")

	pageCount, confidences, err := parseTSV(data)
	if err != nil {
		t.Fatalf("parseTSV failed: %v", err)
	}
	if pageCount != 2 {
		t.Errorf("expected a blank page to still count, got %d pages", pageCount)
	}
	if confidences[1] != nil {
		t.Errorf("expected no confidence entry for the blank page, got %+v", confidences[1])
	}
}

func TestParseTSVErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"truncated row", tsvHeader + "\n" + tsvLine("5", "1", "1", "1", "1", "1", "150", "200", "120", "40", "88.00")},
		{"bad page number", tsvHeader + "\n" + tsvLine("1", "zero", "0", "0", "0", "0", "0", "0", "10", "10", "-1", "")},
		{"bad confidence", tsvHeader + "\n" + tsvLine("1", "1", "0", "0", "0", "0", "0", "0", "10", "10", "-1", "") + "\n" + tsvLine("5", "1", "1", "1", "1", "1", "0", "0", "10", "10", "high", "word")},
		{"header only", tsvHeader},
		{"empty input", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := parseTSV(tt.data); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestTesseractLanguages(t *testing.T) {
	tests := []struct {
		name  string
		langs []string
		want  string
	}{
		{"single mapped", []string{"en"}, "eng"},
		{"multiple mapped", []string{"en", "de"}, "eng+deu"},
		{"auto falls back", []string{"auto"}, "eng"},
		{"empty falls back", nil, "eng"},
		{"script variant", []string{"zh"}, "chi_sim"},
		{"unknown passes through", []string{"epo"}, "epo"},
		{"mixed case trimmed", []string{" EN ", "fr"}, "eng+fra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tesseractLanguages(tt.langs); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNewClampsThreads(t *testing.T) {
	e := New([]string{"en"}, 0)
	if e.threads != 1 {
		t.Errorf("expected thread count clamped to 1, got %d", e.threads)
	}
	if e.Name() != "tesseract" {
		t.Errorf("unexpected engine name %q", e.Name())
	}
}

func TestCheckTesseractAvailable(t *testing.T) {
	// Tesseract may not be installed in every test environment; verify the
	// check runs and report the outcome either way.
	if err := CheckTesseractAvailable(); err != nil {
		t.Logf("tesseract not available (expected in some environments): %v", err)
	} else {
		t.Log("tesseract is available")
	}
}
