package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestDocSK(t *testing.T) {
	tests := []struct {
		index    int
		expected string
	}{
		{0, "DOC#00000"},
		{7, "DOC#00007"},
		{42, "DOC#00042"},
		{99999, "DOC#99999"},
	}

	for _, tt := range tests {
		if got := docSK(tt.index); got != tt.expected {
			t.Errorf("docSK(%d) = %q, expected %q", tt.index, got, tt.expected)
		}
	}
}

func TestParseDocIndex(t *testing.T) {
	tests := []struct {
		sk       string
		expected int
		ok       bool
	}{
		{"DOC#00000", 0, true},
		{"DOC#00042", 42, true},
		{"DOC#7", 7, true},
		{"DOC#", 0, false},
		{"META", 0, false},
	}

	for _, tt := range tests {
		got, ok := parseDocIndex(tt.sk)
		if ok != tt.ok || got != tt.expected {
			t.Errorf("parseDocIndex(%q) = %d, %v, expected %d, %v", tt.sk, got, ok, tt.expected, tt.ok)
		}
	}
}

func writeFingerprintFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestFingerprint(t *testing.T) {
	small := []byte("small document content")

	t.Run("deterministic", func(t *testing.T) {
		a := writeFingerprintFile(t, "a.pdf", small)
		b := writeFingerprintFile(t, "b.pdf", small)

		fpA, err := Fingerprint(a)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		fpB, err := Fingerprint(b)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if fpA != fpB {
			t.Errorf("identical content should fingerprint equally: %s vs %s", fpA, fpB)
		}
		if len(fpA) != 64 {
			t.Errorf("expected 64 hex characters, got %d", len(fpA))
		}
	})

	t.Run("content sensitivity", func(t *testing.T) {
		a := writeFingerprintFile(t, "a.pdf", small)
		b := writeFingerprintFile(t, "b.pdf", []byte("different document content"))

		fpA, _ := Fingerprint(a)
		fpB, _ := Fingerprint(b)
		if fpA == fpB {
			t.Error("different content should produce different fingerprints")
		}
	})

	t.Run("tail sensitivity", func(t *testing.T) {
		// Same size, same first 64KB, different last chunk.
		base := bytes.Repeat([]byte{0xAB}, 200*1024)
		variant := append([]byte{}, base...)
		variant[len(variant)-1] = 0xCD

		a := writeFingerprintFile(t, "a.pdf", base)
		b := writeFingerprintFile(t, "b.pdf", variant)

		fpA, _ := Fingerprint(a)
		fpB, _ := Fingerprint(b)
		if fpA == fpB {
			t.Error("tail change should produce a different fingerprint")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Fingerprint(filepath.Join(t.TempDir(), "absent.pdf")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}
