package quality

import (
	"strings"
	"testing"
)

func TestScoreGarbled(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		minScore float64
		maxScore float64
	}{
		{
			name:     "clean prose",
			text:     cleanEnglish,
			minScore: 0.9,
			maxScore: 1.0,
		},
		{
			name:     "empty text",
			text:     "",
			minScore: 0,
			maxScore: 0,
		},
		{
			name:     "whitespace only",
			text:     " \n\t ",
			minScore: 0,
			maxScore: 0,
		},
		{
			name:     "replacement character flood",
			text:     strings.Repeat("con�ract agree�ent bet�een the par�ies ", 10),
			minScore: 0,
			maxScore: 0.7,
		},
		{
			name: "exploded single characters",
			text: "T h e q u i c k b r o w n f o x j u m p s o v e r t h e l a z y d o g " +
				"a n d r u n s f a r a w a y d o w n t h e l o n g r o a d",
			minScore: 0,
			maxScore: 0.8,
		},
		{
			name:     "letter runs and consonant junk",
			text:     strings.Repeat("zzzzzz xkfjqwrtpkm aaaaaaa bcdfghjklm wwwwww qqqqqq ", 5),
			minScore: 0,
			maxScore: 0.6,
		},
		{
			name:     "digit letter substitutions",
			text:     strings.Repeat("c0ntract sh1pment inv0ice rece1pt acc0unt c0mpany 0ff1ce t0tal ", 5),
			minScore: 0,
			maxScore: 0.9,
		},
		{
			name: "german compounds stay clean",
			text: "Die Angstschweiß treibende Durchführungsverordnung zur Grundstücksverkehrsgenehmigungszuständigkeit " +
				"wurde trotz der Rechtsschutzversicherung durch die zuständige Verwaltungsbehörde fristgerecht " +
				"bearbeitet und die entsprechende Genehmigung anschließend erteilt worauf die Beteiligten " +
				"die weiteren Schritte besprachen und die Unterlagen vollständig einreichten",
			minScore: 0.85,
			maxScore: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, detail := scoreGarbled(tt.text)
			if score < tt.minScore || score > tt.maxScore {
				t.Errorf("expected score in [%g,%g], got %g (detail: %s)", tt.minScore, tt.maxScore, score, detail)
			}
		})
	}
}

func TestReplacementCharRatio(t *testing.T) {
	if got := replacementCharRatio("abcd"); got != 0 {
		t.Errorf("expected 0, got %g", got)
	}
	if got := replacementCharRatio("ab��"); got != 0.5 {
		t.Errorf("expected 0.5, got %g", got)
	}
}

func TestHasEmbeddedDigit(t *testing.T) {
	tests := []struct {
		word string
		want bool
	}{
		{"c0ntract", true},
		{"he11o", true},
		{"page3", false},
		{"3rd", false},
		{"2024", false},
		{"contract", false},
		{"a1", false},
	}
	for _, tt := range tests {
		if got := hasEmbeddedDigit(tt.word); got != tt.want {
			t.Errorf("hasEmbeddedDigit(%q) = %v, want %v", tt.word, got, tt.want)
		}
	}
}

func TestConsonantRuns(t *testing.T) {
	tests := []struct {
		word string
		want int
	}{
		{"strengths", 5},
		{"rhythm", 3}, // y counts as a vowel
		{"xkfjqwrtpkm", 11},
		{"abc", 2},
	}
	for _, tt := range tests {
		if got := longestConsonantRun(tt.word); got != tt.want {
			t.Errorf("longestConsonantRun(%q) = %d, want %d", tt.word, got, tt.want)
		}
	}
}
