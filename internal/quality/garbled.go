package quality

import (
	"fmt"
	"strings"
	"unicode"
)

// Garbled-pattern tuning. Thresholds are deliberately lenient for languages
// with long legitimate consonant clusters (German compounds reach seven).
const (
	// minWordsForShapeChecks gates the word-shape ratios; below this the
	// sample is too small to be meaningful.
	minWordsForShapeChecks = 20
	// singleCharSampleSize bounds how many leading words the single-char
	// ratio inspects.
	singleCharSampleSize = 50
	// maxConsonantRun is the longest consonant run accepted in a word.
	maxConsonantRun = 7
	// maxRepeatRun is the longest identical-letter run accepted in a word.
	maxRepeatRun = 3
)

// scoreGarbled detects OCR artifact patterns in text and returns a score in
// [0,1] (1.0 = no artifacts) plus a short evidence summary.
//
// Patterns checked, each contributing a penalty:
//   - Unicode replacement characters (encoding failures)
//   - single-character word floods (exploded header text)
//   - identical-letter runs longer than any real word carries
//   - consonant runs no language in scope produces
//   - digits embedded inside alphabetic words (l/1 and O/0 swaps)
//   - alphabetic words with no vowel at all
//   - junk symbol density
func scoreGarbled(text string) (float64, string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, "empty page text"
	}

	words := strings.Fields(trimmed)
	penalty := 0.0
	var evidence []string

	if r := replacementCharRatio(trimmed); r > 0.005 {
		p := clamp(r*8, 0, 0.4)
		penalty += p
		evidence = append(evidence, fmt.Sprintf("replacement_chars=%.1f%%", r*100))
	}

	if r := junkSymbolRatio(trimmed); r > 0.05 {
		p := clamp((r-0.05)*2, 0, 0.3)
		penalty += p
		evidence = append(evidence, fmt.Sprintf("junk_symbols=%.1f%%", r*100))
	}

	if len(words) >= minWordsForShapeChecks {
		if r := singleCharWordRatio(words); r > 0.15 {
			p := clamp((r-0.15)*1.2, 0, 0.35)
			penalty += p
			evidence = append(evidence, fmt.Sprintf("single_char_words=%.1f%%", r*100))
		}

		shape := wordShapeStats(words)
		if shape.repeatRunRatio > 0.02 {
			p := clamp(shape.repeatRunRatio*4, 0, 0.3)
			penalty += p
			evidence = append(evidence, fmt.Sprintf("letter_runs=%.1f%%", shape.repeatRunRatio*100))
		}
		if shape.consonantRunRatio > 0.02 {
			p := clamp(shape.consonantRunRatio*4, 0, 0.3)
			penalty += p
			evidence = append(evidence, fmt.Sprintf("consonant_runs=%.1f%%", shape.consonantRunRatio*100))
		}
		if shape.embeddedDigitRatio > 0.03 {
			p := clamp(shape.embeddedDigitRatio*3, 0, 0.3)
			penalty += p
			evidence = append(evidence, fmt.Sprintf("digit_letter_mix=%.1f%%", shape.embeddedDigitRatio*100))
		}
		if shape.vowellessRatio > 0.05 {
			p := clamp((shape.vowellessRatio-0.05)*2, 0, 0.3)
			penalty += p
			evidence = append(evidence, fmt.Sprintf("vowelless_words=%.1f%%", shape.vowellessRatio*100))
		}
	}

	score := clamp(1-penalty, 0, 1)
	if len(evidence) == 0 {
		return score, "no artifact patterns"
	}
	return score, strings.Join(evidence, " ")
}

// replacementCharRatio returns the fraction of runes that are U+FFFD,
// indicating upstream encoding failures.
func replacementCharRatio(text string) float64 {
	count, total := 0, 0
	for _, r := range text {
		total++
		if r == '�' {
			count++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total)
}

// junkSymbolRatio returns the fraction of non-space runes that are neither
// letters, digits, nor punctuation OCR legitimately produces.
func junkSymbolRatio(text string) float64 {
	junk, total := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
		case strings.ContainsRune(`.,;:!?'"()[]{}<>/\|-–—_+=*&%$#@^~§°€£`, r):
		default:
			junk++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(junk) / float64(total)
}

// singleCharWordRatio measures how many of the leading words are isolated
// single characters, the signature of exploded text extraction. Common
// standalone characters in formatted text are excluded.
func singleCharWordRatio(words []string) float64 {
	sample := words
	if len(sample) > singleCharSampleSize {
		sample = sample[:singleCharSampleSize]
	}
	count := 0
	for _, w := range sample {
		if len(w) != 1 {
			continue
		}
		switch w[0] {
		case '.', '-', 'x', 'X', 'v', 'V', 'i', 'I', 'a', 'A', ':', '&':
		default:
			count++
		}
	}
	return float64(count) / float64(len(sample))
}

type shapeStats struct {
	repeatRunRatio     float64
	consonantRunRatio  float64
	embeddedDigitRatio float64
	vowellessRatio     float64
}

// wordShapeStats computes the per-word artifact ratios over all words.
func wordShapeStats(words []string) shapeStats {
	var repeat, consonant, embedded, vowelless, alphaWords int

	for _, w := range words {
		w = strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if w == "" {
			continue
		}

		hasLetter := strings.ContainsFunc(w, unicode.IsLetter)
		if !hasLetter {
			continue
		}

		if hasEmbeddedDigit(w) {
			embedded++
		}

		alpha := strings.ToLower(w)
		if !strings.ContainsFunc(alpha, unicode.IsDigit) {
			alphaWords++
			if longestRepeatRun(alpha) > maxRepeatRun {
				repeat++
			}
			if longestConsonantRun(alpha) > maxConsonantRun {
				consonant++
			}
			if len([]rune(alpha)) >= 4 && !strings.ContainsFunc(alpha, isVowel) {
				vowelless++
			}
		}
	}

	// Embedded digits are measured against all letter-bearing words; the
	// other shapes only against purely alphabetic words.
	letterWords := alphaWords + embedded
	s := shapeStats{}
	if letterWords > 0 {
		s.embeddedDigitRatio = float64(embedded) / float64(letterWords)
	}
	if alphaWords > 0 {
		s.repeatRunRatio = float64(repeat) / float64(alphaWords)
		s.consonantRunRatio = float64(consonant) / float64(alphaWords)
		s.vowellessRatio = float64(vowelless) / float64(alphaWords)
	}
	return s
}

// hasEmbeddedDigit reports whether a digit sits between letters, as in
// "he11o" or "c0ntract". Trailing or leading digits ("page3", "3rd") are
// normal and excluded.
func hasEmbeddedDigit(w string) bool {
	runes := []rune(w)
	for i := 1; i < len(runes)-1; i++ {
		if unicode.IsDigit(runes[i]) && unicode.IsLetter(runes[i-1]) && unicode.IsLetter(runes[i+1]) {
			return true
		}
	}
	return false
}

func longestRepeatRun(w string) int {
	longest, run := 0, 0
	var prev rune
	for _, r := range w {
		if r == prev && unicode.IsLetter(r) {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
		prev = r
	}
	return longest
}

func longestConsonantRun(w string) int {
	longest, run := 0, 0
	for _, r := range w {
		if unicode.IsLetter(r) && !isVowel(r) {
			run++
		} else {
			run = 0
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

// isVowel treats y as a vowel so consonant-run counting does not punish
// words like "rhythm"; umlauts cover the German wordlists.
func isVowel(r rune) bool {
	switch unicode.ToLower(r) {
	case 'a', 'e', 'i', 'o', 'u', 'y', 'ä', 'ö', 'ü':
		return true
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
