package quality

import (
	"fmt"
	"strings"
	"unicode"
)

// scoreDictionary measures what fraction of a page's alphabetic tokens the
// vocabulary recognizes, normalized so that hitting DictionaryTarget counts
// as a perfect score. The base wordlists carry only high-frequency forms,
// so even clean prose never reaches 100% known tokens; the target keeps the
// signal calibrated to that reality.
//
// detectedLang selects a per-language wordlist when auto-detection resolved
// one; otherwise the union vocabulary across all configured languages is
// used. Custom words participate in every lookup.
func (a *Analyzer) scoreDictionary(text, detectedLang string) (float64, string) {
	words := a.wordsForLanguage(detectedLang)

	known, total := 0, 0
	for _, raw := range strings.Fields(text) {
		token := strings.TrimFunc(raw, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if token == "" || !strings.ContainsFunc(token, unicode.IsLetter) {
			continue
		}
		if strings.ContainsFunc(token, unicode.IsDigit) {
			// Mixed tokens like invoice numbers are vocabulary-neutral.
			continue
		}

		total++
		if a.tokenKnown(token, words) {
			known++
		}
	}

	if total == 0 {
		return 0, "no alphabetic tokens"
	}

	ratio := float64(known) / float64(total)
	score := clamp(ratio/a.cfg.DictionaryTarget, 0, 1)

	detail := fmt.Sprintf("known=%d/%d (%.0f%%)", known, total, ratio*100)
	if detectedLang != "" {
		detail += " lang=" + detectedLang
	}
	return score, detail
}

// wordsForLanguage returns the lookup set for the detected language, or the
// union vocabulary when detection was off or inconclusive.
func (a *Analyzer) wordsForLanguage(lang string) map[string]struct{} {
	if lang == "" {
		return a.unionWords
	}
	words, ok := a.wordsByLang[lang]
	if !ok {
		return a.unionWords
	}
	return words
}

// tokenKnown decides whether one alphabetic token counts as recognized.
// Beyond a direct wordlist hit, short tokens, proper-noun-shaped tokens,
// and hyphenated compounds of known parts all count: names, initials, and
// compounds are legitimate text the wordlists cannot enumerate.
func (a *Analyzer) tokenKnown(token string, words map[string]struct{}) bool {
	lower := strings.ToLower(token)

	if _, ok := words[lower]; ok {
		return true
	}
	if _, ok := a.custom[lower]; ok {
		return true
	}

	runes := []rune(token)
	if len(runes) <= 2 {
		return true
	}

	// Proper-noun shape: leading capital, rest lowercase.
	if unicode.IsUpper(runes[0]) {
		rest := string(runes[1:])
		if rest == strings.ToLower(rest) && len(runes) <= 20 {
			return true
		}
	}

	// Hyphenated compound: known when every alphabetic part is known.
	if strings.Contains(lower, "-") {
		parts := strings.Split(lower, "-")
		allKnown := len(parts) > 1
		for _, p := range parts {
			if p == "" {
				continue
			}
			if _, ok := words[p]; ok {
				continue
			}
			if _, ok := a.custom[p]; ok {
				continue
			}
			if len([]rune(p)) <= 2 {
				continue
			}
			allKnown = false
			break
		}
		if allKnown {
			return true
		}
	}

	return false
}
