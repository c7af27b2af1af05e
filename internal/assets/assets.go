// Package assets provides embedded static assets for the application.
package assets

import (
	"bufio"
	"bytes"
	"embed"
	"strings"
)

// wordlistFS holds the base per-language wordlists used by the dictionary
// quality signal. One word per line, lowercase; lines starting with # are
// comments. Domain-specific vocabulary is layered on top via configuration,
// never by editing these files.
//
//go:embed wordlists/*.txt
var wordlistFS embed.FS

// WordlistLanguages lists the language codes with an embedded base wordlist.
var WordlistLanguages = []string{"en", "de"}

// Wordlist returns the base wordlist for the given ISO 639-1 language code
// as a set. Returns ok=false when no wordlist is embedded for the language.
func Wordlist(lang string) (map[string]struct{}, bool) {
	data, err := wordlistFS.ReadFile("wordlists/" + lang + ".txt")
	if err != nil {
		return nil, false
	}

	words := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		w := strings.TrimSpace(scanner.Text())
		if w == "" || strings.HasPrefix(w, "#") {
			continue
		}
		words[strings.ToLower(w)] = struct{}{}
	}
	return words, true
}
