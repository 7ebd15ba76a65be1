package compositor

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tokenizer splits one paragraph into the units a line may break between.
// Concatenating the tokens must give back the paragraph.
type Tokenizer interface {
	Tokens(paragraph string) []string
}

// CharTokenizer breaks anywhere. Hangul, Han and Kana copy is laid out this way.
type CharTokenizer struct{}

// Tokens returns every rune as its own token.
func (CharTokenizer) Tokens(paragraph string) []string {
	out := make([]string, 0, utf8.RuneCountInString(paragraph))
	for _, r := range paragraph {
		out = append(out, string(r))
	}
	return out
}

// WordTokenizer breaks only at spaces. Each token is a word with its
// trailing whitespace attached.
type WordTokenizer struct{}

// Tokens returns words with their trailing spaces.
func (WordTokenizer) Tokens(paragraph string) []string {
	var (
		out   []string
		start int
		inGap bool
	)
	for i, r := range paragraph {
		space := unicode.IsSpace(r)
		if inGap && !space {
			out = append(out, paragraph[start:i])
			start = i
		}
		inGap = space
	}
	if start < len(paragraph) {
		out = append(out, paragraph[start:])
	}
	return out
}

// TokenizerFor picks the line-breaking strategy for a locale.
func TokenizerFor(locale string) Tokenizer {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(locale, "-_"); i >= 0 {
		locale = locale[:i]
	}
	switch locale {
	case "ko", "zh", "ja", "":
		return CharTokenizer{}
	default:
		return WordTokenizer{}
	}
}
