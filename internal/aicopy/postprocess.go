package aicopy

import (
	"html"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// MaxKeywords caps every keyword channel.
const MaxKeywords = 5

var lineBreakTags = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</li>`)

// Stripper removes color vocabulary from generated copy. Hangul words match as
// substrings; Latin words match on word boundaries, case-insensitively.
type Stripper struct {
	hangul []string
	latin  *regexp.Regexp
	policy *bluemonday.Policy
}

// NewStripper compiles the color denylist.
func NewStripper(colorWords []string) *Stripper {
	seen := make(map[string]struct{}, len(colorWords))
	var hangul, latin []string
	for _, w := range colorWords {
		w = strings.ToLower(strings.TrimSpace(norm.NFC.String(w)))
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		if isASCII(w) {
			latin = append(latin, regexp.QuoteMeta(w))
		} else {
			hangul = append(hangul, w)
		}
	}
	longestFirst := func(list []string) {
		sort.SliceStable(list, func(i, j int) bool { return len(list[i]) > len(list[j]) })
	}
	longestFirst(hangul)
	longestFirst(latin)

	s := &Stripper{hangul: hangul, policy: bluemonday.StrictPolicy()}
	if len(latin) > 0 {
		s.latin = regexp.MustCompile(`(?i)\b(?:` + strings.Join(latin, "|") + `)\b`)
	}
	return s
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func (s *Stripper) remove(text string) string {
	text = norm.NFC.String(text)
	for _, w := range s.hangul {
		text = strings.ReplaceAll(text, w, " ")
	}
	if s.latin != nil {
		text = s.latin.ReplaceAllString(text, " ")
	}
	return text
}

// ContainsColor reports whether text mentions any color word.
func (s *Stripper) ContainsColor(text string) bool {
	text = norm.NFC.String(text)
	for _, w := range s.hangul {
		if strings.Contains(text, w) {
			return true
		}
	}
	return s.latin != nil && s.latin.MatchString(text)
}

// Title strips color words from a product name and collapses whitespace.
func (s *Stripper) Title(text string) string {
	return collapseSpaces(s.remove(text))
}

// Editor reduces the editor copy to plain text, strips color words and tidies
// whitespace line by line. Paragraph breaks survive; runs of blank lines fold
// into one.
func (s *Stripper) Editor(text string) string {
	text = lineBreakTags.ReplaceAllString(text, "\n")
	plain := html.UnescapeString(s.policy.Sanitize(text))
	plain = strings.ReplaceAll(plain, "\r\n", "\n")
	lines := strings.Split(s.remove(plain), "\n")

	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = collapseSpaces(line)
		if line == "" {
			if len(out) > 0 && !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

// Keywords drops every keyword that mentions a color, removes duplicates and
// keeps at most MaxKeywords entries in their original order.
func (s *Stripper) Keywords(keywords []string) []string {
	out := make([]string, 0, MaxKeywords)
	seen := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(strings.TrimLeft(collapseSpaces(norm.NFC.String(kw)), "#"))
		if kw == "" || s.ContainsColor(kw) {
			continue
		}
		key := strings.ToLower(kw)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, kw)
		if len(out) == MaxKeywords {
			break
		}
	}
	return out
}

// Apply runs the full post-processing over parsed copy.
func (s *Stripper) Apply(c Copy) Copy {
	return Copy{
		ProductName:     s.Title(c.ProductName),
		Editor:          s.Editor(c.Editor),
		CoupangKeywords: s.Keywords(c.CoupangKeywords),
		AblyKeywords:    s.Keywords(c.AblyKeywords),
	}
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
