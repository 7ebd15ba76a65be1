package aicopy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Copy is the structured text the model is asked to produce.
type Copy struct {
	ProductName     string   `json:"product_name"`
	Editor          string   `json:"editor"`
	CoupangKeywords []string `json:"coupang_keywords"`
	AblyKeywords    []string `json:"ably_keywords"`
}

type rawCopy struct {
	ProductName     string      `json:"product_name"`
	Title           string      `json:"title"`
	Editor          string      `json:"editor"`
	Description     string      `json:"description"`
	CoupangKeywords keywordList `json:"coupang_keywords"`
	AblyKeywords    keywordList `json:"ably_keywords"`
}

// keywordList accepts a JSON array or a comma separated string.
type keywordList []string

func (k *keywordList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*k = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return fmt.Errorf("keywords must be a list or string: %w", err)
	}
	var out []string
	for _, part := range strings.FieldsFunc(joined, func(r rune) bool { return r == ',' || r == '\n' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*k = out
	return nil
}

// ParseCopy decodes the model reply. Replies wrapped in code fences or prose
// are recovered by decoding the outermost brace-delimited span.
func ParseCopy(raw string) (Copy, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Copy{}, fmt.Errorf("%w: empty reply", ErrUnparseableOutput)
	}

	var decoded rawCopy
	err := json.Unmarshal([]byte(text), &decoded)
	if err != nil {
		candidate := stripFences(text)
		if start, end := strings.Index(candidate, "{"), strings.LastIndex(candidate, "}"); start >= 0 && end > start {
			candidate = candidate[start : end+1]
		}
		decoded = rawCopy{}
		if err = json.Unmarshal([]byte(candidate), &decoded); err != nil {
			return Copy{}, fmt.Errorf("%w: %w", ErrUnparseableOutput, err)
		}
	}

	c := Copy{
		ProductName:     firstNonEmpty(decoded.ProductName, decoded.Title),
		Editor:          firstNonEmpty(decoded.Editor, decoded.Description),
		CoupangKeywords: decoded.CoupangKeywords,
		AblyKeywords:    decoded.AblyKeywords,
	}
	if c.ProductName == "" && c.Editor == "" {
		return Copy{}, fmt.Errorf("%w: reply has neither product_name nor editor", ErrUnparseableOutput)
	}
	return c, nil
}

func stripFences(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
