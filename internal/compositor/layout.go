package compositor

import "strings"

// measurer reports the advance width of a string in pixels.
type measurer interface {
	Measure(s string) int
}

// wrapText lays text into lines no wider than maxWidth. Newlines always break.
// A token wider than the line on its own is split by characters.
func wrapText(text string, maxWidth int, m measurer, tok Tokenizer) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		lines = append(lines, wrapParagraph(paragraph, maxWidth, m, tok)...)
	}
	return lines
}

func wrapParagraph(paragraph string, maxWidth int, m measurer, tok Tokenizer) []string {
	if strings.TrimSpace(paragraph) == "" {
		return []string{""}
	}
	var (
		lines   []string
		current string
	)
	flush := func() {
		lines = append(lines, strings.TrimRight(current, " \t"))
		current = ""
	}
	for _, token := range tok.Tokens(paragraph) {
		candidate := current + token
		if m.Measure(strings.TrimRight(candidate, " \t")) <= maxWidth {
			current = candidate
			continue
		}
		if current != "" {
			flush()
			token = strings.TrimLeft(token, " \t")
			if m.Measure(strings.TrimRight(token, " \t")) <= maxWidth {
				current = token
				continue
			}
		}
		// The token alone overflows: fall back to breaking by character.
		for _, ch := range (CharTokenizer{}).Tokens(token) {
			if current != "" && m.Measure(strings.TrimRight(current+ch, " \t")) > maxWidth {
				flush()
				ch = strings.TrimLeft(ch, " \t")
			}
			current += ch
		}
	}
	if current != "" {
		flush()
	}
	return lines
}

// block is measured text ready to draw.
type block struct {
	lines      []string
	lineHeight int
}

func (b block) height() int {
	return len(b.lines) * b.lineHeight
}

// plan is the result of the measuring pass.
type plan struct {
	width        int
	contentWidth int
	padding      int
	title        block
	titleTop     int
	comment      block
	commentTop   int
	imageTop     int
}

// measure runs the first layout pass: text is wrapped and stacked without
// touching a canvas, which fixes the offset where the image column starts.
func measure(title, comment string, width, padding, gap int, titleFace, bodyFace *face, tok Tokenizer) plan {
	p := plan{width: width, contentWidth: width - 2*padding, padding: padding}
	y := padding
	if lines := wrapText(title, p.contentWidth, titleFace, tok); len(lines) > 0 {
		p.title = block{lines: lines, lineHeight: titleFace.lineHeight}
		p.titleTop = y
		y += p.title.height() + gap
	}
	if lines := wrapText(comment, p.contentWidth, bodyFace, tok); len(lines) > 0 {
		p.comment = block{lines: lines, lineHeight: bodyFace.lineHeight}
		p.commentTop = y
		y += p.comment.height() + gap
	}
	p.imageTop = y
	return p
}
