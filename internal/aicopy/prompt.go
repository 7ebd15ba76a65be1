package aicopy

import (
	"fmt"
	"strings"
)

const systemPrompt = `You write Korean product listings for fashion marketplaces.
Answer with one JSON object and nothing else.`

// promptTemplates are keyed by prompt version. Unknown versions fall back to
// the newest template but still take part in the request key.
var promptTemplates = map[string]string{
	"v2": `Look at the %d product photos and write:
- product_name: a short Korean product name
- editor: 3 to 5 sentences of Korean editor copy
- coupang_keywords: 5 Korean search keywords
- ably_keywords: 5 Korean search keywords
Return JSON with exactly those keys.`,
	"v3": `Look at the %d product photos of one item sold on 1688 and write Korean listing copy.
Rules:
- Never mention colors. Merchants choose color options later.
- Do not invent materials or sizes that are not visible.
- product_name: at most 40 characters, no brand names.
- editor: 3 to 5 short paragraphs separated by blank lines, friendly tone.
- coupang_keywords: exactly 5 search keywords for Coupang.
- ably_keywords: exactly 5 search keywords for Ably.
Return JSON: {"product_name": "", "editor": "", "coupang_keywords": [], "ably_keywords": []}`,
}

const latestPromptVersion = "v3"

func buildPrompt(version string, images int) string {
	tmpl, ok := promptTemplates[strings.TrimSpace(version)]
	if !ok {
		tmpl = promptTemplates[latestPromptVersion]
	}
	return fmt.Sprintf(tmpl, images)
}
