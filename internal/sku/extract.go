package sku

import (
	"encoding/json"
	"strings"

	"github.com/nanainternational/nana-renewal-sub000/pkg/types"
)

// Extract pulls option groups out of a rendered product page. Embedded
// skuProps JSON wins over option markup; an embedded skuMap supplies price
// and stock. It never fails: unusable input yields an empty slice.
func Extract(page string) []types.SkuGroup {
	groups := []types.SkuGroup{}

	if raw := embeddedJSON(page, "skuProps"); raw != nil {
		if parsed, err := FromGroups(raw); err == nil {
			groups = parsed
		}
	}
	if len(groups) == 0 {
		if parsed, err := FromMarkup(page); err == nil && len(parsed) > 0 {
			groups = parsed
		}
	}
	if len(groups) == 0 {
		return groups
	}

	if raw := embeddedJSON(page, "skuMap"); raw != nil {
		if entries, err := ParseSkuMap(raw); err == nil {
			groups = Apply(groups, entries)
		}
	}
	return groups
}

// embeddedJSON decodes the JSON value following the first "key": in a page
// script. The value may be followed by arbitrary script text.
func embeddedJSON(page, key string) json.RawMessage {
	needle := `"` + key + `"`
	from := 0
	for {
		idx := strings.Index(page[from:], needle)
		if idx < 0 {
			return nil
		}
		rest := strings.TrimLeft(page[from+idx+len(needle):], " \t\r\n")
		from += idx + len(needle)
		if !strings.HasPrefix(rest, ":") {
			continue
		}
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(rest[1:])).Decode(&raw); err != nil {
			continue
		}
		return raw
	}
}
