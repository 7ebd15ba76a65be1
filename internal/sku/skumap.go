package sku

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nanainternational/nana-renewal-sub000/pkg/types"
)

var combinationSeparators = strings.NewReplacer("&gt;", ">", "&amp;gt;", ">")

// ParseSkuMap decodes either the marketplace object form
// ({"红色&gt;S": {"price": "12.50", "canBookCount": 30}}) or a plain array of
// {name, price, stock}. Object entries are returned sorted by name.
func ParseSkuMap(data []byte) ([]types.SkuMapEntry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var raw []map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode sku map array: %w", err)
		}
		entries := make([]types.SkuMapEntry, 0, len(raw))
		for _, fields := range raw {
			name := scalar(fields["name"])
			if name == "" {
				name = scalar(fields["specAttrs"])
			}
			if e, ok := entryFrom(name, fields); ok {
				entries = append(entries, e)
			}
		}
		return entries, nil
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode sku map: %w", err)
	}
	entries := make([]types.SkuMapEntry, 0, len(raw))
	for name, fields := range raw {
		if e, ok := entryFrom(name, fields); ok {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func entryFrom(name string, fields map[string]any) (types.SkuMapEntry, bool) {
	name = strings.TrimSpace(combinationSeparators.Replace(name))
	if name == "" {
		return types.SkuMapEntry{}, false
	}
	return types.SkuMapEntry{
		Name:  name,
		Price: firstNonEmpty(scalar(fields["discountPrice"]), scalar(fields["price"])),
		Stock: firstNonEmpty(scalar(fields["canBookCount"]), scalar(fields["stock"])),
	}, true
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// Lookup finds price and stock for a label: exact name first, then a name
// containing the label, then a name contained in the label. Both values are
// empty when nothing matches.
//
// The substring fallback is lenient on purpose; "Red" can match "Dark Red"
// when no exact entry exists.
func Lookup(entries []types.SkuMapEntry, label string) (price, stock string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", ""
	}
	for _, e := range entries {
		if e.Name == label {
			return e.Price, e.Stock
		}
	}
	for _, e := range entries {
		if e.Name != "" && (strings.Contains(e.Name, label) || strings.Contains(label, e.Name)) {
			return e.Price, e.Stock
		}
	}
	return "", ""
}

// Apply joins price and stock onto every item. It returns a new slice.
func Apply(groups []types.SkuGroup, entries []types.SkuMapEntry) []types.SkuGroup {
	out := make([]types.SkuGroup, len(groups))
	for i, g := range groups {
		items := make([]types.SkuItem, len(g.Items))
		for j, it := range g.Items {
			if len(entries) > 0 {
				it.Price, it.Stock = Lookup(entries, it.Label)
			}
			items[j] = it
		}
		out[i] = types.SkuGroup{Title: g.Title, Items: items}
	}
	return out
}
