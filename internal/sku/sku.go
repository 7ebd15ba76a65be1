// Package sku normalizes the product option structures found on marketplace
// pages. Pre-grouped JSON, flat property lists and raw option markup all map
// to the same []types.SkuGroup.
package sku

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/nanainternational/nana-renewal-sub000/internal/media"
	"github.com/nanainternational/nana-renewal-sub000/pkg/types"
)

// Normalize trims labels, keeps the first occurrence of each label within a
// group and drops empty groups. Group order and item order are preserved.
func Normalize(groups []types.SkuGroup) []types.SkuGroup {
	out := make([]types.SkuGroup, 0, len(groups))
	for _, g := range groups {
		title := collapseSpace(g.Title)
		seen := make(map[string]struct{}, len(g.Items))
		items := make([]types.SkuItem, 0, len(g.Items))
		for _, it := range g.Items {
			label := collapseSpace(it.Label)
			if label == "" {
				continue
			}
			if _, dup := seen[label]; dup {
				continue
			}
			seen[label] = struct{}{}
			items = append(items, types.SkuItem{
				Label:    label,
				ImageURL: media.NormalizeURL(it.ImageURL),
				Disabled: it.Disabled,
				Price:    it.Price,
				Stock:    it.Stock,
			})
		}
		if len(items) == 0 {
			continue
		}
		out = append(out, types.SkuGroup{Title: title, Items: items})
	}
	return out
}

// groupedProp accepts both the canonical shape and the marketplace
// skuProps shape ({"prop": ..., "value": [{"name": ...}]}).
type groupedProp struct {
	Title string        `json:"title"`
	Prop  string        `json:"prop"`
	Items []groupedItem `json:"items"`
	Value []groupedItem `json:"value"`
}

type groupedItem struct {
	Label     string `json:"label"`
	Name      string `json:"name"`
	ImageURL  string `json:"imageUrl"`
	ImageURL2 string `json:"image_url"`
	Disabled  bool   `json:"disabled"`
}

func (it groupedItem) toItem() types.SkuItem {
	return types.SkuItem{
		Label:    firstNonEmpty(it.Label, it.Name),
		ImageURL: firstNonEmpty(it.ImageURL, it.ImageURL2),
		Disabled: it.Disabled,
	}
}

// FromGroups decodes a pre-grouped option array.
func FromGroups(data []byte) ([]types.SkuGroup, error) {
	var props []groupedProp
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("decode sku groups: %w", err)
	}
	groups := make([]types.SkuGroup, 0, len(props))
	for _, p := range props {
		g := types.SkuGroup{Title: firstNonEmpty(p.Title, p.Prop)}
		for _, it := range append(p.Items, p.Value...) {
			g.Items = append(g.Items, it.toItem())
		}
		groups = append(groups, g)
	}
	return Normalize(groups), nil
}

type flatProp struct {
	Group     string `json:"group"`
	Prop      string `json:"prop"`
	Label     string `json:"label"`
	Value     string `json:"value"`
	ImageURL  string `json:"imageUrl"`
	ImageURL2 string `json:"image_url"`
	Disabled  bool   `json:"disabled"`
}

// FromFlat decodes a flat list of {group, label} properties. Groups appear in
// the order their first property appears.
func FromFlat(data []byte) ([]types.SkuGroup, error) {
	var props []flatProp
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("decode flat sku props: %w", err)
	}
	index := make(map[string]int)
	var groups []types.SkuGroup
	for _, p := range props {
		title := collapseSpace(firstNonEmpty(p.Group, p.Prop))
		pos, ok := index[title]
		if !ok {
			pos = len(groups)
			index[title] = pos
			groups = append(groups, types.SkuGroup{Title: title})
		}
		groups[pos].Items = append(groups[pos].Items, types.SkuItem{
			Label:    firstNonEmpty(p.Label, p.Value),
			ImageURL: firstNonEmpty(p.ImageURL, p.ImageURL2),
			Disabled: p.Disabled,
		})
	}
	return Normalize(groups), nil
}

// Selectors for option markup. The data-* forms are what the extractor
// itself emits; the class forms follow the 1688 and VVIC templates.
var (
	groupSelector = "[data-sku-prop], .sku-prop-module, .prop-item-wrapper, .obj-sku, .sku-group"
	titleSelector = "[data-sku-title], .sku-title, .prop-name, .obj-title"
	itemSelector  = "[data-sku-value], .sku-item, .prop-item, .obj-content li"
)

// FromMarkup parses option groups out of rendered markup.
func FromMarkup(markup string) ([]types.SkuGroup, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse sku markup: %w", err)
	}
	var groups []types.SkuGroup
	doc.Find(groupSelector).Each(func(_ int, s *goquery.Selection) {
		// Nested matches are handled by their outermost group.
		if s.ParentsFiltered(groupSelector).Length() > 0 {
			return
		}
		title, ok := s.Attr("data-sku-prop")
		if !ok || strings.TrimSpace(title) == "" {
			title = s.Find(titleSelector).First().Text()
		}
		g := types.SkuGroup{Title: title}
		s.Find(itemSelector).Each(func(_ int, item *goquery.Selection) {
			g.Items = append(g.Items, markupItem(item))
		})
		groups = append(groups, g)
	})
	return Normalize(groups), nil
}

func markupItem(item *goquery.Selection) types.SkuItem {
	label, _ := item.Attr("data-sku-value")
	if strings.TrimSpace(label) == "" {
		label, _ = item.Attr("title")
	}
	if strings.TrimSpace(label) == "" {
		if name := item.Find(".prop-name-item, .name, .sku-name"); name.Length() > 0 {
			label = name.First().Text()
		} else {
			label = item.Text()
		}
	}

	image, _ := item.Attr("data-img")
	if image == "" {
		img := item.Find("img").First()
		image = firstNonEmpty(attr(img, "data-src"), attr(img, "src"))
	}

	disabled := item.HasClass("disabled") || item.HasClass("sku-disabled")
	if v, ok := item.Attr("aria-disabled"); ok && v == "true" {
		disabled = true
	}
	if v, ok := item.Attr("data-disabled"); ok && (v == "true" || v == "1") {
		disabled = true
	}
	return types.SkuItem{Label: label, ImageURL: image, Disabled: disabled}
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
