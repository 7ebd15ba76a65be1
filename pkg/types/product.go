package types

import "time"

// MediaType distinguishes still images from video assets.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// MediaItem is a reconciled asset offered to the user for selection.
type MediaItem struct {
	Type     MediaType `json:"type"`
	URL      string    `json:"url"`
	Selected bool      `json:"selected"`
}

// SkuItem is one purchasable option inside a SKU group.
type SkuItem struct {
	Label    string `json:"label"`
	ImageURL string `json:"image_url,omitempty"`
	Disabled bool   `json:"disabled"`
	Price    string `json:"price,omitempty"`
	Stock    string `json:"stock,omitempty"`
}

// SkuGroup is a named option dimension such as colour or size.
type SkuGroup struct {
	Title string    `json:"title"`
	Items []SkuItem `json:"items"`
}

// SkuMapEntry carries price and stock for a SKU combination name.
type SkuMapEntry struct {
	Name  string `json:"name"`
	Price string `json:"price,omitempty"`
	Stock string `json:"stock,omitempty"`
}

// ExtractionResult is the outcome of one product page extraction.
type ExtractionResult struct {
	SourceURL    string      `json:"source_url"`
	FinalURL     string      `json:"final_url,omitempty"`
	Title        string      `json:"title,omitempty"`
	MainImages   []string    `json:"main_images"`
	DetailImages []string    `json:"detail_images"`
	DetailVideos []string    `json:"detail_videos"`
	MainMedia    []MediaItem `json:"main_media"`
	DetailMedia  []MediaItem `json:"detail_media"`
	SkuGroups    []SkuGroup  `json:"sku_groups"`
	ExtractedAt  time.Time   `json:"extracted_at"`
}
