package api

import (
	"github.com/nanainternational/nana-renewal-sub000/internal/storage"
	"github.com/nanainternational/nana-renewal-sub000/pkg/types"
)

// ExtractRequest names the product page to extract.
type ExtractRequest struct {
	URL string `json:"url"`
}

// ExtractResponse is the reconciled media and option set of one product page.
type ExtractResponse struct {
	OK           bool              `json:"ok"`
	SourceURL    string            `json:"source_url"`
	FinalURL     string            `json:"final_url,omitempty"`
	Title        string            `json:"title,omitempty"`
	MainImages   []string          `json:"main_images"`
	DetailImages []string          `json:"detail_images"`
	DetailVideos []string          `json:"detail_videos"`
	MainMedia    []types.MediaItem `json:"main_media"`
	DetailMedia  []types.MediaItem `json:"detail_media"`
	SkuGroups    []types.SkuGroup  `json:"sku_groups"`
}

func newExtractResponse(res *types.ExtractionResult) ExtractResponse {
	return ExtractResponse{
		OK:           true,
		SourceURL:    res.SourceURL,
		FinalURL:     res.FinalURL,
		Title:        res.Title,
		MainImages:   nonNilStrings(res.MainImages),
		DetailImages: nonNilStrings(res.DetailImages),
		DetailVideos: nonNilStrings(res.DetailVideos),
		MainMedia:    nonNilMedia(res.MainMedia),
		DetailMedia:  nonNilMedia(res.DetailMedia),
		SkuGroups:    nonNilGroups(res.SkuGroups),
	}
}

// AIDetailRequest asks for listing copy. ImageURL is accepted for single-image
// clients and merged into ImageURLs.
type AIDetailRequest struct {
	ImageURLs     []string `json:"image_urls"`
	ImageURL      string   `json:"image_url"`
	SourceURL     string   `json:"source_url"`
	PromptVersion string   `json:"prompt_version"`
}

// AIDetailResponse carries generated or cached copy.
type AIDetailResponse struct {
	OK              bool     `json:"ok"`
	Cached          bool     `json:"cached"`
	ProductName     string   `json:"product_name"`
	Editor          string   `json:"editor"`
	CoupangKeywords []string `json:"coupang_keywords"`
	AblyKeywords    []string `json:"ably_keywords"`
	Balance         *int64   `json:"balance,omitempty"`
}

// ComposeRequest is the detail page to render.
type ComposeRequest struct {
	Title     string   `json:"title"`
	Comment   string   `json:"comment"`
	ImageURLs []string `json:"image_urls"`
}

// WalletResponse reports the caller's balance.
type WalletResponse struct {
	OK      bool  `json:"ok"`
	Balance int64 `json:"balance"`
}

// GenerationHistoryResponse pages through cached generations.
type GenerationHistoryResponse struct {
	OK bool `json:"ok"`
	storage.GenerationPage
}

// UsageHistoryResponse pages through wallet debits.
type UsageHistoryResponse struct {
	OK bool `json:"ok"`
	storage.UsagePage
}

// ErrorResponse is the envelope of every failed API call.
type ErrorResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMedia(v []types.MediaItem) []types.MediaItem {
	if v == nil {
		return []types.MediaItem{}
	}
	return v
}

func nonNilGroups(v []types.SkuGroup) []types.SkuGroup {
	if v == nil {
		return []types.SkuGroup{}
	}
	return v
}
