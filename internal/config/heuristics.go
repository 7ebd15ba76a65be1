package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HeuristicsConfig holds the marketplace-specific denylists used by the media
// classifier and the AI copy post-processor. The lists track upstream markup
// and are expected to change without a redeploy: point File at a YAML document
// with the same keys and send SIGHUP to the api process to reload it.
type HeuristicsConfig struct {
	File               string   `yaml:"file"`
	PlaceholderMarkers []string `yaml:"placeholder_markers"`
	UIAssetKeywords    []string `yaml:"ui_asset_keywords"`
	ProductPathMarkers []string `yaml:"product_path_markers"`
	VideoExtensions    []string `yaml:"video_extensions"`
	TransformQueryKeys []string `yaml:"transform_query_keys"`
	ZoomMarkers        []string `yaml:"zoom_markers"`
	ColorWords         []string `yaml:"color_words"`
}

// DefaultHeuristics returns the built-in lists tuned for 1688 and VVIC pages.
func DefaultHeuristics() HeuristicsConfig {
	return HeuristicsConfig{
		PlaceholderMarkers: []string{
			"no_image", "noimage", "no-image", "nopic", "no_pic",
			"placeholder", "spaceball.gif", "blank.gif", "default_img", "lazyload.png",
		},
		UIAssetKeywords: []string{
			"/tps/", "/tfs/", "logo", "icon", "sprite", "avatar",
			"qrcode", "qr_code", "/qr/", "login", "flag", "weibo", "wechat", "weixin",
			"share", "loading", "arrow", "btn_", "/btn/", "banner_ad", "/static/",
			"/css/", "/assets/", "/theme/", "/skin/", ".svg", ".ico", "1x1", "pixel.gif",
		},
		ProductPathMarkers: []string{"/img/ibank/", "/upload/", "/imgextra/"},
		VideoExtensions:    []string{".mp4", ".webm", ".mov", ".m3u8", ".flv", ".avi", ".mkv", ".m4v"},
		TransformQueryKeys: []string{
			"x-oss-process", "imageview2", "imagemogr2", "w", "h", "width", "height",
			"quality", "q", "format", "fm", "resize", "fit", "crop",
		},
		ZoomMarkers: []string{"zoom", "magnifier", "detail-gallery-img", "vertical-img"},
		ColorWords: []string{
			"블랙", "화이트", "레드", "블루", "네이비", "그레이", "그린", "옐로우", "옐로", "핑크",
			"퍼플", "브라운", "베이지", "아이보리", "카키", "오렌지", "민트", "와인", "버건디",
			"차콜", "실버", "골드", "크림", "라벤더", "스카이블루", "소라", "연두", "멜란지",
			"오트밀", "카멜", "코랄", "머스타드", "라이트그레이", "다크그레이", "차콜그레이",
			"검정색", "검정", "검은색", "흰색", "하얀색", "빨간색", "빨강", "파란색", "파랑",
			"노란색", "노랑", "초록색", "초록", "분홍색", "분홍", "보라색", "보라", "갈색",
			"회색", "남색", "하늘색", "주황색", "주황", "연청", "진청", "중청", "흑청",
			"black", "white", "red", "blue", "navy", "gray", "grey", "green", "yellow",
			"pink", "purple", "brown", "beige", "ivory", "khaki", "orange", "mint",
			"burgundy", "charcoal", "silver", "gold", "cream", "lavender", "camel", "coral",
		},
	}
}

// LoadHeuristicsFile overlays the lists found in path onto base. Lists absent
// from the file keep their base values.
func LoadHeuristicsFile(path string, base HeuristicsConfig) (HeuristicsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HeuristicsConfig{}, fmt.Errorf("read heuristics file: %w", err)
	}
	var overlay HeuristicsConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return HeuristicsConfig{}, fmt.Errorf("decode heuristics file: %w", err)
	}
	merged := base
	merged.File = path
	pick := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	pick(&merged.PlaceholderMarkers, overlay.PlaceholderMarkers)
	pick(&merged.UIAssetKeywords, overlay.UIAssetKeywords)
	pick(&merged.ProductPathMarkers, overlay.ProductPathMarkers)
	pick(&merged.VideoExtensions, overlay.VideoExtensions)
	pick(&merged.TransformQueryKeys, overlay.TransformQueryKeys)
	pick(&merged.ZoomMarkers, overlay.ZoomMarkers)
	pick(&merged.ColorWords, overlay.ColorWords)
	merged.normalise()
	return merged, nil
}

func (h *HeuristicsConfig) normalise() {
	h.PlaceholderMarkers = dedupeLower(h.PlaceholderMarkers)
	h.UIAssetKeywords = dedupeLower(h.UIAssetKeywords)
	h.ProductPathMarkers = dedupeLower(h.ProductPathMarkers)
	h.VideoExtensions = dedupeLower(h.VideoExtensions)
	h.TransformQueryKeys = dedupeLower(h.TransformQueryKeys)
	h.ZoomMarkers = dedupeLower(h.ZoomMarkers)
	h.ColorWords = dedupeLower(h.ColorWords)
}
