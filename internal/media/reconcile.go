package media

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/nanainternational/nana-renewal-sub000/pkg/types"
)

// HarvestKind records which attribute a DOM-harvested URL came from.
type HarvestKind string

const (
	KindZoom    HarvestKind = "zoom"
	KindDataSrc HarvestKind = "data-src"
	KindSrc     HarvestKind = "src"
	KindRel     HarvestKind = "rel"
	KindVideo   HarvestKind = "video"
	KindSource  HarvestKind = "source"
)

// HarvestedURL is one attribute value read from the live DOM.
type HarvestedURL struct {
	Kind HarvestKind `json:"kind"`
	URL  string      `json:"url"`
}

// Evidence bundles the independent sources gathered for one page. Any of
// them may be empty.
type Evidence struct {
	HTML    string
	DOM     []HarvestedURL
	Network []string
}

// Reconciled is the partitioned, deduplicated media of a product page.
type Reconciled struct {
	MainImages   []string
	DetailImages []string
	DetailVideos []string
	MainMedia    []types.MediaItem
	DetailMedia  []types.MediaItem
}

var lazyAttrs = []string{"data-src", "data-lazyload-src", "data-original", "data-lazy-src"}

// Reconcile merges the evidence into main images, detail images and detail
// videos. Lists keep first-seen order and never share a canonical key.
func (c *Classifier) Reconcile(ev Evidence) Reconciled {
	main := newOrderedSet()
	detail := newOrderedSet()
	videos := newOrderedSet()

	c.scanHTML(ev.HTML, main, detail, videos)

	for _, h := range ev.DOM {
		switch h.Kind {
		case KindZoom:
			main.add(c.PickClean(h.URL))
		case KindVideo, KindSource:
			videos.add(c.cleanVideo(h.URL))
		default:
			if c.IsVideoURL(h.URL) {
				videos.add(c.cleanVideo(h.URL))
				continue
			}
			detail.add(c.PickClean(h.URL))
		}
	}

	for _, raw := range ev.Network {
		if c.IsVideoURL(raw) {
			videos.add(c.cleanVideo(raw))
			continue
		}
		if u := c.PickClean(raw); u != "" && c.IsProductImage(u) {
			detail.add(u)
		}
	}

	keep := func(u string) bool {
		return c.IsProductImage(u) && !c.LooksLikeUIAsset(u) && !c.IsPlaceholder(u)
	}

	if main.size() < c.minMain {
		borrowed := 0
		for _, u := range detail.items {
			if c.backfillLimit > 0 && borrowed >= c.backfillLimit {
				break
			}
			if keep(u) && main.add(u) {
				borrowed++
			}
		}
	}

	mainImages := main.filter(keep)
	mainKeys := make(map[string]struct{}, len(mainImages))
	for _, u := range mainImages {
		mainKeys[CanonicalKey(u)] = struct{}{}
	}
	detailImages := detail.filter(func(u string) bool {
		if !keep(u) {
			return false
		}
		_, dup := mainKeys[CanonicalKey(u)]
		return !dup
	})
	detailVideos := videos.filter(func(string) bool { return true })

	out := Reconciled{
		MainImages:   mainImages,
		DetailImages: detailImages,
		DetailVideos: detailVideos,
		MainMedia:    make([]types.MediaItem, 0, len(mainImages)),
		DetailMedia:  make([]types.MediaItem, 0, len(detailImages)+len(detailVideos)),
	}
	for _, u := range mainImages {
		out.MainMedia = append(out.MainMedia, types.MediaItem{Type: types.MediaImage, URL: u, Selected: true})
	}
	for _, u := range detailImages {
		out.DetailMedia = append(out.DetailMedia, types.MediaItem{Type: types.MediaImage, URL: u, Selected: true})
	}
	for _, u := range detailVideos {
		out.DetailMedia = append(out.DetailMedia, types.MediaItem{Type: types.MediaVideo, URL: u, Selected: false})
	}
	return out
}

// scanHTML walks the raw markup with a tokenizer. Zoom-lens images feed the
// main set; ordinary images feed the detail set and, when they carry no lazy
// attribute, the main set as well.
func (c *Classifier) scanHTML(doc string, main, detail, videos *orderedSet) {
	if strings.TrimSpace(doc) == "" {
		return
	}
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF or a tokenizer error: keep whatever was collected.
			return
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		switch tok.Data {
		case "img":
			attrs := attrMap(tok.Attr)
			if c.isZoomMarker(attrs["class"], attrs["id"], attrs["data-role"]) {
				main.add(c.PickClean(firstNonEmpty(attrs["rel"], attrs["data-src"], attrs["src"])))
				continue
			}
			lazy := ""
			for _, name := range lazyAttrs {
				if v := attrs[name]; v != "" {
					lazy = v
					break
				}
			}
			detail.add(c.PickClean(lazy))
			detail.add(c.PickClean(attrs["src"]))
			if lazy == "" {
				main.add(c.PickClean(attrs["src"]))
			}
		case "video", "source":
			attrs := attrMap(tok.Attr)
			if src := attrs["src"]; src != "" && (tok.Data == "video" || c.IsVideoURL(src)) {
				videos.add(c.cleanVideo(src))
			}
		}
	}
}

func (c *Classifier) cleanVideo(u string) string {
	u = NormalizeURL(u)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return ""
	}
	if c.IsPlaceholder(u) || c.LooksLikeUIAsset(u) {
		return ""
	}
	return u
}

func attrMap(attrs []html.Attribute) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if _, seen := out[key]; !seen {
			out[key] = strings.TrimSpace(a.Val)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// orderedSet is a first-seen ordered list deduplicated by CanonicalKey.
type orderedSet struct {
	items []string
	seen  map[string]struct{}
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (s *orderedSet) add(u string) bool {
	if u == "" {
		return false
	}
	key := CanonicalKey(u)
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	s.items = append(s.items, u)
	return true
}

func (s *orderedSet) size() int { return len(s.items) }

func (s *orderedSet) filter(keep func(string) bool) []string {
	out := make([]string, 0, len(s.items))
	for _, u := range s.items {
		if keep(u) {
			out = append(out, u)
		}
	}
	return out
}
