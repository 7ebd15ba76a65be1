package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
)

func newTestClassifier() *Classifier {
	return NewClassifier(config.DefaultHeuristics(), Options{MinMainImages: 3, BackfillLimit: 30})
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"":                                      "",
		"   ":                                   "",
		"//img.alicdn.com/a.jpg":                "https://img.alicdn.com/a.jpg",
		`https:\/\/cbu01.alicdn.com\/a.jpg`:     "https://cbu01.alicdn.com/a.jpg",
		`https:\u002F\u002Fx.vvic.com\u002Fa.jpg`: "https://x.vvic.com/a.jpg",
		"https://a.com/x.jpg?a=1&amp;b=2":       "https://a.com/x.jpg?a=1&b=2",
		`\/\/img.alicdn.com\/b.png`:             "https://img.alicdn.com/b.png",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeURL(in), "input %q", in)
	}
}

func TestCanonicalKeyIdempotent(t *testing.T) {
	inputs := []string{
		"//IMG.alicdn.com/img/ibank/A.jpg?x-oss-process=image/resize,w_200#top",
		`https:\/\/cbu01.alicdn.com\/img\/ibank\/O1CN01.jpg`,
		"https://a.com/x&amp;amp;y.jpg",
		"  HTTPS://Example.com/Path/To.PNG  ",
		"not a url at all",
		"",
	}
	for _, u := range inputs {
		key := CanonicalKey(u)
		assert.Equal(t, key, CanonicalKey(NormalizeURL(u)), "normalize first: %q", u)
		assert.Equal(t, key, CanonicalKey(key), "twice: %q", u)
		assert.Equal(t, NormalizeURL(u), NormalizeURL(NormalizeURL(u)), "normalize twice: %q", u)
	}
}

func TestStripTransformQuery(t *testing.T) {
	c := newTestClassifier()

	assert.Equal(t,
		"https://cbu01.alicdn.com/img/ibank/a.jpg",
		c.StripTransformQuery("https://cbu01.alicdn.com/img/ibank/a.jpg?x-oss-process=image/resize,w_400"))
	assert.Equal(t,
		"https://cbu01.alicdn.com/img/ibank/a.jpg",
		c.StripTransformQuery("https://cbu01.alicdn.com/img/ibank/a.jpg?w=300&h=300#frag"))

	signed := "https://cloud.video.taobao.com/play/u/1/p/1/e/6/t/1/v.mp4?auth_key=1700000000-0-0-abc"
	assert.Equal(t, signed, c.StripTransformQuery(signed))
	assert.Equal(t, signed, c.StripTransformQuery(signed+"#t=3"))
}

func TestClassifierExclusivity(t *testing.T) {
	c := newTestClassifier()
	urls := []string{
		"https://cbu01.alicdn.com/img/ibank/O1CN01abc.jpg",
		"https://cbu01.alicdn.com/img/ibank/O1CN01abc.mp4",
		"https://cloud.video.taobao.com/upload/clip.MOV",
		"https://img.vvic.com/upload/1700000000_123.webm",
		"https://img.vvic.com/upload/1700000000_123.png",
		"https://g.alicdn.com/static/icon.png",
		"",
		"::bad::",
	}
	for _, u := range urls {
		assert.False(t, c.IsVideoURL(u) && c.IsProductImage(u), "both video and product image: %q", u)
	}
	assert.True(t, c.IsVideoURL("https://cloud.video.taobao.com/upload/clip.MOV"))
	assert.True(t, c.IsProductImage("https://img.vvic.com/upload/1700000000_123.png"))
	assert.False(t, c.IsProductImage("https://g.alicdn.com/static/icon.png"))
}

func TestPickClean(t *testing.T) {
	c := newTestClassifier()

	assert.Empty(t, c.PickClean(""))
	assert.Empty(t, c.PickClean("https://cbu01.alicdn.com/images/no_image.png"))
	assert.Empty(t, c.PickClean("//img.alicdn.com/tfs/TB1header.png"))
	assert.Empty(t, c.PickClean("https://img.alicdn.com/imgextra/qrcode_app.png"))
	assert.Equal(t,
		"https://cbu01.alicdn.com/img/ibank/O1CN01x.jpg",
		c.PickClean(`\/\/cbu01.alicdn.com\/img\/ibank\/O1CN01x.jpg?x-oss-process=image/format,webp`))
}

func TestHolderSwap(t *testing.T) {
	first := newTestClassifier()
	h := NewHolder(first)
	require.Same(t, first, h.Load())

	h.Swap(nil)
	require.Same(t, first, h.Load())

	heur := config.DefaultHeuristics()
	heur.ProductPathMarkers = []string{"/custom/"}
	second := NewClassifier(heur, Options{MinMainImages: 3, BackfillLimit: 30})
	h.Swap(second)
	require.Same(t, second, h.Load())
	assert.True(t, h.Load().IsProductImage("https://a.example.com/custom/a.jpg"))
}
