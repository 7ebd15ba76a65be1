package aicopy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
	"github.com/nanainternational/nana-renewal-sub000/internal/llm"
	"github.com/nanainternational/nana-renewal-sub000/internal/storage"
)

const cost = 10

type fakeModel struct {
	calls   atomic.Int32
	reply   func(call int32) string
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeModel) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	n := f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.reply(n), Model: "vision-test"}, nil
}

func fixedReply(int32) string {
	return `{"product_name":"블랙 니트 원피스","editor":"<p>부드러운 니트</p>","coupang_keywords":["블랙 니트","캐주얼"],"ably_keywords":["데일리룩"]}`
}

func newGenerator(ledger storage.Ledger, model Model) *Generator {
	return NewGenerator(ledger, model, Options{
		Cost:          cost,
		Feature:       "ai_detail_copy",
		TTL:           30 * 24 * time.Hour,
		PromptVersion: "v3",
		ColorWords:    config.DefaultHeuristics().ColorWords,
	}, nil)
}

var sampleRequest = Request{
	UserID:    "user-1",
	SourceURL: "https://detail.1688.com/offer/1.html",
	ImageURLs: []string{"https://cbu01.alicdn.com/img/ibank/a.jpg"},
}

func TestColorWordStripping(t *testing.T) {
	s := NewStripper(config.DefaultHeuristics().ColorWords)

	assert.Equal(t, "니트 원피스", s.Title("블랙 니트 원피스"))
	assert.Equal(t, []string{"캐주얼"}, s.Keywords([]string{"블랙 니트", "캐주얼"}))
	assert.Equal(t, "knit dress", s.Title("Black knit  dress"))
	assert.Equal(t, "Blackberry pattern", s.Title("Blackberry pattern"))
	assert.True(t, s.ContainsColor("NAVY coat"))
	assert.False(t, s.ContainsColor("니트"))
}

func TestStripperEditorPlainText(t *testing.T) {
	s := NewStripper([]string{"블랙"})

	got := s.Editor("<p>블랙 톤의   니트</p><script>alert(1)</script><p></p><p></p><p>편안한 &amp; 부드러운</p>")

	assert.Equal(t, "톤의 니트\n\n편안한 & 부드러운", got)
}

func TestKeywordsDedupedAndCapped(t *testing.T) {
	s := NewStripper(nil)

	got := s.Keywords([]string{"#니트", "니트", " 데일리 ", "", "a", "b", "c", "d"})

	assert.Equal(t, []string{"니트", "데일리", "a", "b", "c"}, got)
}

func TestParseCopyRecovery(t *testing.T) {
	cases := map[string]string{
		"plain":  `{"product_name":"니트","editor":"e","coupang_keywords":["a"],"ably_keywords":"b, c"}`,
		"fenced": "```json\n{\"product_name\":\"니트\",\"editor\":\"e\",\"coupang_keywords\":[\"a\"],\"ably_keywords\":\"b, c\"}\n```",
		"prose":  "Here is the copy you asked for: {\"product_name\":\"니트\",\"editor\":\"e\",\"coupang_keywords\":[\"a\"],\"ably_keywords\":[\"b\",\"c\"]} Hope it helps!",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := ParseCopy(raw)
			require.NoError(t, err)
			assert.Equal(t, "니트", c.ProductName)
			assert.Equal(t, []string{"a"}, c.CoupangKeywords)
			assert.Equal(t, []string{"b", "c"}, c.AblyKeywords)
		})
	}
}

func TestParseCopyFailures(t *testing.T) {
	for _, raw := range []string{"", "I cannot help with that.", `{"product_name": `, `{"coupang_keywords":["a"]}`} {
		_, err := ParseCopy(raw)
		assert.ErrorIs(t, err, ErrUnparseableOutput, raw)
	}
}

func TestRequestKeyDeterministic(t *testing.T) {
	sum := sha256.Sum256([]byte("user-1|https://detail.1688.com/offer/1.html|v3"))

	assert.Equal(t, hex.EncodeToString(sum[:]), RequestKey("user-1", "https://detail.1688.com/offer/1.html", "v3"))
	assert.NotEqual(t, RequestKey("user-1", "u", "v3"), RequestKey("user-1", "u", "v2"))
}

func TestInsufficientBalanceSkipsModel(t *testing.T) {
	ledger := storage.NewMemoryStore(map[string]int64{"user-1": cost - 1})
	model := &fakeModel{reply: fixedReply}
	g := newGenerator(ledger, model)

	_, err := g.Generate(context.Background(), sampleRequest)

	assert.ErrorIs(t, err, ErrInsufficientCredit)
	assert.Equal(t, int32(0), model.calls.Load())
	balance, _ := ledger.Balance(context.Background(), "user-1")
	assert.Equal(t, int64(cost-1), balance)
}

func TestGenerateChargesOnceThenServesCache(t *testing.T) {
	ledger := storage.NewMemoryStore(map[string]int64{"user-1": 25})
	model := &fakeModel{reply: fixedReply}
	g := newGenerator(ledger, model)
	ctx := context.Background()

	first, err := g.Generate(ctx, sampleRequest)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "니트 원피스", first.ProductName)
	assert.Equal(t, "부드러운 니트", first.Editor)
	assert.Equal(t, []string{"캐주얼"}, first.CoupangKeywords)
	assert.Equal(t, []string{"데일리룩"}, first.AblyKeywords)
	require.NotNil(t, first.Balance)
	assert.Equal(t, int64(15), *first.Balance)

	second, err := g.Generate(ctx, sampleRequest)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.ProductName, second.ProductName)
	assert.Equal(t, int64(15), *second.Balance)
	assert.Equal(t, int32(1), model.calls.Load())
}

func TestModelFailureIsNotCharged(t *testing.T) {
	ledger := storage.NewMemoryStore(map[string]int64{"user-1": 20})
	g := newGenerator(ledger, &fakeModel{err: fmt.Errorf("%w: status 500", llm.ErrUnavailable)})

	_, err := g.Generate(context.Background(), sampleRequest)

	assert.ErrorIs(t, err, ErrModel)
	assert.ErrorIs(t, err, llm.ErrUnavailable)
	balance, _ := ledger.Balance(context.Background(), "user-1")
	assert.Equal(t, int64(20), balance)
}

func TestUnparseableOutputIsNotCharged(t *testing.T) {
	ledger := storage.NewMemoryStore(map[string]int64{"user-1": 20})
	g := newGenerator(ledger, &fakeModel{reply: func(int32) string { return "sorry, no JSON today" }})

	_, err := g.Generate(context.Background(), sampleRequest)

	assert.ErrorIs(t, err, ErrUnparseableOutput)
	balance, _ := ledger.Balance(context.Background(), "user-1")
	assert.Equal(t, int64(20), balance)
	_, err = ledger.GetCached(context.Background(), "user-1", sampleRequest.SourceURL)
	assert.ErrorIs(t, err, storage.ErrCacheMiss)
}

func TestConcurrentDuplicatesChargeOnce(t *testing.T) {
	ledger := storage.NewMemoryStore(map[string]int64{"user-1": cost})
	model := &fakeModel{
		reply: func(call int32) string {
			return fmt.Sprintf(`{"product_name":"니트 %d","editor":"copy %d","coupang_keywords":[],"ably_keywords":[]}`, call, call)
		},
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	// Two generators model two server processes sharing one ledger, so both
	// reach the model and the ledger has to pick the winner.
	a, b := newGenerator(ledger, model), newGenerator(ledger, model)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i, g := range []*Generator{a, b} {
		wg.Add(1)
		go func(i int, g *Generator) {
			defer wg.Done()
			results[i], errs[i] = g.Generate(context.Background(), sampleRequest)
		}(i, g)
	}
	<-model.entered
	<-model.entered
	close(model.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].ProductName, results[1].ProductName)
	assert.Equal(t, results[0].Editor, results[1].Editor)
	assert.NotEqual(t, results[0].Cached, results[1].Cached)

	balance, _ := ledger.Balance(context.Background(), "user-1")
	assert.Equal(t, int64(0), balance)
	usage, err := ledger.ListUsage(context.Background(), "user-1", storage.ListParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Total)
}

func TestConcurrentDuplicatesInProcess(t *testing.T) {
	ledger := storage.NewMemoryStore(map[string]int64{"user-1": cost})
	model := &fakeModel{reply: fixedReply}
	g := newGenerator(ledger, model)

	var wg sync.WaitGroup
	var failures atomic.Int32
	names := make([]string, 4)
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Generate(context.Background(), sampleRequest)
			if err != nil {
				failures.Add(1)
				return
			}
			names[i] = res.ProductName
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(0), failures.Load())
	for _, n := range names {
		assert.Equal(t, "니트 원피스", n)
	}
	balance, _ := ledger.Balance(context.Background(), "user-1")
	assert.Equal(t, int64(0), balance)
}

func TestSharedGenerationOutlivesCancelledCaller(t *testing.T) {
	ledger := storage.NewMemoryStore(map[string]int64{"user-1": cost})
	model := &fakeModel{
		reply:   fixedReply,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	g := newGenerator(ledger, model)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := g.Generate(firstCtx, sampleRequest)
		firstErr <- err
	}()
	<-model.entered

	type outcome struct {
		res *Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := g.Generate(context.Background(), sampleRequest)
		second <- outcome{res, err}
	}()

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(model.release)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "니트 원피스", got.res.ProductName)
	assert.Equal(t, int32(1), model.calls.Load())

	balance, _ := ledger.Balance(context.Background(), "user-1")
	assert.Equal(t, int64(0), balance)
}

func TestAbandonedGenerationStillCommits(t *testing.T) {
	ledger := storage.NewMemoryStore(map[string]int64{"user-1": cost})
	model := &fakeModel{
		reply:   fixedReply,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	g := newGenerator(ledger, model)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Generate(ctx, sampleRequest)
		done <- err
	}()
	<-model.entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	close(model.release)

	require.Eventually(t, func() bool {
		b, _ := ledger.Balance(context.Background(), "user-1")
		return b == 0
	}, 2*time.Second, 10*time.Millisecond)

	res, err := g.Generate(context.Background(), sampleRequest)
	require.NoError(t, err)
	assert.Equal(t, "니트 원피스", res.ProductName)
	assert.Equal(t, int32(1), model.calls.Load())
	usage, err := ledger.ListUsage(context.Background(), "user-1", storage.ListParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Total)
}

func TestExpiredEntryIsRegenerated(t *testing.T) {
	ledger := storage.NewMemoryStore(map[string]int64{"user-1": 50})
	model := &fakeModel{reply: fixedReply}
	g := newGenerator(ledger, model)
	g.now = func() time.Time { return time.Now().Add(-31 * 24 * time.Hour) }

	_, err := g.Generate(context.Background(), sampleRequest)
	require.NoError(t, err)

	g.now = time.Now
	res, err := g.Generate(context.Background(), sampleRequest)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), model.calls.Load())
	assert.Equal(t, int64(30), *res.Balance)
}

func TestGenerateValidatesRequest(t *testing.T) {
	g := newGenerator(storage.NewMemoryStore(nil), &fakeModel{reply: fixedReply})

	_, err := g.Generate(context.Background(), Request{SourceURL: "x", ImageURLs: []string{"y"}})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = g.Generate(context.Background(), Request{UserID: "u", ImageURLs: []string{" "}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSetColorWordsSwapsDenylist(t *testing.T) {
	ledger := storage.NewMemoryStore(map[string]int64{"user-1": 50})
	g := newGenerator(ledger, &fakeModel{reply: fixedReply})
	g.SetColorWords([]string{"원피스"})

	res, err := g.Generate(context.Background(), sampleRequest)
	require.NoError(t, err)
	assert.Equal(t, "블랙 니트", res.ProductName)
}
