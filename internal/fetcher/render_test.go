package fetcher

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
)

type fakeScroller struct {
	heights []int
	calls   int
	failAt  int
}

func (f *fakeScroller) step(context.Context) (ScrollState, error) {
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return ScrollState{}, errors.New("evaluate failed")
	}
	h := f.heights[len(f.heights)-1]
	if f.calls <= len(f.heights) {
		h = f.heights[f.calls-1]
	}
	return ScrollState{RootHeight: h}, nil
}

func TestScrollStopsAfterStableRounds(t *testing.T) {
	f := &fakeScroller{heights: []int{1000, 1800, 2600, 2600, 2600, 2600}}

	rounds, err := scrollUntilStable(context.Background(), f.step, ScrollOptions{MaxRounds: 18, StableRounds: 2})

	require.NoError(t, err)
	assert.Equal(t, 5, rounds)
	assert.Equal(t, 5, f.calls)
}

func TestScrollGrowthResetsStableCount(t *testing.T) {
	f := &fakeScroller{heights: []int{1000, 1000, 1500, 1500, 1500}}

	rounds, err := scrollUntilStable(context.Background(), f.step, ScrollOptions{MaxRounds: 18, StableRounds: 2})

	require.NoError(t, err)
	assert.Equal(t, 5, rounds)
}

func TestScrollBoundedByMaxRounds(t *testing.T) {
	grow := 0
	step := func(context.Context) (ScrollState, error) {
		grow += 500
		return ScrollState{RootHeight: 1000, InnerHeight: grow}, nil
	}

	rounds, err := scrollUntilStable(context.Background(), step, ScrollOptions{MaxRounds: 18, StableRounds: 2})

	require.NoError(t, err)
	assert.Equal(t, 18, rounds)
	assert.Equal(t, 18*500, grow)
}

func TestScrollStepError(t *testing.T) {
	f := &fakeScroller{heights: []int{100, 200, 300}, failAt: 3}

	rounds, err := scrollUntilStable(context.Background(), f.step, ScrollOptions{MaxRounds: 18, StableRounds: 2})

	require.Error(t, err)
	assert.Equal(t, 2, rounds)
}

func TestScrollHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeScroller{heights: []int{100, 200, 300, 400}}
	step := func(ctx context.Context) (ScrollState, error) {
		cancel()
		return f.step(ctx)
	}

	_, err := scrollUntilStable(ctx, step, ScrollOptions{MaxRounds: 18, StableRounds: 2, Pause: time.Minute})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestHarvestScriptEmbedsMarkers(t *testing.T) {
	script := harvestScript([]string{" Zoom ", "", "detail-gallery-img"})

	assert.Contains(t, script, `const zoom = ["zoom","detail-gallery-img"];`)
	assert.True(t, strings.HasPrefix(script, "(() => {"))
}

func TestBlockedBy(t *testing.T) {
	e := NewChromedpExtractor(ExtractorOptions{
		Rendering:    config.Default().Rendering,
		BlockMarkers: []string{"login.1688.com", " /PUNISH "},
	})

	assert.Equal(t, "login.1688.com", e.blockedBy("https://login.1688.com/member/signin.htm?redirect=x"))
	assert.Equal(t, "/punish", e.blockedBy("https://detail.1688.com/_____tmd_____/punish?x5secdata=abc"))
	assert.Empty(t, e.blockedBy("https://detail.1688.com/offer/123.html"))
}

func TestHarvestRejectsRelativeURL(t *testing.T) {
	e := NewChromedpExtractor(ExtractorOptions{Rendering: config.Default().Rendering})

	_, err := e.Harvest(context.Background(), HarvestRequest{URL: "offer/123.html"})

	assert.ErrorIs(t, err, ErrNavigation)
}

type denyAll struct{}

func (denyAll) Allowed(context.Context, *url.URL) bool { return false }

func TestHarvestRobotsDenied(t *testing.T) {
	e := NewChromedpExtractor(ExtractorOptions{Rendering: config.Default().Rendering, Robots: denyAll{}})

	_, err := e.Harvest(context.Background(), HarvestRequest{URL: "https://detail.1688.com/offer/1.html"})

	assert.ErrorIs(t, err, ErrBlocked)
}
