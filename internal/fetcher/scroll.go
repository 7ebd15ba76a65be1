package fetcher

import (
	"context"
	"time"
)

// ScrollState is what one scroll round observed.
type ScrollState struct {
	RootHeight  int `json:"rootHeight"`
	InnerHeight int `json:"innerHeight"`
	Containers  int `json:"containers"`
}

func (s ScrollState) total() int {
	return s.RootHeight + s.InnerHeight
}

// ScrollOptions bounds the lazy-load exhaustion loop.
type ScrollOptions struct {
	MaxRounds    int
	StableRounds int
	Pause        time.Duration
}

// scrollStep scrolls the page and its inner scroll containers to the bottom
// once and reports the resulting heights.
type scrollStep func(ctx context.Context) (ScrollState, error)

// scrollUntilStable runs step until MaxRounds is reached or the combined
// scroll height has not grown for StableRounds consecutive rounds. It returns
// the number of rounds executed.
func scrollUntilStable(ctx context.Context, step scrollStep, opts ScrollOptions) (int, error) {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 1
	}
	prev := -1
	stable := 0
	for round := 1; round <= opts.MaxRounds; round++ {
		state, err := step(ctx)
		if err != nil {
			return round - 1, err
		}
		total := state.total()
		if prev >= 0 && total <= prev {
			stable++
		} else {
			stable = 0
		}
		prev = total
		if opts.StableRounds > 0 && stable >= opts.StableRounds {
			return round, nil
		}
		if round == opts.MaxRounds || opts.Pause <= 0 {
			continue
		}
		timer := time.NewTimer(opts.Pause)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return round, ctx.Err()
		}
	}
	return opts.MaxRounds, nil
}
