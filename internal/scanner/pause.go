package scanner

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pause is a uniformly random wait in [Min, Max].
type Pause struct {
	Min time.Duration
	Max time.Duration
}

func (p Pause) duration() time.Duration {
	if p.Max <= p.Min {
		return p.Min
	}
	return p.Min + time.Duration(rand.Int64N(int64(p.Max-p.Min)+1))
}

// Wait sleeps for a random duration and returns early with ctx's error on cancellation.
func (p Pause) Wait(ctx context.Context) error {
	d := p.duration()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delays spaces out requests so the target service does not flag the poller.
type Delays struct {
	BeforePoll    Pause
	BeforeBooking Pause
	ClaimDenied   Pause
}

func DefaultDelays() Delays {
	return Delays{
		BeforePoll:    Pause{Min: 5 * time.Second, Max: 10 * time.Second},
		BeforeBooking: Pause{Min: 5 * time.Second, Max: 15 * time.Second},
		ClaimDenied:   Pause{Min: 1 * time.Second, Max: 4 * time.Second},
	}
}
