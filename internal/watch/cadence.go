package watch

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Cadence picks the delay before a watcher's next pass: tight while
// positions are live, loose while idle, with jitter so watchers sharing a
// feed do not fire in lockstep.
type Cadence struct {
	Tight time.Duration
	Loose time.Duration
}

// NewCadence builds a cadence from second bounds. Zero or inverted bounds
// are normalized.
func NewCadence(tightSeconds, looseSeconds int) Cadence {
	if tightSeconds <= 0 {
		tightSeconds = 10
	}
	if looseSeconds < tightSeconds {
		looseSeconds = tightSeconds
	}
	return Cadence{
		Tight: time.Duration(tightSeconds) * time.Second,
		Loose: time.Duration(looseSeconds) * time.Second,
	}
}

// Next returns the delay before the next pass, jittered by up to 10%.
func (c Cadence) Next(active bool) time.Duration {
	base := c.Loose
	if active {
		base = c.Tight
	}
	jitter := time.Duration(rand.Int63n(int64(base)/10 + 1))
	return base + jitter
}

// sleep waits for d or until ctx is cancelled. Reports false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

type panicError struct{ value any }

func newPanicError(v any) error { return panicError{value: v} }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
