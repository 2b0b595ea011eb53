package harvest

import (
	"context"
	"time"
)

// Clock abstracts time so tests can drive delays and cooldowns.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable delayed call.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// sleep waits for d unless ctx ends or tok is cancelled first. It reports
// whether the full delay elapsed.
func sleep(ctx context.Context, c Clock, tok *Token, d time.Duration) bool {
	if tok != nil && tok.Cancelled() {
		return false
	}
	if d <= 0 {
		return true
	}
	var cancelled <-chan struct{}
	if tok != nil {
		cancelled = tok.Done()
	}
	select {
	case <-c.After(d):
		return true
	case <-cancelled:
		return false
	case <-ctx.Done():
		return false
	}
}
