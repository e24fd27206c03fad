package session

import (
	"sync"
	"time"
)

const (
	// Interval is the countdown cadence.
	Interval = time.Second

	// DefaultSeconds is used when a session is started without a usable duration.
	DefaultSeconds = 60
	MinSeconds     = 1
	MaxSeconds     = 24 * 60 * 60
)

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type NewTickerFunc func(d time.Duration) Ticker

// NewTicker is the production NewTickerFunc.
func NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Timer is the countdown of one running session.
//
// The ticking goroutine never touches the counter: every tick is handed to
// onTick, which is expected to forward it to whatever serialises room
// mutations and call Tick from there. Remaining and Tick must therefore
// only be used from that same place.
type Timer struct {
	remaining int

	stop chan struct{}
	once sync.Once
}

// Start a countdown of seconds and begin ticking every Interval.
func Start(seconds int, newTicker NewTickerFunc, onTick func(t *Timer)) *Timer {
	if newTicker == nil {
		newTicker = NewTicker
	}

	t := &Timer{
		remaining: max(seconds, 0),
		stop:      make(chan struct{}),
	}

	ticker := newTicker(Interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C():
			}

			// Stop may have raced with the tick.
			select {
			case <-t.stop:
				return
			default:
			}

			onTick(t)
		}
	}()

	return t
}

// Remaining returns the seconds left.
func (t *Timer) Remaining() int {
	return t.remaining
}

// Tick counts one second down and returns what is left. It never goes below zero.
func (t *Timer) Tick() int {
	if t.remaining > 0 {
		t.remaining--
	}
	return t.remaining
}

// Stop cancels the countdown. Safe to call more than once.
func (t *Timer) Stop() {
	t.once.Do(func() {
		close(t.stop)
	})
}

// Stopped reports whether Stop has been called.
func (t *Timer) Stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Seconds normalises a requested session duration. A nil value means the
// client did not send a usable number.
func Seconds(requested *float64) int {
	if requested == nil {
		return DefaultSeconds
	}

	switch {
	case *requested < MinSeconds:
		return MinSeconds
	case *requested >= MaxSeconds:
		return MaxSeconds
	default:
		return int(*requested)
	}
}
