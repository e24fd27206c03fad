package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Minami189/QuizWebSocket/internal/session"
)

func TestSeconds(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	tests := map[string]struct {
		requested *float64
		want      int
	}{
		"missing falls back to default":   {requested: nil, want: session.DefaultSeconds},
		"positive is kept":                {requested: f(5), want: 5},
		"fraction is floored":             {requested: f(5.9), want: 5},
		"zero is floored to minimum":      {requested: f(0), want: 1},
		"negative is floored to minimum":  {requested: f(-5), want: 1},
		"below one is floored to minimum": {requested: f(0.5), want: 1},
		"huge is capped":                  {requested: f(1e300), want: session.MaxSeconds},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, session.Seconds(tt.requested))
		})
	}
}

func TestTimer_Ticks(t *testing.T) {
	ft := newFakeTicker()
	ticks := make(chan *session.Timer, 10)

	tm := session.Start(3, ft.new, func(tm *session.Timer) { ticks <- tm })
	require.Equal(t, 3, tm.Remaining())

	ft.fire()
	got := receive(t, ticks)
	require.Same(t, tm, got)

	assert.Equal(t, 2, tm.Tick())
	assert.Equal(t, 1, tm.Tick())
	assert.Equal(t, 0, tm.Tick())
	assert.Equal(t, 0, tm.Tick(), "should never go below zero")
}

func TestTimer_StopIsIdempotentAndSilencesTicks(t *testing.T) {
	ft := newFakeTicker()
	ticks := make(chan *session.Timer, 10)

	tm := session.Start(10, ft.new, func(tm *session.Timer) { ticks <- tm })
	assert.False(t, tm.Stopped())

	tm.Stop()
	tm.Stop()
	assert.True(t, tm.Stopped())

	select {
	case <-ft.stopped:
	case <-time.After(time.Second):
		t.Fatal("ticker should be stopped after the timer is stopped")
	}

	ft.tryFire()
	select {
	case <-ticks:
		t.Fatal("no tick should be delivered after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func receive(t *testing.T, c <-chan *session.Timer) *session.Timer {
	t.Helper()

	select {
	case tm := <-c:
		return tm
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tick")
		return nil
	}
}

type fakeTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{
		c:       make(chan time.Time),
		stopped: make(chan struct{}),
	}
}

func (f *fakeTicker) new(time.Duration) session.Ticker { return f }
func (f *fakeTicker) C() <-chan time.Time              { return f.c }
func (f *fakeTicker) Stop()                            { close(f.stopped) }
func (f *fakeTicker) fire()                            { f.c <- time.Now() }

func (f *fakeTicker) tryFire() {
	select {
	case f.c <- time.Now():
	default:
	}
}
