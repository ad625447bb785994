package forum

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestEventLoopRunsTasksInOrder(t *testing.T) {
	l := newEventLoop(zerolog.Nop())
	l.start()
	defer l.stop()

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, l.post(func() { got = append(got, i) }))
	}
	require.True(t, l.call(func() {}))
	require.Len(t, got, 50)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestEventLoopSurvivesPanics(t *testing.T) {
	l := newEventLoop(zerolog.Nop())
	l.start()
	defer l.stop()

	l.post(func() { panic("boom") })
	ran := false
	require.True(t, l.call(func() { ran = true }))
	require.True(t, ran)
}

func TestEventLoopSpawnPostsContinuation(t *testing.T) {
	l := newEventLoop(zerolog.Nop())
	l.start()
	defer l.stop()

	var result atomic.Int32
	l.spawn(func(ctx context.Context) func() {
		return func() { result.Store(7) }
	})
	require.Eventually(t, func() bool { return result.Load() == 7 }, time.Second, time.Millisecond)
}

func TestEventLoopStop(t *testing.T) {
	l := newEventLoop(zerolog.Nop())
	l.start()
	l.stop()
	l.stop()

	require.False(t, l.post(func() {}))
	require.False(t, l.call(func() {}))
}

func TestLoopTimerStopDiscardsQueuedCallback(t *testing.T) {
	clock := newFakeClock()
	var queued []func()
	sched := scheduler{
		clock: clock,
		post: func(f func()) bool {
			queued = append(queued, f)
			return true
		},
	}

	fired := 0
	lt := sched.after(time.Second, func() { fired++ })
	require.True(t, lt.active())

	clock.Advance(time.Second)
	require.Len(t, queued, 1)

	// Stopped after the clock fired but before the loop ran the callback.
	lt.stop()
	queued[0]()
	require.Zero(t, fired)
	require.False(t, lt.active())

	var nilTimer *loopTimer
	nilTimer.stop()
	require.False(t, nilTimer.active())
}
