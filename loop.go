package forum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// eventLoop runs every Messenger task on a single goroutine.
//
// Timers, socket readers and HTTP continuations never touch messenger state
// directly; they post closures to the mailbox and the loop runs them in
// arrival order.
type eventLoop struct {
	inbox  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func newEventLoop(log zerolog.Logger) *eventLoop {
	ctx, cancel := context.WithCancel(context.Background())
	return &eventLoop{
		inbox:  make(chan func(), 256),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    log,
	}
}

// start is idempotent.
func (l *eventLoop) start() {
	l.once.Do(func() { go l.run() })
}

// stop cancels the loop context and waits for the loop goroutine to exit.
func (l *eventLoop) stop() {
	l.start()
	l.cancel()
	<-l.done
}

// post enqueues f. It returns false once the loop has been stopped.
func (l *eventLoop) post(f func()) bool {
	select {
	case <-l.ctx.Done():
		return false
	default:
	}
	select {
	case l.inbox <- f:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// call runs f on the loop and waits for it to finish. Must not be used from
// the loop goroutine itself.
func (l *eventLoop) call(f func()) bool {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		f()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// spawn runs blocking work off the loop and posts the continuation it returns.
func (l *eventLoop) spawn(work func(ctx context.Context) func()) {
	go func() {
		next := work(l.ctx)
		if next != nil {
			l.post(next)
		}
	}()
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case f := <-l.inbox:
			l.exec(f)
		}
	}
}

func (l *eventLoop) exec(f func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("panic", fmt.Sprint(r)).Msg("event loop task panicked")
		}
	}()
	f()
}

// ============================================================================
// Scheduler
// ============================================================================

// scheduler is the slice of the event loop handed to each component. Unit
// tests build one that runs posts inline.
type scheduler struct {
	clock Clock
	post  func(func()) bool
	spawn func(work func(ctx context.Context) func())
}

func (l *eventLoop) scheduler(clock Clock) scheduler {
	return scheduler{clock: clock, post: l.post, spawn: l.spawn}
}

// loopTimer is a single-shot timer whose callback runs on the loop. Once
// stopped, a callback that was already queued is discarded.
type loopTimer struct {
	t       Timer
	stopped bool
}

func (s scheduler) after(d time.Duration, f func()) *loopTimer {
	lt := &loopTimer{}
	lt.t = s.clock.AfterFunc(d, func() {
		s.post(func() {
			if lt.stopped {
				return
			}
			lt.stopped = true
			f()
		})
	})
	return lt
}

func (lt *loopTimer) active() bool {
	return lt != nil && !lt.stopped
}

func (lt *loopTimer) stop() {
	if lt == nil || lt.stopped {
		return
	}
	lt.stopped = true
	lt.t.Stop()
}
