package forum

import (
	"math"
	"time"
)

// reconnector schedules reconnect attempts with capped exponential backoff:
// base, 2*base, 4*base ... up to maxDelay. ConnectionState.ReconnectAttempts
// is the exponent; it is reset when a connection opens.
type reconnector struct {
	sched       scheduler
	state       *ConnectionState
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	timer       *loopTimer
	fire        func()
}

func newReconnector(sched scheduler, state *ConnectionState, cfg *MessengerConfig, fire func()) *reconnector {
	return &reconnector{
		sched:       sched,
		state:       state,
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
		fire:        fire,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.state.ReconnectAttempts < r.maxAttempts
}

// nextDelay returns the delay for the next attempt and counts the attempt.
func (r *reconnector) nextDelay() time.Duration {
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.state.ReconnectAttempts)),
		float64(r.maxDelay),
	))
	r.state.ReconnectAttempts++
	return delay
}

// schedule arms the reconnect timer unless one is already pending. It
// returns false when the attempt budget is spent.
func (r *reconnector) schedule() (time.Duration, bool) {
	if r.timer.active() {
		return 0, true
	}
	if !r.shouldReconnect() {
		return 0, false
	}
	delay := r.nextDelay()
	r.timer = r.sched.after(delay, r.fire)
	return delay, true
}

func (r *reconnector) pending() bool {
	return r.timer.active()
}

func (r *reconnector) cancel() {
	r.timer.stop()
	r.timer = nil
}
