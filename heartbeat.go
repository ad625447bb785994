package forum

import "time"

// heartbeat pings the server while connected and declares the socket dead
// when no pong arrived within the timeout.
type heartbeat struct {
	sched    scheduler
	state    *ConnectionState
	interval time.Duration
	timeout  time.Duration
	timer    *loopTimer
	ping     func()
	dead     func()
}

func newHeartbeat(sched scheduler, state *ConnectionState, cfg *MessengerConfig, ping, dead func()) *heartbeat {
	return &heartbeat{
		sched:    sched,
		state:    state,
		interval: cfg.HeartbeatInterval,
		timeout:  cfg.HeartbeatTimeout,
		ping:     ping,
		dead:     dead,
	}
}

// start restarts the check cycle and counts the socket as freshly acked.
func (h *heartbeat) start() {
	h.stop()
	h.state.LastHeartbeatAck = h.sched.clock.Now()
	h.timer = h.sched.after(h.interval, h.check)
}

func (h *heartbeat) check() {
	if h.state.Status != StatusConnected {
		return
	}
	if h.sched.clock.Now().Sub(h.state.LastHeartbeatAck) > h.timeout {
		h.dead()
		return
	}
	h.ping()
	// ping may have failed and torn the socket down.
	if h.state.Status == StatusConnected && !h.timer.active() {
		h.timer = h.sched.after(h.interval, h.check)
	}
}

func (h *heartbeat) ack() {
	h.state.LastHeartbeatAck = h.sched.clock.Now()
}

func (h *heartbeat) stop() {
	h.timer.stop()
	h.timer = nil
}
