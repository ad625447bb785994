package forum

import "time"

// typingNotifier debounces outgoing typing indicators. There is a single
// outgoing typing state for the whole session: the first keystroke after idle
// sends typing_start, and typing_stop follows after idle of silence.
type typingNotifier struct {
	sched    scheduler
	idle     time.Duration
	active   bool
	receiver int64
	timer    *loopTimer
	send     func(t MessageType, receiver int64)
}

func newTypingNotifier(sched scheduler, idle time.Duration, send func(MessageType, int64)) *typingNotifier {
	return &typingNotifier{sched: sched, idle: idle, send: send}
}

// keystroke records input addressed to receiver.
func (t *typingNotifier) keystroke(receiver int64) {
	if t.active && t.receiver != receiver {
		t.stop()
	}
	if !t.active {
		t.active = true
		t.receiver = receiver
		t.send(TypeTypingStart, receiver)
	}
	t.timer.stop()
	t.timer = t.sched.after(t.idle, t.stop)
}

// stop ends the typing state, sending typing_stop if it was active.
func (t *typingNotifier) stop() {
	t.timer.stop()
	t.timer = nil
	if !t.active {
		return
	}
	t.active = false
	t.send(TypeTypingStop, t.receiver)
}

// reset drops the typing state without telling the server.
func (t *typingNotifier) reset() {
	t.timer.stop()
	t.timer = nil
	t.active = false
	t.receiver = 0
}
