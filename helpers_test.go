package forum

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fake clock
// ============================================================================

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testStart}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

// Advance moves time forward by d, firing due timers in deadline order. Each
// timer sees Now() equal to its own deadline.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

// active counts timers that have neither fired nor been stopped.
func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// inlineScheduler runs posts and spawned work synchronously on the caller.
func inlineScheduler(clock Clock) scheduler {
	return scheduler{
		clock: clock,
		post: func(f func()) bool {
			f()
			return true
		},
		spawn: func(work func(ctx context.Context) func()) {
			if next := work(context.Background()); next != nil {
				next()
			}
		},
	}
}

// spawnQueue is a scheduler whose spawned work waits until the test runs it,
// so results can be made to land after other events.
type spawnQueue struct {
	work []func(ctx context.Context) func()
}

func (q *spawnQueue) scheduler(clock Clock) scheduler {
	return scheduler{
		clock: clock,
		post: func(f func()) bool {
			f()
			return true
		},
		spawn: func(work func(ctx context.Context) func()) {
			q.work = append(q.work, work)
		},
	}
}

// next runs the oldest queued work and its completion.
func (q *spawnQueue) next(t *testing.T) {
	t.Helper()
	if len(q.work) == 0 {
		t.Fatal("no queued work")
	}
	work := q.work[0]
	q.work = q.work[1:]
	if done := work(context.Background()); done != nil {
		done()
	}
}

// ============================================================================
// Fake API
// ============================================================================

type fakeAPI struct {
	mu            sync.Mutex
	users         []User
	online        []int64
	history       map[int64][]Message
	conversations *ConversationList
	sessionErr    error
	usersErr      error
	historyErr    error
	logoutErr     error
	onLogout      func()
	calls         []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		users: []User{
			{ID: 1, Nickname: "ada"},
			{ID: 42, Nickname: "bob"},
			{ID: 7, Nickname: "cyd"},
		},
		online:        []int64{1, 42},
		history:       make(map[int64][]Message),
		conversations: &ConversationList{},
	}
}

func (a *fakeAPI) record(call string) {
	a.calls = append(a.calls, call)
}

func (a *fakeAPI) callsWith(prefix string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, c := range a.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (a *fakeAPI) setOnline(ids ...int64) {
	a.mu.Lock()
	a.online = ids
	a.mu.Unlock()
}

func (a *fakeAPI) setSessionErr(err error) {
	a.mu.Lock()
	a.sessionErr = err
	a.mu.Unlock()
}

func (a *fakeAPI) CheckSession(context.Context) (*User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("session")
	if a.sessionErr != nil {
		return nil, a.sessionErr
	}
	return &a.users[0], nil
}

func (a *fakeAPI) Users(context.Context) ([]User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("users")
	if a.usersErr != nil {
		return nil, a.usersErr
	}
	return append([]User(nil), a.users...), nil
}

func (a *fakeAPI) User(_ context.Context, id int64) (*User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(fmt.Sprintf("user %d", id))
	for _, u := range a.users {
		if u.ID == id {
			u := u
			return &u, nil
		}
	}
	return nil, &APIError{Status: 404, Message: "User not found"}
}

func (a *fakeAPI) OnlineUsers(context.Context) ([]int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("online")
	return append([]int64(nil), a.online...), nil
}

func (a *fakeAPI) Conversations(context.Context) (*ConversationList, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("conversations")
	return a.conversations, nil
}

// MessageHistory serves history[peer], which tests store newest first.
func (a *fakeAPI) MessageHistory(_ context.Context, peer int64, limit, offset int) ([]Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(fmt.Sprintf("history %d limit=%d offset=%d", peer, limit, offset))
	if a.historyErr != nil {
		return nil, a.historyErr
	}
	all := a.history[peer]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]Message(nil), all[offset:end]...), nil
}

func (a *fakeAPI) Logout(context.Context) error {
	a.mu.Lock()
	a.record("logout")
	err, hook := a.logoutErr, a.onLogout
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// makeHistory builds n messages between self and peer, newest first, with
// ids n..1.
func makeHistory(self, peer int64, n int) []Message {
	msgs := make([]Message, 0, n)
	for i := n; i >= 1; i-- {
		from, to := peer, self
		if i%2 == 0 {
			from, to = self, peer
		}
		msgs = append(msgs, Message{
			ID:         int64(i),
			SenderID:   from,
			ReceiverID: to,
			Content:    fmt.Sprintf("message %d", i),
			CreatedAt:  testStart.Add(time.Duration(i) * time.Minute),
		})
	}
	return msgs
}

// ============================================================================
// Recording view
// ============================================================================

type recordingView struct {
	mu         sync.Mutex
	events     []string
	appended   []ChatLine
	rendered   [][]Message
	prepended  [][]Message
	rosters    [][]RosterEntry
	deliveries map[string]DeliveryStatus
}

func newRecordingView() *recordingView {
	return &recordingView{deliveries: make(map[string]DeliveryStatus)}
}

func (v *recordingView) add(format string, args ...any) {
	v.events = append(v.events, fmt.Sprintf(format, args...))
}

func (v *recordingView) Notify(kind NotifyKind, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add("notify %s: %s", kind, text)
}

func (v *recordingView) ShowSection(s Section) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add("section %s", s)
}

func (v *recordingView) ShowLogin() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add("login")
}

func (v *recordingView) RenderRoster(entries []RosterEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rosters = append(v.rosters, entries)
	v.add("roster %d", len(entries))
}

func (v *recordingView) RenderConversations(list *ConversationList) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add("conversations %d", len(list.Conversations))
}

func (v *recordingView) RenderChat(peer User, online bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add("chat %s online=%t", peer.Nickname, online)
}

func (v *recordingView) SetComposer(enabled bool, placeholder string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add("composer %t: %s", enabled, placeholder)
}

func (v *recordingView) RenderMessages(msgs []Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rendered = append(v.rendered, msgs)
	v.add("render %d", len(msgs))
}

func (v *recordingView) AppendMessage(line ChatLine) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.appended = append(v.appended, line)
	v.add("append %s %s", line.Message.Content, line.Status)
}

func (v *recordingView) UpdateDelivery(clientID string, status DeliveryStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deliveries[clientID] = status
	v.add("delivery %s", status)
}

func (v *recordingView) PrependMessages(msgs []Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prepended = append(v.prepended, msgs)
	v.add("prepend %d", len(msgs))
}

func (v *recordingView) SetHistoryLoading(loading bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add("loading %t", loading)
}

func (v *recordingView) ShowHistoryEnd() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add("history end")
}

func (v *recordingView) ShowTyping(visible bool, label string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add("typing %t: %s", visible, label)
}

func (v *recordingView) RefreshPosts() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add("refresh posts")
}

func (v *recordingView) RefreshPost(id int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add("refresh post %d", id)
}

func (v *recordingView) has(event string) bool {
	return v.count(event) > 0
}

func (v *recordingView) count(event string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, e := range v.events {
		if e == event {
			n++
		}
	}
	return n
}

func (v *recordingView) last(prefix string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := len(v.events) - 1; i >= 0; i-- {
		if strings.HasPrefix(v.events[i], prefix) {
			return v.events[i]
		}
	}
	return ""
}

func (v *recordingView) snapshot() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.events...)
}

// ============================================================================
// Fake socket
// ============================================================================

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	readErr  error
	reason   string
	gate     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, &CloseError{Code: 1000, Reason: c.reason}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	select {
	case <-c.closed:
		return fmt.Errorf("write on closed socket")
	default:
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// holdWrites parks every Write until the returned release is called.
func (c *fakeConn) holdWrites() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// drop simulates the server going away with the given close code.
func (c *fakeConn) drop(code int) {
	c.mu.Lock()
	c.readErr = &CloseError{Code: code}
	c.mu.Unlock()
	c.Close("server")
}

func (c *fakeConn) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.in <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatal("inbound frame buffer full")
	}
}

// sent returns the frames of type typ written by the client, decoded.
func (c *fakeConn) sent(typ MessageType) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, data := range c.written {
		var frame map[string]any
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		if frame["type"] == string(typ) {
			out = append(out, frame)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	urls  []string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func sortedIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
