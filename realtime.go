package forum

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// MessengerConfig tunes the realtime session. Zero fields take defaults.
type MessengerConfig struct {
	// URL is the realtime endpoint. Defaults to the client's WSURL.
	URL    string
	Dialer Dialer
	Clock  Clock
	Logger *zerolog.Logger

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts of 0 retries forever.
	MaxReconnectAttempts int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	TypingIdle        time.Duration
	PollInterval      time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration

	HistoryPageSize int
	OlderPageSize   int
	// ScrollThreshold is the distance from the top, in pixels, at which older
	// history is requested.
	ScrollThreshold int
	ScrollThrottle  time.Duration
}

func (c *MessengerConfig) defaults() {
	if c.Clock == nil {
		c.Clock = RealClock{}
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.TypingIdle == 0 {
		c.TypingIdle = 3 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HistoryPageSize == 0 {
		c.HistoryPageSize = 20
	}
	if c.OlderPageSize == 0 {
		c.OlderPageSize = 10
	}
	if c.ScrollThreshold == 0 {
		c.ScrollThreshold = 50
	}
	if c.ScrollThrottle == 0 {
		c.ScrollThrottle = time.Second
	}
}

// ============================================================================
// API
// ============================================================================

// API is the slice of the REST API the messaging session depends on.
type API interface {
	CheckSession(ctx context.Context) (*User, error)
	Users(ctx context.Context) ([]User, error)
	User(ctx context.Context, id int64) (*User, error)
	OnlineUsers(ctx context.Context) ([]int64, error)
	Conversations(ctx context.Context) (*ConversationList, error)
	MessageHistory(ctx context.Context, peer int64, limit, offset int) ([]Message, error)
	Logout(ctx context.Context) error
}

type restAPI struct{ c *Client }

func (a restAPI) CheckSession(ctx context.Context) (*User, error) {
	return a.c.Auth.Session(ctx)
}

func (a restAPI) Users(ctx context.Context) ([]User, error) {
	return a.c.Users.List(ctx)
}

func (a restAPI) User(ctx context.Context, id int64) (*User, error) {
	return a.c.Users.Get(ctx, id)
}

func (a restAPI) OnlineUsers(ctx context.Context) ([]int64, error) {
	return a.c.Users.Online(ctx)
}

func (a restAPI) Conversations(ctx context.Context) (*ConversationList, error) {
	return a.c.Messages.Conversations(ctx)
}

func (a restAPI) MessageHistory(ctx context.Context, peer int64, limit, offset int) ([]Message, error) {
	return a.c.Messages.History(ctx, peer, limit, offset)
}

func (a restAPI) Logout(ctx context.Context) error {
	return a.c.Auth.Logout(ctx)
}

// ============================================================================
// Messenger
// ============================================================================

// ErrClosed is returned by Messenger methods after Stop.
var ErrClosed = errors.New("messenger stopped")

// Snapshot is a point-in-time copy of the session's state.
type Snapshot struct {
	User              *User
	Status            ConnectionStatus
	ReconnectAttempts int
	ReconnectPending  bool
	LastHeartbeatAck  time.Time
	Pending           int
	Online            []int64
	OpenPeer          int64
}

// Messenger owns the realtime session of one signed-in user: the socket and
// its reconnects, heartbeats, the outbox, presence, typing and the open
// conversation.
//
// All state lives on an internal event loop. Exported methods are safe for
// concurrent use but must not be called from View callbacks.
type Messenger struct {
	loop   *eventLoop
	sched  scheduler
	api    API
	view   View
	dialer Dialer
	url    string
	cfg    MessengerConfig
	log    zerolog.Logger

	user   *User
	state  ConnectionState
	conn   Conn
	writer *socketWriter
	// gen identifies the current socket; events from older sockets are
	// ignored.
	gen int
	// loggingOut keeps a 401 on the logout request itself from reporting
	// an expired session.
	loggingOut bool

	outbox    *Outbox
	recon     *reconnector
	heartbeat *heartbeat
	typing    *typingNotifier
	presence  *presenceTracker
	binder    *conversationBinder

	rosterPoll *loopTimer
	convPoll   *loopTimer
}

// NewMessenger creates a messaging session on top of client. A 401 from any
// client call ends the session.
func NewMessenger(client *Client, view View, config *MessengerConfig) (*Messenger, error) {
	cfg := MessengerConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.URL == "" {
		u, err := client.WSURL()
		if err != nil {
			return nil, err
		}
		cfg.URL = u
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewWebsocketDialer(client)
	}
	m := newMessenger(restAPI{c: client}, view, &cfg)
	client.OnSessionExpired(m.ExpireSession)
	return m, nil
}

func newMessenger(api API, view View, config *MessengerConfig) *Messenger {
	cfg := *config
	cfg.defaults()
	if view == nil {
		view = NopView{}
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "messenger").Logger()
	}

	m := &Messenger{
		loop:   newEventLoop(log),
		api:    api,
		view:   view,
		dialer: cfg.Dialer,
		url:    cfg.URL,
		cfg:    cfg,
		log:    log,
		outbox: NewOutbox(),
	}
	m.sched = m.loop.scheduler(cfg.Clock)
	m.recon = newReconnector(m.sched, &m.state, &m.cfg, m.reconnectDue)
	m.heartbeat = newHeartbeat(m.sched, &m.state, &m.cfg, m.sendPing, m.socketDead)
	m.typing = newTypingNotifier(m.sched, cfg.TypingIdle, m.sendTyping)
	m.presence = newPresenceTracker(m.sched, api, view, log)
	m.binder = newConversationBinder(m.sched, api, view, m.presence, &m.cfg, log)

	m.presence.self = m.selfID
	m.presence.onChange = m.binder.peerPresence
	m.presence.expired = m.expire
	m.binder.self = func() *User { return m.user }
	m.binder.expired = m.expire

	m.loop.start()
	return m
}

func (m *Messenger) selfID() int64 {
	if m.user == nil {
		return 0
	}
	return m.user.ID
}

// run executes f on the loop and returns its error, or ErrClosed when the
// messenger has been stopped.
func (m *Messenger) run(f func() error) error {
	var err error
	if !m.loop.call(func() { err = f() }) {
		return ErrClosed
	}
	return err
}

// Start binds the signed-in user and opens the realtime connection.
func (m *Messenger) Start(user User) error {
	if user.ID == 0 {
		return ErrNoSession
	}
	return m.run(func() error {
		if m.user != nil {
			m.teardown()
		}
		u := user
		m.user = &u
		m.connect()
		return nil
	})
}

// Stop ends the session without contacting the server and stops the loop.
func (m *Messenger) Stop() {
	m.loop.call(m.teardown)
	m.loop.stop()
}

// Logout signs out on the server, then tears the session down. The session
// is torn down even if the request fails.
func (m *Messenger) Logout(ctx context.Context) error {
	if err := m.run(func() error {
		m.loggingOut = true
		return nil
	}); err != nil {
		return err
	}
	err := m.api.Logout(ctx)
	if errors.Is(err, ErrSessionExpired) {
		err = nil
	}
	if runErr := m.run(func() error {
		m.teardown()
		m.view.ShowLogin()
		return nil
	}); runErr != nil {
		return runErr
	}
	return err
}

// ExpireSession ends the session after the server rejected it. Safe to call
// any number of times, from any goroutine.
func (m *Messenger) ExpireSession() {
	m.loop.post(m.expire)
}

// Connect forces an immediate connection attempt.
func (m *Messenger) Connect() error {
	return m.run(func() error {
		if m.user == nil {
			return ErrNoSession
		}
		m.connect()
		return nil
	})
}

// SendChat sends a text message to receiverID. While disconnected the message
// is queued and a connection attempt is started.
func (m *Messenger) SendChat(receiverID int64, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	return m.run(func() error {
		return m.sendChat(receiverID, content)
	})
}

// Keystroke reports composer input addressed to receiverID.
func (m *Messenger) Keystroke(receiverID int64) {
	m.loop.post(func() {
		if m.user == nil {
			return
		}
		m.typing.keystroke(receiverID)
	})
}

// OpenChat opens the conversation with peerID.
func (m *Messenger) OpenChat(peerID int64) error {
	return m.run(func() error {
		if m.user == nil {
			return ErrNoSession
		}
		m.binder.open(peerID)
		return nil
	})
}

// CloseChat closes the open conversation.
func (m *Messenger) CloseChat() {
	m.loop.call(func() {
		m.typing.stop()
		m.binder.close()
	})
}

// Scrolled reports the message list's distance from the top, in pixels.
func (m *Messenger) Scrolled(scrollTop int) {
	m.loop.post(func() { m.binder.scrolled(scrollTop) })
}

// LoadOlder requests the next page of older history regardless of scroll
// position.
func (m *Messenger) LoadOlder() {
	m.loop.post(m.binder.loadOlder)
}

// Snapshot returns the current session state.
func (m *Messenger) Snapshot() Snapshot {
	var s Snapshot
	m.loop.call(func() {
		s = Snapshot{
			Status:            m.state.Status,
			ReconnectAttempts: m.state.ReconnectAttempts,
			ReconnectPending:  m.recon.pending(),
			LastHeartbeatAck:  m.state.LastHeartbeatAck,
			Pending:           m.outbox.Len(),
			Online:            m.presence.onlineIDs(),
			OpenPeer:          m.binder.openPeer(),
		}
		if m.user != nil {
			u := *m.user
			s.User = &u
		}
	})
	return s
}

// ============================================================================
// Connection lifecycle (loop only)
// ============================================================================

func (m *Messenger) setStatus(to ConnectionStatus) {
	if err := m.state.transition(to); err != nil {
		m.log.Error().Err(err).Msg("connection state")
	}
}

// connect replaces any current socket with a fresh dial.
func (m *Messenger) connect() {
	if m.user == nil {
		return
	}
	m.recon.cancel()
	m.dropSocket("reconnecting")
	m.state.Intentional = false
	m.setStatus(StatusConnecting)

	gen := m.gen
	url := m.url
	m.log.Debug().Int("gen", gen).Str("url", url).Msg("dialing")
	m.sched.spawn(func(ctx context.Context) func() {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
		conn, err := m.dialer.Dial(dctx, url)
		return func() { m.dialed(gen, conn, err) }
	})
}

// connecting reports whether a dial or a scheduled reconnect is in flight.
func (m *Messenger) connecting() bool {
	return m.state.Status == StatusConnecting || m.recon.pending()
}

// dropSocket closes the current socket, if any, and invalidates its events.
func (m *Messenger) dropSocket(reason string) {
	m.gen++
	m.heartbeat.stop()
	m.stopWriter()
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		m.sched.spawn(func(context.Context) func() {
			_ = conn.Close(reason)
			return nil
		})
	}
	m.setStatus(StatusDisconnected)
}

func (m *Messenger) dialed(gen int, conn Conn, err error) {
	if gen != m.gen || m.user == nil {
		if conn != nil {
			m.sched.spawn(func(context.Context) func() {
				_ = conn.Close("superseded")
				return nil
			})
		}
		return
	}
	if err != nil {
		m.closed(gen, err)
		return
	}

	m.conn = conn
	m.writer = newSocketWriter(m.loop.ctx, conn, m.cfg.WriteTimeout, func(f outFrame, err error) bool {
		return m.sched.post(func() { m.wrote(gen, f, err) })
	})
	go m.writer.run()
	m.setStatus(StatusConnected)
	m.heartbeat.start()
	m.log.Info().Int("gen", gen).Msg("connected")
	m.view.Notify(NotifySuccess, "Connected")

	m.read(gen, conn)
	m.flushOutbox()
	m.presence.refresh()
	m.binder.refreshConversations()
	m.startPolls()
}

func (m *Messenger) read(gen int, conn Conn) {
	m.sched.spawn(func(ctx context.Context) func() {
		for {
			data, err := conn.Read(ctx)
			if err != nil {
				return func() { m.closed(gen, err) }
			}
			if !m.sched.post(func() { m.frame(gen, data) }) {
				return nil
			}
		}
	})
}

// closed handles the end of socket gen, whether from the peer, the network or
// a failed dial.
func (m *Messenger) closed(gen int, err error) {
	if gen != m.gen {
		return
	}
	m.gen++
	m.conn = nil
	m.heartbeat.stop()
	m.stopWriter()
	m.stopPolls()
	m.setStatus(StatusDisconnected)

	if m.state.Intentional || m.user == nil {
		return
	}
	m.log.Info().Err(err).Msg("connection closed")
	if !isNormalClosure(err) {
		m.view.Notify(NotifyError, "Connection error. Reconnecting...")
	}
	if errors.Is(err, ErrSessionExpired) {
		m.expire()
		return
	}

	// The session may have ended server-side; check before retrying.
	user := m.user
	m.sched.spawn(func(ctx context.Context) func() {
		_, err := m.api.CheckSession(ctx)
		return func() { m.sessionChecked(user, err) }
	})
}

func (m *Messenger) sessionChecked(user *User, err error) {
	if m.user != user || m.state.Intentional {
		return
	}
	if errors.Is(err, ErrSessionExpired) {
		m.expire()
		return
	}
	if err != nil {
		m.log.Debug().Err(err).Msg("session check failed, retrying anyway")
	}
	if m.state.Status != StatusDisconnected {
		return
	}
	m.scheduleReconnect()
}

func (m *Messenger) scheduleReconnect() {
	delay, ok := m.recon.schedule()
	if !ok {
		m.log.Warn().Int("attempts", m.state.ReconnectAttempts).Msg("giving up reconnecting")
		m.view.Notify(NotifyError, "Unable to reconnect. Send a message or reload to try again.")
		return
	}
	m.log.Debug().Dur("delay", delay).Int("attempt", m.state.ReconnectAttempts).Msg("reconnect scheduled")
}

func (m *Messenger) reconnectDue() {
	if m.user == nil || m.state.Intentional {
		return
	}
	m.connect()
}

func (m *Messenger) socketDead() {
	m.log.Warn().Time("last_ack", m.state.LastHeartbeatAck).Msg("heartbeat timed out")
	m.connect()
}

// teardown ends the session locally. The intentional flag is set first so
// the socket's close does not schedule a reconnect.
func (m *Messenger) teardown() {
	m.state.Intentional = true
	m.recon.cancel()
	m.heartbeat.stop()
	m.typing.reset()
	m.stopPolls()
	m.dropSocket("logout")
	m.state.ReconnectAttempts = 0
	m.presence.reset()
	m.outbox.Clear()
	m.binder.reset()
	m.user = nil
	m.loggingOut = false
}

// expire tears down after a 401. Only the first call has an effect.
func (m *Messenger) expire() {
	if m.user == nil || m.loggingOut {
		return
	}
	m.log.Info().Msg("session expired")
	m.teardown()
	m.view.ShowLogin()
	m.view.Notify(NotifyError, "Your session has expired. Please log in again.")
}

func (m *Messenger) startPolls() {
	m.stopPolls()
	var rosterTick, convTick func()
	rosterTick = func() {
		m.presence.refresh()
		m.rosterPoll = m.sched.after(m.cfg.PollInterval, rosterTick)
	}
	convTick = func() {
		m.binder.refreshConversations()
		m.convPoll = m.sched.after(m.cfg.PollInterval, convTick)
	}
	m.rosterPoll = m.sched.after(m.cfg.PollInterval, rosterTick)
	m.convPoll = m.sched.after(m.cfg.PollInterval, convTick)
}

func (m *Messenger) stopPolls() {
	m.rosterPoll.stop()
	m.convPoll.stop()
	m.rosterPoll, m.convPoll = nil, nil
}

// ============================================================================
// Frames (loop only)
// ============================================================================

func (m *Messenger) frame(gen int, data []byte) {
	if gen != m.gen {
		return
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		m.log.Debug().Err(err).Msg("dropping frame")
		return
	}

	switch env.Type {
	case TypeChatMessage:
		p, ok := env.ChatContent()
		if !ok {
			m.log.Debug().RawJSON("content", env.Content).Msg("dropping chat frame without participants")
			return
		}
		m.binder.receive(p)
	case TypeUserOnline, TypeUserOffline:
		if id, ok := env.PresenceUserID(); ok {
			m.presence.push(id, env.Type == TypeUserOnline)
		}
	case TypeNewPost:
		m.view.RefreshPosts()
	case TypeNewComment:
		if id, ok := env.CommentPostID(); ok {
			m.view.RefreshPost(id)
		}
	case TypeTypingStart, TypeTypingStop:
		if to, ok := env.TypingReceiverID(); ok && to != m.selfID() {
			return
		}
		m.binder.typing(env.Sender, env.Type == TypeTypingStart)
	case TypeError:
		m.view.Notify(NotifyError, env.ErrorMessage())
	case TypePong:
		m.heartbeat.ack()
	}
}

// stopWriter stops the current socket's writer. Chat messages it had not
// written yet go back to the outbox.
func (m *Messenger) stopWriter() {
	if m.writer == nil {
		return
	}
	m.writer.stop()
	m.writer = nil
	m.outbox.Requeue()
}

// wrote handles the outcome of one socket write. A chat message is
// acknowledged whichever socket wrote it; a failure only matters for the
// current socket.
func (m *Messenger) wrote(gen int, f outFrame, err error) {
	if err == nil {
		if f.id == "" {
			return
		}
		if _, ok := m.outbox.Ack(f.id); ok {
			m.view.UpdateDelivery(f.id, DeliverySent)
		}
		m.flushOutbox()
		return
	}
	if gen != m.gen {
		return
	}
	m.log.Warn().Err(err).Bool("chat", f.id != "").Msg("socket write failed")
	if conn := m.conn; conn != nil {
		m.sched.spawn(func(context.Context) func() {
			_ = conn.Close("write failed")
			return nil
		})
	}
	m.closed(gen, err)
}

// sendTransient queues a frame that is only meaningful right now. It is
// dropped while disconnected.
func (m *Messenger) sendTransient(env Envelope) {
	if m.writer == nil || m.state.Status != StatusConnected {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		m.log.Error().Err(err).Str("type", string(env.Type)).Msg("encode frame")
		return
	}
	if !m.writer.queue(outFrame{data: data}) {
		m.log.Debug().Str("type", string(env.Type)).Msg("write buffer full, frame dropped")
	}
}

func (m *Messenger) sendPing() {
	env, _ := NewEnvelope(TypePing, nil)
	m.sendTransient(env)
}

func (m *Messenger) sendTyping(t MessageType, receiver int64) {
	env, err := NewEnvelope(t, typingOut{ReceiverID: receiver})
	if err != nil {
		return
	}
	m.sendTransient(env)
}

func (m *Messenger) sendChat(receiverID int64, content string) error {
	if m.user == nil {
		return ErrNoSession
	}
	env, err := NewEnvelope(TypeChatMessage, chatOut{ReceiverID: receiverID, Content: content})
	if err != nil {
		return err
	}
	m.typing.stop()

	clientID := uuid.NewString()
	now := m.sched.clock.Now()
	m.outbox.Enqueue(clientID, env, now)

	if m.binder.openPeer() == receiverID {
		m.view.AppendMessage(ChatLine{
			Message: Message{
				SenderID:   m.user.ID,
				ReceiverID: receiverID,
				Content:    content,
				CreatedAt:  now,
				SenderName: m.user.Nickname,
			},
			ClientID: clientID,
			Status:   DeliveryPending,
		})
	}

	switch {
	case m.state.Status == StatusConnected:
		m.flushOutbox()
	case !m.connecting():
		m.connect()
	}
	return nil
}

// flushOutbox hands queued chat messages to the socket writer, in order.
// Each one is reported sent once the writer confirms it.
func (m *Messenger) flushOutbox() {
	if m.writer == nil || m.state.Status != StatusConnected {
		return
	}
	n := m.outbox.Dispatch(func(q QueuedMessage) bool {
		data, err := json.Marshal(q.Envelope)
		if err != nil {
			m.log.Error().Err(err).Str("id", q.ID).Msg("encode queued message")
			return false
		}
		return m.writer.queue(outFrame{id: q.ID, data: data})
	})
	if n > 0 {
		m.log.Debug().Int("count", n).Int("queued", m.outbox.Len()).Msg("outbox dispatched")
	}
}
