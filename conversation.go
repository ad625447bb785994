package forum

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	composerPlaceholder = "Type a message..."
	typingSuffix        = " is typing..."
)

// conversationBinder keeps the open conversation in step with the server:
// initial history, older pages on scroll, live messages and typing
// indicators from the peer.
type conversationBinder struct {
	sched    scheduler
	api      API
	view     View
	presence *presenceTracker
	log      zerolog.Logger
	cfg      *MessengerConfig

	self    func() *User
	expired func()

	peer        *User
	gen         int
	offset      int
	loading     bool
	fullyLoaded bool
	// initial is set while the first history page is in flight; live
	// messages for the peer are held in live until it lands.
	initial   bool
	live      []Message
	throttle  *rate.Limiter
	convEpoch int
}

func newConversationBinder(sched scheduler, api API, view View, presence *presenceTracker, cfg *MessengerConfig, log zerolog.Logger) *conversationBinder {
	return &conversationBinder{
		sched:    sched,
		api:      api,
		view:     view,
		presence: presence,
		cfg:      cfg,
		log:      log.With().Str("component", "conversation").Logger(),
		throttle: rate.NewLimiter(rate.Every(cfg.ScrollThrottle), 1),
	}
}

func (b *conversationBinder) selfID() int64 {
	if b.self == nil {
		return 0
	}
	if u := b.self(); u != nil {
		return u.ID
	}
	return 0
}

func (b *conversationBinder) openPeer() int64 {
	if b.peer == nil {
		return 0
	}
	return b.peer.ID
}

// fail routes a background error: 401 ends the session, anything else is
// reported with msg.
func (b *conversationBinder) fail(err error, msg string) {
	if errors.Is(err, ErrSessionExpired) {
		if b.expired != nil {
			b.expired()
		}
		return
	}
	b.log.Warn().Err(err).Msg(msg)
	b.view.Notify(NotifyError, msg)
}

// open starts a conversation with peerID. A later open or close supersedes
// any result still in flight.
func (b *conversationBinder) open(peerID int64) {
	b.clearOpen()
	gen := b.gen
	pushes := b.presence.pushes

	b.sched.spawn(func(ctx context.Context) func() {
		var (
			peer   *User
			online []int64
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			u, err := b.api.User(gctx, peerID)
			peer = u
			return err
		})
		g.Go(func() error {
			ids, err := b.api.OnlineUsers(gctx)
			online = ids
			return err
		})
		err := g.Wait()
		return func() { b.opened(gen, pushes, peer, online, err) }
	})
}

func (b *conversationBinder) opened(gen, pushes int, peer *User, online []int64, err error) {
	if gen != b.gen {
		return
	}
	if err != nil {
		b.fail(err, "Failed to open conversation")
		return
	}

	peerOnline := false
	for _, id := range online {
		if id == peer.ID {
			peerOnline = true
			break
		}
	}
	// A push that arrived during the fetch is newer than the fetched list.
	if b.presence.pushes != pushes {
		peerOnline = b.presence.isOnline(peer.ID)
	}
	b.peer = peer

	b.view.ShowSection(SectionChat)
	b.view.RenderChat(*peer, peerOnline)
	b.setComposer(peerOnline)

	b.loading = true
	b.initial = true
	b.view.SetHistoryLoading(true)
	limit := b.cfg.HistoryPageSize
	b.sched.spawn(func(ctx context.Context) func() {
		msgs, err := b.api.MessageHistory(ctx, peer.ID, limit, 0)
		return func() { b.historyLoaded(gen, msgs, err) }
	})
}

func (b *conversationBinder) historyLoaded(gen int, msgs []Message, err error) {
	if gen != b.gen {
		return
	}
	b.loading = false
	b.initial = false
	live := b.live
	b.live = nil
	b.view.SetHistoryLoading(false)
	if err != nil {
		b.offset = b.appendLive(live, nil)
		b.fail(err, "Failed to load messages")
		return
	}
	b.view.RenderMessages(oldestFirst(msgs))
	b.view.ShowTyping(false, "")
	b.offset = len(msgs) + b.appendLive(live, msgs)
}

// appendLive shows the messages received while the first page loaded,
// skipping those the page already holds, and returns how many it showed.
func (b *conversationBinder) appendLive(live, page []Message) int {
	n := 0
	for _, m := range live {
		if containsMessage(page, m) {
			continue
		}
		b.view.AppendMessage(ChatLine{Message: m, Status: DeliverySent})
		n++
	}
	return n
}

// containsMessage matches by id when both sides have one, otherwise by
// participants and content.
func containsMessage(msgs []Message, m Message) bool {
	for _, h := range msgs {
		if h.ID != 0 && m.ID != 0 {
			if h.ID == m.ID {
				return true
			}
			continue
		}
		if h.SenderID == m.SenderID && h.ReceiverID == m.ReceiverID && h.Content == m.Content {
			return true
		}
	}
	return false
}

func (b *conversationBinder) setComposer(online bool) {
	if online {
		b.view.SetComposer(true, composerPlaceholder)
		return
	}
	b.view.SetComposer(false, b.peer.Nickname+" is offline")
}

// close drops the open conversation and returns to the posts screen.
func (b *conversationBinder) close() {
	b.clearOpen()
	b.view.ShowSection(SectionPosts)
}

// clearOpen drops the open conversation and invalidates its pending loads.
func (b *conversationBinder) clearOpen() {
	b.gen++
	b.peer = nil
	b.offset = 0
	b.loading = false
	b.fullyLoaded = false
	b.initial = false
	b.live = nil
	// Each conversation gets its own scroll budget.
	b.throttle = rate.NewLimiter(rate.Every(b.cfg.ScrollThrottle), 1)
}

// reset is clearOpen for session teardown; it also discards conversation
// list refreshes in flight.
func (b *conversationBinder) reset() {
	b.clearOpen()
	b.convEpoch++
}

// scrolled handles a scroll of the message list to scrollTop pixels from the
// top.
func (b *conversationBinder) scrolled(scrollTop int) {
	if scrollTop > b.cfg.ScrollThreshold {
		return
	}
	b.loadOlder()
}

// loadOlder fetches the page of history just above what is held.
func (b *conversationBinder) loadOlder() {
	if b.peer == nil || b.fullyLoaded || b.loading {
		return
	}
	if !b.throttle.AllowN(b.sched.clock.Now(), 1) {
		return
	}
	gen := b.gen
	peerID := b.peer.ID
	offset := b.offset
	limit := b.cfg.OlderPageSize
	b.loading = true
	b.view.SetHistoryLoading(true)
	b.sched.spawn(func(ctx context.Context) func() {
		msgs, err := b.api.MessageHistory(ctx, peerID, limit, offset)
		return func() { b.olderLoaded(gen, msgs, err) }
	})
}

func (b *conversationBinder) olderLoaded(gen int, msgs []Message, err error) {
	if gen != b.gen {
		return
	}
	b.loading = false
	b.view.SetHistoryLoading(false)
	if err != nil {
		b.fail(err, "Failed to load older messages")
		return
	}
	if len(msgs) == 0 {
		b.fullyLoaded = true
		b.view.ShowHistoryEnd()
		return
	}
	b.offset += len(msgs)
	b.view.PrependMessages(oldestFirst(msgs))
}

// receive handles an inbound chat_message.
func (b *conversationBinder) receive(p ChatPayload) {
	self := b.selfID()
	if p.SenderID != self && p.ReceiverID != self {
		return
	}
	counterpart := p.SenderID
	if counterpart == self {
		counterpart = p.ReceiverID
	}

	switch {
	case b.openPeer() == counterpart && b.initial:
		// The page in flight may or may not hold it; decided on arrival.
		b.live = append(b.live, p.message(b.nameOf(p.SenderID)))
		if p.SenderID != self {
			b.view.ShowTyping(false, "")
		}
	case b.openPeer() == counterpart:
		b.offset++
		// Text this client sent was already rendered when it was composed.
		if p.SenderID == self && !p.IsImage {
			break
		}
		b.view.AppendMessage(ChatLine{Message: p.message(b.nameOf(p.SenderID)), Status: DeliverySent})
		if p.SenderID != self {
			b.view.ShowTyping(false, "")
		}
	case p.SenderID != self:
		b.view.Notify(NotifyInfo, "New message from "+b.nameOf(p.SenderID))
	}
	b.refreshConversations()
}

func (b *conversationBinder) nameOf(id int64) string {
	if b.peer != nil && b.peer.ID == id {
		return b.peer.Nickname
	}
	if b.self != nil {
		if u := b.self(); u != nil && u.ID == id {
			return u.Nickname
		}
	}
	return b.presence.nickname(id)
}

// typing shows or hides the peer's typing indicator.
func (b *conversationBinder) typing(sender int64, start bool) {
	if sender == 0 || sender == b.selfID() || sender != b.openPeer() {
		return
	}
	if start {
		b.view.ShowTyping(true, b.peer.Nickname+typingSuffix)
		return
	}
	b.view.ShowTyping(false, "")
}

// peerPresence reacts to a presence change of any user; only the open peer
// matters here.
func (b *conversationBinder) peerPresence(id int64, online bool) {
	if b.peer == nil || b.peer.ID != id {
		return
	}
	b.setComposer(online)
	if online {
		b.view.Notify(NotifyInfo, b.peer.Nickname+" is now online")
		return
	}
	b.view.Notify(NotifyInfo, b.peer.Nickname+" went offline")
}

// refreshConversations reloads the conversation list. The list is never
// patched locally.
func (b *conversationBinder) refreshConversations() {
	epoch := b.convEpoch
	b.sched.spawn(func(ctx context.Context) func() {
		list, err := b.api.Conversations(ctx)
		return func() {
			if epoch != b.convEpoch {
				return
			}
			if err != nil {
				if errors.Is(err, ErrSessionExpired) {
					b.fail(err, "")
					return
				}
				b.log.Warn().Err(err).Msg("refresh conversations")
				return
			}
			b.view.RenderConversations(list)
		}
	})
}

func (p ChatPayload) message(senderName string) Message {
	return Message{
		ID:         p.ID,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Content:    p.Content,
		CreatedAt:  p.CreatedAt,
		IsImage:    p.IsImage,
		SenderName: senderName,
	}
}

// oldestFirst reverses a newest-first history page.
func oldestFirst(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
