package forum

// Section is a top-level screen of the forum UI.
type Section string

const (
	SectionPosts Section = "posts"
	SectionChat  Section = "chat"
)

// NotifyKind classifies a user-facing notification.
type NotifyKind string

const (
	NotifyInfo    NotifyKind = "info"
	NotifySuccess NotifyKind = "success"
	NotifyError   NotifyKind = "error"
)

// DeliveryStatus is the local delivery state of an outgoing chat line.
type DeliveryStatus int

const (
	// DeliveryPending marks a message waiting in the outbox.
	DeliveryPending DeliveryStatus = iota
	// DeliverySent marks a message written to the socket.
	DeliverySent
)

func (s DeliveryStatus) String() string {
	if s == DeliveryPending {
		return "pending"
	}
	return "sent"
}

// RosterEntry is one row of the online-users list.
type RosterEntry struct {
	User   User
	Online bool
}

// ChatLine is a message appended to the open conversation. ClientID is set
// for lines this client sent, so a later UpdateDelivery can find them.
type ChatLine struct {
	Message  Message
	ClientID string
	Status   DeliveryStatus
}

// View receives every UI effect of the messaging session.
//
// All methods are called from the Messenger's event loop goroutine. They
// must return promptly and must not call back into the Messenger
// synchronously.
type View interface {
	Notify(kind NotifyKind, text string)
	ShowSection(section Section)
	ShowLogin()

	RenderRoster(entries []RosterEntry)
	RenderConversations(list *ConversationList)

	// RenderChat switches to a conversation with peer.
	RenderChat(peer User, online bool)
	SetComposer(enabled bool, placeholder string)
	// RenderMessages replaces the message list, oldest first.
	RenderMessages(msgs []Message)
	AppendMessage(line ChatLine)
	UpdateDelivery(clientID string, status DeliveryStatus)
	// PrependMessages inserts older history above the current list, oldest
	// first, keeping the current scroll anchor.
	PrependMessages(msgs []Message)
	SetHistoryLoading(loading bool)
	ShowHistoryEnd()
	ShowTyping(visible bool, label string)

	RefreshPosts()
	RefreshPost(postID int64)
}

// NopView ignores every call. Embed it to implement only part of View.
type NopView struct{}

func (NopView) Notify(NotifyKind, string) {}
func (NopView) ShowSection(Section) {}
func (NopView) ShowLogin() {}
func (NopView) RenderRoster([]RosterEntry) {}
func (NopView) RenderConversations(*ConversationList) {}
func (NopView) RenderChat(User, bool) {}
func (NopView) SetComposer(bool, string) {}
func (NopView) RenderMessages([]Message) {}
func (NopView) AppendMessage(ChatLine) {}
func (NopView) UpdateDelivery(string, DeliveryStatus) {}
func (NopView) PrependMessages([]Message) {}
func (NopView) SetHistoryLoading(bool) {}
func (NopView) ShowHistoryEnd() {}
func (NopView) ShowTyping(bool, string) {}
func (NopView) RefreshPosts() {}
func (NopView) RefreshPost(int64) {}
