package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	forum "github.com/rtforum/forum-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <user>",
	Short: "Chat with a user in real time",
	Long:  "Open an interactive conversation with a user (id or nickname).\nEach line you type is sent as a message. /more loads older messages, /quit exits.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getSessionClient()
		defer syncSession(cfg, client)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		me, err := client.Auth.Session(reqCtx)
		if err != nil {
			cancel()
			return requestError(err)
		}
		users, err := client.Users.List(reqCtx)
		cancel()
		if err != nil {
			return requestError(err)
		}
		peer, err := resolveUser(users, args[0])
		if err != nil {
			return err
		}
		if peer.ID == me.ID {
			return fmt.Errorf("cannot open a chat with yourself")
		}

		view := newTerminalView(os.Stdout, *me, users)
		m, err := forum.NewMessenger(client, view, &forum.MessengerConfig{Logger: &logger})
		if err != nil {
			return err
		}
		if err := m.Start(*me); err != nil {
			return err
		}
		defer m.Stop()

		if err := m.OpenChat(peer.ID); err != nil {
			return err
		}
		fmt.Println("Type a message and press Enter. /more loads older messages, /quit exits.")

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-view.loggedOut:
				return nil
			case line, ok := <-lines:
				if !ok || !handleLine(m, peer.ID, line, os.Stderr) {
					return nil
				}
			}
		}
	},
}

// chatSession is the part of the messenger the input loop drives.
type chatSession interface {
	Keystroke(receiverID int64)
	SendChat(receiverID int64, content string) error
	LoadOlder()
}

// handleLine acts on one line of input and reports whether to keep reading.
// A line of text counts as typing before it is sent.
func handleLine(m chatSession, peerID int64, line string, errOut io.Writer) bool {
	switch strings.TrimSpace(line) {
	case "":
		return true
	case "/quit":
		return false
	case "/more":
		m.LoadOlder()
		return true
	}
	m.Keystroke(peerID)
	if err := m.SendChat(peerID, line); err != nil {
		fmt.Fprintf(errOut, "send failed: %v\n", err)
	}
	return true
}

// ============================================================================
// Terminal view
// ============================================================================

// terminalView prints messaging events as plain lines.
type terminalView struct {
	forum.NopView

	mu    sync.Mutex
	out   io.Writer
	self  forum.User
	names map[int64]string
	// rendered is set once the first page is shown; later loads are older
	// pages.
	rendered bool

	loggedOut chan struct{}
	once      sync.Once
}

func newTerminalView(out io.Writer, self forum.User, users []forum.User) *terminalView {
	v := &terminalView{
		out:       out,
		self:      self,
		names:     make(map[int64]string, len(users)),
		loggedOut: make(chan struct{}),
	}
	for _, u := range users {
		v.names[u.ID] = u.Nickname
	}
	return v
}

func (v *terminalView) printf(format string, args ...interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

func (v *terminalView) name(id int64) string {
	if id == v.self.ID {
		return "you"
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return valueOrDefault(v.names[id], fmt.Sprintf("user %d", id))
}

func (v *terminalView) Notify(kind forum.NotifyKind, text string) {
	prefix := "*"
	if kind == forum.NotifyError {
		prefix = "!"
	}
	v.printf("%s %s\n", prefix, text)
}

func (v *terminalView) ShowLogin() {
	v.once.Do(func() { close(v.loggedOut) })
}

func (v *terminalView) RenderRoster(entries []forum.RosterEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range entries {
		v.names[e.User.ID] = e.User.Nickname
	}
}

func (v *terminalView) RenderChat(peer forum.User, online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	v.printf("--- %s (%s) ---\n", peer.Nickname, state)
}

func (v *terminalView) SetComposer(enabled bool, placeholder string) {
	if !enabled {
		v.printf("* %s\n", placeholder)
	}
}

func (v *terminalView) RenderMessages(msgs []forum.Message) {
	v.mu.Lock()
	v.rendered = true
	v.mu.Unlock()
	for _, msg := range msgs {
		v.message(msg)
	}
}

// AppendMessage prints the line as soon as it is composed. Connection
// trouble is reported through Notify, so delivery updates are not printed.
func (v *terminalView) AppendMessage(line forum.ChatLine) {
	v.message(line.Message)
}

func (v *terminalView) PrependMessages(msgs []forum.Message) {
	v.printf("--- older messages ---\n")
	for _, msg := range msgs {
		v.message(msg)
	}
	v.printf("---\n")
}

func (v *terminalView) SetHistoryLoading(loading bool) {
	v.mu.Lock()
	older := v.rendered
	v.mu.Unlock()
	if loading && older {
		v.printf("* loading older messages...\n")
	}
}

func (v *terminalView) ShowHistoryEnd() {
	v.printf("* no older messages\n")
}

func (v *terminalView) ShowTyping(visible bool, label string) {
	if visible {
		v.printf("* %s\n", label)
	}
}

func (v *terminalView) RefreshPosts() {
	v.printf("* new posts available; run 'forum posts list'\n")
}

func (v *terminalView) RefreshPost(postID int64) {
	v.printf("* new comment on post %d\n", postID)
}

func (v *terminalView) message(msg forum.Message) {
	name := v.name(msg.SenderID)
	v.mu.Lock()
	defer v.mu.Unlock()
	printMessage(v.out, msg, name)
}
