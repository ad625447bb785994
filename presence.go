package forum

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// presenceTracker keeps the online set and the user directory behind the
// roster.
//
// Pushes (user_online / user_offline) apply immediately. Polls replace the
// whole set, but only when the poll started no earlier than the last push, so
// a slow poll cannot undo a newer push.
type presenceTracker struct {
	sched scheduler
	api   API
	view  View
	log   zerolog.Logger

	self     func() int64
	onChange func(id int64, online bool)
	expired  func()

	online   map[int64]bool
	users    map[int64]User
	lastPush time.Time
	// pushes counts applied pushes; fetches compare it to tell whether a
	// push landed while they were in flight.
	pushes int
	epoch  int
}

func newPresenceTracker(sched scheduler, api API, view View, log zerolog.Logger) *presenceTracker {
	return &presenceTracker{
		sched:  sched,
		api:    api,
		view:   view,
		log:    log.With().Str("component", "presence").Logger(),
		online: make(map[int64]bool),
		users:  make(map[int64]User),
	}
}

// push applies a single presence change from the socket.
func (p *presenceTracker) push(id int64, online bool) {
	p.lastPush = p.sched.clock.Now()
	p.pushes++
	if p.online[id] == online {
		return
	}
	if online {
		p.online[id] = true
	} else {
		delete(p.online, id)
	}
	p.render()
	if p.onChange != nil {
		p.onChange(id, online)
	}
	if _, known := p.users[id]; !known && online {
		p.refresh()
	}
}

// refresh fetches the directory and the online list and replaces the set.
func (p *presenceTracker) refresh() {
	started := p.sched.clock.Now()
	epoch := p.epoch
	p.sched.spawn(func(ctx context.Context) func() {
		users, err := p.api.Users(ctx)
		var online []int64
		if err == nil {
			online, err = p.api.OnlineUsers(ctx)
		}
		return func() { p.apply(epoch, started, users, online, err) }
	})
}

func (p *presenceTracker) apply(epoch int, started time.Time, users []User, online []int64, err error) {
	if epoch != p.epoch {
		return
	}
	if err != nil {
		if errors.Is(err, ErrSessionExpired) && p.expired != nil {
			p.expired()
			return
		}
		p.log.Warn().Err(err).Msg("refresh online users")
		return
	}
	if started.Before(p.lastPush) {
		p.log.Debug().Msg("discarding presence poll older than last push")
		return
	}

	p.users = make(map[int64]User, len(users))
	for _, u := range users {
		p.users[u.ID] = u
	}
	prev := p.online
	p.online = make(map[int64]bool, len(online))
	for _, id := range online {
		p.online[id] = true
	}
	p.render()
	if p.onChange == nil {
		return
	}
	for id := range prev {
		if !p.online[id] {
			p.onChange(id, false)
		}
	}
	for id := range p.online {
		if !prev[id] {
			p.onChange(id, true)
		}
	}
}

func (p *presenceTracker) isOnline(id int64) bool {
	return p.online[id]
}

func (p *presenceTracker) user(id int64) (User, bool) {
	u, ok := p.users[id]
	return u, ok
}

// nickname falls back to a generic label for users missing from the
// directory.
func (p *presenceTracker) nickname(id int64) string {
	if u, ok := p.users[id]; ok && u.Nickname != "" {
		return u.Nickname
	}
	return "someone"
}

func (p *presenceTracker) onlineIDs() []int64 {
	ids := make([]int64, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// roster lists every known user except self, sorted by nickname.
func (p *presenceTracker) roster() []RosterEntry {
	self := int64(0)
	if p.self != nil {
		self = p.self()
	}
	entries := make([]RosterEntry, 0, len(p.users))
	for _, u := range p.users {
		if u.ID == self {
			continue
		}
		entries = append(entries, RosterEntry{User: u, Online: p.online[u.ID]})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].User.Nickname), strings.ToLower(entries[j].User.Nickname)
		if a != b {
			return a < b
		}
		return entries[i].User.ID < entries[j].User.ID
	})
	return entries
}

func (p *presenceTracker) render() {
	p.view.RenderRoster(p.roster())
}

// reset forgets everything and invalidates fetches in flight.
func (p *presenceTracker) reset() {
	p.epoch++
	p.online = make(map[int64]bool)
	p.users = make(map[int64]User)
	p.lastPush = time.Time{}
}
