// Package chat holds the shared room state: members, history and commands.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danmuck/edgechat/internal/auth"
	"github.com/danmuck/edgechat/internal/observability"
	"github.com/danmuck/edgechat/internal/protocol"
)

var (
	ErrMemberExists  = errors.New("chat: member already joined")
	ErrUnknownMember = errors.New("chat: unknown member")
	ErrNameTaken     = errors.New("chat: name already taken")
	ErrRoomClosed    = errors.New("chat: room closed")
	ErrNotRelayable  = errors.New("chat: message kind not accepted from clients")
	ErrInvalidMember = errors.New("chat: invalid member id")
)

const (
	DefaultName             = "Anonymous"
	DefaultMaxLoginAttempts = 5
)

// RoomConfig bounds room memory. When Login is set members must pass
// "/login <user> <password>" before they see or send anything; the
// validator receives auth.Pair(user, password).
type RoomConfig struct {
	HistorySize      int
	OutboxSize       int
	DefaultName      string
	Login            auth.Validator
	MaxLoginAttempts int
}

func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		HistorySize:      100,
		OutboxSize:       256,
		DefaultName:      DefaultName,
		MaxLoginAttempts: DefaultMaxLoginAttempts,
	}
}

// UserInfo is a point-in-time view of one member.
type UserInfo struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Remote        string    `json:"remote,omitempty"`
	JoinedAt      time.Time `json:"joined_at"`
	MessageCount  int       `json:"message_count"`
	Authenticated bool      `json:"authenticated"`
}

// Member is one joined connection. Its outbox is closed when it leaves, is
// evicted or runs out of login attempts.
type Member struct {
	id       string
	remote   string
	joinedAt time.Time

	// guarded by Room.mu
	name      string
	count     int
	outbox    chan protocol.Message
	closed    bool
	evicted   bool
	authed    bool
	failures  int
	lockedOut bool
}

func (m *Member) ID() string {
	return m.id
}

// Outbox yields messages addressed to this member until it leaves.
func (m *Member) Outbox() <-chan protocol.Message {
	return m.outbox
}

// Room is the shared chat state: members, bounded history, command dispatch.
type Room struct {
	mu      sync.Mutex
	cfg     RoomConfig
	members map[string]*Member
	order   []string
	history []protocol.Message
	closed  bool
	// evicted members whose departure has not been announced yet
	departed []*Member

	now    func() time.Time
	newID  func() string
	logger zerolog.Logger
}

func NewRoom(cfg RoomConfig) *Room {
	d := DefaultRoomConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = d.HistorySize
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = d.OutboxSize
	}
	if cfg.OutboxSize <= cfg.HistorySize {
		cfg.OutboxSize = cfg.HistorySize + 16
	}
	if strings.TrimSpace(cfg.DefaultName) == "" {
		cfg.DefaultName = d.DefaultName
	}
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = d.MaxLoginAttempts
	}
	return &Room{
		cfg:     cfg,
		members: make(map[string]*Member),
		history: make([]protocol.Message, 0, cfg.HistorySize),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
		logger:  observability.Component("chat.room"),
	}
}

// Join registers id and queues the current history on its outbox. With a
// login configured the history waits until the member authenticates.
func (r *Room) Join(id, remote string) (*Member, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrInvalidMember
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRoomClosed
	}
	if _, ok := r.members[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMemberExists, id)
	}
	m := &Member{
		id:       id,
		remote:   remote,
		joinedAt: r.now(),
		name:     r.cfg.DefaultName,
		outbox:   make(chan protocol.Message, r.cfg.OutboxSize),
		authed:   r.cfg.Login == nil,
	}
	r.members[id] = m
	r.order = append(r.order, id)
	if m.authed {
		r.replayLocked(m)
	}
	r.logger.Debug().Str("member", id).Str("remote", remote).Bool("authenticated", m.authed).Int("history", len(r.history)).Msg("member joined")
	return m, nil
}

// Abandon removes id without telling anyone, for a connection that never
// opened.
func (r *Room) Abandon(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(r.members[id])
}

// Leave removes id and tells the remaining members. It reports whether the
// member was present; calling it twice is harmless.
func (r *Room) Leave(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.announceDepartedLocked()
	m, ok := r.members[id]
	if !ok {
		return false
	}
	r.removeLocked(m)
	if m.authed {
		r.broadcastLocked(r.disconnectedLocked(m))
	}
	r.logger.Debug().Str("member", id).Str("name", m.name).Msg("member left")
	return true
}

// Submit processes one client message from member id.
func (r *Room) Submit(id string, msg protocol.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.announceDepartedLocked()
	m, ok := r.members[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMember, id)
	}
	if !m.authed {
		r.preLoginLocked(m, msg)
		return nil
	}

	switch msg.Kind {
	case protocol.KindChat:
		out := protocol.Message{
			Kind:        protocol.KindChat,
			ID:          r.newID(),
			Sender:      m.name,
			Content:     msg.Content,
			TimestampMS: r.stampLocked(),
		}
		m.count++
		r.appendHistoryLocked(out)
		r.broadcastLocked(out)
		return nil
	case protocol.KindCommand:
		r.dispatchLocked(m, strings.ToLower(msg.Command), msg.Args)
		return nil
	case protocol.KindDirect:
		r.directLocked(m, msg.To, msg.Content)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotRelayable, msg.Kind)
	}
}

// Announce broadcasts a system message to every member.
func (r *Room) Announce(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.announceDepartedLocked()
	r.broadcastLocked(r.systemLocked(text))
}

// Notify sends a system message to one member.
func (r *Room) Notify(id, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.announceDepartedLocked()
	m, ok := r.members[id]
	if !ok {
		return false
	}
	r.sendLocked(m, r.systemLocked(text))
	return true
}

// Close evicts every member and rejects later joins.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.departed = nil
	for _, id := range append([]string(nil), r.order...) {
		r.removeLocked(r.members[id])
	}
}

func (r *Room) Users() []UserInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]UserInfo, 0, len(r.order))
	for _, id := range r.order {
		m := r.members[id]
		out = append(out, UserInfo{
			ID:            m.id,
			Name:          m.name,
			Remote:        m.remote,
			JoinedAt:      m.joinedAt,
			MessageCount:  m.count,
			Authenticated: m.authed,
		})
	}
	return out
}

func (r *Room) History() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Message, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Evicted reports whether m was dropped for falling behind.
func (r *Room) Evicted(m *Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m.evicted
}

// LockedOut reports whether m was dropped after too many failed logins.
func (r *Room) LockedOut(m *Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m.lockedOut
}

func (r *Room) appendHistoryLocked(msg protocol.Message) {
	if len(r.history) == r.cfg.HistorySize {
		copy(r.history, r.history[1:])
		r.history = r.history[:len(r.history)-1]
	}
	r.history = append(r.history, msg)
}

func (r *Room) replayLocked(m *Member) {
	for _, msg := range r.history {
		r.sendLocked(m, msg)
	}
}

// broadcastLocked reaches authenticated members only.
func (r *Room) broadcastLocked(msg protocol.Message) {
	for _, id := range append([]string(nil), r.order...) {
		if m, ok := r.members[id]; ok && m.authed {
			r.sendLocked(m, msg)
		}
	}
}

// announceDepartedLocked tells the room about evicted members. Each notice
// may evict further members, which are queued and announced in turn.
func (r *Room) announceDepartedLocked() {
	for len(r.departed) > 0 {
		m := r.departed[0]
		r.departed = r.departed[1:]
		r.broadcastLocked(r.disconnectedLocked(m))
	}
	r.departed = nil
}

func (r *Room) disconnectedLocked(m *Member) protocol.Message {
	return r.systemLocked(fmt.Sprintf("%s has disconnected.", m.name))
}

// sendLocked never blocks: a member whose outbox is full is evicted and
// queued for a departure notice.
func (r *Room) sendLocked(m *Member, msg protocol.Message) {
	if m.closed {
		return
	}
	select {
	case m.outbox <- msg:
	default:
		m.evicted = true
		r.removeLocked(m)
		if m.authed && !r.closed {
			r.departed = append(r.departed, m)
		}
		observability.RecordEviction()
		r.logger.Warn().Str("member", m.id).Str("name", m.name).Int("outbox", cap(m.outbox)).Msg("member evicted, outbox full")
	}
}

func (r *Room) removeLocked(m *Member) {
	if m == nil {
		return
	}
	delete(r.members, m.id)
	for i, id := range r.order {
		if id == m.id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if !m.closed {
		m.closed = true
		close(m.outbox)
	}
}

func (r *Room) systemLocked(text string) protocol.Message {
	return protocol.Message{
		Kind:        protocol.KindSystem,
		ID:          r.newID(),
		Content:     text,
		TimestampMS: r.stampLocked(),
	}
}

func (r *Room) stampLocked() uint64 {
	return uint64(r.now().UnixMilli())
}

// namedLocked returns the authenticated members whose name matches,
// ignoring case.
func (r *Room) namedLocked(name string) []*Member {
	var out []*Member
	for _, id := range r.order {
		m := r.members[id]
		if m.authed && strings.EqualFold(m.name, name) {
			out = append(out, m)
		}
	}
	return out
}
