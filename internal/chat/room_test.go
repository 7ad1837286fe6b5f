package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/danmuck/edgechat/internal/auth"
	"github.com/danmuck/edgechat/internal/protocol"
	"github.com/danmuck/edgechat/internal/testutil/testlog"
)

func newTestRoom(t *testing.T, cfg RoomConfig) *Room {
	t.Helper()
	testlog.Start(t)
	r := NewRoom(cfg)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var tick int64
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	var seq int
	r.newID = func() string {
		seq++
		return fmt.Sprintf("msg-%d", seq)
	}
	return r
}

func join(t *testing.T, r *Room, id string) *Member {
	t.Helper()
	m, err := r.Join(id, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	return m
}

func drain(m *Member) []protocol.Message {
	var out []protocol.Message
	for {
		select {
		case msg, ok := <-m.Outbox():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func contents(msgs []protocol.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func lastContent(t *testing.T, m *Member) string {
	t.Helper()
	msgs := drain(m)
	if len(msgs) == 0 {
		t.Fatalf("member %s received nothing", m.ID())
	}
	return msgs[len(msgs)-1].Content
}

func TestChatBroadcastStampsSender(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	a := join(t, r, "a")
	b := join(t, r, "b")

	if err := r.Submit("a", protocol.Chat("hello")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, m := range []*Member{a, b} {
		got := drain(m)
		if len(got) != 1 {
			t.Fatalf("member %s got %d messages", m.ID(), len(got))
		}
		if got[0].Kind != protocol.KindChat || got[0].Sender != DefaultName || got[0].Content != "hello" {
			t.Fatalf("unexpected broadcast: %+v", got[0])
		}
		if got[0].ID == "" || got[0].TimestampMS == 0 {
			t.Fatalf("broadcast not stamped: %+v", got[0])
		}
	}
}

func TestJoinReplaysHistoryInOrder(t *testing.T) {
	r := newTestRoom(t, RoomConfig{HistorySize: 3})
	join(t, r, "a")
	for i := 1; i <= 5; i++ {
		if err := r.Submit("a", protocol.Chat(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	late := join(t, r, "late")
	if diff := cmp.Diff([]string{"m3", "m4", "m5"}, contents(drain(late))); diff != "" {
		t.Fatalf("history replay mismatch (-want +got):\n%s", diff)
	}
	if got := len(r.History()); got != 3 {
		t.Fatalf("history len=%d want 3", got)
	}
}

func TestSystemMessagesStayOutOfHistory(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	join(t, r, "a")
	r.Announce("maintenance soon")
	if err := r.Submit("a", protocol.Command("list")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := r.History(); len(got) != 0 {
		t.Fatalf("system output leaked into history: %+v", got)
	}
}

func TestJoinRejectsDuplicateAndEmptyID(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	join(t, r, "a")
	if _, err := r.Join("a", ""); !errors.Is(err, ErrMemberExists) {
		t.Fatalf("expected ErrMemberExists, got %v", err)
	}
	if _, err := r.Join("  ", ""); !errors.Is(err, ErrInvalidMember) {
		t.Fatalf("expected ErrInvalidMember, got %v", err)
	}
}

func TestNameCommand(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	a := join(t, r, "a")
	b := join(t, r, "b")

	if err := r.Submit("a", protocol.Command("name", "alice")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := lastContent(t, a); got != "Your name is now set to 'alice'" {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := drain(b); len(got) != 0 {
		t.Fatalf("rename reply should be private, b got %+v", got)
	}

	if err := r.Submit("b", protocol.Command("name", "ALICE")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := lastContent(t, b); !strings.Contains(got, "already taken") {
		t.Fatalf("expected taken reply, got %q", got)
	}

	if err := r.Submit("b", protocol.Command("name", "/bob")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := lastContent(t, b); !strings.HasPrefix(got, "Invalid name") {
		t.Fatalf("expected invalid reply, got %q", got)
	}

	if err := r.Submit("b", protocol.Command("name")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := lastContent(t, b); got != "Usage: /name <name>" {
		t.Fatalf("expected usage reply, got %q", got)
	}

	if err := r.Submit("a", protocol.Chat("hi")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := drain(b); len(got) != 1 || got[0].Sender != "alice" {
		t.Fatalf("chat should carry new name, got %+v", got)
	}
}

func TestRenameToOwnNameDifferentCase(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	a := join(t, r, "a")
	_ = r.Submit("a", protocol.Command("name", "alice"))
	drain(a)
	if err := r.Submit("a", protocol.Command("name", "Alice")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := lastContent(t, a); got != "Your name is now set to 'Alice'" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestListCommand(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	a := join(t, r, "a")
	join(t, r, "b")
	_ = r.Submit("a", protocol.Command("name", "alice"))
	drain(a)

	if err := r.Submit("a", protocol.Command("LIST")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := lastContent(t, a); got != "Connected users: alice, Anonymous" {
		t.Fatalf("unexpected list %q", got)
	}
}

func TestUnknownAndHelpCommands(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	a := join(t, r, "a")

	if err := r.Submit("a", protocol.Command("dance")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := lastContent(t, a); got != "Unknown command. Type /help for a list of commands." {
		t.Fatalf("unexpected reply %q", got)
	}
	if err := r.Submit("a", protocol.Command("help")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := lastContent(t, a)
	for _, name := range Commands() {
		if !strings.Contains(got, "/"+name) {
			t.Fatalf("help text missing /%s: %q", name, got)
		}
	}
}

func TestDirectMessage(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")
	_ = r.Submit("a", protocol.Command("name", "alice"))
	_ = r.Submit("b", protocol.Command("name", "bob"))
	drain(a)
	drain(b)
	drain(c)

	if err := r.Submit("a", protocol.Command("dm", "BOB", "psst there")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	want := protocol.Message{Kind: protocol.KindDirect, Sender: "alice", To: "bob", Content: "psst there"}
	ignore := cmp.FilterPath(func(p cmp.Path) bool {
		name := p.Last().String()
		return name == ".ID" || name == ".TimestampMS"
	}, cmp.Ignore())
	for _, m := range []*Member{a, b} {
		got := drain(m)
		if len(got) != 1 {
			t.Fatalf("member %s got %d messages", m.ID(), len(got))
		}
		if diff := cmp.Diff(want, got[0], ignore); diff != "" {
			t.Fatalf("direct mismatch for %s (-want +got):\n%s", m.ID(), diff)
		}
	}
	if got := drain(c); len(got) != 0 {
		t.Fatalf("bystander received %+v", got)
	}
	if got := r.History(); len(got) != 0 {
		t.Fatalf("direct message leaked into history: %+v", got)
	}

	if err := r.Submit("a", protocol.Direct("nobody", "hello?")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := lastContent(t, a); got != "No user named 'nobody' is connected." {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestLeaveBroadcastsDisconnect(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	a := join(t, r, "a")
	b := join(t, r, "b")
	_ = r.Submit("a", protocol.Command("name", "alice"))
	drain(a)

	if !r.Leave("a") {
		t.Fatalf("leave should report present member")
	}
	if r.Leave("a") {
		t.Fatalf("second leave should be a no-op")
	}
	if _, ok := <-a.Outbox(); ok {
		t.Fatalf("outbox of departed member should be closed")
	}
	if got := lastContent(t, b); got != "alice has disconnected." {
		t.Fatalf("unexpected notice %q", got)
	}
	if r.Len() != 1 {
		t.Fatalf("room len=%d want 1", r.Len())
	}
}

func TestAbandonIsSilent(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	a := join(t, r, "a")
	b := join(t, r, "b")
	drain(a)

	r.Abandon("b")
	r.Abandon("b")
	if _, ok := <-b.Outbox(); ok {
		t.Fatalf("outbox of abandoned member should be closed")
	}
	if got := drain(a); len(got) != 0 {
		t.Fatalf("abandon should not notify anyone, got %v", contents(got))
	}
	if r.Len() != 1 {
		t.Fatalf("room len=%d want 1", r.Len())
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	join(t, r, "a")

	if err := r.Submit("a", protocol.Chat("   ")); !errors.Is(err, protocol.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if err := r.Submit("a", protocol.System("spoofed")); !errors.Is(err, ErrNotRelayable) {
		t.Fatalf("expected ErrNotRelayable, got %v", err)
	}
	if err := r.Submit("bogus", protocol.Chat("hi")); !errors.Is(err, ErrUnknownMember) {
		t.Fatalf("expected ErrUnknownMember, got %v", err)
	}
}

func TestSlowMemberIsEvicted(t *testing.T) {
	r := newTestRoom(t, RoomConfig{HistorySize: 2, OutboxSize: 4})
	slow := join(t, r, "slow")
	fast := join(t, r, "fast")

	var seen []protocol.Message
	for i := 0; i < 6; i++ {
		if err := r.Submit("fast", protocol.Chat(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		seen = append(seen, drain(fast)...)
	}
	if !r.Evicted(slow) {
		t.Fatalf("slow member should be evicted")
	}
	if r.Evicted(fast) {
		t.Fatalf("fast member should not be evicted")
	}
	want := []string{"m0", "m1", "m2", "m3", "m4", "Anonymous has disconnected.", "m5"}
	if diff := cmp.Diff(want, contents(seen)); diff != "" {
		t.Fatalf("fast member view mismatch (-want +got):\n%s", diff)
	}
	n := 0
	for range slow.Outbox() {
		n++
	}
	if n != 4 {
		t.Fatalf("slow member should keep the messages queued before eviction, got %d", n)
	}
	if r.Leave("slow") {
		t.Fatalf("evicted member should already be gone")
	}
	if got := drain(fast); len(got) != 0 {
		t.Fatalf("departure should be announced once, got %+v", got)
	}
}

func TestEvictionNoticeCanEvictFurtherMembers(t *testing.T) {
	r := newTestRoom(t, RoomConfig{HistorySize: 1, OutboxSize: 3})
	a := join(t, r, "a")
	s1 := join(t, r, "s1")
	s2 := join(t, r, "s2")
	_ = r.Submit("s1", protocol.Command("name", "slow1"))
	_ = r.Submit("s2", protocol.Command("name", "slow2"))
	drain(a)
	drain(s1)
	drain(s2)

	for i := 0; i < 3; i++ {
		if err := r.Submit("a", protocol.Chat(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	// s2 makes room for exactly one more message
	<-s2.Outbox()
	drain(a)

	if err := r.Submit("a", protocol.Chat("m3")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !r.Evicted(s1) || !r.Evicted(s2) {
		t.Fatalf("both slow members should be evicted: s1=%v s2=%v", r.Evicted(s1), r.Evicted(s2))
	}
	want := []string{"m3", "slow1 has disconnected.", "slow2 has disconnected."}
	if diff := cmp.Diff(want, contents(drain(a))); diff != "" {
		t.Fatalf("notices mismatch (-want +got):\n%s", diff)
	}
	if r.Len() != 1 {
		t.Fatalf("room len=%d want 1", r.Len())
	}
}

func TestDirectMessageToAmbiguousName(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")
	_ = r.Submit("a", protocol.Command("name", "alice"))
	drain(a)

	if err := r.Submit("a", protocol.Command("dm", "anonymous", "who is this")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := lastContent(t, a); got != "More than one user is named 'anonymous'. Ask them to pick a /name." {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := append(drain(b), drain(c)...); len(got) != 0 {
		t.Fatalf("ambiguous direct message was delivered: %+v", got)
	}

	_ = r.Submit("b", protocol.Command("name", "bob"))
	drain(b)
	if err := r.Submit("a", protocol.Command("dm", "Anonymous", "now you")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := drain(c); len(got) != 1 || got[0].Content != "now you" {
		t.Fatalf("unique name should receive the message, got %+v", got)
	}
}

func newLoginRoom(t *testing.T) *Room {
	t.Helper()
	return newTestRoom(t, RoomConfig{
		Login:            auth.Credentials{"user1": "password1", "user2": "password2"}.Validator(),
		MaxLoginAttempts: 3,
	})
}

func TestLoginGatesTheRoom(t *testing.T) {
	r := newLoginRoom(t)
	a := join(t, r, "a")

	if err := r.Submit("a", protocol.Chat("hi")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := lastContent(t, a); got != loginRequiredText {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := r.History(); len(got) != 0 {
		t.Fatalf("unauthenticated chat reached history: %+v", got)
	}
	_ = r.Submit("a", protocol.Command("help"))
	if got := lastContent(t, a); got != loginHelpText {
		t.Fatalf("unexpected help %q", got)
	}
	_ = r.Submit("a", protocol.Command("login", "user1"))
	if got := lastContent(t, a); got != "Usage: /login <user> <password>" {
		t.Fatalf("unexpected usage %q", got)
	}

	_ = r.Submit("a", protocol.Command("login", "user1", "wrong"))
	if got := lastContent(t, a); got != "Authentication failed. 2 attempts remaining." {
		t.Fatalf("unexpected failure reply %q", got)
	}
	_ = r.Submit("a", protocol.Command("login", "user1", "password1"))
	if got := lastContent(t, a); got != "Authentication successful. Welcome, user1!" {
		t.Fatalf("unexpected success reply %q", got)
	}
	_ = r.Submit("a", protocol.Command("login", "user1", "password1"))
	if got := lastContent(t, a); got != "You are already logged in as 'user1'." {
		t.Fatalf("unexpected repeat reply %q", got)
	}

	b := join(t, r, "b")
	if err := r.Submit("a", protocol.Chat("m1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := drain(b); len(got) != 0 {
		t.Fatalf("unauthenticated member received %+v", got)
	}
	_ = r.Submit("b", protocol.Command("login", "user2", "password2"))
	got := drain(b)
	if len(got) != 2 || got[1].Content != "m1" || got[1].Sender != "user1" {
		t.Fatalf("history should follow a successful login, got %+v", got)
	}
	_ = r.Submit("a", protocol.Command("list"))
	if got := lastContent(t, a); got != "Connected users: user1, user2" {
		t.Fatalf("unexpected list %q", got)
	}
}

func TestLoginRefusesConnectedUser(t *testing.T) {
	r := newLoginRoom(t)
	join(t, r, "a")
	c := join(t, r, "c")
	_ = r.Submit("a", protocol.Command("login", "user1", "password1"))

	_ = r.Submit("c", protocol.Command("login", "USER1", "password1"))
	if got := lastContent(t, c); !strings.HasPrefix(got, LoginFailedPrefix) {
		t.Fatalf("user names are matched exactly by the credentials table, got %q", got)
	}
	_ = r.Submit("c", protocol.Command("login", "user1", "password1"))
	if got := lastContent(t, c); got != "User 'user1' is already connected." {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestLoginLockout(t *testing.T) {
	r := newLoginRoom(t)
	a := join(t, r, "a")
	_ = r.Submit("a", protocol.Command("login", "user1", "password1"))
	drain(a)

	c := join(t, r, "c")
	for i := 0; i < 3; i++ {
		if err := r.Submit("c", protocol.Command("login", "user2", "nope")); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	var got []string
	for msg := range c.Outbox() {
		got = append(got, msg.Content)
	}
	want := []string{
		"Authentication failed. 2 attempts remaining.",
		"Authentication failed. 1 attempts remaining.",
		LockedOutText,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("lockout replies mismatch (-want +got):\n%s", diff)
	}
	if !r.LockedOut(c) || r.Evicted(c) {
		t.Fatalf("lockout state wrong: locked=%v evicted=%v", r.LockedOut(c), r.Evicted(c))
	}
	if err := r.Submit("c", protocol.Command("login", "user2", "password2")); !errors.Is(err, ErrUnknownMember) {
		t.Fatalf("locked out member should be gone, got %v", err)
	}
	if r.Leave("c") {
		t.Fatalf("locked out member should already be gone")
	}
	if got := drain(a); len(got) != 0 {
		t.Fatalf("unauthenticated departure should be silent, got %+v", got)
	}
	users := r.Users()
	if len(users) != 1 || !users[0].Authenticated || users[0].Name != "user1" {
		t.Fatalf("unexpected users %+v", users)
	}
}

func TestLoginWithoutCredentialsConfigured(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	a := join(t, r, "a")
	_ = r.Submit("a", protocol.Command("login", "user1", "password1"))
	if got := lastContent(t, a); got != "This server does not require a login." {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestCloseRejectsJoins(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	a := join(t, r, "a")
	r.Close()
	if _, ok := <-a.Outbox(); ok {
		t.Fatalf("outbox should be closed")
	}
	if _, err := r.Join("b", ""); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("expected ErrRoomClosed, got %v", err)
	}
}

func TestUsersSnapshot(t *testing.T) {
	r := newTestRoom(t, DefaultRoomConfig())
	join(t, r, "a")
	join(t, r, "b")
	_ = r.Submit("b", protocol.Chat("one"))
	_ = r.Submit("b", protocol.Chat("two"))

	users := r.Users()
	if len(users) != 2 || users[0].ID != "a" || users[1].ID != "b" {
		t.Fatalf("unexpected users %+v", users)
	}
	if users[1].MessageCount != 2 || users[0].MessageCount != 0 {
		t.Fatalf("unexpected counts %+v", users)
	}
}

func TestConcurrentSubmitters(t *testing.T) {
	r := newTestRoom(t, RoomConfig{HistorySize: 50, OutboxSize: 4096})
	const members, perMember = 8, 50
	outs := make([]*Member, members)
	for i := range outs {
		outs[i] = join(t, r, fmt.Sprintf("m%d", i))
	}

	var mu sync.Mutex
	r.now = func() time.Time { return time.UnixMilli(1) }
	var seq int
	r.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprint(seq)
	}

	var wg sync.WaitGroup
	for i := 0; i < members; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perMember; j++ {
				_ = r.Submit(fmt.Sprintf("m%d", i), protocol.Chat(fmt.Sprintf("%d-%d", i, j)))
			}
		}(i)
	}
	wg.Wait()

	first := contents(drain(outs[0]))
	if len(first) != members*perMember {
		t.Fatalf("member 0 got %d messages", len(first))
	}
	for i := 1; i < members; i++ {
		if diff := cmp.Diff(first, contents(drain(outs[i]))); diff != "" {
			t.Fatalf("member %d saw a different order (-m0 +m%d):\n%s", i, i, diff)
		}
	}
	if got := len(r.History()); got != 50 {
		t.Fatalf("history len=%d want 50", got)
	}
}
