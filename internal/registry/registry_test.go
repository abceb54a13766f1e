package registry

import (
	"errors"
	"testing"
)

type fakeSession struct {
	id  string
	out [][]byte
}

func (f *fakeSession) ID() string { return f.id }
func (f *fakeSession) Enqueue(line []byte) error {
	f.out = append(f.out, line)
	return nil
}
func (f *fakeSession) Close() error { return nil }

func newTestUser(reg *Registry, nick string) (*User, error) {
	sess := &fakeSession{id: nick}
	return reg.RegisterNick(nick, func() *User {
		return NewUser(nick, "u", "Real Name", "host.example", sess)
	})
}

func TestRegisterNickUniqueness(t *testing.T) {
	reg := New(Config{})
	if _, err := newTestUser(reg, "alice"); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if _, err := newTestUser(reg, "Alice"); !errors.Is(err, ErrNickInUse) {
		t.Fatalf("expected ErrNickInUse under casefold, got %v", err)
	}
}

func TestRegisterNickInvalid(t *testing.T) {
	reg := New(Config{})
	if _, err := newTestUser(reg, "9bad"); !errors.Is(err, ErrErroneousNick) {
		t.Fatalf("expected ErrErroneousNick, got %v", err)
	}
}

func TestChangeNickAtomic(t *testing.T) {
	reg := New(Config{})
	u, _ := newTestUser(reg, "alice")
	if _, err := newTestUser(reg, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := reg.ChangeNick(u, "bob"); !errors.Is(err, ErrNickInUse) {
		t.Fatalf("expected collision, got %v", err)
	}
	if err := reg.ChangeNick(u, "carol"); err != nil {
		t.Fatalf("change nick: %v", err)
	}
	if _, ok := reg.Lookup("alice"); ok {
		t.Fatalf("old nick must no longer resolve")
	}
	if got, ok := reg.Lookup("carol"); !ok || got != u {
		t.Fatalf("new nick must resolve to the same user")
	}
}

func TestJoinCreatesChannelFounder(t *testing.T) {
	reg := New(Config{})
	u, _ := newTestUser(reg, "alice")
	res, err := reg.Join(u, "#t", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !res.Created {
		t.Fatalf("expected channel creation")
	}
	rank, _ := res.Channel.MemberRankOf("alice")
	if rank != RankFounder {
		t.Fatalf("creator should be founder, got %v", rank)
	}
}

func TestInvariantMembershipSymmetry(t *testing.T) {
	reg := New(Config{})
	alice, _ := newTestUser(reg, "alice")
	bob, _ := newTestUser(reg, "bob")
	reg.Join(alice, "#t", "")
	reg.Join(bob, "#t", "")

	ch, _ := reg.Channel("#t")
	for _, m := range ch.Members() {
		if _, ok := reg.Lookup(m.User.Nick); !ok {
			t.Fatalf("member %s must be in nick index", m.User.Nick)
		}
	}
	joined := map[string]bool{}
	for _, c := range alice.JoinedChannels() {
		joined[c] = true
	}
	if !joined["#t"] {
		t.Fatalf("alice.joined must contain #t")
	}
}

func TestPartPrunesEmptyChannel(t *testing.T) {
	reg := New(Config{})
	alice, _ := newTestUser(reg, "alice")
	reg.Join(alice, "#t", "")
	if _, err := reg.Part(alice, "#t"); err != nil {
		t.Fatalf("part: %v", err)
	}
	if _, ok := reg.Channel("#t"); ok {
		t.Fatalf("empty channel must not persist (invariant 5)")
	}
}

func TestBanEnforcement(t *testing.T) {
	reg := New(Config{})
	op, _ := newTestUser(reg, "op")
	reg.Join(op, "#t", "")
	ch, _ := reg.Channel("#t")
	reg.ApplyModes(ch, []ModeOp{{Add: true, Letter: 'b', Arg: "*!*@bad.example"}}, RankOp)

	eve := NewUser("eve", "e", "Eve", "bad.example", &fakeSession{id: "eve"})
	if _, err := reg.Join(eve, "#t", ""); !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
}

func TestBanExceptionOverridesBan(t *testing.T) {
	reg := New(Config{})
	op, _ := newTestUser(reg, "op")
	reg.Join(op, "#t", "")
	ch, _ := reg.Channel("#t")
	reg.ApplyModes(ch, []ModeOp{
		{Add: true, Letter: 'b', Arg: "*!*@bad.example"},
		{Add: true, Letter: 'e', Arg: "eve!*@*"},
	}, RankOp)

	eve := NewUser("eve", "e", "Eve", "bad.example", &fakeSession{id: "eve"})
	reg.idx.Lock()
	reg.users["eve"] = eve
	reg.idx.Unlock()
	if _, err := reg.Join(eve, "#t", ""); err != nil {
		t.Fatalf("exception should admit eve, got %v", err)
	}
}

func TestKickRequiresRank(t *testing.T) {
	reg := New(Config{})
	op, _ := newTestUser(reg, "op")
	voice, _ := newTestUser(reg, "voice")
	reg.Join(op, "#t", "")
	reg.Join(voice, "#t", "")

	if _, err := reg.Kick(voice, "#t", op, "bye"); !errors.Is(err, ErrNotChanOp) {
		t.Fatalf("voice should not be able to kick an op, got %v", err)
	}
	if _, err := reg.Kick(op, "#t", voice, "bye"); err != nil {
		t.Fatalf("op kick should succeed: %v", err)
	}
	if _, ok := reg.Channel("#t"); !ok {
		t.Fatalf("channel should still have op as member")
	}
}

func TestUnregisterClearsMembershipOnce(t *testing.T) {
	reg := New(Config{})
	alice, _ := newTestUser(reg, "alice")
	bob, _ := newTestUser(reg, "bob")
	reg.Join(alice, "#t", "")
	reg.Join(bob, "#t", "")

	peers := reg.Unregister(alice)
	if len(peers) != 1 || peers[0].ID() != "bob" {
		t.Fatalf("expected exactly one peer (bob), got %v", peers)
	}
	if _, ok := reg.Lookup("alice"); ok {
		t.Fatalf("alice should no longer be registered")
	}
	if len(alice.JoinedChannels()) != 0 {
		t.Fatalf("alice should have no joined channels left")
	}
}

func TestModerated(t *testing.T) {
	reg := New(Config{})
	op, _ := newTestUser(reg, "op")
	plain, _ := newTestUser(reg, "plain")
	reg.Join(op, "#t", "")
	reg.Join(plain, "#t", "")
	ch, _ := reg.Channel("#t")
	reg.ApplyModes(ch, []ModeOp{{Add: true, Letter: 'm'}}, RankOp)

	if _, err := reg.BroadcastMessage(plain, "#t", KindPrivmsg); !errors.Is(err, ErrCannotSendToC) {
		t.Fatalf("moderated channel should block unvoiced user, got %v", err)
	}
	if _, err := reg.BroadcastMessage(op, "#t", KindPrivmsg); err != nil {
		t.Fatalf("op should still be able to speak: %v", err)
	}
}

func TestBroadcastDeduplicatesRecipients(t *testing.T) {
	reg := New(Config{})
	alice, _ := newTestUser(reg, "alice")
	bob, _ := newTestUser(reg, "bob")
	reg.Join(alice, "#a", "")
	reg.Join(bob, "#a", "")
	reg.Join(alice, "#b", "")
	reg.Join(bob, "#b", "")

	peers := reg.CommonChannelPeers(alice)
	if len(peers) != 1 {
		t.Fatalf("bob shares two channels with alice but should appear once, got %d", len(peers))
	}
}

func TestChannelPresetSeedsOnFirstCreate(t *testing.T) {
	reg := New(Config{})
	reg.SetPreset("#founded", ChannelPreset{
		Topic:    "welcome",
		Modes:    map[ChannelMode]bool{ChannelMode('m'): true},
		Bans:     []string{"*!*@bad.example"},
		Founders: []string{"root"},
		Voices:   []string{"guest"},
	})

	root, _ := newTestUser(reg, "root")
	if _, err := reg.Join(root, "#founded", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	ch, ok := reg.Channel("#founded")
	if !ok {
		t.Fatalf("expected #founded to exist after join")
	}
	if ch.Topic != "welcome" {
		t.Fatalf("expected preset topic, got %q", ch.Topic)
	}
	if !ch.HasMode(ChannelMode('m')) {
		t.Fatalf("expected preset mode +m to be seeded")
	}
	rank, _ := ch.MemberRankOf("root")
	if rank != RankFounder {
		t.Fatalf("expected preset founder rank for root, got %v", rank)
	}

	guest, _ := newTestUser(reg, "guest")
	if _, err := reg.Join(guest, "#founded", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	rank, _ = ch.MemberRankOf("guest")
	if rank != RankVoice {
		t.Fatalf("expected preset voice rank for guest, got %v", rank)
	}

	eve, _ := newTestUser(reg, "eve")
	eve.Host = "bad.example"
	if _, err := reg.Join(eve, "#founded", ""); !errors.Is(err, ErrBanned) {
		t.Fatalf("expected preset ban to apply to a later joiner, got %v", err)
	}
}
