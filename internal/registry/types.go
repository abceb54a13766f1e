package registry

import (
	"sync"
	"time"
)

// UserMode is a single-letter user mode flag (o=oper, i=invisible, w=wallops,
// x=cloak host, s=server notices, r=registered).
type UserMode byte

// ChannelMode is a single-letter channel mode flag (n, t, m, i, p, s, r) or
// a parametrized/list mode key (k, l, b, e, I are handled separately).
type ChannelMode byte

// MemberRank is a per-channel member prefix rank. Higher values outrank
// lower ones; RankNone means plain membership with no prefix.
type MemberRank int

const (
	RankNone MemberRank = iota
	RankVoice
	RankHalfOp
	RankOp
	RankProtected
	RankFounder
)

// Prefix returns the display prefix character for a rank ("" for RankNone).
func (r MemberRank) Prefix() string {
	switch r {
	case RankFounder:
		return "~"
	case RankProtected:
		return "&"
	case RankOp:
		return "@"
	case RankHalfOp:
		return "%"
	case RankVoice:
		return "+"
	default:
		return ""
	}
}

// ModeLetter returns the MODE letter for a rank (0 for RankNone).
func (r MemberRank) ModeLetter() byte {
	switch r {
	case RankFounder:
		return 'q'
	case RankProtected:
		return 'a'
	case RankOp:
		return 'o'
	case RankHalfOp:
		return 'h'
	case RankVoice:
		return 'v'
	default:
		return 0
	}
}

// Origin identifies where a User record originated: "" for a locally
// connected client, or a remote server's origin UUID when the record was
// created by a relay USER_ADD event.
type Origin string

// LocalOrigin is the zero-value Origin meaning "this server".
const LocalOrigin Origin = ""

// SessionHandle is the minimal contract the Registry needs from a
// connection session: enough to enqueue outbound wire messages and to
// identify it for deduplicated fan-out. The concrete implementation lives
// in package session; Registry never imports it, avoiding a cycle.
type SessionHandle interface {
	// ID is a stable per-connection identifier (e.g. a uuid), used to
	// dedupe broadcast recipients that share multiple channels.
	ID() string
	// Enqueue hands a pre-serialized line to the session's send queue.
	// It must never block the caller; an overflowing queue is the
	// session's own backpressure problem to solve by self-closing.
	Enqueue(line []byte) error
	// Close tears down the underlying connection. KILL and any other
	// forced teardown use this so a killed session's read loop actually
	// unwinds instead of lingering as a ghost with a released nick.
	Close() error
}

// User is the authoritative record for one registered (or mid-registration)
// client. Mutable fields are protected by mu; the Nick field doubles as the
// Registry's primary key and is rewritten atomically under the Registry's
// global lock during a nick change, never under mu alone.
type User struct {
	mu sync.Mutex

	Nick        string // display case
	Username    string
	RealName    string
	Host        string // resolved real host/IP
	CloakedHost string // "" if cloaking disabled
	Modes       map[UserMode]bool
	AwayMsg     string
	SignonTime  time.Time
	IdleSince   time.Time
	Origin      Origin // "" = local
	Session     SessionHandle

	joined map[string]struct{} // casefolded channel name set
}

// NewUser constructs a User record with empty mode/channel sets.
func NewUser(nick, username, realName, host string, sess SessionHandle) *User {
	now := time.Now()
	return &User{
		Nick:       nick,
		Username:   username,
		RealName:   realName,
		Host:       host,
		Modes:      make(map[UserMode]bool),
		SignonTime: now,
		IdleSince:  now,
		Session:    sess,
		joined:     make(map[string]struct{}),
	}
}

// HasMode reports whether u has mode m set. Safe for concurrent use.
func (u *User) HasMode(m UserMode) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Modes[m]
}

// SetMode sets or clears mode m.
func (u *User) SetMode(m UserMode, on bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if on {
		u.Modes[m] = true
	} else {
		delete(u.Modes, m)
	}
}

// SetAway sets or clears the user's away message.
func (u *User) SetAway(msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.AwayMsg = msg
}

// Away returns the user's current away message, or "" if not away.
func (u *User) Away() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.AwayMsg
}

// ModeString renders the current user modes as "+iwx" style.
func (u *User) ModeString() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.Modes) == 0 {
		return ""
	}
	s := "+"
	for _, m := range []UserMode{'o', 'i', 'w', 'x', 's', 'r'} {
		if u.Modes[m] {
			s += string(rune(m))
		}
	}
	return s
}

// VisibleHost returns the cloaked host if set, else the real host.
func (u *User) VisibleHost() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.CloakedHost != "" {
		return u.CloakedHost
	}
	return u.Host
}

// Mask renders nick!user@visiblehost for broadcast prefixes and access
// control matching against the public-facing identity.
func (u *User) Mask() string {
	return u.Nick + "!" + u.Username + "@" + u.VisibleHost()
}

// RealMask renders nick!user@realhost, used internally for ban/I-line
// checks that must see through cloaking.
func (u *User) RealMask() string {
	return u.Nick + "!" + u.Username + "@" + u.Host
}

// JoinedChannels returns a snapshot of the casefolded channel names u has
// joined.
func (u *User) JoinedChannels() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.joined))
	for ch := range u.joined {
		out = append(out, ch)
	}
	return out
}

func (u *User) addJoined(chanFold string) {
	u.mu.Lock()
	u.joined[chanFold] = struct{}{}
	u.mu.Unlock()
}

func (u *User) removeJoined(chanFold string) {
	u.mu.Lock()
	delete(u.joined, chanFold)
	u.mu.Unlock()
}

func (u *User) joinedCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.joined)
}

// Member is one channel membership: the rank the user holds in that
// specific channel.
type Member struct {
	User *User
	Rank MemberRank
}

// Channel is the authoritative record for one channel. It is created on the
// first successful JOIN and destroyed (removed from the Registry's index)
// the instant its last member parts — invariant 5 in the spec.
type Channel struct {
	mu sync.Mutex

	Name      string // display case, begins with '#' or '&'
	Created   time.Time
	Topic     string
	TopicBy   string
	TopicTime time.Time
	Modes     map[ChannelMode]bool
	Key       string
	Limit     int // 0 = unlimited

	members    map[string]*Member // casefolded nick -> member
	bans       []string           // masks
	exceptions []string           // +e masks
	inviteExc  []string           // +I masks
	invited    map[string]struct{}
}

// NewChannel constructs an empty channel record.
func NewChannel(name string) *Channel {
	return &Channel{
		Name:    name,
		Created: time.Now(),
		Modes:   make(map[ChannelMode]bool),
		members: make(map[string]*Member),
		invited: make(map[string]struct{}),
	}
}

// HasMode reports whether the channel has simple mode m set.
func (c *Channel) HasMode(m ChannelMode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Modes[m]
}

// MemberCount returns the number of current members.
func (c *Channel) MemberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// Members returns a snapshot of current members.
func (c *Channel) Members() []Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, *m)
	}
	return out
}

// MemberRankOf returns the rank of foldedNick, or RankNone if absent.
func (c *Channel) MemberRankOf(foldedNick string) (MemberRank, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[foldedNick]
	if !ok {
		return RankNone, false
	}
	return m.Rank, true
}
