// Package registry is the server's single state hub: the authoritative
// in-memory maps of nick -> User and channel -> Channel, and the operations
// that mutate them while preserving the invariants named in the
// specification (nick uniqueness, membership/joined-set symmetry, a
// zero-member channel never persisting).
//
// Locking discipline: idx (the global RWMutex) guards structural
// membership of the two top-level maps; each Channel and User additionally
// owns its own mutex for fields that change without altering that
// structure (topic, modes, membership ranks, user mode flags). Lock order
// is always idx before any per-entity lock, and when two channel locks are
// needed at once the lexicographically smaller case-folded name is taken
// first. No lock is ever held across a socket write or a channel send.
package registry

import (
	"sort"
	"sync"

	"ircd/internal/casefold"
)

// Config carries the small set of tunables the Registry itself enforces
// (everything else is dispatcher- or session-level policy).
type Config struct {
	MaxJoins int
	NickLen  int
	ChanLen  int
}

// Registry is the process-wide state hub described in §4.C.
type Registry struct {
	idx sync.RWMutex

	users    map[string]*User    // casefolded nick -> User
	channels map[string]*Channel // casefolded name -> Channel

	presetMu sync.RWMutex
	presets  map[string]ChannelPreset // casefolded name -> config-declared preset

	cfg Config
}

// New constructs an empty Registry.
func New(cfg Config) *Registry {
	if cfg.MaxJoins <= 0 {
		cfg.MaxJoins = 20
	}
	if cfg.NickLen <= 0 {
		cfg.NickLen = 30
	}
	if cfg.ChanLen <= 0 {
		cfg.ChanLen = 50
	}
	return &Registry{
		users:    make(map[string]*User),
		channels: make(map[string]*Channel),
		presets:  make(map[string]ChannelPreset),
		cfg:      cfg,
	}
}

// RegisterNick claims nick for a not-yet-registered session, inserting a new
// User record. Returns ErrErroneousNick for syntactically invalid nicks and
// ErrNickInUse if another live user already holds it under case folding.
func (r *Registry) RegisterNick(nick string, mk func() *User) (*User, error) {
	if !casefold.ValidNick(nick, r.cfg.NickLen) {
		return nil, ErrErroneousNick
	}
	key := casefold.Fold(nick)

	r.idx.Lock()
	defer r.idx.Unlock()
	if _, exists := r.users[key]; exists {
		return nil, ErrNickInUse
	}
	u := mk()
	r.users[key] = u
	return u, nil
}

// ChangeNick renames u to newNick, rewriting the primary key atomically
// under the global lock so no observer ever sees both the old and new nick
// live (invariant 4 in §8).
func (r *Registry) ChangeNick(u *User, newNick string) error {
	if !casefold.ValidNick(newNick, r.cfg.NickLen) {
		return ErrErroneousNick
	}
	newKey := casefold.Fold(newNick)

	r.idx.Lock()
	defer r.idx.Unlock()

	oldKey := casefold.Fold(u.Nick)
	if newKey != oldKey {
		if _, exists := r.users[newKey]; exists {
			return ErrNickInUse
		}
	}
	delete(r.users, oldKey)
	u.mu.Lock()
	u.Nick = newNick
	u.mu.Unlock()
	r.users[newKey] = u
	return nil
}

// Lookup returns the User registered under nick, case-folded.
func (r *Registry) Lookup(nick string) (*User, bool) {
	r.idx.RLock()
	defer r.idx.RUnlock()
	u, ok := r.users[casefold.Fold(nick)]
	return u, ok
}

// UserCount returns the number of registered users.
func (r *Registry) UserCount() int {
	r.idx.RLock()
	defer r.idx.RUnlock()
	return len(r.users)
}

// ChannelCount returns the number of live channels.
func (r *Registry) ChannelCount() int {
	r.idx.RLock()
	defer r.idx.RUnlock()
	return len(r.channels)
}

// Users returns a snapshot of all registered users, sorted by nick for
// deterministic iteration (LIST/WHO/relay BURST ordering).
func (r *Registry) Users() []*User {
	r.idx.RLock()
	defer r.idx.RUnlock()
	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out
}

// Unregister removes u from every channel it has joined and releases its
// nick, returning the deduplicated set of peer sessions that shared a
// channel with u — the caller (dispatch) uses this to send exactly one
// QUIT notification per peer even if they shared multiple channels with u
// (invariant 5 in §8). Safe to call more than once; subsequent calls are
// no-ops.
func (r *Registry) Unregister(u *User) []SessionHandle {
	peers := map[string]SessionHandle{}
	for _, chFold := range u.JoinedChannels() {
		r.idx.RLock()
		ch, ok := r.channels[chFold]
		r.idx.RUnlock()
		if !ok {
			continue
		}
		for _, m := range ch.Members() {
			if m.User != u {
				peers[m.User.Session.ID()] = m.User.Session
			}
		}
		r.leaveChannelLocked(ch, u)
	}

	r.idx.Lock()
	if key := casefold.Fold(u.Nick); r.users[key] == u {
		delete(r.users, key)
	}
	r.idx.Unlock()

	out := make([]SessionHandle, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	return out
}

// pruneIfEmpty removes ch from the index if it has no members left,
// enforcing invariant 5 ("a channel with zero members does not exist").
// Caller must not hold ch.mu.
func (r *Registry) pruneIfEmpty(ch *Channel) {
	if ch.MemberCount() > 0 {
		return
	}
	r.idx.Lock()
	defer r.idx.Unlock()
	// Re-check under the write lock: another JOIN may have landed between
	// MemberCount() and acquiring idx.
	if cur, ok := r.channels[casefold.Fold(ch.Name)]; ok && cur == ch && ch.MemberCount() == 0 {
		delete(r.channels, casefold.Fold(ch.Name))
	}
}

// lockChannelsInOrder acquires two channel mutexes honoring the
// lexicographically-smaller-first rule from §5, returning an unlock func.
func lockChannelsInOrder(a, b *Channel) func() {
	af, bf := casefold.Fold(a.Name), casefold.Fold(b.Name)
	if af <= bf {
		a.mu.Lock()
		b.mu.Lock()
		return func() { b.mu.Unlock(); a.mu.Unlock() }
	}
	b.mu.Lock()
	a.mu.Lock()
	return func() { a.mu.Unlock(); b.mu.Unlock() }
}
