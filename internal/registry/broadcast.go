package registry

import (
	"ircd/internal/casefold"
)

// MessageKind distinguishes PRIVMSG from NOTICE for the purposes of error
// replies (NOTICE never generates an error numeric back to the sender).
type MessageKind int

const (
	KindPrivmsg MessageKind = iota
	KindNotice
)

// Recipients is the computed fan-out set for one broadcast: the concrete
// session handles to enqueue to, already deduplicated.
type Recipients struct {
	Sessions []SessionHandle
	// ChannelTarget is the channel this was addressed to, or nil for a
	// direct nick/mask target.
	ChannelTarget *Channel
}

// BroadcastMessage resolves the recipient set for a PRIVMSG/NOTICE from
// sender to target (a nick, a channel name, or a "$mask" wallops-style
// target), enforcing +m/+n/+b/+e along the way. It does not perform I/O —
// callers enqueue to the returned sessions themselves, outside any lock.
func (r *Registry) BroadcastMessage(sender *User, target string, kind MessageKind) (*Recipients, error) {
	switch {
	case len(target) > 0 && (target[0] == '#' || target[0] == '&'):
		return r.broadcastToChannel(sender, target)
	case len(target) > 0 && target[0] == '$':
		return r.broadcastToMask(sender, target[1:])
	default:
		return r.broadcastToNick(sender, target)
	}
}

func (r *Registry) broadcastToNick(sender *User, nick string) (*Recipients, error) {
	u, ok := r.Lookup(nick)
	if !ok {
		return nil, ErrNoSuchNick
	}
	return &Recipients{Sessions: []SessionHandle{u.Session}}, nil
}

func (r *Registry) broadcastToChannel(sender *User, name string) (*Recipients, error) {
	ch, ok := r.Channel(name)
	if !ok {
		return nil, ErrNoSuchChannel
	}

	ch.mu.Lock()
	_, isMember := ch.members[casefold.Fold(sender.Nick)]
	if ch.Modes[ChannelMode('n')] && !isMember {
		ch.mu.Unlock()
		return nil, ErrCannotSendToC
	}
	if ch.Modes[ChannelMode('m')] {
		m, ok := ch.members[casefold.Fold(sender.Nick)]
		if !ok || m.Rank < RankVoice {
			ch.mu.Unlock()
			return nil, ErrCannotSendToC
		}
	}
	mask := sender.RealMask()
	for _, b := range ch.bans {
		if casefold.Match(b, mask) {
			excepted := false
			for _, e := range ch.exceptions {
				if casefold.Match(e, mask) {
					excepted = true
					break
				}
			}
			if !excepted {
				ch.mu.Unlock()
				return nil, ErrCannotSendToC
			}
			break
		}
	}
	out := make([]SessionHandle, 0, len(ch.members))
	for foldNick, m := range ch.members {
		if foldNick == casefold.Fold(sender.Nick) {
			continue
		}
		out = append(out, m.User.Session)
	}
	ch.mu.Unlock()

	return &Recipients{Sessions: out, ChannelTarget: ch}, nil
}

func (r *Registry) broadcastToMask(sender *User, mask string) (*Recipients, error) {
	if !sender.HasMode('o') {
		return nil, ErrNoPrivileges
	}
	var out []SessionHandle
	for _, u := range r.Users() {
		if casefold.Match(mask, u.RealMask()) {
			out = append(out, u.Session)
		}
	}
	return &Recipients{Sessions: out}, nil
}

// CommonChannelPeers returns the deduplicated set of sessions that share at
// least one channel with u, excluding u itself — used for QUIT/NICK
// fan-out where each peer must receive exactly one copy even if they share
// multiple channels with the source (§4.E, invariant 5 in §8).
func (r *Registry) CommonChannelPeers(u *User) []SessionHandle {
	seen := map[string]SessionHandle{}
	for _, chFold := range u.JoinedChannels() {
		r.idx.RLock()
		ch, ok := r.channels[chFold]
		r.idx.RUnlock()
		if !ok {
			continue
		}
		for _, m := range ch.Members() {
			if m.User == u {
				continue
			}
			seen[m.User.Session.ID()] = m.User.Session
		}
	}
	out := make([]SessionHandle, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	return out
}
