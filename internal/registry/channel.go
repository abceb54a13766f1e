package registry

import (
	"time"

	"ircd/internal/casefold"
)

// JoinResult carries the information the dispatcher needs to announce a
// successful JOIN: the channel itself and whether this call created it.
type JoinResult struct {
	Channel *Channel
	Created bool
}

// Join adds u to the channel named name, creating it (as the founder) if it
// doesn't yet exist. key is checked against +k; invite-only, ban, limit,
// and max-joins are all enforced here so the dispatcher only needs to map
// the returned error to a numeric.
func (r *Registry) Join(u *User, name, key string) (*JoinResult, error) {
	if !casefold.ValidChannel(name, r.cfg.ChanLen) {
		return nil, ErrBadChanMask
	}
	if u.joinedCount() >= r.cfg.MaxJoins {
		return nil, ErrTooManyChans
	}
	fold := casefold.Fold(name)

	r.idx.Lock()
	ch, exists := r.channels[fold]
	created := false
	if !exists {
		ch = NewChannel(name)
		r.channels[fold] = ch
		created = true
	}
	r.idx.Unlock()

	ch.mu.Lock()
	if _, already := ch.members[casefold.Fold(u.Nick)]; already {
		ch.mu.Unlock()
		return &JoinResult{Channel: ch, Created: false}, nil
	}
	if !created {
		if err := checkJoinLocked(ch, u, key); err != nil {
			ch.mu.Unlock()
			return nil, err
		}
	}
	rank := RankNone
	if created {
		rank = RankFounder
	}
	p, hasPreset := r.preset(fold)
	if created && hasPreset {
		applyPresetOnCreateLocked(ch, p)
	}
	if hasPreset {
		if pr := presetRankLocked(p, casefold.Fold(u.Nick)); pr > rank {
			rank = pr
		}
	}
	ch.members[casefold.Fold(u.Nick)] = &Member{User: u, Rank: rank}
	delete(ch.invited, casefold.Fold(u.Nick))
	ch.mu.Unlock()

	u.addJoined(fold)
	return &JoinResult{Channel: ch, Created: created}, nil
}

// checkJoinLocked validates ban/invite/key/limit for an existing channel.
// Caller must hold ch.mu.
func checkJoinLocked(ch *Channel, u *User, key string) error {
	mask := u.RealMask()
	banned := false
	for _, b := range ch.bans {
		if casefold.Match(b, mask) {
			banned = true
			break
		}
	}
	if banned {
		excepted := false
		for _, e := range ch.exceptions {
			if casefold.Match(e, mask) {
				excepted = true
				break
			}
		}
		if !excepted {
			return ErrBanned
		}
	}
	if ch.Modes[ChannelMode('i')] {
		_, invited := ch.invited[casefold.Fold(u.Nick)]
		if !invited {
			okException := false
			for _, e := range ch.inviteExc {
				if casefold.Match(e, mask) {
					okException = true
					break
				}
			}
			if !okException {
				return ErrInviteOnly
			}
		}
	}
	if ch.Key != "" && ch.Key != key {
		return ErrBadKey
	}
	if ch.Limit > 0 && len(ch.members) >= ch.Limit {
		return ErrChannelFull
	}
	return nil
}

// Part removes u from channel name. Returns ErrNoSuchChannel or
// ErrNotOnChannel as appropriate; on success the channel is pruned from the
// index if it is now empty.
func (r *Registry) Part(u *User, name string) (*Channel, error) {
	fold := casefold.Fold(name)
	r.idx.RLock()
	ch, ok := r.channels[fold]
	r.idx.RUnlock()
	if !ok {
		return nil, ErrNoSuchChannel
	}
	ch.mu.Lock()
	if _, member := ch.members[casefold.Fold(u.Nick)]; !member {
		ch.mu.Unlock()
		return nil, ErrNotOnChannel
	}
	delete(ch.members, casefold.Fold(u.Nick))
	ch.mu.Unlock()

	u.removeJoined(fold)
	r.pruneIfEmpty(ch)
	return ch, nil
}

// leaveChannelLocked is Part's logic without the "not a member" error path,
// used internally by Unregister where the caller has already confirmed
// membership via the channel's member snapshot.
func (r *Registry) leaveChannelLocked(ch *Channel, u *User) {
	ch.mu.Lock()
	delete(ch.members, casefold.Fold(u.Nick))
	ch.mu.Unlock()
	u.removeJoined(casefold.Fold(ch.Name))
	r.pruneIfEmpty(ch)
}

// Kick removes target from channel on behalf of oper, who must hold at
// least RankHalfOp and outrank target.
func (r *Registry) Kick(oper *User, name string, target *User, reason string) (*Channel, error) {
	fold := casefold.Fold(name)
	r.idx.RLock()
	ch, ok := r.channels[fold]
	r.idx.RUnlock()
	if !ok {
		return nil, ErrNoSuchChannel
	}

	ch.mu.Lock()
	operM, operOn := ch.members[casefold.Fold(oper.Nick)]
	targM, targOn := ch.members[casefold.Fold(target.Nick)]
	if !operOn {
		ch.mu.Unlock()
		return nil, ErrNotOnChannel
	}
	if !targOn {
		ch.mu.Unlock()
		return nil, ErrUserNotInChan
	}
	if operM.Rank < RankHalfOp || operM.Rank <= targM.Rank {
		ch.mu.Unlock()
		return nil, ErrNotChanOp
	}
	delete(ch.members, casefold.Fold(target.Nick))
	ch.mu.Unlock()

	target.removeJoined(fold)
	r.pruneIfEmpty(ch)
	return ch, nil
}

// Channel returns the live channel record by name, if it exists.
func (r *Registry) Channel(name string) (*Channel, bool) {
	r.idx.RLock()
	defer r.idx.RUnlock()
	ch, ok := r.channels[casefold.Fold(name)]
	return ch, ok
}

// Channels returns a snapshot of all live channels (non-secret callers
// filter +s themselves based on viewer privilege).
func (r *Registry) Channels() []*Channel {
	r.idx.RLock()
	defer r.idx.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out
}

// SetTopic sets the topic (an empty newTopic clears it); reading the topic
// goes through the Channel directly. Writing requires at least RankHalfOp unless the channel is -t.
func (r *Registry) SetTopic(u *User, name, newTopic string, setter string) (*Channel, error) {
	ch, ok := r.Channel(name)
	if !ok {
		return nil, ErrNoSuchChannel
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	m, member := ch.members[casefold.Fold(u.Nick)]
	if !member {
		return nil, ErrNotOnChannel
	}
	if ch.Modes[ChannelMode('t')] && m.Rank < RankHalfOp {
		return nil, ErrNotChanOp
	}
	ch.Topic = newTopic
	ch.TopicBy = setter
	ch.TopicTime = time.Now()
	return ch, nil
}

// ModeOp is one letter+arg operation of a mode delta, as parsed by the
// dispatcher. ApplyModes applies them left to right; unknown letters are
// reported via the result but never abort the batch.
type ModeOp struct {
	Add    bool
	Letter byte
	Arg    string
}

// ModeApplyResult reports which operations actually changed state (for the
// MODE announcement) and which letters were rejected as unknown.
type ModeApplyResult struct {
	Applied []ModeOp
	Unknown []byte
}

// ApplyModes mutates channel ch per ops, checking setterRank per letter:
// flag modes, k, l and +b/+e/+I masks need at least RankHalfOp, member
// ranks (q/a/o/h/v) need RankOp. Ops the setter may not apply are skipped.
func (r *Registry) ApplyModes(ch *Channel, ops []ModeOp, setterRank MemberRank) ModeApplyResult {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	var res ModeApplyResult
	for _, op := range ops {
		switch op.Letter {
		case 'n', 't', 'm', 'i', 'p', 's', 'r':
			if setterRank < RankHalfOp {
				continue
			}
			ch.Modes[ChannelMode(op.Letter)] = op.Add
			res.Applied = append(res.Applied, op)
		case 'k':
			if setterRank < RankHalfOp {
				continue
			}
			if op.Add {
				ch.Key = op.Arg
			} else {
				ch.Key = ""
			}
			res.Applied = append(res.Applied, op)
		case 'l':
			if setterRank < RankHalfOp {
				continue
			}
			if op.Add {
				var n int
				for _, c := range op.Arg {
					if c < '0' || c > '9' {
						n = 0
						break
					}
					n = n*10 + int(c-'0')
				}
				ch.Limit = n
			} else {
				ch.Limit = 0
			}
			res.Applied = append(res.Applied, op)
		case 'b':
			if op.Arg == "" {
				res.Applied = append(res.Applied, op) // bare +b/-b: list query, handled by dispatcher
				continue
			}
			if setterRank < RankHalfOp {
				continue
			}
			ch.bans = addOrRemoveMask(ch.bans, op.Arg, op.Add)
			res.Applied = append(res.Applied, op)
		case 'e':
			if op.Arg == "" {
				res.Applied = append(res.Applied, op)
				continue
			}
			if setterRank < RankHalfOp {
				continue
			}
			ch.exceptions = addOrRemoveMask(ch.exceptions, op.Arg, op.Add)
			res.Applied = append(res.Applied, op)
		case 'I':
			if op.Arg == "" {
				res.Applied = append(res.Applied, op)
				continue
			}
			if setterRank < RankHalfOp {
				continue
			}
			ch.inviteExc = addOrRemoveMask(ch.inviteExc, op.Arg, op.Add)
			res.Applied = append(res.Applied, op)
		case 'q', 'a', 'o', 'h', 'v':
			if setterRank < RankOp {
				continue
			}
			target := casefold.Fold(op.Arg)
			m, ok := ch.members[target]
			if !ok {
				continue
			}
			rank := rankForLetter(op.Letter)
			if op.Add {
				m.Rank = rank
			} else if m.Rank == rank {
				m.Rank = RankNone
			}
			res.Applied = append(res.Applied, op)
		default:
			res.Unknown = append(res.Unknown, op.Letter)
		}
	}
	return res
}

func rankForLetter(l byte) MemberRank {
	switch l {
	case 'q':
		return RankFounder
	case 'a':
		return RankProtected
	case 'o':
		return RankOp
	case 'h':
		return RankHalfOp
	case 'v':
		return RankVoice
	}
	return RankNone
}

func addOrRemoveMask(list []string, mask string, add bool) []string {
	if add {
		for _, m := range list {
			if m == mask {
				return list
			}
		}
		return append(list, mask)
	}
	out := list[:0]
	for _, m := range list {
		if m != mask {
			out = append(out, m)
		}
	}
	return out
}

// Bans, Exceptions, InviteExceptions return snapshots of a channel's access
// lists (for MODE +b/+e/+I list queries).
func (c *Channel) Bans() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bans...)
}

func (c *Channel) Exceptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.exceptions...)
}

func (c *Channel) InviteExceptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.inviteExc...)
}

// Invite marks target as invited (bypassing +i once), returning false if
// already invited.
func (c *Channel) Invite(targetFoldedNick string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.invited[targetFoldedNick]; ok {
		return false
	}
	c.invited[targetFoldedNick] = struct{}{}
	return true
}
