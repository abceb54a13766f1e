package registry

import "ircd/internal/casefold"

// ChannelPreset carries the `[[channels]]` config-file declaration for one
// channel name (§6): the topic, mode/ban/exception lists, and rank lists
// (founders/protecteds/operators/half_operators/voices) to seed the first
// time that channel is created by a JOIN. Registered separately from live
// Channel records so a zero-member preset never violates invariant 5 ("a
// channel with zero members does not exist") by sitting in the index
// before anyone has joined.
type ChannelPreset struct {
	Topic            string
	Modes            map[ChannelMode]bool
	Key              string
	Limit            int
	Bans             []string
	Exceptions       []string
	InviteExceptions []string
	Founders         []string
	Protecteds       []string
	Operators        []string
	HalfOperators    []string
	Voices           []string
}

// SetPreset registers (or replaces) the config-declared preset for the
// channel named name, applied the next time Join creates that channel and,
// for rank lists, on every subsequent join by a listed nick.
func (r *Registry) SetPreset(name string, p ChannelPreset) {
	r.presetMu.Lock()
	defer r.presetMu.Unlock()
	r.presets[casefold.Fold(name)] = p
}

func (r *Registry) preset(foldedName string) (ChannelPreset, bool) {
	r.presetMu.RLock()
	defer r.presetMu.RUnlock()
	p, ok := r.presets[foldedName]
	return p, ok
}

// applyPresetOnCreateLocked seeds a freshly created channel's topic, modes,
// key, limit, and ban/exception lists from its preset, if any. Caller must
// hold ch.mu.
func applyPresetOnCreateLocked(ch *Channel, p ChannelPreset) {
	if p.Topic != "" {
		ch.Topic = p.Topic
	}
	for m, on := range p.Modes {
		ch.Modes[m] = on
	}
	if p.Key != "" {
		ch.Key = p.Key
	}
	if p.Limit > 0 {
		ch.Limit = p.Limit
	}
	ch.bans = append(ch.bans, p.Bans...)
	ch.exceptions = append(ch.exceptions, p.Exceptions...)
	ch.inviteExc = append(ch.inviteExc, p.InviteExceptions...)
}

// presetRankLocked returns the rank a preset grants foldedNick, or RankNone
// if the preset (or the nick within it) isn't found. It takes no lock of its
// own (presets are immutable once registered via SetPreset), so Join can
// call it while holding ch.mu.
func presetRankLocked(p ChannelPreset, foldedNick string) MemberRank {
	switch {
	case containsFold(p.Founders, foldedNick):
		return RankFounder
	case containsFold(p.Protecteds, foldedNick):
		return RankProtected
	case containsFold(p.Operators, foldedNick):
		return RankOp
	case containsFold(p.HalfOperators, foldedNick):
		return RankHalfOp
	case containsFold(p.Voices, foldedNick):
		return RankVoice
	default:
		return RankNone
	}
}

func containsFold(nicks []string, foldedNick string) bool {
	for _, n := range nicks {
		if casefold.Fold(n) == foldedNick {
			return true
		}
	}
	return false
}
