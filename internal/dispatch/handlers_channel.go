package dispatch

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"ircd/internal/casefold"
	"ircd/internal/numerics"
	"ircd/internal/protocol"
	"ircd/internal/registry"
	"ircd/internal/relay"
	"ircd/internal/store"
)

func init() {
	register("JOIN", handlerSpec{fn: handleJOIN, minParams: 1, requireReg: true})
	register("PART", handlerSpec{fn: handlePART, minParams: 1, requireReg: true})
	register("TOPIC", handlerSpec{fn: handleTOPIC, minParams: 1, requireReg: true})
	register("NAMES", handlerSpec{fn: handleNAMES, minParams: 0, requireReg: true})
	register("LIST", handlerSpec{fn: handleLIST, minParams: 0, requireReg: true})
	register("INVITE", handlerSpec{fn: handleINVITE, minParams: 2, requireReg: true})
	register("KICK", handlerSpec{fn: handleKICK, minParams: 2, requireReg: true})
	register("MODE", handlerSpec{fn: handleMODE, minParams: 1, requireReg: true})
}

// joinErrorNumeric maps a registry.Join error to its RFC numeric.
func joinErrorNumeric(err error) (int, string) {
	switch err {
	case registry.ErrBadChanMask:
		return numerics.ERR_NOSUCHCHANNEL, "No such channel"
	case registry.ErrBadKey:
		return numerics.ERR_BADCHANNELKEY, "Cannot join channel (+k)"
	case registry.ErrInviteOnly:
		return numerics.ERR_INVITEONLYCHAN, "Cannot join channel (+i)"
	case registry.ErrBanned:
		return numerics.ERR_BANNEDFROMCHAN, "Cannot join channel (+b)"
	case registry.ErrChannelFull:
		return numerics.ERR_CHANNELISFULL, "Cannot join channel (+l)"
	case registry.ErrTooManyChans:
		return numerics.ERR_TOOMANYCHANNELS, "You have joined too many channels"
	default:
		return numerics.ERR_NOSUCHCHANNEL, "No such channel"
	}
}

// handleJOIN processes a multi-channel JOIN left to right: on the first
// error for one name, emit the numeric and continue with the rest (§4.C
// "Channel join ordering").
func handleJOIN(s *Server, c *Client, msg *protocol.Message) {
	names := strings.Split(msg.Get(0), ",")
	keys := strings.Split(msg.Get(1), ",")
	for i, name := range names {
		key := ""
		if i < len(keys) {
			key = keys[i]
		}
		res, err := s.Reg.Join(c.User, name, key)
		if err != nil {
			code, text := joinErrorNumeric(err)
			s.reply(c, code, name, text)
			continue
		}
		announceJoin(s, c, res)
		s.Relay.Publish(relay.EventChanJoin, relay.ChanJoinPayload{Channel: res.Channel.Name, Nick: c.User.Nick})
	}
}

func announceJoin(s *Server, c *Client, res *registry.JoinResult) {
	prefix := c.User.Mask()
	for _, m := range res.Channel.Members() {
		s.announce(m.User.Session, prefix, "JOIN", res.Channel.Name)
	}
	sendTopicReply(s, c, res.Channel)
	sendNamesReply(s, c, res.Channel)
}

func handlePART(s *Server, c *Client, msg *protocol.Message) {
	reason := msg.Trailing()
	for _, name := range strings.Split(msg.Get(0), ",") {
		ch, err := s.Reg.Part(c.User, name)
		if err != nil {
			code := numerics.ERR_NOSUCHCHANNEL
			if err == registry.ErrNotOnChannel {
				code = numerics.ERR_NOTONCHANNEL
			}
			s.reply(c, code, name, "No such channel")
			continue
		}
		prefix := c.User.Mask()
		params := []string{ch.Name}
		if reason != "" {
			params = append(params, reason)
		}
		s.announce(c.Sess, prefix, "PART", params...)
		for _, m := range ch.Members() {
			s.announce(m.User.Session, prefix, "PART", params...)
		}
		s.Relay.Publish(relay.EventChanPart, relay.ChanPartPayload{Channel: ch.Name, Nick: c.User.Nick, Reason: reason})
	}
}

func handleTOPIC(s *Server, c *Client, msg *protocol.Message) {
	name := msg.Get(0)
	if len(msg.Params) < 2 && !msg.HadTrailing {
		ch, ok := s.Reg.Channel(name)
		if !ok {
			s.reply(c, numerics.ERR_NOSUCHCHANNEL, name, "No such channel")
			return
		}
		sendTopicReply(s, c, ch)
		return
	}
	newTopic := msg.Trailing()
	ch, err := s.Reg.SetTopic(c.User, name, newTopic, c.User.Nick)
	if err != nil {
		code := numerics.ERR_NOSUCHCHANNEL
		if err == registry.ErrNotChanOp {
			code = numerics.ERR_CHANOPRIVSNEEDED
		} else if err == registry.ErrNotOnChannel {
			code = numerics.ERR_NOTONCHANNEL
		}
		s.reply(c, code, name, "Cannot set topic")
		return
	}
	prefix := c.User.Mask()
	for _, m := range ch.Members() {
		s.announce(m.User.Session, prefix, "TOPIC", ch.Name, newTopic)
	}
	s.Relay.Publish(relay.EventChanTopic, relay.ChanTopicPayload{Channel: ch.Name, Setter: c.User.Nick, Topic: newTopic})
	persistChannelIfRegistered(s, ch)
}

// persistChannelIfRegistered writes ch's topic and modes through to the
// persistence façade when ch carries the registered (+r) mode, keeping the
// façade's mirror of a registered channel's state current (§4.H, invariant
// 7) after a TOPIC or MODE change. A no-op when persistence isn't configured
// or the channel was never registered.
func persistChannelIfRegistered(s *Server, ch *registry.Channel) {
	if s.Store == nil || !ch.HasMode('r') {
		return
	}
	blob, err := json.Marshal(map[string]bool{
		"m": ch.HasMode('m'), "i": ch.HasMode('i'), "s": ch.HasMode('s'),
		"t": ch.HasMode('t'), "n": ch.HasMode('n'), "r": ch.HasMode('r'),
	})
	if err != nil {
		slog.Error("channel mode marshal failed", "channel", ch.Name, "err", err)
		return
	}
	fold := casefold.Fold(ch.Name)
	createdAt := time.Now()
	if existing, lerr := s.Store.LookupChannel(fold); lerr == nil {
		createdAt = existing.CreatedAt
	}
	s.Store.SaveChannel(store.RegisteredChannel{
		Name:      fold,
		Topic:     ch.Topic,
		ModesJSON: string(blob),
		CreatedAt: createdAt,
	})
}

func sendTopicReply(s *Server, c *Client, ch *registry.Channel) {
	if ch.Topic == "" {
		s.reply(c, numerics.RPL_NOTOPIC, ch.Name, "No topic is set")
		return
	}
	s.reply(c, numerics.RPL_TOPIC, ch.Name, ch.Topic)
	s.reply(c, numerics.RPL_TOPICWHOTIME, ch.Name, ch.TopicBy, strconv.FormatInt(ch.TopicTime.Unix(), 10))
}

func sendNamesReply(s *Server, c *Client, ch *registry.Channel) {
	var names []string
	for _, m := range ch.Members() {
		names = append(names, m.Rank.Prefix()+m.User.Nick)
	}
	s.reply(c, numerics.RPL_NAMREPLY, "=", ch.Name, strings.Join(sortedStrings(names), " "))
	s.reply(c, numerics.RPL_ENDOFNAMES, ch.Name, "End of /NAMES list")
}

func handleNAMES(s *Server, c *Client, msg *protocol.Message) {
	name := msg.Get(0)
	if name == "" {
		for _, ch := range s.Reg.Channels() {
			sendNamesReply(s, c, ch)
		}
		return
	}
	ch, ok := s.Reg.Channel(name)
	if !ok {
		s.reply(c, numerics.RPL_ENDOFNAMES, name, "End of /NAMES list")
		return
	}
	sendNamesReply(s, c, ch)
}

func handleLIST(s *Server, c *Client, msg *protocol.Message) {
	for _, ch := range s.Reg.Channels() {
		if ch.HasMode('s') {
			if _, member := ch.MemberRankOf(casefold.Fold(c.User.Nick)); !member {
				continue
			}
		}
		s.reply(c, numerics.RPL_LIST, ch.Name, strconv.Itoa(ch.MemberCount()), ch.Topic)
	}
	s.reply(c, numerics.RPL_LISTEND, "*", "End of /LIST")
}

func handleINVITE(s *Server, c *Client, msg *protocol.Message) {
	targetNick, chanName := msg.Get(0), msg.Get(1)
	ch, ok := s.Reg.Channel(chanName)
	if !ok {
		s.reply(c, numerics.ERR_NOSUCHCHANNEL, chanName, "No such channel")
		return
	}
	target, ok := s.Reg.Lookup(targetNick)
	if !ok {
		s.reply(c, numerics.ERR_NOSUCHNICK, targetNick, "No such nick")
		return
	}
	if rank, member := ch.MemberRankOf(casefold.Fold(c.User.Nick)); !member || (ch.HasMode('i') && rank < registry.RankHalfOp) {
		s.reply(c, numerics.ERR_CHANOPRIVSNEEDED, chanName, "You're not a channel operator")
		return
	}
	ch.Invite(casefold.Fold(targetNick))
	s.reply(c, numerics.RPL_INVITING, targetNick, chanName)
	s.announce(target.Session, c.User.Mask(), "INVITE", targetNick, chanName)
}

func handleKICK(s *Server, c *Client, msg *protocol.Message) {
	chanName, targetNick := msg.Get(0), msg.Get(1)
	reason := msg.Trailing()
	if reason == "" {
		reason = c.User.Nick
	}
	target, ok := s.Reg.Lookup(targetNick)
	if !ok {
		s.reply(c, numerics.ERR_NOSUCHNICK, targetNick, "No such nick")
		return
	}
	ch, err := s.Reg.Kick(c.User, chanName, target, reason)
	if err != nil {
		code := numerics.ERR_NOSUCHCHANNEL
		switch err {
		case registry.ErrNotChanOp:
			code = numerics.ERR_CHANOPRIVSNEEDED
		case registry.ErrUserNotInChan:
			code = numerics.ERR_USERNOTINCHANNEL
		case registry.ErrNotOnChannel:
			code = numerics.ERR_NOTONCHANNEL
		}
		s.reply(c, code, chanName, "Cannot kick")
		return
	}
	prefix := c.User.Mask()
	s.announce(target.Session, prefix, "KICK", ch.Name, targetNick, reason)
	for _, m := range ch.Members() {
		s.announce(m.User.Session, prefix, "KICK", ch.Name, targetNick, reason)
	}
	s.Relay.Publish(relay.EventChanKick, relay.ChanKickPayload{
		Channel: ch.Name, Kicker: c.User.Nick, Target: targetNick, Reason: reason,
	})
}

func handleMODE(s *Server, c *Client, msg *protocol.Message) {
	target := msg.Get(0)
	if len(target) > 0 && (target[0] == '#' || target[0] == '&') {
		handleChannelMode(s, c, msg, target)
		return
	}
	handleUserMode(s, c, msg, target)
}

func handleUserMode(s *Server, c *Client, msg *protocol.Message, target string) {
	if !casefold.Equal(target, c.User.Nick) {
		s.reply(c, numerics.ERR_USERSDONTMATCH, target, "Cannot change mode for other users")
		return
	}
	if len(msg.Params) < 2 {
		s.reply(c, numerics.RPL_UMODEIS, target, c.User.ModeString())
		return
	}
	applyUserModeDelta(c.User, msg.Get(1))
	s.announce(c.Sess, c.User.Mask(), "MODE", target, msg.Get(1))
	s.Relay.Publish(relay.EventUserMode, relay.UserModePayload{Nick: c.User.Nick, Delta: msg.Get(1)})
}

func applyUserModeDelta(u *registry.User, delta string) {
	add := true
	for _, r := range delta {
		switch r {
		case '+':
			add = true
		case '-':
			add = false
		default:
			u.SetMode(registry.UserMode(r), add)
		}
	}
}

func handleChannelMode(s *Server, c *Client, msg *protocol.Message, chanName string) {
	ch, ok := s.Reg.Channel(chanName)
	if !ok {
		s.reply(c, numerics.ERR_NOSUCHCHANNEL, chanName, "No such channel")
		return
	}
	if len(msg.Params) < 2 {
		s.reply(c, numerics.RPL_CHANNELMODEIS, chanName, renderChanModes(ch))
		return
	}
	rank, _ := ch.MemberRankOf(casefold.Fold(c.User.Nick))
	ops := parseModeDelta(msg.Params[1:])
	res := s.Reg.ApplyModes(ch, ops, rank)
	if len(res.Unknown) > 0 {
		s.reply(c, numerics.ERR_UNKNOWNMODE, string(res.Unknown[0]), "is unknown mode char to me")
	}
	var applied []registry.ModeOp
	for _, op := range res.Applied {
		if op.Arg != "" || (op.Letter != 'b' && op.Letter != 'e' && op.Letter != 'I') {
			applied = append(applied, op)
			continue
		}
		if op.Letter == 'b' {
			for _, mask := range ch.Bans() {
				s.reply(c, numerics.RPL_BANLIST, chanName, mask)
			}
			s.reply(c, numerics.RPL_ENDOFBANLIST, chanName, "End of channel ban list")
		}
	}
	if len(applied) == 0 {
		return
	}
	delta := renderModeOps(applied)
	prefix := c.User.Mask()
	for _, m := range ch.Members() {
		s.announce(m.User.Session, prefix, "MODE", chanName, delta)
	}
	s.Relay.Publish(relay.EventChanMode, relay.ChanModePayload{Channel: chanName, Setter: c.User.Nick, Delta: delta})
	persistChannelIfRegistered(s, ch)
}

// parseModeDelta turns ["+ob-l", "nick", "limitarg"] into ModeOps, consuming
// one argument per letter that requires one (k, b, e, I, q, a, o, h, v on
// add and remove alike, l on add only, per CHANMODES=beI,k,l,imnpstr).
func parseModeDelta(params []string) []registry.ModeOp {
	if len(params) == 0 {
		return nil
	}
	argIdx := 1
	add := true
	var ops []registry.ModeOp
	for _, r := range params[0] {
		switch r {
		case '+':
			add = true
		case '-':
			add = false
		case 'k', 'l', 'b', 'e', 'I', 'q', 'a', 'o', 'h', 'v':
			arg := ""
			if argIdx < len(params) && (add || r != 'l') {
				arg = params[argIdx]
				argIdx++
			}
			ops = append(ops, registry.ModeOp{Add: add, Letter: byte(r), Arg: arg})
		default:
			ops = append(ops, registry.ModeOp{Add: add, Letter: byte(r)})
		}
	}
	return ops
}

func renderModeOps(ops []registry.ModeOp) string {
	var plus, minus strings.Builder
	var args []string
	for _, op := range ops {
		if op.Add {
			plus.WriteByte(op.Letter)
		} else {
			minus.WriteByte(op.Letter)
		}
		if op.Arg != "" {
			args = append(args, op.Arg)
		}
	}
	var sb strings.Builder
	if plus.Len() > 0 {
		sb.WriteByte('+')
		sb.WriteString(plus.String())
	}
	if minus.Len() > 0 {
		sb.WriteByte('-')
		sb.WriteString(minus.String())
	}
	for _, a := range args {
		sb.WriteByte(' ')
		sb.WriteString(a)
	}
	return sb.String()
}

func renderChanModes(ch *registry.Channel) string {
	var sb strings.Builder
	sb.WriteByte('+')
	for _, m := range []registry.ChannelMode{'n', 't', 'm', 'i', 'p', 's', 'r'} {
		if ch.HasMode(m) {
			sb.WriteByte(byte(m))
		}
	}
	return sb.String()
}
