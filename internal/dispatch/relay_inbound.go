package dispatch

import (
	"encoding/json"
	"log/slog"

	"ircd/internal/registry"
	"ircd/internal/relay"
)

// remoteSession is the SessionHandle standing in for a user whose live
// connection is owned by another server in the network (§4.G). Enqueue is
// a no-op: that user's own server already has them on a real connection,
// and it is the one that will actually write bytes to them. The local
// record exists only so Lookup/WHOIS/NAMES/broadcast recipient-resolution
// treat the remote nick as present.
type remoteSession struct {
	id string
}

func (r remoteSession) ID() string           { return r.id }
func (r remoteSession) Enqueue([]byte) error { return nil }
func (r remoteSession) Close() error         { return nil }

// HandleRelayEvent applies one inbound relay envelope to local state and,
// where the change is visible to local users, announces it to them. It is
// registered as the consume callback on a live relay.Bus; NopPublisher
// never calls it since it has no Consume method.
func (s *Server) HandleRelayEvent(env relay.Envelope) {
	switch env.Type {
	case relay.EventUserAdd:
		var p relay.UserAddPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			slog.Warn("relay: bad USER_ADD payload", "err", err)
			return
		}
		s.applyRemoteUserAdd(env.Origin, p)
	case relay.EventUserQuit:
		var p relay.UserQuitPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.applyRemoteUserQuit(p)
	case relay.EventNickChange:
		var p relay.NickChangePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.applyRemoteNickChange(p)
	case relay.EventChanJoin:
		var p relay.ChanJoinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.applyRemoteJoin(p)
	case relay.EventChanPart:
		var p relay.ChanPartPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.applyRemotePart(p)
	case relay.EventChanTopic:
		var p relay.ChanTopicPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.applyRemoteTopic(p)
	case relay.EventMessage:
		var p relay.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.applyRemoteMessage(p)
	case relay.EventChanKick:
		var p relay.ChanKickPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.applyRemoteKick(p)
	default:
		slog.Debug("relay: unhandled event type", "type", env.Type)
	}
}

func (s *Server) applyRemoteUserAdd(origin string, p relay.UserAddPayload) {
	_, err := s.Reg.RegisterNick(p.Nick, func() *registry.User {
		u := registry.NewUser(p.Nick, p.Username, p.RealName, p.Host, remoteSession{id: origin + ":" + p.Nick})
		u.Origin = registry.Origin(origin)
		return u
	})
	if err != nil {
		slog.Debug("relay: USER_ADD dropped", "nick", p.Nick, "err", err)
	}
}

func (s *Server) applyRemoteUserQuit(p relay.UserQuitPayload) {
	u, ok := s.Reg.Lookup(p.Nick)
	if !ok || u.Origin == registry.LocalOrigin {
		return
	}
	peers := s.Reg.Unregister(u)
	for _, peer := range peers {
		s.announce(peer, u.Mask(), "QUIT", p.Reason)
	}
}

func (s *Server) applyRemoteNickChange(p relay.NickChangePayload) {
	u, ok := s.Reg.Lookup(p.OldNick)
	if !ok || u.Origin == registry.LocalOrigin {
		return
	}
	oldMask := u.Mask()
	peers := s.Reg.CommonChannelPeers(u)
	if err := s.Reg.ChangeNick(u, p.NewNick); err != nil {
		slog.Debug("relay: NICK_CHANGE dropped", "err", err)
		return
	}
	for _, peer := range peers {
		s.announce(peer, oldMask, "NICK", p.NewNick)
	}
}

func (s *Server) applyRemoteJoin(p relay.ChanJoinPayload) {
	u, ok := s.Reg.Lookup(p.Nick)
	if !ok || u.Origin == registry.LocalOrigin {
		return
	}
	if _, err := s.Reg.Join(u, p.Channel, ""); err != nil {
		slog.Debug("relay: CHAN_JOIN dropped", "err", err)
		return
	}
	ch, ok := s.Reg.Channel(p.Channel)
	if !ok {
		return
	}
	for _, m := range ch.Members() {
		if m.User != u {
			s.announce(m.User.Session, u.Mask(), "JOIN", p.Channel)
		}
	}
}

func (s *Server) applyRemotePart(p relay.ChanPartPayload) {
	u, ok := s.Reg.Lookup(p.Nick)
	if !ok || u.Origin == registry.LocalOrigin {
		return
	}
	ch, ok := s.Reg.Channel(p.Channel)
	if !ok {
		return
	}
	members := ch.Members()
	if _, err := s.Reg.Part(u, p.Channel); err != nil {
		return
	}
	for _, m := range members {
		if m.User != u {
			s.announce(m.User.Session, u.Mask(), "PART", p.Channel, p.Reason)
		}
	}
}

// applyRemoteTopic requires the remote setter to already be a known member
// of the channel (they must have joined before setting its topic); that
// keeps the Registry's own RankHalfOp/+t enforcement intact instead of
// bypassing it for relay-origin changes.
func (s *Server) applyRemoteTopic(p relay.ChanTopicPayload) {
	setter, ok := s.Reg.Lookup(p.Setter)
	if !ok {
		slog.Debug("relay: CHAN_TOPIC from unknown setter", "setter", p.Setter)
		return
	}
	ch, err := s.Reg.SetTopic(setter, p.Channel, p.Topic, p.Setter)
	if err != nil || ch == nil {
		return
	}
	for _, m := range ch.Members() {
		s.announce(m.User.Session, setter.Mask(), "TOPIC", p.Channel, p.Topic)
	}
}

// applyRemoteKick requires the remote kicker to already be a known member,
// same reasoning as applyRemoteTopic.
func (s *Server) applyRemoteKick(p relay.ChanKickPayload) {
	ch, ok := s.Reg.Channel(p.Channel)
	if !ok {
		return
	}
	target, ok := s.Reg.Lookup(p.Target)
	if !ok {
		return
	}
	kicker, ok := s.Reg.Lookup(p.Kicker)
	if !ok {
		slog.Debug("relay: CHAN_KICK from unknown kicker", "kicker", p.Kicker)
		return
	}
	members := ch.Members()
	if _, err := s.Reg.Kick(kicker, p.Channel, target, p.Reason); err != nil {
		return
	}
	for _, m := range members {
		s.announce(m.User.Session, kicker.Mask(), "KICK", p.Channel, p.Target, p.Reason)
	}
}

func (s *Server) applyRemoteMessage(p relay.MessagePayload) {
	from, ok := s.Reg.Lookup(p.From)
	prefix := p.From
	if ok {
		prefix = from.Mask()
	}
	if len(p.Target) > 0 && (p.Target[0] == '#' || p.Target[0] == '&') {
		ch, ok := s.Reg.Channel(p.Target)
		if !ok {
			return
		}
		for _, m := range ch.Members() {
			if m.User.Origin == registry.LocalOrigin {
				s.announce(m.User.Session, prefix, p.Kind, p.Target, p.Text)
			}
		}
		return
	}
	target, ok := s.Reg.Lookup(p.Target)
	if !ok || target.Origin != registry.LocalOrigin {
		return
	}
	s.announce(target.Session, prefix, p.Kind, p.Target, p.Text)
}
