package dispatch

import (
	"strings"

	"ircd/internal/numerics"
	"ircd/internal/protocol"
	"ircd/internal/registry"
	"ircd/internal/relay"
)

func init() {
	register("PRIVMSG", handlerSpec{fn: handlePRIVMSG, minParams: 1, requireReg: true})
	register("NOTICE", handlerSpec{fn: handleNOTICE, minParams: 1, requireReg: true})
	register("AWAY", handlerSpec{fn: handleAWAY, minParams: 0, requireReg: true})
	register("WALLOPS", handlerSpec{fn: handleWALLOPS, minParams: 1, requireReg: true})
	register("USERHOST", handlerSpec{fn: handleUSERHOST, minParams: 1, requireReg: true})
	register("ISON", handlerSpec{fn: handleISON, minParams: 1, requireReg: true})
}

func sendMessage(s *Server, c *Client, msg *protocol.Message, kind registry.MessageKind, command string) {
	target := msg.Get(0)
	text := msg.Trailing()
	if text == "" && len(msg.Params) > 1 {
		text = msg.Get(1)
	}
	if text == "" {
		if command == "PRIVMSG" {
			s.reply(c, numerics.ERR_NOTEXTTOSEND, target, "No text to send")
		}
		return
	}
	if !c.Sess.AllowFlood(true) {
		return // flood control: silently drop, per §4.B token-bucket policy
	}
	recip, err := s.Reg.BroadcastMessage(c.User, target, kind)
	if err != nil {
		if command == "NOTICE" {
			return // NOTICE never generates an error reply back to the sender (§4.E)
		}
		switch err {
		case registry.ErrNoSuchNick, registry.ErrNoSuchChannel:
			s.reply(c, numerics.ERR_NOSUCHNICK, target, "No such nick/channel")
		case registry.ErrCannotSendToC:
			s.reply(c, numerics.ERR_CANNOTSENDTOCHAN, target, "Cannot send to channel")
		case registry.ErrNoPrivileges:
			s.reply(c, numerics.ERR_NOPRIVILEGES, target, "Permission denied")
		default:
			s.reply(c, numerics.ERR_NOSUCHNICK, target, "No such nick/channel")
		}
		return
	}
	prefix := c.User.Mask()
	for _, sess := range recip.Sessions {
		s.announce(sess, prefix, command, target, text)
	}
	s.Relay.Publish(relay.EventMessage, relay.MessagePayload{From: c.User.Nick, Target: target, Kind: command, Text: text})
}

func handlePRIVMSG(s *Server, c *Client, msg *protocol.Message) {
	sendMessage(s, c, msg, registry.KindPrivmsg, "PRIVMSG")
}

func handleNOTICE(s *Server, c *Client, msg *protocol.Message) {
	sendMessage(s, c, msg, registry.KindNotice, "NOTICE")
}

func handleAWAY(s *Server, c *Client, msg *protocol.Message) {
	away := msg.Trailing()
	c.User.SetAway(away)
	if away == "" {
		s.reply(c, numerics.RPL_UNAWAY, c.User.Nick, "You are no longer marked as being away")
		return
	}
	s.reply(c, numerics.RPL_NOWAWAY, c.User.Nick, "You have been marked as being away")
}

func handleWALLOPS(s *Server, c *Client, msg *protocol.Message) {
	if !c.User.HasMode('o') {
		s.reply(c, numerics.ERR_NOPRIVILEGES, c.User.Nick, "Permission denied")
		return
	}
	text := msg.Trailing()
	prefix := c.User.Mask()
	for _, u := range s.Reg.Users() {
		if u.HasMode('w') {
			s.announce(u.Session, prefix, "WALLOPS", text)
		}
	}
}

func handleUSERHOST(s *Server, c *Client, msg *protocol.Message) {
	var parts []string
	for _, nick := range msg.Params {
		u, ok := s.Reg.Lookup(nick)
		if !ok {
			continue
		}
		marker := "+"
		if u.Away() != "" {
			marker = "-"
		}
		opFlag := ""
		if u.HasMode('o') {
			opFlag = "*"
		}
		parts = append(parts, u.Nick+opFlag+"="+marker+u.Username+"@"+u.VisibleHost())
	}
	s.reply(c, numerics.RPL_USERHOST, c.User.Nick, strings.Join(parts, " "))
}

func handleISON(s *Server, c *Client, msg *protocol.Message) {
	var online []string
	for _, nick := range msg.Params {
		if _, ok := s.Reg.Lookup(nick); ok {
			online = append(online, nick)
		}
	}
	s.reply(c, numerics.RPL_ISON, c.User.Nick, strings.Join(online, " "))
}
