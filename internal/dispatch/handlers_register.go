package dispatch

import (
	"errors"
	"log/slog"
	"strings"

	"ircd/internal/casefold"
	"ircd/internal/cloak"
	"ircd/internal/numerics"
	"ircd/internal/protocol"
	"ircd/internal/registry"
	"ircd/internal/relay"
	"ircd/internal/session"
	"ircd/internal/store"
)

func init() {
	register("CAP", handlerSpec{fn: handleCAP, minParams: 1})
	register("PASS", handlerSpec{fn: handlePASS, minParams: 1, requireUnreg: true})
	register("NICK", handlerSpec{fn: handleNICK, minParams: 1})
	register("USER", handlerSpec{fn: handleUSER, minParams: 4, requireUnreg: true})
	register("AUTHENTICATE", handlerSpec{fn: handleAUTHENTICATE, minParams: 1})
	register("QUIT", handlerSpec{fn: handleQUIT, minParams: 0})
	register("PING", handlerSpec{fn: handlePING, minParams: 0})
	register("PONG", handlerSpec{fn: handlePONG, minParams: 0})
	register("OPER", handlerSpec{fn: handleOPER, minParams: 2, requireReg: true})
	register("WEBIRC", handlerSpec{fn: handleWEBIRC, minParams: 4, requireUnreg: true})
}

func handleCAP(s *Server, c *Client, msg *protocol.Message) {
	sub := strings.ToUpper(msg.Get(0))
	c.mu.Lock()
	switch sub {
	case "LS":
		c.capNegOn = true
		c.mu.Unlock()
		s.announce(c.Sess, s.Config().Name, "CAP", "*", "LS", "echo-message multi-prefix sasl")
	case "REQ":
		caps := strings.Fields(msg.Trailing())
		for _, cap := range caps {
			c.capsWanted[strings.TrimPrefix(cap, "-")] = !strings.HasPrefix(cap, "-")
		}
		c.mu.Unlock()
		s.announce(c.Sess, s.Config().Name, "CAP", "*", "ACK", strings.Join(caps, " "))
	case "END":
		c.capNegOn = false
		c.mu.Unlock()
		maybeCompleteRegistration(s, c)
	default:
		c.mu.Unlock()
	}
}

func handlePASS(s *Server, c *Client, msg *protocol.Message) {
	c.mu.Lock()
	c.passGiven = msg.Get(0)
	c.mu.Unlock()
}

func handleNICK(s *Server, c *Client, msg *protocol.Message) {
	nick := msg.Get(0)
	if nick == "" {
		s.reply(c, numerics.ERR_NONICKNAMEGIVEN, c.nickOf(), "No nickname given")
		return
	}
	if c.User == nil {
		if _, taken := s.Reg.Lookup(nick); taken {
			s.reply(c, numerics.ERR_NICKNAMEINUSE, c.nickOf(), nick, "Nickname is already in use")
			return
		}
		c.mu.Lock()
		c.nickWanted = nick
		c.mu.Unlock()
		maybeCompleteRegistration(s, c)
		return
	}

	old := c.User.Nick
	if err := s.Reg.ChangeNick(c.User, nick); err != nil {
		code := numerics.ERR_ERRONEUSNICKNAME
		if err == registry.ErrNickInUse {
			code = numerics.ERR_NICKNAMEINUSE
		}
		s.reply(c, code, nick, "Nickname is unavailable")
		return
	}
	prefix := old + "!" + c.User.Username + "@" + c.User.VisibleHost()
	for _, peer := range s.Reg.CommonChannelPeers(c.User) {
		s.announce(peer, prefix, "NICK", nick)
	}
	s.announce(c.Sess, prefix, "NICK", nick)
	s.Relay.Publish(relay.EventNickChange, relay.NickChangePayload{OldNick: old, NewNick: nick})
}

func handleUSER(s *Server, c *Client, msg *protocol.Message) {
	c.mu.Lock()
	c.userGiven = msg.Get(0)
	c.realGiven = msg.Trailing()
	if c.realGiven == "" {
		c.realGiven = msg.Get(3)
	}
	c.mu.Unlock()
	maybeCompleteRegistration(s, c)
}

func handleAUTHENTICATE(s *Server, c *Client, msg *protocol.Message) {
	// Answers only the first step of a SASL exchange: a bare "+" is echoed
	// back as AUTHENTICATE "+". Mechanism names and base64 payloads are
	// ignored, no credentials are checked, and no SASL success or failure
	// numeric is sent; registration proceeds through NICK/USER as usual.
	if msg.Get(0) == "+" {
		s.announce(c.Sess, s.Config().Name, "AUTHENTICATE", "+")
	}
}

func handleWEBIRC(s *Server, c *Client, msg *protocol.Message) {
	// WEBIRC password gateway real-ip real-host: trust the provided real
	// host instead of the TCP peer address, used by web gateways in front
	// of this server. The gateway password and gateway name are not
	// checked; any client sending WEBIRC has its real host replaced.
	realHost := msg.Get(3)
	if realHost != "" {
		c.mu.Lock()
		c.webircHost = realHost
		c.mu.Unlock()
	}
}

// maybeCompleteRegistration finishes registration once NICK, USER, and (if
// configured) PASS have all landed, and CAP negotiation (if started) has
// ended (§4.B).
func maybeCompleteRegistration(s *Server, c *Client) {
	c.mu.Lock()
	if c.capNegOn {
		c.mu.Unlock()
		return
	}
	nick, user, real, pass := c.nickWanted, c.userGiven, c.realGiven, c.passGiven
	c.mu.Unlock()
	if nick == "" || user == "" || c.User != nil {
		return
	}

	cfg := s.Config()
	if cfg.Password != "" {
		ok, err := store.VerifyPassword(pass, cfg.Password)
		if err != nil || !ok {
			s.reply(c, numerics.ERR_PASSWDMISMATCH, "*", "Password incorrect")
			c.Sess.Close()
			return
		}
	}

	c.mu.Lock()
	host := c.webircHost
	c.mu.Unlock()
	if host == "" {
		host = c.Sess.RemoteHost()
	}

	// §4.H: a nick registered in the persistence façade is reserved — claiming
	// it requires the matching password, same as OPER (invariant 7).
	grantRegistered := false
	if s.Store != nil {
		rec, lookupErr := s.Store.LookupNick(casefold.Fold(nick))
		if lookupErr == nil {
			ok, verr := store.VerifyPassword(pass, rec.Password)
			if verr != nil || !ok {
				s.reply(c, numerics.ERR_UNAVAILRESOURCE, nick, "Nickname is unavailable (registered)")
				return
			}
			grantRegistered = true
		} else if !errors.Is(lookupErr, store.ErrNotFound) {
			slog.Error("nick lookup failed", "nick", nick, "err", lookupErr)
		}
	}

	u, err := s.Reg.RegisterNick(nick, func() *registry.User {
		nu := registry.NewUser(nick, user, real, host, c.Sess)
		if cfg.Cloak.Key1 != "" {
			keys := cloak.Keys{
				Key1: cfg.Cloak.Key1, Key2: cfg.Cloak.Key2, Key3: cfg.Cloak.Key3, Prefix: cfg.Cloak.Prefix,
			}
			nu.CloakedHost = keys.Cloak(host)
		}
		for mode, on := range cfg.DefaultUserModes {
			if on && len(mode) == 1 {
				nu.SetMode(registry.UserMode(mode[0]), true)
			}
		}
		return nu
	})
	if err != nil {
		code := numerics.ERR_ERRONEUSNICKNAME
		if err == registry.ErrNickInUse {
			code = numerics.ERR_NICKNAMEINUSE
		}
		s.reply(c, code, nick, "Nickname is unavailable")
		return
	}
	if grantRegistered {
		u.SetMode(registry.UserMode('r'), true)
	}

	c.User = u
	c.Sess.SetState(session.StateRegistered)
	s.ConnRegistered()
	sendWelcome(s, c)
	s.Relay.Publish(relay.EventUserAdd, relay.UserAddPayload{
		Nick: u.Nick, Username: u.Username, Host: u.Host, RealName: u.RealName,
		SignonUnix: u.SignonTime.Unix(),
	})
}

func handleQUIT(s *Server, c *Client, msg *protocol.Message) {
	reason := msg.Trailing()
	if reason == "" {
		reason = "Client Quit"
	}
	if c.User != nil {
		prefix := c.User.Mask()
		peers := s.Reg.Unregister(c.User)
		for _, p := range peers {
			s.announce(p, prefix, "QUIT", reason)
		}
		s.recordWhowas(c.User)
		s.Relay.Publish(relay.EventUserQuit, relay.UserQuitPayload{Nick: c.User.Nick, Reason: reason})
	}
	s.announce(c.Sess, s.Config().Name, "ERROR", "Closing Link: "+reason)
	c.Sess.Close()
}

func handlePING(s *Server, c *Client, msg *protocol.Message) {
	cookie := msg.Get(0)
	s.announce(c.Sess, s.Config().Name, "PONG", s.Config().Name, cookie)
}

func handlePONG(s *Server, c *Client, msg *protocol.Message) {
	c.mu.Lock()
	c.pingCookie = ""
	c.mu.Unlock()
	c.Sess.Touch()
}

// handleOPER implements §4.F operator authentication: look up the named
// operator record (the persistence façade, seeded from `[[operators]]` at
// startup, is authoritative when persistence is configured; the config
// snapshot itself is the fallback otherwise), verify the password against
// its Argon2 hash, verify the connection's source mask, then grant +o.
func handleOPER(s *Server, c *Client, msg *protocol.Message) {
	name, pass := msg.Get(0), msg.Get(1)
	cfg := s.Config()

	var rec *struct{ Password, Mask string }
	if s.Store != nil {
		if o, err := s.Store.LookupOperator(name); err == nil {
			rec = &struct{ Password, Mask string }{o.Password, o.Mask}
		} else if !errors.Is(err, store.ErrNotFound) {
			slog.Error("operator lookup failed", "name", name, "err", err)
		}
	}
	if rec == nil {
		for _, o := range cfg.Operators {
			if o.Name == name {
				rec = &struct{ Password, Mask string }{o.Password, o.Mask}
				break
			}
		}
	}
	if rec == nil {
		s.reply(c, numerics.ERR_PASSWDMISMATCH, c.nickOf(), "Password incorrect")
		return
	}
	ok, err := store.VerifyPassword(pass, rec.Password)
	if err != nil || !ok {
		s.reply(c, numerics.ERR_PASSWDMISMATCH, c.nickOf(), "Password incorrect")
		return
	}
	if rec.Mask != "" && !casefold.Match(rec.Mask, c.User.RealMask()) {
		s.reply(c, numerics.ERR_NOOPERHOST, c.nickOf(), "No O-lines for your host")
		return
	}
	c.User.SetMode('o', true)
	s.opCount.Add(1)
	s.reply(c, numerics.RPL_YOUREOPER, c.nickOf(), "You are now an IRC operator")
	s.announce(c.Sess, c.User.Mask(), "MODE", c.User.Nick, "+o")
}
