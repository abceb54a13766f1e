package dispatch

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"ircd/internal/casefold"
	"ircd/internal/numerics"
	"ircd/internal/protocol"
)

func init() {
	register("MOTD", handlerSpec{fn: handleMOTD, minParams: 0, requireReg: true})
	register("LUSERS", handlerSpec{fn: handleLUSERS, minParams: 0, requireReg: true})
	register("VERSION", handlerSpec{fn: handleVERSION, minParams: 0, requireReg: true})
	register("STATS", handlerSpec{fn: handleSTATS, minParams: 0, requireReg: true})
	register("TIME", handlerSpec{fn: handleTIME, minParams: 0, requireReg: true})
	register("ADMIN", handlerSpec{fn: handleADMIN, minParams: 0, requireReg: true})
	register("INFO", handlerSpec{fn: handleINFO, minParams: 0, requireReg: true})
	register("WHO", handlerSpec{fn: handleWHO, minParams: 0, requireReg: true})
	register("WHOIS", handlerSpec{fn: handleWHOIS, minParams: 1, requireReg: true})
	register("WHOWAS", handlerSpec{fn: handleWHOWAS, minParams: 1, requireReg: true})
	register("KILL", handlerSpec{fn: handleKILL, minParams: 2, requireReg: true, requireOper: true})
	register("REHASH", handlerSpec{fn: handleREHASH, minParams: 0, requireReg: true, requireOper: true})
}

// sendWelcome emits the registration burst: 001-005, LUSERS, MOTD, default
// modes (§4.B).
func sendWelcome(s *Server, c *Client) {
	cfg := s.Config()
	nick := c.User.Nick
	s.reply(c, numerics.RPL_WELCOME, nick, "Welcome to the "+cfg.Network+" Network, "+nick)
	s.reply(c, numerics.RPL_YOURHOST, nick, "Your host is "+cfg.Name+", running this ircd")
	s.reply(c, numerics.RPL_CREATED, nick, "This server was created "+s.startTime.Format(time.RFC1123))
	s.reply(c, numerics.RPL_MYINFO, nick, cfg.Name, "ircd-1.0", "o", "beI,k,l,imnpstr")
	isupport := append(numerics.ISupportTokens(cfg.Network, 30, 50), "are supported by this server")
	s.reply(c, numerics.RPL_ISUPPORT, nick, isupport...)
	sendLusers(s, c)
	sendMotd(s, c)
	if modes := c.User.ModeString(); modes != "" {
		s.announce(c.Sess, nick, "MODE", nick, modes)
	}
}

func handleMOTD(s *Server, c *Client, msg *protocol.Message) {
	sendMotd(s, c)
}

func sendMotd(s *Server, c *Client) {
	cfg := s.Config()
	if cfg.MOTD == "" {
		s.reply(c, numerics.ERR_NOMOTD, c.nickOf(), "MOTD File is missing")
		return
	}
	s.reply(c, numerics.RPL_MOTDSTART, c.nickOf(), "- "+cfg.Name+" Message of the day -")
	for _, line := range strings.Split(cfg.MOTD, "\n") {
		s.reply(c, numerics.RPL_MOTD, c.nickOf(), "- "+line)
	}
	s.reply(c, numerics.RPL_ENDOFMOTD, c.nickOf(), "End of /MOTD command")
}

func handleLUSERS(s *Server, c *Client, msg *protocol.Message) { sendLusers(s, c) }

func sendLusers(s *Server, c *Client) {
	total := s.Reg.UserCount()
	chans := len(s.Reg.Channels())
	s.reply(c, numerics.RPL_LUSERCLIENT, c.nickOf(), strconv.Itoa(total)+" users on 1 server")
	s.reply(c, numerics.RPL_LUSEROP, c.nickOf(), strconv.FormatInt(s.opCount.Load(), 10), "IRC Operators online")
	s.reply(c, numerics.RPL_LUSERUNKNOWN, c.nickOf(), strconv.FormatInt(s.unknownConn.Load(), 10), "unknown connection(s)")
	s.reply(c, numerics.RPL_LUSERCHANNELS, c.nickOf(), strconv.Itoa(chans), "channels formed")
	s.reply(c, numerics.RPL_LUSERME, c.nickOf(), "I have "+strconv.Itoa(total)+" clients and 1 server")
}

func handleVERSION(s *Server, c *Client, msg *protocol.Message) {
	s.reply(c, numerics.RPL_VERSION, c.nickOf(), "ircd-1.0", s.Config().Name, "")
}

func handleSTATS(s *Server, c *Client, msg *protocol.Message) {
	s.reply(c, numerics.RPL_ENDOFINFO, c.nickOf(), "End of /STATS report")
}

func handleTIME(s *Server, c *Client, msg *protocol.Message) {
	s.reply(c, numerics.RPL_TIME, c.nickOf(), s.Config().Name, time.Now().Format(time.RFC1123))
}

func handleADMIN(s *Server, c *Client, msg *protocol.Message) {
	cfg := s.Config()
	s.reply(c, numerics.RPL_ADMINME, c.nickOf(), cfg.Name, "Administrative info about "+cfg.Name)
	s.reply(c, numerics.RPL_ADMINLOC1, c.nickOf(), cfg.AdminInfo)
	s.reply(c, numerics.RPL_ADMINLOC2, c.nickOf(), cfg.AdminInfo2)
	s.reply(c, numerics.RPL_ADMINEMAIL, c.nickOf(), cfg.Info)
}

func handleINFO(s *Server, c *Client, msg *protocol.Message) {
	s.reply(c, numerics.RPL_INFO, c.nickOf(), s.Config().Info)
	s.reply(c, numerics.RPL_ENDOFINFO, c.nickOf(), "End of /INFO list")
}

func handleWHO(s *Server, c *Client, msg *protocol.Message) {
	mask := msg.Get(0)
	for _, u := range s.Reg.Users() {
		if mask != "" && mask != "0" && !casefold.Match(mask, u.Nick) && !casefold.Match(mask, u.RealMask()) {
			continue
		}
		flags := "H"
		if u.HasMode('o') {
			flags += "*"
		}
		s.reply(c, numerics.RPL_WHOREPLY, c.nickOf(), "*", u.Username, u.VisibleHost(), s.Config().Name,
			u.Nick, flags, "0 "+u.RealName)
	}
	s.reply(c, numerics.RPL_ENDOFWHO, c.nickOf(), mask, "End of /WHO list")
}

func handleWHOIS(s *Server, c *Client, msg *protocol.Message) {
	nick := msg.Get(0)
	u, ok := s.Reg.Lookup(nick)
	if !ok {
		s.reply(c, numerics.ERR_NOSUCHNICK, nick, "No such nick/channel")
		s.reply(c, numerics.RPL_ENDOFWHOIS, nick, "End of /WHOIS list")
		return
	}
	s.reply(c, numerics.RPL_WHOISUSER, c.nickOf(), u.Nick, u.Username, u.VisibleHost(), "*", u.RealName)
	s.reply(c, numerics.RPL_WHOISSERVER, c.nickOf(), u.Nick, s.Config().Name, s.Config().Info)
	if u.HasMode('o') {
		s.reply(c, numerics.RPL_WHOISOPERATOR, c.nickOf(), u.Nick, "is an IRC operator")
	}
	idleSecs := strconv.FormatInt(time.Since(u.IdleSince).Milliseconds()/1000, 10)
	s.reply(c, numerics.RPL_WHOISIDLE, c.nickOf(), u.Nick, idleSecs, strconv.FormatInt(u.SignonTime.Unix(), 10), "seconds idle, signon time")
	var chans []string
	for _, ch := range s.Reg.Channels() {
		if rank, member := ch.MemberRankOf(casefold.Fold(u.Nick)); member {
			chans = append(chans, rank.Prefix()+ch.Name)
		}
	}
	if len(chans) > 0 {
		s.reply(c, numerics.RPL_WHOISCHANNELS, c.nickOf(), u.Nick, strings.Join(chans, " "))
	}
	s.reply(c, numerics.RPL_ENDOFWHOIS, c.nickOf(), u.Nick, "End of /WHOIS list")
}

func handleWHOWAS(s *Server, c *Client, msg *protocol.Message) {
	nick := msg.Get(0)
	hist := s.lookupWhowas(nick)
	if len(hist) == 0 {
		s.reply(c, numerics.ERR_WASNOSUCHNICK, nick, "There was no such nickname")
		s.reply(c, numerics.RPL_ENDOFWHOWAS, nick, "End of WHOWAS")
		return
	}
	for _, e := range hist {
		s.reply(c, numerics.RPL_WHOWASUSER, c.nickOf(), e.nick, e.user, e.host, "*", e.real)
	}
	s.reply(c, numerics.RPL_ENDOFWHOWAS, nick, "End of WHOWAS")
}

func handleKILL(s *Server, c *Client, msg *protocol.Message) {
	nick, reason := msg.Get(0), msg.Trailing()
	target, ok := s.Reg.Lookup(nick)
	if !ok {
		s.reply(c, numerics.ERR_NOSUCHNICK, nick, "No such nick/channel")
		return
	}
	peers := s.Reg.Unregister(target)
	s.recordWhowas(target)
	quitMsg := "Killed (" + c.User.Nick + " (" + reason + "))"
	for _, p := range peers {
		s.announce(p, target.Mask(), "QUIT", quitMsg)
	}
	s.announce(target.Session, c.User.Mask(), "KILL", nick, reason)
	target.Session.Enqueue((&protocol.Message{Command: "ERROR", Params: []string{"Closing Link: " + quitMsg}, HadTrailing: true}).MarshalText())
	target.Session.Close()
}

func handleREHASH(s *Server, c *Client, msg *protocol.Message) {
	if err := s.RehashFromDisk(); err != nil {
		slog.Error("rehash failed", "err", err)
		s.reply(c, numerics.RPL_REHASHING, c.nickOf(), s.ConfigPath, "Rehash failed: "+err.Error())
		return
	}
	s.reply(c, numerics.RPL_REHASHING, c.nickOf(), s.ConfigPath, "Rehashing")
}
