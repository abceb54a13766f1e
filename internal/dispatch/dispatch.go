// Package dispatch is the command dispatcher (§4.D): a static table keyed
// by uppercase command word, mirroring the teacher's pattern of resolving
// behavior through a lookup table rather than a type switch or reflection.
package dispatch

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ircd/internal/config"
	"ircd/internal/numerics"
	"ircd/internal/protocol"
	"ircd/internal/registry"
	"ircd/internal/relay"
	"ircd/internal/session"
	"ircd/internal/store"
)

var errNoConfigPath = errors.New("dispatch: no config path set for rehash")

// Client is one connection's dispatch-level state: the transport session
// plus the registry User once registration completes. Before that,
// nickWanted/userGiven/passGiven hold the in-progress NICK/USER/PASS values.
type Client struct {
	Sess *session.Session
	User *registry.User

	mu          sync.Mutex
	nickWanted  string
	userGiven   string
	realGiven   string
	passGiven   string
	capNegOn    bool
	capsWanted  map[string]bool
	saslPending bool
	pingCookie  string
	webircHost  string
}

func NewClient(sess *session.Session) *Client {
	return &Client{Sess: sess, capsWanted: make(map[string]bool)}
}

// whowasEntry is a retained NICK/USER/HOST snapshot for the WHOWAS history.
type whowasEntry struct {
	nick, user, host, real string
	when                   time.Time
}

const whowasHistoryDepth = 10

// Server is the shared dispatch-level runtime: the registry, the live
// config snapshot (atomically swappable on REHASH), the persistence
// façade, and the relay publisher. One Server is shared by every
// connection's Client.
type Server struct {
	Reg   *registry.Registry
	Store *store.Facade
	Relay relay.Publisher

	cfg atomic.Pointer[config.Config]

	startTime time.Time

	// ConfigPath is the file REHASH reloads from (§9 "atomic config-snapshot
	// swap"). Set once by cmd/ircd at startup.
	ConfigPath string

	connCount   atomic.Int64
	opCount     atomic.Int64
	unknownConn atomic.Int64

	ipMu    sync.Mutex
	ipCount map[string]int

	whowasMu sync.Mutex
	whowas   map[string][]whowasEntry
}

// NewServer constructs the dispatcher runtime bound to cfg and its
// collaborators, and builds the static command table.
func NewServer(cfg *config.Config, reg *registry.Registry, st *store.Facade, rel relay.Publisher) *Server {
	s := &Server{
		Reg:       reg,
		Store:     st,
		Relay:     rel,
		startTime: time.Now(),
		whowas:    make(map[string][]whowasEntry),
		ipCount:   make(map[string]int),
	}
	s.cfg.Store(cfg)
	return s
}

// Config returns the current config snapshot.
func (s *Server) Config() *config.Config { return s.cfg.Load() }

// Rehash atomically swaps in a newly loaded config snapshot (§5, §9).
func (s *Server) Rehash(cfg *config.Config) { s.cfg.Store(cfg) }

// Uptime returns how long the server has been running, for STATS/LUSERS
// and the admin HTTP surface.
func (s *Server) Uptime() time.Duration { return time.Since(s.startTime) }

// ChannelCount satisfies metrics.Sampler/adminapi.StatusSource alongside
// Reg.UserCount.
func (s *Server) ChannelCount() int { return s.Reg.ChannelCount() }

// UserCount satisfies metrics.Sampler/adminapi.StatusSource.
func (s *Server) UserCount() int { return s.Reg.UserCount() }

// ConnCount returns the number of currently open connections (registered
// or not), for MaxConnections enforcement at accept time.
func (s *Server) ConnCount() int64 { return s.connCount.Load() }

// ConnOpened records a newly accepted connection as unregistered.
func (s *Server) ConnOpened() {
	s.connCount.Add(1)
	s.unknownConn.Add(1)
}

// ConnClosed records a connection's teardown, whether or not it ever
// completed registration.
func (s *Server) ConnClosed(wasRegistered bool) {
	s.connCount.Add(-1)
	if !wasRegistered {
		s.unknownConn.Add(-1)
	}
}

// ConnRegistered moves a connection from the unknown-connection count to
// the registered count once NICK+USER complete (§4.B welcome burst).
func (s *Server) ConnRegistered() { s.unknownConn.Add(-1) }

// IPConnCount returns how many currently open connections came from ip,
// for MaxConnectionsPerIP enforcement at accept time (§4.B connection caps).
func (s *Server) IPConnCount(ip string) int {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	return s.ipCount[ip]
}

// IPConnOpened records a newly accepted connection from ip. Call only
// after IPConnCount has been checked against the configured limit.
func (s *Server) IPConnOpened(ip string) {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	s.ipCount[ip]++
}

// IPConnClosed releases one slot for ip, pruning the entry once it hits
// zero so the map doesn't grow unbounded over the server's lifetime.
func (s *Server) IPConnClosed(ip string) {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	s.ipCount[ip]--
	if s.ipCount[ip] <= 0 {
		delete(s.ipCount, ip)
	}
}

// RehashFromDisk reloads the config file at ConfigPath and swaps it in,
// the same effect as the REHASH command but reachable over HTTP (§9).
func (s *Server) RehashFromDisk() error {
	if s.ConfigPath == "" {
		return errNoConfigPath
	}
	newCfg, err := config.Load(s.ConfigPath)
	if err != nil {
		return err
	}
	s.Rehash(newCfg)
	return nil
}

// recordWhowas appends a history entry for a nick that just quit or was
// killed,
// capping retained history per nick.
func (s *Server) recordWhowas(u *registry.User) {
	key := strings.ToLower(u.Nick)
	e := whowasEntry{nick: u.Nick, user: u.Username, host: u.VisibleHost(), real: u.RealName, when: time.Now()}
	s.whowasMu.Lock()
	defer s.whowasMu.Unlock()
	hist := s.whowas[key]
	hist = append(hist, e)
	if len(hist) > whowasHistoryDepth {
		hist = hist[len(hist)-whowasHistoryDepth:]
	}
	s.whowas[key] = hist
}

func (s *Server) lookupWhowas(nick string) []whowasEntry {
	s.whowasMu.Lock()
	defer s.whowasMu.Unlock()
	return append([]whowasEntry(nil), s.whowas[strings.ToLower(nick)]...)
}

// HandlerFunc handles one parsed command for one client.
type HandlerFunc func(s *Server, c *Client, msg *protocol.Message)

// handlerSpec binds a handler to its dispatch policy: minimum params,
// whether the client must already be registered, and whether oper mode is
// required (§4.D).
type handlerSpec struct {
	fn           HandlerFunc
	minParams    int
	requireReg   bool // REGISTERED required; false means allowed in either state
	requireUnreg bool // must still be UNREGISTERED (PASS/NICK/USER/CAP pre-registration)
	requireOper  bool
}

// specTable is the static command table described in §4.D/§9: each
// handlers_*.go file populates it via register() in its init function,
// keyed by uppercase command word.
var specTable = map[string]handlerSpec{}

// register is called from each handlers_*.go file's init function to
// populate specTable.
func register(cmd string, spec handlerSpec) {
	specTable[strings.ToUpper(cmd)] = spec
}

// Dispatch routes one parsed message to its handler, enforcing the
// min-param count and registration-state gating described in §4.D.
// Unknown commands yield 421; short commands yield 461.
func (s *Server) Dispatch(c *Client, msg *protocol.Message) {
	cmd := strings.ToUpper(msg.Command)
	spec, ok := specTable[cmd]
	if !ok {
		s.reply(c, numerics.ERR_UNKNOWNCOMMAND, msg.Command, "Unknown command")
		return
	}
	if len(msg.Params) < spec.minParams {
		s.reply(c, numerics.ERR_NEEDMOREPARAMS, msg.Command, "Not enough parameters")
		return
	}
	registered := c.User != nil
	if spec.requireReg && !registered {
		s.reply(c, numerics.ERR_NOTREGISTERED, "*", "You have not registered")
		return
	}
	if spec.requireUnreg && registered {
		s.reply(c, numerics.ERR_ALREADYREGISTERED, "*", "You may not reregister")
		return
	}
	if spec.requireOper && (!registered || !c.User.HasMode('o')) {
		s.reply(c, numerics.ERR_NOPRIVILEGES, "*", "Permission Denied- You're not an IRC operator")
		return
	}
	spec.fn(s, c, msg)
}

// nickOf returns the display name to use as "*" before registration or the
// live nick afterward, for numeric target fields.
func (c *Client) nickOf() string {
	if c.User != nil {
		return c.User.Nick
	}
	if c.nickWanted != "" {
		return c.nickWanted
	}
	return "*"
}

// reply sends a single numeric to c.
func (s *Server) reply(c *Client, code int, target string, params ...string) {
	msg := protocol.Numeric(s.Config().Name, code, target, params...)
	if err := c.Sess.SendNumeric(msg); err != nil {
		slog.Debug("reply enqueue failed", "err", err)
	}
}

// announce sends a non-numeric message (command form, e.g. PRIVMSG/MODE/
// QUIT) framed with the given prefix to one session.
func (s *Server) announce(sess registry.SessionHandle, prefix, command string, params ...string) {
	m := &protocol.Message{Prefix: prefix, Command: command, Params: params}
	if len(params) > 0 {
		m.HadTrailing = true
	}
	if err := sess.Enqueue(m.MarshalText()); err != nil {
		slog.Debug("announce enqueue failed", "err", err)
	}
}

// sortedStrings is a small helper used by LIST/NAMES/WHO for deterministic
// output ordering.
func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
