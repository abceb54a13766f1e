// Command ircd runs the server: flag parsing, subcommand dispatch, listener
// bootstrap, and signal-driven graceful shutdown, grounded on the teacher's
// server/main.go (flag.*, context.WithCancel + os/signal, a goroutine per
// background ticker loop) and server/cli.go (subcommand table ahead of
// flag.Parse).
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"ircd/internal/adminapi"
	"ircd/internal/casefold"
	"ircd/internal/config"
	"ircd/internal/dispatch"
	"ircd/internal/metrics"
	"ircd/internal/registry"
	"ircd/internal/relay"
	"ircd/internal/store"
	"ircd/internal/transport"
)

// seedChannelPresets registers each `[[channels]]` config entry as a
// registry.ChannelPreset so the declared topic, mode/ban/exception lists,
// and rank lists (founders/protecteds/operators/half_operators/voices) take
// effect the moment someone actually creates that channel with a JOIN —
// never as a standing zero-member record, which would violate the "a
// channel with zero members does not exist" invariant (§3).
func seedChannelPresets(reg *registry.Registry, channels []config.PreregisteredChannel) {
	for _, ch := range channels {
		m := ch.Modes
		modes := map[registry.ChannelMode]bool{
			registry.ChannelMode('m'): m.Moderated,
			registry.ChannelMode('i'): m.InviteOnly,
			registry.ChannelMode('s'): m.Secret,
			registry.ChannelMode('t'): m.ProtectedTopic,
			registry.ChannelMode('n'): m.NoExternalMessages,
			registry.ChannelMode('r'): m.Registered,
		}
		reg.SetPreset(ch.Name, registry.ChannelPreset{
			Topic:            ch.Topic,
			Modes:            modes,
			Key:              m.Key,
			Bans:             m.Bans,
			Exceptions:       m.Exceptions,
			InviteExceptions: m.InviteExceptions,
			Founders:         m.Founders,
			Protecteds:       m.Protecteds,
			Operators:        m.Operators,
			HalfOperators:    m.HalfOperators,
			Voices:           m.Voices,
		})
	}
}

// seedAccounts mirrors the config's declarative `[[operators]]`, `[[users]]`,
// and registered `[[channels]]` entries into the persistence façade at
// startup (§4.H), so the façade's cache/backing store reflects every
// config-declared account the instant the server comes up rather than
// staying empty until some runtime event happens to populate it. handleOPER
// consults the façade first and falls back to the config snapshot when no
// store is configured or the façade has no record of that name; the
// registration nick-claim check consults only the façade.
func seedAccounts(facade *store.Facade, cfg *config.Config) {
	for _, o := range cfg.Operators {
		facade.SaveOperator(store.Operator{Name: o.Name, Password: o.Password, Mask: o.Mask})
	}
	for _, u := range cfg.Users {
		facade.SaveNick(store.RegisteredNick{
			Nick:      casefold.Fold(u.Nick),
			Password:  u.Password,
			Mask:      u.Mask,
			CreatedAt: time.Now(),
		})
	}
	for _, ch := range cfg.Channels {
		if !ch.Modes.Registered {
			continue
		}
		facade.SaveChannel(store.RegisteredChannel{
			Name:      casefold.Fold(ch.Name),
			Topic:     ch.Topic,
			ModesJSON: channelModesJSON(ch.Modes),
		})
	}
}

// channelModesJSON renders the subset of `[channels.modes]` that map onto
// single-letter channel modes as the opaque JSON blob RegisteredChannel
// stores (§4.H).
func channelModesJSON(m config.ChannelModes) string {
	blob, err := json.Marshal(map[string]bool{
		"m": m.Moderated, "i": m.InviteOnly, "s": m.Secret,
		"t": m.ProtectedTopic, "n": m.NoExternalMessages, "r": m.Registered,
	})
	if err != nil {
		return "{}"
	}
	return string(blob)
}

// Version is set at build time via -ldflags, the same convention the
// teacher's api.go uses for its /api/version endpoint.
var Version = "0.1.0-dev"

// Exit codes per SPEC_FULL.md §CLI: 0 clean shutdown, 1 config error,
// 2 bind error, 3 fatal runtime.
const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
	exitFatal       = 3
)

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	configPath := flag.String("c", "", "path to the TOML configuration file")
	genHash := flag.Bool("g", false, "print an Argon2 hash of a password and exit")
	genPassword := flag.String("P", "", "password to hash with -g (prompted from stdin if empty)")
	logLevel := flag.String("log-level", "", "override the configured log level")
	daemon := flag.Bool("daemon", false, "detach from the controlling terminal")
	flag.Parse()

	if *genHash {
		runGenHash(*genPassword)
		return
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "ircd: -c <config.toml> is required")
		os.Exit(exitConfigError)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ircd: %v\n", err)
		os.Exit(exitConfigError)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	setupLogging(cfg.LogLevel, cfg.LogFile)

	if *daemon {
		daemonize()
	}

	os.Exit(run(cfg, *configPath))
}

// setupLogging configures the default slog logger the way a production
// ircd would: leveled, optionally to a file, always structured.
func setupLogging(level, file string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	out := os.Stdout
	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Printf("[ircd] could not open log file %s: %v, logging to stdout", file, err)
		} else {
			slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: lvl})))
			return
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})))
}

// run wires the registry, persistence façade, relay bus, listeners, and
// admin API together and blocks until shutdown. Returns the process exit
// code.
func run(cfg *config.Config, configPath string) int {
	reg := registry.New(registry.Config{MaxJoins: cfg.MaxJoins})
	seedChannelPresets(reg, cfg.Channels)

	var facade *store.Facade
	if cfg.DB.Database != "" {
		st, err := store.Open(cfg.DB.Database, cfg.DB.URL)
		if err != nil {
			slog.Error("store open failed", "err", err)
			return exitConfigError
		}
		defer st.Close()
		facade, err = store.NewFacade(st)
		if err != nil {
			slog.Error("facade init failed", "err", err)
			return exitConfigError
		}
		defer facade.Close()
		seedAccounts(facade, cfg)
	}

	var publisher relay.Publisher = relay.NewNopPublisher()
	if cfg.AMQP.URL != "" {
		bus, err := relay.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.Queue)
		if err != nil {
			slog.Error("relay dial failed", "err", err)
			return exitFatal
		}
		defer bus.Close()
		publisher = bus
	}

	srv := dispatch.NewServer(cfg, reg, facade, publisher)
	srv.ConfigPath = configPath

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	if bus, ok := publisher.(*relay.Bus); ok {
		go func() {
			if err := bus.Consume(ctx, srv.HandleRelayEvent); err != nil {
				slog.Error("relay consume stopped", "err", err)
			}
		}()
	}

	go metrics.Run(ctx, reg, 5*time.Second)

	listeners, err := startListeners(ctx, cfg, srv)
	if err != nil {
		slog.Error("listener bind failed", "err", err)
		return exitBindError
	}
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	if cfg.Admin.Listen != "" {
		admin := adminapi.New(srv, srv, cfg.Admin.Token)
		addr := net.JoinHostPort(cfg.Admin.Listen, strconv.Itoa(cfg.Admin.Port))
		go admin.Run(ctx, addr)
		slog.Info("admin API listening", "addr", addr)
	}

	<-ctx.Done()
	return exitOK
}

// startListeners binds one net.Listener per `[[listeners]]` entry and
// starts its accept loop. WebSocket listeners run an http.Server with a
// single /ws route instead of a raw TCP accept loop, mirroring the
// teacher's server.go upgrade handler.
func startListeners(ctx context.Context, cfg *config.Config, srv *dispatch.Server) ([]io.Closer, error) {
	var closers []io.Closer
	for _, lc := range cfg.Listeners {
		addr := net.JoinHostPort(lc.Listen, strconv.Itoa(lc.Port))
		if lc.WebSocket {
			closer, err := startWebSocketListener(ctx, addr, lc, srv)
			if err != nil {
				return nil, err
			}
			closers = append(closers, closer)
			continue
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		if lc.TLS != nil {
			cert, err := tls.LoadX509KeyPair(lc.TLS.CertFile, lc.TLS.CertKey)
			if err != nil {
				ln.Close()
				return nil, err
			}
			ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
		}
		closers = append(closers, ln)
		slog.Info("listening", "addr", addr, "tls", lc.TLS != nil)
		go acceptLoop(ctx, ln, srv)
	}
	return closers, nil
}

func acceptLoop(ctx context.Context, ln net.Listener, srv *dispatch.Server) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("accept error", "err", err)
				return
			}
		}
		if max := srv.Config().MaxConnections; max > 0 && srv.ConnCount() >= int64(max) {
			closeWithError(conn, "Too many connections")
			continue
		}
		if ip := hostOf(conn.RemoteAddr()); ip != "" {
			if max := srv.Config().MaxConnectionsPerIP; max > 0 && srv.IPConnCount(ip) >= max {
				closeWithError(conn, "Too many connections from your host")
				continue
			}
		}
		go serveConn(conn, srv)
	}
}

// hostOf extracts the bare IP from a net.Addr for per-IP connection
// counting, tolerating addresses that don't carry an explicit port.
func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

var wsUpgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

func startWebSocketListener(ctx context.Context, addr string, lc config.Listener, srv *dispatch.Server) (io.Closer, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "err", err)
			return
		}
		wsConn := transport.NewWSConn(ws)
		if max := srv.Config().MaxConnections; max > 0 && srv.ConnCount() >= int64(max) {
			closeWithError(wsConn, "Too many connections")
			return
		}
		if ip := hostOf(wsConn.RemoteAddr()); ip != "" {
			if max := srv.Config().MaxConnectionsPerIP; max > 0 && srv.IPConnCount(ip) >= max {
				closeWithError(wsConn, "Too many connections from your host")
				return
			}
		}
		go serveConn(wsConn, srv)
	})
	httpSrv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if lc.TLS != nil {
		cert, err := tls.LoadX509KeyPair(lc.TLS.CertFile, lc.TLS.CertKey)
		if err != nil {
			ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("websocket listener error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutCtx)
	}()
	slog.Info("listening (websocket)", "addr", addr, "tls", lc.TLS != nil)
	return ln, nil
}

// runGenHash implements `ircd -g [-P password]`: prints an Argon2 hash of
// stdin or -P to stdout and exits 0, per SPEC_FULL.md §CLI.
func runGenHash(password string) {
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		var raw [256]byte
		n, _ := os.Stdin.Read(raw[:])
		password = string(raw[:n])
		for len(password) > 0 && (password[len(password)-1] == '\n' || password[len(password)-1] == '\r') {
			password = password[:len(password)-1]
		}
	}
	hash, err := store.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ircd: %v\n", err)
		os.Exit(exitFatal)
	}
	fmt.Println(hash)
	os.Exit(exitOK)
}
