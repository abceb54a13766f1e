package main

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"ircd/internal/config"
	"ircd/internal/dispatch"
	"ircd/internal/protocol"
	"ircd/internal/session"
)

// pingTickInterval picks a poll interval fine-grained enough that the
// ping-then-pong-timeout disconnect (§8 property 6) still lands close to
// ping_timeout+pong_timeout even when both are configured small (e.g. the
// ping_timeout=2/pong_timeout=1 scenario), instead of a fixed tick that can
// overshoot tight timeouts by several seconds.
func pingTickInterval(cfg *config.Config) time.Duration {
	bound := cfg.PingTimeout
	if cfg.PongTimeout < bound {
		bound = cfg.PongTimeout
	}
	interval := time.Duration(bound) * time.Second / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	return interval
}

// pingLoop sends a PING when a connection has been idle past PingTimeout
// and closes it if no traffic (including the PONG) arrives within
// PongTimeout afterward, the same idle-then-disconnect shape the spec's
// §4.B keepalive policy describes.
func pingLoop(sess *session.Session, srv *dispatch.Server) {
	ticker := time.NewTicker(pingTickInterval(srv.Config()))
	defer ticker.Stop()
	pinged := false
	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			cfg := srv.Config()
			idle := sess.IdleSeconds()
			switch {
			case !pinged && idle >= int64(cfg.PingTimeout):
				cookie := uuid.New().String()
				sess.Enqueue((&protocol.Message{Command: "PING", Params: []string{cookie}, HadTrailing: true}).MarshalText())
				pinged = true
			case pinged && idle >= int64(cfg.PingTimeout+cfg.PongTimeout):
				sess.Close()
				return
			case idle < int64(cfg.PingTimeout):
				pinged = false
			}
		}
	}
}

// serveConn runs one connection's read loop to completion: parse, dispatch,
// repeat, until the client disconnects or a fatal protocol error occurs.
// Cleanup (Unregister + QUIT broadcast) mirrors handleKILL's teardown shape.
func serveConn(conn net.Conn, srv *dispatch.Server) {
	sess := session.New(uuid.New().String(), conn)
	client := dispatch.NewClient(sess)
	defer sess.Close()

	srv.ConnOpened()
	defer func() { srv.ConnClosed(client.User != nil) }()

	ip := hostOf(conn.RemoteAddr())
	if ip != "" {
		srv.IPConnOpened(ip)
		defer srv.IPConnClosed(ip)
	}

	go pingLoop(sess, srv)

	for {
		msg, err := sess.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("connection read error", "err", err)
			}
			break
		}
		if msg == nil {
			continue
		}
		srv.Dispatch(client, msg)
		if sess.State() == session.StateClosed {
			break
		}
	}

	if client.User != nil {
		peers := srv.Reg.Unregister(client.User)
		quitMsg := "Client Quit"
		for _, p := range peers {
			p.Enqueue((&protocol.Message{Prefix: client.User.Mask(), Command: "QUIT", Params: []string{quitMsg}, HadTrailing: true}).MarshalText())
		}
	}
}

// closeWithError sends the client an ERROR line before the caller closes
// the connection, for failures detected before a session is constructed
// (e.g. exceeding MaxConnections).
func closeWithError(conn net.Conn, reason string) {
	m := &protocol.Message{Command: "ERROR", Params: []string{reason}, HadTrailing: true}
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	conn.Write(m.MarshalText())
	conn.Close()
}
