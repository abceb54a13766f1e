// Package session implements the per-connection state machine (§4.B): a
// transport-independent wrapper over any io.ReadWriteCloser that reads IRC
// lines, applies flood control, and writes outbound lines through a
// bounded, backpressured queue — the same discipline client.go applies to
// a client's control stream, generalized from a single mutex-guarded
// writer to a queued writer so a slow reader can't stall the broadcast
// fan-out in registry.BroadcastMessage.
package session

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"ircd/internal/protocol"
)

// State is the connection's position in the registration state machine.
type State int32

const (
	StateUnregistered State = iota
	StateCapNegotiating
	StateAuthPending
	StateRegistered
	StateQuitting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateCapNegotiating:
		return "cap-negotiating"
	case StateAuthPending:
		return "auth-pending"
	case StateRegistered:
		return "registered"
	case StateQuitting:
		return "quitting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// outboxDepth bounds the per-session outbound queue. A session that can't
// keep up with its queue is disconnected rather than allowed to apply
// backpressure to the rest of the server (§4.B, §5).
const outboxDepth = 256

// Flood control token bucket parameters (§4.B): PRIVMSG/NOTICE consume
// more tokens per message than other commands, so a connection can still
// PING/PONG and send the occasional command while chat-flooding is capped.
const (
	floodRatePerSec  = 2.0
	floodBurst       = 10
	floodCostPrivmsg = 3
	floodCostDefault = 1
)

// Session is one connected client, independent of whether the underlying
// transport is plain TCP, TLS, or WebSocket — all three produce the same
// byte stream by the time they reach here.
type Session struct {
	id   string
	conn net.Conn
	rd   *protocol.LineReader

	state atomic.Int32

	outMu  sync.Mutex
	closed bool
	out    chan []byte

	limiter *rate.Limiter

	lastActivity atomic.Int64 // unix seconds, updated on any inbound line

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New wraps conn in a Session with the given stable identifier (typically
// a uuid.New().String(), per SPEC_FULL.md §2.2's google/uuid row).
func New(id string, conn net.Conn) *Session {
	s := &Session{
		id:      id,
		conn:    conn,
		rd:      protocol.NewLineReader(conn),
		out:     make(chan []byte, outboxDepth),
		limiter: rate.NewLimiter(rate.Limit(floodRatePerSec), floodBurst),
		closeCh: make(chan struct{}),
	}
	s.state.Store(int32(StateUnregistered))
	s.lastActivity.Store(time.Now().Unix())
	go s.writeLoop()
	return s
}

// ID implements registry.SessionHandle.
func (s *Session) ID() string { return s.id }

// State returns the current registration state.
func (s *Session) State() State { return State(s.state.Load()) }

// SetState transitions the session to a new state.
func (s *Session) SetState(st State) { s.state.Store(int32(st)) }

// RemoteHost returns the peer's address without the port, for host masks.
func (s *Session) RemoteHost() string {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return s.conn.RemoteAddr().String()
	}
	return host
}

// Touch records inbound activity, resetting the PING idle timer.
func (s *Session) Touch() { s.lastActivity.Store(time.Now().Unix()) }

// IdleSeconds returns how long it's been since the last inbound line.
func (s *Session) IdleSeconds() int64 { return time.Now().Unix() - s.lastActivity.Load() }

// AllowFlood reports whether a message of the given estimated cost may be
// sent now, consuming from the token bucket if so. privmsgLike marks
// PRIVMSG/NOTICE, which cost more tokens than other commands.
func (s *Session) AllowFlood(privmsgLike bool) bool {
	cost := floodCostDefault
	if privmsgLike {
		cost = floodCostPrivmsg
	}
	return s.limiter.AllowN(time.Now(), cost)
}

// ReadMessage blocks for the next parsed line from the client, applying
// protocol.Parse and updating the idle timer.
func (s *Session) ReadMessage() (*protocol.Message, error) {
	line, err := s.rd.ReadLine()
	if err != nil {
		return nil, err
	}
	s.Touch()
	return protocol.Parse(line)
}

// Enqueue implements registry.SessionHandle: it queues a pre-marshaled
// line for delivery without blocking the caller. A full queue closes the
// session (the client is too slow to keep up, §4.B "Excess Flood"-style
// disconnect) rather than stalling the broadcaster holding the snapshot.
func (s *Session) Enqueue(line []byte) error {
	s.outMu.Lock()
	if s.closed {
		s.outMu.Unlock()
		return io.ErrClosedPipe
	}
	s.outMu.Unlock()

	select {
	case s.out <- line:
		return nil
	default:
		slog.Warn("session outbox full, disconnecting", "session", s.id)
		s.Close()
		return io.ErrShortWrite
	}
}

// SendNumeric is a convenience wrapper around Enqueue for numeric replies.
func (s *Session) SendNumeric(msg *protocol.Message) error {
	return s.Enqueue(msg.MarshalText())
}

func (s *Session) writeLoop() {
	w := bufio.NewWriter(s.conn)
	for {
		select {
		case line, ok := <-s.out:
			if !ok {
				return
			}
			if _, err := w.Write(line); err != nil {
				s.Close()
				return
			}
			if err := w.Flush(); err != nil {
				s.Close()
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// Close shuts the session down exactly once: stops the write loop and
// closes the underlying connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.outMu.Lock()
		s.closed = true
		s.outMu.Unlock()
		close(s.closeCh)
		s.state.Store(int32(StateClosed))
		s.conn.Close()
	})
	return nil
}

// Done reports a channel closed once the session has shut down, for
// callers that want to wait on session teardown (e.g. PING-timeout loop).
func (s *Session) Done() <-chan struct{} { return s.closeCh }
