// Package transport adapts non-TCP byte streams into net.Conn so the
// session package never needs to know which listener produced them — the
// same "it's all bytes once handshaken" treatment SPEC_FULL.md gives the
// WebSocket framing layer. Grounded on the teacher's server.go, which
// upgrades with gorilla/websocket and hands the per-connection goroutine
// a *websocket.Conn directly; here that same *websocket.Conn is wrapped
// so it can flow through the same listener -> session.New(id, conn) path
// as a plain TCP/TLS accept.
package transport

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn adapts a *websocket.Conn to net.Conn, framing each IRC line as
// one WebSocket text message in each direction.
type WSConn struct {
	ws   *websocket.Conn
	rbuf []byte
}

// NewWSConn wraps an upgraded WebSocket connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// Read satisfies io.Reader by pulling one WebSocket message at a time and
// doling it out across however many Read calls the caller makes —
// protocol.LineReader only ever asks for whatever bufio.Scanner wants,
// so this just needs to hand back bytes in order.
func (c *WSConn) Read(p []byte) (int, error) {
	for len(c.rbuf) == 0 {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.rbuf = msg
	}
	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

// Write sends p as one WebSocket text message.
func (c *WSConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *WSConn) Close() error                       { return c.ws.Close() }
func (c *WSConn) LocalAddr() net.Addr                 { return c.ws.LocalAddr() }
func (c *WSConn) RemoteAddr() net.Addr                { return c.ws.RemoteAddr() }
func (c *WSConn) SetDeadline(t time.Time) error       { return firstErr(c.ws.SetReadDeadline(t), c.ws.SetWriteDeadline(t)) }
func (c *WSConn) SetReadDeadline(t time.Time) error   { return c.ws.SetReadDeadline(t) }
func (c *WSConn) SetWriteDeadline(t time.Time) error  { return c.ws.SetWriteDeadline(t) }

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

var _ net.Conn = (*WSConn)(nil)
var _ io.ReadWriteCloser = (*WSConn)(nil)
