package dispatch

import (
	"net"
	"strings"
	"testing"
	"time"

	"ircd/internal/config"
	"ircd/internal/protocol"
	"ircd/internal/registry"
	"ircd/internal/relay"
	"ircd/internal/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Name: "irc.test.net", Network: "TestNet", MaxJoins: 20, MOTD: "Welcome"}
	reg := registry.New(registry.Config{})
	return NewServer(cfg, reg, nil, relay.NewNopPublisher())
}

func newTestClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	sess := session.New("c1", server)
	t.Cleanup(func() { sess.Close() })
	return NewClient(sess), peer
}

func readLines(t *testing.T, conn net.Conn, n int) []string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8192)
	var all []byte
	for len(strings.Split(string(all), "\r\n"))-1 < n {
		m, err := conn.Read(buf)
		if err != nil {
			break
		}
		all = append(all, buf[:m]...)
	}
	lines := strings.Split(strings.TrimRight(string(all), "\r\n"), "\r\n")
	return lines
}

func TestHandshakeSendsWelcomeBurst(t *testing.T) {
	s := newTestServer(t)
	c, peer := newTestClient(t)
	defer peer.Close()

	go func() {
		nick, _ := protocol.Parse("NICK alice")
		s.Dispatch(c, nick)
		user, _ := protocol.Parse("USER a 0 * :Alice Example")
		s.Dispatch(c, user)
	}()

	lines := readLines(t, peer, 13)
	if !strings.Contains(lines[0], " 001 ") {
		t.Fatalf("expected 001 welcome first, got %q", lines[0])
	}
	foundMotdEnd := false
	for _, l := range lines {
		if strings.Contains(l, " 376 ") {
			foundMotdEnd = true
		}
	}
	if !foundMotdEnd {
		t.Fatalf("expected 376 end-of-motd in burst, got %v", lines)
	}
}

func TestNickCollisionLocal(t *testing.T) {
	s := newTestServer(t)
	cAlice, peerAlice := newTestClient(t)
	defer peerAlice.Close()
	go func() {
		n, _ := protocol.Parse("NICK bob")
		s.Dispatch(cAlice, n)
		u, _ := protocol.Parse("USER a 0 * :A")
		s.Dispatch(cAlice, u)
	}()
	readLines(t, peerAlice, 13)

	cBob, peerBob := newTestClient(t)
	defer peerBob.Close()
	go func() {
		n, _ := protocol.Parse("NICK bob")
		s.Dispatch(cBob, n)
	}()
	lines := readLines(t, peerBob, 1)
	if !strings.Contains(lines[0], " 433 ") {
		t.Fatalf("expected 433 nick-in-use, got %v", lines)
	}
	if u, ok := s.Reg.Lookup("bob"); !ok || u != cAlice.User {
		t.Fatalf("registry nick should still point at the original owner")
	}
}

func TestJoinAndBroadcast(t *testing.T) {
	s := newTestServer(t)
	cAlice, peerAlice := newTestClient(t)
	defer peerAlice.Close()
	cBob, peerBob := newTestClient(t)
	defer peerBob.Close()

	register := func(c *Client, nick string) {
		n, _ := protocol.Parse("NICK " + nick)
		s.Dispatch(c, n)
		u, _ := protocol.Parse("USER u 0 * :Real")
		s.Dispatch(c, u)
	}
	go register(cAlice, "alice")
	readLines(t, peerAlice, 13)
	go register(cBob, "bob")
	readLines(t, peerBob, 13)

	go func() {
		j, _ := protocol.Parse("JOIN #t")
		s.Dispatch(cAlice, j)
	}()
	readLines(t, peerAlice, 4)

	go func() {
		j, _ := protocol.Parse("JOIN #t")
		s.Dispatch(cBob, j)
	}()
	readLines(t, peerBob, 4)
	aliceJoinNotice := readLines(t, peerAlice, 1)

	go func() {
		m, _ := protocol.Parse("PRIVMSG #t :hi")
		s.Dispatch(cAlice, m)
	}()
	bobMsg := readLines(t, peerBob, 1)

	if !strings.Contains(strings.Join(aliceJoinNotice, ""), "JOIN") {
		t.Fatalf("alice should see bob's JOIN, got %v", aliceJoinNotice)
	}
	if !strings.Contains(strings.Join(bobMsg, ""), "PRIVMSG #t :hi") {
		t.Fatalf("bob should receive the PRIVMSG, got %v", bobMsg)
	}
}

func TestBanEnforcementViaDispatch(t *testing.T) {
	s := newTestServer(t)
	cOp, peerOp := newTestClient(t)
	defer peerOp.Close()
	n, _ := protocol.Parse("NICK op")
	s.Dispatch(cOp, n)
	u, _ := protocol.Parse("USER u 0 * :Real")
	s.Dispatch(cOp, u)
	j, _ := protocol.Parse("JOIN #t")
	s.Dispatch(cOp, j)

	m, _ := protocol.Parse("MODE #t +b *!*@bad.example")
	s.Dispatch(cOp, m)

	cEve, peerEve := newTestClient(t)
	defer peerEve.Close()
	n2, _ := protocol.Parse("NICK eve")
	s.Dispatch(cEve, n2)
	u2, _ := protocol.Parse("USER e 0 * :Eve")
	s.Dispatch(cEve, u2)
	cEve.User.Host = "bad.example"

	go func() {
		j2, _ := protocol.Parse("JOIN #t")
		s.Dispatch(cEve, j2)
	}()
	lines := readLines(t, peerEve, 14)
	if !strings.Contains(strings.Join(lines, ""), " 474 ") {
		t.Fatalf("expected 474 banned, got %v", lines)
	}
}
