package session

import (
	"bufio"
	"net"
	"testing"
	"time"
)

func newPipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	s := New("test-session", server)
	t.Cleanup(func() { s.Close() })
	return s, client
}

func TestSessionReadMessage(t *testing.T) {
	s, client := newPipeSession(t)
	go client.Write([]byte("NICK alice\r\n"))

	msg, err := s.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Command != "NICK" || msg.Get(0) != "alice" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestSessionEnqueueDelivers(t *testing.T) {
	s, client := newPipeSession(t)
	r := bufio.NewReader(client)

	if err := s.Enqueue([]byte("PING :abc\r\n")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read from client: %v", err)
	}
	if line != "PING :abc\r\n" {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestSessionStateTransitions(t *testing.T) {
	s, _ := newPipeSession(t)
	if s.State() != StateUnregistered {
		t.Fatalf("expected initial state unregistered, got %v", s.State())
	}
	s.SetState(StateRegistered)
	if s.State() != StateRegistered {
		t.Fatalf("expected registered, got %v", s.State())
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	s, _ := newPipeSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel should be closed after Close")
	}
}

func TestSessionEnqueueAfterCloseErrors(t *testing.T) {
	s, _ := newPipeSession(t)
	s.Close()
	if err := s.Enqueue([]byte("X\r\n")); err == nil {
		t.Fatalf("expected error enqueueing to a closed session")
	}
}

func TestSessionTouchUpdatesIdle(t *testing.T) {
	s, _ := newPipeSession(t)
	before := s.IdleSeconds()
	s.Touch()
	after := s.IdleSeconds()
	if after > before+1 {
		t.Fatalf("expected idle time to reset, before=%d after=%d", before, after)
	}
}
