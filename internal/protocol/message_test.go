package protocol

import (
	"strings"
	"testing"
)

func TestParseBasic(t *testing.T) {
	m, err := Parse("PRIVMSG #t :hi there")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Command != "PRIVMSG" {
		t.Fatalf("command = %q", m.Command)
	}
	if m.Get(0) != "#t" {
		t.Fatalf("param0 = %q", m.Get(0))
	}
	if m.Trailing() != "hi there" {
		t.Fatalf("trailing = %q", m.Trailing())
	}
}

func TestParsePrefixAndCaseFolding(t *testing.T) {
	m, err := Parse(":alice!a@host privmsg bob :hello")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Prefix != "alice!a@host" {
		t.Fatalf("prefix = %q", m.Prefix)
	}
	if m.Command != "PRIVMSG" {
		t.Fatalf("command should be upper-cased, got %q", m.Command)
	}
}

func TestParseEmptyParamsPreserved(t *testing.T) {
	m, err := Parse("MODE #t +b  *!*@bad")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(m.Params) != 4 || m.Params[2] != "" {
		t.Fatalf("expected empty positional param, got %#v", m.Params)
	}
}

func TestParseTags(t *testing.T) {
	m, err := Parse("@id=123;label=a\\sb PRIVMSG #t :hi")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	v, ok := m.Tag("id")
	if !ok || v != "123" {
		t.Fatalf("tag id = %q, %v", v, ok)
	}
	v, ok = m.Tag("label")
	if !ok || v != "a b" {
		t.Fatalf("tag label unescape = %q", v)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"PING :abc123",
		"NICK alice",
		"USER a 0 * :A Real Name",
		":irc.example.net 001 alice :Welcome to the network",
	}
	for _, line := range cases {
		m, err := Parse(line)
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		out := strings.TrimSuffix(string(m.MarshalText()), "\r\n")
		m2, err := Parse(out)
		if err != nil {
			t.Fatalf("reparse %q: %v", out, err)
		}
		if m2.Command != m.Command || m2.Trailing() != m.Trailing() {
			t.Fatalf("round trip mismatch: %q -> %q", line, out)
		}
	}
}

func TestMarshalTrailingWithLeadingColon(t *testing.T) {
	m := &Message{Command: "PRIVMSG", Params: []string{"#t", ":not really a tag"}}
	out := string(m.MarshalText())
	if !strings.Contains(out, "PRIVMSG #t ::not really a tag") {
		t.Fatalf("expected colon-prefixed trailing escaped with leading ':', got %q", out)
	}
}

func TestMarshalTruncatesOversizedLine(t *testing.T) {
	m := &Message{Command: "PRIVMSG", Params: []string{"#t", strings.Repeat("x", 1000)}}
	out := m.MarshalText()
	if len(out) != MaxLineLength {
		t.Fatalf("expected truncation to %d bytes, got %d", MaxLineLength, len(out))
	}
	if !strings.HasSuffix(string(out), "\r\n") {
		t.Fatalf("truncated line must still end in CRLF")
	}
}

func TestNumeric(t *testing.T) {
	m := Numeric("irc.example.net", 1, "alice", "Welcome")
	if m.Command != "001" {
		t.Fatalf("code = %q", m.Command)
	}
}
