package casefold

import "testing"

func TestFold(t *testing.T) {
	if Fold("Alice[Away]") != "alice{away}" {
		t.Fatalf("fold = %q", Fold("Alice[Away]"))
	}
}

func TestEqual(t *testing.T) {
	if !Equal("Bob^", "bob~") {
		t.Fatalf("expected Bob^ == bob~ under rfc1459 folding")
	}
}

func TestMatchWildcards(t *testing.T) {
	cases := []struct {
		mask, candidate string
		want            bool
	}{
		{"*!*@bad.example", "eve!e@bad.example", true},
		{"*!*@bad.example", "eve!e@good.example", false},
		{"a?c!*@*", "abc!u@host", true},
		{"a?c!*@*", "abcd!u@host", false},
		{"NICK!*@*", "nick!u@h", true}, // case-insensitive
	}
	for _, c := range cases {
		if got := Match(c.mask, c.candidate); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.mask, c.candidate, got, c.want)
		}
	}
}

func TestMatchCasefoldInvariant(t *testing.T) {
	mask, cand := "Foo!*@*", "FOO!x@y"
	if Match(mask, cand) != Match(Fold(mask), Fold(cand)) {
		t.Fatalf("Match should be casefold-invariant")
	}
}

func TestValidNick(t *testing.T) {
	if !ValidNick("alice", 30) || !ValidNick("_bot9", 30) {
		t.Fatalf("expected valid nicks to pass")
	}
	if ValidNick("9bot", 30) || ValidNick("", 30) || ValidNick("way-too-long-nickname-value", 10) {
		t.Fatalf("expected invalid nicks to fail")
	}
}

func TestValidChannel(t *testing.T) {
	if !ValidChannel("#general", 50) || !ValidChannel("&local", 50) {
		t.Fatalf("expected valid channel names to pass")
	}
	if ValidChannel("general", 50) || ValidChannel("#has space", 50) {
		t.Fatalf("expected invalid channel names to fail")
	}
}
