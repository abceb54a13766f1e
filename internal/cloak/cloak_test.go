package cloak

import "testing"

func TestCloakDeterministic(t *testing.T) {
	k := Keys{Key1: "a", Key2: "b", Key3: "c", Prefix: "net"}
	c1 := k.Cloak("host.example.com")
	c2 := k.Cloak("host.example.com")
	if c1 != c2 {
		t.Fatalf("cloak must be deterministic: %q != %q", c1, c2)
	}
	if c1 == k.Cloak("other.example.com") {
		t.Fatalf("distinct hosts should cloak differently")
	}
}

func TestCloakDiffersByKey(t *testing.T) {
	k1 := Keys{Key1: "a", Key2: "b", Key3: "c"}
	k2 := Keys{Key1: "x", Key2: "b", Key3: "c"}
	if k1.Cloak("h") == k2.Cloak("h") {
		t.Fatalf("different keys should produce different cloaks")
	}
}

func TestCloakDefaultPrefix(t *testing.T) {
	k := Keys{Key1: "a", Key2: "b", Key3: "c"}
	if got := k.Cloak("h"); got[:6] != "cloak-" {
		t.Fatalf("expected default prefix, got %q", got)
	}
}
