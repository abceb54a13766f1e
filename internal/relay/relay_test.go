package relay

import (
	"testing"
	"time"
)

func newTestBus() *Bus {
	return &Bus{origin: "origin-a", seen: make(map[string]time.Time)}
}

func TestDuplicateEventSuppressed(t *testing.T) {
	b := newTestBus()
	env := Envelope{Origin: "origin-b", Seq: 1}
	if b.isDuplicate(env) {
		t.Fatalf("first delivery should not be a duplicate")
	}
	if !b.isDuplicate(env) {
		t.Fatalf("re-delivering the same (origin,seq) should be suppressed")
	}
}

func TestDistinctSequencesNotDuplicate(t *testing.T) {
	b := newTestBus()
	if b.isDuplicate(Envelope{Origin: "origin-b", Seq: 1}) {
		t.Fatal("unexpected duplicate")
	}
	if b.isDuplicate(Envelope{Origin: "origin-b", Seq: 2}) {
		t.Fatal("distinct sequence numbers must not collide")
	}
}

func TestNopPublisherDropsEverything(t *testing.T) {
	n := NewNopPublisher()
	if err := n.Publish(EventUserAdd, UserAddPayload{Nick: "alice"}); err != nil {
		t.Fatalf("NopPublisher.Publish should never error: %v", err)
	}
	if n.OriginID() == "" {
		t.Fatalf("expected a non-empty origin id")
	}
}
