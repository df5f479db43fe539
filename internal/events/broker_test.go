package events

import (
	"testing"
)

func TestPublish_RoutesByOwner(t *testing.T) {
	b := NewBroker(nil)

	alice := b.Subscribe("alice")
	bob := b.Subscribe("bob")
	anon := b.Subscribe("")
	defer b.Unsubscribe(alice)
	defer b.Unsubscribe(bob)
	defer b.Unsubscribe(anon)

	b.Publish(Event{Kind: KindJobUpdate, OwnerID: "alice", Payload: "j1"})
	b.Publish(Event{Kind: KindCapabilities, Payload: map[string]int{"llama3": 1}})

	if got := len(alice.Ch); got != 2 {
		t.Errorf("alice received %d events, want 2", got)
	}
	if got := len(bob.Ch); got != 1 {
		t.Errorf("bob received %d events, want 1 (broadcast only)", got)
	}
	if got := len(anon.Ch); got != 1 {
		t.Errorf("anonymous received %d events, want 1 (broadcast only)", got)
	}
	if ev := <-bob.Ch; ev.Kind != KindCapabilities {
		t.Errorf("bob got %q, want capabilities", ev.Kind)
	}
}

func TestPublish_DropsWhenFull(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe("alice")

	for i := 0; i < b.bufferSize+10; i++ {
		b.Publish(Event{Kind: KindJobUpdate, OwnerID: "alice"})
	}
	if got := len(sub.Ch); got != b.bufferSize {
		t.Errorf("buffered = %d, want %d", got, b.bufferSize)
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe("alice")

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
	b.Publish(Event{Kind: KindJobUpdate, OwnerID: "alice"})
}
