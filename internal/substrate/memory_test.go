package substrate

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"
	"time"
)

func TestMemoryBusDeliversMatchingNotifications(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	matching, err := bus.Subscribe(ctx, `^@alice:request\..*\.sshnp@bob$`)
	if err != nil {
		t.Fatalf("subscribe: %s", err)
	}
	other, err := bus.Subscribe(ctx, `^@alice:ping\..*$`)
	if err != nil {
		t.Fatalf("subscribe: %s", err)
	}

	key := "@alice:request.laptop.sshnp@bob"
	if err := bus.Notify(ctx, key, []byte("payload")); err != nil {
		t.Fatalf("notify: %s", err)
	}

	select {
	case n := <-matching:
		if n.Key != key || string(n.Value) != "payload" || n.From != "@alice" {
			t.Errorf("got %+v, want key=%s value=payload from=@alice", n, key)
		}
	case <-time.After(time.Second):
		t.Fatal("matching subscriber never received the notification")
	}

	select {
	case n := <-other:
		t.Errorf("non-matching subscriber received %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusPublicKeyRoundTrips(t *testing.T) {
	bus := NewMemoryBus()
	identity, err := NewEd25519Identity("@alice")
	if err != nil {
		t.Fatalf("NewEd25519Identity: %s", err)
	}
	bus.Register(identity.Address, identity.PublicKey)

	got, err := bus.PublicKey(context.Background(), "@alice")
	if err != nil {
		t.Fatalf("PublicKey: %s", err)
	}
	gotKey, ok := got.(ed25519.PublicKey)
	if !ok {
		t.Fatalf("PublicKey returned %T, want ed25519.PublicKey", got)
	}
	if !bytes.Equal(gotKey, identity.PublicKey.(ed25519.PublicKey)) {
		t.Error("PublicKey returned a different key than was registered")
	}
}

func TestMemoryBusPublicKeyUnknownAddress(t *testing.T) {
	bus := NewMemoryBus()
	if _, err := bus.PublicKey(context.Background(), "@ghost"); err == nil {
		t.Error("PublicKey for an unregistered address should error")
	}
}

func TestMemoryBusSubscriptionEndsOnContextCancel(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx, `.*`)
	if err != nil {
		t.Fatalf("subscribe: %s", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected subscription channel to be closed, got a notification")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription channel was never closed after context cancel")
	}
}
