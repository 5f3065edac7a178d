package daemonctl

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sshnp-go/sshnp/internal/nplog"
	"github.com/sshnp-go/sshnp/internal/session"
)

func newTestPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %s", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("ssh.NewPublicKey: %s", err)
	}
	return sshPub
}

func newTestAuthSet() *AuthSet {
	return NewAuthSet(nplog.New("test", nplog.LogLevelError, false), 22)
}

func TestAuthSetAddAndAuthorized(t *testing.T) {
	s := newTestAuthSet()
	pub := newTestPublicKey(t)
	id := session.NewID()

	s.Add(id, pub)
	entry, ok := s.Authorized(pub)
	if !ok {
		t.Fatal("key not authorized immediately after Add")
	}
	if entry.SessionID != id {
		t.Errorf("entry.SessionID = %q, want %q", entry.SessionID, id)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestAuthSetRemoveIsIdempotent(t *testing.T) {
	s := newTestAuthSet()
	pub := newTestPublicKey(t)
	s.Add(session.NewID(), pub)

	s.Remove(pub)
	if _, ok := s.Authorized(pub); ok {
		t.Fatal("key still authorized after Remove")
	}

	// A second Remove of the same (now-absent) key must not panic or error.
	s.Remove(pub)
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestAuthSetRemoveDoesNotCrossSessions(t *testing.T) {
	s := newTestAuthSet()
	pubA := newTestPublicKey(t)
	pubB := newTestPublicKey(t)
	s.Add(session.NewID(), pubA)
	s.Add(session.NewID(), pubB)

	s.Remove(pubA)

	if _, ok := s.Authorized(pubA); ok {
		t.Error("removed key A is still authorized")
	}
	if _, ok := s.Authorized(pubB); !ok {
		t.Error("unrelated key B was revoked by removing key A")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestAuthSetSweepExpired(t *testing.T) {
	s := newTestAuthSet()
	pub := newTestPublicKey(t)
	entry := s.Add(session.NewID(), pub)
	entry.expiresAt = time.Now().Add(-time.Second)

	swept := s.SweepExpired()
	if swept != 1 {
		t.Errorf("SweepExpired() = %d, want 1", swept)
	}
	if _, ok := s.Authorized(pub); ok {
		t.Error("expired key still authorized after SweepExpired")
	}
}

func TestAuthSetAuthorizedRejectsExpiredEntry(t *testing.T) {
	s := newTestAuthSet()
	pub := newTestPublicKey(t)
	entry := s.Add(session.NewID(), pub)
	entry.expiresAt = time.Now().Add(-time.Millisecond)

	if _, ok := s.Authorized(pub); ok {
		t.Error("Authorized returned true for an already-expired entry")
	}
}

func TestAuthSetAddPermanentNeverSwept(t *testing.T) {
	s := newTestAuthSet()
	pub := newTestPublicKey(t)
	entry := s.AddPermanent(pub)

	if entry.SessionID != StaticSessionID {
		t.Errorf("SessionID = %q, want %q", entry.SessionID, StaticSessionID)
	}
	if swept := s.SweepExpired(); swept != 0 {
		t.Errorf("SweepExpired() swept %d permanent entries, want 0", swept)
	}
	if _, ok := s.Authorized(pub); !ok {
		t.Error("permanent key not authorized after SweepExpired")
	}
}

func TestAuthSetTouchExtendsExpiry(t *testing.T) {
	s := newTestAuthSet()
	pub := newTestPublicKey(t)
	entry := s.Add(session.NewID(), pub)
	entry.expiresAt = time.Now().Add(time.Millisecond)

	s.Touch(pub)
	if !entry.expiresAt.After(time.Now()) {
		t.Error("Touch did not extend the entry's expiry")
	}
}

func TestAuthSetConcurrentAddRemove(t *testing.T) {
	s := newTestAuthSet()
	const n = 32

	pubs := make([]ssh.PublicKey, n)
	for i := range pubs {
		pubs[i] = newTestPublicKey(t)
	}

	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(i int) {
			s.Add(session.NewID(), pubs[i])
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
	if s.Len() != n {
		t.Fatalf("Len() = %d, want %d after concurrent Add", s.Len(), n)
	}

	for i := 0; i < n; i++ {
		go func(i int) {
			s.Remove(pubs[i])
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after concurrent Remove", s.Len())
	}
}

func TestParseAuth(t *testing.T) {
	user, key := ParseAuth("alice:ssh-ed25519 AAAA")
	if user != "alice" || key != "ssh-ed25519 AAAA" {
		t.Errorf("ParseAuth = (%q, %q), want (alice, ssh-ed25519 AAAA)", user, key)
	}

	user, key = ParseAuth("no-colon")
	if user != "" || key != "" {
		t.Errorf("ParseAuth(no-colon) = (%q, %q), want (\"\", \"\")", user, key)
	}
}
