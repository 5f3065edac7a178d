// Package daemonctl implements npd: subscribing to session requests,
// authorising senders, generating ephemeral keys, dialing out to the
// rendezvous or back to the client, and replying with a signed response
// (spec.md §4.2).
package daemonctl

import (
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sshnp-go/sshnp/internal/nplog"
	"github.com/sshnp-go/sshnp/internal/session"
	"github.com/sshnp-go/sshnp/internal/sshkeys"
)

// IdleTimeout is the maximum time an ephemeral authorized-key entry may
// sit unused before AuthSet revokes it (spec.md §4.2: "exits after <=20s
// idle").
const IdleTimeout = 20 * time.Second

// AllowList matches sender addresses against a fixed set, per spec.md
// §4.2 step 1. Adapted from the teacher's share/user.go UserAllowAll
// regexp-based matcher, generalized from a single compiled pattern to an
// explicit address set (the daemon's --manager flag takes a literal
// address list, not a regex).
type AllowList struct {
	mu   sync.RWMutex
	addr map[string]bool
}

// NewAllowList builds an AllowList from a literal set of addresses. A nil
// or empty list means "allow all" (spec.md §4.2 step 1 is opt-in).
func NewAllowList(addrs []string) *AllowList {
	l := &AllowList{addr: make(map[string]bool, len(addrs))}
	for _, a := range addrs {
		l.addr[a] = true
	}
	return l
}

// Allows reports whether addr may submit session requests. An empty
// AllowList allows everyone.
func (l *AllowList) Allows(addr string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.addr) == 0 {
		return true
	}
	return l.addr[addr]
}

// Set replaces the allow-list contents, used by the fsnotify-driven
// config reload.
func (l *AllowList) Set(addrs []string) {
	m := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		m[a] = true
	}
	l.mu.Lock()
	l.addr = m
	l.mu.Unlock()
}

// AuthorizedEntry is one ephemeral authorized_keys row, tagged with the
// session that created it (spec.md §5: "each entry is tagged with its
// sessionId so concurrent cleanups remove only their own row").
type AuthorizedEntry struct {
	SessionID session.ID
	PublicKey ssh.PublicKey
	Line      string
	expiresAt time.Time
}

// AuthSet is the in-process, mutex-guarded authorized-key set shared by
// the daemon's embedded SSH server (spec.md §9's "authorised-keys file as
// shared mutable state" design note — replace file-appending with an
// in-process set). The set is held in memory only: it is not written to
// disk, on shutdown or otherwise, and starts empty on every run.
type AuthSet struct {
	log      nplog.Logger
	sshdPort int

	mu      sync.Mutex
	entries map[string]*AuthorizedEntry // keyed by marshaled public key
}

// NewAuthSet builds an AuthSet restricting entries to forwarding toward
// localhost:sshdPort.
func NewAuthSet(log nplog.Logger, sshdPort int) *AuthSet {
	return &AuthSet{log: log, sshdPort: sshdPort, entries: make(map[string]*AuthorizedEntry)}
}

// Add installs an ephemeral public key for id, restricted per spec.md
// §4.2 step 3, and starts its idle-timeout clock.
func (s *AuthSet) Add(id session.ID, pub ssh.PublicKey) *AuthorizedEntry {
	line := sshkeys.RestrictedAuthorizedKeysLine(
		string(ssh.MarshalAuthorizedKey(pub)), s.sshdPort)
	entry := &AuthorizedEntry{
		SessionID: id,
		PublicKey: pub,
		Line:      line,
		expiresAt: time.Now().Add(IdleTimeout),
	}
	s.mu.Lock()
	s.entries[string(pub.Marshal())] = entry
	s.mu.Unlock()
	s.log.DLogf("session %s: authorized key %s installed", id, sshkeys.Fingerprint(pub))
	return entry
}

// StaticSessionID tags the authorized-key entry installed from npd's
// --sshpublickey flag: a standing entry that is not session-scoped and
// never swept by SweepExpired.
const StaticSessionID session.ID = "static"

// AddPermanent installs a public key that never expires, used for the
// daemon's --sshpublickey flag (an operator-supplied key for direct
// access, as opposed to a per-session ephemeral key).
func (s *AuthSet) AddPermanent(pub ssh.PublicKey) *AuthorizedEntry {
	line := sshkeys.RestrictedAuthorizedKeysLine(
		string(ssh.MarshalAuthorizedKey(pub)), s.sshdPort)
	entry := &AuthorizedEntry{
		SessionID: StaticSessionID,
		PublicKey: pub,
		Line:      line,
		expiresAt: time.Now().Add(100 * 365 * 24 * time.Hour),
	}
	s.mu.Lock()
	s.entries[string(pub.Marshal())] = entry
	s.mu.Unlock()
	s.log.DLogf("static authorized key %s installed", sshkeys.Fingerprint(pub))
	return entry
}

// Touch resets pub's idle-timeout clock; called on every accepted SSH
// channel so an active tunnel is never revoked mid-use.
func (s *AuthSet) Touch(pub ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[string(pub.Marshal())]; ok {
		e.expiresAt = time.Now().Add(IdleTimeout)
	}
}

// Remove revokes pub's authorized-key entry. Safe to call multiple times
// (spec.md §8 idempotence) and safe to call concurrently with other
// sessions' Add/Remove.
func (s *AuthSet) Remove(pub ssh.PublicKey) {
	s.mu.Lock()
	delete(s.entries, string(pub.Marshal()))
	s.mu.Unlock()
}

// Authorized implements the lookup the embedded SSH server calls on every
// handshake attempt.
func (s *AuthSet) Authorized(pub ssh.PublicKey) (*AuthorizedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[string(pub.Marshal())]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e, true
}

// SweepExpired removes every entry past its idle deadline, returning how
// many were removed. Intended to be called on a ticker from the daemon's
// main loop.
func (s *AuthSet) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Len reports the number of live entries, used by tests asserting
// no-leak/no-cross-removal (spec.md §8).
func (s *AuthSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ParseAuth splits a ":"-delimited pair, kept from the teacher's
// share/user.go for the daemon's --sshpublickey=user:key-style flag
// parsing.
func ParseAuth(s string) (string, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:]
		}
	}
	return "", ""
}
