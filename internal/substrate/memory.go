package substrate

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/sshnp-go/sshnp/internal/envelope"
)

// MemoryBus is an in-process Substrate, used by tests and by rvd/npd/np
// integration tests that need several principals talking to one bus
// without a real network hop. Grounded on the teacher's own throwaway
// in-memory transports; no example repo ships a pub/sub mock of this
// shape, so this one is written directly against the Substrate
// interface it stands in for.
type MemoryBus struct {
	mu   sync.Mutex
	subs []*memorySub
	keys map[string]keyedIdentity
}

type keyedIdentity struct {
	pub envelope.PublicKey
}

type memorySub struct {
	pattern *regexp.Regexp
	ch      chan Notification
}

// NewMemoryBus returns an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{keys: make(map[string]keyedIdentity)}
}

// Register makes address's public key resolvable via PublicKey, as if the
// identity substrate had onboarded it.
func (m *MemoryBus) Register(address string, pub envelope.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[address] = keyedIdentity{pub: pub}
}

// Notify implements Substrate.
func (m *MemoryBus) Notify(ctx context.Context, key string, value []byte) error {
	from, _, _ := splitKey(key)
	n := Notification{From: from, Key: key, Value: value}

	m.mu.Lock()
	subs := make([]*memorySub, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		if s.pattern.MatchString(key) {
			select {
			case s.ch <- n:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Subscribe implements Substrate.
func (m *MemoryBus) Subscribe(ctx context.Context, pattern string) (<-chan Notification, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile subscription pattern %q: %w", pattern, err)
	}
	sub := &memorySub{pattern: re, ch: make(chan Notification, 16)}

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, s := range m.subs {
			if s == sub {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}

// PublicKey implements Substrate.
func (m *MemoryBus) PublicKey(ctx context.Context, address string) (envelope.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[address]
	if !ok {
		return nil, fmt.Errorf("no public key on record for address %q", address)
	}
	return k.pub, nil
}

// Close implements Substrate.
func (m *MemoryBus) Close() error { return nil }

// splitKey parses "<from>:<key>.<namespace>@<to>" far enough to recover
// the sender. The full grammar is the substrate's concern; this package
// only needs the "from" prefix to stamp delivered Notifications.
func splitKey(key string) (from, rest string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", key, false
}
