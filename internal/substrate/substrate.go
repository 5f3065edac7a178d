// Package substrate models the identity/messaging substrate that spec.md
// §1 declares out of scope and treats as a black box: encrypted
// notifications keyed by "<from>:<key>.<namespace>@<to>", plus a
// per-address public-key record for signature verification (spec.md
// §4.4). Every other package in this module talks to the substrate only
// through the Substrate interface, never through a concrete transport.
package substrate

import (
	"context"
	"crypto/ed25519"
	"io"
	"time"

	"github.com/sshnp-go/sshnp/internal/envelope"
)

// Notification is one key/value record observed on a subscription.
type Notification struct {
	From  string
	Key   string
	Value []byte
	At    time.Time
}

// Substrate is the interface every component in this module programs
// against. Notify publishes value under key, addressed from the caller's
// own identity. Subscribe returns a channel of every future notification
// whose key matches pattern (a regex, per spec.md §4.2's subscription
// pattern). PublicKey resolves a principal address to its verification
// key (spec.md §4.4), cached by the implementation per address.
type Substrate interface {
	Notify(ctx context.Context, key string, value []byte) error
	Subscribe(ctx context.Context, pattern string) (<-chan Notification, error)
	PublicKey(ctx context.Context, address string) (envelope.PublicKey, error)
	Close() error
}

// Identity is a principal's own address plus its long-term signing key,
// used to Sign outgoing envelopes and to register the matching public
// key when Substrate implementations need to publish it for others.
type Identity struct {
	Address    string
	PrivateKey envelope.PrivateKey
	PublicKey  envelope.PublicKey
	HashAlgo   envelope.HashAlgo
	SignAlgo   envelope.SignAlgo
}

// NewEd25519Identity generates a fresh ed25519 identity for address,
// defaulting to sha256/ed25519 per spec.md §3.
func NewEd25519Identity(address string) (*Identity, error) {
	return NewEd25519IdentityFrom(address, nil)
}

// NewEd25519IdentityFrom generates an identity reading key material from
// r (crypto/rand.Reader when nil). Used by rvd --seed together with
// sshkeys.NewDetermRand to give the relay a reproducible signing identity
// across test runs, without persisting a private key file.
func NewEd25519IdentityFrom(address string, r io.Reader) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Address:    address,
		PrivateKey: priv,
		PublicKey:  pub,
		HashAlgo:   envelope.HashSHA256,
		SignAlgo:   envelope.SignEd25519,
	}, nil
}

// Sign wraps payload in a signed envelope using this identity's key.
func (id *Identity) Sign(payload interface{}) (*envelope.Envelope, error) {
	return envelope.Sign(payload, id.HashAlgo, id.SignAlgo, id.PrivateKey)
}
