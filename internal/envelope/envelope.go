// Package envelope implements the signed-envelope auth scheme from
// spec.md §4.4: canonicalize a JSON payload, hash it, sign the digest
// with the principal's long-term key, and carry {signature, hashingAlgo,
// signingAlgo, payload} as the wire envelope (spec.md §3/§6). Used by the
// daemon's response to the client, the client's and daemon's rendezvous
// auth handshake, and the relay's verification of both.
//
// Grounded on the {alg, sig}-over-payload DTO shape seen in
// other_examples/philsphicas-aztunnel__envelope.go and
// other_examples/PaymanAI-sigilum__types.go; no example in the pack signs
// generic JSON payloads with a raw ed25519/rsa key pair directly, so the
// sign/verify primitives here are built on the standard library
// (crypto/ed25519, crypto/rsa, crypto/sha256, crypto/sha512) rather than
// guessed from an unrelated library's API.
package envelope

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// HashAlgo is the digest algorithm used before signing (spec.md §3).
type HashAlgo string

const (
	HashSHA256 HashAlgo = "sha256"
	HashSHA512 HashAlgo = "sha512"
)

// SignAlgo is the signature algorithm (spec.md §3, §9 authoritative set).
type SignAlgo string

const (
	SignRSA2048 SignAlgo = "rsa2048"
	SignEd25519 SignAlgo = "ed25519"
)

// Envelope is the wire format from spec.md §3/§6. Unknown fields are
// ignored on parse (encoding/json already does this by default).
type Envelope struct {
	Signature   string          `json:"signature"`
	HashingAlgo HashAlgo        `json:"hashingAlgo"`
	SigningAlgo SignAlgo        `json:"signingAlgo"`
	Payload     json.RawMessage `json:"payload"`
}

// PrivateKey is satisfied by *rsa.PrivateKey and ed25519.PrivateKey.
type PrivateKey interface{}

// PublicKey is satisfied by *rsa.PublicKey and ed25519.PublicKey.
type PublicKey interface{}

func digest(algo HashAlgo, data []byte) ([]byte, error) {
	switch algo {
	case HashSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case HashSHA512:
		sum := sha512.Sum512(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("unsupported hashing algorithm %q", algo)
	}
}

// canonicalize serializes payload deterministically. encoding/json already
// emits struct fields in declared order and map keys in sorted order, which
// is sufficient determinism for this protocol's closed, versioned payload
// schemas — see DESIGN.md for why no JCS/RFC 8785 library is used.
func canonicalize(payload interface{}) ([]byte, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// Sign builds a signed Envelope around payload using the principal's
// long-term private key.
func Sign(payload interface{}, hashAlgo HashAlgo, signAlgo SignAlgo, key PrivateKey) (*Envelope, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	d, err := digest(hashAlgo, canonical)
	if err != nil {
		return nil, err
	}
	sig, err := signDigest(signAlgo, key, d)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Signature:   base64.StdEncoding.EncodeToString(sig),
		HashingAlgo: hashAlgo,
		SigningAlgo: signAlgo,
		Payload:     json.RawMessage(canonical),
	}, nil
}

func signDigest(algo SignAlgo, key PrivateKey, d []byte) ([]byte, error) {
	switch algo {
	case SignEd25519:
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signingAlgo ed25519 requires an ed25519.PrivateKey")
		}
		return ed25519.Sign(priv, d), nil
	case SignRSA2048:
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signingAlgo rsa2048 requires an *rsa.PrivateKey")
		}
		hashFunc, err := cryptoHashFor(d)
		if err != nil {
			return nil, err
		}
		return rsa.SignPKCS1v15(rand.Reader, priv, hashFunc, d)
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", algo)
	}
}

// Verify checks that env's signature matches its payload under key, which
// must belong to the principal that supposedly emitted env (fetched by
// the caller from the identity substrate's public-key record).
func Verify(env *Envelope, key PublicKey) error {
	d, err := digest(env.HashingAlgo, env.Payload)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	switch env.SigningAlgo {
	case SignEd25519:
		pub, ok := key.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("signingAlgo ed25519 requires an ed25519.PublicKey")
		}
		if !ed25519.Verify(pub, d, sig) {
			return fmt.Errorf("ed25519 signature verification failed")
		}
		return nil
	case SignRSA2048:
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("signingAlgo rsa2048 requires an *rsa.PublicKey")
		}
		hashFunc, err := cryptoHashFor(d)
		if err != nil {
			return err
		}
		if err := rsa.VerifyPKCS1v15(pub, hashFunc, d, sig); err != nil {
			return fmt.Errorf("rsa signature verification failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported signing algorithm %q", env.SigningAlgo)
	}
}

// Unmarshal decodes env's payload into v.
func (env *Envelope) Unmarshal(v interface{}) error {
	return json.Unmarshal(env.Payload, v)
}

func cryptoHashFor(d []byte) (crypto.Hash, error) {
	switch len(d) {
	case sha256.Size:
		return crypto.SHA256, nil
	case sha512.Size:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("digest length %d does not match a supported hash", len(d))
	}
}
