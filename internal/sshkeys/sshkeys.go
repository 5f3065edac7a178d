// Package sshkeys generates and fingerprints the ephemeral SSH key pairs
// created per session (spec.md §3, §4.2, §4.3), and builds the
// command-restricted authorized_keys line the daemon installs for each
// ephemeral key. Grounded in share/ssh.go's GenerateKey/FingerprintKey,
// generalized from the teacher's ECDSA-only host key to the spec's
// {ed25519, rsa2048} ephemeral-key set (spec.md §9's fixed open question:
// {ssh-rsa, ssh-ed25519} are the only authoritative prefixes).
package sshkeys

import (
	"crypto/ed25519"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Algo identifies the ephemeral SSH key algorithm (spec.md §4.3 sshAlgo).
type Algo string

const (
	AlgoEd25519 Algo = "ed25519"
	AlgoRSA     Algo = "rsa"
)

// KeyPair is an ephemeral SSH key pair plus its authorized_keys-format
// public line, ready to hand to the daemon or the SSH client library.
type KeyPair struct {
	Algo       Algo
	PrivatePEM []byte
	Signer     ssh.Signer
	PublicLine string // "ssh-ed25519 AAAA... " / "ssh-rsa AAAA..."
}

// Generate creates a new ephemeral key pair of the requested algorithm
// using the system entropy source.
func Generate(algo Algo) (*KeyPair, error) {
	return GenerateFrom(algo, rand.Reader)
}

// GenerateSeeded creates a key pair whose bits are deterministic given
// seed, using the teacher's DetermRand stream, giving a stable key pair
// across test runs without persisting a key file. rvd --seed does not use
// it: rvd builds its identity with substrate.NewEd25519IdentityFrom over
// NewDetermRand.
func GenerateSeeded(algo Algo, seed string) (*KeyPair, error) {
	return GenerateFrom(algo, NewDetermRand([]byte(seed)))
}

// GenerateFrom creates a key pair of the requested algorithm reading
// entropy from r.
func GenerateFrom(algo Algo, r io.Reader) (*KeyPair, error) {
	switch algo {
	case AlgoEd25519:
		return generateEd25519(r)
	case AlgoRSA:
		return generateRSA(r)
	default:
		return nil, fmt.Errorf("unsupported ssh key algorithm %q", algo)
	}
}

func generateEd25519(r io.Reader) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	block, err := ed25519PEMBlock(priv)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("wrap ed25519 signer: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("wrap ed25519 public key: %w", err)
	}
	return &KeyPair{
		Algo:       AlgoEd25519,
		PrivatePEM: pem.EncodeToMemory(block),
		Signer:     signer,
		PublicLine: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
	}, nil
}

func generateRSA(r io.Reader) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(r, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("wrap rsa signer: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("wrap rsa public key: %w", err)
	}
	return &KeyPair{
		Algo:       AlgoRSA,
		PrivatePEM: pem.EncodeToMemory(block),
		Signer:     signer,
		PublicLine: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
	}, nil
}

// LoadIdentityFile reads an existing private key from path, for
// --send-ssh-public-key: the client sends this key's own public half to
// the daemon instead of generating a fresh ephemeral pair (spec.md §4.3's
// identityFile input, spec.md §4.2 step 3's "accept the sshPublicKey the
// client shared" for the legacy reverse path). The PrivatePEM field is
// left empty since the daemon never needs (and must never receive) an
// operator's real private key.
func LoadIdentityFile(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	algo := AlgoEd25519
	if signer.PublicKey().Type() == ssh.KeyAlgoRSA {
		algo = AlgoRSA
	}
	return &KeyPair{
		Algo:       algo,
		Signer:     signer,
		PublicLine: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))),
	}, nil
}

// ed25519PEMBlock encodes a raw ed25519 private key the way OpenSSH-style
// tooling in this codebase expects it: PKCS8, since ed25519 has no
// classic PEM type of its own.
func ed25519PEMBlock(priv ed25519.PrivateKey) (*pem.Block, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal ed25519 private key: %w", err)
	}
	return &pem.Block{Type: "PRIVATE KEY", Bytes: der}, nil
}

// ParsePublicLine parses an authorized_keys-format line and rejects any
// key type outside spec.md §9's authoritative set.
func ParsePublicLine(line string) (ssh.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	if err := ValidateKeyType(pub.Type()); err != nil {
		return nil, err
	}
	return pub, nil
}

// ValidateKeyType rejects any SSH public key type outside
// {ssh-rsa, ssh-ed25519}, per spec.md §9's fixed open question.
func ValidateKeyType(t string) error {
	switch t {
	case ssh.KeyAlgoRSA, ssh.KeyAlgoED25519:
		return nil
	default:
		return fmt.Errorf("unsupported public key type %q, want ssh-rsa or ssh-ed25519", t)
	}
}

// Fingerprint returns a colon-delimited MD5 fingerprint for an SSH public
// key, used in human-readable daemon/relay logs. Kept verbatim from
// share/ssh.go's FingerprintKey.
func Fingerprint(k ssh.PublicKey) string {
	sum := md5.Sum(k.Marshal())
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// RestrictedAuthorizedKeysLine builds the authorized_keys entry the
// daemon installs for an ephemeral session key (spec.md §4.2 step 3):
// restricted to forwarding toward localhost:sshdPort, no shell, no agent
// or X11 forwarding. OpenSSH has no authorized_keys directive for an idle
// timeout; that half of the restriction ("exits after <=20s idle") is
// enforced by the daemon's own authset watcher revoking the entry, not by
// sshd itself — see internal/daemonctl/authset.go.
func RestrictedAuthorizedKeysLine(publicLine string, sshdPort int) string {
	command := fmt.Sprintf(
		`command="echo This key is restricted to port forwarding",no-agent-forwarding,no-X11-forwarding,no-pty,no-user-rc,permitopen="localhost:%d"`,
		sshdPort,
	)
	return command + " " + publicLine
}
