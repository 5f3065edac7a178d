package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/sshnp-go/sshnp/internal/envelope"
	"github.com/sshnp-go/sshnp/internal/session"
	"github.com/sshnp-go/sshnp/internal/sshkeys"
	"github.com/sshnp-go/sshnp/internal/substrate"
)

// persistedIdentity is the on-disk shape of a principal's long-term
// envelope-signing key (spec.md §6 "Persisted state: ... a local config
// directory for long-term keys"). Grounded in
// merlos-openme/cli/internal/config's YAML-backed Profile/ServerConfig
// persistence, generalized from that tool's Curve25519/Ed25519 knock
// keys to this protocol's envelope signing key.
type persistedIdentity struct {
	Address    string          `yaml:"address"`
	HashAlgo   envelope.HashAlgo `yaml:"hashAlgo"`
	SignAlgo   envelope.SignAlgo `yaml:"signAlgo"`
	PrivateKey string          `yaml:"privateKey"` // base64 raw ed25519 private key
	PublicKey  string          `yaml:"publicKey"`  // base64 raw ed25519 public key
}

// HomeConfigDir returns "$HOME/.sshnp", creating it if necessary.
func HomeConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".sshnp")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config directory %s: %w", dir, err)
	}
	return dir, nil
}

// SessionDir returns "$HOME/.sshnp/<sessionId>", creating it, for the
// per-session temp files spec.md §6 describes (ephemeral key material
// written to disk for an exec-mode ssh client, before cleanup removes the
// whole directory).
func SessionDir(id session.ID) (string, error) {
	base, err := HomeConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, string(id))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create session directory %s: %w", dir, err)
	}
	return dir, nil
}

// identityFileName builds a filesystem-safe file name for address's
// persisted identity file, since addresses carry a leading "@".
func identityFileName(address string) string {
	return "identity-" + strings.TrimPrefix(address, "@") + ".yaml"
}

// LoadOrCreateIdentity loads address's long-term signing identity from
// the config directory, generating and persisting a fresh ed25519
// identity the first time it is needed. A principal's address keeps the
// same signing key across restarts, matching spec.md §3's requirement
// that the relay and peers resolve one stable verification key per
// address.
func LoadOrCreateIdentity(address string) (*substrate.Identity, error) {
	dir, err := HomeConfigDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, identityFileName(address))

	if data, err := os.ReadFile(path); err == nil {
		var p persistedIdentity
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", path, err)
		}
		return decodeIdentity(&p)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}

	identity, err := substrate.NewEd25519Identity(address)
	if err != nil {
		return nil, err
	}
	if err := persistIdentity(path, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

func decodeIdentity(p *persistedIdentity) (*substrate.Identity, error) {
	privRaw, err := base64.StdEncoding.DecodeString(p.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode persisted private key: %w", err)
	}
	pubRaw, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode persisted public key: %w", err)
	}
	if len(privRaw) != ed25519.PrivateKeySize || len(pubRaw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("malformed persisted ed25519 key for %s", p.Address)
	}
	return &substrate.Identity{
		Address:    p.Address,
		PrivateKey: ed25519.PrivateKey(privRaw),
		PublicKey:  ed25519.PublicKey(pubRaw),
		HashAlgo:   p.HashAlgo,
		SignAlgo:   p.SignAlgo,
	}, nil
}

func persistIdentity(path string, identity *substrate.Identity) error {
	priv, ok := identity.PrivateKey.(ed25519.PrivateKey)
	if !ok {
		return fmt.Errorf("persisting non-ed25519 identities is not supported")
	}
	pub, ok := identity.PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("persisting non-ed25519 identities is not supported")
	}
	p := persistedIdentity{
		Address:    identity.Address,
		HashAlgo:   identity.HashAlgo,
		SignAlgo:   identity.SignAlgo,
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	}
	data, err := yaml.Marshal(&p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadOrCreateHostKey loads the embedded SSH server/client's own host key
// from the config directory (distinct from the envelope-signing identity,
// per spec.md §3's split between long-term signing keys and per-session
// SSH key material), generating and persisting a fresh ed25519 key pair
// the first time it is needed.
func LoadOrCreateHostKey(name string) (ssh.Signer, error) {
	dir, err := HomeConfigDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "hostkey-"+name+".pem")

	if data, err := os.ReadFile(path); err == nil {
		return ssh.ParsePrivateKey(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read host key %s: %w", path, err)
	}

	kp, err := sshkeys.Generate(sshkeys.AlgoEd25519)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, kp.PrivatePEM, 0o600); err != nil {
		return nil, fmt.Errorf("persist host key %s: %w", path, err)
	}
	return kp.Signer, nil
}
