package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

type samplePayload struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
}

func TestSignVerifyEd25519RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %s", err)
	}

	env, err := Sign(samplePayload{SessionID: "abc", Mode: "direct"}, HashSHA256, SignEd25519, priv)
	if err != nil {
		t.Fatalf("Sign: %s", err)
	}
	if err := Verify(env, pub); err != nil {
		t.Fatalf("Verify: %s", err)
	}

	var got samplePayload
	if err := env.Unmarshal(&got); err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if got.SessionID != "abc" || got.Mode != "direct" {
		t.Errorf("Unmarshal round-trip mismatch: %+v", got)
	}
}

func TestSignVerifyRSA2048RoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %s", err)
	}

	env, err := Sign(samplePayload{SessionID: "xyz"}, HashSHA512, SignRSA2048, priv)
	if err != nil {
		t.Fatalf("Sign: %s", err)
	}
	if err := Verify(env, &priv.PublicKey); err != nil {
		t.Fatalf("Verify: %s", err)
	}
}

func TestVerifyRejectsMutatedPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %s", err)
	}
	env, err := Sign(samplePayload{SessionID: "abc"}, HashSHA256, SignEd25519, priv)
	if err != nil {
		t.Fatalf("Sign: %s", err)
	}

	mutated := []byte(env.Payload)
	mutated[len(mutated)-2] ^= 0x01
	env.Payload = mutated

	if err := Verify(env, pub); err == nil {
		t.Error("Verify accepted a mutated payload")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %s", err)
	}
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate other ed25519 key: %s", err)
	}
	env, err := Sign(samplePayload{SessionID: "abc"}, HashSHA256, SignEd25519, priv)
	if err != nil {
		t.Fatalf("Sign: %s", err)
	}
	if err := Verify(env, otherPub); err == nil {
		t.Error("Verify accepted a signature under the wrong public key")
	}
}

func TestVerifyRejectsUnsupportedAlgo(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %s", err)
	}
	env, err := Sign(samplePayload{SessionID: "abc"}, HashSHA256, SignEd25519, priv)
	if err != nil {
		t.Fatalf("Sign: %s", err)
	}
	env.SigningAlgo = "dsa"
	if err := Verify(env, pub); err == nil {
		t.Error("Verify accepted an unsupported signing algorithm")
	}
}

func TestSignRejectsMismatchedKeyType(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %s", err)
	}
	if _, err := Sign(samplePayload{}, HashSHA256, SignEd25519, pub); err == nil {
		t.Error("Sign accepted a public key where a private key was required")
	}
}
