package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func relayKeyPaths(t *testing.T) (string, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "keys")
	return filepath.Join(dir, "relay_signing.pem"), filepath.Join(dir, "relay_public.pem")
}

func TestRelayKeyPairSurvivesRestart(t *testing.T) {
	privatePath, publicPath := relayKeyPaths(t)

	firstPrivate, firstPublic, err := EnsureEd25519KeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("first EnsureEd25519KeyPair failed: %v", err)
	}
	secondPrivate, secondPublic, err := EnsureEd25519KeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("second EnsureEd25519KeyPair failed: %v", err)
	}
	if !bytes.Equal(firstPrivate, secondPrivate) || !bytes.Equal(firstPublic, secondPublic) {
		t.Fatalf("expected the relay to reuse its signing key across restarts")
	}

	info, err := os.Stat(privatePath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected private key mode 0600, got %o", perm)
	}
}

func TestPinnedPublicKeyIsRepairedFromPrivateKey(t *testing.T) {
	privatePath, publicPath := relayKeyPaths(t)

	_, publicKey, err := EnsureEd25519KeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("EnsureEd25519KeyPair failed: %v", err)
	}
	if err := os.Remove(publicPath); err != nil {
		t.Fatalf("remove public key: %v", err)
	}
	if _, _, err := EnsureEd25519KeyPair(privatePath, publicPath); err != nil {
		t.Fatalf("EnsureEd25519KeyPair after removal failed: %v", err)
	}

	pinned, err := LoadEd25519PublicKey(publicPath)
	if err != nil {
		t.Fatalf("LoadEd25519PublicKey failed: %v", err)
	}
	if !bytes.Equal(pinned, publicKey) {
		t.Fatalf("expected rewritten public key to match the signing key")
	}
	if got := KeyFingerprint(pinned); len(got) != 32 {
		t.Fatalf("expected 32 hex chars of fingerprint, got %q", got)
	}
}

func TestLoadPublicKeyRejectsPrivateKeyFile(t *testing.T) {
	privatePath, publicPath := relayKeyPaths(t)
	if _, _, err := EnsureEd25519KeyPair(privatePath, publicPath); err != nil {
		t.Fatalf("EnsureEd25519KeyPair failed: %v", err)
	}
	if _, err := LoadEd25519PublicKey(privatePath); err == nil {
		t.Fatalf("expected a private key file to be refused as a pinned public key")
	}
}
