package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	relayPrivatePEMType = "DMSYNC RELAY SIGNING KEY"
	relayPublicPEMType  = "DMSYNC RELAY PUBLIC KEY"
)

// EnsureEd25519KeyPair returns the relay signing key stored at privatePath,
// creating both files when the private key does not exist yet. A missing or
// stale public key file is rewritten from the private key.
func EnsureEd25519KeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	raw, err := readKeyBlock(privatePath, relayPrivatePEMType, ed25519.PrivateKeySize)
	switch {
	case err == nil:
		privateKey := ed25519.PrivateKey(raw)
		publicKey := privateKey.Public().(ed25519.PublicKey)
		if stored, err := LoadEd25519PublicKey(publicPath); err != nil || !bytes.Equal(stored, publicKey) {
			if err := writeKeyBlock(publicPath, relayPublicPEMType, publicKey, 0o644); err != nil {
				return nil, nil, err
			}
		}
		return privateKey, publicKey, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate relay signing key: %w", err)
	}
	if err := writeKeyBlock(privatePath, relayPrivatePEMType, privateKey, 0o600); err != nil {
		return nil, nil, err
	}
	if err := writeKeyBlock(publicPath, relayPublicPEMType, publicKey, 0o644); err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

// LoadEd25519PublicKey reads the relay public key a client pins for record verification.
func LoadEd25519PublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := readKeyBlock(path, relayPublicPEMType, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

// KeyFingerprint is the first 16 bytes of the key's SHA-256, hex encoded.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

func readKeyBlock(path, blockType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	block, _ := pem.Decode(raw)
	switch {
	case block == nil:
		return nil, fmt.Errorf("%s: no PEM block", filepath.Base(path))
	case block.Type != blockType:
		return nil, fmt.Errorf("%s: PEM type %q, want %q", filepath.Base(path), block.Type, blockType)
	case len(block.Bytes) != size:
		return nil, fmt.Errorf("%s: key is %d bytes, want %d", filepath.Base(path), len(block.Bytes), size)
	}
	return block.Bytes, nil
}

func writeKeyBlock(path, blockType string, key []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	encoded := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: key})
	if err := os.WriteFile(path, encoded, perm); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
