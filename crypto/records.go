package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"dmsync/models"
)

// ErrInvalidSignature indicates a message record does not carry a valid relay signature.
var ErrInvalidSignature = errors.New("crypto: invalid record signature")

// RecordSigner signs confirmed message records on the relay.
type RecordSigner struct {
	privateKey ed25519.PrivateKey
}

// NewRecordSigner wraps the relay private key.
func NewRecordSigner(privateKey ed25519.PrivateKey) (*RecordSigner, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	return &RecordSigner{privateKey: privateKey}, nil
}

// SignMessage returns the base64 signature over the canonical record.
func (s *RecordSigner) SignMessage(message models.Message) (string, error) {
	signable, err := signableRecord(message)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, signable)), nil
}

// RecordVerifier checks relay signatures on the client.
type RecordVerifier struct {
	publicKey ed25519.PublicKey
}

// NewRecordVerifier wraps the pinned relay public key.
func NewRecordVerifier(publicKey ed25519.PublicKey) (*RecordVerifier, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key length: got %d want %d", len(publicKey), ed25519.PublicKeySize)
	}
	return &RecordVerifier{publicKey: publicKey}, nil
}

// VerifyMessage returns ErrInvalidSignature unless message.Signature covers the record.
func (v *RecordVerifier) VerifyMessage(message models.Message) error {
	if message.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	signature, err := base64.StdEncoding.DecodeString(message.Signature)
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrInvalidSignature, err)
	}
	signable, err := signableRecord(message)
	if err != nil {
		return err
	}
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(v.publicKey, signable, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// recordContext is prepended to the canonical fields before signing.
const recordContext = "dmsync-record-v1\n"

func signableRecord(message models.Message) ([]byte, error) {
	fields, err := json.Marshal(message.SignedFields())
	if err != nil {
		return nil, fmt.Errorf("marshal signable record: %w", err)
	}
	return append([]byte(recordContext), fields...), nil
}
