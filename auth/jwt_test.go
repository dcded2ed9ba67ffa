package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	authority, err := NewAuthority("secret")
	if err != nil {
		t.Fatalf("NewAuthority failed: %v", err)
	}

	token, err := authority.Issue("alice", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	identity, err := authority.Parse("Bearer " + token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if identity.UserID != "alice" {
		t.Fatalf("expected alice, got %q", identity.UserID)
	}

	userID, err := authority.Authenticate(token)
	if err != nil || userID != "alice" {
		t.Fatalf("Authenticate returned %q, %v", userID, err)
	}

	unverified, err := ParseUnverified(token)
	if err != nil || unverified.UserID != "alice" {
		t.Fatalf("ParseUnverified returned %+v, %v", unverified, err)
	}
}

func TestParseRejectsForeignAndExpiredTokens(t *testing.T) {
	authority, err := NewAuthority("secret")
	if err != nil {
		t.Fatalf("NewAuthority failed: %v", err)
	}
	other, err := NewAuthority("other-secret")
	if err != nil {
		t.Fatalf("NewAuthority other failed: %v", err)
	}

	foreign, err := other.Issue("mallory", time.Hour)
	if err != nil {
		t.Fatalf("Issue foreign failed: %v", err)
	}
	if _, err := authority.Parse(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign token, got %v", err)
	}

	past := time.Now().Add(-2 * time.Hour)
	authority.now = func() time.Time { return past }
	expired, err := authority.Issue("alice", time.Hour)
	if err != nil {
		t.Fatalf("Issue expired failed: %v", err)
	}
	authority.now = time.Now
	if _, err := authority.Parse(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	if _, err := authority.Parse(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestNewAuthorityRequiresSecret(t *testing.T) {
	if _, err := NewAuthority(""); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}
