package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the token failed parsing or validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingSecret indicates an empty HMAC secret.
	ErrMissingSecret = errors.New("auth: signing secret is required")
)

// Claims carries the authenticated user id.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Identity is the authenticated user of a session.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

// Authority issues and validates HS256 identity tokens.
type Authority struct {
	secret []byte
	now    func() time.Time
}

// NewAuthority returns an Authority for the shared secret.
func NewAuthority(secret string) (*Authority, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Authority{secret: []byte(secret), now: time.Now}, nil
}

// Issue creates a token for userID valid for ttl.
func (a *Authority) Issue(userID string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be > 0")
	}

	now := a.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Parse validates tokenStr and returns its identity.
func (a *Authority) Parse(tokenStr string) (Identity, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	if tokenStr == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}

	identity := Identity{UserID: claims.UserID}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// Authenticate adapts Parse to the push server's registration hook.
func (a *Authority) Authenticate(token string) (string, error) {
	identity, err := a.Parse(token)
	if err != nil {
		return "", err
	}
	return identity.UserID, nil
}

// ParseUnverified reads the user id from a token without checking its
// signature. Clients use it to learn their own identity from a token the
// relay issued; the relay never trusts it.
func ParseUnverified(tokenStr string) (Identity, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(tokenStr), claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	identity := Identity{UserID: claims.UserID}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}
