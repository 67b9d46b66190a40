package httpregistry

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrShortKey is returned for signing keys under 32 bytes
var ErrShortKey = errors.New("signing key must be at least 32 characters")

const (
	tokenIssuer   = "canteen"
	tokenDuration = time.Minute
)

// Signer mints short-lived HS256 tokens proving the caller holds the
// pre-shared registration key
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner validates key and returns a Signer
func NewSigner(key string) (*Signer, error) {
	if len(key) < 32 {
		return nil, ErrShortKey
	}
	return &Signer{key: []byte(key), now: time.Now}, nil
}

// Token returns a token whose subject is host and audience is namespace
func (s *Signer) Token(host, namespace string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   host,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
	}
	if namespace != "" {
		claims.Audience = jwt.ClaimStrings{namespace}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
