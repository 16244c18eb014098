package coord

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry is how long issued bearer tokens remain valid.
const TokenExpiry = 24 * time.Hour

// tokenIssuer is the JWT issuer claim for tokens minted by the coordinator.
const tokenIssuer = "tunnelgrid"

// Claims are the JWT claims carried by agent bearer tokens.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// CredentialVerifier checks interactive login credentials. Implementations
// are supplied by the embedding process; the coordinator never hardcodes an
// accept-all policy.
type CredentialVerifier interface {
	Verify(username, password string) error
}

// ErrLoginDisabled is returned when no credential verifier is configured.
var ErrLoginDisabled = errors.New("interactive login is not enabled")

// ErrBadCredentials is returned by verifiers for a wrong username/password.
var ErrBadCredentials = errors.New("invalid username or password")

// StaticVerifier checks credentials against a fixed username/password map,
// typically sourced from the coordinator config.
type StaticVerifier map[string]string

// Verify implements CredentialVerifier.
func (v StaticVerifier) Verify(username, password string) error {
	expected, ok := v[username]
	if !ok {
		// Compare anyway so unknown users cost the same as known ones.
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return ErrBadCredentials
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(expected)) != 1 {
		return ErrBadCredentials
	}
	return nil
}

// GenerateToken issues a signed bearer token for the given username.
func (s *Server) GenerateToken(username string) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Auth.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies a bearer token's signature and expiry and returns
// its claims.
func (s *Server) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.Auth.Secret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
