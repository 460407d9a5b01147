// Package token issues and validates the capability tokens a client presents
// in its listen message. Tokens are HMAC-signed JWTs carrying the client
// identity and the media capabilities granted to it.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the capability token payload.
type Claims struct {
	ClientID string `json:"client_id"`
	// Audio grants permission to place and receive audio calls.
	Audio bool `json:"audio"`
	jwt.RegisteredClaims
}

// Issuer signs capability tokens for a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer returns an issuer for the given HMAC secret and token lifetime.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue returns a signed capability token for clientID.
func (i *Issuer) Issue(clientID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		ClientID: clientID,
		Audio:    true,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Validate parses and verifies a capability token. Expired tokens return
// ErrExpiredToken so callers can distinguish them from forgeries.
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
