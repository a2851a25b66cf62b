// Package auth contains the credential primitives of the server: the JWT
// codec for access/refresh tokens and the bcrypt password hasher.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType tags a JWT with the operation it may be used for.
type TokenType string

const (
	AccessToken  TokenType = "access"
	RefreshToken TokenType = "refresh"
)

// Claims is the JWT payload: the registered claims (sub = user public id,
// exp, iat, jti) plus the token type.
type Claims struct {
	jwt.RegisteredClaims
	Type TokenType `json:"type"`
}

// TokenCodec signs and verifies access and refresh tokens with a single
// HMAC secret. Both token kinds share the key; the embedded type keeps one
// from being accepted in place of the other.
type TokenCodec struct {
	secret []byte
	method jwt.SigningMethod
	now    func() time.Time
}

// NewTokenCodec returns a codec for the given secret and HMAC algorithm name
// (HS256, HS384 or HS512).
func NewTokenCodec(secret []byte, algorithm string) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty signing secret")
	}
	method, ok := jwt.GetSigningMethod(algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	return &TokenCodec{secret: secret, method: method, now: time.Now}, nil
}

// Issue returns a signed token for subject that expires ttl from now.
func (c *TokenCodec) Issue(subject string, typ TokenType, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("empty token subject")
	}
	now := c.now()
	token := jwt.NewWithClaims(c.method, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Type: typ,
	})

	return token.SignedString(c.secret)
}

// Verify checks the signature, the expiry and the type of tokenString and
// returns its subject. Every failure is reported as common.ErrInvalidToken.
func (c *TokenCodec) Verify(tokenString string, expected TokenType) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return c.secret, nil
		},
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !token.Valid {
		return "", common.ErrInvalidToken
	}

	if claims.Type != expected || claims.Subject == "" {
		return "", common.ErrInvalidToken
	}

	return claims.Subject, nil
}
