// Package token issues and verifies HS256 signed tokens. Invitation codes are
// tokens of type "invitation" whose subject is the invitee's email.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token types.
const (
	TypeAccess     = "access"
	TypeInvitation = "invitation"
)

// ErrInvalidToken is returned for malformed, expired or mistyped tokens.
var ErrInvalidToken = errors.New("invalid token")

// reserved claims are owned by the issuer and can not be overridden.
var reserved = map[string]bool{
	"sub": true, "iss": true, "iat": true, "nbf": true, "exp": true, "jti": true, "type": true,
}

type Issuer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

func NewIssuer(key []byte, issuer string) *Issuer {
	return &Issuer{key: key, issuer: issuer, now: time.Now}
}

// CreateToken signs a token for identity. Every token carries a random jti so
// two tokens minted in the same second never collide. Extra claims may not use
// reserved names.
func (i *Issuer) CreateToken(identity, tokenType string, expiresIn time.Duration, claims map[string]interface{}) (string, error) {
	if len(i.key) == 0 {
		return "", errors.New("token signing key is not configured")
	}
	if expiresIn <= 0 {
		return "", fmt.Errorf("token lifetime must be positive, got %s", expiresIn)
	}

	now := i.now().UTC()
	mc := jwt.MapClaims{
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
		"jti":  uuid.NewString(),
		"type": tokenType,
	}
	if identity != "" {
		mc["sub"] = identity
	}
	if i.issuer != "" {
		mc["iss"] = i.issuer
	}
	for k, v := range claims {
		if reserved[k] {
			return "", fmt.Errorf("claim %q is reserved", k)
		}
		mc[k] = v
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token of the given type and returns its claims.
func (i *Issuer) Verify(tokenStr, tokenType string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	if t, _ := claims["type"].(string); t != tokenType {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrInvalidToken, tokenType, t)
	}
	return claims, nil
}

// VerifyInvitationToken checks signature, expiry and type of an invitation code.
func (i *Issuer) VerifyInvitationToken(tokenStr string) (jwt.MapClaims, error) {
	return i.Verify(tokenStr, TypeInvitation)
}
