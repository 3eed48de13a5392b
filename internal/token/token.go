// Package token signs and verifies the stateless access tokens issued
// by the authorization server. Tokens are HS256 JWTs whose audience is
// pinned to the protected resource's identifier.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TypeAccess is the only token type accepted by Verify.
const TypeAccess = "access"

// MinKeyLen is the minimum signing key length in bytes.
const MinKeyLen = 32

// Verification failures. Each maps to a distinct reason reported to
// the client in the WWW-Authenticate challenge.
var (
	ErrExpired      = errors.New("token expired")
	ErrBadSignature = errors.New("token signature invalid")
	ErrBadAudience  = errors.New("token audience mismatch")
	ErrWrongType    = errors.New("wrong token type")
	ErrMalformed    = errors.New("token malformed")
)

// Claims is the access token claim set.
type Claims struct {
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

// Scopes returns the space-delimited scope claim as a slice.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// Codec signs and verifies access tokens for a single issuer and
// resource.
type Codec struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewCodec returns a Codec. audience is this resource's own identifier;
// Verify rejects tokens minted for any other audience.
func NewCodec(key []byte, issuer, audience string) (*Codec, error) {
	if len(key) < MinKeyLen {
		return nil, fmt.Errorf("signing key must be at least %d bytes", MinKeyLen)
	}

	return &Codec{key: key, issuer: issuer, audience: audience, now: time.Now}, nil
}

// Audience returns the resource identifier tokens are pinned to.
func (c *Codec) Audience() string {
	return c.audience
}

// Sign issues an access token for subject.
func (c *Codec) Sign(subject string, scopes []string, clientID, audience string, ttl time.Duration) (string, error) {
	now := c.now()
	claims := Claims{
		Scope:    strings.Join(scopes, " "),
		ClientID: clientID,
		Type:     TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return signed, nil
}

// Verify checks the signature, expiry, issuer and audience of raw and
// returns its claims.
func (c *Codec) Verify(raw string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(c.audience),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, classify(err)
	}

	// WithAudience only requires membership; the token must be minted
	// for this resource alone.
	if len(claims.Audience) != 1 {
		return nil, ErrBadAudience
	}

	if claims.Type != TypeAccess {
		return nil, ErrWrongType
	}

	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrBadAudience
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
