// Package models defines types shared across internal packages.
package models

import (
	"slices"
	"time"
)

// OAuthClient is a registered OAuth client. Static clients are created
// with an owner; dynamically registered clients start unowned and are
// bound to the first principal that approves an authorization for them.
type OAuthClient struct {
	ClientID     string     `json:"client_id"`
	SecretHash   string     `json:"secret_hash"`
	Owner        string     `json:"owner,omitempty"`
	ClientName   string     `json:"client_name,omitempty"`
	RedirectURIs []string   `json:"redirect_uris,omitempty"`
	GrantTypes   []string   `json:"grant_types,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
	Dynamic      bool       `json:"dynamic,omitempty"`
	Revoked      bool       `json:"revoked,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// HasOwner reports whether the client has been bound to a principal.
func (c *OAuthClient) HasOwner() bool {
	return c.Owner != ""
}

// AllowsGrant reports whether the client registered the given grant type.
// Clients registered without grant types accept authorization_code and
// refresh_token.
func (c *OAuthClient) AllowsGrant(grant string) bool {
	if len(c.GrantTypes) == 0 {
		return grant == "authorization_code" || grant == "refresh_token"
	}

	return slices.Contains(c.GrantTypes, grant)
}

// PendingAuthorization correlates an authorization request with the
// user's decision. It is consumed exactly once.
type PendingAuthorization struct {
	Handle              string    `json:"handle"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	State               string    `json:"state,omitempty"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scopes              []string  `json:"scopes,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// AuthCode is a single-use authorization code bound to the approving
// principal and the original request parameters.
type AuthCode struct {
	CodeHash            string    `json:"code_hash"`
	Principal           string    `json:"principal"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scopes              []string  `json:"scopes,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
	Consumed            bool      `json:"consumed,omitempty"`
}

// RefreshToken is a stored refresh token. Only the SHA-256 hash of the
// token value is persisted.
type RefreshToken struct {
	TokenHash  string     `json:"token_hash"`
	Principal  string     `json:"principal"`
	ClientID   string     `json:"client_id"`
	Scopes     []string   `json:"scopes,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Revoked    bool       `json:"revoked,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
