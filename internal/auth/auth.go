// Package auth implements the OAuth 2.1 authorization server (client
// registry, authorization-code flow with PKCE, refresh tokens, dynamic
// client registration) and the bearer-token gate that protects tool
// invocation. All state lives in an injected kv.Store so several
// instances can share it.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
)

// ScopeTools grants tool invocation. It is the only scope this server
// issues and the default when a client requests none.
const ScopeTools = "tools"

// SupportedScopes lists every scope the server can grant.
var SupportedScopes = []string{ScopeTools}

// maxRequestBody caps form and JSON request bodies on OAuth endpoints.
const maxRequestBody = 64 << 10

// OAuth error codes (RFC 6749 Section 5.2, RFC 7591 Section 3.2.2).
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeInvalidScope            = "invalid_scope"
	CodeAccessDenied            = "access_denied"
	CodeInvalidClientMetadata   = "invalid_client_metadata"
	CodeServerError             = "server_error"
)

// Error is an OAuth protocol error. Code and Description map directly to
// the error and error_description response fields.
type Error struct {
	Code        string
	Description string
	Status      int
	err         error
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Description
}

// Unwrap returns the sentinel from internal/errors matching Code.
func (e *Error) Unwrap() error {
	return e.err
}

func newError(code, description string) *Error {
	e := &Error{Code: code, Description: description, Status: http.StatusBadRequest}

	switch code {
	case CodeInvalidClient:
		e.Status = http.StatusUnauthorized
		e.err = apperrors.ErrInvalidClient
	case CodeInvalidGrant:
		e.err = apperrors.ErrInvalidGrant
	case CodeUnauthorizedClient:
		e.err = apperrors.ErrUnauthorizedClient
	case CodeServerError:
		e.Status = http.StatusInternalServerError
		e.err = apperrors.ErrServer
	default:
		e.err = apperrors.ErrInvalidRequest
	}

	return e
}

func errServer(description string) *Error {
	return newError(CodeServerError, description)
}

// RandomHex returns a hex-encoded random string of byteLen bytes.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// HashSecret returns the hex SHA-256 of a secret. Client secrets,
// authorization codes and refresh tokens are stored only in this form.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// parseScopes splits a space-delimited scope parameter.
func parseScopes(scope string) []string {
	return strings.Fields(scope)
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// resolveScopes returns the scopes to grant for a request. An empty
// request gets everything allowed; anything outside allowed is rejected.
func resolveScopes(requested, allowed []string) ([]string, bool) {
	if len(requested) == 0 {
		return slices.Clone(allowed), true
	}

	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return nil, false
		}
	}

	return slices.Compact(slices.Sorted(slices.Values(requested))), true
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

// writeError renders err as an OAuth error response. Anything that is
// not an *Error becomes a 500 server_error without leaking details.
func writeError(w http.ResponseWriter, err error) {
	var oe *Error
	if !errors.As(err, &oe) {
		oe = errServer("internal error")
	}

	writeJSONError(w, oe.Status, oe.Code, oe.Description)
}
