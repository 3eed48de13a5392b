package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/alexjbarnes/toolpay/internal/token"
)

type contextKey int

const (
	ctxIdentity contextKey = iota
	ctxRemoteIP
)

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	Principal string
	Scopes    []string
	ClientID  string
}

// HasScope reports whether the identity was granted scope.
func (id Identity) HasScope(scope string) bool {
	return slices.Contains(id.Scopes, scope)
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

// IdentityFrom returns the identity attached by Middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxIdentity).(Identity)
	return id, ok
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// TokenVerifier verifies access tokens.
type TokenVerifier interface {
	Verify(raw string) (*token.Claims, error)
}

// failureReason maps a verification error to the reason reported in
// error_description.
func failureReason(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, token.ErrBadAudience):
		return "bad_audience"
	case errors.Is(err, token.ErrWrongType):
		return "wrong_type"
	default:
		return "malformed"
	}
}

// Middleware returns HTTP middleware that validates Bearer tokens.
// Unauthenticated requests get a 401 with the WWW-Authenticate header
// pointing to the protected resource metadata URL (RFC 9728 Section 5.1).
// Valid tokens without requiredScope get a 403 insufficient_scope.
func Middleware(verifier TokenVerifier, logger *slog.Logger, metadataURL, requiredScope string) func(http.Handler) http.Handler {
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL)

	invalid := func(w http.ResponseWriter, reason string) {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(
			`Bearer error="invalid_token", error_description="%s", resource_metadata="%s"`, reason, metadataURL))
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", reason)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			scheme, raw, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
				logger.Debug("middleware: unsupported authorization scheme",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				invalid(w, "unsupported_scheme")

				return
			}

			claims, err := verifier.Verify(strings.TrimSpace(raw))
			if err != nil {
				reason := failureReason(err)
				logger.Debug("middleware: invalid bearer token",
					slog.String("reason", reason),
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				invalid(w, reason)

				return
			}

			id := Identity{
				Principal: claims.Subject,
				Scopes:    claims.Scopes(),
				ClientID:  claims.ClientID,
			}

			if requiredScope != "" && !id.HasScope(requiredScope) {
				logger.Debug("middleware: insufficient scope",
					slog.String("principal", id.Principal),
					slog.String("client_id", id.ClientID),
				)
				w.Header().Set("WWW-Authenticate", fmt.Sprintf(
					`Bearer error="insufficient_scope", scope="%s", resource_metadata="%s"`, requiredScope, metadataURL))
				writeJSONError(w, http.StatusForbidden, "insufficient_scope", "token lacks the "+requiredScope+" scope")

				return
			}

			logger.Debug("middleware: authenticated via bearer token",
				slog.String("principal", id.Principal),
				slog.String("client_id", id.ClientID),
				slog.String("ip", ip),
			)

			ctx := WithIdentity(r.Context(), id)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
