// Package server provides HTTP server construction for toolpay.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/toolpay/internal/auth"
	"github.com/alexjbarnes/toolpay/internal/invocation"
	"github.com/alexjbarnes/toolpay/internal/metrics"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Clients      *auth.Clients
	Flow         *auth.Flow
	Verifier     auth.TokenVerifier
	Users        auth.UserCredentials
	Registration auth.RegistrationLimit
	Invocations  *invocation.Service
	MCPHandler   http.Handler
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	// ServerURL is the public base URL and OAuth issuer.
	ServerURL string
	// ResourceURL identifies the protected resource. Access tokens
	// must carry it as their audience.
	ResourceURL string
}

// NewMux builds the HTTP mux with OAuth discovery, registration,
// authorization, token and revocation endpoints, plus the bearer
// protected tool API and MCP endpoints.
func NewMux(cfg MuxConfig) *http.ServeMux {
	resourceMeta := auth.HandleProtectedResourceMetadata(cfg.ResourceURL, cfg.ServerURL)
	serverMeta := auth.HandleServerMetadata(cfg.ServerURL)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", cfg.Metrics.Handler())

	// RFC 9728 and RFC 8414 allow the resource path as a suffix.
	mux.HandleFunc("/.well-known/oauth-protected-resource", resourceMeta)
	mux.HandleFunc("/.well-known/oauth-protected-resource/", resourceMeta)
	mux.HandleFunc("/.well-known/oauth-authorization-server", serverMeta)
	mux.HandleFunc("/.well-known/oauth-authorization-server/", serverMeta)

	mux.HandleFunc("/oauth/register", auth.HandleRegistration(cfg.Clients, cfg.Registration, cfg.Logger))
	mux.HandleFunc("/oauth/authorize", auth.HandleAuthorize(cfg.Flow, cfg.Clients, cfg.Users, cfg.Logger))
	mux.HandleFunc("/oauth/token", auth.HandleToken(cfg.Flow, cfg.Logger))
	mux.HandleFunc("/oauth/revoke", auth.HandleRevoke(cfg.Flow, cfg.Logger))

	protect := auth.Middleware(cfg.Verifier, cfg.Logger,
		cfg.ServerURL+"/.well-known/oauth-protected-resource", auth.ScopeTools)

	th := &toolHandlers{svc: cfg.Invocations, logger: cfg.Logger}
	mux.Handle("GET /tools", protect(http.HandlerFunc(th.listOwn)))
	mux.Handle("POST /tools", protect(http.HandlerFunc(th.create)))
	mux.Handle("DELETE /tools/{name}", protect(http.HandlerFunc(th.remove)))
	mux.Handle("GET /tools/{owner}", protect(http.HandlerFunc(th.listOwner)))
	mux.Handle("POST /tools/{owner}/{name}/invoke", protect(http.HandlerFunc(th.invoke)))

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp/{owner}", protect(cfg.MCPHandler))
	}

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
