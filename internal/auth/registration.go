package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"golang.org/x/time/rate"
)

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// registrationResponse is the DCR response.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope"`
}

// RegistrationLimit bounds how many clients may self-register.
type RegistrationLimit struct {
	PerMinute int
	Burst     int
}

func (l RegistrationLimit) limiter() *rate.Limiter {
	if l.PerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}

	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.PerMinute)), burst)
}

var supportedGrantTypes = []string{"authorization_code", "refresh_token"}

// HandleRegistration returns the /oauth/register handler.
func HandleRegistration(clients *Clients, limit RegistrationLimit, logger *slog.Logger) http.HandlerFunc {
	limiter := limit.limiter()

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if !limiter.Allow() {
			logger.Warn("client registration rate limited", slog.String("ip", remoteIP(r)))
			w.Header().Set("Retry-After", "60")
			writeJSONError(w, http.StatusTooManyRequests, CodeInvalidRequest, "too many registrations, try again later")

			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, CodeInvalidClientMetadata, "invalid request body")
			return
		}

		if len(req.RedirectURIs) == 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
			return
		}

		for _, uri := range req.RedirectURIs {
			if !validRegistrationURI(uri) {
				writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri",
					"redirect_uris must be https or loopback http without a fragment")

				return
			}
		}

		grantTypes := req.GrantTypes
		if len(grantTypes) == 0 {
			grantTypes = supportedGrantTypes
		}

		for _, g := range grantTypes {
			if !slices.Contains(supportedGrantTypes, g) {
				writeJSONError(w, http.StatusBadRequest, CodeInvalidClientMetadata, "unsupported grant type "+g)
				return
			}
		}

		responseTypes := req.ResponseTypes
		if len(responseTypes) == 0 {
			responseTypes = []string{"code"}
		}

		if !slices.Equal(responseTypes, []string{"code"}) {
			writeJSONError(w, http.StatusBadRequest, CodeInvalidClientMetadata, `response_types must be ["code"]`)
			return
		}

		if req.TokenEndpointAuthMethod != "" && req.TokenEndpointAuthMethod != "client_secret_post" {
			writeJSONError(w, http.StatusBadRequest, CodeInvalidClientMetadata,
				"token_endpoint_auth_method must be client_secret_post")

			return
		}

		scopes, ok := resolveScopes(parseScopes(req.Scope), SupportedScopes)
		if !ok {
			writeJSONError(w, http.StatusBadRequest, CodeInvalidClientMetadata, "unsupported scope")
			return
		}

		clientID, secret, err := clients.RegisterDynamic(r.Context(), req.ClientName, req.RedirectURIs, grantTypes, scopes)
		if err != nil {
			logger.Error("registering client", slog.Any("error", err))
			writeJSONError(w, http.StatusInternalServerError, CodeServerError, "could not register client")

			return
		}

		resp := registrationResponse{
			ClientID:                clientID,
			ClientSecret:            secret,
			ClientIDIssuedAt:        clients.now().Unix(),
			ClientSecretExpiresAt:   0,
			ClientName:              req.ClientName,
			RedirectURIs:            req.RedirectURIs,
			GrantTypes:              grantTypes,
			ResponseTypes:           responseTypes,
			TokenEndpointAuthMethod: "client_secret_post",
			Scope:                   joinScopes(scopes),
		}

		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusCreated, resp)
	}
}
