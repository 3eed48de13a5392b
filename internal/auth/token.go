package auth

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	Token        string `json:"token"`
}

// parseTokenRequest accepts both form-encoded and JSON bodies.
func parseTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req tokenRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
			return req, false
		}

		return req, true
	}

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid form data")
		return req, false
	}

	return tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
		Token:        r.PostFormValue("token"),
	}, true
}

// HandleToken returns the /oauth/token handler.
func HandleToken(flow *Flow, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		req, ok := parseTokenRequest(w, r)
		if !ok {
			return
		}

		var (
			resp *TokenResponse
			err  error
		)

		switch req.GrantType {
		case "authorization_code":
			resp, err = flow.ExchangeCode(r.Context(), CodeExchange{
				Code:         req.Code,
				RedirectURI:  req.RedirectURI,
				ClientID:     req.ClientID,
				ClientSecret: req.ClientSecret,
				CodeVerifier: req.CodeVerifier,
			})
		case "refresh_token":
			resp, err = flow.ExchangeRefresh(r.Context(), RefreshExchange{
				RefreshToken: req.RefreshToken,
				ClientID:     req.ClientID,
				ClientSecret: req.ClientSecret,
				Scope:        req.Scope,
			})
		case "":
			writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "grant_type is required")
			return
		default:
			writeJSONError(w, http.StatusBadRequest, CodeUnsupportedGrantType,
				"supported grant types are authorization_code and refresh_token")

			return
		}

		if err != nil {
			logger.Debug("token request rejected",
				slog.String("grant_type", req.GrantType),
				slog.String("client_id", req.ClientID),
				slog.Any("error", err),
			)
			writeError(w, err)

			return
		}

		// RFC 6749 Section 5.1: token responses must not be cached.
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleRevoke returns the /oauth/revoke handler (RFC 7009). Only
// refresh tokens can be revoked; access tokens are stateless and
// expire on their own.
func HandleRevoke(flow *Flow, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		req, ok := parseTokenRequest(w, r)
		if !ok {
			return
		}

		if err := flow.RevokeRefresh(r.Context(), req.Token, req.ClientID, req.ClientSecret); err != nil {
			logger.Debug("revocation rejected", slog.String("client_id", req.ClientID), slog.Any("error", err))
			writeError(w, err)

			return
		}

		w.WriteHeader(http.StatusOK)
	}
}
