package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/toolpay/internal/kv"
	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/alexjbarnes/toolpay/internal/token"
)

const (
	pendingPrefix = "pending:"
	codePrefix    = "code:"
	refreshPrefix = "refresh:"

	pendingExpiry = 10 * time.Minute
	codeExpiry    = 10 * time.Minute

	// DefaultAccessTTL and DefaultRefreshTTL apply when FlowConfig
	// leaves the lifetimes unset.
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour

	handleBytes   = 16
	authCodeBytes = 32
	refreshBytes  = 32

	// RefreshTokenPrefix marks refresh tokens so they are not confused
	// with access tokens in logs and headers.
	RefreshTokenPrefix = "rt_"

	methodS256 = "S256"
)

// TokenRecorder observes issued tokens. It may be nil.
type TokenRecorder interface {
	TokenIssued(grant string)
}

// FlowConfig configures the authorization flow.
type FlowConfig struct {
	// Issuer is the authorization server identifier, returned as iss.
	Issuer string
	// Audience is the protected resource identifier access tokens are
	// pinned to.
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RotateRefresh bool
	Recorder      TokenRecorder
}

// Flow is the authorization-code state machine: pending authorization,
// user decision, single-use code, token exchange.
type Flow struct {
	store   kv.Store
	clients *Clients
	codec   *token.Codec
	cfg     FlowConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewFlow returns a Flow storing its state in store.
func NewFlow(store kv.Store, clients *Clients, codec *token.Codec, cfg FlowConfig, logger *slog.Logger) *Flow {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}

	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}

	return &Flow{
		store:   store,
		clients: clients,
		codec:   codec,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Issuer returns the authorization server identifier.
func (f *Flow) Issuer() string {
	return f.cfg.Issuer
}

// AuthorizeRequest holds the parameters of an authorization request.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Resource            string
}

// Begin validates an authorization request and stores it as a pending
// authorization awaiting the user's decision.
func (f *Flow) Begin(ctx context.Context, req AuthorizeRequest) (*models.PendingAuthorization, error) {
	if req.ClientID == "" {
		return nil, newError(CodeInvalidRequest, "client_id is required")
	}

	if req.RedirectURI == "" {
		return nil, newError(CodeInvalidRequest, "redirect_uri is required")
	}

	switch req.ResponseType {
	case "code":
	case "":
		return nil, newError(CodeInvalidRequest, `response_type is required and must be "code"`)
	default:
		return nil, newError(CodeUnsupportedResponseType, `response_type must be "code"`)
	}

	if req.CodeChallenge == "" {
		return nil, newError(CodeInvalidRequest, "code_challenge is required (PKCE)")
	}

	method := req.CodeChallengeMethod
	if method == "" {
		method = methodS256
	}

	if method != methodS256 {
		return nil, newError(CodeInvalidRequest, "only S256 code_challenge_method is supported")
	}

	client, err := f.clients.Get(ctx, req.ClientID)
	if err != nil {
		return nil, newError(CodeInvalidRequest, "unknown client_id")
	}

	if client.Revoked {
		return nil, newError(CodeInvalidRequest, "client has been revoked")
	}

	if !client.AllowsGrant("authorization_code") {
		return nil, newError(CodeUnauthorizedClient, "client is not registered for the authorization_code grant")
	}

	if !validateRedirectURI(client, req.RedirectURI) {
		return nil, newError(CodeInvalidRequest, "redirect_uri not registered for this client")
	}

	if req.Resource != "" && strings.TrimRight(req.Resource, "/") != strings.TrimRight(f.cfg.Audience, "/") {
		return nil, newError(CodeInvalidRequest, "resource parameter does not match this server")
	}

	scopes, ok := resolveScopes(parseScopes(req.Scope), client.Scopes)
	if !ok {
		return nil, newError(CodeInvalidScope, "requested scope exceeds the client's registered scopes")
	}

	pending := &models.PendingAuthorization{
		Handle:              RandomHex(handleBytes),
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Scopes:              scopes,
		ExpiresAt:           f.now().Add(pendingExpiry),
	}

	if err := kv.PutJSON(ctx, f.store, pendingPrefix+pending.Handle, pending, pendingExpiry); err != nil {
		f.logger.Error("storing pending authorization", slog.Any("error", err))
		return nil, errServer("could not store authorization request")
	}

	return pending, nil
}

// Pending returns a pending authorization without consuming it, so the
// decision page can be re-rendered after a failed login.
func (f *Flow) Pending(ctx context.Context, handle string) (*models.PendingAuthorization, error) {
	pending, _, err := kv.GetJSON[models.PendingAuthorization](ctx, f.store, pendingPrefix+handle)
	if err != nil || handle == "" || f.now().After(pending.ExpiresAt) {
		return nil, newError(CodeInvalidRequest, "authorization request expired or unknown")
	}

	return pending, nil
}

// Decision is the outcome of a user's decision on a pending
// authorization. Exactly one of Code and Error is set.
type Decision struct {
	RedirectURI      string
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// Location builds the redirect back to the client, including the issuer
// identifier (RFC 9207).
func (d *Decision) Location(issuer string) string {
	params := url.Values{}

	if d.Error != "" {
		params.Set("error", d.Error)
		params.Set("error_description", d.ErrorDescription)
	} else {
		params.Set("code", d.Code)
	}

	if d.State != "" {
		params.Set("state", d.State)
	}

	if issuer != "" {
		params.Set("iss", issuer)
	}

	return appendQuery(d.RedirectURI, params)
}

// Decide consumes a pending authorization and records the user's
// decision. Approval by a principal binds an unowned dynamic client to
// that principal; approval for a client owned by someone else yields an
// unauthorized_client decision.
func (f *Flow) Decide(ctx context.Context, handle, principal string, approved bool) (*Decision, error) {
	if handle == "" {
		return nil, newError(CodeInvalidRequest, "authorization request expired or unknown")
	}

	raw, err := f.store.Take(ctx, pendingPrefix+handle)
	if err != nil {
		return nil, newError(CodeInvalidRequest, "authorization request expired or unknown")
	}

	var pending models.PendingAuthorization
	if err := json.Unmarshal(raw, &pending); err != nil {
		return nil, errServer("corrupt authorization request")
	}

	if f.now().After(pending.ExpiresAt) {
		return nil, newError(CodeInvalidRequest, "authorization request expired")
	}

	d := &Decision{RedirectURI: pending.RedirectURI, State: pending.State}

	if !approved {
		d.Error = CodeAccessDenied
		d.ErrorDescription = "the user denied the request"

		return d, nil
	}

	if principal == "" {
		return nil, newError(CodeInvalidRequest, "approval requires an authenticated principal")
	}

	client, err := f.clients.Get(ctx, pending.ClientID)
	if err != nil {
		return nil, newError(CodeInvalidRequest, "unknown client_id")
	}

	if !client.HasOwner() {
		if err := f.clients.AssignOwnerIfUnset(ctx, client.ClientID, principal); err != nil {
			f.logger.Error("assigning client owner", slog.String("client_id", client.ClientID), slog.Any("error", err))
			return nil, errServer("could not assign client owner")
		}

		client, err = f.clients.Get(ctx, pending.ClientID)
		if err != nil {
			return nil, errServer("could not re-read client")
		}
	}

	if client.Revoked || client.Owner != principal {
		f.logger.Warn("authorization rejected: client owned by another principal",
			slog.String("client_id", client.ClientID),
			slog.String("principal", principal),
		)

		d.Error = CodeUnauthorizedClient
		d.ErrorDescription = "client is bound to a different user"

		return d, nil
	}

	code := RandomHex(authCodeBytes)
	ac := &models.AuthCode{
		CodeHash:            HashSecret(code),
		Principal:           principal,
		ClientID:            client.ClientID,
		RedirectURI:         pending.RedirectURI,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		Scopes:              pending.Scopes,
		ExpiresAt:           f.now().Add(codeExpiry),
	}

	if err := kv.PutJSON(ctx, f.store, codePrefix+ac.CodeHash, ac, codeExpiry); err != nil {
		f.logger.Error("storing authorization code", slog.Any("error", err))
		return nil, errServer("could not store authorization code")
	}

	f.logger.Info("authorization approved",
		slog.String("client_id", client.ClientID),
		slog.String("principal", principal),
	)

	d.Code = code

	return d, nil
}

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// CodeExchange holds the authorization_code grant parameters.
type CodeExchange struct {
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
}

var (
	errCodeConsumed = errors.New("code already consumed")
	errCodeExpired  = errors.New("code expired")
)

// ExchangeCode redeems an authorization code. The code is consumed
// atomically before any other check, so it can be redeemed at most once
// even if the remaining checks fail.
func (f *Flow) ExchangeCode(ctx context.Context, req CodeExchange) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, newError(CodeInvalidRequest, "code is required")
	}

	client, err := f.clients.Verify(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if !client.AllowsGrant("authorization_code") {
		return nil, newError(CodeUnauthorizedClient, "client is not registered for the authorization_code grant")
	}

	codeHash := HashSecret(req.Code)
	now := f.now()

	ac, err := kv.Mutate(ctx, f.store, codePrefix+codeHash,
		func(ac *models.AuthCode) time.Duration { return kv.TTLUntil(ac.ExpiresAt) },
		func(ac *models.AuthCode) error {
			if ac.Consumed {
				return errCodeConsumed
			}

			if now.After(ac.ExpiresAt) {
				return errCodeExpired
			}

			ac.Consumed = true

			return nil
		})

	switch {
	case errors.Is(err, errCodeConsumed):
		f.logger.Warn("authorization code replay", slog.String("client_id", req.ClientID))
		return nil, newError(CodeInvalidGrant, "authorization code already used")
	case errors.Is(err, errCodeExpired), errors.Is(err, kv.ErrNotFound):
		return nil, newError(CodeInvalidGrant, "invalid or expired authorization code")
	case err != nil:
		f.logger.Error("consuming authorization code", slog.Any("error", err))
		return nil, errServer("could not redeem authorization code")
	}

	if ac.ClientID != client.ClientID {
		return nil, newError(CodeInvalidGrant, "authorization code was issued to another client")
	}

	if client.Owner != ac.Principal {
		return nil, newError(CodeUnauthorizedClient, "client is bound to a different user")
	}

	if ac.RedirectURI != req.RedirectURI {
		return nil, newError(CodeInvalidGrant, "redirect_uri mismatch")
	}

	if req.CodeVerifier == "" {
		return nil, newError(CodeInvalidGrant, "code_verifier is required")
	}

	if !verifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
		return nil, newError(CodeInvalidGrant, "PKCE verification failed")
	}

	return f.issue(ctx, ac.Principal, client.ClientID, ac.Scopes, true, "authorization_code")
}

// RefreshExchange holds the refresh_token grant parameters.
type RefreshExchange struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	Scope        string
}

var errTokenRevoked = errors.New("refresh token revoked")

// ExchangeRefresh issues a new access token for a refresh token. The
// refresh token is rotated only when FlowConfig.RotateRefresh is set.
func (f *Flow) ExchangeRefresh(ctx context.Context, req RefreshExchange) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, newError(CodeInvalidRequest, "refresh_token is required")
	}

	client, err := f.clients.Verify(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if !client.AllowsGrant("refresh_token") {
		return nil, newError(CodeUnauthorizedClient, "client is not registered for the refresh_token grant")
	}

	key := refreshPrefix + HashSecret(req.RefreshToken)

	rt, _, err := kv.GetJSON[models.RefreshToken](ctx, f.store, key)
	if err != nil {
		return nil, newError(CodeInvalidGrant, "invalid refresh token")
	}

	if rt.Revoked {
		f.logger.Warn("revoked refresh token presented", slog.String("client_id", req.ClientID))
		return nil, newError(CodeInvalidGrant, "refresh token has been revoked")
	}

	if f.now().After(rt.ExpiresAt) {
		return nil, newError(CodeInvalidGrant, "refresh token expired")
	}

	if rt.ClientID != client.ClientID {
		return nil, newError(CodeInvalidGrant, "refresh token was issued to another client")
	}

	if client.Owner != rt.Principal {
		return nil, newError(CodeUnauthorizedClient, "client is bound to a different user")
	}

	scopes, ok := resolveScopes(parseScopes(req.Scope), rt.Scopes)
	if !ok {
		return nil, newError(CodeInvalidScope, "requested scope exceeds the original grant")
	}

	now := f.now().UTC()
	ttl := func(rt *models.RefreshToken) time.Duration { return kv.TTLUntil(rt.ExpiresAt) }

	_, err = kv.Mutate(ctx, f.store, key, ttl, func(rt *models.RefreshToken) error {
		if rt.Revoked {
			return errTokenRevoked
		}

		rt.LastUsedAt = &now

		if f.cfg.RotateRefresh {
			rt.Revoked = true
		}

		return nil
	})
	if errors.Is(err, errTokenRevoked) || errors.Is(err, kv.ErrNotFound) {
		return nil, newError(CodeInvalidGrant, "refresh token has been revoked")
	}

	if err != nil {
		f.logger.Error("updating refresh token", slog.Any("error", err))
		return nil, errServer("could not redeem refresh token")
	}

	return f.issue(ctx, rt.Principal, client.ClientID, scopes, f.cfg.RotateRefresh, "refresh_token")
}

// RevokeRefresh revokes a refresh token (RFC 7009). Unknown tokens and
// tokens belonging to other clients are ignored.
func (f *Flow) RevokeRefresh(ctx context.Context, refreshToken, clientID, clientSecret string) error {
	client, err := f.clients.Verify(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}

	if refreshToken == "" {
		return newError(CodeInvalidRequest, "token is required")
	}

	key := refreshPrefix + HashSecret(refreshToken)
	ttl := func(rt *models.RefreshToken) time.Duration { return kv.TTLUntil(rt.ExpiresAt) }

	_, err = kv.Mutate(ctx, f.store, key, ttl, func(rt *models.RefreshToken) error {
		if rt.Revoked || rt.ClientID != client.ClientID {
			return kv.ErrNoChange
		}

		rt.Revoked = true

		return nil
	})
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		f.logger.Error("revoking refresh token", slog.Any("error", err))
		return errServer("could not revoke token")
	}

	return nil
}

func (f *Flow) issue(ctx context.Context, principal, clientID string, scopes []string, withRefresh bool, grant string) (*TokenResponse, error) {
	access, err := f.codec.Sign(principal, scopes, clientID, f.cfg.Audience, f.cfg.AccessTTL)
	if err != nil {
		f.logger.Error("signing access token", slog.Any("error", err))
		return nil, errServer("could not issue token")
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(f.cfg.AccessTTL.Seconds()),
		Scope:       strings.Join(scopes, " "),
	}

	if withRefresh {
		raw := RefreshTokenPrefix + RandomHex(refreshBytes)
		now := f.now().UTC()
		rt := &models.RefreshToken{
			TokenHash: HashSecret(raw),
			Principal: principal,
			ClientID:  clientID,
			Scopes:    slices.Clone(scopes),
			ExpiresAt: now.Add(f.cfg.RefreshTTL),
			CreatedAt: now,
		}

		if err := kv.PutJSON(ctx, f.store, refreshPrefix+rt.TokenHash, rt, f.cfg.RefreshTTL); err != nil {
			f.logger.Error("storing refresh token", slog.Any("error", err))
			return nil, errServer("could not issue token")
		}

		resp.RefreshToken = raw
	}

	if f.cfg.Recorder != nil {
		f.cfg.Recorder.TokenIssued(grant)
	}

	f.logger.Info("token issued",
		slog.String("grant_type", grant),
		slog.String("client_id", clientID),
		slog.String("principal", principal),
	)

	return resp, nil
}

// verifyPKCE checks that SHA256(verifier) matches the challenge (S256 method).
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return computed == challenge
}
