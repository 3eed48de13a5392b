package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testUsers(t *testing.T) UserCredentials {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)

	return UserCredentials{"testuser": string(hash)}
}

func authorizeURL(clientID string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", testRedirect)
	q.Set("state", "st")
	q.Set("code_challenge", pkceChallenge(testVerifier))
	q.Set("code_challenge_method", "S256")

	return "/oauth/authorize?" + q.Encode()
}

var handleRe = regexp.MustCompile(`name="handle" value="([a-f0-9]+)"`)

func renderHandle(t *testing.T, h http.HandlerFunc, clientID string) string {
	t.Helper()

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, authorizeURL(clientID), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	m := handleRe.FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2, "handle not found in form")

	return m[1]
}

func postForm(h http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "192.0.2.1:5555"

	rec := httptest.NewRecorder()
	h(rec, req)

	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return body
}

// --- Metadata ---

func TestHandleProtectedResourceMetadata(t *testing.T) {
	h := HandleProtectedResourceMetadata(testAudience, testIssuer)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var meta ProtectedResourceMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, testAudience, meta.Resource)
	assert.Equal(t, []string{testIssuer}, meta.AuthorizationServers)
	assert.Equal(t, []string{"header"}, meta.BearerMethodsSupported)
	assert.Equal(t, []string{ScopeTools}, meta.ScopesSupported)

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/.well-known/oauth-protected-resource", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleServerMetadata(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleServerMetadata(testIssuer)(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var meta ServerMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, testIssuer, meta.Issuer)
	assert.Equal(t, testIssuer+"/oauth/authorize", meta.AuthorizationEndpoint)
	assert.Equal(t, testIssuer+"/oauth/token", meta.TokenEndpoint)
	assert.Equal(t, testIssuer+"/oauth/register", meta.RegistrationEndpoint)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, meta.GrantTypesSupported)
	assert.Equal(t, []string{"code"}, meta.ResponseTypesSupported)
	assert.Equal(t, []string{"S256"}, meta.CodeChallengeMethodsSupported)
	assert.Equal(t, []string{"client_secret_post"}, meta.TokenEndpointAuthMethodsSupported)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
}

// --- Registration ---

func TestHandleRegistration(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	h := HandleRegistration(env.clients, RegistrationLimit{}, testLogger())

	body := `{"client_name":"Claude","redirect_uris":["https://app.example.com/callback"]}`
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp registrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ClientID)
	assert.NotEmpty(t, resp.ClientSecret)
	assert.NotZero(t, resp.ClientIDIssuedAt)
	assert.Zero(t, resp.ClientSecretExpiresAt)
	assert.Equal(t, "Claude", resp.ClientName)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, resp.GrantTypes)
	assert.Equal(t, "client_secret_post", resp.TokenEndpointAuthMethod)
	assert.Equal(t, ScopeTools, resp.Scope)

	client, err := env.clients.Verify(t.Context(), resp.ClientID, resp.ClientSecret)
	require.NoError(t, err)
	assert.True(t, client.Dynamic)
	assert.False(t, client.HasOwner())
}

func TestHandleRegistration_Invalid(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	h := HandleRegistration(env.clients, RegistrationLimit{}, testLogger())

	tests := []struct {
		name string
		body string
		code string
	}{
		{"bad json", `{`, CodeInvalidClientMetadata},
		{"no redirect uris", `{"client_name":"x"}`, "invalid_redirect_uri"},
		{"http non-loopback", `{"redirect_uris":["http://evil.example.com/cb"]}`, "invalid_redirect_uri"},
		{"fragment", `{"redirect_uris":["https://a.example.com/cb#frag"]}`, "invalid_redirect_uri"},
		{"implicit grant", `{"redirect_uris":["https://a.example.com/cb"],"grant_types":["implicit"]}`, CodeInvalidClientMetadata},
		{"token response", `{"redirect_uris":["https://a.example.com/cb"],"response_types":["token"]}`, CodeInvalidClientMetadata},
		{"public client", `{"redirect_uris":["https://a.example.com/cb"],"token_endpoint_auth_method":"none"}`, CodeInvalidClientMetadata},
		{"unknown scope", `{"redirect_uris":["https://a.example.com/cb"],"scope":"admin"}`, CodeInvalidClientMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec)["error"])
		})
	}
}

func TestHandleRegistration_LoopbackHTTPAllowed(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	h := HandleRegistration(env.clients, RegistrationLimit{}, testLogger())

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(`{"redirect_uris":["http://127.0.0.1:33418/callback"]}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandleRegistration_RateLimited(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	h := HandleRegistration(env.clients, RegistrationLimit{PerMinute: 1, Burst: 2}, testLogger())

	body := `{"redirect_uris":["https://app.example.com/callback"]}`

	for range 2 {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

// --- Authorize ---

func TestHandleAuthorize_GETRendersHandleOnly(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	clientID, _ := env.registerDynamic(t)
	h := HandleAuthorize(env.flow, env.clients, testUsers(t), testLogger())

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, authorizeURL(clientID), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	page := rec.Body.String()
	assert.Contains(t, page, `name="handle"`)
	assert.Contains(t, page, "Test App")
	assert.NotContains(t, page, pkceChallenge(testVerifier))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestHandleAuthorize_GETProtocolErrorIsJSON(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	h := HandleAuthorize(env.flow, env.clients, testUsers(t), testLogger())

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/oauth/authorize?response_type=token&client_id=x&redirect_uri=https://a/cb&code_challenge=c", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeUnsupportedResponseType, decodeError(t, rec)["error"])
}

func TestHandleAuthorize_ApproveRedirectsWithCode(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	clientID, secret := env.registerDynamic(t)
	h := HandleAuthorize(env.flow, env.clients, testUsers(t), testLogger())

	handle := renderHandle(t, h, clientID)
	rec := postForm(h, "/oauth/authorize", url.Values{
		"handle":   {handle},
		"action":   {"approve"},
		"username": {"testuser"},
		"password": {"password123"},
	})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "st", loc.Query().Get("state"))
	assert.Equal(t, testIssuer, loc.Query().Get("iss"))

	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	_, err = env.exchange(clientID, secret, code)
	require.NoError(t, err)
}

func TestHandleAuthorize_WrongPasswordKeepsHandle(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	clientID, _ := env.registerDynamic(t)
	h := HandleAuthorize(env.flow, env.clients, testUsers(t), testLogger())

	handle := renderHandle(t, h, clientID)

	rec := postForm(h, "/oauth/authorize", url.Values{
		"handle":   {handle},
		"action":   {"approve"},
		"username": {"testuser"},
		"password": {"wrong"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid username or password")
	assert.Contains(t, rec.Body.String(), handle)

	rec = postForm(h, "/oauth/authorize", url.Values{
		"handle":   {handle},
		"action":   {"approve"},
		"username": {"testuser"},
		"password": {"password123"},
	})
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestHandleAuthorize_Deny(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	clientID, _ := env.registerDynamic(t)
	h := HandleAuthorize(env.flow, env.clients, testUsers(t), testLogger())

	rec := postForm(h, "/oauth/authorize", url.Values{
		"handle": {renderHandle(t, h, clientID)},
		"action": {"deny"},
	})
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
	assert.Equal(t, "st", loc.Query().Get("state"))
}

func TestHandleAuthorize_UnknownHandle(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	h := HandleAuthorize(env.flow, env.clients, testUsers(t), testLogger())

	rec := postForm(h, "/oauth/authorize", url.Values{
		"handle":   {"deadbeef"},
		"action":   {"approve"},
		"username": {"testuser"},
		"password": {"password123"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidRequest, decodeError(t, rec)["error"])
}

func TestHandleAuthorize_RateLimited(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	clientID, _ := env.registerDynamic(t)
	h := HandleAuthorize(env.flow, env.clients, testUsers(t), testLogger())
	handle := renderHandle(t, h, clientID)

	form := url.Values{
		"handle":   {handle},
		"action":   {"approve"},
		"username": {"testuser"},
		"password": {"wrong"},
	}

	for range rateLimitMaxFail {
		rec := postForm(h, "/oauth/authorize", form)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	form.Set("password", "password123")
	rec := postForm(h, "/oauth/authorize", form)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestUserCredentials_Authenticate(t *testing.T) {
	users := testUsers(t)
	assert.True(t, users.authenticate("testuser", "password123"))
	assert.False(t, users.authenticate("testuser", "nope"))
	assert.False(t, users.authenticate("ghost", "password123"))
	assert.False(t, users.authenticate("", ""))
}

// --- Token ---

func TestHandleToken_AuthorizationCodeForm(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	clientID, secret := env.registerDynamic(t)
	code := env.approve(t, clientID, "alice")
	h := HandleToken(env.flow, testLogger())

	rec := postForm(h, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {clientID},
		"client_secret": {secret},
		"code_verifier": {testVerifier},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)

	// Replay.
	rec = postForm(h, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {clientID},
		"client_secret": {secret},
		"code_verifier": {testVerifier},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidGrant, decodeError(t, rec)["error"])
}

func TestHandleToken_RefreshJSON(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	clientID, secret := env.registerDynamic(t)
	first, err := env.exchange(clientID, secret, env.approve(t, clientID, "alice"))
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": first.RefreshToken,
		"client_id":     clientID,
		"client_secret": secret,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	rec := httptest.NewRecorder()
	HandleToken(env.flow, testLogger())(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHandleToken_Errors(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	clientID, _ := env.registerDynamic(t)
	h := HandleToken(env.flow, testLogger())

	rec := postForm(h, "/oauth/token", url.Values{"grant_type": {"client_credentials"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeUnsupportedGrantType, decodeError(t, rec)["error"])

	rec = postForm(h, "/oauth/token", url.Values{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidRequest, decodeError(t, rec)["error"])

	rec = postForm(h, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"abc"},
		"client_id":     {clientID},
		"client_secret": {"wrong"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeInvalidClient, decodeError(t, rec)["error"])

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/oauth/token", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleRevoke(t *testing.T) {
	env := newTestEnv(t, FlowConfig{})
	clientID, secret := env.registerDynamic(t)
	resp, err := env.exchange(clientID, secret, env.approve(t, clientID, "alice"))
	require.NoError(t, err)

	rec := postForm(HandleRevoke(env.flow, testLogger()), "/oauth/revoke", url.Values{
		"token":         {resp.RefreshToken},
		"client_id":     {clientID},
		"client_secret": {secret},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postForm(HandleToken(env.flow, testLogger()), "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {resp.RefreshToken},
		"client_id":     {clientID},
		"client_secret": {secret},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidGrant, decodeError(t, rec)["error"])
}
