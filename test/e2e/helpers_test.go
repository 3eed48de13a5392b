package e2e_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/toolpay/internal/auth"
	"github.com/alexjbarnes/toolpay/internal/executor"
	"github.com/alexjbarnes/toolpay/internal/invocation"
	"github.com/alexjbarnes/toolpay/internal/kv"
	"github.com/alexjbarnes/toolpay/internal/ledger"
	"github.com/alexjbarnes/toolpay/internal/mcpserver"
	"github.com/alexjbarnes/toolpay/internal/metrics"
	"github.com/alexjbarnes/toolpay/internal/payment"
	"github.com/alexjbarnes/toolpay/internal/server"
	"github.com/alexjbarnes/toolpay/internal/token"
	"github.com/alexjbarnes/toolpay/internal/tools"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testPassword = "testpass"
	signingKey   = "e2e-signing-key-0123456789abcdef"
	pkceVerifier = "e2e-test-pkce-verifier-that-is-long-enough"
	redirectURI  = "http://127.0.0.1:19876/callback"
)

// harness holds the full e2e test stack: a real HTTP server with the
// OAuth layer, tool API and MCP endpoint, a ledger service reached over
// its WebSocket JSON-RPC interface, and an upstream API for tools to call.
type harness struct {
	URL         string
	ResourceURL string
	Client      *http.Client
	Ledger      *ledger.Memory
	Registry    *tools.Registry
	Metrics     *metrics.Metrics
	Upstream    *httptest.Server

	failTransfers atomic.Bool
	upstreamHits  atomic.Int64
}

// flakyLedger fails transfers on demand while delegating everything
// else to the real ledger client.
type flakyLedger struct {
	payment.Ledger
	fail *atomic.Bool
}

func (f flakyLedger) Transfer(ctx context.Context, payer, recipient string, amount decimal.Decimal, reference string) (string, error) {
	if f.fail.Load() {
		return "", errors.New("ledger node unreachable")
	}

	return f.Ledger.Transfer(ctx, payer, recipient, amount, reference)
}

// newHarness wires the full stack via server.NewMux and starts it on an
// httptest server. Users alice and bob share testPassword.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	h := &harness{Ledger: ledger.NewMemory()}

	ledgerSrv := httptest.NewServer(ledger.Handler(h.Ledger, logger))
	t.Cleanup(ledgerSrv.Close)

	h.Upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.upstreamHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"path":  r.URL.Path,
			"query": r.URL.Query().Get("q"),
		})
	}))
	t.Cleanup(h.Upstream.Close)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	users := auth.UserCredentials{"alice": string(hash), "bob": string(hash)}

	// Use NewUnstartedServer so we can read the listener address before
	// building the mux (the resource URL must match for audience validation).
	ts := httptest.NewUnstartedServer(nil)
	h.URL = "http://" + ts.Listener.Addr().String()
	h.ResourceURL = h.URL + "/mcp"

	store := kv.NewMemory()

	codec, err := token.NewCodec([]byte(signingKey), h.URL, h.ResourceURL)
	require.NoError(t, err)

	h.Metrics = metrics.New()
	clients := auth.NewClients(store, logger)
	flow := auth.NewFlow(store, clients, codec, auth.FlowConfig{
		Issuer:   h.URL,
		Audience: h.ResourceURL,
		Recorder: h.Metrics,
	}, logger)

	ledgerURL := "ws" + strings.TrimPrefix(ledgerSrv.URL, "http") + "/"
	l := flakyLedger{Ledger: ledger.NewWSClient(ledgerURL, nil, logger), fail: &h.failTransfers}

	h.Registry = tools.NewRegistry(store, logger)
	gate := payment.NewGate(l, payment.NewRecords(store), payment.NewBalanceCache(l, time.Second), payment.Config{
		LedgerTimeout:  5 * time.Second,
		ConfirmTimeout: 5 * time.Second,
		Recorder:       h.Metrics,
	}, logger)

	svc := invocation.NewService(h.Registry, gate, executor.New(nil, 5*time.Second, logger), h.Metrics, logger)

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Clients:     clients,
		Flow:        flow,
		Verifier:    codec,
		Users:       users,
		Invocations: svc,
		MCPHandler:  mcpserver.NewBuilder(svc, "test", logger).Handler(),
		Metrics:     h.Metrics,
		Logger:      logger,
		ServerURL:   h.URL,
		ResourceURL: h.ResourceURL,
	})
	ts.Start()
	t.Cleanup(ts.Close)

	h.Client = ts.Client()

	return h
}

// tokenResponse is the JSON body returned by POST /oauth/token.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// oauthError is the JSON body of an OAuth error response.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// client is a dynamically registered OAuth client.
type client struct {
	ID     string
	Secret string
}

// registerDynamicClient registers a client via POST /oauth/register.
func (h *harness) registerDynamicClient(t *testing.T) client {
	t.Helper()

	b, err := json.Marshal(map[string]any{
		"client_name":   "e2e",
		"redirect_uris": []string{redirectURI},
	})
	require.NoError(t, err)

	resp := h.doPostJSON(t, "/oauth/register", "", b)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotEmpty(t, result.ClientID)
	require.NotEmpty(t, result.ClientSecret)

	return client{ID: result.ClientID, Secret: result.ClientSecret}
}

// authorize runs the authorization step for username: GET authorize
// (scrape the pending-authorization handle), then POST the approval.
// It returns the parsed redirect back to the client.
func (h *harness) authorize(t *testing.T, c client, username string) url.Values {
	t.Helper()

	authURL := h.URL + "/oauth/authorize?" + url.Values{
		"client_id":             {c.ID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"code_challenge":        {pkceChallenge(pkceVerifier)},
		"code_challenge_method": {"S256"},
		"state":                 {"e2e-state"},
		"resource":              {h.ResourceURL},
	}.Encode()

	resp := h.doGet(t, authURL, "")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	form := url.Values{
		"handle":   {extractHandle(t, string(page))},
		"action":   {"approve"},
		"username": {username},
		"password": {testPassword},
	}

	postResp := h.doPostFormNoRedirect(t, "/oauth/authorize", form)
	defer postResp.Body.Close()

	require.Equal(t, http.StatusFound, postResp.StatusCode)

	loc, err := url.Parse(postResp.Header.Get("Location"))
	require.NoError(t, err)

	q := loc.Query()
	require.Equal(t, "e2e-state", q.Get("state"))
	require.Equal(t, h.URL, q.Get("iss"))

	return q
}

// exchangeCode posts the authorization_code grant.
func (h *harness) exchangeCode(t *testing.T, c client, code string) *http.Response {
	t.Helper()

	return h.doPostForm(t, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {c.ID},
		"client_secret": {c.Secret},
		"code_verifier": {pkceVerifier},
	})
}

// login performs the full authorization code + PKCE flow for username
// with a freshly registered client.
func (h *harness) login(t *testing.T, username string) (client, tokenResponse) {
	t.Helper()

	c := h.registerDynamicClient(t)

	q := h.authorize(t, c, username)
	require.Empty(t, q.Get("error"), q.Get("error_description"))

	resp := h.exchangeCode(t, c, q.Get("code"))
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	require.NotEmpty(t, tr.AccessToken)

	return c, tr
}

// refresh posts the refresh_token grant.
func (h *harness) refresh(t *testing.T, c client, refreshToken string) *http.Response {
	t.Helper()

	return h.doPostForm(t, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.ID},
		"client_secret": {c.Secret},
	})
}

// addTool registers a tool for the token's principal via POST /tools.
func (h *harness) addTool(t *testing.T, bearer string, def map[string]any) {
	t.Helper()

	b, err := json.Marshal(def)
	require.NoError(t, err)

	resp := h.doPostJSON(t, "/tools", bearer, b)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
}

// invoke calls POST /tools/{owner}/{name}/invoke and decodes the body.
func (h *harness) invoke(t *testing.T, bearer, owner, name string, args map[string]any, paymentID string) (int, map[string]any) {
	t.Helper()

	b, err := json.Marshal(server.InvokeRequest{Arguments: args, PaymentID: paymentID})
	require.NoError(t, err)

	resp := h.doPostJSON(t, "/tools/"+owner+"/"+name+"/invoke", bearer, b)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return resp.StatusCode, body
}

// mcpSession creates an MCP client session for owner's tools,
// authenticated with the given Bearer token.
func (h *harness) mcpSession(t *testing.T, bearer, owner string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp/" + owner,
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: bearer,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	c := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := c.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, fullURL, bearer string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, fullURL, nil)
	require.NoError(t, err)

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostForm performs a POST with form-encoded body and t.Context().
func (h *harness) doPostForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		t.Context(), http.MethodPost, h.URL+path,
		bytes.NewBufferString(form.Encode()),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostFormNoRedirect performs a form POST that does not follow redirects.
func (h *harness) doPostFormNoRedirect(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	noRedirect := *h.Client
	noRedirect.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	req, err := http.NewRequestWithContext(
		t.Context(), http.MethodPost, h.URL+path,
		bytes.NewBufferString(form.Encode()),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := noRedirect.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostJSON performs a POST with JSON body and t.Context().
func (h *harness) doPostJSON(t *testing.T, path, bearer string, body []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		t.Context(), http.MethodPost, h.URL+path,
		bytes.NewReader(body),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

func decodeOAuthError(t *testing.T, resp *http.Response) oauthError {
	t.Helper()

	var e oauthError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))

	return e
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// pkceChallenge computes the S256 code challenge for a given verifier.
func pkceChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

var handleRe = regexp.MustCompile(`name="handle" value="([a-f0-9]+)"`)

// extractHandle scrapes the pending-authorization handle from the
// decision page.
func extractHandle(t *testing.T, body string) string {
	t.Helper()

	matches := handleRe.FindStringSubmatch(body)
	require.Len(t, matches, 2, "handle not found in form HTML")

	return matches[1]
}
