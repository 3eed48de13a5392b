package auth

import (
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/toolpay/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// UserCredentials maps usernames to bcrypt password hashes.
type UserCredentials map[string]string

const (
	// rateLimitPruneThreshold is the number of tracked IPs above which
	// the rate limiter prunes expired entries to prevent unbounded growth.
	rateLimitPruneThreshold = 1000

	actionApprove = "approve"
	actionDeny    = "deny"
)

// decisionPage renders the login and consent form. It carries only the
// pending-authorization handle; every request parameter stays server side.
var decisionPage = template.Must(template.New("decision").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>toolpay</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 {
    font-size: 1.25rem;
    font-weight: 600;
    margin-bottom: 0.25rem;
  }
  .card p.sub {
    font-size: 0.85rem;
    color: #666;
    margin-bottom: 1.5rem;
  }
  .consent {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .consent p { margin-bottom: 0.3rem; }
  .consent p:last-child { margin-bottom: 0; }
  .consent .redirect { color: #666; word-break: break-all; }
  .consent code { font-size: 0.8rem; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  label {
    display: block;
    font-size: 0.85rem;
    font-weight: 500;
    margin-bottom: 0.35rem;
    color: #333;
  }
  input[type="text"], input[type="password"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 0.9rem;
    outline: none;
    transition: border-color 0.15s;
    margin-bottom: 1rem;
  }
  input[type="text"]:focus, input[type="password"]:focus {
    border-color: #2563eb;
    box-shadow: 0 0 0 2px rgba(37,99,235,0.15);
  }
  button {
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
    transition: background 0.15s;
  }
  button:hover { background: #333; }
  button:active { background: #000; }
  .actions { display: flex; gap: 0.5rem; }
  button.deny { background: #fff; color: #1a1a1a; border: 1px solid #d0d0d0; }
  button.deny:hover { background: #f5f5f5; }
</style>
</head>
<body>
<div class="card">
  <h1>toolpay</h1>
  <p class="sub">Sign in to let this application call your tools.</p>
  <div class="consent">
    <p><strong>{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</strong> is requesting access.</p>
    {{if .Scope}}<p>Scope: <code>{{.Scope}}</code></p>{{end}}
    <p class="redirect">You will be redirected to: <code>{{.RedirectURI}}</code></p>
  </div>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST">
    <input type="hidden" name="handle" value="{{.Handle}}">
    <label for="username">Username</label>
    <input type="text" id="username" name="username" autocomplete="username" autofocus>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password">
    <div class="actions">
      <button type="submit" name="action" value="approve">Approve</button>
      <button type="submit" name="action" value="deny" class="deny">Deny</button>
    </div>
  </form>
</div>
</body>
</html>`))

type decisionData struct {
	Handle      string
	ClientID    string
	ClientName  string
	RedirectURI string
	Scope       string
	Error       string
}

// loginRateLimiter tracks failed login attempts per IP with a sliding
// window. After maxFailures within the window, further attempts are
// rejected until the window expires.
type loginRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

const (
	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10
)

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// check returns true if the IP is currently rate-limited.
func (rl *loginRateLimiter) check(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *loginRateLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], rl.now())
	rl.mu.Unlock()
}

// dummyHash is compared against when the username is unknown so that
// response time does not reveal which usernames exist.
var dummyHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("toolpay-dummy-password"), bcrypt.DefaultCost)
	if err != nil {
		panic("bcrypt failed: " + err.Error())
	}

	return h
})

// authenticate checks username and password against users.
func (users UserCredentials) authenticate(username, password string) bool {
	hash, ok := users[username]
	if !ok || username == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HandleAuthorize returns the /oauth/authorize handler. GET validates
// the request and renders the decision page; POST authenticates the user
// and records the decision.
func HandleAuthorize(flow *Flow, clients *Clients, users UserCredentials, logger *slog.Logger) http.HandlerFunc {
	limiter := newLoginRateLimiter()

	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleAuthorizeGET(w, r, flow, clients, logger)
		case http.MethodPost:
			handleAuthorizePOST(w, r, flow, clients, users, logger, limiter)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func renderDecision(w http.ResponseWriter, status int, pending *models.PendingAuthorization, client *models.OAuthClient, errMsg string) {
	data := decisionData{
		Handle:      pending.Handle,
		ClientID:    pending.ClientID,
		RedirectURI: pending.RedirectURI,
		Scope:       strings.Join(pending.Scopes, " "),
		Error:       errMsg,
	}

	if client != nil {
		data.ClientName = client.ClientName
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.WriteHeader(status)
	_ = decisionPage.Execute(w, data)
}

func handleAuthorizeGET(w http.ResponseWriter, r *http.Request, flow *Flow, clients *Clients, logger *slog.Logger) {
	q := r.URL.Query()

	pending, err := flow.Begin(r.Context(), AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
		Resource:            q.Get("resource"),
	})
	if err != nil {
		logger.Debug("authorization request rejected",
			slog.String("client_id", q.Get("client_id")),
			slog.Any("error", err),
		)
		writeError(w, err)

		return
	}

	client, _ := clients.Get(r.Context(), pending.ClientID)
	renderDecision(w, http.StatusOK, pending, client, "")
}

func handleAuthorizePOST(w http.ResponseWriter, r *http.Request, flow *Flow, clients *Clients, users UserCredentials, logger *slog.Logger, limiter *loginRateLimiter) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	handle := r.PostFormValue("handle")
	action := r.PostFormValue("action")

	if action == actionDeny {
		d, err := flow.Decide(r.Context(), handle, "", false)
		if err != nil {
			writeError(w, err)
			return
		}

		http.Redirect(w, r, d.Location(flow.Issuer()), http.StatusFound)

		return
	}

	if action != actionApprove {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "action must be approve or deny")
		return
	}

	pending, err := flow.Pending(r.Context(), handle)
	if err != nil {
		writeError(w, err)
		return
	}

	// Check before verifying the password so a rate-limited client
	// cannot keep guessing.
	ip := remoteIP(r)
	if limiter.check(ip) {
		logger.Warn("login rate limited", slog.String("ip", ip))
		http.Error(w, "too many failed login attempts, try again later", http.StatusTooManyRequests)

		return
	}

	username := r.PostFormValue("username")
	if !users.authenticate(username, r.PostFormValue("password")) {
		logger.Warn("login failed", slog.String("username", username), slog.String("ip", ip))
		limiter.record(ip)

		client, _ := clients.Get(r.Context(), pending.ClientID)
		renderDecision(w, http.StatusUnauthorized, pending, client, "Invalid username or password")

		return
	}

	logger.Info("login successful", slog.String("username", username))

	d, err := flow.Decide(r.Context(), handle, username, true)
	if err != nil {
		writeError(w, err)
		return
	}

	http.Redirect(w, r, d.Location(flow.Issuer()), http.StatusFound)
}
