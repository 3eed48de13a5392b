package auth

import (
	"net/url"
	"strings"

	"github.com/alexjbarnes/toolpay/internal/models"
)

// validateRedirectURI checks that redirectURI matches one of the client's
// registered redirect_uris. Exact match is required for HTTPS URIs.
// A registered loopback URI also matches the same URI on any port, per
// RFC 8252 Section 7.3. A bare loopback prefix (http://127.0.0.1 or
// http://localhost) matches any port and path.
//
// When a client has no registered redirect URIs, only loopback URIs
// are accepted, so a known client_id cannot be used to deliver codes
// to an arbitrary host.
func validateRedirectURI(client *models.OAuthClient, redirectURI string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil || ru.Fragment != "" {
		return false
	}

	if len(client.RedirectURIs) == 0 {
		return ru.Scheme == "http" && isLoopbackHost(ru.Hostname())
	}

	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return true
		}

		if isLocalhostPrefix(registered) && isLoopbackRedirect(ru, registered, false) {
			return true
		}

		if isLoopbackRedirect(ru, registered, true) {
			return true
		}
	}

	return false
}

// isLocalhostPrefix returns true if the URI is an HTTP loopback prefix
// without a port or path.
func isLocalhostPrefix(uri string) bool {
	return uri == "http://127.0.0.1" || uri == "http://localhost"
}

// isLoopbackHost returns true if the hostname is a loopback address.
func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// isLoopbackRedirect compares scheme and hostname (and optionally path
// and query) of a loopback redirect, ignoring the port. Hostnames are
// compared after parsing so 127.0.0.1.evil.com does not match.
func isLoopbackRedirect(ru *url.URL, registered string, samePath bool) bool {
	pu, err := url.Parse(registered)
	if err != nil {
		return false
	}

	if pu.Scheme != "http" || !isLoopbackHost(pu.Hostname()) {
		return false
	}

	if ru.Scheme != pu.Scheme || ru.Hostname() != pu.Hostname() {
		return false
	}

	if samePath {
		return ru.Path == pu.Path && ru.RawQuery == pu.RawQuery
	}

	return true
}

// validRegistrationURI reports whether a redirect URI may be registered:
// absolute, no fragment, and either https or loopback http.
func validRegistrationURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Fragment != "" || u.Host == "" {
		return false
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
		return true
	case "http":
		return isLoopbackHost(u.Hostname())
	default:
		return false
	}
}

// appendQuery adds params to uri, keeping any existing query component
// (RFC 6749 Section 4.1.2).
func appendQuery(uri string, params url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}

	return uri + sep + params.Encode()
}
