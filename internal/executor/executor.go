// Package executor performs the outbound HTTP call behind a tool once the
// caller is authenticated and, for priced tools, has paid.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/tidwall/gjson"
)

// Failure reasons reported in Envelope.Reason.
const (
	ReasonUpstreamStatus = "upstream_status"
	ReasonTimeout        = "timeout"
	ReasonTransport      = "transport_error"
)

const (
	// DefaultTimeout applies to tools without their own timeout.
	DefaultTimeout = 30 * time.Second

	// maxResponseBody caps how much of an upstream response is kept.
	maxResponseBody = 1 << 20

	userAgent = "toolpay/1"
)

var readMethods = []string{http.MethodGet, http.MethodDelete, http.MethodHead}

// Envelope is the outcome of one outbound call.
type Envelope struct {
	Success    bool   `json:"success"`
	Status     int    `json:"status,omitempty"`
	Body       any    `json:"body,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Err returns the sentinel matching a failed envelope, or nil.
func (e *Envelope) Err() error {
	switch {
	case e.Success:
		return nil
	case e.Reason == ReasonTimeout:
		return apperrors.ErrUpstreamTimeout
	default:
		return apperrors.ErrUpstreamTransport
	}
}

// Executor invokes tools over HTTP.
type Executor struct {
	client         *http.Client
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// New returns an Executor. A nil client uses a dedicated http.Client.
func New(client *http.Client, defaultTimeout time.Duration, logger *slog.Logger) *Executor {
	if client == nil {
		client = &http.Client{}
	}

	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}

	return &Executor{client: client, defaultTimeout: defaultTimeout, logger: logger}
}

// CheckRequired reports the first declared required parameter missing
// from args. Empty strings count as missing.
func CheckRequired(tool *models.Tool, args map[string]any) error {
	for _, p := range tool.Parameters {
		if !p.Required {
			continue
		}

		v, ok := args[p.Name]
		if !ok || v == nil {
			return fmt.Errorf("%w: %s", apperrors.ErrMissingParameter, p.Name)
		}

		if s, isStr := v.(string); isStr && s == "" {
			return fmt.Errorf("%w: %s", apperrors.ErrMissingParameter, p.Name)
		}
	}

	return nil
}

// Invoke calls the tool's upstream endpoint with args. Argument errors
// are returned as errors; every upstream outcome, including timeouts,
// is returned as an Envelope.
func (e *Executor) Invoke(ctx context.Context, tool *models.Tool, args map[string]any) (*Envelope, error) {
	if args == nil {
		args = map[string]any{}
	}

	if err := CheckRequired(tool, args); err != nil {
		return nil, err
	}

	req, err := e.buildRequest(ctx, tool, args)
	if err != nil {
		return nil, err
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.client.Do(req.WithContext(callCtx))
	elapsed := time.Since(start)

	if err != nil {
		env := &Envelope{Reason: ReasonTransport, Message: err.Error(), DurationMS: elapsed.Milliseconds()}
		if isTimeout(err) {
			env.Reason = ReasonTimeout
			env.Message = fmt.Sprintf("upstream did not respond within %s", timeout)
		}

		e.logger.Warn("tool call failed",
			slog.String("tool", tool.ID()),
			slog.String("reason", env.Reason),
			slog.String("error", err.Error()),
		)

		return env, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		reason := ReasonTransport
		if isTimeout(err) {
			reason = ReasonTimeout
		}

		return &Envelope{Reason: reason, Status: resp.StatusCode, Message: "reading upstream response: " + err.Error(),
			DurationMS: time.Since(start).Milliseconds()}, nil
	}

	env := &Envelope{
		Status:     resp.StatusCode,
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		DurationMS: time.Since(start).Milliseconds(),
	}

	if env.Success {
		env.Body = decodeBody(raw, tool.ResponsePath)
	} else {
		env.Reason = ReasonUpstreamStatus
		env.Message = fmt.Sprintf("upstream returned %d", resp.StatusCode)
		env.Body = decodeBody(raw, "")
	}

	e.logger.Debug("tool call completed",
		slog.String("tool", tool.ID()),
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", env.DurationMS),
	)

	return env, nil
}

func (e *Executor) buildRequest(ctx context.Context, tool *models.Tool, args map[string]any) (*http.Request, error) {
	target, consumed, err := substitutePath(tool.URL, args)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: tool url: %v", apperrors.ErrInvalidRequest, err)
	}

	locations := make(map[string]string, len(tool.Parameters))
	for _, p := range tool.Parameters {
		locations[p.Name] = p.In
	}

	method := tool.Method
	if method == "" {
		method = http.MethodGet
	}

	readStyle := slices.Contains(readMethods, method)

	query := u.Query()
	body := make(map[string]any)

	for name, v := range args {
		in := locations[name]

		switch {
		case in == models.ParamInPath || consumed[name]:
			// Read-style calls drop path-consumed values; write-style
			// calls still send the full argument set in the body.
			if !readStyle {
				body[name] = v
			}
		case in == models.ParamInQuery || readStyle:
			addQuery(query, name, v)
		default:
			body[name] = v
		}
	}

	u.RawQuery = query.Encode()

	var reader io.Reader
	if !readStyle {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding arguments: %v", apperrors.ErrInvalidRequest, err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", apperrors.ErrInvalidRequest, err)
	}

	for k, v := range tool.Headers {
		req.Header.Set(k, v)
	}

	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	req.Header.Set("User-Agent", userAgent)

	return req, nil
}

// substitutePath fills {name} placeholders from args and reports which
// arguments were consumed.
func substitutePath(template string, args map[string]any) (string, map[string]bool, error) {
	consumed := make(map[string]bool)

	var b strings.Builder

	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}

		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}

		name := rest[open+1 : open+end]

		v, ok := args[name]
		if !ok || v == nil {
			return "", nil, fmt.Errorf("%w: %s", apperrors.ErrMissingParameter, name)
		}

		b.WriteString(rest[:open])
		b.WriteString(url.PathEscape(scalar(v)))

		consumed[name] = true
		rest = rest[open+end+1:]
	}

	return b.String(), consumed, nil
}

func addQuery(q url.Values, name string, v any) {
	if list, ok := v.([]any); ok {
		for _, item := range list {
			q.Add(name, scalar(item))
		}

		return
	}

	q.Set(name, scalar(v))
}

// scalar renders an argument for a URL. Objects are JSON encoded.
func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// Decoded JSON numbers arrive as float64; keep them out of
		// exponent form so ids and limits reach upstreams intact.
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int64, bool, json.Number:
		return fmt.Sprint(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}

		return string(data)
	}
}

// decodeBody returns JSON bodies as json.RawMessage (projected through
// path when set) and anything else as a string.
func decodeBody(raw []byte, path string) any {
	if len(raw) == 0 {
		return nil
	}

	if !gjson.ValidBytes(raw) {
		return string(raw)
	}

	if path != "" {
		if r := gjson.GetBytes(raw, path); r.Exists() {
			return json.RawMessage(r.Raw)
		}
	}

	return json.RawMessage(raw)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}
