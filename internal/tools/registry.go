// Package tools holds each principal's invocable tools: the registry
// over the shared kv store, the YAML catalogue used to seed it, and the
// catalogue file watcher.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/kv"
	"github.com/alexjbarnes/toolpay/internal/models"
	"golang.org/x/text/unicode/norm"
)

const toolPrefix = "tool:"

// ownerForbidden lists characters that would let one owner's keys
// collide with, or pattern-match, another's.
const ownerForbidden = `:*?[]\`

var (
	namePattern        = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

	allowedMethods = []string{
		http.MethodGet, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodHead,
	}
)

// NormalizeName returns the canonical form of a tool name: NFC,
// lower-cased, surrounding space trimmed.
func NormalizeName(name string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(name)))
}

// PathParams returns the {placeholder} names in a URL template.
func PathParams(rawURL string) []string {
	var out []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(rawURL, -1) {
		out = append(out, m[1])
	}

	return out
}

// Registry stores tools keyed by (owner, name).
type Registry struct {
	store  kv.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry returns a Registry backed by store.
func NewRegistry(store kv.Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger, now: time.Now}
}

func toolKey(owner, name string) string {
	return toolPrefix + owner + ":" + name
}

// Validate normalizes t in place and checks it is invocable.
func Validate(t *models.Tool) error {
	t.Name = NormalizeName(t.Name)
	t.Method = strings.ToUpper(strings.TrimSpace(t.Method))

	if t.Method == "" {
		t.Method = http.MethodGet
	}

	switch {
	case t.Owner == "":
		return fmt.Errorf("%w: tool owner is required", apperrors.ErrInvalidRequest)
	case strings.ContainsAny(t.Owner, ownerForbidden) || strings.ContainsFunc(t.Owner, unicode.IsSpace):
		return fmt.Errorf("%w: tool owner %q must not contain whitespace or any of %q", apperrors.ErrInvalidRequest, t.Owner, ownerForbidden)
	case !namePattern.MatchString(t.Name):
		return fmt.Errorf("%w: tool name %q must match %s", apperrors.ErrInvalidRequest, t.Name, namePattern)
	case slices.Contains(ReservedNames, t.Name):
		return fmt.Errorf("%w: %s", apperrors.ErrReservedTool, t.Name)
	case !slices.Contains(allowedMethods, t.Method):
		return fmt.Errorf("%w: unsupported method %s", apperrors.ErrInvalidRequest, t.Method)
	case t.Price.IsNegative():
		return fmt.Errorf("%w: price must not be negative", apperrors.ErrInvalidRequest)
	case t.Priced() && t.Wallet == "":
		return fmt.Errorf("%w: priced tools need a recipient wallet", apperrors.ErrInvalidRequest)
	case t.Timeout < 0:
		return fmt.Errorf("%w: timeout must not be negative", apperrors.ErrInvalidRequest)
	}

	u, err := url.Parse(placeholderPattern.ReplaceAllString(t.URL, "x"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", apperrors.ErrInvalidRequest)
	}

	declared := make(map[string]models.ToolParameter, len(t.Parameters))
	for i, p := range t.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: parameter %d has no name", apperrors.ErrInvalidRequest, i)
		}

		if _, dup := declared[p.Name]; dup {
			return fmt.Errorf("%w: duplicate parameter %q", apperrors.ErrInvalidRequest, p.Name)
		}

		switch p.In {
		case "", models.ParamInPath, models.ParamInQuery, models.ParamInBody:
		default:
			return fmt.Errorf("%w: parameter %q has unknown location %q", apperrors.ErrInvalidRequest, p.Name, p.In)
		}

		declared[p.Name] = p
	}

	for _, name := range PathParams(t.URL) {
		p, ok := declared[name]
		if !ok {
			return fmt.Errorf("%w: url placeholder {%s} is not a declared parameter", apperrors.ErrInvalidRequest, name)
		}

		if !p.Required {
			return fmt.Errorf("%w: path parameter %q must be required", apperrors.ErrInvalidRequest, name)
		}
	}

	return nil
}

// Add registers a new tool. It fails with ErrToolExists if the owner
// already has a tool of that name.
func (r *Registry) Add(ctx context.Context, t *models.Tool) error {
	if err := Validate(t); err != nil {
		return err
	}

	t.CallCount = 0
	t.CreatedAt = r.now().UTC()

	ok, err := kv.CreateJSON(ctx, r.store, toolKey(t.Owner, t.Name), t, 0)
	if err != nil {
		return fmt.Errorf("storing tool: %w", err)
	}

	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrToolExists, t.ID())
	}

	r.logger.Info("tool added",
		slog.String("owner", t.Owner),
		slog.String("tool", t.Name),
		slog.String("price", t.Price.String()),
	)

	return nil
}

// Upsert creates t or replaces its definition, keeping the call counter
// and creation time of an existing entry.
func (r *Registry) Upsert(ctx context.Context, t *models.Tool) error {
	if err := Validate(t); err != nil {
		return err
	}

	t.CreatedAt = r.now().UTC()

	ok, err := kv.CreateJSON(ctx, r.store, toolKey(t.Owner, t.Name), t, 0)
	if err != nil {
		return fmt.Errorf("storing tool: %w", err)
	}

	if ok {
		return nil
	}

	_, err = kv.Mutate(ctx, r.store, toolKey(t.Owner, t.Name), kv.NoTTL[models.Tool], func(cur *models.Tool) error {
		calls, created := cur.CallCount, cur.CreatedAt
		*cur = *t
		cur.CallCount, cur.CreatedAt = calls, created

		return nil
	})
	if errors.Is(err, kv.ErrNotFound) {
		// Removed between the create attempt and the update.
		return r.Upsert(ctx, t)
	}

	return err
}

// Remove deletes a tool. It reports whether the tool existed; removing
// a missing tool is not an error.
func (r *Registry) Remove(ctx context.Context, owner, name string) (bool, error) {
	_, err := r.store.Take(ctx, toolKey(owner, NormalizeName(name)))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("removing tool: %w", err)
	}

	r.logger.Info("tool removed", slog.String("owner", owner), slog.String("tool", name))

	return true, nil
}

// Get returns a tool regardless of its active flag.
func (r *Registry) Get(ctx context.Context, owner, name string) (*models.Tool, error) {
	name = NormalizeName(name)

	t, _, err := kv.GetJSON[models.Tool](ctx, r.store, toolKey(owner, name))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("tool %s/%s: %w", owner, name, apperrors.ErrNotFound)
	}

	if err != nil {
		return nil, err
	}

	return t, nil
}

// Resolve returns an active tool. Inactive tools are reported as not
// found.
func (r *Registry) Resolve(ctx context.Context, owner, name string) (*models.Tool, error) {
	t, err := r.Get(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	if !t.Active {
		return nil, fmt.Errorf("tool %s is inactive: %w", t.ID(), apperrors.ErrNotFound)
	}

	return t, nil
}

// List returns the owner's tools sorted by name.
func (r *Registry) List(ctx context.Context, owner string) ([]*models.Tool, error) {
	entries, err := r.store.Scan(ctx, toolPrefix+owner+":")
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	out := make([]*models.Tool, 0, len(entries))
	for key, raw := range entries {
		var t models.Tool
		if err := json.Unmarshal(raw, &t); err != nil {
			r.logger.Warn("skipping undecodable tool", slog.String("key", key), slog.Any("error", err))
			continue
		}

		out = append(out, &t)
	}

	slices.SortFunc(out, func(a, b *models.Tool) int { return strings.Compare(a.Name, b.Name) })

	return out, nil
}

// IncrementCalls bumps the tool's call counter.
func (r *Registry) IncrementCalls(ctx context.Context, owner, name string) error {
	_, err := kv.Mutate(ctx, r.store, toolKey(owner, NormalizeName(name)), kv.NoTTL[models.Tool], func(t *models.Tool) error {
		t.CallCount++
		return nil
	})

	return err
}
