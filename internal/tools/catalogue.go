package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// catalogueFile is the YAML layout of TOOL_CATALOGUE.
type catalogueFile struct {
	Tools []Definition `yaml:"tools"`
}

// Definition is the external form of a tool, used by the catalogue file
// and the tool management API. Price and timeout are strings ("0.25",
// "10s") so no precision is lost in transit.
type Definition struct {
	Owner        string                 `json:"owner,omitempty" yaml:"owner"`
	Name         string                 `json:"name" yaml:"name"`
	Description  string                 `json:"description,omitempty" yaml:"description"`
	Method       string                 `json:"method,omitempty" yaml:"method"`
	URL          string                 `json:"url" yaml:"url"`
	Headers      map[string]string      `json:"headers,omitempty" yaml:"headers"`
	Parameters   []models.ToolParameter `json:"parameters,omitempty" yaml:"parameters"`
	Price        string                 `json:"price,omitempty" yaml:"price"`
	Wallet       string                 `json:"wallet,omitempty" yaml:"wallet"`
	Timeout      string                 `json:"timeout,omitempty" yaml:"timeout"`
	ResponsePath string                 `json:"response_path,omitempty" yaml:"response_path"`
	Active       *bool                  `json:"active,omitempty" yaml:"active"`
}

// Tool converts the definition into a validated Tool. Active defaults
// to true.
func (e Definition) Tool() (*models.Tool, error) {
	t := &models.Tool{
		Owner:        e.Owner,
		Name:         e.Name,
		Description:  e.Description,
		Method:       e.Method,
		URL:          e.URL,
		Headers:      e.Headers,
		Parameters:   e.Parameters,
		Wallet:       e.Wallet,
		ResponsePath: e.ResponsePath,
		Active:       e.Active == nil || *e.Active,
	}

	if e.Price != "" {
		p, err := decimal.NewFromString(e.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: price %q: %v", apperrors.ErrInvalidRequest, e.Price, err)
		}

		t.Price = p
	}

	if e.Timeout != "" {
		d, err := time.ParseDuration(e.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout %q: %v", apperrors.ErrInvalidRequest, e.Timeout, err)
		}

		t.Timeout = d
	}

	if err := Validate(t); err != nil {
		return nil, err
	}

	return t, nil
}

// LoadCatalogue parses a YAML tool catalogue. Every entry is validated;
// the first invalid entry fails the whole file.
func LoadCatalogue(path string) ([]*models.Tool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalogue: %w", err)
	}

	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalogue: %w", err)
	}

	seen := make(map[string]bool, len(file.Tools))
	out := make([]*models.Tool, 0, len(file.Tools))

	for i, entry := range file.Tools {
		t, err := entry.Tool()
		if err != nil {
			return nil, fmt.Errorf("catalogue entry %d (%s): %w", i, entry.Name, err)
		}

		if seen[t.ID()] {
			return nil, fmt.Errorf("catalogue entry %d: duplicate tool %s", i, t.ID())
		}

		seen[t.ID()] = true
		out = append(out, t)
	}

	return out, nil
}

// ApplyCatalogue upserts every tool in the catalogue and removes tools
// that were in previous but are no longer listed. It returns the set of
// tool IDs now managed by the catalogue.
func ApplyCatalogue(ctx context.Context, r *Registry, tools []*models.Tool, previous map[string]*models.Tool, logger *slog.Logger) (map[string]*models.Tool, error) {
	current := make(map[string]*models.Tool, len(tools))

	for _, t := range tools {
		if err := r.Upsert(ctx, t); err != nil {
			return previous, fmt.Errorf("applying %s: %w", t.ID(), err)
		}

		current[t.ID()] = t
	}

	for id, t := range previous {
		if _, ok := current[id]; ok {
			continue
		}

		if _, err := r.Remove(ctx, t.Owner, t.Name); err != nil {
			logger.Warn("removing dropped catalogue tool", slog.String("tool", id), slog.Any("error", err))
		}
	}

	logger.Info("tool catalogue applied", slog.Int("tools", len(current)))

	return current, nil
}
