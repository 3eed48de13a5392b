package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Parameter locations.
const (
	ParamInPath  = "path"
	ParamInQuery = "query"
	ParamInBody  = "body"
)

// ToolParameter declares one argument of a tool.
type ToolParameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	In          string `json:"in,omitempty" yaml:"in,omitempty"`
}

// Tool is an invocable wrapped REST API owned by a principal.
type Tool struct {
	Owner        string            `json:"owner"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Parameters   []ToolParameter   `json:"parameters,omitempty"`
	Price        decimal.Decimal   `json:"price"`
	Wallet       string            `json:"wallet,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	ResponsePath string            `json:"response_path,omitempty"`
	Active       bool              `json:"active"`
	CallCount    int64             `json:"call_count"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ID returns the tool's registry-wide identifier.
func (t *Tool) ID() string {
	return t.Owner + "/" + t.Name
}

// Priced reports whether invoking the tool requires settlement.
func (t *Tool) Priced() bool {
	return t.Price.IsPositive()
}
