// Package mcpserver exposes an owner's tools, plus the reserved payment
// tools, over MCP. A fresh stateless server is built per request for
// the authenticated caller, so tool lists always reflect the registry.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/toolpay/internal/auth"
	"github.com/alexjbarnes/toolpay/internal/invocation"
	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/alexjbarnes/toolpay/internal/tools"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const paymentIDArg = "payment_id"

// Builder assembles per-request MCP servers.
type Builder struct {
	svc     *invocation.Service
	version string
	logger  *slog.Logger
}

// NewBuilder returns a Builder.
func NewBuilder(svc *invocation.Service, version string, logger *slog.Logger) *Builder {
	return &Builder{svc: svc, version: version, logger: logger}
}

// Handler serves MCP over streamable HTTP. The owner comes from the
// {owner} path value and the caller from the identity the auth
// middleware attached to the request.
func (b *Builder) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		id, ok := auth.IdentityFrom(r.Context())
		if !ok {
			return nil
		}

		server, err := b.Build(r.Context(), r.PathValue("owner"), id.Principal)
		if err != nil {
			b.logger.Error("building mcp server", slog.String("owner", r.PathValue("owner")), slog.String("error", err.Error()))
			return nil
		}

		return server
	}, &mcp.StreamableHTTPOptions{Stateless: true})
}

// Build returns a server exposing owner's active tools and the reserved
// tools to principal.
func (b *Builder) Build(ctx context.Context, owner, principal string) (*mcp.Server, error) {
	list, err := b.svc.Registry().List(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("listing tools for %s: %w", owner, err)
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: "toolpay", Version: b.version},
		nil,
	)

	b.registerReserved(server, owner, principal)

	for _, t := range list {
		if !t.Active {
			continue
		}

		server.AddTool(&mcp.Tool{
			Name:        t.Name,
			Description: describe(t),
			InputSchema: inputSchema(t),
		}, b.ownerToolHandler(owner, principal, t))
	}

	return server, nil
}

// --- Input types for the reserved tools ---

// BalanceInput has no parameters.
type BalanceInput struct{}

// PaymentInput identifies a payment.
type PaymentInput struct {
	PaymentID string `json:"payment_id" jsonschema:"the payment_id returned when the payment was made"`
}

// ApproveInput names the tool to pay for.
type ApproveInput struct {
	Tool  string `json:"tool" jsonschema:"name of the priced tool to pay for"`
	Owner string `json:"owner,omitempty" jsonschema:"owner of the tool, defaults to the owner of this server"`
}

func (b *Builder) registerReserved(server *mcp.Server, owner, principal string) {
	desc := make(map[string]string, len(tools.ReservedNames))
	for _, t := range invocation.ReservedTools() {
		desc[t.Name] = t.Description
	}

	mcp.AddTool(server, &mcp.Tool{Name: tools.CheckBalance, Description: desc[tools.CheckBalance]},
		func(ctx context.Context, _ *mcp.CallToolRequest, _ BalanceInput) (*mcp.CallToolResult, any, error) {
			return b.call(ctx, owner, tools.CheckBalance, nil, invocation.Caller{Principal: principal}), nil, nil
		})

	for _, name := range []string{tools.GetPaymentTransaction, tools.VerifyPayment} {
		mcp.AddTool(server, &mcp.Tool{Name: name, Description: desc[name]},
			func(ctx context.Context, _ *mcp.CallToolRequest, in PaymentInput) (*mcp.CallToolResult, any, error) {
				args := map[string]any{paymentIDArg: in.PaymentID}
				return b.call(ctx, owner, name, args, invocation.Caller{Principal: principal}), nil, nil
			})
	}

	mcp.AddTool(server, &mcp.Tool{Name: tools.ApprovePayment, Description: desc[tools.ApprovePayment]},
		func(ctx context.Context, _ *mcp.CallToolRequest, in ApproveInput) (*mcp.CallToolResult, any, error) {
			args := map[string]any{"tool": in.Tool, "owner": in.Owner}
			return b.call(ctx, owner, tools.ApprovePayment, args, invocation.Caller{Principal: principal}), nil, nil
		})
}

func (b *Builder) ownerToolHandler(owner, principal string, t *models.Tool) mcp.ToolHandler {
	declaresPaymentID := false
	for _, p := range t.Parameters {
		if p.Name == paymentIDArg {
			declaresPaymentID = true
		}
	}

	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(http.StatusBadRequest, map[string]any{
					"error":   "invalid_request",
					"message": "arguments must be a JSON object",
				}), nil
			}
		}

		caller := invocation.Caller{Principal: principal}
		if !declaresPaymentID {
			caller.PaymentID, _ = args[paymentIDArg].(string)
			delete(args, paymentIDArg)
		}

		return b.call(ctx, owner, t.Name, args, caller), nil
	}
}

func (b *Builder) call(ctx context.Context, owner, name string, args map[string]any, caller invocation.Caller) *mcp.CallToolResult {
	res, err := b.svc.Invoke(ctx, owner, name, args, caller)
	if err != nil {
		return errorResult(invocation.ErrorResponse(err))
	}

	out := textResult(res)
	if res.Envelope != nil && !res.Envelope.Success {
		out.IsError = true
	}

	return out
}

func describe(t *models.Tool) string {
	if !t.Priced() {
		return t.Description
	}

	return fmt.Sprintf("%s\n\nPrice: %s per call. Pass payment_id to reuse a completed payment.", t.Description, t.Price)
}

// inputSchema builds the JSON schema of a tool's arguments from its
// declared parameters. Priced tools also accept payment_id.
func inputSchema(t *models.Tool) *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(t.Parameters)+1),
	}

	for _, p := range t.Parameters {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}

		schema.Properties[p.Name] = &jsonschema.Schema{Type: typ, Description: p.Description}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}

	if _, declared := schema.Properties[paymentIDArg]; t.Priced() && !declared {
		schema.Properties[paymentIDArg] = &jsonschema.Schema{
			Type:        "string",
			Description: "A completed payment to use instead of paying again.",
		}
	}

	return schema
}

// textResult builds a CallToolResult with JSON text content from any value.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

// errorResult reports a refused call. The body carries the HTTP status
// the REST surface would have used.
func errorResult(status int, body map[string]any) *mcp.CallToolResult {
	body["http_status"] = status

	res := textResult(body)
	res.IsError = true

	return res
}
