// Package invocation runs a tool call end to end: registry lookup,
// argument check, payment gate, outbound call. Reserved payment tools
// are answered here without an outbound call.
package invocation

import (
	"context"
	"fmt"
	"log/slog"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/executor"
	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/alexjbarnes/toolpay/internal/payment"
	"github.com/alexjbarnes/toolpay/internal/tools"
)

// Invocation outcomes passed to Recorder.
const (
	OutcomeSuccess  = "success"
	OutcomeUpstream = "upstream_error"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
	OutcomeReserved = "reserved"
)

// Recorder observes invocation outcomes.
type Recorder interface {
	Invocation(outcome string)
}

// Caller identifies who is invoking and how they intend to pay.
type Caller struct {
	Principal string
	// PaymentID references a completed payment to reuse instead of
	// settling again.
	PaymentID string
}

// Result is the outcome of a successful dispatch. Exactly one of
// Envelope (owner tools) and Data (reserved tools) is set.
type Result struct {
	Tool     string             `json:"tool"`
	Envelope *executor.Envelope `json:"result,omitempty"`
	Data     any                `json:"data,omitempty"`
	Payment  *payment.Receipt   `json:"payment,omitempty"`
}

// Service dispatches tool calls.
type Service struct {
	registry *tools.Registry
	gate     *payment.Gate
	exec     *executor.Executor
	recorder Recorder
	logger   *slog.Logger
}

// NewService returns a Service. recorder may be nil.
func NewService(registry *tools.Registry, gate *payment.Gate, exec *executor.Executor, recorder Recorder, logger *slog.Logger) *Service {
	return &Service{
		registry: registry,
		gate:     gate,
		exec:     exec,
		recorder: recorder,
		logger:   logger,
	}
}

// Registry returns the tool registry the service resolves against.
func (s *Service) Registry() *tools.Registry { return s.registry }

// Invoke calls owner's tool name with args on behalf of caller.
//
// Errors: apperrors.ErrNotFound for unknown or inactive tools,
// apperrors.ErrMissingParameter before any charge is made, and
// *payment.Error when the gate refuses. Upstream failures are not
// errors; they come back in Result.Envelope.
func (s *Service) Invoke(ctx context.Context, owner, name string, args map[string]any, caller Caller) (*Result, error) {
	if args == nil {
		args = map[string]any{}
	}

	if tools.IsReserved(name) {
		return s.reserved(ctx, owner, tools.NormalizeName(name), args, caller)
	}

	tool, err := s.registry.Resolve(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(slog.String("tool", tool.ID()), slog.String("caller", caller.Principal))

	// Refuse bad arguments before anyone is charged.
	if err := executor.CheckRequired(tool, args); err != nil {
		s.record(OutcomeRejected)
		return nil, err
	}

	receipt, err := s.gate.Authorize(ctx, caller.Principal, caller.PaymentID, tool)
	if err != nil {
		s.record(OutcomeRejected)
		logger.Info("payment gate refused call", slog.String("error", err.Error()))

		return nil, err
	}

	env, err := s.exec.Invoke(ctx, tool, args)
	if err != nil {
		s.record(OutcomeRejected)
		return nil, err
	}

	res := &Result{Tool: tool.ID(), Envelope: env}
	if receipt.PaymentID != "" {
		res.Payment = receipt
	}

	switch {
	case env.Success:
		s.record(OutcomeSuccess)

		if err := s.registry.IncrementCalls(context.WithoutCancel(ctx), tool.Owner, tool.Name); err != nil {
			logger.Warn("incrementing call count", slog.String("error", err.Error()))
		}
	case env.Reason == executor.ReasonTimeout:
		s.record(OutcomeTimeout)
	default:
		s.record(OutcomeUpstream)
	}

	if !env.Success && receipt.Charged {
		// The payment stays completed; the caller can retry with
		// the payment_id without being charged again.
		logger.Warn("paid call failed upstream",
			slog.String("payment_id", receipt.PaymentID),
			slog.String("reason", env.Reason),
		)
	}

	return res, nil
}

func (s *Service) reserved(ctx context.Context, owner, name string, args map[string]any, caller Caller) (*Result, error) {
	s.record(OutcomeReserved)

	res := &Result{Tool: name}

	switch name {
	case tools.CheckBalance:
		b, err := s.gate.Balance(ctx, caller.Principal)
		if err != nil {
			return nil, err
		}

		res.Data = b

	case tools.GetPaymentTransaction:
		id, err := stringArg(args, "payment_id")
		if err != nil {
			return nil, err
		}

		rec, err := s.gate.Payment(ctx, caller.Principal, id)
		if err != nil {
			return nil, err
		}

		res.Data = rec

	case tools.VerifyPayment:
		id, err := stringArg(args, "payment_id")
		if err != nil {
			return nil, err
		}

		rec, err := s.gate.Verify(ctx, caller.Principal, id)
		if err != nil {
			return nil, err
		}

		res.Data = rec

	case tools.ApprovePayment:
		receipt, err := s.approve(ctx, owner, args, caller)
		if err != nil {
			return nil, err
		}

		res.Data = receipt
		res.Payment = receipt
	}

	return res, nil
}

// approve settles a tool's price without calling it. The returned
// payment_id can be passed to a later invocation.
func (s *Service) approve(ctx context.Context, owner string, args map[string]any, caller Caller) (*payment.Receipt, error) {
	toolName, err := stringArg(args, "tool")
	if err != nil {
		return nil, err
	}

	if o, ok := args["owner"].(string); ok && o != "" {
		owner = o
	}

	tool, err := s.registry.Resolve(ctx, owner, toolName)
	if err != nil {
		return nil, err
	}

	if !tool.Priced() {
		return nil, fmt.Errorf("%w: tool %s is free", apperrors.ErrInvalidRequest, tool.ID())
	}

	return s.gate.Settle(ctx, caller.Principal, tool)
}

// ReservedTools describes the reserved tools for listings.
func ReservedTools() []*models.Tool {
	return []*models.Tool{
		{
			Name:        tools.CheckBalance,
			Description: "Return your ledger balance: deposited, spent and available.",
			Active:      true,
		},
		{
			Name:        tools.GetPaymentTransaction,
			Description: "Return the payment record for a payment_id you made.",
			Parameters:  []models.ToolParameter{{Name: "payment_id", Type: "string", Required: true, Description: "Payment to look up."}},
			Active:      true,
		},
		{
			Name:        tools.ApprovePayment,
			Description: "Pay for one call of a priced tool without calling it. Returns a payment_id to pass to the tool.",
			Parameters: []models.ToolParameter{
				{Name: "tool", Type: "string", Required: true, Description: "Name of the tool to pay for."},
				{Name: "owner", Type: "string", Description: "Owner of the tool. Defaults to the current owner."},
			},
			Active: true,
		},
		{
			Name:        tools.VerifyPayment,
			Description: "Check a pending payment against the ledger and update its status.",
			Parameters:  []models.ToolParameter{{Name: "payment_id", Type: "string", Required: true, Description: "Payment to verify."}},
			Active:      true,
		},
	}
}

func stringArg(args map[string]any, name string) (string, error) {
	v, _ := args[name].(string)
	if v == "" {
		return "", fmt.Errorf("%w: %s", apperrors.ErrMissingParameter, name)
	}

	return v, nil
}

func (s *Service) record(outcome string) {
	if s.recorder != nil {
		s.recorder.Invocation(outcome)
	}
}
