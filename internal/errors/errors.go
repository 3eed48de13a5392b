// Package errors defines the sentinel errors shared across toolpay's
// internal packages. Protocol layers wrap these in typed errors that
// carry the wire representation (OAuth error codes, HTTP 402 bodies).
package errors

import "errors"

// OAuth protocol errors.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidClient      = errors.New("invalid client")
	ErrInvalidGrant       = errors.New("invalid grant")
	ErrUnauthorizedClient = errors.New("unauthorized client")
	ErrInsufficientScope  = errors.New("insufficient scope")
)

// Payment errors.
var (
	ErrPaymentRequired     = errors.New("payment required")
	ErrNoAccount           = errors.New("no ledger account")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotYetSettled       = errors.New("payment not yet settled")
	ErrSettlementFailed    = errors.New("settlement failed")
	ErrInsufficientFunds   = errors.New("ledger rejected transfer: insufficient funds")
	ErrInvalidTransition   = errors.New("invalid payment status transition")
	// ErrOutcomeUnknown marks a ledger call that may or may not have
	// been applied, such as one whose response never arrived.
	ErrOutcomeUnknown = errors.New("ledger outcome unknown")
)

// Tool errors.
var (
	ErrToolExists        = errors.New("tool already exists")
	ErrReservedTool      = errors.New("tool name is reserved")
	ErrMissingParameter  = errors.New("missing required parameter")
	ErrUpstreamTimeout   = errors.New("upstream call timed out")
	ErrUpstreamTransport = errors.New("upstream call failed")
)

// Generic errors.
var (
	ErrNotFound = errors.New("not found")
	ErrServer   = errors.New("server error")
)
