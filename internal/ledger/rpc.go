package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/shopspring/decimal"
)

// JSON-RPC methods served by the ledger service.
const (
	MethodBalanceOf      = "ledger_balanceOf"
	MethodTransfer       = "ledger_transfer"
	MethodGetTransaction = "ledger_getTransaction"
)

// Application error codes returned by the ledger service.
const (
	CodeNoAccount         = -32001
	CodeInsufficientFunds = -32002
	CodeNotFound          = -32004
)

const readLimit = 1 << 20

// wsConn abstracts the WebSocket connection so WSClient can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

// Unwrap maps ledger application codes onto the shared sentinels.
func (e *RPCError) Unwrap() error {
	switch e.Code {
	case CodeNoAccount:
		return apperrors.ErrNoAccount
	case CodeInsufficientFunds:
		return apperrors.ErrInsufficientFunds
	case CodeNotFound:
		return apperrors.ErrNotFound
	default:
		return nil
	}
}

// Wire shapes of each method's params and result.
type BalanceParams struct {
	Principal string `json:"principal"`
}

type BalanceResult struct {
	Deposited decimal.Decimal `json:"deposited"`
	Spent     decimal.Decimal `json:"spent"`
	Available decimal.Decimal `json:"available"`
}

type TransferParams struct {
	Payer     string          `json:"payer"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

type TransferResult struct {
	TxReference string `json:"tx_reference"`
}

type TransactionParams struct {
	TxReference string `json:"tx_reference"`
}

type TransactionResult struct {
	Status models.TxStatus `json:"status"`
}

// WSClient talks JSON-RPC 2.0 to a ledger service over WebSocket. Each
// call dials its own connection, so no lock is held across the network
// and a broken connection never outlives the call that saw it.
type WSClient struct {
	url    string
	header http.Header
	logger *slog.Logger
	nextID atomic.Uint64

	dial func(ctx context.Context, url string) (wsConn, error)
}

// NewWSClient returns a client for the ledger service at url
// (ws:// or wss://). header is sent with every dial.
func NewWSClient(url string, header http.Header, logger *slog.Logger) *WSClient {
	c := &WSClient{url: url, header: header, logger: logger}
	c.dial = c.dialWebSocket

	return c
}

func (c *WSClient) dialWebSocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: c.header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing ledger: %w", err)
	}

	return conn, nil
}

// BalanceOf implements payment.Ledger.
func (c *WSClient) BalanceOf(ctx context.Context, principal string) (models.Balance, error) {
	var res BalanceResult
	if err := c.call(ctx, MethodBalanceOf, BalanceParams{Principal: principal}, &res); err != nil {
		return models.Balance{}, err
	}

	b := models.NewBalance(principal, res.Deposited, res.Spent)
	b.FetchedAt = time.Now()

	return b, nil
}

// Transfer implements payment.Ledger.
func (c *WSClient) Transfer(ctx context.Context, payer, recipient string, amount decimal.Decimal, reference string) (string, error) {
	var res TransferResult

	err := c.call(ctx, MethodTransfer, TransferParams{
		Payer:     payer,
		Recipient: recipient,
		Amount:    amount,
		Reference: reference,
	}, &res)
	if err != nil {
		return "", err
	}

	if res.TxReference == "" {
		return "", fmt.Errorf("%w: ledger returned an empty transaction reference", apperrors.ErrOutcomeUnknown)
	}

	return res.TxReference, nil
}

// GetTransaction implements payment.Ledger.
func (c *WSClient) GetTransaction(ctx context.Context, txRef string) (models.TxStatus, error) {
	var res TransactionResult
	if err := c.call(ctx, MethodGetTransaction, TransactionParams{TxReference: txRef}, &res); err != nil {
		return "", err
	}

	return res.Status, nil
}

func (c *WSClient) call(ctx context.Context, method string, params, result any) error {
	conn, err := c.dial(ctx, c.url)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	conn.SetReadLimit(readLimit)

	req := Request{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}

	// From here on the ledger may have acted on the request.
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending %s: %w: %w", method, apperrors.ErrOutcomeUnknown, err)
	}

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading %s response: %w: %w", method, apperrors.ErrOutcomeUnknown, err)
		}

		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("decoding %s response: %w: %w", method, apperrors.ErrOutcomeUnknown, err)
		}

		if resp.ID != req.ID {
			c.logger.Debug("skipping unrelated ledger message",
				slog.Uint64("id", resp.ID),
				slog.String("method", method),
			)

			continue
		}

		if resp.Error != nil {
			return resp.Error
		}

		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w: %w", method, apperrors.ErrOutcomeUnknown, err)
		}

		return nil
	}
}

// Serve answers ledger JSON-RPC requests on conn using l until the
// connection closes. It backs the development ledger endpoint and the
// client tests.
func Serve(ctx context.Context, conn *websocket.Conn, l *Memory) error {
	for {
		var req Request
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}

			return err
		}

		if err := wsjson.Write(ctx, conn, dispatch(ctx, l, req)); err != nil {
			return err
		}
	}
}

func dispatch(ctx context.Context, l *Memory, req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	params, err := json.Marshal(req.Params)
	if err != nil {
		resp.Error = &RPCError{Code: -32602, Message: err.Error()}
		return resp
	}

	var result any

	switch req.Method {
	case MethodBalanceOf:
		var p BalanceParams
		if err = json.Unmarshal(params, &p); err == nil {
			var b models.Balance
			if b, err = l.BalanceOf(ctx, p.Principal); err == nil {
				result = BalanceResult{Deposited: b.Deposited, Spent: b.Spent, Available: b.Available}
			}
		}
	case MethodTransfer:
		var p TransferParams
		if err = json.Unmarshal(params, &p); err == nil {
			var ref string
			if ref, err = l.Transfer(ctx, p.Payer, p.Recipient, p.Amount, p.Reference); err == nil {
				result = TransferResult{TxReference: ref}
			}
		}
	case MethodGetTransaction:
		var p TransactionParams
		if err = json.Unmarshal(params, &p); err == nil {
			var st models.TxStatus
			if st, err = l.GetTransaction(ctx, p.TxReference); err == nil {
				result = TransactionResult{Status: st}
			}
		}
	default:
		resp.Error = &RPCError{Code: -32601, Message: "method not found: " + req.Method}
		return resp
	}

	if err != nil {
		resp.Error = rpcError(err)
		return resp
	}

	resp.Result, _ = json.Marshal(result)

	return resp
}

func rpcError(err error) *RPCError {
	code := -32000

	switch {
	case errors.Is(err, apperrors.ErrNoAccount):
		code = CodeNoAccount
	case errors.Is(err, apperrors.ErrInsufficientFunds):
		code = CodeInsufficientFunds
	case errors.Is(err, apperrors.ErrNotFound):
		code = CodeNotFound
	}

	return &RPCError{Code: code, Message: err.Error()}
}

// Handler upgrades requests to WebSocket and serves l over JSON-RPC.
func Handler(l *Memory, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("ledger websocket accept failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow()

		if err := Serve(r.Context(), conn, l); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("ledger connection closed", slog.String("error", err.Error()))
		}
	})
}
