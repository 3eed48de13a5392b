// Package ledger provides the ledger collaborators the payment gate
// settles against: an in-process Memory ledger for development and
// tests, and WSClient, a JSON-RPC client for an external ledger service.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type account struct {
	deposited decimal.Decimal
	spent     decimal.Decimal
}

type transfer struct {
	ref       string
	payer     string
	recipient string
	amount    decimal.Decimal
	status    models.TxStatus
	createdAt time.Time
}

// Memory is an in-process ledger. Transfers decrement the payer's
// available funds atomically and are idempotent by reference: a second
// transfer with a reference already seen returns the original
// transaction without moving funds again.
type Memory struct {
	mu          sync.Mutex
	accounts    map[string]*account
	wallets     map[string]decimal.Decimal
	txs         map[string]*transfer
	byReference map[string]string
	now         func() time.Time
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[string]*account),
		wallets:     make(map[string]decimal.Decimal),
		txs:         make(map[string]*transfer),
		byReference: make(map[string]string),
		now:         time.Now,
	}
}

// Deposit credits principal's account, opening it if needed.
func (m *Memory) Deposit(principal string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[principal]
	if !ok {
		acct = &account{}
		m.accounts[principal] = acct
	}

	acct.deposited = acct.deposited.Add(amount)
}

// BalanceOf returns the principal's balance, or ErrNoAccount if the
// principal has never deposited.
func (m *Memory) BalanceOf(_ context.Context, principal string) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[principal]
	if !ok {
		return models.Balance{}, fmt.Errorf("%w: %s", apperrors.ErrNoAccount, principal)
	}

	b := models.NewBalance(principal, acct.deposited, acct.spent)
	b.FetchedAt = m.now()

	return b, nil
}

// Transfer moves amount from payer to the recipient wallet.
func (m *Memory) Transfer(_ context.Context, payer, recipient string, amount decimal.Decimal, reference string) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: transfer amount must be positive", apperrors.ErrInvalidRequest)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" {
		if ref, ok := m.byReference[reference]; ok {
			return ref, nil
		}
	}

	acct, ok := m.accounts[payer]
	if !ok {
		return "", fmt.Errorf("%w: %s", apperrors.ErrNoAccount, payer)
	}

	if acct.deposited.Sub(acct.spent).LessThan(amount) {
		return "", apperrors.ErrInsufficientFunds
	}

	acct.spent = acct.spent.Add(amount)
	m.wallets[recipient] = m.wallets[recipient].Add(amount)

	tx := &transfer{
		ref:       "tx_" + uuid.NewString(),
		payer:     payer,
		recipient: recipient,
		amount:    amount,
		status:    models.TxConfirmed,
		createdAt: m.now(),
	}

	m.txs[tx.ref] = tx
	if reference != "" {
		m.byReference[reference] = tx.ref
	}

	return tx.ref, nil
}

// GetTransaction reports the status of a transfer.
func (m *Memory) GetTransaction(_ context.Context, txRef string) (models.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[txRef]
	if !ok {
		return "", fmt.Errorf("%w: transaction %s", apperrors.ErrNotFound, txRef)
	}

	return tx.status, nil
}

// WalletBalance returns the total credited to a recipient wallet.
func (m *Memory) WalletBalance(wallet string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.wallets[wallet]
}

// TransferCount returns the number of distinct transfers performed.
func (m *Memory) TransferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.txs)
}
