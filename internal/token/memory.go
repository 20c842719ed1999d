package token

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Entry is one ledger movement, kept for audit queries.
type Entry struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// MemoryLedger implements Ledger with in-memory balances. It is the local
// stand-in for the on-chain token contract; a real deployment swaps in an
// adapter over the chain RPC.
type MemoryLedger struct {
	mu         sync.RWMutex
	balances   map[string]decimal.Decimal
	allowances map[string]map[string]decimal.Decimal // owner -> spender -> amount
	history    map[string][]Entry                    // account -> entries
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[string]map[string]decimal.Decimal),
		history:    make(map[string][]Entry),
	}
}

// Mint credits an account from nowhere. Treasury/bootstrap use only.
func (l *MemoryLedger) Mint(account string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balance(account).Add(amount)
	l.record("TREASURY", account, amount, "MINT")
}

func (l *MemoryLedger) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount, "TRANSFER")
}

func (l *MemoryLedger) TransferFrom(ctx context.Context, spender, from, to string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if spender != from {
		allowed := l.allowance(from, spender)
		if allowed.LessThan(amount) {
			return ErrInsufficientAllowance
		}
		l.setAllowance(from, spender, allowed.Sub(amount))
	}
	return l.move(from, to, amount, "TRANSFER_FROM")
}

func (l *MemoryLedger) BalanceOf(ctx context.Context, account string) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance(account), nil
}

func (l *MemoryLedger) Approve(ctx context.Context, owner, spender string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowance(owner, spender, amount)
	return nil
}

func (l *MemoryLedger) Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowance(owner, spender), nil
}

// History returns the most recent entries touching an account, newest first.
func (l *MemoryLedger) History(account string, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.history[account]
	var out []Entry
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (l *MemoryLedger) move(from, to string, amount decimal.Decimal, ref string) error {
	if amount.IsNegative() || amount.IsZero() {
		return ErrInvalidAmount
	}
	bal := l.balance(from)
	if bal.LessThan(amount) {
		return ErrInsufficientBalance
	}
	l.balances[from] = bal.Sub(amount)
	l.balances[to] = l.balance(to).Add(amount)
	l.record(from, to, amount, ref)
	return nil
}

func (l *MemoryLedger) balance(account string) decimal.Decimal {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return decimal.Zero
}

func (l *MemoryLedger) allowance(owner, spender string) decimal.Decimal {
	if m, ok := l.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return a
		}
	}
	return decimal.Zero
}

func (l *MemoryLedger) setAllowance(owner, spender string, amount decimal.Decimal) {
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[string]decimal.Decimal)
		l.allowances[owner] = m
	}
	m[spender] = amount
}

func (l *MemoryLedger) record(from, to string, amount decimal.Decimal, ref string) {
	e := Entry{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Amount:    amount,
		Reference: ref,
		CreatedAt: time.Now().UTC(),
	}
	l.history[from] = append(l.history[from], e)
	if to != from {
		l.history[to] = append(l.history[to], e)
	}
}
