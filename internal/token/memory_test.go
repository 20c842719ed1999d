package token

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestTransfer(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	l.Mint("alice", decimal.New(100, 0))

	if err := l.Transfer(ctx, "alice", "bob", decimal.New(40, 0)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	aliceBal, _ := l.BalanceOf(ctx, "alice")
	bobBal, _ := l.BalanceOf(ctx, "bob")
	if !aliceBal.Equal(decimal.New(60, 0)) || !bobBal.Equal(decimal.New(40, 0)) {
		t.Errorf("balances = %s/%s, want 60/40", aliceBal, bobBal)
	}

	if err := l.Transfer(ctx, "alice", "bob", decimal.New(1000, 0)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("overdraft err = %v, want ErrInsufficientBalance", err)
	}
	if err := l.Transfer(ctx, "alice", "bob", decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero transfer err = %v, want ErrInvalidAmount", err)
	}
	if err := l.Transfer(ctx, "alice", "bob", decimal.New(-5, 0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative transfer err = %v, want ErrInvalidAmount", err)
	}
}

func TestTransferFromAllowance(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	l.Mint("alice", decimal.New(100, 0))

	// A third-party spender needs an allowance.
	if err := l.TransferFrom(ctx, "spender", "alice", "bob", decimal.New(10, 0)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Errorf("no-allowance err = %v, want ErrInsufficientAllowance", err)
	}
	if err := l.Approve(ctx, "alice", "spender", decimal.New(30, 0)); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := l.TransferFrom(ctx, "spender", "alice", "bob", decimal.New(10, 0)); err != nil {
		t.Fatalf("TransferFrom: %v", err)
	}
	remaining, _ := l.Allowance(ctx, "alice", "spender")
	if !remaining.Equal(decimal.New(20, 0)) {
		t.Errorf("allowance = %s, want 20", remaining)
	}

	// Self-spending skips the allowance entirely.
	if err := l.TransferFrom(ctx, "alice", "alice", "bob", decimal.New(50, 0)); err != nil {
		t.Fatalf("self TransferFrom: %v", err)
	}
}

func TestHistory(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	l.Mint("alice", decimal.New(100, 0))
	_ = l.Transfer(ctx, "alice", "bob", decimal.New(10, 0))
	_ = l.Transfer(ctx, "alice", "carol", decimal.New(20, 0))

	entries := l.History("alice", 2)
	if len(entries) != 2 {
		t.Fatalf("history length = %d, want 2", len(entries))
	}
	// Newest first.
	if entries[0].To != "carol" || entries[1].To != "bob" {
		t.Errorf("history order = %s, %s; want carol, bob", entries[0].To, entries[1].To)
	}
}
