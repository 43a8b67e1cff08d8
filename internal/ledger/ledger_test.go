package ledger_test

import (
	"context"
	"errors"
	"testing"

	"bountyline/internal/db"
	"bountyline/internal/ledger"
	"bountyline/internal/migrate"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ledger.New(conn)
}

func TestMintAndTransfer(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	if err := l.Mint(ctx, "alice", 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Transfer(ctx, "alice", "bob", 40); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	alice, _ := l.Balance(ctx, "alice")
	bob, _ := l.Balance(ctx, "bob")
	if alice != 60 || bob != 40 {
		t.Fatalf("balances alice=%d bob=%d", alice, bob)
	}
	entries, err := l.Entries(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Direction != ledger.EntryDebit || entries[0].BalanceAfter != 60 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	debits, credits, err := l.Totals(ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if debits != credits {
		t.Fatalf("ledger unbalanced: debits=%d credits=%d", debits, credits)
	}
}

func TestTransferInsufficientFundsIsAtomic(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	if err := l.Mint(ctx, "alice", 10); err != nil {
		t.Fatalf("mint: %v", err)
	}
	err := l.Transfer(ctx, "alice", "bob", 11)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	alice, _ := l.Balance(ctx, "alice")
	bob, _ := l.Balance(ctx, "bob")
	if alice != 10 || bob != 0 {
		t.Fatalf("failed transfer changed balances alice=%d bob=%d", alice, bob)
	}
}

func TestTransferRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	for _, tc := range []struct {
		from, to string
		amount   int64
	}{
		{"alice", "alice", 1},
		{"alice", "bob", 0},
		{"", "bob", 1},
		{"alice", ledger.MintAccount, 1},
	} {
		if err := l.Transfer(ctx, tc.from, tc.to, tc.amount); err == nil {
			t.Fatalf("transfer %s->%s %d: expected error", tc.from, tc.to, tc.amount)
		}
	}
}

func TestTransferTxFollowsCallerTransaction(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	if err := l.Mint(ctx, "alice", 50); err != nil {
		t.Fatalf("mint: %v", err)
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := l.TransferTx(ctx, tx, "alice", "bob", 30); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if bal, _ := l.Balance(ctx, "bob"); bal != 0 {
		t.Fatalf("rolled back transfer credited %d", bal)
	}

	tx, err = l.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := l.TransferTx(ctx, tx, "alice", "bob", 30); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if bal, _ := l.Balance(ctx, "alice"); bal != 20 {
		t.Fatalf("alice balance %d, want 20", bal)
	}
	if debits, credits, _ := l.Totals(ctx); debits != credits {
		t.Fatalf("unbalanced ledger: %d debits, %d credits", debits, credits)
	}
}
