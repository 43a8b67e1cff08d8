// Package ledger is a double-entry token ledger over SQLite.
//
// Every movement writes a DEBIT on the source account and a CREDIT on the
// destination in the same transaction, so the sum of all balances only
// changes through the mint account.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bountyline/internal/domain"
)

// MintAccount is the system source of newly issued tokens. It is the only
// account allowed to go negative.
const MintAccount = "system:mint"

const (
	EntryDebit  = "DEBIT"
	EntryCredit = "CREDIT"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) *Ledger {
	return &Ledger{DB: db, Now: time.Now}
}

func (l *Ledger) now() string {
	if l.Now != nil {
		return l.Now().UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Transfer moves amount from one account to another atomically.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount int64) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		return l.move(ctx, tx, from, to, amount, "transfer")
	})
}

// TransferTx moves amount inside tx. Nothing is visible until the caller
// commits, and a rollback undoes both entries.
func (l *Ledger) TransferTx(ctx context.Context, tx *sql.Tx, from, to string, amount int64) error {
	return l.move(ctx, tx, from, to, amount, "transfer")
}

// Mint issues new tokens to an account.
func (l *Ledger) Mint(ctx context.Context, to string, amount int64) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		return l.move(ctx, tx, MintAccount, to, amount, "mint")
	})
}

func (l *Ledger) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *Ledger) move(ctx context.Context, tx *sql.Tx, from, to string, amount int64, memo string) error {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" || to == "" {
		return errors.New("ledger accounts required")
	}
	if from == to {
		return fmt.Errorf("cannot transfer from %s to itself", from)
	}
	if to == MintAccount {
		return fmt.Errorf("cannot transfer into %s", MintAccount)
	}
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	fromBal, err := balanceTx(ctx, tx, from)
	if err != nil {
		return fmt.Errorf("get %s balance: %w", from, err)
	}
	if from != MintAccount && fromBal < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, fromBal, amount)
	}
	toBal, err := balanceTx(ctx, tx, to)
	if err != nil {
		return fmt.Errorf("get %s balance: %w", to, err)
	}
	txID := uuid.NewString()
	now := l.now()
	if err := l.post(ctx, tx, txID, from, EntryDebit, amount, fromBal-amount, memo, now); err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if err := l.post(ctx, tx, txID, to, EntryCredit, amount, toBal+amount, memo, now); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}

func (l *Ledger) post(ctx context.Context, tx *sql.Tx, txID, account, direction string, amount, balance int64, memo, now string) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(tx_id,account,direction,amount,balance_after,memo,created_at) VALUES (?,?,?,?,?,?,?)`,
		txID, account, direction, amount, balance, memo, now); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO ledger_accounts(account,balance,updated_at) VALUES (?,?,?)
ON CONFLICT(account) DO UPDATE SET balance=excluded.balance, updated_at=excluded.updated_at`, account, balance, now)
	return err
}

func balanceTx(ctx context.Context, tx *sql.Tx, account string) (int64, error) {
	var bal int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM ledger_accounts WHERE account=?`, account).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return bal, err
}

// Balance returns the balance of an account, zero if it has never been used.
func (l *Ledger) Balance(ctx context.Context, account string) (int64, error) {
	var bal int64
	err := l.DB.QueryRowContext(ctx, `SELECT balance FROM ledger_accounts WHERE account=?`, account).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return bal, err
}

// Entries returns the newest entries of an account first.
func (l *Ledger) Entries(ctx context.Context, account string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id,tx_id,account,direction,amount,balance_after,COALESCE(memo,''),created_at FROM ledger_entries WHERE account=? ORDER BY id DESC LIMIT ?`, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TxID, &e.Account, &e.Direction, &e.Amount, &e.BalanceAfter, &e.Memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Totals returns the sum of debits and credits. They are equal in a
// consistent ledger.
func (l *Ledger) Totals(ctx context.Context) (debits, credits int64, err error) {
	err = l.DB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(CASE WHEN direction='DEBIT' THEN amount END),0),
       COALESCE(SUM(CASE WHEN direction='CREDIT' THEN amount END),0)
FROM ledger_entries`).Scan(&debits, &credits)
	return debits, credits, err
}
