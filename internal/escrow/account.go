// Package escrow keeps per-project fund bookkeeping.
//
// An Account never moves tokens itself. The project machine checks a
// reservation, performs the ledger transfer, and only then commits the
// reservation by applying the resulting event.
package escrow

import (
	"fmt"

	"bountyline/internal/domain"
)

// Account tracks custody of one project's funds.
//
// Balance + PaidOut + Refunded == Deposited and 0 <= Locked <= Balance hold
// after every method returns.
type Account struct {
	Deposited int64 `json:"total_deposited"`
	Balance   int64 `json:"escrow_balance"`
	PaidOut   int64 `json:"paid_out"`
	Refunded  int64 `json:"refunded"`
	Locked    int64 `json:"locked"`
}

// Reservation is a checked claim on escrow. Held reservations are counted in
// Locked until committed or released.
type Reservation struct {
	Amount int64
	Held   bool
}

// Held returns the reservation created by an earlier Hold of amount.
func Held(amount int64) Reservation {
	return Reservation{Amount: amount, Held: true}
}

// Free is the balance not held for pending submissions.
func (a Account) Free() int64 {
	return a.Balance - a.Locked
}

func (a *Account) Deposit(amount int64) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	a.Deposited += amount
	a.Balance += amount
	return nil
}

// Reserve checks that amount can be paid from free escrow. It does not mutate.
func (a *Account) Reserve(amount int64) (Reservation, error) {
	if amount <= 0 {
		return Reservation{}, domain.ErrInvalidAmount
	}
	if a.Free() < amount {
		return Reservation{}, fmt.Errorf("%w: available %d, need %d", domain.ErrInsufficientEscrow, a.Free(), amount)
	}
	return Reservation{Amount: amount}, nil
}

// Hold locks amount for a pending submission.
func (a *Account) Hold(amount int64) (Reservation, error) {
	if amount <= 0 {
		return Reservation{}, domain.ErrInvalidAmount
	}
	if a.Free() < amount {
		return Reservation{}, fmt.Errorf("%w: available %d, need %d", domain.ErrInsufficientEscrowFunds, a.Free(), amount)
	}
	a.Locked += amount
	return Held(amount), nil
}

// Commit pays out a reservation.
func (a *Account) Commit(r Reservation) error {
	if r.Amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if r.Held {
		if a.Locked < r.Amount {
			return fmt.Errorf("%w: locked %d, commit %d", domain.ErrInsufficientEscrowFunds, a.Locked, r.Amount)
		}
		a.Locked -= r.Amount
	} else if a.Free() < r.Amount {
		return fmt.Errorf("%w: available %d, commit %d", domain.ErrInsufficientEscrow, a.Free(), r.Amount)
	}
	a.Balance -= r.Amount
	a.PaidOut += r.Amount
	return nil
}

// Release abandons a reservation. Only held reservations change state.
func (a *Account) Release(r Reservation) {
	if !r.Held {
		return
	}
	a.Locked -= r.Amount
	if a.Locked < 0 {
		a.Locked = 0
	}
}

// AvailableForRefund is what an emergency refund returns to the client.
func (a Account) AvailableForRefund() int64 {
	return a.Balance
}

// RefundAll empties the account and drops every hold.
func (a *Account) RefundAll() int64 {
	amount := a.Balance
	a.Refunded += amount
	a.Balance = 0
	a.Locked = 0
	return amount
}

// Check verifies the conservation invariants.
func (a Account) Check() error {
	if a.Balance < 0 {
		return fmt.Errorf("escrow balance negative: %d", a.Balance)
	}
	if a.Locked < 0 || a.Locked > a.Balance {
		return fmt.Errorf("escrow locked %d outside [0,%d]", a.Locked, a.Balance)
	}
	if a.Balance+a.PaidOut+a.Refunded != a.Deposited {
		return fmt.Errorf("escrow not conserved: %d+%d+%d != %d", a.Balance, a.PaidOut, a.Refunded, a.Deposited)
	}
	return nil
}
