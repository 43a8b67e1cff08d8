// Package delegation enforces spending rules delegated by the marketplace
// owner: a per-payment ceiling, a cumulative payout ceiling per project, and
// the set of purposes payments may be made for.
package delegation

import (
	"context"
	"fmt"

	"bountyline/internal/domain"
)

type Rules struct {
	// MaxPayment caps a single payment. Zero means no cap.
	MaxPayment int64
	// MaxTotalPerProject caps cumulative payouts to workers. Zero means no cap.
	MaxTotalPerProject int64
	// AllowedPurposes lists permitted purposes. Empty allows all.
	AllowedPurposes []string
}

// DefaultPurposes are the purposes a fresh workspace allows.
func DefaultPurposes() []string {
	return []string{domain.PurposeDeposit, domain.PurposeTaskCompletion, domain.PurposeManualPayout, domain.PurposeRefund}
}

type Authorizer struct {
	rules   Rules
	allowed map[string]struct{}
}

func New(rules Rules) *Authorizer {
	a := &Authorizer{rules: rules}
	if len(rules.AllowedPurposes) > 0 {
		a.allowed = make(map[string]struct{}, len(rules.AllowedPurposes))
		for _, p := range rules.AllowedPurposes {
			a.allowed[p] = struct{}{}
		}
	}
	return a
}

func (a *Authorizer) Authorize(_ context.Context, req domain.Authorization) error {
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount %d", domain.ErrPaymentNotAuthorized, req.Amount)
	}
	if a.allowed != nil {
		if _, ok := a.allowed[req.Purpose]; !ok {
			return fmt.Errorf("%w: purpose %s not delegated", domain.ErrPaymentNotAuthorized, req.Purpose)
		}
	}
	if a.rules.MaxPayment > 0 && req.Amount > a.rules.MaxPayment {
		return fmt.Errorf("%w: %d exceeds per-payment limit %d", domain.ErrPaymentNotAuthorized, req.Amount, a.rules.MaxPayment)
	}
	if a.rules.MaxTotalPerProject > 0 && isPayout(req.Purpose) && req.Spent+req.Amount > a.rules.MaxTotalPerProject {
		return fmt.Errorf("%w: project %d would pay out %d, limit %d", domain.ErrPaymentNotAuthorized, req.ProjectID, req.Spent+req.Amount, a.rules.MaxTotalPerProject)
	}
	return nil
}

func isPayout(purpose string) bool {
	return purpose == domain.PurposeTaskCompletion || purpose == domain.PurposeManualPayout
}
