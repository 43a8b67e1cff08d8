package delegation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"bountyline/internal/domain"
)

func TestAuthorize(t *testing.T) {
	a := New(Rules{
		MaxPayment:         100,
		MaxTotalPerProject: 150,
		AllowedPurposes:    []string{domain.PurposeTaskCompletion, domain.PurposeRefund},
	})
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.Authorization
		ok   bool
	}{
		{"within limits", domain.Authorization{ProjectID: 1, Amount: 50, Purpose: domain.PurposeTaskCompletion}, true},
		{"per payment cap", domain.Authorization{ProjectID: 1, Amount: 101, Purpose: domain.PurposeTaskCompletion}, false},
		{"project total cap", domain.Authorization{ProjectID: 1, Amount: 60, Purpose: domain.PurposeTaskCompletion, Spent: 100}, false},
		{"refund ignores payout total", domain.Authorization{ProjectID: 1, Amount: 60, Purpose: domain.PurposeRefund, Spent: 100}, true},
		{"purpose not delegated", domain.Authorization{ProjectID: 1, Amount: 5, Purpose: domain.PurposeDeposit}, false},
		{"non positive", domain.Authorization{ProjectID: 1, Amount: 0, Purpose: domain.PurposeRefund}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := a.Authorize(ctx, tc.req)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, domain.ErrPaymentNotAuthorized)
		})
	}
}

func TestEmptyRulesAllowEverything(t *testing.T) {
	a := New(Rules{})
	for _, p := range DefaultPurposes() {
		require.NoError(t, a.Authorize(context.Background(), domain.Authorization{Amount: 1 << 40, Purpose: p}))
	}
}
