// Package ledger derives seller balances from transaction and payout history.
// Nothing here performs I/O and no balance is ever stored.
package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// TotalSales sums COMPLETED transactions sold by seller. Rows of other sellers are skipped.
func TotalSales(seller uuid.UUID, txns []domain.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, t := range txns {
		if t.SellerID == seller && t.Status == domain.TransactionCompleted {
			total = total.Add(t.Amount)
		}
	}
	return total
}

// TotalPayouts sums the payouts of user that still hold funds: PENDING, PROCESSING and PAID.
func TotalPayouts(user uuid.UUID, payouts []domain.Payout) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payouts {
		if p.UserID == user && p.Status.Committed() {
			total = total.Add(p.Amount)
		}
	}
	return total
}

func Compute(user uuid.UUID, txns []domain.Transaction, payouts []domain.Payout) domain.Balance {
	sales := TotalSales(user, txns)
	paid := TotalPayouts(user, payouts)
	return domain.Balance{
		TotalSales:       sales,
		TotalPayouts:     paid,
		AvailableBalance: sales.Sub(paid),
	}
}

// CanWithdraw reports whether a payout may be created for the balance.
func CanWithdraw(b domain.Balance) bool {
	return b.AvailableBalance.IsPositive()
}

// ToMinorUnits converts an amount to integer cents, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}
