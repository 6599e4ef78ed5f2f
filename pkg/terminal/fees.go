package terminal

import (
	"context"

	"github.com/shopspring/decimal"
)

// FeeIncludedIn returns the net amount left once a fee at the given rate is
// carved out of amount: amount × MaxFee / (MaxFee + rate).
func FeeIncludedIn(amount decimal.Decimal, feeRate uint64) decimal.Decimal {
	if feeRate == 0 {
		return amount
	}
	maxFee := decimal.New(int64(MaxFee), 0)
	return amount.Mul(maxFee).Div(maxFee.Add(decimal.New(int64(feeRate), 0)))
}

// FeeAmountIn returns the fee portion of amount at the given rate.
func FeeAmountIn(amount decimal.Decimal, feeRate uint64) decimal.Decimal {
	return amount.Sub(FeeIncludedIn(amount, feeRate))
}

// EffectiveFeeRateFor returns the terminal's fee rate for a project after
// applying the fee gauge discount. Fee-exempt terminals always report zero.
func (l *Ledger) EffectiveFeeRateFor(project uint64) uint64 {
	if l.cfg.FeeExempt || l.cfg.FeeRate == 0 {
		return 0
	}
	if l.cfg.FeeGauge == nil {
		return l.cfg.FeeRate
	}
	discount := l.cfg.FeeGauge.CurrentDiscountFor(project)
	if discount >= MaxFee {
		return 0
	}
	// rate × (MaxFee − discount) / MaxFee, in integer arithmetic
	return l.cfg.FeeRate * (MaxFee - discount) / MaxFee
}

// HoldFeeFor records a deferred, refundable fee charge for a project.
func (l *Ledger) HoldFeeFor(ctx context.Context, project uint64, amount decimal.Decimal, feeRate uint64, beneficiary string) error {
	if !amount.IsPositive() {
		return ErrAmountZero
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.heldFees[project] = append(l.heldFees[project], HeldFee{
		Amount:      amount,
		FeeRate:     feeRate,
		Beneficiary: beneficiary,
	})
	l.persistHeldFeesLocked(ctx, project)

	l.log.Info("terminal: held fee",
		"terminal", l.cfg.TerminalID,
		"project", project,
		"amount", amount,
		"fee_rate", feeRate,
	)
	return nil
}

// HeldFeesOf returns a copy of the project's pending held fees, oldest first.
func (l *Ledger) HeldFeesOf(project uint64) []HeldFee {
	l.mu.Lock()
	defer l.mu.Unlock()
	fees := make([]HeldFee, len(l.heldFees[project]))
	copy(fees, l.heldFees[project])
	return fees
}

// refundHeldFeesLocked unwinds pending held fees oldest-first, up to the
// refunded amount. Entries larger than the leftover are reduced in place.
// Returns the total amount unwound.
func (l *Ledger) refundHeldFeesLocked(project uint64, amount decimal.Decimal) decimal.Decimal {
	fees := l.heldFees[project]
	if len(fees) == 0 {
		return decimal.Zero
	}

	leftover := amount
	refunded := decimal.Zero
	remaining := fees[:0]
	for i, fee := range fees {
		if leftover.IsZero() {
			remaining = append(remaining, fees[i:]...)
			break
		}
		if fee.Amount.LessThanOrEqual(leftover) {
			leftover = leftover.Sub(fee.Amount)
			refunded = refunded.Add(fee.Amount)
			continue
		}
		refunded = refunded.Add(leftover)
		fee.Amount = fee.Amount.Sub(leftover)
		leftover = decimal.Zero
		remaining = append(remaining, fee)
	}

	if len(remaining) == 0 {
		delete(l.heldFees, project)
	} else {
		l.heldFees[project] = remaining
	}
	return refunded
}
