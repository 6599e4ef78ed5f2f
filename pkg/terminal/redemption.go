package terminal

import (
	"context"
	"fmt"

	"github.com/malbeclabs/treasury/pkg/fundingcycle"
	"github.com/malbeclabs/treasury/pkg/oracle"
	"github.com/shopspring/decimal"
)

// CurrentOverflowOf returns the project's balance above the unspent remainder
// of its distribution limit, in the terminal's currency.
func (l *Ledger) CurrentOverflowOf(ctx context.Context, project uint64) (decimal.Decimal, oracle.Currency, error) {
	cycle, err := l.cfg.Cycles.CurrentOf(project)
	if err != nil {
		return decimal.Zero, l.cfg.Currency, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	overflow, err := l.overflowLocked(ctx, project, cycle)
	return overflow, l.cfg.Currency, err
}

func (l *Ledger) overflowLocked(ctx context.Context, project uint64, cycle fundingcycle.FundingCycle) (decimal.Decimal, error) {
	balance := l.balances[project]
	if !balance.IsPositive() {
		return decimal.Zero, nil
	}

	limit, limitCurrency, err := l.cfg.Controller.DistributionLimitOf(ctx, project, cycle.Configuration, l.cfg.TerminalID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to look up distribution limit: %w", err)
	}
	limitConverted, err := l.toTerminalCurrency(ctx, limit, limitCurrency)
	if err != nil {
		return decimal.Zero, err
	}

	remaining := limitConverted.Sub(l.usage[UsageKey{Project: project, Configuration: cycle.Configuration}].UsedDistributionLimit)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	if balance.LessThanOrEqual(remaining) {
		return decimal.Zero, nil
	}
	return balance.Sub(remaining), nil
}

// peerOverflow sums the overflow reported by every other terminal in the
// directory, normalized into this terminal's currency. It must run WITHOUT
// l.mu held: each peer takes its own lock, and two terminals listing each
// other would deadlock if either called the other under its own lock. Peer
// readings are taken at different instants; this is the accepted
// eventual-consistency gap of cross-terminal aggregation.
func (l *Ledger) peerOverflow(ctx context.Context, project uint64) (decimal.Decimal, error) {
	total := decimal.Zero
	if l.cfg.Directory == nil {
		return total, nil
	}

	for _, source := range l.cfg.Directory.TerminalsOf(project) {
		if source == OverflowSource(l) {
			continue
		}
		overflow, currency, err := source.CurrentOverflowOf(ctx, project)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to read peer terminal overflow: %w", err)
		}
		converted, err := l.toTerminalCurrency(ctx, overflow, currency)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(converted)
	}
	return total, nil
}

// RecordRedemptionFor burns a holder's tokens against the project's overflow
// and debits the resulting claim from the balance.
func (l *Ledger) RecordRedemptionFor(ctx context.Context, holder string, project uint64, tokenCount decimal.Decimal, minReturnedAmount decimal.Decimal, beneficiary string, memo string) (receipt RedemptionReceipt, err error) {
	defer func() { observe("redeem", err) }()

	if err := l.authorize(project); err != nil {
		return RedemptionReceipt{}, err
	}
	if !tokenCount.IsPositive() {
		return RedemptionReceipt{}, ErrTokenAmountZero
	}
	cycle, err := l.cfg.Cycles.CurrentOf(project)
	if err != nil {
		return RedemptionReceipt{}, err
	}
	if cycle.Metadata.PauseRedeem {
		return RedemptionReceipt{}, ErrRedeemPaused
	}
	if l.cfg.Tokens.BalanceOf(holder, project).LessThan(tokenCount) {
		return RedemptionReceipt{}, ErrInsufficientTokens
	}

	// Peer overflows are read before taking our own lock.
	peerTotal := decimal.Zero
	if cycle.Metadata.UseTotalOverflowForRedemptions {
		peerTotal, err = l.peerOverflow(ctx, project)
		if err != nil {
			return RedemptionReceipt{}, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	overflow, err := l.overflowLocked(ctx, project, cycle)
	if err != nil {
		return RedemptionReceipt{}, err
	}
	overflow = overflow.Add(peerTotal)

	totalSupply := l.cfg.Tokens.TotalSupplyOf(project)
	rate := l.redemptionRateOf(project, cycle)

	claimAmount := reclaimableOverflow(overflow, tokenCount, totalSupply, rate)
	adjustedMemo := memo
	var delegate RedemptionDelegate
	if source, ok := l.redeemDataSource(cycle); ok {
		claimAmount, adjustedMemo, delegate, err = source.RedeemParams(ctx, RedeemParams{
			Holder:           holder,
			Project:          project,
			Cycle:            cycle,
			TokenCount:       tokenCount,
			TotalSupply:      totalSupply,
			Overflow:         overflow,
			ReclaimAmount:    claimAmount,
			UseTotalOverflow: cycle.Metadata.UseTotalOverflowForRedemptions,
			RedemptionRate:   rate,
			Beneficiary:      beneficiary,
			Memo:             memo,
		})
		if err != nil {
			return RedemptionReceipt{}, fmt.Errorf("redeem data source rejected redemption: %w", err)
		}
	}

	if claimAmount.IsZero() {
		return RedemptionReceipt{}, ErrNoClaimableTokens
	}
	if claimAmount.GreaterThan(l.balances[project]) {
		return RedemptionReceipt{}, ErrClaimExceedsBalance
	}
	if claimAmount.LessThan(minReturnedAmount) {
		return RedemptionReceipt{}, ErrInadequateClaimAmount
	}

	if err := l.cfg.Tokens.BurnFrom(holder, project, tokenCount); err != nil {
		return RedemptionReceipt{}, fmt.Errorf("failed to burn tokens: %w", err)
	}
	l.balances[project] = l.balances[project].Sub(claimAmount)
	l.persistBalanceLocked(ctx, project)

	l.log.Info("terminal: recorded redemption",
		"terminal", l.cfg.TerminalID,
		"project", project,
		"holder", holder,
		"token_count", tokenCount,
		"claim_amount", claimAmount,
	)
	return RedemptionReceipt{Cycle: cycle, ClaimAmount: claimAmount, Delegate: delegate, Memo: adjustedMemo}, nil
}

// redemptionRateOf selects the cycle's redemption rate, switching to the
// ballot redemption rate while a reconfiguration ballot is in flight. This
// protects holders from a rate change being reconfigured away mid-ballot.
func (l *Ledger) redemptionRateOf(project uint64, cycle fundingcycle.FundingCycle) uint64 {
	if l.cfg.Cycles.CurrentBallotStateOf(project) == fundingcycle.BallotStateActive {
		return cycle.Metadata.BallotRedemptionRate
	}
	return cycle.Metadata.RedemptionRate
}

// reclaimableOverflow applies the redemption curve.
//
// The full-redemption branch intentionally omits the linear term of the
// general bonding curve; the asymmetry is inherited behavior and must not be
// "fixed" here.
func reclaimableOverflow(overflow, tokenCount, totalSupply decimal.Decimal, redemptionRate uint64) decimal.Decimal {
	if overflow.IsZero() || totalSupply.IsZero() || tokenCount.GreaterThan(totalSupply) {
		return decimal.Zero
	}

	base := overflow.Mul(tokenCount).Div(totalSupply)
	if redemptionRate >= fundingcycle.MaxRedemptionRate {
		return base
	}
	if redemptionRate == 0 {
		return decimal.Zero
	}

	maxRate := decimal.New(int64(fundingcycle.MaxRedemptionRate), 0)
	rate := decimal.New(int64(redemptionRate), 0)

	if tokenCount.Equal(totalSupply) {
		return base.Mul(rate).Div(maxRate)
	}

	// base × (rate + tokenCount × (maxRate − rate) / totalSupply) / maxRate
	linear := tokenCount.Mul(maxRate.Sub(rate)).Div(totalSupply)
	return base.Mul(rate.Add(linear)).Div(maxRate)
}
