package engine

import (
	"context"
	"fmt"

	"github.com/malbeclabs/treasury/pkg/metrics"
	"github.com/malbeclabs/treasury/pkg/oracle"
	"github.com/malbeclabs/treasury/pkg/splits"
	"github.com/malbeclabs/treasury/pkg/terminal"
	"github.com/shopspring/decimal"
)

// PayoutReceipt summarizes a distribution fan-out.
type PayoutReceipt struct {
	Cycle             terminal.PaymentCycleAmount
	DistributedAmount decimal.Decimal
	FeeAmount         decimal.Decimal

	// OwnerAmount is the net remainder not claimed by any split, payable to
	// the project owner by the out-of-scope transfer layer.
	OwnerAmount decimal.Decimal
}

// DistributePayoutsOf spends part of the project's distribution limit and
// fans the amount out across the payout splits of the governing cycle
// configuration. Shares routed to other projects stay in the ledger and are
// fee-exempt; everything else is net of the protocol fee.
func (e *Engine) DistributePayoutsOf(ctx context.Context, project uint64, amount decimal.Decimal, currency oracle.Currency, minReturnedAmount decimal.Decimal, memo string) (PayoutReceipt, error) {
	defer e.locks.acquire(project)()

	timer := e.cfg.Clock.Now()
	rec, err := e.cfg.Terminal.RecordDistributionFor(ctx, project, amount, currency, minReturnedAmount)
	if err != nil {
		return PayoutReceipt{}, err
	}

	feeRate := e.cfg.Terminal.EffectiveFeeRateFor(project)
	list := e.cfg.Splits.Of(project, uint64(rec.Cycle.Configuration), GroupPayouts)

	distributed := rec.Amount
	leftover := distributed
	totalFee := decimal.Zero
	totalPercent := decimal.New(int64(splits.TotalPercent), 0)

	for _, split := range list {
		splitAmount := distributed.Mul(decimal.New(int64(split.Percent), 0)).Div(totalPercent)
		if !splitAmount.IsPositive() {
			continue
		}
		leftover = leftover.Sub(splitAmount)

		// Ledger-internal routes keep funds in the system and carry no fee.
		if split.ProjectID != 0 {
			if err := e.cfg.Terminal.RecordAddedBalanceFor(ctx, split.ProjectID, splitAmount); err != nil {
				return PayoutReceipt{}, fmt.Errorf("failed to route split to project %d: %w", split.ProjectID, err)
			}
			continue
		}

		net := terminal.FeeIncludedIn(splitAmount, feeRate)
		totalFee = totalFee.Add(splitAmount.Sub(net))

		if split.Allocator != "" {
			if e.cfg.Allocators == nil {
				return PayoutReceipt{}, fmt.Errorf("split references allocator %q but no registry is configured", split.Allocator)
			}
			allocator, ok := e.cfg.Allocators.Resolve(split.Allocator)
			if !ok {
				return PayoutReceipt{}, fmt.Errorf("unknown allocator %q", split.Allocator)
			}
			if err := allocator.Allocate(ctx, AllocationData{
				Project:     project,
				Domain:      uint64(rec.Cycle.Configuration),
				Group:       GroupPayouts,
				Split:       split,
				Amount:      net,
				Beneficiary: split.Beneficiary,
				Memo:        memo,
			}); err != nil {
				return PayoutReceipt{}, fmt.Errorf("allocator %q rejected split: %w", split.Allocator, err)
			}
			continue
		}

		// Plain beneficiary payouts leave the ledger through the
		// out-of-scope transfer layer; record them for it.
		e.log.Info("engine: payout to beneficiary",
			"project", project,
			"beneficiary", split.Beneficiary,
			"amount", net,
			"memo", memo,
		)
	}

	ownerAmount := decimal.Zero
	if leftover.IsPositive() {
		ownerAmount = terminal.FeeIncludedIn(leftover, feeRate)
		totalFee = totalFee.Add(leftover.Sub(ownerAmount))
		e.log.Info("engine: payout remainder payable to project owner", "project", project, "amount", ownerAmount)
	}

	if totalFee.IsPositive() {
		if err := e.settleFee(ctx, project, rec, totalFee, feeRate); err != nil {
			return PayoutReceipt{}, err
		}
	}

	metrics.PayoutFanoutDuration.Observe(e.cfg.Clock.Since(timer).Seconds())
	return PayoutReceipt{
		Cycle:             rec,
		DistributedAmount: distributed,
		FeeAmount:         totalFee,
		OwnerAmount:       ownerAmount,
	}, nil
}

// UseAllowanceOf spends part of the project's discretionary overflow
// allowance. The net amount is payable to the beneficiary by the
// out-of-scope transfer layer.
func (e *Engine) UseAllowanceOf(ctx context.Context, project uint64, amount decimal.Decimal, currency oracle.Currency, minReturnedAmount decimal.Decimal, beneficiary string, memo string) (terminal.PaymentCycleAmount, decimal.Decimal, error) {
	defer e.locks.acquire(project)()

	rec, err := e.cfg.Terminal.RecordUsedAllowanceOf(ctx, project, amount, currency, minReturnedAmount)
	if err != nil {
		return terminal.PaymentCycleAmount{}, decimal.Zero, err
	}

	feeRate := e.cfg.Terminal.EffectiveFeeRateFor(project)
	net := terminal.FeeIncludedIn(rec.Amount, feeRate)
	if fee := rec.Amount.Sub(net); fee.IsPositive() {
		if err := e.settleFee(ctx, project, rec, fee, feeRate); err != nil {
			return terminal.PaymentCycleAmount{}, decimal.Zero, err
		}
	}

	e.log.Info("engine: allowance payable to beneficiary",
		"project", project,
		"beneficiary", beneficiary,
		"amount", net,
		"memo", memo,
	)
	return rec, net, nil
}

// settleFee either defers the fee as a refundable held entry or charges it
// to the protocol project immediately.
func (e *Engine) settleFee(ctx context.Context, project uint64, rec terminal.PaymentCycleAmount, fee decimal.Decimal, feeRate uint64) error {
	if rec.Cycle.Metadata.HoldFees {
		if err := e.cfg.Terminal.HoldFeeFor(ctx, project, fee, feeRate, ""); err != nil {
			return fmt.Errorf("failed to hold fee: %w", err)
		}
		return nil
	}
	if e.cfg.ProtocolProject == 0 || e.cfg.ProtocolProject == project {
		return nil
	}
	if err := e.cfg.Terminal.RecordAddedBalanceFor(ctx, e.cfg.ProtocolProject, fee); err != nil {
		return fmt.Errorf("failed to charge fee: %w", err)
	}
	return nil
}
