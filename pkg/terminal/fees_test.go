package terminal

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fixedGauge uint64

func (g fixedGauge) CurrentDiscountFor(uint64) uint64 { return uint64(g) }

func TestTreasury_Terminal_FeeMath(t *testing.T) {
	t.Parallel()

	t.Run("fee included carves the fee out of the amount", func(t *testing.T) {
		t.Parallel()

		// 105 at 5%: 105 × 1e9 / 1.05e9 = 100 net, 5 fee.
		net := FeeIncludedIn(decimal.NewFromInt(105), DefaultFeeRate)
		require.True(t, net.Equal(decimal.NewFromInt(100)), "got %s", net)
		fee := FeeAmountIn(decimal.NewFromInt(105), DefaultFeeRate)
		require.True(t, fee.Equal(decimal.NewFromInt(5)), "got %s", fee)
	})

	t.Run("zero rate is the identity", func(t *testing.T) {
		t.Parallel()
		amount := decimal.NewFromInt(123)
		require.True(t, FeeIncludedIn(amount, 0).Equal(amount))
		require.True(t, FeeAmountIn(amount, 0).IsZero())
	})
}

func TestTreasury_Terminal_EffectiveFeeRateFor(t *testing.T) {
	t.Parallel()

	t.Run("defaults to the configured rate", func(t *testing.T) {
		t.Parallel()
		ledger := newTestLedger(t, nil)
		require.Equal(t, DefaultFeeRate, ledger.EffectiveFeeRateFor(testProject))
	})

	t.Run("fee-exempt terminals report zero", func(t *testing.T) {
		t.Parallel()
		ledger := newTestLedger(t, func(cfg *LedgerConfig) {
			cfg.FeeExempt = true
		})
		require.Equal(t, uint64(0), ledger.EffectiveFeeRateFor(testProject))
	})

	t.Run("gauge discount scales the rate down", func(t *testing.T) {
		t.Parallel()
		ledger := newTestLedger(t, func(cfg *LedgerConfig) {
			cfg.FeeGauge = fixedGauge(200_000_000) // 20% discount
		})
		require.Equal(t, uint64(40_000_000), ledger.EffectiveFeeRateFor(testProject))
	})

	t.Run("full discount zeroes the rate", func(t *testing.T) {
		t.Parallel()
		ledger := newTestLedger(t, func(cfg *LedgerConfig) {
			cfg.FeeGauge = fixedGauge(MaxFee)
		})
		require.Equal(t, uint64(0), ledger.EffectiveFeeRateFor(testProject))
	})
}

func TestTreasury_Terminal_HeldFees(t *testing.T) {
	t.Parallel()

	t.Run("rejects non-positive held amounts", func(t *testing.T) {
		t.Parallel()
		ledger := newTestLedger(t, nil)
		err := ledger.HoldFeeFor(context.Background(), testProject, decimal.Zero, DefaultFeeRate, "")
		require.ErrorIs(t, err, ErrAmountZero)
	})

	t.Run("partial refund reduces the newest remaining entry", func(t *testing.T) {
		t.Parallel()

		ledger := newTestLedger(t, nil)
		ctx := context.Background()
		require.NoError(t, ledger.HoldFeeFor(ctx, testProject, decimal.NewFromInt(30), DefaultFeeRate, "a"))
		require.NoError(t, ledger.HoldFeeFor(ctx, testProject, decimal.NewFromInt(20), DefaultFeeRate, "b"))

		require.NoError(t, ledger.RecordAddedBalanceFor(ctx, testProject, decimal.NewFromInt(35)))

		fees := ledger.HeldFeesOf(testProject)
		require.Len(t, fees, 1)
		require.True(t, fees[0].Amount.Equal(decimal.NewFromInt(15)), "got %s", fees[0].Amount)
	})

	t.Run("refund beyond all held fees clears them", func(t *testing.T) {
		t.Parallel()

		ledger := newTestLedger(t, nil)
		ctx := context.Background()
		require.NoError(t, ledger.HoldFeeFor(ctx, testProject, decimal.NewFromInt(30), DefaultFeeRate, ""))

		require.NoError(t, ledger.RecordAddedBalanceFor(ctx, testProject, decimal.NewFromInt(100)))
		require.Empty(t, ledger.HeldFeesOf(testProject))
	})

	t.Run("returned list is a copy", func(t *testing.T) {
		t.Parallel()

		ledger := newTestLedger(t, nil)
		ctx := context.Background()
		require.NoError(t, ledger.HoldFeeFor(ctx, testProject, decimal.NewFromInt(30), DefaultFeeRate, ""))

		fees := ledger.HeldFeesOf(testProject)
		fees[0].Amount = decimal.NewFromInt(999)
		require.True(t, ledger.HeldFeesOf(testProject)[0].Amount.Equal(decimal.NewFromInt(30)))
	})
}
