package tokens

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	treasurytesting "github.com/malbeclabs/treasury/utils/pkg/testing"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := NewLedger(LedgerConfig{Logger: treasurytesting.NewLogger()})
	require.NoError(t, err)
	return ledger
}

func TestTreasury_Tokens_NewLedger(t *testing.T) {
	t.Parallel()

	t.Run("returns error when logger is missing", func(t *testing.T) {
		t.Parallel()
		ledger, err := NewLedger(LedgerConfig{})
		require.Error(t, err)
		require.Nil(t, ledger)
		require.Contains(t, err.Error(), "logger is required")
	})
}

func TestTreasury_Tokens_MintAndBurn(t *testing.T) {
	t.Parallel()

	t.Run("minting grows balance and supply", func(t *testing.T) {
		t.Parallel()

		ledger := newTestLedger(t)
		require.NoError(t, ledger.MintFor("alice", 1, decimal.NewFromInt(100)))
		require.NoError(t, ledger.MintFor("bob", 1, decimal.NewFromInt(50)))

		require.True(t, ledger.BalanceOf("alice", 1).Equal(decimal.NewFromInt(100)))
		require.True(t, ledger.TotalSupplyOf(1).Equal(decimal.NewFromInt(150)))
	})

	t.Run("burning shrinks balance and supply", func(t *testing.T) {
		t.Parallel()

		ledger := newTestLedger(t)
		require.NoError(t, ledger.MintFor("alice", 1, decimal.NewFromInt(100)))
		require.NoError(t, ledger.BurnFrom("alice", 1, decimal.NewFromInt(40)))

		require.True(t, ledger.BalanceOf("alice", 1).Equal(decimal.NewFromInt(60)))
		require.True(t, ledger.TotalSupplyOf(1).Equal(decimal.NewFromInt(60)))
	})

	t.Run("burning beyond the balance fails", func(t *testing.T) {
		t.Parallel()

		ledger := newTestLedger(t)
		require.NoError(t, ledger.MintFor("alice", 1, decimal.NewFromInt(10)))
		err := ledger.BurnFrom("alice", 1, decimal.NewFromInt(11))
		require.ErrorIs(t, err, ErrInsufficientBalance)
		require.True(t, ledger.BalanceOf("alice", 1).Equal(decimal.NewFromInt(10)))
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		t.Parallel()

		ledger := newTestLedger(t)
		require.Error(t, ledger.MintFor("alice", 1, decimal.Zero))
		require.Error(t, ledger.BurnFrom("alice", 1, decimal.NewFromInt(-1)))
	})

	t.Run("projects are independent", func(t *testing.T) {
		t.Parallel()

		ledger := newTestLedger(t)
		require.NoError(t, ledger.MintFor("alice", 1, decimal.NewFromInt(100)))
		require.True(t, ledger.BalanceOf("alice", 2).IsZero())
		require.True(t, ledger.TotalSupplyOf(2).IsZero())
	})
}

func TestTreasury_Tokens_Reserved(t *testing.T) {
	t.Parallel()

	t.Run("reserved tokens count toward supply without a holder", func(t *testing.T) {
		t.Parallel()

		ledger := newTestLedger(t)
		require.NoError(t, ledger.ReserveFor(1, decimal.NewFromInt(200)))

		require.True(t, ledger.ReservedBalanceOf(1).Equal(decimal.NewFromInt(200)))
		require.True(t, ledger.TotalSupplyOf(1).Equal(decimal.NewFromInt(200)))
	})

	t.Run("distributing assigns everything to the holder", func(t *testing.T) {
		t.Parallel()

		ledger := newTestLedger(t)
		require.NoError(t, ledger.ReserveFor(1, decimal.NewFromInt(200)))

		distributed := ledger.DistributeReservedFor(1, "treasury")
		require.True(t, distributed.Equal(decimal.NewFromInt(200)))
		require.True(t, ledger.ReservedBalanceOf(1).IsZero())
		require.True(t, ledger.BalanceOf("treasury", 1).Equal(decimal.NewFromInt(200)))
		require.True(t, ledger.TotalSupplyOf(1).Equal(decimal.NewFromInt(200)))
	})

	t.Run("distributing with nothing reserved is a no-op", func(t *testing.T) {
		t.Parallel()

		ledger := newTestLedger(t)
		require.True(t, ledger.DistributeReservedFor(1, "treasury").IsZero())
	})
}
