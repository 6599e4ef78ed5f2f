package fundingcycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	treasurytesting "github.com/malbeclabs/treasury/utils/pkg/testing"
)

const (
	genesisAt     = int64(1_700_000_000)
	twoWeeks      = int64(14 * 24 * 60 * 60)
	halfPercentE9 = uint64(5_000_000)
)

var genesisWeight = decimal.RequireFromString("62850518250000000000000")

type stubBallot struct {
	state BallotState
}

func (b *stubBallot) StateOf(int64, int64) BallotState {
	return b.state
}

type stubBallotRegistry map[string]BallotPolicy

func (r stubBallotRegistry) Resolve(id string) (BallotPolicy, bool) {
	policy, ok := r[id]
	return policy, ok
}

type failingArchive struct{}

func (failingArchive) SaveCycle(context.Context, FundingCycle) error {
	return errors.New("archive down")
}

func (failingArchive) LoadCycles(context.Context) ([]FundingCycle, error) {
	return nil, nil
}

type partialArchive struct {
	cycles []FundingCycle
}

func (partialArchive) SaveCycle(context.Context, FundingCycle) error { return nil }

func (a partialArchive) LoadCycles(context.Context) ([]FundingCycle, error) {
	return a.cycles, nil
}

func newTestStore(t *testing.T, clock clockwork.Clock, ballots BallotRegistry) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Logger:  treasurytesting.NewLogger(),
		Clock:   clock,
		Ballots: ballots,
	})
	require.NoError(t, err)
	return store
}

func configureGenesis(t *testing.T, store *Store, project uint64) FundingCycle {
	t.Helper()
	cycle, err := store.ConfigureFor(context.Background(), project, Data{
		Duration:     twoWeeks,
		Weight:       genesisWeight,
		DiscountRate: halfPercentE9,
	}, Metadata{RedemptionRate: MaxRedemptionRate}, 0)
	require.NoError(t, err)
	return cycle
}

func TestTreasury_FundingCycle_NewStore(t *testing.T) {
	t.Parallel()

	t.Run("returns error when logger is missing", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{})
		require.Error(t, err)
		require.Nil(t, store)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns store when config is valid", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{Logger: treasurytesting.NewLogger()})
		require.NoError(t, err)
		require.NotNil(t, store)
	})
}

func TestTreasury_FundingCycle_ConfigureFor(t *testing.T) {
	t.Parallel()

	t.Run("rejects invalid data", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		store := newTestStore(t, clock, nil)
		ctx := context.Background()

		_, err := store.ConfigureFor(ctx, 1, Data{Duration: -1}, Metadata{}, 0)
		require.ErrorIs(t, err, ErrInvalidDuration)

		_, err = store.ConfigureFor(ctx, 1, Data{DiscountRate: MaxDiscountRate + 1}, Metadata{}, 0)
		require.ErrorIs(t, err, ErrInvalidDiscountRate)

		_, err = store.ConfigureFor(ctx, 1, Data{Weight: decimal.NewFromInt(-1)}, Metadata{}, 0)
		require.ErrorIs(t, err, ErrInvalidWeight)

		_, err = store.ConfigureFor(ctx, 1, Data{}, Metadata{ReservedRate: MaxRedemptionRate + 1}, 0)
		require.ErrorIs(t, err, ErrInvalidReservedRate)

		_, err = store.ConfigureFor(ctx, 1, Data{}, Metadata{RedemptionRate: MaxRedemptionRate + 1}, 0)
		require.ErrorIs(t, err, ErrInvalidRedemptionRate)

		_, err = store.ConfigureFor(ctx, 1, Data{}, Metadata{BallotRedemptionRate: MaxRedemptionRate + 1}, 0)
		require.ErrorIs(t, err, ErrInvalidBallotRedemptionRate)
	})

	t.Run("genesis starts immediately with number one", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		store := newTestStore(t, clock, nil)

		cycle := configureGenesis(t, store, 1)
		require.Equal(t, uint64(1), cycle.Number)
		require.Equal(t, genesisAt, cycle.Configuration)
		require.Equal(t, int64(0), cycle.BasedOn)
		require.Equal(t, genesisAt, cycle.Start)
		require.True(t, cycle.Weight.Equal(genesisWeight))
	})

	t.Run("genesis honors a future start floor", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		store := newTestStore(t, clock, nil)

		startAt := genesisAt + 3600
		cycle, err := store.ConfigureFor(context.Background(), 1, Data{Duration: twoWeeks, Weight: genesisWeight}, Metadata{}, startAt)
		require.NoError(t, err)
		require.Equal(t, startAt, cycle.Start)

		// Not active until the floor passes.
		_, err = store.CurrentOf(1)
		require.ErrorIs(t, err, ErrNoCycle)

		clock.Advance(time.Hour)
		current, err := store.CurrentOf(1)
		require.NoError(t, err)
		require.Equal(t, cycle.Configuration, current.Configuration)
	})

	t.Run("same-second reconfigurations keep unique increasing ids", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		store := newTestStore(t, clock, nil)
		ctx := context.Background()

		first := configureGenesis(t, store, 1)
		second, err := store.ConfigureFor(ctx, 1, Data{Duration: twoWeeks, Weight: genesisWeight}, Metadata{}, 0)
		require.NoError(t, err)
		third, err := store.ConfigureFor(ctx, 1, Data{Duration: twoWeeks, Weight: genesisWeight}, Metadata{}, 0)
		require.NoError(t, err)

		require.Greater(t, second.Configuration, first.Configuration)
		require.Greater(t, third.Configuration, second.Configuration)
	})

	t.Run("queued reconfiguration starts on the next cycle boundary", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		store := newTestStore(t, clock, nil)

		genesis := configureGenesis(t, store, 1)

		clock.Advance(time.Duration(twoWeeks/2) * time.Second)
		queued, err := store.ConfigureFor(context.Background(), 1, Data{Duration: twoWeeks, Weight: genesisWeight}, Metadata{}, 0)
		require.NoError(t, err)
		require.Equal(t, genesis.Configuration, queued.BasedOn)
		require.Equal(t, genesisAt+twoWeeks, queued.Start)
		require.Equal(t, uint64(2), queued.Number)
	})

	t.Run("zero weight derives the decayed base weight", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		store := newTestStore(t, clock, nil)

		configureGenesis(t, store, 1)

		clock.Advance(time.Duration(twoWeeks/2) * time.Second)
		queued, err := store.ConfigureFor(context.Background(), 1, Data{Duration: twoWeeks}, Metadata{}, 0)
		require.NoError(t, err)

		expected := genesisWeight.Mul(decimal.RequireFromString("0.995"))
		require.True(t, queued.Weight.Equal(expected), "got %s want %s", queued.Weight, expected)
	})

	t.Run("distant start floor skips whole periods", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		store := newTestStore(t, clock, nil)

		configureGenesis(t, store, 1)

		// Floor lands mid-way through the fourth window; the new cycle aligns
		// to the window's end.
		queued, err := store.ConfigureFor(context.Background(), 1,
			Data{Duration: twoWeeks, Weight: genesisWeight}, Metadata{},
			genesisAt+3*twoWeeks+1)
		require.NoError(t, err)
		require.Equal(t, genesisAt+4*twoWeeks, queued.Start)
		require.Equal(t, uint64(5), queued.Number)
	})

	t.Run("chains past an unapproved configuration whose start has passed", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		ballot := &stubBallot{state: BallotStateFailed}
		store := newTestStore(t, clock, stubBallotRegistry{"gate": ballot})
		ctx := context.Background()

		genesis, err := store.ConfigureFor(ctx, 1, Data{
			Duration: twoWeeks,
			Weight:   genesisWeight,
			Ballot:   "gate",
		}, Metadata{}, 0)
		require.NoError(t, err)

		clock.Advance(time.Duration(twoWeeks/2) * time.Second)
		rejected, err := store.ConfigureFor(ctx, 1, Data{Duration: twoWeeks, Weight: genesisWeight}, Metadata{}, 0)
		require.NoError(t, err)

		// Past the rejected configuration's would-be start it still is not the
		// current cycle, and it must not become a chaining base either: the
		// next configuration chains from genesis and stays gated by its
		// ballot.
		clock.Advance(time.Duration(twoWeeks) * time.Second)
		third, err := store.ConfigureFor(ctx, 1, Data{Duration: twoWeeks, Weight: genesisWeight}, Metadata{}, 0)
		require.NoError(t, err)
		require.Equal(t, genesis.Configuration, third.BasedOn)
		require.NotEqual(t, rejected.Configuration, third.BasedOn)

		// The gate still holds: genesis keeps rolling forward.
		clock.Advance(time.Duration(2*twoWeeks) * time.Second)
		current, err := store.CurrentOf(1)
		require.NoError(t, err)
		require.Equal(t, genesis.Configuration, current.Configuration)
	})

	t.Run("archive failure does not fail the configuration", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		store, err := NewStore(StoreConfig{
			Logger:  treasurytesting.NewLogger(),
			Clock:   clock,
			Archive: failingArchive{},
		})
		require.NoError(t, err)

		cycle := configureGenesis(t, store, 1)
		current, err := store.CurrentOf(1)
		require.NoError(t, err)
		require.Equal(t, cycle.Configuration, current.Configuration)
	})
}

func TestTreasury_FundingCycle_CurrentOf(t *testing.T) {
	t.Parallel()

	t.Run("returns ErrNoCycle for unknown project", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t, clockwork.NewFakeClockAt(time.Unix(genesisAt, 0)), nil)
		_, err := store.CurrentOf(42)
		require.ErrorIs(t, err, ErrNoCycle)
	})

	t.Run("rolls forward across boundaries with decayed weight", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		store := newTestStore(t, clock, nil)

		genesis := configureGenesis(t, store, 1)

		clock.Advance(time.Duration(2*twoWeeks+1) * time.Second)
		current, err := store.CurrentOf(1)
		require.NoError(t, err)

		require.Equal(t, uint64(3), current.Number)
		require.Equal(t, genesisAt+2*twoWeeks, current.Start)
		require.Equal(t, genesis.Configuration, current.Configuration)
		require.Equal(t, genesis.BasedOn, current.BasedOn)

		expected := genesisWeight.Mul(decimal.RequireFromString("0.995").Pow(decimal.NewFromInt(2)))
		require.True(t, current.Weight.Equal(expected), "got %s want %s", current.Weight, expected)
	})

	t.Run("derivation is pure", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		store := newTestStore(t, clock, nil)
		configureGenesis(t, store, 1)

		clock.Advance(time.Duration(5*twoWeeks) * time.Second)
		first, err := store.CurrentOf(1)
		require.NoError(t, err)
		second, err := store.CurrentOf(1)
		require.NoError(t, err)
		require.Equal(t, first, second)
	})

	t.Run("zero duration never rolls over", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		store := newTestStore(t, clock, nil)

		cycle, err := store.ConfigureFor(context.Background(), 1, Data{Weight: genesisWeight}, Metadata{}, 0)
		require.NoError(t, err)

		clock.Advance(1000 * time.Hour)
		current, err := store.CurrentOf(1)
		require.NoError(t, err)
		require.Equal(t, cycle.Number, current.Number)
		require.Equal(t, cycle.Start, current.Start)
		require.True(t, current.Weight.Equal(genesisWeight))
	})

	t.Run("unapproved reconfiguration is skipped over", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		ballot := &stubBallot{state: BallotStateActive}
		store := newTestStore(t, clock, stubBallotRegistry{"gate": ballot})
		ctx := context.Background()

		genesis, err := store.ConfigureFor(ctx, 1, Data{
			Duration:     twoWeeks,
			Weight:       genesisWeight,
			DiscountRate: halfPercentE9,
			Ballot:       "gate",
		}, Metadata{}, 0)
		require.NoError(t, err)

		clock.Advance(time.Duration(twoWeeks/2) * time.Second)
		queued, err := store.ConfigureFor(ctx, 1, Data{Duration: twoWeeks, Weight: genesisWeight}, Metadata{}, 0)
		require.NoError(t, err)
		require.Equal(t, genesis.Configuration, queued.BasedOn)

		// Past the queued start, the ballot is still active: the base cycle
		// keeps rolling forward as if the reconfiguration never happened.
		clock.Advance(time.Duration(twoWeeks) * time.Second)
		current, err := store.CurrentOf(1)
		require.NoError(t, err)
		require.Equal(t, genesis.Configuration, current.Configuration)
		require.Equal(t, uint64(2), current.Number)

		// Approval flips the current cycle to the queued configuration.
		ballot.state = BallotStateApproved
		current, err = store.CurrentOf(1)
		require.NoError(t, err)
		require.Equal(t, queued.Configuration, current.Configuration)
	})

	t.Run("broken configuration chain returns ErrNoCycle", func(t *testing.T) {
		t.Parallel()

		// A partially replayed archive: the latest configuration's BasedOn
		// points at a configuration that was never loaded. Walking the chain
		// must fail rather than land on a zero cycle.
		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		store, err := NewStore(StoreConfig{
			Logger: treasurytesting.NewLogger(),
			Clock:  clock,
			Archive: partialArchive{cycles: []FundingCycle{{
				Project:       1,
				Number:        2,
				Configuration: genesisAt - twoWeeks/2,
				BasedOn:       genesisAt - twoWeeks,
				Start:         genesisAt + twoWeeks,
				Duration:      twoWeeks,
				Weight:        genesisWeight,
			}}},
		})
		require.NoError(t, err)
		require.NoError(t, store.Load(context.Background()))

		_, err = store.CurrentOf(1)
		require.ErrorIs(t, err, ErrNoCycle)
	})

	t.Run("failed reconfiguration never takes effect", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		ballot := &stubBallot{state: BallotStateFailed}
		store := newTestStore(t, clock, stubBallotRegistry{"gate": ballot})
		ctx := context.Background()

		genesis, err := store.ConfigureFor(ctx, 1, Data{
			Duration: twoWeeks,
			Weight:   genesisWeight,
			Ballot:   "gate",
		}, Metadata{}, 0)
		require.NoError(t, err)

		clock.Advance(time.Duration(twoWeeks/2) * time.Second)
		_, err = store.ConfigureFor(ctx, 1, Data{Duration: twoWeeks, Weight: genesisWeight}, Metadata{}, 0)
		require.NoError(t, err)

		clock.Advance(time.Duration(3*twoWeeks) * time.Second)
		current, err := store.CurrentOf(1)
		require.NoError(t, err)
		require.Equal(t, genesis.Configuration, current.Configuration)
	})
}

func TestTreasury_FundingCycle_CurrentBallotStateOf(t *testing.T) {
	t.Parallel()

	t.Run("reports none for genesis-only projects", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t, clockwork.NewFakeClockAt(time.Unix(genesisAt, 0)), nil)
		require.Equal(t, BallotStateNone, store.CurrentBallotStateOf(9))

		configureGenesis(t, store, 9)
		require.Equal(t, BallotStateNone, store.CurrentBallotStateOf(9))
	})

	t.Run("tracks the latest reconfiguration's ballot", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		ballot := &stubBallot{state: BallotStateActive}
		store := newTestStore(t, clock, stubBallotRegistry{"gate": ballot})
		ctx := context.Background()

		_, err := store.ConfigureFor(ctx, 1, Data{
			Duration: twoWeeks,
			Weight:   genesisWeight,
			Ballot:   "gate",
		}, Metadata{}, 0)
		require.NoError(t, err)

		clock.Advance(time.Hour)
		_, err = store.ConfigureFor(ctx, 1, Data{Duration: twoWeeks, Weight: genesisWeight}, Metadata{}, 0)
		require.NoError(t, err)

		require.Equal(t, BallotStateActive, store.CurrentBallotStateOf(1))
		ballot.state = BallotStateApproved
		require.Equal(t, BallotStateApproved, store.CurrentBallotStateOf(1))
	})

	t.Run("unresolved ballots are treated as approved", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Unix(genesisAt, 0))
		store := newTestStore(t, clock, stubBallotRegistry{})
		ctx := context.Background()

		_, err := store.ConfigureFor(ctx, 1, Data{
			Duration: twoWeeks,
			Weight:   genesisWeight,
			Ballot:   "missing",
		}, Metadata{}, 0)
		require.NoError(t, err)

		clock.Advance(time.Hour)
		_, err = store.ConfigureFor(ctx, 1, Data{Duration: twoWeeks, Weight: genesisWeight}, Metadata{}, 0)
		require.NoError(t, err)

		require.Equal(t, BallotStateApproved, store.CurrentBallotStateOf(1))
	})
}

func TestTreasury_FundingCycle_DecayedWeight(t *testing.T) {
	t.Parallel()

	t.Run("full discount zeroes the weight", func(t *testing.T) {
		t.Parallel()
		require.True(t, decayedWeight(genesisWeight, MaxDiscountRate, 1).IsZero())
	})

	t.Run("zero discount keeps the weight", func(t *testing.T) {
		t.Parallel()
		require.True(t, decayedWeight(genesisWeight, 0, 5).Equal(genesisWeight))
	})

	t.Run("compounds per period", func(t *testing.T) {
		t.Parallel()
		got := decayedWeight(decimal.NewFromInt(1000), 100_000_000, 2) // 10% per period
		require.True(t, got.Equal(decimal.NewFromInt(810)), "got %s", got)
	})
}
