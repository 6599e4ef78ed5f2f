package fundingcycle

import (
	"errors"

	"github.com/shopspring/decimal"
)

const (
	// MaxDiscountRate is the scale for per-rollover weight decay (1e9 = 100%).
	MaxDiscountRate uint64 = 1_000_000_000

	// MaxRedemptionRate is the scale for redemption and reserved rates (10_000 = 100%).
	MaxRedemptionRate uint64 = 10_000
)

var (
	ErrInvalidDuration             = errors.New("invalid duration")
	ErrInvalidDiscountRate         = errors.New("invalid discount rate")
	ErrInvalidWeight               = errors.New("invalid weight")
	ErrInvalidReservedRate         = errors.New("invalid reserved rate")
	ErrInvalidRedemptionRate       = errors.New("invalid redemption rate")
	ErrInvalidBallotRedemptionRate = errors.New("invalid ballot redemption rate")

	// ErrNoCycle is returned when a project has no stored configuration at all.
	ErrNoCycle = errors.New("project has no funding cycle")
)

// BallotState is the approval state a ballot policy reports for a queued
// reconfiguration.
type BallotState int

const (
	BallotStateNone BallotState = iota
	BallotStateActive
	BallotStateApproved
	BallotStateFailed
)

func (s BallotState) String() string {
	switch s {
	case BallotStateActive:
		return "active"
	case BallotStateApproved:
		return "approved"
	case BallotStateFailed:
		return "failed"
	default:
		return "none"
	}
}

// BallotPolicy reports whether a reconfiguration stored at reconfiguredAt,
// judged from the cycle configured at configuration, has been approved.
type BallotPolicy interface {
	StateOf(configuration int64, reconfiguredAt int64) BallotState
}

// BallotRegistry resolves ballot identifiers carried on stored cycles to
// policy capabilities. Cycles reference ballots by identifier so that stored
// history stays serializable.
type BallotRegistry interface {
	Resolve(id string) (BallotPolicy, bool)
}

// Metadata is the per-cycle flag record consumed by terminals. It is stored
// alongside the cycle and treated as opaque by the store itself.
type Metadata struct {
	ReservedRate         uint64 `json:"reserved_rate"`
	RedemptionRate       uint64 `json:"redemption_rate"`
	BallotRedemptionRate uint64 `json:"ballot_redemption_rate"`

	PausePay               bool `json:"pause_pay"`
	PauseDistributions     bool `json:"pause_distributions"`
	PauseRedeem            bool `json:"pause_redeem"`
	AllowTerminalMigration bool `json:"allow_terminal_migration"`
	HoldFees               bool `json:"hold_fees"`

	UseTotalOverflowForRedemptions bool `json:"use_total_overflow_for_redemptions"`
	UseDataSourceForPay            bool `json:"use_data_source_for_pay"`
	UseDataSourceForRedeem         bool `json:"use_data_source_for_redeem"`

	// DataSource identifies the pay/redeem data source capability, if any.
	DataSource string `json:"data_source,omitempty"`
}

// Data is the caller-supplied portion of a reconfiguration.
type Data struct {
	// Duration of the cycle window in seconds. 0 means the cycle never rolls
	// over automatically.
	Duration int64

	// Weight is the base issuance multiplier. Zero means "derive from the
	// base cycle's decayed weight".
	Weight decimal.Decimal

	// DiscountRate is the per-rollover decay applied to weight, out of
	// MaxDiscountRate.
	DiscountRate uint64

	// Ballot identifies the approval policy gating reconfigurations away
	// from this cycle. Empty means reconfigurations are approved immediately.
	Ballot string
}

// FundingCycle is one immutable configuration snapshot. Derived (rolled
// forward) cycles share the Configuration id of the stored cycle they were
// synthesized from and are never persisted.
type FundingCycle struct {
	// Project the cycle belongs to.
	Project uint64

	// Number counts cycles since project genesis, 1-based.
	Number uint64

	// Configuration is the unix timestamp the configuration was stored at.
	// It is unique per project and acts as the version id.
	Configuration int64

	// BasedOn is the Configuration id this cycle was derived from, 0 for
	// genesis.
	BasedOn int64

	// Start is the unix timestamp the cycle's effective window began.
	Start int64

	Duration     int64
	Weight       decimal.Decimal
	DiscountRate uint64
	Ballot       string
	Metadata     Metadata
}

// Exists reports whether the cycle is a real stored/derived cycle rather
// than the zero value.
func (c FundingCycle) Exists() bool {
	return c.Configuration != 0
}
