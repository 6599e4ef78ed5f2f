package terminal

import (
	"context"
	"errors"

	"github.com/malbeclabs/treasury/pkg/fundingcycle"
	"github.com/malbeclabs/treasury/pkg/oracle"
	"github.com/shopspring/decimal"
)

const (
	// MaxFee is the scale for fee rates and fee discounts (1e9 = 100%).
	MaxFee uint64 = 1_000_000_000

	// DefaultFeeRate is the protocol fee applied to distributions and
	// allowance spends unless the terminal is configured otherwise (5%).
	DefaultFeeRate uint64 = 50_000_000
)

var (
	ErrAmountZero                = errors.New("amount is zero")
	ErrPaused                    = errors.New("payments to this project are paused")
	ErrDistributionsPaused       = errors.New("distributions for this project are paused")
	ErrRedeemPaused              = errors.New("redemptions for this project are paused")
	ErrUnexpectedCurrency        = errors.New("unexpected currency")
	ErrDistributionLimitExceeded = errors.New("distribution limit exceeded")
	ErrAllowanceExceeded         = errors.New("overflow allowance exceeded")
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrInadequateAmount          = errors.New("amount below caller minimum")
	ErrInadequateTokenCount      = errors.New("token count below caller minimum")
	ErrTokenAmountZero           = errors.New("token amount is zero")
	ErrInsufficientTokens        = errors.New("insufficient tokens")
	ErrNoClaimableTokens         = errors.New("no claimable overflow for tokens")
	ErrClaimExceedsBalance       = errors.New("claim amount exceeds balance")
	ErrInadequateClaimAmount     = errors.New("claim amount below caller minimum")
	ErrMigrationNotAllowed       = errors.New("terminal migration not allowed")
	ErrUnauthorizedTerminal      = errors.New("caller is not a terminal of the project")
)

// CycleSource is the slice of the funding-cycle store the ledger consumes.
type CycleSource interface {
	CurrentOf(project uint64) (fundingcycle.FundingCycle, error)
	CurrentBallotStateOf(project uint64) fundingcycle.BallotState
}

// Controller declares the spending caps a project committed to for a given
// cycle configuration and terminal. The limit currency doubles as the
// declared distribution currency.
type Controller interface {
	DistributionLimitOf(ctx context.Context, project uint64, configuration int64, terminal string) (decimal.Decimal, oracle.Currency, error)
	OverflowAllowanceOf(ctx context.Context, project uint64, configuration int64, terminal string) (decimal.Decimal, oracle.Currency, error)
}

// TokenLedger is the external token bookkeeping capability. TotalSupplyOf
// must include outstanding reserved tokens that have not been distributed
// yet.
type TokenLedger interface {
	TotalSupplyOf(project uint64) decimal.Decimal
	BalanceOf(holder string, project uint64) decimal.Decimal
	MintFor(holder string, project uint64, amount decimal.Decimal) error
	BurnFrom(holder string, project uint64, amount decimal.Decimal) error
}

// FeeGauge optionally discounts the fee rate per project. The returned
// discount is a fraction of MaxFee and is capped at MaxFee (100%).
type FeeGauge interface {
	CurrentDiscountFor(project uint64) uint64
}

// AccessControl authorizes terminals to mutate a project's ledger.
type AccessControl interface {
	IsTerminalOf(project uint64, terminal string) bool
}

// PayParams is passed to a pay data source before a payment is recorded.
type PayParams struct {
	Payer       string
	Amount      decimal.Decimal
	Project     uint64
	Cycle       fundingcycle.FundingCycle
	Beneficiary string
	Weight      decimal.Decimal
	Memo        string
}

// PayDataSource can adjust the weight and memo of a payment and designate a
// post-payment delegate.
type PayDataSource interface {
	PayParams(ctx context.Context, params PayParams) (weight decimal.Decimal, memo string, delegate PayDelegate, err error)
}

// DidPayData describes a recorded payment for a post-payment delegate hook.
type DidPayData struct {
	Payer       string
	Project     uint64
	Amount      decimal.Decimal
	Beneficiary string
	TokenCount  decimal.Decimal
	Memo        string
}

type PayDelegate interface {
	DidPay(ctx context.Context, data DidPayData) error
}

// RedeemParams is passed to a redeem data source before a redemption is
// recorded.
type RedeemParams struct {
	Holder           string
	Project          uint64
	Cycle            fundingcycle.FundingCycle
	TokenCount       decimal.Decimal
	TotalSupply      decimal.Decimal
	Overflow         decimal.Decimal
	ReclaimAmount    decimal.Decimal
	UseTotalOverflow bool
	RedemptionRate   uint64
	Beneficiary      string
	Memo             string
}

type RedeemDataSource interface {
	RedeemParams(ctx context.Context, params RedeemParams) (claimAmount decimal.Decimal, memo string, delegate RedemptionDelegate, err error)
}

// DidRedeemData describes a recorded redemption for a post-redemption
// delegate hook.
type DidRedeemData struct {
	Holder      string
	Project     uint64
	TokenCount  decimal.Decimal
	ClaimAmount decimal.Decimal
	Beneficiary string
	Memo        string
}

type RedemptionDelegate interface {
	DidRedeem(ctx context.Context, data DidRedeemData) error
}

// DataSourceRegistry resolves the data-source identifier carried in cycle
// metadata to pay/redeem capabilities.
type DataSourceRegistry interface {
	ResolvePay(id string) (PayDataSource, bool)
	ResolveRedeem(id string) (RedeemDataSource, bool)
}

// OverflowSource reports a terminal's current overflow for a project in the
// terminal's own currency.
type OverflowSource interface {
	CurrentOverflowOf(ctx context.Context, project uint64) (decimal.Decimal, oracle.Currency, error)
}

// Directory lists the terminals holding balance for a project. Used only for
// cross-terminal overflow aggregation; readings from different terminals are
// taken at different instants and are allowed to be mutually inconsistent.
type Directory interface {
	TerminalsOf(project uint64) []OverflowSource
}

// DistributionUsage tracks spent caps per (project, configuration) within one
// terminal. Keying by configuration id is what resets usage on a new cycle.
type DistributionUsage struct {
	UsedDistributionLimit decimal.Decimal
	UsedOverflowAllowance decimal.Decimal
}

// UsageKey identifies a usage record within a terminal.
type UsageKey struct {
	Project       uint64
	Configuration int64
}

// HeldFee is a deferred, refundable fee charge.
type HeldFee struct {
	Amount      decimal.Decimal `json:"amount"`
	FeeRate     uint64          `json:"fee_rate"`
	Beneficiary string          `json:"beneficiary"`
}

// Archive is the optional write-through persistence hook for ledger state.
type Archive interface {
	SaveBalance(ctx context.Context, project uint64, balance decimal.Decimal) error
	SaveUsage(ctx context.Context, terminal string, key UsageKey, usage DistributionUsage) error
	SaveHeldFees(ctx context.Context, project uint64, fees []HeldFee) error
	LoadBalances(ctx context.Context) (map[uint64]decimal.Decimal, error)
	LoadUsage(ctx context.Context, terminal string) (map[UsageKey]DistributionUsage, error)
	LoadHeldFees(ctx context.Context) (map[uint64][]HeldFee, error)
}

// PaymentReceipt is returned by RecordPaymentFrom. The delegate, if any, is
// invoked by the caller after issuance; its failures are its own.
type PaymentReceipt struct {
	Cycle      fundingcycle.FundingCycle
	Weight     decimal.Decimal
	TokenCount decimal.Decimal
	Delegate   PayDelegate
	Memo       string
}

// RedemptionReceipt is returned by RecordRedemptionFor.
type RedemptionReceipt struct {
	Cycle       fundingcycle.FundingCycle
	ClaimAmount decimal.Decimal
	Delegate    RedemptionDelegate
	Memo        string
}
