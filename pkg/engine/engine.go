package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/treasury/pkg/fundingcycle"
	"github.com/malbeclabs/treasury/pkg/metrics"
	"github.com/malbeclabs/treasury/pkg/splits"
	"github.com/malbeclabs/treasury/pkg/terminal"
	"github.com/shopspring/decimal"
)

// Allocator receives a split's share of a distribution instead of a plain
// beneficiary.
type Allocator interface {
	Allocate(ctx context.Context, data AllocationData) error
}

// AllocationData describes one allocated split share.
type AllocationData struct {
	Project     uint64
	Domain      uint64
	Group       uint64
	Split       splits.Split
	Amount      decimal.Decimal
	Beneficiary string
	Memo        string
}

// AllocatorRegistry resolves allocator identifiers carried on splits.
type AllocatorRegistry interface {
	Resolve(id string) (Allocator, bool)
}

// ReservedMinter is an optional token-ledger capability for keeping reserved
// tokens outstanding (counted in total supply, not yet assigned to a holder).
type ReservedMinter interface {
	ReserveFor(project uint64, amount decimal.Decimal) error
}

// GroupPayouts is the split group consulted when fanning out distributions.
const GroupPayouts uint64 = 1

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Cycles   *fundingcycle.Store
	Splits   *splits.Store
	Terminal *terminal.Ledger
	Tokens   terminal.TokenLedger

	Allocators AllocatorRegistry // optional

	// ProtocolProject receives immediately-charged fees. Distributions
	// routed to it are fee-exempt.
	ProtocolProject uint64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Cycles == nil {
		return errors.New("cycle store is required")
	}
	if cfg.Splits == nil {
		return errors.New("split store is required")
	}
	if cfg.Terminal == nil {
		return errors.New("terminal ledger is required")
	}
	if cfg.Tokens == nil {
		return errors.New("token ledger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine ties the cycle store, split ledger and terminal ledger together and
// serializes mutating calls per project.
type Engine struct {
	log *slog.Logger
	cfg Config

	locks *projectLocks

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:     cfg.Logger,
		cfg:     cfg,
		locks:   newProjectLocks(),
		readyCh: make(chan struct{}),
	}, nil
}

// Load replays archived state into every store.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.cfg.Cycles.Load(ctx); err != nil {
		return fmt.Errorf("failed to load cycle store: %w", err)
	}
	if err := e.cfg.Splits.Load(ctx); err != nil {
		return fmt.Errorf("failed to load split store: %w", err)
	}
	if err := e.cfg.Terminal.Load(ctx); err != nil {
		return fmt.Errorf("failed to load terminal ledger: %w", err)
	}
	e.readyOnce.Do(func() { close(e.readyCh) })
	e.log.Info("engine: state loaded")
	return nil
}

// Ready reports whether archived state has been replayed.
func (e *Engine) Ready() bool {
	select {
	case <-e.readyCh:
		return true
	default:
		return false
	}
}

// Cycles exposes the funding-cycle store for reads and reconfiguration.
func (e *Engine) Cycles() *fundingcycle.Store { return e.cfg.Cycles }

// Splits exposes the split allocation ledger.
func (e *Engine) Splits() *splits.Store { return e.cfg.Splits }

// Terminal exposes the terminal ledger for reads.
func (e *Engine) Terminal() *terminal.Ledger { return e.cfg.Terminal }

// ConfigureFor stores a new funding-cycle configuration for a project.
func (e *Engine) ConfigureFor(ctx context.Context, project uint64, data fundingcycle.Data, metadata fundingcycle.Metadata, mustStartAtOrAfter int64) (fundingcycle.FundingCycle, error) {
	defer e.locks.acquire(project)()

	cycle, err := e.cfg.Cycles.ConfigureFor(ctx, project, data, metadata, mustStartAtOrAfter)
	status := "ok"
	if err != nil {
		status = "rejected"
	}
	metrics.CycleConfigurationsTotal.WithLabelValues(status).Inc()
	return cycle, err
}

// AddToBalanceOf credits funds to a project.
func (e *Engine) AddToBalanceOf(ctx context.Context, project uint64, amount decimal.Decimal) error {
	defer e.locks.acquire(project)()
	return e.cfg.Terminal.RecordAddedBalanceFor(ctx, project, amount)
}

// Pay records a payment, issues the tokens it entitles the beneficiary to,
// and invokes the post-payment delegate if one was designated. Delegate
// failures are the delegate's own; they are logged, never propagated.
func (e *Engine) Pay(ctx context.Context, payer string, amount decimal.Decimal, project uint64, beneficiary string, minReturnedTokens decimal.Decimal, memo string) (terminal.PaymentReceipt, error) {
	defer e.locks.acquire(project)()

	receipt, err := e.cfg.Terminal.RecordPaymentFrom(ctx, payer, amount, project, beneficiary, minReturnedTokens, memo)
	if err != nil {
		return terminal.PaymentReceipt{}, err
	}
	if receipt.TokenCount.IsPositive() {
		if err := e.issueTokens(project, beneficiary, receipt); err != nil {
			return terminal.PaymentReceipt{}, err
		}
	}

	if receipt.Delegate != nil {
		if err := receipt.Delegate.DidPay(ctx, terminal.DidPayData{
			Payer:       payer,
			Project:     project,
			Amount:      amount,
			Beneficiary: beneficiary,
			TokenCount:  receipt.TokenCount,
			Memo:        receipt.Memo,
		}); err != nil {
			e.log.Warn("engine: pay delegate failed", "project", project, "error", err)
		}
	}
	return receipt, nil
}

// issueTokens mints the beneficiary's share of an issuance and keeps the
// reserved-rate share outstanding when the token ledger supports it.
func (e *Engine) issueTokens(project uint64, beneficiary string, receipt terminal.PaymentReceipt) error {
	reservedRate := receipt.Cycle.Metadata.ReservedRate
	maxRate := decimal.New(int64(fundingcycle.MaxRedemptionRate), 0)
	reserved := receipt.TokenCount.Mul(decimal.New(int64(reservedRate), 0)).Div(maxRate)
	minted := receipt.TokenCount.Sub(reserved)

	if minted.IsPositive() {
		if err := e.cfg.Tokens.MintFor(beneficiary, project, minted); err != nil {
			return fmt.Errorf("failed to mint tokens: %w", err)
		}
	}
	if reserved.IsPositive() {
		if minter, ok := e.cfg.Tokens.(ReservedMinter); ok {
			if err := minter.ReserveFor(project, reserved); err != nil {
				return fmt.Errorf("failed to reserve tokens: %w", err)
			}
		} else {
			e.log.Debug("engine: token ledger does not track reserved tokens", "project", project, "reserved", reserved)
		}
	}
	return nil
}

// Redeem burns a holder's tokens against the project's overflow and invokes
// the post-redemption delegate if one was designated.
func (e *Engine) Redeem(ctx context.Context, holder string, project uint64, tokenCount decimal.Decimal, minReturnedAmount decimal.Decimal, beneficiary string, memo string) (terminal.RedemptionReceipt, error) {
	defer e.locks.acquire(project)()

	receipt, err := e.cfg.Terminal.RecordRedemptionFor(ctx, holder, project, tokenCount, minReturnedAmount, beneficiary, memo)
	if err != nil {
		return terminal.RedemptionReceipt{}, err
	}

	if receipt.Delegate != nil {
		if err := receipt.Delegate.DidRedeem(ctx, terminal.DidRedeemData{
			Holder:      holder,
			Project:     project,
			TokenCount:  tokenCount,
			ClaimAmount: receipt.ClaimAmount,
			Beneficiary: beneficiary,
			Memo:        receipt.Memo,
		}); err != nil {
			e.log.Warn("engine: redemption delegate failed", "project", project, "error", err)
		}
	}
	return receipt, nil
}

// Migrate zeroes the project's balance for a move to a successor terminal.
func (e *Engine) Migrate(ctx context.Context, project uint64) (decimal.Decimal, error) {
	defer e.locks.acquire(project)()
	return e.cfg.Terminal.RecordMigration(ctx, project)
}
