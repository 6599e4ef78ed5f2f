package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/treasury/pkg/fundingcycle"
	"github.com/malbeclabs/treasury/pkg/metrics"
	"github.com/malbeclabs/treasury/pkg/oracle"
	"github.com/shopspring/decimal"
)

type LedgerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// TerminalID identifies this terminal in usage keys and access checks.
	TerminalID string

	// Currency is the terminal's native accounting unit.
	Currency oracle.Currency

	Cycles     CycleSource
	Controller Controller
	Tokens     TokenLedger
	Prices     oracle.PriceOracle

	// FeeRate applied to distributions and allowance spends, out of MaxFee.
	// Zero means DefaultFeeRate; fee-exempt deployments set FeeExempt.
	FeeRate   uint64
	FeeExempt bool

	FeeGauge    FeeGauge           // optional
	Access      AccessControl      // optional; nil skips authorization
	DataSources DataSourceRegistry // optional
	Directory   Directory          // optional; required for total-overflow redemptions
	Archive     Archive            // optional; nil means memory only
}

func (cfg *LedgerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.TerminalID == "" {
		return errors.New("terminal id is required")
	}
	if cfg.Cycles == nil {
		return errors.New("cycle source is required")
	}
	if cfg.Controller == nil {
		return errors.New("controller is required")
	}
	if cfg.Tokens == nil {
		return errors.New("token ledger is required")
	}
	if cfg.Prices == nil {
		return errors.New("price oracle is required")
	}
	if cfg.FeeRate == 0 && !cfg.FeeExempt {
		cfg.FeeRate = DefaultFeeRate
	}
	if cfg.FeeRate > MaxFee {
		return errors.New("fee rate exceeds max fee")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Ledger is one terminal's per-project balance and usage ledger. Every
// mutator is atomic: checks run before any state changes, and a rejected call
// leaves all state intact.
type Ledger struct {
	log *slog.Logger
	cfg LedgerConfig

	mu       sync.Mutex
	balances map[uint64]decimal.Decimal
	usage    map[UsageKey]DistributionUsage
	heldFees map[uint64][]HeldFee
}

func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		log:      cfg.Logger,
		cfg:      cfg,
		balances: make(map[uint64]decimal.Decimal),
		usage:    make(map[UsageKey]DistributionUsage),
		heldFees: make(map[uint64][]HeldFee),
	}, nil
}

// TerminalID returns the identifier this ledger records usage under.
func (l *Ledger) TerminalID() string {
	return l.cfg.TerminalID
}

// Currency returns the terminal's native accounting unit.
func (l *Ledger) Currency() oracle.Currency {
	return l.cfg.Currency
}

// Load replays archived balances, usage and held fees.
func (l *Ledger) Load(ctx context.Context) error {
	if l.cfg.Archive == nil {
		return nil
	}
	balances, err := l.cfg.Archive.LoadBalances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load balances: %w", err)
	}
	usage, err := l.cfg.Archive.LoadUsage(ctx, l.cfg.TerminalID)
	if err != nil {
		return fmt.Errorf("failed to load usage: %w", err)
	}
	heldFees, err := l.cfg.Archive.LoadHeldFees(ctx)
	if err != nil {
		return fmt.Errorf("failed to load held fees: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for project, balance := range balances {
		l.balances[project] = balance
	}
	for key, u := range usage {
		l.usage[key] = u
	}
	for project, fees := range heldFees {
		l.heldFees[project] = fees
	}
	l.log.Info("terminal: loaded ledger state from archive",
		"terminal", l.cfg.TerminalID,
		"balances", len(balances),
		"usage_records", len(usage),
		"held_fee_projects", len(heldFees),
	)
	return nil
}

// BalanceOf returns a project's current balance in the terminal's currency.
func (l *Ledger) BalanceOf(project uint64) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[project]
}

// UsageOf returns the usage recorded against a cycle configuration.
func (l *Ledger) UsageOf(project uint64, configuration int64) DistributionUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage[UsageKey{Project: project, Configuration: configuration}]
}

// RecordAddedBalanceFor credits funds to a project's balance. Held fees are
// unwound oldest-first, up to the added amount.
func (l *Ledger) RecordAddedBalanceFor(ctx context.Context, project uint64, amount decimal.Decimal) error {
	if err := l.authorize(project); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrAmountZero
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[project] = l.balances[project].Add(amount)
	refunded := l.refundHeldFeesLocked(project, amount)

	l.persistBalanceLocked(ctx, project)
	if !refunded.IsZero() {
		l.persistHeldFeesLocked(ctx, project)
	}

	metrics.LedgerOperationsTotal.WithLabelValues("add_balance", "ok").Inc()
	l.log.Info("terminal: added balance",
		"terminal", l.cfg.TerminalID,
		"project", project,
		"amount", amount,
		"refunded_held_fees", refunded,
	)
	return nil
}

// RecordDistributionFor spends part of the project's planned payout budget
// for the current cycle configuration. The amount is given in the declared
// distribution currency and the distributed amount is returned in the
// terminal's currency.
func (l *Ledger) RecordDistributionFor(ctx context.Context, project uint64, amount decimal.Decimal, currency oracle.Currency, minReturnedAmount decimal.Decimal) (receipt PaymentCycleAmount, err error) {
	defer func() { observe("distribute", err) }()

	if err := l.authorize(project); err != nil {
		return PaymentCycleAmount{}, err
	}
	if !amount.IsPositive() {
		return PaymentCycleAmount{}, ErrAmountZero
	}
	cycle, err := l.cfg.Cycles.CurrentOf(project)
	if err != nil {
		return PaymentCycleAmount{}, err
	}
	if cycle.Metadata.PauseDistributions {
		return PaymentCycleAmount{}, ErrDistributionsPaused
	}

	limit, limitCurrency, err := l.cfg.Controller.DistributionLimitOf(ctx, project, cycle.Configuration, l.cfg.TerminalID)
	if err != nil {
		return PaymentCycleAmount{}, fmt.Errorf("failed to look up distribution limit: %w", err)
	}
	if currency != limitCurrency {
		return PaymentCycleAmount{}, ErrUnexpectedCurrency
	}

	converted, err := l.toTerminalCurrency(ctx, amount, currency)
	if err != nil {
		return PaymentCycleAmount{}, err
	}
	limitConverted, err := l.toTerminalCurrency(ctx, limit, limitCurrency)
	if err != nil {
		return PaymentCycleAmount{}, err
	}

	key := UsageKey{Project: project, Configuration: cycle.Configuration}

	l.mu.Lock()
	defer l.mu.Unlock()

	usage := l.usage[key]
	if usage.UsedDistributionLimit.Add(converted).GreaterThan(limitConverted) {
		return PaymentCycleAmount{}, ErrDistributionLimitExceeded
	}
	if converted.GreaterThan(l.balances[project]) {
		return PaymentCycleAmount{}, ErrInsufficientFunds
	}
	if converted.LessThan(minReturnedAmount) {
		return PaymentCycleAmount{}, ErrInadequateAmount
	}

	l.balances[project] = l.balances[project].Sub(converted)
	usage.UsedDistributionLimit = usage.UsedDistributionLimit.Add(converted)
	l.usage[key] = usage

	l.persistBalanceLocked(ctx, project)
	l.persistUsageLocked(ctx, key)

	l.log.Info("terminal: recorded distribution",
		"terminal", l.cfg.TerminalID,
		"project", project,
		"configuration", cycle.Configuration,
		"amount", converted,
		"used_distribution_limit", usage.UsedDistributionLimit,
	)
	return PaymentCycleAmount{Cycle: cycle, Amount: converted}, nil
}

// RecordUsedAllowanceOf spends part of the project's discretionary overflow
// allowance for the current cycle configuration.
func (l *Ledger) RecordUsedAllowanceOf(ctx context.Context, project uint64, amount decimal.Decimal, currency oracle.Currency, minReturnedAmount decimal.Decimal) (receipt PaymentCycleAmount, err error) {
	defer func() { observe("use_allowance", err) }()

	if err := l.authorize(project); err != nil {
		return PaymentCycleAmount{}, err
	}
	if !amount.IsPositive() {
		return PaymentCycleAmount{}, ErrAmountZero
	}
	cycle, err := l.cfg.Cycles.CurrentOf(project)
	if err != nil {
		return PaymentCycleAmount{}, err
	}

	allowance, allowanceCurrency, err := l.cfg.Controller.OverflowAllowanceOf(ctx, project, cycle.Configuration, l.cfg.TerminalID)
	if err != nil {
		return PaymentCycleAmount{}, fmt.Errorf("failed to look up overflow allowance: %w", err)
	}
	if currency != allowanceCurrency {
		return PaymentCycleAmount{}, ErrUnexpectedCurrency
	}

	converted, err := l.toTerminalCurrency(ctx, amount, currency)
	if err != nil {
		return PaymentCycleAmount{}, err
	}
	allowanceConverted, err := l.toTerminalCurrency(ctx, allowance, allowanceCurrency)
	if err != nil {
		return PaymentCycleAmount{}, err
	}

	key := UsageKey{Project: project, Configuration: cycle.Configuration}

	l.mu.Lock()
	defer l.mu.Unlock()

	usage := l.usage[key]
	if usage.UsedOverflowAllowance.Add(converted).GreaterThan(allowanceConverted) {
		return PaymentCycleAmount{}, ErrAllowanceExceeded
	}
	if converted.GreaterThan(l.balances[project]) {
		return PaymentCycleAmount{}, ErrInsufficientFunds
	}
	if converted.LessThan(minReturnedAmount) {
		return PaymentCycleAmount{}, ErrInadequateAmount
	}

	l.balances[project] = l.balances[project].Sub(converted)
	usage.UsedOverflowAllowance = usage.UsedOverflowAllowance.Add(converted)
	l.usage[key] = usage

	l.persistBalanceLocked(ctx, project)
	l.persistUsageLocked(ctx, key)

	l.log.Info("terminal: recorded used allowance",
		"terminal", l.cfg.TerminalID,
		"project", project,
		"configuration", cycle.Configuration,
		"amount", converted,
		"used_overflow_allowance", usage.UsedOverflowAllowance,
	)
	return PaymentCycleAmount{Cycle: cycle, Amount: converted}, nil
}

// RecordPaymentFrom credits a payment to the project and computes the token
// issuance it entitles the beneficiary to. A zero amount is a no-op fast
// path that still returns the current cycle. Token issuance itself is the
// caller's job; the returned delegate, if any, is invoked by the caller
// after issuance.
func (l *Ledger) RecordPaymentFrom(ctx context.Context, payer string, amount decimal.Decimal, project uint64, beneficiary string, minReturnedTokens decimal.Decimal, memo string) (receipt PaymentReceipt, err error) {
	defer func() { observe("pay", err) }()

	if err := l.authorize(project); err != nil {
		return PaymentReceipt{}, err
	}
	if amount.IsNegative() {
		return PaymentReceipt{}, ErrAmountZero
	}
	cycle, err := l.cfg.Cycles.CurrentOf(project)
	if err != nil {
		return PaymentReceipt{}, err
	}
	if cycle.Metadata.PausePay {
		return PaymentReceipt{}, ErrPaused
	}
	if amount.IsZero() {
		return PaymentReceipt{Cycle: cycle, Memo: memo}, nil
	}

	weight := cycle.Weight
	adjustedMemo := memo
	var delegate PayDelegate
	if source, ok := l.payDataSource(cycle); ok {
		weight, adjustedMemo, delegate, err = source.PayParams(ctx, PayParams{
			Payer:       payer,
			Amount:      amount,
			Project:     project,
			Cycle:       cycle,
			Beneficiary: beneficiary,
			Weight:      cycle.Weight,
			Memo:        memo,
		})
		if err != nil {
			return PaymentReceipt{}, fmt.Errorf("pay data source rejected payment: %w", err)
		}
	}

	tokenCount := weight.Mul(amount)
	if tokenCount.LessThan(minReturnedTokens) {
		return PaymentReceipt{}, ErrInadequateTokenCount
	}

	l.mu.Lock()
	l.balances[project] = l.balances[project].Add(amount)
	l.persistBalanceLocked(ctx, project)
	l.mu.Unlock()

	l.log.Info("terminal: recorded payment",
		"terminal", l.cfg.TerminalID,
		"project", project,
		"payer", payer,
		"amount", amount,
		"token_count", tokenCount,
	)
	return PaymentReceipt{
		Cycle:      cycle,
		Weight:     weight,
		TokenCount: tokenCount,
		Delegate:   delegate,
		Memo:       adjustedMemo,
	}, nil
}

// RecordMigration zeroes the project's balance so the caller can move the
// funds to a successor terminal, returning the prior balance.
func (l *Ledger) RecordMigration(ctx context.Context, project uint64) (balance decimal.Decimal, err error) {
	defer func() { observe("migrate", err) }()

	if err := l.authorize(project); err != nil {
		return decimal.Zero, err
	}
	cycle, err := l.cfg.Cycles.CurrentOf(project)
	if err != nil {
		return decimal.Zero, err
	}
	if !cycle.Metadata.AllowTerminalMigration {
		return decimal.Zero, ErrMigrationNotAllowed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance = l.balances[project]
	l.balances[project] = decimal.Zero
	l.persistBalanceLocked(ctx, project)

	l.log.Info("terminal: recorded migration", "terminal", l.cfg.TerminalID, "project", project, "balance", balance)
	return balance, nil
}

// PaymentCycleAmount pairs the governing cycle with a recorded amount in the
// terminal's currency.
type PaymentCycleAmount struct {
	Cycle  fundingcycle.FundingCycle
	Amount decimal.Decimal
}

func (l *Ledger) authorize(project uint64) error {
	if l.cfg.Access != nil && !l.cfg.Access.IsTerminalOf(project, l.cfg.TerminalID) {
		return ErrUnauthorizedTerminal
	}
	return nil
}

func (l *Ledger) payDataSource(cycle fundingcycle.FundingCycle) (PayDataSource, bool) {
	if !cycle.Metadata.UseDataSourceForPay || cycle.Metadata.DataSource == "" || l.cfg.DataSources == nil {
		return nil, false
	}
	return l.cfg.DataSources.ResolvePay(cycle.Metadata.DataSource)
}

func (l *Ledger) redeemDataSource(cycle fundingcycle.FundingCycle) (RedeemDataSource, bool) {
	if !cycle.Metadata.UseDataSourceForRedeem || cycle.Metadata.DataSource == "" || l.cfg.DataSources == nil {
		return nil, false
	}
	return l.cfg.DataSources.ResolveRedeem(cycle.Metadata.DataSource)
}

// toTerminalCurrency converts an amount into the terminal's accounting unit.
func (l *Ledger) toTerminalCurrency(ctx context.Context, amount decimal.Decimal, from oracle.Currency) (decimal.Decimal, error) {
	if from == l.cfg.Currency || from == oracle.CurrencyNone {
		return amount, nil
	}
	rate, err := l.cfg.Prices.PriceFor(ctx, from, l.cfg.Currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to convert currency %d -> %d: %w", from, l.cfg.Currency, err)
	}
	return amount.Mul(rate), nil
}

// Archive writes happen after the in-memory mutation; the maps stay
// authoritative and archive failures must not surface as operation failures,
// so they are logged and left to the archive's own retry policy.
func (l *Ledger) persistBalanceLocked(ctx context.Context, project uint64) {
	if l.cfg.Archive == nil {
		return
	}
	if err := l.cfg.Archive.SaveBalance(ctx, project, l.balances[project]); err != nil {
		l.log.Error("terminal: failed to archive balance", "project", project, "error", err)
	}
}

func (l *Ledger) persistUsageLocked(ctx context.Context, key UsageKey) {
	if l.cfg.Archive == nil {
		return
	}
	if err := l.cfg.Archive.SaveUsage(ctx, l.cfg.TerminalID, key, l.usage[key]); err != nil {
		l.log.Error("terminal: failed to archive usage", "project", key.Project, "configuration", key.Configuration, "error", err)
	}
}

func (l *Ledger) persistHeldFeesLocked(ctx context.Context, project uint64) {
	if l.cfg.Archive == nil {
		return
	}
	if err := l.cfg.Archive.SaveHeldFees(ctx, project, l.heldFees[project]); err != nil {
		l.log.Error("terminal: failed to archive held fees", "project", project, "error", err)
	}
}

func observe(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "rejected"
	}
	metrics.LedgerOperationsTotal.WithLabelValues(operation, status).Inc()
}
