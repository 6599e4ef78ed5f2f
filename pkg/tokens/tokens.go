package tokens

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrInsufficientBalance = errors.New("insufficient token balance")

type holderKey struct {
	holder  string
	project uint64
}

type LedgerConfig struct {
	Logger *slog.Logger
}

func (cfg *LedgerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Ledger is an in-memory project-token ledger. Total supply includes
// outstanding reserved tokens that have not been assigned to a holder yet.
type Ledger struct {
	log *slog.Logger

	mu       sync.RWMutex
	balances map[holderKey]decimal.Decimal
	supply   map[uint64]decimal.Decimal
	reserved map[uint64]decimal.Decimal
}

func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		log:      cfg.Logger,
		balances: make(map[holderKey]decimal.Decimal),
		supply:   make(map[uint64]decimal.Decimal),
		reserved: make(map[uint64]decimal.Decimal),
	}, nil
}

func (l *Ledger) TotalSupplyOf(project uint64) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply[project]
}

func (l *Ledger) BalanceOf(holder string, project uint64) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[holderKey{holder: holder, project: project}]
}

// ReservedBalanceOf returns the outstanding reserved tokens of a project.
func (l *Ledger) ReservedBalanceOf(project uint64) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reserved[project]
}

func (l *Ledger) MintFor(holder string, project uint64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.New("mint amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := holderKey{holder: holder, project: project}
	l.balances[key] = l.balances[key].Add(amount)
	l.supply[project] = l.supply[project].Add(amount)
	return nil
}

// ReserveFor adds tokens to the project's supply without assigning a holder.
func (l *Ledger) ReserveFor(project uint64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.New("reserve amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved[project] = l.reserved[project].Add(amount)
	l.supply[project] = l.supply[project].Add(amount)
	return nil
}

// DistributeReservedFor assigns all outstanding reserved tokens to a holder
// and returns the distributed amount.
func (l *Ledger) DistributeReservedFor(project uint64, holder string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount := l.reserved[project]
	if !amount.IsPositive() {
		return decimal.Zero
	}
	delete(l.reserved, project)
	key := holderKey{holder: holder, project: project}
	l.balances[key] = l.balances[key].Add(amount)
	return amount
}

func (l *Ledger) BurnFrom(holder string, project uint64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.New("burn amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := holderKey{holder: holder, project: project}
	balance := l.balances[key]
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: holder %s has %s, burning %s", ErrInsufficientBalance, holder, balance, amount)
	}
	l.balances[key] = balance.Sub(amount)
	l.supply[project] = l.supply[project].Sub(amount)
	return nil
}
