// Package controller is an in-memory registry of the spending caps a project
// declares per cycle configuration and terminal. Limits live here rather
// than in the terminal ledger so that reconfiguring mid-cycle cannot loosen
// a cap already keyed to an older configuration.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/malbeclabs/treasury/pkg/oracle"
	"github.com/shopspring/decimal"
)

type limitKey struct {
	project       uint64
	configuration int64
	terminal      string
}

type limit struct {
	amount   decimal.Decimal
	currency oracle.Currency
}

type Config struct {
	Logger *slog.Logger
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

type Controller struct {
	log *slog.Logger

	mu         sync.RWMutex
	limits     map[limitKey]limit
	allowances map[limitKey]limit
}

func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		log:        cfg.Logger,
		limits:     make(map[limitKey]limit),
		allowances: make(map[limitKey]limit),
	}, nil
}

// SetDistributionLimitOf declares the payout budget for a cycle
// configuration on a terminal, in the given currency.
func (c *Controller) SetDistributionLimitOf(project uint64, configuration int64, terminal string, amount decimal.Decimal, currency oracle.Currency) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits[limitKey{project: project, configuration: configuration, terminal: terminal}] = limit{amount: amount, currency: currency}
}

// SetOverflowAllowanceOf declares the discretionary overflow budget for a
// cycle configuration on a terminal.
func (c *Controller) SetOverflowAllowanceOf(project uint64, configuration int64, terminal string, amount decimal.Decimal, currency oracle.Currency) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowances[limitKey{project: project, configuration: configuration, terminal: terminal}] = limit{amount: amount, currency: currency}
}

func (c *Controller) DistributionLimitOf(_ context.Context, project uint64, configuration int64, terminal string) (decimal.Decimal, oracle.Currency, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l := c.limits[limitKey{project: project, configuration: configuration, terminal: terminal}]
	return l.amount, l.currency, nil
}

func (c *Controller) OverflowAllowanceOf(_ context.Context, project uint64, configuration int64, terminal string) (decimal.Decimal, oracle.Currency, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l := c.allowances[limitKey{project: project, configuration: configuration, terminal: terminal}]
	return l.amount, l.currency, nil
}
