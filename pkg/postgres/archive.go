package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/treasury/pkg/fundingcycle"
	"github.com/malbeclabs/treasury/pkg/metrics"
	"github.com/malbeclabs/treasury/pkg/splits"
	"github.com/malbeclabs/treasury/pkg/terminal"
	"github.com/malbeclabs/treasury/utils/pkg/retry"
	"github.com/shopspring/decimal"
)

type ArchiveConfig struct {
	Logger *slog.Logger
	Client *Client
	Retry  retry.Config
}

func (cfg *ArchiveConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("postgres client is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Archive persists the ledgers' keyed maps in postgres. It implements the
// archive hooks of the cycle store, the terminal ledger and the split store.
// The in-memory state upstream stays authoritative; rows here only replay it
// at startup, so every write is an idempotent upsert.
type Archive struct {
	log *slog.Logger
	cfg ArchiveConfig
}

func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Archive{log: cfg.Logger, cfg: cfg}, nil
}

func (a *Archive) exec(ctx context.Context, query string, args ...any) error {
	err := retry.Do(ctx, a.cfg.Retry, func() error {
		_, err := a.cfg.Client.Pool().Exec(ctx, query, args...)
		return err
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ArchiveWritesTotal.WithLabelValues(status).Inc()
	return err
}

func (a *Archive) SaveCycle(ctx context.Context, cycle fundingcycle.FundingCycle) error {
	metadata, err := json.Marshal(cycle.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle metadata: %w", err)
	}
	return a.exec(ctx, `
		INSERT INTO funding_cycles (project, configuration, number, based_on, start_at, duration, weight, discount_rate, ballot, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10)
		ON CONFLICT (project, configuration) DO UPDATE SET
			number = EXCLUDED.number,
			based_on = EXCLUDED.based_on,
			start_at = EXCLUDED.start_at,
			duration = EXCLUDED.duration,
			weight = EXCLUDED.weight,
			discount_rate = EXCLUDED.discount_rate,
			ballot = EXCLUDED.ballot,
			metadata = EXCLUDED.metadata
	`, int64(cycle.Project), cycle.Configuration, int64(cycle.Number), cycle.BasedOn, cycle.Start,
		cycle.Duration, cycle.Weight.String(), int64(cycle.DiscountRate), cycle.Ballot, metadata)
}

func (a *Archive) LoadCycles(ctx context.Context) ([]fundingcycle.FundingCycle, error) {
	rows, err := a.cfg.Client.Pool().Query(ctx, `
		SELECT project, configuration, number, based_on, start_at, duration, weight::text, discount_rate, ballot, metadata
		FROM funding_cycles
		ORDER BY project, configuration
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query funding cycles: %w", err)
	}
	defer rows.Close()

	var cycles []fundingcycle.FundingCycle
	for rows.Next() {
		var (
			project, number, discountRate int64
			c                             fundingcycle.FundingCycle
			weight                        string
			metadata                      []byte
		)
		if err := rows.Scan(&project, &c.Configuration, &number, &c.BasedOn, &c.Start, &c.Duration, &weight, &discountRate, &c.Ballot, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan funding cycle: %w", err)
		}
		c.Project = uint64(project)
		c.Number = uint64(number)
		c.DiscountRate = uint64(discountRate)
		if c.Weight, err = decimal.NewFromString(weight); err != nil {
			return nil, fmt.Errorf("failed to parse cycle weight: %w", err)
		}
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cycle metadata: %w", err)
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func (a *Archive) SaveBalance(ctx context.Context, project uint64, balance decimal.Decimal) error {
	return a.exec(ctx, `
		INSERT INTO balances (project, balance)
		VALUES ($1, $2::numeric)
		ON CONFLICT (project) DO UPDATE SET balance = EXCLUDED.balance
	`, int64(project), balance.String())
}

func (a *Archive) LoadBalances(ctx context.Context) (map[uint64]decimal.Decimal, error) {
	rows, err := a.cfg.Client.Pool().Query(ctx, `SELECT project, balance::text FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[uint64]decimal.Decimal)
	for rows.Next() {
		var project int64
		var balance string
		if err := rows.Scan(&project, &balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		d, err := decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("failed to parse balance: %w", err)
		}
		balances[uint64(project)] = d
	}
	return balances, rows.Err()
}

func (a *Archive) SaveUsage(ctx context.Context, terminalID string, key terminal.UsageKey, usage terminal.DistributionUsage) error {
	return a.exec(ctx, `
		INSERT INTO distribution_usage (terminal, project, configuration, used_distribution_limit, used_overflow_allowance)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric)
		ON CONFLICT (terminal, project, configuration) DO UPDATE SET
			used_distribution_limit = EXCLUDED.used_distribution_limit,
			used_overflow_allowance = EXCLUDED.used_overflow_allowance
	`, terminalID, int64(key.Project), key.Configuration,
		usage.UsedDistributionLimit.String(), usage.UsedOverflowAllowance.String())
}

func (a *Archive) LoadUsage(ctx context.Context, terminalID string) (map[terminal.UsageKey]terminal.DistributionUsage, error) {
	rows, err := a.cfg.Client.Pool().Query(ctx, `
		SELECT project, configuration, used_distribution_limit::text, used_overflow_allowance::text
		FROM distribution_usage
		WHERE terminal = $1
	`, terminalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[terminal.UsageKey]terminal.DistributionUsage)
	for rows.Next() {
		var project int64
		var key terminal.UsageKey
		var usedLimit, usedAllowance string
		if err := rows.Scan(&project, &key.Configuration, &usedLimit, &usedAllowance); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		key.Project = uint64(project)
		var u terminal.DistributionUsage
		if u.UsedDistributionLimit, err = decimal.NewFromString(usedLimit); err != nil {
			return nil, fmt.Errorf("failed to parse used distribution limit: %w", err)
		}
		if u.UsedOverflowAllowance, err = decimal.NewFromString(usedAllowance); err != nil {
			return nil, fmt.Errorf("failed to parse used overflow allowance: %w", err)
		}
		usage[key] = u
	}
	return usage, rows.Err()
}

func (a *Archive) SaveHeldFees(ctx context.Context, project uint64, fees []terminal.HeldFee) error {
	if len(fees) == 0 {
		return a.exec(ctx, `DELETE FROM held_fees WHERE project = $1`, int64(project))
	}
	payload, err := json.Marshal(fees)
	if err != nil {
		return fmt.Errorf("failed to marshal held fees: %w", err)
	}
	return a.exec(ctx, `
		INSERT INTO held_fees (project, fees)
		VALUES ($1, $2)
		ON CONFLICT (project) DO UPDATE SET fees = EXCLUDED.fees
	`, int64(project), payload)
}

func (a *Archive) LoadHeldFees(ctx context.Context) (map[uint64][]terminal.HeldFee, error) {
	rows, err := a.cfg.Client.Pool().Query(ctx, `SELECT project, fees FROM held_fees`)
	if err != nil {
		return nil, fmt.Errorf("failed to query held fees: %w", err)
	}
	defer rows.Close()

	heldFees := make(map[uint64][]terminal.HeldFee)
	for rows.Next() {
		var project int64
		var payload []byte
		if err := rows.Scan(&project, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan held fees: %w", err)
		}
		var fees []terminal.HeldFee
		if err := json.Unmarshal(payload, &fees); err != nil {
			return nil, fmt.Errorf("failed to unmarshal held fees: %w", err)
		}
		heldFees[uint64(project)] = fees
	}
	return heldFees, rows.Err()
}

func (a *Archive) SaveGroup(ctx context.Context, key splits.GroupKey, list []splits.Split) error {
	payload, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to marshal splits: %w", err)
	}
	return a.exec(ctx, `
		INSERT INTO split_groups (project, domain, "group", splits)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project, domain, "group") DO UPDATE SET splits = EXCLUDED.splits
	`, int64(key.Project), int64(key.Domain), int64(key.Group), payload)
}

func (a *Archive) LoadGroups(ctx context.Context) (map[splits.GroupKey][]splits.Split, error) {
	rows, err := a.cfg.Client.Pool().Query(ctx, `SELECT project, domain, "group", splits FROM split_groups`)
	if err != nil {
		return nil, fmt.Errorf("failed to query split groups: %w", err)
	}
	defer rows.Close()

	groups := make(map[splits.GroupKey][]splits.Split)
	for rows.Next() {
		var project, domain, group int64
		var payload []byte
		if err := rows.Scan(&project, &domain, &group, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan split group: %w", err)
		}
		var list []splits.Split
		if err := json.Unmarshal(payload, &list); err != nil {
			return nil, fmt.Errorf("failed to unmarshal splits: %w", err)
		}
		groups[splits.GroupKey{Project: uint64(project), Domain: uint64(domain), Group: uint64(group)}] = list
	}
	return groups, rows.Err()
}
