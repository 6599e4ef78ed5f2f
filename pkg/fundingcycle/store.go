package fundingcycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Archive is the optional write-through persistence hook. The in-memory maps
// stay authoritative; the archive only replays them at startup.
type Archive interface {
	SaveCycle(ctx context.Context, cycle FundingCycle) error
	LoadCycles(ctx context.Context) ([]FundingCycle, error)
}

type StoreConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Ballots BallotRegistry // optional; unresolved ballots are treated as approved
	Archive Archive        // optional; nil means memory only
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store owns the funding-cycle state machine. The currently active cycle is
// derived lazily on every read; nothing rolls cycles over in the background.
type Store struct {
	log *slog.Logger
	cfg StoreConfig

	mu     sync.RWMutex
	cycles map[uint64]map[int64]FundingCycle
	latest map[uint64]int64
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:    cfg.Logger,
		cfg:    cfg,
		cycles: make(map[uint64]map[int64]FundingCycle),
		latest: make(map[uint64]int64),
	}, nil
}

// Load replays stored configurations from the archive. Latest pointers are
// rebuilt from the configuration ids, which increase monotonically per
// project.
func (s *Store) Load(ctx context.Context) error {
	if s.cfg.Archive == nil {
		return nil
	}
	stored, err := s.cfg.Archive.LoadCycles(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cycles from archive: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range stored {
		byConfig, ok := s.cycles[c.Project]
		if !ok {
			byConfig = make(map[int64]FundingCycle)
			s.cycles[c.Project] = byConfig
		}
		byConfig[c.Configuration] = c
		if c.Configuration > s.latest[c.Project] {
			s.latest[c.Project] = c.Configuration
		}
	}
	s.log.Info("fundingcycle: loaded configurations from archive", "count", len(stored))
	return nil
}

// ConfigureFor stores a new configuration for a project and returns the fully
// materialized cycle. A zero requested weight derives the weight from the base
// cycle's decayed weight at the new start.
func (s *Store) ConfigureFor(ctx context.Context, project uint64, data Data, metadata Metadata, mustStartAtOrAfter int64) (FundingCycle, error) {
	if data.Duration < 0 {
		return FundingCycle{}, ErrInvalidDuration
	}
	if data.DiscountRate > MaxDiscountRate {
		return FundingCycle{}, ErrInvalidDiscountRate
	}
	if data.Weight.IsNegative() {
		return FundingCycle{}, ErrInvalidWeight
	}
	if metadata.ReservedRate > MaxRedemptionRate {
		return FundingCycle{}, ErrInvalidReservedRate
	}
	if metadata.RedemptionRate > MaxRedemptionRate {
		return FundingCycle{}, ErrInvalidRedemptionRate
	}
	if metadata.BallotRedemptionRate > MaxRedemptionRate {
		return FundingCycle{}, ErrInvalidBallotRedemptionRate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now().Unix()

	// Configuration ids double as version keys, so they must stay unique and
	// increasing per project even when two reconfigurations land within the
	// same second.
	configuration := now
	if last := s.latest[project]; configuration <= last {
		configuration = last + 1
	}

	earliest := mustStartAtOrAfter
	if earliest < now {
		earliest = now
	}

	cycle := FundingCycle{
		Project:       project,
		Configuration: configuration,
		Duration:      data.Duration,
		Weight:        data.Weight,
		DiscountRate:  data.DiscountRate,
		Ballot:        data.Ballot,
		Metadata:      metadata,
	}

	latestID, exists := s.latest[project]
	if !exists {
		cycle.Number = 1
		cycle.BasedOn = 0
		cycle.Start = earliest
	} else {
		latest := s.cycles[project][latestID]

		// Chain from the nearest approved configuration. An unapproved queued
		// configuration never becomes a chaining base, even after its start
		// timestamp passes, so new configurations stay gated by the ballot of
		// the cycle that is actually in effect.
		base := latest
		for !s.approvedLocked(base) {
			next, ok := s.cycles[project][base.BasedOn]
			if !ok {
				return FundingCycle{}, fmt.Errorf("%w: configuration chain broken at %d", ErrNoCycle, base.BasedOn)
			}
			base = next
		}

		anchor := deriveAt(base, now)
		start, periods := nextBoundary(anchor, earliest)

		cycle.BasedOn = base.Configuration
		cycle.Number = anchor.Number + uint64(periods)
		cycle.Start = start
		if data.Weight.IsZero() {
			cycle.Weight = decayedWeight(anchor.Weight, anchor.DiscountRate, periods)
		}
	}

	byConfig, ok := s.cycles[project]
	if !ok {
		byConfig = make(map[int64]FundingCycle)
		s.cycles[project] = byConfig
	}
	byConfig[configuration] = cycle
	s.latest[project] = configuration

	// The in-memory maps stay authoritative; archive failures are logged and
	// left to the archive's own retry policy rather than surfaced as a
	// partially-applied configuration.
	if s.cfg.Archive != nil {
		if err := s.cfg.Archive.SaveCycle(ctx, cycle); err != nil {
			s.log.Error("fundingcycle: failed to archive configuration", "project", project, "configuration", configuration, "error", err)
		}
	}

	s.log.Info("fundingcycle: configured",
		"project", project,
		"configuration", cycle.Configuration,
		"number", cycle.Number,
		"start", cycle.Start,
		"duration", cycle.Duration,
		"based_on", cycle.BasedOn,
	)
	return cycle, nil
}

// Get returns the stored configuration with the given id.
func (s *Store) Get(project uint64, configuration int64) (FundingCycle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cycles[project][configuration]
	return c, ok
}

// LatestConfiguredOf returns the most recently stored configuration for a
// project, whether or not its window has begun.
func (s *Store) LatestConfiguredOf(project uint64) (FundingCycle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.latest[project]
	if !ok {
		return FundingCycle{}, false
	}
	return s.cycles[project][id], true
}

// CurrentOf derives the currently active cycle for a project. The derivation
// is a pure function of stored history and the clock: calling it twice with
// no intervening ConfigureFor yields identical values, and the derived cycle
// is never persisted.
func (s *Store) CurrentOf(project uint64) (FundingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLocked(project, s.cfg.Clock.Now().Unix())
}

func (s *Store) currentLocked(project uint64, now int64) (FundingCycle, error) {
	id, ok := s.latest[project]
	if !ok {
		return FundingCycle{}, ErrNoCycle
	}

	c, ok := s.cycles[project][id]
	if !ok {
		return FundingCycle{}, ErrNoCycle
	}
	for c.Start > now || !s.approvedLocked(c) {
		if c.BasedOn == 0 {
			// Genesis hasn't started yet.
			return FundingCycle{}, ErrNoCycle
		}
		next, ok := s.cycles[project][c.BasedOn]
		if !ok {
			// A broken chain means partially replayed history; never fall
			// back to a zero cycle.
			return FundingCycle{}, fmt.Errorf("%w: configuration chain broken at %d", ErrNoCycle, c.BasedOn)
		}
		c = next
	}
	return deriveAt(c, now), nil
}

// CurrentBallotStateOf evaluates the latest stored configuration's ballot
// against the configuration it is based on. Projects whose latest
// configuration is genesis report BallotStateNone.
func (s *Store) CurrentBallotStateOf(project uint64) BallotState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.latest[project]
	if !ok {
		return BallotStateNone
	}
	latest := s.cycles[project][id]
	if latest.BasedOn == 0 {
		return BallotStateNone
	}
	return s.ballotStateLocked(latest)
}

// approvedLocked reports whether a stored configuration's reconfiguration was
// approved by the ballot of the cycle it is based on. Genesis and empty
// ballots are approved by definition.
func (s *Store) approvedLocked(c FundingCycle) bool {
	if c.BasedOn == 0 {
		return true
	}
	return s.ballotStateLocked(c) == BallotStateApproved
}

func (s *Store) ballotStateLocked(c FundingCycle) BallotState {
	base, ok := s.cycles[c.Project][c.BasedOn]
	if !ok || base.Ballot == "" {
		return BallotStateApproved
	}
	if s.cfg.Ballots == nil {
		return BallotStateApproved
	}
	policy, ok := s.cfg.Ballots.Resolve(base.Ballot)
	if !ok {
		s.log.Warn("fundingcycle: unresolved ballot treated as approved", "ballot", base.Ballot, "project", c.Project)
		return BallotStateApproved
	}
	return policy.StateOf(base.Configuration, c.Configuration)
}
