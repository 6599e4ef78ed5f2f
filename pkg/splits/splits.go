package splits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/treasury/pkg/metrics"
)

// TotalPercent is the denominator for split percentages (10_000_000 = 100%).
const TotalPercent uint64 = 10_000_000

var (
	ErrBadTotalPercent = errors.New("split percents sum above total percent")
	ErrBadSplitPercent = errors.New("split percent is zero")
	ErrZeroRecipient   = errors.New("split has no beneficiary, allocator or project route")
	ErrSomeLocked      = errors.New("locked splits missing or modified")
)

// Split is one percentage-weighted payout rule. Exactly one routing target is
// expected: a beneficiary address, an allocator capability, or another
// project's terminal.
type Split struct {
	// Percent of the distributed amount this split claims, out of
	// TotalPercent.
	Percent uint64 `json:"percent"`

	Beneficiary string `json:"beneficiary,omitempty"`

	// Allocator identifies a delegate capability that receives the split
	// amount instead of a plain beneficiary.
	Allocator string `json:"allocator,omitempty"`

	// ProjectID routes the split amount to another project's terminal.
	ProjectID uint64 `json:"project_id,omitempty"`

	// LockedUntil is the unix timestamp before which this split cannot be
	// removed from its group, only have its lock extended.
	LockedUntil int64 `json:"locked_until,omitempty"`

	PreferClaimed bool `json:"prefer_claimed,omitempty"`
}

// identity is the lock-preservation key of a split within a group.
type identity struct {
	beneficiary string
	projectID   uint64
	allocator   string
}

func (s Split) identity() identity {
	return identity{beneficiary: s.Beneficiary, projectID: s.ProjectID, allocator: s.Allocator}
}

// sameRule reports whether two splits are identical apart from an extended
// lock.
func (s Split) sameRule(other Split) bool {
	return s.Percent == other.Percent &&
		s.Beneficiary == other.Beneficiary &&
		s.Allocator == other.Allocator &&
		s.ProjectID == other.ProjectID &&
		s.PreferClaimed == other.PreferClaimed
}

// GroupKey addresses one split list.
type GroupKey struct {
	Project uint64
	Domain  uint64
	Group   uint64
}

// Archive is the optional write-through persistence hook.
type Archive interface {
	SaveGroup(ctx context.Context, key GroupKey, splits []Split) error
	LoadGroups(ctx context.Context) (map[GroupKey][]Split, error)
}

type StoreConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Archive Archive // optional
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

// Store holds percentage-based payout lists per (project, domain, group) and
// enforces the total-percent and partial-locking invariants.
type Store struct {
	log *slog.Logger
	cfg StoreConfig

	mu     sync.RWMutex
	groups map[GroupKey][]Split
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:    cfg.Logger,
		cfg:    cfg,
		groups: make(map[GroupKey][]Split),
	}, nil
}

// Load replays archived split groups.
func (s *Store) Load(ctx context.Context) error {
	if s.cfg.Archive == nil {
		return nil
	}
	groups, err := s.cfg.Archive.LoadGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to load split groups: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, list := range groups {
		s.groups[key] = list
	}
	s.log.Info("splits: loaded groups from archive", "count", len(groups))
	return nil
}

// Set atomically replaces the split list for (project, domain, group).
// Every currently-locked split must reappear in the new list unmodified
// except for a possibly-extended lock.
func (s *Store) Set(ctx context.Context, project, domain, group uint64, list []Split) (err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "rejected"
		}
		metrics.SplitGroupReplacementsTotal.WithLabelValues(status).Inc()
	}()

	var total uint64
	for _, split := range list {
		if split.Percent == 0 {
			return ErrBadSplitPercent
		}
		// Capping each entry at TotalPercent keeps the running sum far from
		// uint64 wraparound.
		if split.Percent > TotalPercent {
			return ErrBadTotalPercent
		}
		if split.Beneficiary == "" && split.Allocator == "" && split.ProjectID == 0 {
			return ErrZeroRecipient
		}
		total += split.Percent
		if total > TotalPercent {
			return ErrBadTotalPercent
		}
	}

	key := GroupKey{Project: project, Domain: domain, Group: group}
	now := s.cfg.Clock.Now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stored := range s.groups[key] {
		if stored.LockedUntil <= now {
			continue
		}
		if !lockPreserved(stored, list) {
			return ErrSomeLocked
		}
	}

	replacement := make([]Split, len(list))
	copy(replacement, list)
	s.groups[key] = replacement

	if s.cfg.Archive != nil {
		if err := s.cfg.Archive.SaveGroup(ctx, key, replacement); err != nil {
			s.log.Error("splits: failed to archive group", "project", project, "domain", domain, "group", group, "error", err)
		}
	}

	// One record per resulting entry; off-ledger indexing consumes these.
	for _, split := range replacement {
		s.log.Info("splits: set split",
			"project", project,
			"domain", domain,
			"group", group,
			"percent", split.Percent,
			"beneficiary", split.Beneficiary,
			"allocator", split.Allocator,
			"split_project_id", split.ProjectID,
			"locked_until", split.LockedUntil,
		)
	}
	return nil
}

// Of returns a copy of the split list stored for (project, domain, group).
func (s *Store) Of(project, domain, group uint64) []Split {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.groups[GroupKey{Project: project, Domain: domain, Group: group}]
	list := make([]Split, len(stored))
	copy(list, stored)
	return list
}

// lockPreserved reports whether a still-locked stored split reappears in the
// new list with the same rule and a lock that has not shrunk.
func lockPreserved(stored Split, list []Split) bool {
	id := stored.identity()
	for _, candidate := range list {
		if candidate.identity() != id {
			continue
		}
		if stored.sameRule(candidate) && candidate.LockedUntil >= stored.LockedUntil {
			return true
		}
	}
	return false
}
