// Package ballots provides standard approval policies for funding-cycle
// reconfigurations and the registry stores resolve them through.
package ballots

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/treasury/pkg/fundingcycle"
)

// ApprovalDelay approves a reconfiguration once a fixed delay has passed
// since it was stored; until then it reports Active.
type ApprovalDelay struct {
	Clock clockwork.Clock
	Delay int64 // seconds
}

func (b *ApprovalDelay) StateOf(_ int64, reconfiguredAt int64) fundingcycle.BallotState {
	if b.Clock.Now().Unix() >= reconfiguredAt+b.Delay {
		return fundingcycle.BallotStateApproved
	}
	return fundingcycle.BallotStateActive
}

// Veto always fails reconfigurations; useful for freezing a project's
// configuration.
type Veto struct{}

func (Veto) StateOf(int64, int64) fundingcycle.BallotState {
	return fundingcycle.BallotStateFailed
}

// Registry is a map-backed ballot registry.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]fundingcycle.BallotPolicy
}

func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]fundingcycle.BallotPolicy)}
}

func (r *Registry) Register(id string, policy fundingcycle.BallotPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[id] = policy
}

func (r *Registry) Resolve(id string) (fundingcycle.BallotPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	policy, ok := r.policies[id]
	return policy, ok
}
