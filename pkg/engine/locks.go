package engine

import "sync"

// projectLocks serializes mutating calls per project. Calls on different
// projects proceed in parallel; calls on the same project are single-writer.
type projectLocks struct {
	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

func newProjectLocks() *projectLocks {
	return &projectLocks{locks: make(map[uint64]*sync.Mutex)}
}

// acquire locks the project and returns the unlock function.
func (p *projectLocks) acquire(project uint64) func() {
	p.mu.Lock()
	lock, ok := p.locks[project]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[project] = lock
	}
	p.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
