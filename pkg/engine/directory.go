package engine

import (
	"sync"

	"github.com/malbeclabs/treasury/pkg/terminal"
)

// Directory is the registry of terminals holding balance for projects.
// Ledgers consult it for cross-terminal overflow aggregation; it is mutable
// so that ledgers and the directory can reference each other without
// circular construction.
type Directory struct {
	mu      sync.RWMutex
	sources []terminal.OverflowSource
}

func NewDirectory() *Directory {
	return &Directory{}
}

func (d *Directory) Add(source terminal.OverflowSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources = append(d.sources, source)
}

// TerminalsOf lists every registered terminal. Per-project authorization is
// the access-control collaborator's concern, not the directory's.
func (d *Directory) TerminalsOf(project uint64) []terminal.OverflowSource {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sources := make([]terminal.OverflowSource, len(d.sources))
	copy(sources, d.sources)
	return sources
}
