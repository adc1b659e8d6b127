// internal/resolve/pass.go
package resolve

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Per-cycle resolution pass.
 *
 * A Pass memoizes external lookups for one evaluation cycle so every formula
 * in the cycle sees the same snapshot of host state. Each pass carries a
 * process-wide monotonically increasing cycle id; a pass is never reused
 * across cycles and must not be shared between goroutines.
 */

var cycleCounter atomic.Uint64

type lookupResult struct {
	state types.State
	err   error
}

// Pass is the lazy-resolution cache for one evaluation cycle.
type Pass struct {
	id          uint64
	lookup      types.StateLookup
	collections types.CollectionLookup
	states      map[string]lookupResult
	patterns    map[string][]string
	lookups     int
}

// NewPass starts a new cycle. collections may be nil.
func NewPass(lookup types.StateLookup, collections types.CollectionLookup) *Pass {
	return &Pass{
		id:          cycleCounter.Add(1),
		lookup:      lookup,
		collections: collections,
		states:      make(map[string]lookupResult),
		patterns:    make(map[string][]string),
	}
}

// ID returns the cycle id.
func (p *Pass) ID() uint64 { return p.id }

// Lookups returns how many host lookups this pass performed.
func (p *Pass) Lookups() int { return p.lookups }

// State returns the host state of id, querying the host at most once per pass.
func (p *Pass) State(ctx context.Context, id string) (types.State, error) {
	if r, ok := p.states[id]; ok {
		return r.state, r.err
	}
	if p.lookup == nil {
		return types.State{}, fmt.Errorf("no state lookup configured")
	}
	p.lookups++
	st, err := p.lookup.GetState(ctx, id)
	p.states[id] = lookupResult{state: st, err: err}
	return st, err
}

// Prefetch loads states for ids ahead of evaluation.
func (p *Pass) Prefetch(ctx context.Context, ids []string) {
	for _, id := range ids {
		_, _ = p.State(ctx, id)
	}
}

// Drop forgets memoized states so the next read queries the host again.
// Used between retry attempts.
func (p *Pass) Drop(ids ...string) {
	for _, id := range ids {
		delete(p.states, id)
	}
}

// Collect expands a collection pattern to external ids, memoized per pass.
func (p *Pass) Collect(ctx context.Context, pattern string) ([]string, error) {
	if ids, ok := p.patterns[pattern]; ok {
		return ids, nil
	}
	if p.collections == nil {
		return nil, types.NewMissingDependency(pattern)
	}
	ids, err := p.collections.Collect(ctx, pattern)
	if err != nil {
		return nil, err
	}
	if len(ids) > types.MaxCollectionSize {
		ids = ids[:types.MaxCollectionSize]
	}
	p.patterns[pattern] = ids
	return ids, nil
}
