// internal/breaker/breaker.go
package breaker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Per-formula circuit breaker.
 *
 * Two counters per formula id. Fatal errors (compile, missing dependency,
 * circular dependency, cross-sensor, evaluation) open the circuit once the
 * fatal threshold is reached; an open circuit rejects every attempt with a
 * CircuitOpen error without running the evaluator. Transitory and
 * self-reference errors only count toward the transitory threshold, which
 * marks the formula degraded but never opens the circuit: those inputs
 * recover on their own.
 *
 * A success resets both counters and closes the circuit when
 * ResetOnSuccess is set. Reset closes a circuit explicitly, e.g. after the
 * configuration changes.
 */

// Config holds breaker thresholds.
type Config struct {
	MaxFatalErrors      int
	MaxTransitoryErrors int
	ResetOnSuccess      bool
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxFatalErrors:      5,
		MaxTransitoryErrors: 20,
		ResetOnSuccess:      true,
	}
}

// Status is the breaker state of one formula.
type Status struct {
	Fatal      int
	Transitory int
	Open       bool
	Degraded   bool
	LastKind   types.ErrorKind
}

// Breaker tracks failure counters per formula id.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	status map[string]*Status
	logger *slog.Logger
}

// New creates a breaker. Non-positive thresholds take the defaults.
func New(cfg Config, logger *slog.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.MaxFatalErrors <= 0 {
		cfg.MaxFatalErrors = def.MaxFatalErrors
	}
	if cfg.MaxTransitoryErrors <= 0 {
		cfg.MaxTransitoryErrors = def.MaxTransitoryErrors
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Breaker{cfg: cfg, status: make(map[string]*Status), logger: logger}
}

func (b *Breaker) statusLocked(id string) *Status {
	st, ok := b.status[id]
	if !ok {
		st = &Status{}
		b.status[id] = st
	}
	return st
}

// Allow returns a CircuitOpen error when the formula's circuit is open.
func (b *Breaker) Allow(formulaID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.status[formulaID]; ok && st.Open {
		return types.NewCircuitOpen(formulaID, st.Fatal)
	}
	return nil
}

// Record classifies an evaluation outcome and updates the counters.
func (b *Breaker) Record(formulaID string, err error) {
	kind := types.KindOf(err)

	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.statusLocked(formulaID)

	switch {
	case kind == types.KindNone:
		if b.cfg.ResetOnSuccess {
			*st = Status{}
		}
		return
	case kind == types.KindCircuitOpen:
		return
	case kind.Fatal():
		st.Fatal++
		st.LastKind = kind
		if !st.Open && st.Fatal >= b.cfg.MaxFatalErrors {
			st.Open = true
			b.logger.Warn("circuit opened",
				slog.String("formula_id", formulaID),
				slog.Int("fatal_errors", st.Fatal),
				slog.String("kind", kind.String()),
			)
		}
	default:
		st.Transitory++
		st.LastKind = kind
		if !st.Degraded && st.Transitory >= b.cfg.MaxTransitoryErrors {
			st.Degraded = true
			b.logger.Warn("formula degraded by transitory errors",
				slog.String("formula_id", formulaID),
				slog.Int("transitory_errors", st.Transitory),
			)
		}
	}
}

// Execute runs fn unless the circuit is open and records its outcome.
func (b *Breaker) Execute(formulaID string, fn func() error) error {
	if err := b.Allow(formulaID); err != nil {
		return err
	}
	err := fn()
	b.Record(formulaID, err)
	return err
}

// Reset closes the circuit of one formula and clears its counters.
func (b *Breaker) Reset(formulaID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.status, formulaID)
}

// ResetAll clears every formula's state.
func (b *Breaker) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = make(map[string]*Status)
}

// Status returns the state of one formula.
func (b *Breaker) Status(formulaID string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.status[formulaID]; ok {
		return *st
	}
	return Status{}
}

// Open returns the ids of formulas with an open circuit, sorted.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for id, st := range b.status {
		if st.Open {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every tracked formula's state.
func (b *Breaker) Snapshot() map[string]Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Status, len(b.status))
	for id, st := range b.status {
		out[id] = *st
	}
	return out
}
