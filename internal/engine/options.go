// internal/engine/options.go
package engine

import (
	"log/slog"
	"time"

	"github.com/solatis/synthkeeper/internal/breaker"
	"github.com/solatis/synthkeeper/internal/formula"
	"github.com/solatis/synthkeeper/internal/resolve"
	"github.com/solatis/synthkeeper/internal/types"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	clock        func() time.Time
	functions    formula.FunctionTable
	collections  types.CollectionLookup
	registry     *resolve.Registry
	store        Store
	breaker      breaker.Config
	retry        *breaker.Retry
	maxCompiled  int
	maxResults   int
	maxSteps     int
	extraDomains []string
}

func defaultOptions() options {
	return options{
		logger:      slog.New(slog.DiscardHandler),
		breaker:     breaker.DefaultConfig(),
		maxCompiled: 1000,
		maxResults:  5000,
		maxSteps:    types.DefaultMaxResolutionSteps,
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the clock used by now() and today().
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithFunction registers a user-defined formula function.
func WithFunction(name string, fn formula.Function) Option {
	return func(o *options) {
		if o.functions == nil {
			o.functions = make(formula.FunctionTable)
		}
		o.functions[name] = fn
	}
}

// WithCollections sets the host's collection-pattern capability.
func WithCollections(c types.CollectionLookup) Option {
	return func(o *options) { o.collections = c }
}

// WithRegistry shares an existing sensor registry.
func WithRegistry(r *resolve.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithStore persists the sensor registry.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// WithBreaker sets circuit breaker thresholds.
func WithBreaker(cfg breaker.Config) Option {
	return func(o *options) { o.breaker = cfg }
}

// WithRetry enables retry of transitory failures.
func WithRetry(r *breaker.Retry) Option {
	return func(o *options) { o.retry = r }
}

// WithCacheSizes bounds the compilation and result caches. Zero means
// unbounded.
func WithCacheSizes(compiled, results int) Option {
	return func(o *options) {
		o.maxCompiled = compiled
		o.maxResults = results
	}
}

// WithMaxResolutionSteps overrides the per-build step cap.
func WithMaxResolutionSteps(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithDomains adds entity domains recognised in formula text.
func WithDomains(domains ...string) Option {
	return func(o *options) { o.extraDomains = append(o.extraDomains, domains...) }
}
