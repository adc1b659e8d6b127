// internal/engine/cycle.go
package engine

import (
	"context"
	"log/slog"

	"github.com/solatis/synthkeeper/internal/breaker"
	"github.com/solatis/synthkeeper/internal/formula"
	"github.com/solatis/synthkeeper/internal/graph"
	"github.com/solatis/synthkeeper/internal/resolve"
	"github.com/solatis/synthkeeper/internal/types"
)

// Cycle is the outcome of one evaluation cycle.
type Cycle struct {
	ID      uint64
	Plan    graph.Plan
	Sensors []SensorResult
}

// Failed returns the sensors whose main formula failed.
func (c Cycle) Failed() []SensorResult {
	var out []SensorResult
	for _, s := range c.Sensors {
		if !s.Main.Success {
			out = append(out, s)
		}
	}
	return out
}

// Sensor returns the result for key.
func (c Cycle) Sensor(key string) (SensorResult, bool) {
	for _, s := range c.Sensors {
		if s.Key == key {
			return s, true
		}
	}
	return SensorResult{}, false
}

func (e *Engine) runCycle(ctx context.Context, pass *resolve.Pass, cfg *types.Config, plan graph.Plan) Cycle {
	c := Cycle{ID: pass.ID(), Plan: plan}
	for _, key := range plan.Order {
		s, ok := cfg.Sensor(key)
		if !ok {
			continue
		}
		c.Sensors = append(c.Sensors, e.evaluateSensor(ctx, pass, cfg, s, nil))
	}

	if err := e.Persist(ctx); err != nil {
		e.logger.WarnContext(ctx, "registry not persisted", slog.String("error", err.Error()))
	}
	e.logger.DebugContext(ctx, "evaluation cycle complete",
		slog.Uint64("cycle", c.ID),
		slog.Int("sensors", len(c.Sensors)),
		slog.Int("failed", len(c.Failed())),
		slog.Int("lookups", pass.Lookups()),
	)
	return c
}

// Stats reports cache, protocol and breaker state.
type Stats struct {
	Compiled     formula.CacheStats
	Results      formula.CacheStats
	Analyses     int
	Phase        string
	Pending      []string
	OpenCircuits []string
	Breaker      map[string]breaker.Status
}

// Stats returns a snapshot of engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Compiled:     e.compiler.Stats(),
		Results:      e.results.Stats(),
		Analyses:     e.analysis.Len(),
		Phase:        e.cross.Phase().String(),
		Pending:      e.cross.PendingKeys(),
		OpenCircuits: e.breaker.Open(),
		Breaker:      e.breaker.Snapshot(),
	}
}
