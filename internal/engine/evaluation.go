// internal/engine/evaluation.go
package engine

import (
	"context"
	"errors"

	"github.com/solatis/synthkeeper/internal/formula"
	"github.com/solatis/synthkeeper/internal/resolve"
	"github.com/solatis/synthkeeper/internal/types"
)

// evaluation carries the state of one formula evaluation.
type evaluation struct {
	e       *Engine
	ctx     context.Context
	pass    *resolve.Pass
	sensor  *types.Sensor
	formula *types.Formula
	route   formula.Route
	req     resolve.Request
}

func (ev *evaluation) run() Result {
	compiled, err := ev.e.compiler.GetCompiledAs(ev.formula.Text, ev.route.Inner)
	if err != nil {
		return ev.fail(err)
	}

	res, err := ev.resolve()
	if err != nil {
		if out, ok := ev.alternate(err); ok {
			return out
		}
		return ev.fail(err)
	}
	if len(res.NoneInputs) > 0 {
		if text, ok := ev.formula.AlternateStates.For(types.StateNone); ok {
			return ev.handler(text, types.StateNone)
		}
	}

	var fingerprint string
	if ev.route.ShouldCache {
		fingerprint = res.Context.Fingerprint()
		if v, ok := ev.e.results.Get(ev.formula.Text, fingerprint); ok {
			out := ev.succeed(v, types.StateOK, res.Entities)
			out.Cached = true
			return out
		}
	}

	value, err := compiled.Evaluate(res.Context)
	if err != nil {
		if len(res.NoneInputs) > 0 {
			// a none input propagates as a none outcome
			return ev.succeed(nil, types.StateNone, res.Entities)
		}
		return ev.fail(err)
	}

	out := ev.finish(value, types.StateOK, res.Entities)
	if out.Success && ev.route.ShouldCache && out.Value != nil {
		ev.e.results.Put(ev.formula.Text, fingerprint, out.Value, res.Entities)
	}
	return out
}

// resolve builds the evaluation context, retrying transitory failures
// when a retry policy is configured.
func (ev *evaluation) resolve() (*resolve.Resolution, error) {
	var out *resolve.Resolution
	build := func(ctx context.Context) error {
		r, err := ev.e.pipeline.BuildContext(ctx, ev.pass, ev.req)
		if err != nil {
			return err
		}
		out = r
		return nil
	}

	if ev.e.retry == nil {
		err := build(ev.ctx)
		return out, err
	}
	err := ev.e.retry.Do(ev.ctx, ev.formula.ID, func(ctx context.Context) error {
		err := build(ctx)
		var fe *types.FormulaError
		if errors.As(err, &fe) && fe.Kind == types.KindTransitory && fe.EntityID != "" {
			ev.pass.Drop(fe.EntityID)
		}
		return err
	})
	return out, err
}

// alternate runs the formula's handler for a transitory failure.
func (ev *evaluation) alternate(err error) (Result, bool) {
	var fe *types.FormulaError
	if !errors.As(err, &fe) || fe.Kind != types.KindTransitory {
		return Result{}, false
	}
	text, ok := ev.formula.AlternateStates.For(fe.State)
	if !ok {
		return Result{}, false
	}
	return ev.handler(text, fe.State), true
}

func (ev *evaluation) handler(text string, state types.StateKind) Result {
	v, err := ev.e.pipeline.EvaluateText(ev.ctx, ev.pass, ev.req, text)
	if err != nil {
		return ev.fail(err)
	}
	return ev.finish(v, state, nil)
}

// finish coerces value into the route's family.
func (ev *evaluation) finish(value any, state types.StateKind, entities []string) Result {
	cr, err := formula.Coerce(value, ev.route.Family)
	if err != nil {
		return ev.fail(types.NewEvaluationError(err))
	}
	if cr.IsNull {
		if state == types.StateOK {
			if text, ok := ev.formula.AlternateStates.For(types.StateNone); ok {
				return ev.handler(text, types.StateNone)
			}
		}
		return ev.succeed(nil, types.StateNone, entities)
	}
	return ev.succeed(cr.Value, state, entities)
}

func (ev *evaluation) succeed(value any, state types.StateKind, entities []string) Result {
	if ev.formula.IsMain() {
		ev.e.registry.SetValue(ev.sensor.Key, value)
	}
	if len(entities) > 0 {
		_, g := ev.e.snapshot()
		g.Observe(ev.sensor.Key, entities)
	}
	return Result{
		FormulaID: ev.formula.ID,
		Success:   true,
		Value:     value,
		State:     state,
		Family:    ev.route.Family,
	}
}

func (ev *evaluation) fail(err error) Result {
	var fe *types.FormulaError
	if errors.As(err, &fe) && fe.FormulaID == "" {
		fe.FormulaID = ev.formula.ID
	}
	out := failure(ev.formula.ID, err)
	out.Family = ev.route.Family
	return out
}
