// internal/resolve/inputs.go
package resolve

import (
	"errors"
	"fmt"

	"github.com/solatis/synthkeeper/internal/formula"
	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Metadata and collection inputs.
 *
 * metadata(ref, key) resolves ref to either a synthetic sensor (by key, by
 * the state token or by registered id) or an external id. Synthetic sensors
 * answer from merged configuration metadata first, then from their host
 * state. Host states answer entity_id, state, last_changed/last_updated and
 * any attribute. A dynamic key (not a string literal) pre-resolves every
 * available key.
 *
 * Collection patterns expand through the host's collection capability; only
 * members with an ok numeric state contribute values.
 */

var builtinMetadataKeys = []string{"entity_id", "state", "last_changed", "last_updated"}

func (r *resolver) resolveMetadata(mr formula.MetadataRef, scope map[string]types.VariableBinding, out *formula.Context) error {
	if _, ok := out.Metadata[mr]; ok && mr.Key != "" {
		return nil
	}
	if err := r.step(); err != nil {
		return err
	}

	sensorKey, entityID := r.metadataTarget(mr.Ref, scope)

	if sensorKey != "" && mr.Key != "" {
		if meta := r.sensorMetadata(sensorKey); meta != nil {
			if v, ok := meta[mr.Key]; ok {
				out.SetMetadata(mr.Ref, mr.Key, v)
				return nil
			}
		}
	}
	if entityID == "" {
		if mr.Key == "" {
			for k, v := range r.sensorMetadata(sensorKey) {
				out.SetMetadata(mr.Ref, k, v)
			}
			return nil
		}
		return types.NewMissingDependency(fmt.Sprintf("metadata(%s, %s)", mr.Ref, mr.Key))
	}

	r.entities.Add(entityID)
	st, err := r.pass.State(r.ctx, entityID)
	if err != nil || !st.Exists {
		fe := types.NewMissingDependency(mr.Ref)
		fe.EntityID = entityID
		fe.Err = err
		return fe
	}

	if mr.Key == "" {
		for _, k := range builtinMetadataKeys {
			out.SetMetadata(mr.Ref, k, metadataValue(entityID, st, k))
		}
		for k, v := range st.Attributes {
			out.SetMetadata(mr.Ref, k, v)
		}
		return nil
	}

	v := metadataValue(entityID, st, mr.Key)
	if v == nil {
		return &types.FormulaError{
			Kind:     types.KindMissingDependency,
			Names:    []string{fmt.Sprintf("metadata(%s, %s)", mr.Ref, mr.Key)},
			EntityID: entityID,
			Err:      types.ErrFieldNotFound,
		}
	}
	out.SetMetadata(mr.Ref, mr.Key, v)
	return nil
}

// metadataTarget resolves a metadata reference to a sensor key and/or an
// external id.
func (r *resolver) metadataTarget(ref string, scope map[string]types.VariableBinding) (sensorKey, entityID string) {
	if ref == "state" && r.req.Sensor != nil {
		s := r.req.Sensor
		if s.BackingEntity != "" {
			return s.Key, s.BackingEntity
		}
		id, _ := r.p.registry.EntityID(s.Key)
		if id == "" {
			id = s.EntityID
		}
		return s.Key, id
	}
	if b, ok := scope[ref]; ok && b.Kind() == types.BindingEntity {
		ref = b.EntityID()
	}
	if r.keys[ref] {
		id, _ := r.p.registry.EntityID(ref)
		return ref, id
	}
	if key, ok := r.p.registry.KeyForEntity(ref); ok {
		return key, ref
	}
	return "", ref
}

func (r *resolver) sensorMetadata(key string) types.Metadata {
	if r.req.Config == nil || key == "" {
		return nil
	}
	s, ok := r.req.Config.Sensor(key)
	if !ok {
		return nil
	}
	var formulaMeta types.Metadata
	if main := s.Main(); main != nil {
		formulaMeta = main.Metadata
	}
	return types.MergeMetadata(r.req.Config.Metadata, s.Metadata, formulaMeta)
}

func metadataValue(entityID string, st types.State, key string) any {
	switch key {
	case "entity_id":
		return entityID
	case "state":
		return formula.NormalizeValue(st.Value)
	case "last_changed", "last_updated":
		if st.LastChanged.IsZero() {
			return nil
		}
		return st.LastChanged
	}
	if v, ok := st.Attributes[key]; ok {
		return v
	}
	return nil
}

func (r *resolver) resolveCollection(pattern string, out *formula.Context) error {
	if _, ok := out.Collections[pattern]; ok {
		return nil
	}
	if err := r.step(); err != nil {
		return err
	}
	ids, err := r.pass.Collect(r.ctx, pattern)
	if err != nil {
		var fe *types.FormulaError
		if errors.As(err, &fe) {
			return err
		}
		missing := types.NewMissingDependency(pattern)
		missing.Err = err
		return missing
	}

	values := make([]any, 0, len(ids))
	for _, id := range ids {
		st, err := r.pass.State(r.ctx, id)
		if err != nil || !st.Exists || st.Kind() != types.StateOK {
			continue
		}
		v := formula.NormalizeValue(st.Value)
		if _, ok := v.(float64); !ok {
			continue
		}
		r.entities.Add(id)
		values = append(values, v)
	}
	out.SetCollection(pattern, values)
	return nil
}
