// internal/resolve/selfref.go
package resolve

import (
	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Self-reference resolution for the state token.
 *
 * Priority:
 *   (a) the sensor's backing entity, when configured and known to the host
 *   (b) the sensor's own previously computed value: the registry value, or
 *       the host state of the sensor's registered entity
 *   (c) SelfReferenceUnavailable
 *
 * A backing entity that is configured but does not exist falls through to
 * (b). A backing entity that exists but is unavailable or unknown is a
 * transitory failure, not a fallthrough. The state token never resolves to
 * an invented zero or nil.
 */

func (r *resolver) resolveSelf() (any, map[string]any, error) {
	s := r.req.Sensor
	if s == nil {
		return nil, nil, types.NewSelfReferenceUnavailable("")
	}

	if s.BackingEntity != "" {
		st, err := r.pass.State(r.ctx, s.BackingEntity)
		if err == nil && st.Exists {
			r.entities.Add(s.BackingEntity)
			return r.stateValue("state", s.BackingEntity, st)
		}
	}

	if v, ok := r.p.registry.Value(s.Key); ok {
		return v, nil, nil
	}

	entityID := s.EntityID
	if id, ok := r.p.registry.EntityID(s.Key); ok {
		entityID = id
	}
	if entityID != "" {
		st, err := r.pass.State(r.ctx, entityID)
		if err == nil && st.Exists && st.Kind() == types.StateOK {
			return r.stateValue("state", entityID, st)
		}
	}

	return nil, nil, types.NewSelfReferenceUnavailable(s.Key)
}
