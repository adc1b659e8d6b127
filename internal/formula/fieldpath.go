// internal/formula/fieldpath.go
package formula

import (
	"strconv"

	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Attribute path resolution.
 *
 * Resolves the tail of a dotted reference (sensor.x.attr.nested) through
 * nested attribute maps and lists. A numeric segment indexes a list.
 */

// ResolvePath traverses data following path segments.
// Returns ErrFieldNotFound if the path does not exist.
func ResolvePath(path []string, data any) (any, error) {
	return resolveRecursive(path, data)
}

func resolveRecursive(path []string, current any) (any, error) {
	if len(path) == 0 {
		return current, nil
	}

	seg := path[0]
	remaining := path[1:]

	switch v := current.(type) {
	case map[string]any:
		val, ok := v[seg]
		if !ok {
			return nil, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, val)

	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, v[idx])

	default:
		// Scalar or nil value but path continues
		return nil, types.ErrFieldNotFound
	}
}
