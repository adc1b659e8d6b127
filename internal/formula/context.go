// internal/formula/context.go
package formula

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

/*
 * Evaluation context.
 *
 * Everything a formula reads is resolved into the context before
 * evaluation: plain values by name (variables and full entity ids), attribute
 * maps for dotted access, metadata pairs and pre-expanded collections. The
 * evaluator never calls back into the host, so the fingerprint of a context
 * fully determines the result of a deterministic formula.
 */

// MetadataRef identifies a metadata(ref, key) lookup.
type MetadataRef struct {
	Ref string
	Key string
}

// Context holds resolved inputs for one evaluation.
type Context struct {
	Values      map[string]any
	Attributes  map[string]map[string]any
	Metadata    map[MetadataRef]any
	Collections map[string][]any
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{
		Values:      make(map[string]any),
		Attributes:  make(map[string]map[string]any),
		Metadata:    make(map[MetadataRef]any),
		Collections: make(map[string][]any),
	}
}

// Set binds name to v.
func (c *Context) Set(name string, v any) {
	c.Values[name] = v
}

// Get returns the value bound to name.
func (c *Context) Get(name string) (any, bool) {
	v, ok := c.Values[name]
	return v, ok
}

// SetAttributes binds the attribute map read through name.attr.
func (c *Context) SetAttributes(name string, attrs map[string]any) {
	if len(attrs) == 0 {
		return
	}
	c.Attributes[name] = attrs
}

// SetMetadata binds the result of metadata(ref, key).
func (c *Context) SetMetadata(ref, key string, v any) {
	c.Metadata[MetadataRef{Ref: ref, Key: key}] = v
}

// SetCollection binds the values a collection pattern expands to.
func (c *Context) SetCollection(pattern string, values []any) {
	c.Collections[pattern] = values
}

// Merge copies extra values over existing ones.
func (c *Context) Merge(extra map[string]any) {
	for k, v := range extra {
		c.Values[k] = v
	}
}

// Fingerprint returns a stable digest of the full context. Two contexts
// with equal bindings produce equal fingerprints regardless of map order.
func (c *Context) Fingerprint() string {
	h := sha256.New()
	for _, k := range sortedKeys(c.Values) {
		fmt.Fprintf(h, "v:%s=%s;", k, fingerprintValue(c.Values[k]))
	}
	for _, k := range sortedKeys(c.Attributes) {
		attrs := c.Attributes[k]
		for _, a := range sortedKeys(attrs) {
			fmt.Fprintf(h, "a:%s.%s=%s;", k, a, fingerprintValue(attrs[a]))
		}
	}
	refs := make([]MetadataRef, 0, len(c.Metadata))
	for r := range c.Metadata {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Ref != refs[j].Ref {
			return refs[i].Ref < refs[j].Ref
		}
		return refs[i].Key < refs[j].Key
	})
	for _, r := range refs {
		fmt.Fprintf(h, "m:%s/%s=%s;", r.Ref, r.Key, fingerprintValue(c.Metadata[r]))
	}
	for _, k := range sortedKeys(c.Collections) {
		fmt.Fprintf(h, "c:%s=%s;", k, fingerprintValue(c.Collections[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// fingerprintValue renders a value with its type so 1 and "1" differ.
func fingerprintValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case time.Time:
		return "time:" + x.UTC().Format(time.RFC3339Nano)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = fingerprintValue(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case map[string]any:
		var b strings.Builder
		b.WriteByte('{')
		for _, k := range sortedKeys(x) {
			fmt.Fprintf(&b, "%s:%s,", k, fingerprintValue(x[k]))
		}
		b.WriteByte('}')
		return b.String()
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
