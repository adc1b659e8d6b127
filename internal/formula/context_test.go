package formula

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestContext_FingerprintDistinguishesTypes(t *testing.T) {
	a := NewContext()
	a.Set("x", 1.0)
	b := NewContext()
	b.Set("x", "1")
	if a.Fingerprint() == b.Fingerprint() {
		t.Errorf("Fingerprint() equal for 1.0 and \"1\"")
	}
}

func TestContext_FingerprintCoversAllInputs(t *testing.T) {
	base := func() *Context {
		c := NewContext()
		c.Set("x", 1.0)
		return c
	}
	ref := base().Fingerprint()

	withAttr := base()
	withAttr.SetAttributes("x", map[string]any{"unit": "W"})
	withMeta := base()
	withMeta.SetMetadata("x", "unit", "W")
	withColl := base()
	withColl.SetCollection("device_class:power", []any{1.0})
	withTime := base()
	withTime.Set("t", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	for name, c := range map[string]*Context{"attributes": withAttr, "metadata": withMeta, "collections": withColl, "time": withTime} {
		if c.Fingerprint() == ref {
			t.Errorf("Fingerprint() ignores %s", name)
		}
	}
}

// Property-based test: fingerprint is independent of insertion order
func TestContext_PropertyFingerprintOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same bindings, same fingerprint", prop.ForAll(
		func(values []float64) bool {
			fwd, rev := NewContext(), NewContext()
			for i, v := range values {
				fwd.Set(string(rune('a'+i%26))+string(rune('0'+i/26%10)), v)
			}
			for i := len(values) - 1; i >= 0; i-- {
				rev.Set(string(rune('a'+i%26))+string(rune('0'+i/26%10)), values[i])
			}
			return fwd.Fingerprint() == rev.Fingerprint()
		},
		gen.SliceOfN(30, gen.Float64Range(-1e6, 1e6)),
	))

	properties.TestingRun(t)
}
