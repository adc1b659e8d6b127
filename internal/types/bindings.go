package types

// BindingKind tags the variant held by a VariableBinding.
type BindingKind int

const (
	BindingInvalid BindingKind = iota
	BindingLiteral
	BindingEntity
	BindingComputed
)

// String returns the binding kind name.
func (k BindingKind) String() string {
	switch k {
	case BindingLiteral:
		return "literal"
	case BindingEntity:
		return "entity"
	case BindingComputed:
		return "computed"
	default:
		return "invalid"
	}
}

// VariableBinding is a closed union: literal value, external-entity reference,
// or nested computed variable. Construct with Literal, EntityRef or Computed.
// An entity reference whose id equals another sensor's key is a cross-sensor
// reference; the resolver decides that at resolution time.
type VariableBinding struct {
	kind     BindingKind
	literal  any
	entityID string
	computed *ComputedVariable
}

// ComputedVariable is a variable defined by its own formula, resolved before
// the formula that uses it.
type ComputedVariable struct {
	Formula         string
	Variables       map[string]VariableBinding
	AlternateStates *AlternateStates
}

// Literal binds a variable to a constant value.
func Literal(v any) VariableBinding {
	return VariableBinding{kind: BindingLiteral, literal: v}
}

// EntityRef binds a variable to an external id or a sensor key.
func EntityRef(id string) VariableBinding {
	return VariableBinding{kind: BindingEntity, entityID: id}
}

// Computed binds a variable to a nested formula.
func Computed(cv ComputedVariable) VariableBinding {
	return VariableBinding{kind: BindingComputed, computed: &cv}
}

// Kind returns the variant tag.
func (b VariableBinding) Kind() BindingKind { return b.kind }

// LiteralValue returns the literal value (nil unless Kind is BindingLiteral).
func (b VariableBinding) LiteralValue() any { return b.literal }

// EntityID returns the referenced id (empty unless Kind is BindingEntity).
func (b VariableBinding) EntityID() string { return b.entityID }

// Computed returns the computed variable (nil unless Kind is BindingComputed).
func (b VariableBinding) Computed() *ComputedVariable { return b.computed }

// CloneBindings deep-copies a binding map, including nested computed variables.
func CloneBindings(in map[string]VariableBinding) map[string]VariableBinding {
	if in == nil {
		return nil
	}
	out := make(map[string]VariableBinding, len(in))
	for name, b := range in {
		if b.kind == BindingComputed && b.computed != nil {
			cv := *b.computed
			cv.Variables = CloneBindings(b.computed.Variables)
			if b.computed.AlternateStates != nil {
				alt := *b.computed.AlternateStates
				cv.AlternateStates = &alt
			}
			b.computed = &cv
		}
		out[name] = b
	}
	return out
}
