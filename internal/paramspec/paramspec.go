// Package paramspec implements the typed parameter schema described in
// spec.md §4.2 (C2): a ParamSpec declares required/default/domain rules
// per kind; a ParamInstance binds raw values and stays "unvalidated" until
// Validate succeeds, mirroring the teacher's config.Duration pattern of a
// custom-decoded wrapper type that still needs an explicit validation pass.
package paramspec

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Kind enumerates the parameter value shapes spec.md §3 names.
type Kind string

const (
	KindNumber     Kind = "number"
	KindString     Kind = "string"
	KindBoolean    Kind = "boolean"
	KindMapping    Kind = "mapping"
	KindAny        Kind = "any"
	KindPosition   Kind = "position"
	KindEntityName Kind = "entity_name"
	KindRecipe     Kind = "recipe"
	KindItemStack  Kind = "item_stack"
)

// Position is the {x,y} pair the "position" kind requires.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ItemStackEntry is one element of an "item_stack" ordered sequence.
// Count holds either a plain number or one of the "MAX"/"FULL-STACK"/
// "HALF-STACK" sentinels; RawCount is populated for the sentinel case.
type ItemStackEntry struct {
	Name     string
	Count    float64
	RawCount string
}

// Domain is a pure predicate over an already-kind-checked value; it
// returns a message on rejection.
type Domain func(value any) (ok bool, message string)

// Spec declares one parameter.
type Spec struct {
	Name     string
	Kind     Kind
	Required bool
	Default  any
	Domain   Domain
}

// PrototypeCatalog resolves whether names are known to the live world —
// used by the entity_name and recipe kinds. The game-state facade (C6)
// implements this for production use; tests supply a fake.
type PrototypeCatalog interface {
	HasEntity(name string) bool
	HasRecipeForForce(recipe, force string) bool
}

// Instance carries a params map through the unvalidated -> validated
// lifecycle. Accessing Get before a successful Validate is an error,
// enforcing spec.md §4.2's "run() refuses to execute an unvalidated
// instance" invariant.
type Instance struct {
	specs     []Spec
	values    map[string]any
	validated bool
}

// ValidationError reports the first failing parameter; spec.md §4.3/§7
// treats the first validator/domain failure as authoritative.
type ValidationError struct {
	Param   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Param, e.Message, e.Code)
}

// FromMapping builds an unvalidated instance from an already-decoded map,
// spec.md §4.2's from_table.
func FromMapping(specs []Spec, m map[string]any) *Instance {
	values := make(map[string]any, len(m))
	for k, v := range m {
		values[k] = v
	}
	return &Instance{specs: specs, values: values}
}

// FromJSON decodes a JSON object into an unvalidated instance, spec.md
// §4.2's from_json. On decode failure it uses gjson to opportunistically
// recover an agent_id so the resulting error envelope can still be
// correlated to an agent even though structured decode failed.
func FromJSON(specs []Spec, raw []byte) (*Instance, string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		agentID := gjson.GetBytes(raw, "agent_id").String()
		return nil, agentID, fmt.Errorf("decode params: %w", err)
	}
	return FromMapping(specs, m), "", nil
}

// Validate enforces required/default/kind/domain rules in spec declaration
// order, stopping at the first failure (spec.md §4.2/§4.3).
func (inst *Instance) Validate(catalog PrototypeCatalog, force string) error {
	for _, s := range inst.specs {
		v, present := inst.values[s.Name]
		if !present {
			if s.Required {
				return &ValidationError{Param: s.Name, Code: "MISSING_PARAM", Message: "required parameter missing"}
			}
			inst.values[s.Name] = s.Default
			continue
		}

		checked, err := checkKind(s.Kind, v, catalog, force)
		if err != nil {
			return &ValidationError{Param: s.Name, Code: "TYPE_MISMATCH", Message: err.Error()}
		}
		inst.values[s.Name] = checked

		if s.Domain != nil {
			if ok, msg := s.Domain(checked); !ok {
				return &ValidationError{Param: s.Name, Code: "DOMAIN_VIOLATION", Message: msg}
			}
		}
	}
	inst.validated = true
	return nil
}

// Get returns a validated field's value. It panics on programmer error
// (unvalidated access) rather than returning a silent zero value, mirroring
// spec.md's "accessing a field before validation is an error" invariant —
// callers must always Validate before Get.
func (inst *Instance) Get(name string) any {
	if !inst.validated {
		panic(fmt.Sprintf("paramspec: Get(%q) before Validate", name))
	}
	return inst.values[name]
}

// Validated reports whether Validate has succeeded.
func (inst *Instance) Validated() bool {
	return inst.validated
}

// Values returns a shallow copy of the instance's bound values keyed by
// parameter name, defaults applied. Unlike Get it does not require a prior
// Validate — callers that need the decoded params regardless of call form
// (e.g. feeding the C3 validator chain before a required field is missing)
// use this instead of re-deriving the mapping from the original raw value.
func (inst *Instance) Values() map[string]any {
	out := make(map[string]any, len(inst.values))
	for k, v := range inst.values {
		out[k] = v
	}
	return out
}

// MarkDirty re-opens the instance for re-validation after a field is
// mutated in place, per spec.md §4.2 ("values are re-markable dirty on
// mutation").
func (inst *Instance) MarkDirty() {
	inst.validated = false
}

func checkKind(kind Kind, v any, catalog PrototypeCatalog, force string) (any, error) {
	switch kind {
	case KindNumber:
		return asFloat(v)
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", v)
		}
		return b, nil
	case KindMapping:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected mapping, got %T", v)
		}
		return m, nil
	case KindAny:
		return v, nil
	case KindPosition:
		return asPosition(v)
	case KindEntityName:
		name, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected entity_name string, got %T", v)
		}
		if catalog != nil && !catalog.HasEntity(name) {
			return nil, fmt.Errorf("unknown entity %q", name)
		}
		return name, nil
	case KindRecipe:
		name, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected recipe string, got %T", v)
		}
		if catalog != nil && !catalog.HasRecipeForForce(name, force) {
			return nil, fmt.Errorf("recipe %q not enabled for force %q", name, force)
		}
		return name, nil
	case KindItemStack:
		return asItemStack(v)
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func asPosition(v any) (Position, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Position{}, fmt.Errorf("expected position mapping, got %T", v)
	}
	x, okX := m["x"]
	y, okY := m["y"]
	if !okX || !okY {
		return Position{}, fmt.Errorf("position requires x and y")
	}
	fx, err := asFloat(x)
	if err != nil {
		return Position{}, fmt.Errorf("position.x: %w", err)
	}
	fy, err := asFloat(y)
	if err != nil {
		return Position{}, fmt.Errorf("position.y: %w", err)
	}
	return Position{X: fx, Y: fy}, nil
}

var sentinelCounts = map[string]bool{"MAX": true, "FULL-STACK": true, "HALF-STACK": true}

func asItemStack(v any) ([]ItemStackEntry, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected item_stack sequence, got %T", v)
	}
	out := make([]ItemStackEntry, 0, len(items))
	for i, raw := range items {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item_stack[%d]: expected mapping, got %T", i, raw)
		}
		name, ok := m["name"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("item_stack[%d]: missing name", i)
		}
		entry := ItemStackEntry{Name: name}
		switch c := m["count"].(type) {
		case string:
			if !sentinelCounts[c] {
				return nil, fmt.Errorf("item_stack[%d]: unknown count sentinel %q", i, c)
			}
			entry.RawCount = c
		default:
			f, err := asFloat(c)
			if err != nil {
				return nil, fmt.Errorf("item_stack[%d].count: %w", i, err)
			}
			entry.Count = f
		}
		out = append(out, entry)
	}
	return out, nil
}
