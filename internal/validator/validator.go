// Package validator implements the per-action-name validator registry
// (spec.md §4.3, C3): an ordered list of pure predicates keyed by an exact
// action name or a glob (e.g. "agent.*"); the first failure short-circuits
// the chain.
package validator

import (
	"fmt"
	"path"
)

// Predicate is a pure check over decoded params. It returns (true, "") on
// success or (false, message) on rejection.
type Predicate func(params map[string]any) (bool, string)

// Registry holds validators keyed by exact name or glob pattern.
type Registry struct {
	byKey map[string][]Predicate
	order []string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string][]Predicate)}
}

// Register appends a validator under the given key (exact action name or a
// path.Match-style glob such as "entity.*"). Registration order is
// preserved within a key and across keys for stable output.
func (r *Registry) Register(key string, p Predicate) {
	if _, seen := r.byKey[key]; !seen {
		r.order = append(r.order, key)
	}
	r.byKey[key] = append(r.byKey[key], p)
}

// GetValidations returns every validator whose key exactly matches name or
// globs against it, preserving registration order across keys — spec.md's
// "get_validations(name)".
func (r *Registry) GetValidations(name string) []Predicate {
	var out []Predicate
	for _, key := range r.order {
		if key == name || matchesGlob(key, name) {
			out = append(out, r.byKey[key]...)
		}
	}
	return out
}

func matchesGlob(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// Run executes all validators registered against name, stopping at (and
// returning) the first failure.
func (r *Registry) Run(name string, params map[string]any) error {
	for _, p := range r.GetValidations(name) {
		ok, msg := p(params)
		if !ok {
			if msg == "" {
				msg = fmt.Sprintf("validator rejected %s", name)
			}
			return fmt.Errorf("%s", msg)
		}
	}
	return nil
}
