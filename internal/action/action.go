// Package action implements the action registry and run lifecycle
// (spec.md §4.4, C4): load-time registration of named actions, each
// carrying a ParamSpec and a chain of validators, invoked through a single
// pre_run -> body -> post_run pipeline, with per-event-id handler fan-out
// isolating individual handler failures (spec.md §9's "explicit event bus"
// redesign note).
package action

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/antigravity-dev/factoryverse/internal/envelope"
	"github.com/antigravity-dev/factoryverse/internal/paramspec"
	"github.com/antigravity-dev/factoryverse/internal/validator"
)

// AffectedPosition names one post-run snapshot touch-point: a row at
// Position keyed by EntityName (and optional EntityType) that the
// snapshot layer (C10) should refresh or delete.
type AffectedPosition struct {
	Position   paramspec.Position
	EntityName string
	EntityType string
}

// Outcome is what an action body returns to the pipeline: the envelope
// plus the set of snapshot touch-points spec.md §4.4 step 3 requires.
type Outcome struct {
	Result            *envelope.Result
	AffectedPositions []AffectedPosition
	RemovedPositions  []AffectedPosition
}

// Body is the action's own logic, run only after validation succeeds.
type Body func(ctx context.Context, tick int64, params *paramspec.Instance) *Outcome

// Action is one named, registered action.
type Action struct {
	Name   string
	Specs  []paramspec.Spec
	Run    Body
	Events map[string][]EventHandler
}

// EventHandler reacts to a named lifecycle event an action publishes
// (e.g. a job engine's "craft.completed"). Handlers are isolated from one
// another: one handler's error is logged and does not block the rest.
type EventHandler func(ctx context.Context, payload any) error

// SnapshotUpdater is the C10 contract the post-run pipeline step calls
// into; kept as an interface here so action has no import-time dependency
// on the concrete snapshot package.
type SnapshotUpdater interface {
	UpdateEntity(pos paramspec.Position, entityName, entityType string)
	RemoveEntity(pos paramspec.Position, entityName string)
}

// Registry is the load-time action table: name -> invoker, validators
// attached from C3, and aggregated per-event handler lists.
type Registry struct {
	actions    map[string]*Action
	validators *validator.Registry
	snapshot   SnapshotUpdater
	logger     *slog.Logger
	events     map[string][]EventHandler
}

// NewRegistry constructs an empty registry. snapshot may be nil in tests
// that don't exercise post-run snapshot refresh.
func NewRegistry(validators *validator.Registry, snapshot SnapshotUpdater, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		actions:    make(map[string]*Action),
		validators: validators,
		snapshot:   snapshot,
		logger:     logger,
		events:     make(map[string][]EventHandler),
	}
}

// Register loads one action, collecting its declared events into the
// registry-wide per-event-id handler lists.
func (r *Registry) Register(a *Action) error {
	if _, exists := r.actions[a.Name]; exists {
		return fmt.Errorf("action %q already registered", a.Name)
	}
	r.actions[a.Name] = a
	for id, handlers := range a.Events {
		r.events[id] = append(r.events[id], handlers...)
	}
	return nil
}

// Has reports whether name is a known action.
func (r *Registry) Has(name string) bool {
	_, ok := r.actions[name]
	return ok
}

// Invoker returns the canonical invoke function for name, or nil if
// unregistered — spec.md's `invoker(name) -> function(params)`.
func (r *Registry) Invoker(name string) func(ctx context.Context, tick int64, rawParams any, catalog paramspec.PrototypeCatalog, force string) *envelope.Result {
	a, ok := r.actions[name]
	if !ok {
		return nil
	}
	return func(ctx context.Context, tick int64, rawParams any, catalog paramspec.PrototypeCatalog, force string) *envelope.Result {
		return r.invoke(ctx, a, tick, rawParams, catalog, force)
	}
}

// Invoke runs the full pre_run -> body -> post_run pipeline for a
// registered action name, returning VALIDATION category results for
// unknown actions, decode failures, or validator/domain rejections.
func (r *Registry) Invoke(ctx context.Context, name string, tick int64, rawParams any, catalog paramspec.PrototypeCatalog, force string) *envelope.Result {
	a, ok := r.actions[name]
	if !ok {
		return envelope.Fail(tick, envelope.CategoryValidation, "UNKNOWN_ACTION", fmt.Sprintf("no action registered as %q", name))
	}
	return r.invoke(ctx, a, tick, rawParams, catalog, force)
}

func (r *Registry) invoke(ctx context.Context, a *Action, tick int64, rawParams any, catalog paramspec.PrototypeCatalog, force string) *envelope.Result {
	inst, err := r.preRun(a, rawParams, catalog, force)
	if err != nil {
		return envelope.Fail(tick, envelope.CategoryValidation, "INVALID_PARAMS", err.Error())
	}

	outcome := a.Run(ctx, tick, inst)
	if outcome == nil || outcome.Result == nil {
		return envelope.Fail(tick, envelope.CategoryEngine, "NO_RESULT", fmt.Sprintf("action %q returned no result", a.Name))
	}

	r.postRun(outcome)
	return outcome.Result
}

// preRun normalizes raw params (string JSON or decoded mapping) into a
// ParamInstance, validates it, then runs the C3 validator chain —
// spec.md §4.4 step 1.
func (r *Registry) preRun(a *Action, rawParams any, catalog paramspec.PrototypeCatalog, force string) (*paramspec.Instance, error) {
	var inst *paramspec.Instance

	switch p := rawParams.(type) {
	case string:
		decoded, _, err := paramspec.FromJSON(a.Specs, []byte(p))
		if err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		inst = decoded
	case map[string]any:
		inst = paramspec.FromMapping(a.Specs, p)
	case nil:
		inst = paramspec.FromMapping(a.Specs, map[string]any{})
	default:
		return nil, fmt.Errorf("unsupported params type %T", rawParams)
	}

	if err := inst.Validate(catalog, force); err != nil {
		return nil, err
	}

	if r.validators != nil {
		if err := r.validators.Run(a.Name, inst.Values()); err != nil {
			return nil, err
		}
	}

	return inst, nil
}

// postRun refreshes/removes snapshot rows for every touch-point the action
// body reported — spec.md §4.4 step 3.
func (r *Registry) postRun(outcome *Outcome) {
	if r.snapshot == nil {
		return
	}
	for _, ap := range outcome.AffectedPositions {
		r.snapshot.UpdateEntity(ap.Position, ap.EntityName, ap.EntityType)
	}
	for _, rp := range outcome.RemovedPositions {
		r.snapshot.RemoveEntity(rp.Position, rp.EntityName)
	}
}

// Dispatch fans an event out to every handler registered for id, in
// registration order, isolating each handler's failure — spec.md §9.
func (r *Registry) Dispatch(ctx context.Context, id string, payload any) {
	for _, h := range r.events[id] {
		if err := h(ctx, payload); err != nil {
			r.logger.Warn("action event handler failed", "event", id, "error", err)
		}
	}
}

// Events returns the aggregated handler count for an event id, mainly for
// tests asserting fan-out wiring.
func (r *Registry) Events(id string) int {
	return len(r.events[id])
}
