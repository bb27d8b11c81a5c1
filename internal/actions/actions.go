// Package actions registers the agent intent surface (spec.md §4.4/§6.4,
// C4) against the concrete job engines: each action.Action's Run closure
// captures a job engine and translates a validated paramspec.Instance into
// that engine's Start/Enqueue/Cancel call, mirroring the teacher's pattern
// of binding the action registry at wiring time rather than inside the
// engines themselves.
package actions

import (
	"context"
	"encoding/json"

	"github.com/antigravity-dev/factoryverse/internal/action"
	"github.com/antigravity-dev/factoryverse/internal/craftjob"
	"github.com/antigravity-dev/factoryverse/internal/envelope"
	"github.com/antigravity-dev/factoryverse/internal/minejob"
	"github.com/antigravity-dev/factoryverse/internal/paramspec"
	"github.com/antigravity-dev/factoryverse/internal/walkjob"
	"github.com/antigravity-dev/factoryverse/internal/world"
)

// Engines bundles the job engines the registered actions dispatch into.
type Engines struct {
	World *world.Facade
	Walk  *walkjob.Engine
	Mine  *minejob.Engine
	Craft *craftjob.Engine
}

// Defaults carries the spec-mandated per-parameter defaults for
// agent.walk_to and mine_resource that config.Walk/config.Mine compute
// (SPEC_FULL.md §0.2) — kept as a small struct here rather than importing
// the config package directly, so actions stays a leaf package wired only
// to the job engines it dispatches into.
type Defaults struct {
	// PreferCardinal selects walkjob's Manhattan-biased octant formula
	// (spec.md:143, "Manhattan-biased (default)") when true.
	PreferCardinal bool
	// Emulate selects minejob's emulated-mining path (spec.md:158,
	// "emulate (default true)") when true.
	Emulate bool
}

// DefaultDefaults returns the spec.md-mandated literal defaults, for
// callers with no config.Config on hand (tests, ad-hoc registries).
func DefaultDefaults() Defaults {
	return Defaults{PreferCardinal: true, Emulate: true}
}

// Register loads every agent.* action from spec.md §6.4 into reg, using
// defaults for the parameters whose spec-mandated default isn't simply the
// kind's zero value.
func Register(reg *action.Registry, eng Engines, defaults Defaults) error {
	for _, a := range []*action.Action{
		walkAction(eng),
		walkToAction(eng, defaults),
		mineResourceAction(eng, defaults),
		craftEnqueueAction(eng),
		craftCancelAction(eng),
	} {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

func asAgentID(v any) world.AgentID {
	f, _ := v.(float64)
	return world.AgentID(uint64(f))
}

func asInt(v any, fallback int) int {
	f, ok := v.(float64)
	if !ok {
		return fallback
	}
	return int(f)
}

var directionDomain = func(v any) (bool, string) {
	switch v.(string) {
	case "n", "ne", "e", "se", "s", "sw", "w", "nw":
		return true, ""
	default:
		return false, "direction must be one of n,ne,e,se,s,sw,w,nw"
	}
}

// walkAction implements agent.walk: an immediate (non-job) one-tick
// walking-state command — spec.md §6.4: "{agent_id, direction, walking?,
// ticks?}".
func walkAction(eng Engines) *action.Action {
	return &action.Action{
		Name: "agent.walk",
		Specs: []paramspec.Spec{
			{Name: "agent_id", Kind: paramspec.KindNumber, Required: true},
			{Name: "direction", Kind: paramspec.KindString, Required: true, Domain: directionDomain},
			{Name: "walking", Kind: paramspec.KindBoolean, Required: false, Default: true},
			{Name: "ticks", Kind: paramspec.KindNumber, Required: false, Default: float64(0)},
		},
		Run: func(ctx context.Context, tick int64, params *paramspec.Instance) *action.Outcome {
			agentID := asAgentID(params.Get("agent_id"))
			direction, _ := params.Get("direction").(string)
			walking, _ := params.Get("walking").(bool)

			if _, ok := eng.World.Agent(agentID); !ok {
				return &action.Outcome{Result: envelope.Fail(tick, envelope.CategoryAgent, "UNKNOWN_AGENT", "agent not found").WithAgent(uint64(agentID))}
			}

			eng.World.SetWalking(agentID, walking, direction)
			return &action.Outcome{Result: envelope.Ack(tick, map[string]any{
				"walking":   walking,
				"direction": direction,
			}).WithAgent(uint64(agentID))}
		},
	}
}

// walkToAction implements agent.walk_to: the async path-following job
// (C7), started through walkjob.Engine.Start so its terminal state is
// reported via CompletionFunc/C12.
func walkToAction(eng Engines, defaults Defaults) *action.Action {
	return &action.Action{
		Name: "agent.walk_to",
		Specs: []paramspec.Spec{
			{Name: "agent_id", Kind: paramspec.KindNumber, Required: true},
			{Name: "goal", Kind: paramspec.KindPosition, Required: true},
			{Name: "arrive_radius", Kind: paramspec.KindNumber, Required: false, Default: float64(0)},
			{Name: "lookahead", Kind: paramspec.KindNumber, Required: false, Default: float64(0)},
			{Name: "replan_on_stuck", Kind: paramspec.KindBoolean, Required: false, Default: false},
			{Name: "max_replans", Kind: paramspec.KindNumber, Required: false, Default: float64(0)},
			{Name: "prefer_cardinal", Kind: paramspec.KindBoolean, Required: false, Default: defaults.PreferCardinal},
			{Name: "diag_band", Kind: paramspec.KindNumber, Required: false, Default: float64(0)},
			{Name: "snap_axis_eps", Kind: paramspec.KindNumber, Required: false, Default: float64(0)},
		},
		Run: func(ctx context.Context, tick int64, params *paramspec.Instance) *action.Outcome {
			agentID := asAgentID(params.Get("agent_id"))
			if _, ok := eng.World.Agent(agentID); !ok {
				return &action.Outcome{Result: envelope.Fail(tick, envelope.CategoryAgent, "UNKNOWN_AGENT", "agent not found").WithAgent(uint64(agentID))}
			}
			goal, _ := params.Get("goal").(paramspec.Position)

			opts := walkjob.Options{
				ArriveRadius:   numOrZero(params.Get("arrive_radius")),
				Lookahead:      asInt(params.Get("lookahead"), 0),
				ReplanOnStuck:  boolOrFalse(params.Get("replan_on_stuck")),
				MaxReplans:     asInt(params.Get("max_replans"), 0),
				PreferCardinal: boolOrFalse(params.Get("prefer_cardinal")),
				DiagBand:       numOrZero(params.Get("diag_band")),
				SnapAxisEps:    numOrZero(params.Get("snap_axis_eps")),
			}

			result := eng.Walk.Start(agentID, goal, opts, tick)
			return &action.Outcome{Result: result}
		},
	}
}

// mineResourceAction implements mine_resource (registered as
// agent.mine_resource for the hierarchical action-name convention spec.md
// §3 describes): the async mining job (C8).
func mineResourceAction(eng Engines, defaults Defaults) *action.Action {
	return &action.Action{
		Name: "agent.mine_resource",
		Specs: []paramspec.Spec{
			{Name: "agent_id", Kind: paramspec.KindNumber, Required: true},
			{Name: "x", Kind: paramspec.KindNumber, Required: true},
			{Name: "y", Kind: paramspec.KindNumber, Required: true},
			{Name: "resource_name", Kind: paramspec.KindEntityName, Required: true},
			{Name: "min_count", Kind: paramspec.KindNumber, Required: false, Default: float64(1)},
			{Name: "walk_if_unreachable", Kind: paramspec.KindBoolean, Required: false, Default: false},
			{Name: "emulate", Kind: paramspec.KindBoolean, Required: false, Default: defaults.Emulate},
		},
		Run: func(ctx context.Context, tick int64, params *paramspec.Instance) *action.Outcome {
			agentID := asAgentID(params.Get("agent_id"))
			if _, ok := eng.World.Agent(agentID); !ok {
				return &action.Outcome{Result: envelope.Fail(tick, envelope.CategoryAgent, "UNKNOWN_AGENT", "agent not found").WithAgent(uint64(agentID))}
			}

			target := paramspec.Position{X: numOrZero(params.Get("x")), Y: numOrZero(params.Get("y"))}
			resourceName, _ := params.Get("resource_name").(string)

			opts := minejob.Options{
				Target:            target,
				ResourceName:      resourceName,
				MinCount:          asInt(params.Get("min_count"), 1),
				WalkIfUnreachable: boolOrFalse(params.Get("walk_if_unreachable")),
				Emulate:           boolOrFalse(params.Get("emulate")),
			}

			result := eng.Mine.Start(agentID, opts)
			return &action.Outcome{Result: result}
		},
	}
}

// craftEnqueueAction implements agent.crafting.enqueue (C9 step 1-7).
func craftEnqueueAction(eng Engines) *action.Action {
	return &action.Action{
		Name: "agent.crafting.enqueue",
		Specs: []paramspec.Spec{
			{Name: "agent_id", Kind: paramspec.KindNumber, Required: true},
			{Name: "recipe", Kind: paramspec.KindRecipe, Required: true},
			{Name: "count", Kind: paramspec.KindNumber, Required: false, Default: float64(1)},
		},
		Run: func(ctx context.Context, tick int64, params *paramspec.Instance) *action.Outcome {
			agentID := asAgentID(params.Get("agent_id"))
			agent, ok := eng.World.Agent(agentID)
			if !ok {
				return &action.Outcome{Result: envelope.Fail(tick, envelope.CategoryAgent, "UNKNOWN_AGENT", "agent not found").WithAgent(uint64(agentID))}
			}
			recipe, _ := params.Get("recipe").(string)
			count := asInt(params.Get("count"), 1)

			result := eng.Craft.Enqueue(tick, agentID, agent.Force, recipe, count)
			return &action.Outcome{Result: result}
		},
	}
}

// craftCancelAction implements agent.crafting.cancel (C9's cancel
// operation, with partial accounting).
func craftCancelAction(eng Engines) *action.Action {
	return &action.Action{
		Name: "agent.crafting.cancel",
		Specs: []paramspec.Spec{
			{Name: "agent_id", Kind: paramspec.KindNumber, Required: true},
			{Name: "recipe", Kind: paramspec.KindRecipe, Required: true},
			{Name: "count", Kind: paramspec.KindNumber, Required: false, Default: float64(0)},
		},
		Run: func(ctx context.Context, tick int64, params *paramspec.Instance) *action.Outcome {
			agentID := asAgentID(params.Get("agent_id"))
			recipe, _ := params.Get("recipe").(string)
			count := asInt(params.Get("count"), 0)

			result := eng.Craft.Cancel(tick, agentID, recipe, count)
			return &action.Outcome{Result: result}
		},
	}
}

// Schemas returns a JSON Schema document per action name, suitable for
// admin.Config.Schemas: a shape-level pre-check the admin HTTP surface runs
// ahead of paramspec validation, so a malformed request body (wrong JSON
// type, missing nested field) is rejected with a schema-validation message
// before it ever reaches the registry's validator chain.
func Schemas() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		"agent.walk_to":          json.RawMessage(`{"type":"object","required":["agent_id","goal"],"properties":{"agent_id":{"type":"number"},"goal":{"type":"object","required":["x","y"],"properties":{"x":{"type":"number"},"y":{"type":"number"}}},"arrive_radius":{"type":"number"},"lookahead":{"type":"number"},"replan_on_stuck":{"type":"boolean"},"max_replans":{"type":"number"},"prefer_cardinal":{"type":"boolean"},"diag_band":{"type":"number"},"snap_axis_eps":{"type":"number"}}}`),
		"agent.mine_resource":    json.RawMessage(`{"type":"object","required":["agent_id","x","y","resource_name"],"properties":{"agent_id":{"type":"number"},"x":{"type":"number"},"y":{"type":"number"},"resource_name":{"type":"string"},"min_count":{"type":"number"},"walk_if_unreachable":{"type":"boolean"},"emulate":{"type":"boolean"}}}`),
		"agent.crafting.enqueue": json.RawMessage(`{"type":"object","required":["agent_id","recipe"],"properties":{"agent_id":{"type":"number"},"recipe":{"type":"string"},"count":{"type":"number"}}}`),
		"agent.crafting.cancel":  json.RawMessage(`{"type":"object","required":["agent_id","recipe"],"properties":{"agent_id":{"type":"number"},"recipe":{"type":"string"},"count":{"type":"number"}}}`),
	}
}

func numOrZero(v any) float64 {
	f, _ := v.(float64)
	return f
}

func boolOrFalse(v any) bool {
	b, _ := v.(bool)
	return b
}
