package actions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/antigravity-dev/factoryverse/internal/action"
	"github.com/antigravity-dev/factoryverse/internal/craftjob"
	"github.com/antigravity-dev/factoryverse/internal/envelope"
	"github.com/antigravity-dev/factoryverse/internal/minejob"
	"github.com/antigravity-dev/factoryverse/internal/paramspec"
	"github.com/antigravity-dev/factoryverse/internal/walkjob"
	"github.com/antigravity-dev/factoryverse/internal/world"
)

type fakeCatalog struct{}

func (fakeCatalog) HasEntity(name string) bool                 { return true }
func (fakeCatalog) HasRecipeForForce(recipe, force string) bool { return true }

func newTestEngines(fake *world.Fake) Engines {
	wf := world.New(fake)
	walk := walkjob.New(wf, nil, nil)
	mine := minejob.New(wf, walk, nil, nil)
	craft := craftjob.New(wf, nil)
	return Engines{World: wf, Walk: walk, Mine: mine, Craft: craft}
}

func newTestRegistry(eng Engines) (*action.Registry, error) {
	reg := action.NewRegistry(nil, nil, nil)
	return reg, Register(reg, eng, DefaultDefaults())
}

func specDefault(specs []paramspec.Spec, name string) any {
	for _, s := range specs {
		if s.Name == name {
			return s.Default
		}
	}
	return nil
}

// spec.md:143 ("Manhattan-biased (default)") and spec.md:158 ("emulate
// (default true)") — the literal ParamSpec default must reflect whatever
// Defaults the caller wires in, not a hardcoded false.
func TestWalkToAndMineResourceDefaultsFollowWiredDefaults(t *testing.T) {
	eng := newTestEngines(world.NewFake())

	withSpecDefaults := walkToAction(eng, Defaults{PreferCardinal: true})
	if v := specDefault(withSpecDefaults.Specs, "prefer_cardinal"); v != true {
		t.Fatalf("expected prefer_cardinal default true when Defaults.PreferCardinal is true, got %#v", v)
	}
	withoutSpecDefaults := walkToAction(eng, Defaults{PreferCardinal: false})
	if v := specDefault(withoutSpecDefaults.Specs, "prefer_cardinal"); v != false {
		t.Fatalf("expected prefer_cardinal default false when Defaults.PreferCardinal is false, got %#v", v)
	}

	mine := mineResourceAction(eng, Defaults{Emulate: true})
	if v := specDefault(mine.Specs, "emulate"); v != true {
		t.Fatalf("expected emulate default true when Defaults.Emulate is true, got %#v", v)
	}

	if d := DefaultDefaults(); !d.PreferCardinal || !d.Emulate {
		t.Fatalf("expected DefaultDefaults to match spec.md's stated defaults, got %+v", d)
	}
}

func TestWalkActionSetsWalkingState(t *testing.T) {
	fake := world.NewFake()
	fake.PutAgent(world.Agent{ID: 1, Valid: true, Position: paramspec.Position{X: 0, Y: 0}})
	eng := newTestEngines(fake)
	reg, err := newTestRegistry(eng)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	result := reg.Invoke(context.Background(), "agent.walk", 1, map[string]any{
		"agent_id": float64(1), "direction": "e", "walking": true,
	}, fakeCatalog{}, "player")
	if !result.Ok {
		t.Fatalf("expected ok result, got %+v", result)
	}

	a, _ := fake.Agent(1)
	if !a.Walking || a.WalkDirection != "e" {
		t.Fatalf("expected agent walking east, got %+v", a)
	}
}

func TestWalkActionUnknownAgentIsAgentCategory(t *testing.T) {
	fake := world.NewFake()
	eng := newTestEngines(fake)
	reg, err := newTestRegistry(eng)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	result := reg.Invoke(context.Background(), "agent.walk", 1, map[string]any{
		"agent_id": float64(99), "direction": "n",
	}, fakeCatalog{}, "player")
	if result.Ok || result.Category != envelope.CategoryAgent {
		t.Fatalf("expected AGENT category failure, got %+v", result)
	}
}

func TestWalkToActionQueuesAsyncJob(t *testing.T) {
	fake := world.NewFake()
	fake.PutAgent(world.Agent{ID: 1, Valid: true, Position: paramspec.Position{X: 0, Y: 0}})
	eng := newTestEngines(fake)
	reg, err := newTestRegistry(eng)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	result := reg.Invoke(context.Background(), "agent.walk_to", 5, map[string]any{
		"agent_id": float64(1),
		"goal":     map[string]any{"x": float64(10), "y": float64(0)},
	}, fakeCatalog{}, "player")
	if !result.Ok || !result.Queued || result.ActionID == "" {
		t.Fatalf("expected queued result with an action id, got %+v", result)
	}
	if !eng.Walk.Active(1) {
		t.Fatalf("expected an active walk job for agent 1")
	}
}

func TestMineResourceActionStartsJob(t *testing.T) {
	fake := world.NewFake()
	fake.PutAgent(world.Agent{ID: 1, Valid: true, Position: paramspec.Position{X: 0, Y: 0}})
	fake.PutEntity(world.Entity{Position: paramspec.Position{X: 2, Y: 0}, Name: "iron-ore", Kind: "resource", MineableProducts: map[string]int{"iron-ore": 1}})
	eng := newTestEngines(fake)
	reg, err := newTestRegistry(eng)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	result := reg.Invoke(context.Background(), "agent.mine_resource", 0, map[string]any{
		"agent_id": float64(1), "x": float64(2), "y": float64(0),
		"resource_name": "iron-ore", "min_count": float64(5), "emulate": true,
	}, fakeCatalog{}, "player")
	if !result.Ok {
		t.Fatalf("expected ok result, got %+v", result)
	}
	if !eng.Mine.Active(1) {
		t.Fatalf("expected an active mine job for agent 1")
	}
}

func TestCraftEnqueueRejectsWhenNotCraftable(t *testing.T) {
	fake := world.NewFake()
	fake.PutAgent(world.Agent{ID: 1, Valid: true, Force: "player"})
	eng := newTestEngines(fake)
	reg, err := newTestRegistry(eng)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	result := reg.Invoke(context.Background(), "agent.crafting.enqueue", 0, map[string]any{
		"agent_id": float64(1), "recipe": "iron-gear-wheel", "count": float64(3),
	}, fakeCatalog{}, "player")
	if result.Ok || result.Category != envelope.CategoryResource {
		t.Fatalf("expected RESOURCE category failure when craftable_count is zero, got %+v", result)
	}
}

func TestCraftEnqueueThenCancelRoundTrip(t *testing.T) {
	fake := world.NewFake()
	fake.PutAgent(world.Agent{ID: 1, Valid: true, Force: "player"})
	fake.SetCraftable(1, "iron-gear-wheel", 3)
	fake.SetRecipeProducts("iron-gear-wheel", map[string]int{"iron-gear-wheel": 1})
	eng := newTestEngines(fake)
	reg, err := newTestRegistry(eng)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	enqueued := reg.Invoke(context.Background(), "agent.crafting.enqueue", 10, map[string]any{
		"agent_id": float64(1), "recipe": "iron-gear-wheel", "count": float64(3),
	}, fakeCatalog{}, "player")
	if !enqueued.Ok || !enqueued.Queued {
		t.Fatalf("expected queued enqueue result, got %+v", enqueued)
	}

	cancelled := reg.Invoke(context.Background(), "agent.crafting.cancel", 11, map[string]any{
		"agent_id": float64(1), "recipe": "iron-gear-wheel",
	}, fakeCatalog{}, "player")
	if !cancelled.Ok {
		t.Fatalf("expected ok cancel result, got %+v", cancelled)
	}
}

func TestSchemasCompileAndAcceptTheirOwnShape(t *testing.T) {
	samples := map[string]string{
		"agent.walk_to":          `{"agent_id":1,"goal":{"x":1,"y":2}}`,
		"agent.mine_resource":    `{"agent_id":1,"x":1,"y":2,"resource_name":"iron-ore"}`,
		"agent.crafting.enqueue": `{"agent_id":1,"recipe":"iron-gear-wheel","count":2}`,
		"agent.crafting.cancel":  `{"agent_id":1,"recipe":"iron-gear-wheel"}`,
	}

	schemas := Schemas()
	if len(schemas) != len(samples) {
		t.Fatalf("expected a schema for every registered action, got %d schemas", len(schemas))
	}

	for name, sampleRaw := range samples {
		raw, ok := schemas[name]
		if !ok {
			t.Fatalf("missing schema for %s", name)
		}

		var schemaDoc any
		if err := json.Unmarshal(raw, &schemaDoc); err != nil {
			t.Fatalf("%s: schema is not valid JSON: %v", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name+".schema.json", schemaDoc); err != nil {
			t.Fatalf("%s: add resource: %v", name, err)
		}
		compiled, err := c.Compile(name + ".schema.json")
		if err != nil {
			t.Fatalf("%s: compile: %v", name, err)
		}

		var sample any
		if err := json.Unmarshal([]byte(sampleRaw), &sample); err != nil {
			t.Fatalf("%s: sample is not valid JSON: %v", name, err)
		}
		if err := compiled.Validate(sample); err != nil {
			t.Fatalf("%s: schema rejected its own valid sample: %v", name, err)
		}
	}
}
