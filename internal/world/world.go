// Package world is the game-state facade (spec.md §4.6, C6): a thin,
// side-effect-free read/command model over the host simulation engine.
// It caches nothing mutable — callers always see live state — and is the
// sole contract the job engines (C7/C8/C9) and snapshot layer (C10) use to
// reach the host.
package world

import (
	"math"
	"sort"

	"github.com/antigravity-dev/factoryverse/internal/paramspec"
)

// AgentID is the stable per-agent identifier spec.md §3 requires.
type AgentID uint64

// Agent is the live read model for one agent's character actor.
type Agent struct {
	ID            AgentID
	Force         string
	Position      paramspec.Position
	Inventory     map[string]int
	SelectedEntity string
	Walking       bool
	WalkDirection string
	Mining        bool
	Valid         bool
}

// Entity is the live read model for one world entity.
type Entity struct {
	Position         paramspec.Position
	Name             string
	Kind             string // "resource", "assembler", "furnace", ...
	Health           float64
	Depleted         bool
	MineableProducts map[string]int
	RequiresFluid    bool
	MiningTimeSec    float64

	// The fields below feed the snapshot layer's per-category Row.Extra
	// detail (spec.md §4.10's categorization rules); a host adapter
	// populates whichever of these apply to this entity's kind, zero
	// value otherwise.
	Recipe                string              // crafters: assigned recipe
	Orientation           float64             // direction/orientation, radians
	PickupPosition        *paramspec.Position // inserters
	DropPosition          *paramspec.Position // inserters
	TargetUnit            string              // inserters: drop-target unit id
	ItemLines             []string            // belts: per-lane contents, by index
	NeighbourInputs       []string            // belts: upstream neighbour unit ids
	NeighbourOutputs      []string            // belts: downstream neighbour unit ids
	UndergroundType       string              // underground belts: "input"|"output"
	PairedUnit            string              // underground belts: paired entity's unit id
	FluidNeighbourInputs  []string            // pipes: positive-side fluidbox neighbours
	FluidNeighbourOutputs []string            // pipes: negative-side fluidbox neighbours
}

// PathResponse correlates to a walk job's pending path request by ReqID;
// spec.md §4.7 treats duplicate/late deliveries as idempotent by this id.
type PathResponse struct {
	ReqID     string
	OK        bool
	Waypoints []paramspec.Position
}

// Engine is the host contract the facade wraps. Production wiring adapts
// the real simulation engine; tests use the in-memory Fake below.
type Engine interface {
	Agent(id AgentID) (Agent, bool)
	EntityAt(pos paramspec.Position) (Entity, bool)
	EntitiesNear(pos paramspec.Position, radius float64, kind, name string) []Entity

	RequestPath(agentID AgentID, goal paramspec.Position) string
	PollPathResponse(reqID string) (PathResponse, bool)

	SetWalking(agentID AgentID, walking bool, direction string)
	SetMining(agentID AgentID, mining bool)
	SetSelectedEntity(agentID AgentID, name string)

	DestroyEntity(pos paramspec.Position)
	InsertInventory(agentID AgentID, items map[string]int) map[string]int
	SpillAt(pos paramspec.Position, item string, count int)
	InventoryTotal(agentID AgentID, itemNames []string) int

	CraftableCount(agentID AgentID, recipe string) int
	BeginCrafting(agentID AgentID, recipe string, count int) int
	CraftQueueSize(agentID AgentID) int
	CancelCrafting(agentID AgentID, recipe string, count int) int
	RecipeProducts(recipe string) map[string]int

	EngineChartedChunks() [][2]int
	RegisteredChartedAreas() [][2]int
}

// Facade is the C6 read model wrapping an Engine.
type Facade struct {
	engine Engine
}

// New wraps an Engine in the read-only facade.
func New(engine Engine) *Facade {
	return &Facade{engine: engine}
}

func (f *Facade) Agent(id AgentID) (Agent, bool)      { return f.engine.Agent(id) }
func (f *Facade) EntityAt(pos paramspec.Position) (Entity, bool) {
	return f.engine.EntityAt(pos)
}
func (f *Facade) EntitiesNear(pos paramspec.Position, radius float64, kind, name string) []Entity {
	return f.engine.EntitiesNear(pos, radius, kind, name)
}
func (f *Facade) RequestPath(agentID AgentID, goal paramspec.Position) string {
	return f.engine.RequestPath(agentID, goal)
}
func (f *Facade) PollPathResponse(reqID string) (PathResponse, bool) {
	return f.engine.PollPathResponse(reqID)
}
func (f *Facade) SetWalking(agentID AgentID, walking bool, direction string) {
	f.engine.SetWalking(agentID, walking, direction)
}
func (f *Facade) SetMining(agentID AgentID, mining bool) { f.engine.SetMining(agentID, mining) }
func (f *Facade) SetSelectedEntity(agentID AgentID, name string) {
	f.engine.SetSelectedEntity(agentID, name)
}
func (f *Facade) DestroyEntity(pos paramspec.Position) { f.engine.DestroyEntity(pos) }
func (f *Facade) InsertInventory(agentID AgentID, items map[string]int) map[string]int {
	return f.engine.InsertInventory(agentID, items)
}
func (f *Facade) SpillAt(pos paramspec.Position, item string, count int) {
	f.engine.SpillAt(pos, item, count)
}
func (f *Facade) InventoryTotal(agentID AgentID, itemNames []string) int {
	return f.engine.InventoryTotal(agentID, itemNames)
}
func (f *Facade) CraftableCount(agentID AgentID, recipe string) int {
	return f.engine.CraftableCount(agentID, recipe)
}
func (f *Facade) BeginCrafting(agentID AgentID, recipe string, count int) int {
	return f.engine.BeginCrafting(agentID, recipe, count)
}
func (f *Facade) CraftQueueSize(agentID AgentID) int { return f.engine.CraftQueueSize(agentID) }
func (f *Facade) CancelCrafting(agentID AgentID, recipe string, count int) int {
	return f.engine.CancelCrafting(agentID, recipe, count)
}
func (f *Facade) RecipeProducts(recipe string) map[string]int {
	return f.engine.RecipeProducts(recipe)
}

// Distance is plain Euclidean tile distance.
func Distance(a, b paramspec.Position) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// ChartedChunks returns the union of engine-charted chunks and explicitly
// registered fallback areas, per spec.md §4.6/§4.10. When sortByDistance is
// true, results are ordered by squared integer distance from the origin.
func (f *Facade) ChartedChunks(sortByDistance bool) [][2]int {
	seen := make(map[[2]int]bool)
	var out [][2]int

	add := func(cx, cy int) {
		key := [2]int{cx, cy}
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}

	for _, c := range f.engine.EngineChartedChunks() {
		add(c[0], c[1])
	}
	for _, area := range f.engine.RegisteredChartedAreas() {
		add(area[0], area[1])
	}

	if sortByDistance {
		sort.Slice(out, func(i, j int) bool {
			return sqDist(out[i]) < sqDist(out[j])
		})
	}
	return out
}

func sqDist(c [2]int) int {
	return c[0]*c[0] + c[1]*c[1]
}
