// Package snapshot is the entity/resource snapshot layer (spec.md §4.10,
// C10): a per-chunk, per-category row set kept incrementally in sync with
// the world via action.SnapshotUpdater, plus a chunked CSV export grounded
// on the teacher's internal/monitoring/burnin_collector.go windowed
// collect-and-flush shape — adapted here from a time-window query against
// SQL rows into a chunk-window sweep over in-memory rows, using
// internal/store's SnapshotRun bookkeeping so an export interrupted by a
// host restart resumes instead of restarting at chunk zero.
package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/antigravity-dev/factoryverse/internal/paramspec"
	"github.com/antigravity-dev/factoryverse/internal/world"
)

// chunkSize is the tile extent of one chunk along each axis (spec.md GLOSSARY).
const chunkSize = 32

// Category is the fixed row-set taxonomy from spec.md §4.10.
type Category string

const (
	CategoryBelts     Category = "belts"
	CategoryPipes     Category = "pipes"
	CategoryPoles     Category = "poles"
	CategoryResources Category = "resources"
	CategoryTrees     Category = "trees"
	CategoryWater     Category = "water"
	CategoryEntities  Category = "entities"
)

var beltNames = map[string]bool{
	"transport-belt":   true,
	"underground-belt": true,
	"splitter":         true,
	"loader":           true,
	"loader-1x1":       true,
	"linked-belt":      true,
}

var pipeNames = map[string]bool{
	"pipe":           true,
	"pipe-to-ground": true,
}

var poleNames = map[string]bool{
	"electric-pole": true,
	"power-switch":  true,
	"substation":    true,
}

// categorize applies spec.md §4.10's component-name/kind routing rules.
// Name-based routing (belts/pipes/poles) takes precedence over kind-based
// routing (resources/trees/water), matching the spec's ordering; anything
// left over is a plain "entities" row (assemblers, furnaces, drills,
// labs, inserters, chests, rockets, reactors, ...).
func categorize(entityName, entityType string) Category {
	switch {
	case beltNames[entityName]:
		return CategoryBelts
	case pipeNames[entityName]:
		return CategoryPipes
	case poleNames[entityName]:
		return CategoryPoles
	}
	switch entityType {
	case "resource":
		return CategoryResources
	case "tree":
		return CategoryTrees
	case "water":
		return CategoryWater
	}
	return CategoryEntities
}

// Chunk is the 32x32-tile region a position belongs to.
type Chunk struct {
	CX, CY int
}

// ChunkOf returns the chunk containing pos, per spec.md's GLOSSARY.
func ChunkOf(pos paramspec.Position) Chunk {
	return Chunk{CX: floorDiv(pos.X, chunkSize), CY: floorDiv(pos.Y, chunkSize)}
}

func floorDiv(v float64, n int) int {
	fn := float64(n)
	q := v / fn
	i := int(q)
	if q < 0 && float64(i) != q {
		i--
	}
	return i
}

// Row is one entity's incrementally-maintained snapshot record. Position
// and EntityName together form the stable identity the spec requires
// (unit_number handles are live references re-resolved per tick, never
// stored here).
type Row struct {
	Position    paramspec.Position
	EntityName  string
	EntityType  string
	Category    Category
	Chunk       Chunk
	UpdatedTick int64

	// Extra carries category-specific detail (belt item-lines and
	// neighbour unit ids, pipe fluid-box neighbours, crafter recipes,
	// inserter pickup/drop targets, ...), populated from world.Entity's
	// matching fields by buildExtra at UpdateEntity time. world.Entity
	// leaves these fields at their zero value until a host adapter with
	// richer introspection populates them, so Extra is present but
	// empty-valued for hosts that don't supply conveyor/fluid-network
	// topology or per-entity recipe assignment.
	Extra map[string]any
}

func rowKey(pos paramspec.Position, entityName string) string {
	return fmt.Sprintf("%g,%g|%s", pos.X, pos.Y, entityName)
}

// StatusRow is one status-view record (spec.md §4.10: recurring every 60
// ticks).
type StatusRow struct {
	PositionX  float64
	PositionY  float64
	EntityName string
	Status     string
	StatusName string
	Health     float64
	Tick       int64
}

// inventoryKinds is the fixed enumeration spec.md §4.10 names for the
// inventory view.
var inventoryKinds = []string{
	"chest", "fuel", "burnt_result", "input", "output",
	"modules", "ammo", "trunk", "cargo",
}

// Engine is the C10 snapshot layer. It implements action.SnapshotUpdater
// so the action registry's postRun step can drive it directly, and reads
// through a world.Facade for status/health detail and charted-chunk
// discovery (C6).
type Engine struct {
	mu   sync.Mutex
	wf   *world.Facade
	rows map[string]*Row

	registeredAreas map[Chunk]bool
}

// NewEngine constructs a snapshot engine over the given world facade.
func NewEngine(wf *world.Facade) *Engine {
	return &Engine{
		wf:              wf,
		rows:            make(map[string]*Row),
		registeredAreas: make(map[Chunk]bool),
	}
}

// UpdateEntity implements action.SnapshotUpdater: it (re)categorizes and
// stores the row for (pos, entityName), keyed by identity per spec.md §5's
// ordering guarantee ("Entity/position identity used by the snapshot layer
// is (position, entity_name) — stable across ticks").
func (e *Engine) UpdateEntity(pos paramspec.Position, entityName, entityType string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	category := categorize(entityName, entityType)
	row := &Row{
		Position:   pos,
		EntityName: entityName,
		EntityType: entityType,
		Category:   category,
		Chunk:      ChunkOf(pos),
		Extra:      e.buildExtra(category, pos),
	}
	e.rows[rowKey(pos, entityName)] = row
}

// buildExtra resolves the category-specific Row.Extra detail spec.md
// §4.10 names, reading through the world facade (C6) for the live
// world.Entity at pos rather than requiring the action body to thread
// that detail through AffectedPosition.
func (e *Engine) buildExtra(cat Category, pos paramspec.Position) map[string]any {
	if e.wf == nil {
		return nil
	}
	ent, ok := e.wf.EntityAt(pos)
	if !ok {
		return nil
	}

	switch cat {
	case CategoryBelts:
		return map[string]any{
			"item_lines":        strings.Join(ent.ItemLines, ";"),
			"neighbour_inputs":  strings.Join(ent.NeighbourInputs, ";"),
			"neighbour_outputs": strings.Join(ent.NeighbourOutputs, ";"),
			"underground_type":  ent.UndergroundType,
			"paired_unit":       ent.PairedUnit,
		}
	case CategoryPipes:
		return map[string]any{
			"fluid_neighbour_inputs":  strings.Join(ent.FluidNeighbourInputs, ";"),
			"fluid_neighbour_outputs": strings.Join(ent.FluidNeighbourOutputs, ";"),
		}
	case CategoryEntities:
		extra := map[string]any{
			"recipe":      ent.Recipe,
			"target_unit": ent.TargetUnit,
			"orientation": ent.Orientation,
		}
		if ent.PickupPosition != nil {
			extra["pickup_position"] = formatPosition(*ent.PickupPosition)
		}
		if ent.DropPosition != nil {
			extra["drop_position"] = formatPosition(*ent.DropPosition)
		}
		return extra
	default:
		return nil
	}
}

func formatPosition(p paramspec.Position) string {
	return fmt.Sprintf("%g,%g", p.X, p.Y)
}

// RemoveEntity implements action.SnapshotUpdater.
func (e *Engine) RemoveEntity(pos paramspec.Position, entityName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rows, rowKey(pos, entityName))
}

// RegisterChartedArea records an explicit chunk registration, used as the
// charted-chunks fallback source when the engine's own chart query comes
// back empty (spec.md §4.10).
func (e *Engine) RegisterChartedArea(c Chunk) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registeredAreas[c] = true
}

// ChartedChunks resolves the charted-chunks source per spec.md §4.10: try
// the engine's own chart first, then fall back to explicit registration.
// Returns an empty, non-nil slice rather than panicking when both sources
// are empty.
func (e *Engine) ChartedChunks() []Chunk {
	if e.wf != nil {
		if charted := e.wf.ChartedChunks(false); len(charted) > 0 {
			return toChunks(charted)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Chunk, 0, len(e.registeredAreas))
	for c := range e.registeredAreas {
		out = append(out, c)
	}
	sortChunks(out)
	return out
}

func toChunks(pairs [][2]int) []Chunk {
	out := make([]Chunk, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Chunk{CX: p[0], CY: p[1]})
	}
	sortChunks(out)
	return out
}

func sortChunks(cs []Chunk) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CX != cs[j].CX {
			return cs[i].CX < cs[j].CX
		}
		return cs[i].CY < cs[j].CY
	})
}

// RowsByChunk returns a stable-ordered snapshot of every row in chunk c,
// for callers (status sampler, exporter) that need a deterministic walk
// order within a tick.
func (e *Engine) RowsByChunk(c Chunk) []*Row {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Row
	for _, r := range e.rows {
		if r.Chunk == c {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position.X != out[j].Position.X {
			return out[i].Position.X < out[j].Position.X
		}
		if out[i].Position.Y != out[j].Position.Y {
			return out[i].Position.Y < out[j].Position.Y
		}
		return out[i].EntityName < out[j].EntityName
	})
	return out
}

// AllChunks returns every chunk that currently has at least one row,
// sorted deterministically.
func (e *Engine) AllChunks() []Chunk {
	e.mu.Lock()
	seen := make(map[Chunk]bool)
	for _, r := range e.rows {
		seen[r.Chunk] = true
	}
	e.mu.Unlock()

	out := make([]Chunk, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sortChunks(out)
	return out
}

// StatusRows builds the status view for chunk c at the given tick
// (spec.md §4.10: {position_x, position_y, entity_name, status,
// status_name, health, tick}), consulting the world facade for live
// health/validity. Callers gate the 60-tick cadence themselves (C13).
func (e *Engine) StatusRows(tick int64, c Chunk) []StatusRow {
	rows := e.RowsByChunk(c)
	out := make([]StatusRow, 0, len(rows))
	for _, r := range rows {
		status, statusName, health := "unknown", "unknown", 0.0
		if e.wf != nil {
			if ent, ok := e.wf.EntityAt(r.Position); ok {
				health = ent.Health
				if ent.Depleted {
					status, statusName = "depleted", "depleted"
				} else {
					status, statusName = "normal", "working"
				}
			} else {
				status, statusName = "missing", "missing"
			}
		}
		out = append(out, StatusRow{
			PositionX:  r.Position.X,
			PositionY:  r.Position.Y,
			EntityName: r.EntityName,
			Status:     status,
			StatusName: statusName,
			Health:     health,
			Tick:       tick,
		})
	}
	return out
}

// InventoryRow is one non-empty inventory kind found for an entity.
type InventoryRow struct {
	Kind     string
	Contents map[string]int
}

// InventoryRows enumerates the fixed inventory kinds for (pos, entityName)
// and returns the non-empty ones (spec.md §4.10). The internal/world
// Engine contract this runtime is built against does not expose raw
// entity inventory contents (only agent inventories, via InventoryTotal),
// so this currently always returns no rows for any entity — a host
// adapter exposing entity-level inventory querying can populate this
// without changing the row shape or the inventoryKinds enumeration.
func (e *Engine) InventoryRows(pos paramspec.Position, entityName string) []InventoryRow {
	_ = inventoryKinds
	return nil
}
