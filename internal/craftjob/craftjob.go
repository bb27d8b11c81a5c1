// Package craftjob implements the craft job tracker (spec.md §4.9, C9):
// enqueues crafts, tracks queue-size and product-delta to detect
// completion, and handles cancellation with partial accounting.
package craftjob

import (
	"context"
	"log/slog"
	"sort"

	"github.com/antigravity-dev/factoryverse/internal/envelope"
	"github.com/antigravity-dev/factoryverse/internal/world"
)

// Tracking is one agent's in-flight async craft — at most one per agent.
type Tracking struct {
	ActionID       string
	RCONTick       int64
	Recipe         string
	CountRequested int
	CountQueued    int
	StartQueueSize int
	StartProducts  map[string]int
	Products       map[string]int
	Cancelled      bool
	CancelTick     int64
	CountCancelled int
	firstProduct   string
}

// Engine tracks craft jobs per agent.
type Engine struct {
	world    *world.Facade
	logger   *slog.Logger
	tracking map[world.AgentID]*Tracking
}

// New constructs a craft job engine over the given world facade.
func New(w *world.Facade, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{world: w, logger: logger, tracking: make(map[world.AgentID]*Tracking)}
}

// Active reports whether agentID has a live craft tracking entry —
// spec.md §4.9 step 2's "concurrent crafts disallowed" check.
func (e *Engine) Active(agentID world.AgentID) bool {
	_, ok := e.tracking[agentID]
	return ok
}

// Len reports the number of currently live craft trackings, for tick
// metrics (store.TickMetricRow.CraftActive).
func (e *Engine) Len() int {
	return len(e.tracking)
}

// Enqueue implements agent.crafting.enqueue (spec.md §4.9 steps 1-7).
func (e *Engine) Enqueue(tick int64, agentID world.AgentID, force, recipe string, countRequested int) *envelope.Result {
	if e.Active(agentID) {
		return envelope.Fail(tick, envelope.CategoryLogical, "CRAFT_IN_PROGRESS", "agent already has a live craft tracking entry").WithAgent(uint64(agentID))
	}

	craftable := e.world.CraftableCount(agentID, recipe)
	if craftable <= 0 {
		return envelope.Fail(tick, envelope.CategoryResource, "NOT_CRAFTABLE", "recipe not currently craftable").WithAgent(uint64(agentID))
	}

	products := e.world.RecipeProducts(recipe)
	productNames := sortedKeys(products)
	startProducts := make(map[string]int, len(productNames))
	for _, name := range productNames {
		startProducts[name] = e.world.InventoryTotal(agentID, []string{name})
	}

	countToQueue := countRequested
	if countToQueue > craftable {
		countToQueue = craftable
	}

	startQueueSize := e.world.CraftQueueSize(agentID)
	started := e.world.BeginCrafting(agentID, recipe, countToQueue)
	if started == 0 {
		return envelope.Fail(tick, envelope.CategoryLogical, "CRAFT_NOT_STARTED", "engine accepted zero items into the crafting queue").WithAgent(uint64(agentID))
	}

	actionID := envelope.ActionID("craft", tick, uint64(agentID))
	var first string
	if len(productNames) > 0 {
		first = productNames[0]
	}
	e.tracking[agentID] = &Tracking{
		ActionID:       actionID,
		RCONTick:       tick,
		Recipe:         recipe,
		CountRequested: countRequested,
		CountQueued:    started,
		StartQueueSize: startQueueSize,
		StartProducts:  startProducts,
		Products:       products,
		firstProduct:   first,
	}

	return envelope.Queue(tick, actionID, tick).WithAgent(uint64(agentID))
}

// Cancel implements agent.crafting.cancel (spec.md §4.9's cancel operation).
func (e *Engine) Cancel(tick int64, agentID world.AgentID, recipe string, count int) *envelope.Result {
	tr, ok := e.tracking[agentID]
	if !ok || tr.Recipe != recipe {
		return envelope.Fail(tick, envelope.CategoryLogical, "NO_LIVE_TRACKING", "no live craft tracking for recipe").WithAgent(uint64(agentID))
	}

	queueSize := e.world.CraftQueueSize(agentID)
	if queueSize == 0 {
		delete(e.tracking, agentID)
		return envelope.Fail(tick, envelope.CategoryLogical, "QUEUE_EMPTY", "crafting queue already drained").WithAgent(uint64(agentID))
	}

	actual, countCrafted := e.computeCrafted(agentID, tr)

	toCancel := count
	if toCancel <= 0 {
		toCancel = tr.CountQueued
	}
	// spec.md §4.9 step 4 asks for prerequisite-aware target selection
	// ("newest entry that is not a prerequisite"); world.Engine only
	// exposes a flat per-agent queue-size counter (see
	// world.Engine.CancelCrafting), not individual queue entries or their
	// dependency edges, so there is no queue index to select here — see
	// DESIGN.md for why this was dropped rather than faked.
	cancelled := e.world.CancelCrafting(agentID, recipe, toCancel)

	tr.Cancelled = true
	tr.CancelTick = tick
	tr.CountCancelled = cancelled

	if e.world.CraftQueueSize(agentID) == 0 {
		result := e.completionResult(tick, agentID, tr, actual, countCrafted)
		delete(e.tracking, agentID)
		return result
	}

	return envelope.Ack(tick, map[string]any{
		"cancelled":       true,
		"count_cancelled": cancelled,
		"count_crafted":   countCrafted,
	}).WithAgent(uint64(agentID))
}

// Tick checks every live tracking entry for completion (spec.md §4.9's
// "completion detection (each tick)").
func (e *Engine) Tick(ctx context.Context, tick int64) []*envelope.Result {
	ids := make([]world.AgentID, 0, len(e.tracking))
	for id := range e.tracking {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var completions []*envelope.Result
	for _, id := range ids {
		tr := e.tracking[id]
		agent, ok := e.world.Agent(id)
		if !ok || !agent.Valid {
			delete(e.tracking, id)
			continue
		}

		currentQueueSize := e.world.CraftQueueSize(id)
		if currentQueueSize < tr.StartQueueSize || currentQueueSize == 0 {
			actual, countCrafted := e.computeCrafted(id, tr)
			completions = append(completions, e.completionResult(tick, id, tr, actual, countCrafted))
			delete(e.tracking, id)
		}
	}
	return completions
}

func (e *Engine) computeCrafted(agentID world.AgentID, tr *Tracking) (map[string]int, int) {
	actual := make(map[string]int, len(tr.StartProducts))
	for name, start := range tr.StartProducts {
		current := e.world.InventoryTotal(agentID, []string{name})
		delta := current - start
		if delta < 0 {
			delta = 0
		}
		actual[name] = delta
	}

	countCrafted := 0
	if tr.firstProduct != "" {
		perUnit := tr.Products[tr.firstProduct]
		if perUnit > 0 {
			countCrafted = actual[tr.firstProduct] / perUnit
		}
	}
	return actual, countCrafted
}

func (e *Engine) completionResult(tick int64, agentID world.AgentID, tr *Tracking, actual map[string]int, countCrafted int) *envelope.Result {
	result := envelope.Ack(tick, map[string]any{
		"success":       true,
		"cancelled":     tr.Cancelled,
		"count_crafted": countCrafted,
		"products":      actual,
	}).WithAgent(uint64(agentID))
	result.ActionID = tr.ActionID
	result.RCONTick = tr.RCONTick
	return result
}

// Snapshot returns a deep copy of every live tracking entry, keyed by
// agent, for the orchestrator to persist via store.UpsertCraftTracking —
// spec.md §5's "craft_in_progress" storage table.
func (e *Engine) Snapshot() map[world.AgentID]Tracking {
	out := make(map[world.AgentID]Tracking, len(e.tracking))
	for id, tr := range e.tracking {
		out[id] = *tr
	}
	return out
}

// Restore reinstates a previously persisted tracking entry (host reload
// recovery). firstProduct is recomputed from Products rather than carried
// across the store boundary, since it is a derived cache, not state.
func (e *Engine) Restore(agentID world.AgentID, tr Tracking) {
	keys := sortedKeys(tr.Products)
	if len(keys) > 0 {
		tr.firstProduct = keys[0]
	}
	cp := tr
	e.tracking[agentID] = &cp
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
