// Package minejob implements the per-agent mining job engine (spec.md
// §4.8, C8): reach check, optional walk-to-reach, emulate vs swing-timer
// mining, and inventory delta accounting.
package minejob

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/antigravity-dev/factoryverse/internal/envelope"
	"github.com/antigravity-dev/factoryverse/internal/paramspec"
	"github.com/antigravity-dev/factoryverse/internal/walkjob"
	"github.com/antigravity-dev/factoryverse/internal/world"
)

const (
	searchRadiusTiles   = 2.5
	reachSlack          = 0.1
	defaultReachTiles   = 2.5
	ticksPerSecond      = 60
	walkArriveRadius    = 1.2
	walkMaxReplansMine  = 2
)

// Options configure a new mine job — spec.md §6.4's mine_resource params.
type Options struct {
	Target            paramspec.Position
	ResourceName      string
	MinCount          int
	WalkIfUnreachable bool
	Emulate           bool
	ReachDistance     float64
}

// Job is one agent's in-flight mining operation — at most one per agent.
type Job struct {
	AgentID         world.AgentID
	Opts            Options
	Products        map[string]int
	MinedCount      int
	StartTotal      int
	WalkingStarted  bool
	Finished        bool
	Failed          bool
	CurrentEntity   *paramspec.Position
	TicksLeft       int
	initialized     bool
	productNames    []string
}

// CompletionFunc is invoked once when a job terminates, carrying the
// terminal envelope that C12 turns into a completion datagram.
type CompletionFunc func(agentID world.AgentID, result *envelope.Result)

// Engine ticks every agent's mine job, keyed by agent id.
type Engine struct {
	world    *world.Facade
	walk     *walkjob.Engine
	logger   *slog.Logger
	jobs     map[world.AgentID]*Job
	onDone   CompletionFunc
}

// New constructs a mine job engine. walk is used to route "walk to
// reach" sub-requests through the walk engine rather than duplicating
// path-following logic, per spec.md §4.8 ("walk is issued through the
// walk engine").
func New(w *world.Facade, walkEngine *walkjob.Engine, onDone CompletionFunc, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{world: w, walk: walkEngine, onDone: onDone, logger: logger, jobs: make(map[world.AgentID]*Job)}
}

// Start begins (or replaces) the mine job for agentID.
func (e *Engine) Start(agentID world.AgentID, opts Options) *envelope.Result {
	if opts.ReachDistance <= 0 {
		opts.ReachDistance = defaultReachTiles
	}
	e.jobs[agentID] = &Job{AgentID: agentID, Opts: opts}
	return envelope.Ack(0, map[string]any{"mine_job_started": true})
}

// Active reports whether agentID currently has a live mine job.
func (e *Engine) Active(agentID world.AgentID) bool {
	_, ok := e.jobs[agentID]
	return ok
}

// Len reports the number of currently live mine jobs, for tick metrics
// (store.TickMetricRow.MineActive).
func (e *Engine) Len() int {
	return len(e.jobs)
}

// Tick advances every active mine job by one tick, in deterministic
// key-sorted order.
func (e *Engine) Tick(ctx context.Context, tick int64) {
	ids := make([]world.AgentID, 0, len(e.jobs))
	for id := range e.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		job := e.jobs[id]
		e.tickJob(tick, job)
		if job.Finished || job.Failed {
			e.finalize(tick, job)
			delete(e.jobs, id)
		}
	}
}

func (e *Engine) tickJob(tick int64, job *Job) {
	agent, ok := e.world.Agent(job.AgentID)
	if !ok || !agent.Valid {
		job.Failed = true
		return
	}

	entityPos, entity, found := e.resolveResource(job)
	if !found || entity.Depleted {
		job.Failed = true
		return
	}

	if !job.initialized {
		if entity.RequiresFluid {
			job.Failed = true
			return
		}
		job.Products = entity.MineableProducts
		job.productNames = sortedKeys(job.Products)
		job.StartTotal = e.world.InventoryTotal(job.AgentID, job.productNames)
		job.initialized = true
	}

	dist := world.Distance(agent.Position, entityPos)
	reachable := dist <= job.Opts.ReachDistance+reachSlack

	if !reachable {
		if job.Opts.WalkIfUnreachable {
			if !job.WalkingStarted || !e.walk.Active(job.AgentID) {
				e.walk.StartInternal(job.AgentID, entityPos, walkjob.Options{ArriveRadius: walkArriveRadius, MaxReplans: walkMaxReplansMine})
				job.WalkingStarted = true
			}
		}
		return
	}

	if e.walk.Active(job.AgentID) {
		e.walk.Cancel(job.AgentID)
	}
	e.world.SetMining(job.AgentID, true)

	if job.Opts.Emulate {
		e.tickEmulate(job, entityPos)
	} else {
		e.tickSwing(job, entityPos, entity, agent.Position)
	}

	if job.MinedCount >= job.Opts.MinCount {
		job.Finished = true
	}
}

func (e *Engine) resolveResource(job *Job) (paramspec.Position, world.Entity, bool) {
	if entity, ok := e.world.EntityAt(job.Opts.Target); ok && entity.Name == job.Opts.ResourceName {
		return job.Opts.Target, entity, true
	}
	candidates := e.world.EntitiesNear(job.Opts.Target, searchRadiusTiles, "resource", job.Opts.ResourceName)
	if len(candidates) == 0 {
		return paramspec.Position{}, world.Entity{}, false
	}
	best := candidates[0]
	bestDist := world.Distance(job.Opts.Target, best.Position)
	for _, c := range candidates[1:] {
		if d := world.Distance(job.Opts.Target, c.Position); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best.Position, best, true
}

func (e *Engine) tickEmulate(job *Job, entityPos paramspec.Position) {
	job.CurrentEntity = &entityPos
	current := e.world.InventoryTotal(job.AgentID, job.productNames)
	delta := current - job.StartTotal
	if delta < 0 {
		delta = 0
	}
	job.MinedCount = delta
}

func (e *Engine) tickSwing(job *Job, entityPos paramspec.Position, entity world.Entity, agentPos paramspec.Position) {
	if job.TicksLeft <= 0 {
		job.TicksLeft = int(math.Ceil(entity.MiningTimeSec * ticksPerSecond))
	}
	job.TicksLeft--
	if job.TicksLeft > 0 {
		return
	}

	e.world.DestroyEntity(entityPos)
	accepted := e.world.InsertInventory(job.AgentID, entity.MineableProducts)
	for name, count := range accepted {
		job.MinedCount += count
		if overflow := entity.MineableProducts[name] - count; overflow > 0 {
			e.world.SpillAt(agentPos, name, overflow)
		}
	}
}

func (e *Engine) finalize(tick int64, job *Job) {
	e.world.SetMining(job.AgentID, false)
	if e.walk.Active(job.AgentID) {
		e.walk.Cancel(job.AgentID)
	}

	var result *envelope.Result
	if job.Finished {
		result = envelope.Ack(tick, map[string]any{"mined": job.MinedCount}).WithAgent(uint64(job.AgentID))
	} else {
		result = envelope.Fail(tick, envelope.CategoryMap, "RESOURCE_UNAVAILABLE", "mine target absent, depleted, or agent invalid").WithAgent(uint64(job.AgentID))
	}
	if e.onDone != nil {
		e.onDone(job.AgentID, result)
	}
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
