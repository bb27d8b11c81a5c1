// Package walkjob implements the per-agent walk job state machine
// (spec.md §4.7, C7): a path request + waypoint follower with hysteresis
// octant selection, stuck detection, and bounded replans.
package walkjob

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/antigravity-dev/factoryverse/internal/envelope"
	"github.com/antigravity-dev/factoryverse/internal/paramspec"
	"github.com/antigravity-dev/factoryverse/internal/world"
)

// State is one of the named walk job states from spec.md §3/§4.7.
type State string

const (
	StatePlanning  State = "planning"
	StateFollowing State = "following"
	StateArrived   State = "arrived"
	StateFailed    State = "failed"
)

// Octant compass directions, clockwise from north, matching the
// agent.walk direction enum in spec.md §6.4.
var octantNames = [8]string{"n", "ne", "e", "se", "s", "sw", "w", "nw"}

const (
	waypointArriveTiles = 0.8
	noProgressThreshold = 60
	minProgressPerTick  = 0.05
)

// Options configure a new walk job — spec.md §6.4's agent.walk_to params.
type Options struct {
	ArriveRadius   float64
	Lookahead      int
	ReplanOnStuck  bool
	MaxReplans     int
	PreferCardinal bool
	DiagBand       float64
	SnapAxisEps    float64
}

func (o Options) withDefaults() Options {
	if o.ArriveRadius <= 0 {
		o.ArriveRadius = 0.7
	}
	if o.DiagBand <= 0 {
		o.DiagBand = 0.4
	}
	if o.SnapAxisEps <= 0 {
		o.SnapAxisEps = 0.15
	}
	if o.MaxReplans <= 0 {
		o.MaxReplans = 3
	}
	return o
}

// Job is one agent's in-flight walk — at most one per agent, per spec.md §3.
type Job struct {
	AgentID      world.AgentID
	Goal         paramspec.Position
	Opts         Options
	Waypoints    []paramspec.Position
	WPIndex      int
	CurrentDir   int // octant 0..7
	HasDir       bool
	LastGoalDist float64
	NoProgress   int
	Replans      int
	ReqID        string
	State        State

	// Silent jobs (started via StartInternal, e.g. minejob's "walk to the
	// target before mining") never reach CompletionFunc — only a
	// top-level agent.walk_to gets an async-completion datagram
	// (spec.md §4.12); the caller that started a silent job already
	// polls Active/JobState itself.
	Silent   bool
	ActionID string
	RCONTick int64
}

// CompletionFunc reports a top-level walk job's terminal result, mirroring
// the hook shape minejob.Engine and craftjob.Engine already accept.
type CompletionFunc func(agentID world.AgentID, result *envelope.Result)

// Engine ticks every agent's walk job, keyed by agent id.
type Engine struct {
	world  *world.Facade
	onDone CompletionFunc
	logger *slog.Logger
	jobs   map[world.AgentID]*Job
}

// New constructs a walk job engine over the given world facade. onDone may
// be nil, in which case top-level walk completions are simply not reported
// (e.g. in tests that only assert on JobState).
func New(w *world.Facade, onDone CompletionFunc, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{world: w, onDone: onDone, logger: logger, jobs: make(map[world.AgentID]*Job)}
}

// Start begins (or replaces) the walk job for agentID — "starting a new
// walk replaces the previous" (spec.md §5). This is the top-level
// agent.walk_to entry point: its terminal state is reported through
// CompletionFunc.
func (e *Engine) Start(agentID world.AgentID, goal paramspec.Position, opts Options, tick int64) *envelope.Result {
	actionID := envelope.ActionID("walk", tick, uint64(agentID))
	e.start(agentID, goal, opts, actionID, tick, false)
	return envelope.Queue(tick, actionID, tick).WithAgent(uint64(agentID))
}

// StartInternal begins a walk job on behalf of another job engine (minejob's
// "walk to reach the target" sub-step) — it never fires CompletionFunc; the
// owning engine polls Active/JobState itself.
func (e *Engine) StartInternal(agentID world.AgentID, goal paramspec.Position, opts Options) *envelope.Result {
	e.start(agentID, goal, opts, "", 0, true)
	return envelope.Ack(0, map[string]any{"walk_job_started": true})
}

func (e *Engine) start(agentID world.AgentID, goal paramspec.Position, opts Options, actionID string, tick int64, silent bool) {
	opts = opts.withDefaults()
	job := &Job{AgentID: agentID, Goal: goal, Opts: opts, State: StatePlanning, Silent: silent, ActionID: actionID, RCONTick: tick}
	job.ReqID = e.world.RequestPath(agentID, goal)
	e.jobs[agentID] = job
}

// Cancel removes an agent's walk job. Pending path responses with no
// matching job are dropped on delivery (handled in handlePathResponses).
// A cancelled top-level walk still gets a completion datagram, marked
// cancelled, so callers waiting on the async result aren't left hanging.
func (e *Engine) Cancel(agentID world.AgentID) {
	job, ok := e.jobs[agentID]
	if !ok {
		return
	}
	e.world.SetWalking(agentID, false, "")
	delete(e.jobs, agentID)
	if !job.Silent && e.onDone != nil {
		result := envelope.Ack(job.RCONTick, map[string]any{"cancelled": true}).WithAgent(uint64(agentID))
		result.ActionID = job.ActionID
		e.onDone(agentID, result)
	}
}

// Active reports whether agentID currently has a live walk job.
func (e *Engine) Active(agentID world.AgentID) bool {
	_, ok := e.jobs[agentID]
	return ok
}

// Len reports the number of currently live walk jobs, for tick metrics
// (store.TickMetricRow.WalkActive).
func (e *Engine) Len() int {
	return len(e.jobs)
}

// JobState exposes the current state for tests/diagnostics.
func (e *Engine) JobState(agentID world.AgentID) (State, bool) {
	j, ok := e.jobs[agentID]
	if !ok {
		return "", false
	}
	return j.State, true
}

// Tick advances every active walk job by one simulation tick, in
// deterministic key-sorted order (spec.md §5's determinism requirement).
func (e *Engine) Tick(ctx context.Context, tick int64) {
	ids := make([]world.AgentID, 0, len(e.jobs))
	for id := range e.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		job := e.jobs[id]
		if job == nil {
			continue
		}
		e.tickJob(tick, job)
		if job.State == StateArrived || job.State == StateFailed {
			delete(e.jobs, id)
			e.reportDone(tick, job)
		}
	}
}

// reportDone fires CompletionFunc for a top-level walk job that just
// reached a terminal state. Silent (minejob-internal) jobs are skipped —
// their owning engine polls JobState/Active instead.
func (e *Engine) reportDone(tick int64, job *Job) {
	if job.Silent || e.onDone == nil {
		return
	}
	var result *envelope.Result
	if job.State == StateArrived {
		result = envelope.Ack(tick, map[string]any{"arrived": true, "position": job.Goal})
	} else {
		result = envelope.Fail(tick, envelope.CategoryLogical, "WALK_FAILED", "walk job could not reach its goal")
	}
	result.ActionID = job.ActionID
	result.WithAgent(uint64(job.AgentID))
	e.onDone(job.AgentID, result)
}

func (e *Engine) tickJob(tick int64, job *Job) {
	agent, ok := e.world.Agent(job.AgentID)
	if !ok || !agent.Valid {
		job.State = StateFailed
		return
	}

	switch job.State {
	case StatePlanning:
		e.tickPlanning(job)
	case StateFollowing:
		e.tickFollowing(job, agent)
	}
}

func (e *Engine) tickPlanning(job *Job) {
	resp, ok := e.world.PollPathResponse(job.ReqID)
	if !ok {
		return
	}
	if resp.OK && len(resp.Waypoints) > 0 {
		job.Waypoints = resp.Waypoints
		job.WPIndex = 0
		job.State = StateFollowing
		job.NoProgress = 0
		return
	}
	if job.Opts.ReplanOnStuck {
		// Greedy fallback: follow straight toward the goal with no
		// waypoints, per spec.md §4.7's "following (greedy)" transition.
		job.Waypoints = nil
		job.State = StateFollowing
		job.NoProgress = 0
		return
	}
	job.State = StateFailed
}

func (e *Engine) tickFollowing(job *Job, agent world.Agent) {
	dist := world.Distance(agent.Position, job.Goal)
	if dist <= job.Opts.ArriveRadius {
		job.State = StateArrived
		e.world.SetWalking(job.AgentID, false, lastDirName(job))
		return
	}

	for job.WPIndex < len(job.Waypoints) && world.Distance(agent.Position, job.Waypoints[job.WPIndex]) <= waypointArriveTiles {
		job.WPIndex++
	}

	target := job.Goal
	if job.WPIndex < len(job.Waypoints) {
		target = job.Waypoints[job.WPIndex]
	}

	desired := desiredOctant(agent.Position, target, job.Opts)
	next := desired
	if job.HasDir {
		if octantStep(job.CurrentDir, desired) <= 1 {
			next = job.CurrentDir
		}
	}
	job.CurrentDir = next
	job.HasDir = true

	e.world.SetWalking(job.AgentID, true, octantNames[next])

	if job.LastGoalDist > 0 && job.LastGoalDist-dist < minProgressPerTick {
		job.NoProgress++
	} else {
		job.NoProgress = 0
	}
	job.LastGoalDist = dist

	if job.NoProgress >= noProgressThreshold {
		if job.Replans < job.Opts.MaxReplans {
			job.Replans++
			job.NoProgress = 0
			job.State = StatePlanning
			job.ReqID = e.world.RequestPath(job.AgentID, job.Goal)
		} else {
			job.State = StateFailed
			e.world.SetWalking(job.AgentID, false, octantNames[next])
		}
	}
}

func lastDirName(job *Job) string {
	if job.HasDir {
		return octantNames[job.CurrentDir]
	}
	return ""
}

// octantStep returns the minimal cyclic distance (0..4) between two
// octants — hysteresis keeps the current direction when this is <= 1.
func octantStep(a, b int) int {
	d := (b - a + 8) % 8
	if d > 4 {
		d = 8 - d
	}
	return d
}

// desiredOctant computes the compass octant toward target from pos,
// choosing between the two modes spec.md §4.7 step 3 names: pure-angle
// when opts.PreferCardinal is false, Manhattan-biased — spec.md's stated
// default — when true. The Go zero value of Options.PreferCardinal is
// false; callers get the spec-mandated true default via
// actions.Defaults/config.Walk.PreferCardinal, not via this function.
// Position convention: x increases east, y increases south (Factorio's
// own convention), so "north" is -y.
func desiredOctant(pos, target paramspec.Position, opts Options) int {
	dx := target.X - pos.X
	dy := target.Y - pos.Y

	if !opts.PreferCardinal {
		angle := math.Atan2(dx, -dy) // bearing from north, clockwise
		if angle < 0 {
			angle += 2 * math.Pi
		}
		return int(math.Floor(math.Mod(angle+math.Pi/8, 2*math.Pi) / (math.Pi / 4)))
	}

	adx, ady := math.Abs(dx), math.Abs(dy)
	if adx < 1e-9 && ady < 1e-9 {
		return 0
	}

	if min(adx, ady) < opts.SnapAxisEps*max(adx, ady) {
		if adx >= ady {
			return cardinalEastWest(dx)
		}
		return cardinalNorthSouth(dy)
	}

	if adx > ady*(1+opts.DiagBand) {
		return cardinalEastWest(dx)
	}
	if ady > adx*(1+opts.DiagBand) {
		return cardinalNorthSouth(dy)
	}
	return ordinal(dx, dy)
}

func cardinalEastWest(dx float64) int {
	if dx >= 0 {
		return 2 // e
	}
	return 6 // w
}

func cardinalNorthSouth(dy float64) int {
	if dy < 0 {
		return 0 // n
	}
	return 4 // s
}

func ordinal(dx, dy float64) int {
	switch {
	case dx >= 0 && dy < 0:
		return 1 // ne
	case dx >= 0 && dy >= 0:
		return 3 // se
	case dx < 0 && dy >= 0:
		return 5 // sw
	default:
		return 7 // nw
	}
}
