// Package orchestrator is C13 (spec.md §4.13/§5): the tick scheduler that
// wires every other package together and drives the deterministic per-tick
// order — queue drain, walk, mine, craft, snapshot/discovery, signals — plus
// the init/load and config-changed lifecycle.
//
// Grounded on cmd/cortex/main.go's component-construction shape and its
// signal-driven reload/shutdown loop (kept in cmd/factoryversed/main.go,
// which owns process lifecycle; this package owns only the tick itself),
// and on internal/scheduler/concurrency_control.go's admission-result style,
// adapted here into the per-agent exclusivity the job engines already
// enforce internally (walk/mine/craft each reject a second job for an
// agent already tracked).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antigravity-dev/factoryverse/internal/action"
	"github.com/antigravity-dev/factoryverse/internal/actions"
	"github.com/antigravity-dev/factoryverse/internal/completion"
	"github.com/antigravity-dev/factoryverse/internal/config"
	"github.com/antigravity-dev/factoryverse/internal/craftjob"
	"github.com/antigravity-dev/factoryverse/internal/envelope"
	"github.com/antigravity-dev/factoryverse/internal/metrics"
	"github.com/antigravity-dev/factoryverse/internal/minejob"
	"github.com/antigravity-dev/factoryverse/internal/paramspec"
	"github.com/antigravity-dev/factoryverse/internal/queue"
	"github.com/antigravity-dev/factoryverse/internal/signals"
	"github.com/antigravity-dev/factoryverse/internal/snapshot"
	"github.com/antigravity-dev/factoryverse/internal/store"
	"github.com/antigravity-dev/factoryverse/internal/validator"
	"github.com/antigravity-dev/factoryverse/internal/walkjob"
	"github.com/antigravity-dev/factoryverse/internal/world"
)

// defaultForce is the single-force simplification spec.md's non-goals
// license (multi-force/adversarial play is explicitly out of scope):
// every queued/admin-invoked action validates against this force unless
// the underlying agent record itself carries a different one.
const defaultForce = "player"

// openCatalog is the stand-in paramspec.PrototypeCatalog for this runtime.
// spec.md §1 places "the host simulation engine... supplies entity
// lookup... chart state" out of scope as an external collaborator reached
// only through the world.Engine contract; no game-data-backed prototype
// database ships with this module for the same reason. A real deployment
// replaces this with an adapter over the host's actual prototype tables.
type openCatalog struct{}

func (openCatalog) HasEntity(string) bool                 { return true }
func (openCatalog) HasRecipeForForce(string, string) bool { return true }

// Orchestrator bundles every job engine, the action/queue plumbing, and
// the ambient observability surfaces, and drives one simulation tick at a
// time.
type Orchestrator struct {
	cfgManager config.ConfigManager
	store      *store.Store
	world      *world.Facade
	registry   *action.Registry
	queue      *queue.Queue
	walk       *walkjob.Engine
	mine       *minejob.Engine
	craft      *craftjob.Engine
	snapshot   *snapshot.Engine
	exporter   *snapshot.Exporter
	signals    *signals.Registry
	notifier   completion.Notifier
	logger     *slog.Logger

	mu           sync.Mutex
	ticking      bool
	tick         int64
	craftTracked map[world.AgentID]bool
}

// New wires every package into one Orchestrator. engine is the host
// simulation's world.Engine implementation (world.Fake for the bundled
// demo host, per spec.md §1's scope boundary); notifier may be nil, in
// which case completions are silently dropped (completion.NoopSender).
func New(cfgManager config.ConfigManager, st *store.Store, engine world.Engine, notifier completion.Notifier, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = completion.NoopSender{}
	}
	cfg := cfgManager.Get()

	wf := world.New(engine)
	snapEngine := snapshot.NewEngine(wf)

	validators := validator.NewRegistry()
	validators.Register("agent.mine_resource", func(params map[string]any) (bool, string) {
		if mc, ok := params["min_count"].(float64); ok && mc < 0 {
			return false, "min_count must not be negative"
		}
		return true, ""
	})
	validators.Register("agent.crafting.*", func(params map[string]any) (bool, string) {
		if c, ok := params["count"].(float64); ok && c < 0 {
			return false, "count must not be negative"
		}
		return true, ""
	})

	reg := action.NewRegistry(validators, snapEngine, logger)

	o := &Orchestrator{
		cfgManager:   cfgManager,
		store:        st,
		world:        wf,
		registry:     reg,
		snapshot:     snapEngine,
		notifier:     notifier,
		logger:       logger,
		craftTracked: make(map[world.AgentID]bool),
	}

	o.craft = craftjob.New(wf, logger.With("component", "craftjob"))
	o.walk = walkjob.New(wf, o.onWalkDone, logger.With("component", "walkjob"))
	o.mine = minejob.New(wf, o.walk, o.onMineDone, logger.With("component", "minejob"))

	actionDefaults := actions.Defaults{
		PreferCardinal: cfg.Walk.PreferCardinal,
		Emulate:        cfg.Mine.Emulate,
	}
	if err := actions.Register(reg, actions.Engines{World: wf, Walk: o.walk, Mine: o.mine, Craft: o.craft}, actionDefaults); err != nil {
		return nil, fmt.Errorf("orchestrator: register actions: %w", err)
	}

	invoker := func(ctx context.Context, tick int64, actionName string, params any) *envelope.Result {
		return reg.Invoke(ctx, actionName, tick, params, openCatalog{}, defaultForce)
	}
	o.queue = queue.New(cfg.General.MaxQueueSize, invoker, st)
	o.queue.SetImmediateMode(cfg.General.ImmediateMode)

	o.exporter = snapshot.NewExporter(snapEngine, st, cfg.Snapshot.BaseDir, cfg.Snapshot.ChunksPerTick)

	o.signals = signals.NewRegistry(logger.With("component", "signals"))
	o.registerDefaultSignals()
	o.wireSignalSinks(cfg)

	return o, nil
}

func (o *Orchestrator) onWalkDone(agentID world.AgentID, result *envelope.Result) {
	o.notify("agent.walk_to", agentID, result)
}

func (o *Orchestrator) onMineDone(agentID world.AgentID, result *envelope.Result) {
	o.notify("agent.mine_resource", agentID, result)
}

func (o *Orchestrator) notify(actionType string, agentID world.AgentID, result *envelope.Result) {
	o.notifier.Notify(actionType, agentID, o.tick, result)
	metrics.RecordCompletion(actionType)
}

// registerDefaultSignals installs the two operational schemas every
// deployment of this runtime exposes: queue depth and per-engine active
// job counts — the same figures RecordTick feeds into Prometheus, offered
// here as a signals.Schema so RCON/file consumers can subscribe to them
// without scraping /metrics (spec.md §4.11's "any extractor, including
// ones defined outside this module").
func (o *Orchestrator) registerDefaultSignals() {
	o.signals.RegisterSchema(signals.Schema{
		ID:      "queue.depth",
		Version: "1",
		Extract: func(ctx context.Context) (any, error) {
			return map[string]any{"depth": o.queue.Len()}, nil
		},
	})
	o.signals.RegisterSchema(signals.Schema{
		ID:      "jobs.active",
		Version: "1",
		Extract: func(ctx context.Context) (any, error) {
			return map[string]any{
				"walk":  o.walk.Len(),
				"mine":  o.mine.Len(),
				"craft": o.craft.Len(),
			}, nil
		},
	})
}

func (o *Orchestrator) wireSignalSinks(cfg *config.Config) {
	o.signals.RegisterSink("file", signals.NewFileSink(cfg.Signals.BaseDir))
	if cfg.Signals.UDPSinkAddr != "" {
		o.signals.RegisterSink("udp", signals.NewUDPSink(cfg.Signals.UDPSinkAddr))
	}
}

// Subscribe exposes the signals registry's subscription surface so the
// admin API (or a config-driven bootstrap list) can add host-specific
// subscriptions without reaching into the orchestrator's internals.
func (o *Orchestrator) Subscribe(sub signals.Subscription) *signals.Subscription {
	return o.signals.Subscribe(sub)
}

// Enqueue exposes the queue's admission surface to callers outside the
// tick loop (the admin API, C6.5).
func (o *Orchestrator) Enqueue(ctx context.Context, actionName string, params any, key string, priority int) *envelope.Result {
	o.mu.Lock()
	tick := o.tick
	o.mu.Unlock()
	return o.queue.Enqueue(ctx, tick, actionName, params, key, priority)
}

// Registry exposes the underlying action registry for callers (the admin
// API) that invoke an action immediately rather than through the queue.
func (o *Orchestrator) Registry() *action.Registry { return o.registry }

// Catalog returns the stand-in prototype catalog this orchestrator
// validates actions against.
func (o *Orchestrator) Catalog() paramspec.PrototypeCatalog { return openCatalog{} }

// DefaultForce returns the single force every action validates against.
func (o *Orchestrator) DefaultForce() string { return defaultForce }

// Init restores persisted queue and craft-tracking state and kicks off the
// initial chunked map snapshot — spec.md §4.13's "At simulation init: load
// persisted queue/craft state, take an initial async chunked map
// snapshot."
func (o *Orchestrator) Init(ctx context.Context) error {
	if err := o.queue.Restore(); err != nil {
		return fmt.Errorf("orchestrator: restore queue: %w", err)
	}
	if err := o.restoreCraftTracking(); err != nil {
		return fmt.Errorf("orchestrator: restore craft tracking: %w", err)
	}
	if _, _, err := o.exporter.Advance(0); err != nil {
		o.logger.Warn("orchestrator: initial snapshot export failed", "error", err)
	}
	return nil
}

func (o *Orchestrator) restoreCraftTracking() error {
	if o.store == nil {
		return nil
	}
	rows, err := o.store.LoadCraftTracking()
	if err != nil {
		return err
	}
	for _, row := range rows {
		var startProducts, products map[string]int
		if err := json.Unmarshal([]byte(row.StartProducts), &startProducts); err != nil {
			o.logger.Warn("orchestrator: skip craft_tracking row with bad start_products", "agent_id", row.AgentID, "error", err)
			continue
		}
		if err := json.Unmarshal([]byte(row.Products), &products); err != nil {
			o.logger.Warn("orchestrator: skip craft_tracking row with bad products", "agent_id", row.AgentID, "error", err)
			continue
		}
		agentID := world.AgentID(row.AgentID)
		o.craft.Restore(agentID, craftjob.Tracking{
			ActionID:       row.ActionID,
			RCONTick:       row.RCONTick,
			Recipe:         row.Recipe,
			CountRequested: row.CountRequested,
			CountQueued:    row.CountQueued,
			StartQueueSize: row.StartQueueSize,
			StartProducts:  startProducts,
			Products:       products,
			Cancelled:      row.Cancelled,
			CancelTick:     row.CancelTick,
			CountCancelled: row.CountCancelled,
		})
		o.craftTracked[agentID] = true
	}
	return nil
}

// Tick advances the simulation by exactly one tick, in the deterministic
// order spec.md §5 names plus the craft step this SPEC_FULL.md expansion
// adds between mine and snapshot/discovery: craft's Tick is how
// completion is detected (spec.md §4.9's "completion detection (each
// tick)"), so it must run every tick alongside walk and mine even though
// §4.13's abbreviated list only spells out "walk engine, mine engine".
//
// A mutex-guarded re-entry flag implements §4.13's "tick handlers guard
// against re-entry within the same tick" idempotency requirement: a
// second call that arrives while one Tick is still running is a no-op.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.mu.Lock()
	if o.ticking {
		o.mu.Unlock()
		return nil
	}
	o.ticking = true
	o.tick++
	tick := o.tick
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.ticking = false
		o.mu.Unlock()
	}()

	start := time.Now()
	cfg := o.cfgManager.Get()

	o.queue.ProcessSome(ctx, tick, cfg.General.MaxPerTick)

	o.walk.Tick(ctx, tick)
	o.mine.Tick(ctx, tick)
	for _, result := range o.craft.Tick(ctx, tick) {
		var agentID world.AgentID
		if result.AgentID != nil {
			agentID = world.AgentID(*result.AgentID)
		}
		o.notify("agent.crafting.enqueue", agentID, result)
	}
	o.persistCraftTracking()

	if cfg.Snapshot.StatusEvery > 0 && tick%cfg.Snapshot.StatusEvery == 0 {
		o.sampleStatus(tick)
	}
	if cfg.Snapshot.DiscoveryEvery > 0 && tick%cfg.Snapshot.DiscoveryEvery == 0 {
		if _, _, err := o.exporter.Advance(tick); err != nil {
			o.logger.Warn("orchestrator: snapshot export advance failed", "tick", tick, "error", err)
		}
	}

	o.signals.Sample(ctx, tick)

	duration := time.Since(start)
	metrics.RecordTick(o.queue.Len(), o.walk.Len(), o.mine.Len(), o.craft.Len(), duration)
	if o.store != nil {
		if err := o.store.RecordTickMetrics(store.TickMetricRow{
			Tick:        tick,
			QueueDepth:  o.queue.Len(),
			WalkActive:  o.walk.Len(),
			MineActive:  o.mine.Len(),
			CraftActive: o.craft.Len(),
			DurationMS:  float64(duration.Microseconds()) / 1000.0,
		}); err != nil {
			o.logger.Warn("orchestrator: record tick metrics failed", "tick", tick, "error", err)
		}
	}
	return nil
}

// sampleStatus refreshes the snapshot engine's per-chunk status rows for
// every chunk already known to it (spec.md §4.10's status sampling, keyed
// off entities the world has discovered so far rather than a full
// chart sweep — that belongs to the discovery/export cadence instead).
func (o *Orchestrator) sampleStatus(tick int64) {
	for _, chunk := range o.snapshot.AllChunks() {
		o.snapshot.StatusRows(tick, chunk)
	}
}

// persistCraftTracking diffs the craft engine's live tracking set against
// what was persisted last tick: entries still present are upserted,
// entries that disappeared (completed or cancelled-to-completion) are
// deleted. The craft engine deliberately does not call into store itself
// (C9 stays storage-agnostic); the orchestrator owns this polling bridge.
func (o *Orchestrator) persistCraftTracking() {
	if o.store == nil {
		return
	}
	current := o.craft.Snapshot()
	next := make(map[world.AgentID]bool, len(current))
	for agentID, tr := range current {
		next[agentID] = true
		startProducts, _ := json.Marshal(tr.StartProducts)
		products, _ := json.Marshal(tr.Products)
		row := store.CraftTrackingRow{
			AgentID:        uint64(agentID),
			ActionID:       tr.ActionID,
			RCONTick:       tr.RCONTick,
			Recipe:         tr.Recipe,
			CountRequested: tr.CountRequested,
			CountQueued:    tr.CountQueued,
			StartQueueSize: tr.StartQueueSize,
			StartProducts:  string(startProducts),
			Products:       string(products),
			Cancelled:      tr.Cancelled,
			CancelTick:     tr.CancelTick,
			CountCancelled: tr.CountCancelled,
		}
		if err := o.store.UpsertCraftTracking(row); err != nil {
			o.logger.Warn("orchestrator: upsert craft tracking failed", "agent_id", agentID, "error", err)
		}
	}
	for agentID := range o.craftTracked {
		if !next[agentID] {
			if err := o.store.DeleteCraftTracking(uint64(agentID)); err != nil {
				o.logger.Warn("orchestrator: delete craft tracking failed", "agent_id", agentID, "error", err)
			}
		}
	}
	o.craftTracked = next
}

// CurrentTick reports the last tick number Tick advanced to.
func (o *Orchestrator) CurrentTick() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tick
}
