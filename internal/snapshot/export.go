package snapshot

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/antigravity-dev/factoryverse/internal/store"
)

// surfaceName is fixed: multi-surface worlds are an explicit spec.md §1
// non-goal, so every export is stamped with the same single surface.
const surfaceName = "nauvis"

// category order export sweeps write in, kept stable so chunk index N
// always means the same chunk across a resumed run.
var exportCategories = []Category{
	CategoryBelts, CategoryPipes, CategoryPoles,
	CategoryResources, CategoryTrees, CategoryWater, CategoryEntities,
}

// columnsFor declares the CSV header per category, written once as
// metadata alongside the data files (spec.md §4.10: "a companion JSON
// metadata file declaring columns").
func columnsFor(cat Category) []string {
	base := []string{"position_x", "position_y", "entity_name", "entity_type"}
	switch cat {
	case CategoryBelts:
		return append(base, "item_lines", "neighbour_inputs", "neighbour_outputs", "underground_type", "paired_unit")
	case CategoryPipes:
		return append(base, "fluid_neighbour_inputs", "fluid_neighbour_outputs")
	case CategoryEntities:
		return append(base, "recipe", "pickup_position", "drop_position", "target_unit", "orientation")
	default:
		return base
	}
}

// Exporter drives a chunked, resumable CSV export of the snapshot engine's
// rows, grounded on the teacher's internal/monitoring/burnin_collector.go
// windowed-collection shape: gather a bounded slice of work, flush it,
// record progress, repeat — adapted here from a SQL time window to a
// chunk-index window over in-memory rows, with progress tracked in
// store.SnapshotRun so a host restart mid-export resumes instead of
// restarting at chunk zero.
type Exporter struct {
	engine        *Engine
	store         *store.Store
	baseDir       string
	chunksPerTick int
	current       *run
}

// NewExporter builds an exporter writing under baseDir, advancing at most
// chunksPerTick chunks per call to Step.
func NewExporter(engine *Engine, st *store.Store, baseDir string, chunksPerTick int) *Exporter {
	if chunksPerTick <= 0 {
		chunksPerTick = 4
	}
	return &Exporter{engine: engine, store: st, baseDir: baseDir, chunksPerTick: chunksPerTick}
}

// Advance drives one export pass across tick boundaries without exposing
// the unexported run handle to callers: if no pass is in flight it begins
// one for tick, otherwise it steps the in-flight pass. The orchestrator
// (C13) calls this once per discovery-cadence tick; started reports
// whether a new pass began this call, done whether the in-flight pass
// (new or continuing) just finished.
func (x *Exporter) Advance(tick int64) (started, done bool, err error) {
	if x.current == nil {
		r, err := x.Begin(tick)
		if err != nil {
			return false, false, err
		}
		x.current = r
		started = true
	}

	done, err = x.Step(x.current)
	if err != nil {
		x.current = nil
		return started, false, err
	}
	if done {
		x.current = nil
	}
	return started, done, nil
}

// run tracks one in-progress export sweep across Step calls.
type run struct {
	id        int64
	tick      int64
	chunks    []Chunk
	nextIndex int
}

// Begin starts (or, on process restart, resumes) a chunked export pass for
// the given tick, returning the run handle Step advances.
func (x *Exporter) Begin(tick int64) (*run, error) {
	const category = "world"
	chunks := x.engine.ChartedChunks()

	if x.store != nil {
		if prior, err := x.store.GetLatestIncompleteSnapshotRun(category); err == nil && prior != nil {
			return &run{id: prior.ID, tick: prior.StartTick, chunks: chunks, nextIndex: prior.ChunksDone}, nil
		}
	}

	var id int64
	if x.store != nil {
		var err error
		id, err = x.store.StartSnapshotRun(tick, category, len(chunks))
		if err != nil {
			return nil, fmt.Errorf("snapshot: start export run: %w", err)
		}
	}
	return &run{id: id, tick: tick, chunks: chunks}, nil
}

// Step writes up to chunksPerTick chunks' worth of CSV rows, advances the
// run's progress in the store, and reports whether the sweep is complete.
// Chunks with no rows in any category still count as progress — an empty
// source must not crash or stall the export (spec.md §4.10).
func (x *Exporter) Step(r *run) (done bool, err error) {
	end := r.nextIndex + x.chunksPerTick
	if end > len(r.chunks) {
		end = len(r.chunks)
	}

	for _, c := range r.chunks[r.nextIndex:end] {
		if err := x.writeChunk(r.tick, c); err != nil {
			if x.store != nil {
				_ = x.store.CompleteSnapshotRun(r.id, "failed")
			}
			return false, fmt.Errorf("snapshot: write chunk %d,%d: %w", c.CX, c.CY, err)
		}
	}
	r.nextIndex = end

	if x.store != nil {
		if err := x.store.AdvanceSnapshotRun(r.id, r.nextIndex); err != nil {
			return false, fmt.Errorf("snapshot: advance export run: %w", err)
		}
	}

	done = r.nextIndex >= len(r.chunks)
	if done {
		if err := x.writeMetadata(r.tick, r.chunks); err != nil {
			return false, fmt.Errorf("snapshot: write metadata: %w", err)
		}
		if x.store != nil {
			if err := x.store.CompleteSnapshotRun(r.id, "completed"); err != nil {
				return false, fmt.Errorf("snapshot: complete export run: %w", err)
			}
		}
	}
	return done, nil
}

// chunkDir follows spec.md §6.3's fixed layout: chunks/<cx>/<cy>/.
func (x *Exporter) chunkDir(c Chunk) string {
	return filepath.Join(x.baseDir, "chunks", strconv.Itoa(c.CX), strconv.Itoa(c.CY))
}

// chunkFile is spec.md §6.3's "<category>-<tick>.csv" naming.
func (x *Exporter) chunkFile(c Chunk, cat Category, tick int64) string {
	return filepath.Join(x.chunkDir(c), fmt.Sprintf("%s-%d.csv", cat, tick))
}

func (x *Exporter) writeChunk(tick int64, c Chunk) error {
	dir := x.chunkDir(c)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	byCategory := make(map[Category][]*Row)
	for _, r := range x.engine.RowsByChunk(c) {
		byCategory[r.Category] = append(byCategory[r.Category], r)
	}

	for _, cat := range exportCategories {
		rows := byCategory[cat]
		path := x.chunkFile(c, cat, tick)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		w := csv.NewWriter(f)
		if err := w.Write(columnsFor(cat)); err != nil {
			f.Close()
			return err
		}
		for _, row := range rows {
			if err := w.Write(csvRow(cat, row)); err != nil {
				f.Close()
				return err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func csvRow(cat Category, r *Row) []string {
	base := []string{
		strconv.FormatFloat(r.Position.X, 'g', -1, 64),
		strconv.FormatFloat(r.Position.Y, 'g', -1, 64),
		r.EntityName,
		r.EntityType,
	}
	extra := func(keys ...string) []string {
		out := make([]string, len(keys))
		for i, k := range keys {
			if v, ok := r.Extra[k]; ok {
				out[i] = fmt.Sprintf("%v", v)
			}
		}
		return out
	}
	switch cat {
	case CategoryBelts:
		return append(base, extra("item_lines", "neighbour_inputs", "neighbour_outputs", "underground_type", "paired_unit")...)
	case CategoryPipes:
		return append(base, extra("fluid_neighbour_inputs", "fluid_neighbour_outputs")...)
	case CategoryEntities:
		return append(base, extra("recipe", "pickup_position", "drop_position", "target_unit", "orientation")...)
	default:
		return base
	}
}

// metadata is the companion JSON file declaring CSV columns and file
// membership per category, written one file per category under
// metadata/<tick>/ (spec.md §6.3: "{tick, surface, timestamp, headers,
// files[]}" — "Headers are declared in metadata, never inferred by
// downstream.").
type metadata struct {
	Tick      int64    `json:"tick"`
	Surface   string   `json:"surface"`
	Timestamp string   `json:"timestamp"`
	Headers   []string `json:"headers"`
	Files     []string `json:"files"`
}

func (x *Exporter) writeMetadata(tick int64, chunks []Chunk) error {
	dir := filepath.Join(x.baseDir, "metadata", strconv.FormatInt(tick, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	for _, cat := range exportCategories {
		files := make([]string, 0, len(chunks))
		for _, c := range chunks {
			rel, err := filepath.Rel(x.baseDir, x.chunkFile(c, cat, tick))
			if err != nil {
				rel = x.chunkFile(c, cat, tick)
			}
			files = append(files, rel)
		}

		meta := metadata{Tick: tick, Surface: surfaceName, Timestamp: ts, Headers: columnsFor(cat), Files: files}
		data, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, string(cat)+".json"), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
