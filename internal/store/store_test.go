package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/factoryverse/internal/queue"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := tempStore(t)
	if err := s.RecordTickMetrics(TickMetricRow{Tick: 1}); err != nil {
		t.Fatalf("RecordTickMetrics on a freshly opened store failed: %v", err)
	}
}

func TestSaveAndLoadQueueRoundTrips(t *testing.T) {
	s := tempStore(t)

	items := []queue.Intent{
		{Seq: 0, ActionName: "agent.walk_to", Params: map[string]any{"x": float64(1)}, Key: "", Priority: 0, EnqueueTick: 1},
		{Seq: 1, ActionName: "agent.mine_resource", Params: map[string]any{"y": float64(2)}, Key: "grp", Priority: 5, EnqueueTick: 2},
	}

	require.NoError(t, s.SaveQueue(items))

	loaded, err := s.LoadQueue()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, "agent.walk_to", loaded[0].ActionName)
	require.Equal(t, "agent.mine_resource", loaded[1].ActionName)
	require.Equal(t, "grp", loaded[1].Key)
	require.Equal(t, 5, loaded[1].Priority)
}

func TestSaveQueueReplacesPriorContents(t *testing.T) {
	s := tempStore(t)

	require.NoError(t, s.SaveQueue([]queue.Intent{{Seq: 0, ActionName: "first", EnqueueTick: 1}}))
	require.NoError(t, s.SaveQueue([]queue.Intent{{Seq: 1, ActionName: "second", EnqueueTick: 2}}))

	loaded, err := s.LoadQueue()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "second", loaded[0].ActionName)
}

func TestRecordTickMetrics(t *testing.T) {
	s := tempStore(t)

	if err := s.RecordTickMetrics(TickMetricRow{
		Tick: 7, QueueDepth: 3, WalkActive: 1, MineActive: 2, CraftActive: 0, DurationMS: 4.5,
	}); err != nil {
		t.Fatalf("RecordTickMetrics failed: %v", err)
	}
}

func TestSnapshotRunLifecycle(t *testing.T) {
	s := tempStore(t)

	id, err := s.StartSnapshotRun(10, "discovery", 5)
	if err != nil {
		t.Fatalf("StartSnapshotRun failed: %v", err)
	}

	run, err := s.GetLatestIncompleteSnapshotRun("discovery")
	if err != nil {
		t.Fatalf("GetLatestIncompleteSnapshotRun failed: %v", err)
	}
	if run == nil || run.ID != id {
		t.Fatalf("expected to find the just-started run, got %+v", run)
	}
	if run.ChunksTotal != 5 || run.ChunksDone != 0 {
		t.Fatalf("unexpected run state: %+v", run)
	}

	if err := s.AdvanceSnapshotRun(id, 3); err != nil {
		t.Fatalf("AdvanceSnapshotRun failed: %v", err)
	}
	if err := s.CompleteSnapshotRun(id, "completed"); err != nil {
		t.Fatalf("CompleteSnapshotRun failed: %v", err)
	}

	run, err = s.GetLatestIncompleteSnapshotRun("discovery")
	if err != nil {
		t.Fatalf("GetLatestIncompleteSnapshotRun after completion failed: %v", err)
	}
	if run != nil {
		t.Fatalf("expected no incomplete run after completion, got %+v", run)
	}
}

func TestCraftTrackingLifecycle(t *testing.T) {
	s := tempStore(t)

	row := CraftTrackingRow{
		AgentID:        1,
		ActionID:       "craft_1_1",
		RCONTick:       10,
		Recipe:         "iron-gear-wheel",
		CountRequested: 3,
		CountQueued:    3,
		StartProducts:  `{"iron-gear-wheel":0}`,
		Products:       `{"iron-gear-wheel":0}`,
	}
	if err := s.UpsertCraftTracking(row); err != nil {
		t.Fatalf("UpsertCraftTracking failed: %v", err)
	}

	rows, err := s.LoadCraftTracking()
	if err != nil {
		t.Fatalf("LoadCraftTracking failed: %v", err)
	}
	if len(rows) != 1 || rows[0].AgentID != 1 {
		t.Fatalf("expected one tracked agent, got %+v", rows)
	}

	row.Products = `{"iron-gear-wheel":2}`
	if err := s.UpsertCraftTracking(row); err != nil {
		t.Fatalf("UpsertCraftTracking (update) failed: %v", err)
	}
	rows, err = s.LoadCraftTracking()
	if err != nil {
		t.Fatalf("LoadCraftTracking after update failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Products != `{"iron-gear-wheel":2}` {
		t.Fatalf("expected upsert to replace the row in place, got %+v", rows)
	}

	if err := s.DeleteCraftTracking(1); err != nil {
		t.Fatalf("DeleteCraftTracking failed: %v", err)
	}
	rows, err = s.LoadCraftTracking()
	if err != nil {
		t.Fatalf("LoadCraftTracking after delete failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no tracked agents after delete, got %+v", rows)
	}
}

func TestPruneTickMetricsAndVacuum(t *testing.T) {
	s := tempStore(t)

	for tick := int64(1); tick <= 5; tick++ {
		if err := s.RecordTickMetrics(TickMetricRow{Tick: tick}); err != nil {
			t.Fatalf("RecordTickMetrics(%d) failed: %v", tick, err)
		}
	}

	if err := s.PruneTickMetrics(3); err != nil {
		t.Fatalf("PruneTickMetrics failed: %v", err)
	}
	if err := s.Vacuum(); err != nil {
		t.Fatalf("Vacuum failed: %v", err)
	}
}
