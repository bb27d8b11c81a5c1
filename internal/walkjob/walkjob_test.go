package walkjob

import (
	"context"
	"testing"

	"github.com/antigravity-dev/factoryverse/internal/envelope"
	"github.com/antigravity-dev/factoryverse/internal/paramspec"
	"github.com/antigravity-dev/factoryverse/internal/world"
)

func newFixture(t *testing.T) (*world.Fake, *world.Facade, *Engine) {
	t.Helper()
	fake := world.NewFake()
	fake.PutAgent(world.Agent{ID: 1, Position: paramspec.Position{X: 0, Y: 0}})
	facade := world.New(fake)
	eng := New(facade, nil, nil)
	return fake, facade, eng
}

// scenario 1 from spec.md §8: walk to a flat target arrives within the
// arrive radius without needing a replan.
func TestWalkToFlatTargetArrives(t *testing.T) {
	fake, _, eng := newFixture(t)
	eng.Start(1, paramspec.Position{X: 10, Y: 0}, Options{ArriveRadius: 0.7}, 0)

	state, _ := eng.JobState(1)
	if state != StatePlanning {
		t.Fatalf("expected planning state immediately after Start, got %s", state)
	}

	// Resolve the path request with a direct single-waypoint path.
	for id := range allReqIDs(eng) {
		fake.QueuePathResponse(id, world.PathResponse{OK: true, Waypoints: []paramspec.Position{{X: 10, Y: 0}}})
	}

	arrived := false
	for tick := int64(0); tick < 300; tick++ {
		eng.Tick(context.Background(), tick)
		s, ok := eng.JobState(1)
		if !ok {
			arrived = true
			break
		}
		if s == StateFailed {
			t.Fatalf("walk job failed unexpectedly at tick %d", tick)
		}
		// Move the fake agent toward the goal each tick to emulate the
		// engine applying the commanded walking direction.
		a, _ := fake.Agent(1)
		if a.Walking {
			a.Position.X += 0.2
			fake.PutAgent(a)
		}
	}
	if !arrived {
		t.Fatalf("expected job to reach arrived state within 300 ticks")
	}
}

// scenario 2 from spec.md §8: empty path + replan_on_stuck still ends
// failed once replans are exhausted, with no progress ever made.
func TestWalkFailsAfterExhaustingReplans(t *testing.T) {
	fake, _, eng := newFixture(t)
	eng.Start(1, paramspec.Position{X: 100, Y: 100}, Options{ReplanOnStuck: true, MaxReplans: 3}, 0)

	for tick := int64(0); tick < 400; tick++ {
		// Every pending path request resolves empty (unreachable).
		if job, ok := eng.jobs[1]; ok && job.State == StatePlanning {
			fake.QueuePathResponse(job.ReqID, world.PathResponse{OK: false})
		}
		eng.Tick(context.Background(), tick)
		if _, ok := eng.JobState(1); !ok {
			break
		}
	}

	if eng.Active(1) {
		t.Fatalf("expected job to terminate")
	}
}

func TestHysteresisKeepsDirectionForSingleOctantJitter(t *testing.T) {
	opts := Options{PreferCardinal: false}
	d1 := desiredOctant(paramspec.Position{X: 0, Y: 0}, paramspec.Position{X: 10, Y: -0.01}, opts)
	d2 := desiredOctant(paramspec.Position{X: 0, Y: 0}, paramspec.Position{X: 10, Y: 0.01}, opts)
	if octantStep(d1, d2) > 1 {
		t.Fatalf("expected adjacent octants for near-identical targets, got %d and %d", d1, d2)
	}
}

func TestCancelStopsWalkingImmediately(t *testing.T) {
	fake, _, eng := newFixture(t)
	eng.Start(1, paramspec.Position{X: 10, Y: 0}, Options{}, 0)
	eng.Cancel(1)
	if eng.Active(1) {
		t.Fatalf("expected job removed after cancel")
	}
	a, _ := fake.Agent(1)
	if a.Walking {
		t.Fatalf("expected walking=false after cancel")
	}
}

func TestTopLevelWalkReportsCompletionOnArrival(t *testing.T) {
	fake := world.NewFake()
	fake.PutAgent(world.Agent{ID: 1, Position: paramspec.Position{X: 0, Y: 0}})
	facade := world.New(fake)

	var reported *envelope.Result
	eng := New(facade, func(agentID world.AgentID, result *envelope.Result) { reported = result }, nil)

	eng.Start(1, paramspec.Position{X: 1, Y: 0}, Options{ArriveRadius: 0.7}, 5)
	for id := range allReqIDs(eng) {
		fake.QueuePathResponse(id, world.PathResponse{OK: true, Waypoints: []paramspec.Position{{X: 1, Y: 0}}})
	}

	for tick := int64(5); tick < 300 && eng.Active(1); tick++ {
		eng.Tick(context.Background(), tick)
		a, _ := fake.Agent(1)
		if a.Walking {
			a.Position.X += 0.2
			fake.PutAgent(a)
		}
	}

	if reported == nil {
		t.Fatalf("expected CompletionFunc to fire for a top-level walk job")
	}
	if !reported.Ok {
		t.Fatalf("expected successful completion, got %+v", reported)
	}
	if reported.ActionID == "" {
		t.Fatalf("expected a non-empty action id on the completion result")
	}
}

func TestInternalWalkNeverReportsCompletion(t *testing.T) {
	fake := world.NewFake()
	fake.PutAgent(world.Agent{ID: 1, Position: paramspec.Position{X: 0, Y: 0}})
	facade := world.New(fake)

	called := false
	eng := New(facade, func(agentID world.AgentID, result *envelope.Result) { called = true }, nil)

	eng.StartInternal(1, paramspec.Position{X: 1, Y: 0}, Options{ArriveRadius: 0.7})
	for id := range allReqIDs(eng) {
		fake.QueuePathResponse(id, world.PathResponse{OK: true, Waypoints: []paramspec.Position{{X: 1, Y: 0}}})
	}

	for tick := int64(0); tick < 300 && eng.Active(1); tick++ {
		eng.Tick(context.Background(), tick)
		a, _ := fake.Agent(1)
		if a.Walking {
			a.Position.X += 0.2
			fake.PutAgent(a)
		}
	}

	if called {
		t.Fatalf("expected a silent (minejob-internal) walk job to never invoke CompletionFunc")
	}
}

func allReqIDs(eng *Engine) map[string]bool {
	out := make(map[string]bool)
	for _, j := range eng.jobs {
		out[j.ReqID] = true
	}
	return out
}
