// Package queue implements the bounded action queue (spec.md §4.5, C5):
// a FIFO keyed by optional grouping key with integer priority (lower runs
// first), drained per tick up to a cap, rejecting with CAPACITY once full.
// The priority/enqueue-order insertion-sort is grounded on the teacher's
// ConcurrencyController.sortQueue (internal/scheduler/concurrency_control.go).
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/antigravity-dev/factoryverse/internal/envelope"
)

// Intent is one queued action awaiting a drain.
type Intent struct {
	Seq         uint64
	ActionName  string
	Params      any
	Key         string
	Priority    int
	EnqueueTick int64
}

// Invoker runs one action through the registry pipeline (C4) and returns
// its envelope.
type Invoker func(ctx context.Context, tick int64, actionName string, params any) *envelope.Result

// Persister writes/restores queue contents so it survives host reloads
// (spec.md §4.5 "queue state is written into the host's persisted store").
type Persister interface {
	SaveQueue(items []Intent) error
	LoadQueue() ([]Intent, error)
}

// Queue is the bounded FIFO. Zero value is not usable; construct with New.
type Queue struct {
	mu        sync.Mutex
	items     []Intent
	maxSize   int
	immediate bool
	invoke    Invoker
	persist   Persister
	nextSeq   uint64
}

// New constructs a queue bounded at maxSize, draining through invoke.
// persist may be nil to disable persistence (tests, dry runs).
func New(maxSize int, invoke Invoker, persist Persister) *Queue {
	return &Queue{maxSize: maxSize, invoke: invoke, persist: persist}
}

// Restore reloads persisted queue contents at orchestrator init, per
// spec.md §4.13 ("restore persisted queue state").
func (q *Queue) Restore() error {
	if q.persist == nil {
		return nil
	}
	items, err := q.persist.LoadQueue()
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = items
	for _, it := range items {
		if it.Seq >= q.nextSeq {
			q.nextSeq = it.Seq + 1
		}
	}
	q.sortLocked()
	return nil
}

// SetImmediateMode toggles whether Enqueue short-circuits through the
// invoker rather than queuing — spec.md §4.5 "set_immediate_mode(bool)".
func (q *Queue) SetImmediateMode(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.immediate = on
}

// Enqueue adds one intent, or (in immediate mode) runs it synchronously.
// Returns a CAPACITY envelope when the bounded queue is full.
func (q *Queue) Enqueue(ctx context.Context, tick int64, actionName string, params any, key string, priority int) *envelope.Result {
	q.mu.Lock()
	immediate := q.immediate
	if immediate {
		q.mu.Unlock()
		return q.invoke(ctx, tick, actionName, params)
	}

	if len(q.items) >= q.maxSize {
		q.mu.Unlock()
		return envelope.Fail(tick, envelope.CategoryCapacity, "QUEUE_FULL", fmt.Sprintf("queue at capacity (%d)", q.maxSize))
	}

	it := Intent{Seq: q.nextSeq, ActionName: actionName, Params: params, Key: key, Priority: priority, EnqueueTick: tick}
	q.nextSeq++
	q.items = append(q.items, it)
	q.sortLocked()
	q.persistLocked()
	q.mu.Unlock()

	return envelope.Ack(tick, map[string]any{"enqueued": true})
}

// ProcessSome drains up to maxActions items in (priority asc, enqueue
// order asc) order, invoking each and returning its envelope — spec.md
// §4.5's process_some.
func (q *Queue) ProcessSome(ctx context.Context, tick int64, maxActions int) []*envelope.Result {
	return q.drain(ctx, tick, maxActions, func(Intent) bool { return true })
}

// ProcessKey drains every queued item matching key, regardless of cap —
// spec.md §4.5's process_key.
func (q *Queue) ProcessKey(ctx context.Context, tick int64, key string) []*envelope.Result {
	return q.drain(ctx, tick, -1, func(it Intent) bool { return it.Key == key })
}

// ProcessAll drains the entire queue — spec.md §4.5's process_all.
func (q *Queue) ProcessAll(ctx context.Context, tick int64) []*envelope.Result {
	return q.drain(ctx, tick, -1, func(Intent) bool { return true })
}

func (q *Queue) drain(ctx context.Context, tick int64, maxActions int, match func(Intent) bool) []*envelope.Result {
	q.mu.Lock()
	var toRun []Intent
	var remaining []Intent
	for _, it := range q.items {
		if (maxActions < 0 || len(toRun) < maxActions) && match(it) {
			toRun = append(toRun, it)
		} else {
			remaining = append(remaining, it)
		}
	}
	q.items = remaining
	q.persistLocked()
	q.mu.Unlock()

	results := make([]*envelope.Result, 0, len(toRun))
	for _, it := range toRun {
		results = append(results, q.invoke(ctx, tick, it.ActionName, it.Params))
	}
	return results
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// sortLocked keeps items ordered by (priority asc, Seq asc); caller must
// hold q.mu. Insertion sort mirrors the teacher's sortQueue — the overflow
// queues this spec cares about stay small (bounded by max_queue_size), so
// the simple O(n) insertion pass is adequate and keeps ordering stable.
func (q *Queue) sortLocked() {
	for i := 1; i < len(q.items); i++ {
		j := i
		for j > 0 && less(q.items[j], q.items[j-1]) {
			q.items[j], q.items[j-1] = q.items[j-1], q.items[j]
			j--
		}
	}
}

func less(a, b Intent) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

func (q *Queue) persistLocked() {
	if q.persist == nil {
		return
	}
	snapshot := make([]Intent, len(q.items))
	copy(snapshot, q.items)
	_ = q.persist.SaveQueue(snapshot)
}
