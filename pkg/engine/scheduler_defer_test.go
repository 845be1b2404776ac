package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testScheduler() *Scheduler {
	return NewScheduler(SchedulerConfig{InstanceID: "engine-a"}, nil, nil, NewDispatcher(8), nil, zerolog.Nop())
}

func TestDeferredBackoffGrows(t *testing.T) {
	s := testScheduler()

	s.deferAction("a1")
	first := s.deferred["a1"]
	if first.attempts != 1 || !first.notBefore.After(time.Now()) {
		t.Fatalf("unexpected first entry: %+v", first)
	}

	s.deferAction("a1")
	second := s.deferred["a1"]
	if second.attempts != 2 {
		t.Fatalf("expected attempt count 2, got %d", second.attempts)
	}
	if !s.isDeferred("a1", time.Now()) {
		t.Error("action should be deferred right after a Busy failure")
	}
	if s.isDeferred("a1", time.Now().Add(time.Minute)) {
		t.Error("action should be runnable once the backoff passed")
	}

	s.clearDeferred("a1")
	if s.isDeferred("a1", time.Now()) {
		t.Error("cleared action should not be deferred")
	}
}

func TestStaleDeferredEntriesArePruned(t *testing.T) {
	s := testScheduler()

	// An entry whose action was cancelled or completed on another
	// instance never sees a launch to clear it.
	s.deferAction("a-stale")
	s.deferAction("a-fresh")

	s.mu.Lock()
	entry := s.deferred["a-stale"]
	entry.notBefore = time.Now().Add(-2 * deferredRetention)
	s.deferred["a-stale"] = entry
	s.mu.Unlock()

	s.pruneDeferred(time.Now())

	s.mu.Lock()
	_, stale := s.deferred["a-stale"]
	_, fresh := s.deferred["a-fresh"]
	s.mu.Unlock()
	if stale {
		t.Error("expected the stale entry to be pruned")
	}
	if !fresh {
		t.Error("expected the fresh entry to survive")
	}
}
