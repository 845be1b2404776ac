package stores

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openherd/openherd/pkg/engine"
)

func TestMemoryLockMutualExclusion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.AcquireLock(ctx, "cluster-1", "engine-1", "a1", time.Minute)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !engine.IsBusy(err) {
				t.Errorf("worker %d: unexpected error: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestMemoryAcquireActionSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := testAction("a1", "op-1", engine.ActionStatusReady)
	if err := store.CreateAction(ctx, a); err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.AcquireAction(ctx, "a1", "engine-1")
			if err != nil {
				t.Errorf("AcquireAction failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestMemoryCascadeMatchesSQLite(t *testing.T) {
	ctx := context.Background()

	// Both implementations must resolve the same graph identically.
	run := func(t *testing.T, store engine.Store) {
		a := testAction("a1", "op-1", engine.ActionStatusRunning)
		b := testAction("b1", "op-1", engine.ActionStatusWaiting, engine.Dependency{Required: "a1"})
		fin := testAction("fin", "op-1", engine.ActionStatusWaiting,
			engine.Dependency{Required: "a1", BestEffort: true},
			engine.Dependency{Required: "b1", BestEffort: true})
		for _, act := range []*engine.Action{a, b, fin} {
			if err := store.CreateAction(ctx, act); err != nil {
				t.Fatalf("CreateAction failed: %v", err)
			}
		}

		if err := store.CompleteAction(ctx, "a1", engine.ActionStatusFailed, "boom", nil); err != nil {
			t.Fatalf("CompleteAction failed: %v", err)
		}

		got, err := store.GetAction(ctx, "b1")
		if err != nil {
			t.Fatalf("GetAction failed: %v", err)
		}
		if got.Status != engine.ActionStatusCancelled {
			t.Errorf("b1: expected CANCELLED, got %s", got.Status)
		}

		// fin only has best-effort edges, both now terminal
		got, err = store.GetAction(ctx, "fin")
		if err != nil {
			t.Fatalf("GetAction failed: %v", err)
		}
		if got.Status != engine.ActionStatusReady {
			t.Errorf("fin: expected READY, got %s", got.Status)
		}
	}

	t.Run("memory", func(t *testing.T) { run(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { run(t, setupTestStore(t)) })
}

func TestCancelFlagMatchesSQLite(t *testing.T) {
	ctx := context.Background()

	// Cancelling an operation must flag its RUNNING actions identically
	// in both implementations, and a flagged action can still be
	// requeued for takeover.
	run := func(t *testing.T, store engine.Store) {
		running := testAction("a1", "op-1", engine.ActionStatusRunning)
		running.Owner = "engine-1"
		if err := store.CreateAction(ctx, running); err != nil {
			t.Fatalf("CreateAction failed: %v", err)
		}

		if _, err := store.CancelOperation(ctx, "op-1"); err != nil {
			t.Fatalf("CancelOperation failed: %v", err)
		}

		got, err := store.GetAction(ctx, "a1")
		if err != nil {
			t.Fatalf("GetAction failed: %v", err)
		}
		if got.Status != engine.ActionStatusRunning {
			t.Fatalf("expected RUNNING, got %s", got.Status)
		}
		if !got.CancelRequested {
			t.Fatal("expected the cancel request to be flagged")
		}

		ok, err := store.RequeueAction(ctx, "a1")
		if err != nil {
			t.Fatalf("RequeueAction failed: %v", err)
		}
		if !ok {
			t.Fatal("expected the action to be requeued")
		}
		got, err = store.GetAction(ctx, "a1")
		if err != nil {
			t.Fatalf("GetAction failed: %v", err)
		}
		if got.Status != engine.ActionStatusReady || got.Owner != "" {
			t.Errorf("expected READY with no owner, got %s owned by %q", got.Status, got.Owner)
		}
	}

	t.Run("memory", func(t *testing.T) { run(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { run(t, setupTestStore(t)) })
}

func TestMemoryResetOrphanActions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := testAction("a1", "op-1", engine.ActionStatusRunning)
	a.Owner = "engine-dead"
	if err := store.CreateAction(ctx, a); err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}

	n, err := store.ResetOrphanActions(ctx, "engine-dead")
	if err != nil {
		t.Fatalf("ResetOrphanActions failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}

	got, err := store.GetAction(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if got.Status != engine.ActionStatusReady {
		t.Errorf("expected READY, got %s", got.Status)
	}
}
