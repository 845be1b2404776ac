package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeRegistry is an in-memory ServiceRegistry for membership tests.
type fakeRegistry struct {
	mu      sync.Mutex
	records map[string]*EngineRecord
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: make(map[string]*EngineRecord)}
}

func (f *fakeRegistry) Heartbeat(_ context.Context, id, hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		r = &EngineRecord{ID: id, Hostname: hostname}
		f.records[id] = r
	}
	r.Status = EngineStatusUp
	r.LastHeartbeat = time.Now()
	return nil
}

func (f *fakeRegistry) ListEngines(_ context.Context) ([]*EngineRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*EngineRecord, 0, len(f.records))
	for _, r := range f.records {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRegistry) MarkEngineDown(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[id]; ok {
		r.Status = EngineStatusDown
	}
	return nil
}

func (f *fakeRegistry) PurgeEngines(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	purged := 0
	for id, r := range f.records {
		if r.Status == EngineStatusDown && r.LastHeartbeat.Before(cutoff) {
			delete(f.records, id)
			purged++
		}
	}
	return purged, nil
}

func (f *fakeRegistry) backdate(id string, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[id]; ok {
		r.LastHeartbeat = time.Now().Add(-age)
	}
}

func testMembership(reg *fakeRegistry, id string, onChange func([]string)) *Membership {
	return NewMembership(reg, MembershipConfig{
		InstanceID:        id,
		Hostname:          "host-" + id,
		HeartbeatInterval: 50 * time.Millisecond,
		GracePeriod:       150 * time.Millisecond,
		Retention:         time.Hour,
	}, zerolog.Nop(), onChange)
}

func TestMembershipTickRegistersSelf(t *testing.T) {
	reg := newFakeRegistry()
	var views [][]string
	m := testMembership(reg, "engine-a", func(live []string) {
		views = append(views, live)
	})

	if err := m.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(views) != 1 || len(views[0]) != 1 || views[0][0] != "engine-a" {
		t.Fatalf("expected initial view [engine-a], got %v", views)
	}

	// A second tick with an unchanged view must not re-notify.
	if err := m.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected no change notification, got %d views", len(views))
	}
}

func TestMembershipMarksStaleInstanceDown(t *testing.T) {
	reg := newFakeRegistry()
	if err := reg.Heartbeat(context.Background(), "engine-b", "host-b"); err != nil {
		t.Fatal(err)
	}
	reg.backdate("engine-b", time.Second)

	var last []string
	m := testMembership(reg, "engine-a", func(live []string) { last = live })

	if err := m.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(last) != 1 || last[0] != "engine-a" {
		t.Fatalf("expected stale engine-b excluded from view, got %v", last)
	}

	records, _ := reg.ListEngines(context.Background())
	for _, r := range records {
		if r.ID == "engine-b" && r.Status != EngineStatusDown {
			t.Fatalf("expected engine-b marked DOWN, got %s", r.Status)
		}
	}
}

func TestMembershipViewChangesOnJoin(t *testing.T) {
	reg := newFakeRegistry()
	var views [][]string
	m := testMembership(reg, "engine-a", func(live []string) {
		cp := make([]string, len(live))
		copy(cp, live)
		views = append(views, cp)
	})

	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := reg.Heartbeat(context.Background(), "engine-b", "host-b"); err != nil {
		t.Fatal(err)
	}
	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(views) != 2 {
		t.Fatalf("expected 2 change notifications, got %d", len(views))
	}
	if len(views[1]) != 2 || views[1][0] != "engine-a" || views[1][1] != "engine-b" {
		t.Fatalf("expected sorted view [engine-a engine-b], got %v", views[1])
	}
}

func TestMembershipIsAlive(t *testing.T) {
	reg := newFakeRegistry()
	m := testMembership(reg, "engine-a", nil)
	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	alive, err := m.IsAlive(context.Background(), "engine-a")
	if err != nil || !alive {
		t.Fatalf("expected engine-a alive, got %v %v", alive, err)
	}
	alive, err = m.IsAlive(context.Background(), "engine-x")
	if err != nil || alive {
		t.Fatalf("expected unknown instance not alive, got %v %v", alive, err)
	}

	reg.backdate("engine-a", time.Second)
	alive, err = m.IsAlive(context.Background(), "engine-a")
	if err != nil || alive {
		t.Fatalf("expected stale instance not alive, got %v %v", alive, err)
	}
}

func TestMembershipRunStopsOnCancel(t *testing.T) {
	reg := newFakeRegistry()
	m := testMembership(reg, "engine-a", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(120 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
