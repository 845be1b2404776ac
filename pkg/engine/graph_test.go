package engine

import (
	"testing"
)

func mkAction(id string, deps ...Dependency) *Action {
	return &Action{ID: id, Type: ActionNodeCheck, DependsOn: deps}
}

func TestBuildGraphLevels(t *testing.T) {
	actions := []*Action{
		mkAction("prepare"),
		mkAction("n1", Dependency{Required: "prepare"}),
		mkAction("n2", Dependency{Required: "prepare"}),
		mkAction("finalize",
			Dependency{Required: "prepare"},
			Dependency{Required: "n1", BestEffort: true},
			Dependency{Required: "n2", BestEffort: true},
		),
	}

	g, err := BuildGraph(actions)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if g.Depth() != 3 {
		t.Fatalf("expected depth 3, got %d", g.Depth())
	}
	if len(g.Roots()) != 1 || g.Roots()[0] != "prepare" {
		t.Fatalf("expected single root prepare, got %v", g.Roots())
	}
	if len(g.Levels[1]) != 2 {
		t.Fatalf("expected 2 actions at level 1, got %v", g.Levels[1])
	}
	if len(g.Levels[2]) != 1 || g.Levels[2][0] != "finalize" {
		t.Fatalf("expected finalize at level 2, got %v", g.Levels[2])
	}
	if len(g.Dependents["prepare"]) != 3 {
		t.Fatalf("expected prepare to unblock 3 actions, got %v", g.Dependents["prepare"])
	}
}

func TestBuildGraphRejectsUnknownDependency(t *testing.T) {
	_, err := BuildGraph([]*Action{
		mkAction("a", Dependency{Required: "ghost"}),
	})
	if err == nil {
		t.Fatal("expected error for edge to unknown action")
	}
}

func TestBuildGraphRejectsDuplicateIDs(t *testing.T) {
	_, err := BuildGraph([]*Action{mkAction("a"), mkAction("a")})
	if err == nil {
		t.Fatal("expected error for duplicate action IDs")
	}
}

func TestBuildGraphRejectsCycle(t *testing.T) {
	_, err := BuildGraph([]*Action{
		mkAction("a", Dependency{Required: "c"}),
		mkAction("b", Dependency{Required: "a"}),
		mkAction("c", Dependency{Required: "b"}),
	})
	if err == nil {
		t.Fatal("expected error for circular dependency")
	}
}

func TestBuildGraphSingleAction(t *testing.T) {
	g, err := BuildGraph([]*Action{mkAction("only")})
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if g.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", g.Depth())
	}
}
