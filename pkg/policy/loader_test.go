package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/engine"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	for _, id := range []string{ScalingPolicyID, DeletionPolicyID, HealthPolicyID} {
		if _, ok := r.Lookup(id); !ok {
			t.Errorf("built-in %s not registered", id)
		}
	}
	if _, ok := r.Lookup("no-such-policy"); ok {
		t.Error("unknown policy should not resolve")
	}
}

func TestRegistryReplaceAndShadow(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	custom, err := NewStarlarkPolicy(ScalingPolicyID, "def pre_check(ctx):\n    return {\"allow\": False, \"reason\": \"shadowed\"}\n")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	r.Replace([]engine.PolicyChecker{custom})

	got, ok := r.Lookup(ScalingPolicyID)
	if !ok {
		t.Fatal("shadowed policy missing")
	}
	if _, isStarlark := got.(*StarlarkPolicy); !isStarlark {
		t.Errorf("loaded policy should shadow built-in, got %T", got)
	}

	// Replacing with an empty set restores the built-in.
	r.Replace(nil)
	got, _ = r.Lookup(ScalingPolicyID)
	if _, isBuiltin := got.(*ScalingPolicy); !isBuiltin {
		t.Errorf("built-in should be visible again, got %T", got)
	}
}

func TestLoaderLoadsDirectory(t *testing.T) {
	dir := t.TempDir()

	rego := `package herdtest

default precheck := {"allow": true}
`
	star := "def post_check(ctx):\n    return {\"allow\": True}\n"
	junk := "not a policy"

	writeFile(t, filepath.Join(dir, "quota.rego"), rego)
	writeFile(t, filepath.Join(dir, "audit.star"), star)
	writeFile(t, filepath.Join(dir, "README.md"), junk)

	r := NewRegistry(zerolog.Nop())
	l := NewLoader(r, zerolog.Nop())

	if err := l.LoadFromPaths(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	if _, ok := r.Lookup("quota"); !ok {
		t.Error("rego policy not loaded")
	}
	if _, ok := r.Lookup("audit"); !ok {
		t.Error("starlark policy not loaded")
	}
}

func TestLoaderSkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "good.star"), "def pre_check(ctx):\n    return {\"allow\": True}\n")
	writeFile(t, filepath.Join(dir, "bad.star"), "def pre_check(\n")

	r := NewRegistry(zerolog.Nop())
	l := NewLoader(r, zerolog.Nop())

	if err := l.LoadFromPaths(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if _, ok := r.Lookup("good"); !ok {
		t.Error("valid policy should survive a broken neighbor")
	}
	if _, ok := r.Lookup("bad"); ok {
		t.Error("broken policy should not be registered")
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "first.star"), "def pre_check(ctx):\n    return {\"allow\": True}\n")

	r := NewRegistry(zerolog.Nop())
	l := NewLoader(r, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.LoadFromPaths(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if err := l.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer l.StopWatching()

	writeFile(t, filepath.Join(dir, "second.star"), "def post_check(ctx):\n    return {\"allow\": True}\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Lookup("second"); ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("new policy never appeared after file write")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
