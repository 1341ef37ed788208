package planner

import (
	"errors"
	"testing"

	"github.com/foremanworks/foreman/storage"
)

func mkTask(id string, priority int, effort storage.Effort) *storage.Task {
	return &storage.Task{ID: id, Priority: priority, Effort: effort, Status: storage.TaskStatusPending}
}

func dependsOn(src, dst string) *storage.TaskRelationship {
	return &storage.TaskRelationship{
		ID:           storage.NewID(),
		SourceTaskID: src,
		TargetTaskID: dst,
		Type:         storage.RelDependsOn,
	}
}

func impactOf(path string, op storage.ImpactOperation) *storage.FileImpact {
	return &storage.FileImpact{ID: storage.NewID(), Path: path, Operation: op}
}

func waveIDs(p *Plan, n int) []string {
	return p.Waves[n-1].TaskIDs
}

func TestBuildWavesDependencyLayers(t *testing.T) {
	// c depends on b depends on a; d is independent
	in := Input{
		ListID: "l1",
		Tasks: []*storage.Task{
			mkTask("a", 0, storage.EffortSmall),
			mkTask("b", 0, storage.EffortSmall),
			mkTask("c", 0, storage.EffortSmall),
			mkTask("d", 0, storage.EffortSmall),
		},
		Edges: []*storage.TaskRelationship{
			dependsOn("b", "a"),
			dependsOn("c", "b"),
		},
	}

	plan, err := BuildWaves(in)
	if err != nil {
		t.Fatalf("BuildWaves: %v", err)
	}
	if len(plan.Waves) != 3 {
		t.Fatalf("expected 3 waves, got %d", len(plan.Waves))
	}
	if got := waveIDs(plan, 1); len(got) != 2 {
		t.Errorf("wave 1 should hold a and d, got %v", got)
	}
	if got := waveIDs(plan, 2); len(got) != 1 || got[0] != "b" {
		t.Errorf("wave 2 should hold b, got %v", got)
	}
	if got := waveIDs(plan, 3); len(got) != 1 || got[0] != "c" {
		t.Errorf("wave 3 should hold c, got %v", got)
	}
	if err := Validate(plan, in); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestBuildWavesWriteConflictSplits(t *testing.T) {
	in := Input{
		ListID: "l1",
		Tasks: []*storage.Task{
			mkTask("a", 0, storage.EffortSmall),
			mkTask("b", 0, storage.EffortSmall),
		},
		Impacts: map[string][]*storage.FileImpact{
			"a": {impactOf("internal/auth/service.go", storage.OpUpdate)},
			"b": {impactOf("internal/auth/service.go", storage.OpUpdate)},
		},
	}

	plan, err := BuildWaves(in)
	if err != nil {
		t.Fatalf("BuildWaves: %v", err)
	}
	if len(plan.Waves) != 2 {
		t.Fatalf("expected conflict to split into 2 waves, got %d", len(plan.Waves))
	}
	if err := Validate(plan, in); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestBuildWavesReadReadNoConflict(t *testing.T) {
	in := Input{
		ListID: "l1",
		Tasks: []*storage.Task{
			mkTask("a", 0, storage.EffortSmall),
			mkTask("b", 0, storage.EffortSmall),
		},
		Impacts: map[string][]*storage.FileImpact{
			"a": {impactOf("go.mod", storage.OpRead)},
			"b": {impactOf("go.mod", storage.OpRead)},
		},
	}

	plan, err := BuildWaves(in)
	if err != nil {
		t.Fatalf("BuildWaves: %v", err)
	}
	if len(plan.Waves) != 1 {
		t.Fatalf("read/read overlap must not split waves, got %d waves", len(plan.Waves))
	}
}

func TestBuildWavesGlobConflict(t *testing.T) {
	in := Input{
		ListID: "l1",
		Tasks: []*storage.Task{
			mkTask("a", 0, storage.EffortSmall),
			mkTask("b", 0, storage.EffortSmall),
		},
		Impacts: map[string][]*storage.FileImpact{
			"a": {impactOf("internal/api/**", storage.OpUpdate)},
			"b": {impactOf("internal/api/handlers.go", storage.OpUpdate)},
		},
	}

	plan, err := BuildWaves(in)
	if err != nil {
		t.Fatalf("BuildWaves: %v", err)
	}
	if len(plan.Waves) != 2 {
		t.Fatalf("glob overlap with write must split, got %d waves", len(plan.Waves))
	}
}

func TestBuildWavesCycle(t *testing.T) {
	in := Input{
		ListID: "l1",
		Tasks: []*storage.Task{
			mkTask("a", 0, storage.EffortSmall),
			mkTask("b", 0, storage.EffortSmall),
		},
		Edges: []*storage.TaskRelationship{
			dependsOn("a", "b"),
			dependsOn("b", "a"),
		},
	}

	_, err := BuildWaves(in)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}
	if !errors.Is(err, storage.ErrValidation) {
		t.Errorf("cycle should be a validation error, got %v", err)
	}
}

func TestBuildWavesOrdering(t *testing.T) {
	// Priority wins, then smaller effort, then id.
	in := Input{
		ListID: "l1",
		Tasks: []*storage.Task{
			mkTask("c", 1, storage.EffortLarge),
			mkTask("b", 1, storage.EffortSmall),
			mkTask("a", 5, storage.EffortEpic),
		},
	}

	plan, err := BuildWaves(in)
	if err != nil {
		t.Fatalf("BuildWaves: %v", err)
	}
	got := waveIDs(plan, 1)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("wave order %v, want %v", got, want)
		}
	}
}

func TestBuildWavesDeterministic(t *testing.T) {
	in := Input{
		ListID: "l1",
		Tasks: []*storage.Task{
			mkTask("t3", 2, storage.EffortMedium),
			mkTask("t1", 2, storage.EffortMedium),
			mkTask("t2", 2, storage.EffortMedium),
		},
		Impacts: map[string][]*storage.FileImpact{
			"t1": {impactOf("pkg/a.go", storage.OpUpdate)},
			"t2": {impactOf("pkg/a.go", storage.OpUpdate)},
		},
	}

	first, err := BuildWaves(in)
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		again, err := BuildWaves(in)
		if err != nil {
			t.Fatal(err)
		}
		if len(again.Waves) != len(first.Waves) {
			t.Fatalf("wave count varies between runs")
		}
		for w := range first.Waves {
			a, b := first.Waves[w].TaskIDs, again.Waves[w].TaskIDs
			if len(a) != len(b) {
				t.Fatalf("wave %d size varies", w+1)
			}
			for i := range a {
				if a[i] != b[i] {
					t.Fatalf("wave %d order varies: %v vs %v", w+1, a, b)
				}
			}
		}
	}
}

func TestBuildWavesCap(t *testing.T) {
	in := Input{
		ListID: "l1",
		Tasks: []*storage.Task{
			mkTask("a", 0, storage.EffortSmall),
			mkTask("b", 0, storage.EffortSmall),
			mkTask("c", 0, storage.EffortSmall),
		},
		ListCap: 2,
	}

	plan, err := BuildWaves(in)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Waves[0].MaxParallelAgents != 2 {
		t.Errorf("expected cap 2, got %d", plan.Waves[0].MaxParallelAgents)
	}

	// cap above wave size clamps to the wave size
	in.ListCap = 10
	plan, err = BuildWaves(in)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Waves[0].MaxParallelAgents != 3 {
		t.Errorf("expected cap clamped to 3, got %d", plan.Waves[0].MaxParallelAgents)
	}
}

func TestPlanListCaching(t *testing.T) {
	p := New(nil)
	in := Input{
		ListID: "l1",
		Tasks:  []*storage.Task{mkTask("a", 0, storage.EffortSmall)},
	}

	first, err := p.PlanList(in)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.PlanList(in)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected cached plan pointer")
	}

	p.Invalidate("l1")
	third, err := p.PlanList(in)
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Error("expected fresh plan after invalidation")
	}
}

func TestValidateCatchesBadPlan(t *testing.T) {
	in := Input{
		ListID: "l1",
		Tasks: []*storage.Task{
			mkTask("a", 0, storage.EffortSmall),
			mkTask("b", 0, storage.EffortSmall),
		},
		Edges: []*storage.TaskRelationship{dependsOn("b", "a")},
	}
	bad := &Plan{ListID: "l1", Waves: []PlannedWave{
		{Number: 1, TaskIDs: []string{"b"}, MaxParallelAgents: 1},
		{Number: 2, TaskIDs: []string{"a"}, MaxParallelAgents: 1},
	}}

	if err := Validate(bad, in); err == nil {
		t.Error("expected validation failure for inverted dependency")
	}
}
