package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func memTask(id, project string) *Task {
	return &Task{
		ID:        id,
		ShortID:   ShortID(id),
		Title:     "task " + id,
		Category:  CategoryTask,
		Effort:    EffortSmall,
		Status:    TaskStatusPending,
		ProjectID: project,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestMemoryTaskRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	task := memTask("t1", "p1")
	if err := m.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	// same row key again is a no-op
	if err := m.InsertTask(ctx, task); err != nil {
		t.Errorf("re-insert should be idempotent, got %v", err)
	}

	got, err := m.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	got.Title = "mutated"
	again, err := m.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Title == "mutated" {
		t.Error("store must hand out copies, not shared pointers")
	}

	if err := m.UpdateTask(ctx, memTask("nope", "p1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("update of missing task should fail, got %v", err)
	}
}

func TestMemoryTaskCounters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.InsertTask(ctx, memTask("t1", "p1")); err != nil {
		t.Fatal(err)
	}

	n, err := m.IncrementTaskCounter(ctx, "t1", CounterRetry, 1)
	if err != nil || n != 1 {
		t.Fatalf("increment = (%d, %v), want (1, nil)", n, err)
	}
	n, err = m.IncrementTaskCounter(ctx, "t1", CounterRetry, 2)
	if err != nil || n != 3 {
		t.Fatalf("increment = (%d, %v), want (3, nil)", n, err)
	}

	// plain updates must not clobber counters
	task, err := m.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	task.RetryCount = 0
	task.Title = "renamed"
	if err := m.UpdateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryCount != 3 {
		t.Errorf("update clobbered retry count: %d", got.RetryCount)
	}
	if got.Title != "renamed" {
		t.Errorf("update lost the rename: %q", got.Title)
	}

	if err := m.ResetTaskCounter(ctx, "t1", CounterRetry); err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetTask(ctx, "t1")
	if got.RetryCount != 0 {
		t.Errorf("reset left retry count %d", got.RetryCount)
	}

	if _, err := m.IncrementTaskCounter(ctx, "t1", TaskCounter("bogus"), 1); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown counter should fail validation, got %v", err)
	}
	if _, err := m.IncrementTaskCounter(ctx, "ghost", CounterRetry, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing task should be not found, got %v", err)
	}
}

func TestMemoryListTasksFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	queued := memTask("q1", "p1")
	listed := memTask("l1", "p1")
	listed.ListID = "list-1"
	listed.Status = TaskStatusRunning
	other := memTask("o1", "p2")
	for _, task := range []*Task{queued, listed, other} {
		if err := m.InsertTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	got, err := m.ListTasks(ctx, TaskFilter{ProjectID: "p1", EvaluationQueue: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "q1" {
		t.Errorf("evaluation queue filter returned %v", ids(got))
	}

	got, err = m.ListTasks(ctx, TaskFilter{ListID: "list-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "l1" {
		t.Errorf("list filter returned %v", ids(got))
	}

	got, err = m.ListTasks(ctx, TaskFilter{Status: TaskStatusRunning})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "l1" {
		t.Errorf("status filter returned %v", ids(got))
	}

	got, err = m.ListTasks(ctx, TaskFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("limit 2 returned %d tasks", len(got))
	}
	got, err = m.ListTasks(ctx, TaskFilter{Offset: 5})
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("offset past the end should return nothing, got %v", ids(got))
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}

func TestMemoryRelationshipCycleRejected(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	edge := func(src, dst string) error {
		return m.InsertRelationship(ctx, &TaskRelationship{
			ID:           NewID(),
			SourceTaskID: src,
			TargetTaskID: dst,
			Type:         RelDependsOn,
			CreatedAt:    time.Now().UTC(),
		})
	}

	if err := edge("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := edge("b", "c"); err != nil {
		t.Fatal(err)
	}
	// c -> a closes the cycle through b
	if err := edge("c", "a"); !errors.Is(err, ErrValidation) {
		t.Errorf("cycle edge should fail validation, got %v", err)
	}
	if err := edge("a", "b"); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate edge should conflict, got %v", err)
	}

	edges, err := m.ListRelationshipsForTasks(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 2 {
		t.Errorf("expected 2 stored edges, got %d", len(edges))
	}
}

func TestMemorySingleActiveExecution(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := &ExecutionRun{
		ID: "e1", ListID: "list-1", Status: ExecutionRunning, StartedAt: time.Now().UTC(),
	}
	if err := m.InsertExecution(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &ExecutionRun{
		ID: "e2", ListID: "list-1", Status: ExecutionPlanning, StartedAt: time.Now().UTC(),
	}
	if err := m.InsertExecution(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("second active run should conflict, got %v", err)
	}

	active, err := m.GetActiveExecution(ctx, "list-1")
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != "e1" {
		t.Errorf("active run %s, want e1", active.ID)
	}

	// terminal runs free the list for a new run
	now := time.Now().UTC()
	first.Status = ExecutionCompleted
	first.EndedAt = &now
	if err := m.UpdateExecution(ctx, first); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetActiveExecution(ctx, "list-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("finished run must not be active, got %v", err)
	}
	if err := m.InsertExecution(ctx, second); err != nil {
		t.Errorf("new run after completion should insert, got %v", err)
	}
}

func TestMemoryExecutionCounters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	run := &ExecutionRun{ID: "e1", ListID: "l1", Status: ExecutionRunning, TotalTasks: 3, StartedAt: time.Now().UTC()}
	if err := m.InsertExecution(ctx, run); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := m.IncrementExecutionCounters(ctx, "e1", 1, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.IncrementExecutionCounters(ctx, "e1", 0, 1); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedTasks != 2 || got.FailedTasks != 1 {
		t.Errorf("counters = %d/%d, want 2/1", got.CompletedTasks, got.FailedTasks)
	}
}

func TestMemoryUpsertImpactReplaces(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	fi := &FileImpact{
		ID: "i1", TaskID: "t1", Path: "api/server.go", Operation: OpUpdate,
		Confidence: 0.4, Source: SourceAIEstimate, CreatedAt: time.Now().UTC(),
	}
	if err := m.UpsertImpact(ctx, fi); err != nil {
		t.Fatal(err)
	}

	// same (task, path, op) key: replaces confidence and source, keeps the id
	update := &FileImpact{
		ID: "i2", TaskID: "t1", Path: "api/server.go", Operation: OpUpdate,
		Confidence: 1.0, Source: SourceUserDeclared, CreatedAt: time.Now().UTC(),
	}
	if err := m.UpsertImpact(ctx, update); err != nil {
		t.Fatal(err)
	}
	if update.ID != "i1" {
		t.Errorf("upsert should adopt the stored id, got %s", update.ID)
	}

	impacts, err := m.ListImpactsByTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(impacts) != 1 {
		t.Fatalf("expected 1 impact, got %d", len(impacts))
	}
	if impacts[0].Confidence != 1.0 || impacts[0].Source != SourceUserDeclared {
		t.Errorf("replace did not apply: %+v", impacts[0])
	}

	if err := m.MarkImpactAccuracy(ctx, "i1", true); err != nil {
		t.Fatal(err)
	}
	impacts, _ = m.ListImpactsByTask(ctx, "t1")
	if impacts[0].Accurate == nil || !*impacts[0].Accurate {
		t.Error("accuracy mark not applied")
	}

	if err := m.DeleteImpact(ctx, "t1", "api/server.go", OpUpdate); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteImpact(ctx, "t1", "api/server.go", OpUpdate); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should be not found, got %v", err)
	}
}

func TestMemoryRecentFailuresNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		err := m.InsertFailure(ctx, &FailureRecord{
			ID: NewID(), TaskID: "t1", Attempt: i,
			Class: ClassTransient, Category: CatNetwork,
			Message:   fmt.Sprintf("attempt %d", i),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// unrelated task noise
	if err := m.InsertFailure(ctx, &FailureRecord{ID: NewID(), TaskID: "t2", Attempt: 1, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	recent, err := m.RecentFailures(ctx, "t1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recent))
	}
	for i, want := range []int{5, 4, 3} {
		if recent[i].Attempt != want {
			t.Errorf("record %d attempt %d, want %d", i, recent[i].Attempt, want)
		}
	}
}

func TestMemoryExpireSuggestions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	stale := &GroupingSuggestion{
		ID: "s1", Status: SuggestionPending, TaskIDs: []string{"a", "b"},
		ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour),
	}
	fresh := &GroupingSuggestion{
		ID: "s2", Status: SuggestionPending, TaskIDs: []string{"c", "d"},
		ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}
	accepted := &GroupingSuggestion{
		ID: "s3", Status: SuggestionAccepted, TaskIDs: []string{"e", "f"},
		ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour),
	}
	for _, s := range []*GroupingSuggestion{stale, fresh, accepted} {
		if err := m.InsertSuggestion(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	n, err := m.ExpireSuggestions(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired, got %d", n)
	}

	got, err := m.GetSuggestion(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != SuggestionExpired {
		t.Errorf("stale suggestion status %s, want expired", got.Status)
	}
	got, _ = m.GetSuggestion(ctx, "s2")
	if got.Status != SuggestionPending {
		t.Errorf("fresh suggestion flipped to %s", got.Status)
	}
	got, _ = m.GetSuggestion(ctx, "s3")
	if got.Status != SuggestionAccepted {
		t.Errorf("accepted suggestion flipped to %s", got.Status)
	}
}

func TestMemoryGuardSingleWriter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	g1, err := m.AcquireGuard(ctx, "list-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.AcquireGuard(ctx, "list-1"); !errors.Is(err, ErrConflict) {
		t.Errorf("second acquire should conflict, got %v", err)
	}
	// a different key is independent
	g2, err := m.AcquireGuard(ctx, "list-2")
	if err != nil {
		t.Fatal(err)
	}
	defer g2.Release(ctx)

	if err := g1.Release(ctx); err != nil {
		t.Fatal(err)
	}
	// release is idempotent
	if err := g1.Release(ctx); err != nil {
		t.Fatal(err)
	}
	g3, err := m.AcquireGuard(ctx, "list-1")
	if err != nil {
		t.Fatalf("re-acquire after release should work, got %v", err)
	}
	g3.Release(ctx)
}

func TestShortID(t *testing.T) {
	if got := ShortID("1a2b3c4d-0000-0000-0000-000000000000"); got != "T-1a2b3c" {
		t.Errorf("ShortID = %q", got)
	}
	if got := ShortID("ab"); got != "T-ab" {
		t.Errorf("short input should pass through, got %q", got)
	}
}
