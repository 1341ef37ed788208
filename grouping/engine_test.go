package grouping

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/foremanworks/foreman/storage"
)

func newTask(project, title string, cat storage.TaskCategory, components ...string) *storage.Task {
	return &storage.Task{
		ID:         storage.NewID(),
		ShortID:    storage.NewID()[:8],
		Title:      title,
		Category:   cat,
		Effort:     storage.EffortSmall,
		Status:     storage.TaskStatusPending,
		ProjectID:  project,
		Components: components,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
}

func seedQueue(t *testing.T, store storage.Store, tasks ...*storage.Task) {
	t.Helper()
	for _, task := range tasks {
		if err := store.InsertTask(context.Background(), task); err != nil {
			t.Fatal(err)
		}
	}
}

func addImpact(t *testing.T, store storage.Store, taskID, path string) {
	t.Helper()
	if err := store.UpsertImpact(context.Background(), &storage.FileImpact{
		ID:        storage.NewID(),
		TaskID:    taskID,
		Path:      path,
		Operation: storage.OpUpdate,
		Source:    storage.SourceUserDeclared,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSuggestGroupsRelatedTasks(t *testing.T) {
	store := storage.NewMemory()
	e := New(store, DefaultOptions(), nil)
	ctx := context.Background()

	// two auth tasks sharing files, components and wording; one unrelated
	a := newTask("p1", "Refactor auth token validation", storage.CategoryRefactor, "auth")
	b := newTask("p1", "Refactor auth token validation retries", storage.CategoryRefactor, "auth")
	c := newTask("p1", "Write deployment docs", storage.CategoryDocumentation, "docs")
	seedQueue(t, store, a, b, c)
	addImpact(t, store, a.ID, "internal/auth/token.go")
	addImpact(t, store, b.ID, "internal/auth/token.go")

	suggestions, err := e.Suggest(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(suggestions))
	}

	sug := suggestions[0]
	if len(sug.TaskIDs) != 2 {
		t.Fatalf("expected a pair, got %v", sug.TaskIDs)
	}
	got := map[string]bool{sug.TaskIDs[0]: true, sug.TaskIDs[1]: true}
	if !got[a.ID] || !got[b.ID] {
		t.Errorf("expected tasks %s and %s, got %v", a.ID, b.ID, sug.TaskIDs)
	}
	if sug.Status != storage.SuggestionPending {
		t.Errorf("expected pending status, got %s", sug.Status)
	}
	if sug.Score < 0.6 {
		t.Errorf("score below threshold: %f", sug.Score)
	}
	if len(sug.Reasons) == 0 {
		t.Error("expected reasons")
	}
	if sug.ExpiresAt.Before(time.Now().Add(6 * 24 * time.Hour)) {
		t.Error("expected ~7d expiry")
	}
}

func TestSuggestOrderIndependent(t *testing.T) {
	ctx := context.Background()

	build := func(order []int) []string {
		store := storage.NewMemory()
		e := New(store, DefaultOptions(), nil)
		tasks := []*storage.Task{
			{ID: "t1", Title: "Improve billing invoice export", Category: storage.CategoryFeature, ProjectID: "p", Components: []string{"billing"}},
			{ID: "t2", Title: "Improve billing invoice totals", Category: storage.CategoryFeature, ProjectID: "p", Components: []string{"billing"}},
			{ID: "t3", Title: "Tune cache eviction", Category: storage.CategoryTask, ProjectID: "p", Components: []string{"cache"}},
		}
		for _, i := range order {
			task := *tasks[i]
			task.Status = storage.TaskStatusPending
			if err := store.InsertTask(ctx, &task); err != nil {
				t.Fatal(err)
			}
		}
		addImpact(t, store, "t1", "billing/shared.go")
		addImpact(t, store, "t2", "billing/shared.go")

		sugs, err := e.Suggest(ctx, "p")
		if err != nil {
			t.Fatal(err)
		}
		if len(sugs) != 1 {
			t.Fatalf("expected 1 suggestion, got %d", len(sugs))
		}
		return sugs[0].TaskIDs
	}

	first := build([]int{0, 1, 2})
	second := build([]int{2, 1, 0})
	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Errorf("grouping depends on input order: %v vs %v", first, second)
	}
}

func TestSuggestSkipsSmallQueues(t *testing.T) {
	store := storage.NewMemory()
	e := New(store, DefaultOptions(), nil)

	seedQueue(t, store, newTask("p1", "Lonely task", storage.CategoryTask))

	sugs, err := e.Suggest(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if sugs != nil {
		t.Errorf("expected no suggestions for a single task, got %d", len(sugs))
	}
}

func TestSuggestNaming(t *testing.T) {
	store := storage.NewMemory()
	e := New(store, DefaultOptions(), nil)
	ctx := context.Background()

	a := newTask("p1", "Upgrade payment gateway client", storage.CategoryInfrastructure, "payment")
	b := newTask("p1", "Upgrade payment gateway retries", storage.CategoryInfrastructure, "payment")
	seedQueue(t, store, a, b)
	addImpact(t, store, a.ID, "payment/client.go")
	addImpact(t, store, b.ID, "payment/client.go")

	sugs, err := e.Suggest(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sugs) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(sugs))
	}
	name := sugs[0].ProposedName
	if name == "" {
		t.Fatal("expected a proposed name")
	}
	// the dominant title word should drive the name
	if name != "Upgrade Tasks" && name != "Payment Tasks" {
		t.Errorf("unexpected name %q", name)
	}
}

func TestAcceptCreatesListAndMovesTasks(t *testing.T) {
	store := storage.NewMemory()
	e := New(store, DefaultOptions(), nil)
	ctx := context.Background()

	a := newTask("p1", "Harden session cookie validation", storage.CategoryBug, "auth")
	b := newTask("p1", "Harden session cookie rotation", storage.CategoryBug, "auth")
	seedQueue(t, store, a, b)
	addImpact(t, store, a.ID, "internal/session/session.go")
	addImpact(t, store, b.ID, "internal/session/session.go")

	sugs, err := e.Suggest(ctx, "p1")
	if err != nil || len(sugs) != 1 {
		t.Fatalf("suggest: %v (%d suggestions)", err, len(sugs))
	}

	list, err := e.Accept(ctx, sugs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if list.Status != storage.ListStatusReady {
		t.Errorf("expected ready list, got %s", list.Status)
	}

	for _, id := range sugs[0].TaskIDs {
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if task.ListID != list.ID {
			t.Errorf("task %s not moved into list", id)
		}
		if task.InEvaluationQueue() {
			t.Errorf("task %s still in evaluation queue", id)
		}
	}

	sug, err := store.GetSuggestion(ctx, sugs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if sug.Status != storage.SuggestionAccepted {
		t.Errorf("expected accepted, got %s", sug.Status)
	}
}

func TestRejectLeavesTasksInQueue(t *testing.T) {
	store := storage.NewMemory()
	e := New(store, DefaultOptions(), nil)
	ctx := context.Background()

	a := newTask("p1", "Speed up search index sharding", storage.CategoryTask, "search")
	b := newTask("p1", "Speed up search index caching", storage.CategoryTask, "search")
	seedQueue(t, store, a, b)
	addImpact(t, store, a.ID, "search/index.go")
	addImpact(t, store, b.ID, "search/index.go")

	sugs, err := e.Suggest(ctx, "p1")
	if err != nil || len(sugs) != 1 {
		t.Fatalf("suggest: %v (%d suggestions)", err, len(sugs))
	}

	if err := e.Reject(ctx, sugs[0].ID); err != nil {
		t.Fatal(err)
	}

	for _, id := range sugs[0].TaskIDs {
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !task.InEvaluationQueue() {
			t.Errorf("rejected suggestion must not move task %s", id)
		}
	}
}

func TestSweepExpiresPending(t *testing.T) {
	store := storage.NewMemory()
	opts := DefaultOptions()
	opts.Expiry = -time.Hour // already expired on creation
	e := New(store, opts, nil)
	ctx := context.Background()

	a := newTask("p1", "Migrate avatar storage bucket", storage.CategoryInfrastructure, "storage")
	b := newTask("p1", "Migrate avatar storage worker", storage.CategoryInfrastructure, "storage")
	seedQueue(t, store, a, b)
	addImpact(t, store, a.ID, "workers/avatar.go")
	addImpact(t, store, b.ID, "workers/avatar.go")

	sugs, err := e.Suggest(ctx, "p1")
	if err != nil || len(sugs) != 1 {
		t.Fatalf("suggest: %v (%d suggestions)", err, len(sugs))
	}

	n, err := e.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired, got %d", n)
	}

	sug, err := store.GetSuggestion(ctx, sugs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if sug.Status != storage.SuggestionExpired {
		t.Errorf("expected expired, got %s", sug.Status)
	}
}

func TestDependencyScore(t *testing.T) {
	deps := map[string]map[string]bool{
		"a": {"c": true},
		"b": {"c": true},
		"d": {"a": true},
	}
	if got := dependencyScore("d", "a", deps); got != 1.0 {
		t.Errorf("direct edge = %f, want 1.0", got)
	}
	if got := dependencyScore("a", "b", deps); got != 0.7 {
		t.Errorf("shared dependency = %f, want 0.7", got)
	}
	if got := dependencyScore("b", "d", deps); got != 0 {
		t.Errorf("unrelated = %f, want 0", got)
	}
}

func TestFileOverlap(t *testing.T) {
	if got := fileOverlap([]string{"a", "b"}, []string{"a", "b"}); got != 1.0 {
		t.Errorf("identical sets = %f, want 1.0", got)
	}
	if got := fileOverlap([]string{"a", "b", "c", "d"}, []string{"a", "x"}); got != 0.25 {
		t.Errorf("partial overlap = %f, want 0.25", got)
	}
	if got := fileOverlap(nil, []string{"a"}); got != 0 {
		t.Errorf("empty side = %f, want 0", got)
	}
}
