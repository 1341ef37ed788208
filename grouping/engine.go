// Package grouping proposes task lists from the evaluation queue. It scores
// task pairs on file overlap, dependencies, shared vocabulary, category and
// component tags, then clusters high-scoring pairs with a greedy union-find.
// Suggestions are only ever applied after explicit user acceptance.
package grouping

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/foremanworks/foreman/impact"
	"github.com/foremanworks/foreman/storage"
)

// Weights tunes the pairwise similarity score. The five components are
// combined linearly; they should sum to roughly 1.0.
type Weights struct {
	File       float64 `yaml:"file"`
	Dependency float64 `yaml:"dependency"`
	Semantic   float64 `yaml:"semantic"`
	Category   float64 `yaml:"category"`
	Component  float64 `yaml:"component"`
}

// DefaultWeights returns the standard weighting.
func DefaultWeights() Weights {
	return Weights{File: 0.25, Dependency: 0.30, Semantic: 0.20, Category: 0.10, Component: 0.15}
}

// Options bounds cluster formation.
type Options struct {
	Weights      Weights
	Threshold    float64       // minimum pair score to form an edge
	MinGroupSize int           // singletons below this are discarded
	MaxGroupSize int           // merges stop when the union would exceed this
	Expiry       time.Duration // pending suggestion lifetime
}

// DefaultOptions returns the standard clustering parameters.
func DefaultOptions() Options {
	return Options{
		Weights:      DefaultWeights(),
		Threshold:    0.6,
		MinGroupSize: 2,
		MaxGroupSize: 20,
		Expiry:       7 * 24 * time.Hour,
	}
}

// Engine computes grouping suggestions over the evaluation queue.
type Engine struct {
	store  storage.Store
	opts   Options
	logger *slog.Logger
}

// New creates a grouping engine.
func New(store storage.Store, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Threshold == 0 {
		opts = DefaultOptions()
	}
	return &Engine{store: store, opts: opts, logger: logger}
}

// SetOptions swaps the clustering parameters, used by config hot reload.
func (e *Engine) SetOptions(opts Options) { e.opts = opts }

// pairScore is one scored candidate edge.
type pairScore struct {
	a, b    string
	score   float64
	reasons []string
}

// Suggest scores the current evaluation queue for a project, clusters it and
// persists new pending suggestions. It returns the suggestions it created.
func (e *Engine) Suggest(ctx context.Context, projectID string) ([]*storage.GroupingSuggestion, error) {
	tasks, err := e.store.ListTasks(ctx, storage.TaskFilter{
		ProjectID:       projectID,
		EvaluationQueue: true,
	})
	if err != nil {
		return nil, fmt.Errorf("load evaluation queue: %w", err)
	}
	if len(tasks) < e.opts.MinGroupSize {
		return nil, nil
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}

	impacts := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		fis, err := e.store.ListImpactsByTask(ctx, t.ID)
		if err != nil {
			e.logger.Warn("impact load failed during grouping", "task_id", t.ID, "error", err)
			continue
		}
		for _, fi := range fis {
			impacts[t.ID] = append(impacts[t.ID], impact.NormalizePath(fi.Path))
		}
	}

	deps := make(map[string]map[string]bool, len(tasks))
	rels, err := e.store.ListRelationshipsForTasks(ctx, ids)
	if err != nil {
		e.logger.Warn("relationship load failed during grouping", "error", err)
	}
	for _, r := range rels {
		if r.Type != storage.RelDependsOn {
			continue
		}
		if deps[r.SourceTaskID] == nil {
			deps[r.SourceTaskID] = make(map[string]bool)
		}
		deps[r.SourceTaskID][r.TargetTaskID] = true
	}

	pairs := e.scorePairs(tasks, impacts, deps)
	groups := cluster(pairs, e.opts.MinGroupSize, e.opts.MaxGroupSize)

	byID := make(map[string]*storage.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	now := time.Now().UTC()
	var out []*storage.GroupingSuggestion
	for _, g := range groups {
		sort.Strings(g.members)
		sug := &storage.GroupingSuggestion{
			ID:           storage.NewID(),
			Status:       storage.SuggestionPending,
			TaskIDs:      g.members,
			ProposedName: suggestName(g.members, byID),
			Reasons:      g.reasons,
			Score:        g.score,
			ExpiresAt:    now.Add(e.opts.Expiry),
			CreatedAt:    now,
		}
		if err := e.store.InsertSuggestion(ctx, sug); err != nil {
			return nil, fmt.Errorf("persist suggestion: %w", err)
		}
		out = append(out, sug)
	}

	e.logger.Info("grouping pass complete",
		"project_id", projectID, "tasks", len(tasks), "pairs", len(pairs), "suggestions", len(out))
	return out, nil
}

// scorePairs computes the weighted similarity for every task pair and keeps
// those at or above the threshold, sorted by score descending. Pair order is
// normalised by id so the result is independent of input order.
func (e *Engine) scorePairs(tasks []*storage.Task, impacts map[string][]string, deps map[string]map[string]bool) []pairScore {
	w := e.opts.Weights
	var pairs []pairScore

	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			a, b := tasks[i], tasks[j]
			if a.ID > b.ID {
				a, b = b, a
			}

			var score float64
			var reasons []string

			if f := fileOverlap(impacts[a.ID], impacts[b.ID]); f > 0 {
				score += w.File * f
				reasons = append(reasons, "overlapping file impacts")
			}
			if d := dependencyScore(a.ID, b.ID, deps); d > 0 {
				score += w.Dependency * d
				if d == 1.0 {
					reasons = append(reasons, "direct dependency")
				} else {
					reasons = append(reasons, "shared dependency")
				}
			}
			if s := jaccard(tokens(a.Title+" "+a.Description), tokens(b.Title+" "+b.Description)); s > 0 {
				score += w.Semantic * s
				if s >= 0.3 {
					reasons = append(reasons, "similar wording")
				}
			}
			if a.Category == b.Category {
				score += w.Category
				reasons = append(reasons, "same category")
			}
			if c := jaccard(toSet(a.Components), toSet(b.Components)); c > 0 {
				score += w.Component * c
				reasons = append(reasons, "shared components")
			}

			if score >= e.opts.Threshold {
				pairs = append(pairs, pairScore{a: a.ID, b: b.ID, score: score, reasons: reasons})
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score > pairs[j].score
		}
		if pairs[i].a != pairs[j].a {
			return pairs[i].a < pairs[j].a
		}
		return pairs[i].b < pairs[j].b
	})
	return pairs
}

// fileOverlap = |A ∩ B| / max(|A|, |B|) over normalised paths.
func fileOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	as := toSet(a)
	bs := toSet(b)
	shared := 0
	for p := range as {
		if bs[p] {
			shared++
		}
	}
	max := len(as)
	if len(bs) > max {
		max = len(bs)
	}
	return float64(shared) / float64(max)
}

// dependencyScore: 1.0 for a direct edge either way, 0.7 when both depend on
// a common third task, 0 otherwise.
func dependencyScore(a, b string, deps map[string]map[string]bool) float64 {
	if deps[a][b] || deps[b][a] {
		return 1.0
	}
	for target := range deps[a] {
		if deps[b][target] {
			return 0.7
		}
	}
	return 0
}

// tokens splits text into lowercase words longer than 3 characters.
func tokens(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

func toSet(ss []string) map[string]bool {
	out := make(map[string]bool, len(ss))
	for _, s := range ss {
		out[s] = true
	}
	return out
}

// jaccard = |A ∩ B| / |A ∪ B|.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if b[t] {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}

// group is one union-find cluster plus its accumulated reasons.
type group struct {
	members []string
	reasons []string
	score   float64
}

// cluster runs greedy union-find over score-descending pairs. A merge is
// skipped when the combined group would exceed maxSize; groups smaller than
// minSize are dropped.
func cluster(pairs []pairScore, minSize, maxSize int) []group {
	parent := make(map[string]string)
	size := make(map[string]int)

	var find func(string) string
	find = func(x string) string {
		if parent[x] == "" {
			parent[x] = x
			size[x] = 1
		}
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}

	reasonsOf := make(map[string]map[string]bool)
	scoreOf := make(map[string]float64)
	countOf := make(map[string]int)

	addReasons := func(root string, rs []string) {
		if reasonsOf[root] == nil {
			reasonsOf[root] = make(map[string]bool)
		}
		for _, r := range rs {
			reasonsOf[root][r] = true
		}
	}

	for _, p := range pairs {
		ra, rb := find(p.a), find(p.b)
		if ra == rb {
			addReasons(ra, p.reasons)
			scoreOf[ra] += p.score
			countOf[ra]++
			continue
		}
		if size[ra]+size[rb] > maxSize {
			continue
		}
		// union by size
		if size[ra] < size[rb] {
			ra, rb = rb, ra
		}
		parent[rb] = ra
		size[ra] += size[rb]
		addReasons(ra, p.reasons)
		for r := range reasonsOf[rb] {
			reasonsOf[ra][r] = true
		}
		scoreOf[ra] += scoreOf[rb] + p.score
		countOf[ra] += countOf[rb] + 1
	}

	membersOf := make(map[string][]string)
	for x := range parent {
		membersOf[find(x)] = append(membersOf[find(x)], x)
	}

	var out []group
	for root, members := range membersOf {
		if len(members) < minSize {
			continue
		}
		var reasons []string
		for r := range reasonsOf[root] {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		avg := 0.0
		if countOf[root] > 0 {
			avg = scoreOf[root] / float64(countOf[root])
		}
		out = append(out, group{members: members, reasons: reasons, score: avg})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].members[0] < out[j].members[0]
	})
	return out
}

// suggestName picks the most common word longer than 3 letters that appears
// in at least half the group's titles, falling back to a count-based name.
func suggestName(ids []string, byID map[string]*storage.Task) string {
	counts := make(map[string]int)
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			continue
		}
		for w := range tokens(t.Title) {
			counts[w]++
		}
	}

	best := ""
	bestCount := 0
	for w, c := range counts {
		if c > bestCount || (c == bestCount && w < best) {
			best, bestCount = w, c
		}
	}
	if bestCount*2 >= len(ids) && best != "" {
		return strings.ToUpper(best[:1]) + best[1:] + " Tasks"
	}
	return fmt.Sprintf("Related Tasks (%d items)", len(ids))
}

// Accept promotes a pending suggestion: creates a list, moves its tasks out
// of the evaluation queue and stamps positions starting at 0.
func (e *Engine) Accept(ctx context.Context, suggestionID string) (*storage.TaskList, error) {
	sug, err := e.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("load suggestion: %w", err)
	}
	if sug.Status != storage.SuggestionPending {
		return nil, storage.NewValidation("status",
			fmt.Sprintf("suggestion is %s, not pending", sug.Status))
	}

	first, err := e.store.GetTask(ctx, sug.TaskIDs[0])
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", sug.TaskIDs[0], err)
	}

	now := time.Now().UTC()
	list := &storage.TaskList{
		ID:                storage.NewID(),
		Name:              sug.ProposedName,
		ProjectID:         first.ProjectID,
		Status:            storage.ListStatusReady,
		TotalTasks:        len(sug.TaskIDs),
		MaxParallelAgents: 3,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.InsertList(ctx, list); err != nil {
		return nil, fmt.Errorf("create list: %w", err)
	}

	for pos, taskID := range sug.TaskIDs {
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("load task %s: %w", taskID, err)
		}
		p := pos
		task.ListID = list.ID
		task.WavePosition = &p
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("move task %s: %w", taskID, err)
		}
	}

	if err := e.store.UpdateSuggestionStatus(ctx, suggestionID, storage.SuggestionAccepted); err != nil {
		return nil, fmt.Errorf("mark suggestion accepted: %w", err)
	}

	e.logger.Info("suggestion accepted",
		"suggestion_id", suggestionID, "list_id", list.ID, "tasks", len(sug.TaskIDs))
	return list, nil
}

// Reject marks a pending suggestion rejected. Tasks stay in the queue.
func (e *Engine) Reject(ctx context.Context, suggestionID string) error {
	sug, err := e.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return fmt.Errorf("load suggestion: %w", err)
	}
	if sug.Status != storage.SuggestionPending {
		return storage.NewValidation("status",
			fmt.Sprintf("suggestion is %s, not pending", sug.Status))
	}
	if err := e.store.UpdateSuggestionStatus(ctx, suggestionID, storage.SuggestionRejected); err != nil {
		return fmt.Errorf("mark suggestion rejected: %w", err)
	}
	return nil
}

// Sweep expires pending suggestions past their deadline. Intended to run on
// a timer.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	n, err := e.store.ExpireSuggestions(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire suggestions: %w", err)
	}
	if n > 0 {
		e.logger.Info("expired stale suggestions", "count", n)
	}
	return n, nil
}
