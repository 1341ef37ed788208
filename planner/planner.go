// Package planner turns a task list into ordered execution waves. Tasks in
// the same wave share no depends_on edge and no write-conflicting file
// impact, so the orchestrator may run them simultaneously.
package planner

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/foremanworks/foreman/impact"
	"github.com/foremanworks/foreman/storage"
)

// ErrCycle is returned when the depends_on graph cannot be layered.
var ErrCycle = fmt.Errorf("dependency cycle: %w", storage.ErrValidation)

// Input is everything the planner needs for one list.
type Input struct {
	ListID  string
	Tasks   []*storage.Task
	Edges   []*storage.TaskRelationship // only depends_on edges are used
	Impacts map[string][]*storage.FileImpact
	ListCap int // list's max_parallel_agents
}

// PlannedWave is one layer of mutually parallelisable tasks.
type PlannedWave struct {
	Number            int
	TaskIDs           []string
	MaxParallelAgents int
}

// Plan is the ordered wave set for a list.
type Plan struct {
	ListID string
	Waves  []PlannedWave
}

// TotalTasks returns the number of tasks across all waves.
func (p *Plan) TotalTasks() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w.TaskIDs)
	}
	return n
}

// Planner computes and caches plans per list. The cache is invalidated when
// list membership changes or a user overrides file impacts.
type Planner struct {
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Plan
}

// New creates a planner.
func New(logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{logger: logger, cache: make(map[string]*Plan)}
}

// Invalidate drops any cached plan for the list.
func (p *Planner) Invalidate(listID string) {
	p.mu.Lock()
	delete(p.cache, listID)
	p.mu.Unlock()
}

// PlanList computes (or returns the cached) wave plan for a list.
func (p *Planner) PlanList(in Input) (*Plan, error) {
	p.mu.Lock()
	if cached, ok := p.cache[in.ListID]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	plan, err := BuildWaves(in)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[in.ListID] = plan
	p.mu.Unlock()

	p.logger.Debug("planned list",
		"list_id", in.ListID, "tasks", len(in.Tasks), "waves", len(plan.Waves))
	return plan, nil
}

// BuildWaves runs Kahn-style layering over the depends_on DAG, splitting
// layers further so no two tasks in a wave write-conflict on a file impact.
// Deterministic given the same input: candidates are ordered by
// (priority desc, effort asc, id asc).
func BuildWaves(in Input) (*Plan, error) {
	tasks := make(map[string]*storage.Task, len(in.Tasks))
	for _, t := range in.Tasks {
		tasks[t.ID] = t
	}

	// depends_on edges restricted to tasks inside the list
	deps := make(map[string][]string) // task -> its dependencies
	for _, e := range in.Edges {
		if e.Type != storage.RelDependsOn {
			continue
		}
		if _, ok := tasks[e.SourceTaskID]; !ok {
			continue
		}
		if _, ok := tasks[e.TargetTaskID]; !ok {
			continue
		}
		deps[e.SourceTaskID] = append(deps[e.SourceTaskID], e.TargetTaskID)
	}

	placed := make(map[string]int) // task id -> wave number
	var waves []PlannedWave

	remaining := len(tasks)
	for remaining > 0 {
		waveNum := len(waves) + 1

		// Eligible: unplaced tasks whose dependencies all sit in earlier waves.
		var eligible []*storage.Task
		for id, t := range tasks {
			if _, done := placed[id]; done {
				continue
			}
			ready := true
			for _, dep := range deps[id] {
				if w, ok := placed[dep]; !ok || w >= waveNum {
					ready = false
					break
				}
			}
			if ready {
				eligible = append(eligible, t)
			}
		}

		if len(eligible) == 0 {
			return nil, fmt.Errorf("plan list %s: %d tasks unassignable: %w",
				in.ListID, remaining, ErrCycle)
		}

		sortCandidates(eligible)

		// Greedy fill: a task joins the wave unless it write-conflicts with a
		// task already placed in it.
		var wave []string
		for _, t := range eligible {
			conflicted := false
			for _, otherID := range wave {
				if impactsConflict(in.Impacts[t.ID], in.Impacts[otherID]) {
					conflicted = true
					break
				}
			}
			if !conflicted {
				wave = append(wave, t.ID)
			}
		}

		for _, id := range wave {
			placed[id] = waveNum
		}
		remaining -= len(wave)

		cap := in.ListCap
		if cap <= 0 || cap > len(wave) {
			cap = len(wave)
		}
		waves = append(waves, PlannedWave{
			Number:            waveNum,
			TaskIDs:           wave,
			MaxParallelAgents: cap,
		})
	}

	return &Plan{ListID: in.ListID, Waves: waves}, nil
}

// sortCandidates orders by priority desc, effort asc, id asc.
func sortCandidates(tasks []*storage.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Effort.Rank() != b.Effort.Rank() {
			return a.Effort.Rank() < b.Effort.Rank()
		}
		return a.ID < b.ID
	})
}

// impactsConflict reports whether two impact sets overlap on a path where at
// least one side writes. READ/READ never conflicts.
func impactsConflict(a, b []*storage.FileImpact) bool {
	for _, ia := range a {
		for _, ib := range b {
			if !ia.Operation.IsWrite() && !ib.Operation.IsWrite() {
				continue
			}
			if impact.PathsConflict(ia.Path, ib.Path) {
				return true
			}
		}
	}
	return false
}

// Validate checks a plan's invariants: every depends_on edge spans waves
// i < j, and no two same-wave tasks write-conflict. Used by tests and as a
// guard before persisting.
func Validate(plan *Plan, in Input) error {
	waveOf := make(map[string]int)
	for _, w := range plan.Waves {
		for _, id := range w.TaskIDs {
			waveOf[id] = w.Number
		}
	}

	for _, e := range in.Edges {
		if e.Type != storage.RelDependsOn {
			continue
		}
		src, okS := waveOf[e.SourceTaskID]
		dst, okD := waveOf[e.TargetTaskID]
		if !okS || !okD {
			continue
		}
		if dst >= src {
			return fmt.Errorf("edge %s -> %s spans waves %d -> %d: %w",
				e.SourceTaskID, e.TargetTaskID, src, dst, storage.ErrValidation)
		}
	}

	for _, w := range plan.Waves {
		for i := 0; i < len(w.TaskIDs); i++ {
			for j := i + 1; j < len(w.TaskIDs); j++ {
				if impactsConflict(in.Impacts[w.TaskIDs[i]], in.Impacts[w.TaskIDs[j]]) {
					return fmt.Errorf("wave %d: tasks %s and %s conflict: %w",
						w.Number, w.TaskIDs[i], w.TaskIDs[j], storage.ErrValidation)
				}
			}
		}
	}
	return nil
}
