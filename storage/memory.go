package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and as a substitutable
// implementation behind the same contract as Postgres. A single mutex guards
// all maps; no I/O happens under it.
type Memory struct {
	mu            sync.Mutex
	tasks         map[string]*Task
	lists         map[string]*TaskList
	impacts       map[string]*FileImpact // keyed by task|path|op
	patterns      map[string]*ImpactPattern
	relationships map[string]*TaskRelationship
	executions    map[string]*ExecutionRun
	waves         map[string]*Wave
	agents        map[string]*AgentInstance
	failures      []*FailureRecord
	escalations   map[string]*Escalation
	suggestions   map[string]*GroupingSuggestion
	chatMessages  []*ChatMessage
	guards        map[string]bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:         make(map[string]*Task),
		lists:         make(map[string]*TaskList),
		impacts:       make(map[string]*FileImpact),
		patterns:      make(map[string]*ImpactPattern),
		relationships: make(map[string]*TaskRelationship),
		executions:    make(map[string]*ExecutionRun),
		waves:         make(map[string]*Wave),
		agents:        make(map[string]*AgentInstance),
		escalations:   make(map[string]*Escalation),
		suggestions:   make(map[string]*GroupingSuggestion),
		guards:        make(map[string]bool),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func impactKey(taskID, path string, op ImpactOperation) string {
	return taskID + "|" + path + "|" + string(op)
}

func patternKey(cat TaskCategory, glob string, op ImpactOperation) string {
	return string(cat) + "|" + glob + "|" + string(op)
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func (m *Memory) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task: %w", ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListTasks(_ context.Context, f TaskFilter) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if f.ListID != "" && t.ListID != f.ListID {
			continue
		}
		if f.EvaluationQueue && t.ListID != "" {
			continue
		}
		if f.ProjectID != "" && t.ProjectID != f.ProjectID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) InsertTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return nil // idempotent on row key
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *Memory) UpdateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return fmt.Errorf("update task: %w", ErrNotFound)
	}
	cp := *t
	cp.RetryCount = cur.RetryCount
	cp.ConsecutiveFailures = cur.ConsecutiveFailures
	cp.UpdatedAt = time.Now().UTC()
	m.tasks[t.ID] = &cp
	return nil
}

func (m *Memory) IncrementTaskCounter(_ context.Context, id string, c TaskCounter, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return 0, fmt.Errorf("increment counter: %w", ErrNotFound)
	}
	switch c {
	case CounterRetry:
		t.RetryCount += delta
		return t.RetryCount, nil
	case CounterConsecutiveFailures:
		t.ConsecutiveFailures += delta
		return t.ConsecutiveFailures, nil
	}
	return 0, NewValidation("counter", fmt.Sprintf("unknown counter %q", c))
}

func (m *Memory) ResetTaskCounter(_ context.Context, id string, c TaskCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("reset counter: %w", ErrNotFound)
	}
	switch c {
	case CounterRetry:
		t.RetryCount = 0
	case CounterConsecutiveFailures:
		t.ConsecutiveFailures = 0
	default:
		return NewValidation("counter", fmt.Sprintf("unknown counter %q", c))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lists
// ---------------------------------------------------------------------------

func (m *Memory) GetList(_ context.Context, id string) (*TaskList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[id]
	if !ok {
		return nil, fmt.Errorf("get list: %w", ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (m *Memory) ListLists(_ context.Context, projectID string) ([]*TaskList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TaskList
	for _, l := range m.lists {
		if projectID != "" && l.ProjectID != projectID {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertList(_ context.Context, l *TaskList) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[l.ID]; ok {
		return nil
	}
	cp := *l
	m.lists[l.ID] = &cp
	return nil
}

func (m *Memory) UpdateList(_ context.Context, l *TaskList) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.lists[l.ID]
	if !ok {
		return fmt.Errorf("update list: %w", ErrNotFound)
	}
	cp := *l
	cp.CompletedTasks = cur.CompletedTasks
	cp.FailedTasks = cur.FailedTasks
	cp.UpdatedAt = time.Now().UTC()
	m.lists[l.ID] = &cp
	return nil
}

func (m *Memory) IncrementListCounters(_ context.Context, id string, completedDelta, failedDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[id]
	if !ok {
		return fmt.Errorf("increment list counters: %w", ErrNotFound)
	}
	if l.CompletedTasks+completedDelta+l.FailedTasks+failedDelta > l.TotalTasks {
		return NewConflict("list_counters", "completed + failed would exceed total")
	}
	l.CompletedTasks += completedDelta
	l.FailedTasks += failedDelta
	return nil
}

// ---------------------------------------------------------------------------
// Impacts and patterns
// ---------------------------------------------------------------------------

func (m *Memory) ListImpactsByTask(_ context.Context, taskID string) ([]*FileImpact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*FileImpact
	for _, fi := range m.impacts {
		if fi.TaskID == taskID {
			cp := *fi
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Operation < out[j].Operation
	})
	return out, nil
}

func (m *Memory) UpsertImpact(_ context.Context, fi *FileImpact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := impactKey(fi.TaskID, fi.Path, fi.Operation)
	if cur, ok := m.impacts[key]; ok {
		cur.Confidence = fi.Confidence
		cur.Source = fi.Source
		fi.ID = cur.ID
		return nil
	}
	cp := *fi
	m.impacts[key] = &cp
	return nil
}

func (m *Memory) DeleteImpact(_ context.Context, taskID, path string, op ImpactOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := impactKey(taskID, path, op)
	if _, ok := m.impacts[key]; !ok {
		return fmt.Errorf("delete impact: %w", ErrNotFound)
	}
	delete(m.impacts, key)
	return nil
}

func (m *Memory) MarkImpactAccuracy(_ context.Context, id string, accurate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fi := range m.impacts {
		if fi.ID == id {
			v := accurate
			fi.Accurate = &v
			return nil
		}
	}
	return fmt.Errorf("mark impact accuracy: %w", ErrNotFound)
}

func (m *Memory) ListPatterns(_ context.Context, category TaskCategory) ([]*ImpactPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ImpactPattern
	for _, p := range m.patterns {
		if p.Category == category {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PathGlob < out[j].PathGlob })
	return out, nil
}

func (m *Memory) UpsertPattern(_ context.Context, p *ImpactPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := patternKey(p.Category, p.PathGlob, p.Operation)
	cp := *p
	if cur, ok := m.patterns[key]; ok {
		cp.ID = cur.ID
	}
	m.patterns[key] = &cp
	return nil
}

// ---------------------------------------------------------------------------
// Relationships
// ---------------------------------------------------------------------------

func (m *Memory) InsertRelationship(_ context.Context, r *TaskRelationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Type == RelDependsOn {
		var edges []*TaskRelationship
		for _, e := range m.relationships {
			if e.Type == RelDependsOn {
				edges = append(edges, e)
			}
		}
		if reachable(edges, r.TargetTaskID, r.SourceTaskID) {
			return NewValidation("relationship",
				fmt.Sprintf("%s -> %s would create a dependency cycle", r.SourceTaskID, r.TargetTaskID))
		}
	}
	for _, e := range m.relationships {
		if e.SourceTaskID == r.SourceTaskID && e.TargetTaskID == r.TargetTaskID && e.Type == r.Type {
			return NewConflict("task_relationships", "duplicate edge")
		}
	}
	cp := *r
	m.relationships[r.ID] = &cp
	return nil
}

func (m *Memory) ListRelationshipsForTasks(_ context.Context, taskIDs []string) ([]*TaskRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = true
	}
	var out []*TaskRelationship
	for _, r := range m.relationships {
		if want[r.SourceTaskID] || want[r.TargetTaskID] {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteRelationship(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.relationships[id]; !ok {
		return fmt.Errorf("delete relationship: %w", ErrNotFound)
	}
	delete(m.relationships, id)
	return nil
}

// ---------------------------------------------------------------------------
// Executions and waves
// ---------------------------------------------------------------------------

func (m *Memory) InsertExecution(_ context.Context, e *ExecutionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.executions {
		if cur.ListID == e.ListID && !cur.Status.IsTerminal() {
			return NewConflict("execution_runs_one_active",
				fmt.Sprintf("list %s already has an active run", e.ListID))
		}
	}
	cp := *e
	m.executions[e.ID] = &cp
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*ExecutionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("get execution: %w", ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) GetActiveExecution(_ context.Context, listID string) (*ExecutionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.ListID == listID && !e.Status.IsTerminal() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("get active execution: %w", ErrNotFound)
}

func (m *Memory) UpdateExecution(_ context.Context, e *ExecutionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.executions[e.ID]
	if !ok {
		return fmt.Errorf("update execution: %w", ErrNotFound)
	}
	cp := *e
	cp.CompletedTasks = cur.CompletedTasks
	cp.FailedTasks = cur.FailedTasks
	m.executions[e.ID] = &cp
	return nil
}

func (m *Memory) IncrementExecutionCounters(_ context.Context, id string, completedDelta, failedDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return fmt.Errorf("increment execution counters: %w", ErrNotFound)
	}
	if e.CompletedTasks+completedDelta+e.FailedTasks+failedDelta > e.TotalTasks {
		return NewConflict("execution_counters", "completed + failed would exceed total")
	}
	e.CompletedTasks += completedDelta
	e.FailedTasks += failedDelta
	return nil
}

func (m *Memory) InsertWaves(_ context.Context, waves []*Wave) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range waves {
		cp := *w
		cp.TaskIDs = append([]string(nil), w.TaskIDs...)
		m.waves[w.ID] = &cp
	}
	return nil
}

func (m *Memory) ListWaves(_ context.Context, executionID string) ([]*Wave, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Wave
	for _, w := range m.waves {
		if w.ExecutionID == executionID {
			cp := *w
			cp.TaskIDs = append([]string(nil), w.TaskIDs...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *Memory) UpdateWaveStatus(_ context.Context, id string, status WaveStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waves[id]
	if !ok {
		return fmt.Errorf("update wave status: %w", ErrNotFound)
	}
	w.Status = status
	return nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

func (m *Memory) InsertAgent(_ context.Context, a *AgentInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id string) (*AgentInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("get agent: %w", ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) UpdateAgent(_ context.Context, a *AgentInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		return fmt.Errorf("update agent: %w", ErrNotFound)
	}
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *Memory) ListAgents(_ context.Context, f AgentFilter) ([]*AgentInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AgentInstance
	for _, a := range m.agents {
		if f.ExecutionID != "" && a.ExecutionID != f.ExecutionID {
			continue
		}
		if f.ActiveOnly && a.Status == AgentTerminated {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TouchAgentHeartbeat(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("touch heartbeat: %w", ErrNotFound)
	}
	a.LastHeartbeat = at
	return nil
}

// ---------------------------------------------------------------------------
// Failures and escalations
// ---------------------------------------------------------------------------

func (m *Memory) InsertFailure(_ context.Context, fr *FailureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *fr
	m.failures = append(m.failures, &cp)
	return nil
}

func (m *Memory) RecentFailures(_ context.Context, taskID string, limit int) ([]*FailureRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*FailureRecord
	for i := len(m.failures) - 1; i >= 0 && len(out) < limit; i-- {
		if m.failures[i].TaskID == taskID {
			cp := *m.failures[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) InsertEscalation(_ context.Context, e *Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.escalations[e.ID] = &cp
	return nil
}

func (m *Memory) GetEscalation(_ context.Context, id string) (*Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escalations[id]
	if !ok {
		return nil, fmt.Errorf("get escalation: %w", ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) MarkEscalationAnalyzed(_ context.Context, id string, result string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escalations[id]
	if !ok {
		return fmt.Errorf("mark escalation analyzed: %w", ErrNotFound)
	}
	e.AnalyzedAt = &at
	e.AnalysisResult = result
	return nil
}

// ---------------------------------------------------------------------------
// Suggestions
// ---------------------------------------------------------------------------

func (m *Memory) InsertSuggestion(_ context.Context, s *GroupingSuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.TaskIDs = append([]string(nil), s.TaskIDs...)
	cp.Reasons = append([]string(nil), s.Reasons...)
	m.suggestions[s.ID] = &cp
	return nil
}

func (m *Memory) GetSuggestion(_ context.Context, id string) (*GroupingSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok {
		return nil, fmt.Errorf("get suggestion: %w", ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListSuggestions(_ context.Context, status SuggestionStatus) ([]*GroupingSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*GroupingSuggestion
	for _, s := range m.suggestions {
		if s.Status == status {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateSuggestionStatus(_ context.Context, id string, status SuggestionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok {
		return fmt.Errorf("update suggestion status: %w", ErrNotFound)
	}
	s.Status = status
	return nil
}

func (m *Memory) ExpireSuggestions(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.suggestions {
		if s.Status == SuggestionPending && s.ExpiresAt.Before(now) {
			s.Status = SuggestionExpired
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Chat log
// ---------------------------------------------------------------------------

func (m *Memory) InsertChatMessage(_ context.Context, msg *ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.chatMessages = append(m.chatMessages, &cp)
	return nil
}

// ChatMessages returns a copy of the logged messages. Test helper.
func (m *Memory) ChatMessages() []*ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ChatMessage, len(m.chatMessages))
	for i, msg := range m.chatMessages {
		cp := *msg
		out[i] = &cp
	}
	return out
}

// ---------------------------------------------------------------------------
// Single-writer guard
// ---------------------------------------------------------------------------

type memGuard struct {
	m    *Memory
	key  string
	once sync.Once
}

func (g *memGuard) Release(context.Context) error {
	g.once.Do(func() {
		g.m.mu.Lock()
		delete(g.m.guards, g.key)
		g.m.mu.Unlock()
	})
	return nil
}

func (m *Memory) AcquireGuard(_ context.Context, key string) (Guard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.guards[key] {
		return nil, NewConflict("single_writer", fmt.Sprintf("key %q already held", key))
	}
	m.guards[key] = true
	return &memGuard{m: m, key: key}, nil
}

var _ Store = (*Memory)(nil)
var _ Store = (*Postgres)(nil)

// ShortID derives a short human id from a full id, e.g. "T-1a2b3c".
func ShortID(id string) string {
	trimmed := strings.ReplaceAll(id, "-", "")
	if len(trimmed) > 6 {
		trimmed = trimmed[:6]
	}
	return "T-" + trimmed
}
