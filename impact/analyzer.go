// Package impact predicts which files a task will touch. Predictions merge
// three sources (category templates, learned patterns, keyword heuristics)
// and are scored with a confidence in [0,1]. After a task completes the
// analyser is told what actually changed and adjusts its patterns.
package impact

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/foremanworks/foreman/storage"
)

// Prediction is one merged (path, operation) estimate.
type Prediction struct {
	Path       string
	Operation  storage.ImpactOperation
	Confidence float64
	Source     storage.ImpactSource
	sources    int // how many sources proposed this key
}

// minimum quality bar for a learned pattern to contribute predictions
const (
	patternMinAccuracy = 0.6
	patternMinMatches  = 3
)

// Analyzer predicts and learns file impacts.
type Analyzer struct {
	store  storage.ImpactStore
	logger *slog.Logger
}

// NewAnalyzer creates an impact analyzer backed by the given store.
func NewAnalyzer(store storage.ImpactStore, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{store: store, logger: logger}
}

// Analyze produces the merged prediction set for a task and persists it.
// A store failure degrades to category defaults; Analyze never fails.
func (a *Analyzer) Analyze(ctx context.Context, task *storage.Task) []Prediction {
	candidates := templateCandidates(task.Category)

	patterns, err := a.store.ListPatterns(ctx, task.Category)
	if err != nil {
		a.logger.Warn("pattern lookup failed, using category defaults",
			"task_id", task.ID, "error", err)
		patterns = nil
	}
	for _, p := range patterns {
		if p.Accuracy >= patternMinAccuracy && p.Matches >= patternMinMatches {
			candidates = append(candidates, Prediction{
				Path:       p.PathGlob,
				Operation:  p.Operation,
				Confidence: p.Accuracy,
				Source:     storage.SourcePatternMatch,
			})
		}
	}

	candidates = append(candidates, keywordCandidates(task.Title+" "+task.Description)...)

	merged := Merge(candidates)

	for _, pred := range merged {
		fi := &storage.FileImpact{
			ID:         storage.NewID(),
			TaskID:     task.ID,
			Path:       pred.Path,
			Operation:  pred.Operation,
			Confidence: pred.Confidence,
			Source:     pred.Source,
			CreatedAt:  time.Now().UTC(),
		}
		if err := a.store.UpsertImpact(ctx, fi); err != nil {
			a.logger.Warn("persist impact failed", "task_id", task.ID, "path", pred.Path, "error", err)
		}
	}

	a.logger.Debug("analyzed task impacts",
		"task_id", task.ID, "category", task.Category, "predictions", len(merged))
	return merged
}

// Merge collapses candidates by (normalised path, operation): the max
// confidence wins, +0.1 when two or more sources agree, clamped to 1.0;
// the highest-priority source is kept.
func Merge(candidates []Prediction) []Prediction {
	type key struct {
		path string
		op   storage.ImpactOperation
	}
	merged := make(map[key]*Prediction)
	var order []key

	for _, c := range candidates {
		k := key{NormalizePath(c.Path), c.Operation}
		cur, ok := merged[k]
		if !ok {
			cp := c
			cp.sources = 1
			merged[k] = &cp
			order = append(order, k)
			continue
		}
		cur.sources++
		if c.Confidence > cur.Confidence {
			cur.Confidence = c.Confidence
		}
		if c.Source.Priority() > cur.Source.Priority() {
			cur.Source = c.Source
		}
	}

	out := make([]Prediction, 0, len(order))
	for _, k := range order {
		p := merged[k]
		if p.sources >= 2 {
			p.Confidence += 0.1
		}
		if p.Confidence > 1.0 {
			p.Confidence = 1.0
		}
		out = append(out, *p)
	}
	return out
}

// NormalizePath strips glob stars and trailing slashes so overlapping
// predictions from different sources collapse to one key. The original glob
// is what gets persisted; normalisation is only for comparison.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "**", "")
	p = strings.ReplaceAll(p, "*", "")
	p = strings.TrimRight(p, "/")
	return p
}

// PathsConflict reports whether two impact paths can refer to the same file.
// Globs match against concrete paths in either direction; two globs conflict
// when their normalised prefixes nest.
func PathsConflict(a, b string) bool {
	if a == b {
		return true
	}
	aGlob := strings.ContainsAny(a, "*?[")
	bGlob := strings.ContainsAny(b, "*?[")
	switch {
	case aGlob && !bGlob:
		ok, err := doublestar.Match(a, b)
		return err == nil && ok
	case !aGlob && bGlob:
		ok, err := doublestar.Match(b, a)
		return err == nil && ok
	case aGlob && bGlob:
		na, nb := NormalizePath(a), NormalizePath(b)
		if na == "" || nb == "" {
			return true
		}
		return strings.HasPrefix(na, nb) || strings.HasPrefix(nb, na)
	}
	return NormalizePath(a) == NormalizePath(b)
}

// Observed is an actually-touched (path, operation) pair reported by a
// worker after task completion.
type Observed struct {
	Path      string
	Operation storage.ImpactOperation
}

// RecordOutcome compares stored predictions with what the task actually
// touched, marks each prediction accurate or not, and folds the result into
// the pattern store as a running average. Observed touches with no matching
// prediction become new patterns with accuracy 1.0.
func (a *Analyzer) RecordOutcome(ctx context.Context, task *storage.Task, observed []Observed) error {
	predictions, err := a.store.ListImpactsByTask(ctx, task.ID)
	if err != nil {
		return err
	}

	matchedObs := make([]bool, len(observed))
	for _, pred := range predictions {
		hit := false
		for i, obs := range observed {
			if obs.Operation == pred.Operation && PathsConflict(pred.Path, obs.Path) {
				hit = true
				matchedObs[i] = true
			}
		}
		if err := a.store.MarkImpactAccuracy(ctx, pred.ID, hit); err != nil {
			a.logger.Warn("mark accuracy failed", "impact_id", pred.ID, "error", err)
		}
		a.updatePattern(ctx, task.Category, pred.Path, pred.Operation, hit)
	}

	for i, obs := range observed {
		if matchedObs[i] {
			continue
		}
		// Missed pattern: observed but never predicted.
		if err := a.store.UpsertPattern(ctx, &storage.ImpactPattern{
			ID:        storage.NewID(),
			Category:  task.Category,
			PathGlob:  obs.Path,
			Operation: obs.Operation,
			Accuracy:  1.0,
			Matches:   1,
			UpdatedAt: time.Now().UTC(),
		}); err != nil {
			a.logger.Warn("record missed pattern failed", "path", obs.Path, "error", err)
		}
	}
	return nil
}

// updatePattern folds one hit/miss into the running accuracy average:
// acc <- (acc*n + hit) / (n+1), n <- n+1.
func (a *Analyzer) updatePattern(ctx context.Context, cat storage.TaskCategory, glob string, op storage.ImpactOperation, hit bool) {
	patterns, err := a.store.ListPatterns(ctx, cat)
	if err != nil {
		a.logger.Warn("pattern load failed during learning", "category", cat, "error", err)
		return
	}

	h := 0.0
	if hit {
		h = 1.0
	}

	for _, p := range patterns {
		if p.PathGlob == glob && p.Operation == op {
			n := float64(p.Matches)
			p.Accuracy = (p.Accuracy*n + h) / (n + 1)
			p.Matches++
			p.UpdatedAt = time.Now().UTC()
			if err := a.store.UpsertPattern(ctx, p); err != nil {
				a.logger.Warn("pattern update failed", "glob", glob, "error", err)
			}
			return
		}
	}

	if err := a.store.UpsertPattern(ctx, &storage.ImpactPattern{
		ID:        storage.NewID(),
		Category:  cat,
		PathGlob:  glob,
		Operation: op,
		Accuracy:  h,
		Matches:   1,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		a.logger.Warn("pattern insert failed", "glob", glob, "error", err)
	}
}

// Override records a user-declared impact with full confidence, replacing
// any prediction on the same (path, operation).
func (a *Analyzer) Override(ctx context.Context, taskID, path string, op storage.ImpactOperation) error {
	return a.store.UpsertImpact(ctx, &storage.FileImpact{
		ID:         storage.NewID(),
		TaskID:     taskID,
		Path:       path,
		Operation:  op,
		Confidence: 1.0,
		Source:     storage.SourceUserDeclared,
		CreatedAt:  time.Now().UTC(),
	})
}

// RemoveOverride deletes one stored impact.
func (a *Analyzer) RemoveOverride(ctx context.Context, taskID, path string, op storage.ImpactOperation) error {
	return a.store.DeleteImpact(ctx, taskID, path, op)
}
