package impact

import (
	"strings"

	"github.com/foremanworks/foreman/storage"
)

// templateCandidates returns the default predictions for a task category.
// Confidences are deliberately modest; they only win when nothing better
// (patterns, user declarations) exists.
func templateCandidates(cat storage.TaskCategory) []Prediction {
	switch cat {
	case storage.CategoryFeature:
		return []Prediction{
			{Path: "src/**", Operation: storage.OpUpdate, Confidence: 0.4, Source: storage.SourceAIEstimate},
			{Path: "src/**", Operation: storage.OpCreate, Confidence: 0.3, Source: storage.SourceAIEstimate},
		}
	case storage.CategoryBug:
		return []Prediction{
			{Path: "src/**", Operation: storage.OpUpdate, Confidence: 0.5, Source: storage.SourceAIEstimate},
		}
	case storage.CategoryDocumentation:
		return []Prediction{
			{Path: "docs/**", Operation: storage.OpUpdate, Confidence: 0.6, Source: storage.SourceAIEstimate},
			{Path: "README.md", Operation: storage.OpUpdate, Confidence: 0.4, Source: storage.SourceAIEstimate},
		}
	case storage.CategoryTest:
		return []Prediction{
			{Path: "**/*_test*", Operation: storage.OpCreate, Confidence: 0.5, Source: storage.SourceAIEstimate},
			{Path: "**/*_test*", Operation: storage.OpUpdate, Confidence: 0.4, Source: storage.SourceAIEstimate},
		}
	case storage.CategoryInfrastructure:
		return []Prediction{
			{Path: "deploy/**", Operation: storage.OpUpdate, Confidence: 0.4, Source: storage.SourceAIEstimate},
			{Path: "Dockerfile", Operation: storage.OpUpdate, Confidence: 0.3, Source: storage.SourceAIEstimate},
		}
	case storage.CategoryRefactor:
		return []Prediction{
			{Path: "src/**", Operation: storage.OpUpdate, Confidence: 0.5, Source: storage.SourceAIEstimate},
		}
	default:
		return []Prediction{
			{Path: "src/**", Operation: storage.OpUpdate, Confidence: 0.3, Source: storage.SourceAIEstimate},
		}
	}
}

// keywordRule maps a text keyword to a predicted glob.
type keywordRule struct {
	keyword    string
	path       string
	operation  storage.ImpactOperation
	confidence float64
}

var keywordRules = []keywordRule{
	{"api", "src/routes/**", storage.OpUpdate, 0.5},
	{"endpoint", "src/routes/**", storage.OpUpdate, 0.5},
	{"migration", "migrations/**", storage.OpCreate, 0.6},
	{"schema", "migrations/**", storage.OpUpdate, 0.5},
	{"database", "src/db/**", storage.OpUpdate, 0.4},
	{"config", "config/**", storage.OpUpdate, 0.5},
	{"auth", "src/auth/**", storage.OpUpdate, 0.5},
	{"test", "**/*_test*", storage.OpCreate, 0.4},
	{"docs", "docs/**", storage.OpUpdate, 0.5},
	{"readme", "README.md", storage.OpUpdate, 0.6},
	{"ci", ".github/workflows/**", storage.OpUpdate, 0.5},
	{"docker", "Dockerfile", storage.OpUpdate, 0.5},
}

// keywordCandidates scans the task text for rule keywords. Matching is on
// whole lowercase words so "capital" does not trigger "api".
func keywordCandidates(text string) []Prediction {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		words[w] = true
	}

	var out []Prediction
	for _, rule := range keywordRules {
		if words[rule.keyword] {
			out = append(out, Prediction{
				Path:       rule.path,
				Operation:  rule.operation,
				Confidence: rule.confidence,
				Source:     storage.SourceAIEstimate,
			})
		}
	}
	return out
}
