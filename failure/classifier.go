// Package failure decides what happens after a worker reports an error:
// classify, retry with backoff, skip, or escalate to the knowledge-analysis
// worker. Classification is a pure function so it can be tested exhaustively.
package failure

import (
	"strings"

	"github.com/foremanworks/foreman/storage"
)

// Classification is the verdict on one error.
type Classification struct {
	Class     storage.ErrorClass
	Category  storage.ErrorCategory
	Retryable bool
}

// keyword tables, matched case-insensitively as substrings
var transientMarkers = []struct {
	marker   string
	category storage.ErrorCategory
}{
	{"etimedout", storage.CatTimeout},
	{"timed out", storage.CatTimeout},
	{"timeout", storage.CatTimeout},
	{"econnreset", storage.CatNetwork},
	{"econnrefused", storage.CatNetwork},
	{"enotfound", storage.CatNetwork},
	{"connection reset", storage.CatNetwork},
	{"connection refused", storage.CatNetwork},
	{"network", storage.CatNetwork},
	{"rate limit", storage.CatNetwork},
	{"too many requests", storage.CatNetwork},
	{"429", storage.CatNetwork},
	{"502 bad gateway", storage.CatNetwork},
	{"503 service unavailable", storage.CatNetwork},
	{"504 gateway", storage.CatNetwork},
	{"internal server error", storage.CatNetwork},
	{"out of memory", storage.CatMemory},
	{"oom", storage.CatMemory},
	{"heap limit", storage.CatMemory},
}

var permanentMarkers = []struct {
	marker   string
	category storage.ErrorCategory
}{
	{"syntaxerror", storage.CatCompilation},
	{"syntax error", storage.CatCompilation},
	{"typeerror", storage.CatCompilation},
	{"type error", storage.CatCompilation},
	{"cannot find module", storage.CatCompilation},
	{"module not found", storage.CatCompilation},
	{"compilation failed", storage.CatCompilation},
	{"compile error", storage.CatCompilation},
	{"undefined reference", storage.CatCompilation},
	{"lint", storage.CatValidation},
	{"validation failed", storage.CatValidation},
	{"invalid argument", storage.CatValidation},
	{"assertion failed", storage.CatTest},
	{"test failed", storage.CatTest},
	{"expect(", storage.CatTest},
	{"enoent", storage.CatFilesystem},
	{"no such file", storage.CatFilesystem},
	{"permission denied", storage.CatFilesystem},
	{"eacces", storage.CatFilesystem},
	{"read-only file system", storage.CatFilesystem},
	{"unique constraint", storage.CatDatabase},
	{"duplicate key", storage.CatDatabase},
	{"foreign key constraint", storage.CatDatabase},
	{"constraint violation", storage.CatDatabase},
}

// Classify maps (message, exitCode) to an error class and category. Exit
// codes are consulted first so a memory kill stays retryable even when the
// message mentions SIGKILL.
func Classify(message string, exitCode int) Classification {
	lower := strings.ToLower(message)

	// 137 = SIGKILL (usually the OOM killer), 139 = SIGSEGV
	switch exitCode {
	case 137:
		return Classification{Class: storage.ClassTransient, Category: storage.CatMemory, Retryable: true}
	case 139:
		return Classification{Class: storage.ClassTransient, Category: storage.CatProcess, Retryable: true}
	}

	for _, m := range permanentMarkers {
		if strings.Contains(lower, m.marker) {
			return Classification{Class: storage.ClassPermanent, Category: m.category, Retryable: false}
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(lower, m.marker) {
			return Classification{Class: storage.ClassTransient, Category: m.category, Retryable: true}
		}
	}

	// A bare kill signal with no other diagnostic is treated as external
	// interference, not a code problem.
	trimmed := strings.TrimSpace(lower)
	if trimmed == "sigterm" || trimmed == "sigkill" ||
		strings.Contains(trimmed, "signal: terminated") ||
		strings.Contains(trimmed, "signal: killed") {
		return Classification{Class: storage.ClassTransient, Category: storage.CatProcess, Retryable: true}
	}

	// Unknown errors get one grace retry.
	return Classification{Class: storage.ClassUnknown, Category: storage.CatGeneral, Retryable: true}
}
