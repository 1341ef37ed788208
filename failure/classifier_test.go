package failure

import (
	"testing"

	"github.com/foremanworks/foreman/storage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		exitCode  int
		class     storage.ErrorClass
		category  storage.ErrorCategory
		retryable bool
	}{
		{
			name:      "network timeout",
			message:   "connect ETIMEDOUT 10.0.0.5:443",
			class:     storage.ClassTransient,
			category:  storage.CatTimeout,
			retryable: true,
		},
		{
			name:      "connection refused",
			message:   "dial tcp: connection refused",
			class:     storage.ClassTransient,
			category:  storage.CatNetwork,
			retryable: true,
		},
		{
			name:      "rate limited",
			message:   "HTTP 429 Too Many Requests",
			class:     storage.ClassTransient,
			category:  storage.CatNetwork,
			retryable: true,
		},
		{
			name:      "out of memory",
			message:   "JavaScript heap limit reached",
			class:     storage.ClassTransient,
			category:  storage.CatMemory,
			retryable: true,
		},
		{
			name:      "syntax error",
			message:   "SyntaxError: unexpected token",
			class:     storage.ClassPermanent,
			category:  storage.CatCompilation,
			retryable: false,
		},
		{
			name:      "type error",
			message:   "TypeError: cannot read property 'id' of undefined",
			class:     storage.ClassPermanent,
			category:  storage.CatCompilation,
			retryable: false,
		},
		{
			name:      "missing module",
			message:   "Error: Cannot find module 'lodash'",
			class:     storage.ClassPermanent,
			category:  storage.CatCompilation,
			retryable: false,
		},
		{
			name:      "test assertion",
			message:   "assertion failed: expected 3 got 4",
			class:     storage.ClassPermanent,
			category:  storage.CatTest,
			retryable: false,
		},
		{
			name:      "missing file",
			message:   "ENOENT: no such file or directory",
			class:     storage.ClassPermanent,
			category:  storage.CatFilesystem,
			retryable: false,
		},
		{
			name:      "duplicate key",
			message:   "pq: duplicate key value violates unique constraint",
			class:     storage.ClassPermanent,
			category:  storage.CatDatabase,
			retryable: false,
		},
		{
			name:      "oom kill by exit code",
			message:   "process killed",
			exitCode:  137,
			class:     storage.ClassTransient,
			category:  storage.CatMemory,
			retryable: true,
		},
		{
			name:      "segfault by exit code",
			message:   "",
			exitCode:  139,
			class:     storage.ClassTransient,
			category:  storage.CatProcess,
			retryable: true,
		},
		{
			// exit code wins even when the message looks permanent
			name:      "exit 137 with permanent-looking message",
			message:   "TypeError before the kill",
			exitCode:  137,
			class:     storage.ClassTransient,
			category:  storage.CatMemory,
			retryable: true,
		},
		{
			name:      "bare sigterm",
			message:   "SIGTERM",
			class:     storage.ClassTransient,
			category:  storage.CatProcess,
			retryable: true,
		},
		{
			name:      "unknown error",
			message:   "something inexplicable happened",
			class:     storage.ClassUnknown,
			category:  storage.CatGeneral,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.message, tt.exitCode)
			if got.Class != tt.class {
				t.Errorf("class = %s, want %s", got.Class, tt.class)
			}
			if got.Category != tt.category {
				t.Errorf("category = %s, want %s", got.Category, tt.category)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", got.Retryable, tt.retryable)
			}
		})
	}
}
