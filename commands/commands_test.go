package commands

import (
	"errors"
	"testing"

	"github.com/foremanworks/foreman/storage"
)

func TestApplyField(t *testing.T) {
	tests := []struct {
		name    string
		field   string
		value   string
		wantErr bool
		check   func(*storage.Task) bool
	}{
		{
			name: "title", field: "title", value: "New title",
			check: func(task *storage.Task) bool { return task.Title == "New title" },
		},
		{
			name: "empty title rejected", field: "title", value: "", wantErr: true,
		},
		{
			name: "description", field: "description", value: "details",
			check: func(task *storage.Task) bool { return task.Description == "details" },
		},
		{
			name: "category case-insensitive", field: "category", value: "BUG",
			check: func(task *storage.Task) bool { return task.Category == storage.CategoryBug },
		},
		{
			name: "unknown category", field: "category", value: "mystery", wantErr: true,
		},
		{
			name: "effort", field: "effort", value: "epic",
			check: func(task *storage.Task) bool { return task.Effort == storage.EffortEpic },
		},
		{
			name: "priority", field: "priority", value: "-3",
			check: func(task *storage.Task) bool { return task.Priority == -3 },
		},
		{
			name: "priority not a number", field: "priority", value: "high", wantErr: true,
		},
		{
			name: "unknown field", field: "status", value: "completed", wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &storage.Task{Title: "old", Category: storage.CategoryTask, Effort: storage.EffortSmall}
			err := applyField(task, tt.field, tt.value)
			if tt.wantErr {
				if !errors.Is(err, storage.ErrValidation) {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !tt.check(task) {
				t.Errorf("field %s not applied: %+v", tt.field, task)
			}
		})
	}
}

func TestGuessCategory(t *testing.T) {
	tests := []struct {
		text string
		want storage.TaskCategory
	}{
		{"fix the login crash", storage.CategoryBug},
		{"add tests for the planner", storage.CategoryTest},
		{"update the readme", storage.CategoryDocumentation},
		{"refactor session handling", storage.CategoryRefactor},
		{"deploy the staging environment", storage.CategoryInfrastructure},
		{"implement webhook retries", storage.CategoryFeature},
		{"investigate slow queries", storage.CategoryTask},
	}
	for _, tt := range tests {
		if got := guessCategory(tt.text); got != tt.want {
			t.Errorf("guessCategory(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}
