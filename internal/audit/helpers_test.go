package audit

import (
	"testing"

	"github.com/antigravity-dev/aop/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(t *testing.T, s *store.Store) *store.Task {
	t.Helper()
	task, err := s.CreateTask(store.CreateTaskInput{Tier: 1, Objective: "test", TokenBudget: 5000})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}
