package budget

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

func newTask(t *testing.T, s *store.Store, budget, usage int) *store.Task {
	t.Helper()
	task, err := s.CreateTask(store.CreateTaskInput{Tier: 1, Objective: "test", TokenBudget: budget})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if usage > 0 {
		if err := s.UpdateTaskOutcome(task.ID, store.TaskOutcome{Status: store.TaskExecuting, TokenUsageDelta: usage}); err != nil {
			t.Fatalf("record usage: %v", err)
		}
	}
	task, err = s.GetTaskByID(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func TestRequest_AutoApprovesIncrementWithinAutoMaxPercent(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s, 10000, 1000)
	svc := New(s, Thresholds{AutoApproveEnabled: true, HeadroomPercent: 0.15, AutoMaxPercent: 0.5, MinIncrement: 1000})

	br, err := svc.Request(store.CreateBudgetRequestInput{TaskID: task.ID, Requester: "specialist", Reason: "small bump", RequestedIncrement: 500})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if br.Status != store.BudgetRequestApproved {
		t.Fatalf("expected auto-approval for increment within auto-max percent, got status %q", br.Status)
	}
}

// TestRequest_SmallIncrementBeyondAutoMaxStaysPending documents that a
// sub-MinIncrement request is not a separate auto-approval path: a small
// increment that exceeds AutoMaxPercent must NOT be auto-approved just for
// being small (spec.md §4.5's iff has no MinIncrement clause).
func TestRequest_SmallIncrementBeyondAutoMaxStaysPending(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s, 300, 0)
	svc := New(s, Thresholds{AutoApproveEnabled: true, AutoMaxPercent: 0.4, MinIncrement: 250})

	br, err := svc.Request(store.CreateBudgetRequestInput{TaskID: task.ID, Requester: "specialist", Reason: "small but over cap", RequestedIncrement: 200})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if br.Status != store.BudgetRequestPending {
		t.Fatalf("expected increment over auto-max percent to stay pending despite being below MinIncrement, got %q", br.Status)
	}
}

func TestRequest_StaysPendingWhenAutoApproveDisabled(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s, 10000, 1000)
	svc := New(s, Thresholds{AutoApproveEnabled: false})

	br, err := svc.Request(store.CreateBudgetRequestInput{TaskID: task.ID, Requester: "specialist", Reason: "bump", RequestedIncrement: 2000})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if br.Status != store.BudgetRequestPending {
		t.Fatalf("expected pending when auto-approve disabled, got %q", br.Status)
	}
}

func TestRequest_RejectsAutoApprovalBeyondAutoMaxPercent(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s, 10000, 1000)
	svc := New(s, Thresholds{AutoApproveEnabled: true, HeadroomPercent: 0.1, AutoMaxPercent: 0.1, MinIncrement: 100})

	br, err := svc.Request(store.CreateBudgetRequestInput{TaskID: task.ID, Requester: "specialist", Reason: "big ask", RequestedIncrement: 5000})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if br.Status != store.BudgetRequestPending {
		t.Fatalf("expected the oversized request to stay pending for human review, got %q", br.Status)
	}
}

// TestRequest_AutoApprovalIgnoresHeadroom documents that spec.md §4.5's
// auto-approval rule is solely AutoApproveEnabled && increment<=AutoMaxPercent
// of the current budget — headroom after the grant plays no part, even when
// usage already leaves little room.
func TestRequest_AutoApprovalIgnoresHeadroom(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s, 10000, 9000)
	svc := New(s, Thresholds{AutoApproveEnabled: true, AutoMaxPercent: 1.0, MinIncrement: 100})

	br, err := svc.Request(store.CreateBudgetRequestInput{TaskID: task.ID, Requester: "specialist", Reason: "near limit", RequestedIncrement: 2000})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if br.Status != store.BudgetRequestApproved {
		t.Fatalf("expected auto-approval since increment is within auto-max percent regardless of headroom, got %q", br.Status)
	}
}

func TestResolve_HumanRejectionLeavesBudgetUnchanged(t *testing.T) {
	s := newTestStore(t)
	task := newTask(t, s, 10000, 1000)
	svc := New(s, Thresholds{})

	br, err := svc.Request(store.CreateBudgetRequestInput{TaskID: task.ID, Requester: "specialist", Reason: "bump", RequestedIncrement: 2000})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	resolved, err := svc.Resolve(br.ID, false, 0, "not justified")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != store.BudgetRequestRejected {
		t.Fatalf("expected rejected status, got %q", resolved.Status)
	}
	updated, err := s.GetTaskByID(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if updated.TokenBudget != task.TokenBudget {
		t.Fatalf("expected budget unchanged after rejection, got %d want %d", updated.TokenBudget, task.TokenBudget)
	}
}
