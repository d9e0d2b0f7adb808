package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/antigravity-dev/aop/internal/audit"
	"github.com/antigravity-dev/aop/internal/budget"
	"github.com/antigravity-dev/aop/internal/config"
	"github.com/antigravity-dev/aop/internal/leader"
	"github.com/antigravity-dev/aop/internal/llm"
	"github.com/antigravity-dev/aop/internal/orchestrator"
	"github.com/antigravity-dev/aop/internal/pipeline"
	"github.com/antigravity-dev/aop/internal/registry"
	"github.com/antigravity-dev/aop/internal/runtime"
	"github.com/antigravity-dev/aop/internal/store"
)

// stubAdapter always answers with a fixed, parseable JSON payload. Each
// test picks the shape its call path needs (clarifying, plan, or
// specialist response).
type stubAdapter struct {
	text string
}

func (s *stubAdapter) Name() string                  { return "stub" }
func (s *stubAdapter) Supports(provider string) bool { return provider == "stub" }
func (s *stubAdapter) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: s.text}, nil
}

const stubClarifyJSON = `{"questions":["which module?"],"initialAnalysis":"looks fine","suggestedApproach":"iterate"}`
const stubPlanJSON = `{"tasks":[{"objective":"harden login","domain":"auth","tier":3,"targetFiles":["auth.go"],"rationale":"r"}],"riskAssessment":"moderate"}`
const stubSpecialistJSON = `{"intentDescription":"tighten validation","modifiedContent":"package auth\n\nfunc Login() {}\n","changesSummary":["tightened validation"]}`

func newTestServer(t *testing.T, adapterText string) (*Server, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rec := audit.New(s, nil, nil)
	router := llm.NewRouter(&stubAdapter{text: adapterText})
	doc := registry.Document{
		DefaultProvider: "stub",
		Tiers: map[string][]registry.Candidate{
			"1": {{Provider: "stub", ModelID: "stub-model"}},
			"2": {{Provider: "stub", ModelID: "stub-model"}},
			"3": {{Provider: "stub", ModelID: "stub-model"}},
		},
		PersonaOverrides: map[string][]registry.Candidate{},
	}
	reg := registry.New(doc, s, router)
	thresholds := budget.Thresholds{MinIncrement: 250, HeadroomPercent: 0.25, AutoMaxPercent: 0.40}
	budgetSvc := budget.New(s, thresholds)
	rt := runtime.New(s, rec, budgetSvc)
	ld := leader.New(s, rec, rt, reg, router, nil, nil, thresholds)
	pl := pipeline.New(s, rec, pipeline.DefaultConfig(), nil, nil)
	orch := orchestrator.New(s, rec, rt, reg, router, nil, ld, pl, nil, thresholds)

	cfg := &config.Config{API: config.APIConfig{ListenAddr: "127.0.0.1:0"}}
	srv, err := NewServer(cfg, s, budgetSvc, orch, pl, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, s
}

func doRequest(t *testing.T, handler http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func TestHandleCreateTask(t *testing.T) {
	srv, _ := newTestServer(t, stubClarifyJSON)
	rr := doRequest(t, srv.handleCreateTask, http.MethodPost, "/rpc/create_task", map[string]any{
		"tier": 1, "domain": "platform", "objective": "refactor auth", "tokenBudget": 1000,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeInto(t, rr, &resp)
	if resp["id"] == "" || resp["id"] == nil {
		t.Fatalf("expected id in response, got %v", resp)
	}
	if resp["status"] != store.TaskPending {
		t.Fatalf("status = %v, want %q", resp["status"], store.TaskPending)
	}
}

func TestHandleCreateTask_InvalidTier(t *testing.T) {
	srv, _ := newTestServer(t, stubClarifyJSON)
	rr := doRequest(t, srv.handleCreateTask, http.MethodPost, "/rpc/create_task", map[string]any{
		"tier": 7, "domain": "platform", "objective": "x", "tokenBudget": 10,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleGetTasks_ByID(t *testing.T) {
	srv, s := newTestServer(t, stubClarifyJSON)
	task, err := s.CreateTask(store.CreateTaskInput{Tier: 1, Domain: "platform", Objective: "x", TokenBudget: 100})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	rr := doRequest(t, srv.handleGetTasks, http.MethodGet, "/rpc/get_tasks?id="+task.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeInto(t, rr, &resp)
	if resp["id"] != task.ID {
		t.Fatalf("id = %v, want %s", resp["id"], task.ID)
	}
}

func TestHandleGetTasks_ByRootID(t *testing.T) {
	srv, s := newTestServer(t, stubClarifyJSON)
	root, err := s.CreateTask(store.CreateTaskInput{Tier: 1, Domain: "platform", Objective: "x", TokenBudget: 100})
	if err != nil {
		t.Fatalf("CreateTask root: %v", err)
	}
	parentID := root.ID
	if _, err := s.CreateTask(store.CreateTaskInput{ParentID: &parentID, Tier: 2, Domain: "auth", Objective: "y", TokenBudget: 50}); err != nil {
		t.Fatalf("CreateTask child: %v", err)
	}
	rr := doRequest(t, srv.handleGetTasks, http.MethodGet, "/rpc/get_tasks?rootId="+root.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp []map[string]any
	decodeInto(t, rr, &resp)
	if len(resp) != 2 {
		t.Fatalf("len(resp) = %d, want 2", len(resp))
	}
}

func TestHandleGetTasks_MissingParams(t *testing.T) {
	srv, _ := newTestServer(t, stubClarifyJSON)
	rr := doRequest(t, srv.handleGetTasks, http.MethodGet, "/rpc/get_tasks", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleControlTask_Pause(t *testing.T) {
	srv, s := newTestServer(t, stubClarifyJSON)
	task, err := s.CreateTask(store.CreateTaskInput{Tier: 1, Domain: "platform", Objective: "x", TokenBudget: 100})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.UpdateTaskStatus(task.ID, store.TaskExecuting); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	rr := doRequest(t, srv.handleControlTask, http.MethodPost, "/rpc/control_task", map[string]any{
		"taskId": task.ID, "action": store.ActionPause,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	updated, err := s.GetTaskByID(task.ID)
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if updated.Status != store.TaskPaused {
		t.Fatalf("status = %s, want paused", updated.Status)
	}
}

func TestHandleControlTask_UnknownAction(t *testing.T) {
	srv, s := newTestServer(t, stubClarifyJSON)
	task, err := s.CreateTask(store.CreateTaskInput{Tier: 1, Domain: "platform", Objective: "x", TokenBudget: 100})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	rr := doRequest(t, srv.handleControlTask, http.MethodPost, "/rpc/control_task", map[string]any{
		"taskId": task.ID, "action": "teleport",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleRequestBudgetIncrease_AndResolve(t *testing.T) {
	srv, s := newTestServer(t, stubClarifyJSON)
	task, err := s.CreateTask(store.CreateTaskInput{Tier: 1, Domain: "platform", Objective: "x", TokenBudget: 1000})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rr := doRequest(t, srv.handleRequestBudgetIncrease, http.MethodPost, "/rpc/request_task_budget_increase", map[string]any{
		"taskId": task.ID, "requester": "operator", "reason": "more headroom", "requestedIncrement": 500,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var created map[string]any
	decodeInto(t, rr, &created)
	requestID, _ := created["id"].(string)
	if requestID == "" {
		t.Fatalf("expected request id, got %v", created)
	}
	if created["status"] != store.BudgetRequestPending {
		t.Fatalf("status = %v, want pending", created["status"])
	}

	rr = doRequest(t, srv.handleResolveBudgetRequest, http.MethodPost, "/rpc/resolve_task_budget_request", map[string]any{
		"requestId": requestID, "approve": true, "approvedIncrement": 500, "note": "looks fine",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resolved map[string]any
	decodeInto(t, rr, &resolved)
	if resolved["status"] != store.BudgetRequestApproved {
		t.Fatalf("status = %v, want approved", resolved["status"])
	}

	updatedTask, err := s.GetTaskByID(task.ID)
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if updatedTask.TokenBudget != 1500 {
		t.Fatalf("token budget = %d, want 1500", updatedTask.TokenBudget)
	}
}

func TestHandleResolveBudgetRequest_AlreadyResolved(t *testing.T) {
	srv, s := newTestServer(t, stubClarifyJSON)
	task, err := s.CreateTask(store.CreateTaskInput{Tier: 1, Domain: "platform", Objective: "x", TokenBudget: 1000})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	br, err := s.CreateBudgetRequest(store.CreateBudgetRequestInput{TaskID: task.ID, Requester: "r", Reason: "r", RequestedIncrement: 100})
	if err != nil {
		t.Fatalf("CreateBudgetRequest: %v", err)
	}
	if _, err := s.ResolveBudgetRequest(br.ID, true, 100, "first resolution"); err != nil {
		t.Fatalf("ResolveBudgetRequest: %v", err)
	}

	rr := doRequest(t, srv.handleResolveBudgetRequest, http.MethodPost, "/rpc/resolve_task_budget_request", map[string]any{
		"requestId": br.ID, "approve": true,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleAnalyzeObjective(t *testing.T) {
	srv, _ := newTestServer(t, stubClarifyJSON)
	rr := doRequest(t, srv.handleAnalyzeObjective, http.MethodPost, "/rpc/analyze_objective", map[string]any{
		"objective": "refactor auth module", "targetProject": t.TempDir(), "globalBudget": 10000,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeInto(t, rr, &resp)
	if resp["rootTaskId"] == "" || resp["rootTaskId"] == nil {
		t.Fatalf("expected rootTaskId, got %v", resp)
	}
	questions, ok := resp["questions"].([]any)
	if !ok || len(questions) != 1 {
		t.Fatalf("questions = %v, want 1 entry", resp["questions"])
	}
}

func TestHandleSubmitAnswersAndPlan(t *testing.T) {
	srv, s := newTestServer(t, stubPlanJSON)
	root, err := s.CreateTask(store.CreateTaskInput{Tier: 1, Domain: "platform", Objective: "refactor auth", TokenBudget: 10000})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rr := doRequest(t, srv.handleSubmitAnswersAndPlan, http.MethodPost, "/rpc/submit_answers_and_plan", map[string]any{
		"rootTaskId": root.ID, "answers": []string{"yes"}, "targetProject": t.TempDir(), "maxTolerance": 0.6,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeInto(t, rr, &resp)
	childIDs, ok := resp["childTaskIds"].([]any)
	if !ok || len(childIDs) != 1 {
		t.Fatalf("childTaskIds = %v, want 1 entry", resp["childTaskIds"])
	}
}

func TestHandleSubmitAnswersAndPlan_NotRoot(t *testing.T) {
	srv, s := newTestServer(t, stubPlanJSON)
	root, err := s.CreateTask(store.CreateTaskInput{Tier: 1, Domain: "platform", Objective: "x", TokenBudget: 1000})
	if err != nil {
		t.Fatalf("CreateTask root: %v", err)
	}
	parentID := root.ID
	child, err := s.CreateTask(store.CreateTaskInput{ParentID: &parentID, Tier: 2, Domain: "auth", Objective: "y", TokenBudget: 500})
	if err != nil {
		t.Fatalf("CreateTask child: %v", err)
	}

	rr := doRequest(t, srv.handleSubmitAnswersAndPlan, http.MethodPost, "/rpc/submit_answers_and_plan", map[string]any{
		"rootTaskId": child.ID, "answers": []string{"yes"}, "targetProject": t.TempDir(),
	})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}

func TestHandleExecuteDomainTask_Tier3(t *testing.T) {
	srv, s := newTestServer(t, stubSpecialistJSON)
	task, err := s.CreateTask(store.CreateTaskInput{
		Tier: 3, Domain: "auth", Objective: "tighten login validation",
		TokenBudget: 500, TargetFiles: []string{"auth.go"},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rr := doRequest(t, srv.handleExecuteDomainTask, http.MethodPost, "/rpc/execute_domain_task", map[string]any{
		"taskId": task.ID, "targetProject": t.TempDir(),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	mutations, err := s.ListTaskMutations(task.ID)
	if err != nil {
		t.Fatalf("ListTaskMutations: %v", err)
	}
	if len(mutations) != 1 {
		t.Fatalf("len(mutations) = %d, want 1", len(mutations))
	}
}

func TestHandleExecuteDomainTask_WrongTier(t *testing.T) {
	srv, s := newTestServer(t, stubSpecialistJSON)
	task, err := s.CreateTask(store.CreateTaskInput{Tier: 1, Domain: "platform", Objective: "x", TokenBudget: 500})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	rr := doRequest(t, srv.handleExecuteDomainTask, http.MethodPost, "/rpc/execute_domain_task", map[string]any{
		"taskId": task.ID, "targetProject": t.TempDir(),
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleListTaskMutations(t *testing.T) {
	srv, s := newTestServer(t, stubClarifyJSON)
	task, err := s.CreateTask(store.CreateTaskInput{Tier: 3, Domain: "auth", Objective: "x", TokenBudget: 100})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.CreateMutation(store.CreateMutationInput{
		TaskID: task.ID, AgentUID: "agent-1", FilePath: "a.go", DiffContent: "diff", Confidence: 0.8,
	}); err != nil {
		t.Fatalf("CreateMutation: %v", err)
	}

	rr := doRequest(t, srv.handleListTaskMutations, http.MethodGet, "/rpc/list_task_mutations?taskId="+task.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp []map[string]any
	decodeInto(t, rr, &resp)
	if len(resp) != 1 {
		t.Fatalf("len(resp) = %d, want 1", len(resp))
	}
}

func TestHandleSetMutationStatus(t *testing.T) {
	srv, s := newTestServer(t, stubClarifyJSON)
	task, err := s.CreateTask(store.CreateTaskInput{Tier: 3, Domain: "auth", Objective: "x", TokenBudget: 100})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	m, err := s.CreateMutation(store.CreateMutationInput{
		TaskID: task.ID, AgentUID: "agent-1", FilePath: "a.go", DiffContent: "diff", Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("CreateMutation: %v", err)
	}

	rr := doRequest(t, srv.handleSetMutationStatus, http.MethodPost, "/rpc/set_mutation_status", map[string]any{
		"mutationId": m.ID, "status": store.MutationRejected, "rejectionReason": "manual veto", "rejectionStep": "human_review",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeInto(t, rr, &resp)
	if resp["status"] != store.MutationRejected {
		t.Fatalf("status = %v, want rejected", resp["status"])
	}
}

func TestHandleSetMutationStatus_InvalidTransition(t *testing.T) {
	srv, s := newTestServer(t, stubClarifyJSON)
	task, err := s.CreateTask(store.CreateTaskInput{Tier: 3, Domain: "auth", Objective: "x", TokenBudget: 100})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	m, err := s.CreateMutation(store.CreateMutationInput{
		TaskID: task.ID, AgentUID: "agent-1", FilePath: "a.go", DiffContent: "diff", Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("CreateMutation: %v", err)
	}

	rr := doRequest(t, srv.handleSetMutationStatus, http.MethodPost, "/rpc/set_mutation_status", map[string]any{
		"mutationId": m.ID, "status": store.MutationApplied,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleRequestMutationRevision(t *testing.T) {
	srv, s := newTestServer(t, stubClarifyJSON)
	task, err := s.CreateTask(store.CreateTaskInput{Tier: 3, Domain: "auth", Objective: "x", TokenBudget: 100})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.UpdateTaskStatus(task.ID, store.TaskCompleted); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	m, err := s.CreateMutation(store.CreateMutationInput{
		TaskID: task.ID, AgentUID: "agent-1", FilePath: "a.go", DiffContent: "diff", Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("CreateMutation: %v", err)
	}

	rr := doRequest(t, srv.handleRequestMutationRevision, http.MethodPost, "/rpc/request_mutation_revision", map[string]any{
		"mutationId": m.ID, "feedback": "missed an edge case", "targetProject": t.TempDir(),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	updatedMutation, err := s.GetMutationByID(m.ID)
	if err != nil {
		t.Fatalf("GetMutationByID: %v", err)
	}
	if updatedMutation.Status != store.MutationRejected {
		t.Fatalf("mutation status = %s, want rejected", updatedMutation.Status)
	}
	if updatedMutation.RejectionReason == nil || *updatedMutation.RejectionReason != "superseded_by_revision: missed an edge case" {
		t.Fatalf("rejection reason = %v", updatedMutation.RejectionReason)
	}

	updatedTask, err := s.GetTaskByID(task.ID)
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if updatedTask.Status != store.TaskPending {
		t.Fatalf("task status = %s, want pending", updatedTask.Status)
	}
}

func TestHandleStatus(t *testing.T) {
	srv, _ := newTestServer(t, stubClarifyJSON)
	rr := doRequest(t, srv.handleStatus, http.MethodGet, "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp map[string]any
	decodeInto(t, rr, &resp)
	if _, ok := resp["uptimeSeconds"]; !ok {
		t.Fatalf("expected uptimeSeconds in response, got %v", resp)
	}
}
