// Package api exposes spec.md §6's RPC surface over HTTP: every operation
// of §4 is one JSON endpoint, camelCase in and out.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/antigravity-dev/aop/internal/budget"
	"github.com/antigravity-dev/aop/internal/config"
	"github.com/antigravity-dev/aop/internal/orchestrator"
	"github.com/antigravity-dev/aop/internal/pipeline"
	"github.com/antigravity-dev/aop/internal/store"
)

// Server is the AOP RPC/HTTP server.
type Server struct {
	cfg            *config.Config
	store          *store.Store
	budget         *budget.Service
	orchestrator   *orchestrator.Orchestrator
	pipeline       *pipeline.Pipeline
	logger         *slog.Logger
	startTime      time.Time
	httpServer     *http.Server
	authMiddleware *AuthMiddleware
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, s *store.Store, b *budget.Service, o *orchestrator.Orchestrator, p *pipeline.Pipeline, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	authMiddleware, err := NewAuthMiddleware(&cfg.API.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("api: new server: %w", err)
	}
	return &Server{
		cfg: cfg, store: s, budget: b, orchestrator: o, pipeline: p,
		logger: logger, startTime: time.Now(), authMiddleware: authMiddleware,
	}, nil
}

// Close releases the server's resources.
func (s *Server) Close() error {
	if s.authMiddleware != nil {
		return s.authMiddleware.Close()
	}
	return nil
}

// Start begins listening on the configured address. Blocks until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Task lifecycle (spec.md §4.1).
	mux.HandleFunc("/rpc/create_task", s.authMiddleware.RequireAuth(s.handleCreateTask))
	mux.HandleFunc("/rpc/get_tasks", s.handleGetTasks)
	mux.HandleFunc("/rpc/control_task", s.authMiddleware.RequireAuth(s.handleControlTask))

	// Budget requests (spec.md §4.5/§4.10).
	mux.HandleFunc("/rpc/request_task_budget_increase", s.authMiddleware.RequireAuth(s.handleRequestBudgetIncrease))
	mux.HandleFunc("/rpc/resolve_task_budget_request", s.authMiddleware.RequireAuth(s.handleResolveBudgetRequest))

	// Tier-1 orchestrator (spec.md §4.8).
	mux.HandleFunc("/rpc/analyze_objective", s.authMiddleware.RequireAuth(s.handleAnalyzeObjective))
	mux.HandleFunc("/rpc/submit_answers_and_plan", s.authMiddleware.RequireAuth(s.handleSubmitAnswersAndPlan))
	mux.HandleFunc("/rpc/approve_orchestration_plan", s.authMiddleware.RequireAuth(s.handleApproveOrchestrationPlan))

	// Tier-2/3 direct dispatch and mutation lifecycle (spec.md §4.2/§4.7/§4.9).
	mux.HandleFunc("/rpc/execute_domain_task", s.authMiddleware.RequireAuth(s.handleExecuteDomainTask))
	mux.HandleFunc("/rpc/list_task_mutations", s.handleListTaskMutations)
	mux.HandleFunc("/rpc/run_mutation_pipeline", s.authMiddleware.RequireAuth(s.handleRunMutationPipeline))
	mux.HandleFunc("/rpc/set_mutation_status", s.authMiddleware.RequireAuth(s.handleSetMutationStatus))
	mux.HandleFunc("/rpc/request_mutation_revision", s.authMiddleware.RequireAuth(s.handleRequestMutationRevision))

	mux.HandleFunc("/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:        s.cfg.API.ListenAddr,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "listen_addr", s.cfg.API.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"uptimeSeconds": time.Since(s.startTime).Seconds(),
	})
}

func taskToJSON(t *store.Task) map[string]any {
	return map[string]any{
		"id":                     t.ID,
		"parentId":               t.ParentID,
		"tier":                   t.Tier,
		"domain":                 t.Domain,
		"objective":              t.Objective,
		"status":                 t.Status,
		"tokenBudget":            t.TokenBudget,
		"tokenUsage":             t.TokenUsage,
		"contextEfficiencyRatio": t.ContextEfficiencyRatio,
		"riskFactor":             t.RiskFactor,
		"complianceScore":        t.ComplianceScore,
		"beforeChecksum":         t.BeforeChecksum,
		"afterChecksum":          t.AfterChecksum,
		"errorMessage":           t.ErrorMessage,
		"retryCount":             t.RetryCount,
		"targetFiles":            t.TargetFiles,
		"createdAt":              t.CreatedAt,
		"updatedAt":              t.UpdatedAt,
	}
}

func mutationToJSON(m *store.Mutation) map[string]any {
	return map[string]any{
		"id":                m.ID,
		"taskId":            m.TaskID,
		"agentUid":          m.AgentUID,
		"filePath":          m.FilePath,
		"diffContent":       m.DiffContent,
		"intentDescription": m.IntentDescription,
		"intentHash":        m.IntentHash,
		"confidence":        m.Confidence,
		"testResult":        m.TestResult,
		"exitCode":          m.ExitCode,
		"rejectionReason":   m.RejectionReason,
		"rejectionStep":     m.RejectionStep,
		"status":            m.Status,
		"proposedAt":        m.ProposedAt,
		"appliedAt":         m.AppliedAt,
	}
}

func budgetRequestToJSON(br *store.BudgetRequest) map[string]any {
	return map[string]any{
		"id":                 br.ID,
		"taskId":             br.TaskID,
		"requester":          br.Requester,
		"reason":             br.Reason,
		"requestedIncrement": br.RequestedIncrement,
		"budgetSnapshot":     br.BudgetSnapshot,
		"usageSnapshot":      br.UsageSnapshot,
		"status":             br.Status,
		"approvedIncrement":  br.ApprovedIncrement,
		"resolutionNote":     br.ResolutionNote,
		"createdAt":          br.CreatedAt,
		"updatedAt":          br.UpdatedAt,
	}
}

// POST /rpc/create_task — spec.md §4.1 create_task.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentID    *string  `json:"parentId"`
		Tier        int      `json:"tier"`
		Domain      string   `json:"domain"`
		Objective   string   `json:"objective"`
		TokenBudget int      `json:"tokenBudget"`
		RiskFactor  float64  `json:"riskFactor"`
		TargetFiles []string `json:"targetFiles"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.store.CreateTask(store.CreateTaskInput{
		ParentID: req.ParentID, Tier: req.Tier, Domain: req.Domain, Objective: req.Objective,
		TokenBudget: req.TokenBudget, RiskFactor: req.RiskFactor, TargetFiles: req.TargetFiles,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, taskToJSON(task))
}

// GET /rpc/get_tasks?id=...  or  ?rootId=... (whole subtree) — spec.md
// §4.1 get_tasks.
func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		task, err := s.store.GetTaskByID(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, taskToJSON(task))
		return
	}

	rootID := r.URL.Query().Get("rootId")
	if rootID == "" {
		writeError(w, http.StatusBadRequest, "id or rootId query parameter required")
		return
	}
	ids, err := s.store.CollectTaskTreeIDs(rootID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		task, err := s.store.GetTaskByID(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, taskToJSON(task))
	}
	writeJSON(w, out)
}

// POST /rpc/control_task — spec.md §4.1 control_task.
func (s *Server) handleControlTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID             string `json:"taskId"`
		Action             string `json:"action"`
		IncludeDescendants bool   `json:"includeDescendants"`
		Reason             string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.store.ControlTask(req.TaskID, req.Action, req.IncludeDescendants, req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]any{"updatedCount": updated})
}

// POST /rpc/request_task_budget_increase — spec.md §4.5/§4.10.
func (s *Server) handleRequestBudgetIncrease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID             string `json:"taskId"`
		Requester          string `json:"requester"`
		Reason             string `json:"reason"`
		RequestedIncrement int    `json:"requestedIncrement"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	br, err := s.budget.Request(store.CreateBudgetRequestInput{
		TaskID: req.TaskID, Requester: req.Requester, Reason: req.Reason, RequestedIncrement: req.RequestedIncrement,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, budgetRequestToJSON(br))
}

// POST /rpc/resolve_task_budget_request — spec.md §4.5/§4.10.
func (s *Server) handleResolveBudgetRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID         string `json:"requestId"`
		Approve           bool   `json:"approve"`
		ApprovedIncrement int    `json:"approvedIncrement"`
		Note              string `json:"note"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	br, err := s.budget.Resolve(req.RequestID, req.Approve, req.ApprovedIncrement, req.Note)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, budgetRequestToJSON(br))
}

// POST /rpc/analyze_objective — spec.md §4.8 analyze_objective.
func (s *Server) handleAnalyzeObjective(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Objective     string `json:"objective"`
		TargetProject string `json:"targetProject"`
		GlobalBudget  int    `json:"globalBudget"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.orchestrator.AnalyzeObjective(r.Context(), req.Objective, req.TargetProject, req.GlobalBudget)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"rootTaskId":        res.RootTaskID,
		"questions":         res.Questions,
		"initialAnalysis":   res.InitialAnalysis,
		"suggestedApproach": res.SuggestedApproach,
	})
}

// POST /rpc/submit_answers_and_plan — spec.md §4.8 generate_plan.
func (s *Server) handleSubmitAnswersAndPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RootTaskID    string   `json:"rootTaskId"`
		Answers       []string `json:"answers"`
		TargetProject string   `json:"targetProject"`
		MaxTolerance  float64  `json:"maxTolerance"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.orchestrator.GeneratePlan(r.Context(), req.RootTaskID, req.Answers, req.TargetProject, req.MaxTolerance)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"rootTaskId":     res.RootTaskID,
		"childTaskIds":   res.ChildTaskIDs,
		"riskAssessment": res.RiskAssessment,
	})
}

// POST /rpc/approve_orchestration_plan — spec.md §4.8 approve_plan_and_spawn.
func (s *Server) handleApproveOrchestrationPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RootTaskID    string `json:"rootTaskId"`
		TargetProject string `json:"targetProject"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.orchestrator.ApprovePlanAndSpawn(r.Context(), req.RootTaskID, req.TargetProject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"rootStatus": res.RootStatus,
		"applied":    res.Applied,
		"failed":     res.Failed,
		"notes":      res.Notes,
	})
}

// POST /rpc/execute_domain_task — spec.md §4.7/§4.2: run a tier-2 or
// tier-3 task directly, bypassing the orchestrator's plan (used when an
// operator dispatches a single assignment rather than a whole plan).
func (s *Server) handleExecuteDomainTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID        string `json:"taskId"`
		TargetProject string `json:"targetProject"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.orchestrator.ExecuteDomainTask(r.Context(), req.TaskID, req.TargetProject)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]any{"status": summary.RootStatus, "applied": summary.Applied, "failed": summary.Failed, "notes": summary.Notes})
}

// GET /rpc/list_task_mutations?taskId=... — spec.md §4.2.
func (s *Server) handleListTaskMutations(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "taskId query parameter required")
		return
	}
	mutations, err := s.store.ListTaskMutations(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(mutations))
	for _, m := range mutations {
		out = append(out, mutationToJSON(m))
	}
	writeJSON(w, out)
}

// POST /rpc/run_mutation_pipeline — spec.md §4.9.
func (s *Server) handleRunMutationPipeline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MutationID    string `json:"mutationId"`
		TargetProject string `json:"targetProject"`
		Tier1Approved bool   `json:"tier1Approved"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.pipeline.Run(r.Context(), req.MutationID, req.TargetProject, req.Tier1Approved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"applied":  res.Applied,
		"mutation": mutationToJSON(res.Mutation),
	})
}

// POST /rpc/set_mutation_status — spec.md §4.2's direct status transition
// path (used by a human reviewer to reject/approve a mutation outside the
// automated pipeline run).
func (s *Server) handleSetMutationStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MutationID      string `json:"mutationId"`
		Status          string `json:"status"`
		RejectionReason string `json:"rejectionReason"`
		RejectionStep   string `json:"rejectionStep"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in := store.UpdateMutationStatusInput{Status: req.Status}
	if req.RejectionReason != "" {
		in.RejectionReason = &req.RejectionReason
	}
	if req.RejectionStep != "" {
		in.RejectionStep = &req.RejectionStep
	}
	if err := s.store.UpdateMutationStatus(req.MutationID, in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := s.store.GetMutationByID(req.MutationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, mutationToJSON(m))
}

// POST /rpc/request_mutation_revision — SPEC_FULL.md's "Supplemented
// features" item 1: reject the current mutation with reason
// "superseded_by_revision" (followed by the feedback, when given) and move
// the owning task back to pending with the feedback as its note. The
// handler does not re-run the specialist or create a replacement mutation.
func (s *Server) handleRequestMutationRevision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MutationID    string `json:"mutationId"`
		Feedback      string `json:"feedback"`
		TargetProject string `json:"targetProject"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := s.store.GetMutationByID(req.MutationID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	reason := "superseded_by_revision"
	if req.Feedback != "" {
		reason = "superseded_by_revision: " + req.Feedback
	}
	if err := s.store.UpdateMutationStatus(req.MutationID, store.UpdateMutationStatusInput{
		Status: store.MutationRejected, RejectionReason: &reason, RejectionStep: strPtr("revision_requested"),
	}); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.store.GetTaskByID(m.TaskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	outcome := store.TaskOutcome{Status: store.TaskPending}
	if req.Feedback != "" {
		note := "revision requested: " + req.Feedback
		outcome.ErrorMessage = &note
	}
	if err := s.store.UpdateTaskOutcome(task.ID, outcome); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"taskId": task.ID, "status": "revision_requested"})
}

func strPtr(s string) *string { return &s }
