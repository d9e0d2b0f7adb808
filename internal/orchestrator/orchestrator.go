// Package orchestrator implements the Tier-1 orchestrator (C8) of spec.md
// §4.8: analyse an objective against a target project, turn operator
// answers into a concrete plan of tier-2/tier-3 assignments, and execute an
// approved plan by dispatching to the domain leader (C7) or running an
// inline specialist (C6), finally walking every resulting mutation through
// the pipeline (C9).
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/antigravity-dev/aop/internal/audit"
	"github.com/antigravity-dev/aop/internal/budget"
	"github.com/antigravity-dev/aop/internal/leader"
	"github.com/antigravity-dev/aop/internal/llm"
	"github.com/antigravity-dev/aop/internal/pipeline"
	"github.com/antigravity-dev/aop/internal/registry"
	"github.com/antigravity-dev/aop/internal/runtime"
	"github.com/antigravity-dev/aop/internal/specialist"
	"github.com/antigravity-dev/aop/internal/store"
	"github.com/antigravity-dev/aop/internal/toolbridge"
)

// defaultGlobalBudget is the root task's budget when the caller doesn't
// specify one. Spec.md's end-to-end scenario 1 uses 10 000 as an example
// figure; we use it as the hard-coded default analyze_objective falls back
// to when no budget is supplied.
const defaultGlobalBudget = 10000

// tier1Persona is the closed persona tag the orchestrator itself operates
// under when selecting a model (distinct from the tier-3 persona set).
const tier1Persona = ""

// Orchestrator runs the three persistent entry points of spec.md §4.8.
type Orchestrator struct {
	store      *store.Store
	audit      *audit.Recorder
	runtime    *runtime.Runtime
	registry   *registry.Registry
	router     *llm.Router
	bridge     *toolbridge.Bridge
	leader     *leader.Leader
	pipeline   *pipeline.Pipeline
	index      leader.VectorIndex
	thresholds budget.Thresholds
}

// New builds an Orchestrator.
func New(s *store.Store, a *audit.Recorder, rt *runtime.Runtime, reg *registry.Registry, router *llm.Router, bridge *toolbridge.Bridge, ld *leader.Leader, pl *pipeline.Pipeline, index leader.VectorIndex, t budget.Thresholds) *Orchestrator {
	return &Orchestrator{store: s, audit: a, runtime: rt, registry: reg, router: router, bridge: bridge, leader: ld, pipeline: pl, index: index, thresholds: t}
}

// AnalysisResult is returned by AnalyzeObjective.
type AnalysisResult struct {
	RootTaskID        string
	Questions         []string
	InitialAnalysis   string
	SuggestedApproach string
}

// AnalyzeObjective implements spec.md §4.8's analyze_objective entry point.
func (o *Orchestrator) AnalyzeObjective(ctx context.Context, objective, targetProject string, globalBudget int) (*AnalysisResult, error) {
	if globalBudget <= 0 {
		globalBudget = defaultGlobalBudget
	}

	root, err := o.store.CreateTask(store.CreateTaskInput{
		Tier: 1, Domain: "platform", Objective: objective, TokenBudget: globalBudget,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: analyze objective: %w", err)
	}
	if err := o.store.UpdateTaskStatus(root.ID, store.TaskExecuting); err != nil {
		return nil, fmt.Errorf("orchestrator: analyze objective: %w", err)
	}
	o.audit.Record(root.ID, "orchestration_started", objective)

	files, err := collectSourceFiles(targetProject)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: analyze objective: walk target project: %w", err)
	}
	summary := buildFileTreeSummary(files)

	sel, err := o.registry.Select(1, tier1Persona)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: analyze objective: %w", err)
	}

	resp, err := o.router.Generate(ctx, llm.Request{
		Provider: sel.Candidate.Provider, ModelID: sel.Candidate.ModelID,
		SystemPrompt: clarifyingSystemPrompt, UserPrompt: buildClarifyingPrompt(objective, summary),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: analyze objective: LLM call: %w", err)
	}

	var parsed clarifyingResponse
	if err := parseJSONObject(resp.Text, &parsed); err != nil {
		return nil, fmt.Errorf("orchestrator: analyze objective: %w: %s", err, firstN(resp.Text, 300))
	}

	note := "analysis_complete: awaiting user answers"
	if err := o.store.UpdateTaskOutcome(root.ID, store.TaskOutcome{Status: store.TaskPaused, ErrorMessage: &note}); err != nil {
		return nil, fmt.Errorf("orchestrator: analyze objective: %w", err)
	}
	o.audit.Record(root.ID, "analysis_complete", note)

	return &AnalysisResult{
		RootTaskID: root.ID, Questions: parsed.Questions,
		InitialAnalysis: parsed.InitialAnalysis, SuggestedApproach: parsed.SuggestedApproach,
	}, nil
}

// PlanResult is returned by GeneratePlan.
type PlanResult struct {
	RootTaskID     string
	ChildTaskIDs   []string
	RiskAssessment string
}

// GeneratePlan implements spec.md §4.8's generate_plan entry point.
func (o *Orchestrator) GeneratePlan(ctx context.Context, rootTaskID string, answers []string, targetProject string, maxTolerance float64) (*PlanResult, error) {
	root, err := o.store.GetTaskByID(rootTaskID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: generate plan: %w", err)
	}
	if root.Tier != 1 {
		return nil, fmt.Errorf("orchestrator: generate plan: task %s is not a tier-1 root", rootTaskID)
	}
	if maxTolerance <= 0 {
		maxTolerance = 0.6
	}

	files, err := collectSourceFiles(targetProject)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: generate plan: walk target project: %w", err)
	}
	summary := buildFileTreeSummary(files)

	sel, err := o.registry.Select(1, tier1Persona)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: generate plan: %w", err)
	}

	resp, err := o.router.Generate(ctx, llm.Request{
		Provider: sel.Candidate.Provider, ModelID: sel.Candidate.ModelID,
		SystemPrompt: planSystemPrompt, UserPrompt: buildPlanPrompt(root.Objective, answers, summary),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: generate plan: LLM call: %w", err)
	}

	var parsed planResponse
	if err := parseJSONObject(resp.Text, &parsed); err != nil {
		return nil, fmt.Errorf("orchestrator: generate plan: %w: %s", err, firstN(resp.Text, 300))
	}
	if len(parsed.Tasks) == 0 {
		return nil, fmt.Errorf("orchestrator: generate plan: LLM returned no tasks")
	}

	risks := make([]float64, len(parsed.Tasks))
	for i, t := range parsed.Tasks {
		risks[i] = computeRiskFactor(t.Objective)
	}
	shares := allocateBudget(root.TokenBudget, risks)

	var childIDs []string
	for i, t := range parsed.Tasks {
		domain := normalizeDomain(t.Domain)
		tier := clampTier(t.Tier)
		risk := risks[i]
		objective := appendConstraints(t.Objective, buildConstraints(domain, t.Objective, risk, maxTolerance))

		child, err := o.store.CreateTask(store.CreateTaskInput{
			ParentID: &rootTaskID, Tier: tier, Domain: domain, Objective: objective,
			TokenBudget: shares[i], RiskFactor: risk, TargetFiles: t.TargetFiles,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: generate plan: persist assignment: %w", err)
		}
		childIDs = append(childIDs, child.ID)
	}

	o.audit.Record(rootTaskID, "plan_generated", fmt.Sprintf("assignments=%d", len(childIDs)))
	return &PlanResult{RootTaskID: rootTaskID, ChildTaskIDs: childIDs, RiskAssessment: parsed.RiskAssessment}, nil
}

// ExecutionResult is returned by ApprovePlanAndSpawn.
type ExecutionResult struct {
	RootStatus string
	Applied    int
	Failed     int
	Notes      []string
}

// ApprovePlanAndSpawn implements spec.md §4.8's approve_plan_and_spawn
// entry point.
func (o *Orchestrator) ApprovePlanAndSpawn(ctx context.Context, rootTaskID, targetProject string) (*ExecutionResult, error) {
	root, err := o.store.GetTaskByID(rootTaskID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: approve plan: %w", err)
	}
	if root.Tier != 1 {
		return nil, fmt.Errorf("orchestrator: approve plan: task %s is not a tier-1 root", rootTaskID)
	}

	assignments, err := o.pendingAssignments(rootTaskID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: approve plan: %w", err)
	}
	sortAssignments(assignments)

	result := &ExecutionResult{}
	for _, assignment := range assignments {
		if err := o.runAssignment(ctx, assignment, targetProject, result); err != nil {
			return nil, fmt.Errorf("orchestrator: approve plan: %w", err)
		}
	}

	status := finalRootStatus(result.Applied, result.Failed)
	if err := o.store.UpdateTaskOutcome(rootTaskID, store.TaskOutcome{Status: status}); err != nil {
		return nil, fmt.Errorf("orchestrator: approve plan: %w", err)
	}
	o.audit.Record(rootTaskID, "orchestration_finished", fmt.Sprintf("status=%s applied=%d failed=%d", status, result.Applied, result.Failed))
	result.RootStatus = status
	return result, nil
}

// runAssignment checkpoints, dispatches to the domain leader (tier-2) or an
// inline specialist (tier-3), and walks every resulting mutation through
// the pipeline, accumulating outcomes into result. Shared between
// ApprovePlanAndSpawn's full-plan loop and ExecuteDomainTask's single-task
// entry point.
func (o *Orchestrator) runAssignment(ctx context.Context, assignment *store.Task, targetProject string, result *ExecutionResult) error {
	if err := o.runtime.Checkpoint(ctx, assignment.ID); err != nil {
		result.Notes = append(result.Notes, fmt.Sprintf("task %s: checkpoint: %v", assignment.ID, err))
		result.Failed++
		return nil
	}

	var taskIDsToPipeline []string
	switch assignment.Tier {
	case 2:
		summary, err := o.leader.Run(ctx, assignment.ID, targetProject, 8)
		if err != nil {
			result.Notes = append(result.Notes, fmt.Sprintf("domain task %s failed: %v", assignment.ID, err))
			result.Failed++
			return nil
		}
		result.Notes = append(result.Notes, fmt.Sprintf("domain task %s: %s (%d proposals)", assignment.ID, summary.Status, len(summary.Proposals)))
		descendants, err := o.store.CollectTaskTreeIDs(assignment.ID)
		if err != nil {
			return err
		}
		taskIDsToPipeline = descendants
	case 3:
		if err := o.runInlineSpecialist(ctx, assignment, targetProject); err != nil {
			result.Notes = append(result.Notes, fmt.Sprintf("specialist task %s failed: %v", assignment.ID, err))
			result.Failed++
			return nil
		}
		taskIDsToPipeline = []string{assignment.ID}
	default:
		return fmt.Errorf("task %s: unsupported tier %d for direct execution", assignment.ID, assignment.Tier)
	}

	for _, taskID := range taskIDsToPipeline {
		mutations, err := o.store.ListMutationsByStatus(taskID, store.MutationProposed, store.MutationValidated, store.MutationValidatedNoTests)
		if err != nil {
			return err
		}
		for _, m := range mutations {
			res, err := o.pipeline.Run(ctx, m.ID, targetProject, true)
			if err != nil {
				result.Notes = append(result.Notes, fmt.Sprintf("mutation %s: %v", m.ID, err))
				result.Failed++
				continue
			}
			if res.Applied {
				result.Applied++
			} else {
				result.Failed++
			}
		}
	}
	return nil
}

// ExecuteDomainTask runs a single tier-2 or tier-3 task directly, outside
// of a tier-1 plan (an operator dispatching one assignment rather than
// approving a whole orchestration), per spec.md §6's execute_domain_task
// RPC.
func (o *Orchestrator) ExecuteDomainTask(ctx context.Context, taskID, targetProject string) (*ExecutionResult, error) {
	task, err := o.store.GetTaskByID(taskID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: execute domain task: %w", err)
	}
	if task.Tier != 2 && task.Tier != 3 {
		return nil, fmt.Errorf("orchestrator: execute domain task: task %s has tier %d, want 2 or 3", taskID, task.Tier)
	}

	result := &ExecutionResult{}
	if err := o.runAssignment(ctx, task, targetProject, result); err != nil {
		return nil, fmt.Errorf("orchestrator: execute domain task: %w", err)
	}
	result.RootStatus = finalRootStatus(result.Applied, result.Failed)
	return result, nil
}

// finalRootStatus implements spec.md §4.8's final root status rule.
func finalRootStatus(applied, failed int) string {
	switch {
	case failed == 0 && applied > 0:
		return store.TaskCompleted
	case failed > 0 && applied == 0:
		return store.TaskFailed
	default:
		return store.TaskPaused
	}
}

// pendingAssignments collects paused/pending descendants with tier in {2,3},
// per spec.md §4.8 approve_plan_and_spawn step 1.
func (o *Orchestrator) pendingAssignments(rootTaskID string) ([]*store.Task, error) {
	ids, err := o.store.CollectTaskTreeIDs(rootTaskID)
	if err != nil {
		return nil, err
	}
	var assignments []*store.Task
	for _, id := range ids {
		if id == rootTaskID {
			continue
		}
		t, err := o.store.GetTaskByID(id)
		if err != nil {
			return nil, err
		}
		if (t.Tier == 2 || t.Tier == 3) && (t.Status == store.TaskPaused || t.Status == store.TaskPending) {
			assignments = append(assignments, t)
		}
	}
	return assignments, nil
}

// sortAssignments orders by (risk_factor desc, tier desc, created_at asc),
// per spec.md §4.8.
func sortAssignments(assignments []*store.Task) {
	sort.SliceStable(assignments, func(i, j int) bool {
		a, b := assignments[i], assignments[j]
		if a.RiskFactor != b.RiskFactor {
			return a.RiskFactor > b.RiskFactor
		}
		if a.Tier != b.Tier {
			return a.Tier > b.Tier
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// runInlineSpecialist implements spec.md §4.8's tier-3 inline execution:
// select a target file (stored files or a fresh vector query with the
// frontend-bias rule shared with the domain leader), select a model, read
// the file, run the specialist, and persist the mutation.
func (o *Orchestrator) runInlineSpecialist(ctx context.Context, task *store.Task, targetProject string) error {
	if err := o.store.UpdateTaskStatus(task.ID, store.TaskExecuting); err != nil {
		return err
	}

	targetFile, err := o.resolveInlineTargetFile(ctx, task, targetProject)
	if err != nil {
		return o.failInline(task.ID, err)
	}

	sel, err := o.registry.Select(3, "generalist")
	if err != nil {
		return o.failInline(task.ID, err)
	}

	var content *string
	if o.bridge != nil {
		if s, err := o.bridge.ReadFile(ctx, targetProject, targetFile); err == nil {
			content = &s
		}
	}

	start := time.Now()
	proposal, err := specialist.Run(ctx, o.router, specialist.Task{
		TaskID: task.ID, ParentID: derefParent(task.ParentID), Tier: 3, Persona: "generalist",
		Objective: task.Objective, TokenBudget: task.TokenBudget, TargetFiles: []string{targetFile},
		ModelProvider: sel.Candidate.Provider, ModelID: sel.Candidate.ModelID,
	}, content)
	latencyMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		_ = o.registry.RecordFailure(sel.Candidate.Provider, sel.Candidate.ModelID, latencyMs, 0)
		return o.failInline(task.ID, err)
	}
	_ = o.registry.RecordSuccess(sel.Candidate.Provider, sel.Candidate.ModelID, latencyMs, 0)

	if _, err := o.store.CreateMutation(store.CreateMutationInput{
		TaskID: task.ID, AgentUID: proposal.AgentUID, FilePath: proposal.FilePath,
		DiffContent: proposal.DiffContent, IntentDescription: proposal.IntentDescription,
		IntentHash: proposal.IntentHash, Confidence: proposal.Confidence,
	}); err != nil {
		return err
	}
	return o.store.UpdateTaskOutcome(task.ID, store.TaskOutcome{Status: store.TaskCompleted, TokenUsageDelta: proposal.TokensUsed})
}

func (o *Orchestrator) failInline(taskID string, cause error) error {
	msg := cause.Error()
	if err := o.store.UpdateTaskOutcome(taskID, store.TaskOutcome{Status: store.TaskFailed, ErrorMessage: &msg}); err != nil {
		return err
	}
	return cause
}

// resolveInlineTargetFile picks a single target file for a tier-3
// assignment that wasn't routed through the domain leader: stored files
// first, else a fresh vector query applying the same frontend-bias rerank
// the domain leader uses.
func (o *Orchestrator) resolveInlineTargetFile(ctx context.Context, task *store.Task, targetProject string) (string, error) {
	if len(task.TargetFiles) > 0 {
		return task.TargetFiles[0], nil
	}
	if o.index == nil {
		return "", fmt.Errorf("no target file on task and no vector index configured")
	}
	candidates, err := o.index.Query(ctx, targetProject, task.Objective, 8)
	if err != nil || len(candidates) == 0 {
		return "", fmt.Errorf("no candidate files found for inline specialist task")
	}
	if leader.IsFrontendFocus(task) {
		candidates = leader.RerankFrontendFirst(candidates)
	}
	return candidates[0], nil
}

func derefParent(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
