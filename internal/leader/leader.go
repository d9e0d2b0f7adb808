// Package leader implements the Tier-2 domain leader (C7): given a domain
// task, it resolves the persona(s) responsible for the domain, determines
// which files are in scope, fans a specialist out per persona, and
// aggregates the resulting proposals into a status and compliance score.
package leader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antigravity-dev/aop/internal/audit"
	"github.com/antigravity-dev/aop/internal/budget"
	"github.com/antigravity-dev/aop/internal/llm"
	"github.com/antigravity-dev/aop/internal/registry"
	"github.com/antigravity-dev/aop/internal/runtime"
	"github.com/antigravity-dev/aop/internal/specialist"
	"github.com/antigravity-dev/aop/internal/store"
	"github.com/antigravity-dev/aop/internal/toolbridge"
)

// VectorIndex is the opaque semantic file-search service of spec.md §1
// ("deliberately out of scope ... the vector-index chunker"), consumed here
// through the narrow contract the leader actually needs.
type VectorIndex interface {
	Query(ctx context.Context, targetProject, query string, k int) ([]string, error)
}

// Leader runs domain tasks through persona-specialised specialist dispatch.
type Leader struct {
	store      *store.Store
	audit      *audit.Recorder
	runtime    *runtime.Runtime
	registry   *registry.Registry
	router     *llm.Router
	bridge     *toolbridge.Bridge
	index      VectorIndex
	thresholds budget.Thresholds
}

// New builds a Leader.
func New(s *store.Store, a *audit.Recorder, rt *runtime.Runtime, reg *registry.Registry, router *llm.Router, bridge *toolbridge.Bridge, index VectorIndex, t budget.Thresholds) *Leader {
	return &Leader{store: s, audit: a, runtime: rt, registry: reg, router: router, bridge: bridge, index: index, thresholds: t}
}

// ConflictReport is produced when two proposals in the same run disagree
// enough to require human review (spec.md §4.7 step 6).
type ConflictReport struct {
	ProposalAID        string
	ProposalBID        string
	SemanticDistance   float64
	RequiresHumanReview bool
}

// IntentSummary bundles the outcome of a domain-task run.
type IntentSummary struct {
	Status          string
	Proposals       []*specialist.DiffProposal
	ComplianceScore int
	TokensSpent     int
	Conflict        *ConflictReport
}

// Run implements spec.md §4.7 end to end for a single tier-2 task.
func (l *Leader) Run(ctx context.Context, taskID, targetProject string, topK int) (*IntentSummary, error) {
	task, err := l.store.GetTaskByID(taskID)
	if err != nil {
		return nil, fmt.Errorf("leader: %w", err)
	}
	if err := l.store.UpdateTaskStatus(taskID, store.TaskExecuting); err != nil {
		return nil, fmt.Errorf("leader: %w", err)
	}
	l.audit.Record(taskID, "domain_task_started", task.Domain)

	personas := resolvePersonas(task.Domain)
	candidateFiles, err := l.determineCandidateFiles(ctx, task, targetProject, topK)
	if err != nil {
		return nil, fmt.Errorf("leader: determine candidate files: %w", err)
	}

	shares := distributeBudget(int(float64(task.TokenBudget)*0.90), len(personas))

	var proposals []*specialist.DiffProposal
	var failures []string
	tokensSpent := 0

	for i, persona := range personas {
		if err := l.runtime.Checkpoint(ctx, taskID); err != nil {
			return nil, fmt.Errorf("leader: %w", err)
		}
		share := shares[i]
		if err := l.runtime.EnsureBudgetHeadroom(taskID, share, l.thresholds); err != nil {
			return nil, fmt.Errorf("leader: %w", err)
		}

		targetFile := pickTargetFile(task, candidateFiles, i)
		childID, err := l.createSpecialistTask(task.ID, task.Domain, persona, task.Objective, share, targetFile)
		if err != nil {
			return nil, fmt.Errorf("leader: %w", err)
		}

		sel, err := l.registry.Select(3, persona)
		if err != nil {
			l.failSpecialistTask(childID, err)
			failures = append(failures, err.Error())
			continue
		}

		content := l.readTargetFile(ctx, targetProject, targetFile)

		start := time.Now()
		proposal, err := specialist.Run(ctx, l.router, specialist.Task{
			TaskID: childID, ParentID: task.ID, Tier: 3, Persona: persona,
			Objective: task.Objective, TokenBudget: share, TargetFiles: []string{targetFile},
			ModelProvider: sel.Candidate.Provider, ModelID: sel.Candidate.ModelID,
		}, content)
		latencyMs := float64(time.Since(start).Milliseconds())
		if err != nil {
			l.failSpecialistTask(childID, err)
			failures = append(failures, err.Error())
			_ = l.registry.RecordFailure(sel.Candidate.Provider, sel.Candidate.ModelID, latencyMs, 0)
			continue
		}
		_ = l.registry.RecordSuccess(sel.Candidate.Provider, sel.Candidate.ModelID, latencyMs, 0)

		if _, err := l.store.CreateMutation(store.CreateMutationInput{
			TaskID: childID, AgentUID: proposal.AgentUID, FilePath: proposal.FilePath,
			DiffContent: proposal.DiffContent, IntentDescription: proposal.IntentDescription,
			IntentHash: proposal.IntentHash, Confidence: proposal.Confidence,
		}); err != nil {
			return nil, fmt.Errorf("leader: persist mutation: %w", err)
		}
		if err := l.store.UpdateTaskOutcome(childID, store.TaskOutcome{Status: store.TaskCompleted, TokenUsageDelta: proposal.TokensUsed}); err != nil {
			return nil, fmt.Errorf("leader: %w", err)
		}

		proposals = append(proposals, proposal)
		tokensSpent += proposal.TokensUsed
	}

	conflict := detectConflict(proposals)
	status := aggregateStatus(proposals, conflict)
	compliance := complianceScore(len(proposals), task.RiskFactor, status)

	if err := l.finalizeTask(task, status); err != nil {
		return nil, fmt.Errorf("leader: %w", err)
	}
	l.audit.Record(taskID, "domain_task_finished", status)

	return &IntentSummary{Status: status, Proposals: proposals, ComplianceScore: compliance, TokensSpent: tokensSpent, Conflict: conflict}, nil
}

func (l *Leader) createSpecialistTask(parentID, domain, persona, objective string, tokenBudget int, targetFile string) (string, error) {
	child, err := l.store.CreateTask(store.CreateTaskInput{
		ParentID: &parentID, Tier: 3, Domain: domain,
		Objective:   fmt.Sprintf("[%s] %s", persona, objective),
		TokenBudget: tokenBudget, TargetFiles: []string{targetFile},
	})
	if err != nil {
		return "", err
	}
	if err := l.store.UpdateTaskStatus(child.ID, store.TaskExecuting); err != nil {
		return "", err
	}
	return child.ID, nil
}

func (l *Leader) failSpecialistTask(taskID string, cause error) {
	msg := cause.Error()
	_ = l.store.UpdateTaskOutcome(taskID, store.TaskOutcome{Status: store.TaskFailed, ErrorMessage: &msg})
	l.audit.Record(taskID, "specialist_failed", msg)
}

func (l *Leader) finalizeTask(task *store.Task, status string) error {
	switch status {
	case "ready_for_review":
		return l.store.UpdateTaskOutcome(task.ID, store.TaskOutcome{Status: store.TaskPaused, ErrorMessage: strPtr("ready_for_review: awaiting tier-1 approval")})
	case "blocked":
		return l.store.UpdateTaskOutcome(task.ID, store.TaskOutcome{Status: store.TaskFailed, ErrorMessage: strPtr("blocked: no proposals produced")})
	case "consensus_failed":
		return l.store.UpdateTaskOutcome(task.ID, store.TaskOutcome{Status: store.TaskPaused, ErrorMessage: strPtr("consensus_failed: specialist proposals diverge, human review required")})
	default:
		return fmt.Errorf("unknown aggregate status %q", status)
	}
}

func strPtr(s string) *string { return &s }

// readTargetFile reads via the tool bridge, falling back to the local
// filesystem per spec.md §4.7 step 5.c.
func (l *Leader) readTargetFile(ctx context.Context, targetProject, path string) *string {
	if l.bridge != nil {
		content, err := l.bridge.ReadFile(ctx, targetProject, path)
		if err == nil {
			return &content
		}
	}
	raw, err := os.ReadFile(filepath.Join(targetProject, path))
	if err != nil {
		return nil
	}
	s := string(raw)
	return &s
}

func distributeBudget(total, n int) []int {
	if n == 0 {
		return nil
	}
	base := total / n
	remainder := total % n
	shares := make([]int, n)
	for i := range shares {
		shares[i] = base
		if i < remainder {
			shares[i]++
		}
	}
	return shares
}
