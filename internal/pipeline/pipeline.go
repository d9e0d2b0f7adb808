// Package pipeline implements the mutation pipeline (C9) of spec.md §4.9: it
// validates a candidate diff inside a disposable shadow clone of the target
// project, enforces semantic-regression and compliance checks, and commits
// the diff to the real tree only once every gate has passed.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antigravity-dev/aop/internal/audit"
	"github.com/antigravity-dev/aop/internal/store"
)

// Step names used in rejection reports, per spec.md §7.
const (
	StepShadowTest         = "shadow_test"
	StepSemanticRegression = "semantic_regression"
	StepCompliance         = "tier2_compliance"
	StepApply              = "apply"
)

// ErrAlreadyTerminal is returned when a mutation is already applied or
// rejected (spec.md §4.9 step 1, §8 "deterministically returns an 'already
// applied' error without touching state").
var ErrAlreadyTerminal = errors.New("mutation is already applied or rejected")

// DefaultSemanticRegressionThreshold is spec.md §4.9 step 3's magic 0.08,
// the default for Config.SemanticRegressionThreshold, which exposes it as a
// field per spec.md §9's Open Question ("it should be configurable").
const DefaultSemanticRegressionThreshold = 0.08

// allowedExtensions is spec.md §4.9 step 4's compliance allow-list.
var allowedExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".rs": true,
	".json": true, ".css": true, ".md": true, ".py": true, ".go": true,
	".java": true, ".toml": true,
}

// skipDirs mirrors spec.md §4.8's walk blacklist, reused for the shadow
// copy per §4.9 step 2.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "target": true, "dist": true,
	"build": true, ".next": true, ".turbo": true,
}

// Config bundles the pipeline's tunables, all sourced from environment
// flags (spec.md §6) or hard defaults.
type Config struct {
	SemanticRegressionThreshold float64
	ShadowTimeout               time.Duration // 120s per spec.md §5
	ApplyTimeout                time.Duration // 60s per spec.md §5
	AutoCommit                  bool          // AOP_AUTO_COMMIT_MUTATIONS
	CIOverrideCommand           []string
	DockerImage                 string // AOP_SHADOW_DOCKER_IMAGE, optional containerised CI run
}

// DefaultConfig applies spec.md §4.9/§5/§6's stated defaults.
func DefaultConfig() Config {
	return Config{
		SemanticRegressionThreshold: DefaultSemanticRegressionThreshold,
		ShadowTimeout:               120 * time.Second,
		ApplyTimeout:                60 * time.Second,
	}
}

// Reindexer triggers a best-effort reindex of the target project after a
// successful apply (spec.md §4.9 step 8). It is one of the out-of-scope
// collaborators of spec.md §1 (the vector-index chunker).
type Reindexer interface {
	Reindex(ctx context.Context, targetProject string) error
}

// Pipeline runs the mutation validation and apply sequence.
type Pipeline struct {
	store     *store.Store
	audit     *audit.Recorder
	cfg       Config
	reindexer Reindexer
	log       *slog.Logger
}

// New builds a Pipeline.
func New(s *store.Store, a *audit.Recorder, cfg Config, reindexer Reindexer, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{store: s, audit: a, cfg: cfg, reindexer: reindexer, log: log}
}

// Result is the outcome of Run.
type Result struct {
	Mutation *store.Mutation
	Applied  bool
}

// Run implements spec.md §4.9 end to end, short-circuiting on the first
// failing step. tier1Approved gates the apply step (step 6): when false,
// a validated mutation's task moves to paused awaiting approval instead of
// being applied.
func (p *Pipeline) Run(ctx context.Context, mutationID, targetProject string, tier1Approved bool) (*Result, error) {
	mutation, err := p.store.GetMutationByID(mutationID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	// Step 1: validate state.
	if mutation.Status == store.MutationApplied || mutation.Status == store.MutationRejected {
		return nil, fmt.Errorf("pipeline: mutation %s: %w", mutationID, ErrAlreadyTerminal)
	}

	canonical, err := canonicalizeProjectPath(targetProject)
	if err != nil {
		return p.reject(mutation, StepShadowTest, err.Error())
	}

	// Step 2: shadow test.
	shadowDir, testResult, exitCode, status, err := p.shadowTest(ctx, canonical, mutation)
	if err != nil {
		return p.reject(mutation, StepShadowTest, err.Error())
	}
	defer os.RemoveAll(shadowDir)

	// Step 3: semantic regression.
	if err := p.checkSemanticRegression(shadowDir, mutation); err != nil {
		return p.reject(mutation, StepSemanticRegression, err.Error())
	}

	// Step 4: compliance.
	task, err := p.store.GetTaskByID(mutation.TaskID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if err := checkCompliance(mutation); err != nil {
		return p.reject(mutation, StepCompliance, err.Error())
	}
	if err := checkDomainCompliance(task.Domain, mutation.DiffContent); err != nil {
		return p.reject(mutation, StepCompliance, err.Error())
	}

	// Step 5: mark validated.
	if err := p.store.UpdateMutationStatus(mutation.ID, store.UpdateMutationStatusInput{
		Status: status, TestResult: &testResult, ExitCode: &exitCode,
	}); err != nil {
		return nil, fmt.Errorf("pipeline: mark validated: %w", err)
	}
	mutation, err = p.store.GetMutationByID(mutation.ID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.audit.Record(mutation.TaskID, "mutation_validated", mutation.Status)

	// Step 6: tier-1 approval gate.
	if !tier1Approved {
		if err := p.store.UpdateTaskOutcome(mutation.TaskID, store.TaskOutcome{Status: store.TaskPaused}); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		p.audit.Record(mutation.TaskID, "awaiting_tier1_approval", "Waiting for Tier 1 approval before apply")
		return &Result{Mutation: mutation, Applied: false}, nil
	}

	// Step 7: apply.
	checksumBefore, checksumAfter, err := p.apply(ctx, canonical, mutation)
	if err != nil {
		return p.reject(mutation, StepApply, err.Error())
	}

	// Step 8: mark applied.
	if err := p.store.UpdateMutationStatus(mutation.ID, store.UpdateMutationStatusInput{Status: store.MutationApplied}); err != nil {
		return nil, fmt.Errorf("pipeline: mark applied: %w", err)
	}
	compliance := 85
	if err := p.store.UpdateTaskOutcome(mutation.TaskID, store.TaskOutcome{
		Status: store.TaskCompleted, TokenUsageDelta: 450, ComplianceScore: &compliance,
		BeforeChecksum: &checksumBefore, AfterChecksum: &checksumAfter,
	}); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.audit.Record(mutation.TaskID, "mutation_applied", mutation.ID)

	if p.reindexer != nil {
		go func() {
			if err := p.reindexer.Reindex(context.Background(), canonical); err != nil {
				p.log.Warn("pipeline: reindex failed (best-effort)", "error", err)
			}
		}()
	}

	mutation, err = p.store.GetMutationByID(mutation.ID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Result{Mutation: mutation, Applied: true}, nil
}

// reject implements spec.md §7's reject path: mutation -> rejected, task ->
// failed with compliance 0, audit event emitted.
func (p *Pipeline) reject(mutation *store.Mutation, step, reason string) (*Result, error) {
	if err := p.store.UpdateMutationStatus(mutation.ID, store.UpdateMutationStatusInput{
		Status: store.MutationRejected, RejectionReason: &reason, RejectionStep: &step,
	}); err != nil {
		return nil, fmt.Errorf("pipeline: reject: %w", err)
	}
	compliance := 0
	errMsg := fmt.Sprintf("%s: %s", step, reason)
	if err := p.store.UpdateTaskOutcome(mutation.TaskID, store.TaskOutcome{
		Status: store.TaskFailed, ComplianceScore: &compliance, ErrorMessage: &errMsg,
	}); err != nil {
		return nil, fmt.Errorf("pipeline: reject: %w", err)
	}
	p.audit.Record(mutation.TaskID, "mutation_rejected", errMsg)
	mutation, err := p.store.GetMutationByID(mutation.ID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Result{Mutation: mutation, Applied: false}, nil
}

// checksumFile returns the SHA-256 of path's content, or "new_file" if it
// doesn't exist, per spec.md §4.9 step 7.
func checksumFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "new_file", nil
		}
		return "", fmt.Errorf("checksum: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalizeProjectPath resolves symlinks and strips any extended-length
// path prefix so shadow cloning and git operations behave consistently
// across OSes, per spec.md §4.9 step 2.
func canonicalizeProjectPath(targetProject string) (string, error) {
	abs, err := filepath.Abs(targetProject)
	if err != nil {
		return "", fmt.Errorf("canonicalize target project: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("canonicalize target project: %w", err)
	}
	return strings.TrimPrefix(resolved, `\\?\`), nil
}
