package pipeline

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/antigravity-dev/aop/internal/audit"
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

func newTestPipeline(t *testing.T, s *store.Store, cfg Config) *Pipeline {
	t.Helper()
	rec := audit.New(s, nil, nil)
	return New(s, rec, cfg, nil, nil)
}

func runGitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

// initGitProject creates a real git working tree at dir containing one
// committed file, mirroring the "must already be a git working tree" apply
// precondition (spec.md §4.9 step 7).
func initGitProject(t *testing.T, dir, relPath, content string) {
	t.Helper()
	full := filepath.Join(dir, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	runGitCmd(t, dir, "init", "-q")
	runGitCmd(t, dir, "config", "user.email", "aop-test@example.com")
	runGitCmd(t, dir, "config", "user.name", "aop-test")
	runGitCmd(t, dir, "add", ".")
	runGitCmd(t, dir, "commit", "-q", "-m", "initial")
}

const sampleUnifiedDiff = `--- a/src/session.ts
+++ b/src/session.ts
@@ -1,1 +1,1 @@
-export const ready = false
+export const ready = true
`

func newMutation(t *testing.T, s *store.Store, taskID, diff, intent string) *store.Mutation {
	t.Helper()
	m, err := s.CreateMutation(store.CreateMutationInput{
		TaskID: taskID, AgentUID: "agent-1", FilePath: "src/session.ts",
		DiffContent: diff, IntentDescription: intent, IntentHash: "deadbeef", Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("CreateMutation: %v", err)
	}
	return m
}

func TestNormalizePatch_ConvertsCRLFAndEnsuresTrailingNewline(t *testing.T) {
	diff := "--- a/x\r\n+++ b/x\r\n@@ -1 +1 @@\r\n-old\r\n+new"
	normalized, err := normalizePatch(diff)
	if err != nil {
		t.Fatalf("normalizePatch: %v", err)
	}
	if strings.Contains(normalized, "\r") {
		t.Fatalf("expected no CR bytes, got %q", normalized)
	}
	if !strings.HasSuffix(normalized, "\n") {
		t.Fatalf("expected trailing newline, got %q", normalized)
	}
}

func TestNormalizePatch_RejectsMissingMarkers(t *testing.T) {
	if _, err := normalizePatch("just some text\nno diff markers here\n"); err == nil {
		t.Fatal("expected error for a patch missing unified-diff markers")
	}
}

func TestCheckCompliance_RejectsDisallowedExtension(t *testing.T) {
	m := &store.Mutation{FilePath: "secrets.env", DiffContent: sampleUnifiedDiff}
	if err := checkCompliance(m); err == nil {
		t.Fatal("expected rejection for a disallowed extension")
	}
}

func TestCheckCompliance_RejectsConflictMarkers(t *testing.T) {
	m := &store.Mutation{FilePath: "src/session.ts", DiffContent: sampleUnifiedDiff + "<<<<<<< HEAD\n"}
	if err := checkCompliance(m); err == nil {
		t.Fatal("expected rejection for an unresolved conflict marker")
	}
}

func TestCheckCompliance_AllowsCleanDiff(t *testing.T) {
	m := &store.Mutation{FilePath: "src/session.ts", DiffContent: sampleUnifiedDiff}
	if err := checkCompliance(m); err != nil {
		t.Fatalf("expected clean diff to pass, got %v", err)
	}
}

func TestCheckDomainCompliance_RejectsAuthBannedPhrase(t *testing.T) {
	if err := checkDomainCompliance("auth", "+ if (bypass) { return true }"); err == nil {
		t.Fatal("expected rejection for an auth-domain banned phrase")
	}
}

func TestCheckDomainCompliance_RejectsDatabaseBannedPhrase(t *testing.T) {
	if err := checkDomainCompliance("database", "+ DROP TABLE users;"); err == nil {
		t.Fatal("expected rejection for a database-domain banned phrase")
	}
}

func TestCheckDomainCompliance_OtherDomainsUnrestricted(t *testing.T) {
	if err := checkDomainCompliance("frontend", "+ bypass the spinner entirely"); err != nil {
		t.Fatalf("expected frontend domain to be unrestricted, got %v", err)
	}
}

func TestDetectCIPlan_OverrideTakesPrecedence(t *testing.T) {
	s := newTestStore(t)
	p := newTestPipeline(t, s, Config{CIOverrideCommand: []string{"echo", "ok"}})
	plan := p.detectCIPlan(t.TempDir())
	if len(plan) != 2 || plan[0] != "echo" {
		t.Fatalf("expected override command, got %v", plan)
	}
}

func TestDetectCIPlan_NoPackageOrCargoYieldsNilPlan(t *testing.T) {
	s := newTestStore(t)
	p := newTestPipeline(t, s, DefaultConfig())
	plan := p.detectCIPlan(t.TempDir())
	if plan != nil {
		t.Fatalf("expected nil plan for a bare directory, got %v", plan)
	}
}

func TestDetectCIPlan_CargoTomlRunsCargoTest(t *testing.T) {
	s := newTestStore(t)
	p := newTestPipeline(t, s, DefaultConfig())
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\nname=\"x\"\n"), 0644); err != nil {
		t.Fatalf("write Cargo.toml: %v", err)
	}
	plan := p.detectCIPlan(dir)
	if len(plan) != 3 || plan[0] != "cargo" {
		t.Fatalf("expected cargo test plan, got %v", plan)
	}
}

func TestDetectCIPlan_PackageJSONWithoutNodeModulesSkipsTests(t *testing.T) {
	s := newTestStore(t)
	p := newTestPipeline(t, s, DefaultConfig())
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"scripts":{"test":"jest"}}`), 0644); err != nil {
		t.Fatalf("write package.json: %v", err)
	}
	plan := p.detectCIPlan(dir)
	if plan != nil {
		t.Fatalf("expected nil plan without node_modules present, got %v", plan)
	}
}

func TestChecksumFile_NewFileYieldsSentinel(t *testing.T) {
	got, err := checksumFile(filepath.Join(t.TempDir(), "missing.ts"))
	if err != nil {
		t.Fatalf("checksumFile: %v", err)
	}
	if got != "new_file" {
		t.Fatalf("checksumFile = %q, want new_file", got)
	}
}

func TestChecksumFile_ExistingFileYieldsStableHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.ts")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	a, err := checksumFile(path)
	if err != nil {
		t.Fatalf("checksumFile: %v", err)
	}
	b, _ := checksumFile(path)
	if a != b || len(a) != 64 {
		t.Fatalf("expected a stable 64-char hex digest, got %q and %q", a, b)
	}
}

func TestRun_AlreadyTerminalIsHardError(t *testing.T) {
	s := newTestStore(t)
	p := newTestPipeline(t, s, DefaultConfig())
	task, _ := s.CreateTask(store.CreateTaskInput{Tier: 3, Domain: "frontend", Objective: "x", TokenBudget: 100})
	m := newMutation(t, s, task.ID, sampleUnifiedDiff, "toggle readiness")
	if err := s.UpdateMutationStatus(m.ID, store.UpdateMutationStatusInput{Status: store.MutationApplied}); err != nil {
		t.Fatalf("UpdateMutationStatus: %v", err)
	}

	_, err := p.Run(context.Background(), m.ID, t.TempDir(), true)
	if err == nil {
		t.Fatal("expected ErrAlreadyTerminal")
	}
}

func TestRun_InvalidTargetProjectRejectsAtShadowStep(t *testing.T) {
	s := newTestStore(t)
	p := newTestPipeline(t, s, DefaultConfig())
	task, _ := s.CreateTask(store.CreateTaskInput{Tier: 3, Domain: "frontend", Objective: "x", TokenBudget: 100})
	m := newMutation(t, s, task.ID, sampleUnifiedDiff, "toggle readiness")

	result, err := p.Run(context.Background(), m.ID, filepath.Join(t.TempDir(), "does-not-exist"), true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Applied {
		t.Fatal("expected Applied=false for an unresolvable project path")
	}

	updated, err := s.GetMutationByID(m.ID)
	if err != nil {
		t.Fatalf("GetMutationByID: %v", err)
	}
	if updated.Status != store.MutationRejected {
		t.Fatalf("mutation status = %q, want rejected", updated.Status)
	}
	if updated.RejectionStep == nil || *updated.RejectionStep != StepShadowTest {
		t.Fatalf("expected rejection step %q, got %v", StepShadowTest, updated.RejectionStep)
	}
}

func TestRun_RejectsOnDomainComplianceViolation(t *testing.T) {
	s := newTestStore(t)
	p := newTestPipeline(t, s, DefaultConfig())
	dir := t.TempDir()
	initGitProject(t, dir, "src/session.ts", "export const ready = false\n")

	task, _ := s.CreateTask(store.CreateTaskInput{Tier: 3, Domain: "auth", Objective: "x", TokenBudget: 100})
	bannedDiff := `--- a/src/session.ts
+++ b/src/session.ts
@@ -1,1 +1,1 @@
-export const ready = false
+export const ready = true // bypass the login check
`
	m := newMutation(t, s, task.ID, bannedDiff, "bypass the login check")

	result, err := p.Run(context.Background(), m.ID, dir, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Applied {
		t.Fatal("expected Applied=false for an auth-domain banned phrase")
	}

	updated, err := s.GetMutationByID(m.ID)
	if err != nil {
		t.Fatalf("GetMutationByID: %v", err)
	}
	if updated.RejectionStep == nil || *updated.RejectionStep != StepCompliance {
		t.Fatalf("expected rejection step %q, got %v", StepCompliance, updated.RejectionStep)
	}

	failedTask, err := s.GetTaskByID(task.ID)
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if failedTask.Status != store.TaskFailed {
		t.Fatalf("task status = %q, want failed", failedTask.Status)
	}
}

func TestRun_NotTier1ApprovedPausesWithoutApplying(t *testing.T) {
	s := newTestStore(t)
	p := newTestPipeline(t, s, DefaultConfig())
	dir := t.TempDir()
	initGitProject(t, dir, "src/session.ts", "export const ready = false\n")

	task, _ := s.CreateTask(store.CreateTaskInput{Tier: 3, Domain: "frontend", Objective: "x", TokenBudget: 100})
	m := newMutation(t, s, task.ID, sampleUnifiedDiff, "set the ready flag to true")

	result, err := p.Run(context.Background(), m.ID, dir, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Applied {
		t.Fatal("expected Applied=false pending tier-1 approval")
	}
	if result.Mutation.Status != store.MutationValidatedNoTests {
		t.Fatalf("mutation status = %q, want validated_no_tests (no CI plan)", result.Mutation.Status)
	}

	pausedTask, err := s.GetTaskByID(task.ID)
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if pausedTask.Status != store.TaskPaused {
		t.Fatalf("task status = %q, want paused awaiting tier-1 approval", pausedTask.Status)
	}
}

func TestRun_FullyApprovedAppliesAndUpdatesChecksums(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available on PATH")
	}
	s := newTestStore(t)
	p := newTestPipeline(t, s, DefaultConfig())
	dir := t.TempDir()
	initGitProject(t, dir, "src/session.ts", "export const ready = false\n")

	task, _ := s.CreateTask(store.CreateTaskInput{Tier: 3, Domain: "frontend", Objective: "x", TokenBudget: 100})
	m := newMutation(t, s, task.ID, sampleUnifiedDiff, "set ready to true")

	result, err := p.Run(context.Background(), m.ID, dir, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected the mutation to be applied, got %+v", result)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "src/session.ts"))
	if err != nil {
		t.Fatalf("read patched file: %v", err)
	}
	if !strings.Contains(string(raw), "ready = true") {
		t.Fatalf("expected patched file to contain the applied change, got %q", raw)
	}

	completedTask, err := s.GetTaskByID(task.ID)
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if completedTask.Status != store.TaskCompleted {
		t.Fatalf("task status = %q, want completed", completedTask.Status)
	}
	if completedTask.BeforeChecksum == nil || completedTask.AfterChecksum == nil {
		t.Fatal("expected before/after checksums to be recorded")
	}
}
