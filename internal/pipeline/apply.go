package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antigravity-dev/aop/internal/store"
)

// apply implements spec.md §4.9 step 7: the target project must already be
// a git working tree; capture the before-checksum, normalise line endings
// again, apply for real, and optionally auto-commit.
func (p *Pipeline) apply(ctx context.Context, targetProject string, mutation *store.Mutation) (checksumBefore, checksumAfter string, err error) {
	if !hasGitDir(targetProject) {
		return "", "", fmt.Errorf("target project %s is not a git working tree", targetProject)
	}

	filePath := filepath.Join(targetProject, mutation.FilePath)
	checksumBefore, err = checksumFile(filePath)
	if err != nil {
		return "", "", err
	}

	patch, err := normalizePatch(mutation.DiffContent)
	if err != nil {
		return "", "", err
	}
	if raw, readErr := os.ReadFile(filePath); readErr == nil {
		if normalized := normalizeLineEndings(string(raw)); normalized != string(raw) {
			if err := os.WriteFile(filePath, []byte(normalized), 0o644); err != nil {
				return "", "", fmt.Errorf("normalize target file line endings: %w", err)
			}
		}
	}

	patchPath := filepath.Join(os.TempDir(), "aop-apply-"+mutation.ID+".patch")
	if err := os.WriteFile(patchPath, []byte(patch), 0o644); err != nil {
		return "", "", fmt.Errorf("write patch: %w", err)
	}
	defer os.Remove(patchPath)

	applyCtx, cancel := context.WithTimeout(ctx, p.cfg.ApplyTimeout)
	defer cancel()

	if err := gitApplyCheck(applyCtx, targetProject, patchPath); err != nil {
		return "", "", fmt.Errorf("git apply --check failed against target project: %w", err)
	}
	if err := gitApply(applyCtx, targetProject, patchPath); err != nil {
		return "", "", fmt.Errorf("git apply failed against target project: %w", err)
	}

	if p.cfg.AutoCommit {
		commitCtx, cancel := context.WithTimeout(ctx, p.cfg.ApplyTimeout)
		defer cancel()
		if err := gitAdd(commitCtx, targetProject, mutation.FilePath); err != nil {
			return "", "", fmt.Errorf("git add failed: %w", err)
		}
		message := fmt.Sprintf("chore(aop): apply mutation %s", mutation.ID)
		if err := gitCommit(commitCtx, targetProject, message); err != nil {
			return "", "", fmt.Errorf("git commit failed: %w", err)
		}
	}

	checksumAfter, err = checksumFile(filePath)
	if err != nil {
		return "", "", err
	}
	return checksumBefore, checksumAfter, nil
}
