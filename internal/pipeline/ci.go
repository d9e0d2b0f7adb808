package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/antigravity-dev/aop/internal/store"
)

type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// detectCIPlan implements spec.md §4.9 step 2's "Detect CI plan": an
// explicit override takes precedence; else a non-empty package.json test
// script with node_modules present runs the package manager's test
// command; else a Cargo.toml runs `cargo test --quiet`; else there is no
// plan and the mutation validates without running tests.
func (p *Pipeline) detectCIPlan(shadowDir string) []string {
	if len(p.cfg.CIOverrideCommand) > 0 {
		return p.cfg.CIOverrideCommand
	}

	pkgPath := filepath.Join(shadowDir, "package.json")
	if raw, err := os.ReadFile(pkgPath); err == nil {
		var pkg packageJSON
		if json.Unmarshal(raw, &pkg) == nil && pkg.Scripts["test"] != "" {
			if info, err := os.Stat(filepath.Join(shadowDir, "node_modules")); err == nil && info.IsDir() {
				return []string{"npm", "test", "--silent"}
			}
		}
	}

	if _, err := os.Stat(filepath.Join(shadowDir, "Cargo.toml")); err == nil {
		return []string{"cargo", "test", "--quiet"}
	}

	return nil
}

// runCI runs the detected CI plan (directly, or inside a throwaway
// container when AOP_SHADOW_DOCKER_IMAGE configures one) and returns the
// captured output, exit code, and resulting mutation status.
func (p *Pipeline) runCI(ctx context.Context, shadowDir string) (string, int, string, error) {
	plan := p.detectCIPlan(shadowDir)
	if len(plan) == 0 {
		return "", 0, store.MutationValidatedNoTests, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.ShadowTimeout)
	defer cancel()

	var output string
	var exitCode int
	var err error
	if p.cfg.DockerImage != "" {
		output, exitCode, err = runCIInContainer(runCtx, p.cfg.DockerImage, shadowDir, plan)
	} else {
		output, exitCode, err = runCILocal(runCtx, shadowDir, plan)
	}
	if err != nil {
		return "", 0, "", err
	}
	if exitCode != 0 {
		return output, exitCode, "", fmt.Errorf("CI command %v exited %d: %s", plan, exitCode, output)
	}
	return output, exitCode, store.MutationValidated, nil
}

func runCILocal(ctx context.Context, dir string, plan []string) (string, int, error) {
	cmd := exec.CommandContext(ctx, plan[0], plan[1:]...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", 0, fmt.Errorf("CI command %v timed out", plan)
	}
	if err == nil {
		return out.String(), 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return out.String(), exitErr.ExitCode(), nil
	}
	return "", 0, fmt.Errorf("run CI command %v: %w", plan, err)
}
