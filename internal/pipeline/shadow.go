package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/antigravity-dev/aop/internal/store"
)

// reservedNames is the OS-reserved filename set of spec.md §4.9 step 2
// ("CON, PRN, AUX, NUL, COM0-9, LPT0-9 and extensions thereof").
var reservedNames = buildReservedNames()

func buildReservedNames() map[string]bool {
	names := map[string]bool{"CON": true, "PRN": true, "AUX": true, "NUL": true}
	for i := 0; i <= 9; i++ {
		names[fmt.Sprintf("COM%d", i)] = true
		names[fmt.Sprintf("LPT%d", i)] = true
	}
	return names
}

func isReservedName(name string) bool {
	base := strings.ToUpper(strings.TrimSuffix(name, filepath.Ext(name)))
	return reservedNames[base]
}

// shadowTest implements spec.md §4.9 step 2: build a fresh shadow clone,
// normalise and apply the patch, then run (or skip) the project's test
// command. It returns the shadow clone's path (the caller is responsible
// for removing it once semantic regression (step 3) has read the patched
// file out of it), the captured test output, exit code, and the resulting
// mutation status (validated or validated_no_tests).
func (p *Pipeline) shadowTest(ctx context.Context, targetProject string, mutation *store.Mutation) (shadowDir, testOutput string, exitCode int, status string, err error) {
	shadowDir, err = os.MkdirTemp("", "aop-shadow-*")
	if err != nil {
		return "", "", 0, "", fmt.Errorf("create shadow dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(shadowDir) }

	if err := copyTree(targetProject, shadowDir); err != nil {
		cleanup()
		return "", "", 0, "", fmt.Errorf("copy project into shadow clone: %w", err)
	}

	patch, err := normalizePatch(mutation.DiffContent)
	if err != nil {
		cleanup()
		return "", "", 0, "", err
	}

	if err := gitInit(ctx, shadowDir); err != nil {
		cleanup()
		return "", "", 0, "", err
	}

	patchPath := filepath.Join(shadowDir, ".aop-mutation.patch")
	if err := os.WriteFile(patchPath, []byte(patch), 0o644); err != nil {
		cleanup()
		return "", "", 0, "", fmt.Errorf("write patch: %w", err)
	}

	applyCtx, cancel := context.WithTimeout(ctx, p.cfg.ShadowTimeout)
	defer cancel()
	if err := gitApplyCheck(applyCtx, shadowDir, patchPath); err != nil {
		cleanup()
		return "", "", 0, "", fmt.Errorf("git apply --check failed: %w", err)
	}
	if err := gitApply(applyCtx, shadowDir, patchPath); err != nil {
		cleanup()
		return "", "", 0, "", fmt.Errorf("git apply failed: %w", err)
	}

	testOutput, exitCode, status, err = p.runCI(ctx, shadowDir)
	if err != nil {
		cleanup()
		return "", "", 0, "", err
	}
	return shadowDir, testOutput, exitCode, status, nil
}

// copyTree recursively copies src into dst, skipping the same blacklist as
// spec.md §4.8 and any OS-reserved filename, per §4.9 step 2.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		name := filepath.Base(path)
		if info.IsDir() && skipDirs[name] {
			return filepath.SkipDir
		}
		if isReservedName(name) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
