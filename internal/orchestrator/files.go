package orchestrator

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxWalkedFiles and fileTreeSummaryCap implement spec.md §4.8's
// analyze_objective walk bounds.
const (
	maxWalkedFiles      = 600
	fileTreeSummaryCap  = 120
)

// walkSkipDirs mirrors the blacklist the pipeline's shadow copy also uses
// (spec.md §4.8/§4.9 share the same directory blacklist).
var walkSkipDirs = map[string]bool{
	".git": true, "node_modules": true, "target": true, "dist": true,
	"build": true, ".next": true, ".turbo": true,
}

// walkAllowedExtensions is spec.md §4.8's accepted extension set for the
// analysis walk (a narrower list than the pipeline's compliance allow-list).
var walkAllowedExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".rs": true,
	".json": true, ".md": true, ".py": true, ".java": true, ".go": true,
}

// collectSourceFiles walks targetProject collecting up to maxWalkedFiles
// relative paths whose extension is in the accepted set, skipping the
// blacklisted directories, per spec.md §4.8.
func collectSourceFiles(targetProject string) ([]string, error) {
	var files []string
	err := filepath.Walk(targetProject, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if len(files) >= maxWalkedFiles {
			return filepath.SkipAll
		}
		if info.IsDir() {
			if walkSkipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !walkAllowedExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(targetProject, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// buildFileTreeSummary renders the first fileTreeSummaryCap paths as a
// newline-separated tree listing, per spec.md §4.8 ("file-tree summary
// capped at 120 entries").
func buildFileTreeSummary(files []string) string {
	if len(files) > fileTreeSummaryCap {
		files = files[:fileTreeSummaryCap]
	}
	return strings.Join(files, "\n")
}
