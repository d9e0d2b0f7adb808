package leader

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/antigravity-dev/aop/internal/specialist"
	"github.com/antigravity-dev/aop/internal/store"
)

// domainPersonas implements spec.md §4.7 step 2's total function over the
// closed domain set. Unknown domains fall back to generalist, per spec.md
// §9 ("Unknown domains fall back to platform").
var domainPersonas = map[string]string{
	"auth":     "security_analyst",
	"database": "database_optimizer",
	"frontend": "react_specialist",
	"api":      "api_engineer",
}

func resolvePersonas(domain string) []string {
	if p, ok := domainPersonas[domain]; ok {
		return []string{p}
	}
	return []string{"generalist"}
}

// explicitPathPattern recognises an explicit source-file mention inside an
// objective string (spec.md §4.7 step 5.b's extension allow-list).
var explicitPathPattern = regexp.MustCompile(`[\w./-]+\.(?:ts|tsx|js|jsx|py|rs|css|json|md|vue|svelte)`)

// creationVerbPattern recognises "create new X" style objectives, per
// spec.md §4.7 step 5.b.
var creationVerbPattern = regexp.MustCompile(`(?i)^(?:add|create|implement|write|build)\s+(?:a|an|new)?\s*`)

var modificationCues = []string{"to the", "in the"}

// determineCandidateFiles implements spec.md §4.7 step 3: use the task's
// stored target files verbatim if present; otherwise query the vector
// index, falling back to the tool bridge's pattern search when the index
// returns too few hits; finally, re-rank for an evident frontend focus.
func (l *Leader) determineCandidateFiles(ctx context.Context, task *store.Task, targetProject string, topK int) ([]string, error) {
	if len(task.TargetFiles) > 0 {
		return task.TargetFiles, nil
	}

	// spec.md §4.7 step 3: k = max(3, topK or 8) — an explicit topK is
	// honored as long as it's at least 3; only an unset (zero) topK falls
	// back to 8.
	k := topK
	if k == 0 {
		k = 8
	}
	if k < 3 {
		k = 3
	}

	var candidates []string
	if l.index != nil {
		found, err := l.index.Query(ctx, targetProject, task.Objective, k)
		if err == nil {
			candidates = found
		}
	}
	if len(candidates) < 3 && l.bridge != nil {
		entries, err := l.bridge.SearchFiles(ctx, targetProject, task.Domain, k)
		if err == nil {
			for _, e := range entries {
				if !e.IsDir {
					candidates = append(candidates, e.Path)
				}
			}
		}
	}

	if IsFrontendFocus(task) {
		candidates = RerankFrontendFirst(candidates)
	}
	return candidates, nil
}

// IsFrontendFocus reports whether task is a frontend-domain task whose
// objective isn't itself about the Rust/Tauri side, per spec.md §4.7 step
// 3's frontend-bias rerank rule. Exported so other tier-3 dispatch paths
// (internal/orchestrator's inline specialist) can apply the same rule.
func IsFrontendFocus(task *store.Task) bool {
	if task.Domain != "frontend" {
		return false
	}
	lower := strings.ToLower(task.Objective)
	return !strings.Contains(lower, "rust") && !strings.Contains(lower, "tauri")
}

// RerankFrontendFirst reorders files to favor TypeScript component/view/
// page files over Rust/Tauri backend files, per spec.md §4.7 step 3.
func RerankFrontendFirst(files []string) []string {
	score := func(p string) int {
		lower := strings.ToLower(p)
		s := 0
		switch {
		case strings.HasSuffix(lower, ".tsx"), strings.HasSuffix(lower, ".ts"):
			s += 2
		}
		if strings.Contains(lower, "src/components") || strings.Contains(lower, "src/views") || strings.Contains(lower, "src/pages") {
			s += 2
		}
		if strings.Contains(lower, "src-tauri") || strings.HasSuffix(lower, ".rs") {
			s -= 3
		}
		return s
	}
	out := append([]string{}, files...)
	sort.SliceStable(out, func(i, j int) bool { return score(out[i]) > score(out[j]) })
	return out
}

// pickTargetFile implements spec.md §4.7 step 5.b's target-file selection
// chain for persona index i.
func pickTargetFile(task *store.Task, candidates []string, i int) string {
	if len(task.TargetFiles) > 0 {
		idx := i
		if idx >= len(task.TargetFiles) {
			idx = len(task.TargetFiles) - 1
		}
		return task.TargetFiles[idx]
	}
	if m := explicitPathPattern.FindString(task.Objective); m != "" {
		return m
	}
	if looksLikeNewFile(task.Objective) {
		return inferNewFilePath(task)
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return "src/" + keywordFromObjective(task.Objective) + ".ts"
}

func looksLikeNewFile(objective string) bool {
	if !creationVerbPattern.MatchString(objective) {
		return false
	}
	lower := strings.ToLower(objective)
	for _, cue := range modificationCues {
		if strings.Contains(lower, cue) {
			return false
		}
	}
	return true
}

// inferNewFilePath derives a plausible new-file path from domain and
// objective keywords, per spec.md §4.7 step 5.b.
func inferNewFilePath(task *store.Task) string {
	kw := keywordFromObjective(task.Objective)
	lower := strings.ToLower(task.Objective)

	ext := ".ts"
	switch {
	case strings.Contains(lower, "python"):
		ext = ".py"
	case strings.Contains(lower, "rust"):
		ext = ".rs"
	case strings.Contains(lower, "component") || strings.Contains(lower, "react"):
		ext = ".tsx"
	}

	switch {
	case strings.Contains(lower, "test") || strings.Contains(lower, "spec"):
		return "src/__tests__/" + kw + ".test.ts"
	case ext == ".tsx":
		return "src/components/" + titleCase(kw) + ext
	case task.Domain == "frontend":
		return "src/components/" + titleCase(kw) + ".tsx"
	default:
		return "src/utils/" + kw + ext
	}
}

var nonWordPattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func keywordFromObjective(objective string) string {
	words := strings.Fields(objective)
	for _, w := range words {
		w = nonWordPattern.ReplaceAllString(strings.ToLower(w), "")
		if len(w) >= 3 && !isStopword(w) {
			return w
		}
	}
	return "feature"
}

func isStopword(w string) bool {
	switch w {
	case "add", "create", "implement", "write", "build", "new", "the", "for", "and", "with", "that":
		return true
	}
	return false
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// detectConflict implements spec.md §4.7 step 6: the pair with the maximum
// semantic distance, if it exceeds 0.3, becomes a ConflictReport.
func detectConflict(proposals []*specialist.DiffProposal) *ConflictReport {
	if len(proposals) < 2 {
		return nil
	}
	var maxDist float64 = -1
	var a, b *specialist.DiffProposal
	for i := 0; i < len(proposals); i++ {
		for j := i + 1; j < len(proposals); j++ {
			d := specialist.SemanticDistance(proposals[i], proposals[j])
			if d > maxDist {
				maxDist = d
				a, b = proposals[i], proposals[j]
			}
		}
	}
	if maxDist <= 0.3 {
		return nil
	}
	return &ConflictReport{
		ProposalAID:         a.ProposalID,
		ProposalBID:         b.ProposalID,
		SemanticDistance:    maxDist,
		RequiresHumanReview: true,
	}
}

// aggregateStatus implements spec.md §4.7 step 7.
func aggregateStatus(proposals []*specialist.DiffProposal, conflict *ConflictReport) string {
	if len(proposals) == 0 {
		return "blocked"
	}
	if conflict != nil {
		return "consensus_failed"
	}
	return "ready_for_review"
}

// complianceScore implements spec.md §4.7 step 8.
func complianceScore(proposalsCount int, riskFactor float64, status string) int {
	score := 55.0 + 12.0*float64(proposalsCount) + 20.0*(1-riskFactor)
	switch status {
	case "consensus_failed":
		score -= 18
	case "blocked":
		score -= 30
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}
