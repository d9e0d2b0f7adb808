package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antigravity-dev/aop/internal/embedding"
	"github.com/antigravity-dev/aop/internal/store"
)

// conflictMarkers are unresolved merge-conflict markers that make a patch
// unsafe to apply, per spec.md §4.9 step 4.
var conflictMarkers = []string{"<<<<<<<", ">>>>>>>"}

// authBannedPhrases and databaseBannedPhrases implement spec.md §4.9 step
// 4's domain-specific compliance bans.
var authBannedPhrases = []string{"bypass", "disable_auth", "skip auth"}
var databaseBannedPhrases = []string{"drop table", "truncate "}

// checkCompliance implements the domain-independent half of spec.md §4.9
// step 4: extension allow-list and conflict-marker rejection. The
// domain-specific bans (auth/database) are in checkDomainCompliance, since
// domain lives on the owning task rather than the mutation.
func checkCompliance(mutation *store.Mutation) error {
	ext := strings.ToLower(filepath.Ext(mutation.FilePath))
	if !allowedExtensions[ext] {
		return fmt.Errorf("file extension %q is not in the compliance allow-list", ext)
	}
	for _, marker := range conflictMarkers {
		if strings.Contains(mutation.DiffContent, marker) {
			return fmt.Errorf("patch contains an unresolved conflict marker %q", marker)
		}
	}
	return nil
}

// checkDomainCompliance applies spec.md §4.9 step 4's domain-specific
// bans, given the owning task's domain.
func checkDomainCompliance(domain, diffContent string) error {
	lower := strings.ToLower(diffContent)
	switch domain {
	case "auth":
		for _, phrase := range authBannedPhrases {
			if strings.Contains(lower, phrase) {
				return fmt.Errorf("auth-domain patch contains banned phrase %q", phrase)
			}
		}
	case "database":
		for _, phrase := range databaseBannedPhrases {
			if strings.Contains(lower, phrase) {
				return fmt.Errorf("database-domain patch contains banned phrase %q", phrase)
			}
		}
	}
	return nil
}

const semanticRegressionReadChars = 1200

// checkSemanticRegression implements spec.md §4.9 step 3: read the patched
// file from the shadow dir (truncated to the first 1200 chars), embed that
// and the original intent description, and reject if cosine similarity
// falls below the configured threshold.
func (p *Pipeline) checkSemanticRegression(shadowDir string, mutation *store.Mutation) error {
	patched := filepath.Join(shadowDir, mutation.FilePath)
	raw, err := os.ReadFile(patched)
	if err != nil {
		// The target file may not exist yet on the real tree (new-file
		// mutation); treat an unreadable patched file as 0 similarity
		// rather than erroring the whole step, matching spec.md §9's
		// "downstream quality depends on this" guidance for missing files.
		raw = []byte{}
	}
	content := string(raw)
	if len(content) > semanticRegressionReadChars {
		content = content[:semanticRegressionReadChars]
	}

	similarity := embedding.Cosine(embedding.Embed(content), embedding.Embed(mutation.IntentDescription))
	if similarity < p.cfg.SemanticRegressionThreshold {
		return fmt.Errorf("semantic similarity %.4f is below threshold %.4f", similarity, p.cfg.SemanticRegressionThreshold)
	}
	return nil
}
