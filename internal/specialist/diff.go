package specialist

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// unifiedDiff computes an LCS-based unified diff with 3 lines of context,
// per spec.md §4.6 step 4.
func unifiedDiff(filePath, original, modified string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(original),
		B:        difflib.SplitLines(modified),
		FromFile: "a/" + filePath,
		ToFile:   "b/" + filePath,
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("compute unified diff: %w", err)
	}
	if out == "" {
		return "", nil
	}
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out, nil
}
