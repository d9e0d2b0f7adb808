package pipeline

import (
	"fmt"
	"strings"
)

// normalizePatch implements spec.md §4.9 step 2's "Normalise the patch":
// CRLF -> LF, ensure a trailing newline, and reject patches lacking the
// minimal unified-diff markers.
func normalizePatch(diff string) (string, error) {
	normalized := normalizeLineEndings(diff)
	if !strings.HasSuffix(normalized, "\n") {
		normalized += "\n"
	}
	if !strings.Contains(normalized, "--- ") || !strings.Contains(normalized, "+++ ") || !strings.Contains(normalized, "@@") {
		return "", fmt.Errorf("patch is missing required unified-diff markers (--- / +++ / @@)")
	}
	return normalized, nil
}

// normalizeLineEndings converts CRLF to LF, per spec.md §4.9/§6: "Line
// endings are normalised to LF on both patch and target file prior to
// git apply."
func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
