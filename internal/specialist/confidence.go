package specialist

import "strings"

// estimateConfidence implements spec.md §4.6 step 5.
func estimateConfidence(t Task, original, modified string) float64 {
	confidence := 0.62
	if len(t.CodeContext) > 0 {
		confidence += 0.08
	}
	if len(t.Constraints) > 0 {
		confidence += 0.05
	}

	originalLines := countLines(original)
	changedLines := countChangedLines(original, modified)
	if originalLines > 0 {
		r := float64(changedLines) / float64(originalLines)
		switch {
		case r < 0.15:
			confidence += 0.12
		case r < 0.35:
			confidence += 0.06
		case r > 0.80:
			confidence -= 0.10
		}
	}

	if confidence < 0.40 {
		confidence = 0.40
	}
	if confidence > 0.95 {
		confidence = 0.95
	}
	return confidence
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return len(strings.Split(s, "\n"))
}

// countChangedLines is a coarse line-level symmetric difference count used
// only to derive the confidence adjustment ratio, not the diff itself.
func countChangedLines(original, modified string) int {
	a := strings.Split(original, "\n")
	b := strings.Split(modified, "\n")
	inA := make(map[string]int, len(a))
	for _, l := range a {
		inA[l]++
	}
	inB := make(map[string]int, len(b))
	for _, l := range b {
		inB[l]++
	}
	changed := 0
	for l, n := range inA {
		if m := inB[l]; m < n {
			changed += n - m
		}
	}
	for l, n := range inB {
		if m := inA[l]; m < n {
			changed += n - m
		}
	}
	return changed
}
