package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// clarifyingResponse is the strict JSON shape analyze_objective asks the
// tier-1 model for (spec.md §4.8).
type clarifyingResponse struct {
	Questions        []string `json:"questions"`
	InitialAnalysis  string   `json:"initialAnalysis"`
	SuggestedApproach string  `json:"suggestedApproach"`
}

// plannedAssignment mirrors one element of generate_plan's requested
// {tasks: [...]}  array (spec.md §4.8).
type plannedAssignment struct {
	Objective   string   `json:"objective"`
	Domain      string   `json:"domain"`
	Tier        int      `json:"tier"`
	TargetFiles []string `json:"targetFiles"`
	Rationale   string   `json:"rationale"`
}

// planResponse is the strict JSON shape generate_plan asks the tier-1
// model for.
type planResponse struct {
	Tasks          []plannedAssignment `json:"tasks"`
	RiskAssessment string               `json:"riskAssessment"`
}

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// parseJSONObject implements the same tolerant parse spec.md §4.6 step 3
// describes for the specialist, reused here for the orchestrator's two JSON
// contracts: direct JSON, fence-stripped JSON, the first balanced {...}
// object, or any fenced block anywhere in the text.
func parseJSONObject(text string, out interface{}) error {
	trimmed := strings.TrimSpace(text)

	if decodeJSON(trimmed, out) == nil {
		return nil
	}
	if stripped := stripFence(trimmed); stripped != trimmed {
		if decodeJSON(stripped, out) == nil {
			return nil
		}
	}
	if obj := firstBalancedObject(trimmed); obj != "" {
		if decodeJSON(obj, out) == nil {
			return nil
		}
	}
	for _, match := range fencedBlockPattern.FindAllStringSubmatch(trimmed, -1) {
		candidate := strings.TrimSpace(match[1])
		if decodeJSON(candidate, out) == nil {
			return nil
		}
		if obj := firstBalancedObject(candidate); obj != "" {
			if decodeJSON(obj, out) == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("LLM response did not contain a parseable JSON object")
}

func decodeJSON(s string, out interface{}) error {
	dec := json.NewDecoder(strings.NewReader(s))
	return dec.Decode(out)
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// firstBalancedObject scans s for the first top-level {...} object, tracking
// string/escape state so braces inside string literals don't confuse the
// count.
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
