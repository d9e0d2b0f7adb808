package specialist

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// modelResponse is the strict JSON shape the specialist prompt asks for.
type modelResponse struct {
	IntentDescription string   `json:"intentDescription"`
	ModifiedContent   string   `json:"modifiedContent"`
	ChangesSummary    []string `json:"changesSummary"`
}

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// parseModelResponse implements spec.md §4.6 step 3's tolerant parse:
// direct JSON, code-fence-stripped JSON, the first balanced {...} object
// found via brace-counting, or any fenced block anywhere in the text.
func parseModelResponse(text string) (*modelResponse, error) {
	trimmed := strings.TrimSpace(text)

	if resp, err := decodeModelResponse(trimmed); err == nil {
		return resp, nil
	}

	if stripped := stripFence(trimmed); stripped != trimmed {
		if resp, err := decodeModelResponse(stripped); err == nil {
			return resp, nil
		}
	}

	if obj := firstBalancedObject(trimmed); obj != "" {
		if resp, err := decodeModelResponse(obj); err == nil {
			return resp, nil
		}
	}

	for _, match := range fencedBlockPattern.FindAllStringSubmatch(trimmed, -1) {
		candidate := strings.TrimSpace(match[1])
		if resp, err := decodeModelResponse(candidate); err == nil {
			return resp, nil
		}
		if obj := firstBalancedObject(candidate); obj != "" {
			if resp, err := decodeModelResponse(obj); err == nil {
				return resp, nil
			}
		}
	}

	return nil, fmt.Errorf("LLM response did not contain a parseable JSON object")
}

func decodeModelResponse(s string) (*modelResponse, error) {
	var resp modelResponse
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
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
