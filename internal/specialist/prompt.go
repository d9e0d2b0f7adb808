package specialist

import (
	"encoding/json"
	"fmt"
	"strings"
)

const specialistSystemPrompt = `You are a tier-3 specialist inside an autonomous code-mutation pipeline. ` +
	`You edit exactly one file at a time and must respond with strict JSON only, no prose, no markdown fences.`

// promptPayload is marshalled into the prompt so the model sees the exact
// shape it must mirror back in its response.
type promptPayload struct {
	Persona      string   `json:"persona"`
	Objective    string   `json:"objective"`
	Constraints  []string `json:"constraints"`
	TargetPath   string   `json:"targetPath"`
	FileContent  string   `json:"fileContent,omitempty"`
	CodeContext  []string `json:"codeContext,omitempty"`
}

// buildPrompt builds the strict JSON-only prompt of spec.md §4.6 step 2.
func buildPrompt(t Task, filePath string, targetFileContent *string) string {
	payload := promptPayload{
		Persona:     t.Persona,
		Objective:   t.Objective,
		Constraints: t.Constraints,
		TargetPath:  filePath,
	}
	if targetFileContent != nil {
		payload.FileContent = truncateContent(*targetFileContent)
	}
	for i, ctx := range t.CodeContext {
		if i >= 3 {
			break
		}
		payload.CodeContext = append(payload.CodeContext, fmt.Sprintf("%s:%d-%d\n%s", ctx.FilePath, ctx.StartLine, ctx.EndLine, ctx.Content))
	}

	encoded, _ := json.MarshalIndent(payload, "", "  ")

	var sb strings.Builder
	sb.WriteString("Context:\n")
	sb.Write(encoded)
	sb.WriteString("\n\nRespond with exactly one JSON object of this shape, nothing else:\n")
	sb.WriteString(`{"intentDescription": "<one sentence describing the change>", "modifiedContent": "<the full new file content>", "changesSummary": ["<bullet>", "..."]}`)
	return sb.String()
}
