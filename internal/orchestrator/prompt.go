package orchestrator

import (
	"fmt"
	"strings"
)

const clarifyingSystemPrompt = `You are the tier-1 orchestrator of an autonomous code-mutation platform. ` +
	`You never edit files yourself; you analyse an objective against a project's file tree and ask clarifying ` +
	`questions before any work is planned. Respond with strict JSON only, no prose, no markdown fences.`

// buildClarifyingPrompt implements spec.md §4.8 analyze_objective's strict
// JSON contract request.
func buildClarifyingPrompt(objective, fileTreeSummary string) string {
	var sb strings.Builder
	sb.WriteString("Objective:\n")
	sb.WriteString(objective)
	sb.WriteString("\n\nProject file tree (truncated):\n")
	sb.WriteString(fileTreeSummary)
	sb.WriteString("\n\nRespond with exactly one JSON object of this shape, nothing else:\n")
	sb.WriteString(`{"questions": ["<clarifying question>", "..."], "initialAnalysis": "<your read of the objective>", "suggestedApproach": "<high-level approach>"}`)
	return sb.String()
}

const planSystemPrompt = `You are the tier-1 orchestrator of an autonomous code-mutation platform. ` +
	`Given an objective and the operator's answers to your clarifying questions, break the work into a set ` +
	`of tier-2 (domain leader) or tier-3 (single-file specialist) assignments. Respond with strict JSON only, ` +
	`no prose, no markdown fences.`

// buildPlanPrompt implements spec.md §4.8 generate_plan's strict JSON
// contract request.
func buildPlanPrompt(objective string, answers []string, fileTreeSummary string) string {
	var sb strings.Builder
	sb.WriteString("Objective:\n")
	sb.WriteString(objective)
	sb.WriteString("\n\nOperator answers:\n")
	for i, a := range answers {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, a))
	}
	sb.WriteString("\nProject file tree (truncated):\n")
	sb.WriteString(fileTreeSummary)
	sb.WriteString("\n\nDomains must be one of: auth, database, frontend, api, platform, testing. ")
	sb.WriteString("Tier must be 2 (domain leader, fans out multiple specialists) or 3 (single-file specialist).\n")
	sb.WriteString("Respond with exactly one JSON object of this shape, nothing else:\n")
	sb.WriteString(`{"tasks": [{"objective": "<sub-task objective>", "domain": "<domain>", "tier": 2, "targetFiles": ["<path>", "..."], "rationale": "<why>"}], "riskAssessment": "<overall risk narrative>"}`)
	return sb.String()
}
