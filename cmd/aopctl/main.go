// Command aopctl is a thin readline-driven REPL over aopd's RPC surface
// (spec.md §6), letting an operator drive the Tier-1 orchestrator — answer
// clarifying questions, approve plans, inspect tasks and mutations —
// without writing raw HTTP requests.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: &http.Client{Timeout: 120 * time.Second}}
}

func (c *client) call(method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	// get_tasks?rootId=... returns a JSON array rather than an object; wrap
	// it so every command still returns a uniform map for printResult.
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var list []map[string]any
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return map[string]any{"items": list}, nil
	}
	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return out, nil
}

func printResult(result map[string]any) {
	pretty, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", result)
		return
	}
	fmt.Println(string(pretty))
}

// splitArgs splits a REPL line's remaining words, keeping the objective/
// feedback text as the final field instead of further splitting it.
func splitArgs(s string, n int) []string {
	fields := strings.Fields(s)
	if len(fields) <= n {
		return fields
	}
	head := fields[:n-1]
	tail := strings.Join(fields[n-1:], " ")
	return append(head, tail)
}

func atoi(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func atof(s string, def float64) float64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

const helpText = `commands:
  create_task <tier> <domain> <objective>
  get_task <id>
  get_tasks <rootId>
  control_task <id> <pause|resume|stop|restart> [reason]
  budget_request <taskId> <requester> <increment> <reason>
  budget_resolve <requestId> <approve|reject> <increment> [note]
  analyze <targetProject> <globalBudget> <objective>
  plan <rootTaskId> <targetProject> <maxTolerance> <answer1|answer2|...>
  approve <rootTaskId> <targetProject>
  execute <taskId> <targetProject>
  mutations <taskId>
  pipeline <mutationId> <targetProject> <tier1Approved>
  set_mutation <mutationId> <status> [rejectionReason]
  revise <mutationId> <targetProject> <feedback>
  status
  help
  exit
`

func dispatch(c *client, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd := fields[0]
	args := fields[1:]

	var result map[string]any
	var err error

	switch cmd {
	case "help":
		fmt.Print(helpText)
		return
	case "status":
		result, err = c.call(http.MethodGet, "/status", nil)
	case "create_task":
		a := splitArgs(strings.Join(args, " "), 3)
		if len(a) < 3 {
			fmt.Println("usage: create_task <tier> <domain> <objective>")
			return
		}
		result, err = c.call(http.MethodPost, "/rpc/create_task", map[string]any{
			"tier": atoi(a[0], 1), "domain": a[1], "objective": a[2], "tokenBudget": 5000,
		})
	case "get_task":
		if len(args) < 1 {
			fmt.Println("usage: get_task <id>")
			return
		}
		result, err = c.call(http.MethodGet, "/rpc/get_tasks?id="+args[0], nil)
	case "get_tasks":
		if len(args) < 1 {
			fmt.Println("usage: get_tasks <rootId>")
			return
		}
		result, err = c.call(http.MethodGet, "/rpc/get_tasks?rootId="+args[0], nil)
	case "control_task":
		if len(args) < 2 {
			fmt.Println("usage: control_task <id> <pause|resume|stop|restart> [reason]")
			return
		}
		reason := ""
		if len(args) > 2 {
			reason = strings.Join(args[2:], " ")
		}
		result, err = c.call(http.MethodPost, "/rpc/control_task", map[string]any{
			"taskId": args[0], "action": args[1], "reason": reason,
		})
	case "budget_request":
		a := splitArgs(strings.Join(args, " "), 4)
		if len(a) < 4 {
			fmt.Println("usage: budget_request <taskId> <requester> <increment> <reason>")
			return
		}
		result, err = c.call(http.MethodPost, "/rpc/request_task_budget_increase", map[string]any{
			"taskId": a[0], "requester": a[1], "requestedIncrement": atoi(a[2], 0), "reason": a[3],
		})
	case "budget_resolve":
		a := splitArgs(strings.Join(args, " "), 4)
		if len(a) < 3 {
			fmt.Println("usage: budget_resolve <requestId> <approve|reject> <increment> [note]")
			return
		}
		note := ""
		if len(a) > 3 {
			note = a[3]
		}
		result, err = c.call(http.MethodPost, "/rpc/resolve_task_budget_request", map[string]any{
			"requestId": a[0], "approve": a[1] == "approve", "approvedIncrement": atoi(a[2], 0), "note": note,
		})
	case "analyze":
		a := splitArgs(strings.Join(args, " "), 3)
		if len(a) < 3 {
			fmt.Println("usage: analyze <targetProject> <globalBudget> <objective>")
			return
		}
		result, err = c.call(http.MethodPost, "/rpc/analyze_objective", map[string]any{
			"targetProject": a[0], "globalBudget": atoi(a[1], 0), "objective": a[2],
		})
	case "plan":
		a := splitArgs(strings.Join(args, " "), 4)
		if len(a) < 4 {
			fmt.Println("usage: plan <rootTaskId> <targetProject> <maxTolerance> <answer1|answer2|...>")
			return
		}
		result, err = c.call(http.MethodPost, "/rpc/submit_answers_and_plan", map[string]any{
			"rootTaskId": a[0], "targetProject": a[1], "maxTolerance": atof(a[2], 0.6), "answers": strings.Split(a[3], "|"),
		})
	case "approve":
		if len(args) < 2 {
			fmt.Println("usage: approve <rootTaskId> <targetProject>")
			return
		}
		result, err = c.call(http.MethodPost, "/rpc/approve_orchestration_plan", map[string]any{
			"rootTaskId": args[0], "targetProject": args[1],
		})
	case "execute":
		if len(args) < 2 {
			fmt.Println("usage: execute <taskId> <targetProject>")
			return
		}
		result, err = c.call(http.MethodPost, "/rpc/execute_domain_task", map[string]any{
			"taskId": args[0], "targetProject": args[1],
		})
	case "mutations":
		if len(args) < 1 {
			fmt.Println("usage: mutations <taskId>")
			return
		}
		result, err = c.call(http.MethodGet, "/rpc/list_task_mutations?taskId="+args[0], nil)
	case "pipeline":
		if len(args) < 3 {
			fmt.Println("usage: pipeline <mutationId> <targetProject> <tier1Approved>")
			return
		}
		result, err = c.call(http.MethodPost, "/rpc/run_mutation_pipeline", map[string]any{
			"mutationId": args[0], "targetProject": args[1], "tier1Approved": args[2] == "true",
		})
	case "set_mutation":
		a := splitArgs(strings.Join(args, " "), 3)
		if len(a) < 2 {
			fmt.Println("usage: set_mutation <mutationId> <status> [rejectionReason]")
			return
		}
		reason := ""
		if len(a) > 2 {
			reason = a[2]
		}
		result, err = c.call(http.MethodPost, "/rpc/set_mutation_status", map[string]any{
			"mutationId": a[0], "status": a[1], "rejectionReason": reason,
		})
	case "revise":
		a := splitArgs(strings.Join(args, " "), 3)
		if len(a) < 3 {
			fmt.Println("usage: revise <mutationId> <targetProject> <feedback>")
			return
		}
		result, err = c.call(http.MethodPost, "/rpc/request_mutation_revision", map[string]any{
			"mutationId": a[0], "targetProject": a[1], "feedback": a[2],
		})
	default:
		fmt.Printf("unknown command %q (type 'help')\n", cmd)
		return
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	printResult(result)
}

func main() {
	server := flag.String("server", "http://127.0.0.1:8787", "aopd RPC base URL")
	token := flag.String("token", os.Getenv("AOP_TOKEN"), "bearer token (falls back to AOP_TOKEN env var)")
	flag.Parse()

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	cacheDir = filepath.Join(cacheDir, "aopctl")
	_ = os.MkdirAll(cacheDir, 0755)

	c := newClient(*server, *token)

	fmt.Printf("aopctl — connected to %s  (type 'help' for commands, 'exit' to quit)\n", *server)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[36maopctl>\033[0m ",
		HistoryFile:       filepath.Join(cacheDir, "history"),
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline init error: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		dispatch(c, line)
	}
}
