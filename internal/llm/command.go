package llm

import (
	"fmt"
	"regexp"
	"strings"
)

var supportedPlaceholders = map[string]struct{}{
	"{prompt}":      {},
	"{prompt_file}": {},
	"{model}":       {},
	"{cost_cap}":    {},
}

// placeholderMatcher only treats identifier-shaped {name} tokens as
// placeholders, so literal JSON inside a flag passes through untouched.
var placeholderMatcher = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_]*\}`)

// buildCommand constructs an exec-compatible argv with placeholder
// substitution and validation, adapted from cortex's
// internal/dispatch.BuildCommand for the CLI-family adapter of spec.md
// §4.3. promptFile is the path to a temp file holding the combined
// system+user prompt, used when a flag template references {prompt_file}
// instead of inlining {prompt}.
func buildCommand(provider, model, prompt, promptFile string, costCapUSD float64, flags []string) ([]string, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, fmt.Errorf("command builder: provider command is required")
	}
	if strings.ContainsRune(provider, '\x00') {
		return nil, fmt.Errorf("command builder: provider command contains NUL byte")
	}

	model = strings.TrimSpace(model)
	if strings.ContainsRune(model, '\x00') {
		return nil, fmt.Errorf("command builder: model contains NUL byte")
	}
	if strings.ContainsRune(prompt, '\x00') {
		return nil, fmt.Errorf("command builder: prompt contains NUL byte")
	}
	if len(flags) == 0 {
		return []string{provider}, nil
	}

	argv := make([]string, 0, len(flags)+3)
	argv = append(argv, provider)

	modelUsed := false
	costCapUsed := false
	for i, raw := range flags {
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("command builder: empty flag at index %d", i)
		}
		if strings.ContainsRune(raw, '\x00') {
			return nil, fmt.Errorf("command builder: flag at index %d contains NUL byte", i)
		}
		if err := validatePlaceholders(raw); err != nil {
			return nil, fmt.Errorf("command builder: %w", err)
		}

		arg := raw
		arg = strings.ReplaceAll(arg, "{prompt}", prompt)
		arg = strings.ReplaceAll(arg, "{prompt_file}", promptFile)
		if strings.Contains(raw, "{model}") {
			if model == "" {
				continue
			}
			arg = strings.ReplaceAll(arg, "{model}", model)
			modelUsed = true
		}
		if strings.Contains(raw, "{cost_cap}") {
			if costCapUSD <= 0 {
				// A standalone {cost_cap} value also drops the bare flag before it.
				if strings.TrimSpace(raw) == "{cost_cap}" && i > 0 && len(argv) > 1 &&
					argv[len(argv)-1] == flags[i-1] && strings.HasPrefix(flags[i-1], "-") {
					argv = argv[:len(argv)-1]
				}
				continue
			}
			arg = strings.ReplaceAll(arg, "{cost_cap}", fmt.Sprintf("%.4f", costCapUSD))
			costCapUsed = true
		}
		argv = append(argv, arg)
	}

	if model != "" && !modelUsed {
		return nil, fmt.Errorf("command builder: model %q provided but no {model} placeholder present in flags", model)
	}
	_ = costCapUsed // presence is optional; absence is not an error, per spec.md §4.3
	return argv, nil
}

func validatePlaceholders(flag string) error {
	matches := placeholderMatcher.FindAllString(flag, -1)
	for _, m := range matches {
		if _, ok := supportedPlaceholders[m]; !ok {
			return fmt.Errorf("unsupported placeholder %q", m)
		}
	}
	return nil
}
