package orchestrator

import "strings"

// closedDomains is spec.md §3's closed domain set; §9 says unknown domains
// fall back to platform.
var closedDomains = map[string]bool{
	"auth": true, "database": true, "frontend": true, "api": true,
	"platform": true, "testing": true,
}

// normalizeDomain implements spec.md §9's "total function over the tag"
// rule: never a dynamic lookup, always a closed-set fallback.
func normalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if closedDomains[d] {
		return d
	}
	return "platform"
}

// clampTier restricts a planned assignment's tier to {2,3} per spec.md
// §4.8 generate_plan.
func clampTier(tier int) int {
	if tier < 2 {
		return 2
	}
	if tier > 3 {
		return 3
	}
	return tier
}

// riskKeywordDeltas implements spec.md §4.8's risk-factor keyword table.
var riskKeywordDeltas = []struct {
	keywords []string
	delta    float64
}{
	{[]string{"refactor", "rewrite", "migrate", "replace"}, 0.22},
	{[]string{"performance", "cache", "concurrency"}, 0.08},
	{[]string{"auth", "security", "session", "token"}, 0.15},
	{[]string{"schema", "migration", "query"}, 0.12},
	{[]string{"testing"}, -0.08},
}

const riskBase = 0.22

// computeRiskFactor implements spec.md §4.8's per-assignment risk formula:
// clamp(0.05..0.95, 0.22 + keyword deltas).
func computeRiskFactor(objective string) float64 {
	lower := strings.ToLower(objective)
	risk := riskBase
	for _, entry := range riskKeywordDeltas {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				risk += entry.delta
				break
			}
		}
	}
	return clampRisk(risk)
}

func clampRisk(v float64) float64 {
	if v < 0.05 {
		return 0.05
	}
	if v > 0.95 {
		return 0.95
	}
	return v
}

// domainConstraints implements spec.md §4.8's domain-specific constraint
// bank.
func domainConstraints(domain string) []string {
	switch domain {
	case "auth":
		return []string{"must not weaken existing authentication or authorization validation"}
	case "database":
		return []string{"schema and data changes must remain reversible"}
	default:
		return nil
	}
}

// riskTierConstraints implements spec.md §4.8's risk-tier warning ladder,
// given the assignment's risk factor and the orchestration's configured
// risk tolerance.
func riskTierConstraints(risk, maxTolerance float64) []string {
	var constraints []string
	if risk > maxTolerance {
		constraints = append(constraints, "risk factor exceeds configured tolerance: escalate to operator before proceeding")
	}
	if risk > 0.7 {
		constraints = append(constraints, "high risk: require strict validation before apply")
	}
	if risk >= 0.3 {
		constraints = append(constraints, "moderate-or-higher risk: require consensus validation across proposals")
	}
	return constraints
}

// refactorCompatibilityConstraint implements spec.md §4.8's "maintain
// compatibility" addition on refactor objectives.
func refactorCompatibilityConstraint(objective string) []string {
	lower := strings.ToLower(objective)
	for _, kw := range []string{"refactor", "rewrite", "migrate", "replace"} {
		if strings.Contains(lower, kw) {
			return []string{"maintain backward compatibility with existing callers"}
		}
	}
	return nil
}

// buildConstraints assembles the full constraint list for a planned
// assignment per spec.md §4.8.
func buildConstraints(domain, objective string, risk, maxTolerance float64) []string {
	var constraints []string
	constraints = append(constraints, domainConstraints(domain)...)
	constraints = append(constraints, riskTierConstraints(risk, maxTolerance)...)
	constraints = append(constraints, refactorCompatibilityConstraint(objective)...)
	return constraints
}

// appendConstraints folds the computed constraint list into the
// assignment's stored objective text: spec.md §3's Task attributes have no
// separate constraints field, so constraints travel with the objective a
// tier-2/tier-3 task is created with.
func appendConstraints(objective string, constraints []string) string {
	if len(constraints) == 0 {
		return objective
	}
	out := objective + "\n\nConstraints:"
	for _, c := range constraints {
		out += "\n- " + c
	}
	return out
}

// allocateBudget distributes ~80% of the global token budget across
// assignments weighted by 1 + 2.2*risk_factor, proportionally, with
// floor-rounding and remainder distributed to the largest fractional
// shares first, per spec.md §4.8.
func allocateBudget(globalBudget int, risks []float64) []int {
	n := len(risks)
	if n == 0 {
		return nil
	}
	distributable := float64(globalBudget) * 0.80

	weights := make([]float64, n)
	totalWeight := 0.0
	for i, r := range risks {
		weights[i] = 1 + 2.2*r
		totalWeight += weights[i]
	}

	shares := make([]int, n)
	fractions := make([]float64, n)
	allocated := 0
	for i, w := range weights {
		exact := distributable * w / totalWeight
		shares[i] = int(exact)
		fractions[i] = exact - float64(shares[i])
		allocated += shares[i]
	}

	remainder := int(distributable) - allocated
	order := rankByFraction(fractions)
	for i := 0; i < remainder && i < n; i++ {
		shares[order[i]]++
	}

	for i := range shares {
		if shares[i] < 1 {
			shares[i] = 1
		}
	}
	return shares
}

// rankByFraction returns indices sorted by descending fractional remainder
// (stable insertion sort; n is always small — one per planned assignment).
func rankByFraction(fractions []float64) []int {
	order := make([]int, len(fractions))
	for i := range order {
		order[i] = i
	}
	for i := 1; i < len(order); i++ {
		j := i
		for j > 0 && fractions[order[j]] > fractions[order[j-1]] {
			order[j], order[j-1] = order[j-1], order[j]
			j--
		}
	}
	return order
}
