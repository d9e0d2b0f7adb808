// Package budget implements the budget-request service of spec.md §4.5: a
// thin business-rule layer over the store's budget request CRUD that
// decides whether an increase can be auto-approved instead of waiting on a
// human.
package budget

import (
	"fmt"
	"os"
	"strconv"

	"github.com/antigravity-dev/aop/internal/store"
)

// Thresholds controls auto-approval, sourced from environment flags
// (spec.md §6) with the defaults the original adapter shipped.
type Thresholds struct {
	AutoApproveEnabled bool
	HeadroomPercent    float64 // fraction of current budget the remaining budget must cover before EnsureBudgetHeadroom (internal/runtime) opens a request; not used by auto-approval
	AutoMaxPercent     float64 // auto-approval never grants more than this fraction of current budget
	MinIncrement       int
}

// ThresholdsFromEnv reads AOP_AUTO_APPROVE_BUDGET_REQUESTS,
// AOP_BUDGET_HEADROOM_PERCENT (1-95, default 25), AOP_BUDGET_AUTO_MAX_PERCENT
// (5-100, default 40), and AOP_BUDGET_MIN_INCREMENT (default 250), per
// spec.md §6. The percent flags are whole numbers on the wire; Thresholds
// stores them as fractions.
func ThresholdsFromEnv() Thresholds {
	headroom := clampPercent(envFloat("AOP_BUDGET_HEADROOM_PERCENT", 25), 1, 95)
	autoMax := clampPercent(envFloat("AOP_BUDGET_AUTO_MAX_PERCENT", 40), 5, 100)
	return Thresholds{
		AutoApproveEnabled: envBool("AOP_AUTO_APPROVE_BUDGET_REQUESTS", false),
		HeadroomPercent:    headroom / 100,
		AutoMaxPercent:     autoMax / 100,
		MinIncrement:       envInt("AOP_BUDGET_MIN_INCREMENT", 250),
	}
}

func clampPercent(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func envBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envFloat(name string, def float64) float64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Service wraps the store's budget request persistence with auto-approval
// business rules.
type Service struct {
	store      *store.Store
	thresholds Thresholds
}

// New builds a budget Service.
func New(s *store.Store, t Thresholds) *Service {
	return &Service{store: s, thresholds: t}
}

// Request opens a new budget request and, when auto-approval is enabled and
// the request clears the configured thresholds, immediately resolves it.
func (svc *Service) Request(in store.CreateBudgetRequestInput) (*store.BudgetRequest, error) {
	br, err := svc.store.CreateBudgetRequest(in)
	if err != nil {
		return nil, fmt.Errorf("budget: request: %w", err)
	}
	if !svc.canAutoApprove(br) {
		return br, nil
	}
	return svc.store.ResolveBudgetRequest(br.ID, true, br.RequestedIncrement, "auto-approved: within auto-max percent of current budget")
}

// canAutoApprove implements spec.md §4.5's auto-approval rule exactly: the
// request is auto-approved iff auto-approval is enabled and the requested
// increment is at most AutoMaxPercent of the current budget.
func (svc *Service) canAutoApprove(br *store.BudgetRequest) bool {
	if !svc.thresholds.AutoApproveEnabled {
		return false
	}
	if br.BudgetSnapshot <= 0 {
		return true
	}
	return float64(br.RequestedIncrement) <= float64(br.BudgetSnapshot)*svc.thresholds.AutoMaxPercent
}

// List returns budget requests scoped to a task, optionally across its
// descendants.
func (svc *Service) List(taskID string, includeDescendants bool) ([]*store.BudgetRequest, error) {
	out, err := svc.store.ListBudgetRequests(taskID, includeDescendants)
	if err != nil {
		return nil, fmt.Errorf("budget: list: %w", err)
	}
	return out, nil
}

// Resolve is the human-in-the-loop path: explicit approve/reject of a
// pending request.
func (svc *Service) Resolve(id string, approve bool, approvedIncrement int, note string) (*store.BudgetRequest, error) {
	br, err := svc.store.ResolveBudgetRequest(id, approve, approvedIncrement, note)
	if err != nil {
		return nil, fmt.Errorf("budget: resolve: %w", err)
	}
	return br, nil
}
