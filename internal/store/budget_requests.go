package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Budget request statuses (spec.md §3). Pending is the only non-terminal
// status.
const (
	BudgetRequestPending  = "pending"
	BudgetRequestApproved = "approved"
	BudgetRequestRejected = "rejected"
)

// ErrBudgetRequestNotFound is returned when a budget request id has no
// matching row.
var ErrBudgetRequestNotFound = errors.New("budget request not found")

// ErrBudgetRequestResolved is returned when attempting to resolve a request
// that is no longer pending (spec.md §7: state-illegal).
var ErrBudgetRequestResolved = errors.New("budget request already resolved")

// BudgetRequestExpiry is how long a pending request is treated as live
// before being read back as implicitly rejected (SPEC_FULL.md §"Supplemented
// features" item 4).
const BudgetRequestExpiry = 24 * time.Hour

// BudgetRequest mirrors the Budget request entity of spec.md §3.
type BudgetRequest struct {
	ID                 string
	TaskID             string
	Requester          string
	Reason             string
	RequestedIncrement int
	BudgetSnapshot     int
	UsageSnapshot      int
	Status             string
	ApprovedIncrement  *int
	ResolutionNote     *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreateBudgetRequestInput is the payload for a new budget request.
type CreateBudgetRequestInput struct {
	TaskID             string
	Requester          string
	Reason             string
	RequestedIncrement int
}

// CreateBudgetRequest opens a new pending budget request, snapshotting the
// task's current budget/usage (spec.md §3).
func (s *Store) CreateBudgetRequest(in CreateBudgetRequestInput) (*BudgetRequest, error) {
	if in.RequestedIncrement <= 0 {
		return nil, fmt.Errorf("store: create budget request: requested increment must be > 0")
	}
	task, err := s.GetTaskByID(in.TaskID)
	if err != nil {
		return nil, fmt.Errorf("store: create budget request: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.Exec(`
		INSERT INTO budget_requests (id, task_id, requester, reason, requested_increment, budget_snapshot, usage_snapshot, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.TaskID, in.Requester, in.Reason, in.RequestedIncrement, task.TokenBudget, task.TokenUsage, BudgetRequestPending)
	if err != nil {
		return nil, fmt.Errorf("store: create budget request: %w", err)
	}
	return s.GetBudgetRequestByID(id)
}

// GetBudgetRequestByID fetches a budget request, applying the expiry rule:
// a pending request older than BudgetRequestExpiry reads back as rejected
// with resolution note "expired" without a background sweeper having to run.
func (s *Store) GetBudgetRequestByID(id string) (*BudgetRequest, error) {
	row := s.db.QueryRow(budgetRequestSelect+" WHERE id = ?", id)
	br, err := scanBudgetRequest(row)
	if err != nil {
		return nil, err
	}
	applyExpiry(br)
	return br, nil
}

// ListBudgetRequests returns budget requests for a task, optionally
// including its descendant tasks (spec.md §4.10: "list (optionally across
// descendants)").
func (s *Store) ListBudgetRequests(taskID string, includeDescendants bool) ([]*BudgetRequest, error) {
	scope := []string{taskID}
	if includeDescendants {
		ids, err := s.CollectTaskTreeIDs(taskID)
		if err != nil {
			return nil, err
		}
		scope = ids
	}
	placeholders := make([]string, len(scope))
	args := make([]any, len(scope))
	for i, id := range scope {
		placeholders[i] = "?"
		args[i] = id
	}
	query := budgetRequestSelect + " WHERE task_id IN (" + join(placeholders, ",") + ") ORDER BY created_at DESC"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list budget requests: %w", err)
	}
	defer rows.Close()
	out, err := scanBudgetRequests(rows)
	if err != nil {
		return nil, err
	}
	for _, br := range out {
		applyExpiry(br)
	}
	return out, nil
}

// ResolveBudgetRequest approves or rejects a pending request. On approval it
// atomically increases the task's budget by approvedIncrement (spec.md §3
// invariant).
func (s *Store) ResolveBudgetRequest(id string, approve bool, approvedIncrement int, note string) (*BudgetRequest, error) {
	br, err := s.GetBudgetRequestByID(id)
	if err != nil {
		return nil, err
	}
	if br.Status != BudgetRequestPending {
		return nil, ErrBudgetRequestResolved
	}

	status := BudgetRequestRejected
	var incPtr *int
	if approve {
		status = BudgetRequestApproved
		if approvedIncrement <= 0 {
			approvedIncrement = br.RequestedIncrement
		}
		incPtr = &approvedIncrement
		if err := s.IncreaseTaskBudget(br.TaskID, approvedIncrement); err != nil {
			return nil, fmt.Errorf("store: resolve budget request: increase budget: %w", err)
		}
	}

	_, err = s.db.Exec(`UPDATE budget_requests SET status = ?, approved_increment = ?, resolution_note = ?,
		updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`,
		status, nullableInt(incPtr), sql.NullString{String: note, Valid: note != ""}, id)
	if err != nil {
		return nil, fmt.Errorf("store: resolve budget request: %w", err)
	}
	return s.GetBudgetRequestByID(id)
}

func applyExpiry(br *BudgetRequest) {
	if br.Status == BudgetRequestPending && time.Since(br.CreatedAt) > BudgetRequestExpiry {
		br.Status = BudgetRequestRejected
		note := "expired"
		br.ResolutionNote = &note
	}
}

const budgetRequestSelect = `SELECT id, task_id, requester, reason, requested_increment, budget_snapshot, usage_snapshot,
	status, approved_increment, resolution_note, created_at, updated_at FROM budget_requests`

func scanBudgetRequest(row *sql.Row) (*BudgetRequest, error) {
	br := &BudgetRequest{}
	var approvedIncrement sql.NullInt64
	var note sql.NullString
	if err := row.Scan(&br.ID, &br.TaskID, &br.Requester, &br.Reason, &br.RequestedIncrement, &br.BudgetSnapshot,
		&br.UsageSnapshot, &br.Status, &approvedIncrement, &note, &br.CreatedAt, &br.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBudgetRequestNotFound
		}
		return nil, fmt.Errorf("store: scan budget request: %w", err)
	}
	applyBudgetRequestNullables(br, approvedIncrement, note)
	return br, nil
}

func scanBudgetRequests(rows *sql.Rows) ([]*BudgetRequest, error) {
	var out []*BudgetRequest
	for rows.Next() {
		br := &BudgetRequest{}
		var approvedIncrement sql.NullInt64
		var note sql.NullString
		if err := rows.Scan(&br.ID, &br.TaskID, &br.Requester, &br.Reason, &br.RequestedIncrement, &br.BudgetSnapshot,
			&br.UsageSnapshot, &br.Status, &approvedIncrement, &note, &br.CreatedAt, &br.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan budget request: %w", err)
		}
		applyBudgetRequestNullables(br, approvedIncrement, note)
		out = append(out, br)
	}
	return out, rows.Err()
}

func applyBudgetRequestNullables(br *BudgetRequest, approvedIncrement sql.NullInt64, note sql.NullString) {
	if approvedIncrement.Valid {
		v := int(approvedIncrement.Int64)
		br.ApprovedIncrement = &v
	}
	if note.Valid {
		v := note.String
		br.ResolutionNote = &v
	}
}
