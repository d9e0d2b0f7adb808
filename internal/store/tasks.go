package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task statuses (spec.md §3).
const (
	TaskPending    = "pending"
	TaskExecuting  = "executing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskPaused     = "paused"
)

// Control actions accepted by ControlTask (spec.md §4.1).
const (
	ActionPause   = "pause"
	ActionResume  = "resume"
	ActionStop    = "stop"
	ActionRestart = "restart"
)

const pausedPrevStatusPrefix = "__aop_paused_prev_status:"

// ErrTaskNotFound is returned when a task id has no matching row.
var ErrTaskNotFound = errors.New("task not found")

// ErrNoTasksUpdated is returned by ControlTask when no task in scope
// qualified for the requested transition.
var ErrNoTasksUpdated = errors.New("no tasks were updated")

// Task mirrors the Task entity of spec.md §3.
type Task struct {
	ID                     string
	ParentID               *string
	Tier                    int
	Domain                  string
	Objective               string
	Status                  string
	TokenBudget             int
	TokenUsage              int
	ContextEfficiencyRatio  float64
	RiskFactor              float64
	ComplianceScore         int
	BeforeChecksum          *string
	AfterChecksum           *string
	ErrorMessage            *string
	RetryCount              int
	TargetFiles             []string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// CreateTaskInput is the payload accepted by CreateTask.
type CreateTaskInput struct {
	ParentID    *string
	Tier        int
	Domain      string
	Objective   string
	TokenBudget int
	RiskFactor  float64
	TargetFiles []string
}

// CreateTask inserts a new task, validating the tier and parent/tier
// invariants from spec.md §3.
func (s *Store) CreateTask(in CreateTaskInput) (*Task, error) {
	if in.Tier < 1 || in.Tier > 3 {
		return nil, fmt.Errorf("store: create task: tier must be 1, 2, or 3, got %d", in.Tier)
	}
	if in.ParentID != nil {
		parent, err := s.GetTaskByID(*in.ParentID)
		if err != nil {
			return nil, fmt.Errorf("store: create task: resolve parent: %w", err)
		}
		if parent.Tier >= in.Tier {
			return nil, fmt.Errorf("store: create task: parent tier %d must be strictly less than child tier %d", parent.Tier, in.Tier)
		}
	} else if in.Tier != 1 {
		return nil, fmt.Errorf("store: create task: tier %d requires a parent", in.Tier)
	}
	if in.TokenBudget < 1 {
		return nil, fmt.Errorf("store: create task: token budget must be >= 1")
	}

	id := uuid.NewString()
	var targetFiles sql.NullString
	if len(in.TargetFiles) > 0 {
		b, err := json.Marshal(in.TargetFiles)
		if err != nil {
			return nil, fmt.Errorf("store: create task: marshal target files: %w", err)
		}
		targetFiles = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, parent_id, tier, domain, objective, status, token_budget, risk_factor, target_files)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, nullableString(in.ParentID), in.Tier, in.Domain, in.Objective, TaskPending, in.TokenBudget, in.RiskFactor, targetFiles)
	if err != nil {
		return nil, fmt.Errorf("store: create task: %w", err)
	}
	return s.GetTaskByID(id)
}

// GetTaskByID fetches a task by its id.
func (s *Store) GetTaskByID(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+" WHERE id = ?", id)
	return scanTask(row)
}

// ListChildTasks returns the direct children of a task, ordered by creation.
func (s *Store) ListChildTasks(parentID string) ([]*Task, error) {
	rows, err := s.db.Query(taskSelect+" WHERE parent_id = ? ORDER BY created_at ASC", parentID)
	if err != nil {
		return nil, fmt.Errorf("store: list child tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CollectTaskTreeIDs performs a deterministic breadth-first traversal of the
// subtree rooted at root (inclusive), ordered by creation time within each
// level, per spec.md §4.1.
func (s *Store) CollectTaskTreeIDs(root string) ([]string, error) {
	if _, err := s.GetTaskByID(root); err != nil {
		return nil, err
	}
	ids := []string{root}
	queue := []string{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := s.ListChildTasks(id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			ids = append(ids, c.ID)
			queue = append(queue, c.ID)
		}
	}
	return ids, nil
}

// UpdateTaskStatus sets a task's status unconditionally.
func (s *Store) UpdateTaskStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("store: update task status: %w", err)
	}
	return requireRowsAffected(res, ErrTaskNotFound)
}

// TaskOutcome captures the fields the pipeline and specialists report back
// on completion or failure (spec.md §4.9 step 8, §7).
type TaskOutcome struct {
	Status          string
	TokenUsageDelta int
	ComplianceScore *int
	BeforeChecksum  *string
	AfterChecksum   *string
	ErrorMessage    *string
}

// UpdateTaskOutcome applies an outcome produced by a specialist or the
// mutation pipeline.
func (s *Store) UpdateTaskOutcome(id string, outcome TaskOutcome) error {
	task, err := s.GetTaskByID(id)
	if err != nil {
		return err
	}
	compliance := task.ComplianceScore
	if outcome.ComplianceScore != nil {
		compliance = *outcome.ComplianceScore
	}
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, token_usage = token_usage + ?, compliance_score = ?,
			before_checksum = COALESCE(?, before_checksum),
			after_checksum = COALESCE(?, after_checksum),
			error_message = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?`,
		outcome.Status, outcome.TokenUsageDelta, compliance,
		nullableString(outcome.BeforeChecksum), nullableString(outcome.AfterChecksum),
		nullableString(outcome.ErrorMessage), id)
	if err != nil {
		return fmt.Errorf("store: update task outcome: %w", err)
	}
	return requireRowsAffected(res, ErrTaskNotFound)
}

// IncreaseTaskBudget atomically adds increment to a task's token_budget.
func (s *Store) IncreaseTaskBudget(id string, increment int) error {
	if increment <= 0 {
		return fmt.Errorf("store: increase task budget: increment must be > 0")
	}
	res, err := s.db.Exec(`UPDATE tasks SET token_budget = token_budget + ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`, increment, id)
	if err != nil {
		return fmt.Errorf("store: increase task budget: %w", err)
	}
	return requireRowsAffected(res, ErrTaskNotFound)
}

// ControlTask implements pause/resume/stop/restart per spec.md §4.1.
// When includeDescendants is true, the action is applied over the whole
// subtree rooted at id (BFS order); otherwise only id itself is considered.
func (s *Store) ControlTask(id, action string, includeDescendants bool, reason string) (int, error) {
	scope := []string{id}
	if includeDescendants {
		ids, err := s.CollectTaskTreeIDs(id)
		if err != nil {
			return 0, err
		}
		scope = ids
	}

	updated := 0
	for _, taskID := range scope {
		task, err := s.GetTaskByID(taskID)
		if err != nil {
			return updated, err
		}
		ok, err := s.applyControlAction(task, action, reason)
		if err != nil {
			return updated, err
		}
		if ok {
			updated++
		}
	}
	if updated == 0 {
		return 0, ErrNoTasksUpdated
	}
	return updated, nil
}

func (s *Store) applyControlAction(task *Task, action, reason string) (bool, error) {
	switch action {
	case ActionPause:
		if isTerminalOrPaused(task.Status) {
			return false, nil
		}
		sentinel := pausedPrevStatusPrefix + task.Status
		_, err := s.db.Exec(`UPDATE tasks SET status = ?, error_message = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`,
			TaskPaused, sentinel, task.ID)
		return err == nil, err

	case ActionResume:
		if task.Status != TaskPaused {
			return false, nil
		}
		prev := TaskExecuting
		if task.ErrorMessage != nil && strings.HasPrefix(*task.ErrorMessage, pausedPrevStatusPrefix) {
			decoded := strings.TrimPrefix(*task.ErrorMessage, pausedPrevStatusPrefix)
			if isKnownStatus(decoded) {
				prev = decoded
			}
		}
		_, err := s.db.Exec(`UPDATE tasks SET status = ?, error_message = NULL, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`,
			prev, task.ID)
		return err == nil, err

	case ActionStop:
		if isTerminal(task.Status) {
			return false, nil
		}
		_, err := s.db.Exec(`UPDATE tasks SET status = ?, error_message = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`,
			TaskFailed, reason, task.ID)
		return err == nil, err

	case ActionRestart:
		if task.Status != TaskFailed && task.Status != TaskCompleted && task.Status != TaskPaused {
			return false, nil
		}
		_, err := s.db.Exec(`UPDATE tasks SET status = ?, error_message = NULL, retry_count = retry_count + 1, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`,
			TaskPending, task.ID)
		return err == nil, err

	default:
		return false, fmt.Errorf("store: control task: unknown action %q", action)
	}
}

func isTerminal(status string) bool {
	return status == TaskCompleted || status == TaskFailed
}

func isTerminalOrPaused(status string) bool {
	return isTerminal(status) || status == TaskPaused
}

func isKnownStatus(status string) bool {
	switch status {
	case TaskPending, TaskExecuting, TaskCompleted, TaskFailed, TaskPaused:
		return true
	default:
		return false
	}
}

const taskSelect = `SELECT id, parent_id, tier, domain, objective, status, token_budget, token_usage,
	context_efficiency_ratio, risk_factor, compliance_score, before_checksum, after_checksum,
	error_message, retry_count, target_files, created_at, updated_at FROM tasks`

func scanTask(row *sql.Row) (*Task, error) {
	t := &Task{}
	var parentID, before, after, errMsg, targetFiles sql.NullString
	if err := row.Scan(&t.ID, &parentID, &t.Tier, &t.Domain, &t.Objective, &t.Status,
		&t.TokenBudget, &t.TokenUsage, &t.ContextEfficiencyRatio, &t.RiskFactor, &t.ComplianceScore,
		&before, &after, &errMsg, &t.RetryCount, &targetFiles, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("store: scan task: %w", err)
	}
	applyTaskNullables(t, parentID, before, after, errMsg, targetFiles)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t := &Task{}
		var parentID, before, after, errMsg, targetFiles sql.NullString
		if err := rows.Scan(&t.ID, &parentID, &t.Tier, &t.Domain, &t.Objective, &t.Status,
			&t.TokenBudget, &t.TokenUsage, &t.ContextEfficiencyRatio, &t.RiskFactor, &t.ComplianceScore,
			&before, &after, &errMsg, &t.RetryCount, &targetFiles, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		applyTaskNullables(t, parentID, before, after, errMsg, targetFiles)
		out = append(out, t)
	}
	return out, rows.Err()
}

func applyTaskNullables(t *Task, parentID, before, after, errMsg, targetFiles sql.NullString) {
	if parentID.Valid {
		v := parentID.String
		t.ParentID = &v
	}
	if before.Valid {
		v := before.String
		t.BeforeChecksum = &v
	}
	if after.Valid {
		v := after.String
		t.AfterChecksum = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		t.ErrorMessage = &v
	}
	if targetFiles.Valid {
		var files []string
		if err := json.Unmarshal([]byte(targetFiles.String), &files); err == nil {
			t.TargetFiles = files
		}
	}
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func requireRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
