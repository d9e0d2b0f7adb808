package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mutation statuses (spec.md §3). Transitions form the DAG:
// proposed -> {validated, validated_no_tests, rejected}
// validated/validated_no_tests -> {applied, rejected}
// applied and rejected are terminal.
const (
	MutationProposed          = "proposed"
	MutationValidated         = "validated"
	MutationValidatedNoTests  = "validated_no_tests"
	MutationApplied           = "applied"
	MutationRejected          = "rejected"
)

// ErrMutationNotFound is returned when a mutation id has no matching row.
var ErrMutationNotFound = errors.New("mutation not found")

// ErrInvalidMutationTransition is returned when a status transition isn't
// permitted by the mutation status DAG.
var ErrInvalidMutationTransition = errors.New("invalid mutation status transition")

// Mutation mirrors the Mutation entity of spec.md §3.
type Mutation struct {
	ID                 string
	TaskID             string
	AgentUID           string
	FilePath           string
	DiffContent        string
	IntentDescription  string
	IntentHash         string
	Confidence         float64
	TestResult         *string
	ExitCode           *int
	RejectionReason    *string
	RejectionStep      *string
	Status             string
	ProposedAt         time.Time
	AppliedAt          *time.Time
}

// CreateMutationInput is the payload for a newly proposed mutation.
type CreateMutationInput struct {
	TaskID            string
	AgentUID          string
	FilePath          string
	DiffContent       string
	IntentDescription string
	IntentHash        string
	Confidence        float64
}

// CreateMutation inserts a new proposed mutation (§4.2: insert-only for new
// proposals).
func (s *Store) CreateMutation(in CreateMutationInput) (*Mutation, error) {
	if in.FilePath == "" || in.DiffContent == "" {
		return nil, fmt.Errorf("store: create mutation: path and diff must be non-empty")
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return nil, fmt.Errorf("store: create mutation: confidence must be in [0,1], got %f", in.Confidence)
	}
	id := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO mutations (id, task_id, agent_uid, file_path, diff_content, intent_description, intent_hash, confidence, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.TaskID, in.AgentUID, in.FilePath, in.DiffContent, in.IntentDescription, in.IntentHash, in.Confidence, MutationProposed)
	if err != nil {
		return nil, fmt.Errorf("store: create mutation: %w", err)
	}
	return s.GetMutationByID(id)
}

// GetMutationByID fetches a mutation by its id.
func (s *Store) GetMutationByID(id string) (*Mutation, error) {
	row := s.db.QueryRow(mutationSelect+" WHERE id = ?", id)
	return scanMutation(row)
}

// ListTaskMutations returns mutations for a task, newest-proposed first.
func (s *Store) ListTaskMutations(taskID string) ([]*Mutation, error) {
	rows, err := s.db.Query(mutationSelect+" WHERE task_id = ? ORDER BY proposed_at DESC, rowid DESC", taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list task mutations: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// ListMutationsByStatus returns mutations for a task matching any of the
// given statuses, used by the pipeline to find eligible work (spec.md §4.8).
func (s *Store) ListMutationsByStatus(taskID string, statuses ...string) ([]*Mutation, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	args = append(args, taskID)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, st)
	}
	query := mutationSelect + " WHERE task_id = ? AND status IN (" + join(placeholders, ",") + ") ORDER BY proposed_at DESC"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list mutations by status: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

var validTransitions = map[string]map[string]bool{
	MutationProposed:         {MutationValidated: true, MutationValidatedNoTests: true, MutationRejected: true},
	MutationValidated:        {MutationApplied: true, MutationRejected: true},
	MutationValidatedNoTests: {MutationApplied: true, MutationRejected: true},
}

// UpdateMutationStatusInput carries the fields that accompany a status
// transition (spec.md §4.2: a single update path that also sets applied_at
// iff transitioning to applied).
type UpdateMutationStatusInput struct {
	Status          string
	TestResult      *string
	ExitCode        *int
	RejectionReason *string
	RejectionStep   *string
}

// UpdateMutationStatus performs a validated status transition.
func (s *Store) UpdateMutationStatus(id string, in UpdateMutationStatusInput) error {
	m, err := s.GetMutationByID(id)
	if err != nil {
		return err
	}
	allowed, ok := validTransitions[m.Status]
	if !ok || !allowed[in.Status] {
		return fmt.Errorf("store: update mutation status %s -> %s: %w", m.Status, in.Status, ErrInvalidMutationTransition)
	}

	var appliedAtClause string
	if in.Status == MutationApplied {
		appliedAtClause = `, applied_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`
	}
	_, err = s.db.Exec(`UPDATE mutations SET status = ?, test_result = ?, exit_code = ?, rejection_reason = ?, rejection_step = ?`+appliedAtClause+` WHERE id = ?`,
		in.Status, nullableString(in.TestResult), nullableInt(in.ExitCode), nullableString(in.RejectionReason), nullableString(in.RejectionStep), id)
	if err != nil {
		return fmt.Errorf("store: update mutation status: %w", err)
	}
	return nil
}

const mutationSelect = `SELECT id, task_id, agent_uid, file_path, diff_content, intent_description, intent_hash,
	confidence, test_result, exit_code, rejection_reason, rejection_step, status, proposed_at, applied_at FROM mutations`

func scanMutation(row *sql.Row) (*Mutation, error) {
	m := &Mutation{}
	var testResult, rejReason, rejStep sql.NullString
	var exitCode sql.NullInt64
	var appliedAt sql.NullTime
	if err := row.Scan(&m.ID, &m.TaskID, &m.AgentUID, &m.FilePath, &m.DiffContent, &m.IntentDescription,
		&m.IntentHash, &m.Confidence, &testResult, &exitCode, &rejReason, &rejStep, &m.Status, &m.ProposedAt, &appliedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMutationNotFound
		}
		return nil, fmt.Errorf("store: scan mutation: %w", err)
	}
	applyMutationNullables(m, testResult, exitCode, rejReason, rejStep, appliedAt)
	return m, nil
}

func scanMutations(rows *sql.Rows) ([]*Mutation, error) {
	var out []*Mutation
	for rows.Next() {
		m := &Mutation{}
		var testResult, rejReason, rejStep sql.NullString
		var exitCode sql.NullInt64
		var appliedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.TaskID, &m.AgentUID, &m.FilePath, &m.DiffContent, &m.IntentDescription,
			&m.IntentHash, &m.Confidence, &testResult, &exitCode, &rejReason, &rejStep, &m.Status, &m.ProposedAt, &appliedAt); err != nil {
			return nil, fmt.Errorf("store: scan mutation: %w", err)
		}
		applyMutationNullables(m, testResult, exitCode, rejReason, rejStep, appliedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func applyMutationNullables(m *Mutation, testResult sql.NullString, exitCode sql.NullInt64, rejReason, rejStep sql.NullString, appliedAt sql.NullTime) {
	if testResult.Valid {
		v := testResult.String
		m.TestResult = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		m.ExitCode = &v
	}
	if rejReason.Valid {
		v := rejReason.String
		m.RejectionReason = &v
	}
	if rejStep.Valid {
		v := rejStep.String
		m.RejectionStep = &v
	}
	if appliedAt.Valid {
		v := appliedAt.Time
		m.AppliedAt = &v
	}
}

func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
