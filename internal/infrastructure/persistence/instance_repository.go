package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aprovia/workflow/internal/domain/models"
	"github.com/aprovia/workflow/internal/domain/ports"
)

const instanceColumns = "id, org_id, definition_id, entity_type, entity_id, state, current_step_id, context_data, priority, initiated_by_id, started_date, due_date, completed_date, result_data"

// InstanceRepository persists workflow instances and their append-only
// history. History rows are only ever inserted; no update or delete path
// exists on purpose.
type InstanceRepository struct {
	db *sql.DB
}

func NewInstanceRepository(db *sql.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

func (r *InstanceRepository) Insert(ctx context.Context, inst *models.WorkflowInstance) error {
	contextData, err := marshalJSONMap(inst.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context snapshot: %w", err)
	}
	resultData, err := marshalJSONMap(inst.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, TableInstance, instanceColumns)

	_, err = conn(ctx, r.db).ExecContext(ctx, query,
		inst.ID, inst.OrgID, inst.DefinitionID, inst.EntityType, inst.EntityID,
		inst.State, inst.CurrentStepID, contextData, inst.Priority,
		inst.InitiatedByID, inst.StartedDate, inst.DueDate, inst.CompletedDate, resultData)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, orgID, id string) (*models.WorkflowInstance, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND org_id = ? LIMIT 1", instanceColumns, TableInstance)
	return r.getOne(ctx, query, id, orgID)
}

// GetForUpdate locks the instance row for the remainder of the enclosing
// transaction. Two racing decisions serialize here: the second reader
// blocks until the first commits, then sees the already-terminal state.
func (r *InstanceRepository) GetForUpdate(ctx context.Context, orgID, id string) (*models.WorkflowInstance, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND org_id = ? LIMIT 1 FOR UPDATE", instanceColumns, TableInstance)
	return r.getOne(ctx, query, id, orgID)
}

func (r *InstanceRepository) HasInProgress(ctx context.Context, orgID, definitionID, entityType, entityID string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(
		"SELECT EXISTS(SELECT 1 FROM %s WHERE org_id = ? AND definition_id = ? AND entity_type = ? AND entity_id = ? AND state = ?)",
		TableInstance)
	err := conn(ctx, r.db).QueryRowContext(ctx, query, orgID, definitionID, entityType, entityID, models.InstanceStateInProgress).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *InstanceRepository) CountInProgressByDefinition(ctx context.Context, orgID, definitionID string) (int, error) {
	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE org_id = ? AND definition_id = ? AND state = ?", TableInstance)
	err := conn(ctx, r.db).QueryRowContext(ctx, query, orgID, definitionID, models.InstanceStateInProgress).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *InstanceRepository) UpdateCurrentStep(ctx context.Context, id, stepID string) error {
	query := fmt.Sprintf("UPDATE %s SET current_step_id = ? WHERE id = ?", TableInstance)
	_, err := conn(ctx, r.db).ExecContext(ctx, query, stepID, id)
	if err != nil {
		return fmt.Errorf("failed to move instance: %w", err)
	}
	return nil
}

// Finalize sets the terminal state, completion timestamp, and structured
// result. Instances are immutable afterwards.
func (r *InstanceRepository) Finalize(ctx context.Context, id, state string, result map[string]interface{}, completed time.Time) error {
	resultData, err := marshalJSONMap(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := fmt.Sprintf("UPDATE %s SET state = ?, completed_date = ?, result_data = ? WHERE id = ?", TableInstance)
	_, err = conn(ctx, r.db).ExecContext(ctx, query, state, completed, resultData, id)
	if err != nil {
		return fmt.Errorf("failed to finalize instance: %w", err)
	}
	return nil
}

func (r *InstanceRepository) InsertHistory(ctx context.Context, entry *models.HistoryEntry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, instance_id, step_id, actor_id, action, comment, created_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, TableHistory)

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		entry.ID, entry.InstanceID, entry.StepID, entry.ActorID, entry.Action, entry.Comment, entry.CreatedDate)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// ListHistory returns an instance's history in insertion order. Ordering
// rides on the auto-increment seq column because auto-advance can write
// several entries within the same created_date microsecond.
func (r *InstanceRepository) ListHistory(ctx context.Context, instanceID string) ([]*models.HistoryEntry, error) {
	query := fmt.Sprintf(`
		SELECT id, instance_id, step_id, actor_id, action, comment, created_date
		FROM %s WHERE instance_id = ? ORDER BY seq ASC`, TableHistory)

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]*models.HistoryEntry, 0)
	for rows.Next() {
		var e models.HistoryEntry
		var stepID, actorID sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &stepID, &actorID, &e.Action, &e.Comment, &e.CreatedDate); err != nil {
			return nil, err
		}
		if stepID.Valid {
			e.StepID = &stepID.String
		}
		if actorID.Valid {
			e.ActorID = &actorID.String
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PendingCandidates returns in_progress instances waiting at an approval
// step, highest priority first, oldest first within a priority band so no
// request starves behind newer ones.
func (r *InstanceRepository) PendingCandidates(ctx context.Context, orgID, entityType string) ([]*models.WorkflowInstance, error) {
	where := []string{"i.org_id = ?", "i.state = ?", "s.step_type = ?"}
	args := []interface{}{orgID, models.InstanceStateInProgress, models.StepTypeApproval}

	if entityType != "" {
		where = append(where, "i.entity_type = ?")
		args = append(args, entityType)
	}

	query := fmt.Sprintf(`
		SELECT i.id, i.org_id, i.definition_id, i.entity_type, i.entity_id, i.state, i.current_step_id, i.context_data, i.priority, i.initiated_by_id, i.started_date, i.due_date, i.completed_date, i.result_data
		FROM %s i JOIN %s s ON s.id = i.current_step_id
		WHERE %s
		ORDER BY i.priority DESC, i.started_date ASC`,
		TableInstance, TableStep, strings.Join(where, " AND "))

	return r.queryInstances(ctx, query, args...)
}

func (r *InstanceRepository) ListTerminal(ctx context.Context, orgID string, filter ports.TerminalFilter) ([]*models.WorkflowInstance, error) {
	where := []string{"org_id = ?", "state != ?"}
	args := []interface{}{orgID, models.InstanceStateInProgress}

	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.From != nil {
		where = append(where, "started_date >= ?")
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		where = append(where, "started_date <= ?")
		args = append(args, *filter.To)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE %s
		ORDER BY completed_date DESC LIMIT %d OFFSET %d`,
		instanceColumns, TableInstance, strings.Join(where, " AND "), limit, filter.Offset)

	return r.queryInstances(ctx, query, args...)
}

func (r *InstanceRepository) ListOverdue(ctx context.Context, now time.Time) ([]*models.WorkflowInstance, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE state = ? AND due_date IS NOT NULL AND due_date < ?
		ORDER BY due_date ASC`, instanceColumns, TableInstance)

	return r.queryInstances(ctx, query, models.InstanceStateInProgress, now)
}

// Internal helpers

func (r *InstanceRepository) getOne(ctx context.Context, query string, args ...interface{}) (*models.WorkflowInstance, error) {
	inst, err := scanInstance(conn(ctx, r.db).QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return inst, nil
}

func (r *InstanceRepository) queryInstances(ctx context.Context, query string, args ...interface{}) ([]*models.WorkflowInstance, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := make([]*models.WorkflowInstance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row rowScanner) (*models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	var currentStep sql.NullString
	var contextData, resultData sql.NullString
	var dueDate, completedDate sql.NullTime

	err := row.Scan(
		&inst.ID, &inst.OrgID, &inst.DefinitionID, &inst.EntityType, &inst.EntityID,
		&inst.State, &currentStep, &contextData, &inst.Priority, &inst.InitiatedByID,
		&inst.StartedDate, &dueDate, &completedDate, &resultData,
	)
	if err != nil {
		return nil, err
	}

	if currentStep.Valid {
		inst.CurrentStepID = &currentStep.String
	}
	if dueDate.Valid {
		inst.DueDate = &dueDate.Time
	}
	if completedDate.Valid {
		inst.CompletedDate = &completedDate.Time
	}
	if contextData.Valid && contextData.String != "" {
		if err := json.Unmarshal([]byte(contextData.String), &inst.Context); err != nil {
			return nil, fmt.Errorf("failed to parse context snapshot: %w", err)
		}
	}
	if resultData.Valid && resultData.String != "" {
		if err := json.Unmarshal([]byte(resultData.String), &inst.Result); err != nil {
			return nil, fmt.Errorf("failed to parse result: %w", err)
		}
	}

	return &inst, nil
}

func marshalJSONMap(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
