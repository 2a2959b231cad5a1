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

// DefinitionRepository persists workflow definitions with their steps and
// transitions. All reads and writes are tenant-scoped by org_id.
type DefinitionRepository struct {
	db *sql.DB
}

func NewDefinitionRepository(db *sql.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

func (r *DefinitionRepository) CodeExists(ctx context.Context, orgID, code, excludeID string) (bool, error) {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE org_id = ? AND code = ? AND id != ?)", TableDefinition)
	err := conn(ctx, r.db).QueryRowContext(ctx, query, orgID, code, excludeID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// Insert writes the definition row together with its full graph. Callers
// run it inside a transaction so a partial graph is never visible.
func (r *DefinitionRepository) Insert(ctx context.Context, def *models.WorkflowDefinition) error {
	q := conn(ctx, r.db)

	query := fmt.Sprintf(`
		INSERT INTO %s (id, org_id, code, name, description, entity_type, activation_condition, priority, published, created_by_id, created_date, last_modified_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, TableDefinition)

	_, err := q.ExecContext(ctx, query,
		def.ID, def.OrgID, def.Code, def.Name, def.Description, def.EntityType,
		def.ActivationCondition, def.Priority, def.Published, def.CreatedByID,
		def.CreatedDate, def.LastModifiedDate)
	if err != nil {
		return fmt.Errorf("failed to insert definition: %w", err)
	}

	if err := r.insertSteps(ctx, def.ID, def.Steps); err != nil {
		return err
	}
	return r.insertTransitions(ctx, def.ID, def.Transitions)
}

func (r *DefinitionRepository) UpdateFields(ctx context.Context, def *models.WorkflowDefinition) error {
	query := fmt.Sprintf(`
		UPDATE %s SET name = ?, description = ?, entity_type = ?, activation_condition = ?, priority = ?, last_modified_date = ?
		WHERE id = ? AND org_id = ?`, TableDefinition)

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		def.Name, def.Description, def.EntityType, def.ActivationCondition,
		def.Priority, time.Now().UTC(), def.ID, def.OrgID)
	if err != nil {
		return fmt.Errorf("failed to update definition: %w", err)
	}
	return nil
}

// ReplaceGraph deletes and recreates the definition's steps and
// transitions. Callers run it inside a transaction.
func (r *DefinitionRepository) ReplaceGraph(ctx context.Context, definitionID string, steps []models.Step, transitions []models.Transition) error {
	q := conn(ctx, r.db)

	if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE definition_id = ?", TableTransition), definitionID); err != nil {
		return fmt.Errorf("failed to delete transitions: %w", err)
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE definition_id = ?", TableStep), definitionID); err != nil {
		return fmt.Errorf("failed to delete steps: %w", err)
	}

	if err := r.insertSteps(ctx, definitionID, steps); err != nil {
		return err
	}
	return r.insertTransitions(ctx, definitionID, transitions)
}

func (r *DefinitionRepository) Delete(ctx context.Context, orgID, id string) error {
	q := conn(ctx, r.db)

	if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE definition_id = ?", TableTransition), id); err != nil {
		return fmt.Errorf("failed to delete transitions: %w", err)
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE definition_id = ?", TableStep), id); err != nil {
		return fmt.Errorf("failed to delete steps: %w", err)
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ? AND org_id = ?", TableDefinition), id, orgID); err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}
	return nil
}

func (r *DefinitionRepository) GetByID(ctx context.Context, orgID, id string) (*models.WorkflowDefinition, error) {
	return r.getByID(ctx, orgID, id, false)
}

// GetByIDForUpdate reads the definition under a row lock held until the
// enclosing transaction ends. Engine starts lock here so the
// single-active-instance check cannot race.
func (r *DefinitionRepository) GetByIDForUpdate(ctx context.Context, orgID, id string) (*models.WorkflowDefinition, error) {
	return r.getByID(ctx, orgID, id, true)
}

func (r *DefinitionRepository) getByID(ctx context.Context, orgID, id string, forUpdate bool) (*models.WorkflowDefinition, error) {
	q := conn(ctx, r.db)

	query := fmt.Sprintf(`
		SELECT id, org_id, code, name, description, entity_type, activation_condition, priority, published, created_by_id, created_date, last_modified_date
		FROM %s WHERE id = ? AND org_id = ? LIMIT 1`, TableDefinition)
	if forUpdate {
		query += " FOR UPDATE"
	}

	def, err := scanDefinition(q.QueryRowContext(ctx, query, id, orgID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	steps, err := r.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	def.Steps = steps

	transitions, err := r.loadTransitions(ctx, id)
	if err != nil {
		return nil, err
	}
	def.Transitions = transitions

	return def, nil
}

func (r *DefinitionRepository) List(ctx context.Context, orgID string, filter ports.DefinitionFilter) ([]*models.WorkflowDefinition, error) {
	where := []string{"org_id = ?"}
	args := []interface{}{orgID}

	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.Published != nil {
		where = append(where, "published = ?")
		args = append(args, *filter.Published)
	}
	if filter.Search != "" {
		where = append(where, "(name LIKE ? OR code LIKE ?)")
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}

	query := fmt.Sprintf(`
		SELECT id, org_id, code, name, description, entity_type, activation_condition, priority, published, created_by_id, created_date, last_modified_date
		FROM %s WHERE %s ORDER BY priority DESC, created_date ASC`,
		TableDefinition, strings.Join(where, " AND "))

	return r.queryDefinitions(ctx, query, args...)
}

func (r *DefinitionRepository) ListPublishedByEntityType(ctx context.Context, orgID, entityType string) ([]*models.WorkflowDefinition, error) {
	query := fmt.Sprintf(`
		SELECT id, org_id, code, name, description, entity_type, activation_condition, priority, published, created_by_id, created_date, last_modified_date
		FROM %s WHERE org_id = ? AND entity_type = ? AND published = true ORDER BY priority DESC, created_date ASC`,
		TableDefinition)

	return r.queryDefinitions(ctx, query, orgID, entityType)
}

func (r *DefinitionRepository) SetPublished(ctx context.Context, orgID, id string, published bool) error {
	query := fmt.Sprintf("UPDATE %s SET published = ?, last_modified_date = ? WHERE id = ? AND org_id = ?", TableDefinition)
	_, err := conn(ctx, r.db).ExecContext(ctx, query, published, time.Now().UTC(), id, orgID)
	return err
}

func (r *DefinitionRepository) Summaries(ctx context.Context, orgID string) ([]*models.DefinitionSummary, error) {
	query := fmt.Sprintf(`
		SELECT d.id, d.org_id, d.code, d.name, d.description, d.entity_type, d.activation_condition, d.priority, d.published, d.created_by_id, d.created_date, d.last_modified_date,
			(SELECT COUNT(*) FROM %s s WHERE s.definition_id = d.id),
			(SELECT COUNT(*) FROM %s t WHERE t.definition_id = d.id),
			(SELECT COUNT(*) FROM %s i WHERE i.definition_id = d.id AND i.state = ?)
		FROM %s d WHERE d.org_id = ? ORDER BY d.priority DESC, d.created_date ASC`,
		TableStep, TableTransition, TableInstance, TableDefinition)

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, models.InstanceStateInProgress, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]*models.DefinitionSummary, 0)
	for rows.Next() {
		var s models.DefinitionSummary
		var description, createdBy sql.NullString
		if err := rows.Scan(
			&s.Definition.ID, &s.Definition.OrgID, &s.Definition.Code, &s.Definition.Name,
			&description, &s.Definition.EntityType, &s.Definition.ActivationCondition,
			&s.Definition.Priority, &s.Definition.Published, &createdBy,
			&s.Definition.CreatedDate, &s.Definition.LastModifiedDate,
			&s.StepCount, &s.TransitionCount, &s.ActiveInstances,
		); err != nil {
			return nil, err
		}
		if description.Valid {
			s.Definition.Description = &description.String
		}
		if createdBy.Valid {
			s.Definition.CreatedByID = &createdBy.String
		}
		summaries = append(summaries, &s)
	}
	return summaries, rows.Err()
}

// Internal helpers

func (r *DefinitionRepository) insertSteps(ctx context.Context, definitionID string, steps []models.Step) error {
	q := conn(ctx, r.db)
	query := fmt.Sprintf(`
		INSERT INTO %s (id, definition_id, code, name, step_type, approvers, condition_expr, outcome, layout_x, layout_y)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, TableStep)

	for _, step := range steps {
		approvers, err := marshalApprovers(step.Approvers)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, query,
			step.ID, definitionID, step.Code, step.Name, step.StepType,
			approvers, step.Condition, step.Outcome, step.LayoutX, step.LayoutY); err != nil {
			return fmt.Errorf("failed to insert step '%s': %w", step.Code, err)
		}
	}
	return nil
}

func (r *DefinitionRepository) insertTransitions(ctx context.Context, definitionID string, transitions []models.Transition) error {
	q := conn(ctx, r.db)
	query := fmt.Sprintf(`
		INSERT INTO %s (id, definition_id, origin_step_id, destination_step_id, label, condition_expr)
		VALUES (?, ?, ?, ?, ?, ?)`, TableTransition)

	for _, t := range transitions {
		if _, err := q.ExecContext(ctx, query,
			t.ID, definitionID, t.OriginStepID, t.DestinationStepID, t.Label, t.Condition); err != nil {
			return fmt.Errorf("failed to insert transition: %w", err)
		}
	}
	return nil
}

func (r *DefinitionRepository) loadSteps(ctx context.Context, definitionID string) ([]models.Step, error) {
	query := fmt.Sprintf(`
		SELECT id, definition_id, code, name, step_type, approvers, condition_expr, outcome, layout_x, layout_y
		FROM %s WHERE definition_id = ? ORDER BY code ASC`, TableStep)

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, definitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := make([]models.Step, 0)
	for rows.Next() {
		var s models.Step
		var approvers sql.NullString
		if err := rows.Scan(&s.ID, &s.DefinitionID, &s.Code, &s.Name, &s.StepType,
			&approvers, &s.Condition, &s.Outcome, &s.LayoutX, &s.LayoutY); err != nil {
			return nil, err
		}
		if approvers.Valid && approvers.String != "" {
			if err := json.Unmarshal([]byte(approvers.String), &s.Approvers); err != nil {
				return nil, fmt.Errorf("failed to parse approvers for step '%s': %w", s.Code, err)
			}
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (r *DefinitionRepository) loadTransitions(ctx context.Context, definitionID string) ([]models.Transition, error) {
	query := fmt.Sprintf(`
		SELECT id, definition_id, origin_step_id, destination_step_id, label, condition_expr
		FROM %s WHERE definition_id = ?`, TableTransition)

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, definitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transitions := make([]models.Transition, 0)
	for rows.Next() {
		var t models.Transition
		if err := rows.Scan(&t.ID, &t.DefinitionID, &t.OriginStepID, &t.DestinationStepID, &t.Label, &t.Condition); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

func (r *DefinitionRepository) queryDefinitions(ctx context.Context, query string, args ...interface{}) ([]*models.WorkflowDefinition, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := make([]*models.WorkflowDefinition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDefinition(row rowScanner) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	var description, createdBy sql.NullString

	err := row.Scan(
		&def.ID, &def.OrgID, &def.Code, &def.Name, &description, &def.EntityType,
		&def.ActivationCondition, &def.Priority, &def.Published, &createdBy,
		&def.CreatedDate, &def.LastModifiedDate,
	)
	if err != nil {
		return nil, err
	}
	if description.Valid {
		def.Description = &description.String
	}
	if createdBy.Valid {
		def.CreatedByID = &createdBy.String
	}
	return &def, nil
}

func marshalApprovers(specs []models.ApproverSpec) (string, error) {
	if len(specs) == 0 {
		return "", nil
	}
	data, err := json.Marshal(specs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal approvers: %w", err)
	}
	return string(data), nil
}
