package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aprovia/workflow/internal/domain/models"
)

const delegationColumns = "id, org_id, user_id, delegate_id, definition_id, start_date, end_date, active, reason, created_date"

// DelegationRepository persists time-bounded delegations of approval
// authority.
type DelegationRepository struct {
	db *sql.DB
}

func NewDelegationRepository(db *sql.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

func (r *DelegationRepository) Insert(ctx context.Context, d *models.Delegation) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, TableDelegation, delegationColumns)

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		d.ID, d.OrgID, d.UserID, d.DelegateID, d.DefinitionID,
		d.StartDate, d.EndDate, d.Active, d.Reason, d.CreatedDate)
	if err != nil {
		return fmt.Errorf("failed to insert delegation: %w", err)
	}
	return nil
}

func (r *DelegationRepository) Update(ctx context.Context, d *models.Delegation) error {
	query := fmt.Sprintf(`
		UPDATE %s SET start_date = ?, end_date = ?, active = ?, reason = ?
		WHERE id = ? AND org_id = ?`, TableDelegation)

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		d.StartDate, d.EndDate, d.Active, d.Reason, d.ID, d.OrgID)
	if err != nil {
		return fmt.Errorf("failed to update delegation: %w", err)
	}
	return nil
}

func (r *DelegationRepository) Delete(ctx context.Context, orgID, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ? AND org_id = ?", TableDelegation)
	_, err := conn(ctx, r.db).ExecContext(ctx, query, id, orgID)
	return err
}

func (r *DelegationRepository) GetByID(ctx context.Context, orgID, id string) (*models.Delegation, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND org_id = ? LIMIT 1", delegationColumns, TableDelegation)

	d, err := scanDelegation(conn(ctx, r.db).QueryRowContext(ctx, query, id, orgID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func (r *DelegationRepository) ListByDelegator(ctx context.Context, orgID, userID string) ([]*models.Delegation, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE org_id = ? AND user_id = ? ORDER BY start_date DESC", delegationColumns, TableDelegation)
	return r.queryDelegations(ctx, query, orgID, userID)
}

func (r *DelegationRepository) ListByDelegate(ctx context.Context, orgID, userID string) ([]*models.Delegation, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE org_id = ? AND delegate_id = ? ORDER BY start_date DESC", delegationColumns, TableDelegation)
	return r.queryDelegations(ctx, query, orgID, userID)
}

// HasOverlap reports whether an active delegation for the same (delegator,
// scope) already covers part of the [start, end] window. A NULL scope and a
// concrete scope count as distinct scopes.
func (r *DelegationRepository) HasOverlap(ctx context.Context, orgID, userID string, definitionID *string, start, end time.Time, excludeID string) (bool, error) {
	scopeClause := "definition_id IS NULL"
	args := []interface{}{orgID, userID}
	if definitionID != nil {
		scopeClause = "definition_id = ?"
		args = append(args, *definitionID)
	}
	args = append(args, excludeID, end, start)

	var exists bool
	query := fmt.Sprintf(`
		SELECT EXISTS(SELECT 1 FROM %s
		WHERE org_id = ? AND user_id = ? AND %s AND active = true AND id != ?
		AND start_date <= ? AND end_date >= ?)`, TableDelegation, scopeClause)

	err := conn(ctx, r.db).QueryRowContext(ctx, query, args...).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// ActiveForDelegate returns active delegations naming the user as delegate
// whose window covers the given time, unscoped or scoped to the given
// definition.
func (r *DelegationRepository) ActiveForDelegate(ctx context.Context, orgID, delegateID, definitionID string, at time.Time) ([]*models.Delegation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE org_id = ? AND delegate_id = ? AND active = true
		AND start_date <= ? AND end_date >= ?
		AND (definition_id IS NULL OR definition_id = ?)`,
		delegationColumns, TableDelegation)

	return r.queryDelegations(ctx, query, orgID, delegateID, at, at, definitionID)
}

// Internal helpers

func (r *DelegationRepository) queryDelegations(ctx context.Context, query string, args ...interface{}) ([]*models.Delegation, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	delegations := make([]*models.Delegation, 0)
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		delegations = append(delegations, d)
	}
	return delegations, rows.Err()
}

func scanDelegation(row rowScanner) (*models.Delegation, error) {
	var d models.Delegation
	var definitionID sql.NullString

	err := row.Scan(&d.ID, &d.OrgID, &d.UserID, &d.DelegateID, &definitionID,
		&d.StartDate, &d.EndDate, &d.Active, &d.Reason, &d.CreatedDate)
	if err != nil {
		return nil, err
	}
	if definitionID.Valid {
		d.DefinitionID = &definitionID.String
	}
	return &d, nil
}
