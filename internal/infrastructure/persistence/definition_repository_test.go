package persistence

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/aprovia/workflow/internal/domain/models"
)

var definitionColumnList = []string{
	"id", "org_id", "code", "name", "description", "entity_type",
	"activation_condition", "priority", "published", "created_by_id",
	"created_date", "last_modified_date",
}

func TestCodeExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewDefinitionRepository(db)

	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE org_id = ? AND code = ? AND id != ?)", TableDefinition)

	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs("org-1", "po-approval", "").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.CodeExists(context.Background(), "org-1", "po-approval", "")
	assert.NoError(t, err)
	assert.True(t, exists)

	// The same code is fine when it belongs to the excluded row.
	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs("org-1", "po-approval", "def-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	exists, err = repo.CodeExists(context.Background(), "org-1", "po-approval", "def-1")
	assert.NoError(t, err)
	assert.False(t, exists)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDefinitionByID_LoadsGraph(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewDefinitionRepository(db)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM "+TableDefinition+" WHERE id = ? AND org_id = ? LIMIT 1")).
		WithArgs("def-1", "org-1").
		WillReturnRows(sqlmock.NewRows(definitionColumnList).
			AddRow("def-1", "org-1", "po-approval", "PO Approval", nil, "purchase_order", "", 10, true, nil, now, now))

	mock.ExpectQuery(regexp.QuoteMeta("FROM "+TableStep+" WHERE definition_id = ? ORDER BY code ASC")).
		WithArgs("def-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "definition_id", "code", "name", "step_type", "approvers", "condition_expr", "outcome", "layout_x", "layout_y"}).
			AddRow("s1", "def-1", "approve", "Approval", models.StepTypeApproval, `[{"kind":"role","value":"finance_manager"}]`, "", "", 0.0, 0.0).
			AddRow("s2", "def-1", "start", "Start", models.StepTypeStart, nil, "", "", 0.0, 0.0))

	mock.ExpectQuery(regexp.QuoteMeta("FROM "+TableTransition+" WHERE definition_id = ?")).
		WithArgs("def-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "definition_id", "origin_step_id", "destination_step_id", "label", "condition_expr"}).
			AddRow("t1", "def-1", "s2", "s1", "", ""))

	def, err := repo.GetByID(context.Background(), "org-1", "def-1")
	assert.NoError(t, err)
	assert.NotNil(t, def)
	assert.True(t, def.Published)
	assert.Len(t, def.Steps, 2)
	assert.Len(t, def.Transitions, 1)

	// Approver specifiers round-trip from their JSON column.
	approval := def.StepByID("s1")
	assert.Len(t, approval.Approvers, 1)
	assert.Equal(t, models.ApproverKindRole, approval.Approvers[0].Kind)
	assert.Equal(t, "finance_manager", approval.Approvers[0].Value)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDefinitionByIDForUpdate_LocksRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewDefinitionRepository(db)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM "+TableDefinition+" WHERE id = ? AND org_id = ? LIMIT 1 FOR UPDATE")).
		WithArgs("def-1", "org-1").
		WillReturnRows(sqlmock.NewRows(definitionColumnList).
			AddRow("def-1", "org-1", "po-approval", "PO Approval", nil, "purchase_order", "", 10, true, nil, now, now))

	mock.ExpectQuery(regexp.QuoteMeta("FROM " + TableStep)).
		WithArgs("def-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "definition_id", "code", "name", "step_type", "approvers", "condition_expr", "outcome", "layout_x", "layout_y"}))

	mock.ExpectQuery(regexp.QuoteMeta("FROM " + TableTransition)).
		WithArgs("def-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "definition_id", "origin_step_id", "destination_step_id", "label", "condition_expr"}))

	def, err := repo.GetByIDForUpdate(context.Background(), "org-1", "def-1")
	assert.NoError(t, err)
	assert.NotNil(t, def)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDefinitionByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewDefinitionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM "+TableDefinition+" WHERE id = ? AND org_id = ? LIMIT 1")).
		WithArgs("missing", "org-1").
		WillReturnRows(sqlmock.NewRows(definitionColumnList))

	def, err := repo.GetByID(context.Background(), "org-1", "missing")
	assert.NoError(t, err)
	assert.Nil(t, def)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceGraph_DeletesThenInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewDefinitionRepository(db)

	// Transitions go first so no edge ever references a deleted step.
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM "+TableTransition)).WithArgs("def-1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM "+TableStep)).WithArgs("def-1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO "+TableStep)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO "+TableTransition)).WillReturnResult(sqlmock.NewResult(0, 1))

	steps := []models.Step{{ID: "s1", Code: "start", StepType: models.StepTypeStart}}
	transitions := []models.Transition{{ID: "t1", OriginStepID: "s1", DestinationStepID: "s1"}}

	assert.NoError(t, repo.ReplaceGraph(context.Background(), "def-1", steps, transitions))
	assert.NoError(t, mock.ExpectationsWereMet())
}
