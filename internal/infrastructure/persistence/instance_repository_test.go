package persistence

import (
	"context"
	"database/sql/driver"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/aprovia/workflow/internal/domain/models"
)

var instanceColumnList = []string{
	"id", "org_id", "definition_id", "entity_type", "entity_id", "state",
	"current_step_id", "context_data", "priority", "initiated_by_id",
	"started_date", "due_date", "completed_date", "result_data",
}

func instanceRow(id, state string, currentStep driver.Value) []driver.Value {
	started := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	return []driver.Value{
		id, "org-1", "def-1", "purchase_order", "po-1", state,
		currentStep, `{"total":1500}`, 10, "initiator",
		started, nil, nil, nil,
	}
}

func TestGetForUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewInstanceRepository(db)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND org_id = ? LIMIT 1 FOR UPDATE", instanceColumns, TableInstance)
	rows := sqlmock.NewRows(instanceColumnList).AddRow(instanceRow("inst-1", models.InstanceStateInProgress, "step-1")...)

	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("inst-1", "org-1").WillReturnRows(rows)

	inst, err := repo.GetForUpdate(context.Background(), "org-1", "inst-1")
	assert.NoError(t, err)
	assert.NotNil(t, inst)
	assert.Equal(t, models.InstanceStateInProgress, inst.State)
	assert.NotNil(t, inst.CurrentStepID)
	assert.Equal(t, "step-1", *inst.CurrentStepID)
	// The context snapshot round-trips from its JSON column.
	assert.Equal(t, float64(1500), inst.Context["total"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewInstanceRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = ? AND org_id = ? LIMIT 1")).
		WithArgs("missing", "org-1").
		WillReturnRows(sqlmock.NewRows(instanceColumnList))

	inst, err := repo.GetByID(context.Background(), "org-1", "missing")
	assert.NoError(t, err, "no rows is not an error; the service layer maps nil to not-found")
	assert.Nil(t, inst)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasInProgress(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewInstanceRepository(db)

	query := fmt.Sprintf(
		"SELECT EXISTS(SELECT 1 FROM %s WHERE org_id = ? AND definition_id = ? AND entity_type = ? AND entity_id = ? AND state = ?)",
		TableInstance)

	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs("org-1", "def-1", "purchase_order", "po-1", models.InstanceStateInProgress).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.HasInProgress(context.Background(), "org-1", "def-1", "purchase_order", "po-1")
	assert.NoError(t, err)
	assert.True(t, exists)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewInstanceRepository(db)

	completed := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	query := fmt.Sprintf("UPDATE %s SET state = ?, completed_date = ?, result_data = ? WHERE id = ?", TableInstance)

	mock.ExpectExec(regexp.QuoteMeta(query)).
		WithArgs(models.InstanceStateApproved, completed, `{"outcome":"approved"}`, "inst-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Finalize(context.Background(), "inst-1", models.InstanceStateApproved,
		map[string]interface{}{"outcome": "approved"}, completed)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewInstanceRepository(db)

	created := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	stepID := "step-1"
	entry := &models.HistoryEntry{
		ID: "h-1", InstanceID: "inst-1", StepID: &stepID, ActorID: nil,
		Action: models.HistoryActionAdvanced, Comment: "", CreatedDate: created,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO "+TableHistory)).
		WithArgs("h-1", "inst-1", stepID, nil, models.HistoryActionAdvanced, "", created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.InsertHistory(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListHistory_OrdersByInsertionSequence(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewInstanceRepository(db)

	// Auto-advance writes started and advanced entries in the same
	// microsecond; the seq ordering keeps replay deterministic where a
	// created_date sort would tie-break on random ids.
	created := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM "+TableHistory+" WHERE instance_id = ? ORDER BY seq ASC")).
		WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "instance_id", "step_id", "actor_id", "action", "comment", "created_date"}).
			AddRow("h-2", "inst-1", "step-start", "initiator", models.HistoryActionStarted, "", created).
			AddRow("h-1", "inst-1", "step-approve", nil, models.HistoryActionAdvanced, "", created))

	entries, err := repo.ListHistory(context.Background(), "inst-1")
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, models.HistoryActionStarted, entries[0].Action)
	assert.Equal(t, models.HistoryActionAdvanced, entries[1].Action)
	assert.Nil(t, entries[1].ActorID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingCandidates_JoinsCurrentStep(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewInstanceRepository(db)

	rows := sqlmock.NewRows(instanceColumnList).
		AddRow(instanceRow("inst-1", models.InstanceStateInProgress, "step-1")...)

	mock.ExpectQuery(regexp.QuoteMeta(fmt.Sprintf("FROM %s i JOIN %s s ON s.id = i.current_step_id", TableInstance, TableStep))).
		WithArgs("org-1", models.InstanceStateInProgress, models.StepTypeApproval, "purchase_order").
		WillReturnRows(rows)

	instances, err := repo.PendingCandidates(context.Background(), "org-1", "purchase_order")
	assert.NoError(t, err)
	assert.Len(t, instances, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListOverdue(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewInstanceRepository(db)

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(instanceColumnList).
		AddRow(instanceRow("inst-1", models.InstanceStateInProgress, "step-1")...)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE state = ? AND due_date IS NOT NULL AND due_date < ?")).
		WithArgs(models.InstanceStateInProgress, now).
		WillReturnRows(rows)

	overdue, err := repo.ListOverdue(context.Background(), now)
	assert.NoError(t, err)
	assert.Len(t, overdue, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}
