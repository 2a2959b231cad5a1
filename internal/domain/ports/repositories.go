package ports

import (
	"context"
	"time"

	"github.com/aprovia/workflow/internal/domain/models"
)

// DefinitionFilter narrows definition listings.
type DefinitionFilter struct {
	EntityType string
	Published  *bool
	Search     string
}

// TerminalFilter narrows the historical instance listing.
type TerminalFilter struct {
	EntityType string
	State      string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// DefinitionRepository persists workflow definitions and their graphs.
type DefinitionRepository interface {
	CodeExists(ctx context.Context, orgID, code, excludeID string) (bool, error)
	Insert(ctx context.Context, def *models.WorkflowDefinition) error
	UpdateFields(ctx context.Context, def *models.WorkflowDefinition) error
	ReplaceGraph(ctx context.Context, definitionID string, steps []models.Step, transitions []models.Transition) error
	Delete(ctx context.Context, orgID, id string) error
	GetByID(ctx context.Context, orgID, id string) (*models.WorkflowDefinition, error)
	// GetByIDForUpdate locks the definition row for the remainder of the
	// enclosing transaction, so concurrent starts against the same
	// definition serialize.
	GetByIDForUpdate(ctx context.Context, orgID, id string) (*models.WorkflowDefinition, error)
	List(ctx context.Context, orgID string, filter DefinitionFilter) ([]*models.WorkflowDefinition, error)
	ListPublishedByEntityType(ctx context.Context, orgID, entityType string) ([]*models.WorkflowDefinition, error)
	SetPublished(ctx context.Context, orgID, id string, published bool) error
	Summaries(ctx context.Context, orgID string) ([]*models.DefinitionSummary, error)
}

// InstanceRepository persists workflow instances and their append-only
// history.
type InstanceRepository interface {
	Insert(ctx context.Context, inst *models.WorkflowInstance) error
	GetByID(ctx context.Context, orgID, id string) (*models.WorkflowInstance, error)
	// GetForUpdate locks the instance row for the remainder of the
	// enclosing transaction.
	GetForUpdate(ctx context.Context, orgID, id string) (*models.WorkflowInstance, error)
	HasInProgress(ctx context.Context, orgID, definitionID, entityType, entityID string) (bool, error)
	CountInProgressByDefinition(ctx context.Context, orgID, definitionID string) (int, error)
	UpdateCurrentStep(ctx context.Context, id, stepID string) error
	Finalize(ctx context.Context, id, state string, result map[string]interface{}, completed time.Time) error
	InsertHistory(ctx context.Context, entry *models.HistoryEntry) error
	ListHistory(ctx context.Context, instanceID string) ([]*models.HistoryEntry, error)
	// PendingCandidates returns in_progress instances currently waiting at
	// an approval step, ordered by priority descending then start time
	// ascending. Eligibility filtering happens in the service.
	PendingCandidates(ctx context.Context, orgID, entityType string) ([]*models.WorkflowInstance, error)
	ListTerminal(ctx context.Context, orgID string, filter TerminalFilter) ([]*models.WorkflowInstance, error)
	// ListOverdue returns in_progress instances past their deadline, across
	// all tenants; consumed only by the expiry sweep.
	ListOverdue(ctx context.Context, now time.Time) ([]*models.WorkflowInstance, error)
}

// DelegationRepository persists approval-authority delegations.
type DelegationRepository interface {
	Insert(ctx context.Context, d *models.Delegation) error
	Update(ctx context.Context, d *models.Delegation) error
	Delete(ctx context.Context, orgID, id string) error
	GetByID(ctx context.Context, orgID, id string) (*models.Delegation, error)
	ListByDelegator(ctx context.Context, orgID, userID string) ([]*models.Delegation, error)
	ListByDelegate(ctx context.Context, orgID, userID string) ([]*models.Delegation, error)
	// HasOverlap reports whether an active delegation for the same
	// (delegator, scope) overlaps the [start, end] window.
	HasOverlap(ctx context.Context, orgID, userID string, definitionID *string, start, end time.Time, excludeID string) (bool, error)
	// ActiveForDelegate returns active delegations naming the user as
	// delegate whose window covers the given time, unscoped or scoped to
	// the given definition.
	ActiveForDelegate(ctx context.Context, orgID, delegateID, definitionID string, at time.Time) ([]*models.Delegation, error)
}
