package services

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/aprovia/workflow/internal/domain/models"
	"github.com/aprovia/workflow/internal/domain/ports"
)

// In-memory fakes for the ports interfaces. Services only ever see the
// interfaces, so the same tests would run unchanged against the SQL
// implementations.

type fakeTx struct {
	calls int
}

func (f *fakeTx) InTransaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	f.calls++
	return fn(ctx)
}

type fakeAuthz struct {
	grants map[string]*models.Grants
	err    error
}

func (f *fakeAuthz) Grants(_ context.Context, _, userID string) (*models.Grants, error) {
	if f.err != nil {
		return nil, f.err
	}
	if g, ok := f.grants[userID]; ok {
		return g, nil
	}
	return &models.Grants{}, nil
}

type fakeUsers struct {
	active map[string]bool
}

func (f *fakeUsers) UserExistsActive(_ context.Context, _, userID string) (bool, error) {
	return f.active[userID], nil
}

type fakeEntityLookup struct {
	summaries map[string]map[string]interface{}
	err       error
}

func (f *fakeEntityLookup) Summary(_ context.Context, _, entityType, entityID string) (map[string]interface{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.summaries[entityType+"/"+entityID], nil
}

type fakeDefinitionRepo struct {
	defs           map[string]*models.WorkflowDefinition
	forUpdateCalls int
}

func newFakeDefinitionRepo() *fakeDefinitionRepo {
	return &fakeDefinitionRepo{defs: make(map[string]*models.WorkflowDefinition)}
}

func (f *fakeDefinitionRepo) CodeExists(_ context.Context, orgID, code, excludeID string) (bool, error) {
	for _, d := range f.defs {
		if d.OrgID == orgID && d.Code == code && d.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDefinitionRepo) Insert(_ context.Context, def *models.WorkflowDefinition) error {
	f.defs[def.ID] = def
	return nil
}

func (f *fakeDefinitionRepo) UpdateFields(_ context.Context, def *models.WorkflowDefinition) error {
	if stored, ok := f.defs[def.ID]; ok {
		graph := stored.Steps
		transitions := stored.Transitions
		f.defs[def.ID] = def
		if def.Steps == nil {
			def.Steps = graph
			def.Transitions = transitions
		}
	}
	return nil
}

func (f *fakeDefinitionRepo) ReplaceGraph(_ context.Context, definitionID string, steps []models.Step, transitions []models.Transition) error {
	if def, ok := f.defs[definitionID]; ok {
		def.Steps = steps
		def.Transitions = transitions
	}
	return nil
}

func (f *fakeDefinitionRepo) Delete(_ context.Context, orgID, id string) error {
	if def, ok := f.defs[id]; ok && def.OrgID == orgID {
		delete(f.defs, id)
	}
	return nil
}

func (f *fakeDefinitionRepo) GetByID(_ context.Context, orgID, id string) (*models.WorkflowDefinition, error) {
	if def, ok := f.defs[id]; ok && def.OrgID == orgID {
		return def, nil
	}
	return nil, nil
}

func (f *fakeDefinitionRepo) GetByIDForUpdate(ctx context.Context, orgID, id string) (*models.WorkflowDefinition, error) {
	f.forUpdateCalls++
	return f.GetByID(ctx, orgID, id)
}

func (f *fakeDefinitionRepo) List(_ context.Context, orgID string, filter ports.DefinitionFilter) ([]*models.WorkflowDefinition, error) {
	var out []*models.WorkflowDefinition
	for _, d := range f.defs {
		if d.OrgID != orgID {
			continue
		}
		if filter.EntityType != "" && d.EntityType != filter.EntityType {
			continue
		}
		if filter.Published != nil && d.Published != *filter.Published {
			continue
		}
		if filter.Search != "" && !strings.Contains(d.Name, filter.Search) && !strings.Contains(d.Code, filter.Search) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (f *fakeDefinitionRepo) ListPublishedByEntityType(_ context.Context, orgID, entityType string) ([]*models.WorkflowDefinition, error) {
	var out []*models.WorkflowDefinition
	for _, d := range f.defs {
		if d.OrgID == orgID && d.Published && d.EntityType == entityType {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (f *fakeDefinitionRepo) SetPublished(_ context.Context, orgID, id string, published bool) error {
	if def, ok := f.defs[id]; ok && def.OrgID == orgID {
		def.Published = published
	}
	return nil
}

func (f *fakeDefinitionRepo) Summaries(_ context.Context, orgID string) ([]*models.DefinitionSummary, error) {
	var out []*models.DefinitionSummary
	for _, d := range f.defs {
		if d.OrgID != orgID {
			continue
		}
		out = append(out, &models.DefinitionSummary{
			Definition:      *d,
			StepCount:       len(d.Steps),
			TransitionCount: len(d.Transitions),
		})
	}
	return out, nil
}

type fakeInstanceRepo struct {
	defs      *fakeDefinitionRepo
	instances map[string]*models.WorkflowInstance
	history   []*models.HistoryEntry
}

func newFakeInstanceRepo(defs *fakeDefinitionRepo) *fakeInstanceRepo {
	return &fakeInstanceRepo{
		defs:      defs,
		instances: make(map[string]*models.WorkflowInstance),
	}
}

func (f *fakeInstanceRepo) Insert(_ context.Context, inst *models.WorkflowInstance) error {
	f.instances[inst.ID] = inst
	return nil
}

func (f *fakeInstanceRepo) GetByID(_ context.Context, orgID, id string) (*models.WorkflowInstance, error) {
	if inst, ok := f.instances[id]; ok && inst.OrgID == orgID {
		return inst, nil
	}
	return nil, nil
}

func (f *fakeInstanceRepo) GetForUpdate(ctx context.Context, orgID, id string) (*models.WorkflowInstance, error) {
	return f.GetByID(ctx, orgID, id)
}

func (f *fakeInstanceRepo) HasInProgress(_ context.Context, orgID, definitionID, entityType, entityID string) (bool, error) {
	for _, inst := range f.instances {
		if inst.OrgID == orgID && inst.DefinitionID == definitionID &&
			inst.EntityType == entityType && inst.EntityID == entityID &&
			inst.State == models.InstanceStateInProgress {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeInstanceRepo) CountInProgressByDefinition(_ context.Context, orgID, definitionID string) (int, error) {
	count := 0
	for _, inst := range f.instances {
		if inst.OrgID == orgID && inst.DefinitionID == definitionID && inst.State == models.InstanceStateInProgress {
			count++
		}
	}
	return count, nil
}

func (f *fakeInstanceRepo) UpdateCurrentStep(_ context.Context, id, stepID string) error {
	if inst, ok := f.instances[id]; ok {
		s := stepID
		inst.CurrentStepID = &s
	}
	return nil
}

func (f *fakeInstanceRepo) Finalize(_ context.Context, id, state string, result map[string]interface{}, completed time.Time) error {
	if inst, ok := f.instances[id]; ok {
		inst.State = state
		inst.Result = result
		c := completed
		inst.CompletedDate = &c
		inst.CurrentStepID = nil
	}
	return nil
}

func (f *fakeInstanceRepo) InsertHistory(_ context.Context, entry *models.HistoryEntry) error {
	f.history = append(f.history, entry)
	return nil
}

func (f *fakeInstanceRepo) ListHistory(_ context.Context, instanceID string) ([]*models.HistoryEntry, error) {
	var out []*models.HistoryEntry
	for _, h := range f.history {
		if h.InstanceID == instanceID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeInstanceRepo) PendingCandidates(_ context.Context, orgID, entityType string) ([]*models.WorkflowInstance, error) {
	var out []*models.WorkflowInstance
	for _, inst := range f.instances {
		if inst.OrgID != orgID || inst.State != models.InstanceStateInProgress || inst.CurrentStepID == nil {
			continue
		}
		if entityType != "" && inst.EntityType != entityType {
			continue
		}
		def := f.defs.defs[inst.DefinitionID]
		if def == nil {
			continue
		}
		step := def.StepByID(*inst.CurrentStepID)
		if step == nil || step.StepType != models.StepTypeApproval {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].StartedDate.Before(out[j].StartedDate)
	})
	return out, nil
}

func (f *fakeInstanceRepo) ListTerminal(_ context.Context, orgID string, filter ports.TerminalFilter) ([]*models.WorkflowInstance, error) {
	var out []*models.WorkflowInstance
	for _, inst := range f.instances {
		if inst.OrgID != orgID || !models.IsTerminalState(inst.State) {
			continue
		}
		if filter.EntityType != "" && inst.EntityType != filter.EntityType {
			continue
		}
		if filter.State != "" && inst.State != filter.State {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedDate.After(out[j].StartedDate) })
	return out, nil
}

func (f *fakeInstanceRepo) ListOverdue(_ context.Context, now time.Time) ([]*models.WorkflowInstance, error) {
	var out []*models.WorkflowInstance
	for _, inst := range f.instances {
		if inst.State == models.InstanceStateInProgress && inst.DueDate != nil && inst.DueDate.Before(now) {
			out = append(out, inst)
		}
	}
	return out, nil
}

type fakeDelegationRepo struct {
	items map[string]*models.Delegation
}

func newFakeDelegationRepo() *fakeDelegationRepo {
	return &fakeDelegationRepo{items: make(map[string]*models.Delegation)}
}

func (f *fakeDelegationRepo) Insert(_ context.Context, d *models.Delegation) error {
	f.items[d.ID] = d
	return nil
}

func (f *fakeDelegationRepo) Update(_ context.Context, d *models.Delegation) error {
	f.items[d.ID] = d
	return nil
}

func (f *fakeDelegationRepo) Delete(_ context.Context, orgID, id string) error {
	if d, ok := f.items[id]; ok && d.OrgID == orgID {
		delete(f.items, id)
	}
	return nil
}

func (f *fakeDelegationRepo) GetByID(_ context.Context, orgID, id string) (*models.Delegation, error) {
	if d, ok := f.items[id]; ok && d.OrgID == orgID {
		return d, nil
	}
	return nil, nil
}

func (f *fakeDelegationRepo) ListByDelegator(_ context.Context, orgID, userID string) ([]*models.Delegation, error) {
	var out []*models.Delegation
	for _, d := range f.items {
		if d.OrgID == orgID && d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDelegationRepo) ListByDelegate(_ context.Context, orgID, userID string) ([]*models.Delegation, error) {
	var out []*models.Delegation
	for _, d := range f.items {
		if d.OrgID == orgID && d.DelegateID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDelegationRepo) HasOverlap(_ context.Context, orgID, userID string, definitionID *string, start, end time.Time, excludeID string) (bool, error) {
	for _, d := range f.items {
		if d.OrgID != orgID || d.UserID != userID || !d.Active || d.ID == excludeID {
			continue
		}
		if !sameScope(d.DefinitionID, definitionID) {
			continue
		}
		if !d.StartDate.After(end) && !d.EndDate.Before(start) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDelegationRepo) ActiveForDelegate(_ context.Context, orgID, delegateID, definitionID string, at time.Time) ([]*models.Delegation, error) {
	var out []*models.Delegation
	for _, d := range f.items {
		if d.OrgID != orgID || d.DelegateID != delegateID || !d.Active {
			continue
		}
		if at.Before(d.StartDate) || at.After(d.EndDate) {
			continue
		}
		if d.DefinitionID != nil && *d.DefinitionID != definitionID {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func sameScope(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
