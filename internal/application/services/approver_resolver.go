package services

import (
	"context"
	"time"

	"github.com/aprovia/workflow/internal/domain/models"
	"github.com/aprovia/workflow/internal/domain/ports"
)

// ApproverResolver decides whether a user may act on an instance's current
// approval step. Eligibility is a pure function over the step's approver
// specifiers, the actor's live grants, and the active delegation set; it is
// re-evaluated on every decision and every pending query, never cached from
// when the instance reached the step.
type ApproverResolver struct {
	authz       ports.AuthorizationSource
	delegations ports.DelegationRepository
	now         func() time.Time
}

// NewApproverResolver creates a new ApproverResolver
func NewApproverResolver(authz ports.AuthorizationSource, delegations ports.DelegationRepository) *ApproverResolver {
	return &ApproverResolver{
		authz:       authz,
		delegations: delegations,
		now:         time.Now,
	}
}

// CanAct reports whether the actor may approve or reject the instance at
// the given step. The actor qualifies directly when any specifier names
// their user id, one of their roles, or one of their permissions; otherwise
// they inherit eligibility from an active delegation whose delegator
// qualifies directly.
func (r *ApproverResolver) CanAct(ctx context.Context, instance *models.WorkflowInstance, step *models.Step, actor *models.Session) (bool, error) {
	if step == nil || step.StepType != models.StepTypeApproval || len(step.Approvers) == 0 {
		return false, nil
	}

	grants, err := r.authz.Grants(ctx, actor.OrgID, actor.UserID)
	if err != nil {
		return false, err
	}
	if matchesSpecifiers(step.Approvers, actor.UserID, grants) {
		return true, nil
	}

	// Delegation inheritance: the repository pre-filters on delegate,
	// active flag, time window and workflow scope; what remains is checking
	// that each delegator would qualify directly.
	now := r.now()
	delegations, err := r.delegations.ActiveForDelegate(ctx, actor.OrgID, actor.UserID, instance.DefinitionID, now)
	if err != nil {
		return false, err
	}
	for _, d := range delegations {
		if !d.CoversAt(now, instance.DefinitionID) {
			continue
		}
		if matchesUserSpecifier(step.Approvers, d.UserID) {
			return true, nil
		}
		delegatorGrants, err := r.authz.Grants(ctx, actor.OrgID, d.UserID)
		if err != nil {
			return false, err
		}
		if matchesSpecifiers(step.Approvers, d.UserID, delegatorGrants) {
			return true, nil
		}
	}

	return false, nil
}

func matchesSpecifiers(specs []models.ApproverSpec, userID string, grants *models.Grants) bool {
	for _, spec := range specs {
		switch spec.Kind {
		case models.ApproverKindUser:
			if spec.Value == userID {
				return true
			}
		case models.ApproverKindRole:
			if grants != nil && grants.HasRole(spec.Value) {
				return true
			}
		case models.ApproverKindPermission:
			if grants != nil && grants.HasPermission(spec.Value) {
				return true
			}
		}
	}
	return false
}

// matchesUserSpecifier avoids a grants lookup when the delegator is named
// directly by a user specifier.
func matchesUserSpecifier(specs []models.ApproverSpec, userID string) bool {
	for _, spec := range specs {
		if spec.Kind == models.ApproverKindUser && spec.Value == userID {
			return true
		}
	}
	return false
}
