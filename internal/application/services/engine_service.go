package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aprovia/workflow/internal/domain"
	"github.com/aprovia/workflow/internal/domain/models"
	"github.com/aprovia/workflow/internal/domain/ports"
	apperrors "github.com/aprovia/workflow/pkg/errors"
	"github.com/aprovia/workflow/pkg/expression"
	"github.com/aprovia/workflow/pkg/utils"
)

// maxAutoAdvanceHops bounds graph traversal per operation. The validator
// rejects non-pausing cycles at publish time; this is the runtime backstop
// for graphs published before that rule existed.
const maxAutoAdvanceHops = 100

const alreadyProcessedMsg = "request already processed"

// StartInput is the payload for starting an instance against a known
// definition. Context is the caller-supplied entity snapshot, frozen for
// the life of the instance.
type StartInput struct {
	DefinitionID string                 `json:"definition_id"`
	EntityType   string                 `json:"entity_type"`
	EntityID     string                 `json:"entity_id"`
	Context      map[string]interface{} `json:"context"`
	DueDate      *time.Time             `json:"due_date,omitempty"`
}

// EngineService is the execution core: it starts instances, traverses
// non-interactive steps, applies actor decisions, and terminates instances.
// Every operation runs inside one transaction with the instance row locked,
// so concurrent decisions serialize and the loser gets a deterministic
// conflict instead of a double-advance.
type EngineService struct {
	definitions  ports.DefinitionRepository
	instances    ports.InstanceRepository
	resolver     *ApproverResolver
	tx           ports.TransactionRunner
	expressions  *expression.Engine
	stateMachine *domain.InstanceStateMachine
	now          func() time.Time
}

// NewEngineService creates a new EngineService
func NewEngineService(
	definitions ports.DefinitionRepository,
	instances ports.InstanceRepository,
	resolver *ApproverResolver,
	tx ports.TransactionRunner,
	expressions *expression.Engine,
) *EngineService {
	return &EngineService{
		definitions:  definitions,
		instances:    instances,
		resolver:     resolver,
		tx:           tx,
		expressions:  expressions,
		stateMachine: domain.NewInstanceStateMachine(),
		now:          time.Now,
	}
}

// Start creates an instance of a published definition at its start step and
// immediately auto-advances until an approval or end step.
func (s *EngineService) Start(ctx context.Context, input StartInput, sess *models.Session) (*models.WorkflowInstance, error) {
	var instance *models.WorkflowInstance

	err := s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		// Locking read: concurrent starts for the same definition queue on
		// the definition row, so the in-progress check below cannot race.
		def, err := s.definitions.GetByIDForUpdate(txCtx, sess.OrgID, input.DefinitionID)
		if err != nil {
			return err
		}
		if def == nil {
			return apperrors.NewNotFoundError("workflow definition", input.DefinitionID)
		}
		if !def.Published {
			return apperrors.NewConflictError("workflow instance", "definition is not published")
		}
		if def.EntityType != input.EntityType {
			return apperrors.NewValidationError("entity_type", fmt.Sprintf("definition '%s' targets %s entities", def.Code, def.EntityType))
		}
		if def.ActivationCondition != "" && !s.expressions.EvaluateBool(def.ActivationCondition, input.Context) {
			return apperrors.NewConflictError("workflow instance", "activation condition not met for this entity")
		}

		// Exactly one instance may be in progress per (definition, entity).
		exists, err := s.instances.HasInProgress(txCtx, sess.OrgID, def.ID, input.EntityType, input.EntityID)
		if err != nil {
			return err
		}
		if exists {
			return apperrors.NewConflictError("workflow instance", "an approval is already in progress for this entity")
		}

		start := def.StartStep()
		if start == nil {
			return apperrors.NewInternalError(fmt.Sprintf("published definition '%s' has no start step", def.Code), nil)
		}

		now := s.now().UTC()
		instance = &models.WorkflowInstance{
			ID:            utils.GenerateID(),
			OrgID:         sess.OrgID,
			DefinitionID:  def.ID,
			EntityType:    input.EntityType,
			EntityID:      input.EntityID,
			State:         models.InstanceStateInProgress,
			CurrentStepID: &start.ID,
			Context:       input.Context,
			Priority:      def.Priority,
			InitiatedByID: sess.UserID,
			StartedDate:   now,
			DueDate:       input.DueDate,
		}
		if err := s.instances.Insert(txCtx, instance); err != nil {
			return err
		}
		if err := s.writeHistory(txCtx, instance.ID, &start.ID, &sess.UserID, models.HistoryActionStarted, ""); err != nil {
			return err
		}

		return s.autoAdvance(txCtx, def, instance)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("✅ Workflow instance started: %s on %s/%s", instance.ID, input.EntityType, input.EntityID)
	return instance, nil
}

// TriggerForEntity starts an instance using the highest-priority published
// definition for the entity type whose activation condition passes. Returns
// NotFoundError when no definition applies.
func (s *EngineService) TriggerForEntity(ctx context.Context, entityType, entityID string, snapshot map[string]interface{}, dueDate *time.Time, sess *models.Session) (*models.WorkflowInstance, error) {
	if !models.IsValidEntityType(entityType) {
		return nil, apperrors.NewValidationError("entity_type", fmt.Sprintf("unknown entity type '%s'", entityType))
	}

	defs, err := s.definitions.ListPublishedByEntityType(ctx, sess.OrgID, entityType)
	if err != nil {
		return nil, err
	}

	for _, def := range defs {
		if def.ActivationCondition != "" && !s.expressions.EvaluateBool(def.ActivationCondition, snapshot) {
			continue
		}
		return s.Start(ctx, StartInput{
			DefinitionID: def.ID,
			EntityType:   entityType,
			EntityID:     entityID,
			Context:      snapshot,
			DueDate:      dueDate,
		}, sess)
	}

	return nil, apperrors.NewNotFoundError("applicable workflow definition", "")
}

// Approve applies an approval decision. The decision and the resulting
// advance commit as one unit; a concurrent decision on the same instance
// fails with a conflict.
func (s *EngineService) Approve(ctx context.Context, instanceID, comment string, sess *models.Session) error {
	return s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		instance, def, step, err := s.lockForDecision(txCtx, instanceID, sess)
		if err != nil {
			return err
		}

		can, err := s.resolver.CanAct(txCtx, instance, step, sess)
		if err != nil {
			return err
		}
		if !can {
			return apperrors.NewPermissionError("approve", "this request")
		}

		if err := s.writeHistory(txCtx, instance.ID, instance.CurrentStepID, &sess.UserID, models.HistoryActionApproved, comment); err != nil {
			return err
		}

		// Approval steps have exactly one outgoing edge; branching belongs
		// to condition steps only.
		outgoing := def.Outgoing(step.ID)
		if len(outgoing) != 1 {
			return apperrors.NewInternalError(fmt.Sprintf("approval step '%s' has %d outgoing transitions", step.Code, len(outgoing)), nil)
		}
		if err := s.moveTo(txCtx, instance, outgoing[0].DestinationStepID); err != nil {
			return err
		}

		if err := s.autoAdvance(txCtx, def, instance); err != nil {
			return err
		}

		log.Printf("✅ Instance %s approved at step '%s' by %s", instance.ID, step.Code, sess.UserID)
		return nil
	})
}

// Reject applies a rejection decision. Terminal: the instance does not
// advance further.
func (s *EngineService) Reject(ctx context.Context, instanceID, reason string, sess *models.Session) error {
	return s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		instance, _, step, err := s.lockForDecision(txCtx, instanceID, sess)
		if err != nil {
			return err
		}

		can, err := s.resolver.CanAct(txCtx, instance, step, sess)
		if err != nil {
			return err
		}
		if !can {
			return apperrors.NewPermissionError("reject", "this request")
		}

		if err := s.writeHistory(txCtx, instance.ID, instance.CurrentStepID, &sess.UserID, models.HistoryActionRejected, reason); err != nil {
			return err
		}

		result := map[string]interface{}{"outcome": models.InstanceStateRejected, "step": step.Code}
		if err := s.finalize(txCtx, instance, domain.TransitionReject, result); err != nil {
			return err
		}

		log.Printf("⛔ Instance %s rejected at step '%s' by %s", instance.ID, step.Code, sess.UserID)
		return nil
	})
}

// Cancel terminates an in-progress instance. Authorization for cancelling
// is the caller's concern; the engine only enforces the state precondition.
func (s *EngineService) Cancel(ctx context.Context, instanceID, reason string, sess *models.Session) error {
	return s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		instance, err := s.instances.GetForUpdate(txCtx, sess.OrgID, instanceID)
		if err != nil {
			return err
		}
		if instance == nil {
			return apperrors.NewNotFoundError("workflow instance", instanceID)
		}
		if instance.State != models.InstanceStateInProgress {
			return apperrors.NewConflictError("workflow instance", alreadyProcessedMsg)
		}

		if err := s.writeHistory(txCtx, instance.ID, instance.CurrentStepID, &sess.UserID, models.HistoryActionCanceled, reason); err != nil {
			return err
		}

		result := map[string]interface{}{"outcome": models.InstanceStateCanceled}
		if reason != "" {
			result["reason"] = reason
		}
		if err := s.finalize(txCtx, instance, domain.TransitionCancel, result); err != nil {
			return err
		}

		log.Printf("🚫 Instance %s canceled by %s", instance.ID, sess.UserID)
		return nil
	})
}

// Expire terminates an in-progress instance past its deadline. Consumed by
// the scheduled expiry collaborator; there is no acting user.
func (s *EngineService) Expire(ctx context.Context, orgID, instanceID string) error {
	return s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		instance, err := s.instances.GetForUpdate(txCtx, orgID, instanceID)
		if err != nil {
			return err
		}
		if instance == nil {
			return apperrors.NewNotFoundError("workflow instance", instanceID)
		}
		if instance.State != models.InstanceStateInProgress {
			return apperrors.NewConflictError("workflow instance", alreadyProcessedMsg)
		}

		if err := s.writeHistory(txCtx, instance.ID, instance.CurrentStepID, nil, models.HistoryActionExpired, "deadline passed"); err != nil {
			return err
		}

		result := map[string]interface{}{"outcome": models.InstanceStateExpired}
		if err := s.finalize(txCtx, instance, domain.TransitionExpire, result); err != nil {
			return err
		}

		log.Printf("⏰ Instance %s expired", instance.ID)
		return nil
	})
}

// Private helpers

// lockForDecision loads the instance with a row lock and verifies the
// decision preconditions: still in progress, waiting at an approval step.
func (s *EngineService) lockForDecision(ctx context.Context, instanceID string, sess *models.Session) (*models.WorkflowInstance, *models.WorkflowDefinition, *models.Step, error) {
	instance, err := s.instances.GetForUpdate(ctx, sess.OrgID, instanceID)
	if err != nil {
		return nil, nil, nil, err
	}
	if instance == nil {
		return nil, nil, nil, apperrors.NewNotFoundError("workflow instance", instanceID)
	}
	if instance.State != models.InstanceStateInProgress {
		return nil, nil, nil, apperrors.NewConflictError("workflow instance", alreadyProcessedMsg)
	}

	def, err := s.definitions.GetByID(ctx, sess.OrgID, instance.DefinitionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if def == nil {
		return nil, nil, nil, apperrors.NewNotFoundError("workflow definition", instance.DefinitionID)
	}

	if instance.CurrentStepID == nil {
		return nil, nil, nil, apperrors.NewConflictError("workflow instance", "instance is not waiting at a step")
	}
	step := def.StepByID(*instance.CurrentStepID)
	if step == nil || step.StepType != models.StepTypeApproval {
		return nil, nil, nil, apperrors.NewConflictError("workflow instance", "instance is not waiting for approval")
	}

	return instance, def, step, nil
}

// autoAdvance traverses start and condition steps until the instance lands
// on an approval step (wait) or an end step (terminate). Each hop writes an
// advanced history entry.
func (s *EngineService) autoAdvance(ctx context.Context, def *models.WorkflowDefinition, instance *models.WorkflowInstance) error {
	for hops := 0; ; hops++ {
		if hops >= maxAutoAdvanceHops {
			return apperrors.NewConflictError("workflow instance", fmt.Sprintf("auto-advance exceeded %d steps; definition '%s' likely contains a cycle", maxAutoAdvanceHops, def.Code))
		}
		if instance.CurrentStepID == nil {
			return apperrors.NewInternalError("instance has no current step", nil)
		}

		step := def.StepByID(*instance.CurrentStepID)
		if step == nil {
			return apperrors.NewInternalError(fmt.Sprintf("step '%s' not found in definition '%s'", *instance.CurrentStepID, def.Code), nil)
		}

		switch step.StepType {
		case models.StepTypeApproval:
			// Wait for an actor.
			return nil

		case models.StepTypeEnd:
			transition := domain.TransitionComplete
			state := models.InstanceStateApproved
			if step.Outcome == models.EndOutcomeRejected {
				transition = domain.TransitionReject
				state = models.InstanceStateRejected
			}
			result := map[string]interface{}{"outcome": state, "end_step": step.Code}
			return s.finalize(ctx, instance, transition, result)

		case models.StepTypeStart:
			outgoing := def.Outgoing(step.ID)
			if len(outgoing) != 1 {
				return apperrors.NewInternalError(fmt.Sprintf("start step '%s' has %d outgoing transitions", step.Code, len(outgoing)), nil)
			}
			if err := s.moveTo(ctx, instance, outgoing[0].DestinationStepID); err != nil {
				return err
			}

		case models.StepTypeCondition:
			next, err := s.pickConditionBranch(def, step, instance.Context)
			if err != nil {
				return err
			}
			if err := s.moveTo(ctx, instance, next.DestinationStepID); err != nil {
				return err
			}

		default:
			return apperrors.NewInternalError(fmt.Sprintf("step '%s' has unknown type '%s'", step.Code, step.StepType), nil)
		}
	}
}

// pickConditionBranch evaluates the step's expression against the frozen
// context snapshot and selects the outgoing transition labeled for the
// outcome. Evaluation is deterministic: same expression, same snapshot,
// same branch.
func (s *EngineService) pickConditionBranch(def *models.WorkflowDefinition, step *models.Step, snapshot map[string]interface{}) (*models.Transition, error) {
	outgoing := def.Outgoing(step.ID)
	if len(outgoing) != 2 {
		return nil, apperrors.NewInternalError(fmt.Sprintf("condition step '%s' has %d outgoing transitions", step.Code, len(outgoing)), nil)
	}

	outcome := s.expressions.EvaluateBool(step.Condition, snapshot)
	want := "no"
	other := "yes"
	if outcome {
		want, other = other, want
	}

	var unlabeled *models.Transition
	for i := range outgoing {
		t := &outgoing[i]
		switch {
		case strings.EqualFold(t.Label, want):
			return t, nil
		case t.Label == "":
			unlabeled = t
		}
	}

	// One edge labeled for the opposite outcome plus one unlabeled edge is
	// tolerated: the unlabeled edge is the remaining branch.
	if unlabeled != nil {
		for i := range outgoing {
			if strings.EqualFold(outgoing[i].Label, other) {
				return unlabeled, nil
			}
		}
	}

	return nil, apperrors.NewConflictError("workflow instance", fmt.Sprintf("condition step '%s' has no transition labeled '%s'", step.Code, want))
}

// moveTo advances the instance to the given step and records the hop.
func (s *EngineService) moveTo(ctx context.Context, instance *models.WorkflowInstance, stepID string) error {
	if err := s.instances.UpdateCurrentStep(ctx, instance.ID, stepID); err != nil {
		return err
	}
	instance.CurrentStepID = &stepID
	return s.writeHistory(ctx, instance.ID, &stepID, nil, models.HistoryActionAdvanced, "")
}

// finalize validates the lifecycle transition and writes the terminal
// state, completion timestamp and result.
func (s *EngineService) finalize(ctx context.Context, instance *models.WorkflowInstance, transition domain.InstanceTransition, result map[string]interface{}) error {
	next, err := s.stateMachine.Transition(domain.InstanceState(instance.State), transition)
	if err != nil {
		return apperrors.NewConflictError("workflow instance", err.Error())
	}

	completed := s.now().UTC()
	if err := s.instances.Finalize(ctx, instance.ID, string(next), result, completed); err != nil {
		return err
	}
	instance.State = string(next)
	instance.CompletedDate = &completed
	instance.Result = result
	return nil
}

func (s *EngineService) writeHistory(ctx context.Context, instanceID string, stepID, actorID *string, action, comment string) error {
	entry := &models.HistoryEntry{
		ID:          utils.GenerateID(),
		InstanceID:  instanceID,
		StepID:      stepID,
		ActorID:     actorID,
		Action:      action,
		Comment:     comment,
		CreatedDate: s.now().UTC(),
	}
	return s.instances.InsertHistory(ctx, entry)
}
