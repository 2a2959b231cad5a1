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

// StepInput describes one step of a definition graph as supplied by the
// caller. Steps are addressed by code in transition inputs; identities are
// generated on write.
type StepInput struct {
	Code      string                `json:"code"`
	Name      string                `json:"name"`
	StepType  string                `json:"step_type"`
	Approvers []models.ApproverSpec `json:"approvers,omitempty"`
	Condition string                `json:"condition,omitempty"`
	Outcome   string                `json:"outcome,omitempty"`
	LayoutX   float64               `json:"layout_x"`
	LayoutY   float64               `json:"layout_y"`
}

// TransitionInput references its endpoints by step code.
type TransitionInput struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Label       string `json:"label,omitempty"`
	Condition   string `json:"condition,omitempty"`
}

// CreateDefinitionInput is the payload for creating a definition.
type CreateDefinitionInput struct {
	Code                string            `json:"code"`
	Name                string            `json:"name"`
	Description         *string           `json:"description,omitempty"`
	EntityType          string            `json:"entity_type"`
	ActivationCondition string            `json:"activation_condition,omitempty"`
	Priority            int               `json:"priority"`
	Steps               []StepInput       `json:"steps"`
	Transitions         []TransitionInput `json:"transitions"`
}

// UpdateDefinitionInput carries partial field updates; nil leaves a field
// untouched. A non-nil Steps/Transitions pair fully replaces the graph.
type UpdateDefinitionInput struct {
	Name                *string           `json:"name,omitempty"`
	Description         *string           `json:"description,omitempty"`
	EntityType          *string           `json:"entity_type,omitempty"`
	ActivationCondition *string           `json:"activation_condition,omitempty"`
	Priority            *int              `json:"priority,omitempty"`
	Steps               []StepInput       `json:"steps,omitempty"`
	Transitions         []TransitionInput `json:"transitions,omitempty"`
}

// DefinitionService handles business logic for workflow definitions:
// draft lifecycle, graph replacement, duplication and publication.
type DefinitionService struct {
	definitions ports.DefinitionRepository
	instances   ports.InstanceRepository
	tx          ports.TransactionRunner
	expressions *expression.Engine
}

// NewDefinitionService creates a new DefinitionService
func NewDefinitionService(definitions ports.DefinitionRepository, instances ports.InstanceRepository, tx ports.TransactionRunner, expressions *expression.Engine) *DefinitionService {
	return &DefinitionService{
		definitions: definitions,
		instances:   instances,
		tx:          tx,
		expressions: expressions,
	}
}

// Create atomically writes a definition with its full graph. Caller-supplied
// step codes in transitions are remapped to generated step identities.
func (s *DefinitionService) Create(ctx context.Context, input CreateDefinitionInput, sess *models.Session) (*models.WorkflowDefinition, error) {
	if err := s.validateFields(input.Code, input.Name, input.EntityType, input.ActivationCondition); err != nil {
		return nil, err
	}

	steps, transitions, err := s.buildGraph("", input.Steps, input.Transitions)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	def := &models.WorkflowDefinition{
		ID:                  utils.GenerateID(),
		OrgID:               sess.OrgID,
		Code:                input.Code,
		Name:                input.Name,
		Description:         input.Description,
		EntityType:          input.EntityType,
		ActivationCondition: input.ActivationCondition,
		Priority:            input.Priority,
		Published:           false,
		CreatedByID:         &sess.UserID,
		CreatedDate:         now,
		LastModifiedDate:    now,
	}
	def.Steps = steps
	def.Transitions = transitions
	for i := range def.Steps {
		def.Steps[i].DefinitionID = def.ID
	}
	for i := range def.Transitions {
		def.Transitions[i].DefinitionID = def.ID
	}

	err = s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		exists, err := s.definitions.CodeExists(txCtx, sess.OrgID, def.Code, "")
		if err != nil {
			return fmt.Errorf("failed to check definition code: %w", err)
		}
		if exists {
			return apperrors.NewConflictError("workflow definition", fmt.Sprintf("code '%s' is already in use", def.Code))
		}
		return s.definitions.Insert(txCtx, def)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("✅ Workflow definition created: %s (%s)", def.Code, def.ID)
	return def, nil
}

// Update edits a draft definition. Published definitions are immutable;
// structural changes to a published process require duplicating it.
func (s *DefinitionService) Update(ctx context.Context, id string, input UpdateDefinitionInput, sess *models.Session) (*models.WorkflowDefinition, error) {
	var updated *models.WorkflowDefinition

	err := s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		def, err := s.definitions.GetByID(txCtx, sess.OrgID, id)
		if err != nil {
			return err
		}
		if def == nil {
			return apperrors.NewNotFoundError("workflow definition", id)
		}
		if def.Published {
			return apperrors.NewConflictError("workflow definition", "published definitions cannot be edited; duplicate it to make changes")
		}

		if input.Name != nil {
			def.Name = *input.Name
		}
		if input.Description != nil {
			def.Description = input.Description
		}
		if input.EntityType != nil {
			def.EntityType = *input.EntityType
		}
		if input.ActivationCondition != nil {
			def.ActivationCondition = *input.ActivationCondition
		}
		if input.Priority != nil {
			def.Priority = *input.Priority
		}
		if err := s.validateFields(def.Code, def.Name, def.EntityType, def.ActivationCondition); err != nil {
			return err
		}

		if err := s.definitions.UpdateFields(txCtx, def); err != nil {
			return err
		}

		// A supplied graph fully replaces the prior set, delete and
		// recreate in the same transaction.
		if input.Steps != nil {
			steps, transitions, err := s.buildGraph(def.ID, input.Steps, input.Transitions)
			if err != nil {
				return err
			}
			if err := s.definitions.ReplaceGraph(txCtx, def.ID, steps, transitions); err != nil {
				return err
			}
			def.Steps = steps
			def.Transitions = transitions
		}

		updated = def
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a definition and cascades its graph. Rejected while any
// instance of the definition is still in progress.
func (s *DefinitionService) Delete(ctx context.Context, id string, sess *models.Session) error {
	return s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		def, err := s.definitions.GetByID(txCtx, sess.OrgID, id)
		if err != nil {
			return err
		}
		if def == nil {
			return apperrors.NewNotFoundError("workflow definition", id)
		}

		active, err := s.instances.CountInProgressByDefinition(txCtx, sess.OrgID, id)
		if err != nil {
			return err
		}
		if active > 0 {
			return apperrors.NewConflictError("workflow definition", fmt.Sprintf("%d instances are still in progress", active))
		}

		return s.definitions.Delete(txCtx, sess.OrgID, id)
	})
}

// Duplicate deep-copies a definition, graph included, into a new draft.
// The copy is never published regardless of the source's flag.
func (s *DefinitionService) Duplicate(ctx context.Context, id, newCode string, sess *models.Session) (*models.WorkflowDefinition, error) {
	var copyDef *models.WorkflowDefinition

	err := s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		src, err := s.definitions.GetByID(txCtx, sess.OrgID, id)
		if err != nil {
			return err
		}
		if src == nil {
			return apperrors.NewNotFoundError("workflow definition", id)
		}

		code := newCode
		if code == "" {
			code = src.Code + "-copy"
		}
		exists, err := s.definitions.CodeExists(txCtx, sess.OrgID, code, "")
		if err != nil {
			return err
		}
		if exists {
			return apperrors.NewConflictError("workflow definition", fmt.Sprintf("code '%s' is already in use", code))
		}

		now := time.Now().UTC()
		copyDef = &models.WorkflowDefinition{
			ID:                  utils.GenerateID(),
			OrgID:               src.OrgID,
			Code:                code,
			Name:                src.Name + " (copy)",
			Description:         src.Description,
			EntityType:          src.EntityType,
			ActivationCondition: src.ActivationCondition,
			Priority:            src.Priority,
			Published:           false,
			CreatedByID:         &sess.UserID,
			CreatedDate:         now,
			LastModifiedDate:    now,
		}

		idMap := make(map[string]string, len(src.Steps))
		for _, step := range src.Steps {
			newStep := step
			newStep.ID = utils.GenerateID()
			newStep.DefinitionID = copyDef.ID
			idMap[step.ID] = newStep.ID
			copyDef.Steps = append(copyDef.Steps, newStep)
		}
		for _, t := range src.Transitions {
			newT := t
			newT.ID = utils.GenerateID()
			newT.DefinitionID = copyDef.ID
			newT.OriginStepID = idMap[t.OriginStepID]
			newT.DestinationStepID = idMap[t.DestinationStepID]
			copyDef.Transitions = append(copyDef.Transitions, newT)
		}

		return s.definitions.Insert(txCtx, copyDef)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("✅ Workflow definition duplicated: %s -> %s", id, copyDef.ID)
	return copyDef, nil
}

// Publish validates the graph and marks the definition published. A
// definition failing any structural rule cannot be published.
func (s *DefinitionService) Publish(ctx context.Context, id string, sess *models.Session) error {
	return s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		def, err := s.definitions.GetByID(txCtx, sess.OrgID, id)
		if err != nil {
			return err
		}
		if def == nil {
			return apperrors.NewNotFoundError("workflow definition", id)
		}
		if def.Published {
			return apperrors.NewConflictError("workflow definition", "already published")
		}

		validation := domain.ValidateGraph(def.Steps, def.Transitions)
		if !validation.Valid {
			return apperrors.NewValidationErrors(validation.Errors)
		}

		if err := s.definitions.SetPublished(txCtx, sess.OrgID, id, true); err != nil {
			return err
		}
		log.Printf("✅ Workflow definition published: %s", def.Code)
		return nil
	})
}

// Unpublish returns a published definition to draft, provided no instance
// of it is still in progress.
func (s *DefinitionService) Unpublish(ctx context.Context, id string, sess *models.Session) error {
	return s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		def, err := s.definitions.GetByID(txCtx, sess.OrgID, id)
		if err != nil {
			return err
		}
		if def == nil {
			return apperrors.NewNotFoundError("workflow definition", id)
		}
		if !def.Published {
			return apperrors.NewConflictError("workflow definition", "already a draft")
		}

		active, err := s.instances.CountInProgressByDefinition(txCtx, sess.OrgID, id)
		if err != nil {
			return err
		}
		if active > 0 {
			return apperrors.NewConflictError("workflow definition", fmt.Sprintf("%d instances are still in progress", active))
		}

		return s.definitions.SetPublished(txCtx, sess.OrgID, id, false)
	})
}

// Get returns a definition with its full graph.
func (s *DefinitionService) Get(ctx context.Context, id string, sess *models.Session) (*models.WorkflowDefinition, error) {
	def, err := s.definitions.GetByID(ctx, sess.OrgID, id)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, apperrors.NewNotFoundError("workflow definition", id)
	}
	return def, nil
}

// List returns definitions matching the filter, without graphs.
func (s *DefinitionService) List(ctx context.Context, filter ports.DefinitionFilter, sess *models.Session) ([]*models.WorkflowDefinition, error) {
	return s.definitions.List(ctx, sess.OrgID, filter)
}

// Validate runs the graph validator against a definition without
// publishing, for editor feedback.
func (s *DefinitionService) Validate(ctx context.Context, id string, sess *models.Session) (*domain.GraphValidation, error) {
	def, err := s.definitions.GetByID(ctx, sess.OrgID, id)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, apperrors.NewNotFoundError("workflow definition", id)
	}
	validation := domain.ValidateGraph(def.Steps, def.Transitions)
	return &validation, nil
}

// Private helpers

func (s *DefinitionService) validateFields(code, name, entityType, activationCondition string) error {
	if strings.TrimSpace(code) == "" {
		return apperrors.NewValidationError("code", "code is required")
	}
	if strings.TrimSpace(name) == "" {
		return apperrors.NewValidationError("name", "name is required")
	}
	if !models.IsValidEntityType(entityType) {
		return apperrors.NewValidationError("entity_type", fmt.Sprintf("unknown entity type '%s'", entityType))
	}
	if activationCondition != "" {
		if err := s.expressions.Validate(activationCondition); err != nil {
			return apperrors.NewValidationError("activation_condition", fmt.Sprintf("invalid expression: %v", err))
		}
	}
	return nil
}

// buildGraph materializes step/transition inputs into domain entities,
// generating identities and remapping transition endpoints from step codes.
func (s *DefinitionService) buildGraph(definitionID string, stepInputs []StepInput, transitionInputs []TransitionInput) ([]models.Step, []models.Transition, error) {
	idByCode := make(map[string]string, len(stepInputs))
	steps := make([]models.Step, 0, len(stepInputs))

	for _, in := range stepInputs {
		if strings.TrimSpace(in.Code) == "" {
			return nil, nil, apperrors.NewValidationError("steps", "every step requires a code")
		}
		if _, dup := idByCode[in.Code]; dup {
			return nil, nil, apperrors.NewValidationError("steps", fmt.Sprintf("duplicate step code '%s'", in.Code))
		}
		if in.Condition != "" {
			if err := s.expressions.Validate(in.Condition); err != nil {
				return nil, nil, apperrors.NewValidationError("steps", fmt.Sprintf("step '%s' has an invalid condition: %v", in.Code, err))
			}
		}
		outcome := in.Outcome
		if in.StepType == models.StepTypeEnd && outcome == "" {
			outcome = models.EndOutcomeApproved
		}

		step := models.Step{
			ID:           utils.GenerateID(),
			DefinitionID: definitionID,
			Code:         in.Code,
			Name:         in.Name,
			StepType:     in.StepType,
			Approvers:    in.Approvers,
			Condition:    in.Condition,
			Outcome:      outcome,
			LayoutX:      in.LayoutX,
			LayoutY:      in.LayoutY,
		}
		idByCode[in.Code] = step.ID
		steps = append(steps, step)
	}

	transitions := make([]models.Transition, 0, len(transitionInputs))
	for _, in := range transitionInputs {
		originID, ok := idByCode[in.Origin]
		if !ok {
			return nil, nil, apperrors.NewValidationError("transitions", fmt.Sprintf("unknown origin step code '%s'", in.Origin))
		}
		destinationID, ok := idByCode[in.Destination]
		if !ok {
			return nil, nil, apperrors.NewValidationError("transitions", fmt.Sprintf("unknown destination step code '%s'", in.Destination))
		}
		if in.Condition != "" {
			if err := s.expressions.Validate(in.Condition); err != nil {
				return nil, nil, apperrors.NewValidationError("transitions", fmt.Sprintf("invalid transition condition: %v", err))
			}
		}
		transitions = append(transitions, models.Transition{
			ID:                utils.GenerateID(),
			DefinitionID:      definitionID,
			OriginStepID:      originID,
			DestinationStepID: destinationID,
			Label:             in.Label,
			Condition:         in.Condition,
		})
	}

	return steps, transitions, nil
}
