package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aprovia/workflow/internal/domain/models"
	"github.com/aprovia/workflow/internal/domain/ports"
	apperrors "github.com/aprovia/workflow/pkg/errors"
	"github.com/aprovia/workflow/pkg/utils"
)

// CreateDelegationInput is the payload for delegating approval authority.
// A nil DefinitionID delegates across all workflows.
type CreateDelegationInput struct {
	DelegateID   string    `json:"delegate_id"`
	DefinitionID *string   `json:"definition_id,omitempty"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	Reason       string    `json:"reason,omitempty"`
}

// UpdateDelegationInput carries partial updates; nil leaves a field
// untouched.
type UpdateDelegationInput struct {
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Active    *bool      `json:"active,omitempty"`
	Reason    *string    `json:"reason,omitempty"`
}

// DelegationService handles business logic for approval-authority
// delegations. Delegations never mutate in-flight instances; they only
// change the live eligibility checks.
type DelegationService struct {
	delegations ports.DelegationRepository
	definitions ports.DefinitionRepository
	users       ports.UserDirectory
	tx          ports.TransactionRunner
}

// NewDelegationService creates a new DelegationService
func NewDelegationService(delegations ports.DelegationRepository, definitions ports.DefinitionRepository, users ports.UserDirectory, tx ports.TransactionRunner) *DelegationService {
	return &DelegationService{
		delegations: delegations,
		definitions: definitions,
		users:       users,
		tx:          tx,
	}
}

// Create validates and stores a delegation owned by the session user.
func (s *DelegationService) Create(ctx context.Context, input CreateDelegationInput, sess *models.Session) (*models.Delegation, error) {
	if input.DelegateID == sess.UserID {
		return nil, apperrors.NewValidationError("delegate_id", "cannot delegate to yourself")
	}
	if input.EndDate.Before(input.StartDate) {
		return nil, apperrors.NewValidationError("end_date", "end date must not precede start date")
	}

	delegation := &models.Delegation{
		ID:           utils.GenerateID(),
		OrgID:        sess.OrgID,
		UserID:       sess.UserID,
		DelegateID:   input.DelegateID,
		DefinitionID: input.DefinitionID,
		StartDate:    input.StartDate,
		EndDate:      input.EndDate,
		Active:       true,
		Reason:       input.Reason,
		CreatedDate:  time.Now().UTC(),
	}

	err := s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		exists, err := s.users.UserExistsActive(txCtx, sess.OrgID, input.DelegateID)
		if err != nil {
			return fmt.Errorf("failed to check delegate user: %w", err)
		}
		if !exists {
			return apperrors.NewValidationError("delegate_id", "delegate user does not exist or is inactive")
		}

		if input.DefinitionID != nil {
			def, err := s.definitions.GetByID(txCtx, sess.OrgID, *input.DefinitionID)
			if err != nil {
				return err
			}
			if def == nil {
				return apperrors.NewNotFoundError("workflow definition", *input.DefinitionID)
			}
		}

		overlap, err := s.delegations.HasOverlap(txCtx, sess.OrgID, sess.UserID, input.DefinitionID, input.StartDate, input.EndDate, "")
		if err != nil {
			return err
		}
		if overlap {
			return apperrors.NewConflictError("delegation", "an active delegation already covers part of this window")
		}

		return s.delegations.Insert(txCtx, delegation)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("✅ Delegation created: %s -> %s (%s)", delegation.UserID, delegation.DelegateID, delegation.ID)
	return delegation, nil
}

// ListAsDelegator returns delegations the session user granted.
func (s *DelegationService) ListAsDelegator(ctx context.Context, sess *models.Session) ([]*models.Delegation, error) {
	return s.delegations.ListByDelegator(ctx, sess.OrgID, sess.UserID)
}

// ListAsDelegate returns delegations naming the session user as delegate.
func (s *DelegationService) ListAsDelegate(ctx context.Context, sess *models.Session) ([]*models.Delegation, error) {
	return s.delegations.ListByDelegate(ctx, sess.OrgID, sess.UserID)
}

// Update edits a delegation. Owner-only.
func (s *DelegationService) Update(ctx context.Context, id string, input UpdateDelegationInput, sess *models.Session) (*models.Delegation, error) {
	var updated *models.Delegation

	err := s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		delegation, err := s.delegations.GetByID(txCtx, sess.OrgID, id)
		if err != nil {
			return err
		}
		if delegation == nil {
			return apperrors.NewNotFoundError("delegation", id)
		}
		if delegation.UserID != sess.UserID {
			return apperrors.NewPermissionError("update", "this delegation")
		}

		if input.StartDate != nil {
			delegation.StartDate = *input.StartDate
		}
		if input.EndDate != nil {
			delegation.EndDate = *input.EndDate
		}
		if input.Active != nil {
			delegation.Active = *input.Active
		}
		if input.Reason != nil {
			delegation.Reason = *input.Reason
		}
		if delegation.EndDate.Before(delegation.StartDate) {
			return apperrors.NewValidationError("end_date", "end date must not precede start date")
		}

		if delegation.Active {
			overlap, err := s.delegations.HasOverlap(txCtx, sess.OrgID, sess.UserID, delegation.DefinitionID, delegation.StartDate, delegation.EndDate, delegation.ID)
			if err != nil {
				return err
			}
			if overlap {
				return apperrors.NewConflictError("delegation", "an active delegation already covers part of this window")
			}
		}

		if err := s.delegations.Update(txCtx, delegation); err != nil {
			return err
		}
		updated = delegation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a delegation. Owner-only.
func (s *DelegationService) Delete(ctx context.Context, id string, sess *models.Session) error {
	return s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		delegation, err := s.delegations.GetByID(txCtx, sess.OrgID, id)
		if err != nil {
			return err
		}
		if delegation == nil {
			return apperrors.NewNotFoundError("delegation", id)
		}
		if delegation.UserID != sess.UserID {
			return apperrors.NewPermissionError("delete", "this delegation")
		}
		return s.delegations.Delete(txCtx, sess.OrgID, id)
	})
}
