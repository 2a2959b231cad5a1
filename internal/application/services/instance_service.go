package services

import (
	"context"
	"log"

	"github.com/aprovia/workflow/internal/domain/models"
	"github.com/aprovia/workflow/internal/domain/ports"
	apperrors "github.com/aprovia/workflow/pkg/errors"
)

// PendingQuery narrows the pending-for-user listing.
type PendingQuery struct {
	EntityType string `json:"entity_type,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// InstanceDetail is the get-by-id projection: the instance, its ordered
// history, and a denormalized summary of the underlying entity.
type InstanceDetail struct {
	Instance      *models.WorkflowInstance `json:"instance"`
	History       []*models.HistoryEntry   `json:"history"`
	EntitySummary map[string]interface{}   `json:"entity_summary,omitempty"`
}

// InstanceService provides the read surfaces over workflow instances:
// pending work for a user, instance detail, and the historical listing.
type InstanceService struct {
	instances   ports.InstanceRepository
	definitions ports.DefinitionRepository
	resolver    *ApproverResolver
	entities    ports.EntityLookup
}

// NewInstanceService creates a new InstanceService
func NewInstanceService(instances ports.InstanceRepository, definitions ports.DefinitionRepository, resolver *ApproverResolver, entities ports.EntityLookup) *InstanceService {
	return &InstanceService{
		instances:   instances,
		definitions: definitions,
		resolver:    resolver,
		entities:    entities,
	}
}

// PendingForUser returns the in-progress instances waiting at an approval
// step the user may act on, highest priority first, oldest first within a
// priority band. Eligibility is resolved live per instance, so delegation
// or role changes take effect immediately.
func (s *InstanceService) PendingForUser(ctx context.Context, query PendingQuery, sess *models.Session) ([]*models.WorkflowInstance, error) {
	eligible, err := s.eligiblePending(ctx, query.EntityType, sess)
	if err != nil {
		return nil, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := query.Offset
	if offset >= len(eligible) {
		return []*models.WorkflowInstance{}, nil
	}
	end := offset + limit
	if end > len(eligible) {
		end = len(eligible)
	}
	return eligible[offset:end], nil
}

// CountPendingForUser is the cheap variant backing UI badges.
func (s *InstanceService) CountPendingForUser(ctx context.Context, entityType string, sess *models.Session) (int, error) {
	eligible, err := s.eligiblePending(ctx, entityType, sess)
	if err != nil {
		return 0, err
	}
	return len(eligible), nil
}

// Get returns an instance with its full history and, when an entity lookup
// collaborator is wired, a denormalized entity summary.
func (s *InstanceService) Get(ctx context.Context, instanceID string, sess *models.Session) (*InstanceDetail, error) {
	instance, err := s.instances.GetByID(ctx, sess.OrgID, instanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, apperrors.NewNotFoundError("workflow instance", instanceID)
	}

	history, err := s.instances.ListHistory(ctx, instance.ID)
	if err != nil {
		return nil, err
	}

	detail := &InstanceDetail{Instance: instance, History: history}

	if s.entities != nil {
		summary, err := s.entities.Summary(ctx, sess.OrgID, instance.EntityType, instance.EntityID)
		if err != nil {
			// The summary is decoration; a missing entity must not hide the
			// instance itself.
			log.Printf("⚠️ Failed to load entity summary for %s/%s: %v", instance.EntityType, instance.EntityID, err)
		} else {
			detail.EntitySummary = summary
		}
	}

	return detail, nil
}

// ListHistorical returns terminal-state instances matching the filter.
func (s *InstanceService) ListHistorical(ctx context.Context, filter ports.TerminalFilter, sess *models.Session) ([]*models.WorkflowInstance, error) {
	return s.instances.ListTerminal(ctx, sess.OrgID, filter)
}

// DefinitionSummaries returns all definitions with live step, transition
// and active-instance counts.
func (s *InstanceService) DefinitionSummaries(ctx context.Context, sess *models.Session) ([]*models.DefinitionSummary, error) {
	return s.definitions.Summaries(ctx, sess.OrgID)
}

// Private helpers

func (s *InstanceService) eligiblePending(ctx context.Context, entityType string, sess *models.Session) ([]*models.WorkflowInstance, error) {
	candidates, err := s.instances.PendingCandidates(ctx, sess.OrgID, entityType)
	if err != nil {
		return nil, err
	}

	defCache := make(map[string]*models.WorkflowDefinition)
	eligible := make([]*models.WorkflowInstance, 0, len(candidates))

	for _, instance := range candidates {
		def, ok := defCache[instance.DefinitionID]
		if !ok {
			def, err = s.definitions.GetByID(ctx, sess.OrgID, instance.DefinitionID)
			if err != nil {
				return nil, err
			}
			defCache[instance.DefinitionID] = def
		}
		if def == nil || instance.CurrentStepID == nil {
			continue
		}

		step := def.StepByID(*instance.CurrentStepID)
		can, err := s.resolver.CanAct(ctx, instance, step, sess)
		if err != nil {
			return nil, err
		}
		if can {
			eligible = append(eligible, instance)
		}
	}

	return eligible, nil
}
