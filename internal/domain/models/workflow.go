package models

import (
	"time"
)

// Step types form a closed set. The engine traverses start and condition
// steps without user input; approval steps wait for an actor; end steps
// terminate the instance.
const (
	StepTypeStart     = "start"
	StepTypeEnd       = "end"
	StepTypeApproval  = "approval"
	StepTypeCondition = "condition"
)

// Approver specifier kinds for approval steps.
const (
	ApproverKindRole       = "role"
	ApproverKindUser       = "user"
	ApproverKindPermission = "permission"
)

// Instance states.
const (
	InstanceStateInProgress = "in_progress"
	InstanceStateApproved   = "approved"
	InstanceStateRejected   = "rejected"
	InstanceStateCanceled   = "canceled"
	InstanceStateExpired    = "expired"
)

// History actions.
const (
	HistoryActionStarted  = "started"
	HistoryActionApproved = "approved"
	HistoryActionRejected = "rejected"
	HistoryActionAdvanced = "advanced"
	HistoryActionCanceled = "canceled"
	HistoryActionExpired  = "expired"
)

// End step outcomes. Default is approved; a condition branch can route to a
// rejecting end step so an instance terminates rejected without an actor.
const (
	EndOutcomeApproved = "approved"
	EndOutcomeRejected = "rejected"
)

// Entity types the engine can attach workflows to (closed catalog).
var EntityTypes = []string{
	"purchase_order",
	"pos_sale",
	"appointment",
	"expense",
	"requisition",
}

// WorkflowDefinition is the reusable template graph for an approval process.
// Structure is editable only while unpublished.
type WorkflowDefinition struct {
	ID                  string       `json:"id"`
	OrgID               string       `json:"org_id"`
	Code                string       `json:"code"`
	Name                string       `json:"name"`
	Description         *string      `json:"description,omitempty"`
	EntityType          string       `json:"entity_type"`
	ActivationCondition string       `json:"activation_condition,omitempty"`
	Priority            int          `json:"priority"`
	Published           bool         `json:"published"`
	CreatedByID         *string      `json:"created_by_id,omitempty"`
	CreatedDate         time.Time    `json:"created_date"`
	LastModifiedDate    time.Time    `json:"last_modified_date"`
	Steps               []Step       `json:"steps,omitempty"`
	Transitions         []Transition `json:"transitions,omitempty"`
}

// ApproverSpec names one set of eligible actors for an approval step.
type ApproverSpec struct {
	Kind  string `json:"kind"` // role, user, permission
	Value string `json:"value"`
}

// Step is a node in a definition's graph.
type Step struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	Code         string         `json:"code"`
	Name         string         `json:"name"`
	StepType     string         `json:"step_type"` // start, end, approval, condition
	Approvers    []ApproverSpec `json:"approvers,omitempty"` // approval steps
	Condition    string         `json:"condition,omitempty"`  // condition steps
	Outcome      string         `json:"outcome,omitempty"`    // end steps, defaults to approved
	LayoutX      float64        `json:"layout_x"`
	LayoutY      float64        `json:"layout_y"`
}

// Transition is a directed edge between two steps of one definition.
// Label distinguishes the two outgoing edges of a condition step
// (conventionally "yes"/"no").
type Transition struct {
	ID                string `json:"id"`
	DefinitionID      string `json:"definition_id"`
	OriginStepID      string `json:"origin_step_id"`
	DestinationStepID string `json:"destination_step_id"`
	Label             string `json:"label,omitempty"`
	Condition         string `json:"condition,omitempty"`
}

// WorkflowInstance is one execution of a definition against one entity.
// Context is frozen at start and used for all condition evaluation.
type WorkflowInstance struct {
	ID            string                 `json:"id"`
	OrgID         string                 `json:"org_id"`
	DefinitionID  string                 `json:"definition_id"`
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	State         string                 `json:"state"`
	CurrentStepID *string                `json:"current_step_id,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Priority      int                    `json:"priority"`
	InitiatedByID string                 `json:"initiated_by_id"`
	StartedDate   time.Time              `json:"started_date"`
	DueDate       *time.Time             `json:"due_date,omitempty"`
	CompletedDate *time.Time             `json:"completed_date,omitempty"`
	Result        map[string]interface{} `json:"result,omitempty"`
}

// HistoryEntry is an immutable, append-only record of one engine transition
// or actor decision. ActorID is nil for automatic advances.
type HistoryEntry struct {
	ID          string    `json:"id"`
	InstanceID  string    `json:"instance_id"`
	StepID      *string   `json:"step_id,omitempty"`
	ActorID     *string   `json:"actor_id,omitempty"`
	Action      string    `json:"action"`
	Comment     string    `json:"comment,omitempty"`
	CreatedDate time.Time `json:"created_date"`
}

// Delegation is a time-bounded grant letting DelegateID act as an approver
// on UserID's behalf, optionally scoped to a single workflow definition.
type Delegation struct {
	ID           string     `json:"id"`
	OrgID        string     `json:"org_id"`
	UserID       string     `json:"user_id"`
	DelegateID   string     `json:"delegate_id"`
	DefinitionID *string    `json:"definition_id,omitempty"` // nil = all workflows
	StartDate    time.Time  `json:"start_date"`
	EndDate      time.Time  `json:"end_date"`
	Active       bool       `json:"active"`
	Reason       string     `json:"reason,omitempty"`
	CreatedDate  time.Time  `json:"created_date"`
}

// CoversAt reports whether the delegation is usable at the given time for
// the given definition.
func (d *Delegation) CoversAt(at time.Time, definitionID string) bool {
	if !d.Active {
		return false
	}
	if at.Before(d.StartDate) || at.After(d.EndDate) {
		return false
	}
	if d.DefinitionID != nil && *d.DefinitionID != definitionID {
		return false
	}
	return true
}

// DefinitionSummary is the list-definitions row with live counts.
type DefinitionSummary struct {
	Definition      WorkflowDefinition `json:"definition"`
	StepCount       int                `json:"step_count"`
	TransitionCount int                `json:"transition_count"`
	ActiveInstances int                `json:"active_instances"`
}

// IsTerminalState reports whether the instance state admits no further
// transitions.
func IsTerminalState(state string) bool {
	switch state {
	case InstanceStateApproved, InstanceStateRejected, InstanceStateCanceled, InstanceStateExpired:
		return true
	}
	return false
}

// IsValidEntityType reports whether the entity type is in the catalog.
func IsValidEntityType(entityType string) bool {
	for _, t := range EntityTypes {
		if t == entityType {
			return true
		}
	}
	return false
}

// StepByID returns the step with the given id, or nil.
func (d *WorkflowDefinition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// StartStep returns the definition's start step, or nil.
func (d *WorkflowDefinition) StartStep() *Step {
	for i := range d.Steps {
		if d.Steps[i].StepType == StepTypeStart {
			return &d.Steps[i]
		}
	}
	return nil
}

// Outgoing returns the transitions leaving the given step.
func (d *WorkflowDefinition) Outgoing(stepID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.OriginStepID == stepID {
			out = append(out, t)
		}
	}
	return out
}
