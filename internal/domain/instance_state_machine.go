package domain

import (
	"fmt"

	"github.com/aprovia/workflow/internal/domain/models"
)

// InstanceState represents the lifecycle state of a workflow instance.
type InstanceState string

const (
	// StateInProgress indicates the instance is waiting at, or moving
	// through, a step.
	StateInProgress InstanceState = models.InstanceStateInProgress
	// StateApproved indicates the instance reached an approving end step.
	StateApproved InstanceState = models.InstanceStateApproved
	// StateRejected indicates an approver rejected the instance or it
	// reached a rejecting end step.
	StateRejected InstanceState = models.InstanceStateRejected
	// StateCanceled indicates a caller canceled the instance mid-flight.
	StateCanceled InstanceState = models.InstanceStateCanceled
	// StateExpired indicates the deadline sweep expired the instance.
	StateExpired InstanceState = models.InstanceStateExpired
)

// InstanceTransition represents an action that can change instance state.
type InstanceTransition string

const (
	// TransitionComplete terminates the instance at an approving end step.
	TransitionComplete InstanceTransition = "Complete"
	// TransitionReject terminates the instance on rejection.
	TransitionReject InstanceTransition = "Reject"
	// TransitionCancel terminates the instance on explicit cancellation.
	TransitionCancel InstanceTransition = "Cancel"
	// TransitionExpire terminates the instance past its deadline.
	TransitionExpire InstanceTransition = "Expire"
)

// InstanceStateMachine enforces valid state transitions for workflow
// instances. Invalid transitions return an error (fail-fast approach).
// Step-to-step movement is not a state transition: the instance stays
// in_progress while it advances through the graph.
type InstanceStateMachine struct {
	// transitions maps (current state, transition) -> next state
	transitions map[stateTransitionKey]InstanceState
}

type stateTransitionKey struct {
	state      InstanceState
	transition InstanceTransition
}

// NewInstanceStateMachine creates a state machine with the instance
// lifecycle rules.
// State diagram:
//
//	        Start
//	          │
//	          ▼
//	    [in_progress]
//	     │   │   │  \
//	Complete │ Cancel Expire
//	     │ Reject │      \
//	     ▼   ▼    ▼       ▼
//	[approved][rejected][canceled][expired]
//
// All four outcome states are terminal.
func NewInstanceStateMachine() *InstanceStateMachine {
	sm := &InstanceStateMachine{
		transitions: make(map[stateTransitionKey]InstanceState),
	}

	sm.addTransition(StateInProgress, TransitionComplete, StateApproved)
	sm.addTransition(StateInProgress, TransitionReject, StateRejected)
	sm.addTransition(StateInProgress, TransitionCancel, StateCanceled)
	sm.addTransition(StateInProgress, TransitionExpire, StateExpired)

	return sm
}

func (sm *InstanceStateMachine) addTransition(from InstanceState, via InstanceTransition, to InstanceState) {
	key := stateTransitionKey{state: from, transition: via}
	sm.transitions[key] = to
}

// Transition attempts to transition from the current state using the given
// action. Returns the new state or an error if the transition is invalid.
func (sm *InstanceStateMachine) Transition(current InstanceState, action InstanceTransition) (InstanceState, error) {
	key := stateTransitionKey{state: current, transition: action}
	next, ok := sm.transitions[key]
	if !ok {
		return current, fmt.Errorf("invalid state transition: cannot %s from %s", action, current)
	}
	return next, nil
}

// CanTransition checks if a transition is valid without performing it.
func (sm *InstanceStateMachine) CanTransition(current InstanceState, action InstanceTransition) bool {
	key := stateTransitionKey{state: current, transition: action}
	_, ok := sm.transitions[key]
	return ok
}

// ValidTransitions returns all valid transitions from the given state.
func (sm *InstanceStateMachine) ValidTransitions(state InstanceState) []InstanceTransition {
	var result []InstanceTransition
	for key := range sm.transitions {
		if key.state == state {
			result = append(result, key.transition)
		}
	}
	return result
}

// IsTerminal returns true if the state is a terminal state (no further
// transitions).
func (sm *InstanceStateMachine) IsTerminal(state InstanceState) bool {
	return state != StateInProgress
}
