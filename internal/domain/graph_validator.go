package domain

import (
	"fmt"

	"github.com/aprovia/workflow/internal/domain/models"
)

// GraphStats summarizes a definition graph's structure.
type GraphStats struct {
	Steps          int `json:"steps"`
	Transitions    int `json:"transitions"`
	StartSteps     int `json:"start_steps"`
	EndSteps       int `json:"end_steps"`
	ApprovalSteps  int `json:"approval_steps"`
	ConditionSteps int `json:"condition_steps"`
}

// GraphValidation is the result of validating a definition graph.
type GraphValidation struct {
	Valid  bool       `json:"valid"`
	Errors []string   `json:"errors"`
	Stats  GraphStats `json:"stats"`
}

// ValidateGraph performs the structural checks a definition must pass before
// publication. Checks are independent: all failures accumulate, none
// short-circuits.
func ValidateGraph(steps []models.Step, transitions []models.Transition) GraphValidation {
	result := GraphValidation{Stats: collectStats(steps, transitions)}

	stepByID := make(map[string]*models.Step, len(steps))
	for i := range steps {
		stepByID[steps[i].ID] = &steps[i]
	}

	incoming := make(map[string]int)
	outgoing := make(map[string][]models.Transition)
	for _, t := range transitions {
		incoming[t.DestinationStepID]++
		outgoing[t.OriginStepID] = append(outgoing[t.OriginStepID], t)
		if _, ok := stepByID[t.OriginStepID]; !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("transition references unknown origin step '%s'", t.OriginStepID))
		}
		if _, ok := stepByID[t.DestinationStepID]; !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("transition references unknown destination step '%s'", t.DestinationStepID))
		}
	}

	// Exactly one start step.
	if result.Stats.StartSteps != 1 {
		result.Errors = append(result.Errors, fmt.Sprintf("graph must have exactly one start step, found %d", result.Stats.StartSteps))
	}

	// At least one end step.
	if result.Stats.EndSteps == 0 {
		result.Errors = append(result.Errors, "graph must have at least one end step")
	}

	for i := range steps {
		step := &steps[i]

		// No orphan steps.
		if incoming[step.ID] == 0 && len(outgoing[step.ID]) == 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("step '%s' is not connected to any transition", step.Code))
		}

		switch step.StepType {
		case models.StepTypeStart:
			if incoming[step.ID] > 0 {
				result.Errors = append(result.Errors, fmt.Sprintf("start step '%s' must not have incoming transitions", step.Code))
			}
			if len(outgoing[step.ID]) != 1 {
				result.Errors = append(result.Errors, fmt.Sprintf("start step '%s' must have exactly one outgoing transition, found %d", step.Code, len(outgoing[step.ID])))
			}
		case models.StepTypeEnd:
			if len(outgoing[step.ID]) > 0 {
				result.Errors = append(result.Errors, fmt.Sprintf("end step '%s' must not have outgoing transitions", step.Code))
			}
		case models.StepTypeCondition:
			if len(outgoing[step.ID]) != 2 {
				result.Errors = append(result.Errors, fmt.Sprintf("condition step '%s' must have exactly two outgoing transitions, found %d", step.Code, len(outgoing[step.ID])))
			}
		case models.StepTypeApproval:
			if len(step.Approvers) == 0 {
				result.Errors = append(result.Errors, fmt.Sprintf("approval step '%s' must declare at least one approver", step.Code))
			}
			// Approvals branch nowhere: a decision advances along one edge.
			// Zero edges would strand the instance after approval.
			if len(outgoing[step.ID]) != 1 {
				result.Errors = append(result.Errors, fmt.Sprintf("approval step '%s' must have exactly one outgoing transition, found %d", step.Code, len(outgoing[step.ID])))
			}
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("step '%s' has unknown type '%s'", step.Code, step.StepType))
		}
	}

	// A cycle through non-approval steps never pauses, so auto-advance would
	// loop forever. Cycles that pass through an approval step are legal: the
	// instance waits for a human there.
	if cycle := findNonPausingCycle(steps, stepByID, outgoing); cycle != "" {
		result.Errors = append(result.Errors, cycle)
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func collectStats(steps []models.Step, transitions []models.Transition) GraphStats {
	stats := GraphStats{Steps: len(steps), Transitions: len(transitions)}
	for _, s := range steps {
		switch s.StepType {
		case models.StepTypeStart:
			stats.StartSteps++
		case models.StepTypeEnd:
			stats.EndSteps++
		case models.StepTypeApproval:
			stats.ApprovalSteps++
		case models.StepTypeCondition:
			stats.ConditionSteps++
		}
	}
	return stats
}

// findNonPausingCycle searches for a cycle reachable from the start step
// that traverses only non-approval steps. Returns an error string or "".
func findNonPausingCycle(steps []models.Step, stepByID map[string]*models.Step, outgoing map[string][]models.Transition) string {
	var start *models.Step
	for i := range steps {
		if steps[i].StepType == models.StepTypeStart {
			start = &steps[i]
			break
		}
	}
	if start == nil {
		return ""
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(steps))

	var visit func(id string) string
	visit = func(id string) string {
		step, ok := stepByID[id]
		if !ok {
			return ""
		}
		// Approval steps pause the traversal; anything beyond them cannot
		// loop without human action in between.
		if step.StepType == models.StepTypeApproval {
			return ""
		}
		color[id] = gray
		for _, t := range outgoing[id] {
			switch color[t.DestinationStepID] {
			case gray:
				dest := stepByID[t.DestinationStepID]
				if dest != nil && dest.StepType != models.StepTypeApproval {
					return fmt.Sprintf("graph contains a cycle through step '%s' with no approval step to break it", dest.Code)
				}
			case white:
				if msg := visit(t.DestinationStepID); msg != "" {
					return msg
				}
			}
		}
		color[id] = black
		return ""
	}

	return visit(start.ID)
}
