package flow

import (
	"fmt"

	"leadline/internal/domain"
)

// nextStep is the forward transition table. Routing (step 2) is the only
// fork: monthly continues on the numbered steps, one-off jumps to O1.
func nextStep(branch domain.FlowBranch, from domain.Step) (domain.Step, error) {
	if from.Terminal() {
		return domain.Step{}, fmt.Errorf("step %s is terminal", from)
	}
	switch from {
	case domain.StepRouting:
		switch branch {
		case domain.BranchMonthly:
			return domain.StepQualification, nil
		case domain.BranchOneOff:
			return domain.StepOneOffScoping, nil
		}
		return domain.Step{}, fmt.Errorf("no branch chosen at step %s", from)
	case domain.StepOneOffScoping:
		return domain.StepOneOffProceed, nil
	case domain.StepOneOffProceed:
		return domain.StepOneOffConfirmation, nil
	}
	if from.IsOneOff() {
		return domain.Step{}, fmt.Errorf("no forward transition from %s", from)
	}
	return domain.Step{Number: from.Number + 1}, nil
}

// prevStep is the backward table. The entry steps of each branch have no way
// back, and terminal steps have no outgoing transitions in either direction;
// everything else steps to its predecessor.
func prevStep(branch domain.FlowBranch, from domain.Step) (domain.Step, error) {
	if from.Terminal() {
		return domain.Step{}, fmt.Errorf("step %s is terminal", from)
	}
	switch from {
	case domain.StepIdentity, domain.StepOneOffScoping:
		return domain.Step{}, fmt.Errorf("cannot go back from step %s", from)
	case domain.StepOneOffProceed:
		return domain.StepOneOffScoping, nil
	}
	if from.IsOneOff() || from.Number < 2 || from.Number > 9 {
		return domain.Step{}, fmt.Errorf("no backward transition from %s", from)
	}
	return domain.Step{Number: from.Number - 1}, nil
}

// stepOnBranch reports whether the step belongs to the branch's path.
func stepOnBranch(branch domain.FlowBranch, s domain.Step) bool {
	if s.IsOneOff() {
		return branch == domain.BranchOneOff
	}
	if s.Number <= 2 {
		return true
	}
	return branch == domain.BranchMonthly
}
