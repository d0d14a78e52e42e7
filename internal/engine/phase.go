package engine

// Transition is a directed phase step used as a threshold key.
type Transition struct {
	From Phase
	To   Phase
}

// Workflow holds the role thresholds governing a box's lifecycle.
type Workflow struct {
	// Thresholds maps each forward step to the minimum role allowed to take it.
	Thresholds    map[Transition]Role
	ForceRole     Role
	ApproveRole   Role
	CreateBoxRole Role
}

// DefaultWorkflow returns the stock thresholds.
func DefaultWorkflow() Workflow {
	return Workflow{
		Thresholds: map[Transition]Role{
			{PhaseWild, PhaseDiscussion}:     RoleModerator,
			{PhaseDiscussion, PhaseApproval}: RoleSuperModerator,
			{PhaseApproval, PhaseVoting}:     RoleSuperModerator,
			{PhaseVoting, PhaseResults}:      RoleSuperModerator,
		},
		ForceRole:     RoleAdmin,
		ApproveRole:   RoleModerator,
		CreateBoxRole: RoleSuperModerator,
	}
}

// NextPhase returns the phase following p in the workflow order.
func NextPhase(p Phase) (Phase, bool) {
	for i, ph := range Phases {
		if ph == p && i+1 < len(Phases) {
			return Phases[i+1], true
		}
	}
	return 0, false
}

// Threshold returns the role needed for the step from -> to. Steps without an
// explicit threshold require the force role.
func (w Workflow) Threshold(from, to Phase) Role {
	if r, ok := w.Thresholds[Transition{from, to}]; ok {
		return r
	}
	return w.ForceRole
}

// Check validates a transition request against the workflow. Without force only
// the next ordinal phase is reachable; force allows any other known phase,
// including a regression, to holders of ForceRole.
func (w Workflow) Check(from, to Phase, role Role, force bool) error {
	if !to.Valid() {
		return newError(CodeInvalidTransition, "unknown target phase %d", int(to))
	}
	if force {
		if to == from {
			return newError(CodeInvalidTransition, "box is already in phase %s", to)
		}
		if role < w.ForceRole {
			return newError(CodePermissionDenied, "forcing a phase change requires role %d", int(w.ForceRole))
		}
		return nil
	}
	next, ok := NextPhase(from)
	if !ok || next != to {
		return newError(CodeInvalidTransition, "%s is not reachable from %s", to, from)
	}
	if need := w.Threshold(from, to); role < need {
		return newError(CodePermissionDenied, "moving %s -> %s requires role %d", from, to, int(need))
	}
	return nil
}

// Validate rejects workflows with unknown phases or roles.
func (w Workflow) Validate() error {
	for t, r := range w.Thresholds {
		if !t.From.Valid() || !t.To.Valid() {
			return InvalidInputf("threshold for unknown phase %d -> %d", int(t.From), int(t.To))
		}
		if !r.Valid() {
			return InvalidInputf("threshold %s -> %s: invalid role %d", t.From, t.To, int(r))
		}
	}
	for _, r := range []Role{w.ForceRole, w.ApproveRole, w.CreateBoxRole} {
		if !r.Valid() {
			return InvalidInputf("invalid role %d", int(r))
		}
	}
	return nil
}

// Action is an operation gated by the box phase.
type Action string

const (
	ActionCreateIdea  Action = "createIdea"
	ActionApprove     Action = "approve"
	ActionVote        Action = "vote"
	ActionDelegate    Action = "delegate"
	ActionUndelegate  Action = "undelegate"
	ActionViewResults Action = "viewResults"
)

// CanPerform reports whether action is legal while a box is in phase.
func CanPerform(phase Phase, action Action) bool {
	switch action {
	case ActionCreateIdea:
		return phase == PhaseWild || phase == PhaseDiscussion
	case ActionApprove:
		return phase == PhaseApproval
	case ActionVote, ActionDelegate, ActionUndelegate:
		return phase == PhaseVoting
	case ActionViewResults:
		return phase == PhaseResults
	}
	return false
}

func requirePhase(box Box, action Action) error {
	if !CanPerform(box.Phase, action) {
		return newError(CodePhaseNotOpen, "%s is not allowed while box %s is in phase %s", action, box.ID, box.Phase)
	}
	return nil
}
