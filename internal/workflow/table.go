package workflow

import "sprintline/internal/domain"

// transitions is the static workflow table: state -> command -> next state.
var transitions = map[domain.WorkflowState]map[domain.CommandName]domain.WorkflowState{
	domain.StateIdle: {
		domain.CmdEpic:            domain.StateBacklogReady,
		domain.CmdProjectRegister: domain.StateIdle,
	},
	domain.StateBacklogReady: {
		domain.CmdEpic:              domain.StateBacklogReady,
		domain.CmdBacklogAddStory:   domain.StateBacklogReady,
		domain.CmdBacklogPrioritize: domain.StateBacklogReady,
		domain.CmdApprove:           domain.StateBacklogReady,
		domain.CmdSprintPlan:        domain.StateSprintPlanned,
	},
	domain.StateSprintPlanned: {
		domain.CmdSprintPlan:        domain.StateSprintPlanned,
		domain.CmdBacklogAddStory:   domain.StateSprintPlanned,
		domain.CmdBacklogPrioritize: domain.StateSprintPlanned,
		domain.CmdApprove:           domain.StateSprintPlanned,
		domain.CmdSprintStart:       domain.StateSprintActive,
	},
	domain.StateSprintActive: {
		domain.CmdSprintPause:   domain.StateSprintPaused,
		domain.CmdSprintReview:  domain.StateSprintReview,
		domain.CmdReportFailure: domain.StateSprintActive,
		domain.CmdSignalBlocked: domain.StateBlocked,
	},
	domain.StateSprintPaused: {
		domain.CmdSprintResume: domain.StateSprintActive,
	},
	domain.StateBlocked: {
		domain.CmdSuggestFix: domain.StateSprintActive,
		domain.CmdSkipTask:   domain.StateSprintActive,
	},
	domain.StateSprintReview: {
		domain.CmdFeedback:       domain.StateIdle,
		domain.CmdRequestChanges: domain.StateBacklogReady,
	},
}

// unitSteps maps each TDD command to the state it requires and the state it produces.
var unitSteps = map[domain.CommandName]struct {
	from domain.WorkUnitState
	to   domain.WorkUnitState
}{
	domain.CmdTDDTest:     {domain.UnitDesign, domain.UnitTestRed},
	domain.CmdTDDCode:     {domain.UnitTestRed, domain.UnitCodeGreen},
	domain.CmdTDDRefactor: {domain.UnitCodeGreen, domain.UnitRefactor},
	domain.CmdTDDCommit:   {domain.UnitRefactor, domain.UnitCommit},
}

// readOnlyStates restricts where inspection commands make sense; commands
// absent from the map are readable in every state.
var readOnlyStates = map[domain.CommandName][]domain.WorkflowState{
	domain.CmdSprintStatus: {
		domain.StateSprintPlanned,
		domain.StateSprintActive,
		domain.StateSprintPaused,
		domain.StateBlocked,
		domain.StateSprintReview,
	},
}
