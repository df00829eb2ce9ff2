package workflow

import (
	"testing"
	"time"

	"sprintline/internal/domain"
)

func cmd(name domain.CommandName, args domain.Args) domain.Command {
	if args == nil {
		args = domain.NoArgs{}
	}
	return domain.Command{Name: name, Args: args, Issuer: "alice", Level: domain.LevelAdmin}
}

func newMachine() *Machine {
	m := New(2, 3)
	m.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return m
}

func mustApply(t *testing.T, m *Machine, s Snapshot, c domain.Command) Snapshot {
	t.Helper()
	d := m.Validate(s, c)
	if !d.Allowed {
		t.Fatalf("%s in %s: %s", c.Name, s.State, d.Detail)
	}
	next, err := m.Apply(s, c)
	if err != nil {
		t.Fatalf("apply %s: %v", c.Name, err)
	}
	return next
}

func activeSprint(t *testing.T, m *Machine) Snapshot {
	t.Helper()
	s := NewSnapshot()
	s = mustApply(t, m, s, cmd(domain.CmdEpic, domain.TextArgs{Text: "login"}))
	s = mustApply(t, m, s, cmd(domain.CmdSprintPlan, domain.IDListArgs{IDs: []string{"S-1", "S-2", "S-3"}}))
	return mustApply(t, m, s, cmd(domain.CmdSprintStart, nil))
}

func TestCommandsOutsideTableAreRefused(t *testing.T) {
	m := newMachine()
	for _, state := range domain.WorkflowStates {
		for _, name := range domain.CommandNames() {
			c := cmd(name, nil)
			if c.ReadOnly() || name == domain.CmdResolve || name == domain.CmdClaim {
				continue
			}
			if _, ok := unitSteps[name]; ok || name == domain.CmdTDDStart || name == domain.CmdTDDAbort {
				continue
			}
			if _, ok := transitions[state][name]; ok {
				continue
			}
			s := NewSnapshot()
			s.State = state
			d := m.Validate(s, c)
			if d.Allowed {
				t.Fatalf("%s allowed in %s but absent from table", name, state)
			}
			if d.Reason != domain.ReasonNotAllowedInState {
				t.Fatalf("%s in %s: reason %s", name, state, d.Reason)
			}
			if _, err := m.Apply(s, c); err == nil {
				t.Fatalf("apply of refused %s in %s succeeded", name, state)
			}
		}
	}
}

func TestHappyPathThroughReview(t *testing.T) {
	m := newMachine()
	s := activeSprint(t, m)
	if s.State != domain.StateSprintActive {
		t.Fatalf("expected SPRINT_ACTIVE, got %s", s.State)
	}
	s = mustApply(t, m, s, cmd(domain.CmdTDDStart, domain.UnitArgs{UnitID: "S-1"}))
	for _, step := range []domain.CommandName{domain.CmdTDDTest, domain.CmdTDDCode, domain.CmdTDDRefactor, domain.CmdTDDCommit} {
		s = mustApply(t, m, s, cmd(step, domain.UnitArgs{UnitID: "S-1"}))
	}
	if got := s.Units["S-1"].State; got != domain.UnitCommit {
		t.Fatalf("expected COMMIT, got %s", got)
	}
	s = mustApply(t, m, s, cmd(domain.CmdSprintReview, nil))
	s = mustApply(t, m, s, cmd(domain.CmdFeedback, domain.TextArgs{Text: "ship it"}))
	if s.State != domain.StateIdle || len(s.Units) != 0 || len(s.SprintStories) != 0 {
		t.Fatalf("expected clean IDLE, got %+v", s)
	}
}

func TestReviewRequiresAllUnitsCommitted(t *testing.T) {
	m := newMachine()
	s := activeSprint(t, m)
	s = mustApply(t, m, s, cmd(domain.CmdTDDStart, domain.UnitArgs{UnitID: "S-1"}))
	s = mustApply(t, m, s, cmd(domain.CmdTDDTest, domain.UnitArgs{UnitID: "S-1"}))
	s = mustApply(t, m, s, cmd(domain.CmdTDDCode, domain.UnitArgs{UnitID: "S-1"}))
	d := m.Validate(s, cmd(domain.CmdSprintReview, nil))
	if d.Allowed || d.Reason != domain.ReasonNotAllowedInState {
		t.Fatalf("expected NotAllowedInState, got %+v", d)
	}
}

func TestUnitStepsCannotSkip(t *testing.T) {
	m := newMachine()
	s := activeSprint(t, m)
	s = mustApply(t, m, s, cmd(domain.CmdTDDStart, domain.UnitArgs{UnitID: "S-1"}))
	if d := m.Validate(s, cmd(domain.CmdTDDCode, domain.UnitArgs{UnitID: "S-1"})); d.Allowed {
		t.Fatalf("DESIGN -> CODE_GREEN must not be allowed")
	}
	if d := m.Validate(s, cmd(domain.CmdTDDCommit, domain.UnitArgs{UnitID: "S-1"})); d.Allowed {
		t.Fatalf("DESIGN -> COMMIT must not be allowed")
	}
}

func TestParallelLimitAndSprintMembership(t *testing.T) {
	m := newMachine()
	s := activeSprint(t, m)
	s = mustApply(t, m, s, cmd(domain.CmdTDDStart, domain.UnitArgs{UnitID: "S-1"}))
	s = mustApply(t, m, s, cmd(domain.CmdTDDStart, domain.UnitArgs{UnitID: "S-2"}))
	if d := m.Validate(s, cmd(domain.CmdTDDStart, domain.UnitArgs{UnitID: "S-3"})); d.Allowed {
		t.Fatalf("expected parallel limit to refuse third unit")
	}
	if d := m.Validate(s, cmd(domain.CmdTDDStart, domain.UnitArgs{UnitID: "X-9"})); d.Allowed {
		t.Fatalf("expected story outside sprint to be refused")
	}
}

func TestUnitOwnership(t *testing.T) {
	m := newMachine()
	s := activeSprint(t, m)
	s = mustApply(t, m, s, cmd(domain.CmdTDDStart, domain.UnitArgs{UnitID: "S-1"}))
	other := domain.Command{Name: domain.CmdTDDTest, Args: domain.UnitArgs{UnitID: "S-1"}, Issuer: "bob", Level: domain.LevelContributor}
	d := m.Validate(s, other)
	if d.Allowed || d.Reason != domain.ReasonPermissionDenied {
		t.Fatalf("expected PermissionDenied for non-owner, got %+v", d)
	}
	other.Level = domain.LevelMaintainer
	if d := m.Validate(s, other); !d.Allowed {
		t.Fatalf("maintainer should advance any unit: %s", d.Detail)
	}
}

func TestFailureSignalBlocksAtThreshold(t *testing.T) {
	m := newMachine()
	s := activeSprint(t, m)
	s = mustApply(t, m, s, cmd(domain.CmdTDDStart, domain.UnitArgs{UnitID: "S-1"}))
	signal := cmd(domain.CmdSignalBlocked, nil)
	for i := 0; i < 3; i++ {
		if d := m.Validate(s, signal); d.Allowed {
			t.Fatalf("signal allowed after %d failures", i)
		}
		s = mustApply(t, m, s, cmd(domain.CmdReportFailure, domain.FailureArgs{UnitID: "S-1", Reason: "red"}))
	}
	if !m.ShouldBlock(s) {
		t.Fatalf("expected ShouldBlock after 3 failures")
	}
	s = mustApply(t, m, s, signal)
	if s.State != domain.StateBlocked {
		t.Fatalf("expected BLOCKED, got %s", s.State)
	}
	s = mustApply(t, m, s, cmd(domain.CmdSuggestFix, domain.TextArgs{Text: "mock the clock"}))
	if s.State != domain.StateSprintActive || s.Failures != 0 {
		t.Fatalf("expected SPRINT_ACTIVE with reset failures, got %s/%d", s.State, s.Failures)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	m := newMachine()
	s := activeSprint(t, m)
	before := s.Clone()
	if _, err := m.Apply(s, cmd(domain.CmdTDDStart, domain.UnitArgs{UnitID: "S-1"})); err != nil {
		t.Fatal(err)
	}
	if len(s.Units) != len(before.Units) {
		t.Fatalf("input snapshot mutated")
	}
}

func TestCorruptStateIsInvariantViolation(t *testing.T) {
	m := newMachine()
	s := NewSnapshot()
	s.State = "LIMBO"
	d := m.Validate(s, cmd(domain.CmdEpic, domain.TextArgs{Text: "x"}))
	if d.Allowed || d.Reason != domain.ReasonInternalInvariant {
		t.Fatalf("expected invariant violation, got %+v", d)
	}
}

func TestSuggestIsReadOnly(t *testing.T) {
	m := newMachine()
	s := activeSprint(t, m)
	before := s.Clone()
	names := m.Suggest(s)
	found := map[domain.CommandName]bool{}
	for _, n := range names {
		found[n] = true
	}
	for _, want := range []domain.CommandName{domain.CmdSprintPause, domain.CmdTDDStart, domain.CmdSprintStatus} {
		if !found[want] {
			t.Fatalf("expected %s in suggestions %v", want, names)
		}
	}
	if found[domain.CmdSignalBlocked] {
		t.Fatalf("internal command leaked into suggestions")
	}
	if s.State != before.State || len(s.Units) != len(before.Units) {
		t.Fatalf("suggest mutated snapshot")
	}
}
