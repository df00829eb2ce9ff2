// Package workflow holds the project workflow and TDD transition logic. It is
// pure: no I/O, no goroutines, and snapshots are copied rather than mutated.
package workflow

import (
	"fmt"
	"sort"
	"time"

	"sprintline/internal/domain"
)

const (
	DefaultMaxParallelUnits = 3
	DefaultFailureThreshold = 3
)

// Snapshot is the mutable sub-state of one project as seen by the machine.
type Snapshot struct {
	State         domain.WorkflowState
	Units         map[string]domain.WorkUnit
	SprintStories []string
	Failures      int
}

// NewSnapshot returns the initial IDLE snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{State: domain.StateIdle, Units: map[string]domain.WorkUnit{}}
}

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{State: s.State, Failures: s.Failures, Units: make(map[string]domain.WorkUnit, len(s.Units))}
	for id, u := range s.Units {
		out.Units[id] = u
	}
	if len(s.SprintStories) > 0 {
		out.SprintStories = append([]string(nil), s.SprintStories...)
	}
	return out
}

// UnitList returns the units sorted by id.
func (s Snapshot) UnitList() []domain.WorkUnit {
	units := make([]domain.WorkUnit, 0, len(s.Units))
	for _, u := range s.Units {
		units = append(units, u)
	}
	domain.SortUnits(units)
	return units
}

// Decision is the outcome of Validate.
type Decision struct {
	Allowed bool
	Next    domain.WorkflowState
	Reason  domain.Reason
	Detail  string
}

// Err converts a refused decision into a typed error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	e := &domain.Error{Reason: d.Reason, Message: d.Detail}
	if d.Reason == domain.ReasonPermissionDenied {
		e.Required = domain.LevelMaintainer
	}
	return e
}

// Machine evaluates commands against a snapshot.
type Machine struct {
	MaxParallelUnits int
	FailureThreshold int
	Now              func() time.Time
}

// New returns a machine with the given limits; zero values fall back to defaults.
func New(maxParallel, failureThreshold int) *Machine {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallelUnits
	}
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	return &Machine{MaxParallelUnits: maxParallel, FailureThreshold: failureThreshold, Now: time.Now}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func notAllowed(s Snapshot, cmd domain.Command, detail string) Decision {
	if detail == "" {
		detail = fmt.Sprintf("%s not allowed in %s", cmd.Name.Slash(), s.State)
	}
	return Decision{Allowed: false, Reason: domain.ReasonNotAllowedInState, Detail: detail}
}

// Validate decides whether cmd is legal in s. It never fails fatally: unknown
// commands are refused with NotAllowedInState.
func (m *Machine) Validate(s Snapshot, cmd domain.Command) Decision {
	if !s.State.Valid() {
		return Decision{Reason: domain.ReasonInternalInvariant, Detail: fmt.Sprintf("unknown workflow state %q", s.State)}
	}
	if cmd.ReadOnly() {
		return m.validateRead(s, cmd)
	}
	if _, ok := unitSteps[cmd.Name]; ok || cmd.Name == domain.CmdTDDStart || cmd.Name == domain.CmdTDDAbort {
		return m.validateUnit(s, cmd)
	}
	next, ok := transitions[s.State][cmd.Name]
	if !ok {
		return notAllowed(s, cmd, "")
	}
	switch cmd.Name {
	case domain.CmdSprintReview:
		if len(s.Units) == 0 {
			return notAllowed(s, cmd, "sprint has no work units")
		}
		for _, u := range s.UnitList() {
			if u.State != domain.UnitCommit {
				return notAllowed(s, cmd, fmt.Sprintf("work unit %s is at %s, not %s", u.ID, u.State, domain.UnitCommit))
			}
		}
	case domain.CmdSignalBlocked:
		if s.Failures < m.FailureThreshold {
			return notAllowed(s, cmd, fmt.Sprintf("failure count %d below threshold %d", s.Failures, m.FailureThreshold))
		}
	case domain.CmdReportFailure:
		a, _ := cmd.Args.(domain.FailureArgs)
		if _, ok := s.Units[a.UnitID]; !ok {
			return notAllowed(s, cmd, fmt.Sprintf("work unit %s not active", a.UnitID))
		}
	case domain.CmdSkipTask:
		if a, _ := cmd.Args.(domain.UnitArgs); a.UnitID != "" {
			if _, ok := s.Units[a.UnitID]; !ok {
				return notAllowed(s, cmd, fmt.Sprintf("work unit %s not active", a.UnitID))
			}
		}
	}
	return Decision{Allowed: true, Next: next}
}

func (m *Machine) validateRead(s Snapshot, cmd domain.Command) Decision {
	if states, ok := readOnlyStates[cmd.Name]; ok {
		found := false
		for _, st := range states {
			if st == s.State {
				found = true
				break
			}
		}
		if !found {
			return notAllowed(s, cmd, "")
		}
	}
	if cmd.Name == domain.CmdTDDStatus {
		a, _ := cmd.Args.(domain.UnitArgs)
		if _, ok := s.Units[a.UnitID]; !ok {
			return notAllowed(s, cmd, fmt.Sprintf("work unit %s not active", a.UnitID))
		}
	}
	return Decision{Allowed: true, Next: s.State}
}

func (m *Machine) validateUnit(s Snapshot, cmd domain.Command) Decision {
	if s.State != domain.StateSprintActive {
		return notAllowed(s, cmd, "")
	}
	a, ok := cmd.Args.(domain.UnitArgs)
	if !ok || a.UnitID == "" {
		return Decision{Reason: domain.ReasonInvalidCommand, Detail: "work unit id required"}
	}
	unit, exists := s.Units[a.UnitID]
	switch cmd.Name {
	case domain.CmdTDDStart:
		if exists {
			return notAllowed(s, cmd, fmt.Sprintf("work unit %s already started", a.UnitID))
		}
		if len(s.SprintStories) > 0 && !contains(s.SprintStories, a.UnitID) {
			return notAllowed(s, cmd, fmt.Sprintf("story %s is not in the planned sprint", a.UnitID))
		}
		if open := openUnits(s); open >= m.MaxParallelUnits {
			return notAllowed(s, cmd, fmt.Sprintf("parallel work unit limit %d reached", m.MaxParallelUnits))
		}
		return Decision{Allowed: true, Next: s.State}
	case domain.CmdTDDAbort:
		if !exists {
			return notAllowed(s, cmd, fmt.Sprintf("work unit %s not active", a.UnitID))
		}
		if unit.State.Terminal() {
			return notAllowed(s, cmd, fmt.Sprintf("work unit %s already committed", a.UnitID))
		}
		return Decision{Allowed: true, Next: s.State}
	}
	step := unitSteps[cmd.Name]
	if !exists {
		return notAllowed(s, cmd, fmt.Sprintf("work unit %s not active", a.UnitID))
	}
	if unit.Owner != cmd.Issuer && cmd.Level < domain.LevelMaintainer {
		return Decision{Reason: domain.ReasonPermissionDenied, Detail: fmt.Sprintf("work unit %s is owned by %s", unit.ID, unit.Owner)}
	}
	if unit.State != step.from {
		return notAllowed(s, cmd, fmt.Sprintf("work unit %s is at %s; %s requires %s", unit.ID, unit.State, cmd.Name.Slash(), step.from))
	}
	return Decision{Allowed: true, Next: s.State}
}

// Apply returns the snapshot after cmd. It re-checks legality and reports an
// InternalInvariantViolation instead of producing a state outside the table.
func (m *Machine) Apply(s Snapshot, cmd domain.Command) (Snapshot, error) {
	d := m.Validate(s, cmd)
	if !d.Allowed {
		return s, &domain.Error{Reason: domain.ReasonInternalInvariant, Message: fmt.Sprintf("apply without valid transition: %s", d.Detail)}
	}
	next := s.Clone()
	now := m.now()
	if cmd.ReadOnly() {
		return next, nil
	}
	switch cmd.Name {
	case domain.CmdTDDStart:
		id := cmd.Args.(domain.UnitArgs).UnitID
		next.Units[id] = domain.WorkUnit{ID: id, State: domain.UnitDesign, Owner: cmd.Issuer, StartedAt: now, UpdatedAt: now}
		return next, nil
	case domain.CmdTDDAbort:
		delete(next.Units, cmd.Args.(domain.UnitArgs).UnitID)
		return next, nil
	}
	if step, ok := unitSteps[cmd.Name]; ok {
		id := cmd.Args.(domain.UnitArgs).UnitID
		u := next.Units[id]
		u.State = step.to
		u.UpdatedAt = now
		next.Units[id] = u
		return next, nil
	}

	to, ok := transitions[s.State][cmd.Name]
	if !ok || to != d.Next {
		return s, &domain.Error{Reason: domain.ReasonInternalInvariant, Message: fmt.Sprintf("transition table inconsistent for %s in %s", cmd.Name, s.State)}
	}
	next.State = to
	switch cmd.Name {
	case domain.CmdSprintPlan:
		next.SprintStories = append([]string(nil), cmd.Args.(domain.IDListArgs).IDs...)
	case domain.CmdReportFailure:
		next.Failures++
	case domain.CmdSuggestFix, domain.CmdSkipTask:
		next.Failures = 0
		if a, _ := cmd.Args.(domain.UnitArgs); a.UnitID != "" {
			delete(next.Units, a.UnitID)
		}
	case domain.CmdFeedback, domain.CmdRequestChanges:
		next.Units = map[string]domain.WorkUnit{}
		next.SprintStories = nil
		next.Failures = 0
	}
	if !next.State.Valid() {
		return s, &domain.Error{Reason: domain.ReasonInternalInvariant, Message: fmt.Sprintf("transition produced unknown state %q", next.State)}
	}
	return next, nil
}

// ShouldBlock reports whether the failure signal must fire for s.
func (m *Machine) ShouldBlock(s Snapshot) bool {
	return s.State == domain.StateSprintActive && s.Failures >= m.FailureThreshold
}

// Suggest lists the user-submittable commands currently allowed, for advisory use.
func (m *Machine) Suggest(s Snapshot) []domain.CommandName {
	var out []domain.CommandName
	for name := range transitions[s.State] {
		if domain.RequiredLevel(name) == domain.LevelSystem {
			continue
		}
		out = append(out, name)
	}
	if s.State == domain.StateSprintActive {
		out = append(out, domain.CmdTDDStart)
		for _, u := range s.Units {
			for name, step := range unitSteps {
				if step.from == u.State {
					out = append(out, name)
				}
			}
		}
	}
	out = append(out, domain.CmdState, domain.CmdBacklogView)
	for _, st := range readOnlyStates[domain.CmdSprintStatus] {
		if st == s.State {
			out = append(out, domain.CmdSprintStatus)
		}
	}
	return dedupe(out)
}

func openUnits(s Snapshot) int {
	n := 0
	for _, u := range s.Units {
		if !u.State.Terminal() {
			n++
		}
	}
	return n
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func dedupe(in []domain.CommandName) []domain.CommandName {
	seen := map[domain.CommandName]bool{}
	out := in[:0]
	for _, n := range in {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
