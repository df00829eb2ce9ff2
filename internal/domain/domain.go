package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// WorkflowState is the coarse lifecycle stage of a project.
type WorkflowState string

const (
	StateIdle          WorkflowState = "IDLE"
	StateBacklogReady  WorkflowState = "BACKLOG_READY"
	StateSprintPlanned WorkflowState = "SPRINT_PLANNED"
	StateSprintActive  WorkflowState = "SPRINT_ACTIVE"
	StateSprintPaused  WorkflowState = "SPRINT_PAUSED"
	StateBlocked       WorkflowState = "BLOCKED"
	StateSprintReview  WorkflowState = "SPRINT_REVIEW"
)

// WorkflowStates lists every workflow state in lifecycle order.
var WorkflowStates = []WorkflowState{
	StateIdle,
	StateBacklogReady,
	StateSprintPlanned,
	StateSprintActive,
	StateSprintPaused,
	StateBlocked,
	StateSprintReview,
}

// Valid reports whether s is a known workflow state.
func (s WorkflowState) Valid() bool {
	for _, known := range WorkflowStates {
		if s == known {
			return true
		}
	}
	return false
}

// WorkUnitState is the TDD progress of one story inside an active sprint.
type WorkUnitState string

const (
	UnitDesign    WorkUnitState = "DESIGN"
	UnitTestRed   WorkUnitState = "TEST_RED"
	UnitCodeGreen WorkUnitState = "CODE_GREEN"
	UnitRefactor  WorkUnitState = "REFACTOR"
	UnitCommit    WorkUnitState = "COMMIT"
)

// Terminal reports whether no further TDD transition exists.
func (s WorkUnitState) Terminal() bool { return s == UnitCommit }

// WorkUnit is one independently owned TDD cycle.
type WorkUnit struct {
	ID        string        `json:"id"`
	State     WorkUnitState `json:"state"`
	Owner     string        `json:"owner"`
	StartedAt time.Time     `json:"started_at" format:"date-time"`
	UpdatedAt time.Time     `json:"updated_at" format:"date-time"`
}

// PermissionLevel is strictly ordered: Viewer < Contributor < Maintainer < Admin.
type PermissionLevel int

const (
	LevelNone PermissionLevel = iota
	LevelViewer
	LevelContributor
	LevelMaintainer
	LevelAdmin
	// LevelSystem is never granted to a session; it marks engine-internal commands.
	LevelSystem
)

func (l PermissionLevel) String() string {
	switch l {
	case LevelViewer:
		return "viewer"
	case LevelContributor:
		return "contributor"
	case LevelMaintainer:
		return "maintainer"
	case LevelAdmin:
		return "admin"
	case LevelSystem:
		return "system"
	default:
		return "none"
	}
}

// ParsePermissionLevel accepts the lowercase level names.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "viewer":
		return LevelViewer, nil
	case "contributor":
		return LevelContributor, nil
	case "maintainer":
		return LevelMaintainer, nil
	case "admin":
		return LevelAdmin, nil
	}
	return LevelNone, fmt.Errorf("invalid permission level %q", s)
}

// MarshalText encodes the level by name.
func (l PermissionLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *PermissionLevel) UnmarshalText(b []byte) error {
	if len(b) == 0 || string(b) == "none" {
		*l = LevelNone
		return nil
	}
	v, err := ParsePermissionLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Presence is derived from last activity and never authoritative.
type Presence string

const (
	PresenceActive Presence = "active"
	PresenceIdle   Presence = "idle"
)

// Session binds one connected participant to a project.
type Session struct {
	ID             string          `json:"session_id"`
	UserID         string          `json:"user_id"`
	ProjectID      string          `json:"project_id"`
	Level          PermissionLevel `json:"permission_level"`
	JoinedAt       time.Time       `json:"joined_at" format:"date-time"`
	LastActivityAt time.Time       `json:"last_activity_at" format:"date-time"`
	Presence       Presence        `json:"presence"`
}

// ResourceLock describes the current holder of a named resource.
type ResourceLock struct {
	ProjectID       string    `json:"project_id"`
	ResourceKey     string    `json:"resource_key"`
	HolderSessionID string    `json:"holder_session_id"`
	AcquiredAt      time.Time `json:"acquired_at" format:"date-time"`
	ExpiresAt       time.Time `json:"expires_at" format:"date-time"`
	Waiters         int       `json:"waiters"`
	Conflicted      bool      `json:"conflicted,omitempty"`
}

// EventType names a published fact.
type EventType string

const (
	EventWorkflowTransition EventType = "workflow.transition"
	EventWorkUnitTransition EventType = "workunit.transition"
	EventCommandRejected    EventType = "command.rejected"
	EventLockClaimed        EventType = "lock.claimed"
	EventLockReleased       EventType = "lock.released"
	EventLockExpired        EventType = "lock.expired"
	EventConflictDetected   EventType = "conflict.detected"
	EventConflictResolved   EventType = "conflict.resolved"
	EventPresenceJoined     EventType = "presence.joined"
	EventPresenceLeft       EventType = "presence.left"
	EventProjectClosing     EventType = "project.closing"
)

// Payload is the loosely typed body of an event.
type Payload map[string]any

// Event is one fact published on a project stream. Sequence 0 marks an
// issuer-only notification that is not part of the project's ordered history.
type Event struct {
	ProjectID string    `json:"project_id"`
	Sequence  uint64    `json:"sequence_number"`
	Type      EventType `json:"type"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
	Audience  string    `json:"audience,omitempty"`
}

// Private reports whether the event targets a single session.
func (e Event) Private() bool { return e.Audience != "" }

// ProjectState is the externally visible snapshot of one project.
type ProjectState struct {
	Project       string        `json:"project"`
	Generation    string        `json:"generation"`
	Workflow      WorkflowState `json:"workflow_state"`
	Units         []WorkUnit    `json:"work_units"`
	SprintStories []string      `json:"sprint_stories,omitempty"`
	Failures      int           `json:"failure_count"`
	LastSequence  uint64        `json:"last_sequence_number"`
}

// SortUnits orders units by id so snapshots are deterministic.
func SortUnits(units []WorkUnit) {
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
}
