package domain

import (
	"fmt"
	"sort"
	"strings"
)

// CommandName identifies one entry of the closed command catalogue.
type CommandName string

const (
	CmdState             CommandName = "state"
	CmdBacklogView       CommandName = "backlog.view"
	CmdSprintStatus      CommandName = "sprint.status"
	CmdTDDStatus         CommandName = "tdd.status"
	CmdEpic              CommandName = "epic"
	CmdBacklogAddStory   CommandName = "backlog.add_story"
	CmdBacklogPrioritize CommandName = "backlog.prioritize"
	CmdApprove           CommandName = "approve"
	CmdSprintPlan        CommandName = "sprint.plan"
	CmdSprintStart       CommandName = "sprint.start"
	CmdSprintPause       CommandName = "sprint.pause"
	CmdSprintResume      CommandName = "sprint.resume"
	CmdSprintReview      CommandName = "sprint.review"
	CmdReportFailure     CommandName = "report.failure"
	CmdSuggestFix        CommandName = "suggest_fix"
	CmdSkipTask          CommandName = "skip_task"
	CmdFeedback          CommandName = "feedback"
	CmdRequestChanges    CommandName = "request_changes"
	CmdProjectRegister   CommandName = "project.register"
	CmdTDDStart          CommandName = "tdd.start"
	CmdTDDTest           CommandName = "tdd.test"
	CmdTDDCode           CommandName = "tdd.code"
	CmdTDDRefactor       CommandName = "tdd.refactor"
	CmdTDDCommit         CommandName = "tdd.commit"
	CmdTDDAbort          CommandName = "tdd.abort"
	CmdResolve           CommandName = "resolve"
	CmdSignalBlocked     CommandName = "signal.blocked"
	CmdClaim             CommandName = "claim"
)

// ResourceWorkflow is the lock key guarding the project workflow state.
const ResourceWorkflow = "workflow"

// WorkUnitResource returns the lock key guarding one work unit.
func WorkUnitResource(unitID string) string { return "workunit:" + unitID }

// Args is the closed set of per-command argument records.
type Args interface {
	argsKind() string
}

type NoArgs struct{}

type TextArgs struct {
	Text string `json:"text"`
}

type StoryArgs struct {
	StoryID     string `json:"story_id"`
	Description string `json:"description,omitempty"`
}

type PrioritizeArgs struct {
	StoryID  string `json:"story_id"`
	Priority string `json:"priority"`
}

type IDListArgs struct {
	IDs []string `json:"ids,omitempty"`
}

type UnitArgs struct {
	UnitID string `json:"unit_id"`
}

type FailureArgs struct {
	UnitID string `json:"unit_id"`
	Reason string `json:"reason,omitempty"`
}

type RegisterArgs struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type ResolveArgs struct {
	Resource string `json:"resource"`
}

func (NoArgs) argsKind() string         { return "none" }
func (TextArgs) argsKind() string       { return "text" }
func (StoryArgs) argsKind() string      { return "story" }
func (PrioritizeArgs) argsKind() string { return "prioritize" }
func (IDListArgs) argsKind() string     { return "ids" }
func (UnitArgs) argsKind() string       { return "unit" }
func (FailureArgs) argsKind() string    { return "failure" }
func (RegisterArgs) argsKind() string   { return "register" }
func (ResolveArgs) argsKind() string    { return "resolve" }

// Command is a fully parsed request entering the core.
type Command struct {
	Name      CommandName     `json:"name"`
	Args      Args            `json:"args"`
	Issuer    string          `json:"issuer"`
	Level     PermissionLevel `json:"level"`
	ProjectID string          `json:"project_id"`
	RequestID string          `json:"request_id"`
}

// ResourceKey is the lock key the command mutates; empty for read-only commands.
func (c Command) ResourceKey() string {
	spec, ok := catalogue[c.Name]
	if !ok {
		return ""
	}
	switch spec.resource {
	case resourceWorkflow:
		return ResourceWorkflow
	case resourceUnit:
		if u, ok := c.Args.(UnitArgs); ok {
			return WorkUnitResource(u.UnitID)
		}
	}
	return ""
}

// ReadOnly reports whether the command only inspects state.
func (c Command) ReadOnly() bool {
	spec, ok := catalogue[c.Name]
	return ok && spec.resource == resourceNone
}

// UnitID returns the work unit the command names, if any.
func (c Command) UnitID() string {
	switch a := c.Args.(type) {
	case UnitArgs:
		return a.UnitID
	case FailureArgs:
		return a.UnitID
	case StoryArgs:
		return a.StoryID
	}
	return ""
}

type resourceKind int

const (
	resourceNone resourceKind = iota
	resourceWorkflow
	resourceUnit
	resourceLockLayer
)

type commandSpec struct {
	slash    string
	level    PermissionLevel
	resource resourceKind
	parse    func(args []string) (Args, error)
}

var catalogue = map[CommandName]commandSpec{
	CmdState:             {"/state", LevelViewer, resourceNone, noArgs},
	CmdBacklogView:       {"/backlog view", LevelViewer, resourceNone, noArgs},
	CmdSprintStatus:      {"/sprint status", LevelViewer, resourceNone, noArgs},
	CmdTDDStatus:         {"/tdd status", LevelViewer, resourceNone, unitArgs},
	CmdEpic:              {"/epic", LevelContributor, resourceWorkflow, requiredText("description")},
	CmdBacklogAddStory:   {"/backlog add_story", LevelContributor, resourceWorkflow, storyArgs},
	CmdBacklogPrioritize: {"/backlog prioritize", LevelMaintainer, resourceWorkflow, prioritizeArgs},
	CmdApprove:           {"/approve", LevelMaintainer, resourceWorkflow, idList(false)},
	CmdSprintPlan:        {"/sprint plan", LevelMaintainer, resourceWorkflow, idList(true)},
	CmdSprintStart:       {"/sprint start", LevelMaintainer, resourceWorkflow, noArgs},
	CmdSprintPause:       {"/sprint pause", LevelMaintainer, resourceWorkflow, noArgs},
	CmdSprintResume:      {"/sprint resume", LevelMaintainer, resourceWorkflow, noArgs},
	CmdSprintReview:      {"/sprint review", LevelMaintainer, resourceWorkflow, noArgs},
	CmdReportFailure:     {"/report failure", LevelContributor, resourceWorkflow, failureArgs},
	CmdSuggestFix:        {"/suggest_fix", LevelContributor, resourceWorkflow, requiredText("description")},
	CmdSkipTask:          {"/skip_task", LevelMaintainer, resourceWorkflow, optionalUnit},
	CmdFeedback:          {"/feedback", LevelContributor, resourceWorkflow, requiredText("text")},
	CmdRequestChanges:    {"/request_changes", LevelMaintainer, resourceWorkflow, requiredText("description")},
	CmdProjectRegister:   {"/project register", LevelAdmin, resourceWorkflow, registerArgs},
	CmdTDDStart:          {"/tdd start", LevelContributor, resourceUnit, unitArgs},
	CmdTDDTest:           {"/tdd test", LevelContributor, resourceUnit, unitArgs},
	CmdTDDCode:           {"/tdd code", LevelContributor, resourceUnit, unitArgs},
	CmdTDDRefactor:       {"/tdd refactor", LevelContributor, resourceUnit, unitArgs},
	CmdTDDCommit:         {"/tdd commit", LevelContributor, resourceUnit, unitArgs},
	CmdTDDAbort:          {"/tdd abort", LevelMaintainer, resourceUnit, unitArgs},
	CmdResolve:           {"/resolve", LevelMaintainer, resourceLockLayer, resolveArgs},
	CmdSignalBlocked:     {"", LevelSystem, resourceWorkflow, noArgs},
	// Claims are taken through the lock endpoints, not as chat commands.
	CmdClaim:             {"", LevelContributor, resourceLockLayer, resolveArgs},
}

// RequiredLevel returns the minimum permission for a command. Unknown commands
// require LevelSystem so they can never be authorized by accident.
func RequiredLevel(name CommandName) PermissionLevel {
	if spec, ok := catalogue[name]; ok {
		return spec.level
	}
	return LevelSystem
}

// Known reports whether name is in the catalogue.
func Known(name CommandName) bool {
	_, ok := catalogue[name]
	return ok
}

// Slash returns the chat form of a command, e.g. "/sprint start".
func (n CommandName) Slash() string {
	if spec, ok := catalogue[n]; ok && spec.slash != "" {
		return spec.slash
	}
	return "/" + strings.ReplaceAll(string(n), ".", " ")
}

// CommandNames returns the catalogue sorted by name.
func CommandNames() []CommandName {
	out := make([]CommandName, 0, len(catalogue))
	for name := range catalogue {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseCommand validates a command name and its positional arguments.
// Commands without a chat form are not accepted from the boundary.
func ParseCommand(name string, args []string) (CommandName, Args, error) {
	n := CommandName(strings.TrimSpace(strings.TrimPrefix(name, "/")))
	n = CommandName(strings.ReplaceAll(string(n), " ", "."))
	spec, ok := catalogue[n]
	if !ok || spec.slash == "" {
		return "", nil, &Error{Reason: ReasonInvalidCommand, Message: fmt.Sprintf("unknown command %q", name)}
	}
	parsed, err := spec.parse(trimAll(args))
	if err != nil {
		return "", nil, &Error{Reason: ReasonInvalidCommand, Message: fmt.Sprintf("%s: %v", spec.slash, err)}
	}
	return n, parsed, nil
}

// ParseText parses the chat form, e.g. "/tdd start S-1".
func ParseText(text string) (CommandName, Args, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, &Error{Reason: ReasonInvalidCommand, Message: "commands start with /"}
	}
	head := strings.TrimPrefix(fields[0], "/")
	if len(fields) > 1 {
		two := CommandName(head + "." + fields[1])
		if spec, ok := catalogue[two]; ok && spec.slash != "" {
			return ParseCommand(string(two), fields[2:])
		}
	}
	return ParseCommand(head, fields[1:])
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func noArgs(args []string) (Args, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("takes no arguments")
	}
	return NoArgs{}, nil
}

func requiredText(field string) func([]string) (Args, error) {
	return func(args []string) (Args, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("%s is required", field)
		}
		return TextArgs{Text: strings.Join(args, " ")}, nil
	}
}

func storyArgs(args []string) (Args, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("story id is required")
	}
	return StoryArgs{StoryID: args[0], Description: strings.Join(args[1:], " ")}, nil
}

func prioritizeArgs(args []string) (Args, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("usage: <story id> <high|medium|low>")
	}
	switch args[1] {
	case "high", "medium", "low":
	default:
		return nil, fmt.Errorf("invalid priority %q", args[1])
	}
	return PrioritizeArgs{StoryID: args[0], Priority: args[1]}, nil
}

func idList(required bool) func([]string) (Args, error) {
	return func(args []string) (Args, error) {
		if required && len(args) == 0 {
			return nil, fmt.Errorf("at least one story id is required")
		}
		seen := map[string]bool{}
		var ids []string
		for _, a := range args {
			for _, id := range strings.Split(a, ",") {
				if id = strings.TrimSpace(id); id != "" && !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
		if required && len(ids) == 0 {
			return nil, fmt.Errorf("at least one story id is required")
		}
		return IDListArgs{IDs: ids}, nil
	}
}

func unitArgs(args []string) (Args, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("exactly one work unit id is required")
	}
	if strings.ContainsAny(args[0], ": ") {
		return nil, fmt.Errorf("invalid work unit id %q", args[0])
	}
	return UnitArgs{UnitID: args[0]}, nil
}

func optionalUnit(args []string) (Args, error) {
	if len(args) == 0 {
		return UnitArgs{}, nil
	}
	return unitArgs(args)
}

func failureArgs(args []string) (Args, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("work unit id is required")
	}
	return FailureArgs{UnitID: args[0], Reason: strings.Join(args[1:], " ")}, nil
}

func registerArgs(args []string) (Args, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("usage: <name> <path>")
	}
	return RegisterArgs{Name: args[0], Path: args[1]}, nil
}

func resolveArgs(args []string) (Args, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("exactly one resource key is required")
	}
	return ResolveArgs{Resource: args[0]}, nil
}
