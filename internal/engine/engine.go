package engine

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"sprintline/internal/collab"
	"sprintline/internal/config"
	"sprintline/internal/domain"
	"sprintline/internal/lock"
	"sprintline/internal/metrics"
	"sprintline/internal/project"
	"sprintline/internal/workflow"
)

// SystemIssuer is recorded as the issuer of engine-internal commands.
const SystemIssuer = "system"

// Request is one inbound command. Text carries the chat form ("/tdd start S-1");
// when it is empty Name and Args are parsed instead.
type Request struct {
	Project   string   `json:"project"`
	SessionID string   `json:"session_id"`
	RequestID string   `json:"request_id"`
	Text      string   `json:"text,omitempty"`
	Name      string   `json:"name,omitempty"`
	Args      []string `json:"args,omitempty"`
}

type Engine struct {
	Registry *project.Registry
	Config   *config.Config
	Logger   *log.Logger
	Metrics  metrics.Recorder
	Now      func() time.Time
}

func New(reg *project.Registry, cfg *config.Config, logger *log.Logger, rec metrics.Recorder) Engine {
	if cfg == nil {
		cfg = reg.Config()
	}
	if logger == nil {
		logger = log.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return Engine{
		Registry: reg,
		Config:   cfg,
		Logger:   logger,
		Metrics:  rec,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) metrics() metrics.Recorder {
	if e.Metrics == nil {
		return metrics.Nop{}
	}
	return e.Metrics
}

func (e Engine) logger() *log.Logger {
	if e.Logger == nil {
		return log.Default()
	}
	return e.Logger
}

func parse(req Request) (domain.CommandName, domain.Args, error) {
	if req.Text != "" {
		return domain.ParseText(req.Text)
	}
	if req.Name == "" {
		return "", nil, domain.Errorf(domain.ReasonInvalidCommand, "command name or text required")
	}
	return domain.ParseCommand(req.Name, req.Args)
}

// Execute runs one command to completion. Every outcome, including transport
// level failures such as an unknown project, is reported as a Result.
func (e Engine) Execute(ctx context.Context, req Request) domain.Result {
	start := e.now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	name, args, err := parse(req)
	if err != nil {
		return e.finish(req.Project, req.SessionID, name, start, domain.Rejected(req.RequestID, name, err))
	}
	pc, release, err := e.Registry.Enter(req.Project)
	if err != nil {
		return e.finish(req.Project, req.SessionID, name, start, domain.Rejected(req.RequestID, name, err))
	}
	defer release()

	sess, owner, err := e.Registry.Session(req.SessionID)
	if err == nil && owner != pc {
		err = domain.Errorf(domain.ReasonUnknownSession, "session %s is not attached to project %s", req.SessionID, pc.Name)
	}
	if err != nil {
		return e.finish(pc.Name, req.SessionID, name, start, domain.Rejected(req.RequestID, name, err))
	}
	// Retries of a known request id replay their result without spending a
	// rate limit token.
	if err := e.allow(pc, sess, req.RequestID); err != nil {
		res := domain.Rejected(req.RequestID, name, err)
		var de *domain.Error
		if errors.As(err, &de) {
			res.RetryAfterMS = de.RetryAfter.Milliseconds()
		}
		return e.finish(pc.Name, sess.ID, name, start, res)
	}
	if err := collab.Authorize(sess, name); err != nil {
		return e.finish(pc.Name, sess.ID, name, start, e.reject(pc, sess, domain.Command{Name: name, RequestID: req.RequestID}, err))
	}

	cached, done, err := pc.BeginRequest(ctx, req.RequestID)
	if err != nil {
		return e.finish(pc.Name, sess.ID, name, start, domain.Pending(req.RequestID, name, e.Config.Locks.Timeout))
	}
	if done {
		e.logger().Debug("duplicate request", "project", pc.Name, "request", req.RequestID, "status", cached.Status)
		return cached
	}
	cmd := domain.Command{
		Name:      name,
		Args:      args,
		Issuer:    sess.UserID,
		Level:     sess.Level,
		ProjectID: pc.Name,
		RequestID: req.RequestID,
	}
	res := e.run(ctx, pc, sess, cmd)
	pc.FinishRequest(req.RequestID, res)
	_ = pc.Sessions.Touch(sess.ID)
	return e.finish(pc.Name, sess.ID, name, start, res)
}

func (e Engine) allow(pc *project.Context, sess domain.Session, requestID string) error {
	if pc.Seen(requestID) {
		return nil
	}
	return pc.Sessions.Allow(sess.ID)
}

func (e Engine) run(ctx context.Context, pc *project.Context, sess domain.Session, cmd domain.Command) domain.Result {
	if cmd.ReadOnly() {
		if d := pc.Machine.Validate(pc.Snapshot(), cmd); !d.Allowed {
			return e.reject(pc, sess, cmd, d.Err())
		}
		st := pc.State()
		return domain.Applied(cmd.RequestID, cmd.Name, nil, &st)
	}
	if cmd.Name == domain.CmdResolve {
		a, _ := cmd.Args.(domain.ResolveArgs)
		if err := pc.Locks.Resolve(a.Resource, sess.ID); err != nil {
			return e.reject(pc, sess, cmd, err)
		}
		st := pc.State()
		return domain.Applied(cmd.RequestID, cmd.Name, nil, &st)
	}

	key := cmd.ResourceKey()
	if key == "" {
		return e.reject(pc, sess, cmd, domain.Errorf(domain.ReasonInvalidCommand, "%s names no resource", cmd.Name.Slash()))
	}
	before := pc.Bus.LastSequence()
	waitStart := e.now()
	tok, err := pc.Locks.Acquire(ctx, key, sess.ID, e.Config.Locks.Timeout)
	e.metrics().ObserveLockWait(pc.Name, key, e.now().Sub(waitStart))
	if err != nil {
		var te *lock.TimeoutError
		switch {
		case errors.As(err, &te):
			return domain.Pending(cmd.RequestID, cmd.Name, te.RetryAfter)
		case errors.Is(err, lock.ErrConflict):
			return e.reject(pc, sess, cmd, domain.Errorf(domain.ReasonConflictDetected, "%v", err))
		case ctx.Err() != nil:
			return domain.Pending(cmd.RequestID, cmd.Name, e.Config.Locks.Timeout)
		default:
			return e.reject(pc, sess, cmd, &domain.Error{Reason: domain.ReasonInternalInvariant, Message: err.Error()})
		}
	}
	defer func() {
		if err := pc.Locks.Release(tok); err != nil {
			e.logger().Debug("release after expiry", "project", pc.Name, "resource", key, "err", err)
		}
	}()

	ev, st, err := e.apply(pc, cmd, tok)
	if err != nil && domain.ReasonOf(err) == domain.ReasonNotAllowedInState && transitionedSince(pc, before) {
		if merged, ok := e.merge(pc, cmd, key); ok {
			e.logger().Info("merging command", "project", pc.Name, "command", cmd.Name, "request", cmd.RequestID)
			cmd = merged
			ev, st, err = e.apply(pc, cmd, tok)
		}
	}
	if err != nil {
		return e.reject(pc, sess, cmd, err)
	}
	res := domain.Applied(cmd.RequestID, cmd.Name, &ev, &st)
	if cmd.Name == domain.CmdReportFailure && pc.Machine.ShouldBlock(pc.Snapshot()) {
		if blocked, ok := e.signalBlocked(ctx, pc, sess); ok {
			res.State = &blocked
		}
	}
	return res
}

// transitionedSince reports whether state moved while a command waited for
// its lock. Presence and lock events do not count. A window that has already
// left the ring counts as moved.
func transitionedSince(pc *project.Context, after uint64) bool {
	if pc.Bus.LastSequence() == after {
		return false
	}
	if oldest := pc.Bus.Oldest(); oldest == 0 || oldest > after+1 {
		return true
	}
	for _, ev := range pc.Bus.Since(after) {
		if ev.Type == domain.EventWorkflowTransition || ev.Type == domain.EventWorkUnitTransition {
			return true
		}
	}
	return false
}

// merge asks the project's merge function to rewrite a command that lost the
// race for its resource. Only last_wins and merge strategies consult it.
func (e Engine) merge(pc *project.Context, cmd domain.Command, resource string) (domain.Command, bool) {
	switch pc.Locks.Strategy() {
	case lock.LastWins, lock.Merge:
	default:
		return cmd, false
	}
	fn, ok := pc.Merge(cmd.Name)
	if !ok {
		return cmd, false
	}
	merged, ok := fn(pc.Snapshot(), cmd)
	if !ok || merged.ResourceKey() != resource {
		return cmd, false
	}
	merged.Issuer = cmd.Issuer
	merged.Level = cmd.Level
	merged.ProjectID = cmd.ProjectID
	merged.RequestID = cmd.RequestID
	return merged, true
}

// signalBlocked runs the internal transition to BLOCKED. The workflow lock is
// already held by the session, so the acquisition is re-entrant.
func (e Engine) signalBlocked(ctx context.Context, pc *project.Context, sess domain.Session) (domain.ProjectState, bool) {
	sig := domain.Command{
		Name:      domain.CmdSignalBlocked,
		Args:      domain.NoArgs{},
		Issuer:    SystemIssuer,
		Level:     domain.LevelSystem,
		ProjectID: pc.Name,
		RequestID: "signal:" + uuid.NewString(),
	}
	tok, err := pc.Locks.Acquire(ctx, sig.ResourceKey(), sess.ID, e.Config.Locks.Timeout)
	if err != nil {
		e.logger().Error("acquire lock for blocked signal", "project", pc.Name, "err", err)
		return domain.ProjectState{}, false
	}
	defer pc.Locks.Release(tok)
	_, st, err := e.apply(pc, sig, tok)
	if err != nil {
		e.logger().Error("apply blocked signal", "project", pc.Name, "reason", domain.ReasonOf(err), "err", err)
		return domain.ProjectState{}, false
	}
	e.logger().Warn("project blocked", "project", pc.Name, "failures", st.Failures)
	return st, true
}

// apply validates and applies cmd under tok and publishes its event in the same
// step. Nothing changes when the lock expired while the command was queued.
func (e Engine) apply(pc *project.Context, cmd domain.Command, tok lock.Token) (domain.Event, domain.ProjectState, error) {
	return pc.Mutate(func(s workflow.Snapshot) (workflow.Snapshot, domain.EventType, domain.Payload, error) {
		if !pc.Locks.Held(tok) {
			return s, "", nil, domain.Errorf(domain.ReasonLockExpired, "lock on %s expired before %s was applied", tok.Resource, cmd.Name.Slash())
		}
		if d := pc.Machine.Validate(s, cmd); !d.Allowed {
			return s, "", nil, d.Err()
		}
		next, err := pc.Machine.Apply(s, cmd)
		if err != nil {
			return s, "", nil, err
		}
		t, p := transitionEvent(s, next, cmd)
		return next, t, p, nil
	})
}

func transitionEvent(prev, next workflow.Snapshot, cmd domain.Command) (domain.EventType, domain.Payload) {
	p := domain.Payload{
		"command":   string(cmd.Name),
		"issuer":    cmd.Issuer,
		"requestId": cmd.RequestID,
	}
	if _, ok := cmd.Args.(domain.NoArgs); !ok && cmd.Args != nil {
		p["args"] = cmd.Args
	}
	if cmd.ResourceKey() != domain.ResourceWorkflow {
		id := cmd.UnitID()
		before, after := prev.Units[id], next.Units[id]
		p["unit"] = id
		p["from"] = string(before.State)
		p["to"] = string(after.State)
		if after.Owner != "" {
			p["owner"] = after.Owner
		} else {
			p["owner"] = before.Owner
		}
		return domain.EventWorkUnitTransition, p
	}
	p["from"] = string(prev.State)
	p["to"] = string(next.State)
	if next.Failures != prev.Failures {
		p["failures"] = next.Failures
	}
	return domain.EventWorkflowTransition, p
}

// reject builds a Rejected result and tells only the issuer about it.
func (e Engine) reject(pc *project.Context, sess domain.Session, cmd domain.Command, err error) domain.Result {
	res := domain.Rejected(cmd.RequestID, cmd.Name, err)
	if res.Reason == domain.ReasonInternalInvariant {
		e.logger().Error("invariant violation", "project", pc.Name, "command", cmd.Name, "err", err)
	}
	p := domain.Payload{
		"requestId": cmd.RequestID,
		"command":   string(cmd.Name),
		"reason":    string(res.Reason),
		"message":   res.Message,
	}
	if res.Required != domain.LevelNone {
		p["requiredLevel"] = res.Required.String()
	}
	pc.Bus.Notify(sess.ID, domain.EventCommandRejected, p)
	return res
}

func (e Engine) finish(projectName, sessionID string, name domain.CommandName, start time.Time, res domain.Result) domain.Result {
	dur := e.now().Sub(start)
	e.metrics().ObserveCommand(projectName, string(name), string(res.Status), string(res.Reason), dur)
	logger := e.logger().With("project", projectName, "session", sessionID, "command", name, "request", res.RequestID)
	switch res.Status {
	case domain.StatusApplied:
		logger.Info("command applied", "duration", dur)
	case domain.StatusPending:
		logger.Info("command pending", "retry_after_ms", res.RetryAfterMS)
	default:
		logger.Info("command rejected", "reason", res.Reason, "message", res.Message)
	}
	return res
}

// Suggestions lists the commands currently allowed in a project.
func (e Engine) Suggestions(projectName string) ([]domain.CommandName, error) {
	pc, err := e.Registry.Get(projectName)
	if err != nil {
		return nil, err
	}
	return pc.Machine.Suggest(pc.Snapshot()), nil
}

// State returns the externally visible state of a resident project.
func (e Engine) State(projectName string) (domain.ProjectState, error) {
	pc, err := e.Registry.Get(projectName)
	if err != nil {
		return domain.ProjectState{}, err
	}
	return pc.State(), nil
}

// Claim takes an explicit lease on a resource for a session bound to projectName.
func (e Engine) Claim(ctx context.Context, projectName, sessionID, resource string) (domain.ResourceLock, error) {
	pc, sess, release, err := e.enterSession(projectName, sessionID)
	if err != nil {
		return domain.ResourceLock{}, err
	}
	defer release()
	if err := collab.Authorize(sess, domain.CmdClaim); err != nil {
		return domain.ResourceLock{}, err
	}
	rl, err := pc.Locks.Claim(ctx, resource, sess.ID, e.Config.Locks.Timeout)
	if err != nil {
		var te *lock.TimeoutError
		switch {
		case errors.As(err, &te):
			return domain.ResourceLock{}, &domain.Error{Reason: domain.ReasonLockTimeout, Message: te.Error(), RetryAfter: te.RetryAfter}
		case errors.Is(err, lock.ErrConflict):
			return domain.ResourceLock{}, domain.Errorf(domain.ReasonConflictDetected, "%v", err)
		}
		return domain.ResourceLock{}, err
	}
	_ = pc.Sessions.Touch(sess.ID)
	return rl, nil
}

// SetHint records a short-lived hint, such as a typing marker, for a session
// bound to projectName. Hints are never sequenced or persisted.
func (e Engine) SetHint(projectName, sessionID, key, value string, ttl time.Duration) error {
	pc, sess, release, err := e.enterSession(projectName, sessionID)
	if err != nil {
		return err
	}
	defer release()
	return pc.Sessions.SetEphemeral(sess.ID, key, value, ttl)
}

// Hints returns the live hints for key in projectName.
func (e Engine) Hints(projectName, key string) ([]collab.Ephemeral, error) {
	pc, err := e.Registry.Get(projectName)
	if err != nil {
		return nil, err
	}
	return pc.Sessions.Ephemerals(key), nil
}

// ReleaseClaim drops a lease taken with Claim.
func (e Engine) ReleaseClaim(projectName, sessionID, resource string) error {
	pc, sess, release, err := e.enterSession(projectName, sessionID)
	if err != nil {
		return err
	}
	defer release()
	if err := pc.Locks.ReleaseClaim(resource, sess.ID); err != nil {
		return domain.Errorf(domain.ReasonNotAllowedInState, "%v", err)
	}
	return nil
}

func (e Engine) enterSession(projectName, sessionID string) (*project.Context, domain.Session, func(), error) {
	pc, release, err := e.Registry.Enter(projectName)
	if err != nil {
		return nil, domain.Session{}, nil, err
	}
	sess, owner, err := e.Registry.Session(sessionID)
	if err == nil && owner != pc {
		err = domain.Errorf(domain.ReasonUnknownSession, "session %s is not attached to project %s", sessionID, pc.Name)
	}
	if err != nil {
		release()
		return nil, domain.Session{}, nil, err
	}
	return pc, sess, release, nil
}
