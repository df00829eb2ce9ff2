// Package project owns the table of live project contexts and the sessions
// bound to them.
package project

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"sprintline/internal/collab"
	"sprintline/internal/config"
	"sprintline/internal/domain"
	"sprintline/internal/events"
	"sprintline/internal/lock"
	"sprintline/internal/metrics"
	"sprintline/internal/workflow"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidName reports whether name can identify a project.
func ValidName(name string) bool { return namePattern.MatchString(name) }

// Options configure a Registry.
type Options struct {
	Config  *config.Config
	Store   Store
	Logger  *log.Logger
	Metrics metrics.Recorder
	Now     func() time.Time
}

// Registry is the only global mutable table: project name to context, and
// session id to project name.
type Registry struct {
	mu       sync.Mutex
	opts     Options
	contexts map[string]*Context
	closing  map[string]chan struct{}
	sessions map[string]string
}

// NewRegistry builds an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:     opts,
		contexts: map[string]*Context{},
		closing:  map[string]chan struct{}{},
		sessions: map[string]string{},
	}
}

func (r *Registry) now() time.Time { return r.opts.Now().UTC() }

// Config returns the deployment config the registry was built with.
func (r *Registry) Config() *config.Config { return r.opts.Config }

func (r *Registry) newContext(name, generation string, snap workflow.Snapshot, lastSeq uint64, tail []domain.Event) *Context {
	cfg := r.opts.Config
	cache, _ := lru.New[string, domain.Result](cfg.Projects.IdempotencyCache)
	strategy, err := lock.ParseStrategy(cfg.Locks.Strategy)
	if err != nil {
		strategy = lock.FirstWins
	}
	logger := r.opts.Logger.With("project", name)
	c := &Context{
		Name:       name,
		Generation: generation,
		CreatedAt:  r.now(),
		snap:       snap,
		results:    cache,
		requests:   map[string]chan struct{}{},
		merges:     map[domain.CommandName]MergeFunc{},
		lastActive: r.now(),
		signal:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		persisted:  lastSeq,
		store:      r.opts.Store,
		logger:     logger,
	}
	c.Machine = workflow.New(cfg.Projects.MaxParallelUnits, cfg.Projects.FailureThreshold)
	c.Machine.Now = r.opts.Now
	rec := r.opts.Metrics
	c.Bus = events.NewBus(events.Options{
		Project:  name,
		RingSize: cfg.Events.RingSize,
		Buffer:   cfg.Events.SubscriberBuffer,
		Now:      r.opts.Now,
		OnPublish: func(ev domain.Event) {
			rec.IncEvent(name, string(ev.Type))
			c.onPublish(ev)
		},
	})
	c.Locks = lock.New(lock.Options{Project: name, Strategy: strategy, TTL: cfg.Locks.TTL, Now: r.opts.Now, Logger: logger}, c.Bus)
	c.Sessions = collab.New(collab.Options{
		Project:       name,
		IdleAfter:     cfg.Collaboration.IdleAfter,
		RatePerSecond: cfg.Collaboration.Rate.PerSecond,
		Burst:         cfg.Collaboration.Rate.Burst,
		Now:           r.opts.Now,
	})
	if lastSeq > 0 {
		c.Bus.Restore(lastSeq, tail)
	}
	go c.runPersister()
	return c
}

// waitClosingLocked blocks, with r.mu released, while name is being evicted.
func (r *Registry) waitClosingLocked(name string) {
	for {
		ch, ok := r.closing[name]
		if !ok {
			return
		}
		r.mu.Unlock()
		<-ch
		r.mu.Lock()
	}
}

func (r *Registry) resolveLocked(name string) (*Context, error) {
	if !ValidName(name) {
		return nil, domain.Errorf(domain.ReasonInvalidCommand, "invalid project name %q", name)
	}
	r.waitClosingLocked(name)
	if c, ok := r.contexts[name]; ok {
		return c, nil
	}
	c := r.newContext(name, uuid.NewString(), workflow.NewSnapshot(), 0, nil)
	r.contexts[name] = c
	r.opts.Metrics.SetActiveProjects(len(r.contexts))
	r.opts.Logger.Info("project context created", "project", name, "generation", c.Generation)
	return c, nil
}

// Resolve returns the context for name, creating a fresh IDLE one if needed.
func (r *Registry) Resolve(name string) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(name)
}

// Get returns the context for name without creating it.
func (r *Registry) Get(name string) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[name]
	if !ok {
		return nil, domain.Errorf(domain.ReasonUnknownProject, "unknown project %s", name)
	}
	return c, nil
}

// Enter returns the context for name and marks a command in flight so the
// context cannot be evicted until the returned release func runs.
func (r *Registry) Enter(name string) (*Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[name]
	if !ok {
		return nil, nil, domain.Errorf(domain.ReasonUnknownProject, "unknown project %s", name)
	}
	c.inflight++
	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			c.inflight--
			c.lastActive = r.now()
			r.mu.Unlock()
		})
	}
	return c, release, nil
}

// Names lists the resident projects.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.contexts))
	for name := range r.contexts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ErrBusy is returned when eviction is refused.
type ErrBusy struct {
	Project  string
	Sessions int
	Inflight int
}

func (e *ErrBusy) Error() string {
	return fmt.Sprintf("project %s busy: %d sessions, %d commands in flight", e.Project, e.Sessions, e.Inflight)
}

// Evict closes the context for name. It refuses while sessions are attached
// or commands are in flight.
func (r *Registry) Evict(ctx context.Context, name string) error {
	r.mu.Lock()
	c, ok := r.contexts[name]
	if !ok {
		r.mu.Unlock()
		return domain.Errorf(domain.ReasonUnknownProject, "unknown project %s", name)
	}
	if n := c.Sessions.Count(); n > 0 || c.inflight > 0 {
		r.mu.Unlock()
		return &ErrBusy{Project: name, Sessions: n, Inflight: c.inflight}
	}
	delete(r.contexts, name)
	done := make(chan struct{})
	r.closing[name] = done
	r.opts.Metrics.SetActiveProjects(len(r.contexts))
	r.mu.Unlock()

	r.close(ctx, c)

	r.mu.Lock()
	delete(r.closing, name)
	close(done)
	r.mu.Unlock()
	return nil
}

func (r *Registry) close(ctx context.Context, c *Context) {
	if _, err := c.Bus.Publish(domain.EventProjectClosing, domain.Payload{"generation": c.Generation}); err != nil {
		c.logger.Warn("publish project.closing", "err", err)
	}
	c.Locks.Close()
	c.Bus.Close()
	c.shutdown()
	if r.opts.Store != nil {
		if err := r.opts.Store.Delete(ctx, c.Name); err != nil {
			c.logger.Error("delete project snapshot", "err", err)
		}
	}
	r.opts.Logger.Info("project context closed", "project", c.Name, "generation", c.Generation)
}

// EvictIdle evicts every context without sessions or in-flight commands that
// has been inactive for projects.idle_eviction.
func (r *Registry) EvictIdle(ctx context.Context, now time.Time) []string {
	idle := r.opts.Config.Projects.IdleEviction
	r.mu.Lock()
	var candidates []string
	for name, c := range r.contexts {
		if c.inflight == 0 && c.Sessions.Count() == 0 && now.Sub(c.lastActive) >= idle {
			candidates = append(candidates, name)
		}
	}
	r.mu.Unlock()
	sort.Strings(candidates)
	var evicted []string
	for _, name := range candidates {
		if err := r.Evict(ctx, name); err == nil {
			evicted = append(evicted, name)
		}
	}
	return evicted
}

// Run evicts idle contexts every interval until ctx ends, then flushes every
// context without forgetting its snapshot.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Shutdown()
			return
		case <-ticker.C:
			if names := r.EvictIdle(ctx, r.now()); len(names) > 0 {
				r.opts.Logger.Info("evicted idle projects", "projects", names)
			}
		}
	}
}

// Shutdown stops every context, keeping snapshots for recovery.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	all := make([]*Context, 0, len(r.contexts))
	for _, c := range r.contexts {
		all = append(all, c)
	}
	r.contexts = map[string]*Context{}
	r.sessions = map[string]string{}
	r.mu.Unlock()
	for _, c := range all {
		c.Locks.Close()
		c.Bus.Close()
		c.shutdown()
	}
	r.opts.Metrics.SetActiveProjects(0)
}

// Join attaches a new session to project, creating the context on first use.
func (r *Registry) Join(project, userID string, requested, verified domain.PermissionLevel) (domain.Session, error) {
	r.mu.Lock()
	c, err := r.resolveLocked(project)
	if err != nil {
		r.mu.Unlock()
		return domain.Session{}, err
	}
	s, err := c.Sessions.Join(userID, requested, verified)
	if err != nil {
		r.mu.Unlock()
		return domain.Session{}, err
	}
	r.sessions[s.ID] = project
	c.lastActive = r.now()
	r.mu.Unlock()

	r.opts.Metrics.SetSessions(project, c.Sessions.Count())
	if _, err := c.Bus.Publish(domain.EventPresenceJoined, domain.Payload{"sessionId": s.ID, "userId": userID, "level": s.Level.String()}); err != nil {
		c.logger.Warn("publish presence.joined", "err", err)
	}
	return s, nil
}

// Leave detaches a session, drops its claims and closes its subscriptions.
func (r *Registry) Leave(sessionID string) error {
	r.mu.Lock()
	name, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return domain.Errorf(domain.ReasonUnknownSession, "unknown session %s", sessionID)
	}
	delete(r.sessions, sessionID)
	c := r.contexts[name]
	var s domain.Session
	if c != nil {
		s, _ = c.Sessions.Leave(sessionID)
		c.lastActive = r.now()
	}
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	c.Locks.ReleaseSession(sessionID)
	c.Bus.CloseSession(sessionID)
	r.opts.Metrics.SetSessions(name, c.Sessions.Count())
	if _, err := c.Bus.Publish(domain.EventPresenceLeft, domain.Payload{"sessionId": sessionID, "userId": s.UserID}); err != nil {
		c.logger.Warn("publish presence.left", "err", err)
	}
	return nil
}

// Switch moves a session to another project. The old binding, including its
// subscriptions, is closed before the new session is returned. The new session
// keeps the old permission level.
func (r *Registry) Switch(sessionID, project string) (domain.Session, error) {
	old, _, err := r.Session(sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if !ValidName(project) {
		return domain.Session{}, domain.Errorf(domain.ReasonInvalidCommand, "invalid project name %q", project)
	}
	if err := r.Leave(sessionID); err != nil {
		return domain.Session{}, err
	}
	return r.Join(project, old.UserID, old.Level, old.Level)
}

// SessionProject returns the project a session is bound to.
func (r *Registry) SessionProject(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.sessions[sessionID]
	return name, ok
}

// Session returns the session and the context it is bound to.
func (r *Registry) Session(sessionID string) (domain.Session, *Context, error) {
	r.mu.Lock()
	name, ok := r.sessions[sessionID]
	c := r.contexts[name]
	r.mu.Unlock()
	if !ok || c == nil {
		return domain.Session{}, nil, domain.Errorf(domain.ReasonUnknownSession, "unknown session %s", sessionID)
	}
	s, err := c.Sessions.Get(sessionID)
	if err != nil {
		return domain.Session{}, nil, err
	}
	return s, c, nil
}

// Recover rebuilds contexts from the store after a restart. Sessions are not
// restored; clients join again and replay from their last sequence.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	if r.opts.Store == nil {
		return 0, nil
	}
	snaps, err := r.opts.Store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}
	tailSize := r.opts.Config.Projects.RecoveryTail
	n := 0
	for _, s := range snaps {
		if !s.Workflow.Valid() {
			r.opts.Logger.Error("skip corrupt snapshot", "project", s.Project, "state", s.Workflow)
			continue
		}
		snap := workflow.NewSnapshot()
		snap.State = s.Workflow
		snap.Failures = s.Failures
		snap.SprintStories = s.SprintStories
		for _, u := range s.Units {
			snap.Units[u.ID] = u
		}
		var tail []domain.Event
		if tailSize > 0 {
			tail, err = r.opts.Store.Tail(ctx, s.Project, s.Generation, tailSize)
			if err != nil {
				return n, fmt.Errorf("tail events of %s: %w", s.Project, err)
			}
		}
		r.mu.Lock()
		if _, exists := r.contexts[s.Project]; exists {
			r.mu.Unlock()
			continue
		}
		c := r.newContext(s.Project, s.Generation, snap, s.LastSeq, tail)
		r.contexts[s.Project] = c
		r.opts.Metrics.SetActiveProjects(len(r.contexts))
		r.mu.Unlock()
		n++
	}
	if n > 0 {
		r.opts.Logger.Info("recovered projects", "count", n)
	}
	return n, nil
}
