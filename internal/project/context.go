package project

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"sprintline/internal/collab"
	"sprintline/internal/domain"
	"sprintline/internal/events"
	"sprintline/internal/lock"
	"sprintline/internal/repo"
	"sprintline/internal/workflow"
)

// MergeFunc rewrites a command that lost a race so it fits the state the
// winner left behind. Returning false keeps the original rejection.
type MergeFunc func(current workflow.Snapshot, cmd domain.Command) (domain.Command, bool)

// Mutation computes the next snapshot and the single event describing it.
type Mutation func(current workflow.Snapshot) (next workflow.Snapshot, t domain.EventType, p domain.Payload, err error)

// Context is the unit of isolation: every piece of mutable per-project state
// hangs off it and nothing is shared with other contexts.
type Context struct {
	Name       string
	Generation string
	CreatedAt  time.Time

	Machine  *workflow.Machine
	Locks    *lock.Manager
	Sessions *collab.Registry
	Bus      *events.Bus

	// mu guards snap. Lock order: mu, then the bus, then pendMu.
	mu   sync.Mutex
	snap workflow.Snapshot

	reqMu    sync.Mutex
	results  *lru.Cache[string, domain.Result]
	requests map[string]chan struct{}

	mergeMu sync.RWMutex
	merges  map[domain.CommandName]MergeFunc

	// inflight and lastActive are guarded by the owning Registry's mutex.
	inflight   int
	lastActive time.Time

	pendMu    sync.Mutex
	pending   []domain.Event
	persisted uint64
	signal    chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	store     Store
	logger    *log.Logger
}

// Snapshot returns a copy of the current workflow snapshot.
func (c *Context) Snapshot() workflow.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.Clone()
}

// State returns the externally visible state.
func (c *Context) State() domain.ProjectState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Context) stateLocked() domain.ProjectState {
	return domain.ProjectState{
		Project:       c.Name,
		Generation:    c.Generation,
		Workflow:      c.snap.State,
		Units:         c.snap.UnitList(),
		SprintStories: append([]string(nil), c.snap.SprintStories...),
		Failures:      c.snap.Failures,
		LastSequence:  c.Bus.LastSequence(),
	}
}

// Mutate runs fn against the current snapshot and, if it succeeds, publishes
// its event and swaps the snapshot as one step. A failed publication leaves
// the snapshot untouched.
func (c *Context) Mutate(fn Mutation) (domain.Event, domain.ProjectState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, t, p, err := fn(c.snap.Clone())
	if err != nil {
		return domain.Event{}, c.stateLocked(), err
	}
	ev, err := c.Bus.PublishTx(t, p, func(domain.Event) error {
		c.snap = next
		return nil
	})
	if err != nil {
		return domain.Event{}, c.stateLocked(), err
	}
	return ev, c.stateLocked(), nil
}

// Seen reports whether requestID has a recorded result or is executing.
func (c *Context) Seen(requestID string) bool {
	if requestID == "" {
		return false
	}
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.results.Contains(requestID) {
		return true
	}
	_, busy := c.requests[requestID]
	return busy
}

// BeginRequest returns a recorded result for requestID, or registers the
// caller as the one executing it. A concurrent duplicate blocks until the
// first attempt finishes.
func (c *Context) BeginRequest(ctx context.Context, requestID string) (domain.Result, bool, error) {
	if requestID == "" {
		return domain.Result{}, false, nil
	}
	for {
		c.reqMu.Lock()
		if res, ok := c.results.Get(requestID); ok {
			c.reqMu.Unlock()
			return res, true, nil
		}
		wait, busy := c.requests[requestID]
		if !busy {
			c.requests[requestID] = make(chan struct{})
			c.reqMu.Unlock()
			return domain.Result{}, false, nil
		}
		c.reqMu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return domain.Result{}, false, ctx.Err()
		}
	}
}

// FinishRequest records res for requestID. Pending results are not recorded,
// so a retry executes again.
func (c *Context) FinishRequest(requestID string, res domain.Result) {
	if requestID == "" {
		return
	}
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if res.Status != domain.StatusPending {
		c.results.Add(requestID, res)
	}
	if ch, ok := c.requests[requestID]; ok {
		close(ch)
		delete(c.requests, requestID)
	}
}

// RegisterMerge installs the merge function used for name under the
// last_wins and merge strategies.
func (c *Context) RegisterMerge(name domain.CommandName, fn MergeFunc) {
	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()
	if fn == nil {
		delete(c.merges, name)
		return
	}
	c.merges[name] = fn
}

// Merge returns the merge function for name, if one is registered.
func (c *Context) Merge(name domain.CommandName) (MergeFunc, bool) {
	c.mergeMu.RLock()
	defer c.mergeMu.RUnlock()
	fn, ok := c.merges[name]
	return fn, ok
}

// onPublish runs inside the bus critical section.
func (c *Context) onPublish(ev domain.Event) {
	c.pendMu.Lock()
	c.pending = append(c.pending, ev)
	c.pendMu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Context) runPersister() {
	defer close(c.stopped)
	for {
		select {
		case <-c.signal:
			c.flush(context.Background())
		case <-c.stop:
			c.flush(context.Background())
			return
		}
	}
}

// flush writes the snapshot and every event published since the last flush.
// It runs outside any core lock except for the brief copy.
func (c *Context) flush(ctx context.Context) {
	if c.store == nil {
		c.pendMu.Lock()
		c.pending = nil
		c.pendMu.Unlock()
		return
	}
	c.mu.Lock()
	snap := c.snap.Clone()
	c.pendMu.Lock()
	evs := c.pending
	c.pending = nil
	c.pendMu.Unlock()
	c.mu.Unlock()
	if len(evs) == 0 {
		return
	}
	last := c.persisted
	for _, ev := range evs {
		if ev.Sequence > last {
			last = ev.Sequence
		}
	}
	img := repo.Snapshot{
		Project:       c.Name,
		Generation:    c.Generation,
		Workflow:      snap.State,
		Units:         snap.UnitList(),
		SprintStories: snap.SprintStories,
		Failures:      snap.Failures,
		LastSeq:       last,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := c.store.Save(ctx, img, evs); err != nil {
		c.logger.Error("persist project snapshot", "events", len(evs), "err", err)
		c.pendMu.Lock()
		c.pending = append(evs, c.pending...)
		c.pendMu.Unlock()
		return
	}
	c.persisted = last
}

// shutdown stops the persister after a final flush.
func (c *Context) shutdown() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.stopped
}
