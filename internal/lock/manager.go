// Package lock serializes mutations per resource key within one project.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"sprintline/internal/domain"
)

// Strategy decides what happens to a contender for a held resource.
type Strategy string

const (
	FirstWins Strategy = "first_wins"
	LastWins  Strategy = "last_wins"
	Merge     Strategy = "merge"
	Abort     Strategy = "abort"
	Manual    Strategy = "manual"
)

// ParseStrategy accepts the configuration spelling of a strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case FirstWins, LastWins, Merge, Abort, Manual:
		return st, nil
	case "":
		return FirstWins, nil
	}
	return "", fmt.Errorf("unknown lock strategy %q", s)
}

// Queues reports whether contenders wait in line rather than being refused.
func (s Strategy) Queues() bool {
	return s != Abort && s != Manual
}

var (
	ErrConflict  = errors.New("resource conflict")
	ErrNotHolder = errors.New("lock not held by session")
)

// TimeoutError is returned when a waiter gives up before being granted.
type TimeoutError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock %s: timed out waiting; retry after %s", e.Resource, e.RetryAfter)
}

// Publisher receives the broadcast facts produced by the lock layer.
type Publisher interface {
	Publish(t domain.EventType, p domain.Payload) (domain.Event, error)
}

// Token proves ownership of a grant.
type Token struct {
	Resource   string
	SessionID  string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	id         uint64
	nested     bool
}

// Nested reports whether the token was a re-entrant acquisition.
func (t Token) Nested() bool { return t.nested }

type waiter struct {
	session string
	grant   chan Token
}

type entry struct {
	holder     string
	token      uint64
	acquiredAt time.Time
	expiresAt  time.Time
	timer      *time.Timer
	waiters    []*waiter
	conflicted bool
}

// Options configure a Manager.
type Options struct {
	Project  string
	Strategy Strategy
	TTL      time.Duration
	Now      func() time.Time
	Logger   *log.Logger
}

// Manager owns the lock table of one project.
type Manager struct {
	mu       sync.Mutex
	project  string
	strategy Strategy
	ttl      time.Duration
	now      func() time.Time
	logger   *log.Logger
	pub      Publisher
	locks    map[string]*entry
	claims   map[string]Token
	seq      uint64
	closed   bool
}

const defaultTTL = 30 * time.Second

// New builds a manager that broadcasts through pub.
func New(opts Options, pub Publisher) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Strategy == "" {
		opts.Strategy = FirstWins
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Manager{
		project:  opts.Project,
		strategy: opts.Strategy,
		ttl:      opts.TTL,
		now:      opts.Now,
		logger:   opts.Logger,
		pub:      pub,
		locks:    map[string]*entry{},
		claims:   map[string]Token{},
	}
}

// Strategy returns the configured conflict strategy.
func (m *Manager) Strategy() Strategy { return m.strategy }

// Acquire blocks until sessionID holds resource, the timeout elapses or ctx ends.
// A holder acquiring again receives a nested token whose release is a no-op.
func (m *Manager) Acquire(ctx context.Context, resource, sessionID string, timeout time.Duration) (Token, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Token{}, fmt.Errorf("lock %s: manager closed", resource)
	}
	e := m.locks[resource]
	if e == nil {
		e = &entry{}
		m.locks[resource] = e
	}
	if e.conflicted {
		m.mu.Unlock()
		return Token{}, fmt.Errorf("%w: %s awaits manual resolution", ErrConflict, resource)
	}
	if e.holder == "" {
		tok := m.grantLocked(resource, e, sessionID)
		m.mu.Unlock()
		return tok, nil
	}
	if e.holder == sessionID {
		tok := Token{Resource: resource, SessionID: sessionID, AcquiredAt: e.acquiredAt, ExpiresAt: e.expiresAt, id: e.token, nested: true}
		m.mu.Unlock()
		return tok, nil
	}
	switch m.strategy {
	case Abort:
		m.mu.Unlock()
		return Token{}, fmt.Errorf("%w: %s held by another session", ErrConflict, resource)
	case Manual:
		e.conflicted = true
		holder := e.holder
		m.mu.Unlock()
		m.publish(domain.EventConflictDetected, domain.Payload{"resourceKey": resource, "holder": holder, "contender": sessionID})
		return Token{}, fmt.Errorf("%w: %s marked conflicted", ErrConflict, resource)
	}
	if timeout <= 0 {
		retry := m.retryAfterLocked(e, timeout)
		m.mu.Unlock()
		return Token{}, &TimeoutError{Resource: resource, RetryAfter: retry}
	}
	w := &waiter{session: sessionID, grant: make(chan Token, 1)}
	e.waiters = append(e.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case tok := <-w.grant:
		return tok, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	removed := false
	for i, other := range e.waiters {
		if other == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			removed = true
			break
		}
	}
	retry := m.retryAfterLocked(e, timeout)
	m.mu.Unlock()
	if !removed {
		// Granted while giving up: hand the lock on.
		tok := <-w.grant
		_ = m.Release(tok)
	}
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	return Token{}, &TimeoutError{Resource: resource, RetryAfter: retry}
}

func (m *Manager) grantLocked(resource string, e *entry, sessionID string) Token {
	m.seq++
	id := m.seq
	now := m.now().UTC()
	e.holder = sessionID
	e.token = id
	e.acquiredAt = now
	e.expiresAt = now.Add(m.ttl)
	e.timer = time.AfterFunc(m.ttl, func() { m.expire(resource, id) })
	m.logger.Debug("lock granted", "resource", resource, "session", sessionID)
	return Token{Resource: resource, SessionID: sessionID, AcquiredAt: e.acquiredAt, ExpiresAt: e.expiresAt, id: id}
}

// handoffLocked frees the entry and grants it to the next waiter, if any.
func (m *Manager) handoffLocked(resource string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.holder = ""
	e.token = 0
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		next.grant <- m.grantLocked(resource, e, next.session)
		return
	}
	if !e.conflicted {
		delete(m.locks, resource)
	}
}

func (m *Manager) retryAfterLocked(e *entry, fallback time.Duration) time.Duration {
	retry := fallback
	if e.holder != "" {
		if left := e.expiresAt.Sub(m.now().UTC()); left > 0 && (retry <= 0 || left < retry) {
			retry = left
		}
	}
	if retry < 50*time.Millisecond {
		retry = 50 * time.Millisecond
	}
	return retry
}

// Release gives the resource back. Nested tokens are a no-op; a token whose grant
// expired or was superseded returns ErrNotHolder.
func (m *Manager) Release(tok Token) error {
	if tok.nested {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.locks[tok.Resource]
	if e == nil || e.token != tok.id || e.holder != tok.SessionID {
		return fmt.Errorf("%w: %s", ErrNotHolder, tok.Resource)
	}
	m.handoffLocked(tok.Resource, e)
	return nil
}

// Held reports whether tok still owns its resource.
func (m *Manager) Held(tok Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.locks[tok.Resource]
	return e != nil && e.token == tok.id && e.holder == tok.SessionID
}

func (m *Manager) expire(resource string, id uint64) {
	m.mu.Lock()
	e := m.locks[resource]
	if e == nil || e.token != id {
		m.mu.Unlock()
		return
	}
	former := e.holder
	if claim, ok := m.claims[resource]; ok && claim.id == id {
		delete(m.claims, resource)
	}
	e.timer = nil
	m.handoffLocked(resource, e)
	m.mu.Unlock()
	m.logger.Warn("lock expired", "resource", resource, "session", former)
	m.publish(domain.EventLockExpired, domain.Payload{"resourceKey": resource, "formerHolder": former})
}

// Claim acquires resource on behalf of a session outside any command. The claim
// lasts until ReleaseClaim, ReleaseSession or expiry.
func (m *Manager) Claim(ctx context.Context, resource, sessionID string, timeout time.Duration) (domain.ResourceLock, error) {
	tok, err := m.Acquire(ctx, resource, sessionID, timeout)
	if err != nil {
		return domain.ResourceLock{}, err
	}
	if !tok.nested {
		m.mu.Lock()
		m.claims[resource] = tok
		m.mu.Unlock()
		m.publish(domain.EventLockClaimed, domain.Payload{"resourceKey": resource, "holder": sessionID, "expiresAt": tok.ExpiresAt})
	}
	return domain.ResourceLock{
		ProjectID:       m.project,
		ResourceKey:     resource,
		HolderSessionID: sessionID,
		AcquiredAt:      tok.AcquiredAt,
		ExpiresAt:       tok.ExpiresAt,
	}, nil
}

// ReleaseClaim drops an explicit claim held by sessionID.
func (m *Manager) ReleaseClaim(resource, sessionID string) error {
	m.mu.Lock()
	tok, ok := m.claims[resource]
	if !ok || tok.SessionID != sessionID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHolder, resource)
	}
	delete(m.claims, resource)
	e := m.locks[resource]
	if e == nil || e.token != tok.id {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHolder, resource)
	}
	m.handoffLocked(resource, e)
	m.mu.Unlock()
	m.publish(domain.EventLockReleased, domain.Payload{"resourceKey": resource, "holder": sessionID})
	return nil
}

// ReleaseSession drops every explicit claim of a departing session.
func (m *Manager) ReleaseSession(sessionID string) {
	m.mu.Lock()
	var resources []string
	for r, tok := range m.claims {
		if tok.SessionID == sessionID {
			resources = append(resources, r)
		}
	}
	m.mu.Unlock()
	sort.Strings(resources)
	for _, r := range resources {
		_ = m.ReleaseClaim(r, sessionID)
	}
}

// Resolve clears a manual conflict on resource.
func (m *Manager) Resolve(resource, by string) error {
	m.mu.Lock()
	e := m.locks[resource]
	if e == nil || !e.conflicted {
		m.mu.Unlock()
		return domain.Errorf(domain.ReasonNotAllowedInState, "resource %s is not conflicted", resource)
	}
	e.conflicted = false
	if e.holder == "" && len(e.waiters) == 0 {
		delete(m.locks, resource)
	}
	m.mu.Unlock()
	m.publish(domain.EventConflictResolved, domain.Payload{"resourceKey": resource, "resolvedBy": by})
	return nil
}

// Snapshot lists the lock table sorted by resource key.
func (m *Manager) Snapshot() []domain.ResourceLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ResourceLock, 0, len(m.locks))
	for key, e := range m.locks {
		out = append(out, domain.ResourceLock{
			ProjectID:       m.project,
			ResourceKey:     key,
			HolderSessionID: e.holder,
			AcquiredAt:      e.acquiredAt,
			ExpiresAt:       e.expiresAt,
			Waiters:         len(e.waiters),
			Conflicted:      e.conflicted,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out
}

// Close stops every expiry timer. Pending waiters run out on their own timeouts.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, e := range m.locks {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

func (m *Manager) publish(t domain.EventType, p domain.Payload) {
	if m.pub == nil {
		return
	}
	if _, err := m.pub.Publish(t, p); err != nil {
		m.logger.Error("publish lock event", "type", t, "err", err)
	}
}
