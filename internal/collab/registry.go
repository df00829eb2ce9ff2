// Package collab tracks the sessions attached to one project.
package collab

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"sprintline/internal/domain"
)

// Options configure a Registry. Zero values pick defaults.
type Options struct {
	Project       string
	IdleAfter     time.Duration
	RatePerSecond float64
	Burst         int
	Now           func() time.Time
	NewID         func() string
}

type member struct {
	session domain.Session
	limiter *rate.Limiter
}

// Ephemeral is a short-lived hint such as a typing indicator.
type Ephemeral struct {
	SessionID string    `json:"session_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at" format:"date-time"`
}

// Registry is the per-project session roster.
type Registry struct {
	mu        sync.Mutex
	opts      Options
	members   map[string]*member
	ephemeral map[string]Ephemeral
}

// New builds an empty roster.
func New(opts Options) *Registry {
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = 5 * time.Minute
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Registry{opts: opts, members: map[string]*member{}, ephemeral: map[string]Ephemeral{}}
}

func (r *Registry) now() time.Time { return r.opts.Now().UTC() }

// Join admits a user at the lower of the requested and verified levels. A zero
// requested level means "whatever identity grants".
func (r *Registry) Join(userID string, requested, verified domain.PermissionLevel) (domain.Session, error) {
	if userID == "" {
		return domain.Session{}, domain.Errorf(domain.ReasonInvalidCommand, "user id required")
	}
	level := verified
	if requested != domain.LevelNone && requested < level {
		level = requested
	}
	if level < domain.LevelViewer || level > domain.LevelAdmin {
		return domain.Session{}, &domain.Error{Reason: domain.ReasonPermissionDenied, Message: "no permission on project", Required: domain.LevelViewer}
	}
	now := r.now()
	s := domain.Session{
		ID:             r.opts.NewID(),
		UserID:         userID,
		ProjectID:      r.opts.Project,
		Level:          level,
		JoinedAt:       now,
		LastActivityAt: now,
		Presence:       domain.PresenceActive,
	}
	r.mu.Lock()
	r.members[s.ID] = &member{session: s, limiter: rate.NewLimiter(rate.Limit(r.opts.RatePerSecond), r.opts.Burst)}
	r.mu.Unlock()
	return s, nil
}

// Leave removes a session and its ephemeral entries.
func (r *Registry) Leave(sessionID string) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[sessionID]
	if !ok {
		return domain.Session{}, false
	}
	delete(r.members, sessionID)
	for k, e := range r.ephemeral {
		if e.SessionID == sessionID {
			delete(r.ephemeral, k)
		}
	}
	return m.session, true
}

// Get returns the session with derived presence.
func (r *Registry) Get(sessionID string) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[sessionID]
	if !ok {
		return domain.Session{}, domain.Errorf(domain.ReasonUnknownSession, "unknown session %s", sessionID)
	}
	return r.withPresence(m.session), nil
}

// Touch records activity for a session.
func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[sessionID]
	if !ok {
		return domain.Errorf(domain.ReasonUnknownSession, "unknown session %s", sessionID)
	}
	m.session.LastActivityAt = r.now()
	return nil
}

// Allow consumes one token from the session's bucket.
func (r *Registry) Allow(sessionID string) error {
	r.mu.Lock()
	m, ok := r.members[sessionID]
	r.mu.Unlock()
	if !ok {
		return domain.Errorf(domain.ReasonUnknownSession, "unknown session %s", sessionID)
	}
	if m.limiter.AllowN(r.now(), 1) {
		return nil
	}
	retry := time.Duration(float64(time.Second) / r.opts.RatePerSecond)
	return &domain.Error{Reason: domain.ReasonRateLimited, Message: "too many commands", RetryAfter: retry}
}

// Authorize checks the session level against the command capability.
func Authorize(s domain.Session, name domain.CommandName) error {
	required := domain.RequiredLevel(name)
	if s.Level >= required {
		return nil
	}
	return &domain.Error{
		Reason:   domain.ReasonPermissionDenied,
		Message:  fmt.Sprintf("%s requires %s, session has %s", name.Slash(), required, s.Level),
		Required: required,
	}
}

// ListActive returns every attached session ordered by join time.
func (r *Registry) ListActive() []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Session, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, r.withPresence(m.session))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Count returns the number of attached sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Registry) withPresence(s domain.Session) domain.Session {
	if r.now().Sub(s.LastActivityAt) > r.opts.IdleAfter {
		s.Presence = domain.PresenceIdle
	} else {
		s.Presence = domain.PresenceActive
	}
	return s
}

// SetEphemeral stores a short-lived hint keyed by session and key.
func (r *Registry) SetEphemeral(sessionID, key, value string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[sessionID]; !ok {
		return domain.Errorf(domain.ReasonUnknownSession, "unknown session %s", sessionID)
	}
	r.ephemeral[sessionID+"/"+key] = Ephemeral{SessionID: sessionID, Key: key, Value: value, ExpiresAt: r.now().Add(ttl)}
	return nil
}

// Ephemerals returns the live hints for key, pruning expired ones.
func (r *Registry) Ephemerals(key string) []Ephemeral {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var out []Ephemeral
	for k, e := range r.ephemeral {
		if !now.Before(e.ExpiresAt) {
			delete(r.ephemeral, k)
			continue
		}
		if e.Key == key {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
