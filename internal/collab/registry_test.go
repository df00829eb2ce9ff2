package collab

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sprintline/internal/domain"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func newRegistry(c *clock) *Registry {
	n := 0
	return New(Options{
		Project:       "alpha",
		IdleAfter:     time.Minute,
		RatePerSecond: 1,
		Burst:         2,
		Now:           c.Now,
		NewID: func() string {
			n++
			return fmt.Sprintf("s%d", n)
		},
	})
}

func TestJoinNeverElevates(t *testing.T) {
	r := newRegistry(newClock())
	s, err := r.Join("alice", domain.LevelAdmin, domain.LevelContributor)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelContributor, s.Level)

	s, err = r.Join("bob", domain.LevelViewer, domain.LevelAdmin)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelViewer, s.Level)

	s, err = r.Join("carol", domain.LevelNone, domain.LevelMaintainer)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelMaintainer, s.Level)

	_, err = r.Join("mallory", domain.LevelAdmin, domain.LevelNone)
	assert.Equal(t, domain.ReasonPermissionDenied, domain.ReasonOf(err))
}

func TestAuthorize(t *testing.T) {
	viewer := domain.Session{Level: domain.LevelViewer}
	err := Authorize(viewer, domain.CmdEpic)
	require.Error(t, err)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.ReasonPermissionDenied, de.Reason)
	assert.Equal(t, domain.LevelContributor, de.Required)

	assert.NoError(t, Authorize(viewer, domain.CmdState))
	admin := domain.Session{Level: domain.LevelAdmin}
	assert.Error(t, Authorize(admin, domain.CmdSignalBlocked), "system commands are never granted")
}

func TestPresenceIsDerived(t *testing.T) {
	c := newClock()
	r := newRegistry(c)
	a, _ := r.Join("alice", domain.LevelNone, domain.LevelContributor)
	c.Advance(30 * time.Second)
	b, _ := r.Join("bob", domain.LevelNone, domain.LevelContributor)
	c.Advance(45 * time.Second)
	require.NoError(t, r.Touch(b.ID))

	list := r.ListActive()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, domain.PresenceIdle, list[0].Presence)
	assert.Equal(t, domain.PresenceActive, list[1].Presence)
}

func TestLeaveAndUnknownSession(t *testing.T) {
	r := newRegistry(newClock())
	s, _ := r.Join("alice", domain.LevelNone, domain.LevelViewer)
	_, ok := r.Leave(s.ID)
	assert.True(t, ok)
	_, ok = r.Leave(s.ID)
	assert.False(t, ok)
	_, err := r.Get(s.ID)
	assert.Equal(t, domain.ReasonUnknownSession, domain.ReasonOf(err))
	assert.Equal(t, 0, r.Count())
}

func TestRateLimit(t *testing.T) {
	c := newClock()
	r := newRegistry(c)
	s, _ := r.Join("alice", domain.LevelNone, domain.LevelViewer)
	require.NoError(t, r.Allow(s.ID))
	require.NoError(t, r.Allow(s.ID))
	err := r.Allow(s.ID)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.ReasonRateLimited, de.Reason)
	assert.Equal(t, time.Second, de.RetryAfter)

	c.Advance(time.Second)
	assert.NoError(t, r.Allow(s.ID))
}

func TestEphemeralExpires(t *testing.T) {
	c := newClock()
	r := newRegistry(c)
	s, _ := r.Join("alice", domain.LevelNone, domain.LevelViewer)
	require.NoError(t, r.SetEphemeral(s.ID, "typing", "S-1", 10*time.Second))
	assert.Len(t, r.Ephemerals("typing"), 1)
	c.Advance(11 * time.Second)
	assert.Empty(t, r.Ephemerals("typing"))
	assert.Error(t, r.SetEphemeral("ghost", "typing", "x", time.Second))
}
