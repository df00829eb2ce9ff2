package sprintlinesdk

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sprintline/internal/app"
	"sprintline/internal/config"
	"sprintline/internal/domain"
	"sprintline/internal/server"
)

const secret = "sdk-secret"

func newClient(t *testing.T, user string, level domain.PermissionLevel) (*Client, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Collaboration.Rate.PerSecond = 1000
	cfg.Collaboration.Rate.Burst = 1000
	logger := log.New(io.Discard)
	a, err := app.Open(context.Background(), app.Options{Config: cfg, Logger: logger, Ephemeral: true})
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Engine:   a.Engine,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: secret, Logger: logger},
		Logger:   logger,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		a.Registry.Shutdown()
		ts.Close()
		a.Close()
	})
	token, err := server.SignToken(secret, "", "", user, level, time.Hour)
	require.NoError(t, err)
	return New(ts.URL, token), ts
}

func TestClientRoundTrip(t *testing.T) {
	c, _ := newClient(t, "ada", domain.LevelMaintainer)
	ctx := context.Background()

	sess, err := c.Join(ctx, "alpha", "")
	require.NoError(t, err)
	assert.Equal(t, "maintainer", sess.PermissionLevel)

	res, err := c.Execute(ctx, "alpha", sess.ID, "/epic payments", "req-1")
	require.NoError(t, err)
	assert.True(t, res.Applied())
	require.NotNil(t, res.State)
	assert.Equal(t, "BACKLOG_READY", res.State.Workflow)

	again, err := c.Execute(ctx, "alpha", sess.ID, "/epic payments", "req-1")
	require.NoError(t, err)
	assert.Equal(t, res.Event.Sequence, again.Event.Sequence, "a retried request id returns the recorded result")

	res, err = c.Execute(ctx, "alpha", sess.ID, "/sprint start", "")
	require.NoError(t, err, "rejections are results, not errors")
	assert.Equal(t, "rejected", res.Status)
	assert.Equal(t, "NotAllowedInState", res.Reason)

	st, err := c.State(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "BACKLOG_READY", st.Workflow)

	cmds, err := c.Suggestions(ctx, "alpha")
	require.NoError(t, err)
	assert.Contains(t, cmds, "sprint.plan")

	page, err := c.Events(ctx, "alpha", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "workflow.transition", page.Items[1].Type)

	lock, err := c.Claim(ctx, "alpha", sess.ID, "workunit:S-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, lock.HolderSessionID)
	require.NoError(t, c.Release(ctx, "alpha", sess.ID, "workunit:S-1"))

	require.NoError(t, c.SetHint(ctx, "alpha", sess.ID, "typing", "S-1", time.Minute))
	hints, err := c.Hints(ctx, "alpha", "typing")
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, "S-1", hints[0].Value)

	moved, err := c.Switch(ctx, sess.ID, "beta")
	require.NoError(t, err)
	assert.Equal(t, "beta", moved.ProjectID)
	require.NoError(t, c.Leave(ctx, sess.ID))

	err = c.Leave(ctx, sess.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientStream(t *testing.T) {
	c, _ := newClient(t, "ada", domain.LevelContributor)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := c.Join(ctx, "alpha", "")
	require.NoError(t, err)
	_, err = c.Execute(ctx, "alpha", sess.ID, "/epic payments", "")
	require.NoError(t, err)

	stop := errors.New("stop")
	var seen []Event
	err = c.Stream(ctx, "alpha", sess.ID, 0, func(ev Event) error {
		seen = append(seen, ev)
		if len(seen) == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, uint64(1), seen[0].Sequence)
	assert.Equal(t, "presence.joined", seen[0].Type)
	assert.Equal(t, uint64(2), seen[1].Sequence)
}
