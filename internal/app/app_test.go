package app

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sprintline/internal/config"
	"sprintline/internal/domain"
	"sprintline/internal/engine"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("warn", &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "project", "alpha")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "project=alpha")

	_, err = NewLogger("loud", &buf)
	assert.Error(t, err)
}

func TestOpenRecoversProjects(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	logger, err := NewLogger("error", &bytes.Buffer{})
	require.NoError(t, err)

	a, err := Open(ctx, Options{Workspace: dir, Config: config.Default(), Logger: logger})
	require.NoError(t, err)
	s, err := a.Registry.Join("alpha", "alice", domain.LevelNone, domain.LevelContributor)
	require.NoError(t, err)
	res := a.Engine.Execute(ctx, engine.Request{Project: "alpha", SessionID: s.ID, Text: "/epic onboarding"})
	require.Equal(t, domain.StatusApplied, res.Status)
	require.NoError(t, a.Close())

	b, err := Open(ctx, Options{Workspace: dir, Config: config.Default(), Logger: logger})
	require.NoError(t, err)
	defer b.Close()
	st, err := b.Engine.State("alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StateBacklogReady, st.Workflow)
	assert.Equal(t, res.State.LastSequence, st.LastSequence)
}
