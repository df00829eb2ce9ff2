package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sprintline/internal/domain"
)

func TestParseText(t *testing.T) {
	cases := []struct {
		text string
		name domain.CommandName
		args domain.Args
	}{
		{"/sprint start", domain.CmdSprintStart, domain.NoArgs{}},
		{"/tdd start S-1", domain.CmdTDDStart, domain.UnitArgs{UnitID: "S-1"}},
		{"/epic build the login flow", domain.CmdEpic, domain.TextArgs{Text: "build the login flow"}},
		{"/sprint plan S-1,S-2 S-3", domain.CmdSprintPlan, domain.IDListArgs{IDs: []string{"S-1", "S-2", "S-3"}}},
		{"/report failure S-1 flaky build", domain.CmdReportFailure, domain.FailureArgs{UnitID: "S-1", Reason: "flaky build"}},
		{"/backlog prioritize S-2 high", domain.CmdBacklogPrioritize, domain.PrioritizeArgs{StoryID: "S-2", Priority: "high"}},
		{"/approve", domain.CmdApprove, domain.IDListArgs{}},
		{"/suggest_fix retry with mocks", domain.CmdSuggestFix, domain.TextArgs{Text: "retry with mocks"}},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			name, args, err := domain.ParseText(tc.text)
			require.NoError(t, err)
			assert.Equal(t, tc.name, name)
			assert.Equal(t, tc.args, args)
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, text := range []string{
		"sprint start",
		"/sprint",
		"/sprint start now",
		"/tdd start",
		"/tdd start a:b",
		"/backlog prioritize S-1 urgent",
		"/signal blocked",
		"/claim workflow",
		"/epic",
	} {
		_, _, err := domain.ParseText(text)
		require.Error(t, err, text)
		assert.Equal(t, domain.ReasonInvalidCommand, domain.ReasonOf(err), text)
	}
}

func TestResourceKeys(t *testing.T) {
	name, args, err := domain.ParseCommand("tdd.code", []string{"S-9"})
	require.NoError(t, err)
	cmd := domain.Command{Name: name, Args: args}
	assert.Equal(t, "workunit:S-9", cmd.ResourceKey())
	assert.False(t, cmd.ReadOnly())

	cmd = domain.Command{Name: domain.CmdSprintPause, Args: domain.NoArgs{}}
	assert.Equal(t, domain.ResourceWorkflow, cmd.ResourceKey())

	cmd = domain.Command{Name: domain.CmdState, Args: domain.NoArgs{}}
	assert.Equal(t, "", cmd.ResourceKey())
	assert.True(t, cmd.ReadOnly())
}

func TestPermissionOrdering(t *testing.T) {
	assert.Less(t, int(domain.LevelViewer), int(domain.LevelContributor))
	assert.Less(t, int(domain.LevelContributor), int(domain.LevelMaintainer))
	assert.Less(t, int(domain.LevelMaintainer), int(domain.LevelAdmin))
	assert.Equal(t, domain.LevelViewer, domain.RequiredLevel(domain.CmdState))
	assert.Equal(t, domain.LevelMaintainer, domain.RequiredLevel(domain.CmdApprove))
	assert.Equal(t, domain.LevelAdmin, domain.RequiredLevel(domain.CmdProjectRegister))
	assert.Equal(t, domain.LevelSystem, domain.RequiredLevel(domain.CmdSignalBlocked))
	assert.Equal(t, domain.LevelContributor, domain.RequiredLevel(domain.CmdClaim))
	assert.Equal(t, domain.LevelSystem, domain.RequiredLevel("nope"))
}

func TestPermissionLevelJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Level domain.PermissionLevel `json:"level"`
	}{domain.LevelMaintainer})
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":"maintainer"}`, string(b))

	var out struct {
		Level domain.PermissionLevel `json:"level"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"level":"admin"}`), &out))
	assert.Equal(t, domain.LevelAdmin, out.Level)
	require.Error(t, json.Unmarshal([]byte(`{"level":"root"}`), &out))
}

func TestRejectedCarriesRequiredLevel(t *testing.T) {
	err := &domain.Error{Reason: domain.ReasonPermissionDenied, Message: "maintainer required", Required: domain.LevelMaintainer}
	res := domain.Rejected("r-1", domain.CmdApprove, err)
	assert.Equal(t, domain.StatusRejected, res.Status)
	assert.Equal(t, domain.ReasonPermissionDenied, res.Reason)
	assert.Equal(t, domain.LevelMaintainer, res.Required)
	assert.Equal(t, "maintainer required", res.Message)
}
