package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sprintline/internal/app"
	"sprintline/internal/config"
	"sprintline/internal/domain"
	"sprintline/internal/engine"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, tweak func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Locks.Timeout = 2 * time.Second
	cfg.Collaboration.Rate.PerSecond = 1000
	cfg.Collaboration.Rate.Burst = 1000
	if tweak != nil {
		tweak(cfg)
	}
	logger := log.New(io.Discard)
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Config: cfg, Logger: logger})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{
		Engine:   a.Engine,
		Repo:     a.Repo,
		Gatherer: a.Metrics.Registry,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:       testSecret,
			Issuer:          "sprintline",
			AllowDevHeaders: true,
			Logger:          logger,
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			a.Registry.Shutdown()
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func dev(user, level string) map[string]string {
	return map[string]string{"X-User-Id": user, "X-Permission-Level": level}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func (s *testServer) join(t *testing.T, projectName string, headers map[string]string) domain.Session {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/projects/"+projectName+"/sessions", map[string]any{}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("join status %d: %s", res.StatusCode, string(data))
	}
	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return sess
}

func (s *testServer) command(t *testing.T, sess domain.Session, text string, headers map[string]string) (int, domain.Result) {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/projects/"+sess.ProjectID+"/commands", map[string]any{
		"session_id": sess.ID,
		"text":       text,
	}, headers)
	var out domain.Result
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal result (%d): %v: %s", res.StatusCode, err, string(data))
	}
	return res.StatusCode, out
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t, nil)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, "unauthorized", envelope.Error.Code)
}

func TestCommandLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	lead := dev("lena", "maintainer")
	sess := srv.join(t, "alpha", lead)
	assert.Equal(t, domain.LevelMaintainer, sess.Level)

	status, res := srv.command(t, sess, "/epic checkout flow", lead)
	require.Equal(t, http.StatusOK, status, res.Message)
	assert.Equal(t, domain.StatusApplied, res.Status)
	require.NotNil(t, res.Event)
	assert.Equal(t, domain.EventWorkflowTransition, res.Event.Type)
	assert.Equal(t, domain.StateBacklogReady, res.State.Workflow)

	viewerHeaders := dev("vera", "viewer")
	viewer := srv.join(t, "alpha", viewerHeaders)
	status, res = srv.command(t, viewer, "/approve S-1", viewerHeaders)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, domain.ReasonPermissionDenied, res.Reason)
	assert.Equal(t, domain.LevelMaintainer, res.Required)

	status, res = srv.command(t, sess, "/dance", lead)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, domain.ReasonInvalidCommand, res.Reason)

	resp, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/alpha/state", nil, lead)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var st domain.ProjectState
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, domain.StateBacklogReady, st.Workflow)

	resp, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/alpha/suggestions", nil, lead)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var sugg SuggestionsResponse
	require.NoError(t, json.Unmarshal(body, &sugg))
	assert.Contains(t, sugg.Commands, "sprint.plan")
}

func TestForeignSessionIsForbidden(t *testing.T) {
	srv := newTestServer(t, nil)
	sess := srv.join(t, "alpha", dev("lena", "maintainer"))

	status, res := srv.command(t, sess, "/epic stolen", dev("mallory", "admin"))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "", string(res.Status), "the envelope is an api error, not a result")

	resp, body := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/sessions/"+sess.ID, nil, dev("mallory", "admin"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, string(body))
}

func TestHeldLockReturnsPending(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Locks.Timeout = 50 * time.Millisecond
	})
	ownerHeaders := dev("olga", "maintainer")
	owner := srv.join(t, "alpha", ownerHeaders)
	otherHeaders := dev("otto", "maintainer")
	other := srv.join(t, "alpha", otherHeaders)

	resp, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/alpha/locks/workflow", map[string]any{"session_id": owner.ID}, ownerHeaders)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	status, res := srv.command(t, other, "/epic blocked", otherHeaders)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, domain.StatusPending, res.Status)
	assert.Positive(t, res.RetryAfterMS)

	resp, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/alpha/locks", nil, otherHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var locks []domain.ResourceLock
	require.NoError(t, json.Unmarshal(body, &locks))
	require.Len(t, locks, 1)
	assert.Equal(t, owner.ID, locks[0].HolderSessionID)

	resp, body = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/projects/alpha/locks/workflow?session_id="+other.ID, nil, otherHeaders)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	resp, body = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/projects/alpha/locks/workflow?session_id="+owner.ID, nil, ownerHeaders)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))

	status, res = srv.command(t, other, "/epic unblocked", otherHeaders)
	assert.Equal(t, http.StatusOK, status, res.Message)
}

func TestEventsReplay(t *testing.T) {
	srv := newTestServer(t, nil)
	lead := dev("lena", "maintainer")
	sess := srv.join(t, "alpha", lead)
	srv.command(t, sess, "/epic checkout flow", lead)

	resp, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/alpha/events?after=0", nil, lead)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var page EventsPage
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "presence.joined", page.Items[0].Type)
	assert.Equal(t, "workflow.transition", page.Items[1].Type)
	assert.Equal(t, uint64(2), page.LastSequence)
	assert.False(t, page.FromLog)

	resp, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/alpha/events?after=1", nil, lead)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, uint64(2), page.Items[0].Sequence)
}

func TestEventsFallBackToLog(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Events.RingSize = 2
	})
	lead := dev("lena", "maintainer")
	sess := srv.join(t, "alpha", lead)
	for i := 0; i < 4; i++ {
		status, res := srv.command(t, sess, "/epic round", lead)
		require.Equal(t, http.StatusOK, status, res.Message)
	}

	var page EventsPage
	require.Eventually(t, func() bool {
		resp, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/alpha/events?after=0", nil, lead)
		if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &page) != nil {
			return false
		}
		return len(page.Items) == 5
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, page.FromLog)
	for i, item := range page.Items {
		assert.Equal(t, uint64(i+1), item.Sequence)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	srv := newTestServer(t, nil)
	lead := dev("lena", "maintainer")
	sess := srv.join(t, "alpha", lead)
	srv.command(t, sess, "/epic checkout flow", lead)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/projects/alpha/events/stream?after=0&session_id="+sess.ID, nil)
	require.NoError(t, err)
	for k, v := range lead {
		req.Header.Set(k, v)
	}
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	go func() {
		// A live event after the replay.
		time.Sleep(50 * time.Millisecond)
		srv.App.Engine.Execute(context.Background(), engine.Request{Project: "alpha", SessionID: sess.ID, Text: "/epic second"})
	}()

	var seen []EventResponse
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() && len(seen) < 3 {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev EventResponse
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev))
		seen = append(seen, ev)
	}
	require.Len(t, seen, 3)
	for i, ev := range seen {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
	assert.Equal(t, "workflow.transition", seen[2].Type)
}

func TestStreamBackfillsInOrder(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Events.RingSize = 2
	})
	lead := dev("lena", "maintainer")
	sess := srv.join(t, "alpha", lead)
	for i := 0; i < 4; i++ {
		status, res := srv.command(t, sess, "/epic round", lead)
		require.Equal(t, http.StatusOK, status, res.Message)
	}
	pc, err := srv.App.Registry.Get("alpha")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		logged, err := srv.App.Repo.EventsAfterSeq(context.Background(), "alpha", pc.Generation, 0, 0)
		return err == nil && len(logged) == 5
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/projects/alpha/events/stream?after=0&session_id="+sess.ID, nil)
	require.NoError(t, err)
	for k, v := range lead {
		req.Header.Set(k, v)
	}
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	go func() {
		time.Sleep(50 * time.Millisecond)
		srv.App.Engine.Execute(context.Background(), engine.Request{Project: "alpha", SessionID: sess.ID, Text: "/epic live"})
	}()

	var seqs []uint64
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() && len(seqs) < 6 {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev EventResponse
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev))
		seqs = append(seqs, ev.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, seqs, "log backfill, ring replay and live events arrive once each in order")
}

func TestJWTPrincipal(t *testing.T) {
	srv := newTestServer(t, nil)
	token, err := SignToken(testSecret, "sprintline", "", "jo", domain.LevelContributor, time.Hour)
	require.NoError(t, err)
	headers := map[string]string{"Authorization": "Bearer " + token}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/alpha/sessions", map[string]any{"requested_level": "admin"}, headers)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var sess domain.Session
	require.NoError(t, json.Unmarshal(data, &sess))
	assert.Equal(t, "jo", sess.UserID)
	assert.Equal(t, domain.LevelContributor, sess.Level, "a requested level never exceeds the verified one")

	forged, err := SignToken("other-secret", "sprintline", "", "jo", domain.LevelAdmin, time.Hour)
	require.NoError(t, err)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
}

func TestBatchKeepsOrder(t *testing.T) {
	srv := newTestServer(t, nil)
	lead := dev("lena", "maintainer")
	alpha := srv.join(t, "alpha", lead)
	beta := srv.join(t, "beta", lead)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/commands/batch", map[string]any{
		"commands": []map[string]any{
			{"project": "alpha", "session_id": alpha.ID, "text": "/epic one"},
			{"project": "beta", "session_id": beta.ID, "text": "/sprint start"},
			{"project": "alpha", "session_id": alpha.ID, "text": "/sprint plan S-1"},
			{"project": "beta", "session_id": "missing", "text": "/epic nope"},
		},
	}, lead)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out BatchResponse
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Results, 4)
	assert.Equal(t, domain.StatusApplied, out.Results[0].Status)
	assert.Equal(t, domain.ReasonNotAllowedInState, out.Results[1].Reason)
	assert.Equal(t, domain.StatusApplied, out.Results[2].Status)
	assert.Equal(t, domain.ReasonUnknownSession, out.Results[3].Reason)
}

func TestSwitchAndLeave(t *testing.T) {
	srv := newTestServer(t, nil)
	lead := dev("lena", "maintainer")
	sess := srv.join(t, "alpha", lead)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+sess.ID+"/switch", map[string]any{"project": "beta"}, lead)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var moved domain.Session
	require.NoError(t, json.Unmarshal(data, &moved))
	assert.Equal(t, "beta", moved.ProjectID)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/beta/sessions", nil, lead)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var active []domain.Session
	require.NoError(t, json.Unmarshal(data, &active))
	require.Len(t, active, 1)

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/sessions/"+sess.ID, nil, lead)
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/sessions/"+sess.ID, nil, lead)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHints(t *testing.T) {
	srv := newTestServer(t, nil)
	lead := dev("lena", "maintainer")
	sess := srv.join(t, "alpha", lead)
	pc, err := srv.App.Registry.Get("alpha")
	require.NoError(t, err)
	before := pc.Bus.LastSequence()

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/projects/alpha/hints/typing", map[string]any{
		"session_id": sess.ID, "value": "S-1", "ttl_seconds": 60,
	}, lead)
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/alpha/hints/typing", nil, lead)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var hints []struct {
		SessionID string `json:"session_id"`
		Value     string `json:"value"`
	}
	require.NoError(t, json.Unmarshal(data, &hints))
	require.Len(t, hints, 1)
	assert.Equal(t, sess.ID, hints[0].SessionID)
	assert.Equal(t, "S-1", hints[0].Value)
	assert.Equal(t, before, pc.Bus.LastSequence(), "hints never enter the event stream")

	res, _ = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/projects/beta/hints/typing", map[string]any{
		"session_id": sess.ID, "value": "S-1",
	}, lead)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	other := dev("omar", "contributor")
	res, _ = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/projects/alpha/hints/typing", map[string]any{
		"session_id": sess.ID, "value": "S-2",
	}, other)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv := newTestServer(t, nil)
	lead := dev("lena", "maintainer")
	sess := srv.join(t, "alpha", lead)
	srv.command(t, sess, "/epic checkout flow", lead)

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "sprintline_commands_total")

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas map[string]any
	require.NoError(t, json.Unmarshal(body, &oas))
	paths, _ := oas["paths"].(map[string]any)
	assert.Contains(t, paths, "/v0/projects/{project}/commands")
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	var headers http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		got = append(got, ev)
		headers = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv := newTestServer(t, nil)
	d := NewWebhookDispatcher(srv.App.Repo, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"workflow.transition"},
		Secret: "s3cret",
	}}, log.New(io.Discard))
	require.NotNil(t, d)
	ctx := context.Background()
	d.DispatchAll(ctx)

	lead := dev("lena", "maintainer")
	sess := srv.join(t, "alpha", lead)
	srv.command(t, sess, "/epic checkout flow", lead)

	require.Eventually(t, func() bool {
		d.DispatchAll(ctx)
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "workflow.transition", got[0].Type)
	assert.Equal(t, "alpha", got[0].Project)
	assert.Equal(t, uint64(2), got[0].Sequence)
	assert.Equal(t, "s3cret", headers.Get("X-Sprintline-Secret"))
	assert.Equal(t, "alpha", headers.Get("X-Sprintline-Project"))
}

func TestHandleErrorMapsReasons(t *testing.T) {
	cases := map[domain.Reason]int{
		domain.ReasonPermissionDenied:  http.StatusForbidden,
		domain.ReasonUnknownProject:    http.StatusNotFound,
		domain.ReasonUnknownSession:    http.StatusNotFound,
		domain.ReasonConflictDetected:  http.StatusConflict,
		domain.ReasonNotAllowedInState: http.StatusUnprocessableEntity,
		domain.ReasonInvalidCommand:    http.StatusBadRequest,
		domain.ReasonRateLimited:       http.StatusTooManyRequests,
		domain.ReasonInternalInvariant: http.StatusInternalServerError,
	}
	for reason, want := range cases {
		se := handleError(domain.Errorf(reason, "boom"))
		assert.Equal(t, want, se.GetStatus(), reason)
	}
	assert.Equal(t, http.StatusAccepted, resultStatus(domain.Pending("r", domain.CmdEpic, time.Second)))
}
