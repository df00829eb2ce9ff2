package sprintlinesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Sprintline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Session is a seat in a project.
type Session struct {
	ID              string `json:"session_id"`
	UserID          string `json:"user_id"`
	ProjectID       string `json:"project_id"`
	PermissionLevel string `json:"permission_level"`
	Presence        string `json:"presence"`
}

// Event is one entry of a project's stream.
type Event struct {
	ProjectID string         `json:"project_id"`
	Sequence  uint64         `json:"sequence_number"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

// State is the workflow view of a project (partial).
type State struct {
	Project      string `json:"project"`
	Generation   string `json:"generation"`
	Workflow     string `json:"workflow_state"`
	LastSequence uint64 `json:"last_sequence_number"`
}

// Result is the outcome of one command.
type Result struct {
	Status        string `json:"status"`
	RequestID     string `json:"request_id"`
	Command       string `json:"command"`
	Event         *Event `json:"event,omitempty"`
	State         *State `json:"state,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
	RequiredLevel string `json:"required_level,omitempty"`
	RetryAfterMS  int64  `json:"retry_after_ms,omitempty"`
}

// Applied reports whether the command changed project state.
func (r Result) Applied() bool { return r.Status == "applied" }

// Pending reports whether the command should be retried after RetryAfter.
func (r Result) Pending() bool { return r.Status == "pending" }

// RetryAfter is the suggested wait before retrying a pending command.
func (r Result) RetryAfter() time.Duration {
	return time.Duration(r.RetryAfterMS) * time.Millisecond
}

// Lock describes a claimed resource.
type Lock struct {
	ProjectID       string `json:"project_id"`
	ResourceKey     string `json:"resource_key"`
	HolderSessionID string `json:"holder_session_id"`
	ExpiresAt       string `json:"expires_at"`
}

// Hint is a short-lived marker a session leaves on a key.
type Hint struct {
	SessionID string `json:"session_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	ExpiresAt string `json:"expires_at"`
}

// EventsPage is a replay page.
type EventsPage struct {
	Items        []Event `json:"items"`
	LastSequence uint64  `json:"last_sequence_number"`
	FromLog      bool    `json:"from_log"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrStreamEnded is returned by Stream when the server ends the stream; the
// caller resumes with the last sequence it saw.
var ErrStreamEnded = errors.New("event stream ended by server")

// Join attaches a new session to project. An empty level joins with the
// level granted by the token.
func (c *Client) Join(ctx context.Context, project, level string) (Session, error) {
	body := map[string]any{}
	if level != "" {
		body["requested_level"] = level
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, c.projectPath(project, "sessions"), body, &resp)
	return resp, err
}

// Leave detaches a session.
func (c *Client) Leave(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, c.path("sessions/"+url.PathEscape(sessionID)), nil, nil)
}

// Switch moves a session to another project.
func (c *Client) Switch(ctx context.Context, sessionID, project string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.path("sessions/"+url.PathEscape(sessionID)+"/switch"), map[string]any{"project": project}, &resp)
	return resp, err
}

// Execute runs one slash command. Rejections and pending results come back
// as a Result, not an error.
func (c *Client) Execute(ctx context.Context, project, sessionID, text, requestID string) (Result, error) {
	body := map[string]any{
		"session_id": sessionID,
		"text":       text,
	}
	if requestID != "" {
		body["request_id"] = requestID
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, c.projectPath(project, "commands"), body, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		var res Result
		if json.Unmarshal([]byte(apiErr.Body), &res) == nil && res.Status != "" {
			return res, nil
		}
	}
	return resp, err
}

// State returns the project's workflow state.
func (c *Client) State(ctx context.Context, project string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, c.projectPath(project, "state"), nil, &resp)
	return resp, err
}

// Suggestions returns the commands currently allowed in the project.
func (c *Client) Suggestions(ctx context.Context, project string) ([]string, error) {
	var resp struct {
		Commands []string `json:"commands"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath(project, "suggestions"), nil, &resp)
	return resp.Commands, err
}

// Claim holds a resource for the session until released.
func (c *Client) Claim(ctx context.Context, project, sessionID, resource string) (Lock, error) {
	var resp Lock
	err := c.do(ctx, http.MethodPost, c.projectPath(project, "locks/"+url.PathEscape(resource)), map[string]any{"session_id": sessionID}, &resp)
	return resp, err
}

// Release drops a claim.
func (c *Client) Release(ctx context.Context, project, sessionID, resource string) error {
	endpoint := c.projectPath(project, "locks/"+url.PathEscape(resource)) + "?session_id=" + url.QueryEscape(sessionID)
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// SetHint leaves a hint on key that expires after ttl.
func (c *Client) SetHint(ctx context.Context, project, sessionID, key, value string, ttl time.Duration) error {
	body := map[string]any{"session_id": sessionID, "value": value}
	if ttl > 0 {
		body["ttl_seconds"] = int(ttl / time.Second)
	}
	return c.do(ctx, http.MethodPut, c.projectPath(project, "hints/"+url.PathEscape(key)), body, nil)
}

// Hints returns the live hints on key.
func (c *Client) Hints(ctx context.Context, project, key string) ([]Hint, error) {
	var resp []Hint
	err := c.do(ctx, http.MethodGet, c.projectPath(project, "hints/"+url.PathEscape(key)), nil, &resp)
	return resp, err
}

// Events returns shared events after the given sequence number.
func (c *Client) Events(ctx context.Context, project string, after uint64, limit int) (EventsPage, error) {
	endpoint := fmt.Sprintf("%s?after=%d", c.projectPath(project, "events"), after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp EventsPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stream calls fn for every event after the given sequence number until ctx
// is done, fn returns an error or the server ends the stream.
func (c *Client) Stream(ctx context.Context, project, sessionID string, after uint64, fn func(Event) error) error {
	endpoint := fmt.Sprintf("%s?session_id=%s&after=%d", c.projectPath(project, "events/stream"), url.QueryEscape(sessionID), after)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	// No client timeout for a long-lived stream; ctx bounds it.
	client := c.HTTPClient
	if client == nil || client.Timeout > 0 {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	name := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			name = ""
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if name == "error" {
				return fmt.Errorf("%w: %s", ErrStreamEnded, data)
			}
			var ev Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return err
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ErrStreamEnded
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) projectPath(project, p string) string {
	return c.path(fmt.Sprintf("projects/%s/%s", url.PathEscape(project), strings.TrimLeft(p, "/")))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
