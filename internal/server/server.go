package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sprintline/internal/collab"
	"sprintline/internal/domain"
	"sprintline/internal/engine"
	"sprintline/internal/events"
	"sprintline/internal/lock"
	"sprintline/internal/project"
	"sprintline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Repo serves replays older than the in-memory ring; a nil DB disables it.
	Repo     repo.Repo
	Gatherer prometheus.Gatherer
	BasePath string
	Auth     AuthConfig
	Logger   *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"permission_denied"`
	Message string         `json:"message" example:"/approve requires maintainer, session has viewer"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"required_level\":\"maintainer\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	engine   engine.Engine
	registry *project.Registry
	repo     repo.Repo
	logger   *log.Logger
}

// New returns an HTTP handler exposing the sprintline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Registry == nil {
		return nil, errors.New("engine registry required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	hcfg := huma.DefaultConfig("Sprintline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := api{engine: cfg.Engine, registry: cfg.Engine.Registry, repo: cfg.Repo, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	a.registerProjects(group)
	a.registerSessions(group)
	a.registerCommands(group)
	a.registerEvents(group)
	a.registerLocks(group)
	a.registerHints(group)
	registerOpenAPI(router, humaAPI, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func statusForReason(r domain.Reason) int {
	switch r {
	case domain.ReasonPermissionDenied:
		return http.StatusForbidden
	case domain.ReasonUnknownProject, domain.ReasonUnknownSession:
		return http.StatusNotFound
	case domain.ReasonConflictDetected, domain.ReasonLockExpired, domain.ReasonLockTimeout:
		return http.StatusConflict
	case domain.ReasonNotAllowedInState:
		return http.StatusUnprocessableEntity
	case domain.ReasonInvalidCommand:
		return http.StatusBadRequest
	case domain.ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func codeForReason(r domain.Reason) string {
	switch r {
	case domain.ReasonNotAllowedInState:
		return "not_allowed_in_state"
	case domain.ReasonPermissionDenied:
		return "permission_denied"
	case domain.ReasonLockTimeout:
		return "lock_timeout"
	case domain.ReasonLockExpired:
		return "lock_expired"
	case domain.ReasonConflictDetected:
		return "conflict_detected"
	case domain.ReasonUnknownProject:
		return "unknown_project"
	case domain.ReasonUnknownSession:
		return "unknown_session"
	case domain.ReasonInvalidCommand:
		return "invalid_command"
	case domain.ReasonRateLimited:
		return "rate_limited"
	default:
		return "internal_error"
	}
}

// resultStatus maps a command outcome onto the HTTP status it is served with.
func resultStatus(res domain.Result) int {
	switch res.Status {
	case domain.StatusApplied:
		return http.StatusOK
	case domain.StatusPending:
		return http.StatusAccepted
	default:
		return statusForReason(res.Reason)
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var de *domain.Error
	if errors.As(err, &de) {
		details := map[string]any{"reason": string(de.Reason)}
		if de.Required != domain.LevelNone {
			details["required_level"] = de.Required.String()
		}
		if de.RetryAfter > 0 {
			details["retry_after_ms"] = de.RetryAfter.Milliseconds()
		}
		status := statusForReason(de.Reason)
		msg := de.Message
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
		return newAPIError(status, codeForReason(de.Reason), msg, details)
	}
	var busy *project.ErrBusy
	if errors.As(err, &busy) {
		return newAPIError(http.StatusConflict, "project_busy", err.Error(), map[string]any{"sessions": busy.Sessions, "inflight": busy.Inflight})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, lock.ErrNotHolder) {
		return newAPIError(http.StatusConflict, "not_holder", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

// ownSession returns the session iff it belongs to the authenticated user.
func (a api) ownSession(ctx context.Context, sessionID string) (domain.Session, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.Session{}, authErr
	}
	s, _, err := a.registry.Session(sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.UserID != p.UserID {
		return domain.Session{}, domain.Errorf(domain.ReasonPermissionDenied, "session %s belongs to another user", sessionID)
	}
	return s, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Sprintline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (a api) registerProjects(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List resident projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectSummary `json:"body"`
	}, error) {
		out := []ProjectSummary{}
		for _, name := range a.registry.Names() {
			pc, err := a.registry.Get(name)
			if err != nil {
				continue
			}
			st := pc.State()
			out = append(out, ProjectSummary{
				Project:      st.Project,
				Generation:   st.Generation,
				Workflow:     st.Workflow,
				LastSequence: st.LastSequence,
				Sessions:     pc.Sessions.Count(),
			})
		}
		return &struct {
			Body []ProjectSummary `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-project-state",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/state",
		Summary:     "Current workflow state",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body domain.ProjectState `json:"body"`
	}, error) {
		st, err := a.engine.State(input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-suggestions",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/suggestions",
		Summary:     "Commands currently allowed",
		Description: "Advisory only; a suggested command can still be rejected when it is executed.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body SuggestionsResponse `json:"body"`
	}, error) {
		names, err := a.engine.Suggestions(input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		cmds := commandNames(names)
		sort.Strings(cmds)
		return &struct {
			Body SuggestionsResponse `json:"body"`
		}{Body: SuggestionsResponse{Project: input.Project, Commands: cmds}}, nil
	})
}

func (a api) registerSessions(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID:   "join-project",
		Method:        http.MethodPost,
		Path:          "/projects/{project}/sessions",
		Summary:       "Join a project",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Project string      `path:"project"`
		Body    JoinRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		requested := domain.LevelNone
		if input.Body.RequestedLevel != "" {
			lvl, err := domain.ParsePermissionLevel(input.Body.RequestedLevel)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			requested = lvl
		}
		s, err := a.registry.Join(input.Project, p.UserID, requested, p.Level)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/sessions",
		Summary:     "List active sessions",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body []domain.Session `json:"body"`
	}, error) {
		pc, err := a.registry.Get(input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Session `json:"body"`
		}{Body: pc.Sessions.ListActive()}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID:   "leave-session",
		Method:        http.MethodDelete,
		Path:          "/sessions/{session_id}",
		Summary:       "Leave a project",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct{}, error) {
		if _, err := a.ownSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		if err := a.registry.Leave(input.SessionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "switch-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/switch",
		Summary:     "Move a session to another project",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string        `path:"session_id"`
		Body      SwitchRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		if _, err := a.ownSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		s, err := a.registry.Switch(input.SessionID, input.Body.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})
}

func (a api) registerCommands(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "execute-command",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/commands",
		Summary:     "Execute a slash command",
		Description: "Returns the command result. Applied results are served with 200, pending with 202 and rejections with the status of their reason.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Project string         `path:"project"`
		Body    CommandRequest `json:"body"`
	}) (*struct {
		Status int
		Body   domain.Result `json:"body"`
	}, error) {
		if input.Body.Text == "" && input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text or name is required", nil)
		}
		if _, err := a.ownSession(ctx, input.Body.SessionID); err != nil {
			return nil, handleError(err)
		}
		res := a.engine.Execute(ctx, input.Body.toEngine(input.Project))
		return &struct {
			Status int
			Body   domain.Result `json:"body"`
		}{Status: resultStatus(res), Body: res}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "execute-batch",
		Method:      http.MethodPost,
		Path:        "/commands/batch",
		Summary:     "Execute several commands",
		Description: "Commands for the same project run in order; different projects run in parallel. Results are in input order.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body BatchRequest `json:"body"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		results := make([]domain.Result, len(input.Body.Commands))
		var reqs []engine.Request
		var idx []int
		for i, c := range input.Body.Commands {
			if _, err := a.ownSession(ctx, c.SessionID); err != nil {
				results[i] = domain.Rejected(c.RequestID, domain.CommandName(c.Name), err)
				continue
			}
			reqs = append(reqs, c.toEngine())
			idx = append(idx, i)
		}
		for j, res := range a.engine.ExecuteAll(ctx, reqs) {
			results[idx[j]] = res
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: BatchResponse{Results: results}}, nil
	})
}

// StreamError is sent on the event stream right before the server ends it.
type StreamError struct {
	Code         string `json:"code" enum:"lagged,closed"`
	Message      string `json:"message"`
	LastSequence uint64 `json:"last_sequence_number"`
}

func (a api) registerEvents(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/events",
		Summary:     "Replay events after a sequence number",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		After   uint64 `query:"after"`
		Limit   int    `query:"limit" default:"100"`
	}) (*struct {
		Body EventsPage `json:"body"`
	}, error) {
		pc, err := a.registry.Get(input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		page := EventsPage{Items: []EventResponse{}, LastSequence: pc.Bus.LastSequence()}
		evs := pc.Bus.Since(input.After)
		if a.needsLog(pc, input.After) {
			logged, err := a.repo.EventsAfterSeq(ctx, pc.Name, pc.Generation, input.After, limit)
			if err != nil {
				return nil, handleError(err)
			}
			evs = logged
			page.FromLog = true
		}
		if len(evs) > limit {
			evs = evs[:limit]
		}
		for _, ev := range evs {
			page.Items = append(page.Items, eventResponse(ev))
		}
		return &struct {
			Body EventsPage `json:"body"`
		}{Body: page}, nil
	})

	sse.Register(group, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/events/stream",
		Summary:     "Stream events",
		Description: "Replays events after `after` and then streams live ones, including notifications addressed to the session only. Reconnect with the last seen id when the stream ends.",
		Errors:      commonErrors,
	}, map[string]any{
		"event": EventResponse{},
		"error": StreamError{},
	}, func(ctx context.Context, input *struct {
		Project   string `path:"project"`
		SessionID string `query:"session_id" required:"true"`
		After     uint64 `query:"after"`
	}, send sse.Sender) {
		s, err := a.ownSession(ctx, input.SessionID)
		if err == nil && s.ProjectID != input.Project {
			err = domain.Errorf(domain.ReasonUnknownSession, "session %s is not attached to project %s", s.ID, input.Project)
		}
		if err != nil {
			send.Data(StreamError{Code: "closed", Message: err.Error()})
			return
		}
		pc, err := a.registry.Get(input.Project)
		if err != nil {
			send.Data(StreamError{Code: "closed", Message: err.Error()})
			return
		}
		a.stream(ctx, pc, s.ID, input.After, send)
	})
}

// needsLog reports whether events after `after` have left the ring and the
// persisted log can fill the gap.
func (a api) needsLog(pc *project.Context, after uint64) bool {
	if a.repo.DB == nil || after >= pc.Bus.LastSequence() {
		return false
	}
	oldest := pc.Bus.Oldest()
	return oldest == 0 || after+1 < oldest
}

func (a api) stream(ctx context.Context, pc *project.Context, sessionID string, after uint64, send sse.Sender) {
	sub, err := pc.Bus.Subscribe(sessionID, after)
	if errors.Is(err, events.ErrTruncated) {
		if a.repo.DB != nil {
			sent, ok := a.backfill(ctx, pc, after, sub.Retained(), send)
			if !ok {
				sub.Close()
				return
			}
			sub.Advance(sent)
		}
		err = nil
	}
	if err != nil {
		send.Data(StreamError{Code: "closed", Message: err.Error(), LastSequence: after})
		return
	}
	defer sub.Close()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			code := "closed"
			if errors.Is(err, events.ErrLagged) {
				code = "lagged"
			}
			send.Data(StreamError{Code: code, Message: err.Error(), LastSequence: sub.Last()})
			return
		}
		if err := send(sse.Message{ID: int(ev.Sequence), Data: eventResponse(ev)}); err != nil {
			return
		}
	}
}

// backfill sends logged events in (after, until) and returns the last
// sequence sent. ok is false once the client has gone away.
func (a api) backfill(ctx context.Context, pc *project.Context, after, until uint64, send sse.Sender) (uint64, bool) {
	for {
		logged, err := a.repo.EventsAfterSeq(ctx, pc.Name, pc.Generation, after, 500)
		if err != nil {
			a.logger.Warn("backfill event stream", "project", pc.Name, "err", err)
			return after, true
		}
		for _, ev := range logged {
			if ev.Sequence >= until {
				return after, true
			}
			if send(sse.Message{ID: int(ev.Sequence), Data: eventResponse(ev)}) != nil {
				return after, false
			}
			after = ev.Sequence
		}
		if len(logged) < 500 {
			return after, true
		}
	}
}

func (a api) registerLocks(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "list-locks",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/locks",
		Summary:     "List resource locks",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body []domain.ResourceLock `json:"body"`
	}, error) {
		pc, err := a.registry.Get(input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ResourceLock `json:"body"`
		}{Body: pc.Locks.Snapshot()}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID:   "claim-lock",
		Method:        http.MethodPost,
		Path:          "/projects/{project}/locks/{resource}",
		Summary:       "Claim a resource",
		Description:   "The claim lasts until it is released, the session leaves or the lock ttl elapses.",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Project  string       `path:"project"`
		Resource string       `path:"resource"`
		Body     ClaimRequest `json:"body"`
	}) (*struct {
		Body domain.ResourceLock `json:"body"`
	}, error) {
		if _, err := a.ownSession(ctx, input.Body.SessionID); err != nil {
			return nil, handleError(err)
		}
		rl, err := a.engine.Claim(ctx, input.Project, input.Body.SessionID, input.Resource)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ResourceLock `json:"body"`
		}{Body: rl}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID:   "release-lock",
		Method:        http.MethodDelete,
		Path:          "/projects/{project}/locks/{resource}",
		Summary:       "Release a claim",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Project   string `path:"project"`
		Resource  string `path:"resource"`
		SessionID string `query:"session_id" required:"true"`
	}) (*struct{}, error) {
		if _, err := a.ownSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		if err := a.engine.ReleaseClaim(input.Project, input.SessionID, input.Resource); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (a api) registerHints(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID:   "set-hint",
		Method:        http.MethodPut,
		Path:          "/projects/{project}/hints/{key}",
		Summary:       "Set an ephemeral hint",
		Description:   "Hints such as typing markers expire on their own and never enter the event stream.",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Project string      `path:"project"`
		Key     string      `path:"key"`
		Body    HintRequest `json:"body"`
	}) (*struct{}, error) {
		if _, err := a.ownSession(ctx, input.Body.SessionID); err != nil {
			return nil, handleError(err)
		}
		ttl := time.Duration(input.Body.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = defaultHintTTL
		}
		if err := a.engine.SetHint(input.Project, input.Body.SessionID, input.Key, input.Body.Value, ttl); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "list-hints",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/hints/{key}",
		Summary:     "List live hints",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Key     string `path:"key"`
	}) (*struct {
		Body []collab.Ephemeral `json:"body"`
	}, error) {
		hints, err := a.engine.Hints(input.Project, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		if hints == nil {
			hints = []collab.Ephemeral{}
		}
		return &struct {
			Body []collab.Ephemeral `json:"body"`
		}{Body: hints}, nil
	})
}

const defaultHintTTL = 30 * time.Second

func normalizeLimit(in int) int {
	if in <= 0 {
		return 100
	}
	if in > 1000 {
		return 1000
	}
	return in
}
