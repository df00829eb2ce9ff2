package server

import (
	"sprintline/internal/domain"
	"sprintline/internal/engine"
)

// Request payloads

type JoinRequest struct {
	RequestedLevel string `json:"requested_level,omitempty" enum:"viewer,contributor,maintainer,admin" doc:"Defaults to the verified level; never elevates it."`
}

type SwitchRequest struct {
	Project string `json:"project" minLength:"1"`
}

type CommandRequest struct {
	SessionID string   `json:"session_id" minLength:"1"`
	RequestID string   `json:"request_id,omitempty" doc:"Idempotency key; a retried request with the same id returns the recorded result. When omitted the server assigns one and returns it in the result."`
	Text      string   `json:"text,omitempty" example:"/tdd start S-1"`
	Name      string   `json:"name,omitempty" example:"tdd.start"`
	Args      []string `json:"args,omitempty"`
}

type BatchCommand struct {
	Project   string   `json:"project" minLength:"1"`
	SessionID string   `json:"session_id" minLength:"1"`
	RequestID string   `json:"request_id,omitempty"`
	Text      string   `json:"text,omitempty"`
	Name      string   `json:"name,omitempty"`
	Args      []string `json:"args,omitempty"`
}

type BatchRequest struct {
	Commands []BatchCommand `json:"commands" minItems:"1" maxItems:"200"`
}

type ClaimRequest struct {
	SessionID string `json:"session_id" minLength:"1"`
}

type HintRequest struct {
	SessionID  string `json:"session_id" minLength:"1"`
	Value      string `json:"value" maxLength:"256"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"1" maximum:"300" doc:"Defaults to 30."`
}

// Response payloads

type ProjectSummary struct {
	Project      string               `json:"project"`
	Generation   string               `json:"generation"`
	Workflow     domain.WorkflowState `json:"workflow_state"`
	LastSequence uint64               `json:"last_sequence_number"`
	Sessions     int                  `json:"sessions"`
}

type SuggestionsResponse struct {
	Project  string   `json:"project"`
	Commands []string `json:"commands"`
}

type EventResponse struct {
	Project   string         `json:"project_id"`
	Sequence  uint64         `json:"sequence_number"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

type EventsPage struct {
	Items        []EventResponse `json:"items"`
	LastSequence uint64          `json:"last_sequence_number"`
	// FromLog is set when part of the page came from the persisted log.
	FromLog bool `json:"from_log,omitempty"`
}

type BatchResponse struct {
	Results []domain.Result `json:"results"`
}

func eventResponse(ev domain.Event) EventResponse {
	payload := map[string]any(ev.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		Project:   ev.ProjectID,
		Sequence:  ev.Sequence,
		Type:      string(ev.Type),
		Payload:   payload,
		Timestamp: ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

func (c CommandRequest) toEngine(projectName string) engine.Request {
	return engine.Request{
		Project:   projectName,
		SessionID: c.SessionID,
		RequestID: c.RequestID,
		Text:      c.Text,
		Name:      c.Name,
		Args:      c.Args,
	}
}

func (c BatchCommand) toEngine() engine.Request {
	return CommandRequest{
		SessionID: c.SessionID,
		RequestID: c.RequestID,
		Text:      c.Text,
		Name:      c.Name,
		Args:      c.Args,
	}.toEngine(c.Project)
}

func commandNames(in []domain.CommandName) []string {
	out := make([]string, 0, len(in))
	for _, n := range in {
		out = append(out, string(n))
	}
	return out
}
