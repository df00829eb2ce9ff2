package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sprintline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Snapshot is the crash-recovery image of one project context.
type Snapshot struct {
	Project       string
	Generation    string
	Workflow      domain.WorkflowState
	Units         []domain.WorkUnit
	SprintStories []string
	Failures      int
	LastSeq       uint64
	UpdatedAt     time.Time
}

// StoredEvent is a persisted event with its log position.
type StoredEvent struct {
	ID         int64  `json:"id"`
	Generation string `json:"generation"`
	domain.Event
}

func (r Repo) UpsertSnapshotTx(ctx context.Context, tx *sql.Tx, s Snapshot) error {
	units := s.Units
	if units == nil {
		units = []domain.WorkUnit{}
	}
	unitsJSON, err := json.Marshal(units)
	if err != nil {
		return fmt.Errorf("marshal units: %w", err)
	}
	sprint := s.SprintStories
	if sprint == nil {
		sprint = []string{}
	}
	sprintJSON, err := json.Marshal(sprint)
	if err != nil {
		return fmt.Errorf("marshal sprint: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO project_snapshots(project,generation,workflow_state,units_json,sprint_json,failures,last_seq,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(project) DO UPDATE SET generation=excluded.generation, workflow_state=excluded.workflow_state,
units_json=excluded.units_json, sprint_json=excluded.sprint_json, failures=excluded.failures,
last_seq=excluded.last_seq, updated_at=excluded.updated_at`,
		s.Project, s.Generation, string(s.Workflow), string(unitsJSON), string(sprintJSON), s.Failures, s.LastSeq, s.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (Snapshot, error) {
	var s Snapshot
	var state, units, sprint, updated string
	if err := row.Scan(&s.Project, &s.Generation, &state, &units, &sprint, &s.Failures, &s.LastSeq, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	s.Workflow = domain.WorkflowState(state)
	if err := json.Unmarshal([]byte(units), &s.Units); err != nil {
		return s, fmt.Errorf("decode units of %s: %w", s.Project, err)
	}
	if err := json.Unmarshal([]byte(sprint), &s.SprintStories); err != nil {
		return s, fmt.Errorf("decode sprint of %s: %w", s.Project, err)
	}
	if len(s.SprintStories) == 0 {
		s.SprintStories = nil
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		s.UpdatedAt = t
	}
	return s, nil
}

const snapshotColumns = `project,generation,workflow_state,units_json,sprint_json,failures,last_seq,updated_at`

func (r Repo) GetSnapshot(ctx context.Context, project string) (Snapshot, error) {
	return scanSnapshot(r.DB.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM project_snapshots WHERE project=?`, project))
}

func (r Repo) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM project_snapshots ORDER BY project`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// DeleteSnapshot forgets the recovery image of a project; its event log stays.
func (r Repo) DeleteSnapshot(ctx context.Context, project string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM project_snapshots WHERE project=?`, project)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	defer rows.Close()
	var res []StoredEvent
	for rows.Next() {
		var (
			e       StoredEvent
			ts      string
			typ     string
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Generation, &e.Sequence, &ts, &typ, &payload); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(typ)
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		e.Payload = domain.Payload{}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

const eventColumns = `id,project,generation,seq,ts,type,payload_json`

// TailEvents returns the last limit events of a generation in sequence order.
func (r Repo) TailEvents(ctx context.Context, project, generation string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM (
SELECT `+eventColumns+` FROM events WHERE project=? AND generation=? ORDER BY seq DESC LIMIT ?
) ORDER BY seq ASC`, project, generation, limit)
	if err != nil {
		return nil, err
	}
	stored, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	return plain(stored), nil
}

// EventsAfterSeq returns events of a generation with seq above after, ascending.
func (r Repo) EventsAfterSeq(ctx context.Context, project, generation string, after uint64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE project=? AND generation=? AND seq>? ORDER BY seq ASC LIMIT ?`,
		project, generation, after, limit)
	if err != nil {
		return nil, err
	}
	stored, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	return plain(stored), nil
}

// LatestEvents returns the newest events, optionally filtered, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, project, evtType string) ([]StoredEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if project != "" {
		clauses = append(clauses, "project=?")
		args = append(args, project)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with log ids greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent log id.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func plain(in []StoredEvent) []domain.Event {
	out := make([]domain.Event, 0, len(in))
	for _, e := range in {
		out = append(out, e.Event)
	}
	return out
}
