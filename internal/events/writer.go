package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sprintline/internal/domain"
)

// Writer appends sequenced events to the durable log.
type Writer struct{}

// Append inserts evs for one project generation inside tx. Private events are
// never written.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, generation string, evs []domain.Event) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO events(project,generation,seq,ts,type,payload_json) VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()
	for _, ev := range evs {
		if ev.Sequence == 0 || ev.Private() {
			continue
		}
		payload := ev.Payload
		if payload == nil {
			payload = domain.Payload{}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, ev.ProjectID, generation, ev.Sequence, ev.Timestamp.UTC().Format(time.RFC3339Nano), string(ev.Type), string(data)); err != nil {
			return fmt.Errorf("insert event %d: %w", ev.Sequence, err)
		}
	}
	return nil
}
