// Package audit appends workflow transitions to the append-only
// workflow_log table. Entries are written after the triggering
// transition's commit point so the log can never reference a transition
// that did not happen; a failed append is a forensic gap, not a rollback.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append inserts one log entry. Runs on the DB handle, not inside the
// transition's transaction.
func (w Writer) Append(ctx context.Context, transition, doorID, sessionID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal log payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO workflow_log(ts,transition,door_id,session_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, transition, doorID, nullable(sessionID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
