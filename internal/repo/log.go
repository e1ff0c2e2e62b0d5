package repo

import (
	"context"
	"database/sql"
	"strings"

	"doorline/internal/domain"
)

const logColumns = `id,ts,transition,door_id,session_id,actor_id,payload_json`

func collectLog(rows *sql.Rows) ([]domain.LogEntry, error) {
	var res []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var sessionID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Transition, &e.DoorID, &sessionID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			e.SessionID = &sessionID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type LogFilters struct {
	DoorID     string
	Transition string
	Limit      int
	Cursor     int64
}

// LatestLog returns log entries newest first, optionally filtered, with
// id-cursor pagination.
func (r Repo) LatestLog(ctx context.Context, f LogFilters) ([]domain.LogEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.DoorID != "" {
		clauses = append(clauses, "door_id=?")
		args = append(args, f.DoorID)
	}
	if f.Transition != "" {
		clauses = append(clauses, "transition=?")
		args = append(args, f.Transition)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := `SELECT ` + logColumns + ` FROM workflow_log WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLog(rows)
}

// LogAfter returns entries with ids greater than the cursor in ascending
// order. The notification dispatcher tails the log with this.
func (r Repo) LogAfter(ctx context.Context, limit int, cursor int64) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+logColumns+` FROM workflow_log WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLog(rows)
}

// LatestLogID returns the most recent workflow log id.
func (r Repo) LatestLogID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM workflow_log`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
