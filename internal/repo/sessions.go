package repo

import (
	"context"
	"database/sql"

	"doorline/internal/domain"
)

const sessionColumns = `id,door_id,inspector_id,status,started_at,completed_at,COALESCE(notes,'')`

func scanSession(scan func(dest ...any) error) (domain.InspectionSession, error) {
	var s domain.InspectionSession
	var completedAt sql.NullString
	err := scan(&s.ID, &s.DoorID, &s.InspectorID, &s.Status, &s.StartedAt, &completedAt, &s.Notes)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, err
}

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.InspectionSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO inspection_sessions(id,door_id,inspector_id,status,started_at,notes) VALUES (?,?,?,?,?,?)`,
		s.ID, s.DoorID, s.InspectorID, s.Status, s.StartedAt, nullable(s.Notes))
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.InspectionSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM inspection_sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.InspectionSession, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM inspection_sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

// ActiveSession returns the door's in_progress session, if any.
func (r Repo) ActiveSession(ctx context.Context, doorID string) (domain.InspectionSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM inspection_sessions WHERE door_id=? AND status=?`,
		doorID, domain.SessionInProgress)
	return scanSession(row.Scan)
}

// LatestSession returns the most recently started session regardless of
// status.
func (r Repo) LatestSession(ctx context.Context, doorID string) (domain.InspectionSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM inspection_sessions WHERE door_id=?
ORDER BY started_at DESC, id DESC LIMIT 1`, doorID)
	return scanSession(row.Scan)
}

// LatestCompletedSession returns the newest completed, non-superseded
// session for the door. Certification keys off this.
func (r Repo) LatestCompletedSession(ctx context.Context, doorID string) (domain.InspectionSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM inspection_sessions WHERE door_id=? AND status=?
ORDER BY completed_at DESC, id DESC LIMIT 1`, doorID, domain.SessionCompleted)
	return scanSession(row.Scan)
}

// SupersedeCompletedSessionsTx marks every completed session of the door
// superseded. Used when a rejected door is re-inspected.
func (r Repo) SupersedeCompletedSessionsTx(ctx context.Context, tx *sql.Tx, doorID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE inspection_sessions SET status=? WHERE door_id=? AND status=?`,
		domain.SessionSuperseded, doorID, domain.SessionCompleted)
	return err
}

// CompleteSessionTx moves a session to completed, conditional on it still
// being in_progress.
func (r Repo) CompleteSessionTx(ctx context.Context, tx *sql.Tx, id, completedAt, notes string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE inspection_sessions SET status=?, completed_at=?, notes=? WHERE id=? AND status=?`,
		domain.SessionCompleted, completedAt, nullable(notes), id, domain.SessionInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) InsertCheckTx(ctx context.Context, tx *sql.Tx, c domain.InspectionCheck) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO inspection_checks(session_id,point_id,point_name,position,is_checked,notes,photo_ref,checked_at)
VALUES (?,?,?,?,?,?,?,?)`,
		c.SessionID, c.PointID, c.PointName, c.Position, nullableBoolPtr(c.IsChecked), nullable(c.Notes), nullableStringPtr(c.PhotoRef), nullableStringPtr(c.CheckedAt))
	return err
}

// SetCheckTx upserts the evaluation of one checklist point.
func (r Repo) SetCheckTx(ctx context.Context, tx *sql.Tx, sessionID, pointID string, isChecked bool, notes string, photoRef *string, checkedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE inspection_checks SET is_checked=?, notes=?, photo_ref=?, checked_at=?
WHERE session_id=? AND point_id=?`,
		boolToInt(isChecked), nullable(notes), nullableStringPtr(photoRef), checkedAt, sessionID, pointID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ListChecks(ctx context.Context, sessionID string) ([]domain.InspectionCheck, error) {
	rows, err := r.DB.QueryContext(ctx, checkSelect+` WHERE session_id=? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChecks(rows)
}

func (r Repo) ListChecksTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]domain.InspectionCheck, error) {
	rows, err := tx.QueryContext(ctx, checkSelect+` WHERE session_id=? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChecks(rows)
}

const checkSelect = `SELECT session_id,point_id,point_name,position,is_checked,COALESCE(notes,''),photo_ref,checked_at FROM inspection_checks`

func collectChecks(rows *sql.Rows) ([]domain.InspectionCheck, error) {
	var res []domain.InspectionCheck
	for rows.Next() {
		var c domain.InspectionCheck
		var checked sql.NullInt64
		var photoRef, checkedAt sql.NullString
		if err := rows.Scan(&c.SessionID, &c.PointID, &c.PointName, &c.Position, &checked, &c.Notes, &photoRef, &checkedAt); err != nil {
			return nil, err
		}
		if checked.Valid {
			v := checked.Int64 != 0
			c.IsChecked = &v
		}
		if photoRef.Valid {
			c.PhotoRef = &photoRef.String
		}
		if checkedAt.Valid {
			c.CheckedAt = &checkedAt.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return boolToInt(*v)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
