package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"doorline/internal/domain"
)

// Repo is the data-access layer. It holds no transition logic; status
// guards live in the workflow engine and arrive here as conditional
// writes.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const doorColumns = `id,serial_no,COALESCE(drawing_no,''),COALESCE(width_mm,0),COALESCE(height_mm,0),COALESCE(pressure_kpa,0),COALESCE(location,''),inspection_status,certification_status,rejection_reason,created_at,updated_at`

func scanDoor(scan func(dest ...any) error) (domain.Door, error) {
	var d domain.Door
	var reason sql.NullString
	err := scan(&d.ID, &d.SerialNo, &d.DrawingNo, &d.WidthMM, &d.HeightMM, &d.PressureKPA, &d.Location,
		&d.InspectionState, &d.CertState, &reason, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if reason.Valid {
		d.RejectionReason = &reason.String
	}
	return d, err
}

func (r Repo) InsertDoor(ctx context.Context, d domain.Door) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO doors(id,serial_no,drawing_no,width_mm,height_mm,pressure_kpa,location,inspection_status,certification_status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.SerialNo, nullable(d.DrawingNo), nullableInt(d.WidthMM), nullableInt(d.HeightMM), nullableFloat(d.PressureKPA), nullable(d.Location),
		d.InspectionState, d.CertState, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDoor(ctx context.Context, id string) (domain.Door, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+doorColumns+` FROM doors WHERE id=?`, id)
	return scanDoor(row.Scan)
}

func (r Repo) GetDoorTx(ctx context.Context, tx *sql.Tx, id string) (domain.Door, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+doorColumns+` FROM doors WHERE id=?`, id)
	return scanDoor(row.Scan)
}

func (r Repo) GetDoorBySerial(ctx context.Context, serial string) (domain.Door, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+doorColumns+` FROM doors WHERE serial_no=?`, serial)
	return scanDoor(row.Scan)
}

type DoorFilters struct {
	InspectionStatus    string
	CertificationStatus string
	Limit               int
}

func (r Repo) ListDoors(ctx context.Context, f DoorFilters) ([]domain.Door, error) {
	var clauses []string
	var args []any
	if f.InspectionStatus != "" {
		clauses = append(clauses, "inspection_status=?")
		args = append(args, f.InspectionStatus)
	}
	if f.CertificationStatus != "" {
		clauses = append(clauses, "certification_status=?")
		args = append(args, f.CertificationStatus)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + doorColumns + ` FROM doors ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Door
	for rows.Next() {
		d, err := scanDoor(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// AdvanceCertStatusTx moves certification_status to the target only when
// the current value is in the allowed from-set. Returns false when a
// concurrent writer got there first (zero rows affected).
func (r Repo) AdvanceCertStatusTx(ctx context.Context, tx *sql.Tx, id, to, updatedAt string, from ...string) (bool, error) {
	query := fmt.Sprintf(`UPDATE doors SET certification_status=?, updated_at=? WHERE id=? AND certification_status IN (%s)`, placeholders(len(from)))
	args := append([]any{to, updatedAt, id}, toAny(from)...)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RejectDoorTx records a rejection: certification_status=rejected with the
// reason, inspection_status back to pending. Conditional on the from-set.
func (r Repo) RejectDoorTx(ctx context.Context, tx *sql.Tx, id, reason, updatedAt string, from ...string) (bool, error) {
	query := fmt.Sprintf(`UPDATE doors SET certification_status=?, inspection_status=?, rejection_reason=?, updated_at=?
WHERE id=? AND certification_status IN (%s)`, placeholders(len(from)))
	args := append([]any{domain.CertRejected, domain.InspectionPending, reason, updatedAt, id}, toAny(from)...)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetInspectionStatusTx conditionally advances inspection_status.
func (r Repo) SetInspectionStatusTx(ctx context.Context, tx *sql.Tx, id, to, updatedAt string, from ...string) (bool, error) {
	query := fmt.Sprintf(`UPDATE doors SET inspection_status=?, updated_at=? WHERE id=? AND inspection_status IN (%s)`, placeholders(len(from)))
	args := append([]any{to, updatedAt, id}, toAny(from)...)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearRejectionTx resets a rejected door to pending and drops the reason.
// No-op when the door is not rejected.
func (r Repo) ClearRejectionTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE doors SET certification_status=?, rejection_reason=NULL, updated_at=?
WHERE id=? AND certification_status=?`, domain.CertPending, updatedAt, id, domain.CertRejected)
	return err
}

// ResetCertStatusTx puts certification_status back to pending and clears
// the rejection reason, used by the administrative certificate delete.
func (r Repo) ResetCertStatusTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE doors SET certification_status=?, rejection_reason=NULL, updated_at=? WHERE id=?`,
		domain.CertPending, updatedAt, id)
	return err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
