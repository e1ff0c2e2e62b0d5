package repo

import (
	"context"
	"database/sql"

	"doorline/internal/domain"
)

const certColumns = `id,door_id,session_id,engineer_id,doc_ref,issued_at,signature,superseded`

func scanCertificate(scan func(dest ...any) error) (domain.Certificate, error) {
	var c domain.Certificate
	var signature sql.NullString
	var superseded int
	err := scan(&c.ID, &c.DoorID, &c.SessionID, &c.EngineerID, &c.DocRef, &c.IssuedAt, &signature, &superseded)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if signature.Valid {
		c.Signature = &signature.String
	}
	c.Superseded = superseded != 0
	return c, err
}

func (r Repo) InsertCertificateTx(ctx context.Context, tx *sql.Tx, c domain.Certificate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO certificates(id,door_id,session_id,engineer_id,doc_ref,issued_at,signature,superseded)
VALUES (?,?,?,?,?,?,?,0)`,
		c.ID, c.DoorID, c.SessionID, c.EngineerID, c.DocRef, c.IssuedAt, nullableStringPtr(c.Signature))
	return err
}

func (r Repo) GetCertificate(ctx context.Context, id string) (domain.Certificate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE id=?`, id)
	return scanCertificate(row.Scan)
}

// LiveCertificate returns the door's single non-superseded certificate.
func (r Repo) LiveCertificate(ctx context.Context, doorID string) (domain.Certificate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE door_id=? AND superseded=0`, doorID)
	return scanCertificate(row.Scan)
}

func (r Repo) LiveCertificateTx(ctx context.Context, tx *sql.Tx, doorID string) (domain.Certificate, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE door_id=? AND superseded=0`, doorID)
	return scanCertificate(row.Scan)
}

func (r Repo) ListCertificates(ctx context.Context, doorID string) ([]domain.Certificate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE door_id=? ORDER BY issued_at DESC, id DESC`, doorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SupersedeCertificateTx marks a certificate superseded; the stored
// document is retained for dispute resolution.
func (r Repo) SupersedeCertificateTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE certificates SET superseded=1 WHERE id=? AND superseded=0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) DeleteCertificateTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM certificates WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
