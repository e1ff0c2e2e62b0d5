package repo

import (
	"context"
	"database/sql"

	"doorline/internal/domain"
)

func (r Repo) UpsertActor(ctx context.Context, a domain.Actor) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id,name,role,signature_ref,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, signature_ref=excluded.signature_ref`,
		a.ID, nullable(a.Name), a.Role, nullable(a.SignatureRef), a.CreatedAt)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	var a domain.Actor
	var name, sig sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,role,signature_ref,created_at FROM actors WHERE id=?`, id).
		Scan(&a.ID, &name, &a.Role, &sig, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if name.Valid {
		a.Name = name.String
	}
	if sig.Valid {
		a.SignatureRef = sig.String
	}
	return a, err
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),role,COALESCE(signature_ref,''),created_at FROM actors ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.SignatureRef, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
