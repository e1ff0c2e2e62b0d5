package workflow

import (
	"context"

	"doorline/internal/domain"
	"doorline/internal/repo"
)

// DoorStatus is the composite read used by the CLI and the API: the
// door with its most recent session, that session's checks, and the
// live certificate when one exists.
type DoorStatus struct {
	Door        domain.Door               `json:"door"`
	Session     *domain.InspectionSession `json:"session,omitempty"`
	Checks      []domain.InspectionCheck  `json:"checks,omitempty"`
	Certificate *domain.Certificate       `json:"certificate,omitempty"`
}

func (e *Engine) Status(ctx context.Context, doorID string) (DoorStatus, error) {
	door, err := e.getDoor(ctx, doorID)
	if err != nil {
		return DoorStatus{}, err
	}
	st := DoorStatus{Door: door}

	session, err := e.Repo.LatestSession(ctx, doorID)
	switch err {
	case nil:
		st.Session = &session
		checks, err := e.Repo.ListChecks(ctx, session.ID)
		if err != nil {
			return DoorStatus{}, transientErr(err, "load checks")
		}
		st.Checks = checks
	case repo.ErrNotFound:
	default:
		return DoorStatus{}, transientErr(err, "load session")
	}

	cert, err := e.Repo.LiveCertificate(ctx, doorID)
	switch err {
	case nil:
		st.Certificate = &cert
	case repo.ErrNotFound:
	default:
		return DoorStatus{}, transientErr(err, "load certificate")
	}
	return st, nil
}

// Trail returns the door's audit entries, newest first, with cursor
// pagination (pass the smallest returned id as the next cursor).
func (e *Engine) Trail(ctx context.Context, doorID string, limit int, cursor int64) ([]domain.LogEntry, error) {
	if _, err := e.getDoor(ctx, doorID); err != nil {
		return nil, err
	}
	entries, err := e.Repo.LatestLog(ctx, repo.LogFilters{DoorID: doorID, Limit: limit, Cursor: cursor})
	if err != nil {
		return nil, transientErr(err, "load workflow log")
	}
	return entries, nil
}
