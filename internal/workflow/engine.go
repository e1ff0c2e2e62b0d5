// Package workflow is the certification transition engine. Every state
// change on a door goes through here: inspection sessions, the
// certify/reject/release pipeline, and certificate lifecycle. Writes
// that can race are conditional on the expected from-state and report
// Conflict when another actor got there first.
package workflow

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"doorline/internal/audit"
	"doorline/internal/certificate"
	"doorline/internal/config"
	"doorline/internal/domain"
	"doorline/internal/repo"
	"doorline/internal/storage"
)

// DocumentGenerator renders and stores a certificate document, returning
// its storage key.
type DocumentGenerator interface {
	Generate(ctx context.Context, in certificate.RenderInput) (string, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Docs   DocumentGenerator
	Store  storage.Store
	Audit  audit.Writer
	Log    *zap.SugaredLogger
	Now    func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) log() *zap.SugaredLogger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop().Sugar()
}

// actor resolves an actor id. Unknown actors are an auth failure, not a
// missing resource.
func (e *Engine) actor(ctx context.Context, id string) (domain.Actor, error) {
	a, err := e.Repo.GetActor(ctx, id)
	if err == repo.ErrNotFound {
		return a, Unauthorizedf("unknown actor %s", id)
	}
	if err != nil {
		return a, transientErr(err, "load actor %s", id)
	}
	return a, nil
}

// record appends to the workflow log after the transition committed. A
// failed append cannot roll back the transition; it is logged as an
// inconsistency and swallowed.
func (e *Engine) record(ctx context.Context, transition, doorID, sessionID, actorID string, payload audit.Payload) {
	if err := e.Audit.Append(ctx, transition, doorID, sessionID, actorID, payload); err != nil {
		e.log().Errorw("workflow log append failed, trail has a gap",
			"transition", transition, "door_id", doorID, "error", err)
	}
}

func (e *Engine) getDoor(ctx context.Context, id string) (domain.Door, error) {
	d, err := e.Repo.GetDoor(ctx, id)
	if err == repo.ErrNotFound {
		return d, NotFoundf("door %s not found", id)
	}
	if err != nil {
		return d, transientErr(err, "load door %s", id)
	}
	return d, nil
}

// RegisterDoor adds a door to the registry in pending/pending state.
func (e *Engine) RegisterDoor(ctx context.Context, actorID string, d domain.Door) (domain.Door, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Door{}, err
	}
	if err := requireRole(actor, TransitionRegister); err != nil {
		return domain.Door{}, err
	}
	if strings.TrimSpace(d.SerialNo) == "" {
		return domain.Door{}, Preconditionf("serial_no is required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := e.ts()
	d.InspectionState = domain.InspectionPending
	d.CertState = domain.CertPending
	d.RejectionReason = nil
	d.CreatedAt = now
	d.UpdatedAt = now
	if err := e.Repo.InsertDoor(ctx, d); err != nil {
		if isUniqueViolation(err) {
			return domain.Door{}, Conflictf("door with serial %s already registered", d.SerialNo)
		}
		return domain.Door{}, transientErr(err, "insert door")
	}
	e.record(ctx, TransitionRegister, d.ID, "", actorID, audit.Payload{"serial_no": d.SerialNo})
	return d, nil
}

// StartInspection opens a new session for the door and seeds one unset
// check per checklist template point. Any prior completed sessions are
// marked superseded; their evaluations no longer count toward
// certification.
func (e *Engine) StartInspection(ctx context.Context, doorID, inspectorID string) (domain.InspectionSession, []domain.InspectionCheck, error) {
	actor, err := e.actor(ctx, inspectorID)
	if err != nil {
		return domain.InspectionSession{}, nil, err
	}
	if err := requireRole(actor, TransitionInspectionStarted); err != nil {
		return domain.InspectionSession{}, nil, err
	}

	door, err := e.getDoor(ctx, doorID)
	if err != nil {
		return domain.InspectionSession{}, nil, err
	}
	if domain.CertifiedFamily(door.CertState) {
		return domain.InspectionSession{}, nil, Conflictf(
			"door %s has a live certificate; it must be deleted or rejected before re-inspection", doorID)
	}
	if _, err := e.Repo.ActiveSession(ctx, doorID); err == nil {
		return domain.InspectionSession{}, nil, Conflictf("door %s already has an inspection in progress", doorID)
	} else if err != repo.ErrNotFound {
		return domain.InspectionSession{}, nil, transientErr(err, "check active session")
	}

	now := e.ts()
	session := domain.InspectionSession{
		ID:          uuid.NewString(),
		DoorID:      doorID,
		InspectorID: inspectorID,
		Status:      domain.SessionInProgress,
		StartedAt:   now,
	}
	points := e.Config.InspectionPoints()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InspectionSession{}, nil, transientErr(err, "begin transaction")
	}
	defer tx.Rollback()

	if err := e.Repo.SupersedeCompletedSessionsTx(ctx, tx, doorID); err != nil {
		return domain.InspectionSession{}, nil, transientErr(err, "supersede prior sessions")
	}
	if err := e.Repo.InsertSessionTx(ctx, tx, session); err != nil {
		// The partial unique index decides races between concurrent
		// starts; the loser lands here.
		if isUniqueViolation(err) {
			return domain.InspectionSession{}, nil, Conflictf("door %s already has an inspection in progress", doorID)
		}
		return domain.InspectionSession{}, nil, transientErr(err, "insert session")
	}
	checks := make([]domain.InspectionCheck, 0, len(points))
	for _, p := range points {
		c := domain.InspectionCheck{
			SessionID: session.ID,
			PointID:   p.ID,
			PointName: p.Name,
			Position:  p.Position,
		}
		if err := e.Repo.InsertCheckTx(ctx, tx, c); err != nil {
			return domain.InspectionSession{}, nil, transientErr(err, "seed check %s", p.ID)
		}
		checks = append(checks, c)
	}
	ok, err := e.Repo.SetInspectionStatusTx(ctx, tx, doorID, domain.InspectionInProgress, now,
		domain.InspectionPending, domain.InspectionCompleted)
	if err != nil {
		return domain.InspectionSession{}, nil, transientErr(err, "advance inspection status")
	}
	if !ok {
		return domain.InspectionSession{}, nil, Conflictf("door %s changed concurrently, retry", doorID)
	}
	if err := tx.Commit(); err != nil {
		return domain.InspectionSession{}, nil, transientErr(err, "commit transaction")
	}

	e.record(ctx, TransitionInspectionStarted, doorID, session.ID, inspectorID, audit.Payload{"points": len(points)})
	return session, checks, nil
}

// UpdateCheck records the evaluation of one checklist point on an open
// session.
func (e *Engine) UpdateCheck(ctx context.Context, sessionID, pointID string, isChecked bool, notes string, photoRef *string, actorID string) (domain.InspectionCheck, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.InspectionCheck{}, err
	}
	if err := requireRole(actor, TransitionCheckUpdated); err != nil {
		return domain.InspectionCheck{}, err
	}

	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InspectionCheck{}, transientErr(err, "begin transaction")
	}
	defer tx.Rollback()

	session, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err == repo.ErrNotFound {
		return domain.InspectionCheck{}, NotFoundf("session %s not found", sessionID)
	}
	if err != nil {
		return domain.InspectionCheck{}, transientErr(err, "load session %s", sessionID)
	}
	if session.Status != domain.SessionInProgress {
		return domain.InspectionCheck{}, NotFoundf("session %s is %s, no open session to update", sessionID, session.Status)
	}
	ok, err := e.Repo.SetCheckTx(ctx, tx, sessionID, pointID, isChecked, notes, photoRef, now)
	if err != nil {
		return domain.InspectionCheck{}, transientErr(err, "update check %s", pointID)
	}
	if !ok {
		return domain.InspectionCheck{}, NotFoundf("checklist point %s not in session %s", pointID, sessionID)
	}
	if err := tx.Commit(); err != nil {
		return domain.InspectionCheck{}, transientErr(err, "commit transaction")
	}

	e.record(ctx, TransitionCheckUpdated, session.DoorID, sessionID, actorID,
		audit.Payload{"point_id": pointID, "is_checked": isChecked})
	return domain.InspectionCheck{
		SessionID: sessionID,
		PointID:   pointID,
		IsChecked: &isChecked,
		Notes:     notes,
		PhotoRef:  photoRef,
		CheckedAt: &now,
	}, nil
}

// CompleteInspection closes the session. Every checklist point must have
// been explicitly evaluated; unset points block completion. Completing
// the inspection on a previously rejected door clears the rejection and
// puts certification back to pending.
func (e *Engine) CompleteInspection(ctx context.Context, sessionID, notes, actorID string) (domain.InspectionSession, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.InspectionSession{}, err
	}
	if err := requireRole(actor, TransitionInspectionComplete); err != nil {
		return domain.InspectionSession{}, err
	}

	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InspectionSession{}, transientErr(err, "begin transaction")
	}
	defer tx.Rollback()

	session, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err == repo.ErrNotFound {
		return domain.InspectionSession{}, NotFoundf("session %s not found", sessionID)
	}
	if err != nil {
		return domain.InspectionSession{}, transientErr(err, "load session %s", sessionID)
	}
	if session.Status != domain.SessionInProgress {
		return domain.InspectionSession{}, Conflictf("session %s is %s, not in_progress", sessionID, session.Status)
	}
	checks, err := e.Repo.ListChecksTx(ctx, tx, sessionID)
	if err != nil {
		return domain.InspectionSession{}, transientErr(err, "load checks")
	}
	var unset []string
	for _, c := range checks {
		if !c.Evaluated() {
			unset = append(unset, c.PointID)
		}
	}
	if len(unset) > 0 {
		return domain.InspectionSession{}, Preconditionf("cannot complete inspection, unevaluated points: %s",
			strings.Join(unset, ", "))
	}

	ok, err := e.Repo.CompleteSessionTx(ctx, tx, sessionID, now, notes)
	if err != nil {
		return domain.InspectionSession{}, transientErr(err, "complete session")
	}
	if !ok {
		return domain.InspectionSession{}, Conflictf("session %s changed concurrently, retry", sessionID)
	}
	ok, err = e.Repo.SetInspectionStatusTx(ctx, tx, session.DoorID, domain.InspectionCompleted, now,
		domain.InspectionInProgress)
	if err != nil {
		return domain.InspectionSession{}, transientErr(err, "advance inspection status")
	}
	if !ok {
		return domain.InspectionSession{}, Conflictf("door %s changed concurrently, retry", session.DoorID)
	}
	door, err := e.Repo.GetDoorTx(ctx, tx, session.DoorID)
	if err != nil {
		return domain.InspectionSession{}, transientErr(err, "load door %s", session.DoorID)
	}
	if door.CertState == domain.CertRejected {
		if err := e.Repo.ClearRejectionTx(ctx, tx, session.DoorID, now); err != nil {
			return domain.InspectionSession{}, transientErr(err, "clear rejection")
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.InspectionSession{}, transientErr(err, "commit transaction")
	}

	session.Status = domain.SessionCompleted
	session.CompletedAt = &now
	session.Notes = notes
	e.record(ctx, TransitionInspectionComplete, session.DoorID, sessionID, actorID,
		audit.Payload{"checks": len(checks)})
	return session, nil
}

// isUniqueViolation matches sqlite unique-constraint failures without
// depending on driver error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
