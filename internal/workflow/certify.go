package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"doorline/internal/audit"
	"doorline/internal/certificate"
	"doorline/internal/domain"
	"doorline/internal/repo"
)

// OpenForReview hands a completed inspection to engineering.
func (e *Engine) OpenForReview(ctx context.Context, doorID, actorID string) (domain.Door, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Door{}, err
	}
	if err := requireRole(actor, TransitionOpenedForReview); err != nil {
		return domain.Door{}, err
	}

	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Door{}, transientErr(err, "begin transaction")
	}
	defer tx.Rollback()

	door, err := e.Repo.GetDoorTx(ctx, tx, doorID)
	if err == repo.ErrNotFound {
		return domain.Door{}, NotFoundf("door %s not found", doorID)
	}
	if err != nil {
		return domain.Door{}, transientErr(err, "load door %s", doorID)
	}
	if door.InspectionState != domain.InspectionCompleted {
		return domain.Door{}, Preconditionf("door %s inspection is %s, must be completed before review", doorID, door.InspectionState)
	}
	ok, err := e.Repo.AdvanceCertStatusTx(ctx, tx, doorID, domain.CertUnderReview, now, domain.CertPending)
	if err != nil {
		return domain.Door{}, transientErr(err, "advance certification status")
	}
	if !ok {
		return domain.Door{}, Conflictf("door %s certification is %s, cannot open review", doorID, door.CertState)
	}
	if err := tx.Commit(); err != nil {
		return domain.Door{}, transientErr(err, "commit transaction")
	}

	door.CertState = domain.CertUnderReview
	door.UpdatedAt = now
	e.record(ctx, TransitionOpenedForReview, doorID, "", actorID, nil)
	return door, nil
}

// Certify issues the certificate for the door's latest completed
// inspection. The document is written to storage first; the status
// advance and the certificate record then commit in one transaction, and
// a failure there deletes the stored document again. A retry after a
// half-failed attempt returns the already-issued certificate instead of
// a duplicate.
func (e *Engine) Certify(ctx context.Context, doorID, engineerID, signature string) (domain.Certificate, error) {
	engineer, err := e.actor(ctx, engineerID)
	if err != nil {
		return domain.Certificate{}, err
	}
	if err := requireRole(engineer, TransitionCertified); err != nil {
		return domain.Certificate{}, err
	}

	door, err := e.getDoor(ctx, doorID)
	if err != nil {
		return domain.Certificate{}, err
	}
	session, err := e.Repo.LatestCompletedSession(ctx, doorID)
	if err == repo.ErrNotFound {
		return domain.Certificate{}, Preconditionf("door %s has no completed inspection", doorID)
	}
	if err != nil {
		return domain.Certificate{}, transientErr(err, "load latest session")
	}

	// Idempotent retry: the certificate from a prior attempt that failed
	// after its commit point is the answer, not an error.
	if existing, err := e.Repo.LiveCertificate(ctx, doorID); err == nil {
		if existing.SessionID == session.ID && domain.CertifiedFamily(door.CertState) {
			return existing, nil
		}
		return domain.Certificate{}, Conflictf("door %s already has a live certificate from another session", doorID)
	} else if err != repo.ErrNotFound {
		return domain.Certificate{}, transientErr(err, "check existing certificate")
	}

	// Certify is allowed straight from pending; opening a review first is
	// the engineer's choice, not a gate.
	if door.CertState != domain.CertUnderReview && door.CertState != domain.CertPending {
		return domain.Certificate{}, Conflictf("door %s certification is %s, must be pending or under_review to certify", doorID, door.CertState)
	}

	checks, err := e.Repo.ListChecks(ctx, session.ID)
	if err != nil {
		return domain.Certificate{}, transientErr(err, "load checks")
	}
	var failed []string
	for _, c := range checks {
		if !c.Passed() {
			failed = append(failed, c.PointID)
		}
	}
	if len(failed) > 0 {
		return domain.Certificate{}, Preconditionf("cannot certify with failed checks: %s", strings.Join(failed, ", "))
	}

	issuedAt := e.now()
	docRef, err := e.Docs.Generate(ctx, certificate.RenderInput{
		Title:    e.Config.Certificate.Title,
		SiteName: e.Config.Site.Name,
		Door:     door,
		Session:  session,
		Checks:   checks,
		Engineer: engineer,
		IssuedAt: issuedAt,
	})
	if err != nil {
		return domain.Certificate{}, storageErr(err, "generate certificate document")
	}

	cert := domain.Certificate{
		ID:         uuid.NewString(),
		DoorID:     doorID,
		SessionID:  session.ID,
		EngineerID: engineerID,
		DocRef:     docRef,
		IssuedAt:   issuedAt.UTC().Format(time.RFC3339),
	}
	if signature != "" {
		cert.Signature = &signature
	}

	commitErr := func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return transientErr(err, "begin transaction")
		}
		defer tx.Rollback()
		ok, err := e.Repo.AdvanceCertStatusTx(ctx, tx, doorID, domain.CertCertified, cert.IssuedAt,
			domain.CertPending, domain.CertUnderReview)
		if err != nil {
			return transientErr(err, "advance certification status")
		}
		if !ok {
			return Conflictf("door %s changed concurrently, certify aborted", doorID)
		}
		if err := e.Repo.InsertCertificateTx(ctx, tx, cert); err != nil {
			if isUniqueViolation(err) {
				return Conflictf("door %s already has a live certificate", doorID)
			}
			return transientErr(err, "insert certificate record")
		}
		if err := tx.Commit(); err != nil {
			return transientErr(err, "commit transaction")
		}
		return nil
	}()
	if commitErr != nil {
		// The record never existed, so the stored document is an orphan.
		// Removing it is best effort.
		if delErr := e.Store.Delete(ctx, docRef); delErr != nil {
			e.log().Warnw("orphaned certificate document left in storage",
				"doc_ref", docRef, "error", delErr)
		}
		return domain.Certificate{}, commitErr
	}

	e.record(ctx, TransitionCertified, doorID, session.ID, engineerID,
		audit.Payload{"certificate_id": cert.ID, "doc_ref": docRef})
	return cert, nil
}

// Reject records an engineering rejection. The reason is mandatory; it
// is what the inspector works from on the next pass.
func (e *Engine) Reject(ctx context.Context, doorID, actorID, reason string) (domain.Door, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Door{}, err
	}
	if err := requireRole(actor, TransitionRejected); err != nil {
		return domain.Door{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Door{}, Preconditionf("a rejection reason is required")
	}

	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Door{}, transientErr(err, "begin transaction")
	}
	defer tx.Rollback()

	ok, err := e.Repo.RejectDoorTx(ctx, tx, doorID, reason, now, domain.CertUnderReview, domain.CertPending)
	if err != nil {
		return domain.Door{}, transientErr(err, "reject door")
	}
	if !ok {
		door, derr := e.Repo.GetDoorTx(ctx, tx, doorID)
		if derr == repo.ErrNotFound {
			return domain.Door{}, NotFoundf("door %s not found", doorID)
		}
		return domain.Door{}, Conflictf("door %s certification is %s, cannot reject", doorID, door.CertState)
	}
	if err := tx.Commit(); err != nil {
		return domain.Door{}, transientErr(err, "commit transaction")
	}

	e.record(ctx, TransitionRejected, doorID, "", actorID, audit.Payload{"reason": reason})
	return e.getDoor(ctx, doorID)
}

// Release hands a certified door's certificate to the client side.
func (e *Engine) Release(ctx context.Context, doorID, actorID string) (domain.Door, error) {
	return e.advance(ctx, doorID, actorID, TransitionReleased, domain.CertReleased, domain.CertCertified)
}

// Download marks the certificate as taken by the client and returns the
// stored document bytes. Repeat downloads are allowed.
func (e *Engine) Download(ctx context.Context, doorID, actorID string) (domain.Certificate, []byte, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Certificate{}, nil, err
	}
	if err := requireRole(actor, TransitionDownloaded); err != nil {
		return domain.Certificate{}, nil, err
	}

	cert, err := e.Repo.LiveCertificate(ctx, doorID)
	if err == repo.ErrNotFound {
		return domain.Certificate{}, nil, NotFoundf("door %s has no live certificate", doorID)
	}
	if err != nil {
		return domain.Certificate{}, nil, transientErr(err, "load certificate")
	}
	// Fetch before flipping status so a storage failure never leaves the
	// door marked downloaded with nothing delivered.
	data, err := e.Store.Get(ctx, cert.DocRef)
	if err != nil {
		return domain.Certificate{}, nil, storageErr(err, "fetch certificate document %s", cert.DocRef)
	}

	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Certificate{}, nil, transientErr(err, "begin transaction")
	}
	defer tx.Rollback()
	ok, err := e.Repo.AdvanceCertStatusTx(ctx, tx, doorID, domain.CertDownloaded, now,
		domain.CertReleased, domain.CertDownloaded)
	if err != nil {
		return domain.Certificate{}, nil, transientErr(err, "advance certification status")
	}
	if !ok {
		return domain.Certificate{}, nil, Conflictf("door %s certificate is not released", doorID)
	}
	if err := tx.Commit(); err != nil {
		return domain.Certificate{}, nil, transientErr(err, "commit transaction")
	}

	e.record(ctx, TransitionDownloaded, doorID, cert.SessionID, actorID, audit.Payload{"certificate_id": cert.ID})
	return cert, data, nil
}

// ClientReject records a client-side rejection of a released
// certificate. The certificate record is superseded so the binding
// invariant holds, but the stored document is kept for dispute
// resolution.
func (e *Engine) ClientReject(ctx context.Context, doorID, actorID, reason string) (domain.Door, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Door{}, err
	}
	if err := requireRole(actor, TransitionClientRejected); err != nil {
		return domain.Door{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Door{}, Preconditionf("a rejection reason is required")
	}

	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Door{}, transientErr(err, "begin transaction")
	}
	defer tx.Rollback()

	cert, err := e.Repo.LiveCertificateTx(ctx, tx, doorID)
	if err == repo.ErrNotFound {
		return domain.Door{}, NotFoundf("door %s has no live certificate", doorID)
	}
	if err != nil {
		return domain.Door{}, transientErr(err, "load certificate")
	}
	ok, err := e.Repo.RejectDoorTx(ctx, tx, doorID, reason, now, domain.CertReleased, domain.CertDownloaded)
	if err != nil {
		return domain.Door{}, transientErr(err, "reject door")
	}
	if !ok {
		return domain.Door{}, Conflictf("door %s is not in a released state", doorID)
	}
	if _, err := e.Repo.SupersedeCertificateTx(ctx, tx, cert.ID); err != nil {
		return domain.Door{}, transientErr(err, "supersede certificate")
	}
	if err := tx.Commit(); err != nil {
		return domain.Door{}, transientErr(err, "commit transaction")
	}

	e.record(ctx, TransitionClientRejected, doorID, cert.SessionID, actorID,
		audit.Payload{"reason": reason, "certificate_id": cert.ID})
	return e.getDoor(ctx, doorID)
}

// DeleteCertificate removes a certificate record. When the record was
// live, the door's certification drops back to pending in the same
// transaction; the stored document is deleted only after commit, since
// an orphaned document is harmless but a record pointing at nothing is
// not.
func (e *Engine) DeleteCertificate(ctx context.Context, certID, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	if err := requireRole(actor, TransitionCertDeleted); err != nil {
		return err
	}

	cert, err := e.Repo.GetCertificate(ctx, certID)
	if err == repo.ErrNotFound {
		return NotFoundf("certificate %s not found", certID)
	}
	if err != nil {
		return transientErr(err, "load certificate")
	}

	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return transientErr(err, "begin transaction")
	}
	defer tx.Rollback()

	ok, err := e.Repo.DeleteCertificateTx(ctx, tx, certID)
	if err != nil {
		return transientErr(err, "delete certificate record")
	}
	if !ok {
		return NotFoundf("certificate %s not found", certID)
	}
	if !cert.Superseded {
		if err := e.Repo.ResetCertStatusTx(ctx, tx, cert.DoorID, now); err != nil {
			return transientErr(err, "reset certification status")
		}
	}
	if err := tx.Commit(); err != nil {
		return transientErr(err, "commit transaction")
	}

	if err := e.Store.Delete(ctx, cert.DocRef); err != nil {
		e.log().Warnw("certificate document left in storage after record delete",
			"doc_ref", cert.DocRef, "error", err)
	}
	e.record(ctx, TransitionCertDeleted, cert.DoorID, cert.SessionID, actorID,
		audit.Payload{"certificate_id": certID, "doc_ref": cert.DocRef})
	return nil
}

// advance is the shared shape of simple role-gated status moves.
func (e *Engine) advance(ctx context.Context, doorID, actorID, transition, to string, from ...string) (domain.Door, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Door{}, err
	}
	if err := requireRole(actor, transition); err != nil {
		return domain.Door{}, err
	}

	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Door{}, transientErr(err, "begin transaction")
	}
	defer tx.Rollback()

	ok, err := e.Repo.AdvanceCertStatusTx(ctx, tx, doorID, to, now, from...)
	if err != nil {
		return domain.Door{}, transientErr(err, "advance certification status")
	}
	if !ok {
		door, derr := e.Repo.GetDoorTx(ctx, tx, doorID)
		if derr == repo.ErrNotFound {
			return domain.Door{}, NotFoundf("door %s not found", doorID)
		}
		return domain.Door{}, Conflictf("door %s certification is %s, cannot move to %s", doorID, door.CertState, to)
	}
	if err := tx.Commit(); err != nil {
		return domain.Door{}, transientErr(err, "commit transaction")
	}

	e.record(ctx, transition, doorID, "", actorID, nil)
	return e.getDoor(ctx, doorID)
}
