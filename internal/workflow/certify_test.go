package workflow_test

import (
	"bytes"
	"context"
	"testing"

	"doorline/internal/domain"
	"doorline/internal/repo"
	"doorline/internal/storage"
	"doorline/internal/workflow"
)

// wantBound asserts the binding invariant for one door: a
// certified-family status has exactly one live certificate whose
// document exists in storage, and any other status has none.
func wantBound(t *testing.T, e *workflow.Engine, doorID string) {
	t.Helper()
	ctx := context.Background()
	door, err := e.Repo.GetDoor(ctx, doorID)
	if err != nil {
		t.Fatalf("get door: %v", err)
	}
	cert, err := e.Repo.LiveCertificate(ctx, doorID)
	switch {
	case domain.CertifiedFamily(door.CertState):
		if err != nil {
			t.Fatalf("door is %s but has no live certificate: %v", door.CertState, err)
		}
		if _, err := e.Store.Get(ctx, cert.DocRef); err != nil {
			t.Fatalf("door is %s but document %s unreadable: %v", door.CertState, cert.DocRef, err)
		}
	default:
		if err != repo.ErrNotFound {
			t.Fatalf("door is %s but a live certificate exists (%v)", door.CertState, err)
		}
	}
}

func certifiedDoor(t *testing.T, e *workflow.Engine, serial string) domain.Door {
	t.Helper()
	ctx := context.Background()
	door := registerDoor(t, e, serial)
	inspect(t, e, door.ID, nil)
	if _, err := e.OpenForReview(ctx, door.ID, engineerID); err != nil {
		t.Fatalf("open review: %v", err)
	}
	if _, err := e.Certify(ctx, door.ID, engineerID, "sig:eng-1"); err != nil {
		t.Fatalf("certify: %v", err)
	}
	d, err := e.Repo.GetDoor(ctx, door.ID)
	if err != nil {
		t.Fatalf("get door: %v", err)
	}
	return d
}

func TestCertifyBindsRecordAndDocument(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := certifiedDoor(t, e, "PRD-001")

	if door.CertState != domain.CertCertified {
		t.Fatalf("want certified, got %s", door.CertState)
	}
	wantBound(t, e, door.ID)

	cert, err := e.Repo.LiveCertificate(ctx, door.ID)
	if err != nil {
		t.Fatalf("live certificate: %v", err)
	}
	if cert.EngineerID != engineerID {
		t.Errorf("want engineer %s, got %s", engineerID, cert.EngineerID)
	}
	if cert.Signature == nil || *cert.Signature != "sig:eng-1" {
		t.Errorf("signature not recorded: %v", cert.Signature)
	}
}

func TestCertifyAllowedWithoutReview(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")
	inspect(t, e, door.ID, nil)

	// No OpenForReview: certifying straight from pending issues the
	// certificate just the same.
	cert, err := e.Certify(ctx, door.ID, engineerID, "")
	if err != nil {
		t.Fatalf("certify from pending: %v", err)
	}
	if cert.DoorID != door.ID {
		t.Fatalf("certificate for wrong door: %s", cert.DoorID)
	}
	got, _ := e.Repo.GetDoor(ctx, door.ID)
	if got.CertState != domain.CertCertified {
		t.Fatalf("want certified, got %s", got.CertState)
	}
	wantBound(t, e, door.ID)
}

func TestCertifyRefusesRejectedDoor(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")
	inspect(t, e, door.ID, nil)
	if _, err := e.Reject(ctx, door.ID, engineerID, "drawing mismatch"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	_, err := e.Certify(ctx, door.ID, engineerID, "")
	wantCode(t, err, workflow.CodeConflict)
	wantBound(t, e, door.ID)
}

func TestCertifyRefusesFailedChecks(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")
	inspect(t, e, door.ID, map[string]bool{"pressure.hold": false})
	if _, err := e.OpenForReview(ctx, door.ID, engineerID); err != nil {
		t.Fatalf("open review: %v", err)
	}

	_, err := e.Certify(ctx, door.ID, engineerID, "")
	wantCode(t, err, workflow.CodePreconditionFailed)

	got, _ := e.Repo.GetDoor(ctx, door.ID)
	if got.CertState != domain.CertUnderReview {
		t.Fatalf("failed certify moved status to %s", got.CertState)
	}
	wantBound(t, e, door.ID)
}

func TestCertifyStorageFailureLeavesNoRecord(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")
	inspect(t, e, door.ID, nil)
	if _, err := e.OpenForReview(ctx, door.ID, engineerID); err != nil {
		t.Fatalf("open review: %v", err)
	}

	e.Docs = stubDocs{store: e.Store, fail: true}
	_, err := e.Certify(ctx, door.ID, engineerID, "")
	wantCode(t, err, workflow.CodeStorageError)

	got, _ := e.Repo.GetDoor(ctx, door.ID)
	if got.CertState != domain.CertUnderReview {
		t.Fatalf("storage failure moved status to %s", got.CertState)
	}
	wantBound(t, e, door.ID)
}

func TestCertifyRecordFailureDeletesDocument(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")
	inspect(t, e, door.ID, nil)
	if _, err := e.OpenForReview(ctx, door.ID, engineerID); err != nil {
		t.Fatalf("open review: %v", err)
	}

	// A concurrent engineer rejects between the document write and the
	// record transaction; the conditional status update then matches
	// zero rows and the saga compensates.
	e.Docs = stubDocs{store: e.Store, beforeCommit: func() {
		if _, err := e.Reject(ctx, door.ID, engineerID, "second opinion"); err != nil {
			t.Fatalf("interleaved reject: %v", err)
		}
	}}
	_, err := e.Certify(ctx, door.ID, engineerID, "")
	wantCode(t, err, workflow.CodeConflict)

	got, _ := e.Repo.GetDoor(ctx, door.ID)
	if got.CertState != domain.CertRejected {
		t.Fatalf("want rejected from the interleaved writer, got %s", got.CertState)
	}
	wantBound(t, e, door.ID)

	// The compensating delete removed the orphan.
	docs := listKeys(t, e.Store.(*storage.FS))
	if len(docs) != 0 {
		t.Fatalf("orphan document left behind: %v", docs)
	}
}

func TestCertifyRetryIsIdempotent(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := certifiedDoor(t, e, "PRD-001")

	first, err := e.Repo.LiveCertificate(ctx, door.ID)
	if err != nil {
		t.Fatalf("live certificate: %v", err)
	}
	again, err := e.Certify(ctx, door.ID, engineerID, "")
	if err != nil {
		t.Fatalf("retry certify: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("retry issued a second certificate: %s vs %s", again.ID, first.ID)
	}
	certs, err := e.Repo.ListCertificates(ctx, door.ID)
	if err != nil {
		t.Fatalf("list certificates: %v", err)
	}
	if len(certs) != 1 {
		t.Fatalf("want 1 certificate, got %d", len(certs))
	}
}

func TestRejectRequiresReason(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")
	inspect(t, e, door.ID, nil)
	if _, err := e.OpenForReview(ctx, door.ID, engineerID); err != nil {
		t.Fatalf("open review: %v", err)
	}

	_, err := e.Reject(ctx, door.ID, engineerID, "   ")
	wantCode(t, err, workflow.CodePreconditionFailed)
}

func TestReleaseDownloadFlow(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := certifiedDoor(t, e, "PRD-001")

	released, err := e.Release(ctx, door.ID, adminID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.CertState != domain.CertReleased {
		t.Fatalf("want released, got %s", released.CertState)
	}

	// Download before release is refused on a fresh door.
	other := certifiedDoor(t, e, "PRD-002")
	if _, _, err := e.Download(ctx, other.ID, clientID); workflow.CodeOf(err) != workflow.CodeConflict {
		t.Fatalf("download before release: %v", err)
	}

	cert, data, err := e.Download(ctx, door.ID, clientID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !bytes.Equal(data, []byte("certificate document")) {
		t.Fatalf("download returned wrong bytes: %q", data)
	}
	got, _ := e.Repo.GetDoor(ctx, door.ID)
	if got.CertState != domain.CertDownloaded {
		t.Fatalf("want downloaded, got %s", got.CertState)
	}

	// Repeat download stays downloaded.
	again, _, err := e.Download(ctx, door.ID, clientID)
	if err != nil {
		t.Fatalf("second download: %v", err)
	}
	if again.ID != cert.ID {
		t.Fatalf("second download returned different certificate")
	}
	wantBound(t, e, door.ID)
}

func TestClientRejectSupersedesCertificate(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := certifiedDoor(t, e, "PRD-001")
	if _, err := e.Release(ctx, door.ID, adminID); err != nil {
		t.Fatalf("release: %v", err)
	}
	cert, _, err := e.Download(ctx, door.ID, clientID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	got, err := e.ClientReject(ctx, door.ID, clientID, "wrong pressure rating on document")
	if err != nil {
		t.Fatalf("client reject: %v", err)
	}
	if got.CertState != domain.CertRejected {
		t.Fatalf("want rejected, got %s", got.CertState)
	}
	if got.InspectionState != domain.InspectionPending {
		t.Fatalf("want inspection pending, got %s", got.InspectionState)
	}
	wantBound(t, e, door.ID)

	// The record is superseded, not deleted, and the document stays in
	// storage for dispute resolution.
	kept, err := e.Repo.GetCertificate(ctx, cert.ID)
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}
	if !kept.Superseded {
		t.Fatalf("certificate not superseded")
	}
	if _, err := e.Store.Get(ctx, kept.DocRef); err != nil {
		t.Fatalf("dispute document removed: %v", err)
	}
}

func TestDeleteCertificateResetsDoor(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := certifiedDoor(t, e, "PRD-001")
	cert, err := e.Repo.LiveCertificate(ctx, door.ID)
	if err != nil {
		t.Fatalf("live certificate: %v", err)
	}

	if err := e.DeleteCertificate(ctx, cert.ID, adminID); err != nil {
		t.Fatalf("delete certificate: %v", err)
	}
	got, _ := e.Repo.GetDoor(ctx, door.ID)
	if got.CertState != domain.CertPending {
		t.Fatalf("want pending after delete, got %s", got.CertState)
	}
	if _, err := e.Repo.GetCertificate(ctx, cert.ID); err != repo.ErrNotFound {
		t.Fatalf("certificate record still present: %v", err)
	}
	if _, err := e.Store.Get(ctx, cert.DocRef); err != storage.ErrNotFound {
		t.Fatalf("document still present: %v", err)
	}
	wantBound(t, e, door.ID)

	if err := e.DeleteCertificate(ctx, cert.ID, adminID); workflow.CodeOf(err) != workflow.CodeNotFound {
		t.Fatalf("second delete: %v", err)
	}
}

func TestScenarioAllPassCertifyDelete(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-100")

	inspect(t, e, door.ID, nil)
	if _, err := e.OpenForReview(ctx, door.ID, engineerID); err != nil {
		t.Fatalf("open review: %v", err)
	}
	cert, err := e.Certify(ctx, door.ID, engineerID, "sig:eng-1")
	if err != nil {
		t.Fatalf("certify: %v", err)
	}
	wantBound(t, e, door.ID)

	if err := e.DeleteCertificate(ctx, cert.ID, adminID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := e.Repo.GetDoor(ctx, door.ID)
	if got.CertState != domain.CertPending || got.InspectionState != domain.InspectionCompleted {
		t.Fatalf("after delete: %s/%s", got.InspectionState, got.CertState)
	}
	wantBound(t, e, door.ID)
}

func TestScenarioFailedCheckRejectReinspect(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-200")

	inspect(t, e, door.ID, map[string]bool{"hinge.torque": false})
	if _, err := e.OpenForReview(ctx, door.ID, engineerID); err != nil {
		t.Fatalf("open review: %v", err)
	}
	if _, err := e.Certify(ctx, door.ID, engineerID, ""); workflow.CodeOf(err) != workflow.CodePreconditionFailed {
		t.Fatalf("certify with failed check: %v", err)
	}
	if _, err := e.Reject(ctx, door.ID, engineerID, "hinge bolts under-torqued"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	inspect(t, e, door.ID, nil)
	if _, err := e.OpenForReview(ctx, door.ID, engineerID); err != nil {
		t.Fatalf("re-review: %v", err)
	}
	if _, err := e.Certify(ctx, door.ID, engineerID, ""); err != nil {
		t.Fatalf("certify after fix: %v", err)
	}
	got, _ := e.Repo.GetDoor(ctx, door.ID)
	if got.CertState != domain.CertCertified {
		t.Fatalf("want certified, got %s", got.CertState)
	}
	wantBound(t, e, door.ID)
}
