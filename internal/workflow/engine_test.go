package workflow_test

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"doorline/internal/audit"
	"doorline/internal/certificate"
	"doorline/internal/config"
	"doorline/internal/db"
	"doorline/internal/domain"
	"doorline/internal/migrate"
	"doorline/internal/repo"
	"doorline/internal/storage"
	"doorline/internal/workflow"
)

const (
	adminID     = "adm-1"
	inspectorID = "ins-1"
	engineerID  = "eng-1"
	clientID    = "cli-1"
)

func ts() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// stubDocs writes a tiny placeholder document instead of rendering a
// real PNG. BeforeCommit, when set, runs after the document is stored
// and before the engine's transaction, which is where a concurrent
// writer can interleave.
type stubDocs struct {
	store        storage.Store
	fail         bool
	beforeCommit func()
}

func (s stubDocs) Generate(ctx context.Context, in certificate.RenderInput) (string, error) {
	if s.fail {
		return "", errors.New("injected storage failure")
	}
	key := certificate.Key(in.Door.SerialNo, in.IssuedAt)
	if err := s.store.Put(ctx, key, []byte("certificate document")); err != nil {
		return "", err
	}
	if s.beforeCommit != nil {
		s.beforeCommit()
	}
	return key, nil
}

func testEngine(t *testing.T) *workflow.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	e := &workflow.Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Config: config.Default("test-site"),
		Store:  store,
		Audit:  audit.Writer{DB: conn},
	}
	e.Docs = stubDocs{store: store}

	ctx := context.Background()
	for _, a := range []domain.Actor{
		{ID: adminID, Name: "Site Admin", Role: domain.RoleAdmin, CreatedAt: ts()},
		{ID: inspectorID, Name: "Inspector", Role: domain.RoleInspector, CreatedAt: ts()},
		{ID: engineerID, Name: "Engineer", Role: domain.RoleEngineer, SignatureRef: "sig:eng-1", CreatedAt: ts()},
		{ID: clientID, Name: "Client", Role: domain.RoleClient, CreatedAt: ts()},
	} {
		if err := e.Repo.UpsertActor(ctx, a); err != nil {
			t.Fatalf("seed actor %s: %v", a.ID, err)
		}
	}
	return e
}

func registerDoor(t *testing.T, e *workflow.Engine, serial string) domain.Door {
	t.Helper()
	door, err := e.RegisterDoor(context.Background(), adminID, domain.Door{
		SerialNo:    serial,
		DrawingNo:   "DWG-1",
		WidthMM:     900,
		HeightMM:    2100,
		PressureKPA: 350,
	})
	if err != nil {
		t.Fatalf("register door: %v", err)
	}
	return door
}

// inspect runs a full session, evaluating every template point with the
// given outcome per point id (missing ids default to pass).
func inspect(t *testing.T, e *workflow.Engine, doorID string, outcomes map[string]bool) domain.InspectionSession {
	t.Helper()
	ctx := context.Background()
	session, checks, err := e.StartInspection(ctx, doorID, inspectorID)
	if err != nil {
		t.Fatalf("start inspection: %v", err)
	}
	for _, c := range checks {
		pass, ok := outcomes[c.PointID]
		if !ok {
			pass = true
		}
		if _, err := e.UpdateCheck(ctx, session.ID, c.PointID, pass, "", nil, inspectorID); err != nil {
			t.Fatalf("update check %s: %v", c.PointID, err)
		}
	}
	done, err := e.CompleteInspection(ctx, session.ID, "", inspectorID)
	if err != nil {
		t.Fatalf("complete inspection: %v", err)
	}
	return done
}

// listKeys returns every object in a filesystem store.
func listKeys(t *testing.T, store *storage.FS) []string {
	t.Helper()
	var keys []string
	err := filepath.WalkDir(store.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(store.Root, path)
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk store: %v", err)
	}
	return keys
}

func wantCode(t *testing.T, err error, code workflow.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("want error with code %s, got nil", code)
	}
	if got := workflow.CodeOf(err); got != code {
		t.Fatalf("want code %s, got %s (%v)", code, got, err)
	}
}

func TestRegisterDoorDuplicateSerial(t *testing.T) {
	e := testEngine(t)
	registerDoor(t, e, "PRD-001")
	_, err := e.RegisterDoor(context.Background(), adminID, domain.Door{SerialNo: "PRD-001"})
	wantCode(t, err, workflow.CodeConflict)
}

func TestRegisterDoorRequiresAdmin(t *testing.T) {
	e := testEngine(t)
	_, err := e.RegisterDoor(context.Background(), inspectorID, domain.Door{SerialNo: "PRD-001"})
	wantCode(t, err, workflow.CodeUnauthorized)
}

func TestStartInspectionSeedsChecklist(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")

	session, checks, err := e.StartInspection(ctx, door.ID, inspectorID)
	if err != nil {
		t.Fatalf("start inspection: %v", err)
	}
	points := e.Config.InspectionPoints()
	if len(checks) != len(points) {
		t.Fatalf("want %d checks, got %d", len(points), len(checks))
	}
	for i, c := range checks {
		if c.PointID != points[i].ID {
			t.Errorf("check %d: want point %s, got %s", i, points[i].ID, c.PointID)
		}
		if c.Evaluated() {
			t.Errorf("check %s seeded already evaluated", c.PointID)
		}
	}
	got, err := e.Repo.GetDoor(ctx, door.ID)
	if err != nil {
		t.Fatalf("get door: %v", err)
	}
	if got.InspectionState != domain.InspectionInProgress {
		t.Fatalf("want inspection in_progress, got %s", got.InspectionState)
	}
	if session.Status != domain.SessionInProgress {
		t.Fatalf("want session in_progress, got %s", session.Status)
	}
}

func TestStartInspectionSecondStartConflicts(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")

	if _, _, err := e.StartInspection(ctx, door.ID, inspectorID); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, _, err := e.StartInspection(ctx, door.ID, inspectorID)
	wantCode(t, err, workflow.CodeConflict)
}

func TestSingleActiveSessionEnforcedByIndex(t *testing.T) {
	// The application check above is a courtesy; this pins the store-level
	// guarantee that decides true races.
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	first := domain.InspectionSession{ID: "s-a", DoorID: door.ID, InspectorID: inspectorID, Status: domain.SessionInProgress, StartedAt: ts()}
	second := domain.InspectionSession{ID: "s-b", DoorID: door.ID, InspectorID: inspectorID, Status: domain.SessionInProgress, StartedAt: ts()}
	if err := e.Repo.InsertSessionTx(ctx, tx, first); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err = e.Repo.InsertSessionTx(ctx, tx, second)
	if err == nil || !strings.Contains(err.Error(), "UNIQUE constraint failed") {
		t.Fatalf("want unique violation for second active session, got %v", err)
	}
}

func TestStartInspectionSupersedesPriorSession(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")

	first := inspect(t, e, door.ID, map[string]bool{"seal.integrity": false})
	if _, err := e.OpenForReview(ctx, door.ID, engineerID); err != nil {
		t.Fatalf("open review: %v", err)
	}
	if _, err := e.Reject(ctx, door.ID, engineerID, "seal damaged"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// Rejection leaves the reason in place until the next inspection
	// completes; the inspector works from it.
	rejected, err := e.Repo.GetDoor(ctx, door.ID)
	if err != nil {
		t.Fatalf("get door: %v", err)
	}
	if rejected.CertState != domain.CertRejected || rejected.RejectionReason == nil {
		t.Fatalf("want rejected door with reason, got %s reason=%v", rejected.CertState, rejected.RejectionReason)
	}

	if _, _, err := e.StartInspection(ctx, door.ID, inspectorID); err != nil {
		t.Fatalf("restart inspection: %v", err)
	}
	got, err := e.Repo.GetSession(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first session: %v", err)
	}
	if got.Status != domain.SessionSuperseded {
		t.Fatalf("want first session superseded, got %s", got.Status)
	}
}

func TestStartInspectionRefusesLiveCertificate(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")
	inspect(t, e, door.ID, nil)
	if _, err := e.OpenForReview(ctx, door.ID, engineerID); err != nil {
		t.Fatalf("open review: %v", err)
	}
	if _, err := e.Certify(ctx, door.ID, engineerID, ""); err != nil {
		t.Fatalf("certify: %v", err)
	}

	_, _, err := e.StartInspection(ctx, door.ID, inspectorID)
	wantCode(t, err, workflow.CodeConflict)
}

func TestUpdateCheckUnknownPoint(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")
	session, _, err := e.StartInspection(ctx, door.ID, inspectorID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = e.UpdateCheck(ctx, session.ID, "no.such.point", true, "", nil, inspectorID)
	wantCode(t, err, workflow.CodeNotFound)
}

func TestUpdateCheckClosedSession(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")
	session := inspect(t, e, door.ID, nil)

	_, err := e.UpdateCheck(ctx, session.ID, "frame.alignment", false, "", nil, inspectorID)
	wantCode(t, err, workflow.CodeNotFound)
}

func TestCompleteInspectionRequiresEveryPointEvaluated(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")
	session, checks, err := e.StartInspection(ctx, door.ID, inspectorID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Evaluate all but the last point. A failed evaluation still counts
	// as evaluated; only unset blocks completion.
	for _, c := range checks[:len(checks)-1] {
		if _, err := e.UpdateCheck(ctx, session.ID, c.PointID, false, "", nil, inspectorID); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	_, err = e.CompleteInspection(ctx, session.ID, "", inspectorID)
	wantCode(t, err, workflow.CodePreconditionFailed)

	last := checks[len(checks)-1]
	if _, err := e.UpdateCheck(ctx, session.ID, last.PointID, false, "", nil, inspectorID); err != nil {
		t.Fatalf("update last: %v", err)
	}
	if _, err := e.CompleteInspection(ctx, session.ID, "all points failed", inspectorID); err != nil {
		t.Fatalf("complete with failures: %v", err)
	}
}

func TestCompleteInspectionClearsRejection(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")
	inspect(t, e, door.ID, map[string]bool{"weld.visual": false})
	if _, err := e.OpenForReview(ctx, door.ID, engineerID); err != nil {
		t.Fatalf("open review: %v", err)
	}
	if _, err := e.Reject(ctx, door.ID, engineerID, "weld cracks"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	inspect(t, e, door.ID, nil)

	got, err := e.Repo.GetDoor(ctx, door.ID)
	if err != nil {
		t.Fatalf("get door: %v", err)
	}
	if got.CertState != domain.CertPending {
		t.Fatalf("want certification pending after re-inspection, got %s", got.CertState)
	}
	if got.RejectionReason != nil {
		t.Fatalf("want rejection reason cleared, got %q", *got.RejectionReason)
	}
	if got.InspectionState != domain.InspectionCompleted {
		t.Fatalf("want inspection completed, got %s", got.InspectionState)
	}
}

func TestRoleGates(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")
	inspect(t, e, door.ID, nil)

	if _, _, err := e.StartInspection(ctx, door.ID, engineerID); workflow.CodeOf(err) != workflow.CodeUnauthorized {
		t.Errorf("engineer started inspection: %v", err)
	}
	if _, err := e.OpenForReview(ctx, door.ID, inspectorID); workflow.CodeOf(err) != workflow.CodeUnauthorized {
		t.Errorf("inspector opened review: %v", err)
	}
	if _, err := e.Certify(ctx, door.ID, adminID, ""); workflow.CodeOf(err) != workflow.CodeUnauthorized {
		t.Errorf("admin certified: %v", err)
	}
	if _, err := e.Release(ctx, door.ID, clientID); workflow.CodeOf(err) != workflow.CodeUnauthorized {
		t.Errorf("client released: %v", err)
	}
	if _, _, err := e.Download(ctx, door.ID, engineerID); workflow.CodeOf(err) != workflow.CodeUnauthorized {
		t.Errorf("engineer downloaded: %v", err)
	}
	if _, err := e.Certify(ctx, door.ID, "ghost", ""); workflow.CodeOf(err) != workflow.CodeUnauthorized {
		t.Errorf("unknown actor certified: %v", err)
	}
}

func TestTrailRecordsTransitions(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	door := registerDoor(t, e, "PRD-001")
	inspect(t, e, door.ID, nil)

	entries, err := e.Trail(ctx, door.ID, 50, 0)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	seen := map[string]bool{}
	for _, entry := range entries {
		seen[entry.Transition] = true
	}
	for _, want := range []string{workflow.TransitionRegister, workflow.TransitionInspectionStarted, workflow.TransitionCheckUpdated, workflow.TransitionInspectionComplete} {
		if !seen[want] {
			t.Errorf("trail missing %s", want)
		}
	}
	// Newest first.
	if len(entries) < 2 || entries[0].ID < entries[1].ID {
		t.Errorf("trail not newest-first: %+v", entries)
	}
}
