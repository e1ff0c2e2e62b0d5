package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

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

const testJWTSecret = "test-secret"

func newTestServer(t *testing.T) (http.Handler, *workflow.Engine) {
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
		Docs:   certificate.Generator{Store: store},
		Audit:  audit.Writer{DB: conn},
	}
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, a := range []domain.Actor{
		{ID: "adm-1", Role: domain.RoleAdmin, CreatedAt: now},
		{ID: "ins-1", Role: domain.RoleInspector, CreatedAt: now},
		{ID: "eng-1", Role: domain.RoleEngineer, CreatedAt: now},
		{ID: "cli-1", Role: domain.RoleClient, CreatedAt: now},
	} {
		if err := e.Repo.UpsertActor(ctx, a); err != nil {
			t.Fatalf("seed actor: %v", err)
		}
	}
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: testJWTSecret, AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return handler, e
}

func doJSON(t *testing.T, h http.Handler, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestFullPipelineOverHTTP(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/doors", "adm-1", RegisterDoorRequest{SerialNo: "PRD-0042", PressureKPA: 350})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	door := decode[domain.Door](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/v1/doors/"+door.ID+"/inspection", "ins-1", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start inspection: %d %s", rec.Code, rec.Body.String())
	}
	session := decode[SessionResponse](t, rec)
	if len(session.Checks) == 0 {
		t.Fatalf("no checks seeded")
	}

	yes := true
	for _, c := range session.Checks {
		rec = doJSON(t, h, http.MethodPatch,
			fmt.Sprintf("/v1/inspections/%s/checks/%s", session.Session.ID, c.PointID),
			"ins-1", UpdateCheckRequest{IsChecked: &yes})
		if rec.Code != http.StatusOK {
			t.Fatalf("update check %s: %d %s", c.PointID, rec.Code, rec.Body.String())
		}
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/inspections/"+session.Session.ID+"/complete", "ins-1", CompleteInspectionRequest{})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/doors/"+door.ID+"/review", "eng-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("review: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/doors/"+door.ID+"/certify", "eng-1", CertifyRequest{Signature: "sig"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("certify: %d %s", rec.Code, rec.Body.String())
	}
	cert := decode[domain.Certificate](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/v1/doors/"+door.ID+"/release", "adm-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("release: %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/doors/"+door.ID+"/certificate/document", nil)
	req.Header.Set("X-Actor-Id", "cli-1")
	docRec := httptest.NewRecorder()
	h.ServeHTTP(docRec, req)
	if docRec.Code != http.StatusOK {
		t.Fatalf("document: %d %s", docRec.Code, docRec.Body.String())
	}
	if ct := docRec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("document content type: %s", ct)
	}
	if docRec.Body.Len() == 0 {
		t.Fatalf("empty document")
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/doors/"+door.ID, "adm-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get door: %d", rec.Code)
	}
	status := decode[workflow.DoorStatus](t, rec)
	if status.Door.CertState != domain.CertDownloaded {
		t.Fatalf("want downloaded, got %s", status.Door.CertState)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/certificates/"+cert.ID, "adm-1", nil)
	if rec.Code != http.StatusNoContent && rec.Code != http.StatusOK {
		t.Fatalf("delete certificate: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/doors/"+door.ID+"/log", "adm-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("log: %d", rec.Code)
	}
	trail := decode[TrailResponse](t, rec)
	if len(trail.Items) == 0 {
		t.Fatalf("empty trail")
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/v1/doors", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", rec.Code)
	}
	// Health stays open.
	rec = doJSON(t, h, http.MethodGet, "/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
}

func TestWrongRoleMapsToForbidden(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/doors", "cli-1", RegisterDoorRequest{SerialNo: "PRD-0001"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("want 403, got %d %s", rec.Code, rec.Body.String())
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("want forbidden code, got %s", envelope.Error.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	h, _ := newTestServer(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "adm-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	body, _ := json.Marshal(RegisterDoorRequest{SerialNo: "PRD-0009"})
	req := httptest.NewRequest(http.MethodPost, "/v1/doors", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("jwt register: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/doors", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	h, e := newTestServer(t)
	key := "dl_" + uuid.NewString()
	err := e.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   "ins-1",
		Name:      "test key",
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/doors", nil)
	req.Header.Set("X-Api-Key", key)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("api key list: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/doors", nil)
	req.Header.Set("X-Api-Key", "unknown")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown key: %d", rec.Code)
	}
}
