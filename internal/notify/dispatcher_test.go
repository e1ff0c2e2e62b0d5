package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doorline/internal/audit"
	"doorline/internal/config"
	"doorline/internal/db"
	"doorline/internal/migrate"
	"doorline/internal/repo"
	"doorline/internal/workflow"
)

type sink struct {
	mu        sync.Mutex
	events    []event
	failFirst bool
	calls     int
}

func (s *sink) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls++
		if s.failFirst && s.calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var evt event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		assert.Equal(t, evt.Transition, r.Header.Get("X-Doorline-Transition"))
		s.events = append(s.events, evt)
	}
}

func (s *sink) received() []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event(nil), s.events...)
}

func testDispatcher(t *testing.T, hooks ...config.WebhookConfig) (*Dispatcher, audit.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default("test-site")
	cfg.Webhooks = hooks
	return New(repo.Repo{DB: conn}, cfg, nil), audit.Writer{DB: conn}
}

func TestDispatcherDeliversNewEntries(t *testing.T) {
	ctx := context.Background()
	s := &sink{}
	srv := httptest.NewServer(s.handler(t))
	defer srv.Close()

	d, writer := testDispatcher(t, config.WebhookConfig{URL: srv.URL, Secret: "hook-secret"})

	// First pass pins the cursor at the current head; history before a
	// channel existed is not replayed.
	d.DispatchPending(ctx)

	require.NoError(t, writer.Append(ctx, workflow.TransitionCertified, "d1", "s1", "eng-1", audit.Payload{"certificate_id": "c1"}))
	require.NoError(t, writer.Append(ctx, workflow.TransitionReleased, "d1", "", "adm-1", nil))
	d.DispatchPending(ctx)

	got := s.received()
	require.Len(t, got, 2)
	assert.Equal(t, workflow.TransitionCertified, got[0].Transition)
	assert.Equal(t, workflow.TransitionReleased, got[1].Transition)
	assert.Equal(t, "test-site", got[0].SiteID)
	assert.Equal(t, "d1", got[0].DoorID)

	// Nothing new, nothing delivered.
	d.DispatchPending(ctx)
	assert.Len(t, s.received(), 2)
}

func TestDispatcherAudienceFilter(t *testing.T) {
	ctx := context.Background()
	s := &sink{}
	srv := httptest.NewServer(s.handler(t))
	defer srv.Close()

	d, writer := testDispatcher(t, config.WebhookConfig{URL: srv.URL, Audience: []string{"client"}})
	d.DispatchPending(ctx)

	require.NoError(t, writer.Append(ctx, workflow.TransitionCertified, "d1", "", "eng-1", nil))
	require.NoError(t, writer.Append(ctx, workflow.TransitionReleased, "d1", "", "adm-1", nil))
	d.DispatchPending(ctx)

	got := s.received()
	require.Len(t, got, 1)
	assert.Equal(t, workflow.TransitionReleased, got[0].Transition)
}

func TestDispatcherRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	s := &sink{failFirst: true}
	srv := httptest.NewServer(s.handler(t))
	defer srv.Close()

	d, writer := testDispatcher(t, config.WebhookConfig{URL: srv.URL})
	d.DispatchPending(ctx)

	require.NoError(t, writer.Append(ctx, workflow.TransitionRejected, "d1", "", "eng-1", audit.Payload{"reason": "seal"}))

	// First delivery fails; the cursor stays put.
	d.DispatchPending(ctx)
	assert.Empty(t, s.received())

	// Next pass redelivers the same entry.
	d.DispatchPending(ctx)
	got := s.received()
	require.Len(t, got, 1)
	assert.Equal(t, workflow.TransitionRejected, got[0].Transition)
}
