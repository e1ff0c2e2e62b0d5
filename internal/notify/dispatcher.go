// Package notify delivers workflow transitions to configured webhook
// channels. The dispatcher polls the workflow log with one cursor per
// channel, so every transition is observed post-commit and a slow or
// failing endpoint only stalls its own channel. Delivery is best
// effort: failures are logged and retried on the next poll, never
// surfaced to the actor who drove the transition.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"doorline/internal/config"
	"doorline/internal/domain"
	"doorline/internal/repo"
	"doorline/internal/workflow"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// audienceTransitions maps a channel audience role to the transitions
// that role acts on. A hook may also name transitions directly; the
// union applies.
var audienceTransitions = map[string][]string{
	domain.RoleInspector: {workflow.TransitionRegister, workflow.TransitionRejected, workflow.TransitionClientRejected},
	domain.RoleEngineer:  {workflow.TransitionInspectionComplete, workflow.TransitionClientRejected},
	domain.RoleAdmin:     {workflow.TransitionCertified, workflow.TransitionRejected, workflow.TransitionCertDeleted},
	domain.RoleClient:    {workflow.TransitionReleased},
}

type Dispatcher struct {
	Repo     repo.Repo
	SiteID   string
	Webhooks []config.WebhookConfig
	Log      *zap.SugaredLogger
	Interval time.Duration

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func New(r repo.Repo, cfg *config.Config, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		Repo:     r,
		SiteID:   cfg.Site.ID,
		Webhooks: cfg.Webhooks,
		Log:      log,
		client:   &http.Client{Timeout: defaultTimeout},
		cursors:  make(map[int]int64),
	}
}

// Start polls until the context is cancelled. No-op without channels.
func (d *Dispatcher) Start(ctx context.Context) {
	if len(d.Webhooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			d.DispatchPending(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// DispatchPending runs one delivery pass over every enabled channel.
func (d *Dispatcher) DispatchPending(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchChannel(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchChannel(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.Repo.LogAfter(ctx, defaultBatch, cursor)
	if err != nil {
		d.log().Warnw("webhook: fetch log entries failed", "error", err)
		return
	}
	filter := newFilter(hook)
	for _, entry := range entries {
		if !filter.match(entry.Transition) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.post(ctx, hook, entry); err != nil {
			d.log().Warnw("webhook: delivery failed, will retry",
				"url", hook.URL, "transition", entry.Transition, "error", err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

// cursorFor initializes a channel at the current log head so a freshly
// configured channel does not replay history.
func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Repo.LatestLogID(ctx)
	if err != nil {
		d.log().Warnw("webhook: init cursor failed", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *Dispatcher) log() *zap.SugaredLogger {
	if d.Log != nil {
		return d.Log
	}
	return zap.NewNop().Sugar()
}

type event struct {
	ID         int64           `json:"id"`
	Transition string          `json:"transition"`
	SiteID     string          `json:"site_id"`
	DoorID     string          `json:"door_id"`
	SessionID  *string         `json:"session_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, entry domain.LogEntry) error {
	payload := json.RawMessage(`{}`)
	if json.Valid([]byte(entry.Payload)) {
		payload = json.RawMessage(entry.Payload)
	}
	data, err := json.Marshal(event{
		ID:         entry.ID,
		Transition: entry.Transition,
		SiteID:     d.SiteID,
		DoorID:     entry.DoorID,
		SessionID:  entry.SessionID,
		ActorID:    entry.ActorID,
		TS:         entry.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Doorline-Transition", entry.Transition)
	req.Header.Set("X-Doorline-Delivery", fmt.Sprintf("%d", entry.ID))
	req.Header.Set("X-Doorline-Site", d.SiteID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Doorline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type transitionFilter struct {
	all bool
	set map[string]struct{}
}

func newFilter(hook config.WebhookConfig) transitionFilter {
	set := make(map[string]struct{})
	for _, role := range hook.Audience {
		for _, tr := range audienceTransitions[role] {
			set[tr] = struct{}{}
		}
	}
	for _, tr := range hook.Transitions {
		if key := strings.TrimSpace(tr); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return transitionFilter{all: true}
	}
	return transitionFilter{set: set}
}

func (f transitionFilter) match(transition string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[transition]
	return ok
}
