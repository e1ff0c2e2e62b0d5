package doorlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Doorline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Door represents the API door model.
type Door struct {
	ID              string  `json:"id"`
	SerialNo        string  `json:"serial_no"`
	DrawingNo       string  `json:"drawing_no"`
	WidthMM         int     `json:"width_mm"`
	HeightMM        int     `json:"height_mm"`
	PressureKPA     float64 `json:"pressure_kpa"`
	Location        string  `json:"location"`
	InspectionState string  `json:"inspection_status"`
	CertState       string  `json:"certification_status"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
}

// Session represents an inspection session.
type Session struct {
	ID          string  `json:"id"`
	DoorID      string  `json:"door_id"`
	InspectorID string  `json:"inspector_id"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

// Check represents one checklist point evaluation.
type Check struct {
	SessionID string  `json:"session_id"`
	PointID   string  `json:"point_id"`
	PointName string  `json:"point_name"`
	Position  int     `json:"position"`
	IsChecked *bool   `json:"is_checked,omitempty"`
	Notes     string  `json:"notes,omitempty"`
	PhotoRef  *string `json:"photo_ref,omitempty"`
}

// Certificate represents an issued certificate record.
type Certificate struct {
	ID         string  `json:"id"`
	DoorID     string  `json:"door_id"`
	SessionID  string  `json:"session_id"`
	EngineerID string  `json:"engineer_id"`
	DocRef     string  `json:"doc_ref"`
	IssuedAt   string  `json:"issued_at"`
	Signature  *string `json:"signature,omitempty"`
	Superseded bool    `json:"superseded,omitempty"`
}

// DoorStatus is the aggregate view of a door.
type DoorStatus struct {
	Door        Door         `json:"door"`
	Session     *Session     `json:"session,omitempty"`
	Checks      []Check      `json:"checks,omitempty"`
	Certificate *Certificate `json:"certificate,omitempty"`
}

// LogEntry represents a workflow log record.
type LogEntry struct {
	ID         int64   `json:"id"`
	TS         string  `json:"ts"`
	Transition string  `json:"transition"`
	DoorID     string  `json:"door_id"`
	SessionID  *string `json:"session_id,omitempty"`
	ActorID    string  `json:"actor_id"`
	Payload    string  `json:"payload_json"`
}

// PaginatedLog wraps log listings with an id cursor.
type PaginatedLog struct {
	Items      []LogEntry `json:"items"`
	NextCursor int64      `json:"next_cursor,omitempty"`
}

// RegisterDoorInput holds the writable door fields.
type RegisterDoorInput struct {
	SerialNo    string  `json:"serial_no"`
	DrawingNo   string  `json:"drawing_no,omitempty"`
	WidthMM     int     `json:"width_mm,omitempty"`
	HeightMM    int     `json:"height_mm,omitempty"`
	PressureKPA float64 `json:"pressure_kpa,omitempty"`
	Location    string  `json:"location,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterDoor registers a door.
func (c *Client) RegisterDoor(ctx context.Context, in RegisterDoorInput) (Door, error) {
	var resp Door
	err := c.do(ctx, http.MethodPost, "v1/doors", in, &resp)
	return resp, err
}

// GetDoor returns the aggregate status of a door.
func (c *Client) GetDoor(ctx context.Context, doorID string) (DoorStatus, error) {
	var resp DoorStatus
	err := c.do(ctx, http.MethodGet, c.doorPath(doorID, ""), nil, &resp)
	return resp, err
}

// ListDoors lists doors, optionally filtered by status.
func (c *Client) ListDoors(ctx context.Context, inspectionStatus, certificationStatus string) ([]Door, error) {
	endpoint := "v1/doors"
	q := url.Values{}
	if inspectionStatus != "" {
		q.Set("inspection_status", inspectionStatus)
	}
	if certificationStatus != "" {
		q.Set("certification_status", certificationStatus)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Door
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StartInspection opens an inspection session on a door.
func (c *Client) StartInspection(ctx context.Context, doorID string) (Session, []Check, error) {
	var resp struct {
		Session Session `json:"session"`
		Checks  []Check `json:"checks"`
	}
	err := c.do(ctx, http.MethodPost, c.doorPath(doorID, "inspection"), nil, &resp)
	return resp.Session, resp.Checks, err
}

// UpdateCheck records one checklist point evaluation.
func (c *Client) UpdateCheck(ctx context.Context, sessionID, pointID string, isChecked bool, notes, photoRef string) (Check, error) {
	body := map[string]any{"is_checked": isChecked}
	if notes != "" {
		body["notes"] = notes
	}
	if photoRef != "" {
		body["photo_ref"] = photoRef
	}
	endpoint := fmt.Sprintf("v1/inspections/%s/checks/%s", url.PathEscape(sessionID), url.PathEscape(pointID))
	var resp Check
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// CompleteInspection completes a session once every point is evaluated.
func (c *Client) CompleteInspection(ctx context.Context, sessionID, notes string) (Session, error) {
	body := map[string]any{}
	if notes != "" {
		body["notes"] = notes
	}
	endpoint := fmt.Sprintf("v1/inspections/%s/complete", url.PathEscape(sessionID))
	var resp Session
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// OpenForReview moves a completed inspection to engineering review.
func (c *Client) OpenForReview(ctx context.Context, doorID string) (Door, error) {
	var resp Door
	err := c.do(ctx, http.MethodPost, c.doorPath(doorID, "review"), nil, &resp)
	return resp, err
}

// Certify certifies a door and issues its certificate.
func (c *Client) Certify(ctx context.Context, doorID, signature string) (Certificate, error) {
	body := map[string]any{}
	if signature != "" {
		body["signature"] = signature
	}
	var resp Certificate
	err := c.do(ctx, http.MethodPost, c.doorPath(doorID, "certify"), body, &resp)
	return resp, err
}

// Reject rejects a door under review.
func (c *Client) Reject(ctx context.Context, doorID, reason string) (Door, error) {
	var resp Door
	err := c.do(ctx, http.MethodPost, c.doorPath(doorID, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Release releases a certified door's certificate to the client.
func (c *Client) Release(ctx context.Context, doorID string) (Door, error) {
	var resp Door
	err := c.do(ctx, http.MethodPost, c.doorPath(doorID, "release"), nil, &resp)
	return resp, err
}

// Download marks the certificate downloaded and returns its record.
// Use Document to fetch the rendered file itself.
func (c *Client) Download(ctx context.Context, doorID string) (Certificate, error) {
	var resp Certificate
	err := c.do(ctx, http.MethodPost, c.doorPath(doorID, "download"), nil, &resp)
	return resp, err
}

// Document fetches the rendered certificate document.
func (c *Client) Document(ctx context.Context, doorID string) ([]byte, error) {
	return c.raw(ctx, http.MethodGet, c.doorPath(doorID, "certificate/document"))
}

// ClientReject records a client-side rejection of a released certificate.
func (c *Client) ClientReject(ctx context.Context, doorID, reason string) (Door, error) {
	var resp Door
	err := c.do(ctx, http.MethodPost, c.doorPath(doorID, "client-reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// DeleteCertificate removes a certificate record and its document.
func (c *Client) DeleteCertificate(ctx context.Context, certID string) error {
	endpoint := fmt.Sprintf("v1/certificates/%s", url.PathEscape(certID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Log returns a door's workflow log newest first.
func (c *Client) Log(ctx context.Context, doorID string, limit int, cursor int64) (PaginatedLog, error) {
	endpoint := c.doorPath(doorID, "log")
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprint(cursor))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedLog
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) raw(ctx context.Context, method, endpoint string) ([]byte, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) doorPath(doorID, p string) string {
	endpoint := fmt.Sprintf("v1/doors/%s", url.PathEscape(doorID))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
