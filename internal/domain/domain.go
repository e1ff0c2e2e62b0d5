package domain

// Inspection statuses on a door.
const (
	InspectionPending    = "pending"
	InspectionInProgress = "in_progress"
	InspectionCompleted  = "completed"
)

// Certification statuses on a door. The released/downloaded states sit
// strictly after certified and share its artifact-binding rules.
const (
	CertPending     = "pending"
	CertUnderReview = "under_review"
	CertCertified   = "certified"
	CertReleased    = "released"
	CertDownloaded  = "downloaded"
	CertRejected    = "rejected"
)

// Session statuses.
const (
	SessionInProgress = "in_progress"
	SessionCompleted  = "completed"
	SessionSuperseded = "superseded"
)

// Actor roles.
const (
	RoleInspector = "inspector"
	RoleEngineer  = "engineer"
	RoleAdmin     = "admin"
	RoleClient    = "client"
)

// CertifiedFamily reports whether a certification status implies a live
// certificate artifact on record.
func CertifiedFamily(status string) bool {
	return status == CertCertified || status == CertReleased || status == CertDownloaded
}

type Door struct {
	ID              string  `json:"id"`
	SerialNo        string  `json:"serial_no"`
	DrawingNo       string  `json:"drawing_no,omitempty"`
	WidthMM         int     `json:"width_mm,omitempty"`
	HeightMM        int     `json:"height_mm,omitempty"`
	PressureKPA     float64 `json:"pressure_kpa,omitempty"`
	Location        string  `json:"location,omitempty"`
	InspectionState string  `json:"inspection_status" enum:"pending,in_progress,completed"`
	CertState       string  `json:"certification_status" enum:"pending,under_review,certified,released,downloaded,rejected"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type InspectionSession struct {
	ID          string  `json:"id"`
	DoorID      string  `json:"door_id"`
	InspectorID string  `json:"inspector_id"`
	Status      string  `json:"status" enum:"in_progress,completed,superseded"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Notes       string  `json:"notes,omitempty"`
}

type InspectionCheck struct {
	SessionID string  `json:"session_id"`
	PointID   string  `json:"point_id"`
	PointName string  `json:"point_name"`
	Position  int     `json:"position"`
	IsChecked *bool   `json:"is_checked,omitempty"`
	Notes     string  `json:"notes,omitempty"`
	PhotoRef  *string `json:"photo_ref,omitempty"`
	CheckedAt *string `json:"checked_at,omitempty" format:"date-time"`
}

// Evaluated reports whether the check was explicitly set to pass or fail.
func (c InspectionCheck) Evaluated() bool { return c.IsChecked != nil }

// Passed reports an explicit pass.
func (c InspectionCheck) Passed() bool { return c.IsChecked != nil && *c.IsChecked }

type Certificate struct {
	ID         string  `json:"id"`
	DoorID     string  `json:"door_id"`
	SessionID  string  `json:"session_id"`
	EngineerID string  `json:"engineer_id"`
	DocRef     string  `json:"doc_ref"`
	IssuedAt   string  `json:"issued_at" format:"date-time"`
	Signature  *string `json:"signature,omitempty"`
	Superseded bool    `json:"superseded,omitempty"`
}

// LogEntry is one append-only workflow log row. Entries are never mutated
// or deleted.
type LogEntry struct {
	ID         int64   `json:"id"`
	TS         string  `json:"ts" format:"date-time"`
	Transition string  `json:"transition"`
	DoorID     string  `json:"door_id"`
	SessionID  *string `json:"session_id,omitempty"`
	ActorID    string  `json:"actor_id"`
	Payload    string  `json:"payload_json"`
}

type Actor struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Role         string `json:"role" enum:"inspector,engineer,admin,client"`
	SignatureRef string `json:"signature_ref,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// InspectionPoint is one named checklist template point, ordered by
// Position. The template lives in site config and is read-only here.
type InspectionPoint struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Position    int    `json:"position"`
}
