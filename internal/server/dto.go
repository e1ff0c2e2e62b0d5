package server

import "doorline/internal/domain"

type RegisterDoorRequest struct {
	SerialNo    string  `json:"serial_no" example:"PRD-0042"`
	DrawingNo   string  `json:"drawing_no,omitempty"`
	WidthMM     int     `json:"width_mm,omitempty"`
	HeightMM    int     `json:"height_mm,omitempty"`
	PressureKPA float64 `json:"pressure_kpa,omitempty"`
	Location    string  `json:"location,omitempty"`
}

type UpdateCheckRequest struct {
	IsChecked *bool   `json:"is_checked"`
	Notes     string  `json:"notes,omitempty"`
	PhotoRef  *string `json:"photo_ref,omitempty"`
}

type CompleteInspectionRequest struct {
	Notes string `json:"notes,omitempty"`
}

type CertifyRequest struct {
	Signature string `json:"signature,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason" example:"seal damaged at lower hinge"`
}

type UpsertActorRequest struct {
	ID           string `json:"id" example:"eng-1"`
	Name         string `json:"name,omitempty"`
	Role         string `json:"role" enum:"inspector,engineer,admin,client"`
	SignatureRef string `json:"signature_ref,omitempty"`
}

type SessionResponse struct {
	Session domain.InspectionSession `json:"session"`
	Checks  []domain.InspectionCheck `json:"checks"`
}

type TrailResponse struct {
	Items      []domain.LogEntry `json:"items"`
	NextCursor int64             `json:"next_cursor,omitempty"`
}
