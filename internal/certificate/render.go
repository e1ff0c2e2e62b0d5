// Package certificate renders the immutable certificate document issued
// when an engineer certifies a door, and writes it to document storage.
package certificate

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"doorline/internal/domain"
)

const (
	pageWidth  = 1240
	pageHeight = 1754
	margin     = 90.0
)

// RenderInput carries everything the document shows. The document is a
// snapshot: later changes to the door or checklist never alter it.
type RenderInput struct {
	Title    string
	SiteName string
	Door     domain.Door
	Session  domain.InspectionSession
	Checks   []domain.InspectionCheck
	Engineer domain.Actor
	IssuedAt time.Time
}

// Renderer draws certificate PNGs. An empty FontPath falls back to the
// built-in bitmap face.
type Renderer struct {
	FontPath string
}

func (r Renderer) face(size float64) (font.Face, error) {
	if r.FontPath == "" {
		return basicfont.Face7x13, nil
	}
	data, err := os.ReadFile(r.FontPath)
	if err != nil {
		return nil, fmt.Errorf("read font %s: %w", r.FontPath, err)
	}
	parsed, err := truetype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font %s: %w", r.FontPath, err)
	}
	return truetype.NewFace(parsed, &truetype.Options{Size: size, DPI: 72}), nil
}

// Render produces the certificate document as PNG bytes.
func (r Renderer) Render(in RenderInput) ([]byte, error) {
	title := in.Title
	if title == "" {
		title = "Pressure Door Certificate of Conformity"
	}

	dc := gg.NewContext(pageWidth, pageHeight)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	dc.SetRGB(0.1, 0.1, 0.1)
	dc.SetLineWidth(3)
	dc.DrawRectangle(margin/2, margin/2, pageWidth-margin, pageHeight-margin)
	dc.Stroke()

	titleFace, err := r.face(40)
	if err != nil {
		return nil, err
	}
	bodyFace, err := r.face(22)
	if err != nil {
		return nil, err
	}

	dc.SetFontFace(titleFace)
	dc.DrawStringAnchored(title, pageWidth/2, margin+60, 0.5, 0.5)
	if in.SiteName != "" {
		dc.SetFontFace(bodyFace)
		dc.DrawStringAnchored(in.SiteName, pageWidth/2, margin+110, 0.5, 0.5)
	}

	dc.SetFontFace(bodyFace)
	y := margin + 200.0
	line := func(format string, args ...any) {
		dc.DrawString(fmt.Sprintf(format, args...), margin, y)
		y += 36
	}

	line("Serial no:       %s", in.Door.SerialNo)
	if in.Door.DrawingNo != "" {
		line("Drawing no:      %s", in.Door.DrawingNo)
	}
	if in.Door.WidthMM > 0 && in.Door.HeightMM > 0 {
		line("Dimensions:      %d x %d mm", in.Door.WidthMM, in.Door.HeightMM)
	}
	if in.Door.PressureKPA > 0 {
		line("Rated pressure:  %.1f kPa", in.Door.PressureKPA)
	}
	if in.Door.Location != "" {
		line("Location:        %s", in.Door.Location)
	}
	line("Inspection:      %s, completed %s", in.Session.ID, deref(in.Session.CompletedAt))
	line("Inspector:       %s", in.Session.InspectorID)
	y += 24

	line("Inspection checklist:")
	for _, check := range in.Checks {
		mark := "FAIL"
		if check.Passed() {
			mark = "PASS"
		}
		line("  [%s] %s", mark, check.PointName)
		if check.Notes != "" {
			line("         note: %s", check.Notes)
		}
	}
	y += 48

	line("Certified by:    %s", engineerLabel(in.Engineer))
	line("Issued at:       %s", in.IssuedAt.UTC().Format(time.RFC3339))

	// Signature line near the bottom.
	sy := float64(pageHeight) - margin - 120
	dc.SetLineWidth(1.5)
	dc.DrawLine(margin, sy, margin+420, sy)
	dc.Stroke()
	dc.DrawString("Certifying engineer", margin, sy+30)
	if in.Engineer.SignatureRef != "" {
		dc.DrawString(in.Engineer.SignatureRef, margin, sy-14)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode certificate png: %w", err)
	}
	return buf.Bytes(), nil
}

func engineerLabel(a domain.Actor) string {
	if a.Name != "" {
		return fmt.Sprintf("%s (%s)", a.Name, a.ID)
	}
	return a.ID
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
