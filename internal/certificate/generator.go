package certificate

import (
	"context"
	"fmt"
	"time"

	"doorline/internal/storage"
)

// Generator renders a document and writes it to storage, returning the
// storage key. Keys are versioned with a nanosecond timestamp so a
// re-certified door never overwrites a prior document.
type Generator struct {
	Renderer Renderer
	Store    storage.Store
}

func (g Generator) Generate(ctx context.Context, in RenderInput) (string, error) {
	data, err := g.Renderer.Render(in)
	if err != nil {
		return "", fmt.Errorf("render certificate: %w", err)
	}
	key := Key(in.Door.SerialNo, in.IssuedAt)
	if err := g.Store.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("store certificate: %w", err)
	}
	return key, nil
}

// Key returns the storage key for a door's certificate document.
func Key(serialNo string, issuedAt time.Time) string {
	return fmt.Sprintf("certificates/%s/%d.png", serialNo, issuedAt.UnixNano())
}
