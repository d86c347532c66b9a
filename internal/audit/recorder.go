package audit

import (
	"context"
	"log/slog"

	"github.com/packregistry/packregistry/internal/db/models"
)

// Store persists audit entries.
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Recorder writes entries to the store and then forwards them to the shipper.
// A failed database write is returned and the entry is not shipped; shipping
// failures are only logged.
type Recorder struct {
	store   Store
	shipper Shipper
}

// NewRecorder creates a Recorder. shipper may be nil.
func NewRecorder(store Store, shipper Shipper) *Recorder {
	return &Recorder{store: store, shipper: shipper}
}

// CreateAuditLog implements middleware.AuditRecorder.
func (r *Recorder) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	if err := r.store.CreateAuditLog(ctx, entry); err != nil {
		return err
	}
	if r.shipper == nil {
		return nil
	}
	if err := r.shipper.Ship(ctx, entry); err != nil {
		slog.Warn("failed to ship audit entry", "action", entry.Action, "error", err)
	}
	return nil
}
