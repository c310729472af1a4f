// Package capture orchestrates one document ingestion: caps, validation,
// event id assignment, transactional persistence, then a best-effort notice
// on the event bus.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trackvision/tv-epcis-repository/bus"
	"github.com/trackvision/tv-epcis-repository/configs"
	"github.com/trackvision/tv-epcis-repository/eventhash"
	"github.com/trackvision/tv-epcis-repository/logger"
	"github.com/trackvision/tv-epcis-repository/storage"
	"github.com/trackvision/tv-epcis-repository/types"
	"github.com/trackvision/tv-epcis-repository/validate"
)

// Handler persists decoded captures.
type Handler struct {
	store storage.Store
	bus   *bus.Bus
	cfg   *configs.Config
}

func NewHandler(store storage.Store, b *bus.Bus, cfg *configs.Config) *Handler {
	return &Handler{store: store, bus: b, cfg: cfg}
}

// Store runs the capture pipeline for one tenant. On return the capture
// carries its assigned captureID, recordTime and row ids.
func (h *Handler) Store(ctx context.Context, tenantID string, capture *types.Capture) error {
	if len(capture.Events) > h.cfg.MaxEventsPerCall {
		return fmt.Errorf("%w: %d events over limit %d",
			types.ErrCaptureLimitExceeded, len(capture.Events), h.cfg.MaxEventsPerCall)
	}

	if err := validate.Capture(capture); err != nil {
		return err
	}

	capture.TenantID = tenantID
	capture.RecordTime = time.Now().UTC()
	if capture.CaptureID == "" {
		capture.CaptureID = uuid.New().String()
	}
	// recordTime is always >= documentTime, clocks of submitters included
	if capture.DocumentTime.IsZero() || capture.DocumentTime.After(capture.RecordTime) {
		capture.DocumentTime = capture.RecordTime
	}
	seen := make(map[string]bool, len(capture.Events))
	var dupes []types.RuleViolation
	for i := range capture.Events {
		if capture.Events[i].EventID == "" {
			capture.Events[i].EventID = eventhash.Hash(&capture.Events[i])
		}
		id := capture.Events[i].EventID
		// identical events without submitted ids hash to the same id, so
		// uniqueness has to be re-checked once every id is assigned
		if seen[id] {
			dupes = append(dupes, types.RuleViolation{
				Rule:    "EventIDUniqueWithinCapture",
				Detail:  fmt.Sprintf("eventID %q appears more than once", id),
				EventID: id,
			})
		}
		seen[id] = true
	}
	if len(dupes) > 0 {
		return &types.ValidationError{Violations: dupes}
	}

	err := h.store.Tx(ctx, func(tx storage.Tx) error {
		return tx.InsertCapture(ctx, capture)
	})
	if err != nil {
		return fmt.Errorf("storing capture %s: %w", capture.CaptureID, err)
	}

	logger.Info("capture stored",
		zap.String("capture_id", capture.CaptureID),
		zap.String("tenant_id", tenantID),
		zap.Int("events", len(capture.Events)),
		zap.Int("master_data", len(capture.MasterData)))

	h.bus.Publish(types.CapturedNotice{
		CaptureID: capture.CaptureID,
		TenantID:  tenantID,
		Events:    len(capture.Events),
	})
	return nil
}
