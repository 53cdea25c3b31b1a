package webhook

import (
	"context"
	"fmt"
	"log/slog"
)

// VideoRepo is the slice of the video store the dispatcher mutates. Each
// mark operation is a single guarded update keyed by upload id; the guard
// predicates live in the store so concurrent events cannot regress a status.
// The returned count is how many rows matched (0 when the guard or the
// upload id did not).
type VideoRepo interface {
	MarkProcessing(ctx context.Context, uploadID string, assetID *string) (int64, error)
	MarkReady(ctx context.Context, uploadID, assetID string, playbackID *string, duration *float64) (int64, error)
	MarkErrored(ctx context.Context, uploadID string, reason *string) (int64, error)
}

// Dispatcher reduces verified platform events onto video records.
type Dispatcher struct {
	videos VideoRepo
	log    *slog.Logger
}

// NewDispatcher wires a dispatcher to its video repository.
func NewDispatcher(videos VideoRepo, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{videos: videos, log: log}
}

// Handle applies one event's state transition and returns a short note
// describing what changed, suitable for logs and the event row. Unknown
// event types are acknowledged without effect. A ready event with no
// resolvable upload id is an error (the update is keyed on it); an errored
// event without one is a best-effort no-op.
func (d *Dispatcher) Handle(ctx context.Context, evt Event) (string, error) {
	c := Correlate(evt)

	switch evt.Type {
	case TypeUploadAssetCreated, TypeAssetCreated:
		if c.UploadID == "" {
			d.log.Warn("asset created event without upload id", "type", evt.Type, "event_id", evt.ID)
			return fmt.Sprintf("ignored %s: no upload id", evt.Type), nil
		}
		var assetID *string
		if c.AssetID != "" {
			assetID = &c.AssetID
		}
		n, err := d.videos.MarkProcessing(ctx, c.UploadID, assetID)
		if err != nil {
			return "", fmt.Errorf("mark processing upload=%s: %w", c.UploadID, err)
		}
		return fmt.Sprintf("processing (upload=%s, asset=%s, matched=%d)", c.UploadID, c.AssetID, n), nil

	case TypeAssetReady:
		if c.UploadID == "" {
			return "", fmt.Errorf("asset ready event %q has no resolvable upload id", evt.ID)
		}
		if c.AssetID == "" {
			return "", fmt.Errorf("asset ready event %q has no resolvable asset id", evt.ID)
		}
		var playbackID *string
		if len(evt.Data.PlaybackIDs) > 0 && evt.Data.PlaybackIDs[0].ID != "" {
			playbackID = &evt.Data.PlaybackIDs[0].ID
		}
		n, err := d.videos.MarkReady(ctx, c.UploadID, c.AssetID, playbackID, evt.Data.Duration.Float())
		if err != nil {
			return "", fmt.Errorf("mark ready upload=%s: %w", c.UploadID, err)
		}
		pb := "none"
		if playbackID != nil {
			pb = *playbackID
		}
		return fmt.Sprintf("video ready (upload=%s, asset=%s, playback=%s, matched=%d)", c.UploadID, c.AssetID, pb, n), nil

	case TypeAssetErrored:
		if c.UploadID == "" {
			d.log.Warn("asset errored event without upload id", "event_id", evt.ID)
			return "errored event had no upload id; nothing to update", nil
		}
		var reason *string
		if r := ErrorReason(evt.Data.Errors); r != "" {
			reason = &r
		}
		n, err := d.videos.MarkErrored(ctx, c.UploadID, reason)
		if err != nil {
			return "", fmt.Errorf("mark errored upload=%s: %w", c.UploadID, err)
		}
		return fmt.Sprintf("video errored (upload=%s, matched=%d)", c.UploadID, n), nil

	default:
		return fmt.Sprintf("ignored event type: %s", evt.Type), nil
	}
}
