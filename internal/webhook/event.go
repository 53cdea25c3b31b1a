package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Provider tags every stored event with its source.
const Provider = "mux"

// Well-known event types. Anything else is acknowledged and ignored.
const (
	TypeUploadAssetCreated = "video.upload.asset_created"
	TypeAssetCreated       = "video.asset.created"
	TypeAssetReady         = "video.asset.ready"
	TypeAssetErrored       = "video.asset.errored"
)

// Event is the raw envelope the platform delivers. Field placement is not
// uniform across event types, so correlation ids are resolved through
// Correlate rather than read directly.
type Event struct {
	ID     string       `json:"id"`
	Type   string       `json:"type"`
	Data   EventData    `json:"data"`
	Object *EventObject `json:"object"`
}

// EventData carries the type-specific payload.
type EventData struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	UploadID    string          `json:"upload_id"`
	AssetID     string          `json:"asset_id"`
	PlaybackIDs []PlaybackID    `json:"playback_ids"`
	Duration    looseFloat      `json:"duration"`
	Errors      json.RawMessage `json:"errors"`
}

// looseFloat decodes a JSON number and treats every other shape (string,
// null, object) as absent. Senders have shipped duration as a quoted string;
// that must not fail the whole envelope decode.
type looseFloat struct {
	val *float64
}

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	var v float64
	if err := json.Unmarshal(b, &v); err == nil {
		f.val = &v
	}
	return nil
}

// Float returns the decoded value, or nil when absent or non-numeric.
func (f looseFloat) Float() *float64 { return f.val }

// EventObject is the optional top-level object reference some types wrap.
type EventObject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PlaybackID names one playback endpoint on an asset.
type PlaybackID struct {
	ID     string `json:"id"`
	Policy string `json:"policy"`
}

// ParseEvent decodes raw webhook bytes into an Event, requiring at least a
// type field.
func ParseEvent(raw []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("decode webhook payload: %w", err)
	}
	if evt.Type == "" {
		return Event{}, fmt.Errorf("webhook payload missing type")
	}
	return evt, nil
}

// PayloadSHA256 content-addresses a raw payload for the archive table.
func PayloadSHA256(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// EventID returns the platform-assigned event id, or a synthetic hash-derived
// id when the sender omitted one (hand-built dev payloads do).
func EventID(evt Event, payloadSHA string) string {
	if evt.ID != "" {
		return evt.ID
	}
	return "sha:" + payloadSHA
}

// Correlation holds the upload/asset references resolved from an event.
type Correlation struct {
	UploadID string
	AssetID  string
}

// Correlate resolves the upload and asset ids an event concerns. The schema
// places them differently per event type, so three lookup paths are tried in
// order: explicit data.upload_id/data.asset_id fields (with data.id as the
// asset id for asset.* events), the object.{type,id} wrapper, and finally a
// bare data.id.
func Correlate(evt Event) Correlation {
	c := Correlation{
		UploadID: evt.Data.UploadID,
		AssetID:  evt.Data.AssetID,
	}
	if c.AssetID == "" && evt.Data.ID != "" {
		switch {
		case strings.HasPrefix(evt.Type, "video.asset."):
			c.AssetID = evt.Data.ID
		case strings.HasPrefix(evt.Type, "video.upload."):
			// data.id on upload.* events is the asset created from the
			// upload, except for upload-scoped notices where it is the
			// upload itself.
			if evt.Type == TypeUploadAssetCreated {
				c.AssetID = evt.Data.ID
			} else if c.UploadID == "" {
				c.UploadID = evt.Data.ID
			}
		}
	}

	if evt.Object != nil && evt.Object.ID != "" {
		switch evt.Object.Type {
		case "upload":
			if c.UploadID == "" {
				c.UploadID = evt.Object.ID
			}
		case "asset", "video":
			if c.AssetID == "" {
				c.AssetID = evt.Object.ID
			}
		}
	}

	if c.UploadID == "" && c.AssetID == "" && evt.Data.ID != "" {
		c.AssetID = evt.Data.ID
	}
	return c
}

// ObjectRef is the best-effort (type, id) pair recorded on the event row.
// Asset context wins over upload context when both are present.
func ObjectRef(evt Event) (objectType, objectID *string) {
	c := Correlate(evt)
	if c.AssetID != "" {
		t, id := "asset", c.AssetID
		return &t, &id
	}
	if c.UploadID != "" {
		t, id := "upload", c.UploadID
		return &t, &id
	}
	return nil, nil
}

// errorsPayload matches the structured form of data.errors.
type errorsPayload struct {
	Type     string   `json:"type"`
	Messages []string `json:"messages"`
}

// ErrorReason derives a human-readable reason from data.errors, which the
// platform sends as a plain string, a {messages:[...]} list, or a {type} tag.
// First available form wins; empty when nothing usable is present.
func ErrorReason(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var p errorsPayload
	if err := json.Unmarshal(raw, &p); err == nil {
		if len(p.Messages) > 0 {
			return strings.Join(p.Messages, "; ")
		}
		if p.Type != "" {
			return p.Type
		}
	}
	return ""
}
