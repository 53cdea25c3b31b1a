package models

import (
	"time"
)

// VideoStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusErrored    = "errored"
	StatusDeleted    = "deleted"
)

// Video represents a locally tracked video backed by an asset on the
// external hosting platform. MuxUploadID is the correlation key between
// inbound webhook events and this row until the asset exists; MuxAssetID
// takes over afterwards.
type Video struct {
	ID              string    `json:"id"`
	Title           *string   `json:"title,omitempty"`
	Status          string    `json:"status"`
	MuxUploadID     *string   `json:"muxUploadId,omitempty"`
	MuxAssetID      *string   `json:"muxAssetId,omitempty"`
	MuxPlaybackID   *string   `json:"muxPlaybackId,omitempty"`
	DurationSeconds *float64  `json:"durationSeconds,omitempty"`
	ErrorReason     *string   `json:"errorReason,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// FeedItem is the public projection of a ready video served by the feed.
type FeedItem struct {
	ID              string    `json:"id"`
	Title           *string   `json:"title"`
	PlaybackID      *string   `json:"playbackId"`
	DurationSeconds *float64  `json:"durationSeconds"`
	CreatedAt       time.Time `json:"createdAt"`
}
