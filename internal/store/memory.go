package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cnm4us/mux/internal/models"
)

// Memory is an in-process implementation of the same contracts as Store,
// used by tests and the PERSISTENCE=memory dev mode. It enforces the same
// status guards as the SQL predicates, which are the authoritative behavior.
type Memory struct {
	mu       sync.Mutex
	videos   map[string]*models.Video // by video id
	byUpload map[string]string        // upload id -> video id
	events   map[string]*models.WebhookEvent
	payloads map[string][]byte
	nextID   int64
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		videos:   make(map[string]*models.Video),
		byUpload: make(map[string]string),
		events:   make(map[string]*models.WebhookEvent),
		payloads: make(map[string][]byte),
	}
}

func eventKey(provider, eventID string) string { return provider + "\x00" + eventID }
func payloadKey(provider, sha string) string   { return provider + "\x00" + sha }

// --- videos ---

func (m *Memory) CreateVideo(ctx context.Context, title *string) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	v := &models.Video{
		ID:        uuid.New().String(),
		Title:     title,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.videos[v.ID] = v
	return *v, nil
}

func (m *Memory) LinkUpload(ctx context.Context, videoID, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[videoID]
	if !ok || v.MuxUploadID != nil {
		return ErrNotFound
	}
	v.MuxUploadID = &uploadID
	v.UpdatedAt = time.Now().UTC()
	m.byUpload[uploadID] = videoID
	return nil
}

func (m *Memory) MarkProcessing(ctx context.Context, uploadID string, assetID *string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.byUploadLocked(uploadID)
	if v == nil || (v.Status != models.StatusPending && v.Status != models.StatusProcessing) {
		return 0, nil
	}
	if assetID != nil {
		v.MuxAssetID = assetID
	}
	v.Status = models.StatusProcessing
	v.UpdatedAt = time.Now().UTC()
	return 1, nil
}

func (m *Memory) MarkReady(ctx context.Context, uploadID, assetID string, playbackID *string, duration *float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.byUploadLocked(uploadID)
	if v == nil || v.Status == models.StatusDeleted {
		return 0, nil
	}
	v.MuxAssetID = &assetID
	if playbackID != nil {
		v.MuxPlaybackID = playbackID
	}
	if duration != nil {
		v.DurationSeconds = duration
	}
	v.Status = models.StatusReady
	v.ErrorReason = nil
	v.UpdatedAt = time.Now().UTC()
	return 1, nil
}

func (m *Memory) MarkErrored(ctx context.Context, uploadID string, reason *string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.byUploadLocked(uploadID)
	if v == nil || v.Status == models.StatusReady || v.Status == models.StatusDeleted {
		return 0, nil
	}
	if reason != nil {
		v.ErrorReason = reason
	}
	v.Status = models.StatusErrored
	v.UpdatedAt = time.Now().UTC()
	return 1, nil
}

func (m *Memory) SoftDelete(ctx context.Context, videoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[videoID]
	if !ok {
		return ErrNotFound
	}
	if v.Status != models.StatusDeleted {
		v.Status = models.StatusDeleted
		v.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) GetVideo(ctx context.Context, id string) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.videos[id]; ok {
		return *v, nil
	}
	return models.Video{}, ErrNotFound
}

func (m *Memory) GetVideoByUploadID(ctx context.Context, uploadID string) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.byUploadLocked(uploadID); v != nil {
		return *v, nil
	}
	return models.Video{}, ErrNotFound
}

func (m *Memory) ListFeedPage(ctx context.Context, limit int, cursor *FeedCursor) ([]models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ready []models.Video
	for _, v := range m.videos {
		if v.Status == models.StatusReady {
			ready = append(ready, *v)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.After(ready[j].CreatedAt)
		}
		return ready[i].ID > ready[j].ID
	})
	var out []models.Video
	for _, v := range ready {
		if cursor != nil {
			after := v.CreatedAt.After(cursor.CreatedAt) ||
				(v.CreatedAt.Equal(cursor.CreatedAt) && v.ID >= cursor.ID)
			if after {
				continue
			}
		}
		out = append(out, v)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) byUploadLocked(uploadID string) *models.Video {
	if uploadID == "" {
		return nil
	}
	id, ok := m.byUpload[uploadID]
	if !ok {
		return nil
	}
	return m.videos[id]
}

// --- webhook events ---

func (m *Memory) ArchivePayload(ctx context.Context, provider, payloadSHA string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := payloadKey(provider, payloadSHA)
	if _, ok := m.payloads[key]; ok {
		return nil
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.payloads[key] = cp
	return nil
}

func (m *Memory) InsertReceived(ctx context.Context, e models.WebhookEvent) (InsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := eventKey(e.Provider, e.EventID)
	if _, ok := m.events[key]; ok {
		return OutcomeDuplicate, nil
	}
	m.nextID++
	e.ID = m.nextID
	e.Handled = false
	e.ReceivedAt = time.Now().UTC()
	m.events[key] = &e
	return OutcomeInserted, nil
}

func (m *Memory) MarkHandled(ctx context.Context, provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[eventKey(provider, eventID)]; ok {
		now := time.Now().UTC()
		e.Handled = true
		e.HandledAt = &now
	}
	return nil
}

func (m *Memory) GetEvent(ctx context.Context, provider, eventID string) (models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[eventKey(provider, eventID)]; ok {
		return *e, nil
	}
	return models.WebhookEvent{}, ErrNotFound
}

func (m *Memory) ListUnhandled(ctx context.Context, provider string, limit int) ([]models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WebhookEvent
	for _, e := range m.events {
		if e.Provider == provider && !e.Handled {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetPayload(ctx context.Context, provider, payloadSHA string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payloads[payloadKey(provider, payloadSHA)]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

// PayloadCount reports how many distinct payloads are archived. Test helper.
func (m *Memory) PayloadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

// EventCount reports how many event rows exist. Test helper.
func (m *Memory) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
