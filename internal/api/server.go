package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cnm4us/mux/internal/cache"
	"github.com/cnm4us/mux/internal/config"
	"github.com/cnm4us/mux/internal/models"
	"github.com/cnm4us/mux/internal/platform"
	"github.com/cnm4us/mux/internal/ratelimit"
	"github.com/cnm4us/mux/internal/store"
	"github.com/cnm4us/mux/internal/telemetry"
	"github.com/cnm4us/mux/internal/webhook"
)

// Store is the persistence surface the API needs. Both the Postgres store
// and the in-memory store satisfy it; the server never constructs one itself.
type Store interface {
	webhook.VideoRepo

	CreateVideo(ctx context.Context, title *string) (models.Video, error)
	LinkUpload(ctx context.Context, videoID, uploadID string) error
	GetVideo(ctx context.Context, id string) (models.Video, error)
	GetVideoByUploadID(ctx context.Context, uploadID string) (models.Video, error)
	ListFeedPage(ctx context.Context, limit int, cursor *store.FeedCursor) ([]models.Video, error)

	ArchivePayload(ctx context.Context, provider, payloadSHA string, payload []byte) error
	InsertReceived(ctx context.Context, e models.WebhookEvent) (store.InsertOutcome, error)
	MarkHandled(ctx context.Context, provider, eventID string) error
}

// Uploader creates direct-upload slots on the platform.
type Uploader interface {
	CreateDirectUpload(ctx context.Context, corsOrigin string) (platform.DirectUpload, error)
}

// Server wires HTTP handlers for ingress and the public API.
type Server struct {
	cfg        config.Config
	store      Store
	dispatcher *webhook.Dispatcher
	uploader   Uploader
	signer     *platform.Signer
	limiter    *ratelimit.UploadLimiter
	feedCache  *cache.FeedCache
	log        *slog.Logger
}

// New constructs the API server. Uploader, signer, limiter, and feed cache
// may be nil; the corresponding endpoints degrade or report unavailable.
func New(cfg config.Config, st Store, d *webhook.Dispatcher, up Uploader, signer *platform.Signer, limiter *ratelimit.UploadLimiter, fc *cache.FeedCache, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		uploader:   up,
		signer:     signer,
		limiter:    limiter,
		feedCache:  fc,
		log:        log,
	}
}

// Router builds the HTTP router. No body-parsing middleware runs ahead of
// the webhook handler; it needs the raw bytes for signature verification.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/webhooks/mux", s.handleMuxWebhook)
	r.Post("/v1/uploads", s.handleCreateUpload)
	r.Get("/v1/feed", s.handleFeed)
	r.Get("/v1/videos/{id}", s.handleGetVideo)
	r.Get("/v1/playback/{playbackID}/play", s.handlePlaybackGrant)
	r.Get("/v1/playback/{playbackID}/thumbnail", s.handleThumbnailGrant)
	return r
}

// handleMuxWebhook is the ingress endpoint. Verification happens on the raw
// bytes, the payload is archived unconditionally, the (provider, event_id)
// insert gates duplicates, and only a fresh insert reaches the dispatcher.
// A 5xx leaves handled=false so the sender's retry can complete the effect.
func (s *Server) handleMuxWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusInternalServerError)
		return
	}

	sigHeader := r.Header.Get("Mux-Signature")
	if !webhook.VerifySignature(rawBody, sigHeader, s.cfg.MuxWebhookSecret) {
		if !s.cfg.MuxWebhookDevBypass {
			telemetry.WebhooksBadSig.Inc()
			writeError(w, http.StatusBadRequest, "INVALID_SIGNATURE", "webhook signature invalid")
			return
		}
		s.log.Warn("webhook signature bypass in effect", "env", s.cfg.Env)
	}
	telemetry.WebhooksReceived.Inc()

	ctx := r.Context()
	payloadSHA := webhook.PayloadSHA256(rawBody)

	evt, parseErr := webhook.ParseEvent(rawBody)
	if parseErr == nil {
		// Archive before anything downstream can fail, so forensic evidence
		// of the delivery survives a dispatch error.
		if err := s.store.ArchivePayload(ctx, webhook.Provider, payloadSHA, rawBody); err != nil {
			s.webhookFailure(w, "", "archive payload", err)
			return
		}

		eventID := webhook.EventID(evt, payloadSHA)
		objectType, objectID := webhook.ObjectRef(evt)
		outcome, err := s.store.InsertReceived(ctx, models.WebhookEvent{
			Provider:      webhook.Provider,
			EventID:       eventID,
			Type:          evt.Type,
			ObjectType:    objectType,
			ObjectID:      objectID,
			PayloadSHA256: payloadSHA,
		})
		if err != nil {
			s.webhookFailure(w, eventID, "insert event", err)
			return
		}
		if outcome == store.OutcomeDuplicate {
			telemetry.WebhooksDuplicate.Inc()
			s.log.Info("duplicate webhook delivery", "event_id", eventID, "type", evt.Type)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
			return
		}

		note, err := s.dispatcher.Handle(ctx, evt)
		if err != nil {
			s.webhookFailure(w, eventID, "dispatch", err)
			return
		}
		if strings.HasPrefix(note, "ignored") {
			telemetry.WebhooksIgnored.Inc()
		}
		if s.feedCache != nil && evt.Type == webhook.TypeAssetReady {
			if err := s.feedCache.Invalidate(ctx); err != nil {
				s.log.Warn("feed cache invalidate failed", "error", err)
			}
		}
		if err := s.store.MarkHandled(ctx, webhook.Provider, eventID); err != nil {
			s.webhookFailure(w, eventID, "mark handled", err)
			return
		}

		s.log.Info("webhook handled", "event_id", eventID, "type", evt.Type, "note", note)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "note": note})
		return
	}

	// Invalid JSON still gets archived, then surfaces as a processing
	// failure so the sender retries a possibly-corrected delivery.
	if err := s.store.ArchivePayload(ctx, webhook.Provider, payloadSHA, rawBody); err != nil {
		s.webhookFailure(w, "", "archive payload", err)
		return
	}
	s.webhookFailure(w, "", "parse event", parseErr)
}

func (s *Server) webhookFailure(w http.ResponseWriter, eventID, stage string, err error) {
	telemetry.WebhooksDispatchErr.Inc()
	s.log.Error("webhook processing failed", "stage", stage, "event_id", eventID, "error", err)
	writeError(w, http.StatusInternalServerError, "WEBHOOK_PROCESSING_FAILED", "temporary failure, retry later")
}

type createUploadRequest struct {
	Title *string `json:"title"`
}

type createUploadResponse struct {
	VideoID  string `json:"videoId"`
	UploadID string `json:"uploadId"`
	URL      string `json:"url"`
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	if s.uploader == nil {
		writeError(w, http.StatusServiceUnavailable, "UPLOADS_DISABLED", "platform credentials not configured")
		return
	}

	var req createUploadRequest
	if r.Body != nil {
		// An empty body means an untitled upload, not a client error.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json")
			return
		}
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "RATE_LIMIT_ERROR", "rate limit check failed")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many uploads, slow down")
			return
		}
	}

	video, err := s.store.CreateVideo(r.Context(), req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CREATE_VIDEO_FAILED", "could not create video record")
		return
	}

	up, err := s.uploader.CreateDirectUpload(r.Context(), s.cfg.UploadCORSOrigin)
	if err != nil {
		s.log.Error("create direct upload failed", "video_id", video.ID, "error", err)
		writeError(w, http.StatusBadGateway, "MUX_CREATE_UPLOAD_FAILED", "failed to create direct upload")
		return
	}

	if err := s.store.LinkUpload(r.Context(), video.ID, up.ID); err != nil {
		s.log.Error("link upload failed", "video_id", video.ID, "upload_id", up.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "LINK_UPLOAD_FAILED", "could not link upload")
		return
	}

	telemetry.UploadsCreated.Inc()
	writeJSON(w, http.StatusCreated, createUploadResponse{VideoID: video.ID, UploadID: up.ID, URL: up.URL})
}

type feedResponse struct {
	Items      []models.FeedItem `json:"items"`
	NextCursor *string           `json:"nextCursor,omitempty"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 8, s.cfg.FeedMaxLimit)
	cursor := decodeCursor(r.URL.Query().Get("cursor"))

	// Only the cursorless first page goes through the cache.
	cacheable := cursor == nil && s.feedCache != nil
	if cacheable {
		if page, err := s.feedCache.Get(r.Context()); err == nil && page != nil {
			telemetry.FeedCacheHits.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(page)
			return
		}
		telemetry.FeedCacheMisses.Inc()
	}

	videos, err := s.store.ListFeedPage(r.Context(), limit, cursor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "FEED_FAILED", "could not load feed")
		return
	}

	resp := feedResponse{Items: make([]models.FeedItem, 0, len(videos))}
	for _, v := range videos {
		resp.Items = append(resp.Items, models.FeedItem{
			ID:              v.ID,
			Title:           v.Title,
			PlaybackID:      v.MuxPlaybackID,
			DurationSeconds: v.DurationSeconds,
			CreatedAt:       v.CreatedAt,
		})
	}
	if len(videos) == limit {
		last := videos[len(videos)-1]
		c := encodeCursor(last.CreatedAt, last.ID)
		resp.NextCursor = &c
	}

	body, err := json.Marshal(resp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "FEED_FAILED", "could not encode feed")
		return
	}
	if cacheable {
		if err := s.feedCache.Set(r.Context(), body); err != nil {
			s.log.Warn("feed cache set failed", "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	video, err := s.store.GetVideo(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "video not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "GET_VIDEO_FAILED", "could not load video")
		return
	}
	writeJSON(w, http.StatusOK, video)
}

func (s *Server) handlePlaybackGrant(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		writeError(w, http.StatusServiceUnavailable, "SIGNING_DISABLED", "playback signing key not configured")
		return
	}
	playbackID := chi.URLParam(r, "playbackID")
	grant, err := s.signer.SignPlayback(playbackID, s.cfg.PlaybackTokenTTL)
	if err != nil {
		s.log.Error("sign playback failed", "playback_id", playbackID, "error", err)
		writeError(w, http.StatusInternalServerError, "SIGN_PLAYBACK_FAILED", "could not sign playback url")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playback": grant})
}

func (s *Server) handleThumbnailGrant(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		writeError(w, http.StatusServiceUnavailable, "SIGNING_DISABLED", "playback signing key not configured")
		return
	}
	playbackID := chi.URLParam(r, "playbackID")
	q := r.URL.Query()

	opts := platform.ThumbnailOptions{
		FitMode: q.Get("fit_mode"),
		Format:  q.Get("format"),
	}
	if v, err := strconv.ParseFloat(q.Get("time"), 64); err == nil {
		opts.Time = &v
	}
	if v, err := strconv.Atoi(q.Get("width")); err == nil {
		opts.Width = &v
	}
	if v, err := strconv.Atoi(q.Get("height")); err == nil {
		opts.Height = &v
	}

	grant, err := s.signer.SignThumbnail(playbackID, opts, s.cfg.ThumbTokenTTL)
	if err != nil {
		s.log.Error("sign thumbnail failed", "playback_id", playbackID, "error", err)
		writeError(w, http.StatusInternalServerError, "SIGN_THUMBNAIL_FAILED", "could not sign thumbnail url")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thumbnail": grant})
}

// Cursor format: base64url of "createdAt RFC3339Nano|id".
func encodeCursor(t time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(t.UTC().Format(time.RFC3339Nano) + "|" + id))
}

func decodeCursor(c string) *store.FeedCursor {
	if c == "" {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return nil
	}
	iso, id, found := strings.Cut(string(raw), "|")
	if !found || id == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return nil
	}
	return &store.FeedCursor{CreatedAt: t, ID: id}
}

func parseLimit(raw string, def, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]string{"code": errCode, "message": message},
	})
}
