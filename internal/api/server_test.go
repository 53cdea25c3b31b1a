package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cnm4us/mux/internal/config"
	"github.com/cnm4us/mux/internal/models"
	"github.com/cnm4us/mux/internal/platform"
	"github.com/cnm4us/mux/internal/store"
	"github.com/cnm4us/mux/internal/webhook"
)

const testSecret = "whsec_test"

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	cfg := config.Config{
		Env:              "test",
		MuxWebhookSecret: testSecret,
		FeedMaxLimit:     24,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := webhook.NewDispatcher(mem, logger)
	return New(cfg, mem, d, nil, nil, nil, nil, logger), mem
}

func signedRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/mux", bytes.NewReader(body))
	req.Header.Set("Mux-Signature", "t=1712345678,v1="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func linkVideo(t *testing.T, mem *store.Memory, uploadID string) models.Video {
	t.Helper()
	ctx := context.Background()
	v, err := mem.CreateVideo(ctx, nil)
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	if err := mem.LinkUpload(ctx, v.ID, uploadID); err != nil {
		t.Fatalf("link upload: %v", err)
	}
	return v
}

func TestWebhookEndToEndReady(t *testing.T) {
	srv, mem := newTestServer(t)
	router := srv.Router()
	v := linkVideo(t, mem, "U1")

	body := []byte(`{"id":"evt_1","type":"video.asset.ready","data":{"id":"A1","upload_id":"U1","playback_ids":[{"id":"P1","policy":"signed"}],"duration":12.5}}`)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	got, err := mem.GetVideo(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if got.Status != models.StatusReady {
		t.Fatalf("status = %s, want ready", got.Status)
	}
	if got.MuxAssetID == nil || *got.MuxAssetID != "A1" {
		t.Fatalf("asset = %v", got.MuxAssetID)
	}
	if got.MuxPlaybackID == nil || *got.MuxPlaybackID != "P1" {
		t.Fatalf("playback = %v", got.MuxPlaybackID)
	}
	if got.DurationSeconds == nil || *got.DurationSeconds != 12.5 {
		t.Fatalf("duration = %v", got.DurationSeconds)
	}

	evt, err := mem.GetEvent(context.Background(), webhook.Provider, "evt_1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !evt.Handled {
		t.Fatalf("event not marked handled")
	}
}

func TestWebhookReadyWithStringDuration(t *testing.T) {
	srv, mem := newTestServer(t)
	router := srv.Router()
	v := linkVideo(t, mem, "U1")

	// Duration arrives as a quoted string; the delivery still succeeds and
	// the field is simply left unset.
	body := []byte(`{"id":"evt_1","type":"video.asset.ready","data":{"id":"A1","upload_id":"U1","duration":"12.5"}}`)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	got, err := mem.GetVideo(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if got.Status != models.StatusReady {
		t.Fatalf("status = %s, want ready", got.Status)
	}
	if got.DurationSeconds != nil {
		t.Fatalf("duration = %v, want nil", *got.DurationSeconds)
	}
	evt, err := mem.GetEvent(context.Background(), webhook.Provider, "evt_1")
	if err != nil || !evt.Handled {
		t.Fatalf("event not recorded as handled: %+v err=%v", evt, err)
	}
}

func TestWebhookDuplicateReplay(t *testing.T) {
	srv, mem := newTestServer(t)
	router := srv.Router()
	v := linkVideo(t, mem, "U1")

	body := []byte(`{"id":"evt_1","type":"video.asset.ready","data":{"id":"A1","upload_id":"U1","playback_ids":[{"id":"P1"}],"duration":12.5}}`)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, signedRequest(t, body))
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", first.Code)
	}
	before, _ := mem.GetVideo(context.Background(), v.ID)

	// Exact replay of the same signed request.
	second := httptest.NewRecorder()
	router.ServeHTTP(second, signedRequest(t, body))
	if second.Code != http.StatusOK {
		t.Fatalf("replay: %d", second.Code)
	}
	var resp struct {
		Duplicate bool `json:"duplicate"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil || !resp.Duplicate {
		t.Fatalf("replay not reported duplicate: %s", second.Body.String())
	}

	after, _ := mem.GetVideo(context.Background(), v.ID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("replay mutated the video record")
	}
	if mem.EventCount() != 1 {
		t.Fatalf("event rows = %d, want 1", mem.EventCount())
	}
	if mem.PayloadCount() != 1 {
		t.Fatalf("payload rows = %d, want 1", mem.PayloadCount())
	}
}

func TestWebhookRejectsTamperedBody(t *testing.T) {
	srv, mem := newTestServer(t)
	router := srv.Router()
	linkVideo(t, mem, "U1")

	body := []byte(`{"id":"evt_1","type":"video.asset.ready","data":{"id":"A1","upload_id":"U1"}}`)
	validHeader := signedRequest(t, body).Header.Get("Mux-Signature")

	// Keep the header, swap the body.
	tampered := []byte(`{"id":"evt_1","type":"video.asset.ready","data":{"id":"EVIL","upload_id":"U1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/mux", bytes.NewReader(tampered))
	req.Header.Set("Mux-Signature", validHeader)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if mem.EventCount() != 0 || mem.PayloadCount() != 0 {
		t.Fatalf("rejected delivery was persisted: events=%d payloads=%d", mem.EventCount(), mem.PayloadCount())
	}
	got, _ := mem.GetVideoByUploadID(context.Background(), "U1")
	if got.Status != models.StatusPending {
		t.Fatalf("rejected delivery mutated video: %s", got.Status)
	}
}

func TestWebhookMissingSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/mux", bytes.NewReader([]byte(`{"type":"x"}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookInvalidJSONInvitesRetry(t *testing.T) {
	srv, mem := newTestServer(t)
	router := srv.Router()

	body := []byte(`{"type": truncated`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, body))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	// The malformed payload is still archived for forensics.
	if mem.PayloadCount() != 1 {
		t.Fatalf("payload rows = %d, want 1", mem.PayloadCount())
	}
	if mem.EventCount() != 0 {
		t.Fatalf("event rows = %d, want 0", mem.EventCount())
	}
}

func TestWebhookDispatchFailureLeavesUnhandled(t *testing.T) {
	srv, mem := newTestServer(t)
	router := srv.Router()

	// ready with no resolvable upload id: dispatcher fails loudly.
	body := []byte(`{"id":"evt_9","type":"video.asset.ready","data":{}}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, body))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	evt, err := mem.GetEvent(context.Background(), webhook.Provider, "evt_9")
	if err != nil {
		t.Fatalf("event row missing: %v", err)
	}
	if evt.Handled {
		t.Fatalf("failed dispatch must not mark handled")
	}
}

func TestWebhookUnknownTypeAcknowledged(t *testing.T) {
	srv, mem := newTestServer(t)
	router := srv.Router()
	linkVideo(t, mem, "U1")

	body := []byte(`{"id":"evt_5","type":"video.asset.master.ready","data":{"id":"A1","upload_id":"U1"}}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	evt, err := mem.GetEvent(context.Background(), webhook.Provider, "evt_5")
	if err != nil || !evt.Handled {
		t.Fatalf("ignored event should still be recorded and handled: %+v err=%v", evt, err)
	}
}

func TestWebhookDevBypassAllowsUnsigned(t *testing.T) {
	mem := store.NewMemory()
	cfg := config.Config{Env: "dev", MuxWebhookSecret: testSecret, MuxWebhookDevBypass: true, FeedMaxLimit: 24}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, mem, webhook.NewDispatcher(mem, logger), nil, nil, nil, nil, logger)
	router := srv.Router()
	linkVideo(t, mem, "U1")

	body := []byte(`{"type":"video.asset.ready","data":{"id":"A1","upload_id":"U1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/mux", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 under bypass", rec.Code)
	}
	got, _ := mem.GetVideoByUploadID(context.Background(), "U1")
	if got.Status != models.StatusReady {
		t.Fatalf("status = %s, want ready", got.Status)
	}
}

type fakeUploader struct {
	upload platform.DirectUpload
	err    error
	calls  int
}

func (f *fakeUploader) CreateDirectUpload(ctx context.Context, corsOrigin string) (platform.DirectUpload, error) {
	f.calls++
	return f.upload, f.err
}

func TestCreateUpload(t *testing.T) {
	mem := store.NewMemory()
	cfg := config.Config{Env: "test", UploadCORSOrigin: "*", FeedMaxLimit: 24}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	up := &fakeUploader{upload: platform.DirectUpload{ID: "U1", URL: "https://upload.example/u1"}}
	srv := New(cfg, mem, webhook.NewDispatcher(mem, logger), up, nil, nil, nil, logger)
	router := srv.Router()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", bytes.NewReader([]byte(`{"title":"first clip"}`)))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var resp createUploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UploadID != "U1" || resp.URL == "" || resp.VideoID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	v, err := mem.GetVideoByUploadID(context.Background(), "U1")
	if err != nil {
		t.Fatalf("video not linked: %v", err)
	}
	if v.Status != models.StatusPending || v.Title == nil || *v.Title != "first clip" {
		t.Fatalf("unexpected video: %+v", v)
	}
}

func TestFeedPaging(t *testing.T) {
	srv, mem := newTestServer(t)
	router := srv.Router()
	ctx := context.Background()

	for _, u := range []string{"U1", "U2", "U3"} {
		linkVideo(t, mem, u)
		if n, _ := mem.MarkReady(ctx, u, "A-"+u, nil, nil); n != 1 {
			t.Fatalf("mark ready %s", u)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/feed?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var page feedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == nil {
		t.Fatalf("first page: items=%d cursor=%v", len(page.Items), page.NextCursor)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/feed?limit=2&cursor="+*page.NextCursor, nil))
	var rest feedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rest); err != nil {
		t.Fatalf("decode second page: %v", err)
	}
	if len(rest.Items) != 1 {
		t.Fatalf("second page: items=%d", len(rest.Items))
	}
	seen := map[string]bool{page.Items[0].ID: true, page.Items[1].ID: true}
	if seen[rest.Items[0].ID] {
		t.Fatalf("second page repeats an item")
	}
}

func TestGetVideoNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/videos/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPlaybackGrantWithoutSigner(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/playback/P1/play", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
