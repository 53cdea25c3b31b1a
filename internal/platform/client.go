// Package platform talks to the external video hosting API (Mux-compatible):
// direct-upload creation, asset retrieval, and signed playback/thumbnail
// grants. Webhook deliveries from the same platform are handled elsewhere.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a minimal REST client for the platform's server API,
// authenticated with an access-token id/secret pair via basic auth.
type Client struct {
	baseURL     string
	tokenID     string
	tokenSecret string
	httpClient  *http.Client
}

// NewClient builds a client against baseURL (e.g. https://api.mux.com).
func NewClient(baseURL, tokenID, tokenSecret string) *Client {
	return &Client{
		baseURL:     baseURL,
		tokenID:     tokenID,
		tokenSecret: tokenSecret,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

// DirectUpload is a time-limited upload slot on the platform.
type DirectUpload struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Status  string `json:"status"`
	AssetID string `json:"asset_id"`
}

// Asset is the platform's processed-media resource.
type Asset struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	Duration    float64 `json:"duration"`
	UploadID    string  `json:"upload_id"`
	PlaybackIDs []struct {
		ID     string `json:"id"`
		Policy string `json:"policy"`
	} `json:"playback_ids"`
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

// CreateDirectUpload provisions an upload slot whose resulting asset gets a
// signed playback policy.
func (c *Client) CreateDirectUpload(ctx context.Context, corsOrigin string) (DirectUpload, error) {
	body := map[string]any{
		"cors_origin": corsOrigin,
		"new_asset_settings": map[string]any{
			"playback_policy": []string{"signed"},
		},
	}
	var up DirectUpload
	if err := c.do(ctx, http.MethodPost, "/video/v1/uploads", body, &up); err != nil {
		return DirectUpload{}, err
	}
	if up.ID == "" {
		return DirectUpload{}, fmt.Errorf("platform returned no upload id")
	}
	return up, nil
}

// GetAsset retrieves asset metadata by asset reference.
func (c *Client) GetAsset(ctx context.Context, assetID string) (Asset, error) {
	var a Asset
	if err := c.do(ctx, http.MethodGet, "/video/v1/assets/"+assetID, nil, &a); err != nil {
		return Asset{}, err
	}
	return a, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.tokenID, c.tokenSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: platform returned %d: %s", method, path, resp.StatusCode, raw)
	}

	// The API wraps responses in a data envelope.
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		raw = env.Data
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
