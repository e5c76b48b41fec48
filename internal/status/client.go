// Package status queries the backend's stream status endpoint.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/streamcast/portal/internal/models"
	"github.com/streamcast/portal/internal/playback"
)

const maxBodyBytes = 64 << 10

// Client calls GET /api/streams/:id/status.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient targets baseURL (e.g. http://localhost:8080).
func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type envelope struct {
	Success bool                `json:"success"`
	Data    models.StreamStatus `json:"data"`
	Error   string              `json:"error"`
}

// Status returns the stream's status. A 404 wraps playback.ErrAssetGone.
func (c *Client) Status(ctx context.Context, streamID string) (*models.StreamStatus, error) {
	endpoint := c.baseURL + "/api/streams/" + url.PathEscape(streamID) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &playback.FetchError{Kind: playback.FetchNetwork, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &playback.FetchError{Kind: playback.FetchNetwork, URL: endpoint, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("stream %s: %w", streamID, playback.ErrAssetGone)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &playback.FetchError{
			Kind:   playback.FetchNetwork,
			URL:    endpoint,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var env envelope
	// proxy error pages arrive as 200 with HTML; they are transient
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &playback.FetchError{Kind: playback.FetchNetwork, URL: endpoint, Err: err}
	}
	if !env.Success {
		return nil, errors.New("stream status: " + env.Error)
	}
	return &env.Data, nil
}

// Probe adapts the client to playback.Probe: a stream that is not online
// fails with playback.ErrStreamOffline.
func (c *Client) Probe(streamID string) playback.Probe {
	return func(ctx context.Context) error {
		st, err := c.Status(ctx, streamID)
		if err != nil {
			return err
		}
		if !st.Online {
			return playback.ErrStreamOffline
		}
		return nil
	}
}
