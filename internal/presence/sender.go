package presence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/streamcast/portal/internal/models"
)

// HTTPSender posts heartbeats to the backend's /api/heartbeat endpoint.
type HTTPSender struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSender targets baseURL (e.g. http://localhost:8080).
func NewHTTPSender(baseURL string, client *http.Client) *HTTPSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSender{endpoint: strings.TrimRight(baseURL, "/") + "/api/heartbeat", client: client}
}

// Send posts one heartbeat. Any non-2xx response is an error.
func (s *HTTPSender) Send(ctx context.Context, sessionID, streamID string) error {
	body, err := json.Marshal(models.HeartbeatRequest{SessionID: sessionID, StreamID: streamID})
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send heartbeat: unexpected status %d", resp.StatusCode)
	}
	return nil
}
