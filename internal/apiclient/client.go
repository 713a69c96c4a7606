package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls the rollcall API from a device agent.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a client authenticating with the given bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Health checks the API is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("api unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("api unhealthy: %s", resp.Status)
	}
	return nil
}

// DetectionResult reports how the API handled a reported detection.
type DetectionResult struct {
	SessionID string `json:"session_id"`
	Fresh     bool   `json:"fresh"`
}

// ReportDetection submits a discovered advertiser token. The reporting
// participant is identified by the bearer token.
func (c *Client) ReportDetection(ctx context.Context, advertiserToken string) (DetectionResult, error) {
	body, _ := json.Marshal(map[string]string{"advertiser_token": advertiserToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/detections", bytes.NewReader(body))
	if err != nil {
		return DetectionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return DetectionResult{}, fmt.Errorf("detection report failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return DetectionResult{}, fmt.Errorf("detection rejected %s: %s", resp.Status, string(respBody))
	}

	var out DetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DetectionResult{}, err
	}
	return out, nil
}
