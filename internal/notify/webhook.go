package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sender delivers marked-present notifications.
type Sender interface {
	PresenceMarked(ctx context.Context, sessionID, participantID string) error
}

// Webhook posts signed JSON notifications to a configured endpoint.
type Webhook struct {
	URL    string
	Secret string
	Skip   bool
	HTTP   *http.Client
}

// New creates a webhook sender. With skip set, or no URL configured, sends
// become no-ops so dev environments need no receiver.
func New(url, secret string, skip bool) *Webhook {
	return &Webhook{
		URL:    url,
		Secret: secret,
		Skip:   skip || url == "",
		HTTP:   &http.Client{Timeout: 10 * time.Second},
	}
}

// PresenceMarked announces one participant marked present in a session.
func (w *Webhook) PresenceMarked(ctx context.Context, sessionID, participantID string) error {
	if w.Skip {
		return nil
	}

	body, _ := json.Marshal(map[string]string{
		"event":          "presence.marked",
		"session_id":     sessionID,
		"participant_id": participantID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set("X-Rollcall-Signature", w.sign(body))
	}

	resp, err := w.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook error %s: %s", resp.Status, string(respBody))
	}
	return nil
}

func (w *Webhook) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(w.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
