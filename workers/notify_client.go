package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"game-leaderboard-system/services"
)

// NotifyClient posts fire-and-forget notifications to the delivery
// service. Implements services.Notifier.
type NotifyClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewNotifyClient(baseURL, token string) *NotifyClient {
	return &NotifyClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *NotifyClient) Notify(ctx context.Context, userID string, n services.Notification) error {
	reqBody := map[string]interface{}{
		"user_id": userID,
		"type":    n.Type,
		"payload": n.Payload,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/internal/notify", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call notify service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notify service returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
