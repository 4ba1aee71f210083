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

// AccountClient talks to the player-account service to credit prize
// currency. Implements services.AccountCrediter.
type AccountClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewAccountClient(baseURL, token string) *AccountClient {
	return &AccountClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Credit posts a balance credit and returns the before/after balances
// reported by the account service.
func (c *AccountClient) Credit(ctx context.Context, userID, currency string, amount int64, reason string) (services.CreditResult, error) {
	reqBody := map[string]interface{}{
		"user_id":  userID,
		"currency": currency,
		"amount":   amount,
		"reason":   reason,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return services.CreditResult{}, fmt.Errorf("failed to marshal credit request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/internal/credit", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return services.CreditResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return services.CreditResult{}, fmt.Errorf("failed to call account service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return services.CreditResult{}, fmt.Errorf("account service returned status %d: %s", resp.StatusCode, string(body))
	}

	var result services.CreditResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return services.CreditResult{}, fmt.Errorf("failed to decode credit response: %w", err)
	}
	return result, nil
}
