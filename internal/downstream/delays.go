package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
)

// DelaysClient talks to the upstream real-time feed's batch delay endpoint.
type DelaysClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewDelaysClient(baseURL string, timeout time.Duration) *DelaysClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DelaysClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type delaysRequest struct {
	RIDs []string `json:"rids"`
}

type delayServiceDTO struct {
	RID          string          `json:"rid"`
	DelayMinutes int             `json:"delay_minutes"`
	IsCancelled  bool            `json:"is_cancelled"`
	DelayReasons json.RawMessage `json:"delay_reasons"`
}

type delaysResponse struct {
	Services []delayServiceDTO `json:"services"`
}

// GetDelays fetches delay records for a batch of RIDs in one call. An empty
// batch returns an empty slice without touching the network.
func (c *DelaysClient) GetDelays(ctx context.Context, rids []string) ([]domain.ServiceDelay, error) {
	if len(rids) == 0 {
		return []domain.ServiceDelay{}, nil
	}

	body, err := json.Marshal(delaysRequest{RIDs: rids})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/v1/delays", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.New("Upstream API request timeout")
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("Upstream API error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var out delaysResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	delays := make([]domain.ServiceDelay, 0, len(out.Services))
	for _, s := range out.Services {
		delays = append(delays, domain.ServiceDelay{
			RID:          s.RID,
			DelayMinutes: s.DelayMinutes,
			Cancelled:    s.IsCancelled,
			DelayReasons: s.DelayReasons,
		})
	}
	return delays, nil
}
