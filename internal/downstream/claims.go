package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClaimsClient talks to the compensation-claims oracle.
//
// Unlike the other downstream clients it returns an error-shaped response on
// non-2xx instead of failing: business rejections are data the claim trigger
// classifies, while timeouts stay errors so they can be treated as retryable
// incidents.
type ClaimsClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClaimsClient(baseURL string, timeout time.Duration) *ClaimsClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ClaimsClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type ClaimTriggerRequest struct {
	DelayAlertID uuid.UUID       `json:"delay_alert_id"`
	JourneyID    string          `json:"journey_id"`
	UserID       uuid.UUID       `json:"user_id"`
	DelayMinutes int             `json:"delay_minutes"`
	DelayReasons json.RawMessage `json:"delay_reasons,omitempty"`
}

type ClaimTriggerResponse struct {
	Success               bool     `json:"success"`
	ClaimReferenceID      *string  `json:"claim_reference_id"`
	Message               string   `json:"message,omitempty"`
	Eligible              *bool    `json:"eligible,omitempty"`
	EstimatedCompensation *float64 `json:"estimated_compensation,omitempty"`
	Error                 string   `json:"error,omitempty"`
}

// TriggerClaim files a claim. The returned error is non-nil only for
// transport-level failures (timeout, connection refused); HTTP-level
// failures come back as a response with Success=false.
func (c *ClaimsClient) TriggerClaim(ctx context.Context, reqBody ClaimTriggerRequest) (*ClaimTriggerResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/v1/claims/trigger", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.New("Claims API request timeout")
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ClaimTriggerResponse{
			Success: false,
			Error:   fmt.Sprintf("API error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			Message: strings.TrimSpace(string(raw)),
		}, nil
	}

	var out ClaimTriggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

type EligibilityRequest struct {
	UserID       uuid.UUID `json:"user_id"`
	JourneyID    string    `json:"journey_id"`
	DelayMinutes int       `json:"delay_minutes"`
}

type EligibilityResponse struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// CheckEligibility is a read-only pre-flight. Non-2xx degrades to
// not-eligible with a reason; timeouts raise.
func (c *ClaimsClient) CheckEligibility(ctx context.Context, reqBody EligibilityRequest) (*EligibilityResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/v1/eligibility/check", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.New("Eligibility API request timeout")
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &EligibilityResponse{
			Eligible: false,
			Reason:   fmt.Sprintf("API error: %d", resp.StatusCode),
		}, nil
	}

	var out EligibilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
