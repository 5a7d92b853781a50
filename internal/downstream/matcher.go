package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// MatcherClient resolves external journey ids into segment-level detail,
// including the upstream RIDs assigned to each leg.
type MatcherClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewMatcherClient(baseURL string, timeout time.Duration) *MatcherClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MatcherClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type Segment struct {
	ID                 string    `json:"id"`
	JourneyID          string    `json:"journey_id"`
	Sequence           int       `json:"sequence"`
	RID                *string   `json:"rid"`
	OriginCRS          string    `json:"origin_crs"`
	DestinationCRS     string    `json:"destination_crs"`
	ScheduledDeparture time.Time `json:"scheduled_departure"`
	ScheduledArrival   time.Time `json:"scheduled_arrival"`
	TOCCode            string    `json:"toc_code"`
}

type JourneyWithSegments struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OriginCRS      string    `json:"origin_crs"`
	DestinationCRS string    `json:"destination_crs"`
	TravelDate     string    `json:"travel_date"`
	Status         string    `json:"status"`
	Segments       []Segment `json:"segments"`
}

// GetJourneySegments looks up a journey by external id. Not-found is not an
// error: a nil journey means the matcher does not know it yet.
func (c *MatcherClient) GetJourneySegments(ctx context.Context, journeyID string) (*JourneyWithSegments, error) {
	url := fmt.Sprintf("%s/api/v1/journeys/%s/segments", c.BaseURL, journeyID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.New("Journey Matcher API request timeout")
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("Journey Matcher API error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var out JourneyWithSegments
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RIDs returns the non-nil segment RIDs in sequence order.
func (j *JourneyWithSegments) RIDs() []string {
	var out []string
	for _, s := range j.Segments {
		if s.RID != nil && *s.RID != "" {
			out = append(out, *s.RID)
		}
	}
	return out
}

// FullyResolved reports whether every segment carries a RID.
func (j *JourneyWithSegments) FullyResolved() bool {
	if len(j.Segments) == 0 {
		return false
	}
	for _, s := range j.Segments {
		if s.RID == nil || *s.RID == "" {
			return false
		}
	}
	return true
}
