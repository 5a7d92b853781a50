package domain

import (
	"encoding/json"
	"fmt"
)

// ServiceDelay is the upstream real-time feed's record for one RID.
type ServiceDelay struct {
	RID          string
	DelayMinutes int
	Cancelled    bool
	DelayReasons json.RawMessage
}

// DetectionResult classifies one journey against its upstream delay record.
type DetectionResult struct {
	JourneyID    string
	RID          string
	DelayMinutes int
	DelayReasons json.RawMessage

	IsDelayed        bool
	IsCancelled      bool
	ExceedsThreshold bool
	ClaimEligible    bool
	DataNotFound     bool
}

// DelayDetector is a pure classifier; it performs no I/O.
type DelayDetector struct {
	thresholdMinutes int
}

func NewDelayDetector(thresholdMinutes int) (*DelayDetector, error) {
	if thresholdMinutes <= 0 {
		return nil, fmt.Errorf("delay threshold must be positive, got %d", thresholdMinutes)
	}
	return &DelayDetector{thresholdMinutes: thresholdMinutes}, nil
}

func (d *DelayDetector) Threshold() int { return d.thresholdMinutes }

// Detect classifies a journey against its delay record. A nil record means
// the upstream returned no data for the journey's RID; all flags stay false
// and DataNotFound is set.
func (d *DelayDetector) Detect(j *MonitoredJourney, rec *ServiceDelay) DetectionResult {
	res := DetectionResult{JourneyID: j.JourneyID}
	if j.RID != nil {
		res.RID = *j.RID
	}

	if rec == nil {
		res.DataNotFound = true
		return res
	}

	res.DelayMinutes = rec.DelayMinutes
	res.DelayReasons = rec.DelayReasons
	res.IsDelayed = rec.DelayMinutes > 0 || rec.Cancelled
	res.IsCancelled = rec.Cancelled
	res.ExceedsThreshold = rec.DelayMinutes >= d.thresholdMinutes
	res.ClaimEligible = res.ExceedsThreshold || rec.Cancelled
	return res
}

// IndexByRID keys delay records by exact RID string equality.
func IndexByRID(recs []ServiceDelay) map[string]ServiceDelay {
	m := make(map[string]ServiceDelay, len(recs))
	for _, r := range recs {
		m[r.RID] = r
	}
	return m
}
