package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDelayDetectorRejectsNonPositiveThreshold(t *testing.T) {
	_, err := NewDelayDetector(0)
	require.Error(t, err)
	_, err = NewDelayDetector(-5)
	require.Error(t, err)

	d, err := NewDelayDetector(15)
	require.NoError(t, err)
	require.Equal(t, 15, d.Threshold())
}

func TestDetect(t *testing.T) {
	d, err := NewDelayDetector(15)
	require.NoError(t, err)

	rid := "202608241234567"
	j := &MonitoredJourney{JourneyID: "J-1", RID: &rid}

	cases := []struct {
		name string
		rec  *ServiceDelay

		isDelayed        bool
		isCancelled      bool
		exceedsThreshold bool
		claimEligible    bool
		dataNotFound     bool
	}{
		{
			name: "on time",
			rec:  &ServiceDelay{RID: rid, DelayMinutes: 0},
		},
		{
			name:      "below threshold",
			rec:       &ServiceDelay{RID: rid, DelayMinutes: 14},
			isDelayed: true,
		},
		{
			name:             "exactly at threshold",
			rec:              &ServiceDelay{RID: rid, DelayMinutes: 15},
			isDelayed:        true,
			exceedsThreshold: true,
			claimEligible:    true,
		},
		{
			name:             "well above threshold",
			rec:              &ServiceDelay{RID: rid, DelayMinutes: 47},
			isDelayed:        true,
			exceedsThreshold: true,
			claimEligible:    true,
		},
		{
			name:          "cancelled with zero minutes",
			rec:           &ServiceDelay{RID: rid, Cancelled: true},
			isDelayed:     true,
			isCancelled:   true,
			claimEligible: true,
		},
		{
			name:             "cancelled and delayed",
			rec:              &ServiceDelay{RID: rid, DelayMinutes: 20, Cancelled: true},
			isDelayed:        true,
			isCancelled:      true,
			exceedsThreshold: true,
			claimEligible:    true,
		},
		{
			name:         "no upstream data",
			rec:          nil,
			dataNotFound: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := d.Detect(j, tc.rec)
			require.Equal(t, "J-1", res.JourneyID)
			require.Equal(t, tc.isDelayed, res.IsDelayed)
			require.Equal(t, tc.isCancelled, res.IsCancelled)
			require.Equal(t, tc.exceedsThreshold, res.ExceedsThreshold)
			require.Equal(t, tc.claimEligible, res.ClaimEligible)
			require.Equal(t, tc.dataNotFound, res.DataNotFound)
		})
	}
}

func TestIndexByRIDExactMatch(t *testing.T) {
	recs := []ServiceDelay{
		{RID: "A", DelayMinutes: 5},
		{RID: "B", DelayMinutes: 20},
	}
	m := IndexByRID(recs)
	require.Len(t, m, 2)
	require.Equal(t, 20, m["B"].DelayMinutes)

	_, ok := m["a"] // RID matching is case-sensitive, exact string equality
	require.False(t, ok)
}
