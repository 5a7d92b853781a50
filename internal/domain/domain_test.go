package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTerminal(t *testing.T) {
	require.True(t, StatusCompleted.IsTerminal())
	require.True(t, StatusCancelled.IsTerminal())
	require.False(t, StatusPendingRID.IsTerminal())
	require.False(t, StatusActive.IsTerminal())
	require.False(t, StatusDelayed.IsTerminal())
}

func TestValidateTransition(t *testing.T) {
	allowed := []struct {
		from, to MonitoringStatus
	}{
		{StatusPendingRID, StatusActive},
		{StatusPendingRID, StatusCancelled},
		{StatusPendingRID, StatusCompleted},
		{StatusActive, StatusDelayed},
		{StatusActive, StatusCompleted},
		{StatusActive, StatusCancelled},
		{StatusDelayed, StatusCompleted},
		{StatusDelayed, StatusCancelled},
	}
	for _, tc := range allowed {
		require.NoError(t, ValidateTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct {
		from, to MonitoringStatus
	}{
		{StatusCompleted, StatusActive},
		{StatusCompleted, StatusCancelled},
		{StatusCancelled, StatusActive},
		{StatusCancelled, StatusDelayed},
		{StatusDelayed, StatusActive},
		{StatusActive, StatusPendingRID},
		{StatusPendingRID, StatusDelayed},
	}
	for _, tc := range denied {
		err := ValidateTransition(tc.from, tc.to)
		require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
	}
}

func TestSelfTransitionRejected(t *testing.T) {
	for _, s := range []MonitoringStatus{StatusPendingRID, StatusActive, StatusDelayed, StatusCompleted, StatusCancelled} {
		require.ErrorIs(t, ValidateTransition(s, s), ErrInvalidTransition)
	}
}
