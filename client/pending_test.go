package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPendingTracker(t *testing.T) {
	tracker := newPendingTracker()
	require.Zero(t, tracker.Len())
	require.False(t, tracker.Contains("v1"))

	tracker.Add("v1")
	tracker.Add("v2")
	tracker.Add("v1")
	require.Equal(t, 2, tracker.Len())
	require.True(t, tracker.Contains("v1"))
	require.ElementsMatch(t, []string{"v1", "v2"}, tracker.IDs())

	tracker.Delete("v1")
	require.False(t, tracker.Contains("v1"))
	require.True(t, tracker.Contains("v2"))

	tracker.Reset()
	require.Zero(t, tracker.Len())
	require.Empty(t, tracker.IDs())
}
