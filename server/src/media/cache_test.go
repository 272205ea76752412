package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewCacheValidatesParameters(t *testing.T) {
	_, err := NewCache("", time.Second)
	require.Error(t, err)

	_, err = NewCache("cache.db", 0)
	require.Error(t, err)
}

func TestCacheRoundTrip(t *testing.T) {
	cache := newTestCache(t)

	_, ok := cache.Video("v1")
	require.False(t, ok)

	stored := Video{ExternalID: "v1", Title: "T1", Thumbnail: "u1", ChannelTitle: "C1"}
	require.NoError(t, cache.PutVideo(stored))

	loaded, ok := cache.Video("v1")
	require.True(t, ok)
	require.Equal(t, stored, loaded)
}

func TestCacheOverwrite(t *testing.T) {
	cache := newTestCache(t)

	require.NoError(t, cache.PutVideo(Video{ExternalID: "v1", Title: "old"}))
	require.NoError(t, cache.PutVideo(Video{ExternalID: "v1", Title: "new"}))

	loaded, ok := cache.Video("v1")
	require.True(t, ok)
	require.Equal(t, "new", loaded.Title)
}

func TestCacheCloseWithoutOpen(t *testing.T) {
	cache, err := NewCache(t.TempDir()+"/cache.db", time.Second)
	require.NoError(t, err)
	require.Error(t, cache.Close())
}
