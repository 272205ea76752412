package media

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func videoJSON(id string) string {
	return fmt.Sprintf(`{"videoId":"%s","title":"T-%s","author":"A","videoThumbnails":[{"quality":"maxres","url":"big"},{"quality":"medium","url":"med"}]}`, id, id)
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return server
}

func TestLookupFallsThroughProviders(t *testing.T) {
	broken := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	working := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, videoJSON("v1"))
	})

	provider := NewProvider([]string{broken.URL, working.URL}, "", nil)

	video, err := provider.Lookup(context.Background(), "v1")
	require.NoError(t, err)
	require.Equal(t, "v1", video.ExternalID)
	require.Equal(t, "T-v1", video.Title)
	require.Equal(t, "med", video.Thumbnail)
}

func TestLookup404ShortCircuits(t *testing.T) {
	notFound := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	var secondHits atomic.Int32
	second := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
		fmt.Fprint(w, videoJSON("v1"))
	})

	provider := NewProvider([]string{notFound.URL, second.URL}, "", nil)

	_, err := provider.Lookup(context.Background(), "v1")
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, secondHits.Load())
}

func TestLookupOEmbedFallback(t *testing.T) {
	broken := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	oembed := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Query().Get("url"), "v1")
		fmt.Fprint(w, `{"title":"OE title","thumbnail_url":"oe-thumb","author_name":"OE author"}`)
	})

	provider := NewProvider([]string{broken.URL}, oembed.URL, nil)

	video, err := provider.Lookup(context.Background(), "v1")
	require.NoError(t, err)
	require.Equal(t, "v1", video.ExternalID)
	require.Equal(t, "OE title", video.Title)
	require.Equal(t, "oe-thumb", video.Thumbnail)
	require.Equal(t, "OE author", video.ChannelTitle)
}

func TestLookupAllUnavailable(t *testing.T) {
	broken := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	provider := NewProvider([]string{broken.URL}, "", nil)

	_, err := provider.Lookup(context.Background(), "v1")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestLookupNoProvidersConfigured(t *testing.T) {
	provider := NewProvider(nil, "", nil)

	_, err := provider.Lookup(context.Background(), "v1")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestLookupCachesResult(t *testing.T) {
	var hits atomic.Int32
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, videoJSON("v1"))
	})

	cache := newTestCache(t)
	provider := NewProvider([]string{upstream.URL}, "", cache)

	_, err := provider.Lookup(context.Background(), "v1")
	require.NoError(t, err)

	video, err := provider.Lookup(context.Background(), "v1")
	require.NoError(t, err)
	require.Equal(t, "T-v1", video.Title)
	require.Equal(t, int32(1), hits.Load())
}

func TestSearchCapsResults(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		entries := make([]string, 0, 15)
		for i := 0; i < 15; i++ {
			entries = append(entries, videoJSON(fmt.Sprintf("v%d", i)))
		}
		fmt.Fprint(w, "["+strings.Join(entries, ",")+"]")
	})

	provider := NewProvider([]string{upstream.URL}, "", nil)

	results, err := provider.Search(context.Background(), "cats")
	require.NoError(t, err)
	require.Len(t, results, 10)
	require.Equal(t, "v0", results[0].ExternalID)
}

func TestFetchPlaylistPaginates(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprintf(w, `{"title":"Mix","videoCount":3,"videos":[%s,%s]}`, videoJSON("v1"), videoJSON("v2"))
		case "2":
			fmt.Fprintf(w, `{"title":"Mix","videoCount":3,"videos":[%s]}`, videoJSON("v3"))
		default:
			fmt.Fprint(w, `{"title":"Mix","videoCount":3,"videos":[]}`)
		}
	})

	provider := NewProvider([]string{upstream.URL}, "", nil)

	playlist, err := provider.FetchPlaylist(context.Background(), "PL123")
	require.NoError(t, err)
	require.Equal(t, "Mix", playlist.Title)
	require.Len(t, playlist.Videos, 3)
	require.Equal(t, "v3", playlist.Videos[2].ExternalID)
}

func TestFetchPlaylistLaterPageFailureIsBestEffort(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprintf(w, `{"title":"Mix","videoCount":50,"videos":[%s]}`, videoJSON("v1"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})

	provider := NewProvider([]string{upstream.URL}, "", nil)

	playlist, err := provider.FetchPlaylist(context.Background(), "PL123")
	require.NoError(t, err)
	require.Len(t, playlist.Videos, 1)
}

func TestFetchPlaylistFirstPageFailure(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	provider := NewProvider([]string{upstream.URL}, "", nil)

	_, err := provider.FetchPlaylist(context.Background(), "PL123")
	require.ErrorIs(t, err, ErrNotFound)
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	cache, err := NewCache(t.TempDir()+"/cache.db", time.Second)
	require.NoError(t, err)
	require.NoError(t, cache.Open())
	t.Cleanup(func() { cache.Close() })

	return cache
}
