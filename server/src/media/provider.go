// Package media resolves opaque external video ids to display metadata. The
// core room model never calls upstream itself; it only stores what this
// package returns.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/auxparty/auxparty/server/src/logger"
)

const (
	requestTimeout    = 8 * time.Second
	maxSearchResults  = 10
	maxPlaylistPages  = 10
	maxPlaylistVideos = 1000
)

var (
	// ErrNotFound means every provider answered and none knows the id.
	ErrNotFound = errors.New("media: not found")
	// ErrUnavailable means no provider could be reached at all.
	ErrUnavailable = errors.New("media: all providers unavailable")
)

type Video struct {
	ExternalID   string `json:"externalId"`
	Title        string `json:"title"`
	Thumbnail    string `json:"thumbnail"`
	ChannelTitle string `json:"channelTitle,omitempty"`
}

type Playlist struct {
	PlaylistID string  `json:"playlistId"`
	Title      string  `json:"title"`
	VideoCount int     `json:"videoCount"`
	Videos     []Video `json:"videos"`
}

// Provider queries a list of Invidious-compatible base urls in order, with
// an oEmbed endpoint as the last-resort single-video lookup. A nil cache
// disables caching.
type Provider struct {
	bases  []string
	oembed string
	cache  *Cache
	client *http.Client
}

func NewProvider(bases []string, oembed string, cache *Cache) *Provider {
	return &Provider{
		bases:  bases,
		oembed: oembed,
		cache:  cache,
		client: &http.Client{},
	}
}

// Search returns up to 10 video results for a free-text query.
func (provider *Provider) Search(ctx context.Context, query string) ([]Video, error) {
	var results []upstreamVideo
	err := provider.tryEach(ctx, func(ctx context.Context, base string) error {
		target := fmt.Sprintf("%s/api/v1/search?q=%s&type=video", base, url.QueryEscape(query))
		return provider.getJSON(ctx, target, &results)
	})
	if err != nil {
		return nil, err
	}

	if len(results) > maxSearchResults {
		results = results[:maxSearchResults]
	}

	videos := make([]Video, 0, len(results))
	for _, result := range results {
		videos = append(videos, result.toVideo())
	}

	return videos, nil
}

// Lookup resolves a single external id, consulting the cache first and
// falling back to oEmbed when every provider fails.
func (provider *Provider) Lookup(ctx context.Context, externalID string) (Video, error) {
	if provider.cache != nil {
		if video, ok := provider.cache.Video(externalID); ok {
			return video, nil
		}
	}

	var result upstreamVideo
	err := provider.tryEach(ctx, func(ctx context.Context, base string) error {
		target := fmt.Sprintf("%s/api/v1/videos/%s", base, url.PathEscape(externalID))
		return provider.getJSON(ctx, target, &result)
	})

	var video Video
	switch {
	case err == nil:
		video = result.toVideo()
	case errors.Is(err, ErrNotFound):
		return Video{}, err
	default:
		video, err = provider.lookupOEmbed(ctx, externalID)
		if err != nil {
			return Video{}, err
		}
	}

	if provider.cache != nil {
		if err := provider.cache.PutVideo(video); err != nil {
			logger.Warnw("Failed to cache video metadata", "error", err, "externalId", externalID)
		}
	}

	return video, nil
}

// FetchPlaylist concatenates upstream playlist pages, up to 10 pages and
// 1000 entries.
func (provider *Provider) FetchPlaylist(ctx context.Context, playlistID string) (Playlist, error) {
	playlist := Playlist{PlaylistID: playlistID, Videos: make([]Video, 0)}

	for page := 1; page <= maxPlaylistPages; page++ {
		var result upstreamPlaylist
		err := provider.tryEach(ctx, func(ctx context.Context, base string) error {
			target := fmt.Sprintf("%s/api/v1/playlists/%s?page=%d", base, url.PathEscape(playlistID), page)
			return provider.getJSON(ctx, target, &result)
		})
		if err != nil {
			if page == 1 {
				return Playlist{}, err
			}
			// Later pages are best-effort; return what we have.
			break
		}

		playlist.Title = result.Title
		playlist.VideoCount = result.VideoCount
		if len(result.Videos) == 0 {
			break
		}

		for _, video := range result.Videos {
			if len(playlist.Videos) >= maxPlaylistVideos {
				return playlist, nil
			}
			playlist.Videos = append(playlist.Videos, video.toVideo())
		}
	}

	return playlist, nil
}

// tryEach runs fetch against each base url in order and keeps the first
// success. A 404 is authoritative and short-circuits the chain.
func (provider *Provider) tryEach(ctx context.Context, fetch func(ctx context.Context, base string) error) error {
	if len(provider.bases) == 0 {
		return ErrUnavailable
	}

	for _, base := range provider.bases {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		err := fetch(reqCtx, base)
		cancel()

		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}

		logger.Warnw("Provider request failed, trying next", "base", base, "error", err)
	}

	return ErrUnavailable
}

func (provider *Provider) getJSON(ctx context.Context, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	resp, err := provider.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, target)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (provider *Provider) lookupOEmbed(ctx context.Context, externalID string) (Video, error) {
	if provider.oembed == "" {
		return Video{}, ErrUnavailable
	}

	watchURL := "https://www.youtube.com/watch?v=" + url.QueryEscape(externalID)
	target := fmt.Sprintf("%s?url=%s&format=json", provider.oembed, url.QueryEscape(watchURL))

	var result struct {
		Title        string `json:"title"`
		ThumbnailURL string `json:"thumbnail_url"`
		AuthorName   string `json:"author_name"`
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	err := provider.getJSON(reqCtx, target, &result)
	if errors.Is(err, ErrNotFound) {
		return Video{}, ErrNotFound
	}
	if err != nil {
		return Video{}, ErrUnavailable
	}

	return Video{
		ExternalID:   externalID,
		Title:        result.Title,
		Thumbnail:    result.ThumbnailURL,
		ChannelTitle: result.AuthorName,
	}, nil
}

type upstreamThumbnail struct {
	Quality string `json:"quality"`
	URL     string `json:"url"`
}

type upstreamVideo struct {
	VideoID    string              `json:"videoId"`
	Title      string              `json:"title"`
	Author     string              `json:"author"`
	Thumbnails []upstreamThumbnail `json:"videoThumbnails"`
}

type upstreamPlaylist struct {
	Title      string          `json:"title"`
	VideoCount int             `json:"videoCount"`
	Videos     []upstreamVideo `json:"videos"`
}

func (u upstreamVideo) toVideo() Video {
	return Video{
		ExternalID:   u.VideoID,
		Title:        u.Title,
		Thumbnail:    pickThumbnail(u.Thumbnails),
		ChannelTitle: u.Author,
	}
}

func pickThumbnail(thumbnails []upstreamThumbnail) string {
	for _, thumbnail := range thumbnails {
		if thumbnail.Quality == "medium" {
			return thumbnail.URL
		}
	}
	if len(thumbnails) > 0 {
		return thumbnails[0].URL
	}

	return ""
}
