// Package api serves the REST surface: room creation and lookup plus the
// media metadata proxy. Room coordination itself happens over /ws.
package api

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/auxparty/auxparty/server/src/logger"
	"github.com/auxparty/auxparty/server/src/media"
	"github.com/auxparty/auxparty/server/src/store"
)

// codeAlphabet avoids 0/O and 1/I so codes survive being read out loud.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

type API struct {
	store        *store.Store
	provider     *media.Provider
	codeAttempts int
}

func New(st *store.Store, provider *media.Provider, codeAttempts int) *API {
	if codeAttempts < 1 {
		codeAttempts = 1
	}

	return &API{store: st, provider: provider, codeAttempts: codeAttempts}
}

func (api *API) Routes() http.Handler {
	router := chi.NewRouter()
	router.Post("/rooms", api.handleCreateRoom)
	router.Get("/rooms/{code}", api.handleGetRoom)
	router.Get("/media/search", api.handleSearch)
	router.Get("/media/video", api.handleVideo)
	router.Get("/media/playlist", api.handlePlaylist)

	return router
}

type roomJSON struct {
	ID             string      `json:"id"`
	Code           string      `json:"code"`
	CurrentVideoID *string     `json:"currentVideoId"`
	IsPlaying      bool        `json:"isPlaying"`
	CurrentTime    float64     `json:"currentTime"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	Videos         []videoJSON `json:"videos,omitempty"`
}

type videoJSON struct {
	ID        string    `json:"id"`
	YoutubeID string    `json:"youtubeId"`
	Title     string    `json:"title"`
	Thumbnail string    `json:"thumbnail"`
	AddedBy   string    `json:"addedBy"`
	IsPlayed  bool      `json:"isPlayed"`
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"createdAt"`
}

func (api *API) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	for attempt := 0; attempt < api.codeAttempts; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to generate room code")
			return
		}

		room, err := api.store.CreateRoom(code)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			logger.Errorw("Failed to create room", "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to create room")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]interface{}{"room": toRoomJSON(room, nil)})
		return
	}

	writeError(w, http.StatusInternalServerError, "Failed to allocate a unique room code")
}

func (api *API) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))

	room, err := api.store.RoomByCode(code)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		logger.Errorw("Failed to load room", "error", err, "code", code)
		writeError(w, http.StatusInternalServerError, "Failed to load room")
		return
	}

	videos, err := api.store.Videos(room.ID)
	if err != nil {
		logger.Errorw("Failed to load playlist", "error", err, "code", code)
		writeError(w, http.StatusInternalServerError, "Failed to load room")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"room": toRoomJSON(room, videos)})
}

func (api *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "Missing query parameter q")
		return
	}

	results, err := api.provider.Search(r.Context(), query)
	if err != nil {
		logger.Warnw("Search failed", "error", err, "query", query)
		writeError(w, http.StatusInternalServerError, "Search is currently unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (api *API) handleVideo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing query parameter id")
		return
	}

	result, err := api.provider.Lookup(r.Context(), id)
	if errors.Is(err, media.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Video not found")
		return
	}
	if err != nil {
		logger.Warnw("Video lookup failed", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "Video lookup is currently unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

func (api *API) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing query parameter id")
		return
	}

	playlist, err := api.provider.FetchPlaylist(r.Context(), id)
	if errors.Is(err, media.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Playlist not found")
		return
	}
	if err != nil {
		logger.Warnw("Playlist fetch failed", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "Playlist import is currently unavailable")
		return
	}

	writeJSON(w, http.StatusOK, playlist)
}

// GenerateCode draws a 6-character room code from the 32-character
// alphabet using crypto/rand.
func GenerateCode() (string, error) {
	buffer := make([]byte, codeLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}

	code := make([]byte, codeLength)
	for i, b := range buffer {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}

	return string(code), nil
}

func toRoomJSON(room store.Room, videos []store.Video) roomJSON {
	out := roomJSON{
		ID:             room.ID,
		Code:           room.Code,
		CurrentVideoID: room.CurrentVideoID,
		IsPlaying:      room.IsPlaying,
		CurrentTime:    room.CurrentTime,
		CreatedAt:      room.CreatedAt,
		UpdatedAt:      room.UpdatedAt,
	}

	for _, video := range videos {
		out.Videos = append(out.Videos, videoJSON{
			ID:        video.ID,
			YoutubeID: video.ExternalID,
			Title:     video.Title,
			Thumbnail: video.ThumbnailURL,
			AddedBy:   video.AddedBy,
			IsPlayed:  video.IsPlayed,
			Order:     video.Order,
			CreatedAt: video.CreatedAt,
		})
	}

	return out
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
