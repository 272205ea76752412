package client

import (
	"sync"
	"time"

	"github.com/auxparty/auxparty/server/src/communication"
)

// State is the client-local mirror of the room. Server snapshots replace
// it wholesale, which is also what reconciles optimistic entries away.
type State struct {
	mu             sync.Mutex
	playlist       []communication.PlaylistEntry
	currentVideoID *string
	isPlaying      bool
	currentTime    float64
	lastError      string

	pending        *pendingTracker
	suppressWindow time.Duration
	suppressUntil  time.Time

	now func() time.Time
}

// Snapshot is a consistent copy of the mirror for the UI.
type Snapshot struct {
	Playlist       []communication.PlaylistEntry
	CurrentVideoID *string
	IsPlaying      bool
	CurrentTime    float64
	LastError      string
}

func newState(suppressWindow time.Duration) *State {
	return &State{
		playlist:       make([]communication.PlaylistEntry, 0),
		pending:        newPendingTracker(),
		suppressWindow: suppressWindow,
		now:            time.Now,
	}
}

func (state *State) Snapshot() Snapshot {
	state.mu.Lock()
	defer state.mu.Unlock()

	playlist := make([]communication.PlaylistEntry, len(state.playlist))
	copy(playlist, state.playlist)

	var currentVideoID *string
	if state.currentVideoID != nil {
		value := *state.currentVideoID
		currentVideoID = &value
	}

	return Snapshot{
		Playlist:       playlist,
		CurrentVideoID: currentVideoID,
		IsPlaying:      state.isPlaying,
		CurrentTime:    state.currentTime,
		LastError:      state.lastError,
	}
}

// Apply folds one server frame into the mirror.
func (state *State) Apply(message communication.Message) {
	state.mu.Lock()
	defer state.mu.Unlock()

	switch message := message.(type) {
	case *communication.SyncState:
		state.applySyncState(*message)
	case *communication.PlaylistUpdate:
		state.playlist = message.Playlist
		state.pending.Reset()
	case *communication.Play:
		state.currentVideoID = message.VideoID
		state.currentTime = message.CurrentTime
		state.isPlaying = true
		state.suppressLocked()
	case *communication.Pause:
		state.isPlaying = false
		state.suppressLocked()
	case *communication.PlayVideo:
		state.currentVideoID = message.VideoID
		state.currentTime = 0
		state.isPlaying = message.VideoID != nil
		state.suppressLocked()
	case *communication.SyncTime:
		state.currentTime = message.CurrentTime
		state.isPlaying = message.IsPlaying
	case *communication.Error:
		// pessimistically assume the last optimistic mutation failed; the
		// next snapshot straightens the list out
		state.lastError = message.Message
		state.pending.Reset()
	}
}

func (state *State) applySyncState(snapshot communication.SyncState) {
	state.playlist = snapshot.Playlist
	state.currentVideoID = snapshot.CurrentVideoID
	state.isPlaying = snapshot.IsPlaying
	state.currentTime = snapshot.CurrentTime
	state.lastError = ""
	state.pending.Reset()
	state.suppressLocked()
}

// OptimisticAdd inserts a synthetic playlist entry before the server
// acknowledges. The entry id is "optimistic-<externalId>"; the following
// PLAYLIST_UPDATE or SYNC_STATE replaces the whole list and reconciles it.
func (state *State) OptimisticAdd(video communication.VideoPayload, addedBy string) {
	state.mu.Lock()
	defer state.mu.Unlock()

	order := 0
	for _, entry := range state.playlist {
		if entry.Order >= order {
			order = entry.Order + 1
		}
	}

	state.playlist = append(state.playlist, communication.PlaylistEntry{
		ID:        "optimistic-" + video.YoutubeID,
		YoutubeID: video.YoutubeID,
		Title:     video.Title,
		Thumbnail: video.Thumbnail,
		AddedBy:   addedBy,
		Order:     order,
	})
	state.pending.Add(video.YoutubeID)
}

// SetPlayingLocal flips the play bit ahead of the server echo.
func (state *State) SetPlayingLocal(playing bool) {
	state.mu.Lock()
	defer state.mu.Unlock()

	state.isPlaying = playing
}

// Pending lists external ids of optimistic entries not yet confirmed.
func (state *State) Pending() []string {
	state.mu.Lock()
	defer state.mu.Unlock()

	return state.pending.IDs()
}

// Suppressed reports whether an applied server command is recent enough
// that player events are its echo.
func (state *State) Suppressed() bool {
	state.mu.Lock()
	defer state.mu.Unlock()

	return state.now().Before(state.suppressUntil)
}

func (state *State) suppressLocked() {
	state.suppressUntil = state.now().Add(state.suppressWindow)
}
