package communication

import (
	"errors"
	"sync"
	"time"

	"github.com/auxparty/auxparty/server/src/logger"
	"github.com/auxparty/auxparty/server/src/store"
)

// Host position reports within this window of an explicit PLAY/PAUSE keep
// their isPlaying field ignored; the embedded player needs hundreds of
// milliseconds to actually transition and would report the stale bit back.
const playPauseCooldown = 3000 * time.Millisecond

// MessageSink is the write end of one connected client.
type MessageSink interface {
	SendMessage(payload []byte)
	Close()
}

type session struct {
	userID string
	role   string
	sink   MessageSink
}

// Room is the authoritative in-memory state of one live room. A single
// mutex is held across every read-modify-persist-broadcast sequence, which
// makes per-room mutations linearizable and keeps broadcast order stable.
type Room struct {
	id   string
	code string

	mu             sync.Mutex
	sessions       map[string]*session
	playlist       []store.Video
	currentVideoID *string
	isPlaying      bool
	currentTime    float64

	// wall-clock moment of the last explicit PLAY/PAUSE
	controlledAt time.Time
	// last throttled position write
	lastSave     time.Time
	saveInterval time.Duration

	store *store.Store
	now   func() time.Time
}

func newRoom(record store.Room, playlist []store.Video, st *store.Store, saveInterval time.Duration, now func() time.Time) *Room {
	room := &Room{
		id:             record.ID,
		code:           record.Code,
		sessions:       make(map[string]*session),
		playlist:       playlist,
		currentVideoID: record.CurrentVideoID,
		isPlaying:      record.IsPlaying,
		currentTime:    record.CurrentTime,
		saveInterval:   saveInterval,
		store:          st,
		now:            now,
	}

	// Seeding can leave a dangling pair behind; playback only resumes once
	// a host reports in, so restart paused.
	if room.currentVideoID == nil {
		room.isPlaying = false
		room.currentTime = 0
	}

	return room
}

func (room *Room) Code() string {
	return room.code
}

// attach registers a session, evicting any prior session of the same user.
// The returned snapshot is consistent with all later broadcasts.
func (room *Room) attach(userID string, role string, sink MessageSink) SyncState {
	room.mu.Lock()
	defer room.mu.Unlock()

	if existing, ok := room.sessions[userID]; ok && existing.sink != sink {
		logger.Infow("Evicting duplicate session", "room", room.code, "userId", userID)
		existing.sink.Close()
	}
	room.sessions[userID] = &session{userID: userID, role: role, sink: sink}

	return room.snapshotLocked()
}

// detach removes the session if it still belongs to the given sink (an
// evicted worker must not take down its successor). Reports whether the
// room is now empty.
func (room *Room) detach(userID string, sink MessageSink) bool {
	room.mu.Lock()
	defer room.mu.Unlock()

	if existing, ok := room.sessions[userID]; ok && existing.sink == sink {
		delete(room.sessions, userID)
	}

	return len(room.sessions) == 0
}

func (room *Room) Snapshot() SyncState {
	room.mu.Lock()
	defer room.mu.Unlock()

	return room.snapshotLocked()
}

func (room *Room) snapshotLocked() SyncState {
	return SyncState{
		CurrentVideoID: copyID(room.currentVideoID),
		IsPlaying:      room.isPlaying,
		CurrentTime:    room.currentTime,
		Playlist:       room.playlistLocked(),
	}
}

func (room *Room) playlistLocked() []PlaylistEntry {
	entries := make([]PlaylistEntry, 0, len(room.playlist))
	for _, video := range room.playlist {
		entries = append(entries, PlaylistEntry{
			ID:        video.ID,
			YoutubeID: video.ExternalID,
			Title:     video.Title,
			Thumbnail: video.ThumbnailURL,
			AddedBy:   video.AddedBy,
			IsPlayed:  video.IsPlayed,
			Order:     video.Order,
		})
	}

	return entries
}

// AddVideo appends to the playlist. If the room was idle the new entry
// auto-starts, broadcast as PLAY_VIDEO strictly before the PLAYLIST_UPDATE.
func (room *Room) AddVideo(payload VideoPayload, addedBy string, origin MessageSink) (store.Video, error) {
	room.mu.Lock()
	defer room.mu.Unlock()

	video, started, err := room.appendVideoLocked(payload, addedBy)
	if err != nil {
		sendError(origin, "Failed to add video")
		return store.Video{}, err
	}

	if started {
		room.persistPlaybackLocked(origin)
		room.broadcastAllLocked(mustMarshal(PlayVideo{VideoID: copyID(room.currentVideoID)}))
	}
	room.broadcastAllLocked(mustMarshal(PlaylistUpdate{Playlist: room.playlistLocked()}))

	return video, nil
}

// AddVideos is the bulk variant; input order is preserved and the
// auto-start rule applies to the first entry when the room was idle.
func (room *Room) AddVideos(payloads []VideoPayload, addedBy string, origin MessageSink) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	started := false
	for _, payload := range payloads {
		_, startedNow, err := room.appendVideoLocked(payload, addedBy)
		if err != nil {
			sendError(origin, "Failed to add videos")
			return err
		}
		started = started || startedNow
	}

	if started {
		room.persistPlaybackLocked(origin)
		room.broadcastAllLocked(mustMarshal(PlayVideo{VideoID: copyID(room.currentVideoID)}))
	}
	room.broadcastAllLocked(mustMarshal(PlaylistUpdate{Playlist: room.playlistLocked()}))

	return nil
}

func (room *Room) appendVideoLocked(payload VideoPayload, addedBy string) (store.Video, bool, error) {
	video := store.Video{
		RoomID:       room.id,
		ExternalID:   payload.YoutubeID,
		Title:        payload.Title,
		ThumbnailURL: payload.Thumbnail,
		AddedBy:      addedBy,
		Order:        room.nextOrderLocked(),
	}

	video, err := room.store.InsertVideo(video)
	if err != nil {
		return store.Video{}, false, err
	}
	room.playlist = append(room.playlist, video)

	if room.currentVideoID == nil {
		externalID := video.ExternalID
		room.currentVideoID = &externalID
		room.isPlaying = true
		room.currentTime = 0
		return video, true, nil
	}

	return video, false, nil
}

func (room *Room) nextOrderLocked() int {
	next := 0
	for _, video := range room.playlist {
		if video.Order >= next {
			next = video.Order + 1
		}
	}

	return next
}

// RemoveVideo deletes a playlist entry. currentVideoId is deliberately left
// alone, even when the removed entry is the one playing; it stays dangling
// until the next NEXT_VIDEO or SELECT_VIDEO.
func (room *Room) RemoveVideo(videoID string, origin MessageSink) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	index := -1
	for i, video := range room.playlist {
		if video.ID == videoID {
			index = i
			break
		}
	}
	if index < 0 {
		sendError(origin, "Video not found")
		return store.ErrNotFound
	}

	if err := room.store.DeleteVideo(videoID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sendError(origin, "Video not found")
		} else {
			sendError(origin, "Failed to remove video")
		}
		return err
	}

	room.playlist = append(room.playlist[:index], room.playlist[index+1:]...)
	room.broadcastAllLocked(mustMarshal(PlaylistUpdate{Playlist: room.playlistLocked()}))

	return nil
}

// SelectVideo jumps playback to the given external id.
func (room *Room) SelectVideo(externalID string, origin MessageSink) {
	room.mu.Lock()
	defer room.mu.Unlock()

	room.currentVideoID = &externalID
	room.isPlaying = true
	room.currentTime = 0

	room.persistPlaybackLocked(origin)
	room.broadcastAllLocked(mustMarshal(PlayVideo{VideoID: copyID(room.currentVideoID)}))
}

// NextVideo advances to the successor of the current entry by order. At the
// end of the list, or when the current id is not in the playlist, the room
// goes idle.
func (room *Room) NextVideo(origin MessageSink) {
	room.mu.Lock()
	defer room.mu.Unlock()

	next := room.successorLocked()
	if next == nil {
		room.currentVideoID = nil
		room.isPlaying = false
		room.currentTime = 0
	} else {
		externalID := next.ExternalID
		room.currentVideoID = &externalID
		room.isPlaying = true
		room.currentTime = 0
	}

	room.persistPlaybackLocked(origin)
	room.broadcastAllLocked(mustMarshal(PlayVideo{VideoID: copyID(room.currentVideoID)}))
	room.broadcastAllLocked(mustMarshal(PlaylistUpdate{Playlist: room.playlistLocked()}))
}

// successorLocked finds the entry after the current one and marks the
// current entry as played. The playlist slice is kept in order.
func (room *Room) successorLocked() *store.Video {
	if room.currentVideoID == nil {
		return nil
	}

	for i, video := range room.playlist {
		if video.ExternalID != *room.currentVideoID {
			continue
		}

		room.playlist[i].IsPlayed = true
		if err := room.store.SetVideoPlayed(video.ID, true); err != nil {
			logger.Warnw("Failed to persist played flag", "error", err, "videoId", video.ID)
		}

		if i+1 < len(room.playlist) {
			return &room.playlist[i+1]
		}
		return nil
	}

	return nil
}

// SetPlaying applies an explicit PLAY or PAUSE and records the cooldown
// moment.
func (room *Room) SetPlaying(playing bool, origin MessageSink) {
	room.mu.Lock()
	defer room.mu.Unlock()

	// the play bit only exists while a video is selected
	if room.currentVideoID == nil {
		return
	}

	room.isPlaying = playing
	room.controlledAt = room.now()

	if playing {
		room.broadcastAllLocked(mustMarshal(Play{VideoID: copyID(room.currentVideoID), CurrentTime: room.currentTime}))
	} else {
		room.broadcastAllLocked(mustMarshal(Pause{}))
	}
}

// ReportPosition ingests a host SYNC_TIME. currentTime is always taken;
// isPlaying only once the cooldown has elapsed (equality counts as
// elapsed). Returns the effective values mirrored to the other clients.
func (room *Room) ReportPosition(currentTime float64, isPlaying bool, origin MessageSink) (float64, bool) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.currentVideoID == nil {
		// nothing selected; reports from a lingering player are meaningless
		return 0, false
	}

	room.currentTime = currentTime
	if room.now().Sub(room.controlledAt) >= playPauseCooldown {
		room.isPlaying = isPlaying
	}

	if room.now().Sub(room.lastSave) >= room.saveInterval {
		room.lastSave = room.now()
		err := room.store.SavePlayback(room.id, room.currentVideoID, room.isPlaying, room.currentTime)
		if err != nil {
			logger.Warnw("Failed throttled playback write", "error", err, "room", room.code)
		}
	}

	room.broadcastExceptLocked(mustMarshal(SyncTime{CurrentTime: room.currentTime, IsPlaying: room.isPlaying}), origin)

	return room.currentTime, room.isPlaying
}

// persistPlaybackLocked is the eager write used on user-visible playback
// transitions. Failures are reported to the originating client but do not
// roll back the in-memory transition.
func (room *Room) persistPlaybackLocked(origin MessageSink) {
	err := room.store.SavePlayback(room.id, room.currentVideoID, room.isPlaying, room.currentTime)
	if err != nil {
		logger.Errorw("Failed eager playback write", "error", err, "room", room.code)
		sendError(origin, "Failed to save playback state")
	}
	room.lastSave = room.now()
}

func (room *Room) broadcastAllLocked(payload []byte) {
	if payload == nil {
		return
	}
	for _, target := range room.sessions {
		target.sink.SendMessage(payload)
	}
}

func (room *Room) broadcastExceptLocked(payload []byte, origin MessageSink) {
	if payload == nil {
		return
	}
	for _, target := range room.sessions {
		if target.sink == origin {
			continue
		}
		target.sink.SendMessage(payload)
	}
}

// State returns the playback triple for inspection.
func (room *Room) State() (*string, bool, float64) {
	room.mu.Lock()
	defer room.mu.Unlock()

	return copyID(room.currentVideoID), room.isPlaying, room.currentTime
}

// Playlist returns a copy of the in-memory playlist.
func (room *Room) Playlist() []store.Video {
	room.mu.Lock()
	defer room.mu.Unlock()

	playlist := make([]store.Video, len(room.playlist))
	copy(playlist, room.playlist)
	return playlist
}

// HasSession reports whether a user currently holds a session here.
func (room *Room) HasSession(userID string) bool {
	room.mu.Lock()
	defer room.mu.Unlock()

	_, ok := room.sessions[userID]
	return ok
}

func sendError(origin MessageSink, message string) {
	if origin == nil {
		return
	}
	origin.SendMessage(mustMarshal(Error{Message: message}))
}

// mustMarshal returns nil on a marshal failure, which broadcasts treat as
// "nothing to send". Our message types cannot actually fail to marshal.
func mustMarshal(message Message) []byte {
	payload, err := MarshalMessage(message)
	if err != nil {
		logger.Errorw("Unable to marshal message", "error", err, "type", message.Type())
		return nil
	}

	return payload
}

func copyID(id *string) *string {
	if id == nil {
		return nil
	}
	value := *id
	return &value
}
