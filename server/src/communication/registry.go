package communication

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/auxparty/auxparty/server/src/logger"
	"github.com/auxparty/auxparty/server/src/store"
)

var ErrRoomNotFound = errors.New("communication: room not found")

// Registry owns the set of live rooms. Room state is materialized lazily on
// the first attach, seeded from the durable store, and dropped again when
// the last client detaches; the durable record outlives it.
type Registry struct {
	mu           sync.Mutex
	rooms        map[string]*Room
	store        *store.Store
	saveInterval time.Duration
	now          func() time.Time
}

func NewRegistry(st *store.Store, saveInterval time.Duration) *Registry {
	return &Registry{
		rooms:        make(map[string]*Room),
		store:        st,
		saveInterval: saveInterval,
		now:          time.Now,
	}
}

// Attach materializes the room for code, registers the session (evicting a
// prior session of the same user) and returns the snapshot for the joining
// client.
func (registry *Registry) Attach(code string, userID string, role string, sink MessageSink) (*Room, SyncState, error) {
	room, err := registry.materialize(code)
	if err != nil {
		return nil, SyncState{}, err
	}

	snapshot := room.attach(userID, role, sink)
	logger.Infow("Session attached", "room", code, "userId", userID, "role", role)

	return room, snapshot, nil
}

// Detach drops the session and garbage-collects the in-memory room when it
// was the last one.
func (registry *Registry) Detach(code string, userID string, sink MessageSink) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	room, ok := registry.rooms[code]
	if !ok {
		return
	}

	if room.detach(userID, sink) {
		delete(registry.rooms, code)
		logger.Infow("Room state released", "room", code)
	}
}

// Live returns the in-memory room for a code, if any client is attached to
// it. Mutations address rooms through here: a room nobody has joined has no
// live state to mutate.
func (registry *Registry) Live(code string) (*Room, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	room, ok := registry.rooms[code]
	return room, ok
}

func (registry *Registry) materialize(code string) (*Room, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if room, ok := registry.rooms[code]; ok {
		return room, nil
	}

	record, err := registry.store.RoomByCode(code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", code, err)
	}

	playlist, err := registry.store.Videos(record.ID)
	if err != nil {
		return nil, fmt.Errorf("load playlist of %s: %w", code, err)
	}

	room := newRoom(record, playlist, registry.store, registry.saveInterval, registry.now)
	registry.rooms[code] = room
	logger.Infow("Room state materialized", "room", code, "videos", len(playlist))

	return room, nil
}
