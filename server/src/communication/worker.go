package communication

import (
	"fmt"
	"sync"

	"github.com/auxparty/auxparty/server/src/logger"
)

// ClientWorker drives one connected client: it reads frames, routes them to
// the registry and serializes writes back onto the channel.
type ClientWorker interface {
	Start()
	Close()
	SendMessage(payload []byte)
}

type Worker struct {
	registry *Registry
	conn     MessageReaderWriter

	writeMutex sync.Mutex
	closeOnce  sync.Once

	sessionMutex sync.Mutex
	joinedRoom   string
	joinedUser   string
}

func NewWorker(registry *Registry, conn MessageReaderWriter) ClientWorker {
	return &Worker{registry: registry, conn: conn}
}

// Start blocks on the read loop. The session is detached when the loop
// ends, never from inside a broadcast, so a failing send cannot deadlock
// against the room lock.
func (worker *Worker) Start() {
	defer worker.detach()
	defer worker.conn.Close()

	for {
		data, err := worker.conn.ReadMessage()
		if err != nil {
			logger.Infow("Unable to read from client. Closing connection", "error", err)
			return
		}

		worker.handleMessage(data)
	}
}

// Close tears the channel down. The read loop notices and performs the
// detach on its own goroutine.
func (worker *Worker) Close() {
	worker.closeOnce.Do(func() {
		worker.conn.Close()
	})
}

func (worker *Worker) SendMessage(payload []byte) {
	worker.writeMutex.Lock()
	defer worker.writeMutex.Unlock()

	err := worker.conn.WriteMessage(payload)
	if err != nil {
		logger.Errorw("Unable to send message", "error", err)
		worker.Close()
	}
}

func (worker *Worker) detach() {
	worker.sessionMutex.Lock()
	roomCode, userID := worker.joinedRoom, worker.joinedUser
	worker.joinedRoom, worker.joinedUser = "", ""
	worker.sessionMutex.Unlock()

	if roomCode != "" {
		worker.registry.Detach(roomCode, userID, worker)
	}
}

func (worker *Worker) joined() bool {
	worker.sessionMutex.Lock()
	defer worker.sessionMutex.Unlock()

	return worker.joinedRoom != ""
}

func (worker *Worker) sendError(message string) {
	payload, err := MarshalMessage(Error{Message: message})
	if err != nil {
		logger.Errorw("Unable to marshal error message", "error", err)
		return
	}

	worker.SendMessage(payload)
}

func (worker *Worker) handleMessage(data []byte) {
	message, err := UnmarshalMessage(data)
	if err != nil {
		worker.sendError("Invalid message")
		return
	}

	worker.handleMessageTypes(message)
}

func (worker *Worker) handleMessageTypes(message Message) {
	switch message := message.(type) {
	case *Ping:
		worker.sendPong()
	case *Join:
		worker.handleJoin(*message)
	case *AddVideo:
		worker.handleAddVideo(*message)
	case *AddVideos:
		worker.handleAddVideos(*message)
	case *Play:
		worker.handlePlay(*message)
	case *Pause:
		worker.handlePause(*message)
	case *SyncTime:
		worker.handleSyncTime(*message)
	case *NextVideo:
		worker.handleNextVideo(*message)
	case *RemoveVideo:
		worker.handleRemoveVideo(*message)
	case *SelectVideo:
		worker.handleSelectVideo(*message)
	default:
		worker.sendError(fmt.Sprintf("Requested command %s not supported", message.Type()))
	}
}

func (worker *Worker) sendPong() {
	payload, err := MarshalMessage(Pong{})
	if err != nil {
		logger.Errorw("Unable to marshal pong", "error", err)
		return
	}

	worker.SendMessage(payload)
}

func (worker *Worker) handleJoin(join Join) {
	if join.RoomID == "" || join.UserID == "" {
		worker.sendError("Invalid message")
		return
	}
	if join.Role != RoleHost && join.Role != RoleGuest {
		worker.sendError("Invalid message")
		return
	}

	// re-JOIN to another room moves the session over
	worker.sessionMutex.Lock()
	previousRoom, previousUser := worker.joinedRoom, worker.joinedUser
	worker.sessionMutex.Unlock()
	if previousRoom != "" && (previousRoom != join.RoomID || previousUser != join.UserID) {
		worker.registry.Detach(previousRoom, previousUser, worker)
	}

	_, snapshot, err := worker.registry.Attach(join.RoomID, join.UserID, join.Role, worker)
	if err == ErrRoomNotFound {
		worker.sendError("Room not found")
		return
	}
	if err != nil {
		logger.Errorw("Failed to attach session", "error", err, "room", join.RoomID)
		worker.sendError("Failed to join room")
		return
	}

	worker.sessionMutex.Lock()
	worker.joinedRoom = join.RoomID
	worker.joinedUser = join.UserID
	worker.sessionMutex.Unlock()

	payload, err := MarshalMessage(snapshot)
	if err != nil {
		logger.Errorw("Unable to marshal snapshot", "error", err)
		return
	}
	worker.SendMessage(payload)
}

// liveRoom resolves the room a mutation addresses. Identity is implicit in
// the channel; the roomId field of the message decides the target.
func (worker *Worker) liveRoom(roomCode string) (*Room, bool) {
	if !worker.joined() {
		worker.sendError("Not joined")
		return nil, false
	}

	room, ok := worker.registry.Live(roomCode)
	if !ok {
		worker.sendError("Room not found")
		return nil, false
	}

	return room, true
}

func (worker *Worker) handleAddVideo(message AddVideo) {
	if message.Video.YoutubeID == "" {
		worker.sendError("Invalid message")
		return
	}

	room, ok := worker.liveRoom(message.RoomID)
	if !ok {
		return
	}

	room.AddVideo(message.Video, message.UserID, worker)
}

func (worker *Worker) handleAddVideos(message AddVideos) {
	if len(message.Videos) == 0 {
		worker.sendError("Invalid message")
		return
	}

	room, ok := worker.liveRoom(message.RoomID)
	if !ok {
		return
	}

	room.AddVideos(message.Videos, message.UserID, worker)
}

func (worker *Worker) handlePlay(message Play) {
	room, ok := worker.liveRoom(message.RoomID)
	if !ok {
		return
	}

	room.SetPlaying(true, worker)
}

func (worker *Worker) handlePause(message Pause) {
	room, ok := worker.liveRoom(message.RoomID)
	if !ok {
		return
	}

	room.SetPlaying(false, worker)
}

func (worker *Worker) handleSyncTime(message SyncTime) {
	room, ok := worker.liveRoom(message.RoomID)
	if !ok {
		return
	}

	room.ReportPosition(message.CurrentTime, message.IsPlaying, worker)
}

func (worker *Worker) handleNextVideo(message NextVideo) {
	room, ok := worker.liveRoom(message.RoomID)
	if !ok {
		return
	}

	room.NextVideo(worker)
}

func (worker *Worker) handleRemoveVideo(message RemoveVideo) {
	if message.VideoID == "" {
		worker.sendError("Invalid message")
		return
	}

	room, ok := worker.liveRoom(message.RoomID)
	if !ok {
		return
	}

	room.RemoveVideo(message.VideoID, worker)
}

func (worker *Worker) handleSelectVideo(message SelectVideo) {
	if message.YoutubeID == "" {
		worker.sendError("Invalid message")
		return
	}

	room, ok := worker.liveRoom(message.RoomID)
	if !ok {
		return
	}

	room.SelectVideo(message.YoutubeID, worker)
}
