package communication

import (
	"encoding/json"
)

type MessageType string

const (
	// client -> server
	JoinType        MessageType = "JOIN"
	AddVideoType    MessageType = "ADD_VIDEO"
	AddVideosType   MessageType = "ADD_VIDEOS"
	PlayType        MessageType = "PLAY"
	PauseType       MessageType = "PAUSE"
	SyncTimeType    MessageType = "SYNC_TIME"
	NextVideoType   MessageType = "NEXT_VIDEO"
	RemoveVideoType MessageType = "REMOVE_VIDEO"
	SelectVideoType MessageType = "SELECT_VIDEO"
	PingType        MessageType = "PING"

	// server -> client (PLAY, PAUSE and SYNC_TIME travel both ways)
	SyncStateType      MessageType = "SYNC_STATE"
	PlaylistUpdateType MessageType = "PLAYLIST_UPDATE"
	PlayVideoType      MessageType = "PLAY_VIDEO"
	PongType           MessageType = "PONG"
	ErrorType          MessageType = "ERROR"

	UnknownType MessageType = "unknown"
)

const (
	RoleHost  = "host"
	RoleGuest = "guest"
)

type Message interface {
	Type() MessageType
}

type Join struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func (j Join) Type() MessageType { return JoinType }

// VideoPayload is the client-supplied description of a video to enqueue.
// The wire field youtubeId is the legacy name of the opaque external id.
type VideoPayload struct {
	YoutubeID string `json:"youtubeId"`
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail"`
}

type AddVideo struct {
	RoomID string       `json:"roomId"`
	Video  VideoPayload `json:"video"`
	UserID string       `json:"userId"`
}

func (a AddVideo) Type() MessageType { return AddVideoType }

type AddVideos struct {
	RoomID string         `json:"roomId"`
	Videos []VideoPayload `json:"videos"`
	UserID string         `json:"userId"`
}

func (a AddVideos) Type() MessageType { return AddVideosType }

// Play carries only roomId inbound; outbound the server fills videoId and
// currentTime instead.
type Play struct {
	RoomID      string  `json:"roomId,omitempty"`
	VideoID     *string `json:"videoId,omitempty"`
	CurrentTime float64 `json:"currentTime"`
}

func (p Play) Type() MessageType { return PlayType }

type Pause struct {
	RoomID string `json:"roomId,omitempty"`
}

func (p Pause) Type() MessageType { return PauseType }

// SyncTime is the host position report inbound; outbound it carries the
// server's effective post-cooldown values.
type SyncTime struct {
	RoomID      string   `json:"roomId,omitempty"`
	CurrentTime float64  `json:"currentTime"`
	IsPlaying   bool     `json:"isPlaying"`
	Duration    *float64 `json:"duration,omitempty"`
}

func (s SyncTime) Type() MessageType { return SyncTimeType }

type NextVideo struct {
	RoomID string `json:"roomId"`
}

func (n NextVideo) Type() MessageType { return NextVideoType }

type RemoveVideo struct {
	RoomID  string `json:"roomId"`
	VideoID string `json:"videoId"`
}

func (r RemoveVideo) Type() MessageType { return RemoveVideoType }

type SelectVideo struct {
	RoomID    string `json:"roomId"`
	YoutubeID string `json:"youtubeId"`
}

func (s SelectVideo) Type() MessageType { return SelectVideoType }

type Ping struct{}

func (p Ping) Type() MessageType { return PingType }

type Pong struct{}

func (p Pong) Type() MessageType { return PongType }

// PlaylistEntry is the wire shape of one playlist item.
type PlaylistEntry struct {
	ID        string `json:"id"`
	YoutubeID string `json:"youtubeId"`
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail"`
	AddedBy   string `json:"addedBy"`
	IsPlayed  bool   `json:"isPlayed"`
	Order     int    `json:"order"`
}

// SyncState is the authoritative snapshot sent on every (re)join.
type SyncState struct {
	CurrentVideoID *string         `json:"currentVideoId"`
	IsPlaying      bool            `json:"isPlaying"`
	CurrentTime    float64         `json:"currentTime"`
	Playlist       []PlaylistEntry `json:"playlist"`
}

func (s SyncState) Type() MessageType { return SyncStateType }

type PlaylistUpdate struct {
	Playlist []PlaylistEntry `json:"playlist"`
}

func (p PlaylistUpdate) Type() MessageType { return PlaylistUpdateType }

type PlayVideo struct {
	VideoID *string `json:"videoId"`
}

func (p PlayVideo) Type() MessageType { return PlayVideoType }

type Error struct {
	Message string `json:"message"`
}

func (e Error) Type() MessageType { return ErrorType }

type Unknown struct {
	json.RawMessage
}

func (u Unknown) Type() MessageType { return UnknownType }

func UnmarshalMessage(data []byte) (Message, error) {
	message, err := getMessage(data)
	if err != nil {
		return nil, err
	}

	// Due to the Unknown message, we can deliberately parse all jsons.
	// Hence, this will not fail
	json.Unmarshal(data, &message)

	return message, nil
}

func getMessage(data []byte) (Message, error) {
	var messageHead struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &messageHead); err != nil {
		return nil, err
	}

	var message Message
	switch messageHead.Type {
	case JoinType:
		message = &Join{}
	case AddVideoType:
		message = &AddVideo{}
	case AddVideosType:
		message = &AddVideos{}
	case PlayType:
		message = &Play{}
	case PauseType:
		message = &Pause{}
	case SyncTimeType:
		message = &SyncTime{}
	case NextVideoType:
		message = &NextVideo{}
	case RemoveVideoType:
		message = &RemoveVideo{}
	case SelectVideoType:
		message = &SelectVideo{}
	case PingType:
		message = &Ping{}
	case PongType:
		message = &Pong{}
	case SyncStateType:
		message = &SyncState{}
	case PlaylistUpdateType:
		message = &PlaylistUpdate{}
	case PlayVideoType:
		message = &PlayVideo{}
	case ErrorType:
		message = &Error{}
	default:
		message = &Unknown{}
	}

	return message, nil
}

func MarshalMessage(message Message) ([]byte, error) {
	encodedMessage, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}

	return appendType(encodedMessage, message.Type()), nil
}

func appendType(encodedMessage []byte, messageType MessageType) []byte {
	appendedMessage := string(encodedMessage)
	if appendedMessage == "{}" {
		// empty payloads (PING, PONG, PAUSE) carry only the discriminator
		return []byte(`{"type":"` + string(messageType) + `"}`)
	}

	appendedMessage = appendedMessage[:len(appendedMessage)-1] + `,"type":"` + string(messageType) + `"}`
	return []byte(appendedMessage)
}
