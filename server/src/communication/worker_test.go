package communication

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

// fakeConn stands in for the websocket channel: tests feed frames into
// incoming and inspect what the worker wrote back.
type fakeConn struct {
	incoming chan []byte

	mu       sync.Mutex
	outgoing [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (conn *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case payload := <-conn.incoming:
		return payload, nil
	case <-conn.closed:
		return nil, errConnClosed
	}
}

func (conn *fakeConn) WriteMessage(payload []byte) error {
	select {
	case <-conn.closed:
		return errConnClosed
	default:
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.outgoing = append(conn.outgoing, payload)
	return nil
}

func (conn *fakeConn) Close() error {
	conn.closeOnce.Do(func() { close(conn.closed) })
	return nil
}

func (conn *fakeConn) push(t *testing.T, message Message) {
	t.Helper()

	payload, err := MarshalMessage(message)
	require.NoError(t, err)
	conn.incoming <- payload
}

func (conn *fakeConn) sentCount() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return len(conn.outgoing)
}

func (conn *fakeConn) sent(t *testing.T) []Message {
	t.Helper()
	conn.mu.Lock()
	defer conn.mu.Unlock()

	messages := make([]Message, 0, len(conn.outgoing))
	for _, payload := range conn.outgoing {
		message, err := UnmarshalMessage(payload)
		require.NoError(t, err)
		messages = append(messages, message)
	}

	return messages
}

// awaitSent blocks until the worker has written at least n frames.
func (conn *fakeConn) awaitSent(t *testing.T, n int) []Message {
	t.Helper()

	require.Eventually(t, func() bool {
		return conn.sentCount() >= n
	}, time.Second, 5*time.Millisecond)

	return conn.sent(t)
}

func startWorker(t *testing.T, registry *Registry) (*fakeConn, ClientWorker) {
	t.Helper()

	conn := newFakeConn()
	worker := NewWorker(registry, conn)

	done := make(chan struct{})
	go func() {
		worker.Start()
		close(done)
	}()
	t.Cleanup(func() {
		worker.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("worker did not stop")
		}
	})

	return conn, worker
}

func joinRoom(t *testing.T, conn *fakeConn, userID string, role string) {
	t.Helper()

	before := conn.sentCount()
	conn.push(t, Join{RoomID: testRoomCode, UserID: userID, Role: role})
	messages := conn.awaitSent(t, before+1)
	require.IsType(t, &SyncState{}, messages[len(messages)-1])
}

func TestWorkerPingBeforeJoin(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	conn, _ := startWorker(t, registry)

	conn.push(t, Ping{})

	messages := conn.awaitSent(t, 1)
	require.Equal(t, PongType, messages[0].Type())
}

func TestWorkerMutationBeforeJoin(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	conn, _ := startWorker(t, registry)

	conn.push(t, AddVideo{RoomID: testRoomCode, UserID: "u1", Video: VideoPayload{YoutubeID: "v1"}})

	messages := conn.awaitSent(t, 1)
	require.Equal(t, "Not joined", messages[0].(*Error).Message)
}

func TestWorkerJoinSendsSnapshot(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	conn, _ := startWorker(t, registry)

	conn.push(t, Join{RoomID: testRoomCode, UserID: "u1", Role: RoleGuest})

	messages := conn.awaitSent(t, 1)
	snapshot := messages[0].(*SyncState)
	require.Nil(t, snapshot.CurrentVideoID)
	require.Empty(t, snapshot.Playlist)
}

func TestWorkerJoinUnknownRoom(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	conn, _ := startWorker(t, registry)

	conn.push(t, Join{RoomID: "ZZZZZZ", UserID: "u1", Role: RoleGuest})

	messages := conn.awaitSent(t, 1)
	require.Equal(t, "Room not found", messages[0].(*Error).Message)
}

func TestWorkerJoinValidation(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	conn, _ := startWorker(t, registry)

	conn.push(t, Join{RoomID: testRoomCode, UserID: "u1", Role: "admin"})
	messages := conn.awaitSent(t, 1)
	require.Equal(t, "Invalid message", messages[0].(*Error).Message)

	conn.push(t, Join{RoomID: testRoomCode, UserID: "", Role: RoleGuest})
	messages = conn.awaitSent(t, 2)
	require.Equal(t, "Invalid message", messages[1].(*Error).Message)
}

func TestWorkerMalformedFrame(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	conn, _ := startWorker(t, registry)

	conn.incoming <- []byte(`{"type":`)

	messages := conn.awaitSent(t, 1)
	require.Equal(t, "Invalid message", messages[0].(*Error).Message)
}

func TestWorkerUnknownCommand(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	conn, _ := startWorker(t, registry)

	conn.incoming <- []byte(`{"type":"REWIND","roomId":"ABCDEF"}`)

	messages := conn.awaitSent(t, 1)
	require.Contains(t, messages[0].(*Error).Message, "not supported")
}

func TestWorkerAddVideoEndToEnd(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	conn, _ := startWorker(t, registry)
	joinRoom(t, conn, "u1", RoleGuest)

	conn.push(t, AddVideo{RoomID: testRoomCode, UserID: "u1", Video: VideoPayload{YoutubeID: "v1", Title: "T1"}})

	messages := conn.awaitSent(t, 3)
	playVideo := messages[1].(*PlayVideo)
	require.Equal(t, "v1", *playVideo.VideoID)
	update := messages[2].(*PlaylistUpdate)
	require.Len(t, update.Playlist, 1)
	require.Equal(t, "u1", update.Playlist[0].AddedBy)
}

func TestWorkerEmptyBulkAddRejected(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	conn, _ := startWorker(t, registry)
	joinRoom(t, conn, "u1", RoleGuest)

	conn.push(t, AddVideos{RoomID: testRoomCode, UserID: "u1"})

	messages := conn.awaitSent(t, 2)
	require.Equal(t, "Invalid message", messages[1].(*Error).Message)
}

func TestWorkerDisconnectDetaches(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	conn, worker := startWorker(t, registry)
	joinRoom(t, conn, "u1", RoleGuest)

	_, ok := registry.Live(testRoomCode)
	require.True(t, ok)

	worker.Close()
	require.Eventually(t, func() bool {
		_, ok := registry.Live(testRoomCode)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerEvictionDoesNotDropSuccessor(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	staleConn, _ := startWorker(t, registry)
	joinRoom(t, staleConn, "u1", RoleGuest)

	freshConn, _ := startWorker(t, registry)
	joinRoom(t, freshConn, "u1", RoleGuest)

	// the evicted worker's read loop fails and runs its deferred detach;
	// the fresh session must survive it
	require.Eventually(t, func() bool {
		select {
		case <-staleConn.closed:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	room, ok := registry.Live(testRoomCode)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return room.HasSession("u1")
	}, time.Second, 5*time.Millisecond)
}
