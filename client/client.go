// Package client maintains one logical connection to an auxparty room
// across physical websocket drops. It reconnects with exponential backoff,
// re-sends JOIN on every connect, detects zombie channels with a
// ping/pong watchdog and keeps a local mirror of the room state that
// optimistic guest mutations and server frames both flow into.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/auxparty/auxparty/server/src/communication"
)

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultPongTimeout       = 5 * time.Second
	defaultBaseRetryDelay    = 1000 * time.Millisecond
	defaultMaxRetryDelay     = 30000 * time.Millisecond
	defaultReportInterval    = 2 * time.Second
	defaultSuppressWindow    = 400 * time.Millisecond
	defaultDialTimeout       = 10 * time.Second
	writeTimeout             = 10 * time.Second
)

var errNotConnected = errors.New("client: channel not open")

// PlayerStatus is what the embedded player reports on the host.
type PlayerStatus struct {
	CurrentTime float64
	IsPlaying   bool
	Duration    float64
}

type Config struct {
	URL      string // websocket endpoint, e.g. ws://host:7766/ws
	RoomCode string
	UserID   string
	Role     string // communication.RoleHost or communication.RoleGuest

	// PlayerStatus is sampled every ReportInterval on the host; return
	// ok=false while the player is not playable.
	PlayerStatus func() (PlayerStatus, bool)

	// OnUpdate fires after every applied state change; pull Snapshot from
	// there.
	OnUpdate func()

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	ReportInterval    time.Duration
	SuppressWindow    time.Duration
	DialTimeout       time.Duration

	Logger *zap.SugaredLogger
}

func (config *Config) applyDefaults() {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaultHeartbeatInterval
	}
	if config.PongTimeout == 0 {
		config.PongTimeout = defaultPongTimeout
	}
	if config.BaseRetryDelay == 0 {
		config.BaseRetryDelay = defaultBaseRetryDelay
	}
	if config.MaxRetryDelay == 0 {
		config.MaxRetryDelay = defaultMaxRetryDelay
	}
	if config.ReportInterval == 0 {
		config.ReportInterval = defaultReportInterval
	}
	if config.SuppressWindow == 0 {
		config.SuppressWindow = defaultSuppressWindow
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
}

type Client struct {
	config Config
	state  *State
	logger *zap.SugaredLogger

	mu         sync.Mutex
	conn       *websocket.Conn
	connState  ConnState
	attempts   int
	reconnects int
	unmounted  bool
	watchdog   *time.Timer

	done     chan struct{}
	doneOnce sync.Once
}

func New(config Config) *Client {
	config.applyDefaults()

	return &Client{
		config: config,
		state:  newState(config.SuppressWindow),
		logger: config.Logger,
		done:   make(chan struct{}),
	}
}

// State returns the local mirror of the room.
func (client *Client) State() *State {
	return client.state
}

func (client *Client) ConnState() ConnState {
	client.mu.Lock()
	defer client.mu.Unlock()

	return client.connState
}

// ReconnectCount is the user-visible number of reconnection attempts.
func (client *Client) ReconnectCount() int {
	client.mu.Lock()
	defer client.mu.Unlock()

	return client.reconnects
}

// Run drives the connection state machine until ctx is cancelled or Close
// is called. It blocks; run it on its own goroutine.
func (client *Client) Run(ctx context.Context) {
	for {
		if client.closed(ctx) {
			return
		}

		client.setConnState(Connecting)
		conn, err := client.dial(ctx)
		if err != nil {
			client.logger.Warnw("Dial failed", "error", err)
			client.setConnState(Disconnected)
			client.failedAttempt()
			if !client.waitRetry(ctx) {
				return
			}
			continue
		}

		client.adopt(conn)
		client.sendJoin()

		stop := make(chan struct{})
		go client.heartbeat(stop)
		go client.reportPositions(stop)

		client.readLoop(ctx, conn)
		close(stop)
		client.stopWatchdog()

		client.dropConn(conn)
		client.setConnState(Disconnected)

		if client.closed(ctx) {
			return
		}
		if !client.waitRetry(ctx) {
			return
		}
	}
}

// Close tears the reconciler down: no further reconnects are scheduled and
// the channel is closed.
func (client *Client) Close() {
	client.doneOnce.Do(func() {
		client.mu.Lock()
		client.unmounted = true
		conn := client.conn
		client.mu.Unlock()

		close(client.done)
		client.stopWatchdog()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "unmounted")
		}
	})
}

func (client *Client) closed(ctx context.Context) bool {
	select {
	case <-client.done:
		return true
	case <-ctx.Done():
		return true
	default:
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	return client.unmounted
}

func (client *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, client.config.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, client.config.URL, nil)
	return conn, err
}

// adopt marks a successful connect: the backoff counter resets.
func (client *Client) adopt(conn *websocket.Conn) {
	client.mu.Lock()
	client.conn = conn
	client.connState = Connected
	client.attempts = 0
	client.mu.Unlock()

	client.notify()
}

func (client *Client) dropConn(conn *websocket.Conn) {
	conn.Close(websocket.StatusNormalClosure, "")

	client.mu.Lock()
	if client.conn == conn {
		client.conn = nil
	}
	client.mu.Unlock()
}

func (client *Client) setConnState(state ConnState) {
	client.mu.Lock()
	client.connState = state
	client.mu.Unlock()

	client.notify()
}

func (client *Client) failedAttempt() {
	client.mu.Lock()
	client.attempts++
	client.mu.Unlock()
}

// waitRetry sleeps for the backoff delay of the current attempt counter.
// Returns false when the client is being torn down.
func (client *Client) waitRetry(ctx context.Context) bool {
	client.mu.Lock()
	attempt := client.attempts
	client.reconnects++
	client.mu.Unlock()

	delay := client.BackoffDelay(attempt)
	client.logger.Infow("Scheduling reconnect", "delay", delay, "attempt", attempt)

	select {
	case <-time.After(delay):
		return true
	case <-client.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// BackoffDelay is min(base·2^attempt, max) — 1 s, 2 s, 4 s, ... capped at
// 30 s with the default tuning.
func (client *Client) BackoffDelay(attempt int) time.Duration {
	delay := client.config.BaseRetryDelay
	for i := 0; i < attempt && delay < client.config.MaxRetryDelay; i++ {
		delay *= 2
	}
	if delay > client.config.MaxRetryDelay {
		delay = client.config.MaxRetryDelay
	}

	return delay
}

func (client *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			client.logger.Infow("Channel closed", "error", err)
			return
		}

		message, err := communication.UnmarshalMessage(data)
		if err != nil {
			client.logger.Warnw("Dropping unparseable frame", "error", err)
			continue
		}

		client.handleMessage(message)
	}
}

func (client *Client) handleMessage(message communication.Message) {
	if _, ok := message.(*communication.Pong); ok {
		client.stopWatchdog()
		return
	}

	client.state.Apply(message)
	client.notify()
}

// heartbeat sends PING every HeartbeatInterval and arms a watchdog that
// force-closes the channel when no PONG arrives in time. This is what
// catches zombie connections the transport still considers open.
func (client *Client) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(client.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := client.send(communication.Ping{}); err != nil {
				continue
			}
			client.armWatchdog()
		}
	}
}

func (client *Client) armWatchdog() {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.watchdog != nil {
		client.watchdog.Stop()
	}
	client.watchdog = time.AfterFunc(client.config.PongTimeout, client.forceClose)
}

func (client *Client) stopWatchdog() {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.watchdog != nil {
		client.watchdog.Stop()
		client.watchdog = nil
	}
}

func (client *Client) forceClose() {
	client.mu.Lock()
	conn := client.conn
	client.mu.Unlock()

	if conn == nil {
		return
	}

	client.logger.Warnw("Heartbeat timed out, closing zombie channel")
	conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
}

// reportPositions is the host-side periodic SYNC_TIME emitter.
func (client *Client) reportPositions(stop chan struct{}) {
	if client.config.Role != communication.RoleHost || client.config.PlayerStatus == nil {
		return
	}

	ticker := time.NewTicker(client.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			status, ok := client.config.PlayerStatus()
			if !ok {
				continue
			}

			duration := status.Duration
			client.send(communication.SyncTime{
				RoomID:      client.config.RoomCode,
				CurrentTime: status.CurrentTime,
				IsPlaying:   status.IsPlaying,
				Duration:    &duration,
			})
		}
	}
}

func (client *Client) sendJoin() {
	client.send(communication.Join{
		RoomID: client.config.RoomCode,
		UserID: client.config.UserID,
		Role:   client.config.Role,
	})
}

// send marshals and writes one frame. On a non-open channel it is a no-op
// with a warning.
func (client *Client) send(message communication.Message) error {
	payload, err := communication.MarshalMessage(message)
	if err != nil {
		client.logger.Errorw("Unable to marshal message", "error", err, "type", message.Type())
		return err
	}

	client.mu.Lock()
	conn := client.conn
	client.mu.Unlock()

	if conn == nil {
		client.logger.Warnw("Dropping send on closed channel", "type", message.Type())
		return errNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, payload)
}

func (client *Client) notify() {
	if client.config.OnUpdate != nil {
		client.config.OnUpdate()
	}
}

// AddVideo applies the entry optimistically and sends the mutation.
func (client *Client) AddVideo(video communication.VideoPayload) {
	client.state.OptimisticAdd(video, client.config.UserID)
	client.notify()

	client.send(communication.AddVideo{
		RoomID: client.config.RoomCode,
		Video:  video,
		UserID: client.config.UserID,
	})
}

// AddVideos is the bulk variant of AddVideo.
func (client *Client) AddVideos(videos []communication.VideoPayload) {
	for _, video := range videos {
		client.state.OptimisticAdd(video, client.config.UserID)
	}
	client.notify()

	client.send(communication.AddVideos{
		RoomID: client.config.RoomCode,
		Videos: videos,
		UserID: client.config.UserID,
	})
}

// Play requests playback; the local play bit flips optimistically.
func (client *Client) Play() {
	client.state.SetPlayingLocal(true)
	client.notify()
	client.send(communication.Play{RoomID: client.config.RoomCode})
}

// Pause requests a pause; the local play bit flips optimistically.
func (client *Client) Pause() {
	client.state.SetPlayingLocal(false)
	client.notify()
	client.send(communication.Pause{RoomID: client.config.RoomCode})
}

func (client *Client) Next() {
	client.send(communication.NextVideo{RoomID: client.config.RoomCode})
}

func (client *Client) RemoveVideo(videoID string) {
	client.send(communication.RemoveVideo{RoomID: client.config.RoomCode, VideoID: videoID})
}

func (client *Client) SelectVideo(externalID string) {
	client.send(communication.SelectVideo{RoomID: client.config.RoomCode, YoutubeID: externalID})
}

// VideoEnded is the host player's ended callback. Within the suppression
// window after an applied server command it is the echo of a programmatic
// transition and must not advance the playlist.
func (client *Client) VideoEnded() {
	if client.config.Role != communication.RoleHost {
		return
	}
	if client.state.Suppressed() {
		client.logger.Debugw("Ignoring ended event inside suppression window")
		return
	}

	client.send(communication.NextVideo{RoomID: client.config.RoomCode})
}
