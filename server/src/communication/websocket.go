package communication

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/auxparty/auxparty/server/src/config"
	"github.com/auxparty/auxparty/server/src/logger"
)

const writeTimeout = 10 * time.Second

type NewReaderWriter func(*websocket.Conn) MessageReaderWriter

type NewClientWorker func(*Registry, MessageReaderWriter) ClientWorker

// WebsocketHandler serves /ws plus the mounted REST api on one listener.
type WebsocketHandler struct {
	registry     *Registry
	server       *http.Server
	host         string
	port         uint16
	cert         string
	key          string
	readerWriter NewReaderWriter
	clientWorker NewClientWorker
	stopChannel  chan int
	stopSignal   chan os.Signal
	errChannel   chan error
}

func NewWebSocketHandler(conf config.CLI, registry *Registry, api http.Handler, readerWriter NewReaderWriter, clientWorker NewClientWorker) WebsocketHandler {
	var websocketHandler WebsocketHandler
	websocketHandler.host = conf.Host
	websocketHandler.port = conf.Port
	websocketHandler.cert = conf.Cert
	websocketHandler.key = conf.Key
	websocketHandler.registry = registry
	websocketHandler.readerWriter = readerWriter
	websocketHandler.clientWorker = clientWorker
	websocketHandler.stopChannel = make(chan int, 1)
	websocketHandler.stopSignal = make(chan os.Signal, 1)
	signal.Notify(websocketHandler.stopSignal, os.Interrupt)
	websocketHandler.errChannel = make(chan error, 1)

	router := chi.NewRouter()
	router.Get("/ws", websocketHandler.serveWs)
	if api != nil {
		router.Mount("/api", api)
	}

	// no server-side read/write timeouts: idle websocket channels are kept
	// alive by the client heartbeat, not by the transport
	websocketHandler.server = &http.Server{Handler: router}

	return websocketHandler
}

func (websocketHandler WebsocketHandler) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		logger.Warnw("Failed to establish connection to client socket", "error", err)
		return
	}

	logger.Infow("New connection established. Creating new worker ...")
	readerWriter := websocketHandler.readerWriter(conn)
	worker := websocketHandler.clientWorker(websocketHandler.registry, readerWriter)
	go worker.Start()
}

func (websocketHandler WebsocketHandler) Stop() {
	close(websocketHandler.stopChannel)
}

func (websocketHandler WebsocketHandler) SigKill() {
	websocketHandler.stopSignal <- syscall.SIGINT
}

func (websocketHandler WebsocketHandler) Close() {
	websocketHandler.server.Close()
}

func (websocketHandler WebsocketHandler) Listen() error {
	useTLS := websocketHandler.cert != "" && websocketHandler.key != ""
	return websocketHandler.listenAndServe(useTLS)
}

func (websocketHandler WebsocketHandler) listenAndServe(useTLS bool) error {
	listener, err := websocketHandler.getListener(useTLS)
	if err != nil {
		return err
	}

	return websocketHandler.serve(listener)
}

func (websocketHandler WebsocketHandler) getListener(useTLS bool) (net.Listener, error) {
	hostPort := fmt.Sprintf("%s:%d", websocketHandler.host, websocketHandler.port)

	var listener net.Listener
	var err error
	if useTLS {
		cert, certErr := websocketHandler.getCertificate()
		if certErr != nil {
			logger.Errorw("Failed to load certificate", "error", certErr)
			return nil, certErr
		}

		config := &tls.Config{Certificates: []tls.Certificate{cert}}
		listener, err = tls.Listen("tcp", hostPort, config)
	} else {
		listener, err = net.Listen("tcp", hostPort)
	}

	if err != nil {
		logger.Errorw("Failed to create listener", "error", err)
		return nil, err
	}
	logger.Infow("Listening on port", "port", hostPort)
	return listener, nil
}

func (websocketHandler WebsocketHandler) serve(listener net.Listener) error {
	go func() {
		websocketHandler.errChannel <- websocketHandler.server.Serve(listener)
	}()

	select {
	case err := <-websocketHandler.errChannel:
		logger.Warnw("Failed to serve", "error", err)
	case sig := <-websocketHandler.stopSignal:
		logger.Infow("Terminating server", "signal", sig)
	case <-websocketHandler.stopChannel:
		logger.Infow("Terminating server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	return websocketHandler.server.Shutdown(ctx)
}

func (websocketHandler WebsocketHandler) getCertificate() (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(websocketHandler.cert, websocketHandler.key)
	return cert, err
}

// MessageReaderWriter abstracts one duplex text-frame channel.
type MessageReaderWriter interface {
	WriteMessage(payload []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

type WsReaderWriter struct {
	conn *websocket.Conn
}

func NewWsReaderWriter(conn *websocket.Conn) MessageReaderWriter {
	return WsReaderWriter{conn: conn}
}

// ReadMessage blocks without a deadline; liveness is the client heartbeat's
// job.
func (webSocket WsReaderWriter) ReadMessage() ([]byte, error) {
	_, payload, err := webSocket.conn.Read(context.Background())
	return payload, err
}

func (webSocket WsReaderWriter) WriteMessage(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	return webSocket.conn.Write(ctx, websocket.MessageText, payload)
}

func (webSocket WsReaderWriter) Close() error {
	return webSocket.conn.Close(websocket.StatusNormalClosure, "")
}
