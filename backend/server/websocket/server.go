package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/alertbox/backend/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSubscriberQueueSize = 32

	defaultWebsocketReadBufferSize     = 1024
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 512
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	Config struct {
		Logger     *zerolog.Logger
		ListenAddr string
	}

	// Server streams boundary events to every connected UI over /events.
	Server struct {
		ws *websocket.Upgrader
		*http.Server

		mx   *sync.RWMutex
		subs map[string]chan model.Event

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		mx:     &sync.RWMutex{},
		subs:   make(map[string]chan model.Event),
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", srv.events)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// Publish hands ev to every subscriber. A subscriber whose queue is full misses
// the event; the controller is never held up by a slow UI.
func (srv *Server) Publish(ev model.Event) {
	srv.mx.RLock()
	defer srv.mx.RUnlock()
	for id, sub := range srv.subs {
		select {
		case sub <- ev:
		default:
			srv.logger.Warn().
				Str("subscriber", id).
				Str("type", ev.Type).
				Msg("subscriber queue is full, event dropped")
		}
	}
}

func (srv *Server) subscribe() (string, <-chan model.Event) {
	id := uuid.NewString()
	sub := make(chan model.Event, defaultSubscriberQueueSize)
	srv.mx.Lock()
	srv.subs[id] = sub
	srv.mx.Unlock()
	return id, sub
}

func (srv *Server) unsubscribe(id string) {
	srv.mx.Lock()
	delete(srv.subs, id)
	srv.mx.Unlock()
}

func (srv *Server) subscribers() int {
	srv.mx.RLock()
	defer srv.mx.RUnlock()
	return len(srv.subs)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	id, sub := srv.subscribe()
	srv.logger.Debug().
		Str("subscriber", id).
		Str("remote", r.RemoteAddr).
		Msg("event subscriber connected")

	// hijacked connections outlive the request context
	ctx, cancel := context.WithCancel(context.Background())
	go srv.handleWSConn(ctx, cancel, conn, id, sub)
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	id string,
	sub <-chan model.Event,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("subscriber", id).
		Logger()

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, sub, &logger)
		cancel()
	}()

	wg.Wait()
	srv.unsubscribe(id)
	webSocketCloser(conn, &logger)
	logger.Debug().Msg("event subscriber disconnected")
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Event,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.PingMessage, []byte{}); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case ev := <-tx:
			b, wsErr := json.Marshal(&ev)
			if wsErr != nil {
				logger.Error().Err(wsErr).Str("type", ev.Type).Msg("failed to marshal event")
				continue
			}
			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write event")
				break SendLoop
			}
			logger.Trace().Str("type", ev.Type).Msg("event sent")
		}
	}
}

// webSocketReceiver only keeps the read side alive so pongs and close frames
// are processed. The stream is one-way; anything the UI sends is discarded.
func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			if _, _, wsErr := conn.ReadMessage(); wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			logger.Trace().Msg("inbound message ignored")
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
