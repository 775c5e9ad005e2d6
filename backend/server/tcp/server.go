// Package tcp accepts alert clients for the relay. Each connection gets a
// reader that frames inbound bytes and a writer that drains the peer's queue.
package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/alertbox/backend/frame"
	"github.com/adwski/alertbox/backend/model"
	"github.com/adwski/alertbox/backend/protocol"
)

const (
	defaultReadBufferSize = 1024
	defaultMaxBufferBytes = 1 << 20
	defaultWriteDeadline  = 5 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	Service interface {
		Join(ctx context.Context, address string, wire model.Wire) (model.PeerRecord, error)
		Leave(ctx context.Context, peerID int)
		HandleLegacy(ctx context.Context, peerID int, alertID string) error
		HandleRequest(ctx context.Context, peerID int, msg model.Message) error
	}

	Config struct {
		Logger     *zerolog.Logger
		Service    Service
		ListenAddr string
	}

	Server struct {
		logger zerolog.Logger
		svc    Service
		addr   string
		ln     net.Listener
	}
)

func NewServer(cfg Config) *Server {
	return &Server{
		logger: cfg.Logger.With().Str("component", "relay-server").Logger(),
		svc:    cfg.Service,
		addr:   cfg.ListenAddr,
	}
}

// Listen binds the listener. Run calls it when it has not been called yet.
func (srv *Server) Listen() error {
	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return err
	}
	srv.ln = ln
	return nil
}

func (srv *Server) Addr() net.Addr {
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	if srv.ln == nil {
		if err := srv.Listen(); err != nil {
			errc <- errors.Join(ErrUnexpected, err)
			return
		}
	}
	srv.logger.Info().Str("addr", srv.ln.Addr().String()).Msg("server started")

	var (
		connWg = &sync.WaitGroup{}
		aErr   = make(chan error, 1)
	)
	go func() {
		aErr <- srv.acceptLoop(ctx, connWg)
	}()

	select {
	case err := <-aErr:
		errc <- errors.Join(ErrUnexpected, err)
		_ = srv.ln.Close()
	case <-ctx.Done():
		if err := srv.ln.Close(); err != nil {
			srv.logger.Error().Err(err).Msg("listener close failed")
		}
		<-aErr
	}
	connWg.Wait()
}

func (srv *Server) acceptLoop(ctx context.Context, connWg *sync.WaitGroup) error {
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		connWg.Add(1)
		go func() {
			defer connWg.Done()
			srv.handleConn(ctx, conn)
		}()
	}
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	wire := model.NewWire()

	peer, err := srv.svc.Join(ctx, addr, wire)
	if err != nil {
		srv.logger.Warn().Err(err).Str("addr", addr).Msg("connection rejected")
		_ = conn.Close()
		return
	}

	logger := srv.logger.With().
		Int("peer_id", peer.ID).
		Str("addr", addr).
		Logger()

	cctx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		connWriter(cctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	srv.connReader(cctx, conn, peer.ID, &logger)
	cancel()
	wg.Wait()

	srv.svc.Leave(context.Background(), peer.ID)
}

// connWriter owns closing conn, which also unblocks the reader.
func connWriter(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn net.Conn,
	tx <-chan []byte,
	logger *zerolog.Logger,
) {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug().Err(err).Msg("connection close failed")
		}
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case b := <-tx:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				logger.Warn().Err(err).Msg("failed to set write deadline")
				break SendLoop
			}
			if _, err := conn.Write(b); err != nil {
				logger.Warn().Err(err).Msg("write failed")
				break SendLoop
			}
			logger.Trace().Bytes("data", b).Msg("sent")
		}
	}
}

func (srv *Server) connReader(ctx context.Context, conn net.Conn, peerID int, logger *zerolog.Logger) {
	var (
		buf   []byte
		chunk = make([]byte, defaultReadBufferSize)
	)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = srv.process(ctx, append(buf, chunk[:n]...), peerID, logger)
			if len(buf) > defaultMaxBufferBytes {
				logger.Warn().Int("buffered", len(buf)).Msg("inbound buffer overflow, discarding")
				buf = nil
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug().Err(err).Msg("connection read ended")
			}
			return
		}
	}
}

// process handles every complete message in buf and returns the unconsumed
// tail. Un-framed text is a legacy alert id; it runs to the next '{' or to the
// end of what has been read so far.
func (srv *Server) process(ctx context.Context, buf []byte, peerID int, logger *zerolog.Logger) []byte {
	for {
		if text, rest, ok := frame.LeadingText(buf); ok {
			buf = rest
			if err := srv.svc.HandleLegacy(ctx, peerID, text); err != nil {
				logger.Warn().Err(err).Msg("legacy alert not relayed")
			}
			continue
		}

		raw, rest, err := frame.Extract(buf)
		if err != nil {
			logger.Warn().Err(err).Int("dropped", len(buf)-len(rest)).Msg("malformed frame dropped")
			buf = rest
			continue
		}
		if raw == nil {
			return append([]byte(nil), buf...)
		}
		buf = rest

		msg, err := protocol.DecodeRequest(raw)
		if err != nil {
			logger.Debug().Err(err).Msg("unknown message ignored")
			continue
		}
		if err = srv.svc.HandleRequest(ctx, peerID, msg); err != nil {
			logger.Warn().Err(err).Str("type", msg.MessageType()).Msg("message not handled")
		}
	}
}
