// Package session owns one outbound connection to the relay: dialing, framing
// of inbound bytes and outbound writes.
//
// A Session is not safe for concurrent use. Its transport reader runs in a
// separate goroutine but only publishes Events; every state change happens in
// the goroutine that calls Session methods.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/alertbox/backend/frame"
	"github.com/adwski/alertbox/backend/model"
	"github.com/adwski/alertbox/backend/protocol"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultMaxBufferBytes = 1 << 20
	defaultReadBufferSize = 4096
	defaultEventQueueSize = 64
)

var (
	ErrDial  = errors.New("session: unable to connect")
	ErrWrite = errors.New("session: write failed")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosed
	StateDevMode
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateDevMode:
		return "dev_mode"
	}
	return "unknown"
}

type Mode int

const (
	ModeOnline Mode = iota
	ModeDev
)

type EventKind int

const (
	EventData EventKind = iota
	EventClosed
)

// Event is published by the transport reader. Generation identifies the open
// call that produced it; events from a replaced transport carry an old one.
type Event struct {
	Kind       EventKind
	Generation uint64
	Data       []byte
	Err        error
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	Logger *zerolog.Logger
	// Dialer defaults to a net.Dialer bounded by DialTimeout.
	Dialer         Dialer
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxBufferBytes int
}

type Session struct {
	logger       zerolog.Logger
	connLogger   zerolog.Logger
	dialer       Dialer
	writeTimeout time.Duration
	maxBuffer    int
	events       chan Event

	state  State
	gen    uint64
	id     string
	conn   net.Conn
	cancel context.CancelFunc
	buf    []byte
}

func New(cfg Config) *Session {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = defaultMaxBufferBytes
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{Timeout: cfg.DialTimeout}
	}
	logger := cfg.Logger.With().Str("component", "session").Logger()
	return &Session{
		logger:       logger,
		connLogger:   logger,
		dialer:       cfg.Dialer,
		writeTimeout: cfg.WriteTimeout,
		maxBuffer:    cfg.MaxBufferBytes,
		events:       make(chan Event, defaultEventQueueSize),
	}
}

// Events delivers transport notifications for all generations of this session.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) State() State {
	return s.state
}

// ID is the correlation id of the current connection attempt.
func (s *Session) ID() string {
	return s.id
}

// Accept reports whether ev belongs to the live transport.
func (s *Session) Accept(ev Event) bool {
	return ev.Generation == s.gen && s.state == StateActive
}

// Open discards any previous transport and starts over. Dev mode never touches
// the network. Online mode blocks until the dial succeeds or fails; only the
// dialer's own timeout bounds it.
func (s *Session) Open(ctx context.Context, address string, mode Mode) error {
	s.teardown()
	s.gen++

	if mode == ModeDev {
		s.id = ""
		s.connLogger = s.logger
		s.state = StateDevMode
		s.logger.Debug().Msg("dev mode, transport bypassed")
		return nil
	}

	s.id = uuid.NewString()
	s.connLogger = s.logger.With().
		Str("session_id", s.id).
		Str("addr", address).
		Logger()
	s.state = StateConnecting

	conn, err := s.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		s.state = StateClosed
		s.connLogger.Warn().Err(err).Msg("connect failed")
		return fmt.Errorf("%w: %w", ErrDial, err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel
	s.state = StateActive
	go s.readLoop(rctx, s.gen, conn, s.connLogger)

	s.connLogger.Info().Msg("session active")
	return s.Send(model.ClientListRequest{})
}

// OnClosed handles the end of the live transport.
func (s *Session) OnClosed() {
	s.teardown()
	if s.state == StateActive || s.state == StateConnecting {
		s.state = StateClosed
	}
	s.connLogger.Debug().Msg("session closed")
}

// Close is OnClosed for the local side.
func (s *Session) Close() {
	s.OnClosed()
}

// OnBytesReceived appends chunk to the inbound buffer and dispatches every
// complete message in arrival order. Malformed spans and unknown types are
// dropped without affecting the objects after them.
func (s *Session) OnBytesReceived(chunk []byte, dispatch func(model.Message)) {
	if s.state != StateActive {
		return
	}
	s.buf = append(s.buf, chunk...)
	for {
		raw, rest, err := frame.Extract(s.buf)
		if err != nil {
			s.connLogger.Warn().
				Err(err).
				Int("dropped", len(s.buf)-len(rest)).
				Msg("malformed frame dropped")
			s.buf = rest
			continue
		}
		if raw == nil {
			break
		}
		msg, err := protocol.DecodeInbound(raw)
		s.buf = rest
		if err != nil {
			s.connLogger.Debug().Err(err).Msg("inbound object ignored")
			continue
		}
		dispatch(msg)
	}
	if len(s.buf) > s.maxBuffer {
		s.connLogger.Warn().
			Int("buffered", len(s.buf)).
			Msg("inbound buffer overflow, discarding")
		s.buf = nil
		return
	}
	// compact so the consumed prefix can be collected
	s.buf = append([]byte(nil), s.buf...)
}

// Send writes msg when the session is active and is a no-op otherwise.
// A write failure closes the session.
func (s *Session) Send(msg model.Message) error {
	if s.state != StateActive {
		return nil
	}
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.write(b)
}

// SendLegacyAlert writes the bare alert id with no JSON envelope.
func (s *Session) SendLegacyAlert(alertID string) error {
	if s.state != StateActive {
		return nil
	}
	return s.write([]byte(alertID))
}

func (s *Session) write(b []byte) error {
	err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err == nil {
		_, err = s.conn.Write(b)
	}
	if err != nil {
		s.connLogger.Warn().Err(err).Msg("write failed, closing session")
		s.teardown()
		s.state = StateClosed
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	s.connLogger.Trace().Bytes("data", b).Msg("sent")
	return nil
}

func (s *Session) teardown() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.connLogger.Debug().Err(err).Msg("transport close failed")
		}
		s.conn = nil
	}
	s.buf = nil
}

func (s *Session) readLoop(ctx context.Context, gen uint64, conn net.Conn, logger zerolog.Logger) {
	buf := make([]byte, defaultReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			logger.Trace().Int("bytes", n).Msg("chunk received")
			if !s.emit(ctx, Event{Kind: EventData, Generation: gen, Data: chunk}) {
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug().Err(err).Msg("transport read ended")
			}
			s.emit(ctx, Event{Kind: EventClosed, Generation: gen, Err: err})
			return
		}
	}
}

func (s *Session) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
