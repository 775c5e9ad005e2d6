package controller

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/alertbox/backend/catalog"
	"github.com/adwski/alertbox/backend/model"
	"github.com/adwski/alertbox/backend/session"
)

const (
	DefaultUsername = "Anonymous"

	// Placeholder texts some front-ends submit verbatim for untouched inputs.
	MessagePlaceholder = "Enter custom message"
	MediaPlaceholder   = "GIF URL (optional)"

	statusDevMode      = "Developer Mode - Offline"
	statusDisconnected = "Disconnected"
	statusStopped      = "Controller stopped"

	unknownSender = "Unknown"
)

// Palette is the set of background colors custom alerts are drawn from.
var Palette = []string{"#ff4500", "#1e90ff", "#00ff00", "#ffff00", "#ff00ff"}

type (
	Publisher interface {
		Publish(ev model.Event)
	}

	// Fanout publishes every event to each of its publishers in order.
	Fanout []Publisher

	Config struct {
		Logger         *zerolog.Logger
		Session        *session.Session
		Catalog        *catalog.Catalog
		Publisher      Publisher
		DefaultAddress string
		Username       string
		Rand           *rand.Rand
	}

	// Controller is the single owner of the session state. All mutations run on
	// the goroutine executing Run; exported methods hand work to it and wait.
	Controller struct {
		logger         zerolog.Logger
		sess           *session.Session
		catalog        *catalog.Catalog
		pub            Publisher
		defaultAddress string
		rng            *rand.Rand

		actions chan func()
		done    chan struct{}

		username string
		targetID *int
		sent     int
		received int
		peers    []model.PeerRecord
	}
)

func (f Fanout) Publish(ev model.Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ev)
		}
	}
}

func New(cfg Config) *Controller {
	username := cfg.Username
	if username == "" {
		username = DefaultUsername
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	cat := cfg.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = Fanout(nil)
	}
	return &Controller{
		logger:         cfg.Logger.With().Str("component", "controller").Logger(),
		sess:           cfg.Session,
		catalog:        cat,
		pub:            pub,
		defaultAddress: cfg.DefaultAddress,
		rng:            rng,
		actions:        make(chan func()),
		done:           make(chan struct{}),
		username:       username,
		peers:          []model.PeerRecord{},
	}
}

// Run is the control loop. It serializes UI actions with session events and
// closes the session on exit.
func (c *Controller) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		c.sess.Close()
		close(c.done)
		c.logger.Debug().Msg("controller stopped")
		wg.Done()
	}()

	c.logger.Debug().Msg("controller started")

ControlLoop:
	for {
		select {
		case <-ctx.Done():
			break ControlLoop
		case fn := <-c.actions:
			fn()
		case ev := <-c.sess.Events():
			c.handleSessionEvent(ev)
		}
	}
}

func (c *Controller) do(ctx context.Context, fn func()) bool {
	done := make(chan struct{})
	select {
	case c.actions <- func() {
		defer close(done)
		fn()
	}:
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	}
	<-done
	return true
}

// Connect (re)opens the session and returns the status text for display.
// An empty address means the configured default.
func (c *Controller) Connect(ctx context.Context, address string, devMode bool) string {
	status := statusStopped
	c.do(ctx, func() {
		status = c.connect(ctx, address, devMode)
	})
	return status
}

// SetUsername stores name (or the default when empty) and returns the result.
func (c *Controller) SetUsername(ctx context.Context, name string) string {
	resolved := name
	if resolved == "" {
		resolved = DefaultUsername
	}
	c.do(ctx, func() {
		c.username = resolved
		c.send(model.SetUsername{Username: resolved})
	})
	return resolved
}

// SetTarget addresses later custom alerts to one peer; nil means broadcast.
func (c *Controller) SetTarget(ctx context.Context, id *int) {
	var target *int
	if id != nil {
		v := *id
		target = &v
	}
	c.do(ctx, func() {
		c.targetID = target
	})
}

func (c *Controller) SendAlert(ctx context.Context, alertID string) {
	c.do(ctx, func() {
		c.sendAlert(alertID)
	})
}

func (c *Controller) SendCustom(ctx context.Context, message, mediaURL string) {
	c.do(ctx, func() {
		c.sendCustom(message, mediaURL)
	})
}

func (c *Controller) RequestRoster(ctx context.Context) {
	c.do(ctx, func() {
		c.send(model.ClientListRequest{})
	})
}

func (c *Controller) Snapshot(ctx context.Context) model.SessionState {
	var st model.SessionState
	c.do(ctx, func() {
		st = model.SessionState{
			Status:   c.status(),
			Username: c.username,
			Sent:     c.sent,
			Received: c.received,
			Peers:    append([]model.PeerRecord{}, c.peers...),
		}
		if c.targetID != nil {
			v := *c.targetID
			st.TargetID = &v
		}
	})
	return st
}

func (c *Controller) connect(ctx context.Context, address string, devMode bool) string {
	if devMode {
		_ = c.sess.Open(ctx, "", session.ModeDev)
		c.publishStatus(statusDevMode)
		return statusDevMode
	}

	if address == "" {
		address = c.defaultAddress
	}
	if err := c.sess.Open(ctx, address, session.ModeOnline); err != nil {
		status := fmt.Sprintf("Failed to connect: %v", err)
		c.publishStatus(status)
		return status
	}
	status := fmt.Sprintf("Connected to server %s", address)
	c.publishStatus(status)
	c.send(model.ClientListRequest{})
	return status
}

func (c *Controller) sendAlert(alertID string) {
	c.sent++
	if c.sess.State() == session.StateActive {
		if err := c.sess.SendLegacyAlert(alertID); err != nil {
			c.onTransportError(err)
		}
	} else {
		entry := c.catalog.Resolve(alertID)
		c.display(model.Display{
			Message:         entry.Message,
			BackgroundColor: entry.BackgroundColor,
			MediaURL:        entry.MediaURL,
		})
	}
	c.publishCounters()
}

func (c *Controller) sendCustom(message, mediaURL string) {
	if message == "" || message == MessagePlaceholder {
		c.logger.Debug().Msg("empty custom message skipped")
		return
	}
	c.sent++
	bg := Palette[c.rng.Intn(len(Palette))]
	var media *string
	if mediaURL != "" && mediaURL != MediaPlaceholder {
		media = &mediaURL
	}
	if c.sess.State() == session.StateActive {
		var target *int
		if c.targetID != nil {
			v := *c.targetID
			target = &v
		}
		c.send(model.CustomAlert{
			Message:         message,
			BackgroundColor: bg,
			MediaURL:        media,
			TargetID:        target,
		})
	} else {
		c.display(model.Display{Message: message, BackgroundColor: bg, MediaURL: media})
	}
	c.publishCounters()
}

// send is a no-op unless the session is active.
func (c *Controller) send(msg model.Message) {
	if err := c.sess.Send(msg); err != nil {
		c.onTransportError(err)
	}
}

func (c *Controller) onTransportError(err error) {
	c.logger.Warn().Err(err).Msg("transport failure")
	if c.sess.State() == session.StateClosed {
		c.publishStatus(statusDisconnected)
	}
}

func (c *Controller) handleSessionEvent(ev session.Event) {
	if !c.sess.Accept(ev) {
		c.logger.Trace().Uint64("generation", ev.Generation).Msg("stale session event dropped")
		return
	}
	switch ev.Kind {
	case session.EventData:
		c.sess.OnBytesReceived(ev.Data, c.onMessage)
	case session.EventClosed:
		c.sess.OnClosed()
		c.logger.Info().AnErr("reason", ev.Err).Msg("disconnected")
		c.publishStatus(statusDisconnected)
	}
}

func (c *Controller) onMessage(msg model.Message) {
	switch m := msg.(type) {
	case model.IncomingCustom:
		c.received++
		c.display(model.Display{
			Message:         fmt.Sprintf("From %s:\n%s", senderName(m.SenderName), m.Message),
			BackgroundColor: m.BackgroundColor,
			MediaURL:        m.MediaURL,
		})
		c.publishCounters()
	case model.IncomingLegacy:
		c.received++
		entry := c.catalog.Resolve(m.AlertID)
		c.display(model.Display{
			Message:         fmt.Sprintf("From %s:\n%s", senderName(m.SenderName), entry.Message),
			BackgroundColor: entry.BackgroundColor,
			MediaURL:        entry.MediaURL,
		})
		c.publishCounters()
	case model.ClientListResponse:
		c.peers = append([]model.PeerRecord{}, m.Peers...)
		c.pub.Publish(model.Event{
			Type:    model.EventTypeRoster,
			Payload: append([]model.PeerRecord{}, c.peers...),
		})
	default:
		c.logger.Debug().Str("type", msg.MessageType()).Msg("message not handled")
	}
}

func (c *Controller) status() model.ConnectionStatus {
	switch c.sess.State() {
	case session.StateConnecting:
		return model.StatusConnecting
	case session.StateActive:
		return model.StatusConnected
	case session.StateDevMode:
		return model.StatusDevMode
	}
	return model.StatusDisconnected
}

func (c *Controller) publishStatus(text string) {
	c.pub.Publish(model.Event{Type: model.EventTypeStatus, Payload: text})
}

func (c *Controller) publishCounters() {
	c.pub.Publish(model.Event{
		Type:    model.EventTypeCounters,
		Payload: model.Counters{Sent: c.sent, Received: c.received},
	})
}

func (c *Controller) display(d model.Display) {
	c.logger.Debug().Str("message", d.Message).Msg("display alert")
	c.pub.Publish(model.Event{Type: model.EventTypeDisplay, Payload: d})
}

func senderName(name string) string {
	if name == "" {
		return unknownSender
	}
	return name
}
