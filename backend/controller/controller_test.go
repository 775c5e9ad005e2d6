package controller

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/adwski/alertbox/backend/catalog"
	"github.com/adwski/alertbox/backend/frame"
	"github.com/adwski/alertbox/backend/model"
	"github.com/adwski/alertbox/backend/session"
)

type recorder struct {
	events chan model.Event
}

func (r *recorder) Publish(ev model.Event) {
	r.events <- ev
}

// next returns the next event of type typ, skipping other types.
func (r *recorder) next(t *testing.T, typ string) model.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %q event", typ)
		}
	}
}

func (r *recorder) empty(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event %s", spew.Sdump(ev))
	default:
	}
}

type pipeDialer struct {
	peers chan net.Conn
	err   error
	dials int
}

func (d *pipeDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	client, server := net.Pipe()
	d.peers <- server
	return client, nil
}

// peer is the relay side of a pipe; it collects frames and bare legacy ids.
type peer struct {
	conn   net.Conn
	frames chan string
}

func startPeer(conn net.Conn) *peer {
	p := &peer{conn: conn, frames: make(chan string, 32)}
	go func() {
		defer close(p.frames)
		var (
			buf   []byte
			chunk = make([]byte, 1024)
		)
		for {
			n, err := conn.Read(chunk)
			if err != nil {
				return
			}
			buf = append(buf, chunk[:n]...)
			for {
				if text, rest, ok := frame.LeadingText(buf); ok {
					p.frames <- text
					buf = rest
					continue
				}
				f, rest, err := frame.Extract(buf)
				if err != nil {
					buf = rest
					continue
				}
				if f == nil {
					break
				}
				p.frames <- string(f)
				buf = rest
			}
		}
	}()
	return p
}

func (p *peer) next(t *testing.T) string {
	t.Helper()
	select {
	case f, ok := <-p.frames:
		if !ok {
			t.Fatalf("peer connection closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame from client")
	}
	return ""
}

type fixture struct {
	ctrl   *Controller
	rec    *recorder
	dialer *pipeDialer
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	d := &pipeDialer{peers: make(chan net.Conn, 4)}
	rec := &recorder{events: make(chan model.Event, 256)}
	ctrl := New(Config{
		Logger:         &logger,
		Session:        session.New(session.Config{Logger: &logger, Dialer: d, WriteTimeout: time.Second}),
		Catalog:        catalog.Default(),
		Publisher:      rec,
		DefaultAddress: "relay:12345",
		Rand:           rand.New(rand.NewSource(1)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go ctrl.Run(ctx, wg)
	f := &fixture{ctrl: ctrl, rec: rec, dialer: d, cancel: cancel, wg: wg}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return f
}

// connectOnline connects and consumes the roster requests sent on open.
func (f *fixture) connectOnline(t *testing.T) *peer {
	t.Helper()
	peers := make(chan *peer, 1)
	go func() {
		peers <- startPeer(<-f.dialer.peers)
	}()
	status := f.ctrl.Connect(context.Background(), "", false)
	if status != "Connected to server relay:12345" {
		t.Fatalf("status=%q", status)
	}
	p := <-peers
	for i := 0; i < 2; i++ {
		if got := p.next(t); got != `{"type":"CLIENT_LIST_REQUEST"}` {
			t.Fatalf("request %d: %s", i, got)
		}
	}
	if ev := f.rec.next(t, model.EventTypeStatus); ev.Payload != status {
		t.Fatalf("status event %s", spew.Sdump(ev))
	}
	return p
}

func (p *peer) write(t *testing.T, s string) {
	t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := p.conn.Write([]byte(s)); err != nil {
		t.Fatalf("peer write: %v", err)
	}
}

func counters(t *testing.T, ev model.Event) model.Counters {
	t.Helper()
	c, ok := ev.Payload.(model.Counters)
	if !ok {
		t.Fatalf("counters payload %T", ev.Payload)
	}
	return c
}

func display(t *testing.T, ev model.Event) model.Display {
	t.Helper()
	d, ok := ev.Payload.(model.Display)
	if !ok {
		t.Fatalf("display payload %T", ev.Payload)
	}
	return d
}

func TestSendAlertInDevModeDisplaysLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if status := f.ctrl.Connect(ctx, "", true); status != "Developer Mode - Offline" {
		t.Fatalf("status=%q", status)
	}
	f.ctrl.SendAlert(ctx, "STOP")

	d := display(t, f.rec.next(t, model.EventTypeDisplay))
	if d.Message != "Stop Scrolling! 😊" || d.BackgroundColor != "#ff4500" || d.MediaURL == nil {
		t.Fatalf("display %s", spew.Sdump(d))
	}
	if c := counters(t, f.rec.next(t, model.EventTypeCounters)); c.Sent != 1 || c.Received != 0 {
		t.Fatalf("counters %+v", c)
	}
	if f.dialer.dials != 0 {
		t.Fatalf("dev mode touched the transport")
	}
	if st := f.ctrl.Snapshot(ctx); st.Status != model.StatusDevMode || st.Sent != 1 {
		t.Fatalf("state %s", spew.Sdump(st))
	}
}

func TestSendCustomIgnoresEmptyAndPlaceholder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ctrl.SendCustom(ctx, "", "x")
	f.ctrl.SendCustom(ctx, MessagePlaceholder, "")
	f.rec.empty(t)
	if st := f.ctrl.Snapshot(ctx); st.Sent != 0 {
		t.Fatalf("sent=%d", st.Sent)
	}
}

func TestSendCustomOfflineNormalizesMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ctrl.SendCustom(ctx, "lunch?", MediaPlaceholder)

	d := display(t, f.rec.next(t, model.EventTypeDisplay))
	if d.Message != "lunch?" || d.MediaURL != nil {
		t.Fatalf("display %s", spew.Sdump(d))
	}
	found := false
	for _, c := range Palette {
		found = found || c == d.BackgroundColor
	}
	if !found {
		t.Fatalf("bg %q not in palette", d.BackgroundColor)
	}
	if c := counters(t, f.rec.next(t, model.EventTypeCounters)); c.Sent != 1 {
		t.Fatalf("counters %+v", c)
	}
}

func TestFailedConnectFallsBackToLocalDisplay(t *testing.T) {
	f := newFixture(t)
	f.dialer.err = errors.New("connection refused")
	ctx := context.Background()

	status := f.ctrl.Connect(ctx, "", false)
	if !strings.HasPrefix(status, "Failed to connect: ") || !strings.Contains(status, "connection refused") {
		t.Fatalf("status=%q", status)
	}
	f.ctrl.SendAlert(ctx, "COLD")
	d := display(t, f.rec.next(t, model.EventTypeDisplay))
	if !strings.HasPrefix(d.Message, "Turning off the AC") {
		t.Fatalf("display %s", spew.Sdump(d))
	}
	if c := counters(t, f.rec.next(t, model.EventTypeCounters)); c.Sent != 1 {
		t.Fatalf("counters %+v", c)
	}
	if st := f.ctrl.Snapshot(ctx); st.Status != model.StatusDisconnected {
		t.Fatalf("status=%s", st.Status)
	}
}

func TestInboundRosterThenCustom(t *testing.T) {
	f := newFixture(t)
	p := f.connectOnline(t)
	defer p.conn.Close()

	p.write(t, `{"type":"CLIENT_LIST_RESPONSE","clients":[{"id":1,"username":"Bob"}]}`+
		`{"type":"CUSTOM","sender_username":"Bob","message":"hi","bg":"#fff","gif_url":null}`)

	var seq []model.Event
	for len(seq) < 3 {
		select {
		case ev := <-f.rec.events:
			seq = append(seq, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("events so far: %s", spew.Sdump(seq))
		}
	}
	peers, ok := seq[0].Payload.([]model.PeerRecord)
	if seq[0].Type != model.EventTypeRoster || !ok || len(peers) != 1 || peers[0].ID != 1 || peers[0].DisplayName != "Bob" {
		t.Fatalf("roster event %s", spew.Sdump(seq[0]))
	}
	if d := display(t, seq[1]); d.Message != "From Bob:\nhi" || d.BackgroundColor != "#fff" || d.MediaURL != nil {
		t.Fatalf("display %s", spew.Sdump(d))
	}
	if c := counters(t, seq[2]); c.Received != 1 || c.Sent != 0 {
		t.Fatalf("counters %+v", c)
	}
	st := f.ctrl.Snapshot(context.Background())
	if st.Status != model.StatusConnected || len(st.Peers) != 1 || st.Received != 1 {
		t.Fatalf("state %s", spew.Sdump(st))
	}
}

func TestInboundUnknownLegacyUsesFallback(t *testing.T) {
	f := newFixture(t)
	p := f.connectOnline(t)
	defer p.conn.Close()

	p.write(t, `{"type":"LEGACY_ALERT","sender_username":"X","alert_type":"UNKNOWN_ID"}`)
	d := display(t, f.rec.next(t, model.EventTypeDisplay))
	if d.Message != "From X:\nUNKNOWN_ID" || d.BackgroundColor != catalog.FallbackColor || d.MediaURL != nil {
		t.Fatalf("display %s", spew.Sdump(d))
	}

	p.write(t, `{"type":"LEGACY_ALERT","alert_type":"ALERT3"}`)
	d = display(t, f.rec.next(t, model.EventTypeDisplay))
	if d.Message != "From Unknown:\nAnsys!" || d.BackgroundColor != "#ff00ff" {
		t.Fatalf("display %s", spew.Sdump(d))
	}
}

func TestOnlineSendsUseWireForms(t *testing.T) {
	f := newFixture(t)
	p := f.connectOnline(t)
	defer p.conn.Close()
	ctx := context.Background()

	if got := f.ctrl.SetUsername(ctx, ""); got != DefaultUsername {
		t.Fatalf("username=%q", got)
	}
	if got := p.next(t); got != `{"type":"SET_USERNAME","username":"Anonymous"}` {
		t.Fatalf("frame %s", got)
	}

	f.ctrl.SendAlert(ctx, "STOP")
	if got := p.next(t); got != "STOP" {
		t.Fatalf("legacy wire %q", got)
	}

	target := 2
	f.ctrl.SetTarget(ctx, &target)
	f.ctrl.SendCustom(ctx, "hi", "")
	got := p.next(t)
	if !strings.HasPrefix(got, `{"type":"CUSTOM","message":"hi","bg":"#`) ||
		!strings.HasSuffix(got, `","gif_url":null,"target_id":2}`) {
		t.Fatalf("custom frame %s", got)
	}

	f.ctrl.SetTarget(ctx, nil)
	f.ctrl.SendCustom(ctx, "all", "https://x/y.gif")
	got = p.next(t)
	if !strings.HasSuffix(got, `"gif_url":"https://x/y.gif","target_id":null}`) {
		t.Fatalf("custom frame %s", got)
	}

	f.ctrl.RequestRoster(ctx)
	if got = p.next(t); got != `{"type":"CLIENT_LIST_REQUEST"}` {
		t.Fatalf("frame %s", got)
	}
	if st := f.ctrl.Snapshot(ctx); st.Sent != 3 {
		t.Fatalf("sent=%d", st.Sent)
	}
}

func TestPeerCloseReportsDisconnected(t *testing.T) {
	f := newFixture(t)
	p := f.connectOnline(t)
	_ = p.conn.Close()

	if ev := f.rec.next(t, model.EventTypeStatus); ev.Payload != "Disconnected" {
		t.Fatalf("status %s", spew.Sdump(ev))
	}
	ctx := context.Background()
	f.ctrl.SendAlert(ctx, "ALERT1")
	if d := display(t, f.rec.next(t, model.EventTypeDisplay)); d.Message != "Working hard!" {
		t.Fatalf("display %s", spew.Sdump(d))
	}
	if st := f.ctrl.Snapshot(ctx); st.Status != model.StatusDisconnected || st.Sent != 1 {
		t.Fatalf("state %s", spew.Sdump(st))
	}
}

func TestActionsAfterStopDoNotBlock(t *testing.T) {
	f := newFixture(t)
	f.cancel()
	f.wg.Wait()
	if status := f.ctrl.Connect(context.Background(), "", true); status != "Controller stopped" {
		t.Fatalf("status=%q", status)
	}
	if got := f.ctrl.SetUsername(context.Background(), "a"); got != "a" {
		t.Fatalf("username=%q", got)
	}
}
