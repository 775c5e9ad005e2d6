package tcp

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/alertbox/backend/frame"
	"github.com/adwski/alertbox/backend/service"
	store "github.com/adwski/alertbox/backend/storage/memory"
	sw "github.com/adwski/alertbox/backend/switch"
)

func startRelay(t *testing.T, maxPeers int) string {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		RosterStore: store.NewMemStore(maxPeers),
		Switch:      sw.NewSwitch(&logger),
		Logger:      &logger,
	})
	srv := NewServer(Config{Logger: &logger, Service: svc, ListenAddr: "127.0.0.1:0"})
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	errc := make(chan error, 1)
	wg.Add(1)
	go srv.Run(ctx, wg, errc)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		select {
		case err := <-errc:
			t.Errorf("relay error: %v", err)
		default:
		}
	})
	return srv.Addr().String()
}

type client struct {
	conn net.Conn
	buf  []byte
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{conn: conn}
}

func (c *client) send(t *testing.T, s string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next returns the next object sent by the relay.
func (c *client) next(t *testing.T) string {
	t.Helper()
	chunk := make([]byte, 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		f, rest, err := frame.Extract(c.buf)
		if err != nil {
			t.Fatalf("relay sent malformed data: %q", c.buf)
		}
		if f != nil {
			out := string(f)
			c.buf = append([]byte(nil), rest...)
			return out
		}
		n, err := c.conn.Read(chunk)
		if err != nil {
			t.Fatalf("read: %v (buffered %q)", err, c.buf)
		}
		c.buf = append(c.buf, chunk[:n]...)
	}
}

// until skips objects until one contains substr.
func (c *client) until(t *testing.T, substr string) string {
	t.Helper()
	for {
		if f := c.next(t); strings.Contains(f, substr) {
			return f
		}
	}
}

func TestRelayRoutesLegacyAndCustom(t *testing.T) {
	addr := startRelay(t, 0)
	a := dial(t, addr)
	a.until(t, `"clients":[]`)
	b := dial(t, addr)
	b.until(t, `"username":"Client_1"`)
	a.until(t, `"username":"Client_2"`)

	a.send(t, `{"type":"SET_USERNAME","username":"Ann"}`)
	b.until(t, `"username":"Ann"`)

	a.send(t, "STOP")
	got := b.until(t, "LEGACY_ALERT")
	if got != `{"type":"LEGACY_ALERT","sender_id":1,"sender_username":"Ann","alert_type":"STOP"}` {
		t.Fatalf("legacy relay %s", got)
	}

	b.send(t, `{"type":"CUSTOM","message":"hi","bg":"#fff","gif_url":null,"target_id":1}`)
	got = a.until(t, `"type":"CUSTOM"`)
	if got != `{"type":"CUSTOM","sender_id":2,"sender_username":"Client_2","message":"hi","bg":"#fff","gif_url":null}` {
		t.Fatalf("custom relay %s", got)
	}
}

func TestRelayAnswersRosterRequestAndLeave(t *testing.T) {
	addr := startRelay(t, 0)
	a := dial(t, addr)
	a.until(t, `"clients":[]`)
	b := dial(t, addr)
	a.until(t, `"username":"Client_2"`)

	// legacy text followed by an object in one write
	a.send(t, `COLD {"type":"CLIENT_LIST_REQUEST"}`)
	b.until(t, `"alert_type":"COLD"`)
	got := a.until(t, "CLIENT_LIST_RESPONSE")
	if !strings.Contains(got, `{"id":2,"username":"Client_2","address":"127.0.0.1:`) {
		t.Fatalf("roster %s", got)
	}

	_ = b.conn.Close()
	a.until(t, `"clients":[]`)
}

func TestRelayRejectsBeyondMaxPeers(t *testing.T) {
	addr := startRelay(t, 1)
	a := dial(t, addr)
	a.until(t, `"clients":[]`)

	b := dial(t, addr)
	_ = b.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := b.conn.Read(make([]byte, 16)); err == nil {
		t.Fatalf("connection over the limit was served")
	}
}
