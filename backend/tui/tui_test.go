package tui

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/davecgh/go-spew/spew"

	"github.com/adwski/alertbox/backend/catalog"
	"github.com/adwski/alertbox/backend/model"
)

type fakeController struct {
	mx     sync.Mutex
	calls  []string
	target *int
}

func (f *fakeController) record(s string) {
	f.mx.Lock()
	f.calls = append(f.calls, s)
	f.mx.Unlock()
}

func (f *fakeController) Connect(_ context.Context, address string, devMode bool) string {
	if devMode {
		f.record("connect:dev")
	} else {
		f.record("connect:" + address)
	}
	return ""
}

func (f *fakeController) SetUsername(_ context.Context, name string) string {
	f.record("username:" + name)
	if name == "" {
		return "Anonymous"
	}
	return name
}

func (f *fakeController) SetTarget(_ context.Context, id *int) {
	f.record("target")
	f.target = id
}

func (f *fakeController) SendAlert(_ context.Context, alertID string) {
	f.record("alert:" + alertID)
}

func (f *fakeController) SendCustom(_ context.Context, message, mediaURL string) {
	f.record("custom:" + message + "|" + mediaURL)
}

func (f *fakeController) RequestRoster(context.Context) {
	f.record("roster")
}

func newTestModel() (Model, *fakeController) {
	ctrl := &fakeController{}
	m := New(context.Background(), Config{
		Controller: ctrl,
		Publisher:  NewPublisher(),
		Alerts:     catalog.Default().Entries(),
	})
	return m, ctrl
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("update returned %T", next)
	}
	return nm, cmd
}

func typeText(t *testing.T, m Model, s string) Model {
	t.Helper()
	for _, r := range s {
		m, _ = press(t, m, runes(string(r)))
	}
	return m
}

func TestDigitKeysSendCatalogAlerts(t *testing.T) {
	m, ctrl := newTestModel()
	_, cmd := press(t, m, runes("1"))
	if cmd == nil {
		t.Fatalf("no command for alert key")
	}
	cmd()
	_, cmd = press(t, m, runes("5"))
	cmd()
	if _, cmd = press(t, m, runes("9")); cmd != nil {
		t.Fatalf("key outside the catalog produced a command")
	}
	if strings.Join(ctrl.calls, ",") != "alert:STOP,alert:ALERT3" {
		t.Fatalf("calls=%v", ctrl.calls)
	}
}

func TestCustomPromptFlow(t *testing.T) {
	m, ctrl := newTestModel()
	m, _ = press(t, m, runes("c"))
	m = typeText(t, m, "lunch?")
	m, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil || m.prompt != promptMedia {
		t.Fatalf("expected media prompt, got %d", m.prompt)
	}
	m = typeText(t, m, "x.gif")
	m, cmd = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.prompt != promptNone || cmd == nil {
		t.Fatalf("prompt not submitted")
	}
	cmd()
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "custom:lunch?|x.gif" {
		t.Fatalf("calls=%v", ctrl.calls)
	}
}

func TestEmptyCustomAndEscapeCancel(t *testing.T) {
	m, ctrl := newTestModel()
	m, _ = press(t, m, runes("c"))
	m, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil || m.prompt != promptNone {
		t.Fatalf("empty custom message should close the prompt")
	}
	m, _ = press(t, m, runes("u"))
	m = typeText(t, m, "Ann")
	m, _ = press(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.prompt != promptNone || len(ctrl.calls) != 0 {
		t.Fatalf("escape did not cancel: prompt=%d calls=%v", m.prompt, ctrl.calls)
	}
}

func TestUsernamePromptUpdatesHeader(t *testing.T) {
	m, _ := newTestModel()
	m, _ = press(t, m, runes("u"))
	m = typeText(t, m, "Ann")
	m, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = press(t, m, cmd())
	if m.username != "Ann" || !strings.Contains(m.View(), "User: Ann") {
		t.Fatalf("username=%q", m.username)
	}
}

func TestTargetCyclesThroughRoster(t *testing.T) {
	m, ctrl := newTestModel()
	m, _ = press(t, m, eventMsg{Type: model.EventTypeRoster, Payload: []model.PeerRecord{
		{ID: 1, DisplayName: "Bob"}, {ID: 4, DisplayName: "Eve"},
	}})

	var want []int
	for i := 0; i < 3; i++ {
		var cmd tea.Cmd
		m, cmd = press(t, m, runes("t"))
		cmd()
		if ctrl.target == nil {
			want = append(want, 0)
		} else {
			want = append(want, *ctrl.target)
		}
	}
	if want[0] != 1 || want[1] != 4 || want[2] != 0 {
		t.Fatalf("cycle=%v", want)
	}

	// a roster without the selected peer resets the target
	m, _ = press(t, m, runes("t"))
	m, cmd := press(t, m, eventMsg{Type: model.EventTypeRoster, Payload: []model.PeerRecord{{ID: 4, DisplayName: "Eve"}}})
	if m.targetID != nil || cmd == nil {
		t.Fatalf("target not reset: %s", spew.Sdump(m.targetID))
	}
}

func TestEventsRenderIntoView(t *testing.T) {
	m, _ := newTestModel()
	media := "https://x/y.gif"
	for _, ev := range []model.Event{
		{Type: model.EventTypeStatus, Payload: "Connected to server relay:1"},
		{Type: model.EventTypeCounters, Payload: model.Counters{Sent: 2, Received: 3}},
		{Type: model.EventTypeDisplay, Payload: model.Display{Message: "From Bob:\nhi", BackgroundColor: "#fff", MediaURL: &media}},
	} {
		m, _ = press(t, m, eventMsg(ev))
	}
	view := m.View()
	for _, want := range []string{"Connected to server relay:1", "Sent: 2", "Received: 3", "From Bob:", media} {
		if !strings.Contains(view, want) {
			t.Fatalf("view lacks %q:\n%s", want, view)
		}
	}
	m, _ = press(t, m, runes("x"))
	if len(m.displays) != 0 {
		t.Fatalf("displays not cleared")
	}
}

func TestPublisherFeedsProgramAndStopsOnClose(t *testing.T) {
	p := NewPublisher()
	go p.Publish(model.Event{Type: model.EventTypeStatus, Payload: "Disconnected"})
	msg := p.wait()()
	if ev, ok := msg.(eventMsg); !ok || ev.Payload != "Disconnected" {
		t.Fatalf("msg=%s", spew.Sdump(msg))
	}

	p.Close()
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultEventQueueSize+1; i++ {
			p.Publish(model.Event{Type: model.EventTypeCounters})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked after close")
	}
}
