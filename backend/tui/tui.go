// Package tui is the terminal front-end of the alert client. It renders the
// controller's boundary events and turns key presses into controller actions.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/adwski/alertbox/backend/catalog"
	"github.com/adwski/alertbox/backend/model"
)

const (
	maxDisplays   = 3
	maxPanelWidth = 64
)

type (
	Controller interface {
		Connect(ctx context.Context, address string, devMode bool) string
		SetUsername(ctx context.Context, name string) string
		SetTarget(ctx context.Context, id *int)
		SendAlert(ctx context.Context, alertID string)
		SendCustom(ctx context.Context, message, mediaURL string)
		RequestRoster(ctx context.Context)
	}

	Config struct {
		Controller Controller
		Publisher  *Publisher
		Alerts     []model.AlertEntry
		Username   string
	}

	prompt int

	connectDoneMsg struct{}
	usernameMsg    string
)

const (
	promptNone prompt = iota
	promptCustom
	promptMedia
	promptUsername
	promptAddress
)

type styles struct {
	title   lipgloss.Style
	status  lipgloss.Style
	muted   lipgloss.Style
	key     lipgloss.Style
	panel   lipgloss.Style
	input   lipgloss.Style
	display lipgloss.Style
}

func newStyles() styles {
	blue := lipgloss.Color("#1e90ff")
	muted := lipgloss.Color("#9ca3af")
	return styles{
		title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff4500")),
		status: lipgloss.NewStyle().Foreground(blue).Bold(true),
		muted:  lipgloss.NewStyle().Foreground(muted),
		key:    lipgloss.NewStyle().Bold(true).Padding(0, 1),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1),
		input: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		display: lipgloss.NewStyle().Bold(true).Padding(1, 2),
	}
}

type Model struct {
	ctx   context.Context
	ctrl  Controller
	pub   *Publisher
	theme styles

	alerts []model.AlertEntry

	status     string
	connecting bool
	username   string
	counters   model.Counters
	peers      []model.PeerRecord
	targetID   *int
	displays   []model.Display

	prompt         prompt
	pendingMessage string
	input          textinput.Model
	spinner        spinner.Model
	width          int
}

func New(ctx context.Context, cfg Config) Model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 500

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#1e90ff"))

	username := cfg.Username
	if username == "" {
		username = "Anonymous"
	}
	return Model{
		ctx:      ctx,
		ctrl:     cfg.Controller,
		pub:      cfg.Publisher,
		theme:    newStyles(),
		alerts:   cfg.Alerts,
		status:   "Disconnected",
		username: username,
		peers:    []model.PeerRecord{},
		input:    input,
		spinner:  sp,
	}
}

// Run blocks until the user quits or ctx is done.
func Run(ctx context.Context, cfg Config) error {
	p := tea.NewProgram(New(ctx, cfg), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	cfg.Publisher.Close()
	return err
}

func (m Model) Init() tea.Cmd {
	return m.pub.wait()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case eventMsg:
		cmd := m.applyEvent(model.Event(msg))
		return m, tea.Batch(cmd, m.pub.wait())
	case connectDoneMsg:
		m.connecting = false
		return m, nil
	case usernameMsg:
		m.username = string(msg)
		return m, nil
	case spinner.TickMsg:
		if !m.connecting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		if m.prompt != promptNone {
			return m.updatePrompt(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if n, err := strconv.Atoi(key); err == nil && n >= 1 && n <= len(m.alerts) {
		return m, m.sendAlertCmd(m.alerts[n-1].ID)
	}
	switch key {
	case "q":
		return m, tea.Quit
	case "c":
		return m.openPrompt(promptCustom, "Enter custom message")
	case "u":
		return m.openPrompt(promptUsername, "Username")
	case "a":
		return m.openPrompt(promptAddress, "host:port")
	case "o":
		return m.startConnect("", false)
	case "d":
		return m.startConnect("", true)
	case "t":
		m.targetID = m.nextTarget()
		return m, m.setTargetCmd(m.targetID)
	case "r":
		ctrl, ctx := m.ctrl, m.ctx
		return m, func() tea.Msg {
			ctrl.RequestRoster(ctx)
			return nil
		}
	case "x":
		m.displays = nil
	}
	return m, nil
}

func (m Model) updatePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.closePrompt()
		return m, nil
	case tea.KeyEnter:
		return m.submitPrompt()
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) openPrompt(p prompt, placeholder string) (tea.Model, tea.Cmd) {
	m.prompt = p
	m.input.Reset()
	m.input.Placeholder = placeholder
	return m, m.input.Focus()
}

func (m *Model) closePrompt() {
	m.prompt = promptNone
	m.pendingMessage = ""
	m.input.Reset()
	m.input.Blur()
}

func (m Model) submitPrompt() (tea.Model, tea.Cmd) {
	value := strings.TrimSpace(m.input.Value())
	switch m.prompt {
	case promptCustom:
		if value == "" {
			m.closePrompt()
			return m, nil
		}
		m.prompt = promptMedia
		m.pendingMessage = value
		m.input.Reset()
		m.input.Placeholder = "GIF URL (optional)"
		return m, nil
	case promptMedia:
		message := m.pendingMessage
		m.closePrompt()
		ctrl, ctx := m.ctrl, m.ctx
		return m, func() tea.Msg {
			ctrl.SendCustom(ctx, message, value)
			return nil
		}
	case promptUsername:
		m.closePrompt()
		ctrl, ctx := m.ctrl, m.ctx
		return m, func() tea.Msg {
			return usernameMsg(ctrl.SetUsername(ctx, value))
		}
	case promptAddress:
		m.closePrompt()
		return m.startConnect(value, false)
	}
	m.closePrompt()
	return m, nil
}

func (m Model) startConnect(address string, devMode bool) (tea.Model, tea.Cmd) {
	m.connecting = true
	return m, tea.Batch(m.connectCmd(address, devMode), m.spinner.Tick)
}

func (m Model) connectCmd(address string, devMode bool) tea.Cmd {
	ctrl, ctx := m.ctrl, m.ctx
	return func() tea.Msg {
		// status text arrives as an event as well
		ctrl.Connect(ctx, address, devMode)
		return connectDoneMsg{}
	}
}

func (m Model) sendAlertCmd(alertID string) tea.Cmd {
	ctrl, ctx := m.ctrl, m.ctx
	return func() tea.Msg {
		ctrl.SendAlert(ctx, alertID)
		return nil
	}
}

func (m Model) setTargetCmd(id *int) tea.Cmd {
	ctrl, ctx := m.ctrl, m.ctx
	return func() tea.Msg {
		ctrl.SetTarget(ctx, id)
		return nil
	}
}

// nextTarget cycles broadcast, then each peer in roster order.
func (m Model) nextTarget() *int {
	next := 0
	if m.targetID != nil {
		next = len(m.peers)
		for i, p := range m.peers {
			if p.ID == *m.targetID {
				next = i + 1
				break
			}
		}
	}
	if next >= len(m.peers) {
		return nil
	}
	id := m.peers[next].ID
	return &id
}

func (m *Model) applyEvent(ev model.Event) tea.Cmd {
	switch ev.Type {
	case model.EventTypeStatus:
		if s, ok := ev.Payload.(string); ok {
			m.status = s
		}
	case model.EventTypeCounters:
		if c, ok := ev.Payload.(model.Counters); ok {
			m.counters = c
		}
	case model.EventTypeRoster:
		peers, ok := ev.Payload.([]model.PeerRecord)
		if !ok {
			return nil
		}
		m.peers = peers
		if m.targetID != nil && !m.hasPeer(*m.targetID) {
			m.targetID = nil
			return m.setTargetCmd(nil)
		}
	case model.EventTypeDisplay:
		if d, ok := ev.Payload.(model.Display); ok {
			m.displays = append([]model.Display{d}, m.displays...)
			if len(m.displays) > maxDisplays {
				m.displays = m.displays[:maxDisplays]
			}
		}
	}
	return nil
}

func (m Model) hasPeer(id int) bool {
	for _, p := range m.peers {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (m Model) targetLabel() string {
	if m.targetID == nil {
		return "All"
	}
	for _, p := range m.peers {
		if p.ID == *m.targetID {
			return fmt.Sprintf("%s (#%d)", p.DisplayName, p.ID)
		}
	}
	return fmt.Sprintf("#%d", *m.targetID)
}

func (m Model) panelWidth() int {
	if m.width <= 0 || m.width-4 > maxPanelWidth {
		return maxPanelWidth
	}
	return m.width - 4
}

func (m Model) View() string {
	var b strings.Builder

	status := m.theme.status.Render(m.status)
	if m.connecting {
		status = m.spinner.View() + " " + status
	}
	b.WriteString(m.theme.title.Render("alertbox") + "  " + status + "\n")
	b.WriteString(fmt.Sprintf("User: %s   Sent: %d   Received: %d\n",
		m.username, m.counters.Sent, m.counters.Received))

	names := make([]string, 0, len(m.peers))
	for _, p := range m.peers {
		names = append(names, p.DisplayName)
	}
	online := "nobody"
	if len(names) > 0 {
		online = strings.Join(names, ", ")
	}
	b.WriteString(fmt.Sprintf("Target: %s   Online: %s\n\n", m.targetLabel(), online))

	buttons := make([]string, 0, len(m.alerts))
	for i, a := range m.alerts {
		buttons = append(buttons, m.theme.key.
			Background(lipgloss.Color(a.BackgroundColor)).
			Foreground(textColor(a.BackgroundColor)).
			Render(fmt.Sprintf("%d %s", i+1, a.ID)))
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, buttons...) + "\n")

	for _, d := range m.displays {
		text := d.Message
		if d.MediaURL != nil {
			text += "\n" + *d.MediaURL
		}
		b.WriteString(m.theme.display.
			Width(m.panelWidth()).
			Background(lipgloss.Color(d.BackgroundColor)).
			Foreground(textColor(d.BackgroundColor)).
			Render(text) + "\n")
	}

	if m.prompt != promptNone {
		b.WriteString(m.theme.input.Width(m.panelWidth()).Render(m.input.View()) + "\n")
	}
	b.WriteString(m.theme.muted.Render(
		"1-5 alert · c custom · u name · t target · r roster · o connect · a address · d dev · x clear · q quit"))
	return m.theme.panel.Render(b.String())
}

func textColor(bg string) lipgloss.Color {
	if bg == catalog.FallbackColor {
		return lipgloss.Color("#ffffff")
	}
	return lipgloss.Color("#000000")
}
