package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/camlink/metrics"
	"github.com/pithecene-io/camlink/transfer"
	"github.com/pithecene-io/camlink/types"
)

// maxImages is the number of completed images listed.
const maxImages = 8

// StatusMsg reports a status callback.
type StatusMsg struct {
	Kind types.StatusKind
	Text string
	At   time.Time
}

// ImageMsg reports a completed (and possibly stored) image.
type ImageMsg struct {
	TransferID int64
	Mime       string
	Bytes      int
	Chunked    bool
	Path       string
	Err        string
	At         time.Time
}

// SnapshotMsg refreshes counters, auth state, recent lines and the
// transfers still being reassembled.
type SnapshotMsg struct {
	Metrics  metrics.Snapshot
	Auth     types.AuthState
	Recent   []string
	InFlight []transfer.Progress
}

// DoneMsg ends the monitor when the connection loop returns.
type DoneMsg struct {
	Err error
}

// MonitorModel is a Bubble Tea model for the live listen view.
type MonitorModel struct {
	server     string
	identity   string
	connection string
	device     string
	lastError  string
	auth       types.AuthState
	snapshot   metrics.Snapshot
	recent     []string
	inFlight   []transfer.Progress
	images     []ImageMsg
	done       bool
	doneErr    error
	width      int
	height     int
	quitting   bool
}

// NewMonitorModel creates a monitor for one connection.
func NewMonitorModel(server, identity string) MonitorModel {
	return MonitorModel{
		server:     server,
		identity:   identity,
		connection: "connecting",
	}
}

// Init implements tea.Model.
func (m MonitorModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}

	case StatusMsg:
		m.applyStatus(msg)

	case ImageMsg:
		m.images = append([]ImageMsg{msg}, m.images...)
		if len(m.images) > maxImages {
			m.images = m.images[:maxImages]
		}

	case SnapshotMsg:
		m.snapshot = msg.Metrics
		m.auth = msg.Auth
		m.recent = msg.Recent
		m.inFlight = msg.InFlight

	case DoneMsg:
		m.done = true
		m.doneErr = msg.Err
		m.connection = "closed"
	}

	return m, nil
}

func (m *MonitorModel) applyStatus(msg StatusMsg) {
	switch msg.Kind {
	case types.StatusConnection:
		m.connection = msg.Text
	case types.StatusAuth:
		if strings.HasPrefix(msg.Text, "identity rejected") {
			m.auth = types.AuthRejected
		} else {
			m.auth = types.AuthAuthenticated
		}
	case types.StatusReady, types.StatusOK, types.StatusDevice:
		m.device = fmt.Sprintf("%s: %s", strings.ToUpper(string(msg.Kind)), msg.Text)
	case types.StatusError:
		m.lastError = msg.Text
	}
}

// View implements tea.Model.
func (m MonitorModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("camlink monitor"))
	b.WriteString("\n")
	b.WriteString(m.renderInfo())
	b.WriteString("\n")
	b.WriteString(m.renderCounters())
	b.WriteString("\n")
	b.WriteString(m.renderRecent())
	if len(m.inFlight) > 0 {
		b.WriteString("\n")
		b.WriteString(m.renderInFlight())
	}
	b.WriteString("\n")
	b.WriteString(m.renderImages())

	help := "Press q or Ctrl+C to quit"
	if m.done {
		help = "Connection ended. " + help
		if m.doneErr != nil {
			help = badStyle.Render(m.doneErr.Error()) + "\n" + help
		}
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(help))
	return b.String()
}

func (m MonitorModel) renderInfo() string {
	identity := m.identity
	if identity == "" {
		identity = "(none, accepting all)"
	}
	rows := []string{
		field("Server:", m.server, valueStyle),
		field("Identity:", identity, valueStyle),
		field("Connection:", m.connection, stateStyle(m.connection)),
		field("Auth:", m.auth.String(), stateStyle(m.auth.String())),
	}
	if m.device != "" {
		rows = append(rows, field("Device:", m.device, valueStyle))
	}
	if m.lastError != "" {
		rows = append(rows, field("Last error:", m.lastError, badStyle))
	}
	return panelStyle.Render(strings.Join(rows, "\n"))
}

func (m MonitorModel) renderCounters() string {
	s := m.snapshot
	boxes := []string{
		renderStatBox("Messages", s.MessagesReceived, info),
		renderStatBox("Images", s.ImagesReceived, good),
		renderStatBox("In flight", int64(len(m.inFlight)), wait),
		renderStatBox("Failed", s.TransfersFailed+s.TransfersEvicted+s.FrameDecodeErrors, bad),
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, boxes...)
}

func (m MonitorModel) renderRecent() string {
	var b strings.Builder
	b.WriteString(labelStyle.Render("Recent"))
	if len(m.recent) == 0 {
		b.WriteString("\n" + helpStyle.Render("(no messages yet)"))
	}
	for _, line := range m.recent {
		b.WriteString("\n" + lineStyle(line).Render(line))
	}
	return panelStyle.Render(b.String())
}

// renderInFlight lists partial transfers with their chunk counts.
func (m MonitorModel) renderInFlight() string {
	var b strings.Builder
	b.WriteString(labelStyle.Render("In flight"))
	for _, p := range m.inFlight {
		pct := 0
		if p.Total > 0 {
			pct = p.Received * 100 / p.Total
		}
		b.WriteString("\n" + waitStyle.Render(
			fmt.Sprintf("#%d %s %d/%d chunks (%d%%)", p.TransferID, p.Mime, p.Received, p.Total, pct)))
	}
	return panelStyle.Render(b.String())
}

func (m MonitorModel) renderImages() string {
	var b strings.Builder
	b.WriteString(labelStyle.Render("Images"))
	if len(m.images) == 0 {
		b.WriteString("\n" + helpStyle.Render("(none received)"))
	}
	for _, img := range m.images {
		mode := "single"
		if img.Chunked {
			mode = "chunked"
		}
		line := fmt.Sprintf("#%d %s %d B %s", img.TransferID, img.Mime, img.Bytes, mode)
		switch {
		case img.Err != "":
			b.WriteString("\n" + badStyle.Render(line+" ! "+img.Err))
		case img.Path != "":
			b.WriteString("\n" + goodStyle.Render(line+" -> "+img.Path))
		default:
			b.WriteString("\n" + goodStyle.Render(line))
		}
	}
	return panelStyle.Render(b.String())
}

func field(label, value string, style lipgloss.Style) string {
	return fmt.Sprintf("%s %s", labelStyle.Render(label), style.Render(value))
}

func renderStatBox(label string, value int64, color lipgloss.Color) string {
	count := lipgloss.NewStyle().Bold(true).Foreground(color).Render(fmt.Sprintf("%d", value))
	return counterStyle.BorderForeground(color).Render(
		lipgloss.JoinVertical(lipgloss.Center, count, lipgloss.NewStyle().Foreground(muted).Render(label)))
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}
