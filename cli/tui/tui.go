package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/camlink/dispatch"
	"github.com/pithecene-io/camlink/types"
)

// Monitor runs a MonitorModel and feeds it from other goroutines.
type Monitor struct {
	program *tea.Program
}

// NewMonitor creates a full-screen monitor.
func NewMonitor(server, identity string, opts ...tea.ProgramOption) *Monitor {
	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)
	return &Monitor{program: tea.NewProgram(NewMonitorModel(server, identity), opts...)}
}

// Run blocks until the user quits.
func (m *Monitor) Run() error {
	_, err := m.program.Run()
	return err
}

// Send delivers a message to the model. Safe from any goroutine.
func (m *Monitor) Send(msg tea.Msg) {
	m.program.Send(msg)
}

// Observer forwards status callbacks to the monitor. Images are reported
// after delivery via Send(ImageMsg).
func (m *Monitor) Observer() dispatch.Observer {
	return dispatch.ObserverFuncs{
		Status: func(kind types.StatusKind, text string) {
			m.Send(StatusMsg{Kind: kind, Text: text, At: time.Now()})
		},
	}
}
