// Package tui is a terminal status console for a running logger.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	"github.com/ericogr/thermocouple-logger/pkg/bus"
	"github.com/ericogr/thermocouple-logger/pkg/datalogger"
	"github.com/ericogr/thermocouple-logger/pkg/sensor"
)

const refreshInterval = 500 * time.Millisecond

// --- STYLES ---
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#575B7E")).
			Padding(0, 1)

	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))

	statusKeyStyle = lipgloss.NewStyle().Bold(true)
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	channelStyle = lipgloss.NewStyle().Width(6).Align(lipgloss.Right).Padding(0, 1)
	enabledStyle = lipgloss.NewStyle().Width(5).Padding(0, 1)
	numStyle     = lipgloss.NewStyle().Width(12).Align(lipgloss.Right).Padding(0, 1)
	timeStyle    = lipgloss.NewStyle().Width(12).Padding(0, 1)
)

// Controller is the part of the logger the console drives.
type Controller interface {
	Connect(ctx context.Context) bus.State
	Disconnect() bus.State
	StartLogging()
	StopLogging()
	SetChannelEnabled(channel int, enabled bool) error
	Status() datalogger.Status
	Latest(ctx context.Context) ([]sensor.Reading, error)
}

// --- MODEL ---
type tickMsg time.Time

type stateMsg bus.State

type Model struct {
	ctrl    Controller
	log     *logrus.Entry
	status  datalogger.Status
	latest  map[int]sensor.Reading
	message string
}

func NewModel(ctrl Controller, l *logrus.Entry) Model {
	if l == nil {
		l = logrus.WithField("component", "tui")
	}
	m := Model{ctrl: ctrl, log: l, latest: map[int]sensor.Reading{}}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd { return tick() }

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// --- UPDATE ---
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg.String())
	case tickMsg:
		m.refresh()
		return m, tick()
	case stateMsg:
		m.message = fmt.Sprintf("connection: %s", bus.State(msg))
		m.refresh()
	}
	return m, nil
}

func (m Model) handleKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "c":
		m.message = "connecting..."
		ctrl := m.ctrl
		return m, func() tea.Msg { return stateMsg(ctrl.Connect(context.Background())) }
	case "d":
		m.message = fmt.Sprintf("connection: %s", m.ctrl.Disconnect())
	case "s":
		if m.status.Logging {
			m.ctrl.StopLogging()
			m.message = "logging stopped"
		} else {
			m.ctrl.StartLogging()
			m.message = "logging started"
		}
	case "1", "2", "3", "4", "5", "6", "7", "8":
		ch := int(key[0] - '0')
		if ch > len(m.status.Channels) {
			return m, nil
		}
		enabled := !m.status.Channels[ch-1].Enabled
		if err := m.ctrl.SetChannelEnabled(ch, enabled); err != nil {
			m.message = err.Error()
			break
		}
		m.message = fmt.Sprintf("channel %d enabled=%v", ch, enabled)
	default:
		return m, nil
	}
	m.log.WithField("key", key).Debug(m.message)
	m.refresh()
	return m, nil
}

func (m *Model) refresh() {
	m.status = m.ctrl.Status()
	readings, err := m.ctrl.Latest(context.Background())
	if err != nil {
		m.log.WithError(err).Debug("latest readings")
		return
	}
	for _, r := range readings {
		m.latest[r.Channel] = r
	}
}

// --- VIEW ---
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Thermocouple Logger") + "\n\n")

	conn := m.status.Connection
	b.WriteString(statusKeyStyle.Render("Connection: ") + stateStyle(conn.State).Render(conn.State.String()))
	if conn.Fault != "" {
		b.WriteString(" " + errStyle.Render(conn.Fault))
	}
	b.WriteString("   " + statusKeyStyle.Render("Logging: "))
	if m.status.Logging {
		b.WriteString(okStyle.Render("on"))
	} else {
		b.WriteString(dimStyle.Render("off"))
	}
	b.WriteString("\n")
	b.WriteString(statusKeyStyle.Render("Archive: ") + m.status.Archive.String() + "\n\n")

	rows := []string{lipgloss.JoinHorizontal(lipgloss.Top,
		channelStyle.Render("ch"), enabledStyle.Render("on"), numStyle.Render("interval"),
		numStyle.Render("raw"), numStyle.Render("°C"), timeStyle.Render("time"), numStyle.Render("skipped"))}
	for _, c := range m.status.Channels {
		raw, cal, ts := "-", "-", "-"
		// stale values are hidden while the link is down
		if r, ok := m.latest[c.Channel]; ok && conn.State == bus.Connected {
			raw = fmt.Sprintf("%.2f", r.Raw)
			cal = fmt.Sprintf("%.2f", r.Calibrated)
			ts = r.Timestamp.Format("15:04:05")
		}
		on := dimStyle.Render("off")
		if c.Enabled {
			on = okStyle.Render("on")
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top,
			channelStyle.Render(fmt.Sprint(c.Channel)), enabledStyle.Render(on),
			numStyle.Render(fmt.Sprintf("%ds", c.IntervalSeconds)), numStyle.Render(raw), numStyle.Render(cal),
			timeStyle.Render(ts), numStyle.Render(fmt.Sprint(c.Stats.Skipped))))
	}
	b.WriteString(baseStyle.Render(strings.Join(rows, "\n")) + "\n")

	for _, name := range m.status.Sinks {
		if n := m.status.SinkFailures[name]; n > 0 {
			b.WriteString(warnStyle.Render(fmt.Sprintf("sink %s: %d failed writes", name, n)) + "\n")
		}
	}
	if m.message != "" {
		b.WriteString(m.message + "\n")
	}
	b.WriteString(dimStyle.Render("c connect • d disconnect • s start/stop • 1-8 toggle channel • q quit"))
	return b.String()
}

func stateStyle(s bus.State) lipgloss.Style {
	switch s {
	case bus.Connected:
		return okStyle
	case bus.Connecting:
		return warnStyle
	case bus.Error:
		return errStyle
	}
	return dimStyle
}

// Run shows the console until the user quits.
func Run(ctrl Controller, l *logrus.Entry) error {
	_, err := tea.NewProgram(NewModel(ctrl, l), tea.WithAltScreen()).Run()
	return err
}
