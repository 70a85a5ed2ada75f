package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gridvid/internal/progress"
	"gridvid/internal/runctl"
	"gridvid/internal/scheduler"

	bprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	monitorRefresh     = 500 * time.Millisecond
	monitorEventLines  = 8
	monitorStopTimeout = 2 * time.Minute
)

var (
	monitorTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	monitorMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	monitorErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	monitorOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	monitorWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	monitorPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type monitorController interface {
	Pause() error
	Resume() error
	Stop(ctx context.Context) error
	SetConcurrency(n int) error
	Status() runctl.Status
}

type eventSource interface {
	Events(n int) []progress.Event
}

type monitorTickMsg time.Time

type monitorStoppedMsg struct{ err error }

type monitorModel struct {
	ctl    monitorController
	events eventSource

	status   runctl.Status
	bar      bprogress.Model
	spin     spinner.Model
	input    textinput.Model
	editing  bool
	stopping bool
	done     bool
	notice   string
	noticeOK bool
	width    int
}

func newMonitorModel(ctl monitorController, events eventSource) monitorModel {
	input := textinput.New()
	input.Prompt = "concurrency> "
	input.CharLimit = 4
	input.Width = 8

	return monitorModel{
		ctl:    ctl,
		events: events,
		status: ctl.Status(),
		bar:    bprogress.New(bprogress.WithDefaultGradient(), bprogress.WithWidth(48)),
		spin:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		input:  input,
		width:  100,
	}
}

// runMonitor blocks until the batch finishes or the operator stops it.
func runMonitor(ctl monitorController, events eventSource) error {
	_, err := tea.NewProgram(newMonitorModel(ctl, events), tea.WithAltScreen()).Run()
	return err
}

func monitorTick() tea.Cmd {
	return tea.Tick(monitorRefresh, func(t time.Time) tea.Msg { return monitorTickMsg(t) })
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, monitorTick())
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = clampInt(msg.Width-24, 20, 80)
		return m, nil
	case monitorTickMsg:
		m.status = m.ctl.Status()
		if m.status.State == scheduler.StateStopped && !m.stopping {
			m.done = true
			return m, tea.Quit
		}
		return m, monitorTick()
	case monitorStoppedMsg:
		m.status = m.ctl.Status()
		m.done = true
		if msg.err != nil {
			m.setNotice("stop: "+msg.err.Error(), false)
		}
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		if m.editing {
			return m.updateInput(msg)
		}
		return m.handleKey(msg)
	}
	return m, nil
}

func (m monitorModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "p":
		m.apply("paused", m.ctl.Pause())
	case "r":
		m.apply("resumed", m.ctl.Resume())
	case "+", "=":
		m.setConcurrency(m.status.Concurrency + 1)
	case "-", "_":
		if m.status.Concurrency <= 1 {
			m.setNotice("concurrency is already 1", false)
			break
		}
		m.setConcurrency(m.status.Concurrency - 1)
	case "c":
		m.editing = true
		m.input.SetValue(strconv.Itoa(m.status.Concurrency))
		m.input.CursorEnd()
		return m, m.input.Focus()
	case "s", "q", "ctrl+c":
		if m.done {
			return m, tea.Quit
		}
		if m.stopping {
			return m, nil
		}
		m.stopping = true
		m.setNotice("stopping: closing browser sessions...", true)
		return m, m.stopCmd()
	}
	m.status = m.ctl.Status()
	return m, nil
}

func (m monitorModel) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.editing = false
		m.input.Blur()
		return m, nil
	case "enter":
		m.editing = false
		m.input.Blur()
		n, err := strconv.Atoi(strings.TrimSpace(m.input.Value()))
		if err != nil || n < 1 {
			m.setNotice("concurrency must be a number >= 1", false)
			return m, nil
		}
		m.setConcurrency(n)
		m.status = m.ctl.Status()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *monitorModel) setConcurrency(n int) {
	m.apply(fmt.Sprintf("concurrency set to %d", n), m.ctl.SetConcurrency(n))
}

func (m *monitorModel) apply(okMsg string, err error) {
	if err != nil {
		m.setNotice(err.Error(), false)
		return
	}
	m.setNotice(okMsg, true)
}

func (m *monitorModel) setNotice(text string, ok bool) {
	m.notice = text
	m.noticeOK = ok
}

func (m monitorModel) stopCmd() tea.Cmd {
	ctl := m.ctl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), monitorStopTimeout)
		defer cancel()
		return monitorStoppedMsg{err: ctl.Stop(ctx)}
	}
}

func (m monitorModel) View() string {
	st := m.status
	c := st.Counts

	state := string(st.State)
	switch st.State {
	case scheduler.StateRunning:
		state = m.spin.View() + " " + state
	case scheduler.StatePaused:
		state = monitorWarnStyle.Render(state)
	}
	header := monitorTitleStyle.Render("gridvid run "+defaultIfEmpty(st.RunID, "-")) + "  " + state + "\n" +
		monitorMutedStyle.Render("p: pause | r: resume | +/-: concurrency | c: set concurrency | s/q: stop")

	percent := 0.0
	if c.Total > 0 {
		percent = float64(c.Processed) / float64(c.Total)
	}
	lines := []string{
		m.bar.ViewAs(percent) + fmt.Sprintf("  %d/%d", c.Processed, c.Total),
		kv("succeeded", strconv.Itoa(c.Succeeded)) + "  " + kv("failed", strconv.Itoa(c.Failed)) + "  " +
			kv("pending", strconv.Itoa(c.Pending)) + "  " + kv("running", strconv.Itoa(c.Running)),
		kv("accounts", fmt.Sprintf("%d/%d active", c.Active, st.Concurrency)) + "  " +
			kv("exhausted", strconv.Itoa(c.AccountsExhausted)) + "  " + kv("policy", st.Policy),
	}
	if m.editing {
		lines = append(lines, m.input.View())
	}
	stats := monitorPanelStyle.Width(maxInt(m.width-2, 40)).Render(strings.Join(lines, "\n"))

	events := monitorPanelStyle.Width(maxInt(m.width-2, 40)).Render(m.renderEvents())

	notice := ""
	if m.notice != "" {
		style := monitorErrorStyle
		if m.noticeOK {
			style = monitorOKStyle
		}
		notice = style.Render(m.notice)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, stats, events, notice)
}

func (m monitorModel) renderEvents() string {
	if m.events == nil {
		return monitorMutedStyle.Render("no events")
	}
	list := m.events.Events(monitorEventLines)
	if len(list) == 0 {
		return monitorMutedStyle.Render("waiting for events...")
	}
	width := maxInt(m.width-8, 30)
	out := make([]string, 0, len(list))
	for _, e := range list {
		line := e.Time.Local().Format("15:04:05") + " "
		if e.Email != "" {
			line += e.Email + " "
		}
		line = truncateRunes(line+e.Message, width)
		switch e.Level {
		case progress.LevelError:
			line = monitorErrorStyle.Render(line)
		case progress.LevelWarn:
			line = monitorWarnStyle.Render(line)
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func kv(key, value string) string {
	return monitorMutedStyle.Render(key+":") + " " + value
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func defaultIfEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
