package viz

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/san-kum/beamstab/internal/config"
	"github.com/san-kum/beamstab/internal/stabilizer"
)

const (
	historyCapacity = 600
	graphWidth      = 60
	graphHeight     = 8
)

// Loop is the part of the control loop the monitor reads and steers.
type Loop interface {
	Config() config.Config
	State() stabilizer.State
	Reload(resetPID bool)
}

type recordMsg stabilizer.CycleRecord

type skipMsg struct{ err error }

// Feed hands cycle events from the control goroutine to the monitor. Sends
// never block; events are dropped when the monitor falls behind.
type Feed struct {
	ch chan tea.Msg
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{ch: make(chan tea.Msg, buffer)}
}

func (f *Feed) OnCycle(rec stabilizer.CycleRecord) {
	select {
	case f.ch <- recordMsg(rec):
	default:
	}
}

func (f *Feed) OnCycleError(err error) {
	select {
	case f.ch <- skipMsg{err: err}:
	default:
	}
}

func (f *Feed) wait(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-f.ch:
			return msg
		case <-ctx.Done():
			return tea.Quit()
		}
	}
}

// Model is the live monitor of a running stabilization loop.
type Model struct {
	ctx    context.Context
	cancel context.CancelFunc
	loop   Loop
	feed   *Feed

	currents    []float64
	voltages    []float64
	corrections []float64
	last        stabilizer.CycleRecord
	hasLast     bool
	skipped     int
	lastErr     string
	notice      string
	showHelp    bool
}

// NewMonitor builds the monitor. Quitting the monitor calls cancel, which
// stops the loop.
func NewMonitor(ctx context.Context, cancel context.CancelFunc, loop Loop, feed *Feed) Model {
	return Model{
		ctx:         ctx,
		cancel:      cancel,
		loop:        loop,
		feed:        feed,
		currents:    make([]float64, 0, historyCapacity),
		voltages:    make([]float64, 0, historyCapacity),
		corrections: make([]float64, 0, historyCapacity),
	}
}

func (m Model) Init() tea.Cmd {
	return m.feed.wait(m.ctx)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case "r":
			m.loop.Reload(true)
			m.notice = "integral reset requested"
		case "t":
			NextTheme()
		case "?":
			m.showHelp = !m.showHelp
		}
		return m, nil
	case recordMsg:
		m.record(stabilizer.CycleRecord(msg))
		return m, m.feed.wait(m.ctx)
	case skipMsg:
		m.skipped++
		m.lastErr = msg.err.Error()
		return m, m.feed.wait(m.ctx)
	}
	return m, nil
}

func (m *Model) record(rec stabilizer.CycleRecord) {
	m.last = rec
	m.hasLast = true
	m.currents = appendBounded(m.currents, rec.Current)
	m.voltages = appendBounded(m.voltages, rec.Voltage)
	m.corrections = appendBounded(m.corrections, rec.Correction)
}

func appendBounded(s []float64, v float64) []float64 {
	s = append(s, v)
	if len(s) > historyCapacity {
		s = s[1:]
	}
	return s
}

func (m Model) View() string {
	cfg := m.loop.Config()
	state := m.loop.State()

	var s strings.Builder
	s.WriteString(titleStyle().Render("BEAM CURRENT STABILIZER") + "  ")
	s.WriteString(stateStyle(state == stabilizer.Running).Render(strings.ToUpper(state.String())) + "\n\n")

	row := func(label, value string) {
		s.WriteString(labelStyle().Render(label) + valueStyle().Render(value) + "\n")
	}
	row("Target", fmt.Sprintf("%.2f mA ± %.2f", cfg.TargetCurrent, cfg.Resolution))
	row("Range", fmt.Sprintf("%.1f .. %.1f V", cfg.VoltageMin, cfg.VoltageMax))
	row("Gains", fmt.Sprintf("Kp=%g Ki=%g Kd=%g", cfg.Kp, cfg.Ki, cfg.Kd))

	s.WriteString(Separator(40) + "\n")
	if m.hasLast {
		out := m.last.Outcome
		row("Cycle", fmt.Sprintf("%d", m.last.Cycle))
		row("Current", fmt.Sprintf("%.3f mA", m.last.Current))
		row("Voltage", fmt.Sprintf("%.2f V", m.last.Voltage))
		row("Correction", fmt.Sprintf("%+.3f V", m.last.Correction))
		outcome := out.Kind.String()
		if out.Reason != "" {
			outcome += " (" + out.Reason + ")"
		}
		s.WriteString(labelStyle().Render("Outcome") + outcomeStyle(out.Kind.String()).Render(outcome) + "\n")
	} else {
		s.WriteString(labelStyle().Render("Waiting for the first cycle") + "\n")
	}
	row("Skipped", fmt.Sprintf("%d", m.skipped))
	if m.lastErr != "" {
		s.WriteString(lipgloss.NewStyle().Foreground(CurrentTheme.Error).Render(m.lastErr) + "\n")
	}
	if m.notice != "" {
		s.WriteString(keyHintStyle().Render(m.notice) + "\n")
	}
	stats := panelStyle().Render(s.String())

	var g strings.Builder
	if len(m.currents) > 1 {
		g.WriteString(graphStyle().Render(asciigraph.Plot(m.currents,
			asciigraph.Height(graphHeight),
			asciigraph.Width(graphWidth),
			asciigraph.Caption("emission current [mA]"))) + "\n\n")
		g.WriteString(graphStyle().Render(asciigraph.Plot(m.voltages,
			asciigraph.Height(graphHeight),
			asciigraph.Width(graphWidth),
			asciigraph.Caption("focus voltage [V]"))) + "\n\n")
		g.WriteString("correction " + SparklineChart(m.corrections, graphWidth-11))
	}

	view := lipgloss.JoinHorizontal(lipgloss.Top, stats, panelStyle().Render(g.String()))
	view += "\n" + keyHintStyle().Render("Q:Stop  R:Reset integral  T:Theme  ?:Help")
	if m.showHelp {
		return `
╔══════════════════════════════════════╗
║           KEYBOARD SHORTCUTS         ║
╠══════════════════════════════════════╣
║  Q        - Stop stabilization       ║
║  R        - Reset the PID integral   ║
║  T        - Cycle themes             ║
║  ?        - Toggle this help         ║
╚══════════════════════════════════════╝
` + "\n" + view
	}
	return view
}
