package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/clawinfra/cerrla/internal/checkpoint"
	"github.com/clawinfra/cerrla/internal/generator"
	"github.com/clawinfra/cerrla/internal/report"
)

// runSource is the part of the checkpoint store the browser reads.
type runSource interface {
	ListRuns(ctx context.Context) ([]checkpoint.Run, error)
	Latest(ctx context.Context, runID string) (checkpoint.Checkpoint, error)
}

// ─────────────────────────────────────────────────────
// Bubble Tea messages
// ─────────────────────────────────────────────────────

type runEntry struct {
	run        checkpoint.Run
	checkpoint *checkpoint.Checkpoint
}

type runsMsg struct {
	runs []runEntry
	err  error
}

type reportMsg struct {
	runID   string
	content string
	err     error
}

type tickMsg struct{}

// ─────────────────────────────────────────────────────
// Styles
// ─────────────────────────────────────────────────────

var (
	primaryColor   = lipgloss.Color("#7C3AED") // violet
	secondaryColor = lipgloss.Color("#06B6D4") // cyan
	mutedColor     = lipgloss.Color("#6B7280") // gray
	successColor   = lipgloss.Color("#10B981") // green
	errorColor     = lipgloss.Color("#EF4444") // red

	sidebarStyle = lipgloss.NewStyle().
			Width(36).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	sidebarTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	selectedRun = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	convergedRun = lipgloss.NewStyle().
			Foreground(successColor)

	metricStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			PaddingLeft(2)

	reportBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

const (
	sidebarWidth    = 38
	refreshInterval = 2 * time.Second
)

// ─────────────────────────────────────────────────────
// Model
// ─────────────────────────────────────────────────────

type model struct {
	source   runSource
	opts     report.Options
	runs     []runEntry
	selected int
	shown    string // run whose report is in the viewport
	content  string
	body     viewport.Model
	err      error
	width    int
	height   int
	ready    bool
}

func newModel(source runSource, opts report.Options) model {
	return model{source: source, opts: opts}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.loadRuns(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m model) loadRuns() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx := context.Background()
		runs, err := source.ListRuns(ctx)
		if err != nil {
			return runsMsg{err: err}
		}
		entries := make([]runEntry, 0, len(runs))
		for _, r := range runs {
			e := runEntry{run: r}
			cp, err := source.Latest(ctx, r.ID)
			switch {
			case err == nil:
				e.checkpoint = &cp
			case !errors.Is(err, checkpoint.ErrNotFound):
				return runsMsg{err: err}
			}
			entries = append(entries, e)
		}
		return runsMsg{runs: entries}
	}
}

func (m model) loadReport(runID string) tea.Cmd {
	source, opts := m.source, m.opts
	return func() tea.Msg {
		cp, err := source.Latest(context.Background(), runID)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return reportMsg{runID: runID, content: "No checkpoint yet."}
		}
		if err != nil {
			return reportMsg{runID: runID, err: err}
		}
		g, err := generator.Deserialize(cp.State, generator.Options{})
		if err != nil {
			return reportMsg{runID: runID, err: err}
		}
		var b strings.Builder
		if err := report.Render(&b, g, opts); err != nil {
			return reportMsg{runID: runID, err: err}
		}
		return reportMsg{runID: runID, content: b.String()}
	}
}

func (m model) selectedID() string {
	if m.selected < 0 || m.selected >= len(m.runs) {
		return ""
	}
	return m.runs[m.selected].run.ID
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
				return m, m.loadReport(m.selectedID())
			}
			return m, nil
		case "down", "j":
			if m.selected < len(m.runs)-1 {
				m.selected++
				return m, m.loadReport(m.selectedID())
			}
			return m, nil
		case "r":
			return m, m.loadRuns()
		}

	case runsMsg:
		m.err = msg.err
		if msg.err != nil {
			return m, nil
		}
		current := m.selectedID()
		m.runs = msg.runs
		m.selected = 0
		for i, e := range m.runs {
			if e.run.ID == current {
				m.selected = i
			}
		}
		if id := m.selectedID(); id != "" {
			return m, m.loadReport(id)
		}
		return m, nil

	case reportMsg:
		if msg.runID != m.selectedID() {
			return m, nil
		}
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		keepOffset := msg.runID == m.shown
		m.shown = msg.runID
		m.content = msg.content
		m.body.SetContent(msg.content)
		if !keepOffset {
			m.body.GotoTop()
		}
		return m, nil

	case tickMsg:
		cmds = append(cmds, m.loadRuns(), tickCmd())

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		bodyW := max(m.width-sidebarWidth-3, 10)
		bodyH := max(m.height-4, 3)
		if !m.ready {
			m.body = viewport.New(bodyW, bodyH)
			m.body.SetContent(m.content)
			m.ready = true
		} else {
			m.body.Width = bodyW
			m.body.Height = bodyH
		}
	}

	var cmd tea.Cmd
	m.body, cmd = m.body.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	if !m.ready {
		return "Loading checkpoints..."
	}

	header := headerStyle.Width(m.width).Render("  CERRLA checkpoints")
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderSidebar(),
		" ",
		reportBorder.Width(m.width-sidebarWidth-1).Render(m.body.View()),
	)
	footer := footerStyle.Render("  ↑↓: select run │ PgUp/PgDn: scroll │ r: refresh │ q: quit")
	if m.err != nil {
		footer = errorStyle.Render("  error: " + m.err.Error())
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m model) renderSidebar() string {
	var sb strings.Builder
	sb.WriteString(sidebarTitle.Render("Runs"))
	sb.WriteString("\n")

	if len(m.runs) == 0 {
		sb.WriteString(metricStyle.Render("no runs recorded"))
	}
	for i, e := range m.runs {
		name := fmt.Sprintf("%s %s", e.run.Name, shortID(e.run.ID))
		switch {
		case i == m.selected:
			sb.WriteString(selectedRun.Render("> " + name))
		case e.checkpoint != nil && e.checkpoint.Converged:
			sb.WriteString(convergedRun.Render("  " + name))
		default:
			sb.WriteString("  " + name)
		}
		sb.WriteString("\n")
		if cp := e.checkpoint; cp != nil {
			sb.WriteString(metricStyle.Render(fmt.Sprintf("ep %d  upd %d  best %.2f", cp.Episode, cp.Updates, cp.BestValue)))
		} else {
			sb.WriteString(metricStyle.Render("no checkpoint"))
		}
		sb.WriteString("\n")
	}
	return sidebarStyle.Height(max(m.height-4, 3)).Render(sb.String())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
