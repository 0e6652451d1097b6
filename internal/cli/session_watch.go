// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// SESSION WATCH VIEW
// =============================================================================

type remainingMsg time.Duration

type watchClosedMsg struct{}

type tickMsg time.Time

// watchModel renders the remaining session time. Updates come from the
// gate's poller; a 1s tick advances the display between polls.
type watchModel struct {
	updates   <-chan time.Duration
	lifetime  time.Duration
	remaining time.Duration
	polledAt  time.Time
	bar       progress.Model
	closed    bool
}

var (
	watchBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("39")).
			Padding(0, 2)
	watchTime = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
)

func newWatchModel(updates <-chan time.Duration, lifetime time.Duration, width int) watchModel {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	bar.Width = barWidth(width)
	return watchModel{updates: updates, lifetime: lifetime, bar: bar}
}

func barWidth(termWidth int) int {
	w := termWidth - 8
	if w > 50 {
		w = 50
	}
	if w < 10 {
		w = 10
	}
	return w
}

func waitForRemaining(ch <-chan time.Duration) tea.Cmd {
	return func() tea.Msg {
		d, ok := <-ch
		if !ok {
			return watchClosedMsg{}
		}
		return remainingMsg(d)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(waitForRemaining(m.updates), tick())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = barWidth(msg.Width)
	case remainingMsg:
		m.remaining = time.Duration(msg)
		m.polledAt = time.Now()
		return m, waitForRemaining(m.updates)
	case watchClosedMsg:
		m.closed = true
		return m, tea.Quit
	case tickMsg:
		return m, tick()
	}
	return m, nil
}

// current is the polled remaining time advanced by the time since the poll.
func (m watchModel) current() time.Duration {
	if m.remaining <= 0 || m.polledAt.IsZero() {
		return 0
	}
	rem := m.remaining - time.Since(m.polledAt)
	if rem < 0 {
		return 0
	}
	return rem
}

func (m watchModel) View() string {
	rem := m.current()

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Session"))
	b.WriteString("\n\n")
	if rem <= 0 {
		b.WriteString(DimStyle.Render("No active session"))
		b.WriteString("\n")
		b.WriteString(m.bar.ViewAs(0))
	} else {
		b.WriteString(watchTime.Render(formatRemaining(rem)))
		b.WriteString(" remaining\n")
		pct := 1.0
		if m.lifetime > 0 {
			pct = float64(rem) / float64(m.lifetime)
		}
		if pct > 1 {
			pct = 1
		}
		b.WriteString(m.bar.ViewAs(pct))
	}
	b.WriteString("\n\n")
	b.WriteString(DimStyle.Render("q to quit"))

	return watchBox.Render(b.String()) + "\n"
}
