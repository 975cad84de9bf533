// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

// Package transferui renders a transfer session's event stream as an
// interactive terminal progress display.
package transferui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hyuraku/flux/transfer"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	codeStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Padding(0, 1).Border(lipgloss.RoundedBorder())
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	fileStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("36"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// eventMsg wraps one session event for the bubbletea message loop.
type eventMsg struct {
	event transfer.Event
	ok    bool
}

// doneFile is one completed file shown in the summary list.
type doneFile struct {
	name string
	size uint64
}

// Model is the bubbletea model for a running transfer. It consumes
// events from a channel the caller feeds (usually a pump over
// Session.Events) and calls cancel when the user quits early.
type Model struct {
	events <-chan transfer.Event
	cancel func()
	title  string

	bar      progress.Model
	state    transfer.State
	code     string
	file     string
	fraction float64
	speed    float64
	done     []doneFile
	err      error
	width    int
}

// New builds a Model. cancel is invoked when the user aborts with q,
// escape, or ctrl+c.
func New(title string, events <-chan transfer.Event, cancel func()) Model {
	return Model{
		title:  title,
		events: events,
		cancel: cancel,
		bar:    progress.New(progress.WithDefaultGradient()),
		state:  transfer.StateConnecting,
		width:  72,
	}
}

func (m Model) listen() tea.Cmd {
	return func() tea.Msg {
		event, ok := <-m.events
		return eventMsg{event: event, ok: ok}
	}
}

func (m Model) Init() tea.Cmd {
	return m.listen()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 20
		if m.bar.Width > 60 {
			m.bar.Width = 60
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
		return m, nil

	case eventMsg:
		if !msg.ok {
			return m, tea.Quit
		}
		m = m.apply(msg.event)
		if m.state.Terminal() {
			return m, tea.Quit
		}
		return m, m.listen()
	}
	return m, nil
}

func (m Model) apply(event transfer.Event) Model {
	switch event.Kind {
	case transfer.EventState:
		m.state = event.State
	case transfer.EventCode:
		m.code = event.Code
	case transfer.EventProgress:
		m.file = event.File
		m.fraction = event.Fraction
		m.speed = event.Speed
	case transfer.EventFileReceived:
		m.done = append(m.done, doneFile{name: event.Received.Name, size: event.Received.Size})
	case transfer.EventFileSent:
		m.file = event.File
		m.fraction = 1
	case transfer.EventError:
		m.err = event.Err
	}
	return m
}

// Err returns the failure the session reported, if any. Valid after
// the program exits.
func (m Model) Err() error { return m.err }

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")

	if m.code != "" && m.state == transfer.StateWaiting {
		b.WriteString("  Share this code with the sender:\n\n")
		b.WriteString("  " + codeStyle.Render(m.code) + "\n\n")
	}

	switch m.state {
	case transfer.StateConnecting:
		b.WriteString(statusStyle.Render("  connecting to broker...") + "\n")
	case transfer.StateWaiting:
		b.WriteString(statusStyle.Render("  waiting for peer...") + "\n")
	case transfer.StateTransferring:
		if m.file != "" {
			b.WriteString("  " + fileStyle.Render(m.file) + "\n")
		}
		b.WriteString("  " + m.bar.ViewAs(m.fraction))
		b.WriteString(fmt.Sprintf("  %s\n", FormatRate(m.speed)))
	case transfer.StateCompleted:
		b.WriteString(doneStyle.Render("  transfer complete") + "\n")
	case transfer.StateCancelled:
		b.WriteString(statusStyle.Render("  transfer cancelled") + "\n")
	case transfer.StateError:
		b.WriteString(errorStyle.Render(fmt.Sprintf("  transfer failed: %v", m.err)) + "\n")
	}

	for _, f := range m.done {
		b.WriteString(fmt.Sprintf("  %s %s (%s)\n", doneStyle.Render("✓"), f.name, FormatBytes(f.size)))
	}

	b.WriteString("\n" + statusStyle.Render("  q to quit") + "\n")
	return b.String()
}

// FormatBytes renders a byte count with a binary-ish unit, the way
// transfer tools usually present sizes.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	value := float64(n)
	suffixes := []string{"KB", "MB", "GB", "TB"}
	for _, suffix := range suffixes {
		value /= unit
		if value < unit || suffix == suffixes[len(suffixes)-1] {
			return fmt.Sprintf("%.1f %s", value, suffix)
		}
	}
	return fmt.Sprintf("%d B", n)
}

// FormatRate renders a bytes-per-second rate.
func FormatRate(rate float64) string {
	if rate <= 0 {
		return "-- B/s"
	}
	return FormatBytes(uint64(rate)) + "/s"
}
