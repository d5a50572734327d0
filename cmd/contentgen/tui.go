package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
	"github.com/tjfontaine/contentgen-gateway/internal/transport"
)

type (
	chatMsg     transport.ChatMessage
	snapshotMsg transport.Snapshot
	licenseMsg  protocol.LicensePayload
	noticeMsg   string
)

type tuiTheme struct {
	header  lipgloss.Style
	user    lipgloss.Style
	model   lipgloss.Style
	notice  lipgloss.Style
	error   lipgloss.Style
	footer  lipgloss.Style
	state   map[transport.State]lipgloss.Style
	divider lipgloss.Style
}

func newTUITheme() tuiTheme {
	mint := lipgloss.Color("#05ffa1")
	blue := lipgloss.Color("#01cdfe")
	pink := lipgloss.Color("#ff71ce")
	muted := lipgloss.Color("#9ca3d8")
	return tuiTheme{
		header: lipgloss.NewStyle().Bold(true).Padding(0, 1).
			BorderStyle(lipgloss.RoundedBorder()).BorderForeground(blue),
		user:    lipgloss.NewStyle().Foreground(mint).Bold(true),
		model:   lipgloss.NewStyle().Foreground(blue),
		notice:  lipgloss.NewStyle().Foreground(muted).Italic(true),
		error:   lipgloss.NewStyle().Foreground(pink).Bold(true),
		footer:  lipgloss.NewStyle().Foreground(muted),
		divider: lipgloss.NewStyle().Foreground(muted),
		state: map[transport.State]lipgloss.Style{
			transport.StateConnected:     lipgloss.NewStyle().Foreground(mint).Bold(true),
			transport.StateConnecting:    lipgloss.NewStyle().Foreground(lipgloss.Color("#ffd166")),
			transport.StateDisconnecting: lipgloss.NewStyle().Foreground(muted),
			transport.StateDisconnected:  lipgloss.NewStyle().Foreground(pink),
		},
	}
}

// tuiSink turns manager callbacks into program messages. Sends never
// block the manager's loop; a full channel drops the update.
func tuiSink(ch chan<- tea.Msg) transport.SinkFuncs {
	send := func(msg tea.Msg) {
		select {
		case ch <- msg:
		default:
		}
	}
	return transport.SinkFuncs{
		OnState:   func(s transport.Snapshot) { send(snapshotMsg(s)) },
		OnChat:    func(m transport.ChatMessage) { send(chatMsg(m)) },
		OnLicense: func(l protocol.LicensePayload) { send(licenseMsg(l)) },
	}
}

func waitMsg(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

type tuiModel struct {
	manager  *transport.Manager
	events   <-chan tea.Msg
	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model
	theme    tuiTheme

	lines    []string
	snap     transport.Snapshot
	license  string
	lastUser string
	width    int
	height   int
}

func newTUIModel(m *transport.Manager, events <-chan tea.Msg) tuiModel {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Describe the change. /stop, /retry, /status, /quit"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	return tuiModel{
		manager:  m,
		events:   events,
		input:    input,
		timeline: viewport.New(80, 20),
		spinner:  sp,
		theme:    newTUITheme(),
		snap:     transport.Snapshot{State: transport.StateDisconnected},
	}
}

func (t tuiModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, t.spinner.Tick, waitMsg(t.events))
}

func (t tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		t.width, t.height = msg.Width, msg.Height
		t.timeline.Width = msg.Width
		t.timeline.Height = max(msg.Height-7, 3)
		t.input.Width = max(msg.Width-4, 10)
		t.render()
	case spinner.TickMsg:
		var cmd tea.Cmd
		t.spinner, cmd = t.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case chatMsg:
		t.onChat(transport.ChatMessage(msg))
		cmds = append(cmds, waitMsg(t.events))
	case snapshotMsg:
		if msg.State != t.snap.State {
			t.appendLine(t.theme.notice.Render(stateLine(transport.Snapshot(msg))))
		}
		t.snap = transport.Snapshot(msg)
		cmds = append(cmds, waitMsg(t.events))
	case licenseMsg:
		t.license = fmt.Sprintf("%s (valid=%t)", msg.Plan, msg.Valid)
		cmds = append(cmds, waitMsg(t.events))
	case noticeMsg:
		t.appendLine(t.theme.error.Render(string(msg)))
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return t, tea.Quit
		case "pgup", "pgdown":
			var cmd tea.Cmd
			t.timeline, cmd = t.timeline.Update(msg)
			return t, cmd
		case "enter":
			line := strings.TrimSpace(t.input.Value())
			t.input.Reset()
			if line == "" {
				return t, nil
			}
			if line == "/quit" || line == "/exit" {
				return t, tea.Quit
			}
			return t, t.run(line)
		}
		var cmd tea.Cmd
		t.input, cmd = t.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	return t, tea.Batch(cmds...)
}

// run executes line off the update loop; manager calls wait on its loop.
func (t tuiModel) run(line string) tea.Cmd {
	m, lastUser := t.manager, t.lastUser
	return func() tea.Msg {
		notice, _ := command(m, line, lastUser)
		if notice == "" {
			return nil
		}
		return noticeMsg(notice)
	}
}

func (t *tuiModel) onChat(m transport.ChatMessage) {
	if m.Role == transport.RoleUser {
		if m.Active {
			t.lastUser = m.ID
			t.appendLine(t.theme.user.Render("you: ") + m.Content)
		}
		return
	}
	if !m.Active {
		return
	}
	text := strings.TrimRight(renderModelMessage(m), "\n")
	if m.Kind == transport.KindError {
		t.appendLine(t.theme.error.Render(text))
		return
	}
	t.appendLine(t.theme.model.Render(text))
}

func (t *tuiModel) appendLine(s string) {
	t.lines = append(t.lines, s)
	t.render()
}

func (t *tuiModel) render() {
	t.timeline.SetContent(strings.Join(t.lines, "\n"))
	t.timeline.GotoBottom()
}

func (t tuiModel) View() string {
	style, ok := t.theme.state[t.snap.State]
	if !ok {
		style = t.theme.notice
	}
	status := style.Render(string(t.snap.State))
	if t.snap.Busy {
		status += " " + t.spinner.View() + " generating"
	}
	if t.license != "" {
		status += t.theme.footer.Render("  license " + t.license)
	}
	header := t.theme.header.Render("contentgen  " + status)

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(t.timeline.View())
	b.WriteString("\n")
	b.WriteString(t.theme.divider.Render(strings.Repeat("─", max(t.width, 10))))
	b.WriteString("\n")
	b.WriteString(t.input.View())
	b.WriteString("\n")
	b.WriteString(t.theme.footer.Render("enter send · pgup/pgdown scroll · esc quit"))
	return b.String()
}

func stateLine(s transport.Snapshot) string {
	if s.State == transport.StateDisconnected && s.Reconnecting {
		return fmt.Sprintf("disconnected, reconnect attempt %d scheduled", s.ReconnectAttempts)
	}
	return string(s.State)
}

// runTUI drives m from a full-screen terminal UI until the user quits or
// ctx ends.
func runTUI(ctx context.Context, m *transport.Manager, events <-chan tea.Msg, in io.Reader, out io.Writer) error {
	p := tea.NewProgram(newTUIModel(m, events),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("terminal ui: %w", err)
	}
	return nil
}
