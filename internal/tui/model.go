// Package tui is the local terminal front-end.
package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/antoniostano/ironclaw/internal/engine"
)

// Source tags turns typed into the terminal.
const Source = "tui"

type TurnHandler interface {
	HandleTurn(ctx context.Context, userID, text string) (engine.Reply, error)
}

type CommandHandler interface {
	Handle(ctx context.Context, userID, text string) (string, bool)
}

type role int

const (
	roleUser role = iota
	roleAssistant
	roleScheduled
	roleError
)

type line struct {
	role role
	text string
}

// replyMsg carries the result of a turn or command back into Update.
type replyMsg struct {
	text string
	err  error
}

// ScheduledMsg is sent into the program when a scheduled job replies.
type ScheduledMsg struct {
	Text string
}

type Model struct {
	ctx      context.Context
	userID   string
	title    string
	turns    TurnHandler
	commands CommandHandler

	input    textinput.Model
	viewport viewport.Model
	styles   styles
	lines    []line
	busy     bool
	width    int
	height   int
}

func NewModel(ctx context.Context, userID, title string, turns TurnHandler, commands CommandHandler) Model {
	in := textinput.New()
	in.Placeholder = "Type a message or /help"
	in.CharLimit = 4000
	in.Prompt = "› "
	in.Focus()

	if title == "" {
		title = "🦾 IronClaw"
	}
	return Model{
		ctx:      ctx,
		userID:   userID,
		title:    title,
		turns:    turns,
		commands: commands,
		input:    in,
		viewport: viewport.New(80, 20),
		styles:   defaultStyles(),
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		// header, status and input lines
		m.viewport.Height = max(msg.Height-4, 1)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case replyMsg:
		m.busy = false
		if msg.err != nil {
			m.push(roleError, "⚠️ "+msg.err.Error())
		} else if strings.TrimSpace(msg.text) != "" {
			m.push(roleAssistant, msg.text)
		}
		return m, nil

	case ScheduledMsg:
		m.push(roleScheduled, msg.Text)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.busy {
		return m, nil
	}
	m.input.Reset()

	switch strings.ToLower(text) {
	case "/quit", "/exit":
		return m, tea.Quit
	}

	m.push(roleUser, text)
	m.busy = true
	ctx, userID := m.ctx, m.userID
	if strings.HasPrefix(text, "/") && m.commands != nil {
		commands := m.commands
		turns := m.turns
		return m, func() tea.Msg {
			if out, handled := commands.Handle(ctx, userID, text); handled {
				return replyMsg{text: out}
			}
			return runTurn(ctx, turns, userID, text)
		}
	}
	turns := m.turns
	return m, func() tea.Msg {
		return runTurn(ctx, turns, userID, text)
	}
}

func runTurn(ctx context.Context, turns TurnHandler, userID, text string) tea.Msg {
	reply, err := turns.HandleTurn(engine.WithSource(ctx, Source), userID, text)
	if err != nil {
		return replyMsg{err: err}
	}
	return replyMsg{text: reply.Render()}
}

func (m *Model) push(r role, text string) {
	m.lines = append(m.lines, line{role: r, text: text})
	m.refresh()
}

func (m *Model) refresh() {
	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}
	var sb strings.Builder
	for i, l := range m.lines {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(m.render(l, width))
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m Model) render(l line, width int) string {
	switch l.role {
	case roleUser:
		return m.styles.User.Width(width).Render("you › " + l.text)
	case roleScheduled:
		return m.styles.Scheduled.Width(width).Render(l.text)
	case roleError:
		return m.styles.Error.Width(width).Render(l.text)
	default:
		return m.styles.Assistant.Width(width).Render(l.text)
	}
}

func (m Model) View() string {
	status := "ready"
	if m.busy {
		status = "thinking…"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Header.Render(m.title),
		m.viewport.View(),
		m.styles.Status.Render(status),
		m.input.View(),
	)
}
