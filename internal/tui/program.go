package tui

import (
	"context"
	"errors"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/antoniostano/ironclaw/internal/notify"
)

// SinkName is the name the terminal registers under in the notification hub.
const SinkName = "tui"

type Config struct {
	UserID string
	Title  string
	// AltScreen takes over the whole terminal.
	AltScreen bool
}

// Sender is the part of *tea.Program the sink needs.
type Sender interface {
	Send(msg tea.Msg)
}

// Sink forwards scheduled replies for one local user into a running program.
type Sink struct {
	userID string
	sender Sender
}

func NewSink(userID string, sender Sender) *Sink {
	return &Sink{userID: userID, sender: sender}
}

func (s *Sink) Deliver(_ context.Context, msg notify.Message) error {
	if msg.UserID != s.userID {
		return notify.ErrUnknownUser
	}
	s.sender.Send(ScheduledMsg{Text: msg.Text})
	return nil
}

// Run blocks until the user quits or ctx is cancelled.
func Run(ctx context.Context, cfg Config, turns TurnHandler, commands CommandHandler, hub *notify.Hub, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("tui")
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		userID = "local"
	}

	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if cfg.AltScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	p := tea.NewProgram(NewModel(ctx, userID, cfg.Title, turns, commands), opts...)

	if hub != nil {
		hub.Register(SinkName, NewSink(userID, p))
		defer hub.Unregister(SinkName)
	}

	logger.Info("terminal ui started", zap.String("user_id", userID))
	_, err := p.Run()
	if err != nil && (errors.Is(err, tea.ErrProgramKilled) || ctx.Err() != nil) {
		err = nil
	}
	logger.Info("terminal ui stopped")
	return err
}
