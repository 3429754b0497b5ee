// Package telegram is the long-polling Telegram front-end.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/antoniostano/ironclaw/internal/command"
	"github.com/antoniostano/ironclaw/internal/engine"
	"github.com/antoniostano/ironclaw/internal/notify"
	"github.com/antoniostano/ironclaw/internal/policy"
)

const (
	// Source tags turns that arrive from Telegram.
	Source = "telegram"
	// MaxChunkBytes keeps every outgoing message under Telegram's 4096 limit.
	MaxChunkBytes = 4000
	pollTimeout   = 30
)

// API is the subset of *tgbotapi.BotAPI the bot uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type TurnHandler interface {
	HandleTurn(ctx context.Context, userID, text string) (engine.Reply, error)
}

type CommandHandler interface {
	Handle(ctx context.Context, userID, text string) (string, bool)
}

type Config struct {
	// AllowedUsers restricts the bot to these Telegram user ids. Empty allows everyone.
	AllowedUsers []int64
}

type Bot struct {
	api      API
	turns    TurnHandler
	commands CommandHandler
	allowed  map[int64]struct{}
	logger   *zap.Logger

	mu    sync.RWMutex
	chats map[string]int64

	// queues holds the pending messages of every sender with a running
	// worker. Run is the only producer.
	qmu    sync.Mutex
	queues map[int64][]*tgbotapi.Message

	wg sync.WaitGroup
}

// Connect logs in with token and returns a bot ready to Run.
func Connect(token string, cfg Config, turns TurnHandler, commands CommandHandler, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(strings.TrimSpace(token))
	if err != nil {
		// The library embeds the token in request URLs.
		return nil, fmt.Errorf("failed to create Telegram bot: %s", policy.Redact(err.Error()))
	}
	b := New(api, cfg, turns, commands, logger)
	b.logger.Info("telegram bot authorized", zap.String("username", api.Self.UserName))
	return b, nil
}

func New(api API, cfg Config, turns TurnHandler, commands CommandHandler, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = struct{}{}
	}
	return &Bot{
		api:      api,
		turns:    turns,
		commands: commands,
		allowed:  allowed,
		logger:   logger.Named("telegram"),
		chats:    make(map[string]int64),
		queues:   make(map[int64][]*tgbotapi.Message),
	}
}

// Run registers the command menu and handles updates until ctx is done.
// Different senders are served concurrently; one sender's messages are
// handled one at a time in arrival order.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.registerCommands(); err != nil {
		b.logger.Warn("failed to register bot commands", zap.Error(err))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("telegram bot is ready, waiting for messages")

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.dispatch(ctx, update.Message)
		}
	}
}

func senderKey(msg *tgbotapi.Message) (int64, bool) {
	switch {
	case msg.From != nil:
		return msg.From.ID, true
	case msg.Chat != nil:
		return msg.Chat.ID, true
	}
	return 0, false
}

// dispatch appends msg to its sender's queue and starts a worker for the
// sender if none is running.
func (b *Bot) dispatch(ctx context.Context, msg *tgbotapi.Message) {
	key, ok := senderKey(msg)
	if !ok {
		return
	}
	b.qmu.Lock()
	if pending, busy := b.queues[key]; busy {
		b.queues[key] = append(pending, msg)
		b.qmu.Unlock()
		return
	}
	b.queues[key] = []*tgbotapi.Message{}
	b.qmu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for next := msg; next != nil; next = b.next(key) {
			if ctx.Err() != nil {
				b.drop(key)
				return
			}
			b.handleMessage(ctx, next)
		}
	}()
}

// next pops the sender's oldest pending message, retiring the worker when
// the queue is empty.
func (b *Bot) next(key int64) *tgbotapi.Message {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	pending := b.queues[key]
	if len(pending) == 0 {
		delete(b.queues, key)
		return nil
	}
	msg := pending[0]
	b.queues[key] = pending[1:]
	return msg
}

func (b *Bot) drop(key int64) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	delete(b.queues, key)
}

func (b *Bot) registerCommands() error {
	infos := command.Commands()
	cmds := make([]tgbotapi.BotCommand, 0, len(infos))
	for _, s := range infos {
		cmds = append(cmds, tgbotapi.BotCommand{Command: s.Name, Description: s.Description})
	}
	_, err := b.api.Request(tgbotapi.NewSetMyCommands(cmds...))
	return err
}

// Allowed reports whether the Telegram user may talk to the bot.
func (b *Bot) Allowed(telegramID int64) bool {
	if len(b.allowed) == 0 {
		return true
	}
	_, ok := b.allowed[telegramID]
	return ok
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := msg.Chat.ID
	logger := b.logger.With(zap.Int64("telegram_user", msg.From.ID), zap.Int64("chat_id", chatID))

	if !b.Allowed(msg.From.ID) {
		logger.Warn("rejected message from unauthorized user")
		b.send(chatID, "⛔ You are not allowed to use this bot.")
		return
	}

	userID := UserID(msg.From.ID)
	b.rememberChat(userID, chatID)

	if out, handled := b.commands.Handle(ctx, userID, text); handled {
		b.send(chatID, out)
		return
	}

	logger.Debug("message received", zap.Int("bytes", len(text)))
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		logger.Debug("typing action failed", zap.Error(err))
	}

	reply, err := b.turns.HandleTurn(engine.WithSource(ctx, Source), userID, text)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("turn failed", zap.Error(err))
		b.send(chatID, failureText(err))
		return
	}
	b.send(chatID, reply.Render())
}

func failureText(err error) string {
	if errors.Is(err, engine.ErrBackendUnavailable) {
		return fmt.Sprintf("Sorry, I had trouble thinking about that. Error: %v", err)
	}
	return fmt.Sprintf("⚠️ That message was not processed: %v", err)
}

// Deliver pushes a scheduled reply to the last chat the user wrote from.
func (b *Bot) Deliver(_ context.Context, msg notify.Message) error {
	b.mu.RLock()
	chatID, ok := b.chats[msg.UserID]
	b.mu.RUnlock()
	if !ok {
		return notify.ErrUnknownUser
	}
	return b.send(chatID, msg.Text)
}

func (b *Bot) rememberChat(userID string, chatID int64) {
	b.mu.Lock()
	b.chats[userID] = chatID
	b.mu.Unlock()
}

func (b *Bot) send(chatID int64, text string) error {
	var firstErr error
	for _, chunk := range Chunk(text, MaxChunkBytes) {
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			b.logger.Error("failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// UserID maps a Telegram user to the conversation user id.
func UserID(telegramID int64) string {
	return strconv.FormatInt(telegramID, 10)
}

// Chunk splits text into pieces of at most limit bytes without cutting a
// UTF-8 sequence. A newline in the back half of a window is preferred as the
// cut point. Blank text yields no chunks.
func Chunk(text string, limit int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if limit < utf8.UTFMax {
		limit = utf8.UTFMax
	}
	var out []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl >= cut/2 {
			cut = nl + 1
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
