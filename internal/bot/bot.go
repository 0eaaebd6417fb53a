// Package bot listens to Telegram updates and feeds links into intake.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/insta-saver/internal/content"
	"github.com/JakeFAU/insta-saver/internal/intake"
)

const welcomeTemplate = "Hi %s! Send me a link to an Instagram post, reel or IGTV video and I'll reply with the media."

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Submitter records a submitted link.
type Submitter interface {
	Submit(ctx context.Context, sub intake.Submission) (content.ContentRequest, error)
}

// Bot is the Telegram long-polling front-end.
type Bot struct {
	api     telegramAPI
	intake  Submitter
	timeout int
	logger  *zap.Logger
}

// Option configures a Bot.
type Option func(*Bot)

// WithPollTimeout sets the long-poll timeout in seconds.
func WithPollTimeout(seconds int) Option {
	return func(b *Bot) {
		if seconds > 0 {
			b.timeout = seconds
		}
	}
}

// New constructs a Bot over an authenticated API client.
func New(api telegramAPI, submitter Submitter, logger *zap.Logger, opts ...Option) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bot{api: api, intake: submitter, timeout: 60, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial authenticates against the Bot API.
func Dial(token string) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, errors.New("telegram.token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return api, nil
}

// Run consumes updates until ctx is canceled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.timeout
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("bot polling started")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("bot polling stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate dispatches a single update.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	if msg.IsCommand() {
		if msg.Command() == "start" {
			b.handleStart(msg)
		}
		return
	}
	if isLink(msg) {
		b.handleLink(ctx, msg)
	}
}

// isLink reports whether the message leads with a URL entity.
func isLink(msg *tgbotapi.Message) bool {
	return len(msg.Entities) > 0 && msg.Entities[0].Type == "url" &&
		strings.HasPrefix(strings.TrimSpace(msg.Text), "https://www.instagram.com")
}

func (b *Bot) handleStart(msg *tgbotapi.Message) {
	reply := tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf(welcomeTemplate, requester(msg).FirstName))
	if _, err := b.api.Send(reply); err != nil {
		b.logger.Error("send welcome", zap.Int64("chat_id", msg.Chat.ID), zap.Error(err))
	}
}

func (b *Bot) handleLink(ctx context.Context, msg *tgbotapi.Message) {
	_, err := b.intake.Submit(ctx, intake.Submission{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		URL:       msg.Text,
		Requester: requester(msg),
	})
	switch {
	case err == nil:
	case errors.Is(err, intake.ErrInvalidURL):
		b.logger.Debug("ignoring non-post link", zap.Int64("chat_id", msg.Chat.ID))
	default:
		b.logger.Error("submit request", zap.Int64("chat_id", msg.Chat.ID), zap.Error(err))
	}
}

func requester(msg *tgbotapi.Message) content.Requester {
	if msg.From == nil {
		return content.Requester{}
	}
	return content.Requester{UserName: msg.From.UserName, FirstName: msg.From.FirstName}
}
