// Package telegram delivers scraped media back to the requesting chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/insta-saver/internal/content"
	"github.com/JakeFAU/insta-saver/internal/metrics"
)

// maxGroupSize is the largest album Telegram accepts.
const maxGroupSize = 10

// API is the subset of *tgbotapi.BotAPI used for delivery.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
}

// Config controls pacing.
type Config struct {
	// MessagesPerSecond caps outbound sends across all chats.
	MessagesPerSecond float64
	Burst             int
}

// Notifier implements content.Notifier over the Telegram Bot API.
type Notifier struct {
	api     API
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ content.Notifier = (*Notifier)(nil)

// New constructs a Notifier.
func New(api API, cfg Config, logger *zap.Logger) *Notifier {
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Notifier{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		logger:  logger,
	}
}

// Deliver sends the media as a reply to the originating message.
func (n *Notifier) Deliver(ctx context.Context, chatID int64, who content.Requester, result content.MediaResult, messageID int) error {
	if len(result.Items) == 0 {
		return errors.New("nothing to deliver")
	}
	caption := Caption(who, result)

	switch result.MediaType {
	case content.MediaVideo:
		video := tgbotapi.NewVideo(chatID, tgbotapi.FileURL(result.Items[0].URL))
		video.Caption = caption
		video.ReplyToMessageID = messageID
		return n.send(ctx, video)
	case content.MediaImage:
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(result.Items[0].URL))
		photo.Caption = caption
		photo.ReplyToMessageID = messageID
		return n.send(ctx, photo)
	default:
		return n.sendAlbum(ctx, chatID, caption, result.Items, messageID)
	}
}

func (n *Notifier) sendAlbum(ctx context.Context, chatID int64, caption string, items []content.MediaItem, messageID int) error {
	if len(items) == 1 {
		return n.sendSingle(ctx, chatID, caption, items[0], messageID)
	}
	for _, bounds := range albumBounds(len(items)) {
		start, end := bounds[0], bounds[1]
		media := make([]any, 0, end-start)
		for i, item := range items[start:end] {
			first := start == 0 && i == 0
			if item.Kind == content.KindVideo {
				v := tgbotapi.NewInputMediaVideo(tgbotapi.FileURL(item.URL))
				if first {
					v.Caption = caption
				}
				media = append(media, v)
				continue
			}
			p := tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(item.URL))
			if first {
				p.Caption = caption
			}
			media = append(media, p)
		}
		group := tgbotapi.NewMediaGroup(chatID, media)
		group.ReplyToMessageID = messageID
		if err := n.wait(ctx); err != nil {
			return err
		}
		if _, err := n.api.SendMediaGroup(group); err != nil {
			return fmt.Errorf("send media group: %w", err)
		}
	}
	return nil
}

func (n *Notifier) sendSingle(ctx context.Context, chatID int64, caption string, item content.MediaItem, messageID int) error {
	if item.Kind == content.KindVideo {
		video := tgbotapi.NewVideo(chatID, tgbotapi.FileURL(item.URL))
		video.Caption = caption
		video.ReplyToMessageID = messageID
		return n.send(ctx, video)
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(item.URL))
	photo.Caption = caption
	photo.ReplyToMessageID = messageID
	return n.send(ctx, photo)
}

// albumBounds splits n items (n >= 2) into [start, end) ranges of at most
// maxGroupSize where no range holds a single item, since sendMediaGroup
// requires 2 to 10 entries.
func albumBounds(n int) [][2]int {
	var bounds [][2]int
	for start := 0; start < n; start += maxGroupSize {
		bounds = append(bounds, [2]int{start, min(start+maxGroupSize, n)})
	}
	if last := len(bounds) - 1; last > 0 && bounds[last][1]-bounds[last][0] == 1 {
		bounds[last-1][1]--
		bounds[last][0]--
	}
	return bounds
}

// NotifyEviction tells the requester that their post could not be fetched.
func (n *Notifier) NotifyEviction(ctx context.Context, chatID int64, who content.Requester, requestURL string, messageID int) error {
	text := fmt.Sprintf("Sorry %s, I couldn't fetch %s after several attempts.", who.DisplayName(), requestURL)
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = messageID
	msg.DisableWebPagePreview = true
	return n.send(ctx, msg)
}

func (n *Notifier) send(ctx context.Context, c tgbotapi.Chattable) error {
	if err := n.wait(ctx); err != nil {
		return err
	}
	if _, err := n.api.Send(c); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (n *Notifier) wait(ctx context.Context) error {
	start := time.Now()
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	metrics.ObserveDeliveryWait(time.Since(start))
	return nil
}

// Caption credits the requester and the post author.
func Caption(who content.Requester, result content.MediaResult) string {
	caption := "Requested by " + who.DisplayName()
	if result.OwnerUserName != "" {
		caption += "\nPosted by @" + result.OwnerUserName
	}
	return caption
}
