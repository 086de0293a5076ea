package telegram

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/baibot/bai/internal/dispatch"
	"github.com/baibot/bai/internal/logger"
)

const (
	// Telegram allows about 30 messages per second across all chats and
	// about one per second inside a single chat, with short bursts.
	globalSendRate  = 30
	chatSendBurst   = 3
	maxChatLimiters = 1000
)

type Bot struct {
	api *tgbotapi.BotAPI

	// Rate limiting
	globalLimiter  *rate.Limiter
	chatLimiters   map[int64]*rate.Limiter
	chatLimitersMu sync.Mutex
}

// NewBot authorizes token against the Bot API.
func NewBot(token string) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return NewBotWithAPI(api), nil
}

// NewBotWithEndpoint authorizes token against a custom Bot API server.
// endpoint has the form "https://host/bot%s/%s".
func NewBotWithEndpoint(token, endpoint string, client *http.Client) (*Bot, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return NewBotWithAPI(api), nil
}

func NewBotWithAPI(api *tgbotapi.BotAPI) *Bot {
	return &Bot{
		api:           api,
		globalLimiter: rate.NewLimiter(rate.Limit(globalSendRate), globalSendRate),
		chatLimiters:  make(map[int64]*rate.Limiter),
	}
}

func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// Me calls getMe; the health endpoint uses it as a liveness check.
func (b *Bot) Me() (tgbotapi.User, error) {
	return b.api.GetMe()
}

func (b *Bot) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := b.rateLimitedSend(ctx, chatID, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return sent.MessageID, nil
}

// SendPhoto lets Telegram fetch photoURL itself.
func (b *Bot) SendPhoto(ctx context.Context, chatID int64, photoURL, caption string) (int, error) {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(photoURL))
	photo.Caption = caption
	sent, err := b.rateLimitedSend(ctx, chatID, photo)
	if err != nil {
		return 0, fmt.Errorf("failed to send photo: %w", err)
	}
	return sent.MessageID, nil
}

func (b *Bot) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	logger.Debug("Deleting message", map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
	})
	if _, err := b.rateLimitedRequest(ctx, chatID, tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// FileURL resolves a photo file id to a download URL. The URL embeds the bot
// token and must not be logged.
func (b *Bot) FileURL(_ context.Context, fileID string) (string, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("failed to get file URL: %w", err)
	}
	return url, nil
}

var _ dispatch.Messenger = (*Bot)(nil)

// Poll feeds long-polled messages to submit until ctx is cancelled.
func (b *Bot) Poll(ctx context.Context, submit func(dispatch.Update) error) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message"}

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	logger.Info("Polling for updates", map[string]interface{}{
		"username": b.Username(),
	})

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			handleUpdate(update, submit)
		}
	}
}

// handleUpdate converts and submits one raw update. It reports false when
// the update carried a message that could not be queued.
func handleUpdate(update tgbotapi.Update, submit func(dispatch.Update) error) bool {
	u, ok := toUpdate(update.Message)
	if !ok {
		logger.Debug("Update has no message, skipping", map[string]interface{}{
			"update_id": update.UpdateID,
		})
		return true
	}

	if err := submit(u); err != nil {
		logger.Error("Failed to submit update to worker pool", map[string]interface{}{
			"error":      err.Error(),
			"update_id":  update.UpdateID,
			"chat_id":    u.ChatID,
			"message_id": u.MessageID,
		})
		return false
	}
	return true
}

func (b *Bot) getChatLimiter(chatID int64) *rate.Limiter {
	b.chatLimitersMu.Lock()
	defer b.chatLimitersMu.Unlock()

	limiter, exists := b.chatLimiters[chatID]
	if !exists {
		if len(b.chatLimiters) >= maxChatLimiters {
			logger.Debug("Resetting chat rate limiters", map[string]interface{}{
				"limiter_count": len(b.chatLimiters),
			})
			b.chatLimiters = make(map[int64]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rate.Every(time.Second), chatSendBurst)
		b.chatLimiters[chatID] = limiter
	}
	return limiter
}

func (b *Bot) waitToSend(ctx context.Context, chatID int64) error {
	if err := b.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limiter error: %w", err)
	}
	if err := b.getChatLimiter(chatID).Wait(ctx); err != nil {
		return fmt.Errorf("chat rate limiter error: %w", err)
	}
	return nil
}

func (b *Bot) rateLimitedSend(ctx context.Context, chatID int64, msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := b.waitToSend(ctx, chatID); err != nil {
		return tgbotapi.Message{}, err
	}

	logger.Debug("Sending rate-limited message", map[string]interface{}{
		"chat_id": chatID,
	})
	return b.api.Send(msg)
}

// rateLimitedRequest is for methods whose result is not a Message, such as
// deleteMessage.
func (b *Bot) rateLimitedRequest(ctx context.Context, chatID int64, req tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	if err := b.waitToSend(ctx, chatID); err != nil {
		return nil, err
	}
	return b.api.Request(req)
}
