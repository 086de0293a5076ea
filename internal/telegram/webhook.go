package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/baibot/bai/internal/logger"
)

// SetWebhook points Telegram at url, subscribing to messages only.
func (b *Bot) SetWebhook(url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	wh.AllowedUpdates = []string{"message"}

	if _, err := b.api.Request(wh); err != nil {
		return fmt.Errorf("failed to set webhook: %w", err)
	}

	logger.Info("Webhook set", map[string]interface{}{
		"url": url,
	})
	return nil
}

func (b *Bot) WebhookInfo() (tgbotapi.WebhookInfo, error) {
	info, err := b.api.GetWebhookInfo()
	if err != nil {
		return tgbotapi.WebhookInfo{}, fmt.Errorf("failed to get webhook info: %w", err)
	}
	return info, nil
}

// DeleteWebhook switches the bot back to getUpdates delivery.
func (b *Bot) DeleteWebhook(dropPending bool) error {
	if _, err := b.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: dropPending}); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	logger.Info("Webhook deleted", map[string]interface{}{
		"drop_pending_updates": dropPending,
	})
	return nil
}
