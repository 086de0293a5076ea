package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/baibot/bai/internal/dispatch"
)

// toUpdate maps a Telegram message to a dispatch update. For photos the
// largest available size is used.
func toUpdate(msg *tgbotapi.Message) (dispatch.Update, bool) {
	if msg == nil || msg.Chat == nil {
		return dispatch.Update{}, false
	}

	u := dispatch.Update{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
		Caption:   msg.Caption,
	}
	if msg.From != nil {
		u.FirstName = msg.From.FirstName
	}
	if photo := largestPhoto(msg.Photo); photo != nil {
		u.PhotoFileID = photo.FileID
	}
	return u, true
}

func largestPhoto(sizes []tgbotapi.PhotoSize) *tgbotapi.PhotoSize {
	var best *tgbotapi.PhotoSize
	for i := range sizes {
		p := &sizes[i]
		if best == nil || p.Width*p.Height > best.Width*best.Height ||
			(p.Width*p.Height == best.Width*best.Height && p.FileSize > best.FileSize) {
			best = p
		}
	}
	return best
}
