package dispatch

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/baibot/bai/internal/consts"
)

// parseCommand reports whether text starts with a command this bot answers.
// A "@name" suffix must match botUsername when both are present.
func parseCommand(text, botUsername string) (string, bool) {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return "", false
	}

	cmd, mention, hasMention := strings.Cut(fields[0], "@")
	if hasMention && botUsername != "" && mention != strings.ToLower(botUsername) {
		return "", false
	}

	switch cmd {
	case consts.CommandStart, consts.CommandHelp:
		return cmd, true
	}
	return "", false
}

func (p *Pipeline) handleCommand(ctx context.Context, cmd string, u Update) error {
	var reply string
	switch cmd {
	case consts.CommandStart:
		name := strings.TrimSpace(u.FirstName)
		if name == "" {
			name = consts.DefaultFirstName
		}
		reply = fmt.Sprintf(consts.GreetingTemplate, name)
	case consts.CommandHelp:
		username := p.cfg.BotUsername
		if username == "" {
			username = consts.BotName
		}
		reply = fmt.Sprintf(consts.HelpTemplate, username)
	}

	if _, err := p.messenger.SendText(ctx, u.ChatID, reply); err != nil {
		return fmt.Errorf("failed to send %s reply: %w", cmd, err)
	}
	return nil
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// newline boundaries.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit-3]) + "..."
}
