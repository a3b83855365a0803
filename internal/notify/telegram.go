package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends alerts to one or more chats through a bot.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	chatIDs []int64
}

func NewTelegram(token string, chatIDs []int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telegram{bot: bot, chatIDs: chatIDs}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Send pushes the alert to every configured chat. Delivery succeeds if at
// least one chat accepts the message.
func (t *Telegram) Send(ctx context.Context, a Alert) error {
	text := FormatAlert(a)

	var lastErr error
	delivered := false
	for _, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.bot.Send(msg); err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}
	if !delivered {
		if lastErr != nil {
			return fmt.Errorf("telegram send: %w", lastErr)
		}
		return fmt.Errorf("telegram: no chats configured")
	}
	return nil
}

// FormatAlert renders the alert message text.
func FormatAlert(a Alert) string {
	var b strings.Builder
	b.WriteString("EMERGENCY ALERT\n\n")
	if a.Keyword != "" {
		fmt.Fprintf(&b, "Distress keyword: %q\n", a.Keyword)
	} else {
		fmt.Fprintf(&b, "Trigger: %s\n", a.Reason)
	}
	fmt.Fprintf(&b, "Session: %s\n", a.SessionID)
	if a.Position != nil {
		fmt.Fprintf(&b, "Location: %.6f, %.6f\n", a.Position.Lat, a.Position.Lon)
		fmt.Fprintf(&b, "Map: https://www.google.com/maps?q=%.6f,%.6f\n", a.Position.Lat, a.Position.Lon)
	}
	fmt.Fprintf(&b, "Time: %s", a.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))
	return b.String()
}
