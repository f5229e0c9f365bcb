package notifier

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxLen = 4096

// Sender is the slice of the bot API the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram pushes alerts to one chat, retrying each part up to three times.
type Telegram struct {
	api    Sender
	chatID int64
	sleep  func(time.Duration)
}

func NewTelegram(botToken, chatID string) (*Telegram, error) {
	if strings.TrimSpace(botToken) == "" || strings.TrimSpace(chatID) == "" {
		return nil, fmt.Errorf("telegram bot token and chat id are required")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Telegram{api: api, chatID: id, sleep: time.Sleep}, nil
}

// NewTelegramWithSender builds a notifier around an existing API client.
func NewTelegramWithSender(api Sender, chatID int64) *Telegram {
	return &Telegram{api: api, chatID: chatID, sleep: time.Sleep}
}

func (t *Telegram) SendText(text string) error {
	for _, part := range splitMessage(text, telegramMaxLen) {
		msg := tgbotapi.NewMessage(t.chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		var lastErr error
		for i := 0; i < 3; i++ {
			if _, err := t.api.Send(msg); err != nil {
				lastErr = err
				t.sleep(time.Duration(i+1) * time.Second)
				continue
			}
			lastErr = nil
			break
		}
		if lastErr != nil {
			return fmt.Errorf("telegram send: %w", lastErr)
		}
	}
	return nil
}

// splitMessage cuts text on line boundaries into parts of at most max runes.
func splitMessage(text string, max int) []string {
	if len([]rune(text)) <= max {
		return []string{text}
	}
	var (
		parts []string
		cur   strings.Builder
		n     int
	)
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
			n = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		for r := []rune(line); len(r) > 0; {
			room := max - n
			if room <= 0 {
				flush()
				room = max
			}
			take := len(r)
			if take > room {
				if n > 0 {
					flush()
					continue
				}
				take = room
			}
			cur.WriteString(string(r[:take]))
			n += take
			r = r[take:]
		}
	}
	flush()
	return parts
}
