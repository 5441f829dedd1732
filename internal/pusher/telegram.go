package pusher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"sorelay/internal/domain"
)

// TelegramSender delivers messages through a send-only Telegram bot. The
// target is the numeric chat ID of the account's chat with the bot.
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(token string) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	// No poller: the relay only sends, it never reads updates.
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b}, nil
}

func (s *TelegramSender) Channel() string { return domain.ChannelTelegram }

func (s *TelegramSender) Send(ctx context.Context, target string, n domain.Notification) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", target, err)
	}
	_, err = s.bot.Send(tele.ChatID(chatID), n.Text)
	return err
}
