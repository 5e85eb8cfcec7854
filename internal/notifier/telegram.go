package notifier

import (
	"context"
	"time"

	tele "gopkg.in/telebot.v4"
)

// telegramSender delivers messages to a fixed chat through the Bot API.
type telegramSender struct {
	bot  *tele.Bot
	chat tele.ChatID
}

// NewTelegramSender builds a Sender backed by a Telegram bot.
func NewTelegramSender(cfg Config) (Sender, error) {
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 10 * time.Second
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: poll},
	})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: bot, chat: tele.ChatID(cfg.ChatID)}, nil
}

func (t *telegramSender) Send(ctx context.Context, text string) error {
	// telebot has no context-aware send; rely on its internal timeouts.
	_, err := t.bot.Send(t.chat, text)
	return err
}
