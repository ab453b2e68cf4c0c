package lead

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender is the part of the bot API the notifier needs.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts leads to an operator chat. The bot is created on
// first use so a bad token does not stop startup.
type TelegramNotifier struct {
	chatID int64
	newBot func() (TelegramSender, error)

	mu  sync.Mutex
	bot TelegramSender
}

func NewTelegramNotifier(token, chatID string) (*TelegramNotifier, error) {
	return NewTelegramNotifierWithFactory(chatID, func() (TelegramSender, error) {
		bot, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			return nil, err
		}
		return bot, nil
	})
}

func NewTelegramNotifierWithFactory(chatID string, newBot func() (TelegramSender, error)) (*TelegramNotifier, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid notify chat id %q: %w", chatID, err)
	}
	return &TelegramNotifier{chatID: id, newBot: newBot}, nil
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Notify(ctx context.Context, l Lead) error {
	bot, err := t.sender()
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}

	msg := tgbotapi.NewMessage(t.chatID, FormatHTML(l))
	msg.ParseMode = tgbotapi.ModeHTML

	// the bot API has no context support; give up waiting when ctx ends
	errCh := make(chan error, 1)
	go func() {
		_, err := bot.Send(msg)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *TelegramNotifier) sender() (TelegramSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := t.newBot()
	if err != nil {
		return nil, err
	}
	t.bot = bot
	return bot, nil
}
