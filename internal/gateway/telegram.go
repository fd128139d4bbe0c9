package gateway

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// telegramLimit is the longest message Telegram accepts.
const telegramLimit = 4096

type TelegramGateway struct {
	Bot    *tgbotapi.BotAPI
	Router *Router
	log    zerolog.Logger
}

// NewTelegramGateway logs in with token. Incoming messages go to handler.
func NewTelegramGateway(token string, handler Handler, log zerolog.Logger) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}

	log = log.With().Str("component", "telegram").Logger()
	log.Info().Str("account", bot.Self.UserName).Msg("Authorized on account")

	return &TelegramGateway{
		Bot:    bot,
		Router: NewRouter(handler),
		log:    log,
	}, nil
}

// Start receives updates until ctx is done.
func (tg *TelegramGateway) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
			tg.log.Debug().Str("chat", chatID).Str("from", update.Message.From.UserName).Msg("Message received")
			tg.Router.Deliver(ctx, chatID, update.Message.Text)
		}
	}
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}

	msg := tgbotapi.NewMessage(id, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := tg.Bot.Send(msg); err != nil {
		// Unbalanced markdown is rejected; retry as plain text.
		msg.ParseMode = ""
		_, err = tg.Bot.Send(msg)
		return err
	}
	return nil
}

// Sink returns the output sink of one chat.
func (tg *TelegramGateway) Sink(chatID string) Sink {
	return NewChatSink(chatID, tg, tg.Router, telegramLimit)
}

func (tg *TelegramGateway) Stop() error {
	tg.Bot.StopReceivingUpdates()
	return nil
}
