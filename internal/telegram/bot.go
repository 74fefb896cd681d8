// Package telegram provides the Telegram bot command surface.
package telegram

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/sentinel/pkg/logger"
)

// Bot represents the Telegram bot.
type Bot struct {
	api      *tgbotapi.BotAPI
	handlers *Handlers
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewAPI authorizes a bot token.
func NewAPI(token string, debug bool) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = debug
	logger.Info().Str("username", api.Self.UserName).Msg("Telegram bot authorized")
	return api, nil
}

// NewBot creates a bot that routes updates to handlers.
func NewBot(api *tgbotapi.BotAPI, handlers *Handlers) *Bot {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		api:      api,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening for updates.
func (b *Bot) Start() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				b.dispatch(update)
			}
		}
	}()

	logger.Info().Msg("Telegram bot started, listening for updates")
}

// dispatch handles each update on its own goroutine so a long report
// generation does not hold up other chats.
func (b *Bot) dispatch(update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.IsCommand():
		msg := update.Message
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handlers.HandleCommand(b.ctx, msg)
		}()
	case update.CallbackQuery != nil:
		b.handlers.HandleCallback(b.ctx, update.CallbackQuery)
	}
}

// Stop gracefully stops the bot and waits for running commands.
func (b *Bot) Stop() {
	logger.Info().Msg("Stopping Telegram bot")
	b.cancel()
	b.api.StopReceivingUpdates()
	b.wg.Wait()
}
