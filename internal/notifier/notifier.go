// Package notifier delivers finished reports to Telegram chats and webhooks.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/sentinel/internal/report"
	"github.com/user/sentinel/pkg/logger"
)

// MaxMessageLength is Telegram's limit for one message.
const MaxMessageLength = 4096

// Sender sends a Telegram message. *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends reports to a fixed set of chats.
type Telegram struct {
	sender  Sender
	chatIDs []int64
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(sender Sender, chatIDs []int64) *Telegram {
	return &Telegram{sender: sender, chatIDs: chatIDs}
}

// Notify sends rep to every chat, split into messages that fit the limit.
func (t *Telegram) Notify(ctx context.Context, rep *report.Report, path string) error {
	text := rep.Body
	if path != "" {
		text += "\n\nSaved to " + path
	}
	parts := Split(text, MaxMessageLength)

	var errs []error
	for _, chatID := range t.chatIDs {
		for _, part := range parts {
			if err := ctx.Err(); err != nil {
				return errors.Join(append(errs, err)...)
			}
			if err := t.sendMessage(chatID, part); err != nil {
				logger.Error().Err(err).Int64("chat_id", chatID).Str("task_id", rep.TaskID).Msg("Failed to send notification")
				errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
				break
			}
		}
	}
	return errors.Join(errs...)
}

// sendMessage sends plain text. Generated Markdown is not guaranteed to be
// valid for Telegram's parser.
func (t *Telegram) sendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	_, err := t.sender.Send(msg)
	return err
}

// Split cuts text into pieces of at most limit runes, preferring line
// breaks.
func Split(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		if i := lastIndexRune(runes[:limit], '\n'); i > 0 {
			cut = i + 1
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 || len(parts) == 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// Webhook posts reports as JSON.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook notifier. A nil client gets a 30s timeout.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Webhook{url: url, client: client}
}

type webhookPayload struct {
	Title  string `json:"title"`
	Report string `json:"report"`
	TaskID string `json:"task_id"`
	Path   string `json:"path,omitempty"`
}

// Notify posts rep to the webhook URL.
func (w *Webhook) Notify(ctx context.Context, rep *report.Report, path string) error {
	body, err := json.Marshal(webhookPayload{
		Title:  rep.Title,
		Report: rep.Body,
		TaskID: rep.TaskID,
		Path:   path,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	logger.Debug().Str("task_id", rep.TaskID).Str("url", w.url).Msg("Webhook delivered")
	return nil
}

// Multi fans a report out to several notifiers and joins their errors.
type Multi []report.Notifier

// Notify calls every notifier.
func (m Multi) Notify(ctx context.Context, rep *report.Report, path string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, rep, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
