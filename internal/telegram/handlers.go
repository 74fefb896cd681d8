package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/internal/events"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/github"
	"github.com/user/sentinel/internal/notifier"
	"github.com/user/sentinel/internal/report"
	"github.com/user/sentinel/internal/scheduler"
	"github.com/user/sentinel/internal/storage"
	"github.com/user/sentinel/pkg/logger"
)

// Subscriptions is the store surface the bot manages.
type Subscriptions interface {
	Add(ctx context.Context, sub storage.Subscription) error
	Remove(ctx context.Context, owner, repo string) error
	List() []storage.Subscription
	Get(owner, repo string) (storage.Subscription, error)
}

// Checker runs ad-hoc reports and reports scheduled tasks.
type Checker interface {
	CheckNow(ctx context.Context, sub storage.Subscription, override *frequency.Interval, h events.Handler) (*report.Report, error)
	Tasks() []scheduler.TaskInfo
}

// Digester streams the Hacker News digest.
type Digester interface {
	StreamHackerNews(ctx context.Context, h events.Handler) (*report.Report, error)
}

// RateLimiter reports the GitHub API quota.
type RateLimiter interface {
	GetRateLimit(ctx context.Context) (*github.RateLimit, error)
}

// Handlers manages command handling for the bot.
type Handlers struct {
	api       notifier.Sender
	subs      Subscriptions
	checker   Checker
	digester  Digester
	limits    RateLimiter
	startTime time.Time
	timeout   time.Duration
}

// NewHandlers creates a new handlers instance. digester and limits may be nil.
func NewHandlers(api notifier.Sender, subs Subscriptions, checker Checker, digester Digester, limits RateLimiter) *Handlers {
	return &Handlers{
		api:       api,
		subs:      subs,
		checker:   checker,
		digester:  digester,
		limits:    limits,
		startTime: time.Now(),
		timeout:   10 * time.Minute,
	}
}

// HandleCommand routes commands to appropriate handlers.
func (h *Handlers) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	command := msg.Command()
	args := strings.Fields(msg.CommandArguments())

	logger.Debug().
		Str("command", command).
		Strs("args", args).
		Int64("chat_id", msg.Chat.ID).
		Msg("Received command")

	switch command {
	case "start":
		h.sendMarkdown(msg.Chat.ID, startText)
	case "help":
		h.sendMarkdown(msg.Chat.ID, helpText)
	case "subscribe", "sub":
		h.handleSubscribe(ctx, msg, args)
	case "unsubscribe", "unsub":
		h.handleUnsubscribe(ctx, msg, args)
	case "list":
		h.handleList(msg)
	case "check":
		h.handleCheck(ctx, msg, args)
	case "hn":
		h.handleHackerNews(ctx, msg)
	case "status":
		h.handleStatus(ctx, msg)
	default:
		h.sendReply(msg.Chat.ID, "Unknown command. Use /help to see the available commands.")
	}
}

// HandleCallback handles inline keyboard callbacks.
func (h *Handlers) HandleCallback(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	// Acknowledge the callback
	if _, err := h.api.Send(tgbotapi.NewCallback(callback.ID, "")); err != nil {
		logger.Debug().Err(err).Msg("Failed to acknowledge callback")
	}
	if callback.Message == nil || callback.Message.Chat == nil {
		return
	}

	parts := strings.Split(callback.Data, ":")
	switch parts[0] {
	case "unsub":
		if len(parts) == 3 {
			h.unsubscribe(ctx, callback.Message.Chat.ID, parts[1], parts[2])
		}
	}
}

// handleSubscribe handles the subscribe command.
func (h *Handlers) handleSubscribe(ctx context.Context, msg *tgbotapi.Message, args []string) {
	if len(args) == 0 {
		h.sendReply(msg.Chat.ID, "❌ Please name a repository: `/subscribe owner/repo [daily|weekly]`")
		return
	}

	owner, repo, err := storage.ParseRepo(args[0])
	if err != nil {
		h.sendReply(msg.Chat.ID, "❌ Repository must be written as `owner/repo`")
		return
	}

	freq := frequency.Daily()
	if len(args) > 1 {
		typ, err := frequency.ParseType(args[1])
		if err != nil || typ == frequency.TypeCustom {
			h.sendReply(msg.Chat.ID, "❌ Frequency must be `daily` or `weekly`")
			return
		}
		freq = frequency.Frequency{Type: typ}
	}

	sub := storage.Subscription{Owner: owner, Repo: repo, Frequency: freq, EventTypes: storage.DefaultEvents()}
	if err := h.subs.Add(ctx, sub); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			h.sendReply(msg.Chat.ID, fmt.Sprintf("❌ Repository `%s/%s` does not exist or is not accessible", owner, repo))
			return
		}
		h.sendReply(msg.Chat.ID, "❌ Subscription failed, please try again later")
		logger.Error().Err(err).Str("repo", sub.TaskID()).Msg("Failed to subscribe")
		return
	}

	text := fmt.Sprintf("✅ *Subscribed to %s/%s*\n\nFrequency: %s\nEvents: %s",
		owner, repo, freq.String(), formatEvents(sub.Events()))
	h.sendMarkdown(msg.Chat.ID, text)
}

// handleUnsubscribe handles the unsubscribe command.
func (h *Handlers) handleUnsubscribe(ctx context.Context, msg *tgbotapi.Message, args []string) {
	if len(args) == 0 {
		h.sendReply(msg.Chat.ID, "❌ Please name a repository: `/unsubscribe owner/repo`")
		return
	}

	owner, repo, err := storage.ParseRepo(args[0])
	if err != nil {
		h.sendReply(msg.Chat.ID, "❌ Repository must be written as `owner/repo`")
		return
	}
	h.unsubscribe(ctx, msg.Chat.ID, owner, repo)
}

func (h *Handlers) unsubscribe(ctx context.Context, chatID int64, owner, repo string) {
	if _, err := h.subs.Get(owner, repo); errors.Is(err, errs.ErrNotFound) {
		h.sendReply(chatID, fmt.Sprintf("❌ No subscription for `%s/%s`", owner, repo))
		return
	}
	if err := h.subs.Remove(ctx, owner, repo); err != nil {
		h.sendReply(chatID, "❌ Unsubscribe failed, please try again later")
		logger.Error().Err(err).Str("repo", storage.TaskID(owner, repo)).Msg("Failed to unsubscribe")
		return
	}
	h.sendReply(chatID, fmt.Sprintf("✅ Unsubscribed from `%s/%s`", owner, repo))
}

// handleList shows all current subscriptions with unsubscribe buttons.
func (h *Handlers) handleList(msg *tgbotapi.Message) {
	subs := h.subs.List()
	if len(subs) == 0 {
		h.sendReply(msg.Chat.ID, "📭 No subscriptions yet\n\nUse `/subscribe owner/repo` to add one")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 *Subscriptions (%d)*\n\n", len(subs))
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(subs))
	for i, sub := range subs {
		b.WriteString(formatSubscription(i+1, sub))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Unsubscribe "+sub.TaskID(), fmt.Sprintf("unsub:%s:%s", sub.Owner, sub.Repo)),
		))
	}

	reply := tgbotapi.NewMessage(msg.Chat.ID, b.String())
	reply.ParseMode = tgbotapi.ModeMarkdown
	reply.DisableWebPagePreview = true
	reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	h.send(reply)
}

// handleCheck generates a report now, optionally for a date range.
func (h *Handlers) handleCheck(ctx context.Context, msg *tgbotapi.Message, args []string) {
	if len(args) == 0 {
		h.sendReply(msg.Chat.ID, "❌ Please name a repository: `/check owner/repo [YYYY-MM-DD~YYYY-MM-DD]`")
		return
	}
	owner, repo, err := storage.ParseRepo(args[0])
	if err != nil {
		h.sendReply(msg.Chat.ID, "❌ Repository must be written as `owner/repo`")
		return
	}

	var override *frequency.Interval
	if len(args) > 1 {
		iv, err := frequency.ParseRange(strings.Join(args[1:], ""))
		if err != nil {
			h.sendReply(msg.Chat.ID, "❌ "+err.Error())
			return
		}
		override = &iv
	}

	sub, err := h.subs.Get(owner, repo)
	if err != nil {
		sub = storage.Subscription{Owner: owner, Repo: repo, Frequency: frequency.Daily()}
	}

	h.sendReply(msg.Chat.ID, fmt.Sprintf("⏳ Generating report for `%s`...", sub.TaskID()))
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	rep, err := h.checker.CheckNow(ctx, sub, override, func(events.Event) {})
	h.deliver(msg.Chat.ID, sub.TaskID(), rep, err)
}

// handleHackerNews streams the Hacker News digest into the chat.
func (h *Handlers) handleHackerNews(ctx context.Context, msg *tgbotapi.Message) {
	if h.digester == nil {
		h.sendReply(msg.Chat.ID, "❌ Hacker News digests are not enabled")
		return
	}
	h.sendReply(msg.Chat.ID, "⏳ Building the Hacker News digest...")
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	rep, err := h.digester.StreamHackerNews(ctx, func(events.Event) {})
	h.deliver(msg.Chat.ID, "hackernews", rep, err)
}

func (h *Handlers) deliver(chatID int64, taskID string, rep *report.Report, err error) {
	switch {
	case errors.Is(err, errs.ErrConflict):
		h.sendReply(chatID, fmt.Sprintf("⚠️ A report for `%s` is already being generated", taskID))
		return
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrNotFound):
		h.sendPlain(chatID, "❌ "+err.Error())
		return
	case err != nil && rep == nil:
		logger.Error().Err(err).Str("task_id", taskID).Msg("Ad-hoc report failed")
		h.sendReply(chatID, "❌ Report generation failed, please try again later")
		return
	case err != nil:
		logger.Warn().Err(err).Str("task_id", taskID).Msg("Report generated but export failed")
	}
	for _, part := range notifier.Split(rep.Body, notifier.MaxMessageLength) {
		h.sendPlain(chatID, part)
	}
}

// handleStatus shows bot status information.
func (h *Handlers) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	var b strings.Builder
	b.WriteString("📊 *Status*\n\n")
	fmt.Fprintf(&b, "⏱️ *Uptime:* %s\n", formatDuration(time.Since(h.startTime)))
	fmt.Fprintf(&b, "📦 *Subscriptions:* %d\n", len(h.subs.List()))

	tasks := h.checker.Tasks()
	fmt.Fprintf(&b, "🗓️ *Scheduled tasks:* %d\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "• `%s` %s, next in %s\n", t.TaskID, t.Frequency, formatDuration(time.Until(t.Next)))
	}

	rateLimitInfo := "unknown"
	if h.limits != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if rl, err := h.limits.GetRateLimit(ctx); err == nil && rl != nil {
			rateLimitInfo = fmt.Sprintf("%d/%d (resets in %s)", rl.Remaining, rl.Limit, formatDuration(time.Until(rl.Reset)))
		}
	}
	fmt.Fprintf(&b, "\n🔗 *GitHub API:* %s\n", rateLimitInfo)

	h.sendMarkdown(msg.Chat.ID, b.String())
}

// sendReply sends a simple Markdown reply.
func (h *Handlers) sendReply(chatID int64, text string) {
	reply := tgbotapi.NewMessage(chatID, text)
	reply.ParseMode = tgbotapi.ModeMarkdown
	h.send(reply)
}

// sendMarkdown sends a markdown-formatted message.
func (h *Handlers) sendMarkdown(chatID int64, text string) {
	reply := tgbotapi.NewMessage(chatID, text)
	reply.ParseMode = tgbotapi.ModeMarkdown
	reply.DisableWebPagePreview = true
	h.send(reply)
}

// sendPlain sends text without a parse mode.
func (h *Handlers) sendPlain(chatID int64, text string) {
	reply := tgbotapi.NewMessage(chatID, text)
	reply.DisableWebPagePreview = true
	h.send(reply)
}

func (h *Handlers) send(c tgbotapi.MessageConfig) {
	if _, err := h.api.Send(c); err != nil {
		logger.Error().Err(err).Int64("chat_id", c.ChatID).Msg("Failed to send message")
	}
}
