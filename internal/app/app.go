// Package app wires configuration, storage, GitHub, report generation and
// the scheduler into one process-wide graph.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/sentinel/internal/config"
	"github.com/user/sentinel/internal/events"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/github"
	"github.com/user/sentinel/internal/hackernews"
	"github.com/user/sentinel/internal/llm"
	"github.com/user/sentinel/internal/notifier"
	"github.com/user/sentinel/internal/report"
	"github.com/user/sentinel/internal/retry"
	"github.com/user/sentinel/internal/scheduler"
	"github.com/user/sentinel/internal/server"
	"github.com/user/sentinel/internal/storage"
	"github.com/user/sentinel/internal/telegram"
	"github.com/user/sentinel/pkg/logger"
)

// Options selects optional integrations.
type Options struct {
	// Telegram connects the bot API for commands and notifications.
	Telegram bool
}

// App holds the wired services.
type App struct {
	Config    *config.Config
	Store     *storage.SubscriptionStore
	GitHub    *github.Client
	Emitter   *events.Emitter
	Service   *report.Service
	Scheduler *scheduler.Scheduler
	Core      *Core

	telegramAPI *tgbotapi.BotAPI
	closers     []func() error
}

// New builds every service from cfg and loads the subscription store.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg, Emitter: events.NewEmitter()}

	gh, err := github.NewClient(github.Options{
		Token:           cfg.GitHub.Token,
		RequestInterval: cfg.GitHub.RateLimit,
		Burst:           cfg.GitHub.Burst,
		PerPage:         cfg.GitHub.PerPage,
		MaxPages:        cfg.GitHub.MaxPages,
		BaseURL:         cfg.GitHub.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	a.GitHub = gh

	blob, err := a.openBlob()
	if err != nil {
		return nil, err
	}
	a.Store = storage.NewSubscriptionStore(blob,
		storage.WithValidator(gh),
		storage.WithMatchMode(storage.MatchMode(cfg.Storage.UpdateMatch)),
	)
	if err := a.Store.Init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Info().Str("driver", cfg.Storage.Driver).Str("path", cfg.Storage.Path).Msg("Subscription store initialized")

	backend, err := llm.New(llm.Config{
		Platform:    cfg.LLM.Platform,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if backend == nil {
		logger.Info().Msg("No language model configured, reports use plain rendering")
	} else {
		logger.Info().Str("platform", backend.Name()).Msg("Language model configured")
	}

	loc, err := cfg.Location()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	schedules := frequency.Schedules{
		Daily:    cfg.Scheduler.DailySpec,
		Weekly:   cfg.Scheduler.WeeklySpec,
		Location: loc,
	}
	policy := retry.Policy{
		Attempts:   cfg.Scheduler.RetryAttempts,
		Backoff:    cfg.Scheduler.RetryBackoff,
		MaxBackoff: 30 * time.Second,
		Multiplier: 2,
	}

	gen := report.NewGenerator(gh, a.Emitter,
		report.WithBackend(backend),
		report.WithHackerNews(hackernews.NewClient(cfg.HackerNews.FeedURL, cfg.HackerNews.Limit)),
		report.WithFetchRetry(policy),
		report.WithSchedules(schedules),
	)

	var exporter *report.Exporter
	if cfg.Exports.Enabled {
		exporter, err = report.NewExporter(cfg.Exports.Path, report.Format(cfg.Exports.Format), loc)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	if opts.Telegram && cfg.Telegram.Token != "" {
		api, err := telegram.NewAPI(cfg.Telegram.Token, cfg.Telegram.Debug)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.telegramAPI = api
	}

	a.Service = report.NewService(gen, exporter, a.notifiers())
	a.Scheduler = scheduler.New(a.Store, a.Service, scheduler.Options{
		Concurrency:    cfg.Scheduler.Concurrency,
		RescanInterval: cfg.Scheduler.RescanInterval,
		Retry:          policy,
		TaskTimeout:    cfg.Scheduler.TaskTimeout,
		Schedules:      schedules,
	})
	if spec := cfg.HackerNews.Schedule; spec != "" {
		err := a.Scheduler.AddJob(hackernews.TaskID, spec, func(ctx context.Context, runID string) error {
			_, err := a.Service.RunHackerNews(ctx, runID)
			return err
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	a.Core = NewCore(a.Store, a.Scheduler, a.Service)
	return a, nil
}

func (a *App) openBlob() (storage.Blob, error) {
	path := a.Config.Storage.Path
	switch a.Config.Storage.Driver {
	case "sqlite":
		db, err := storage.NewDatabase(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return storage.NewSQLBlob(db, "subscriptions"), nil
	default:
		return storage.NewFileBlob(path), nil
	}
}

// notifiers returns nil when no target is configured.
func (a *App) notifiers() report.Notifier {
	var multi notifier.Multi
	n := a.Config.Notifications
	if a.telegramAPI != nil && len(n.TelegramChatIDs) > 0 {
		multi = append(multi, notifier.NewTelegram(a.telegramAPI, n.TelegramChatIDs))
	}
	if n.WebhookURL != "" {
		multi = append(multi, notifier.NewWebhook(n.WebhookURL, nil))
	}
	if len(multi) == 0 {
		return nil
	}
	return multi
}

// Run starts the scheduler, the HTTP API and, when configured, the bot, and
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := server.New(a.Core, a.Config.ServerAddress())
	srv.Start()

	var bot *telegram.Bot
	if a.telegramAPI != nil {
		handlers := telegram.NewHandlers(a.telegramAPI, a.Core, a.Core, a.Core, a.GitHub)
		bot = telegram.NewBot(a.telegramAPI, handlers)
		bot.Start()
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if bot != nil {
		bot.Stop()
	}
	a.Scheduler.Stop()

	logger.Info().Msg("Shutdown complete")
	return errors.Join(errs...)
}

// Close releases storage handles.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
