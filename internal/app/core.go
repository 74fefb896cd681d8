package app

import (
	"context"

	"github.com/user/sentinel/internal/events"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/report"
	"github.com/user/sentinel/internal/scheduler"
	"github.com/user/sentinel/internal/storage"
	"github.com/user/sentinel/pkg/logger"
)

// Core is the operation surface shared by the CLI, the HTTP API and the
// bot. Mutations go through the store and are then pushed to a running
// scheduler, so frequency changes take effect without waiting for the
// re-scan.
type Core struct {
	store   *storage.SubscriptionStore
	sched   *scheduler.Scheduler
	service *report.Service
}

// NewCore wires a core.
func NewCore(store *storage.SubscriptionStore, sched *scheduler.Scheduler, service *report.Service) *Core {
	return &Core{store: store, sched: sched, service: service}
}

// List returns every subscription.
func (c *Core) List() []storage.Subscription { return c.store.List() }

// Get returns one subscription.
func (c *Core) Get(owner, repo string) (storage.Subscription, error) {
	return c.store.Get(owner, repo)
}

// Add upserts sub and schedules it.
func (c *Core) Add(ctx context.Context, sub storage.Subscription) error {
	if err := c.store.Add(ctx, sub); err != nil {
		return err
	}
	c.reschedule(sub)
	return nil
}

// Update merges patch into the subscription matched by repo (and owner when
// the store matches on both) and reschedules it.
func (c *Core) Update(ctx context.Context, owner, repo string, patch storage.Patch) (storage.Subscription, error) {
	sub, err := c.store.Update(ctx, owner, repo, patch)
	if err != nil {
		return storage.Subscription{}, err
	}
	c.reschedule(sub)
	return sub, nil
}

// Remove deletes the subscription and its trigger. Missing ones are a no-op.
func (c *Core) Remove(ctx context.Context, owner, repo string) error {
	if err := c.store.Remove(ctx, owner, repo); err != nil {
		return err
	}
	c.sched.Unschedule(storage.TaskID(owner, repo))
	return nil
}

// CheckNow generates a report immediately.
func (c *Core) CheckNow(ctx context.Context, sub storage.Subscription, override *frequency.Interval, h events.Handler) (*report.Report, error) {
	return c.sched.CheckNow(ctx, sub, override, h)
}

// StreamHackerNews streams the Hacker News digest.
func (c *Core) StreamHackerNews(ctx context.Context, h events.Handler) (*report.Report, error) {
	return c.service.StreamHackerNews(ctx, h)
}

// Tasks lists scheduled triggers.
func (c *Core) Tasks() []scheduler.TaskInfo { return c.sched.Tasks() }

func (c *Core) reschedule(sub storage.Subscription) {
	if !c.sched.Running() {
		return
	}
	// Read back the permanent view so an active range override is not
	// scheduled.
	for _, cur := range c.store.ListPermanent() {
		if cur.TaskID() != sub.TaskID() {
			continue
		}
		if err := c.sched.ScheduleTask(cur); err != nil {
			logger.Error().Err(err).Str("task_id", cur.TaskID()).Msg("Failed to reschedule subscription")
		}
		return
	}
}
