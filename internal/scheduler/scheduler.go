// Package scheduler turns subscriptions into recurring, retried background
// report runs and serves ad-hoc checks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/internal/events"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/queue"
	"github.com/user/sentinel/internal/report"
	"github.com/user/sentinel/internal/retry"
	"github.com/user/sentinel/internal/storage"
	"github.com/user/sentinel/pkg/logger"
)

// ErrNotRunning is returned when scheduling while the scheduler is stopped.
var ErrNotRunning = errors.New("scheduler is not running")

// Store is the subscription view the scheduler needs.
type Store interface {
	// Reload re-reads persisted records, picking up edits made by other
	// processes such as the CLI.
	Reload(ctx context.Context) error
	ListPermanent() []storage.Subscription
	WithOverride(ctx context.Context, owner, repo string, iv frequency.Interval, fn func(ctx context.Context, sub storage.Subscription) error) error
}

// Runner executes report generation.
type Runner interface {
	Run(ctx context.Context, sub storage.Subscription, runID string) (*report.Report, error)
	Stream(ctx context.Context, sub storage.Subscription, h events.Handler) (*report.Report, error)
}

// Options configures a Scheduler.
type Options struct {
	Concurrency    int
	RescanInterval time.Duration
	Retry          retry.Policy
	TaskTimeout    time.Duration
	Schedules      frequency.Schedules
}

// DefaultOptions runs three tasks at once, re-scans every five minutes and
// retries three times.
func DefaultOptions() Options {
	return Options{
		Concurrency:    3,
		RescanInterval: 5 * time.Minute,
		Retry:          retry.DefaultPolicy(),
		TaskTimeout:    10 * time.Minute,
		Schedules:      frequency.DefaultSchedules(),
	}
}

const reloadTimeout = 30 * time.Second

type task struct {
	sub     storage.Subscription
	trigger *frequency.Trigger
}

type job struct {
	name    string
	spec    string
	fn      func(ctx context.Context, runID string) error
	entryID cron.EntryID
}

// Stats counts finished executions.
type Stats struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Scheduler owns the trigger registry. Triggers enqueue executions onto a
// bounded FIFO queue; executions run under a per-task deadline derived from
// a context that Stop cancels.
type Scheduler struct {
	store  Store
	runner Runner
	opts   Options

	mu       sync.Mutex
	running  bool
	cron     *cron.Cron
	queue    *queue.Queue
	tasks    map[string]*task
	jobs     []*job
	rescanID cron.EntryID

	succeeded atomic.Int64
	failed    atomic.Int64
}

// New creates a stopped scheduler.
func New(store Store, runner Runner, opts Options) *Scheduler {
	def := DefaultOptions()
	if opts.Concurrency < 1 {
		opts.Concurrency = def.Concurrency
	}
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = def.RescanInterval
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry = def.Retry
	}
	if opts.Schedules.Daily == "" {
		opts.Schedules.Daily = def.Schedules.Daily
	}
	if opts.Schedules.Weekly == "" {
		opts.Schedules.Weekly = def.Schedules.Weekly
	}
	if opts.Schedules.Location == nil {
		opts.Schedules.Location = time.Local
	}
	return &Scheduler{
		store:  store,
		runner: runner,
		opts:   opts,
		tasks:  make(map[string]*task),
	}
}

// AddJob registers a named recurring job, such as the Hacker News digest.
// Jobs are installed on every Start and survive Stop.
func (s *Scheduler) AddJob(name, spec string, fn func(ctx context.Context, runID string) error) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return errs.Validation("invalid schedule %q for %s: %v", spec, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j := &job{name: name, spec: spec, fn: fn}
	s.jobs = append(s.jobs, j)
	if s.running {
		return s.installJobLocked(j)
	}
	return nil
}

// Start schedules every recurring subscription plus the periodic re-scan.
// Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.cron = cron.New(cron.WithLocation(s.opts.Schedules.Location))
	s.queue = queue.New(s.opts.Concurrency)
	s.tasks = make(map[string]*task)
	s.running = true

	for _, sub := range s.store.ListPermanent() {
		if !sub.Frequency.IsRecurring() {
			continue
		}
		if err := s.scheduleLocked(sub); err != nil {
			logger.Error().Err(err).Str("task_id", sub.TaskID()).Msg("Failed to schedule subscription")
		}
	}

	for _, j := range s.jobs {
		if err := s.installJobLocked(j); err != nil {
			logger.Error().Err(err).Str("job", j.name).Msg("Failed to schedule job")
		}
	}

	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.opts.RescanInterval), s.Rescan)
	if err != nil {
		s.running = false
		s.queue.Close()
		return fmt.Errorf("register re-scan: %w", err)
	}
	s.rescanID = id

	s.cron.Start()
	logger.Info().
		Int("tasks", len(s.tasks)).
		Int("concurrency", s.opts.Concurrency).
		Dur("rescan_interval", s.opts.RescanInterval).
		Msg("Scheduler started")
	return nil
}

// Stop cancels every trigger, drops queued executions and cancels in-flight
// ones, then waits for them to return. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c, q := s.cron, s.queue
	for id, t := range s.tasks {
		t.trigger.Cancel()
		delete(s.tasks, id)
	}
	c.Remove(s.rescanID)
	for _, j := range s.jobs {
		c.Remove(j.entryID)
		j.entryID = 0
	}
	s.mu.Unlock()

	<-c.Stop().Done()
	dropped := q.Close()
	logger.Info().Int("dropped", dropped).Msg("Scheduler stopped")
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ScheduleTask replaces any trigger for sub's task id with a fresh one.
// A custom subscription has no recurring trigger and is left unscheduled.
func (s *Scheduler) ScheduleTask(sub storage.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	return s.scheduleLocked(sub)
}

// Unschedule removes the trigger for taskID. It reports whether one existed.
func (s *Scheduler) Unschedule(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unscheduleLocked(taskID)
}

func (s *Scheduler) scheduleLocked(sub storage.Subscription) error {
	taskID := sub.TaskID()
	s.unscheduleLocked(taskID)

	strat, err := frequency.New(sub.Frequency, s.opts.Schedules)
	if err != nil {
		return err
	}
	snapshot := sub.Clone()
	trigger, err := strat.ExecutionTime(s.cron, func() { s.enqueue(snapshot) })
	if err != nil {
		return err
	}
	if trigger == nil {
		logger.Debug().Str("task_id", taskID).Msg("Custom subscription has no recurring trigger")
		return nil
	}
	s.tasks[taskID] = &task{sub: snapshot, trigger: trigger}
	logger.Info().Str("task_id", taskID).Str("frequency", sub.Frequency.String()).Str("spec", trigger.Spec()).Msg("Task scheduled")
	return nil
}

func (s *Scheduler) unscheduleLocked(taskID string) bool {
	t, ok := s.tasks[taskID]
	if !ok {
		return false
	}
	t.trigger.Cancel()
	delete(s.tasks, taskID)
	logger.Debug().Str("task_id", taskID).Msg("Task unscheduled")
	return true
}

func (s *Scheduler) installJobLocked(j *job) error {
	id, err := s.cron.AddFunc(j.spec, func() { s.enqueueJob(j) })
	if err != nil {
		return fmt.Errorf("register job %s: %w", j.name, err)
	}
	j.entryID = id
	return nil
}

// Rescan reloads the store: new recurring subscriptions are scheduled,
// changed ones rescheduled, removed or custom ones unscheduled.
func (s *Scheduler) Rescan() {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	err := s.store.Reload(ctx)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reload subscriptions, skipping re-scan")
		return
	}
	subs := s.store.ListPermanent()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	seen := make(map[string]bool, len(subs))
	added, changed, removed := 0, 0, 0
	for _, sub := range subs {
		taskID := sub.TaskID()
		seen[taskID] = true
		cur, tracked := s.tasks[taskID]

		if !sub.Frequency.IsRecurring() {
			if tracked {
				s.unscheduleLocked(taskID)
				removed++
			}
			continue
		}
		if tracked && sameSchedule(cur.sub, sub) {
			continue
		}
		if err := s.scheduleLocked(sub); err != nil {
			logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to schedule subscription")
			continue
		}
		if tracked {
			changed++
		} else {
			added++
		}
	}
	for taskID := range s.tasks {
		if !seen[taskID] {
			s.unscheduleLocked(taskID)
			removed++
		}
	}
	if added+changed+removed > 0 {
		logger.Info().Int("added", added).Int("changed", changed).Int("removed", removed).Msg("Re-scan updated schedule")
	}
}

func sameSchedule(a, b storage.Subscription) bool {
	return a.Frequency.Equal(b.Frequency) && slices.Equal(a.Events(), b.Events())
}

func (s *Scheduler) enqueue(sub storage.Subscription) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()

	err := q.Submit(sub.TaskID(), func(ctx context.Context) {
		_ = s.executeTask(ctx, sub)
	})
	if err != nil {
		logger.Warn().Err(err).Str("task_id", sub.TaskID()).Msg("Trigger fired after stop, skipped")
	}
}

func (s *Scheduler) enqueueJob(j *job) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()

	err := q.Submit(j.name, func(ctx context.Context) {
		_ = s.execute(ctx, j.name, j.fn)
	})
	if err != nil {
		logger.Warn().Err(err).Str("job", j.name).Msg("Trigger fired after stop, skipped")
	}
}

// executeTask runs one retried report generation. The final error is
// logged and returned for tests; callers on the trigger path discard it.
func (s *Scheduler) executeTask(ctx context.Context, sub storage.Subscription) error {
	return s.execute(ctx, sub.TaskID(), func(ctx context.Context, runID string) error {
		_, err := s.runner.Run(ctx, sub, runID)
		return err
	})
}

func (s *Scheduler) execute(ctx context.Context, name string, fn func(ctx context.Context, runID string) error) error {
	runID := uuid.NewString()
	if s.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TaskTimeout)
		defer cancel()
	}

	log := logger.WithField("task_id", name)
	log.Info().Str("run_id", runID).Msg("Task execution started")
	start := time.Now()

	err := s.opts.Retry.Do(ctx, name, func(ctx context.Context, attempt int) error {
		return fn(ctx, runID)
	})
	if err != nil {
		s.failed.Add(1)
		log.Error().Err(err).Str("run_id", runID).Dur("elapsed", time.Since(start)).Msg("Task execution failed")
		return err
	}
	s.succeeded.Add(1)
	log.Info().Str("run_id", runID).Dur("elapsed", time.Since(start)).Msg("Task execution finished")
	return nil
}

// CheckNow generates a report for sub immediately, streaming to h. It does
// not wait for a queue slot. With override set, the stored subscription is
// switched to that custom range for the duration and restored afterwards,
// whatever the outcome. Subscriptions that are not stored run with a
// temporary copy.
func (s *Scheduler) CheckNow(ctx context.Context, sub storage.Subscription, override *frequency.Interval, h events.Handler) (*report.Report, error) {
	if override == nil {
		return s.runner.Stream(ctx, sub, h)
	}
	if err := override.Validate(); err != nil {
		return nil, err
	}

	var rep *report.Report
	err := s.store.WithOverride(ctx, sub.Owner, sub.Repo, *override, func(ctx context.Context, tmp storage.Subscription) error {
		var err error
		rep, err = s.runner.Stream(ctx, tmp, h)
		return err
	})
	if errors.Is(err, errs.ErrNotFound) && rep == nil && !s.isStored(sub) {
		tmp := sub.Clone()
		tmp.Frequency = frequency.Custom(*override)
		return s.runner.Stream(ctx, tmp, h)
	}
	if err != nil {
		return nil, err
	}
	return rep, nil
}

func (s *Scheduler) isStored(sub storage.Subscription) bool {
	for _, cur := range s.store.ListPermanent() {
		if cur.Owner == sub.Owner && cur.Repo == sub.Repo {
			return true
		}
	}
	return false
}

// TaskInfo describes one scheduled trigger.
type TaskInfo struct {
	TaskID    string    `json:"taskId"`
	Frequency string    `json:"frequency"`
	Spec      string    `json:"spec"`
	Next      time.Time `json:"next"`
}

// Tasks lists the scheduled triggers and named jobs with their next fire
// time, sorted by task id.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.tasks)+len(s.jobs))
	for id, t := range s.tasks {
		info := TaskInfo{TaskID: id, Frequency: t.sub.Frequency.String(), Spec: t.trigger.Spec()}
		if s.cron != nil {
			info.Next = s.cron.Entry(t.trigger.ID()).Next
		}
		out = append(out, info)
	}
	if s.running {
		for _, j := range s.jobs {
			out = append(out, TaskInfo{TaskID: j.name, Frequency: "cron", Spec: j.spec, Next: s.cron.Entry(j.entryID).Next})
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].TaskID < out[k].TaskID })
	return out
}

// Stats returns execution counters.
func (s *Scheduler) Stats() Stats {
	return Stats{Succeeded: s.succeeded.Load(), Failed: s.failed.Load()}
}

// Backlog returns queued and running execution counts.
func (s *Scheduler) Backlog() (pending, running int) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return 0, 0
	}
	return q.Pending(), q.Running()
}
