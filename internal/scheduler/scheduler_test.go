package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/internal/events"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/report"
	"github.com/user/sentinel/internal/retry"
	"github.com/user/sentinel/internal/storage"
	"github.com/user/sentinel/pkg/logger"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeStore struct {
	mu        sync.Mutex
	subs      []storage.Subscription
	reloadErr error
	reloads   int
}

func (f *fakeStore) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return f.reloadErr
}

func (f *fakeStore) set(subs ...storage.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = subs
}

func (f *fakeStore) ListPermanent() []storage.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Subscription(nil), f.subs...)
}

func (f *fakeStore) WithOverride(ctx context.Context, owner, repo string, iv frequency.Interval, fn func(context.Context, storage.Subscription) error) error {
	return errs.NotFound("subscription %s/%s", owner, repo)
}

type fakeRunner struct {
	mu       sync.Mutex
	failures int
	calls    int
	block    bool
	started  chan struct{}
	ctxErr   error
	streamFn func(sub storage.Subscription) error
	streamed []storage.Subscription
}

func (r *fakeRunner) Run(ctx context.Context, sub storage.Subscription, runID string) (*report.Report, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	block := r.block
	r.mu.Unlock()

	if block {
		if r.started != nil {
			r.started <- struct{}{}
		}
		<-ctx.Done()
		r.mu.Lock()
		r.ctxErr = ctx.Err()
		r.mu.Unlock()
		return nil, errs.Permanent(ctx.Err())
	}
	if r.failures < 0 || n <= r.failures {
		return nil, errors.New("upstream unavailable")
	}
	return &report.Report{TaskID: sub.TaskID(), RunID: runID}, nil
}

func (r *fakeRunner) Stream(ctx context.Context, sub storage.Subscription, h events.Handler) (*report.Report, error) {
	r.mu.Lock()
	r.streamed = append(r.streamed, sub)
	fn := r.streamFn
	r.mu.Unlock()
	if fn != nil {
		if err := fn(sub); err != nil {
			return nil, err
		}
	}
	return &report.Report{TaskID: sub.TaskID()}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Retry = retry.Policy{Attempts: 3, Backoff: time.Millisecond}
	opts.Schedules.Location = time.UTC
	return opts
}

func sub(owner, repo string, f frequency.Frequency) storage.Subscription {
	return storage.Subscription{Owner: owner, Repo: repo, Frequency: f}
}

func TestStartSchedulesOneTriggerPerRecurringSubscription(t *testing.T) {
	store := &fakeStore{}
	store.set(
		sub("a", "daily", frequency.Daily()),
		sub("a", "weekly", frequency.Weekly()),
		sub("a", "custom", frequency.Custom(frequency.Interval{Start: "2021-01-01", End: "2021-01-02"})),
	)
	s := New(store, &fakeRunner{}, testOptions())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	tasks := s.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2: %+v", len(tasks), tasks)
	}
	if tasks[0].TaskID != "a/daily" || tasks[1].TaskID != "a/weekly" {
		t.Errorf("tasks = %+v", tasks)
	}
	for _, ti := range tasks {
		if ti.Next.IsZero() {
			t.Errorf("%s has no next fire time", ti.TaskID)
		}
	}
	if tasks[1].Spec != "0 9 * * 1" {
		t.Errorf("weekly spec = %q", tasks[1].Spec)
	}

	// Triggers plus the re-scan entry.
	if n := len(s.cron.Entries()); n != 3 {
		t.Errorf("cron entries = %d, want 3", n)
	}
}

func TestScheduleTaskReplacesTrigger(t *testing.T) {
	store := &fakeStore{}
	s := New(store, &fakeRunner{}, testOptions())
	if err := s.ScheduleTask(sub("a", "b", frequency.Daily())); !errors.Is(err, ErrNotRunning) {
		t.Errorf("ScheduleTask before Start err = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	for i := 0; i < 3; i++ {
		if err := s.ScheduleTask(sub("a", "b", frequency.Daily())); err != nil {
			t.Fatalf("ScheduleTask: %v", err)
		}
	}
	if err := s.ScheduleTask(sub("a", "b", frequency.Weekly())); err != nil {
		t.Fatal(err)
	}
	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0].Spec != "0 9 * * 1" {
		t.Errorf("tasks = %+v", tasks)
	}
	if n := len(s.cron.Entries()); n != 2 {
		t.Errorf("cron entries = %d, want 2", n)
	}

	// Switching to custom removes the trigger.
	if err := s.ScheduleTask(sub("a", "b", frequency.Custom(frequency.Interval{Start: "2021-01-01", End: "2021-01-01"}))); err != nil {
		t.Fatal(err)
	}
	if len(s.Tasks()) != 0 {
		t.Errorf("custom subscription left a trigger: %+v", s.Tasks())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	store := &fakeStore{}
	store.set(sub("a", "b", frequency.Daily()))
	s := New(store, &fakeRunner{}, testOptions())

	s.Stop()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	s.Stop()
	s.Stop()
	if s.Running() || len(s.Tasks()) != 0 {
		t.Errorf("running=%v tasks=%v after Stop", s.Running(), s.Tasks())
	}

	// Restart picks the subscriptions up again.
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if len(s.Tasks()) != 1 {
		t.Errorf("tasks after restart = %+v", s.Tasks())
	}
}

func TestRescanDiffsStore(t *testing.T) {
	store := &fakeStore{}
	store.set(sub("a", "one", frequency.Daily()))
	s := New(store, &fakeRunner{}, testOptions())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	store.set(
		sub("a", "one", frequency.Weekly()),
		sub("a", "two", frequency.Daily()),
	)
	s.Rescan()
	tasks := s.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if tasks[0].TaskID != "a/one" || tasks[0].Spec != "0 9 * * 1" {
		t.Errorf("a/one not rescheduled: %+v", tasks[0])
	}

	store.set(sub("a", "two", frequency.Custom(frequency.Interval{Start: "2021-01-01", End: "2021-01-01"})))
	s.Rescan()
	if len(s.Tasks()) != 0 {
		t.Errorf("tasks after removal = %+v", s.Tasks())
	}
}

func TestRescanSkipsWhenReloadFails(t *testing.T) {
	var buf syncBuffer
	logger.SetOutput(&buf)

	store := &fakeStore{}
	store.set(sub("a", "one", frequency.Daily()))
	s := New(store, &fakeRunner{}, testOptions())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	store.mu.Lock()
	store.reloadErr = errors.New("disk unavailable")
	store.subs = nil
	store.mu.Unlock()

	s.Rescan()
	if len(s.Tasks()) != 1 {
		t.Errorf("tasks changed after failed reload: %+v", s.Tasks())
	}
	if !strings.Contains(buf.String(), "skipping re-scan") {
		t.Errorf("missing reload failure log:\n%s", buf.String())
	}
}

func TestRescanPicksUpOtherProcessWrites(t *testing.T) {
	ctx := context.Background()
	daemon := newBlobStore(t)
	s := New(daemon, &fakeRunner{}, testOptions())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	// A second store on the same file, as a CLI invocation would open.
	cli := storage.NewSubscriptionStore(storage.NewFileBlob(daemon.path))
	if err := cli.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := cli.Add(ctx, sub("a", "b", frequency.Daily())); err != nil {
		t.Fatal(err)
	}

	s.Rescan()
	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0].TaskID != "a/b" {
		t.Fatalf("tasks after re-scan = %+v, want a/b", tasks)
	}

	// The daemon's own write keeps the record it did not add itself.
	if err := daemon.Add(ctx, sub("c", "d", frequency.Weekly())); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(daemon.path)
	if err != nil {
		t.Fatal(err)
	}
	var persisted []storage.Subscription
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 2 {
		t.Errorf("persisted %d records, want 2: %+v", len(persisted), persisted)
	}

	if err := cli.Remove(ctx, "a", "b"); err != nil {
		t.Fatal(err)
	}
	s.Rescan()
	if tasks := s.Tasks(); len(tasks) != 1 || tasks[0].TaskID != "c/d" {
		t.Errorf("tasks after external remove = %+v, want only c/d", tasks)
	}
}

func TestExecuteTaskRetriesThenSucceeds(t *testing.T) {
	runner := &fakeRunner{failures: 2}
	s := New(&fakeStore{}, runner, testOptions())

	if err := s.executeTask(context.Background(), sub("a", "b", frequency.Daily())); err != nil {
		t.Fatalf("executeTask: %v", err)
	}
	if runner.callCount() != 3 {
		t.Errorf("calls = %d, want 3", runner.callCount())
	}
	if st := s.Stats(); st.Succeeded != 1 || st.Failed != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestExecuteTaskExhaustsRetries(t *testing.T) {
	var buf syncBuffer
	logger.SetOutput(&buf)

	runner := &fakeRunner{failures: -1}
	s := New(&fakeStore{}, runner, testOptions())

	err := s.executeTask(context.Background(), sub("a", "b", frequency.Daily()))
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if runner.callCount() != 3 {
		t.Errorf("calls = %d, want 3", runner.callCount())
	}
	if st := s.Stats(); st.Failed != 1 {
		t.Errorf("stats = %+v", st)
	}
	if !strings.Contains(buf.String(), "Task execution failed") {
		t.Errorf("terminal failure not logged:\n%s", buf.String())
	}
	if n := strings.Count(buf.String(), "Attempt failed"); n != 3 {
		t.Errorf("attempt failures logged = %d, want 3", n)
	}
}

func TestEnqueueRunsThroughQueue(t *testing.T) {
	runner := &fakeRunner{}
	s := New(&fakeStore{}, runner, testOptions())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	s.enqueue(sub("a", "b", frequency.Daily()))
	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Succeeded != 1 {
		if time.Now().After(deadline) {
			t.Fatal("queued task never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopCancelsInFlightTasks(t *testing.T) {
	runner := &fakeRunner{block: true, started: make(chan struct{}, 1)}
	s := New(&fakeStore{}, runner, testOptions())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.enqueue(sub("a", "b", frequency.Daily()))
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if !errors.Is(runner.ctxErr, context.Canceled) {
		t.Errorf("in-flight ctx err = %v, want canceled", runner.ctxErr)
	}
}

func TestAddJob(t *testing.T) {
	s := New(&fakeStore{}, &fakeRunner{}, testOptions())
	noop := func(context.Context, string) error { return nil }

	if err := s.AddJob("hackernews", "not a spec", noop); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("bad spec err = %v", err)
	}
	if err := s.AddJob("hackernews", "0 8 * * *", noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0].TaskID != "hackernews" || tasks[0].Next.IsZero() {
		t.Errorf("tasks = %+v", tasks)
	}
}

type blobStore struct {
	*storage.SubscriptionStore
	path string
}

func newBlobStore(t *testing.T) *blobStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subscriptions.json")
	st := storage.NewSubscriptionStore(storage.NewFileBlob(path))
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return &blobStore{SubscriptionStore: st, path: path}
}

func (b *blobStore) persistedType(t *testing.T) frequency.Type {
	t.Helper()
	data, err := os.ReadFile(b.path)
	if err != nil {
		t.Fatal(err)
	}
	var subs []storage.Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("persisted %d subscriptions", len(subs))
	}
	return subs[0].Frequency.Type
}

func TestCheckNowWithRangeRestoresFrequency(t *testing.T) {
	st := newBlobStore(t)
	weekly := storage.Subscription{
		Owner:      "a",
		Repo:       "b",
		Frequency:  frequency.Weekly(),
		EventTypes: []storage.EventType{storage.EventTypeIssues},
	}
	if err := st.Add(context.Background(), weekly); err != nil {
		t.Fatal(err)
	}

	iv, err := frequency.ParseRange("2021-01-01~2021-01-02")
	if err != nil {
		t.Fatal(err)
	}

	for _, fail := range []bool{false, true} {
		var during frequency.Frequency
		var persistedDuring frequency.Type
		runner := &fakeRunner{streamFn: func(s storage.Subscription) error {
			during = s.Frequency
			persistedDuring = st.persistedType(t)
			if fail {
				return errors.New("generation failed")
			}
			return nil
		}}
		s := New(st, runner, testOptions())

		_, err := s.CheckNow(context.Background(), weekly, &iv, func(events.Event) {})
		if fail != (err != nil) {
			t.Fatalf("fail=%v: CheckNow err = %v", fail, err)
		}
		if during.Type != frequency.TypeCustom || *during.Interval != iv {
			t.Errorf("fail=%v: frequency during run = %v", fail, during)
		}
		if persistedDuring != frequency.TypeCustom {
			t.Errorf("fail=%v: persisted type during run = %s", fail, persistedDuring)
		}
		got, err := st.Get("a", "b")
		if err != nil {
			t.Fatal(err)
		}
		if got.Frequency.Type != frequency.TypeWeekly {
			t.Errorf("fail=%v: frequency after run = %v, want weekly", fail, got.Frequency)
		}
		if pt := st.persistedType(t); pt != frequency.TypeWeekly {
			t.Errorf("fail=%v: persisted type after run = %s", fail, pt)
		}
	}
}

func TestCheckNowDoesNotWaitForQueue(t *testing.T) {
	runner := &fakeRunner{block: true, started: make(chan struct{}, 8)}
	opts := testOptions()
	opts.Concurrency = 1
	s := New(&fakeStore{}, runner, opts)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	s.enqueue(sub("a", "busy", frequency.Daily()))
	<-runner.started

	done := make(chan error, 1)
	go func() {
		_, err := s.CheckNow(context.Background(), sub("a", "b", frequency.Daily()), nil, func(events.Event) {})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("CheckNow: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CheckNow waited behind the queue")
	}
}

func TestCheckNowUnstoredRange(t *testing.T) {
	var seen atomic.Value
	runner := &fakeRunner{streamFn: func(s storage.Subscription) error {
		seen.Store(s.Frequency)
		return nil
	}}
	s := New(&fakeStore{}, runner, testOptions())

	iv := frequency.Interval{Start: "2024-01-01", End: "2024-01-07"}
	if _, err := s.CheckNow(context.Background(), sub("x", "y", frequency.Daily()), &iv, func(events.Event) {}); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	f, _ := seen.Load().(frequency.Frequency)
	if f.Type != frequency.TypeCustom || f.Interval == nil || *f.Interval != iv {
		t.Errorf("frequency = %v", f)
	}
}

func TestCheckNowRejectsBadRange(t *testing.T) {
	s := New(&fakeStore{}, &fakeRunner{}, testOptions())
	iv := frequency.Interval{Start: "2024-02-01", End: "2024-01-01"}
	if _, err := s.CheckNow(context.Background(), sub("x", "y", frequency.Daily()), &iv, nil); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}
