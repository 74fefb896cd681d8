package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/internal/events"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/report"
	"github.com/user/sentinel/internal/scheduler"
	"github.com/user/sentinel/internal/storage"
)

type fakeCore struct {
	subs        []storage.Subscription
	addErr      error
	lastPatch   storage.Patch
	patchOwner  string
	patchRepo   string
	removed     []string
	checkSub    storage.Subscription
	override    *frequency.Interval
	checkErr    error
	emitOnCheck bool
}

func (f *fakeCore) List() []storage.Subscription { return f.subs }

func (f *fakeCore) Get(owner, repo string) (storage.Subscription, error) {
	for _, s := range f.subs {
		if s.Owner == owner && s.Repo == repo {
			return s, nil
		}
	}
	return storage.Subscription{}, errs.NotFound("subscription %s/%s", owner, repo)
}

func (f *fakeCore) Add(ctx context.Context, sub storage.Subscription) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeCore) Update(ctx context.Context, owner, repo string, patch storage.Patch) (storage.Subscription, error) {
	f.patchOwner, f.patchRepo, f.lastPatch = owner, repo, patch
	for i, s := range f.subs {
		if s.Repo == repo {
			if patch.Frequency != nil {
				f.subs[i].Frequency = *patch.Frequency
			}
			return f.subs[i], nil
		}
	}
	return storage.Subscription{}, errs.NotFound("subscription for repo %s", repo)
}

func (f *fakeCore) Remove(ctx context.Context, owner, repo string) error {
	f.removed = append(f.removed, owner+"/"+repo)
	return nil
}

func (f *fakeCore) CheckNow(ctx context.Context, sub storage.Subscription, override *frequency.Interval, h events.Handler) (*report.Report, error) {
	f.checkSub, f.override = sub, override
	if f.checkErr != nil && !f.emitOnCheck {
		return nil, f.checkErr
	}
	h(events.Chunk(sub.TaskID(), "# Report\n"))
	h(events.Chunk(sub.TaskID(), "body"))
	h(events.Complete(sub.TaskID(), f.checkErr))
	return &report.Report{TaskID: sub.TaskID()}, f.checkErr
}

func (f *fakeCore) StreamHackerNews(ctx context.Context, h events.Handler) (*report.Report, error) {
	h(events.Chunk("hackernews", "stories"))
	h(events.Complete("hackernews", nil))
	return &report.Report{TaskID: "hackernews"}, nil
}

func (f *fakeCore) Tasks() []scheduler.TaskInfo {
	return []scheduler.TaskInfo{{TaskID: "a/b", Frequency: "daily", Spec: "0 9 * * *"}}
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func readEvents(t *testing.T, body string) []events.Event {
	t.Helper()
	var out []events.Event
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestHealth(t *testing.T) {
	rec := do(t, New(&fakeCore{}, ":0").Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestAddAndListSubscriptions(t *testing.T) {
	core := &fakeCore{}
	h := New(core, ":0").Handler()

	rec := do(t, h, http.MethodPost, "/api/subscriptions", `{"repo":"golang/go","frequency":{"type":"weekly"},"eventTypes":["issues","pr"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d body=%s", rec.Code, rec.Body.String())
	}
	if len(core.subs) != 1 {
		t.Fatalf("subs = %+v", core.subs)
	}
	got := core.subs[0]
	if got.Owner != "golang" || got.Repo != "go" || got.Frequency.Type != frequency.TypeWeekly {
		t.Errorf("added = %+v", got)
	}
	if len(got.EventTypes) != 2 || got.EventTypes[1] != storage.EventTypePullRequest {
		t.Errorf("event types = %v", got.EventTypes)
	}

	rec = do(t, h, http.MethodGet, "/api/subscriptions", "")
	var subs []storage.Subscription
	if err := json.NewDecoder(rec.Body).Decode(&subs); err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].TaskID() != "golang/go" {
		t.Errorf("list = %+v", subs)
	}
}

func TestAddSubscriptionErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		addErr error
		status int
		code   string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, "validation"},
		{"bad repo", `{"repo":"nope"}`, nil, http.StatusBadRequest, "validation"},
		{"bad event", `{"owner":"a","repo":"b","eventTypes":["WatchEvent"]}`, nil, http.StatusBadRequest, "validation"},
		{"custom without start", `{"owner":"a","repo":"b","frequency":{"type":"custom"}}`, nil, http.StatusBadRequest, "validation"},
		{"missing repo", `{"owner":"a","repo":"b"}`, errs.NotFound("repository a/b"), http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, New(&fakeCore{addErr: tt.addErr}, ":0").Handler(), http.MethodPost, "/api/subscriptions", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if body := decodeError(t, rec); body.Code != tt.code || body.Error == "" {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestUpdateAndRemove(t *testing.T) {
	core := &fakeCore{subs: []storage.Subscription{{Owner: "a", Repo: "b", Frequency: frequency.Daily()}}}
	h := New(core, ":0").Handler()

	rec := do(t, h, http.MethodPatch, "/api/subscriptions/b?owner=a", `{"frequency":{"type":"weekly"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d %s", rec.Code, rec.Body.String())
	}
	if core.patchRepo != "b" || core.patchOwner != "a" || core.lastPatch.Frequency.Type != frequency.TypeWeekly {
		t.Errorf("patch = %s/%s %+v", core.patchOwner, core.patchRepo, core.lastPatch)
	}

	rec = do(t, h, http.MethodPatch, "/api/subscriptions/zzz", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("patch unknown status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodDelete, "/api/subscriptions/a/b", "")
	if rec.Code != http.StatusNoContent || len(core.removed) != 1 || core.removed[0] != "a/b" {
		t.Errorf("delete = %d %v", rec.Code, core.removed)
	}
}

func TestCheckStreamsEvents(t *testing.T) {
	core := &fakeCore{subs: []storage.Subscription{{Owner: "a", Repo: "b", Frequency: frequency.Weekly()}}}
	h := New(core, ":0").Handler()

	rec := do(t, h, http.MethodGet, "/api/subscriptions/a/b/check?range=2021-01-01~2021-01-02", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	evs := readEvents(t, rec.Body.String())
	if len(evs) != 3 || evs[2].Type != events.TypeComplete || evs[0].Content != "# Report\n" {
		t.Errorf("events = %+v", evs)
	}
	if core.override == nil || core.override.String() != "2021-01-01~2021-01-02" {
		t.Errorf("override = %v", core.override)
	}
	if core.checkSub.Frequency.Type != frequency.TypeWeekly {
		t.Errorf("stored subscription not used: %+v", core.checkSub)
	}
}

func TestCheckErrors(t *testing.T) {
	h := New(&fakeCore{}, ":0").Handler()
	rec := do(t, h, http.MethodGet, "/api/subscriptions/a/b/check?range=2021-01-05~2021-01-02", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad range status = %d", rec.Code)
	}

	core := &fakeCore{checkErr: errs.Conflict("generation for a/b is already in progress")}
	rec = do(t, New(core, ":0").Handler(), http.MethodGet, "/api/subscriptions/a/b/check", "")
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != "conflict" {
		t.Errorf("conflict status = %d", rec.Code)
	}
	if core.checkSub.Frequency.Type != frequency.TypeDaily {
		t.Errorf("unstored check should default to daily: %+v", core.checkSub)
	}

	// Failures after streaming started travel in the complete event.
	core = &fakeCore{checkErr: errs.Validation("boom"), emitOnCheck: true}
	rec = do(t, New(core, ":0").Handler(), http.MethodGet, "/api/subscriptions/a/b/check", "")
	evs := readEvents(t, rec.Body.String())
	if rec.Code != http.StatusOK || len(evs) != 3 || !strings.Contains(evs[2].Error, "boom") {
		t.Errorf("status=%d events=%+v", rec.Code, evs)
	}
}

func TestHackerNewsAndTasks(t *testing.T) {
	h := New(&fakeCore{}, ":0").Handler()

	rec := do(t, h, http.MethodGet, "/api/hackernews", "")
	evs := readEvents(t, rec.Body.String())
	if len(evs) != 2 || evs[0].TaskID != "hackernews" {
		t.Errorf("events = %+v", evs)
	}

	rec = do(t, h, http.MethodGet, "/api/scheduler/tasks", "")
	var tasks []scheduler.TaskInfo
	if err := json.NewDecoder(rec.Body).Decode(&tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].TaskID != "a/b" {
		t.Errorf("tasks = %+v", tasks)
	}
}
